package utils

import (
	"math"

	"gocv.io/x/gocv"
)

// OrderPoints sorts 4 corner points into top-left, top-right, bottom-right,
// bottom-left order. The top-left corner has the smallest coordinate sum, the
// bottom-right the largest; the top-right has the smallest x-y difference and
// the bottom-left the largest. Holds for any in-plane rotation of the quad.
func OrderPoints(pts []gocv.Point2f) [4]gocv.Point2f {
	var ordered [4]gocv.Point2f

	sumMin, sumMax := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	diffMin, diffMax := float32(math.MaxFloat32), float32(-math.MaxFloat32)

	for _, p := range pts {
		sum := p.X + p.Y
		diff := p.Y - p.X
		if sum < sumMin {
			sumMin = sum
			ordered[0] = p
		}
		if sum > sumMax {
			sumMax = sum
			ordered[2] = p
		}
		if diff < diffMin {
			diffMin = diff
			ordered[1] = p
		}
		if diff > diffMax {
			diffMax = diff
			ordered[3] = p
		}
	}

	return ordered
}

// PointDistance computes the Euclidean distance between two points.
func PointDistance(a, b gocv.Point2f) float32 {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	return float32(math.Sqrt(dx*dx + dy*dy))
}

// Clip bounds val to the [lo, hi] interval.
func Clip(val, lo, hi float64) float64 {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}

// Round4 rounds to 4 decimal places for score reporting.
func Round4(val float64) float64 {
	return math.Round(val*10000) / 10000
}
