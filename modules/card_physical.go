package modules

import (
	"image"
	"image/color"
	"os"

	"github.com/moonkyc/go-kyc-pipeline/config"
	"github.com/moonkyc/go-kyc-pipeline/utils"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// PhysicalCardAnalyzer decides whether a sequence of tilted card captures
// shows a real physical card. Flat reproductions (screens, prints) keep a
// near-constant contour area and rotation across tilt frames, a physical
// card does not.
type PhysicalCardAnalyzer struct {
	Params *config.PhysicalCheckParams
}

func NewPhysicalCardAnalyzer(cfg *config.PhysicalCheckParams) *PhysicalCardAnalyzer {
	if cfg == nil {
		cfg = config.DefaultPhysicalCheckParams
	}
	return &PhysicalCardAnalyzer{Params: cfg}
}

// TiltFrameMetrics holds the per-frame measurements the physicality decision
// fuses.
type TiltFrameMetrics struct {
	EdgeStrength float64 `json:"edge_strength"` // EdgeStrength is the mean edge response along the card outline, 0-1.
	Angle        float64 `json:"angle"`         // Angle is the minAreaRect rotation of the dominant contour.
	AreaRatio    float64 `json:"area_ratio"`    // AreaRatio is the dominant contour area over the frame area.
}

// AnalyzeFrame measures a single tilt frame. The second return is false when
// the frame is unusable: unreadable file, no contours, or a degenerate
// dominant contour.
func (a *PhysicalCardAnalyzer) AnalyzeFrame(fPath string) (*TiltFrameMetrics, bool) {
	img, err := utils.ReadImageMat(fPath)
	if err != nil {
		return nil, false
	}
	defer img.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(*img, &gray, gocv.ColorRGBToGray)

	blurred := gocv.NewMat()
	defer blurred.Close()
	k := a.Params.BlurKernelSize
	gocv.GaussianBlur(gray, &blurred, image.Pt(k, k), 0, 0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blurred, &edges, a.Params.CannyLow, a.Params.CannyHigh)

	contours := gocv.FindContours(edges, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()
	if contours.Size() == 0 {
		return nil, false
	}

	largestIdx := 0
	largestArea := 0.0
	for i := 0; i < contours.Size(); i++ {
		area := gocv.ContourArea(contours.At(i))
		if area > largestArea {
			largestArea = area
			largestIdx = i
		}
	}
	if largestArea <= 0 {
		return nil, false
	}

	dims := gray.Size()
	frameArea := float64(dims[0] * dims[1])
	if frameArea < 1 {
		frameArea = 1
	}

	rect := gocv.MinAreaRect(contours.At(largestIdx))

	mask := gocv.NewMatWithSize(dims[0], dims[1], gocv.MatTypeCV8U)
	defer mask.Close()
	gocv.DrawContours(&mask, contours, largestIdx, color.RGBA{R: 255, G: 255, B: 255}, a.Params.MaskThickness)

	edgeStrength := edges.MeanWithMask(mask).Val1 / 255.0

	return &TiltFrameMetrics{
		EdgeStrength: edgeStrength,
		Angle:        float64(rect.Angle),
		AreaRatio:    largestArea / frameArea,
	}, true
}

/*
FuseTiltMetrics combines per-frame measurements into the physicality verdict.

Edge consistency is the mean outline edge strength. Depth variation rewards
the area and rotation changes a tilted physical card produces. Both feed a
weighted composite compared against the verified threshold. Scores are
reported on a 0-100 scale, rounded to 4 decimals.

Inputs:

  - metrics ([]TiltFrameMetrics): measurements of the usable tilt frames.

Outputs:

  - result (*config.PhysicalAuthenticityResult): fused verdict.
*/
func (a *PhysicalCardAnalyzer) FuseTiltMetrics(metrics []TiltFrameMetrics) *config.PhysicalAuthenticityResult {
	if len(metrics) < a.Params.MinFrames {
		return &config.PhysicalAuthenticityResult{
			FramesUsed: len(metrics),
			Reason:     config.ReasonCardNotDetected,
		}
	}

	edgeVals := make([]float64, 0, len(metrics))
	areaVals := make([]float64, 0, len(metrics))
	angleVals := make([]float64, 0, len(metrics))
	for _, m := range metrics {
		edgeVals = append(edgeVals, m.EdgeStrength)
		areaVals = append(areaVals, m.AreaRatio)
		angleVals = append(angleVals, m.Angle)
	}

	edgeConsistency := utils.Clip(stat.Mean(edgeVals, nil), 0, 1)
	areaSpread := floats.Max(areaVals) - floats.Min(areaVals)
	angleSpread := floats.Max(angleVals) - floats.Min(angleVals)
	depthVariation := utils.Clip(areaSpread*a.Params.AreaSpreadGain+angleSpread/a.Params.AngleSpreadDivisor, 0, 1)

	score := utils.Clip(
		a.Params.EdgeConsistencyWeight*edgeConsistency+a.Params.DepthVariationWeight*depthVariation,
		0, 1,
	)

	return &config.PhysicalAuthenticityResult{
		Verified:             score >= a.Params.VerifiedThreshold,
		PhysicalCardScore:    utils.Round4(score * 100),
		EdgeConsistencyScore: utils.Round4(edgeConsistency * 100),
		DepthVariationScore:  utils.Round4(depthVariation * 100),
		FramesUsed:           len(metrics),
		AreaSpread:           utils.Round4(areaSpread),
		AngleSpread:          utils.Round4(angleSpread),
		Reason:               config.ReasonOK,
	}
}

/*
AnalyzeCardPhysicality runs the full tilt-frame check over image files.

Inputs:

  - imagePaths ([]string): candidate tilt frame paths. Missing files are
    skipped.

Outputs:

  - result (*config.PhysicalAuthenticityResult): fused verdict, with reason
    "not_enough_frames" or "card_not_detected" when the sequence is unusable.
*/
func (a *PhysicalCardAnalyzer) AnalyzeCardPhysicality(imagePaths []string) *config.PhysicalAuthenticityResult {
	existing := make([]string, 0, len(imagePaths))
	for _, p := range imagePaths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}

	if len(existing) < a.Params.MinFrames {
		return &config.PhysicalAuthenticityResult{
			FramesUsed: len(existing),
			Reason:     config.ReasonNotEnoughFrames,
		}
	}

	usable := make([]TiltFrameMetrics, 0, len(existing))
	for _, p := range existing {
		if m, ok := a.AnalyzeFrame(p); ok {
			usable = append(usable, *m)
		}
	}

	return a.FuseTiltMetrics(usable)
}
