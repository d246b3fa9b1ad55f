package modules

import (
	"errors"
	"image"
	"math"

	"github.com/moonkyc/go-kyc-pipeline/config"
	"github.com/moonkyc/go-kyc-pipeline/utils"
	"gocv.io/x/gocv"
)

// CardDetector locates rectangular ID documents in camera frames and warps
// them to a flat, axis-aligned crop. It is stateless, all tuning comes from
// the injected params.
type CardDetector struct {
	DetectionParams *config.CardDetectionParams
	QualityParams   *config.QualityParams
}

func NewCardDetector(detectionCfg *config.CardDetectionParams, qualityCfg *config.QualityParams) *CardDetector {
	if detectionCfg == nil {
		detectionCfg = config.DefaultCardDetectionParams
	}
	if qualityCfg == nil {
		qualityCfg = config.DefaultQualityParams
	}
	return &CardDetector{
		DetectionParams: detectionCfg,
		QualityParams:   qualityCfg,
	}
}

type cardProposal struct {
	corners  []gocv.Point2f
	box      image.Rectangle
	area     float64
	aspect   float64
	distance float64
	score    float64
}

// edgeMap fuses the inverted adaptive threshold with loose and tight Canny
// passes, then dilates twice and erodes once to close card outlines.
func (c *CardDetector) edgeMap(gray gocv.Mat) gocv.Mat {
	blurred := gocv.NewMat()
	defer blurred.Close()
	k := c.DetectionParams.BlurKernelSize
	gocv.GaussianBlur(gray, &blurred, image.Pt(k, k), 0, 0, gocv.BorderDefault)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.AdaptiveThreshold(
		blurred,
		&thresh,
		255,
		gocv.AdaptiveThresholdGaussian,
		gocv.ThresholdBinary,
		c.DetectionParams.AdaptiveBlockSize,
		c.DetectionParams.AdaptiveConstant,
	)
	threshInv := gocv.NewMat()
	defer threshInv.Close()
	gocv.BitwiseNot(thresh, &threshInv)

	edgesLoose := gocv.NewMat()
	defer edgesLoose.Close()
	gocv.Canny(blurred, &edgesLoose, c.DetectionParams.CannyLooseLow, c.DetectionParams.CannyLooseHigh)

	edgesTight := gocv.NewMat()
	defer edgesTight.Close()
	gocv.Canny(blurred, &edgesTight, c.DetectionParams.CannyTightLow, c.DetectionParams.CannyTightHigh)

	combined := gocv.NewMat()
	gocv.BitwiseOr(edgesLoose, edgesTight, &combined)
	gocv.BitwiseOr(combined, threshInv, &combined)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()
	for i := 0; i < c.DetectionParams.DilateIterations; i++ {
		gocv.Dilate(combined, &combined, kernel)
	}
	for i := 0; i < c.DetectionParams.ErodeIterations; i++ {
		gocv.Erode(combined, &combined, kernel)
	}

	return combined
}

// approxQuad walks the epsilon ladder until the contour simplifies to exactly
// 4 vertices. Returns nil when no epsilon produces a quad.
func (c *CardDetector) approxQuad(contour gocv.PointVector, peri float64) []gocv.Point2f {
	for _, mult := range c.DetectionParams.ApproxEpsilons {
		approx := gocv.ApproxPolyDP(contour, mult*peri, true)
		if approx.Size() == 4 {
			corners := make([]gocv.Point2f, 0, 4)
			for i := 0; i < approx.Size(); i++ {
				p := approx.At(i)
				corners = append(corners, gocv.Point2f{X: float32(p.X), Y: float32(p.Y)})
			}
			approx.Close()
			return corners
		}
		approx.Close()
	}
	return nil
}

/*
DetectCard searches a frame for the best card-like quadrilateral.

Inputs:

  - frame (gocv.Mat): input camera frame.

Outputs:

  - candidate (*config.CardCandidate): best scoring card quad, or nil when the
    frame contains no acceptable card. Absence of a card is not an error.
*/
func (c *CardDetector) DetectCard(frame gocv.Mat) *config.CardCandidate {
	if frame.Empty() {
		return nil
	}

	dims := frame.Size()
	h, w := dims[0], dims[1]
	frameArea := float64(h * w)

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(frame, &gray, gocv.ColorRGBToGray)

	combined := c.edgeMap(gray)
	defer combined.Close()

	// External contours alone miss cards nested inside bright surroundings,
	// the full list alone drowns in texture. Pool both.
	contoursExt := gocv.FindContours(combined, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contoursExt.Close()
	contoursList := gocv.FindContours(combined, gocv.RetrievalList, gocv.ChainApproxSimple)
	defer contoursList.Close()

	pooled := make([]gocv.PointVector, 0, contoursExt.Size()+contoursList.Size())
	for i := 0; i < contoursExt.Size(); i++ {
		pooled = append(pooled, contoursExt.At(i))
	}
	for i := 0; i < contoursList.Size(); i++ {
		pooled = append(pooled, contoursList.At(i))
	}

	proposals := make([]cardProposal, 0)
	for _, contour := range pooled {
		area := gocv.ContourArea(contour)
		if area < c.DetectionParams.MinCardArea || area > c.DetectionParams.MaxCardArea {
			continue
		}
		if area > frameArea*c.DetectionParams.MaxFrameFraction {
			continue
		}

		peri := gocv.ArcLength(contour, true)
		corners := c.approxQuad(contour, peri)
		if corners == nil {
			continue
		}

		box := boundingBox(corners)
		margin := c.DetectionParams.BorderMargin
		if box.Min.X < margin || box.Min.Y < margin ||
			box.Max.X > w-margin || box.Max.Y > h-margin {
			// Touching the frame edge, likely the capture guide overlay.
			continue
		}

		if box.Dy() == 0 {
			continue
		}
		aspect := float64(box.Dx()) / float64(box.Dy())
		if aspect < c.DetectionParams.MinAspectRatio || aspect > c.DetectionParams.MaxAspectRatio {
			continue
		}

		centerX := float64(box.Min.X) + float64(box.Dx())/2
		centerY := float64(box.Min.Y) + float64(box.Dy())/2
		dist := math.Sqrt(math.Pow(centerX-float64(w)/2, 2) + math.Pow(centerY-float64(h)/2, 2))

		proposals = append(proposals, cardProposal{
			corners:  corners,
			box:      box,
			area:     area,
			aspect:   aspect,
			distance: dist,
		})
	}

	if len(proposals) == 0 {
		return nil
	}

	// The pooled contour lists report the same card more than once. Collapse
	// proposals whose areas differ by less than the dedupe fraction.
	unique := make([]cardProposal, 0, len(proposals))
	for _, p := range proposals {
		duplicate := false
		for _, existing := range unique {
			areaDiff := math.Abs(p.area-existing.area) / existing.area
			if areaDiff < c.DetectionParams.DedupeAreaFraction {
				duplicate = true
				break
			}
		}
		if !duplicate {
			unique = append(unique, p)
		}
	}

	maxDistance := math.Sqrt(math.Pow(float64(w)/2, 2) + math.Pow(float64(h)/2, 2))
	best := 0
	for idx := range unique {
		sizeScore := unique[idx].area / c.DetectionParams.MaxCardArea
		positionScore := 1 - unique[idx].distance/maxDistance
		unique[idx].score = c.DetectionParams.AreaScoreWeight*sizeScore + c.DetectionParams.CenterScoreWeight*positionScore
		if unique[idx].score > unique[best].score {
			best = idx
		}
	}

	return &config.CardCandidate{
		Corners:     utils.PointsToTensor(unique[best].corners),
		Area:        unique[best].area,
		AspectRatio: unique[best].aspect,
		Score:       unique[best].score,
	}
}

/*
Rectify warps the detected card quad into a flat, axis-aligned image. The
output size follows the longer of each pair of opposing quad edges so the
warp never shrinks card content.

Inputs:

  - frame (gocv.Mat): frame the candidate was detected in.
  - candidate (*config.CardCandidate): card quad from DetectCard.

Outputs:

  - warped (gocv.Mat): rectified card image.
*/
func (c *CardDetector) Rectify(frame gocv.Mat, candidate *config.CardCandidate) (gocv.Mat, error) {
	if candidate == nil || candidate.Corners == nil {
		return gocv.NewMat(), errors.New("no card candidate to rectify")
	}

	points, err := utils.TensorToPoints(candidate.Corners)
	if err != nil {
		return gocv.NewMat(), err
	}
	if len(points) != 4 {
		return gocv.NewMat(), errors.New("card candidate must have exactly 4 corners")
	}

	ordered := utils.OrderPoints(points)
	tl, tr, br, bl := ordered[0], ordered[1], ordered[2], ordered[3]

	widthBottom := utils.PointDistance(br, bl)
	widthTop := utils.PointDistance(tr, tl)
	maxWidth := int(math.Max(float64(widthBottom), float64(widthTop)))

	heightRight := utils.PointDistance(tr, br)
	heightLeft := utils.PointDistance(tl, bl)
	maxHeight := int(math.Max(float64(heightRight), float64(heightLeft)))

	if maxWidth < 1 || maxHeight < 1 {
		return gocv.NewMat(), errors.New("degenerate card candidate geometry")
	}

	src := gocv.NewPoint2fVectorFromPoints(ordered[:])
	defer src.Close()
	dst := gocv.NewPoint2fVectorFromPoints([]gocv.Point2f{
		{X: 0, Y: 0},
		{X: float32(maxWidth - 1), Y: 0},
		{X: float32(maxWidth - 1), Y: float32(maxHeight - 1)},
		{X: 0, Y: float32(maxHeight - 1)},
	})
	defer dst.Close()

	transform := gocv.GetPerspectiveTransform2f(src, dst)
	defer transform.Close()

	warped := gocv.NewMat()
	gocv.WarpPerspective(frame, &warped, transform, image.Pt(maxWidth, maxHeight))

	return warped, nil
}

/*
CheckQuality measures whether a card region is usable for capture.

Inputs:

  - region (gocv.Mat): rectified card region, or any frame crop.

Outputs:

  - metrics (*config.QualityMetrics): brightness, sharpness, edge density and
    variance together with the capture gate verdict. Regions smaller than the
    configured minimum short-circuit to zeroed metrics.
*/
func (c *CardDetector) CheckQuality(region gocv.Mat) *config.QualityMetrics {
	metrics := &config.QualityMetrics{}

	if region.Empty() {
		metrics.Reason = config.ReasonLowContent
		return metrics
	}
	dims := region.Size()
	if dims[0] < c.QualityParams.MinRegionSize || dims[1] < c.QualityParams.MinRegionSize {
		metrics.Reason = config.ReasonLowContent
		return metrics
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(region, &gray, gocv.ColorRGBToGray)

	metrics.Brightness = gray.Mean().Val1

	laplacian := gocv.NewMat()
	defer laplacian.Close()
	gocv.Laplacian(gray, &laplacian, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)
	lapMean := gocv.NewMat()
	defer lapMean.Close()
	lapStd := gocv.NewMat()
	defer lapStd.Close()
	gocv.MeanStdDev(laplacian, &lapMean, &lapStd)
	lapSigma := lapStd.GetDoubleAt(0, 0)
	metrics.Sharpness = lapSigma * lapSigma

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, c.DetectionParams.CannyTightLow, c.DetectionParams.CannyTightHigh)
	metrics.EdgeDensity = float64(gocv.CountNonZero(edges)) / float64(dims[0]*dims[1])

	grayMean := gocv.NewMat()
	defer grayMean.Close()
	grayStd := gocv.NewMat()
	defer grayStd.Close()
	gocv.MeanStdDev(gray, &grayMean, &grayStd)
	graySigma := grayStd.GetDoubleAt(0, 0)
	metrics.Variance = graySigma * graySigma

	metrics.HasContent = metrics.EdgeDensity > c.QualityParams.MinEdgeDensity &&
		metrics.Variance > c.QualityParams.MinVariance
	metrics.IsGood = metrics.Brightness > c.QualityParams.MinBrightness &&
		metrics.Brightness < c.QualityParams.MaxBrightness &&
		metrics.Sharpness > c.QualityParams.MinSharpness &&
		metrics.HasContent

	switch {
	case metrics.IsGood:
		metrics.Reason = config.ReasonOK
	case metrics.Brightness <= c.QualityParams.MinBrightness:
		metrics.Reason = config.ReasonTooDark
	case metrics.Brightness >= c.QualityParams.MaxBrightness:
		metrics.Reason = config.ReasonTooBright
	case metrics.Sharpness <= c.QualityParams.MinSharpness:
		metrics.Reason = config.ReasonBlurry
	default:
		metrics.Reason = config.ReasonLowContent
	}

	return metrics
}

func boundingBox(points []gocv.Point2f) image.Rectangle {
	minX, minY := math.MaxFloat64, math.MaxFloat64
	maxX, maxY := -math.MaxFloat64, -math.MaxFloat64
	for _, p := range points {
		minX = math.Min(minX, float64(p.X))
		minY = math.Min(minY, float64(p.Y))
		maxX = math.Max(maxX, float64(p.X))
		maxY = math.Max(maxY, float64(p.Y))
	}
	return image.Rect(int(minX), int(minY), int(math.Ceil(maxX)), int(math.Ceil(maxY)))
}
