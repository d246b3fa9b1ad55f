package go_kyc_pipeline

import (
	"errors"
	"math"

	"github.com/moonkyc/go-kyc-pipeline/config"
	"github.com/moonkyc/go-kyc-pipeline/logger"
	"github.com/moonkyc/go-kyc-pipeline/modules"
	"github.com/moonkyc/go-kyc-pipeline/utils"
	gotritonclient "github.com/okieraised/go-triton-client"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

var ErrInvalidImage = errors.New("cannot decode input image")

// KYCPipeline defines the structure of the identity verification pipeline.
type KYCPipeline struct {
	CardDetector     *modules.CardDetector
	PhysicalAnalyzer *modules.PhysicalCardAnalyzer
	Landmark         *modules.LandmarkClient
	FaceMatch        *modules.FaceMatchEngine
	Liveness         *modules.LivenessRegistry
	Params           *config.PipelineParams
}

// NewKYCPipeline initializes new pipelines.
func NewKYCPipeline(tritonClient *gotritonclient.TritonGRPCClient, params *config.PipelineParams) (*KYCPipeline, error) {
	if params == nil {
		params = config.DefaultPipelineParams
	}

	pipeline := &KYCPipeline{
		Params:           params,
		CardDetector:     modules.NewCardDetector(params.CardDetection, params.Quality),
		PhysicalAnalyzer: modules.NewPhysicalCardAnalyzer(params.PhysicalCheck),
		Liveness:         modules.NewLivenessRegistry(params.Liveness),
	}

	// Init landmark client
	landmarkClient, err := modules.NewLandmarkClient(tritonClient, params.Landmark)
	if err != nil {
		return pipeline, err
	}
	pipeline.Landmark = landmarkClient

	// Init one embedding client per ensemble member
	embeddings := make(map[string]*modules.FaceEmbeddingClient, len(params.Embeddings))
	for name, cfg := range params.Embeddings {
		client, err := modules.NewFaceEmbeddingClient(tritonClient, cfg)
		if err != nil {
			return pipeline, err
		}
		embeddings[name] = client
	}
	pipeline.FaceMatch = modules.NewFaceMatchEngine(params.FaceMatch, embeddings)

	return pipeline, nil
}

// StartLivenessSession opens a fresh challenge session and returns its ID.
func (c *KYCPipeline) StartLivenessSession() string {
	id := c.Liveness.Start()
	logger.Info("liveness session started", logger.LoggerOptions{Key: "session_id", Data: id})
	return id
}

/*
ProcessLivenessFrame runs landmark detection on a frame and feeds the result
to the identified session.

Inputs:

  - sessionID (string): ID from StartLivenessSession.
  - frame (gocv.Mat): camera frame.

Outputs:

  - status (*config.LivenessFrameStatus): what the frame contributed.
*/
func (c *KYCPipeline) ProcessLivenessFrame(sessionID string, frame gocv.Mat) (*config.LivenessFrameStatus, error) {
	landmarks, err := c.Landmark.DetectLandmarks(frame)
	if err != nil {
		return nil, err
	}

	frameWidth := frame.Size()[1]
	return c.Liveness.ProcessFrame(sessionID, landmarks, frameWidth)
}

// ProcessLivenessLandmarks feeds pre-computed landmark sets to a session,
// for callers that run their own detector.
func (c *KYCPipeline) ProcessLivenessLandmarks(sessionID string, landmarks []*tensor.Dense, frameWidth int) (*config.LivenessFrameStatus, error) {
	return c.Liveness.ProcessFrame(sessionID, landmarks, frameWidth)
}

// FinishLivenessSession closes the session and returns its outcome.
func (c *KYCPipeline) FinishLivenessSession(sessionID string) (*config.LivenessOutcome, error) {
	outcome, err := c.Liveness.Finish(sessionID)
	if err != nil {
		return nil, err
	}
	logger.Info("liveness session finished",
		logger.LoggerOptions{Key: "session_id", Data: sessionID},
		logger.LoggerOptions{Key: "verified", Data: outcome.Verified},
		logger.LoggerOptions{Key: "confidence", Data: outcome.Confidence},
	)
	return outcome, nil
}

// AbortLivenessSession discards a session without an outcome.
func (c *KYCPipeline) AbortLivenessSession(sessionID string) error {
	return c.Liveness.Abort(sessionID)
}

// rectifyFront locates and flattens the card in the front capture. A frame
// without a detectable card falls back to the raw frame so verification can
// still proceed on a well-framed photo.
func (c *KYCPipeline) rectifyFront(front gocv.Mat) (gocv.Mat, bool, *config.QualityMetrics) {
	candidate := c.CardDetector.DetectCard(front)
	if candidate == nil {
		logger.Warning("no card detected in front image, using full frame")
		return front, false, c.CardDetector.CheckQuality(front)
	}

	rectified, err := c.CardDetector.Rectify(front, candidate)
	if err != nil {
		logger.Warning("card rectification failed, using full frame",
			logger.LoggerOptions{Key: "error", Data: err},
		)
		return front, false, c.CardDetector.CheckQuality(front)
	}

	quality := c.CardDetector.CheckQuality(rectified)
	if !quality.IsGood {
		logger.Warning("rectified card below capture quality gates",
			logger.LoggerOptions{Key: "reason", Data: quality.Reason},
		)
	}
	return rectified, true, quality
}

// assembleDecision merges the sub-results into the final verdict. Confidence
// is the ensemble average similarity, raised by the liveness bonus when the
// challenge session verified, capped at 100.
func (c *KYCPipeline) assembleDecision(
	cardDetected bool,
	quality *config.QualityMetrics,
	physical *config.PhysicalAuthenticityResult,
	match *config.FaceMatchResult,
	liveness *config.LivenessOutcome,
) *config.VerificationDecision {

	confidence := match.AverageSimilarity
	livenessVerified := liveness != nil && liveness.Verified
	if livenessVerified {
		confidence = math.Min(100, confidence+c.Params.LivenessBonus)
	}

	return &config.VerificationDecision{
		Verified:         match.Verified,
		Confidence:       confidence,
		Similarity:       match.AverageSimilarity,
		LivenessVerified: livenessVerified,
		CardDetected:     cardDetected,
		CardQuality:      quality,
		PhysicalCard:     physical,
		FaceMatch:        match,
		Reason:           match.Reason,
	}
}

/*
VerifyIdentity runs the full verification flow over one capture set.

Inputs:

  - capture (config.CaptureSet): document front, selfie and tilt frame paths.
  - liveness (*config.LivenessOutcome): finished liveness session outcome,
    nil when no liveness was run.

Outputs:

  - decision (*config.VerificationDecision): combined verdict. The only fatal
    conditions are undecodable inputs, a missing document face and model
    serving failures, every heuristic negative lands in the decision instead.
*/
func (c *KYCPipeline) VerifyIdentity(capture config.CaptureSet, liveness *config.LivenessOutcome) (*config.VerificationDecision, error) {

	front, err := utils.ConvertImageToMat(capture.FrontImage)
	if err != nil {
		return nil, errors.Join(ErrInvalidImage, err)
	}
	defer front.Close()

	selfie, err := utils.ConvertImageToMat(capture.Selfie)
	if err != nil {
		return nil, errors.Join(ErrInvalidImage, err)
	}
	defer selfie.Close()

	cardImg, cardDetected, quality := c.rectifyFront(*front)
	if cardDetected {
		defer cardImg.Close()
	}

	docFace, err := c.Landmark.ExtractDocumentFace(cardImg, utils.RefPointer(c.Params.FacePadRatio))
	if err != nil {
		logger.Error("document face extraction failed",
			logger.LoggerOptions{Key: "error", Data: err},
		)
		return nil, err
	}
	defer docFace.Close()

	physical := c.PhysicalAnalyzer.AnalyzeCardPhysicality(capture.TiltFrames)

	match, err := c.FaceMatch.Verify(*docFace, *selfie)
	if err != nil {
		return nil, err
	}

	decision := c.assembleDecision(cardDetected, quality, physical, match, liveness)
	logger.Info("verification decision",
		logger.LoggerOptions{Key: "verified", Data: decision.Verified},
		logger.LoggerOptions{Key: "confidence", Data: decision.Confidence},
		logger.LoggerOptions{Key: "reason", Data: decision.Reason},
	)
	return decision, nil
}
