package config

import (
	"gorgonia.org/tensor"
)

type Size struct {
	Width  int
	Height int
}

func (s *Size) Max() int {
	if s.Height > s.Width {
		return s.Height
	}
	return s.Width
}

func (s *Size) Min() int {
	if s.Height < s.Width {
		return s.Height
	}
	return s.Width
}

type Coordinate2D struct {
	X float32
	Y float32
}

// ConvertLandmarksToTensor packs 2-D facial landmark points into an (n, 2)
// float32 tensor, row order preserved.
func ConvertLandmarksToTensor(points []Coordinate2D) *tensor.Dense {
	backing := make([]float32, 0, len(points)*2)
	for _, p := range points {
		backing = append(backing, p.X, p.Y)
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(points), 2),
		tensor.WithBacking(backing),
	)
}

// Reason codes reported on heuristic results. Hard failures use errors instead.
const (
	ReasonOK                      = "ok"
	ReasonTooDark                 = "dark"
	ReasonTooBright               = "bright"
	ReasonBlurry                  = "blurry"
	ReasonLowContent              = "low_content"
	ReasonNotEnoughFrames         = "not_enough_frames"
	ReasonCardNotDetected         = "card_not_detected"
	ReasonArcFaceBelowMin         = "arcface_below_min"
	ReasonInsufficientModelPasses = "insufficient_model_passes"
	ReasonLegacyConsensus         = "legacy_consensus"
	ReasonInsufficientConsensus   = "insufficient_consensus"
)

// Liveness challenge keys. Every session runs all four.
const (
	ChallengeCenter = "center"
	ChallengeLeft   = "left"
	ChallengeRight  = "right"
	ChallengeMouth  = "mouth"
)

// Head pose labels emitted per liveness frame.
const (
	HeadPoseCenter = "center"
	HeadPoseLeft   = "left"
	HeadPoseRight  = "right"
	HeadPoseNone   = "none"
)

// QualityMetrics defines the structure of the card region quality check.
type QualityMetrics struct {
	Brightness  float64 `json:"brightness"`   // Brightness is the mean gray intensity of the region.
	Sharpness   float64 `json:"sharpness"`    // Sharpness is the Laplacian variance of the region.
	EdgeDensity float64 `json:"edge_density"` // EdgeDensity is the fraction of Canny edge pixels.
	Variance    float64 `json:"variance"`     // Variance is the gray intensity variance.
	HasContent  bool    `json:"has_content"`  // HasContent determines if the region carries text/photo detail.
	IsGood      bool    `json:"is_good"`      // IsGood determines if the region passes all capture gates.
	Reason      string  `json:"reason"`       // Reason names the first failing gate, or "ok".
}

// CardCandidate defines a detected card quad within a frame.
type CardCandidate struct {
	Corners     *tensor.Dense `json:"corners"`      // Corners is the (4, 2) quad vertex tensor, unordered.
	Area        float64       `json:"area"`         // Area is the contour area in pixels.
	AspectRatio float64       `json:"aspect_ratio"` // AspectRatio is the bounding box width over height.
	Score       float64       `json:"score"`        // Score combines area dominance and center proximity.
}

// PhysicalAuthenticityResult defines the structure of the tilt-frame physical
// card check.
type PhysicalAuthenticityResult struct {
	Verified             bool    `json:"verified"`               // Verified determines if the card behaves like a physical object.
	PhysicalCardScore    float64 `json:"physical_card_score"`    // PhysicalCardScore is the composite score, 0-100.
	EdgeConsistencyScore float64 `json:"edge_consistency_score"` // EdgeConsistencyScore is the mean edge strength score, 0-100.
	DepthVariationScore  float64 `json:"depth_variation_score"`  // DepthVariationScore is the perspective change score, 0-100.
	FramesUsed           int     `json:"frames_used"`            // FramesUsed is the number of usable tilt frames.
	AreaSpread           float64 `json:"area_spread"`            // AreaSpread is the peak-to-peak contour area ratio across frames.
	AngleSpread          float64 `json:"angle_spread"`           // AngleSpread is the peak-to-peak card rotation across frames.
	Reason               string  `json:"reason"`                 // Reason names the outcome: ok, not_enough_frames, card_not_detected.
}

// ModelMatch defines one ensemble member verdict.
type ModelMatch struct {
	Model      string  `json:"model"`      // Model is the ensemble member name.
	Distance   float64 `json:"distance"`   // Distance is the cosine distance between embeddings.
	Similarity float64 `json:"similarity"` // Similarity is (1 - distance) * 100.
	Passed     bool    `json:"passed"`     // Passed determines if the similarity clears the per-model floor.
}

// FaceMatchResult defines the structure of the ensemble face comparison.
type FaceMatchResult struct {
	Verified          bool         `json:"verified"`           // Verified is the fused ensemble decision.
	AverageSimilarity float64      `json:"average_similarity"` // AverageSimilarity is the mean similarity across members.
	SimilarityRange   float64      `json:"similarity_range"`   // SimilarityRange is max minus min member similarity.
	Models            []ModelMatch `json:"models"`             // Models holds the per-member verdicts.
	Reason            string       `json:"reason"`             // Reason names the deciding rule.
}

// ChallengeState tracks one liveness challenge within a session.
type ChallengeState struct {
	Name      string `json:"name"`      // Name is the user-facing instruction.
	Completed bool   `json:"completed"` // Completed determines if the challenge is locked in.
	Frames    int    `json:"frames"`    // Frames is the current matching-frame credit.
}

// LivenessFrameStatus defines the structure of one processed liveness frame.
type LivenessFrameStatus struct {
	FaceCount        int     `json:"face_count"`         // FaceCount is the number of faces seen in the frame.
	HeadPose         string  `json:"head_pose"`          // HeadPose is the detected head direction, or "none".
	MouthAspectRatio float64 `json:"mouth_aspect_ratio"` // MouthAspectRatio is the MAR of the outer mouth.
	MouthCycles      int     `json:"mouth_cycles"`       // MouthCycles is the number of completed open-close cycles.
	Progress         float64 `json:"progress"`           // Progress is the session completion percentage.
}

// LivenessOutcome defines the structure of a finished liveness session.
type LivenessOutcome struct {
	Verified       bool                       `json:"verified"`        // Verified determines if every challenge completed.
	Confidence     float64                    `json:"confidence"`      // Confidence is the completion percentage.
	Challenges     map[string]*ChallengeState `json:"challenges"`      // Challenges holds the per-challenge state.
	CompletedCount int                        `json:"completed_count"` // CompletedCount is the number of completed challenges.
	TotalCount     int                        `json:"total_count"`     // TotalCount is the number of challenges in the session.
}

// CaptureSet defines the structure of one verification attempt's inputs.
type CaptureSet struct {
	FrontImage []byte   `json:"-"`           // FrontImage is the document front capture.
	BackImage  []byte   `json:"-"`           // BackImage is the document back capture.
	Selfie     []byte   `json:"-"`           // Selfie is the holder's face capture.
	TiltFrames []string `json:"tilt_frames"` // TiltFrames are file paths of the card tilt sequence.
}

// VerificationDecision defines the structure of the end-to-end verification
// verdict.
type VerificationDecision struct {
	Verified         bool                        `json:"verified"`          // Verified is the final pipeline decision.
	Confidence       float64                     `json:"confidence"`        // Confidence is the average similarity plus the liveness bonus, capped at 100.
	Similarity       float64                     `json:"similarity"`        // Similarity is the ensemble average similarity.
	LivenessVerified bool                        `json:"liveness_verified"` // LivenessVerified reflects the liveness session outcome.
	CardDetected     bool                        `json:"card_detected"`     // CardDetected determines if a card quad was rectified from the front image.
	CardQuality      *QualityMetrics             `json:"card_quality"`      // CardQuality holds the rectified card quality metrics.
	PhysicalCard     *PhysicalAuthenticityResult `json:"physical_card"`     // PhysicalCard holds the tilt-frame authenticity result.
	FaceMatch        *FaceMatchResult            `json:"face_match"`        // FaceMatch holds the ensemble comparison result.
	Reason           string                      `json:"reason"`            // Reason names the deciding face-match rule.
}
