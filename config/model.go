package config

import "time"

type CardDetectionParams struct {
	BlurKernelSize     int       `json:"blur_kernel_size"`
	AdaptiveBlockSize  int       `json:"adaptive_block_size"`
	AdaptiveConstant   float32   `json:"adaptive_constant"`
	CannyLooseLow      float32   `json:"canny_loose_low"`
	CannyLooseHigh     float32   `json:"canny_loose_high"`
	CannyTightLow      float32   `json:"canny_tight_low"`
	CannyTightHigh     float32   `json:"canny_tight_high"`
	DilateIterations   int       `json:"dilate_iterations"`
	ErodeIterations    int       `json:"erode_iterations"`
	MinCardArea        float64   `json:"min_card_area"`
	MaxCardArea        float64   `json:"max_card_area"`
	MaxFrameFraction   float64   `json:"max_frame_fraction"`
	ApproxEpsilons     []float64 `json:"approx_epsilons"`
	BorderMargin       int       `json:"border_margin"`
	MinAspectRatio     float64   `json:"min_aspect_ratio"`
	MaxAspectRatio     float64   `json:"max_aspect_ratio"`
	DedupeAreaFraction float64   `json:"dedupe_area_fraction"`
	AreaScoreWeight    float64   `json:"area_score_weight"`
	CenterScoreWeight  float64   `json:"center_score_weight"`
}

func NewCardDetectionParams(blurKernelSize, adaptiveBlockSize int, adaptiveConstant float32, minCardArea, maxCardArea float64) *CardDetectionParams {
	params := *DefaultCardDetectionParams
	params.BlurKernelSize = blurKernelSize
	params.AdaptiveBlockSize = adaptiveBlockSize
	params.AdaptiveConstant = adaptiveConstant
	params.MinCardArea = minCardArea
	params.MaxCardArea = maxCardArea
	return &params
}

var DefaultCardDetectionParams = &CardDetectionParams{
	BlurKernelSize:     7,
	AdaptiveBlockSize:  11,
	AdaptiveConstant:   2,
	CannyLooseLow:      20,
	CannyLooseHigh:     100,
	CannyTightLow:      50,
	CannyTightHigh:     150,
	DilateIterations:   2,
	ErodeIterations:    1,
	MinCardArea:        30000,
	MaxCardArea:        350000,
	MaxFrameFraction:   0.5,
	ApproxEpsilons:     []float64{0.01, 0.015, 0.02, 0.025, 0.03, 0.04, 0.05},
	BorderMargin:       10,
	MinAspectRatio:     1.2,
	MaxAspectRatio:     2.0,
	DedupeAreaFraction: 0.1,
	AreaScoreWeight:    0.7,
	CenterScoreWeight:  0.3,
}

type QualityParams struct {
	MinBrightness  float64 `json:"min_brightness"`
	MaxBrightness  float64 `json:"max_brightness"`
	MinSharpness   float64 `json:"min_sharpness"`
	MinEdgeDensity float64 `json:"min_edge_density"`
	MinVariance    float64 `json:"min_variance"`
	MinRegionSize  int     `json:"min_region_size"`
}

func NewQualityParams(minBrightness, maxBrightness, minSharpness, minEdgeDensity, minVariance float64, minRegionSize int) *QualityParams {
	return &QualityParams{
		MinBrightness:  minBrightness,
		MaxBrightness:  maxBrightness,
		MinSharpness:   minSharpness,
		MinEdgeDensity: minEdgeDensity,
		MinVariance:    minVariance,
		MinRegionSize:  minRegionSize,
	}
}

var DefaultQualityParams = &QualityParams{
	MinBrightness:  25,
	MaxBrightness:  230,
	MinSharpness:   20,
	MinEdgeDensity: 0.02,
	MinVariance:    200,
	MinRegionSize:  50,
}

type LivenessParams struct {
	MARThreshold         float32 `json:"mar_threshold"`
	MouthOpenFrames      int     `json:"mouth_open_frames"`
	MouthCloseFrames     int     `json:"mouth_close_frames"`
	RequiredMouthCycles  int     `json:"required_mouth_cycles"`
	WidthRatioLeft       float32 `json:"width_ratio_left"`
	WidthRatioRight      float32 `json:"width_ratio_right"`
	NoseOffsetThreshold  float32 `json:"nose_offset_threshold"`
	CenterRequiredFrames int     `json:"center_required_frames"`
	LeftRequiredFrames   int     `json:"left_required_frames"`
	RightRequiredFrames  int     `json:"right_required_frames"`
	MismatchPenalty      int     `json:"mismatch_penalty"`
}

func NewLivenessParams(marThreshold float32, requiredMouthCycles int, noseOffsetThreshold float32) *LivenessParams {
	params := *DefaultLivenessParams
	params.MARThreshold = marThreshold
	params.RequiredMouthCycles = requiredMouthCycles
	params.NoseOffsetThreshold = noseOffsetThreshold
	return &params
}

var DefaultLivenessParams = &LivenessParams{
	MARThreshold:         0.4,
	MouthOpenFrames:      2,
	MouthCloseFrames:     2,
	RequiredMouthCycles:  2,
	WidthRatioLeft:       0.85,
	WidthRatioRight:      1.15,
	NoseOffsetThreshold:  20,
	CenterRequiredFrames: 15,
	LeftRequiredFrames:   10,
	RightRequiredFrames:  10,
	MismatchPenalty:      2,
}

type PhysicalCheckParams struct {
	BlurKernelSize        int     `json:"blur_kernel_size"`
	CannyLow              float32 `json:"canny_low"`
	CannyHigh             float32 `json:"canny_high"`
	MaskThickness         int     `json:"mask_thickness"`
	MinFrames             int     `json:"min_frames"`
	AreaSpreadGain        float64 `json:"area_spread_gain"`
	AngleSpreadDivisor    float64 `json:"angle_spread_divisor"`
	EdgeConsistencyWeight float64 `json:"edge_consistency_weight"`
	DepthVariationWeight  float64 `json:"depth_variation_weight"`
	VerifiedThreshold     float64 `json:"verified_threshold"`
}

func NewPhysicalCheckParams(minFrames int, verifiedThreshold float64) *PhysicalCheckParams {
	params := *DefaultPhysicalCheckParams
	params.MinFrames = minFrames
	params.VerifiedThreshold = verifiedThreshold
	return &params
}

var DefaultPhysicalCheckParams = &PhysicalCheckParams{
	BlurKernelSize:        5,
	CannyLow:              75,
	CannyHigh:             180,
	MaskThickness:         2,
	MinFrames:             2,
	AreaSpreadGain:        8,
	AngleSpreadDivisor:    60,
	EdgeConsistencyWeight: 0.55,
	DepthVariationWeight:  0.45,
	VerifiedThreshold:     0.45,
}

type FaceMatchPolicy string

const (
	FaceMatchPolicyStrict FaceMatchPolicy = "strict"
	FaceMatchPolicyLegacy FaceMatchPolicy = "legacy"
)

type FaceMatchParams struct {
	Policy              FaceMatchPolicy    `json:"policy"`
	ModelThresholds     map[string]float64 `json:"model_thresholds"`
	AnchorModel         string             `json:"anchor_model"`
	AnchorMinSimilarity float64            `json:"anchor_min_similarity"`
	MaxSimilarityRange  float64            `json:"max_similarity_range"`
	LegacyVoteFraction  float64            `json:"legacy_vote_fraction"`
	LegacyMinAverage    float64            `json:"legacy_min_average"`
}

func NewFaceMatchParams(policy FaceMatchPolicy, modelThresholds map[string]float64) *FaceMatchParams {
	params := *DefaultFaceMatchParams
	params.Policy = policy
	if modelThresholds != nil {
		params.ModelThresholds = modelThresholds
	}
	return &params
}

var DefaultFaceMatchParams = &FaceMatchParams{
	Policy: FaceMatchPolicyStrict,
	ModelThresholds: map[string]float64{
		"VGG-Face": 65,
		"Facenet":  70,
		"ArcFace":  60,
	},
	AnchorModel:         "ArcFace",
	AnchorMinSimilarity: 60,
	MaxSimilarityRange:  40,
	LegacyVoteFraction:  0.5,
	LegacyMinAverage:    50,
}

type LandmarkDetectionParams struct {
	ModelName string        `json:"model_name"`
	Mean      float64       `json:"mean"`
	Scale     float64       `json:"scale"`
	ImgSize   int           `json:"img_size"`
	Timeout   time.Duration `json:"timeout"`
}

func NewLandmarkDetectionParams(modelName string, mean, scale float64, imgSize int, timeout time.Duration) *LandmarkDetectionParams {
	return &LandmarkDetectionParams{
		ModelName: modelName,
		Mean:      mean,
		Scale:     scale,
		ImgSize:   imgSize,
		Timeout:   timeout,
	}
}

var DefaultLandmarkDetectionParams = &LandmarkDetectionParams{
	ModelName: "face_landmark_68",
	Mean:      127.5,
	Scale:     0.00784313725490196,
	ImgSize:   640,
	Timeout:   10 * time.Second,
}

type FaceEmbeddingParams struct {
	ModelName string        `json:"model_name"`
	Mean      float64       `json:"mean"`
	Scale     float64       `json:"scale"`
	ImgSize   int           `json:"img_size"`
	Timeout   time.Duration `json:"timeout"`
}

func NewFaceEmbeddingParams(modelName string, mean, scale float64, imgSize int, timeout time.Duration) *FaceEmbeddingParams {
	return &FaceEmbeddingParams{
		ModelName: modelName,
		Mean:      mean,
		Scale:     scale,
		ImgSize:   imgSize,
		Timeout:   timeout,
	}
}

var DefaultFaceEmbeddingParams = map[string]*FaceEmbeddingParams{
	"VGG-Face": {
		ModelName: "vgg_face",
		Mean:      127.5,
		Scale:     0.00784313725490196,
		ImgSize:   224,
		Timeout:   10 * time.Second,
	},
	"Facenet": {
		ModelName: "facenet",
		Mean:      127.5,
		Scale:     0.00784313725490196,
		ImgSize:   160,
		Timeout:   10 * time.Second,
	},
	"ArcFace": {
		ModelName: "arcface",
		Mean:      127.5,
		Scale:     0.00784313725490196,
		ImgSize:   112,
		Timeout:   10 * time.Second,
	},
}

type PipelineParams struct {
	CardDetection *CardDetectionParams            `json:"card_detection"`
	Quality       *QualityParams                  `json:"quality"`
	Liveness      *LivenessParams                 `json:"liveness"`
	PhysicalCheck *PhysicalCheckParams            `json:"physical_check"`
	FaceMatch     *FaceMatchParams                `json:"face_match"`
	Landmark      *LandmarkDetectionParams        `json:"landmark"`
	Embeddings    map[string]*FaceEmbeddingParams `json:"embeddings"`
	FacePadRatio  float32                         `json:"face_pad_ratio"`
	LivenessBonus float64                         `json:"liveness_bonus"`
}

var DefaultPipelineParams = &PipelineParams{
	CardDetection: DefaultCardDetectionParams,
	Quality:       DefaultQualityParams,
	Liveness:      DefaultLivenessParams,
	PhysicalCheck: DefaultPhysicalCheckParams,
	FaceMatch:     DefaultFaceMatchParams,
	Landmark:      DefaultLandmarkDetectionParams,
	Embeddings:    DefaultFaceEmbeddingParams,
	FacePadRatio:  0.25,
	LivenessBonus: 10,
}
