package go_kyc_pipeline

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/moonkyc/go-kyc-pipeline/config"
	"github.com/moonkyc/go-kyc-pipeline/modules"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/stretchr/testify/assert"
	"gocv.io/x/gocv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"gorgonia.org/tensor"
)

const (
	tritonTestURL = "127.0.0.1:8301"
)

func genTestJPEG(t *testing.T, img gocv.Mat) []byte {
	outImg, err := img.ToImage()
	assert.NoError(t, err)

	var buf bytes.Buffer
	err = jpeg.Encode(&buf, outImg, &jpeg.Options{Quality: 95})
	assert.NoError(t, err)
	return buf.Bytes()
}

func genTestCardFrame(t *testing.T) []byte {
	frame := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer frame.Close()
	gocv.Rectangle(&frame, image.Rect(200, 120, 520, 320), color.RGBA{R: 255, G: 255, B: 255}, -1)
	return genTestJPEG(t, frame)
}

// genTestLandmarkSet places the face edges, nose tip and outer mouth of a
// centered, forward facing face on a 200 px wide frame.
func genTestLandmarkSet() *tensor.Dense {
	pts := make([]float32, 68*2)

	set := func(idx int, x, y float32) {
		pts[idx*2] = x
		pts[idx*2+1] = y
	}
	set(0, 60, 120)
	set(16, 140, 120)
	set(30, 100, 130)
	set(48, 60, 170)
	set(54, 100, 170)
	for _, idx := range []int{49, 50, 51, 52, 53, 55, 56, 57, 58, 59} {
		set(idx, 80, 170)
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(68, 2),
		tensor.WithBacking(pts),
	)
}

func TestNewKYCPipeline(t *testing.T) {
	tritonClient, err := gotritonclient.NewTritonGRPCClient(
		tritonTestURL,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{PermitWithoutStream: true}),
	)
	assert.NoError(t, err)

	pipeline, err := NewKYCPipeline(tritonClient, nil)
	assert.NoError(t, err)
	assert.NotNil(t, pipeline)
}

func TestKYCPipeline_AssembleDecision(t *testing.T) {
	pipeline := &KYCPipeline{Params: config.DefaultPipelineParams}

	match := &config.FaceMatchResult{
		Verified:          true,
		AverageSimilarity: 88,
		Reason:            config.ReasonOK,
	}
	physical := &config.PhysicalAuthenticityResult{Verified: true, Reason: config.ReasonOK}
	quality := &config.QualityMetrics{IsGood: true, Reason: config.ReasonOK}

	decision := pipeline.assembleDecision(true, quality, physical, match, &config.LivenessOutcome{Verified: true})
	assert.True(t, decision.Verified)
	assert.True(t, decision.LivenessVerified)
	assert.Equal(t, 98.0, decision.Confidence)
	assert.Equal(t, 88.0, decision.Similarity)

	decision = pipeline.assembleDecision(true, quality, physical, match, nil)
	assert.False(t, decision.LivenessVerified)
	assert.Equal(t, 88.0, decision.Confidence)
}

func TestKYCPipeline_AssembleDecision_ConfidenceCap(t *testing.T) {
	pipeline := &KYCPipeline{Params: config.DefaultPipelineParams}

	match := &config.FaceMatchResult{
		Verified:          true,
		AverageSimilarity: 95,
		Reason:            config.ReasonOK,
	}

	decision := pipeline.assembleDecision(true, nil, nil, match, &config.LivenessOutcome{Verified: true})
	assert.Equal(t, 100.0, decision.Confidence)
}

func TestKYCPipeline_RectifyFront(t *testing.T) {
	pipeline := &KYCPipeline{
		Params:       config.DefaultPipelineParams,
		CardDetector: modules.NewCardDetector(nil, nil),
	}

	frame := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer frame.Close()
	gocv.Rectangle(&frame, image.Rect(200, 120, 520, 320), color.RGBA{R: 255, G: 255, B: 255}, -1)

	rectified, detected, quality := pipeline.rectifyFront(frame)
	assert.True(t, detected)
	assert.NotNil(t, quality)
	if detected {
		rectified.Close()
	}
}

func TestKYCPipeline_RectifyFront_Fallback(t *testing.T) {
	pipeline := &KYCPipeline{
		Params:       config.DefaultPipelineParams,
		CardDetector: modules.NewCardDetector(nil, nil),
	}

	// No card anywhere, the raw frame must come back with its quality read.
	blank := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer blank.Close()

	_, detected, quality := pipeline.rectifyFront(blank)
	assert.False(t, detected)
	assert.NotNil(t, quality)
	assert.False(t, quality.IsGood)
}

func TestKYCPipeline_LivenessSessionLifecycle(t *testing.T) {
	pipeline := &KYCPipeline{
		Params:   config.DefaultPipelineParams,
		Liveness: modules.NewLivenessRegistry(nil),
	}

	sessionID := pipeline.StartLivenessSession()
	assert.NotEmpty(t, sessionID)

	for i := 0; i < 20; i++ {
		status, err := pipeline.ProcessLivenessLandmarks(sessionID, []*tensor.Dense{genTestLandmarkSet()}, 200)
		assert.NoError(t, err)
		assert.Equal(t, 1, status.FaceCount)
	}

	outcome, err := pipeline.FinishLivenessSession(sessionID)
	assert.NoError(t, err)
	assert.True(t, outcome.Challenges[config.ChallengeCenter].Completed)

	_, err = pipeline.FinishLivenessSession(sessionID)
	assert.ErrorIs(t, err, modules.ErrSessionNotFound)
}

func TestKYCPipeline_AbortLivenessSession(t *testing.T) {
	pipeline := &KYCPipeline{
		Params:   config.DefaultPipelineParams,
		Liveness: modules.NewLivenessRegistry(nil),
	}

	sessionID := pipeline.StartLivenessSession()
	assert.NoError(t, pipeline.AbortLivenessSession(sessionID))
	assert.ErrorIs(t, pipeline.AbortLivenessSession(sessionID), modules.ErrSessionNotFound)
}

func TestKYCPipeline_VerifyIdentity_InvalidImage(t *testing.T) {
	pipeline := &KYCPipeline{
		Params:       config.DefaultPipelineParams,
		CardDetector: modules.NewCardDetector(nil, nil),
	}

	_, err := pipeline.VerifyIdentity(config.CaptureSet{
		FrontImage: []byte("not an image"),
		Selfie:     genTestCardFrame(t),
	}, nil)
	assert.ErrorIs(t, err, ErrInvalidImage)

	_, err = pipeline.VerifyIdentity(config.CaptureSet{
		FrontImage: genTestCardFrame(t),
		Selfie:     nil,
	}, nil)
	assert.ErrorIs(t, err, ErrInvalidImage)
}
