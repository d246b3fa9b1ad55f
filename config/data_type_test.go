package config

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorgonia.org/tensor"
)

func TestConvertLandmarksToTensor(t *testing.T) {
	points := []Coordinate2D{
		{X: 266.14566, Y: 220.05692},
		{X: 397.149, Y: 221.45383},
		{X: 332.13202, Y: 258.6127},
		{X: 284.05356, Y: 294.186},
		{X: 380.22375, Y: 294.31165},
	}

	actual := ConvertLandmarksToTensor(points)

	expect := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(5, 2),
		tensor.WithBacking([]float32{
			266.14566, 220.05692,
			397.149, 221.45383,
			332.13202, 258.6127,
			284.05356, 294.186,
			380.22375, 294.31165,
		}),
	)
	assert.Equal(t, expect, actual)

	fmt.Println(actual)
}

func TestDefaultFaceMatchParams(t *testing.T) {
	assert.Equal(t, FaceMatchPolicyStrict, DefaultFaceMatchParams.Policy)
	assert.Equal(t, 3, len(DefaultFaceMatchParams.ModelThresholds))
	assert.Equal(t, float64(60), DefaultFaceMatchParams.ModelThresholds[DefaultFaceMatchParams.AnchorModel])
}

func TestNewFaceMatchParams_OverridesThresholds(t *testing.T) {
	custom := map[string]float64{
		"VGG-Face": 80,
		"Facenet":  80,
		"ArcFace":  75,
	}
	params := NewFaceMatchParams(FaceMatchPolicyLegacy, custom)

	assert.Equal(t, FaceMatchPolicyLegacy, params.Policy)
	assert.Equal(t, custom, params.ModelThresholds)
	// Defaults are untouched by the override.
	assert.Equal(t, float64(65), DefaultFaceMatchParams.ModelThresholds["VGG-Face"])
}
