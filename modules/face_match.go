package modules

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/moonkyc/go-kyc-pipeline/config"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"
)

var (
	ErrNoModelDistances = errors.New("no model distances to evaluate")
	ErrUnknownModel     = errors.New("no embedding client configured for model")
)

// FaceMatchEngine fuses per-model embedding distances into a single match
// decision. The strict policy guards against single-model blind spots with a
// disagreement cutoff and an anchor-model floor, the legacy policy keeps the
// older lenient consensus rule for deployments that depend on it.
type FaceMatchEngine struct {
	Params     *config.FaceMatchParams
	Embeddings map[string]*FaceEmbeddingClient
}

func NewFaceMatchEngine(cfg *config.FaceMatchParams, embeddings map[string]*FaceEmbeddingClient) *FaceMatchEngine {
	if cfg == nil {
		cfg = config.DefaultFaceMatchParams
	}
	return &FaceMatchEngine{
		Params:     cfg,
		Embeddings: embeddings,
	}
}

// CosineDistance computes 1 minus the cosine similarity of two embedding
// tensors.
func CosineDistance(A, B *tensor.Dense) (float64, error) {
	a := A.Float32s()
	b := B.Float32s()

	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length")
	}

	var dotProduct, normA, normB float64

	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}

	normA = math.Sqrt(normA)
	normB = math.Sqrt(normB)

	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("zero vector encountered")
	}

	return 1 - dotProduct/(normA*normB), nil
}

/*
Evaluate fuses per-model cosine distances into the ensemble verdict. Pure
over its input, model serving happens upstream.

Inputs:

  - distances (map[string]float64): cosine distance per ensemble member.

Outputs:

  - result (*config.FaceMatchResult): fused decision with per-member verdicts
    and the deciding reason.
*/
func (e *FaceMatchEngine) Evaluate(distances map[string]float64) (*config.FaceMatchResult, error) {
	if len(distances) == 0 {
		return nil, ErrNoModelDistances
	}

	names := make([]string, 0, len(distances))
	for name := range distances {
		names = append(names, name)
	}
	sort.Strings(names)

	matches := make([]config.ModelMatch, 0, len(names))
	sims := make([]float64, 0, len(names))
	for _, name := range names {
		distance := distances[name]
		similarity := (1 - distance) * 100
		threshold, hasThreshold := e.Params.ModelThresholds[name]

		matches = append(matches, config.ModelMatch{
			Model:      name,
			Distance:   distance,
			Similarity: similarity,
			Passed:     hasThreshold && similarity >= threshold,
		})
		sims = append(sims, similarity)
	}

	avg := stat.Mean(sims, nil)
	simRange := 0.0
	if len(sims) > 1 {
		minSim, maxSim := sims[0], sims[0]
		for _, s := range sims[1:] {
			minSim = math.Min(minSim, s)
			maxSim = math.Max(maxSim, s)
		}
		simRange = maxSim - minSim
	}

	result := &config.FaceMatchResult{
		AverageSimilarity: avg,
		SimilarityRange:   simRange,
		Models:            matches,
	}

	if e.Params.Policy == config.FaceMatchPolicyLegacy {
		votes := 0
		for _, m := range matches {
			if m.Passed {
				votes++
			}
		}
		result.Verified = float64(votes)/float64(len(matches)) >= e.Params.LegacyVoteFraction ||
			avg >= e.Params.LegacyMinAverage
		if result.Verified {
			result.Reason = config.ReasonLegacyConsensus
		} else {
			result.Reason = config.ReasonInsufficientConsensus
		}
		return result, nil
	}

	// Models trained on the same pair should roughly agree. A wide similarity
	// spread means at least one of them is being fooled.
	if simRange > e.Params.MaxSimilarityRange {
		result.Reason = fmt.Sprintf("model_disagreement_range_%.1f", simRange)
		return result, nil
	}

	if e.Params.AnchorModel != "" {
		for _, m := range matches {
			if m.Model == e.Params.AnchorModel && m.Similarity < e.Params.AnchorMinSimilarity {
				result.Reason = config.ReasonArcFaceBelowMin
				return result, nil
			}
		}
	}

	passes := 0
	for _, m := range matches {
		if m.Passed {
			passes++
		}
	}
	result.Verified = passes >= len(matches)/2+1
	if result.Verified {
		result.Reason = config.ReasonOK
	} else {
		result.Reason = config.ReasonInsufficientModelPasses
	}
	return result, nil
}

/*
Verify compares a document face crop against a selfie through every
configured embedding model, then fuses the distances.

Inputs:

  - docFace (gocv.Mat): face crop extracted from the identity document.
  - selfie (gocv.Mat): holder's selfie capture.

Outputs:

  - result (*config.FaceMatchResult): fused ensemble decision.
*/
func (e *FaceMatchEngine) Verify(docFace, selfie gocv.Mat) (*config.FaceMatchResult, error) {
	names := make([]string, 0, len(e.Params.ModelThresholds))
	for name := range e.Params.ModelThresholds {
		names = append(names, name)
	}
	sort.Strings(names)

	distances := make(map[string]float64, len(names))
	for _, name := range names {
		client, ok := e.Embeddings[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
		}

		embeddings, err := client.InferBatch([][]gocv.Mat{{docFace, selfie}})
		if err != nil {
			return nil, err
		}
		if len(embeddings) < 2 {
			return nil, fmt.Errorf("model %s returned %d embeddings for 2 inputs", name, len(embeddings))
		}

		distance, err := CosineDistance(embeddings[0], embeddings[1])
		if err != nil {
			return nil, err
		}
		distances[name] = distance
	}

	return e.Evaluate(distances)
}
