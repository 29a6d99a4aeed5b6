package parameters

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thebtf/docreview/pkg/models"
)

func results(n int, scores models.DimensionScores, weighted float64) []*models.AnalysisResult {
	out := make([]*models.AnalysisResult, n)
	for i := range out {
		out[i] = &models.AnalysisResult{
			ID:              fmt.Sprintf("r%d", i),
			OrganizationID:  "org1",
			DimensionScores: scores,
			WeightedScore:   weighted,
		}
	}
	return out
}

func TestPropose_InsufficientHistory(t *testing.T) {
	balanced := models.PresetWeights[models.PresetBalanced]
	d := Propose(balanced, results(9, allScores(20), 20), nil, DefaultAdaptationConfig())

	assert.True(t, d.IsZero())
	assert.Zero(t, d.Confidence)
	assert.Equal(t, balanced, d.Proposed)
	assert.Equal(t, 9, d.SampleSize)
	require.Len(t, d.Reasons, 1)
}

func TestPropose_UnderperformingDimensionCapped(t *testing.T) {
	balanced := models.PresetWeights[models.PresetBalanced]
	d := Propose(balanced, results(20, withDim(allScores(100), models.DimensionLegal, 50), 85), nil, DefaultAdaptationConfig())

	// raw legal nudge 0.06 exceeds the cap after centering, so it is scaled to exactly 0.05
	assert.InDelta(t, 0.05, d.Delta.Legal, 1e-9)
	for _, dim := range models.AllDimensions {
		if dim != models.DimensionLegal {
			assert.Less(t, d.Delta.Get(dim), 0.0, string(dim))
		}
	}
	assert.InDelta(t, 1.0, d.Proposed.Sum(), 1e-9)
	assert.InDelta(t, 0.4, d.Confidence, 1e-9) // min(0.95, 20/50) with no score spread
}

func TestPropose_SatisfiedUsersDampen(t *testing.T) {
	balanced := models.PresetWeights[models.PresetBalanced]
	rs := results(20, withDim(allScores(100), models.DimensionLegal, 50), 85)
	fb := []models.Feedback{{ResultID: "r0", Rating: 5}, {ResultID: "r1", Rating: 5}}

	d := Propose(balanced, rs, fb, DefaultAdaptationConfig())

	// factor 0.5 halves the 0.06 nudge, centering keeps 6/7 of it
	assert.InDelta(t, 0.03*6/7, d.Delta.Legal, 1e-9)
}

func TestPropose_FalsePositivesLowerDimension(t *testing.T) {
	balanced := models.PresetWeights[models.PresetBalanced]
	rs := results(10, allScores(100), 95)
	for i, r := range rs {
		r.Findings = []models.Finding{{ID: fmt.Sprintf("f%d", i), Dimension: models.DimensionFormal, Category: models.CategoryFormal}}
	}
	var fb []models.Feedback
	for i := 0; i < 5; i++ {
		fb = append(fb, models.Feedback{ResultID: fmt.Sprintf("r%d", i), FlaggedFindingIDs: []string{fmt.Sprintf("f%d", i)}})
	}
	// duplicate flag is counted once
	fb = append(fb, models.Feedback{ResultID: "r0", FlaggedFindingIDs: []string{"f0"}})

	d := Propose(balanced, rs, fb, DefaultAdaptationConfig())

	// rate 0.5 gives a raw −0.025, centered to −0.025·6/7
	assert.InDelta(t, -0.025*6/7, d.Delta.Formal, 1e-9)
	assert.Greater(t, d.Delta.Legal, 0.0)
	assert.InDelta(t, 1.0, d.Proposed.Sum(), 1e-9)
}

func TestPropose_NoSignalNoDelta(t *testing.T) {
	balanced := models.PresetWeights[models.PresetBalanced]
	d := Propose(balanced, results(30, allScores(95), 95), nil, DefaultAdaptationConfig())
	assert.True(t, d.IsZero())
	assert.Equal(t, balanced, d.Proposed)
	assert.InDelta(t, 0.6, d.Confidence, 1e-9)
}

func TestPropose_ConfidencePenalizesSpread(t *testing.T) {
	rs := results(50, allScores(100), 0)
	for i, r := range rs {
		if i%2 == 0 {
			r.WeightedScore = 60
		} else {
			r.WeightedScore = 100
		}
	}
	d := Propose(models.PresetWeights[models.PresetBalanced], rs, nil, DefaultAdaptationConfig())
	assert.InDelta(t, 0.95*0.8, d.Confidence, 1e-9) // sd 20
}

func TestPropose_ZeroWeightNeverGoesNegative(t *testing.T) {
	w := models.Weights{Structural: 0.5, Legal: 0.5}
	d := Propose(w, results(20, withDim(allScores(100), models.DimensionLegal, 0), 50), nil, DefaultAdaptationConfig())

	for _, dim := range models.AllDimensions {
		assert.GreaterOrEqual(t, d.Proposed.Get(dim), 0.0, string(dim))
	}
	assert.InDelta(t, 0.05, d.Delta.Legal, 1e-9)
	assert.InDelta(t, -0.05, d.Delta.Structural, 1e-9)
	assert.True(t, models.ValidateWeights(d.Proposed).Valid)
}

// TestPropose_Bounded checks the cap and the weight sum over many random histories.
func TestPropose_Bounded(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cfg := DefaultAdaptationConfig()
	presets := []models.Preset{models.PresetStrict, models.PresetBalanced, models.PresetLenient}

	for i := 0; i < 300; i++ {
		current := models.PresetWeights[presets[i%len(presets)]]
		n := 10 + rng.Intn(60)
		rs := make([]*models.AnalysisResult, n)
		for j := range rs {
			scores := make(models.DimensionScores)
			for _, d := range models.AllDimensions {
				scores[d] = math.Floor(rng.Float64() * 101)
			}
			r := &models.AnalysisResult{ID: fmt.Sprintf("r%d", j), DimensionScores: scores, WeightedScore: rng.Float64() * 100}
			dims := models.AllDimensions
			r.Findings = append(r.Findings, models.Finding{ID: fmt.Sprintf("f%d", j), Dimension: dims[rng.Intn(len(dims))]})
			rs[j] = r
		}
		var fb []models.Feedback
		m := rng.Intn(n)
		for j := 0; j < m; j++ {
			k := rng.Intn(n)
			fb = append(fb, models.Feedback{
				ResultID:          fmt.Sprintf("r%d", k),
				Rating:            1 + rng.Intn(5),
				FlaggedFindingIDs: []string{fmt.Sprintf("f%d", k)},
			})
		}

		d := Propose(current, rs, fb, cfg)

		require.LessOrEqual(t, d.Delta.MaxAbs(), cfg.MaxDelta+1e-9, "iteration %d", i)
		require.InDelta(t, 1.0, d.Proposed.Sum(), models.WeightTolerance, "iteration %d", i)
		require.True(t, models.ValidateWeights(d.Proposed).Valid, "iteration %d", i)
		require.GreaterOrEqual(t, d.Confidence, 0.0)
		require.LessOrEqual(t, d.Confidence, 0.95)
	}
}
