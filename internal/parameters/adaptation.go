package parameters

import (
	"fmt"
	"math"
	"time"

	"github.com/thebtf/docreview/pkg/models"
)

// AdaptationConfig bounds the weight adaptation.
type AdaptationConfig struct {
	MinResults       int     // fewer results give a zero delta, default 10
	MaxDelta         float64 // cap on |δ| per dimension, default 0.05
	TargetScore      float64 // dimensions averaging below this are nudged up, default 70
	UnderperformRate float64 // nudge per point below target, default 0.003
	FullConfidenceAt int     // sample size reaching the confidence ceiling, default 50
	MaxConfidence    float64 // default 0.95
}

// DefaultAdaptationConfig returns the standard adaptation bounds.
func DefaultAdaptationConfig() AdaptationConfig {
	return AdaptationConfig{
		MinResults:       10,
		MaxDelta:         0.05,
		TargetScore:      70,
		UnderperformRate: 0.003,
		FullConfidenceAt: 50,
		MaxConfidence:    0.95,
	}
}

func (c AdaptationConfig) withDefaults() AdaptationConfig {
	d := DefaultAdaptationConfig()
	if c.MinResults <= 0 {
		c.MinResults = d.MinResults
	}
	if c.MaxDelta <= 0 {
		c.MaxDelta = d.MaxDelta
	}
	if c.TargetScore <= 0 {
		c.TargetScore = d.TargetScore
	}
	if c.UnderperformRate <= 0 {
		c.UnderperformRate = d.UnderperformRate
	}
	if c.FullConfidenceAt <= 0 {
		c.FullConfidenceAt = d.FullConfidenceAt
	}
	if c.MaxConfidence <= 0 {
		c.MaxConfidence = d.MaxConfidence
	}
	return c
}

// WeightDelta is an advisory weight adjustment. Applying it goes through SetProfile with
// BaseVersion as the expected version.
type WeightDelta struct {
	GeneratedAt    time.Time      `json:"generatedAt"`
	OrganizationID string         `json:"organizationId"`
	Reasons        []string       `json:"reasons"`
	Current        models.Weights `json:"current"`
	Proposed       models.Weights `json:"proposed"`
	Delta          models.Weights `json:"delta"`
	Confidence     float64        `json:"confidence"`
	BaseVersion    int            `json:"baseVersion"`
	SampleSize     int            `json:"sampleSize"`
}

// IsZero reports whether the delta changes nothing.
func (d *WeightDelta) IsZero() bool { return d.Delta.MaxAbs() == 0 }

// Propose computes a bounded weight adjustment for current from results and feedback.
//
// Each dimension gets a raw nudge:
//
//	+(target − avg score) × rate          when the dimension underperforms
//	−(flagged / total findings) × cap     for false-positive feedback
//
// scaled by the dissatisfaction factor 0.5 + 0.5·(5 − mean rating)/4. The nudges are centered
// to sum zero and scaled by one factor so that no component exceeds the cap and no weight
// leaves [0, 1]. The proposed weights therefore keep the sum of current.
func Propose(current models.Weights, results []*models.AnalysisResult, feedback []models.Feedback, cfg AdaptationConfig) *WeightDelta {
	cfg = cfg.withDefaults()
	out := &WeightDelta{
		Current:    current,
		Proposed:   current,
		SampleSize: len(results),
		Reasons:    []string{},
	}
	if len(results) < cfg.MinResults {
		out.Reasons = append(out.Reasons, fmt.Sprintf("insufficient history: %d of %d results", len(results), cfg.MinResults))
		return out
	}

	raw := make(map[models.Dimension]float64, len(models.AllDimensions))

	for _, d := range models.AllDimensions {
		sum := 0.0
		for _, r := range results {
			score, ok := r.DimensionScores[d]
			if !ok {
				score = 100
			}
			sum += score
		}
		avg := sum / float64(len(results))
		if avg < cfg.TargetScore {
			raw[d] += (cfg.TargetScore - avg) * cfg.UnderperformRate
			out.Reasons = append(out.Reasons, fmt.Sprintf("%s averages %.1f", d, avg))
		}
	}

	totals, flagged := falsePositives(results, feedback)
	for _, d := range models.AllDimensions {
		if totals[d] == 0 || flagged[d] == 0 {
			continue
		}
		rate := math.Min(1, float64(flagged[d])/float64(totals[d]))
		raw[d] -= rate * cfg.MaxDelta
		out.Reasons = append(out.Reasons, fmt.Sprintf("%s false-positive rate %.2f", d, rate))
	}

	if factor, ok := satisfactionFactor(feedback); ok {
		for d := range raw {
			raw[d] *= factor
		}
	}

	// A dimension already at zero weight cannot give any up; it is left out of the centering.
	frozen := make(map[models.Dimension]bool)
	for {
		center(raw, frozen)
		changed := false
		for _, d := range models.AllDimensions {
			if !frozen[d] && raw[d] < 0 && current.Get(d) <= 0 {
				frozen[d] = true
				raw[d] = 0
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	k := 1.0
	for _, d := range models.AllDimensions {
		v := raw[d]
		if math.Abs(v) > 1e-12 {
			k = math.Min(k, cfg.MaxDelta/math.Abs(v))
		}
		w := current.Get(d)
		switch {
		case v < 0:
			k = math.Min(k, w/-v)
		case v > 0:
			k = math.Min(k, (1-w)/v)
		}
	}
	k = math.Max(0, k)

	for _, d := range models.AllDimensions {
		delta := raw[d] * k
		if math.Abs(delta) < 1e-12 {
			delta = 0
		}
		out.Delta = out.Delta.With(d, delta)
		out.Proposed = out.Proposed.With(d, math.Max(0, current.Get(d)+delta))
	}

	out.Confidence = confidence(results, cfg)
	return out
}

// center shifts the unfrozen nudges so that all of them sum to zero.
func center(raw map[models.Dimension]float64, frozen map[models.Dimension]bool) {
	sum, n := 0.0, 0
	for _, d := range models.AllDimensions {
		if !frozen[d] {
			sum += raw[d]
			n++
		}
	}
	if n == 0 {
		return
	}
	mean := sum / float64(n)
	for _, d := range models.AllDimensions {
		if !frozen[d] {
			raw[d] -= mean
		}
	}
}

// falsePositives counts findings per dimension and the ones users flagged.
func falsePositives(results []*models.AnalysisResult, feedback []models.Feedback) (totals, flagged map[models.Dimension]int) {
	totals = make(map[models.Dimension]int)
	flagged = make(map[models.Dimension]int)
	byID := make(map[string]*models.AnalysisResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
		for _, f := range r.Findings {
			totals[findingDimension(f)]++
		}
	}
	seen := make(map[string]bool)
	for _, fb := range feedback {
		r, ok := byID[fb.ResultID]
		if !ok {
			continue
		}
		for _, id := range fb.FlaggedFindingIDs {
			if seen[id] {
				continue
			}
			if f, ok := r.Finding(id); ok {
				seen[id] = true
				flagged[findingDimension(f)]++
			}
		}
	}
	return totals, flagged
}

func findingDimension(f models.Finding) models.Dimension {
	if f.Dimension != "" {
		return f.Dimension
	}
	return f.Category.Dimension()
}

// satisfactionFactor dampens adaptation for satisfied users. ok is false without ratings.
func satisfactionFactor(feedback []models.Feedback) (float64, bool) {
	sum, n := 0, 0
	for _, fb := range feedback {
		if fb.HasRating() {
			sum += fb.Rating
			n++
		}
	}
	if n == 0 {
		return 1, false
	}
	mean := float64(sum) / float64(n)
	return 0.5 + 0.5*(models.RatingMax-mean)/float64(models.RatingMax-models.RatingMin), true
}

func confidence(results []*models.AnalysisResult, cfg AdaptationConfig) float64 {
	n := float64(len(results))
	mean := 0.0
	for _, r := range results {
		mean += r.WeightedScore
	}
	mean /= n
	variance := 0.0
	for _, r := range results {
		variance += (r.WeightedScore - mean) * (r.WeightedScore - mean)
	}
	sd := math.Sqrt(variance / n)

	c := math.Min(cfg.MaxConfidence, n/float64(cfg.FullConfidenceAt)) * (1 - sd/100)
	return math.Max(0, math.Min(1, c))
}
