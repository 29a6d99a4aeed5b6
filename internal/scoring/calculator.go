// Package scoring turns rule findings into dimension scores, a weighted conformity score
// and a risk assessment.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/thebtf/docreview/pkg/models"
)

// Config holds the scoring constants.
type Config struct {
	// Deductions is the number of points a finding removes from its dimension.
	Deductions map[models.Severity]float64

	MaxScore float64 // every dimension starts here

	// Conformity thresholds on the weighted score.
	CompliantThreshold    float64 // below: at most PARTIALLY_COMPLIANT
	NonCompliantThreshold float64 // below: NON_COMPLIANT
	MaxHighFindings       int     // more HIGH findings than this: NON_COMPLIANT

	// Risk thresholds.
	HighRiskScore    float64
	HighRiskFindings int

	// WeakDimension adds a recommendation for dimensions scoring below it.
	WeakDimension float64
}

// DefaultConfig returns the standard scoring constants.
func DefaultConfig() *Config {
	return &Config{
		Deductions: map[models.Severity]float64{
			models.SeverityCritical: 20,
			models.SeverityHigh:     15,
			models.SeverityMedium:   10,
			models.SeverityLow:      5,
		},
		MaxScore:              100,
		CompliantThreshold:    80,
		NonCompliantThreshold: 60,
		MaxHighFindings:       3,
		HighRiskScore:         60,
		HighRiskFindings:      2,
		WeakDimension:         70,
	}
}

// Calculator computes conformity scores. It holds no per-document state and is safe for
// concurrent use.
type Calculator struct {
	config *Config
}

// NewCalculator creates a new scoring calculator.
// If config is nil, uses the default configuration.
func NewCalculator(config *Config) *Calculator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Calculator{config: config}
}

// ScoreComponents contains the breakdown of a weighted score calculation.
type ScoreComponents struct {
	DimensionScores    models.DimensionScores       `json:"dimension_scores"`
	Deductions         map[models.Dimension]float64 `json:"deductions"`
	Contributions      map[models.Dimension]float64 `json:"contributions"`
	FindingsBySeverity map[models.Severity]int      `json:"findings_by_severity"`
	WeightedScore      float64                      `json:"weighted_score"`
}

// Calculate returns the weighted score of findings under weights.
func (c *Calculator) Calculate(findings []models.Finding, weights models.Weights) float64 {
	return c.CalculateComponents(findings, weights).WeightedScore
}

// CalculateComponents returns the individual components of the weighted score.
//
// The scoring formula:
//
//	score[d]      = max(0, 100 - Σ deduction(severity) for findings in d)
//	WeightedScore = Σ score[d] × weight[d]
//
// A dimension without findings scores 100.
func (c *Calculator) CalculateComponents(findings []models.Finding, weights models.Weights) ScoreComponents {
	comp := ScoreComponents{
		DimensionScores:    make(models.DimensionScores, len(models.AllDimensions)),
		Deductions:         make(map[models.Dimension]float64, len(models.AllDimensions)),
		Contributions:      make(map[models.Dimension]float64, len(models.AllDimensions)),
		FindingsBySeverity: make(map[models.Severity]int, 4),
	}

	for _, f := range findings {
		dim := f.Dimension
		if dim == "" {
			dim = f.Category.Dimension()
		}
		comp.Deductions[dim] += c.config.Deductions[f.Severity]
		comp.FindingsBySeverity[f.Severity]++
	}

	for _, d := range models.AllDimensions {
		score := math.Max(0, c.config.MaxScore-comp.Deductions[d])
		comp.DimensionScores[d] = score
		contribution := score * weights.Get(d)
		comp.Contributions[d] = contribution
		comp.WeightedScore += contribution
	}
	return comp
}

// ConformityLevel classifies the outcome of a scored document.
func (c *Calculator) ConformityLevel(comp ScoreComponents) models.ConformityLevel {
	critical := comp.FindingsBySeverity[models.SeverityCritical]
	high := comp.FindingsBySeverity[models.SeverityHigh]

	switch {
	case critical > 0 || high > c.config.MaxHighFindings || comp.WeightedScore < c.config.NonCompliantThreshold:
		return models.ConformityNonCompliant
	case high > 0 || comp.WeightedScore < c.config.CompliantThreshold:
		return models.ConformityPartiallyCompliant
	default:
		return models.ConformityCompliant
	}
}

// RiskLevel assesses the overall risk of a scored document.
func (c *Calculator) RiskLevel(comp ScoreComponents) models.RiskLevel {
	critical := comp.FindingsBySeverity[models.SeverityCritical]
	high := comp.FindingsBySeverity[models.SeverityHigh]
	medium := comp.FindingsBySeverity[models.SeverityMedium]

	switch {
	case critical > 0:
		return models.RiskCritical
	case high >= c.config.HighRiskFindings || comp.WeightedScore < c.config.HighRiskScore:
		return models.RiskHigh
	case high > 0 || medium > 0:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// dimensionLabels are the reviewer-facing names of the dimensions.
var dimensionLabels = map[models.Dimension]string{
	models.DimensionStructural: "estrutural",
	models.DimensionLegal:      "jurídica",
	models.DimensionClarity:    "clareza",
	models.DimensionABNT:       "ABNT",
	models.DimensionBudgetary:  "orçamentária",
	models.DimensionFormal:     "formal",
	models.DimensionGeneral:    "geral",
}

// Recommendations returns the distinct finding suggestions, most severe first, followed by
// one line per dimension scoring below the weak-dimension threshold.
func (c *Calculator) Recommendations(findings []models.Finding, comp ScoreComponents) []string {
	sorted := append([]models.Finding(nil), findings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := sorted[i].Severity.Rank(), sorted[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return sorted[i].RuleID < sorted[j].RuleID
	})

	out := []string{}
	seen := make(map[string]bool, len(sorted))
	for _, f := range sorted {
		if f.Suggestion == "" || seen[f.Suggestion] {
			continue
		}
		seen[f.Suggestion] = true
		out = append(out, f.Suggestion)
	}

	for _, d := range models.AllDimensions {
		if score := comp.DimensionScores[d]; score < c.config.WeakDimension {
			out = append(out, fmt.Sprintf("Revisar a dimensão %s (pontuação %.0f de %.0f)", dimensionLabels[d], score, c.config.MaxScore))
		}
	}
	return out
}

// Assessment is the complete scoring outcome of one document.
type Assessment struct {
	Components      ScoreComponents
	ConformityLevel models.ConformityLevel
	RiskLevel       models.RiskLevel
	Recommendations []string
}

// Assess scores findings under weights and derives the conformity and risk levels.
// It is deterministic: the same findings and weights always give the same assessment.
func (c *Calculator) Assess(findings []models.Finding, weights models.Weights) Assessment {
	comp := c.CalculateComponents(findings, weights)
	return Assessment{
		Components:      comp,
		ConformityLevel: c.ConformityLevel(comp),
		RiskLevel:       c.RiskLevel(comp),
		Recommendations: c.Recommendations(findings, comp),
	}
}

// UpdateConfig updates the calculator's scoring configuration.
func (c *Calculator) UpdateConfig(config *Config) {
	if config != nil {
		c.config = config
	}
}

// GetConfig returns the current scoring configuration.
func (c *Calculator) GetConfig() *Config {
	return c.config
}
