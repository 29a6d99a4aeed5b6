package models

import (
	"fmt"
	"math"
	"time"
)

// Dimension is a scoring dimension of the conformity score.
type Dimension string

const (
	DimensionStructural Dimension = "structural"
	DimensionLegal      Dimension = "legal"
	DimensionClarity    Dimension = "clarity"
	DimensionABNT       Dimension = "abnt"
	DimensionBudgetary  Dimension = "budgetary"
	DimensionFormal     Dimension = "formal"
	DimensionGeneral    Dimension = "general"
)

// AllDimensions lists the scoring dimensions in a fixed order.
var AllDimensions = []Dimension{
	DimensionStructural,
	DimensionLegal,
	DimensionClarity,
	DimensionABNT,
	DimensionBudgetary,
	DimensionFormal,
	DimensionGeneral,
}

// WeightTolerance is the allowed deviation of the weight sum from 1.0.
const WeightTolerance = 1e-3

// Weights holds the relative importance of each dimension. They must sum to 1.0.
type Weights struct {
	Structural float64 `json:"structural" yaml:"structural"`
	Legal      float64 `json:"legal" yaml:"legal"`
	Clarity    float64 `json:"clarity" yaml:"clarity"`
	ABNT       float64 `json:"abnt" yaml:"abnt"`
	Budgetary  float64 `json:"budgetary" yaml:"budgetary"`
	Formal     float64 `json:"formal" yaml:"formal"`
	General    float64 `json:"general" yaml:"general"`
}

// Get returns the weight of dimension d.
func (w Weights) Get(d Dimension) float64 {
	switch d {
	case DimensionStructural:
		return w.Structural
	case DimensionLegal:
		return w.Legal
	case DimensionClarity:
		return w.Clarity
	case DimensionABNT:
		return w.ABNT
	case DimensionBudgetary:
		return w.Budgetary
	case DimensionFormal:
		return w.Formal
	case DimensionGeneral:
		return w.General
	}
	return 0
}

// With returns a copy of w with dimension d set to v.
func (w Weights) With(d Dimension, v float64) Weights {
	switch d {
	case DimensionStructural:
		w.Structural = v
	case DimensionLegal:
		w.Legal = v
	case DimensionClarity:
		w.Clarity = v
	case DimensionABNT:
		w.ABNT = v
	case DimensionBudgetary:
		w.Budgetary = v
	case DimensionFormal:
		w.Formal = v
	case DimensionGeneral:
		w.General = v
	}
	return w
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	total := 0.0
	for _, d := range AllDimensions {
		total += w.Get(d)
	}
	return total
}

// Add returns w + delta, dimension by dimension.
func (w Weights) Add(delta Weights) Weights {
	out := w
	for _, d := range AllDimensions {
		out = out.With(d, w.Get(d)+delta.Get(d))
	}
	return out
}

// Sub returns w - other, dimension by dimension.
func (w Weights) Sub(other Weights) Weights {
	out := w
	for _, d := range AllDimensions {
		out = out.With(d, w.Get(d)-other.Get(d))
	}
	return out
}

// MaxAbs returns the largest absolute component.
func (w Weights) MaxAbs() float64 {
	m := 0.0
	for _, d := range AllDimensions {
		m = math.Max(m, math.Abs(w.Get(d)))
	}
	return m
}

// ApproxEqual reports whether every component differs by at most tol.
func (w Weights) ApproxEqual(other Weights, tol float64) bool {
	return w.Sub(other).MaxAbs() <= tol
}

// WeightValidation is the outcome of validating a weight set.
type WeightValidation struct {
	Errors   []string `json:"errors,omitempty"`
	Sum      float64  `json:"sum"`
	SumError float64  `json:"sumError"`
	Valid    bool     `json:"valid"`
}

// ValidateWeights checks that every weight is in [0, 1] and the sum is 1.0 within tolerance.
func ValidateWeights(w Weights) WeightValidation {
	sum := w.Sum()
	v := WeightValidation{
		Sum:      sum,
		SumError: math.Abs(sum - 1.0),
	}
	for _, d := range AllDimensions {
		x := w.Get(d)
		if math.IsNaN(x) || x < 0 || x > 1 {
			v.Errors = append(v.Errors, fmt.Sprintf("%s weight %.4f outside [0, 1]", d, x))
		}
	}
	if math.IsNaN(sum) || v.SumError > WeightTolerance {
		v.Errors = append(v.Errors, fmt.Sprintf("weights sum to %.4f, expected 1.0", sum))
	}
	v.Valid = len(v.Errors) == 0
	return v
}

// Preset names a predefined weight distribution.
type Preset string

const (
	PresetStrict   Preset = "STRICT"
	PresetBalanced Preset = "BALANCED"
	PresetLenient  Preset = "LENIENT"
	PresetCustom   Preset = "CUSTOM"
)

// PresetWeights holds the weight distribution of each named preset.
var PresetWeights = map[Preset]Weights{
	PresetStrict: {
		Structural: 0.10, Legal: 0.40, Clarity: 0.15, ABNT: 0.05,
		Budgetary: 0.15, Formal: 0.10, General: 0.05,
	},
	PresetBalanced: {
		Structural: 0.15, Legal: 0.30, Clarity: 0.15, ABNT: 0.10,
		Budgetary: 0.10, Formal: 0.10, General: 0.10,
	},
	PresetLenient: {
		Structural: 0.20, Legal: 0.20, Clarity: 0.20, ABNT: 0.10,
		Budgetary: 0.10, Formal: 0.10, General: 0.10,
	},
}

// WeightsForPreset returns the weights of a named preset.
func WeightsForPreset(p Preset) (Weights, error) {
	w, ok := PresetWeights[p]
	if !ok {
		return Weights{}, NewValidationError("preset", fmt.Sprintf("unknown preset %q", p))
	}
	return w, nil
}

// PresetFor returns the named preset matching w, or PresetCustom.
func PresetFor(w Weights) Preset {
	for _, p := range []Preset{PresetBalanced, PresetStrict, PresetLenient} {
		if w.ApproxEqual(PresetWeights[p], 1e-6) {
			return p
		}
	}
	return PresetCustom
}

// OrganizationProfile is an organization's weight configuration plus custom rules.
// Profiles are never mutated in place; every change is stored as a new Version.
type OrganizationProfile struct {
	UpdatedAt      time.Time      `json:"updatedAt"`
	OrganizationID string         `json:"organizationId"`
	Preset         Preset         `json:"preset"`
	UpdatedBy      string         `json:"updatedBy,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	CustomRules    []AnalysisRule `json:"customRules"`
	Weights        Weights        `json:"weights"`
	Version        int            `json:"version"`
}

// DefaultProfile returns the BALANCED profile every organization starts with.
func DefaultProfile(orgID string) *OrganizationProfile {
	return &OrganizationProfile{
		OrganizationID: orgID,
		Weights:        PresetWeights[PresetBalanced],
		Preset:         PresetBalanced,
		CustomRules:    []AnalysisRule{},
		Version:        1,
		Reason:         "default",
	}
}

// Next returns a copy of p with the version bumped, ready to be stored.
func (p *OrganizationProfile) Next(updatedBy, reason string, now time.Time) *OrganizationProfile {
	next := *p
	next.CustomRules = append([]AnalysisRule(nil), p.CustomRules...)
	next.Version = p.Version + 1
	next.UpdatedBy = updatedBy
	next.Reason = reason
	next.UpdatedAt = now
	return &next
}

// CustomRule returns the custom rule with the given id, if any.
func (p *OrganizationProfile) CustomRule(id string) (AnalysisRule, bool) {
	for _, r := range p.CustomRules {
		if r.ID == id {
			return r, true
		}
	}
	return AnalysisRule{}, false
}
