package models

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Severity is the gravity of a rule violation.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityAliases accepts the Portuguese labels used by reviewers.
var severityAliases = map[string]Severity{
	"low": SeverityLow, "baixa": SeverityLow,
	"medium": SeverityMedium, "media": SeverityMedium, "média": SeverityMedium,
	"high": SeverityHigh, "alta": SeverityHigh,
	"critical": SeverityCritical, "critica": SeverityCritical, "crítica": SeverityCritical,
}

// ParseSeverity parses a severity label, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	if sev, ok := severityAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return sev, nil
	}
	return "", NewValidationError("severity", fmt.Sprintf("unknown severity %q", s))
}

// Rank orders severities; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// Category is the problem category of a rule, as used by legal reviewers.
type Category string

const (
	CategoryStructural   Category = "estrutural"
	CategoryLegal        Category = "juridico"
	CategoryClarity      Category = "clareza"
	CategoryABNT         Category = "abnt"
	CategoryBudgetary    Category = "orcamentario"
	CategoryFormal       Category = "formal"
	CategoryTechnical    Category = "tecnico"
	CategoryConformity   Category = "conformidade"
	CategoryCompleteness Category = "completude"
)

// categoryDimensions maps every category to exactly one scoring dimension.
var categoryDimensions = map[Category]Dimension{
	CategoryStructural:   DimensionStructural,
	CategoryLegal:        DimensionLegal,
	CategoryClarity:      DimensionClarity,
	CategoryABNT:         DimensionABNT,
	CategoryBudgetary:    DimensionBudgetary,
	CategoryFormal:       DimensionFormal,
	CategoryTechnical:    DimensionGeneral,
	CategoryConformity:   DimensionGeneral,
	CategoryCompleteness: DimensionGeneral,
}

// Dimension returns the scoring dimension the category deducts from.
func (c Category) Dimension() Dimension {
	if d, ok := categoryDimensions[c]; ok {
		return d
	}
	return DimensionGeneral
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := categoryDimensions[c]
	return ok
}

// FireOn decides whether a rule fires when its predicate holds or when it does not.
type FireOn string

const (
	// FireOnAbsent fires when the required content is missing.
	FireOnAbsent FireOn = "ABSENT"
	// FireOnPresent fires when forbidden content is found.
	FireOnPresent FireOn = "PRESENT"
)

// Valid reports whether f is a known mode.
func (f FireOn) Valid() bool { return f == FireOnAbsent || f == FireOnPresent }

// PredicateMode identifies a predicate variant on the wire.
type PredicateMode string

const (
	PredicateAny     PredicateMode = "ANY"
	PredicateAll     PredicateMode = "ALL"
	PredicatePattern PredicateMode = "PATTERN"
)

// Predicate is the content test of a rule. It is a closed set of variants:
// KeywordAny, KeywordAll and Pattern.
type Predicate interface {
	Mode() PredicateMode
	predicate()
}

// KeywordAny holds when at least one keyword occurs in the text.
type KeywordAny struct {
	Keywords []string
}

// KeywordAll holds when every keyword occurs in the text.
type KeywordAll struct {
	Keywords []string
}

// Pattern holds when the regular expression matches anywhere in the text.
type Pattern struct {
	Expr string
}

func (KeywordAny) Mode() PredicateMode { return PredicateAny }
func (KeywordAll) Mode() PredicateMode { return PredicateAll }
func (Pattern) Mode() PredicateMode    { return PredicatePattern }

func (KeywordAny) predicate() {}
func (KeywordAll) predicate() {}
func (Pattern) predicate()    {}

// CompilePattern compiles a rule expression with the case-insensitive, unanchored semantics
// used during evaluation.
func CompilePattern(expr string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + expr)
}

// Applicability restricts a rule to documents of a given type and/or modality.
// An empty Applicability makes the rule generic.
type Applicability struct {
	DocumentType string `json:"documentType,omitempty" yaml:"documentType,omitempty"`
	Modality     string `json:"modality,omitempty" yaml:"modality,omitempty"`
}

// IsEmpty reports whether the rule applies to every document.
func (a Applicability) IsEmpty() bool {
	return a.DocumentType == "" && a.Modality == ""
}

// Matches reports whether every field set on a equals the corresponding field of c.
// Generic applicability never matches; callers include generic rules separately.
func (a Applicability) Matches(c DocumentClassification) bool {
	if a.IsEmpty() {
		return false
	}
	if a.DocumentType != "" && a.DocumentType != c.DocumentType {
		return false
	}
	if a.Modality != "" && a.Modality != c.PrimaryModality {
		return false
	}
	return true
}

// AnalysisRule is a compliance rule. Published rules are immutable; a change is a new Version.
type AnalysisRule struct {
	Predicate     Predicate
	ID            string
	Name          string
	Description   string
	Suggestion    string
	ProblemKind   string
	FireOn        FireOn
	Severity      Severity
	Category      Category
	Applicability Applicability
	Version       int
}

// IsGeneric reports whether the rule applies to every document.
func (r AnalysisRule) IsGeneric() bool { return r.Applicability.IsEmpty() }

// Validate checks the rule is well formed. Regexes must compile.
func (r AnalysisRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return NewValidationError("id", "rule id is required")
	}
	if !r.Severity.Valid() {
		return NewValidationError("severity", fmt.Sprintf("unknown severity %q", r.Severity))
	}
	if !r.Category.Valid() {
		return NewValidationError("category", fmt.Sprintf("unknown category %q", r.Category))
	}
	if !r.FireOn.Valid() {
		return NewValidationError("fireOn", fmt.Sprintf("unknown fireOn %q", r.FireOn))
	}
	switch p := r.Predicate.(type) {
	case KeywordAny:
		return validateKeywords(p.Keywords)
	case KeywordAll:
		return validateKeywords(p.Keywords)
	case Pattern:
		if strings.TrimSpace(p.Expr) == "" {
			return NewValidationError("predicate.pattern", "pattern is empty")
		}
		if _, err := CompilePattern(p.Expr); err != nil {
			return NewValidationError("predicate.pattern", err.Error())
		}
		return nil
	case nil:
		return NewValidationError("predicate", "predicate is required")
	default:
		return NewValidationError("predicate", fmt.Sprintf("unsupported predicate %T", p))
	}
}

func validateKeywords(keywords []string) error {
	if len(keywords) == 0 {
		return NewValidationError("predicate.keywords", "at least one keyword is required")
	}
	for _, k := range keywords {
		if strings.TrimSpace(k) == "" {
			return NewValidationError("predicate.keywords", "keywords must not be blank")
		}
	}
	return nil
}

// predicateWire is the serialized form of a Predicate.
type predicateWire struct {
	Mode     PredicateMode `json:"mode" yaml:"mode"`
	Keywords []string      `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Pattern  string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

type ruleWire struct {
	Predicate     *predicateWire `json:"predicate" yaml:"predicate"`
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	Suggestion    string         `json:"suggestion,omitempty" yaml:"suggestion,omitempty"`
	ProblemKind   string         `json:"problemKind,omitempty" yaml:"problemKind,omitempty"`
	FireOn        FireOn         `json:"fireOn,omitempty" yaml:"fireOn,omitempty"`
	Severity      string         `json:"severity" yaml:"severity"`
	Category      Category       `json:"category" yaml:"category"`
	Applicability Applicability  `json:"applicability,omitempty" yaml:"applicability,omitempty"`
	Version       int            `json:"version,omitempty" yaml:"version,omitempty"`
}

func (r AnalysisRule) toWire() ruleWire {
	w := ruleWire{
		ID:            r.ID,
		Name:          r.Name,
		Description:   r.Description,
		Suggestion:    r.Suggestion,
		ProblemKind:   r.ProblemKind,
		FireOn:        r.FireOn,
		Severity:      string(r.Severity),
		Category:      r.Category,
		Applicability: r.Applicability,
		Version:       r.Version,
	}
	switch p := r.Predicate.(type) {
	case KeywordAny:
		w.Predicate = &predicateWire{Mode: PredicateAny, Keywords: p.Keywords}
	case KeywordAll:
		w.Predicate = &predicateWire{Mode: PredicateAll, Keywords: p.Keywords}
	case Pattern:
		w.Predicate = &predicateWire{Mode: PredicatePattern, Pattern: p.Expr}
	}
	return w
}

func (r *AnalysisRule) fromWire(w ruleWire) error {
	sev := Severity(w.Severity)
	if w.Severity != "" && !sev.Valid() {
		parsed, err := ParseSeverity(w.Severity)
		if err != nil {
			return err
		}
		sev = parsed
	}
	*r = AnalysisRule{
		ID:            w.ID,
		Name:          w.Name,
		Description:   w.Description,
		Suggestion:    w.Suggestion,
		ProblemKind:   w.ProblemKind,
		FireOn:        w.FireOn,
		Severity:      sev,
		Category:      w.Category,
		Applicability: w.Applicability,
		Version:       w.Version,
	}
	if w.Predicate == nil {
		return nil
	}
	switch PredicateMode(strings.ToUpper(string(w.Predicate.Mode))) {
	case PredicateAny:
		r.Predicate = KeywordAny{Keywords: w.Predicate.Keywords}
	case PredicateAll:
		r.Predicate = KeywordAll{Keywords: w.Predicate.Keywords}
	case PredicatePattern:
		r.Predicate = Pattern{Expr: w.Predicate.Pattern}
	case "":
		// A bare pattern without a mode is shorthand for PATTERN.
		if w.Predicate.Pattern != "" {
			r.Predicate = Pattern{Expr: w.Predicate.Pattern}
		}
	default:
		return NewValidationError("predicate.mode", fmt.Sprintf("unknown predicate mode %q", w.Predicate.Mode))
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r AnalysisRule) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.toWire())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *AnalysisRule) UnmarshalJSON(data []byte) error {
	var w ruleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	return r.fromWire(w)
}

// MarshalYAML implements yaml.Marshaler.
func (r AnalysisRule) MarshalYAML() (interface{}, error) {
	return r.toWire(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *AnalysisRule) UnmarshalYAML(value *yaml.Node) error {
	var w ruleWire
	if err := value.Decode(&w); err != nil {
		return err
	}
	return r.fromWire(w)
}
