package models

import (
	"time"
)

// Finding is a single rule violation detected in a document.
type Finding struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"ruleId"`
	Category    Category  `json:"category"`
	Dimension   Dimension `json:"dimension"`
	Severity    Severity  `json:"severity"`
	ProblemKind string    `json:"problemKind,omitempty"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location"`
	Excerpt     string    `json:"excerpt,omitempty"`
	Suggestion  string    `json:"suggestion,omitempty"`
	RuleVersion int       `json:"ruleVersion"`
}

// LocationDocument marks a finding about content missing from the whole document.
const LocationDocument = "document"

// ConformityLevel summarizes how compliant a document is.
type ConformityLevel string

const (
	ConformityCompliant          ConformityLevel = "COMPLIANT"
	ConformityPartiallyCompliant ConformityLevel = "PARTIALLY_COMPLIANT"
	ConformityNonCompliant       ConformityLevel = "NON_COMPLIANT"
)

// RiskLevel is the overall risk assessment of a document.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// DimensionScores maps each dimension to a score in [0, 100].
type DimensionScores map[Dimension]float64

// AnalysisMetrics describes an analysis run.
type AnalysisMetrics struct {
	FindingsBySeverity map[Severity]int `json:"findingsBySeverity"`
	RulesEvaluated     int              `json:"rulesEvaluated"`
	RulesSkipped       int              `json:"rulesSkipped"`
	TextLength         int              `json:"textLength"`
	EstimatedClauses   int              `json:"estimatedClauses"`
	ProcessingTimeMs   int64            `json:"processingTimeMs"`
}

// AnalysisResult is the immutable outcome of one successful task attempt.
type AnalysisResult struct {
	CreatedAt       time.Time              `json:"createdAt"`
	DimensionScores DimensionScores        `json:"dimensionScores"`
	ID              string                 `json:"id"`
	TaskID          string                 `json:"taskId"`
	DocumentID      string                 `json:"documentId"`
	DocumentVersion string                 `json:"documentVersion"`
	OrganizationID  string                 `json:"organizationId"`
	ConformityLevel ConformityLevel        `json:"conformityLevel"`
	RiskLevel       RiskLevel              `json:"riskLevel"`
	Classification  DocumentClassification `json:"classification"`
	Findings        []Finding              `json:"findings"`
	Recommendations []string               `json:"recommendations"`
	Metrics         AnalysisMetrics        `json:"metrics"`
	WeightedScore   float64                `json:"weightedScore"`
	ProfileVersion  int                    `json:"profileVersion"`
}

// Finding returns the finding with the given id, if present.
func (r *AnalysisResult) Finding(id string) (Finding, bool) {
	for _, f := range r.Findings {
		if f.ID == id {
			return f, true
		}
	}
	return Finding{}, false
}
