package queue

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/thebtf/docreview/pkg/models"
)

// clauseMarker counts the headings that usually open a clause of a procurement document.
var clauseMarker = regexp.MustCompile(`(?i)cl[áa]usula|artigo|\bitem\b|par[áa]grafo`)

// analyze runs one attempt of task: fetch, validate, evaluate, score.
// The returned result is not yet persisted.
func (o *Orchestrator) analyze(ctx context.Context, task *models.AnalysisTask) (*models.AnalysisResult, error) {
	start := time.Now()

	text, err := o.deps.Documents.GetExtractedText(ctx, task.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("get extracted text: %w", err)
	}
	class, err := o.deps.Documents.GetClassification(ctx, task.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("get classification: %w", err)
	}
	if err := o.deps.Taxonomy.Validate(class); err != nil {
		return nil, models.Permanent("validate classification", err)
	}
	if !o.deps.Taxonomy.IsComplete(class) {
		return nil, models.Permanent("validate classification",
			models.NewValidationError("classification", "objectType and primaryModality are required"))
	}

	profile, err := o.deps.Profiles.GetProfile(ctx, task.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	ruleSet := o.deps.Rules.RulesFor(class, profile.CustomRules)
	eval := o.deps.Evaluator.Evaluate(text, ruleSet)
	for _, e := range eval.Errors {
		o.log.Warn().Err(e).Str("task_id", task.ID).Msg("rule skipped")
	}

	assessment := o.deps.Scorer.Assess(eval.Findings, profile.Weights)
	findings := eval.Findings
	if findings == nil {
		findings = []models.Finding{}
	}

	return &models.AnalysisResult{
		ID:              uuid.New().String(),
		TaskID:          task.ID,
		DocumentID:      task.DocumentID,
		DocumentVersion: task.DocumentVersion,
		OrganizationID:  task.OrganizationID,
		ProfileVersion:  profile.Version,
		Classification:  class,
		DimensionScores: assessment.Components.DimensionScores,
		WeightedScore:   assessment.Components.WeightedScore,
		ConformityLevel: assessment.ConformityLevel,
		RiskLevel:       assessment.RiskLevel,
		Findings:        findings,
		Recommendations: assessment.Recommendations,
		Metrics: models.AnalysisMetrics{
			RulesEvaluated:     eval.RulesEvaluated,
			RulesSkipped:       eval.RulesSkipped,
			FindingsBySeverity: assessment.Components.FindingsBySeverity,
			TextLength:         len([]rune(text)),
			EstimatedClauses:   len(clauseMarker.FindAllStringIndex(text, -1)),
			ProcessingTimeMs:   time.Since(start).Milliseconds(),
		},
		CreatedAt: o.now(),
	}, nil
}
