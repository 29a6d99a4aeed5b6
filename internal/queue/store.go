package queue

import (
	"context"
	"time"

	"github.com/thebtf/docreview/internal/rules"
	"github.com/thebtf/docreview/internal/scoring"
	"github.com/thebtf/docreview/pkg/models"
)

// TaskStore persists analysis tasks. Every status change is a conditional update so that
// concurrent workers and the reaper never overwrite each other.
type TaskStore interface {
	// CreateOrGetTask inserts task unless a task with the same idempotency key exists, in
	// which case the existing task is returned with created=false.
	CreateOrGetTask(ctx context.Context, task *models.AnalysisTask) (*models.AnalysisTask, bool, error)
	GetTask(ctx context.Context, taskID string) (*models.AnalysisTask, error)
	// TasksForDocument returns the tasks of a document, newest first.
	TasksForDocument(ctx context.Context, documentID string) ([]*models.AnalysisTask, error)
	TransitionTask(ctx context.Context, tr models.TaskTransition) (*models.AnalysisTask, error)
	// ClaimNext moves the next due QUEUED task to RUNNING, bumping its attempt, unless its
	// organization already has limit(org) RUNNING tasks. ErrNotFound means nothing is ready.
	ClaimNext(ctx context.Context, now time.Time, limit func(orgID string) int) (*models.AnalysisTask, error)
	// CompleteTask stores result and marks the attempt SUCCEEDED in one transaction.
	CompleteTask(ctx context.Context, taskID string, attempt int, result *models.AnalysisResult, now time.Time) (*models.AnalysisTask, error)
	// RequeueDue moves FAILED tasks whose backoff has elapsed back to QUEUED.
	RequeueDue(ctx context.Context, now time.Time) (int, error)
	// StaleRunning lists RUNNING tasks started before cutoff.
	StaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*models.AnalysisTask, error)
	CountByStatus(ctx context.Context) (models.TaskStats, error)
}

// ResultReader looks up stored analysis results.
type ResultReader interface {
	GetResult(ctx context.Context, resultID string) (*models.AnalysisResult, error)
}

// DocumentStore reads uploaded documents.
type DocumentStore interface {
	GetExtractedText(ctx context.Context, documentID string) (string, error)
	GetClassification(ctx context.Context, documentID string) (models.DocumentClassification, error)
}

// Taxonomy checks classifications.
type Taxonomy interface {
	Validate(c models.DocumentClassification) error
	IsComplete(c models.DocumentClassification) bool
}

// Profiles supplies scoring weights and receives completed results.
type Profiles interface {
	GetProfile(ctx context.Context, orgID string) (*models.OrganizationProfile, error)
	RecordResult(result *models.AnalysisResult)
}

// RuleSource selects the rules that apply to a classification.
type RuleSource interface {
	RulesFor(c models.DocumentClassification, customRules []models.AnalysisRule) []models.AnalysisRule
}

// Evaluator runs rules over document text.
type Evaluator interface {
	Evaluate(text string, rules []models.AnalysisRule) rules.Evaluation
}

// Scorer turns findings into an assessment.
type Scorer interface {
	Assess(findings []models.Finding, weights models.Weights) scoring.Assessment
}
