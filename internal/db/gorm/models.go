package gorm

import (
	"time"

	"github.com/thebtf/docreview/pkg/models"
)

// GORM Models
//
// Structured columns are JSON text through models.JSON, which implements sql.Scanner and
// driver.Valuer. Field order is optimized for memory alignment.

// RuleRow is one published version of an analysis rule.
type RuleRow struct {
	CreatedAt time.Time                        `gorm:"not null"`
	Rule      models.JSON[models.AnalysisRule] `gorm:"type:text;not null"`
	RuleID    string                           `gorm:"uniqueIndex:idx_rules_id_version,priority:1;not null"`
	ID        int64                            `gorm:"primaryKey;autoIncrement"`
	Version   int                              `gorm:"uniqueIndex:idx_rules_id_version,priority:2;not null"`
}

func (RuleRow) TableName() string { return "analysis_rules" }

// ProfileRow is one version of an organization profile. Rows are never updated.
type ProfileRow struct {
	UpdatedAt      time.Time                          `gorm:"not null"`
	Weights        models.JSON[models.Weights]        `gorm:"type:text;not null"`
	CustomRules    models.JSON[[]models.AnalysisRule] `gorm:"type:text"`
	OrganizationID string                             `gorm:"uniqueIndex:idx_profiles_org_version,priority:1;not null"`
	Preset         string                             `gorm:"type:text;not null"`
	UpdatedBy      string
	Reason         string
	ID             int64 `gorm:"primaryKey;autoIncrement"`
	Version        int   `gorm:"uniqueIndex:idx_profiles_org_version,priority:2,sort:desc;not null"`
}

func (ProfileRow) TableName() string { return "organization_profiles" }

// TaskRow is an analysis task.
type TaskRow struct {
	CreatedAt       time.Time `gorm:"not null;index:idx_tasks_document,priority:2,sort:desc"`
	UpdatedAt       time.Time `gorm:"not null"`
	NextAttemptAt   time.Time `gorm:"not null;index:idx_tasks_due,priority:2"`
	StartedAt       *time.Time
	FinishedAt      *time.Time
	ID              string `gorm:"primaryKey"`
	DocumentID      string `gorm:"not null;index:idx_tasks_document,priority:1"`
	DocumentVersion string `gorm:"not null"`
	OrganizationID  string `gorm:"not null;index:idx_tasks_org_status,priority:1"`
	IdempotencyKey  string `gorm:"uniqueIndex;not null"`
	Status          string `gorm:"type:text;not null;index:idx_tasks_due,priority:1;index:idx_tasks_org_status,priority:2"`
	Priority        string `gorm:"type:text;not null"`
	LastError       string `gorm:"type:text"`
	ResultID        string
	Attempt         int `gorm:"not null;default:0"`
	Generation      int `gorm:"not null;default:1"`
	PriorityRank    int `gorm:"not null;default:1"`
}

func (TaskRow) TableName() string { return "analysis_tasks" }

// ResultRow is an immutable analysis result.
type ResultRow struct {
	CreatedAt       time.Time                                  `gorm:"not null;index:idx_results_org_created,priority:2,sort:desc"`
	Scores          models.JSON[models.DimensionScores]        `gorm:"type:text;not null"`
	Classification  models.JSON[models.DocumentClassification] `gorm:"type:text"`
	Findings        models.JSON[[]models.Finding]              `gorm:"type:text;not null"`
	Recommendations models.JSONStringArray                     `gorm:"type:text"`
	Metrics         models.JSON[models.AnalysisMetrics]        `gorm:"type:text"`
	ID              string                                     `gorm:"primaryKey"`
	TaskID          string                                     `gorm:"not null;index"`
	DocumentID      string                                     `gorm:"not null;index"`
	DocumentVersion string                                     `gorm:"not null"`
	OrganizationID  string                                     `gorm:"not null;index:idx_results_org_created,priority:1"`
	ConformityLevel string                                     `gorm:"type:text;not null"`
	RiskLevel       string                                     `gorm:"type:text;not null"`
	WeightedScore   float64                                    `gorm:"not null"`
	ProfileVersion  int                                        `gorm:"not null"`
}

func (ResultRow) TableName() string { return "analysis_results" }

// FeedbackRow is user feedback on a result.
type FeedbackRow struct {
	CreatedAt         time.Time              `gorm:"not null;index:idx_feedback_org_created,priority:2,sort:desc"`
	FlaggedFindingIDs models.JSONStringArray `gorm:"type:text"`
	ID                string                 `gorm:"primaryKey"`
	OrganizationID    string                 `gorm:"not null;index:idx_feedback_org_created,priority:1"`
	ResultID          string                 `gorm:"not null;index"`
	Comment           string                 `gorm:"type:text"`
	Rating            int
}

func (FeedbackRow) TableName() string { return "analysis_feedback" }

// DeliveredEvent marks an event key as delivered.
type DeliveredEvent struct {
	DeliveredAt time.Time `gorm:"not null;index"`
	Key         string    `gorm:"primaryKey"`
}

func (DeliveredEvent) TableName() string { return "delivered_events" }

func priorityRank(p models.Priority) int {
	switch p {
	case models.PriorityHigh:
		return 0
	case models.PriorityLow:
		return 2
	}
	return 1
}

func taskRow(t *models.AnalysisTask) *TaskRow {
	return &TaskRow{
		ID:              t.ID,
		DocumentID:      t.DocumentID,
		DocumentVersion: t.DocumentVersion,
		OrganizationID:  t.OrganizationID,
		IdempotencyKey:  t.IdempotencyKey,
		Status:          string(t.Status),
		Priority:        string(t.Priority),
		PriorityRank:    priorityRank(t.Priority),
		LastError:       t.LastError,
		ResultID:        t.ResultID,
		Attempt:         t.Attempt,
		Generation:      t.Generation,
		CreatedAt:       t.CreatedAt.UTC(),
		UpdatedAt:       t.UpdatedAt.UTC(),
		NextAttemptAt:   t.NextAttemptAt.UTC(),
		StartedAt:       utcPtr(t.StartedAt),
		FinishedAt:      utcPtr(t.FinishedAt),
	}
}

func (r *TaskRow) toModel() *models.AnalysisTask {
	return &models.AnalysisTask{
		ID:              r.ID,
		DocumentID:      r.DocumentID,
		DocumentVersion: r.DocumentVersion,
		OrganizationID:  r.OrganizationID,
		IdempotencyKey:  r.IdempotencyKey,
		Status:          models.TaskStatus(r.Status),
		Priority:        models.Priority(r.Priority),
		LastError:       r.LastError,
		ResultID:        r.ResultID,
		Attempt:         r.Attempt,
		Generation:      r.Generation,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
		NextAttemptAt:   r.NextAttemptAt.UTC(),
		StartedAt:       utcPtr(r.StartedAt),
		FinishedAt:      utcPtr(r.FinishedAt),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func resultRow(r *models.AnalysisResult) *ResultRow {
	return &ResultRow{
		ID:              r.ID,
		TaskID:          r.TaskID,
		DocumentID:      r.DocumentID,
		DocumentVersion: r.DocumentVersion,
		OrganizationID:  r.OrganizationID,
		ProfileVersion:  r.ProfileVersion,
		Scores:          models.NewJSON(r.DimensionScores),
		Classification:  models.NewJSON(r.Classification),
		WeightedScore:   r.WeightedScore,
		ConformityLevel: string(r.ConformityLevel),
		RiskLevel:       string(r.RiskLevel),
		Findings:        models.NewJSON(r.Findings),
		Recommendations: models.JSONStringArray(r.Recommendations),
		Metrics:         models.NewJSON(r.Metrics),
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

func (r *ResultRow) toModel() *models.AnalysisResult {
	return &models.AnalysisResult{
		ID:              r.ID,
		TaskID:          r.TaskID,
		DocumentID:      r.DocumentID,
		DocumentVersion: r.DocumentVersion,
		OrganizationID:  r.OrganizationID,
		ProfileVersion:  r.ProfileVersion,
		DimensionScores: r.Scores.Data,
		Classification:  r.Classification.Data,
		WeightedScore:   r.WeightedScore,
		ConformityLevel: models.ConformityLevel(r.ConformityLevel),
		RiskLevel:       models.RiskLevel(r.RiskLevel),
		Findings:        r.Findings.Data,
		Recommendations: []string(r.Recommendations),
		Metrics:         r.Metrics.Data,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

func profileRow(p *models.OrganizationProfile) *ProfileRow {
	return &ProfileRow{
		OrganizationID: p.OrganizationID,
		Version:        p.Version,
		Weights:        models.NewJSON(p.Weights),
		CustomRules:    models.NewJSON(p.CustomRules),
		Preset:         string(p.Preset),
		UpdatedBy:      p.UpdatedBy,
		Reason:         p.Reason,
		UpdatedAt:      p.UpdatedAt.UTC(),
	}
}

func (r *ProfileRow) toModel() *models.OrganizationProfile {
	rules := r.CustomRules.Data
	if rules == nil {
		rules = []models.AnalysisRule{}
	}
	return &models.OrganizationProfile{
		OrganizationID: r.OrganizationID,
		Version:        r.Version,
		Weights:        r.Weights.Data,
		CustomRules:    rules,
		Preset:         models.Preset(r.Preset),
		UpdatedBy:      r.UpdatedBy,
		Reason:         r.Reason,
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}
