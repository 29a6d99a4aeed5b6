package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/docreview/pkg/models"
)

// RuleStore persists published rule versions.
type RuleStore struct {
	store *Store
	db    *gorm.DB
}

// NewRuleStore creates a new rule store.
func NewRuleStore(store *Store) *RuleStore {
	return &RuleStore{store: store, db: store.DB}
}

// LatestRules returns the highest version of every published rule id, ordered by id.
func (s *RuleStore) LatestRules(ctx context.Context) ([]models.AnalysisRule, error) {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "latest_rules")
	defer cancel()

	var rows []RuleRow
	err := s.db.WithContext(ctx).
		Table("analysis_rules AS r").
		Where("r.version = (SELECT MAX(v.version) FROM analysis_rules v WHERE v.rule_id = r.rule_id)").
		Order("r.rule_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("latest rules: %w", err)
	}
	out := make([]models.AnalysisRule, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Rule.Data)
	}
	return out, nil
}

// InsertRule stores a rule version. An existing (id, version) pair fails with
// models.ErrDuplicate.
func (s *RuleStore) InsertRule(ctx context.Context, rule models.AnalysisRule) error {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "insert_rule")
	defer cancel()

	row := &RuleRow{
		RuleID:    rule.ID,
		Version:   rule.Version,
		Rule:      models.NewJSON(rule),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return translate("rule", fmt.Sprintf("%s v%d", rule.ID, rule.Version), err)
	}
	return nil
}
