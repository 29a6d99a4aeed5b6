package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/docreview/pkg/models"
)

// ResultStore reads analysis results. Results are written by TaskStore.CompleteTask.
type ResultStore struct {
	store *Store
	db    *gorm.DB
}

// NewResultStore creates a new result store.
func NewResultStore(store *Store) *ResultStore {
	return &ResultStore{store: store, db: store.DB}
}

// GetResult returns a result by id.
func (s *ResultStore) GetResult(ctx context.Context, id string) (*models.AnalysisResult, error) {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "get_result")
	defer cancel()

	var row ResultRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate("result", id, err)
	}
	return row.toModel(), nil
}

// RecentResults returns an organization's results created at or after since, newest first.
// A non-positive limit returns every match.
func (s *ResultStore) RecentResults(ctx context.Context, orgID string, since time.Time, limit int) ([]*models.AnalysisResult, error) {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "recent_results")
	defer cancel()

	q := s.db.WithContext(ctx).
		Where("organization_id = ? AND created_at >= ?", orgID, since.UTC()).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []ResultRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent results for %s: %w", orgID, err)
	}
	out := make([]*models.AnalysisResult, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}
