package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/docreview/pkg/models"
)

// FeedbackStore persists user feedback on results.
type FeedbackStore struct {
	store *Store
	db    *gorm.DB
	now   func() time.Time
}

// NewFeedbackStore creates a new feedback store.
func NewFeedbackStore(store *Store) *FeedbackStore {
	return &FeedbackStore{
		store: store,
		db:    store.DB,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// RecordFeedback stores one feedback entry.
func (s *FeedbackStore) RecordFeedback(ctx context.Context, fb *models.Feedback) error {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "record_feedback")
	defer cancel()

	row := &FeedbackRow{
		ID:                fb.ID,
		OrganizationID:    fb.OrganizationID,
		ResultID:          fb.ResultID,
		Rating:            fb.Rating,
		FlaggedFindingIDs: models.JSONStringArray(fb.FlaggedFindingIDs),
		Comment:           fb.Comment,
		CreatedAt:         fb.CreatedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return translate("feedback", fb.ID, err)
	}
	return nil
}

// GetRecentFeedback returns an organization's feedback from the last window, newest first.
func (s *FeedbackStore) GetRecentFeedback(ctx context.Context, orgID string, window time.Duration) ([]models.Feedback, error) {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "recent_feedback")
	defer cancel()

	var rows []FeedbackRow
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND created_at >= ?", orgID, s.now().Add(-window)).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recent feedback for %s: %w", orgID, err)
	}
	out := make([]models.Feedback, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.Feedback{
			ID:                row.ID,
			OrganizationID:    row.OrganizationID,
			ResultID:          row.ResultID,
			Rating:            row.Rating,
			FlaggedFindingIDs: []string(row.FlaggedFindingIDs),
			Comment:           row.Comment,
			CreatedAt:         row.CreatedAt.UTC(),
		})
	}
	return out, nil
}
