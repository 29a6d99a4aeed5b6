package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventStore records delivered event keys so that redelivery across restarts is suppressed.
type EventStore struct {
	store *Store
	db    *gorm.DB
}

// NewEventStore creates a new event store.
func NewEventStore(store *Store) *EventStore {
	return &EventStore{store: store, db: store.DB}
}

// Claim records key and reports whether this call was the first to do so.
func (s *EventStore) Claim(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.store.withTimeout(ctx, FastQueryTimeout, "claim_event")
	defer cancel()

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&DeliveredEvent{Key: key, DeliveredAt: time.Now().UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("claim event %s: %w", key, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Prune forgets keys delivered before cutoff.
func (s *EventStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "prune_events")
	defer cancel()

	res := s.db.WithContext(ctx).Where("delivered_at < ?", cutoff.UTC()).Delete(&DeliveredEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune delivered events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
