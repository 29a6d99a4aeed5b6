package gorm

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/thebtf/docreview/pkg/models"
)

// ProfileStore keeps every version of every organization profile.
type ProfileStore struct {
	store *Store
	db    *gorm.DB
}

// NewProfileStore creates a new profile store.
func NewProfileStore(store *Store) *ProfileStore {
	return &ProfileStore{store: store, db: store.DB}
}

// LatestProfile returns the highest version stored for orgID, or models.ErrNotFound.
func (s *ProfileStore) LatestProfile(ctx context.Context, orgID string) (*models.OrganizationProfile, error) {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "latest_profile")
	defer cancel()

	var row ProfileRow
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("version DESC").
		First(&row).Error
	if err != nil {
		return nil, translate("profile", orgID, err)
	}
	return row.toModel(), nil
}

// InsertProfile stores a new profile version. The unique (organization_id, version) index
// makes concurrent writers of the same version fail with models.ErrDuplicate.
func (s *ProfileStore) InsertProfile(ctx context.Context, profile *models.OrganizationProfile) error {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "insert_profile")
	defer cancel()

	if err := s.db.WithContext(ctx).Create(profileRow(profile)).Error; err != nil {
		return translate("profile", fmt.Sprintf("%s v%d", profile.OrganizationID, profile.Version), err)
	}
	return nil
}

// ProfileHistory returns every version of an organization's profile, oldest first.
func (s *ProfileStore) ProfileHistory(ctx context.Context, orgID string) ([]models.OrganizationProfile, error) {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "profile_history")
	defer cancel()

	var rows []ProfileRow
	if err := s.db.WithContext(ctx).Where("organization_id = ?", orgID).Order("version").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("profile history %s: %w", orgID, err)
	}
	out := make([]models.OrganizationProfile, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toModel())
	}
	return out, nil
}
