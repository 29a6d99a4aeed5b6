package models

import (
	"fmt"
	"time"
)

// Satisfaction ratings, from very dissatisfied to very satisfied.
const (
	RatingMin = 1
	RatingMax = 5
)

// Feedback is a user's reaction to an analysis result.
type Feedback struct {
	CreatedAt         time.Time `json:"createdAt"`
	ID                string    `json:"id"`
	OrganizationID    string    `json:"organizationId"`
	ResultID          string    `json:"resultId"`
	Comment           string    `json:"comment,omitempty"`
	FlaggedFindingIDs []string  `json:"flaggedFindingIds"`
	Rating            int       `json:"rating"`
}

// Validate checks the rating range and required references.
func (f *Feedback) Validate() error {
	if f.OrganizationID == "" {
		return NewValidationError("organizationId", "required")
	}
	if f.ResultID == "" {
		return NewValidationError("resultId", "required")
	}
	if f.Rating != 0 && (f.Rating < RatingMin || f.Rating > RatingMax) {
		return NewValidationError("rating", fmt.Sprintf("must be between %d and %d", RatingMin, RatingMax))
	}
	return nil
}

// HasRating reports whether the feedback carries a satisfaction rating.
func (f *Feedback) HasRating() bool { return f.Rating >= RatingMin }
