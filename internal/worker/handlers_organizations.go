package worker

import (
	"net/http"
	"strconv"
	"time"

	"github.com/thebtf/docreview/internal/parameters"
	"github.com/thebtf/docreview/pkg/models"
)

// Result listing limits.
const (
	DefaultResultsLimit = 50
	MaxResultsLimit     = 500
)

// ProfileUpdateRequest replaces an organization's weights.
type ProfileUpdateRequest struct {
	UpdatedBy       string         `json:"updatedBy"`
	Reason          string         `json:"reason,omitempty"`
	Weights         models.Weights `json:"weights"`
	ExpectedVersion int            `json:"expectedVersion"`
}

// PresetRequest switches an organization to a named preset.
type PresetRequest struct {
	Preset          models.Preset `json:"preset"`
	UpdatedBy       string        `json:"updatedBy"`
	Reason          string        `json:"reason,omitempty"`
	ExpectedVersion int           `json:"expectedVersion"`
}

// CustomRuleRequest adds or replaces an organization rule.
type CustomRuleRequest struct {
	UpdatedBy       string              `json:"updatedBy"`
	Reason          string              `json:"reason,omitempty"`
	Rule            models.AnalysisRule `json:"rule"`
	ExpectedVersion int                 `json:"expectedVersion"`
}

// ApplyAdaptationRequest applies a proposed delta. Without a delta a fresh proposal is
// computed and applied.
type ApplyAdaptationRequest struct {
	Delta     *parameters.WeightDelta `json:"delta,omitempty"`
	UpdatedBy string                  `json:"updatedBy"`
	Reason    string                  `json:"reason,omitempty"`
}

// GET /api/organizations/{orgId}/profile
func (s *Service) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathID(r, "orgId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	profile, err := s.deps.Parameters.GetProfile(r.Context(), orgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handleUpdateProfile stores new weights. A stale expectedVersion answers 409.
// PUT /api/organizations/{orgId}/profile
func (s *Service) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathID(r, "orgId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ProfileUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	profile, err := s.deps.Parameters.SetProfile(r.Context(), orgID, req.Weights, req.ExpectedVersion,
		parameters.Change{UpdatedBy: req.UpdatedBy, Reason: req.Reason})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// POST /api/organizations/{orgId}/profile/preset
func (s *Service) handleApplyPreset(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathID(r, "orgId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req PresetRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	profile, err := s.deps.Parameters.ApplyPreset(r.Context(), orgID, req.Preset, req.ExpectedVersion,
		parameters.Change{UpdatedBy: req.UpdatedBy, Reason: req.Reason})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// POST /api/organizations/{orgId}/rules
func (s *Service) handleAddCustomRule(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathID(r, "orgId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req CustomRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	profile, err := s.deps.Parameters.AddCustomRule(r.Context(), orgID, req.Rule, req.ExpectedVersion,
		parameters.Change{UpdatedBy: req.UpdatedBy, Reason: req.Reason})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handleRemoveCustomRule takes the expected profile version from the query string.
// DELETE /api/organizations/{orgId}/rules/{ruleId}?expectedVersion=N
func (s *Service) handleRemoveCustomRule(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathID(r, "orgId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ruleID, err := pathID(r, "ruleId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	expected, err := strconv.Atoi(r.URL.Query().Get("expectedVersion"))
	if err != nil {
		s.writeError(w, r, models.NewValidationError("expectedVersion", "integer query parameter required"))
		return
	}

	profile, err := s.deps.Parameters.RemoveCustomRule(r.Context(), orgID, ruleID, expected,
		parameters.Change{UpdatedBy: r.URL.Query().Get("updatedBy")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handleProposeAdaptation returns a weight adjustment without applying it.
// GET /api/organizations/{orgId}/adaptation
func (s *Service) handleProposeAdaptation(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathID(r, "orgId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	delta, err := s.deps.Parameters.ProposeAdaptation(r.Context(), orgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

// POST /api/organizations/{orgId}/adaptation/apply
func (s *Service) handleApplyAdaptation(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathID(r, "orgId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ApplyAdaptationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	delta := req.Delta
	if delta == nil {
		if delta, err = s.deps.Parameters.ProposeAdaptation(r.Context(), orgID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if delta.IsZero() {
		s.writeError(w, r, models.NewValidationError("delta", "no adjustment to apply"))
		return
	}

	profile, err := s.deps.Parameters.ApplyAdaptation(r.Context(), orgID, delta,
		parameters.Change{UpdatedBy: req.UpdatedBy, Reason: req.Reason})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// POST /api/organizations/{orgId}/feedback
func (s *Service) handleRecordFeedback(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathID(r, "orgId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var fb models.Feedback
	if err := decodeJSON(r, &fb); err != nil {
		s.writeError(w, r, err)
		return
	}
	fb.OrganizationID = orgID
	// Server assigns identity and time.
	fb.ID = ""
	fb.CreatedAt = time.Time{}

	if err := s.deps.Parameters.RecordFeedback(r.Context(), &fb); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}

// handleRecentResults lists an organization's results, newest first.
// GET /api/organizations/{orgId}/results?limit=N&since=RFC3339
func (s *Service) handleRecentResults(w http.ResponseWriter, r *http.Request) {
	if s.deps.Results == nil {
		http.Error(w, "result listing unavailable", http.StatusNotImplemented)
		return
	}
	orgID, err := pathID(r, "orgId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := DefaultResultsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, models.NewValidationError("limit", "positive integer required"))
			return
		}
		limit = min(n, MaxResultsLimit)
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if since, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeError(w, r, models.NewValidationError("since", "RFC3339 timestamp required"))
			return
		}
	}

	results, err := s.deps.Results.RecentResults(r.Context(), orgID, since, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []*models.AnalysisResult{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"organizationId": orgID,
		"results":        results,
		"count":          len(results),
	})
}
