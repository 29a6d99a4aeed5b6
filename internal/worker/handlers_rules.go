package worker

import (
	"net/http"

	"github.com/thebtf/docreview/pkg/models"
)

// RuleTestRequest dry-runs a pattern.
type RuleTestRequest struct {
	Pattern string `json:"pattern"`
	Sample  string `json:"sample"`
}

// RulesResponse lists the rules that apply to a classification.
type RulesResponse struct {
	Rules []models.AnalysisRule `json:"rules"`
	Count int                   `json:"count"`
}

// handleTestRule never fails on a bad pattern: it reports matches=false with the compile
// error.
// POST /api/rules/test
func (s *Service) handleTestRule(w http.ResponseWriter, r *http.Request) {
	var req RuleTestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Parameters.TestCustomRule(req.Pattern, req.Sample))
}

// handlePublishRule stores a new version of a catalog rule.
// POST /api/rules
func (s *Service) handlePublishRule(w http.ResponseWriter, r *http.Request) {
	var rule models.AnalysisRule
	if err := decodeJSON(r, &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	published, err := s.deps.Rules.Publish(r.Context(), rule)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, published)
}

// handleRulesFor returns the rules that would run for a document type and modality,
// including the custom rules of organizationId when given.
// GET /api/rules?documentType=&modality=&organizationId=
func (s *Service) handleRulesFor(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c := models.DocumentClassification{
		DocumentType:    q.Get("documentType"),
		PrimaryModality: q.Get("modality"),
	}

	var custom []models.AnalysisRule
	if orgID := q.Get("organizationId"); orgID != "" {
		if err := ValidateIdentifier("organizationId", orgID); err != nil {
			s.writeError(w, r, models.NewValidationError("organizationId", err.Error()))
			return
		}
		profile, err := s.deps.Parameters.GetProfile(r.Context(), orgID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		custom = profile.CustomRules
	}

	rules := s.deps.Rules.RulesFor(c, custom)
	writeJSON(w, http.StatusOK, RulesResponse{Rules: rules, Count: len(rules)})
}

// POST /api/weights/validate
func (s *Service) handleValidateWeights(w http.ResponseWriter, r *http.Request) {
	var weights models.Weights
	if err := decodeJSON(r, &weights); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Parameters.ValidateWeights(weights))
}
