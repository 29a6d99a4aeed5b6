// Package parameters owns per-organization weight profiles and custom rules, and proposes
// bounded weight adaptations from historical results and user feedback.
package parameters

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/thebtf/docreview/pkg/models"
	"golang.org/x/sync/singleflight"
)

// MaxSampleBytes bounds the sample text accepted by TestCustomRule.
const MaxSampleBytes = 100 << 10

// ProfileStore persists profile versions. InsertProfile must return models.ErrDuplicate
// when (organizationId, version) already exists.
type ProfileStore interface {
	LatestProfile(ctx context.Context, orgID string) (*models.OrganizationProfile, error)
	InsertProfile(ctx context.Context, profile *models.OrganizationProfile) error
}

// ResultHistory reads past analysis results.
type ResultHistory interface {
	GetResult(ctx context.Context, id string) (*models.AnalysisResult, error)
	RecentResults(ctx context.Context, orgID string, since time.Time, limit int) ([]*models.AnalysisResult, error)
}

// FeedbackStore persists user feedback on results.
type FeedbackStore interface {
	GetRecentFeedback(ctx context.Context, orgID string, window time.Duration) ([]models.Feedback, error)
	RecordFeedback(ctx context.Context, feedback *models.Feedback) error
}

// PatternTester dry-runs a regex with evaluation semantics.
type PatternTester interface {
	TestPattern(pattern, sample string) (bool, error)
}

// Options configures an Engine. Zero values take the defaults.
type Options struct {
	Now          func() time.Time
	Adaptation   AdaptationConfig
	CacheTTL     time.Duration // default 30m
	Window       time.Duration // feedback and result window, default 30 days
	HistoryLimit int           // results considered per proposal, default 200
}

// Change describes who made a profile mutation and why.
type Change struct {
	UpdatedBy string
	Reason    string
}

// TestResult is the outcome of a custom-rule dry run.
type TestResult struct {
	Error     string `json:"error,omitempty"`
	Matches   bool   `json:"matches"`
	Truncated bool   `json:"truncated,omitempty"`
}

type cacheEntry struct {
	expires time.Time
	profile *models.OrganizationProfile
}

// Engine is the parameter engine. Returned profiles are shared and must be treated as
// read-only.
type Engine struct {
	profiles ProfileStore
	results  ResultHistory
	feedback FeedbackStore
	tester   PatternTester
	log      zerolog.Logger
	now      func() time.Time

	group singleflight.Group
	cache map[string]cacheEntry
	ttl   time.Duration

	pending map[string]int // results recorded since the last proposal, per org

	adaptation   AdaptationConfig
	window       time.Duration
	historyLimit int

	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	proposals    atomic.Int64
	applications atomic.Int64

	mu sync.RWMutex
}

// NewEngine creates a parameter engine.
func NewEngine(profiles ProfileStore, results ResultHistory, feedback FeedbackStore, tester PatternTester, opts Options, logger zerolog.Logger) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Minute
	}
	if opts.Window <= 0 {
		opts.Window = 30 * 24 * time.Hour
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 200
	}
	return &Engine{
		profiles:     profiles,
		results:      results,
		feedback:     feedback,
		tester:       tester,
		log:          logger.With().Str("component", "parameters").Logger(),
		now:          opts.Now,
		cache:        make(map[string]cacheEntry),
		ttl:          opts.CacheTTL,
		pending:      make(map[string]int),
		adaptation:   opts.Adaptation.withDefaults(),
		window:       opts.Window,
		historyLimit: opts.HistoryLimit,
	}
}

// GetProfile returns the latest profile of orgID, or the default BALANCED profile when the
// organization has none yet.
func (e *Engine) GetProfile(ctx context.Context, orgID string) (*models.OrganizationProfile, error) {
	if orgID == "" {
		return nil, models.NewValidationError("organizationId", "required")
	}

	e.mu.RLock()
	entry, ok := e.cache[orgID]
	e.mu.RUnlock()
	if ok && e.now().Before(entry.expires) {
		e.cacheHits.Add(1)
		return entry.profile, nil
	}
	e.cacheMisses.Add(1)

	v, err, _ := e.group.Do(orgID, func() (interface{}, error) {
		p, err := e.loadLatest(ctx, orgID)
		if err != nil {
			return nil, err
		}
		e.store(p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.OrganizationProfile), nil
}

// loadLatest reads the latest profile from the store, bypassing the cache.
func (e *Engine) loadLatest(ctx context.Context, orgID string) (*models.OrganizationProfile, error) {
	p, err := e.profiles.LatestProfile(ctx, orgID)
	if errors.Is(err, models.ErrNotFound) {
		return models.DefaultProfile(orgID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", orgID, err)
	}
	return p, nil
}

// store caches p unless a newer version is already cached, so a slow load that read an
// older version cannot replace the result of a mutation that finished meanwhile.
func (e *Engine) store(p *models.OrganizationProfile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.cache[p.OrganizationID]; ok && cur.profile.Version > p.Version {
		return
	}
	e.cache[p.OrganizationID] = cacheEntry{profile: p, expires: e.now().Add(e.ttl)}
}

// Invalidate drops the cached profile of orgID.
func (e *Engine) Invalidate(orgID string) {
	e.mu.Lock()
	delete(e.cache, orgID)
	e.mu.Unlock()
}

// mutate applies fn to the next version of the org's profile and persists it. It fails with
// ErrVersionConflict when expectedVersion is stale or another writer stored the same version.
func (e *Engine) mutate(ctx context.Context, orgID string, expectedVersion int, change Change, fn func(next *models.OrganizationProfile) error) (*models.OrganizationProfile, error) {
	if orgID == "" {
		return nil, models.NewValidationError("organizationId", "required")
	}
	current, err := e.loadLatest(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		e.Invalidate(orgID)
		return nil, fmt.Errorf("profile %s: expected version %d, current %d: %w",
			orgID, expectedVersion, current.Version, models.ErrVersionConflict)
	}

	next := current.Next(change.UpdatedBy, change.Reason, e.now())
	if err := fn(next); err != nil {
		return nil, err
	}
	if v := models.ValidateWeights(next.Weights); !v.Valid {
		return nil, models.NewValidationError("weights", v.Errors[0])
	}
	next.Preset = models.PresetFor(next.Weights)

	if err := e.profiles.InsertProfile(ctx, next); err != nil {
		e.Invalidate(orgID)
		if errors.Is(err, models.ErrDuplicate) {
			return nil, fmt.Errorf("profile %s version %d already written: %w", orgID, next.Version, models.ErrVersionConflict)
		}
		return nil, fmt.Errorf("store profile %s: %w", orgID, err)
	}
	e.store(next)

	e.log.Info().
		Str("organization_id", orgID).
		Int("version", next.Version).
		Str("preset", string(next.Preset)).
		Str("reason", change.Reason).
		Msg("Profile updated")
	return next, nil
}

// SetProfile replaces the weights of orgID, provided expectedVersion is still the latest.
func (e *Engine) SetProfile(ctx context.Context, orgID string, weights models.Weights, expectedVersion int, change Change) (*models.OrganizationProfile, error) {
	if v := models.ValidateWeights(weights); !v.Valid {
		return nil, models.NewValidationError("weights", v.Errors[0])
	}
	if change.Reason == "" {
		change.Reason = "weights updated"
	}
	return e.mutate(ctx, orgID, expectedVersion, change, func(next *models.OrganizationProfile) error {
		next.Weights = weights
		return nil
	})
}

// ValidateWeights reports whether weights form a valid profile.
func (e *Engine) ValidateWeights(weights models.Weights) models.WeightValidation {
	return models.ValidateWeights(weights)
}

// ApplyPreset replaces the weights of orgID with a named preset.
func (e *Engine) ApplyPreset(ctx context.Context, orgID string, preset models.Preset, expectedVersion int, change Change) (*models.OrganizationProfile, error) {
	weights, err := models.WeightsForPreset(preset)
	if err != nil {
		return nil, err
	}
	if change.Reason == "" {
		change.Reason = "preset " + string(preset)
	}
	return e.mutate(ctx, orgID, expectedVersion, change, func(next *models.OrganizationProfile) error {
		next.Weights = weights
		return nil
	})
}

// AddCustomRule adds rule to the profile, or replaces the custom rule with the same id under
// a new rule version. Custom rules flag forbidden content, so FireOn defaults to PRESENT.
func (e *Engine) AddCustomRule(ctx context.Context, orgID string, rule models.AnalysisRule, expectedVersion int, change Change) (*models.OrganizationProfile, error) {
	if rule.ID == "" {
		rule.ID = "custom." + uuid.New().String()[:8]
	}
	if rule.FireOn == "" {
		rule.FireOn = models.FireOnPresent
	}
	if rule.Version == 0 {
		rule.Version = 1
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if change.Reason == "" {
		change.Reason = "custom rule " + rule.ID + " added"
	}

	return e.mutate(ctx, orgID, expectedVersion, change, func(next *models.OrganizationProfile) error {
		for i, existing := range next.CustomRules {
			if existing.ID == rule.ID {
				rule.Version = existing.Version + 1
				next.CustomRules[i] = rule
				return nil
			}
		}
		next.CustomRules = append(next.CustomRules, rule)
		return nil
	})
}

// RemoveCustomRule removes a custom rule from the profile.
func (e *Engine) RemoveCustomRule(ctx context.Context, orgID, ruleID string, expectedVersion int, change Change) (*models.OrganizationProfile, error) {
	if change.Reason == "" {
		change.Reason = "custom rule " + ruleID + " removed"
	}
	return e.mutate(ctx, orgID, expectedVersion, change, func(next *models.OrganizationProfile) error {
		kept := next.CustomRules[:0:0]
		for _, r := range next.CustomRules {
			if r.ID != ruleID {
				kept = append(kept, r)
			}
		}
		if len(kept) == len(next.CustomRules) {
			return fmt.Errorf("custom rule %s: %w", ruleID, models.ErrNotFound)
		}
		next.CustomRules = kept
		return nil
	})
}

// TestCustomRule dry-runs pattern against sample. An invalid pattern never errors; it
// reports no match along with the compile error.
func (e *Engine) TestCustomRule(pattern, sample string) TestResult {
	var res TestResult
	if len(sample) > MaxSampleBytes {
		cut := MaxSampleBytes
		for cut > 0 && !utf8.RuneStart(sample[cut]) {
			cut--
		}
		sample = sample[:cut]
		res.Truncated = true
	}
	matches, err := e.tester.TestPattern(pattern, sample)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Matches = matches
	return res
}

// ProposeAdaptation examines the organization's recent results and feedback and returns a
// bounded weight adjustment. It has no side effects on the profile.
func (e *Engine) ProposeAdaptation(ctx context.Context, orgID string) (*WeightDelta, error) {
	profile, err := e.GetProfile(ctx, orgID)
	if err != nil {
		return nil, err
	}
	since := e.now().Add(-e.window)
	results, err := e.results.RecentResults(ctx, orgID, since, e.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load results for %s: %w", orgID, err)
	}
	feedback, err := e.feedback.GetRecentFeedback(ctx, orgID, e.window)
	if err != nil {
		return nil, fmt.Errorf("load feedback for %s: %w", orgID, err)
	}

	delta := Propose(profile.Weights, results, feedback, e.adaptation)
	delta.OrganizationID = orgID
	delta.BaseVersion = profile.Version
	delta.GeneratedAt = e.now()
	e.proposals.Add(1)

	e.log.Debug().
		Str("organization_id", orgID).
		Int("sample_size", delta.SampleSize).
		Float64("confidence", delta.Confidence).
		Msg("Adaptation proposed")
	return delta, nil
}

// ApplyAdaptation adds delta to the weights of its base version through the normal versioned
// update. Proposed is informative only.
func (e *Engine) ApplyAdaptation(ctx context.Context, orgID string, delta *WeightDelta, change Change) (*models.OrganizationProfile, error) {
	if delta == nil {
		return nil, models.NewValidationError("delta", "required")
	}
	if delta.OrganizationID != "" && delta.OrganizationID != orgID {
		return nil, models.NewValidationError("delta.organizationId", "belongs to another organization")
	}
	if delta.Delta.MaxAbs() > e.adaptation.MaxDelta+1e-9 {
		return nil, models.NewValidationError("delta", fmt.Sprintf("adjustment exceeds %.3f per dimension", e.adaptation.MaxDelta))
	}
	if change.Reason == "" {
		change.Reason = fmt.Sprintf("adaptation (confidence %.2f, %d results)", delta.Confidence, delta.SampleSize)
	}
	// The weights are rebuilt from the base version so that no dimension moves by more than
	// the checked delta, whatever Proposed says.
	p, err := e.mutate(ctx, orgID, delta.BaseVersion, change, func(next *models.OrganizationProfile) error {
		for _, d := range models.AllDimensions {
			next.Weights = next.Weights.With(d, math.Max(0, next.Weights.Get(d)+delta.Delta.Get(d)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !p.Weights.ApproxEqual(delta.Proposed, models.WeightTolerance) {
		e.log.Warn().
			Str("organization_id", orgID).
			Int("version", p.Version).
			Msg("Adaptation proposal did not match base weights plus delta; applied the delta")
	}
	e.applications.Add(1)
	return p, nil
}

// RecordResult is called after every stored analysis result.
func (e *Engine) RecordResult(result *models.AnalysisResult) {
	if result == nil || result.OrganizationID == "" {
		return
	}
	e.mu.Lock()
	e.pending[result.OrganizationID]++
	e.mu.Unlock()
}

// PendingOrganizations returns the organizations with at least threshold results recorded
// since their last proposal.
func (e *Engine) PendingOrganizations(threshold int) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for org, n := range e.pending {
		if n >= threshold {
			out = append(out, org)
		}
	}
	return out
}

// ResetPending clears the result counter of orgID.
func (e *Engine) ResetPending(orgID string) {
	e.mu.Lock()
	delete(e.pending, orgID)
	e.mu.Unlock()
}

// RecordFeedback validates and stores user feedback. Flagged findings must belong to the
// referenced result.
func (e *Engine) RecordFeedback(ctx context.Context, fb *models.Feedback) error {
	if err := fb.Validate(); err != nil {
		return err
	}
	result, err := e.results.GetResult(ctx, fb.ResultID)
	if err != nil {
		return fmt.Errorf("result %s: %w", fb.ResultID, err)
	}
	if result.OrganizationID != fb.OrganizationID {
		return fmt.Errorf("result %s: %w", fb.ResultID, models.ErrNotFound)
	}
	for _, id := range fb.FlaggedFindingIDs {
		if _, ok := result.Finding(id); !ok {
			return models.NewValidationError("flaggedFindingIds", "unknown finding "+id)
		}
	}
	if fb.ID == "" {
		fb.ID = uuid.New().String()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = e.now()
	}
	if fb.FlaggedFindingIDs == nil {
		fb.FlaggedFindingIDs = []string{}
	}
	return e.feedback.RecordFeedback(ctx, fb)
}

// Stats describes engine activity.
type Stats struct {
	CachedProfiles int   `json:"cachedProfiles"`
	CacheHits      int64 `json:"cacheHits"`
	CacheMisses    int64 `json:"cacheMisses"`
	Proposals      int64 `json:"proposals"`
	Applications   int64 `json:"applications"`
	PendingOrgs    int   `json:"pendingOrgs"`
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	cached, pending := len(e.cache), len(e.pending)
	e.mu.RUnlock()
	return Stats{
		CachedProfiles: cached,
		CacheHits:      e.cacheHits.Load(),
		CacheMisses:    e.cacheMisses.Load(),
		Proposals:      e.proposals.Load(),
		Applications:   e.applications.Load(),
		PendingOrgs:    pending,
	}
}
