// Package rules holds the compliance rule catalog and evaluates rules against document text.
package rules

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/thebtf/docreview/pkg/models"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtinCatalog []byte

// Repository persists published rule versions.
type Repository interface {
	// LatestRules returns the highest version of every published rule id.
	LatestRules(ctx context.Context) ([]models.AnalysisRule, error)
	// InsertRule stores a new rule version. It returns models.ErrDuplicate when the
	// (id, version) pair already exists.
	InsertRule(ctx context.Context, rule models.AnalysisRule) error
}

// snapshot is an immutable view of the catalog.
type snapshot struct {
	byID     map[string]models.AnalysisRule
	generic  []models.AnalysisRule
	specific []models.AnalysisRule
	loadedAt time.Time
}

func newSnapshot(rules []models.AnalysisRule) *snapshot {
	s := &snapshot{byID: make(map[string]models.AnalysisRule, len(rules)), loadedAt: time.Now()}
	order := make([]string, 0, len(rules))
	for _, r := range rules {
		if _, ok := s.byID[r.ID]; !ok {
			order = append(order, r.ID)
		}
		s.byID[r.ID] = r
	}
	for _, id := range order {
		r := s.byID[id]
		if r.IsGeneric() {
			s.generic = append(s.generic, r)
		} else {
			s.specific = append(s.specific, r)
		}
	}
	return s
}

func (s *snapshot) all() []models.AnalysisRule {
	out := make([]models.AnalysisRule, 0, len(s.generic)+len(s.specific))
	out = append(out, s.generic...)
	return append(out, s.specific...)
}

// Store serves rule snapshots. Reads are lock-free; Publish and Load swap the snapshot.
type Store struct {
	current atomic.Pointer[snapshot]
	repo    Repository
	log     zerolog.Logger
	mu      sync.Mutex // serializes writers
}

// NewStore creates a store holding the built-in catalog. repo may be nil, in which case
// Publish only updates the in-process snapshot.
func NewStore(repo Repository, logger zerolog.Logger) (*Store, error) {
	builtin, err := ParseCatalog(builtinCatalog)
	if err != nil {
		return nil, fmt.Errorf("built-in catalog: %w", err)
	}
	s := &Store{
		repo: repo,
		log:  logger.With().Str("component", "rules").Logger(),
	}
	s.current.Store(newSnapshot(builtin))
	return s, nil
}

// ParseCatalog decodes and validates a YAML rule catalog. Missing fireOn defaults to ABSENT
// and missing version to 1.
func ParseCatalog(data []byte) ([]models.AnalysisRule, error) {
	var doc struct {
		Rules []models.AnalysisRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	seen := make(map[string]bool, len(doc.Rules))
	for i := range doc.Rules {
		r := &doc.Rules[i]
		if r.FireOn == "" {
			r.FireOn = models.FireOnAbsent
		}
		if r.Version == 0 {
			r.Version = 1
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.ID, err)
		}
		if seen[r.ID] {
			return nil, models.NewValidationError("id", fmt.Sprintf("duplicate rule id %q", r.ID))
		}
		seen[r.ID] = true
	}
	return doc.Rules, nil
}

// Load merges the built-in catalog with the latest published version of every rule id.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	start := time.Now()

	published, err := s.repo.LatestRules(ctx)
	if err != nil {
		return fmt.Errorf("load published rules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	builtin, err := ParseCatalog(builtinCatalog)
	if err != nil {
		return err
	}
	merged := mergeRules(builtin, published, s.log)
	s.current.Store(newSnapshot(merged))

	s.log.Info().
		Int("builtin", len(builtin)).
		Int("published", len(published)).
		Dur("elapsed", time.Since(start)).
		Msg("Rule catalog loaded")
	return nil
}

// mergeRules overlays published versions on base. Invalid published rules are skipped.
func mergeRules(base, published []models.AnalysisRule, log zerolog.Logger) []models.AnalysisRule {
	out := append([]models.AnalysisRule(nil), base...)
	index := make(map[string]int, len(out))
	for i, r := range out {
		index[r.ID] = i
	}
	sorted := append([]models.AnalysisRule(nil), published...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, r := range sorted {
		if err := r.Validate(); err != nil {
			log.Warn().Err(err).Str("rule_id", r.ID).Int("version", r.Version).Msg("Skipping invalid published rule")
			continue
		}
		if i, ok := index[r.ID]; ok {
			if r.Version > out[i].Version {
				out[i] = r
			}
			continue
		}
		index[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}

// Publish validates rule and stores it as the next version of its id.
// It returns the stored rule.
func (s *Store) Publish(ctx context.Context, rule models.AnalysisRule) (models.AnalysisRule, error) {
	if rule.FireOn == "" {
		rule.FireOn = models.FireOnAbsent
	}
	if err := rule.Validate(); err != nil {
		return models.AnalysisRule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.current.Load()
	rule.Version = 1
	if prev, ok := snap.byID[rule.ID]; ok {
		rule.Version = prev.Version + 1
	}

	if s.repo != nil {
		if err := s.repo.InsertRule(ctx, rule); err != nil {
			if errors.Is(err, models.ErrDuplicate) {
				return models.AnalysisRule{}, fmt.Errorf("rule %s v%d: %w", rule.ID, rule.Version, models.ErrVersionConflict)
			}
			return models.AnalysisRule{}, fmt.Errorf("publish rule %s: %w", rule.ID, err)
		}
	}

	next := mergeRules(snap.all(), []models.AnalysisRule{rule}, s.log)
	s.current.Store(newSnapshot(next))

	s.log.Info().Str("rule_id", rule.ID).Int("version", rule.Version).Msg("Rule published")
	return rule, nil
}

// RulesFor returns the generic rules, the specific rules whose applicability matches c,
// and customRules. A custom rule replaces a catalog rule with the same id.
func (s *Store) RulesFor(c models.DocumentClassification, customRules []models.AnalysisRule) []models.AnalysisRule {
	snap := s.current.Load()

	overridden := make(map[string]bool, len(customRules))
	for _, r := range customRules {
		overridden[r.ID] = true
	}

	out := make([]models.AnalysisRule, 0, len(snap.generic)+len(customRules)+8)
	for _, r := range snap.generic {
		if !overridden[r.ID] {
			out = append(out, r)
		}
	}
	for _, r := range snap.specific {
		if !overridden[r.ID] && r.Applicability.Matches(c) {
			out = append(out, r)
		}
	}
	return append(out, customRules...)
}

// Rule returns the current version of a rule.
func (s *Store) Rule(id string) (models.AnalysisRule, bool) {
	r, ok := s.current.Load().byID[id]
	return r, ok
}

// All returns every rule in the current snapshot, generic rules first.
func (s *Store) All() []models.AnalysisRule {
	return s.current.Load().all()
}

// Count returns the number of rules in the current snapshot.
func (s *Store) Count() int {
	return len(s.current.Load().byID)
}
