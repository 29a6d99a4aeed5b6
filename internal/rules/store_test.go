package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
	"github.com/thebtf/docreview/pkg/models"
)

// mockRepository is a hand-written Repository with call counters.
type mockRepository struct {
	latestFunc  func(ctx context.Context) ([]models.AnalysisRule, error)
	insertFunc  func(ctx context.Context, rule models.AnalysisRule) error
	inserted    []models.AnalysisRule
	latestCalls int
	insertCalls int
}

func (m *mockRepository) LatestRules(ctx context.Context) ([]models.AnalysisRule, error) {
	m.latestCalls++
	if m.latestFunc != nil {
		return m.latestFunc(ctx)
	}
	return nil, nil
}

func (m *mockRepository) InsertRule(ctx context.Context, rule models.AnalysisRule) error {
	m.insertCalls++
	if m.insertFunc != nil {
		if err := m.insertFunc(ctx, rule); err != nil {
			return err
		}
	}
	m.inserted = append(m.inserted, rule)
	return nil
}

type StoreSuite struct {
	suite.Suite
	repo  *mockRepository
	store *Store
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.repo = &mockRepository{}
	store, err := NewStore(s.repo, zerolog.Nop())
	s.Require().NoError(err)
	s.store = store
}

func ruleIDs(rules []models.AnalysisRule) map[string]bool {
	out := make(map[string]bool, len(rules))
	for _, r := range rules {
		out[r.ID] = true
	}
	return out
}

// =============================================================================
// GOOD SCENARIOS
// =============================================================================

func (s *StoreSuite) TestBuiltinCatalogIsValid() {
	rules, err := ParseCatalog(builtinCatalog)
	s.Require().NoError(err)
	s.NotEmpty(rules)

	for _, r := range rules {
		s.Equal(1, r.Version, r.ID)
		s.NoError(r.Validate(), r.ID)
	}
	r, ok := s.store.Rule("generic.prazo")
	s.Require().True(ok)
	s.Equal(models.SeverityMedium, r.Severity)
	s.Equal(models.CategoryLegal, r.Category)
	s.Equal(models.FireOnAbsent, r.FireOn)
}

func (s *StoreSuite) TestRulesFor_AlwaysContainsGenericAndOnlyMatchingSpecific() {
	classifications := []models.DocumentClassification{
		{},
		{ObjectType: "licitacao", PrimaryModality: "pregao_eletronico"},
		{ObjectType: "licitacao", PrimaryModality: "pregao_eletronico", Subtype: "bens_servicos", DocumentType: "edital"},
		{ObjectType: "aquisicao", PrimaryModality: "contratacao_direta", Subtype: "dispensa", DocumentType: "tr"},
		{ObjectType: "obra_servicos_eng", PrimaryModality: "processo_licitatorio", Subtype: "processo_licitatorio", DocumentType: "projeto_basico"},
		{ObjectType: "licitacao", PrimaryModality: "concorrencia", Subtype: "obras", DocumentType: "minuta_contrato"},
	}

	for _, c := range classifications {
		got := ruleIDs(s.store.RulesFor(c, nil))
		for _, r := range s.store.All() {
			switch {
			case r.IsGeneric():
				s.True(got[r.ID], "generic rule %s missing for %s", r.ID, c)
			case r.Applicability.Matches(c):
				s.True(got[r.ID], "matching rule %s missing for %s", r.ID, c)
			default:
				s.False(got[r.ID], "rule %s should not apply to %s", r.ID, c)
			}
		}
	}
}

func (s *StoreSuite) TestRulesFor_Edital() {
	got := ruleIDs(s.store.RulesFor(models.DocumentClassification{
		ObjectType: "licitacao", PrimaryModality: "concorrencia", DocumentType: "edital",
	}, nil))
	s.True(got["edital.modalidade"])
	s.True(got["edital.prazo_propostas"])
	s.False(got["tr.justificativa"])
	s.False(got["pregao_eletronico.sessao_publica"])
}

func (s *StoreSuite) TestRulesFor_CustomRulesAppendedAndOverride() {
	custom := []models.AnalysisRule{
		{ID: "org.sigilo", Predicate: models.KeywordAny{Keywords: []string{"sigiloso"}}, FireOn: models.FireOnPresent, Severity: models.SeverityHigh, Category: models.CategoryLegal, Version: 1},
		{ID: "generic.prazo", Predicate: models.KeywordAny{Keywords: []string{"prazo de"}}, FireOn: models.FireOnAbsent, Severity: models.SeverityLow, Category: models.CategoryLegal, Version: 1},
	}
	got := s.store.RulesFor(models.DocumentClassification{}, custom)

	count := 0
	for _, r := range got {
		if r.ID == "generic.prazo" {
			count++
			s.Equal(models.SeverityLow, r.Severity)
		}
	}
	s.Equal(1, count)
	s.True(ruleIDs(got)["org.sigilo"])
}

func (s *StoreSuite) TestPublish_NewRuleThenNewVersion() {
	rule := models.AnalysisRule{
		ID:        "edital.habilitacao",
		Predicate: models.KeywordAny{Keywords: []string{"habilitação"}},
		Severity:  models.SeverityHigh,
		Category:  models.CategoryLegal,
		Applicability: models.Applicability{
			DocumentType: "edital",
		},
	}

	v1, err := s.store.Publish(context.Background(), rule)
	s.Require().NoError(err)
	s.Equal(1, v1.Version)
	s.Equal(models.FireOnAbsent, v1.FireOn)

	rule.Severity = models.SeverityCritical
	v2, err := s.store.Publish(context.Background(), rule)
	s.Require().NoError(err)
	s.Equal(2, v2.Version)

	current, ok := s.store.Rule("edital.habilitacao")
	s.Require().True(ok)
	s.Equal(2, current.Version)
	s.Equal(models.SeverityCritical, current.Severity)
	s.Equal(2, s.repo.insertCalls)
}

func (s *StoreSuite) TestPublish_BuiltinRuleGetsVersionTwo() {
	r, _ := s.store.Rule("generic.objeto")
	r.Severity = models.SeverityCritical
	published, err := s.store.Publish(context.Background(), r)
	s.Require().NoError(err)
	s.Equal(2, published.Version)
}

func (s *StoreSuite) TestLoad_MergesLatestPublished() {
	s.repo.latestFunc = func(ctx context.Context) ([]models.AnalysisRule, error) {
		return []models.AnalysisRule{
			{ID: "generic.prazo", Version: 3, Predicate: models.KeywordAny{Keywords: []string{"prazo"}}, FireOn: models.FireOnAbsent, Severity: models.SeverityHigh, Category: models.CategoryLegal},
			{ID: "org.extra", Version: 1, Predicate: models.Pattern{Expr: `anexo\s+[ivx]+`}, FireOn: models.FireOnAbsent, Severity: models.SeverityLow, Category: models.CategoryFormal},
			{ID: "broken", Version: 1, Predicate: models.Pattern{Expr: `(`}, FireOn: models.FireOnAbsent, Severity: models.SeverityLow, Category: models.CategoryFormal},
		}, nil
	}
	before := s.store.Count()

	s.Require().NoError(s.store.Load(context.Background()))

	r, _ := s.store.Rule("generic.prazo")
	s.Equal(3, r.Version)
	s.Equal(models.SeverityHigh, r.Severity)
	_, ok := s.store.Rule("org.extra")
	s.True(ok)
	_, ok = s.store.Rule("broken")
	s.False(ok)
	s.Equal(before+1, s.store.Count())
}

// =============================================================================
// BAD SCENARIOS
// =============================================================================

func (s *StoreSuite) TestPublish_InvalidRegexRejected() {
	_, err := s.store.Publish(context.Background(), models.AnalysisRule{
		ID:        "bad",
		Predicate: models.Pattern{Expr: `[a-`},
		Severity:  models.SeverityLow,
		Category:  models.CategoryFormal,
	})
	s.True(models.IsValidation(err))
	s.Equal(0, s.repo.insertCalls)
}

func (s *StoreSuite) TestPublish_DuplicateVersionIsConflict() {
	s.repo.insertFunc = func(ctx context.Context, rule models.AnalysisRule) error {
		return models.ErrDuplicate
	}
	_, err := s.store.Publish(context.Background(), models.AnalysisRule{
		ID:        "x",
		Predicate: models.KeywordAny{Keywords: []string{"x"}},
		Severity:  models.SeverityLow,
		Category:  models.CategoryFormal,
	})
	s.True(errors.Is(err, models.ErrVersionConflict))
	_, ok := s.store.Rule("x")
	s.False(ok, "failed publish must not change the snapshot")
}

func (s *StoreSuite) TestLoad_RepositoryError() {
	s.repo.latestFunc = func(ctx context.Context) ([]models.AnalysisRule, error) {
		return nil, errors.New("connection refused")
	}
	s.Error(s.store.Load(context.Background()))
	s.NotZero(s.store.Count(), "built-in rules remain after a failed load")
}

func (s *StoreSuite) TestParseCatalog_DuplicateID() {
	_, err := ParseCatalog([]byte(`
rules:
  - {id: a, severity: LOW, category: formal, predicate: {mode: ANY, keywords: [x]}}
  - {id: a, severity: LOW, category: formal, predicate: {mode: ANY, keywords: [y]}}
`))
	s.True(models.IsValidation(err))
}
