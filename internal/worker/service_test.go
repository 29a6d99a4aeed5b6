package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/docreview/internal/db/memory"
	"github.com/thebtf/docreview/internal/docstore"
	"github.com/thebtf/docreview/internal/events"
	"github.com/thebtf/docreview/internal/parameters"
	"github.com/thebtf/docreview/internal/queue"
	"github.com/thebtf/docreview/internal/rules"
	"github.com/thebtf/docreview/internal/scoring"
	"github.com/thebtf/docreview/internal/taxonomy"
	"github.com/thebtf/docreview/pkg/models"
)

const editalText = `PREGÃO ELETRÔNICO Nº 10/2024
OBJETO: aquisição de material de escritório para a Secretaria.
A sessão pública será realizada no sistema eletrônico compras.gov.br,
nos termos da Lei nº 14.133/2021.
Valor estimado: R$ 50.000,00.`

// taskBody is the subset of a task response the tests read.
type taskBody struct {
	Status         models.TaskStatus `json:"status"`
	ResultID       string            `json:"resultId"`
	FailureMessage string            `json:"failureMessage"`
}

// pingerMock fails readiness while err is set.
type pingerMock struct {
	err   error
	calls int
}

func (p *pingerMock) Ping(ctx context.Context) error {
	p.calls++
	return p.err
}

type ServiceSuite struct {
	suite.Suite
	ctx        context.Context
	store      *memory.Store
	docs       *docstore.Memory
	engine     *parameters.Engine
	orch       *queue.Orchestrator
	dispatcher *events.Dispatcher
	db         *pingerMock
	svc        *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.NewStore()
	s.docs = docstore.NewMemory()
	s.db = &pingerMock{}

	evaluator := rules.NewEvaluator(zerolog.Nop())
	ruleStore, err := rules.NewStore(s.store, zerolog.Nop())
	s.Require().NoError(err)
	s.Require().NoError(ruleStore.Load(s.ctx))

	s.engine = parameters.NewEngine(s.store, s.store, s.store, evaluator, parameters.Options{}, zerolog.Nop())
	s.dispatcher = events.NewDispatcher(nil, nil, events.NewMemoryDeduper(), zerolog.Nop())
	tax := taxonomy.Default()

	s.orch = queue.New(queue.Deps{
		Tasks:     s.store,
		Results:   s.store,
		Documents: s.docs,
		Taxonomy:  tax,
		Profiles:  s.engine,
		Rules:     ruleStore,
		Evaluator: evaluator,
		Scorer:    scoring.NewCalculator(nil),
		Events:    s.dispatcher,
	}, queue.Config{Workers: 1, PollInterval: 5 * time.Millisecond}, zerolog.Nop())

	s.svc = NewService(Deps{
		Queue:      s.orch,
		Parameters: s.engine,
		Scheduler:  parameters.NewScheduler(s.engine, parameters.SchedulerConfig{}, zerolog.Nop()),
		Rules:      ruleStore,
		Taxonomy:   tax,
		Events:     s.dispatcher,
		Results:    s.store,
		Database:   s.db,
	}, Options{Version: "test"}, zerolog.Nop())
	s.svc.MarkReady()
}

func (s *ServiceSuite) TearDownTest() {
	s.orch.Stop()
	s.dispatcher.Wait()
}

func (s *ServiceSuite) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.svc.Handler().ServeHTTP(rr, req)
	return rr
}

func (s *ServiceSuite) decode(rr *httptest.ResponseRecorder, v interface{}) {
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func (s *ServiceSuite) putDoc(id string) queue.SubmitRequest {
	s.docs.Put(docstore.Document{ID: id, Version: "v1", OrganizationID: "org1"}, editalText,
		models.DocumentClassification{ObjectType: "licitacao", PrimaryModality: "pregao_eletronico"})
	return queue.SubmitRequest{DocumentID: id, DocumentVersion: "v1", OrganizationID: "org1"}
}

// analyzed submits a document and runs its analysis synchronously.
func (s *ServiceSuite) analyzed(id string) *models.AnalysisResult {
	rr := s.do("POST", "/api/analyses", s.putDoc(id))
	s.Require().Equal(http.StatusAccepted, rr.Code, rr.Body.String())
	s.Require().True(s.orch.RunOnce(s.ctx))

	rr = s.do("GET", "/api/documents/"+id+"/result", nil)
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	var result models.AnalysisResult
	s.decode(rr, &result)
	return &result
}

// =============================================================================
// GOOD SCENARIOS
// =============================================================================

func (s *ServiceSuite) TestHealthAndReady() {
	rr := s.do("GET", "/health", nil)
	s.Equal(http.StatusOK, rr.Code)
	var health map[string]string
	s.decode(rr, &health)
	s.Equal("ready", health["status"])
	s.Equal("test", health["version"])

	rr = s.do("GET", "/api/ready", nil)
	s.Equal(http.StatusOK, rr.Code)
	s.Equal(1, s.db.calls)
	s.NotEmpty(rr.Header().Get("X-Request-ID"))
	s.Equal("nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func (s *ServiceSuite) TestSubmitThenResult() {
	rr := s.do("POST", "/api/analyses", s.putDoc("doc1"))
	s.Equal(http.StatusAccepted, rr.Code)
	var ack SubmitResponse
	s.decode(rr, &ack)
	s.NotEmpty(ack.TaskID)
	s.Equal(models.TaskQueued, ack.Status)
	s.True(ack.Created)

	rr = s.do("GET", "/api/documents/doc1/result", nil)
	s.Equal(http.StatusAccepted, rr.Code)
	var pending map[string]string
	s.decode(rr, &pending)
	s.Equal("pending", pending["status"])
	s.Equal(ack.TaskID, pending["taskId"])

	s.True(s.orch.RunOnce(s.ctx))

	rr = s.do("GET", "/api/documents/doc1/result", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	var result models.AnalysisResult
	s.decode(rr, &result)
	s.Equal(ack.TaskID, result.TaskID)
	s.InDelta(97, result.WeightedScore, 1e-9)
	s.Len(result.Findings, 1)

	rr = s.do("GET", "/api/analyses/"+ack.TaskID, nil)
	s.Equal(http.StatusOK, rr.Code)
	var task taskBody
	s.decode(rr, &task)
	s.Equal(models.TaskSucceeded, task.Status)
	s.Equal(result.ID, task.ResultID)
	s.Empty(task.FailureMessage)
}

func (s *ServiceSuite) TestResubmitAnalyzedVersionReturnsResult() {
	first := s.analyzed("doc1")

	rr := s.do("POST", "/api/analyses", s.putDoc("doc1"))
	s.Equal(http.StatusOK, rr.Code)
	var resp SubmitResponse
	s.decode(rr, &resp)
	s.False(resp.Created)
	s.Require().NotNil(resp.Result)
	s.Equal(first.ID, resp.Result.ID)
}

func (s *ServiceSuite) TestCancelTaskAndDocument() {
	rr := s.do("POST", "/api/analyses", s.putDoc("doc1"))
	var ack SubmitResponse
	s.decode(rr, &ack)

	rr = s.do("DELETE", "/api/analyses/"+ack.TaskID, nil)
	s.Equal(http.StatusOK, rr.Code)
	var task taskBody
	s.decode(rr, &task)
	s.Equal(models.TaskCancelled, task.Status)

	// already cancelled
	rr = s.do("DELETE", "/api/analyses/"+ack.TaskID, nil)
	s.Equal(http.StatusConflict, rr.Code)

	s.do("POST", "/api/analyses", s.putDoc("doc2"))
	rr = s.do("POST", "/api/documents/doc2/cancel", nil)
	s.Equal(http.StatusOK, rr.Code)
	var out struct {
		Cancelled int `json:"cancelled"`
	}
	s.decode(rr, &out)
	s.Equal(1, out.Cancelled)

	rr = s.do("GET", "/api/documents/doc2/result", nil)
	s.Equal(http.StatusNotFound, rr.Code)
}

func (s *ServiceSuite) TestProfileLifecycle() {
	rr := s.do("GET", "/api/organizations/org1/profile", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	var profile models.OrganizationProfile
	s.decode(rr, &profile)
	s.Equal(1, profile.Version)
	s.Equal(models.PresetBalanced, profile.Preset)

	rr = s.do("POST", "/api/organizations/org1/profile/preset", PresetRequest{
		Preset: models.PresetStrict, UpdatedBy: "ana", ExpectedVersion: 1,
	})
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	s.decode(rr, &profile)
	s.Equal(2, profile.Version)
	s.Equal(models.PresetStrict, profile.Preset)

	weights := models.PresetWeights[models.PresetLenient]
	rr = s.do("PUT", "/api/organizations/org1/profile", ProfileUpdateRequest{
		Weights: weights, UpdatedBy: "ana", ExpectedVersion: 2,
	})
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	s.decode(rr, &profile)
	s.Equal(3, profile.Version)
	s.Equal("ana", profile.UpdatedBy)
}

func (s *ServiceSuite) TestCustomRules() {
	rule := models.AnalysisRule{
		ID:        "custom.sigilo",
		Name:      "Orçamento sigiloso",
		Severity:  models.SeverityHigh,
		Category:  models.CategoryBudgetary,
		Predicate: models.KeywordAny{Keywords: []string{"orçamento sigiloso"}},
	}
	rr := s.do("POST", "/api/organizations/org1/rules", CustomRuleRequest{Rule: rule, ExpectedVersion: 1})
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	var profile models.OrganizationProfile
	s.decode(rr, &profile)
	s.Require().Len(profile.CustomRules, 1)
	s.Equal(models.FireOnPresent, profile.CustomRules[0].FireOn)

	rr = s.do("GET", "/api/rules?modality=pregao_eletronico&organizationId=org1", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	var listed RulesResponse
	s.decode(rr, &listed)
	s.Equal(len(listed.Rules), listed.Count)
	s.Equal("custom.sigilo", listed.Rules[len(listed.Rules)-1].ID)

	rr = s.do("DELETE", "/api/organizations/org1/rules/custom.sigilo?expectedVersion=2", nil)
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	s.decode(rr, &profile)
	s.Empty(profile.CustomRules)
	s.Equal(3, profile.Version)
}

func (s *ServiceSuite) TestFeedbackAndAdaptation() {
	result := s.analyzed("doc1")
	s.Require().NotEmpty(result.Findings)

	rr := s.do("POST", "/api/organizations/org1/feedback", models.Feedback{
		ResultID:          result.ID,
		Rating:            2,
		FlaggedFindingIDs: []string{result.Findings[0].ID},
		Comment:           "prazo está no anexo",
	})
	s.Require().Equal(http.StatusCreated, rr.Code, rr.Body.String())
	var fb models.Feedback
	s.decode(rr, &fb)
	s.NotEmpty(fb.ID)
	s.Equal("org1", fb.OrganizationID)

	rr = s.do("GET", "/api/organizations/org1/adaptation", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	var delta parameters.WeightDelta
	s.decode(rr, &delta)
	s.Equal("org1", delta.OrganizationID)
	s.Equal(1, delta.BaseVersion)
	s.Equal(1, delta.SampleSize)

	rr = s.do("GET", "/api/organizations/org1/results?limit=10", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	var listed struct {
		Results []models.AnalysisResult `json:"results"`
		Count   int                     `json:"count"`
	}
	s.decode(rr, &listed)
	s.Equal(1, listed.Count)
	s.Equal(result.ID, listed.Results[0].ID)
}

func (s *ServiceSuite) TestRuleToolsAndWeights() {
	rr := s.do("POST", "/api/rules/test", RuleTestRequest{Pattern: `prazo\s+de\s+\d+`, Sample: "prazo de 10 dias"})
	s.Require().Equal(http.StatusOK, rr.Code)
	var res parameters.TestResult
	s.decode(rr, &res)
	s.True(res.Matches)

	rr = s.do("POST", "/api/weights/validate", models.PresetWeights[models.PresetBalanced])
	s.Require().Equal(http.StatusOK, rr.Code)
	var v models.WeightValidation
	s.decode(rr, &v)
	s.True(v.Valid)

	rr = s.do("POST", "/api/rules", models.AnalysisRule{
		ID:        "edital.garantia",
		Name:      "Garantia contratual",
		Severity:  models.SeverityLow,
		Category:  models.CategoryLegal,
		Predicate: models.KeywordAny{Keywords: []string{"garantia"}},
	})
	s.Require().Equal(http.StatusCreated, rr.Code, rr.Body.String())
	var published models.AnalysisRule
	s.decode(rr, &published)
	s.Equal(1, published.Version)
	s.Equal(models.FireOnAbsent, published.FireOn)
}

func (s *ServiceSuite) TestTaxonomy() {
	rr := s.do("GET", "/api/taxonomy/children?level=2&parent=licitacao", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	var children struct {
		Children []models.ClassificationNode `json:"children"`
	}
	s.decode(rr, &children)
	s.NotEmpty(children.Children)

	rr = s.do("GET", "/api/taxonomy/breadcrumb?objectType=licitacao&modality=pregao_eletronico&subtype=bens_servicos", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	var crumb struct {
		Path     []string `json:"path"`
		Complete bool     `json:"complete"`
	}
	s.decode(rr, &crumb)
	s.Equal([]string{"Licitação", "Pregão Eletrônico", "Bens e Serviços Comuns"}, crumb.Path)
	s.True(crumb.Complete)

	rr = s.do("POST", "/api/taxonomy/refresh", nil)
	s.Equal(http.StatusOK, rr.Code)
	rr = s.do("POST", "/api/taxonomy/refresh", nil)
	s.Equal(http.StatusTooManyRequests, rr.Code)
	s.NotEmpty(rr.Header().Get("Retry-After"))
}

func (s *ServiceSuite) TestStats() {
	s.analyzed("doc1")
	s.dispatcher.Wait()

	rr := s.do("GET", "/api/stats", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	var stats struct {
		Tasks  map[models.TaskStatus]int64 `json:"tasks"`
		Rules  int                         `json:"rules"`
		Events events.Stats                `json:"events"`
	}
	s.decode(rr, &stats)
	s.Equal(int64(1), stats.Tasks[models.TaskSucceeded])
	s.Positive(stats.Rules)
}

// =============================================================================
// EDGE SCENARIOS
// =============================================================================

func (s *ServiceSuite) TestNotReady() {
	svc := NewService(s.svc.deps, Options{}, zerolog.Nop())

	rr := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/api/organizations/org1/profile", nil))
	s.Equal(http.StatusServiceUnavailable, rr.Code)

	rr = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	s.Equal(http.StatusOK, rr.Code)
	s.Contains(rr.Body.String(), "starting")
}

func (s *ServiceSuite) TestReadyFailsWithDatabaseDown() {
	s.db.err = errors.New("connection refused")
	rr := s.do("GET", "/api/ready", nil)
	s.Equal(http.StatusServiceUnavailable, rr.Code)
}

func (s *ServiceSuite) TestStaleProfileVersionConflicts() {
	s.Require().Equal(http.StatusOK, s.do("POST", "/api/organizations/org1/profile/preset",
		PresetRequest{Preset: models.PresetStrict, ExpectedVersion: 1}).Code)

	rr := s.do("PUT", "/api/organizations/org1/profile", ProfileUpdateRequest{
		Weights: models.PresetWeights[models.PresetLenient], ExpectedVersion: 1,
	})
	s.Equal(http.StatusConflict, rr.Code)
	var body ErrorResponse
	s.decode(rr, &body)
	s.Equal(conflictMessage, body.Error)
	s.Equal("version_conflict", body.Code)
}

func (s *ServiceSuite) TestInvalidPatternReportsNoMatch() {
	rr := s.do("POST", "/api/rules/test", RuleTestRequest{Pattern: "(unclosed", Sample: "x"})
	s.Require().Equal(http.StatusOK, rr.Code)
	var res parameters.TestResult
	s.decode(rr, &res)
	s.False(res.Matches)
	s.NotEmpty(res.Error)
}

func (s *ServiceSuite) TestInvalidWeightsReported() {
	w := models.PresetWeights[models.PresetBalanced]
	w.Legal += 0.2
	rr := s.do("POST", "/api/weights/validate", w)
	s.Require().Equal(http.StatusOK, rr.Code)
	var v models.WeightValidation
	s.decode(rr, &v)
	s.False(v.Valid)
	s.NotEmpty(v.Errors)
}

func (s *ServiceSuite) TestApplyAdaptationWithoutAdjustment() {
	rr := s.do("POST", "/api/organizations/org1/adaptation/apply", ApplyAdaptationRequest{UpdatedBy: "ana"})
	s.Equal(http.StatusBadRequest, rr.Code)
}

// =============================================================================
// BAD SCENARIOS
// =============================================================================

func (s *ServiceSuite) TestErrorMapping() {
	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"missing document id", "POST", "/api/analyses", queue.SubmitRequest{DocumentVersion: "v1", OrganizationID: "org1"}, http.StatusBadRequest},
		{"unknown task", "GET", "/api/analyses/nope", nil, http.StatusNotFound},
		{"unknown document result", "GET", "/api/documents/nope/result", nil, http.StatusNotFound},
		{"invalid weights", "PUT", "/api/organizations/org1/profile", ProfileUpdateRequest{ExpectedVersion: 1}, http.StatusBadRequest},
		{"unknown preset", "POST", "/api/organizations/org1/profile/preset", PresetRequest{Preset: "EXTREME", ExpectedVersion: 1}, http.StatusBadRequest},
		{"remove unknown custom rule", "DELETE", "/api/organizations/org1/rules/custom.x?expectedVersion=1", nil, http.StatusNotFound},
		{"remove without version", "DELETE", "/api/organizations/org1/rules/custom.x", nil, http.StatusBadRequest},
		{"feedback on unknown result", "POST", "/api/organizations/org1/feedback", models.Feedback{ResultID: "r-none", Rating: 3}, http.StatusNotFound},
		{"taxonomy level out of range", "GET", "/api/taxonomy/children?level=9", nil, http.StatusBadRequest},
		{"taxonomy level not a number", "GET", "/api/taxonomy/children?level=x", nil, http.StatusBadRequest},
		{"taxonomy unknown parent", "GET", "/api/taxonomy/children?level=2&parent=nope", nil, http.StatusNotFound},
		{"breadcrumb with a gap", "GET", "/api/taxonomy/breadcrumb?objectType=licitacao&subtype=obras", nil, http.StatusBadRequest},
		{"rule without id", "POST", "/api/rules", map[string]interface{}{"severity": "LOW", "category": "formal"}, http.StatusBadRequest},
		{"bad results limit", "GET", "/api/organizations/org1/results?limit=-1", nil, http.StatusBadRequest},
		{"invalid org id", "GET", "/api/organizations/a%20b/profile", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			rr := s.do(tt.method, tt.path, tt.body)
			s.Equal(tt.status, rr.Code, rr.Body.String())
		})
	}
}

func (s *ServiceSuite) TestMalformedBody() {
	req := httptest.NewRequest("POST", "/api/analyses", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.svc.Handler().ServeHTTP(rr, req)
	s.Equal(http.StatusBadRequest, rr.Code)

	req = httptest.NewRequest("POST", "/api/analyses", bytes.NewBufferString("documentId=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = httptest.NewRecorder()
	s.svc.Handler().ServeHTTP(rr, req)
	s.Equal(http.StatusUnsupportedMediaType, rr.Code)
}

func (s *ServiceSuite) TestDeadTaskReportsFailure() {
	// submit against a document that disappears before analysis
	s.do("POST", "/api/analyses", s.putDoc("gone"))
	s.docs.Delete("gone")
	s.True(s.orch.RunOnce(s.ctx))

	rr := s.do("GET", "/api/documents/gone/result", nil)
	s.Equal(http.StatusNotFound, rr.Code)
	var body ErrorResponse
	s.decode(rr, &body)
	s.Equal("analysis_failed", body.Code)
	s.Contains(body.Error, "manual review required")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{models.NewValidationError("weights", "sum"), http.StatusBadRequest},
		{fmt.Errorf("task x: %w", models.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("profile: %w", models.ErrVersionConflict), http.StatusConflict},
		{models.ErrInvalidTransition, http.StatusConflict},
		{models.ErrStaleAttempt, http.StatusConflict},
		{models.Transient("store", errors.New("timeout")), http.StatusServiceUnavailable},
		{fmt.Errorf("query: %w", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, body := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.NotEmpty(t, body.Code)
	}
}
