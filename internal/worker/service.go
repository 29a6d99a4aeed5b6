// Package worker exposes the analysis pipeline over HTTP.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	gormdb "github.com/thebtf/docreview/internal/db/gorm"
	"github.com/thebtf/docreview/internal/events"
	"github.com/thebtf/docreview/internal/maintenance"
	"github.com/thebtf/docreview/internal/parameters"
	"github.com/thebtf/docreview/internal/queue"
	"github.com/thebtf/docreview/internal/rules"
	"github.com/thebtf/docreview/internal/taxonomy"
	"github.com/thebtf/docreview/pkg/models"
)

// Service configuration constants
const (
	// DefaultHTTPTimeout bounds every request.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultMaxBodyBytes bounds request bodies.
	DefaultMaxBodyBytes = 1 << 20

	// TaxonomyRefreshCooldown is the minimum spacing of manual taxonomy refreshes.
	TaxonomyRefreshCooldown = 30 * time.Second
)

// ResultLister lists recent results of an organization.
type ResultLister interface {
	RecentResults(ctx context.Context, orgID string, since time.Time, limit int) ([]*models.AnalysisResult, error)
}

// Pinger checks a backing database.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthReporter interface {
	HealthCheck(ctx context.Context) *gormdb.HealthInfo
}

// Deps are the components served over HTTP. Queue, Parameters, Rules and Taxonomy are
// required.
type Deps struct {
	Queue       *queue.Orchestrator
	Parameters  *parameters.Engine
	Scheduler   *parameters.Scheduler
	Rules       *rules.Store
	Taxonomy    *taxonomy.Taxonomy
	Events      *events.Dispatcher
	Results     ResultLister
	Database    Pinger
	Maintenance *maintenance.Service
}

// Options tune the HTTP surface.
type Options struct {
	Version      string
	Port         int
	RateLimit    float64 // requests per second per client, 0 disables
	RateBurst    int
	MaxBodyBytes int64
}

// Service is the HTTP front of the pipeline.
type Service struct {
	deps      Deps
	opts      Options
	log       zerolog.Logger
	router    *chi.Mux
	server    *http.Server
	limiter   *PerClientRateLimiter
	refresh   *CooldownLimiter
	startTime time.Time
	wg        sync.WaitGroup
	ready     atomic.Bool
}

// NewService builds the router. The service reports not-ready until MarkReady is called.
func NewService(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Service{
		deps:      deps,
		opts:      opts,
		log:       logger.With().Str("component", "http").Logger(),
		router:    chi.NewRouter(),
		refresh:   NewCooldownLimiter(TaxonomyRefreshCooldown),
		startTime: time.Now(),
	}
	if opts.RateLimit > 0 {
		s.limiter = NewPerClientRateLimiter(opts.RateLimit, max(opts.RateBurst, 1))
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Service) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(DefaultHTTPTimeout))
	s.router.Use(SecurityHeaders)
	s.router.Use(MaxBodySize(s.opts.MaxBodyBytes))
	if s.limiter != nil {
		s.router.Use(PerClientRateLimitMiddleware(s.limiter))
	}
}

func (s *Service) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/ready", s.handleReady)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)
		r.Use(RequireJSONContentType)

		r.Get("/api/stats", s.handleStats)

		r.Post("/api/analyses", s.handleSubmitAnalysis)
		r.Get("/api/analyses/{taskId}", s.handleGetTask)
		r.Delete("/api/analyses/{taskId}", s.handleCancelTask)
		r.Post("/api/documents/{documentId}/cancel", s.handleCancelDocument)
		r.Get("/api/documents/{documentId}/result", s.handleGetResult)

		r.Route("/api/organizations/{orgId}", func(r chi.Router) {
			r.Get("/profile", s.handleGetProfile)
			r.Put("/profile", s.handleUpdateProfile)
			r.Post("/profile/preset", s.handleApplyPreset)
			r.Post("/rules", s.handleAddCustomRule)
			r.Delete("/rules/{ruleId}", s.handleRemoveCustomRule)
			r.Get("/adaptation", s.handleProposeAdaptation)
			r.Post("/adaptation/apply", s.handleApplyAdaptation)
			r.Post("/feedback", s.handleRecordFeedback)
			r.Get("/results", s.handleRecentResults)
		})

		r.Post("/api/rules/test", s.handleTestRule)
		r.Post("/api/rules", s.handlePublishRule)
		r.Get("/api/rules", s.handleRulesFor)
		r.Post("/api/weights/validate", s.handleValidateWeights)

		r.Get("/api/taxonomy/children", s.handleTaxonomyChildren)
		r.Get("/api/taxonomy/breadcrumb", s.handleTaxonomyBreadcrumb)
		r.Post("/api/taxonomy/refresh", s.handleTaxonomyRefresh)
	})
}

// Handler returns the router.
func (s *Service) Handler() http.Handler { return s.router }

// MarkReady opens the API routes.
func (s *Service) MarkReady() { s.ready.Store(true) }

// Start listens on the configured port in the background.
func (s *Service) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.log.Info().Int("port", s.opts.Port).Str("version", s.opts.Version).Msg("HTTP server started")
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			http.Error(w, "service initializing", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth is the liveness probe.
// GET /health
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"version": s.opts.Version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleReady is the readiness probe. The database, when configured, must answer.
// GET /api/ready
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "service initializing", http.StatusServiceUnavailable)
		return
	}
	if s.deps.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Database.Ping(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Readiness ping failed")
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleStats reports queue, engine and delivery counters.
// GET /api/stats
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	tree := s.deps.Taxonomy.Tree()
	response := map[string]interface{}{
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
		"tasks":      tasks,
		"parameters": s.deps.Parameters.Stats(),
		"rules":      s.deps.Rules.Count(),
		"taxonomy": map[string]interface{}{
			"source":   s.deps.Taxonomy.Source(),
			"loadedAt": s.deps.Taxonomy.LoadedAt(),
			"version":  tree.Version(),
		},
	}
	if s.deps.Scheduler != nil {
		response["adaptation"] = s.deps.Scheduler.GetStats()
	}
	if s.deps.Events != nil {
		response["events"] = s.deps.Events.Stats()
	}
	if s.limiter != nil {
		response["rateLimit"] = s.limiter.Stats()
	}
	if s.deps.Maintenance != nil {
		response["maintenance"] = s.deps.Maintenance.GetStats()
	}
	if hr, ok := s.deps.Database.(healthReporter); ok {
		response["database"] = hr.HealthCheck(r.Context())
	}
	writeJSON(w, http.StatusOK, response)
}
