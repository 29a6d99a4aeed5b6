package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	gormlogger "gorm.io/gorm/logger"

	"github.com/thebtf/docreview/internal/config"
	gormdb "github.com/thebtf/docreview/internal/db/gorm"
	"github.com/thebtf/docreview/internal/db/memory"
	"github.com/thebtf/docreview/internal/docstore"
	"github.com/thebtf/docreview/internal/events"
	"github.com/thebtf/docreview/internal/maintenance"
	"github.com/thebtf/docreview/internal/metrics"
	"github.com/thebtf/docreview/internal/parameters"
	"github.com/thebtf/docreview/internal/queue"
	"github.com/thebtf/docreview/internal/rules"
	"github.com/thebtf/docreview/internal/scoring"
	"github.com/thebtf/docreview/internal/taxonomy"
	"github.com/thebtf/docreview/internal/watcher"
	"github.com/thebtf/docreview/internal/worker"
)

// backend groups the persistence ports. With a database configured they are GORM stores,
// otherwise a single in-memory store serves all of them.
type backend struct {
	tasks    queue.TaskStore
	results  parameters.ResultHistory
	profiles parameters.ProfileStore
	feedback parameters.FeedbackStore
	rules    rules.Repository
	db       *gormdb.Store
	events   *gormdb.EventStore
}

func openBackend(cfg *config.Config) (*backend, error) {
	if cfg.DatabaseDSN == "" && cfg.DatabasePath == "" {
		log.Warn().Msg("No database configured, using in-memory stores")
		mem := memory.NewStore()
		return &backend{tasks: mem, results: mem, profiles: mem, feedback: mem, rules: mem}, nil
	}

	gormLevel := gormlogger.Silent
	if cfg.LogLevel == "debug" {
		gormLevel = gormlogger.Info
	}
	store, err := gormdb.NewStore(gormdb.Config{
		DSN:      cfg.DatabaseDSN,
		Path:     cfg.DatabasePath,
		MaxConns: cfg.MaxConns,
		LogLevel: gormLevel,
	})
	if err != nil {
		return nil, err
	}
	return &backend{
		tasks:    gormdb.NewTaskStore(store),
		results:  gormdb.NewResultStore(store),
		profiles: gormdb.NewProfileStore(store),
		feedback: gormdb.NewFeedbackStore(store),
		rules:    gormdb.NewRuleStore(store),
		db:       store,
		events:   gormdb.NewEventStore(store),
	}, nil
}

// app owns every long-lived component of the worker.
type app struct {
	cfg         *config.Config
	backend     *backend
	taxonomy    *taxonomy.Taxonomy
	engine      *parameters.Engine
	scheduler   *parameters.Scheduler
	dispatcher  *events.Dispatcher
	queue       *queue.Orchestrator
	service     *worker.Service
	redisPool   *redis.Pool
	maintenance *maintenance.Service
	watchers    []*watcher.Watcher
	log         zerolog.Logger
	wg          sync.WaitGroup
}

func newApp(ctx context.Context, cfg *config.Config, version string) (*app, error) {
	a := &app{cfg: cfg, log: log.Logger}

	be, err := openBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.backend = be

	m, err := metrics.New(nil)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	a.taxonomy, err = taxonomy.New(ctx, taxonomy.Options{
		RemoteURL:    cfg.TaxonomyRemoteURL,
		OverridePath: cfg.TaxonomyOverridePath,
	}, a.log)
	if err != nil {
		return nil, fmt.Errorf("taxonomy: %w", err)
	}

	ruleStore, err := rules.NewStore(be.rules, a.log)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	if err := ruleStore.Load(ctx); err != nil {
		return nil, fmt.Errorf("load published rules: %w", err)
	}
	evaluator := rules.NewEvaluator(a.log)

	a.engine = parameters.NewEngine(be.profiles, be.results, be.feedback, evaluator, parameters.Options{
		Adaptation: parameters.AdaptationConfig{MaxDelta: cfg.AdaptationMaxDelta},
		CacheTTL:   cfg.ProfileCacheTTL,
		Window:     cfg.AdaptationWindow,
	}, a.log)
	a.scheduler = parameters.NewScheduler(a.engine, parameters.SchedulerConfig{
		Interval:      cfg.AdaptationInterval,
		Threshold:     cfg.AdaptationThreshold,
		MinConfidence: cfg.AdaptationMinConfidence,
		AutoApply:     cfg.AdaptationEnabled && cfg.AdaptationAutoApply,
	}, a.log)
	a.scheduler.SetMetrics(m)

	a.dispatcher = a.newDispatcher()
	if be.events != nil && cfg.RedisAddr == "" {
		a.maintenance = maintenance.NewService(be.events, maintenance.Config{
			InitialDelay:   maintenance.DefaultInitialDelay,
			EventRetention: cfg.EventRetention,
		}, a.log)
	}

	docs, err := a.newDocumentStore()
	if err != nil {
		return nil, err
	}

	a.queue = queue.New(queue.Deps{
		Tasks:     be.tasks,
		Results:   be.results,
		Documents: docs,
		Taxonomy:  a.taxonomy,
		Profiles:  a.engine,
		Rules:     ruleStore,
		Evaluator: evaluator,
		Scorer:    scoring.NewCalculator(nil),
		Events:    a.dispatcher,
		Metrics:   m,
	}, queue.Config{
		OrgLimits:          cfg.OrgConcurrency,
		Workers:            cfg.Workers,
		MaxAttempts:        cfg.MaxAttempts,
		BackoffBase:        cfg.BackoffBase,
		BackoffMax:         cfg.BackoffMax,
		Jitter:             cfg.BackoffJitter,
		Liveness:           cfg.LivenessTimeout,
		PersistenceTimeout: cfg.PersistenceTimeout,
		PollInterval:       cfg.PollInterval,
		DefaultOrgLimit:    cfg.DefaultOrgConcurrency,
	}, a.log)

	deps := worker.Deps{
		Queue:       a.queue,
		Parameters:  a.engine,
		Scheduler:   a.scheduler,
		Rules:       ruleStore,
		Taxonomy:    a.taxonomy,
		Events:      a.dispatcher,
		Results:     be.results,
		Maintenance: a.maintenance,
	}
	if be.db != nil {
		deps.Database = be.db
	}
	a.service = worker.NewService(deps, worker.Options{
		Version:   version,
		Port:      cfg.WorkerPort,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	}, a.log)
	return a, nil
}

// newDispatcher publishes to Redis streams when an address is configured and logs events
// otherwise. Delivery keys are claimed in Redis, then the database, then memory.
func (a *app) newDispatcher() *events.Dispatcher {
	var dedup events.Deduper
	if a.backend.events != nil {
		dedup = a.backend.events
	}

	if a.cfg.RedisAddr == "" {
		pub := events.NewLogPublisher(a.log)
		return events.NewDispatcher(pub, pub, dedup, a.log)
	}

	a.redisPool = events.NewRedisPool(a.cfg.RedisAddr)
	pub := events.NewRedisPublisher(a.redisPool)
	log.Info().Str("addr", a.cfg.RedisAddr).Msg("Publishing events to Redis streams")
	return events.NewDispatcher(pub, pub, events.NewRedisDeduper(a.redisPool, a.cfg.EventRetention), a.log)
}

func (a *app) newDocumentStore() (queue.DocumentStore, error) {
	if a.cfg.DocumentStoreURL == "" {
		log.Warn().Msg("No document store configured, using an empty in-memory store")
		return docstore.NewMemory(), nil
	}
	var opts []docstore.Option
	if a.cfg.DocumentStoreToken != "" {
		opts = append(opts, docstore.WithToken(a.cfg.DocumentStoreToken))
	}
	client, err := docstore.New(a.cfg.DocumentStoreURL, a.log, opts...)
	if err != nil {
		return nil, fmt.Errorf("document store: %w", err)
	}
	return client, nil
}

func (a *app) start(ctx context.Context) error {
	if err := a.queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	if a.cfg.AdaptationEnabled {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.scheduler.Start(ctx)
		}()
	}

	if a.maintenance != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.maintenance.Start(ctx)
		}()
	}

	a.startWatchers(ctx)

	if err := a.service.Start(); err != nil {
		return fmt.Errorf("start http: %w", err)
	}
	a.service.MarkReady()
	return nil
}

// startWatchers reloads settings and the taxonomy override when their files change.
func (a *app) startWatchers(ctx context.Context) {
	watch := func(path string, onChange func()) {
		w, err := watcher.New(path, onChange)
		if err == nil {
			err = w.Start()
		}
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("File watcher unavailable")
			return
		}
		a.watchers = append(a.watchers, w)
	}

	watch(config.SettingsPath(), func() {
		cfg, err := config.Reload()
		if err != nil {
			log.Warn().Err(err).Msg("Settings reload failed")
			return
		}
		setLogLevel(cfg.LogLevel)
		a.scheduler.SetAutoApply(cfg.AdaptationEnabled && cfg.AdaptationAutoApply, cfg.AdaptationMinConfidence)
		log.Info().
			Str("log_level", cfg.LogLevel).
			Bool("auto_apply", cfg.AdaptationAutoApply).
			Msg("Settings reloaded")
	})

	if path := a.taxonomy.OverridePath(); path != "" {
		watch(path, func() {
			if err := a.taxonomy.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("Taxonomy reload failed")
				return
			}
			log.Info().Str("source", string(a.taxonomy.Source())).Msg("Taxonomy reloaded")
		})
	}
}

// shutdown stops intake first, then the workers, then flushes deliveries and closes stores.
func (a *app) shutdown(ctx context.Context) {
	if err := a.service.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	for _, w := range a.watchers {
		_ = w.Stop()
	}
	a.scheduler.Stop()
	if a.maintenance != nil {
		a.maintenance.Stop()
	}
	a.queue.Stop()
	a.wg.Wait()
	a.dispatcher.Wait()

	if a.redisPool != nil {
		if err := a.redisPool.Close(); err != nil {
			log.Error().Err(err).Msg("Redis pool close error")
		}
	}
	if a.backend.db != nil {
		if err := a.backend.db.Close(); err != nil {
			log.Error().Err(err).Msg("Database close error")
		}
	}
}
