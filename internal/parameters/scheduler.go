package parameters

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/thebtf/docreview/internal/metrics"
	"github.com/thebtf/docreview/pkg/models"
)

// SchedulerConfig controls the background adaptation loop.
type SchedulerConfig struct {
	Interval      time.Duration // default 1h
	Threshold     int           // new results needed before proposing, default 10
	MinConfidence float64       // auto-apply floor, default 0.7
	AutoApply     bool
}

// Scheduler periodically proposes adaptations for organizations with enough new results,
// and applies them when auto-apply is on and the proposal is confident enough.
type Scheduler struct {
	log     zerolog.Logger
	engine  *Engine
	metrics *metrics.Metrics
	stopCh  chan struct{}
	doneCh  chan struct{}
	cfg     SchedulerConfig
	stats   SchedulerStats
	mu      sync.Mutex
}

// SchedulerStats describes the scheduler's activity.
type SchedulerStats struct {
	LastRun       time.Time     `json:"lastRun"`
	Interval      time.Duration `json:"interval"`
	Cycles        int64         `json:"cycles"`
	Proposed      int64         `json:"proposed"`
	Applied       int64         `json:"applied"`
	Conflicts     int64         `json:"conflicts"`
	MinConfidence float64       `json:"minConfidence"`
	AutoApply     bool          `json:"autoApply"`
	Running       bool          `json:"running"`
}

// CycleReport summarizes one adaptation cycle.
type CycleReport struct {
	Organizations int
	Proposed      int
	Applied       int
	Conflicts     int
	Failed        int
}

// NewScheduler creates an adaptation scheduler.
func NewScheduler(engine *Engine, cfg SchedulerConfig, logger zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.7
	}
	return &Scheduler{
		engine:  engine,
		cfg:     cfg,
		log:     logger.With().Str("component", "adaptation-scheduler").Logger(),
		metrics: metrics.Noop(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetMetrics sets the instruments that record cycle outcomes.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// Start runs the adaptation loop until ctx is done or Stop is called.
// This should be called in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stats.Running {
		s.mu.Unlock()
		return
	}
	s.stats.Running = true
	interval := s.cfg.Interval
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.stats.Running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("adaptation scheduler shutting down due to context cancellation")
			return
		case <-s.stopCh:
			s.log.Info().Msg("adaptation scheduler stopping")
			return
		case <-ticker.C:
			s.RunNow(ctx)
		}
	}
}

// Stop stops the loop and waits for the current cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stats.Running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// SetAutoApply changes the auto-apply policy; it takes effect on the next cycle.
func (s *Scheduler) SetAutoApply(enabled bool, minConfidence float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.AutoApply = enabled
	if minConfidence > 0 {
		s.cfg.MinConfidence = minConfidence
	}
}

// RunNow performs one adaptation cycle immediately.
func (s *Scheduler) RunNow(ctx context.Context) CycleReport {
	start := time.Now()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	var report CycleReport
	orgs := s.engine.PendingOrganizations(cfg.Threshold)
	report.Organizations = len(orgs)

	for _, org := range orgs {
		if ctx.Err() != nil {
			break
		}
		delta, err := s.engine.ProposeAdaptation(ctx, org)
		if err != nil {
			report.Failed++
			s.log.Warn().Err(err).Str("organization_id", org).Msg("failed to propose adaptation")
			continue
		}
		s.engine.ResetPending(org)
		report.Proposed++

		if !cfg.AutoApply || delta.IsZero() || delta.Confidence < cfg.MinConfidence {
			s.log.Debug().
				Str("organization_id", org).
				Float64("confidence", delta.Confidence).
				Msg("adaptation kept as proposal")
			continue
		}

		_, err = s.engine.ApplyAdaptation(ctx, org, delta, Change{UpdatedBy: "adaptation-scheduler"})
		switch {
		case errors.Is(err, models.ErrVersionConflict):
			report.Conflicts++
			s.log.Warn().Str("organization_id", org).Int("base_version", delta.BaseVersion).
				Msg("profile changed during adaptation, skipping until next cycle")
		case err != nil:
			report.Failed++
			s.log.Error().Err(err).Str("organization_id", org).Msg("failed to apply adaptation")
		default:
			report.Applied++
		}
	}

	s.metrics.Adaptation(ctx, "proposed", report.Proposed)
	s.metrics.Adaptation(ctx, "applied", report.Applied)
	s.metrics.Adaptation(ctx, "conflict", report.Conflicts)

	s.mu.Lock()
	s.stats.Cycles++
	s.stats.LastRun = start
	s.stats.Proposed += int64(report.Proposed)
	s.stats.Applied += int64(report.Applied)
	s.stats.Conflicts += int64(report.Conflicts)
	s.mu.Unlock()

	if report.Organizations > 0 {
		s.log.Info().
			Int("organizations", report.Organizations).
			Int("proposed", report.Proposed).
			Int("applied", report.Applied).
			Int("conflicts", report.Conflicts).
			Dur("elapsed", time.Since(start)).
			Msg("adaptation cycle complete")
	}
	return report
}

// GetStats returns current scheduler statistics.
func (s *Scheduler) GetStats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Interval = s.cfg.Interval
	st.AutoApply = s.cfg.AutoApply
	st.MinConfidence = s.cfg.MinConfidence
	return st
}
