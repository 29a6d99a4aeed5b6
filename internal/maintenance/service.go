// Package maintenance runs scheduled retention tasks against the database.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Default schedule.
const (
	DefaultInterval     = time.Hour
	DefaultInitialDelay = 5 * time.Minute
)

// Pruner deletes records older than a cutoff and reports how many were removed.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls the maintenance loop. Zero values take the defaults.
type Config struct {
	Interval       time.Duration
	InitialDelay   time.Duration
	EventRetention time.Duration
}

// Stats describes past maintenance runs.
type Stats struct {
	LastRun           time.Time     `json:"lastRun"`
	LastDuration      time.Duration `json:"lastDurationNs"`
	Runs              int64         `json:"runs"`
	Failures          int64         `json:"failures"`
	TotalEventsPruned int64         `json:"totalEventsPruned"`
	Running           bool          `json:"running"`
}

// Service periodically removes delivered event keys past their retention window.
type Service struct {
	log    zerolog.Logger
	events Pruner
	cfg    Config
	now    func() time.Time
	stopCh chan struct{}
	doneCh chan struct{}
	stats  Stats
	mu     sync.Mutex
}

// NewService creates a maintenance service. A zero EventRetention disables event pruning.
func NewService(events Pruner, cfg Config, log zerolog.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	return &Service{
		events: events,
		cfg:    cfg,
		now:    time.Now,
		log:    log.With().Str("component", "maintenance").Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the maintenance loop until ctx is done or Stop is called.
// This should be called in a goroutine.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stats.Running {
		s.mu.Unlock()
		return
	}
	s.stats.Running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.stats.Running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("event_retention", s.cfg.EventRetention).
		Msg("Starting maintenance scheduler")

	// Let the pipeline settle before the first run.
	if s.cfg.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(s.cfg.InitialDelay):
		}
	}
	s.RunNow(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Maintenance shutting down due to context cancellation")
			return
		case <-s.stopCh:
			s.log.Info().Msg("Maintenance shutting down due to stop signal")
			return
		case <-ticker.C:
			s.RunNow(ctx)
		}
	}
}

// Stop stops the loop and waits for the current run to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.stats.Running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// RunNow executes one maintenance run synchronously.
func (s *Service) RunNow(ctx context.Context) {
	start := s.now()
	var pruned int64
	failed := false

	if s.events != nil && s.cfg.EventRetention > 0 {
		n, err := s.events.Prune(ctx, start.Add(-s.cfg.EventRetention))
		if err != nil {
			failed = true
			s.log.Error().Err(err).Msg("Failed to prune delivered event keys")
		} else {
			pruned = n
		}
	}

	s.mu.Lock()
	s.stats.LastRun = start
	s.stats.LastDuration = s.now().Sub(start)
	s.stats.Runs++
	s.stats.TotalEventsPruned += pruned
	if failed {
		s.stats.Failures++
	}
	s.mu.Unlock()

	s.log.Debug().Int64("events_pruned", pruned).Msg("Maintenance run completed")
}

// GetStats returns a snapshot of the run counters.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
