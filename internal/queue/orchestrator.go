// Package queue runs analysis tasks through their lifecycle:
// QUEUED → RUNNING → SUCCEEDED, FAILED (requeued after backoff) or DEAD, plus CANCELLED.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/thebtf/docreview/internal/events"
	"github.com/thebtf/docreview/internal/metrics"
	"github.com/thebtf/docreview/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Config controls retries, concurrency and liveness.
type Config struct {
	OrgLimits          map[string]int
	Workers            int           // default 4
	MaxAttempts        int           // default 5
	BackoffBase        time.Duration // default 2s
	BackoffMax         time.Duration // default 60s
	Jitter             float64       // default 0.1
	Liveness           time.Duration // default 2m
	PersistenceTimeout time.Duration // default 30s
	PollInterval       time.Duration // default 1s
	LowPriorityDelay   time.Duration // default 30s
	DefaultOrgLimit    int           // default 3
	ReapBatch          int           // default 100
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Liveness <= 0 {
		c.Liveness = 2 * time.Minute
	}
	if c.PersistenceTimeout <= 0 {
		c.PersistenceTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LowPriorityDelay < 0 {
		c.LowPriorityDelay = 0
	}
	if c.DefaultOrgLimit <= 0 {
		c.DefaultOrgLimit = 3
	}
	if c.ReapBatch <= 0 {
		c.ReapBatch = 100
	}
	return c
}

// OrgLimit returns the RUNNING bound of an organization.
func (c Config) OrgLimit(orgID string) int {
	if n, ok := c.OrgLimits[orgID]; ok && n > 0 {
		return n
	}
	return c.DefaultOrgLimit
}

// Emitter publishes task events.
type Emitter interface {
	Emit(ctx context.Context, ev events.Event)
}

// Deps are the collaborators of the orchestrator. Events and Metrics are optional.
type Deps struct {
	Tasks     TaskStore
	Results   ResultReader
	Documents DocumentStore
	Taxonomy  Taxonomy
	Profiles  Profiles
	Rules     RuleSource
	Evaluator Evaluator
	Scorer    Scorer
	Events    Emitter
	Metrics   *metrics.Metrics
}

// Orchestrator accepts analysis requests and drives them through a worker pool.
type Orchestrator struct {
	log     zerolog.Logger
	deps    Deps
	metrics *metrics.Metrics
	wake    chan struct{}
	cancel  context.CancelFunc
	group   *errgroup.Group
	now     func() time.Time
	rnd     func() float64
	cfg     Config
	mu      sync.Mutex
	running bool
}

// New creates an orchestrator.
func New(deps Deps, cfg Config, logger zerolog.Logger) *Orchestrator {
	m := deps.Metrics
	if m == nil {
		m = metrics.Noop()
	}
	return &Orchestrator{
		log:     logger.With().Str("component", "orchestrator").Logger(),
		deps:    deps,
		metrics: m,
		wake:    make(chan struct{}, 1),
		now:     func() time.Time { return time.Now().UTC() },
		rnd:     rand.Float64,
		cfg:     cfg.withDefaults(),
	}
}

// SubmitRequest asks for the analysis of one document version.
type SubmitRequest struct {
	DocumentID      string `json:"documentId"`
	DocumentVersion string `json:"documentVersion"`
	OrganizationID  string `json:"organizationId"`
	Priority        string `json:"priority,omitempty"`
}

// SubmitResult is the task a submit resolved to. Result is set when the document version
// was already analyzed.
type SubmitResult struct {
	Task        *models.AnalysisTask
	Result      *models.AnalysisResult
	Created     bool
	Resubmitted bool
}

// Submit enqueues an analysis. It is idempotent on (documentId, documentVersion): a pending or
// succeeded task is returned as is, a dead or cancelled one is resubmitted.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	switch {
	case req.DocumentID == "":
		return nil, models.NewValidationError("documentId", "required")
	case req.DocumentVersion == "":
		return nil, models.NewValidationError("documentVersion", "required")
	case req.OrganizationID == "":
		return nil, models.NewValidationError("organizationId", "required")
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}

	now := o.now()
	task := &models.AnalysisTask{
		ID:              uuid.New().String(),
		DocumentID:      req.DocumentID,
		DocumentVersion: req.DocumentVersion,
		OrganizationID:  req.OrganizationID,
		IdempotencyKey:  models.IdempotencyKey(req.DocumentID, req.DocumentVersion),
		Status:          models.TaskQueued,
		Priority:        priority,
		Generation:      1,
		NextAttemptAt:   now.Add(InitialDelay(priority, o.cfg.LowPriorityDelay)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	existing, created, err := o.deps.Tasks.CreateOrGetTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	o.metrics.Submitted(ctx, req.OrganizationID, created)
	if created {
		o.metrics.Transition(ctx, string(models.TaskQueued))
		o.log.Info().
			Str("task_id", existing.ID).
			Str("document_id", existing.DocumentID).
			Str("organization_id", existing.OrganizationID).
			Str("priority", string(priority)).
			Msg("Analysis queued")
		o.signal()
		return &SubmitResult{Task: existing, Created: true}, nil
	}
	if existing.OrganizationID != req.OrganizationID {
		return nil, models.NewValidationError("organizationId", "document version belongs to another organization")
	}

	switch existing.Status {
	case models.TaskSucceeded:
		result, err := o.deps.Results.GetResult(ctx, existing.ResultID)
		if err != nil {
			return nil, fmt.Errorf("get result %s: %w", existing.ResultID, err)
		}
		return &SubmitResult{Task: existing, Result: result}, nil

	case models.TaskDead, models.TaskCancelled:
		restarted, err := o.deps.Tasks.TransitionTask(ctx, models.TaskTransition{
			TaskID:        existing.ID,
			Attempt:       models.AnyAttempt,
			From:          []models.TaskStatus{models.TaskDead, models.TaskCancelled},
			To:            models.TaskQueued,
			Restart:       true,
			Priority:      priority,
			NextAttemptAt: now.Add(InitialDelay(priority, o.cfg.LowPriorityDelay)),
			At:            now,
		})
		if errors.Is(err, models.ErrInvalidTransition) {
			// a concurrent submit resubmitted it first
			current, gerr := o.deps.Tasks.GetTask(ctx, existing.ID)
			if gerr != nil {
				return nil, gerr
			}
			return &SubmitResult{Task: current}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resubmit task %s: %w", existing.ID, err)
		}
		o.metrics.Transition(ctx, string(models.TaskQueued))
		o.log.Info().
			Str("task_id", restarted.ID).
			Int("generation", restarted.Generation).
			Msg("Analysis resubmitted")
		o.signal()
		return &SubmitResult{Task: restarted, Resubmitted: true}, nil
	}
	return &SubmitResult{Task: existing}, nil
}

// GetResult returns the analysis of the latest submitted version of a document.
// It returns ErrPending while that analysis is in flight, and ErrNotFound when there is none
// or it did not succeed.
func (o *Orchestrator) GetResult(ctx context.Context, documentID string) (*models.AnalysisResult, *models.AnalysisTask, error) {
	tasks, err := o.deps.Tasks.TasksForDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	if len(tasks) == 0 {
		return nil, nil, fmt.Errorf("no analysis for document %s: %w", documentID, models.ErrNotFound)
	}
	task := tasks[0]
	switch task.Status {
	case models.TaskSucceeded:
		result, err := o.deps.Results.GetResult(ctx, task.ResultID)
		if err != nil {
			return nil, task, err
		}
		return result, task, nil
	case models.TaskDead:
		return nil, task, fmt.Errorf("%s: %w", task.FailureMessage(), models.ErrNotFound)
	case models.TaskCancelled:
		return nil, task, fmt.Errorf("analysis cancelled: %w", models.ErrNotFound)
	}
	return nil, task, models.ErrPending
}

// GetTask returns a task by id.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*models.AnalysisTask, error) {
	return o.deps.Tasks.GetTask(ctx, taskID)
}

// Stats counts tasks by status.
func (o *Orchestrator) Stats(ctx context.Context) (models.TaskStats, error) {
	return o.deps.Tasks.CountByStatus(ctx)
}

// Cancel cancels a task that is waiting for an attempt. Running and finished tasks
// return ErrInvalidTransition.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (*models.AnalysisTask, error) {
	task, err := o.deps.Tasks.TransitionTask(ctx, models.TaskTransition{
		TaskID:  taskID,
		Attempt: models.AnyAttempt,
		From:    []models.TaskStatus{models.TaskQueued, models.TaskFailed},
		To:      models.TaskCancelled,
		At:      o.now(),
	})
	if err != nil {
		return nil, err
	}
	o.metrics.Transition(ctx, string(models.TaskCancelled))
	o.emit(ctx, events.TypeAnalysisCancelled, task, nil)
	o.log.Info().Str("task_id", task.ID).Msg("Analysis cancelled")
	return task, nil
}

// CancelByDocument cancels every waiting task of a document, typically after the document
// was deleted. Running attempts are left to finish.
func (o *Orchestrator) CancelByDocument(ctx context.Context, documentID string) ([]*models.AnalysisTask, error) {
	tasks, err := o.deps.Tasks.TasksForDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	cancelled := make([]*models.AnalysisTask, 0, len(tasks))
	for _, t := range tasks {
		if t.Status != models.TaskQueued && t.Status != models.TaskFailed {
			continue
		}
		c, err := o.Cancel(ctx, t.ID)
		if errors.Is(err, models.ErrInvalidTransition) {
			continue // claimed meanwhile
		}
		if err != nil {
			return cancelled, err
		}
		cancelled = append(cancelled, c)
	}
	return cancelled, nil
}

// Start launches the worker pool and the maintenance loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return errors.New("orchestrator already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			o.workerLoop(gctx, id)
			return nil
		})
	}
	g.Go(func() error {
		o.maintenanceLoop(gctx)
		return nil
	})

	o.cancel = cancel
	o.group = g
	o.running = true
	o.log.Info().Int("workers", o.cfg.Workers).Int("max_attempts", o.cfg.MaxAttempts).Msg("Orchestrator started")
	return nil
}

// Stop stops claiming new tasks and waits for in-flight attempts to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel, g := o.cancel, o.group
	o.mu.Unlock()

	cancel()
	_ = g.Wait()
	o.log.Info().Msg("Orchestrator stopped")
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) workerLoop(ctx context.Context, id int) {
	timer := time.NewTimer(o.cfg.PollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if o.RunOnce(ctx) {
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(o.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		case <-timer.C:
		}
	}
}

// RunOnce claims and executes at most one task. It reports whether a task was executed.
func (o *Orchestrator) RunOnce(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.PersistenceTimeout)
	task, err := o.deps.Tasks.ClaimNext(cctx, o.now(), o.cfg.OrgLimit)
	cancel()
	if errors.Is(err, models.ErrNotFound) {
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			o.log.Warn().Err(err).Msg("failed to claim task")
		}
		return false
	}
	// a claimed attempt runs to completion even when the pool is stopping
	o.execute(context.WithoutCancel(ctx), task)
	return true
}

func (o *Orchestrator) execute(ctx context.Context, task *models.AnalysisTask) {
	done := o.metrics.AttemptStarted(ctx, task.OrganizationID)
	o.metrics.Transition(ctx, string(models.TaskRunning))
	log := o.log.With().
		Str("task_id", task.ID).
		Str("document_id", task.DocumentID).
		Int("attempt", task.Attempt).
		Logger()
	log.Debug().Msg("attempt started")

	result, err := o.analyze(ctx, task)
	if err != nil {
		o.fail(ctx, task, err)
		done("failed")
		return
	}

	pctx, cancel := context.WithTimeout(ctx, o.cfg.PersistenceTimeout)
	completed, err := o.deps.Tasks.CompleteTask(pctx, task.ID, task.Attempt, result, o.now())
	cancel()
	if errors.Is(err, models.ErrStaleAttempt) {
		log.Warn().Msg("attempt was reclaimed, discarding result")
		done("stale")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to persist result, task stays RUNNING until reclaimed")
		done("persist_failed")
		return
	}
	done("succeeded")

	o.metrics.Transition(ctx, string(models.TaskSucceeded))
	bySeverity := make(map[string]int, len(result.Metrics.FindingsBySeverity))
	for sev, n := range result.Metrics.FindingsBySeverity {
		bySeverity[string(sev)] = n
	}
	o.metrics.Analyzed(ctx, result.WeightedScore, bySeverity, result.Metrics.RulesSkipped)
	o.deps.Profiles.RecordResult(result)
	o.emit(ctx, events.TypeAnalysisSucceeded, completed, map[string]interface{}{
		"resultId":        result.ID,
		"weightedScore":   result.WeightedScore,
		"conformityLevel": result.ConformityLevel,
		"riskLevel":       result.RiskLevel,
	})
	log.Info().
		Float64("weighted_score", result.WeightedScore).
		Int("findings", len(result.Findings)).
		Int64("processing_ms", result.Metrics.ProcessingTimeMs).
		Msg("Analysis succeeded")
	o.signal()
}

// fail records a failed attempt: FAILED with a retry time, or DEAD when the error is
// permanent or the attempts are exhausted.
func (o *Orchestrator) fail(ctx context.Context, task *models.AnalysisTask, cause error) {
	now := o.now()
	if !models.Retryable(cause) || task.Attempt >= o.cfg.MaxAttempts {
		o.deadLetter(ctx, task, cause.Error())
		return
	}

	delay := Backoff(task.Attempt, o.cfg.BackoffBase, o.cfg.BackoffMax, o.cfg.Jitter, o.rnd)
	_, err := o.deps.Tasks.TransitionTask(ctx, models.TaskTransition{
		TaskID:        task.ID,
		Attempt:       task.Attempt,
		From:          []models.TaskStatus{models.TaskRunning},
		To:            models.TaskFailed,
		LastError:     cause.Error(),
		NextAttemptAt: now.Add(delay),
		At:            now,
	})
	if err != nil {
		o.log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to record failed attempt")
		return
	}
	o.metrics.Transition(ctx, string(models.TaskFailed))
	o.log.Warn().Err(cause).
		Str("task_id", task.ID).
		Int("attempt", task.Attempt).
		Dur("retry_in", delay).
		Msg("Attempt failed, retry scheduled")
}

// deadLetter moves a RUNNING attempt to DEAD. Only the caller whose transition succeeds
// emits the event, so each dead-lettering is announced once.
func (o *Orchestrator) deadLetter(ctx context.Context, task *models.AnalysisTask, reason string) bool {
	dead, err := o.deps.Tasks.TransitionTask(ctx, models.TaskTransition{
		TaskID:    task.ID,
		Attempt:   task.Attempt,
		From:      []models.TaskStatus{models.TaskRunning},
		To:        models.TaskDead,
		LastError: reason,
		At:        o.now(),
	})
	if err != nil {
		o.log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to dead-letter task")
		return false
	}
	o.metrics.Transition(ctx, string(models.TaskDead))
	o.emit(ctx, events.TypeAnalysisDead, dead, map[string]interface{}{
		"lastError":      dead.LastError,
		"attempts":       dead.Attempt,
		"failureMessage": dead.FailureMessage(),
	})
	o.log.Error().
		Str("task_id", dead.ID).
		Str("document_id", dead.DocumentID).
		Int("attempt", dead.Attempt).
		Str("last_error", reason).
		Msg("Task dead-lettered")
	return true
}

func (o *Orchestrator) emit(ctx context.Context, typ events.Type, task *models.AnalysisTask, payload map[string]interface{}) {
	if o.deps.Events == nil {
		return
	}
	o.deps.Events.Emit(ctx, events.Event{
		Type:           typ,
		OrganizationID: task.OrganizationID,
		DocumentID:     task.DocumentID,
		TaskID:         task.ID,
		Attempt:        task.Attempt,
		Generation:     task.Generation,
		Payload:        payload,
	})
}
