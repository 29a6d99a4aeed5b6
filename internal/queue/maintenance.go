package queue

import (
	"context"
	"time"

	"github.com/thebtf/docreview/pkg/models"
)

// livenessError is recorded on attempts that exceeded the liveness timeout.
const livenessError = "attempt exceeded liveness timeout"

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	Requeued     int
	Reclaimed    int
	DeadLettered int
}

func (o *Orchestrator) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RunMaintenance(ctx)
		}
	}
}

// RunMaintenance requeues FAILED tasks whose backoff elapsed and reclaims RUNNING attempts
// older than the liveness timeout.
func (o *Orchestrator) RunMaintenance(ctx context.Context) MaintenanceReport {
	start := time.Now()
	var report MaintenanceReport
	now := o.now()

	n, err := o.deps.Tasks.RequeueDue(ctx, now)
	if err != nil {
		o.log.Warn().Err(err).Msg("failed to requeue due tasks")
	}
	report.Requeued = n
	for i := 0; i < n; i++ {
		o.metrics.Transition(ctx, string(models.TaskQueued))
	}

	stale, err := o.deps.Tasks.StaleRunning(ctx, now.Add(-o.cfg.Liveness), o.cfg.ReapBatch)
	if err != nil {
		o.log.Warn().Err(err).Msg("failed to list stale attempts")
	}
	for _, task := range stale {
		if task.Attempt >= o.cfg.MaxAttempts {
			if o.deadLetter(ctx, task, livenessError) {
				report.DeadLettered++
			}
			continue
		}
		_, err := o.deps.Tasks.TransitionTask(ctx, models.TaskTransition{
			TaskID:        task.ID,
			Attempt:       task.Attempt,
			From:          []models.TaskStatus{models.TaskRunning},
			To:            models.TaskQueued,
			LastError:     livenessError,
			NextAttemptAt: now,
			At:            now,
		})
		if err != nil {
			o.log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to reclaim attempt")
			continue
		}
		o.metrics.Transition(ctx, string(models.TaskQueued))
		report.Reclaimed++
	}

	if report.Requeued+report.Reclaimed+report.DeadLettered > 0 {
		o.log.Info().
			Int("requeued", report.Requeued).
			Int("reclaimed", report.Reclaimed).
			Int("dead_lettered", report.DeadLettered).
			Dur("elapsed", time.Since(start)).
			Msg("queue maintenance complete")
		o.signal()
	}
	return report
}
