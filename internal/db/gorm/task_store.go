package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/docreview/pkg/models"
)

// claimScanLimit bounds the candidates inspected by one claim.
const claimScanLimit = 64

// TaskStore persists analysis tasks and completes them together with their results.
type TaskStore struct {
	store *Store
	db    *gorm.DB
}

// NewTaskStore creates a new task store.
func NewTaskStore(store *Store) *TaskStore {
	return &TaskStore{
		store: store,
		db:    store.DB,
	}
}

// CreateOrGetTask inserts task unless a task with the same idempotency key exists, in which
// case the existing task is returned with created=false.
func (s *TaskStore) CreateOrGetTask(ctx context.Context, task *models.AnalysisTask) (*models.AnalysisTask, bool, error) {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "create_task")
	defer cancel()

	row := taskRow(task)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create task %s: %w", task.ID, res.Error)
	}
	if res.RowsAffected == 1 {
		return row.toModel(), true, nil
	}

	var existing TaskRow
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", task.IdempotencyKey).First(&existing).Error; err != nil {
		return nil, false, translate("task", task.IdempotencyKey, err)
	}
	return existing.toModel(), false, nil
}

// GetTask returns a task by id.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (*models.AnalysisTask, error) {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "get_task")
	defer cancel()

	var row TaskRow
	if err := s.db.WithContext(ctx).Where("id = ?", taskID).First(&row).Error; err != nil {
		return nil, translate("task", taskID, err)
	}
	return row.toModel(), nil
}

// TasksForDocument returns every task of a document, newest first.
func (s *TaskStore) TasksForDocument(ctx context.Context, documentID string) ([]*models.AnalysisTask, error) {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "tasks_for_document")
	defer cancel()

	var rows []TaskRow
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("tasks for document %s: %w", documentID, err)
	}
	out := make([]*models.AnalysisTask, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// TransitionTask applies a conditional status change. The update is keyed on the status
// and attempt read inside the transaction, so concurrent writers cannot both win.
func (s *TaskStore) TransitionTask(ctx context.Context, tr models.TaskTransition) (*models.AnalysisTask, error) {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "transition_task")
	defer cancel()

	var out *models.AnalysisTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := loadTask(tx, tr.TaskID)
		if err != nil {
			return err
		}
		if err := tr.Check(task); err != nil {
			return err
		}
		prev := *task
		tr.Apply(task)
		lost := models.ErrStaleAttempt
		if tr.Attempt == models.AnyAttempt {
			lost = models.ErrInvalidTransition
		}
		if err := conditionalUpdate(tx, &prev, task, lost); err != nil {
			return err
		}
		out = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimNext moves the next due QUEUED task to RUNNING. Candidates are ordered by priority,
// then nextAttemptAt, then creation time; organizations at their RUNNING limit are skipped
// and excluded from the following pages, so a saturated organization never hides the
// ready tasks of the others.
// It returns models.ErrNotFound when nothing can be claimed.
func (s *TaskStore) ClaimNext(ctx context.Context, now time.Time, limit func(orgID string) int) (*models.AnalysisTask, error) {
	s.store.claimMu.Lock()
	defer s.store.claimMu.Unlock()

	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "claim_next")
	defer cancel()

	now = now.UTC()
	var claimed *models.AnalysisTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		running := make(map[string]int64)
		var saturated []string
		for {
			q := tx.Where("status = ? AND next_attempt_at <= ?", string(models.TaskQueued), now)
			if len(saturated) > 0 {
				q = q.Where("organization_id NOT IN ?", saturated)
			}
			var candidates []TaskRow
			err := q.Order("priority_rank, next_attempt_at, created_at, id").
				Limit(claimScanLimit).
				Find(&candidates).Error
			if err != nil {
				return err
			}

			newlySaturated := 0
			for i := range candidates {
				row := &candidates[i]
				n, seen := running[row.OrganizationID]
				if !seen {
					if n, err = s.lockAndCountRunning(tx, row.OrganizationID); err != nil {
						return err
					}
					running[row.OrganizationID] = n
				}
				if n >= int64(limit(row.OrganizationID)) {
					if !seen {
						saturated = append(saturated, row.OrganizationID)
						newlySaturated++
					}
					continue
				}

				task, err := claimRow(tx, row, now)
				if err != nil {
					return err
				}
				if task != nil {
					claimed = task
					return nil
				}
			}

			// The next page excludes the organizations found at their limit; without new ones
			// it would return the same rows.
			if len(candidates) < claimScanLimit || newlySaturated == 0 {
				return nil
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if claimed == nil {
		return nil, models.ErrNotFound
	}
	return claimed, nil
}

// claimRow moves row to RUNNING unless another process changed it since it was read,
// in which case it returns nil.
func claimRow(tx *gorm.DB, row *TaskRow, now time.Time) (*models.AnalysisTask, error) {
	res := tx.Model(&TaskRow{}).
		Where("id = ? AND status = ? AND attempt = ?", row.ID, string(models.TaskQueued), row.Attempt).
		Updates(map[string]any{
			"status":     string(models.TaskRunning),
			"attempt":    row.Attempt + 1,
			"started_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, nil
	}
	task := row.toModel()
	started := now
	task.Status = models.TaskRunning
	task.Attempt++
	task.StartedAt = &started
	task.UpdatedAt = now
	return task, nil
}

// lockAndCountRunning takes the organization's claim lock for the rest of the transaction
// and counts its RUNNING tasks.
func (s *TaskStore) lockAndCountRunning(tx *gorm.DB, orgID string) (int64, error) {
	if s.store.postgres {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "docreview.claim:"+orgID).Error; err != nil {
			return 0, fmt.Errorf("advisory lock %s: %w", orgID, err)
		}
	}
	var n int64
	err := tx.Model(&TaskRow{}).
		Where("organization_id = ? AND status = ?", orgID, string(models.TaskRunning)).
		Count(&n).Error
	return n, err
}

// CompleteTask stores result and moves the task RUNNING -> SUCCEEDED in one transaction.
// It fails with models.ErrStaleAttempt when attempt no longer owns the task.
func (s *TaskStore) CompleteTask(ctx context.Context, taskID string, attempt int, result *models.AnalysisResult, now time.Time) (*models.AnalysisTask, error) {
	ctx, cancel := s.store.withTimeout(ctx, SlowQueryTimeout, "complete_task")
	defer cancel()

	var out *models.AnalysisTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := loadTask(tx, taskID)
		if err != nil {
			return err
		}
		tr := models.TaskTransition{
			TaskID:  taskID,
			Attempt: attempt,
			From:    []models.TaskStatus{models.TaskRunning},
			To:      models.TaskSucceeded,
			At:      now.UTC(),
		}
		if err := tr.Check(task); err != nil {
			return err
		}
		if err := tx.Create(resultRow(result)).Error; err != nil {
			return translate("result", result.ID, err)
		}

		prev := *task
		tr.Apply(task)
		task.ResultID = result.ID
		task.LastError = ""
		if err := conditionalUpdate(tx, &prev, task, models.ErrStaleAttempt); err != nil {
			return err
		}
		out = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RequeueDue moves FAILED tasks whose backoff has elapsed back to QUEUED.
func (s *TaskStore) RequeueDue(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "requeue_due")
	defer cancel()

	now = now.UTC()
	res := s.db.WithContext(ctx).Model(&TaskRow{}).
		Where("status = ? AND next_attempt_at <= ?", string(models.TaskFailed), now).
		Updates(map[string]any{
			"status":     string(models.TaskQueued),
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("requeue due tasks: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// StaleRunning returns RUNNING tasks started before cutoff, oldest first.
func (s *TaskStore) StaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*models.AnalysisTask, error) {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "stale_running")
	defer cancel()

	q := s.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", string(models.TaskRunning), cutoff.UTC()).
		Order("started_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []TaskRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("stale running tasks: %w", err)
	}
	out := make([]*models.AnalysisTask, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// CountByStatus returns the number of tasks per status. Every status is present.
func (s *TaskStore) CountByStatus(ctx context.Context) (models.TaskStats, error) {
	ctx, cancel := s.store.withTimeout(ctx, DefaultQueryTimeout, "count_by_status")
	defer cancel()

	var rows []struct {
		Status string
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&TaskRow{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	stats := make(models.TaskStats, len(models.AllTaskStatuses))
	for _, st := range models.AllTaskStatuses {
		stats[st] = 0
	}
	for _, r := range rows {
		stats[models.TaskStatus(r.Status)] = r.N
	}
	return stats, nil
}

func loadTask(tx *gorm.DB, taskID string) (*models.AnalysisTask, error) {
	var row TaskRow
	if err := tx.Where("id = ?", taskID).First(&row).Error; err != nil {
		return nil, translate("task", taskID, err)
	}
	return row.toModel(), nil
}

// conditionalUpdate writes next over prev, keyed on prev's status and attempt. Losing the
// race reports lost.
func conditionalUpdate(tx *gorm.DB, prev, next *models.AnalysisTask, lost error) error {
	row := taskRow(next)
	res := tx.Model(&TaskRow{}).
		Where("id = ? AND status = ? AND attempt = ?", prev.ID, string(prev.Status), prev.Attempt).
		Updates(map[string]any{
			"status":          row.Status,
			"priority":        row.Priority,
			"priority_rank":   row.PriorityRank,
			"attempt":         row.Attempt,
			"generation":      row.Generation,
			"last_error":      row.LastError,
			"result_id":       row.ResultID,
			"updated_at":      row.UpdatedAt,
			"next_attempt_at": row.NextAttemptAt,
			"started_at":      row.StartedAt,
			"finished_at":     row.FinishedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("update task %s: %w", prev.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("task %s changed concurrently: %w", prev.ID, lost)
	}
	return nil
}
