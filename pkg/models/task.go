package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of an analysis task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskDead      TaskStatus = "DEAD"
	TaskCancelled TaskStatus = "CANCELLED"
)

// AllTaskStatuses lists every status, in lifecycle order.
var AllTaskStatuses = []TaskStatus{TaskQueued, TaskRunning, TaskFailed, TaskSucceeded, TaskDead, TaskCancelled}

// IsTerminal reports whether no further transition is possible without resubmission.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskDead || s == TaskCancelled
}

// IsInFlight reports whether the task is waiting for or undergoing an attempt.
func (s TaskStatus) IsInFlight() bool {
	return s == TaskQueued || s == TaskRunning || s == TaskFailed
}

// Priority controls the initial scheduling delay of a task.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority parses a priority, defaulting to normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityHigh, PriorityLow:
		return Priority(s), nil
	}
	return "", NewValidationError("priority", fmt.Sprintf("unknown priority %q", s))
}

// IdempotencyKey derives the deduplication key of a document version.
func IdempotencyKey(documentID, documentVersion string) string {
	sum := sha256.Sum256([]byte(documentID + "\x00" + documentVersion))
	return hex.EncodeToString(sum[:])
}

// AnalysisTask is one analysis request and its attempt chain.
type AnalysisTask struct {
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	NextAttemptAt   time.Time  `json:"nextAttemptAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
	ID              string     `json:"taskId"`
	DocumentID      string     `json:"documentId"`
	DocumentVersion string     `json:"documentVersion"`
	OrganizationID  string     `json:"organizationId"`
	IdempotencyKey  string     `json:"idempotencyKey"`
	Status          TaskStatus `json:"status"`
	Priority        Priority   `json:"priority"`
	LastError       string     `json:"lastError,omitempty"`
	ResultID        string     `json:"resultId,omitempty"`
	Attempt         int        `json:"attempt"`
	// Generation counts explicit resubmissions of a dead or cancelled task, starting at 1.
	Generation int `json:"generation"`
}

// FailureMessage is the user-facing explanation of a dead task.
func (t *AnalysisTask) FailureMessage() string {
	if t.Status != TaskDead {
		return ""
	}
	if t.LastError == "" {
		return "analysis failed, manual review required"
	}
	return "analysis failed, manual review required: " + t.LastError
}

// TaskStats counts tasks by status.
type TaskStats map[TaskStatus]int64

// AnyAttempt matches every attempt in a TaskTransition.
const AnyAttempt = -1

// TaskTransition is a conditional status change. Stores apply it only when the task is in
// one of From and, unless Attempt is AnyAttempt, still on the given attempt.
type TaskTransition struct {
	At            time.Time
	NextAttemptAt time.Time // zero leaves it unchanged
	TaskID        string
	LastError     string
	To            TaskStatus
	Priority      Priority // only with Restart
	From          []TaskStatus
	Attempt       int
	// Restart resets the attempt chain for an explicit resubmission.
	Restart bool
}

// Check reports whether the transition may be applied to task. Attempt-scoped transitions
// fail with ErrStaleAttempt once the caller no longer owns the attempt.
func (tr TaskTransition) Check(task *AnalysisTask) error {
	allowed := false
	for _, s := range tr.From {
		if task.Status == s {
			allowed = true
			break
		}
	}
	if tr.Attempt != AnyAttempt {
		if task.Attempt != tr.Attempt || !allowed {
			return fmt.Errorf("task %s attempt %d (now %s, attempt %d): %w",
				task.ID, tr.Attempt, task.Status, task.Attempt, ErrStaleAttempt)
		}
		return nil
	}
	if !allowed {
		return fmt.Errorf("task %s: %s -> %s: %w", task.ID, task.Status, tr.To, ErrInvalidTransition)
	}
	return nil
}

// Apply mutates task according to the transition. Call Check first.
func (tr TaskTransition) Apply(task *AnalysisTask) {
	task.Status = tr.To
	task.UpdatedAt = tr.At
	if !tr.NextAttemptAt.IsZero() {
		task.NextAttemptAt = tr.NextAttemptAt
	}
	if tr.LastError != "" {
		task.LastError = tr.LastError
	}
	if tr.Restart {
		task.Attempt = 0
		task.Generation++
		task.ResultID = ""
		task.LastError = ""
		task.StartedAt = nil
		task.FinishedAt = nil
		if tr.Priority != "" {
			task.Priority = tr.Priority
		}
	}
	if tr.To.IsTerminal() {
		at := tr.At
		task.FinishedAt = &at
	}
}
