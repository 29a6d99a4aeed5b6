// Package memory provides in-process implementations of the pipeline stores.
// It backs development runs without a database and the package tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thebtf/docreview/pkg/models"
)

// Store keeps tasks, results, profiles, feedback and published rules in memory.
// All methods are safe for concurrent use; returned values are copies.
type Store struct {
	tasks      map[string]*models.AnalysisTask
	byKey      map[string]string // idempotency key -> task id
	history    map[string][]models.TaskStatus
	results    map[string]*models.AnalysisResult
	resultList []*models.AnalysisResult
	profiles   map[string][]*models.OrganizationProfile
	feedback   []models.Feedback
	rules      map[string][]models.AnalysisRule
	now        func() time.Time
	mu         sync.Mutex
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tasks:    make(map[string]*models.AnalysisTask),
		byKey:    make(map[string]string),
		history:  make(map[string][]models.TaskStatus),
		results:  make(map[string]*models.AnalysisResult),
		profiles: make(map[string][]*models.OrganizationProfile),
		rules:    make(map[string][]models.AnalysisRule),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func copyTask(t *models.AnalysisTask) *models.AnalysisTask {
	c := *t
	return &c
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, models.ErrNotFound)
}

// History returns every status a task has been in, oldest first.
func (s *Store) History(taskID string) []models.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TaskStatus(nil), s.history[taskID]...)
}

func (s *Store) record(t *models.AnalysisTask) {
	s.history[t.ID] = append(s.history[t.ID], t.Status)
}

// CreateOrGetTask implements queue.TaskStore.
func (s *Store) CreateOrGetTask(ctx context.Context, task *models.AnalysisTask) (*models.AnalysisTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[task.IdempotencyKey]; ok {
		return copyTask(s.tasks[id]), false, nil
	}
	t := copyTask(task)
	s.tasks[t.ID] = t
	s.byKey[t.IdempotencyKey] = t.ID
	s.record(t)
	return copyTask(t), true, nil
}

// GetTask implements queue.TaskStore.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.AnalysisTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, notFound("task", taskID)
	}
	return copyTask(t), nil
}

// TasksForDocument implements queue.TaskStore.
func (s *Store) TasksForDocument(ctx context.Context, documentID string) ([]*models.AnalysisTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AnalysisTask
	for _, t := range s.tasks {
		if t.DocumentID == documentID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// TransitionTask implements queue.TaskStore.
func (s *Store) TransitionTask(ctx context.Context, tr models.TaskTransition) (*models.AnalysisTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[tr.TaskID]
	if !ok {
		return nil, notFound("task", tr.TaskID)
	}
	if err := tr.Check(t); err != nil {
		return nil, err
	}
	tr.Apply(t)
	s.record(t)
	return copyTask(t), nil
}

// ClaimNext implements queue.TaskStore. Due tasks are claimed by priority, then by
// nextAttemptAt, then by creation time.
func (s *Store) ClaimNext(ctx context.Context, now time.Time, limit func(orgID string) int) (*models.AnalysisTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	running := make(map[string]int)
	var due []*models.AnalysisTask
	for _, t := range s.tasks {
		switch {
		case t.Status == models.TaskRunning:
			running[t.OrganizationID]++
		case t.Status == models.TaskQueued && !t.NextAttemptAt.After(now):
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return claimBefore(due[i], due[j]) })

	for _, t := range due {
		if running[t.OrganizationID] >= limit(t.OrganizationID) {
			continue
		}
		started := now
		t.Status = models.TaskRunning
		t.Attempt++
		t.StartedAt = &started
		t.UpdatedAt = now
		s.record(t)
		return copyTask(t), nil
	}
	return nil, models.ErrNotFound
}

func priorityRank(p models.Priority) int {
	switch p {
	case models.PriorityHigh:
		return 0
	case models.PriorityLow:
		return 2
	}
	return 1
}

func claimBefore(a, b *models.AnalysisTask) bool {
	if ra, rb := priorityRank(a.Priority), priorityRank(b.Priority); ra != rb {
		return ra < rb
	}
	if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
		return a.NextAttemptAt.Before(b.NextAttemptAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// CompleteTask implements queue.TaskStore.
func (s *Store) CompleteTask(ctx context.Context, taskID string, attempt int, result *models.AnalysisResult, now time.Time) (*models.AnalysisTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, notFound("task", taskID)
	}
	tr := models.TaskTransition{
		TaskID:  taskID,
		Attempt: attempt,
		From:    []models.TaskStatus{models.TaskRunning},
		To:      models.TaskSucceeded,
		At:      now,
	}
	if err := tr.Check(t); err != nil {
		return nil, err
	}
	if _, dup := s.results[result.ID]; dup {
		return nil, fmt.Errorf("result %s: %w", result.ID, models.ErrDuplicate)
	}
	stored := *result
	s.results[stored.ID] = &stored
	s.resultList = append(s.resultList, &stored)

	tr.Apply(t)
	t.ResultID = stored.ID
	t.LastError = ""
	s.record(t)
	return copyTask(t), nil
}

// RequeueDue implements queue.TaskStore.
func (s *Store) RequeueDue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == models.TaskFailed && !t.NextAttemptAt.After(now) {
			t.Status = models.TaskQueued
			t.UpdatedAt = now
			s.record(t)
			n++
		}
	}
	return n, nil
}

// StaleRunning implements queue.TaskStore.
func (s *Store) StaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*models.AnalysisTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AnalysisTask
	for _, t := range s.tasks {
		if t.Status == models.TaskRunning && t.StartedAt != nil && t.StartedAt.Before(cutoff) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByStatus implements queue.TaskStore.
func (s *Store) CountByStatus(ctx context.Context) (models.TaskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make(models.TaskStats, len(models.AllTaskStatuses))
	for _, st := range models.AllTaskStatuses {
		stats[st] = 0
	}
	for _, t := range s.tasks {
		stats[t.Status]++
	}
	return stats, nil
}

// GetResult implements queue.ResultReader and parameters.ResultHistory.
func (s *Store) GetResult(ctx context.Context, id string) (*models.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return nil, notFound("result", id)
	}
	c := *r
	return &c, nil
}

// RecentResults implements parameters.ResultHistory. Results are newest first.
func (s *Store) RecentResults(ctx context.Context, orgID string, since time.Time, limit int) ([]*models.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AnalysisResult
	for i := len(s.resultList) - 1; i >= 0; i-- {
		r := s.resultList[i]
		if r.OrganizationID != orgID || r.CreatedAt.Before(since) {
			continue
		}
		c := *r
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// LatestProfile implements parameters.ProfileStore.
func (s *Store) LatestProfile(ctx context.Context, orgID string) (*models.OrganizationProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.profiles[orgID]
	if len(versions) == 0 {
		return nil, notFound("profile", orgID)
	}
	c := *versions[len(versions)-1]
	return &c, nil
}

// InsertProfile implements parameters.ProfileStore.
func (s *Store) InsertProfile(ctx context.Context, p *models.OrganizationProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.profiles[p.OrganizationID]
	for _, v := range versions {
		if v.Version == p.Version {
			return fmt.Errorf("profile %s v%d: %w", p.OrganizationID, p.Version, models.ErrDuplicate)
		}
	}
	c := *p
	versions = append(versions, &c)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	s.profiles[p.OrganizationID] = versions
	return nil
}

// ProfileHistory returns every stored version of an organization's profile, oldest first.
func (s *Store) ProfileHistory(orgID string) []models.OrganizationProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OrganizationProfile, 0, len(s.profiles[orgID]))
	for _, p := range s.profiles[orgID] {
		out = append(out, *p)
	}
	return out
}

// RecordFeedback implements parameters.FeedbackStore.
func (s *Store) RecordFeedback(ctx context.Context, fb *models.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, *fb)
	return nil
}

// GetRecentFeedback implements parameters.FeedbackStore.
func (s *Store) GetRecentFeedback(ctx context.Context, orgID string, window time.Duration) ([]models.Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := s.now().Add(-window)
	var out []models.Feedback
	for _, fb := range s.feedback {
		if fb.OrganizationID == orgID && !fb.CreatedAt.Before(since) {
			out = append(out, fb)
		}
	}
	return out, nil
}

// LatestRules implements rules.Repository.
func (s *Store) LatestRules(ctx context.Context) ([]models.AnalysisRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rules))
	for id := range s.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]models.AnalysisRule, 0, len(ids))
	for _, id := range ids {
		versions := s.rules[id]
		out = append(out, versions[len(versions)-1])
	}
	return out, nil
}

// InsertRule implements rules.Repository.
func (s *Store) InsertRule(ctx context.Context, rule models.AnalysisRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.rules[rule.ID]
	for _, v := range versions {
		if v.Version == rule.Version {
			return fmt.Errorf("rule %s v%d: %w", rule.ID, rule.Version, models.ErrDuplicate)
		}
	}
	versions = append(versions, rule)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	s.rules[rule.ID] = versions
	return nil
}
