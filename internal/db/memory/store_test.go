package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thebtf/docreview/pkg/models"
)

func newTask(id, doc, org string, created time.Time) *models.AnalysisTask {
	return &models.AnalysisTask{
		ID:              id,
		DocumentID:      doc,
		DocumentVersion: "v1",
		OrganizationID:  org,
		IdempotencyKey:  models.IdempotencyKey(doc, "v1"),
		Status:          models.TaskQueued,
		Priority:        models.PriorityNormal,
		Generation:      1,
		NextAttemptAt:   created,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func unlimited(string) int { return 100 }

func TestCreateOrGetTaskIsIdempotent(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()

	first, created, err := s.CreateOrGetTask(ctx, newTask("t1", "doc1", "org1", now))
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.CreateOrGetTask(ctx, newTask("t2", "doc1", "org1", now))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
}

func TestClaimRespectsOrgLimitAndPriority(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()

	low := newTask("low", "doc1", "org1", now.Add(-time.Minute))
	low.Priority = models.PriorityLow
	high := newTask("high", "doc2", "org1", now)
	high.Priority = models.PriorityHigh
	for _, task := range []*models.AnalysisTask{low, high, newTask("n", "doc3", "org1", now)} {
		_, _, err := s.CreateOrGetTask(ctx, task)
		require.NoError(t, err)
	}

	limit := func(string) int { return 2 }
	a, err := s.ClaimNext(ctx, now, limit)
	require.NoError(t, err)
	assert.Equal(t, "high", a.ID)
	assert.Equal(t, 1, a.Attempt)
	assert.NotNil(t, a.StartedAt)

	b, err := s.ClaimNext(ctx, now, limit)
	require.NoError(t, err)
	assert.Equal(t, "n", b.ID)

	_, err = s.ClaimNext(ctx, now, limit)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestClaimSkipsFutureTasks(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()
	task := newTask("t1", "doc1", "org1", now)
	task.NextAttemptAt = now.Add(time.Hour)
	_, _, err := s.CreateOrGetTask(ctx, task)
	require.NoError(t, err)

	_, err = s.ClaimNext(ctx, now, unlimited)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCompleteTaskRejectsStaleAttempt(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()
	_, _, err := s.CreateOrGetTask(ctx, newTask("t1", "doc1", "org1", now))
	require.NoError(t, err)
	claimed, err := s.ClaimNext(ctx, now, unlimited)
	require.NoError(t, err)

	_, err = s.CompleteTask(ctx, "t1", claimed.Attempt+1, &models.AnalysisResult{ID: "r0"}, now)
	assert.ErrorIs(t, err, models.ErrStaleAttempt)

	done, err := s.CompleteTask(ctx, "t1", claimed.Attempt, &models.AnalysisResult{ID: "r1", OrganizationID: "org1", CreatedAt: now}, now)
	require.NoError(t, err)
	assert.Equal(t, models.TaskSucceeded, done.Status)
	assert.Equal(t, "r1", done.ResultID)
	assert.NotNil(t, done.FinishedAt)

	_, err = s.GetResult(ctx, "r0")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, []models.TaskStatus{models.TaskQueued, models.TaskRunning, models.TaskSucceeded}, s.History("t1"))
}

func TestTransitionRejectsWrongState(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	_, _, err := s.CreateOrGetTask(ctx, newTask("t1", "doc1", "org1", time.Now()))
	require.NoError(t, err)

	_, err = s.TransitionTask(ctx, models.TaskTransition{
		TaskID:  "t1",
		Attempt: models.AnyAttempt,
		From:    []models.TaskStatus{models.TaskRunning},
		To:      models.TaskFailed,
	})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = s.TransitionTask(ctx, models.TaskTransition{TaskID: "missing", Attempt: models.AnyAttempt})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRequeueDueAndStaleRunning(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()
	_, _, err := s.CreateOrGetTask(ctx, newTask("t1", "doc1", "org1", now))
	require.NoError(t, err)
	claimed, err := s.ClaimNext(ctx, now, unlimited)
	require.NoError(t, err)

	stale, err := s.StaleRunning(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	_, err = s.TransitionTask(ctx, models.TaskTransition{
		TaskID:        "t1",
		Attempt:       claimed.Attempt,
		From:          []models.TaskStatus{models.TaskRunning},
		To:            models.TaskFailed,
		NextAttemptAt: now.Add(time.Minute),
		At:            now,
	})
	require.NoError(t, err)

	n, err := s.RequeueDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.RequeueDue(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[models.TaskQueued])
	assert.Equal(t, int64(0), stats[models.TaskRunning])
}

func TestProfilesAreVersioned(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_, err := s.LatestProfile(ctx, "org1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	p := models.DefaultProfile("org1")
	require.NoError(t, s.InsertProfile(ctx, p))
	assert.ErrorIs(t, s.InsertProfile(ctx, p), models.ErrDuplicate)

	next := p.Next("alice", "tune", time.Now())
	require.NoError(t, s.InsertProfile(ctx, next))

	latest, err := s.LatestProfile(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Len(t, s.ProfileHistory("org1"), 2)
}

func TestRecentResultsAndFeedback(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()

	for i, r := range []*models.AnalysisResult{
		{ID: "old", OrganizationID: "org1", CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "a", OrganizationID: "org1", CreatedAt: now.Add(-time.Hour)},
		{ID: "b", OrganizationID: "org1", CreatedAt: now},
		{ID: "other", OrganizationID: "org2", CreatedAt: now},
	} {
		task := newTask(r.ID, "doc"+r.ID, r.OrganizationID, now)
		_, _, err := s.CreateOrGetTask(ctx, task)
		require.NoError(t, err, i)
		claimed, err := s.ClaimNext(ctx, now, unlimited)
		require.NoError(t, err)
		_, err = s.CompleteTask(ctx, claimed.ID, claimed.Attempt, r, now)
		require.NoError(t, err)
	}

	recent, err := s.RecentResults(ctx, "org1", now.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].ID)

	limited, err := s.RecentResults(ctx, "org1", time.Time{}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, s.RecordFeedback(ctx, &models.Feedback{ID: "f1", OrganizationID: "org1", ResultID: "a", Rating: 4, CreatedAt: now}))
	require.NoError(t, s.RecordFeedback(ctx, &models.Feedback{ID: "f2", OrganizationID: "org1", ResultID: "a", Rating: 2, CreatedAt: now.Add(-60 * 24 * time.Hour)}))
	fb, err := s.GetRecentFeedback(ctx, "org1", 30*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, fb, 1)
	assert.Equal(t, "f1", fb[0].ID)
}

func TestRulesLatestVersion(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	rule := models.AnalysisRule{ID: "r1", Version: 1}
	require.NoError(t, s.InsertRule(ctx, rule))
	assert.ErrorIs(t, s.InsertRule(ctx, rule), models.ErrDuplicate)
	rule.Version = 2
	require.NoError(t, s.InsertRule(ctx, rule))

	latest, err := s.LatestRules(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, 2, latest[0].Version)
}
