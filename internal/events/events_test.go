package events

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// recorder collects delivered events and can be told to fail.
type recorder struct {
	err    error
	events []Event
	calls  int
	mu     sync.Mutex
}

func (r *recorder) send(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Notify(ctx context.Context, ev Event) error { return r.send(ctx, ev) }
func (r *recorder) Record(ctx context.Context, ev Event) error { return r.send(ctx, ev) }

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type failingDeduper struct{}

func (failingDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return false, errors.New("redis down")
}

type DispatcherSuite struct {
	suite.Suite
	notifier *recorder
	auditor  *recorder
	d        *Dispatcher
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.notifier = &recorder{}
	s.auditor = &recorder{}
	s.d = NewDispatcher(s.notifier, s.auditor, nil, zerolog.Nop())
}

func deadEvent(attempt int) Event {
	return Event{
		Type:           TypeAnalysisDead,
		OrganizationID: "org1",
		DocumentID:     "doc1",
		TaskID:         "task1",
		Attempt:        attempt,
		Generation:     1,
		Payload:        map[string]interface{}{"lastError": "timeout"},
	}
}

// =============================================================================
// GOOD SCENARIOS
// =============================================================================

func (s *DispatcherSuite) TestEmitDeliversBothChannels() {
	s.d.Emit(context.Background(), deadEvent(5))
	s.d.Wait()

	s.Equal(1, s.notifier.count())
	s.Equal(1, s.auditor.count())
	ev := s.auditor.events[0]
	s.NotEmpty(ev.ID)
	s.False(ev.OccurredAt.IsZero())
	s.Equal(int64(2), s.d.Stats().Delivered)
}

func (s *DispatcherSuite) TestEmitIsIdempotentPerAttempt() {
	for i := 0; i < 3; i++ {
		s.d.Emit(context.Background(), deadEvent(5))
	}
	s.d.Emit(context.Background(), deadEvent(6))
	s.d.Wait()

	s.Equal(2, s.auditor.count())
	s.Equal(2, s.notifier.count())
	s.Equal(int64(4), s.d.Stats().Duplicates)
}

func (s *DispatcherSuite) TestCancelledContextStillDelivers() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.d.Emit(ctx, deadEvent(1))
	s.d.Wait()
	s.Equal(1, s.auditor.count())
}

// =============================================================================
// BAD SCENARIOS
// =============================================================================

func (s *DispatcherSuite) TestFailingNotifierDoesNotAffectAudit() {
	s.notifier.err = errors.New("smtp unavailable")
	s.d.Emit(context.Background(), deadEvent(1))
	s.d.Wait()

	s.Equal(0, s.notifier.count())
	s.Equal(1, s.auditor.count())
	s.Equal(int64(1), s.d.Stats().Failures)
}

func (s *DispatcherSuite) TestDeduperFailureDeliversAnyway() {
	d := NewDispatcher(s.notifier, s.auditor, failingDeduper{}, zerolog.Nop())
	d.Emit(context.Background(), deadEvent(1))
	d.Wait()
	s.Equal(1, s.auditor.count())
}

func (s *DispatcherSuite) TestNilChannelsDisabled() {
	d := NewDispatcher(nil, s.auditor, nil, zerolog.Nop())
	d.Emit(context.Background(), deadEvent(1))
	d.Wait()
	s.Equal(1, s.auditor.count())
	s.Equal(0, s.notifier.calls)
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "task1:1:3:audit", deadEvent(3).Key(KindAudit))
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(zerolog.New(&buf))

	require.NoError(t, p.Record(context.Background(), deadEvent(2)))
	assert.Contains(t, buf.String(), `"kind":"audit"`)
	assert.Contains(t, buf.String(), `"type":"analysis.dead"`)
	assert.Contains(t, buf.String(), `"attempt":2`)
}

func TestRedisPublisherAndDeduper(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	pool := NewRedisPool(addr)
	defer pool.Close()

	ctx := context.Background()
	key := "test:" + time.Now().Format(time.RFC3339Nano)
	d := NewRedisDeduper(pool, time.Minute)

	first, err := d.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, first)
	again, err := d.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, again)

	p := NewRedisPublisher(pool)
	require.NoError(t, p.Record(ctx, deadEvent(1)))
	require.NoError(t, p.Notify(ctx, deadEvent(1)))
}
