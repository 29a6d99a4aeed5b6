// Package events delivers notification and audit events for terminal task transitions.
// Every delivery is idempotent on (taskId, generation, attempt, kind).
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type names what happened to a task.
type Type string

const (
	TypeAnalysisSucceeded Type = "analysis.succeeded"
	TypeAnalysisDead      Type = "analysis.dead"
	TypeAnalysisCancelled Type = "analysis.cancelled"
)

// Kind is the delivery channel of an event.
type Kind string

const (
	KindNotification Kind = "notification"
	KindAudit        Kind = "audit"
)

// Event describes a terminal task transition.
type Event struct {
	OccurredAt     time.Time              `json:"occurredAt"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	ID             string                 `json:"id"`
	Type           Type                   `json:"type"`
	OrganizationID string                 `json:"organizationId"`
	DocumentID     string                 `json:"documentId"`
	TaskID         string                 `json:"taskId"`
	Attempt        int                    `json:"attempt"`
	Generation     int                    `json:"generation"`
}

// Key is the delivery deduplication key of the event on channel kind. Generation keeps a
// resubmitted task's attempts apart from the previous run's.
func (e Event) Key(kind Kind) string {
	return fmt.Sprintf("%s:%d:%d:%s", e.TaskID, e.Generation, e.Attempt, kind)
}

// Notifier delivers user-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Auditor records audit trail entries.
type Auditor interface {
	Record(ctx context.Context, ev Event) error
}

// Deduper claims delivery keys. Claim returns true the first time a key is seen.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
}

// DefaultDeliveryTimeout bounds a single delivery.
const DefaultDeliveryTimeout = 10 * time.Second

// Dispatcher fans events out to the notifier and the auditor without blocking the caller.
// Delivery failures are logged and never reported back.
type Dispatcher struct {
	notifier Notifier
	auditor  Auditor
	dedup    Deduper
	log      zerolog.Logger
	timeout  time.Duration
	wg       sync.WaitGroup

	delivered  atomic.Int64
	duplicates atomic.Int64
	failures   atomic.Int64
}

// NewDispatcher creates a dispatcher. A nil notifier or auditor disables that channel;
// a nil deduper uses an in-memory one.
func NewDispatcher(notifier Notifier, auditor Auditor, dedup Deduper, logger zerolog.Logger) *Dispatcher {
	if dedup == nil {
		dedup = NewMemoryDeduper()
	}
	return &Dispatcher{
		notifier: notifier,
		auditor:  auditor,
		dedup:    dedup,
		log:      logger.With().Str("component", "events").Logger(),
		timeout:  DefaultDeliveryTimeout,
	}
}

// Emit delivers ev on every configured channel in the background.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	// deliveries outlive the request or attempt that triggered them
	ctx = context.WithoutCancel(ctx)

	if d.notifier != nil {
		d.wg.Add(1)
		go d.deliver(ctx, KindNotification, ev, d.notifier.Notify)
	}
	if d.auditor != nil {
		d.wg.Add(1)
		go d.deliver(ctx, KindAudit, ev, d.auditor.Record)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, kind Kind, ev Event, send func(context.Context, Event) error) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	key := ev.Key(kind)
	first, err := d.dedup.Claim(ctx, key)
	if err != nil {
		// at-least-once: an unavailable deduper does not drop the event
		d.log.Warn().Err(err).Str("key", key).Msg("dedup claim failed, delivering anyway")
		first = true
	}
	if !first {
		d.duplicates.Add(1)
		d.log.Debug().Str("key", key).Msg("event already delivered")
		return
	}

	if err := send(ctx, ev); err != nil {
		d.failures.Add(1)
		d.log.Warn().Err(err).
			Str("kind", string(kind)).
			Str("type", string(ev.Type)).
			Str("task_id", ev.TaskID).
			Msg("event delivery failed")
		return
	}
	d.delivered.Add(1)
}

// Wait blocks until every pending delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stats describes dispatcher activity.
type Stats struct {
	Delivered  int64 `json:"delivered"`
	Duplicates int64 `json:"duplicates"`
	Failures   int64 `json:"failures"`
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered:  d.delivered.Load(),
		Duplicates: d.duplicates.Load(),
		Failures:   d.failures.Load(),
	}
}

// MemoryDeduper remembers claimed keys in process memory.
type MemoryDeduper struct {
	seen map[string]struct{}
	mu   sync.Mutex
}

// NewMemoryDeduper creates an empty in-memory deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

// Claim implements Deduper.
func (m *MemoryDeduper) Claim(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = struct{}{}
	return true, nil
}
