package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
)

// LogPublisher writes events to a zerolog logger. It implements Notifier and Auditor.
type LogPublisher struct {
	log zerolog.Logger
}

// NewLogPublisher creates a log-backed publisher.
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: logger.With().Str("component", "events-log").Logger()}
}

func (p *LogPublisher) write(kind Kind, ev Event) {
	p.log.Info().
		Str("kind", string(kind)).
		Str("event_id", ev.ID).
		Str("type", string(ev.Type)).
		Str("organization_id", ev.OrganizationID).
		Str("document_id", ev.DocumentID).
		Str("task_id", ev.TaskID).
		Int("attempt", ev.Attempt).
		Interface("payload", ev.Payload).
		Msg("event")
}

// Notify implements Notifier.
func (p *LogPublisher) Notify(ctx context.Context, ev Event) error {
	p.write(KindNotification, ev)
	return nil
}

// Record implements Auditor.
func (p *LogPublisher) Record(ctx context.Context, ev Event) error {
	p.write(KindAudit, ev)
	return nil
}

// Redis stream names.
const (
	NotificationStream = "docreview:notifications"
	AuditStream        = "docreview:audit"

	// DefaultStreamLength caps each stream (approximate trimming).
	DefaultStreamLength = 100000

	// DefaultDedupTTL is how long a delivery key is remembered.
	DefaultDedupTTL = 7 * 24 * time.Hour
)

// NewRedisPool creates a redigo pool for addr ("host:port").
func NewRedisPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     4,
		MaxActive:   16,
		IdleTimeout: 5 * time.Minute,
		Wait:        true,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(5*time.Second),
				redis.DialWriteTimeout(5*time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// RedisPublisher appends events to Redis streams. It implements Notifier and Auditor.
type RedisPublisher struct {
	pool      *redis.Pool
	maxLength int
}

// NewRedisPublisher creates a stream publisher on pool.
func NewRedisPublisher(pool *redis.Pool) *RedisPublisher {
	return &RedisPublisher{pool: pool, maxLength: DefaultStreamLength}
}

func (p *RedisPublisher) add(ctx context.Context, stream string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	conn, err := p.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer conn.Close()

	_, err = redis.DoContext(conn, ctx, "XADD", stream, "MAXLEN", "~", p.maxLength, "*",
		"id", ev.ID,
		"type", string(ev.Type),
		"organizationId", ev.OrganizationID,
		"taskId", ev.TaskID,
		"event", payload,
	)
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// Notify implements Notifier.
func (p *RedisPublisher) Notify(ctx context.Context, ev Event) error {
	return p.add(ctx, NotificationStream, ev)
}

// Record implements Auditor.
func (p *RedisPublisher) Record(ctx context.Context, ev Event) error {
	return p.add(ctx, AuditStream, ev)
}

// RedisDeduper claims delivery keys with SET NX EX.
type RedisDeduper struct {
	pool   *redis.Pool
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper whose keys expire after ttl.
func NewRedisDeduper(pool *redis.Pool, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeduper{pool: pool, prefix: "docreview:delivered:", ttl: ttl}
}

// Claim implements Deduper.
func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	conn, err := d.pool.GetContext(ctx)
	if err != nil {
		return false, fmt.Errorf("redis connection: %w", err)
	}
	defer conn.Close()

	_, err = redis.String(redis.DoContext(conn, ctx, "SET", d.prefix+key, "1", "NX", "EX", int(d.ttl.Seconds())))
	if errors.Is(err, redis.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("set nx %s: %w", key, err)
	}
	return true, nil
}
