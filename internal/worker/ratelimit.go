package worker

import (
	"net/http"
	"sync"
	"time"
)

// RateLimiter is a token bucket.
type RateLimiter struct {
	lastUpdate time.Time
	now        func() time.Time
	rate       float64
	burst      int
	tokens     float64
	requests   int64
	rejected   int64
	mu         sync.Mutex
}

// NewRateLimiter allows rate requests per second with bursts of up to burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return newRateLimiterAt(rate, burst, time.Now)
}

func newRateLimiterAt(rate float64, burst int, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

// Allow takes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.requests++
	now := rl.now()
	rl.tokens = min(float64(rl.burst), rl.tokens+now.Sub(rl.lastUpdate).Seconds()*rl.rate)
	rl.lastUpdate = now

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	rl.rejected++
	return false
}

func (rl *RateLimiter) idleSince(now time.Time) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return now.Sub(rl.lastUpdate)
}

// RateLimitStats aggregates per-client limiter counters.
type RateLimitStats struct {
	Rate          float64 `json:"rate"`
	Burst         int     `json:"burst"`
	ActiveClients int     `json:"activeClients"`
	Requests      int64   `json:"requests"`
	Rejected      int64   `json:"rejected"`
}

// PerClientRateLimiter keeps one bucket per client address.
type PerClientRateLimiter struct {
	lastCleanup     time.Time
	now             func() time.Time
	clients         map[string]*RateLimiter
	rate            float64
	burst           int
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	mu              sync.Mutex
}

// NewPerClientRateLimiter creates a per-client limiter. Idle buckets are dropped after ten
// minutes.
func NewPerClientRateLimiter(rate float64, burst int) *PerClientRateLimiter {
	return &PerClientRateLimiter{
		rate:            rate,
		burst:           burst,
		clients:         make(map[string]*RateLimiter),
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		lastCleanup:     time.Now(),
		now:             time.Now,
	}
}

func (p *PerClientRateLimiter) limiter(key string) *RateLimiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now.Sub(p.lastCleanup) > p.cleanupInterval {
		for k, l := range p.clients {
			if l.idleSince(now) > p.maxIdleTime {
				delete(p.clients, k)
			}
		}
		p.lastCleanup = now
	}

	l, ok := p.clients[key]
	if !ok {
		l = newRateLimiterAt(p.rate, p.burst, p.now)
		p.clients[key] = l
	}
	return l
}

// Allow takes a token from the client's bucket.
func (p *PerClientRateLimiter) Allow(clientKey string) bool {
	return p.limiter(clientKey).Allow()
}

// Stats returns aggregate counters. Buckets are read after releasing the client map lock.
func (p *PerClientRateLimiter) Stats() RateLimitStats {
	p.mu.Lock()
	stats := RateLimitStats{Rate: p.rate, Burst: p.burst, ActiveClients: len(p.clients)}
	limiters := make([]*RateLimiter, 0, len(p.clients))
	for _, l := range p.clients {
		limiters = append(limiters, l)
	}
	p.mu.Unlock()

	for _, l := range limiters {
		l.mu.Lock()
		stats.Requests += l.requests
		stats.Rejected += l.rejected
		l.mu.Unlock()
	}
	return stats
}

// PerClientRateLimitMiddleware rejects requests over the client's rate with 429. Clients are
// keyed by RemoteAddr, which chi's RealIP middleware rewrites from forwarding headers.
func PerClientRateLimitMiddleware(limiter *PerClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(r.RemoteAddr) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
