package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

// requestIDKey is the context key for request IDs.
type requestIDKey struct{}

// identifierPattern bounds the characters accepted in path identifiers.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// maxIdentifierLength bounds document, organization, task and rule ids.
const maxIdentifierLength = 200

// allowedOrigins is the exact-match CORS whitelist for local review front ends.
var allowedOrigins = map[string]bool{
	"http://localhost":       true,
	"http://localhost:3000":  true,
	"http://localhost:5173":  true,
	"http://localhost:37780": true,
	"http://127.0.0.1":       true,
	"http://127.0.0.1:3000":  true,
	"http://127.0.0.1:5173":  true,
	"http://127.0.0.1:37780": true,
}

// SecurityHeaders sets response hardening headers and answers CORS preflights for
// whitelisted origins.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Cache-Control", "no-store")

		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			h.Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBodySize rejects bodies larger than maxBytes.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID propagates or generates an X-Request-ID and stores it in the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			idBytes := make([]byte, 8)
			if _, err := rand.Read(idBytes); err == nil {
				requestID = hex.EncodeToString(idBytes)
			} else {
				requestID = fmt.Sprintf("%d", time.Now().UnixNano())
			}
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequireJSONContentType rejects POST and PUT bodies that are not declared as JSON.
// An empty Content-Type is accepted.
func RequireJSONContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ValidateIdentifier checks a path identifier such as a document or organization id.
func ValidateIdentifier(field, value string) error {
	switch {
	case value == "":
		return fmt.Errorf("%s is required", field)
	case len(value) > maxIdentifierLength:
		return fmt.Errorf("%s too long (max %d chars)", field, maxIdentifierLength)
	case strings.Contains(value, ".."):
		return fmt.Errorf("invalid %s: path traversal detected", field)
	case !identifierPattern.MatchString(value):
		return fmt.Errorf("invalid %s: only letters, digits, underscore, dash, dot and colon allowed", field)
	}
	return nil
}

// CooldownLimiter allows an operation at most once per cooldown window.
type CooldownLimiter struct {
	last     time.Time
	now      func() time.Time
	cooldown time.Duration
	mu       sync.Mutex
}

// NewCooldownLimiter creates a limiter with the given window.
func NewCooldownLimiter(cooldown time.Duration) *CooldownLimiter {
	return &CooldownLimiter{cooldown: cooldown, now: time.Now}
}

// CanExecute reports whether the operation may run now and, if so, starts a new window.
func (c *CooldownLimiter) CanExecute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.last.IsZero() && now.Sub(c.last) < c.cooldown {
		return false
	}
	c.last = now
	return true
}

// CooldownRemaining returns the time left in the current window, or zero.
func (c *CooldownLimiter) CooldownRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last.IsZero() {
		return 0
	}
	remaining := c.cooldown - c.now().Sub(c.last)
	if remaining < 0 {
		return 0
	}
	return remaining
}
