package worker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(rr, httptest.NewRequest("GET", "/api/stats", nil))

	tests := []struct {
		header   string
		expected string
	}{
		{"X-Frame-Options", "DENY"},
		{"X-Content-Type-Options", "nosniff"},
		{"Referrer-Policy", "strict-origin-when-cross-origin"},
		{"Content-Security-Policy", "default-src 'none'"},
		{"Cache-Control", "no-store"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, rr.Header().Get(tt.header), tt.header)
	}
}

func TestSecurityHeaders_CORS(t *testing.T) {
	tests := []struct {
		name       string
		origin     string
		expectCORS bool
	}{
		{name: "worker port allowed", origin: "http://localhost:37780", expectCORS: true},
		{name: "vite dev server allowed", origin: "http://127.0.0.1:5173", expectCORS: true},
		{name: "external origin blocked", origin: "http://evil.com"},
		{name: "suffix bypass blocked", origin: "http://evil-localhost.com"},
		{name: "subdomain bypass blocked", origin: "http://localhost.evil.com"},
		{name: "no origin", origin: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/health", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			SecurityHeaders(okHandler).ServeHTTP(rr, req)

			if tt.expectCORS {
				assert.Equal(t, tt.origin, rr.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestSecurityHeaders_Preflight(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest("OPTIONS", "/api/analyses", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	SecurityHeaders(next).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.False(t, called, "preflight must not reach the handler")
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestMaxBodySize(t *testing.T) {
	handler := MaxBodySize(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		var total int
		for {
			n, err := r.Body.Read(buf)
			total += n
			if err != nil {
				if total > 16 || !strings.Contains(err.Error(), "EOF") {
					http.Error(w, "too large", http.StatusRequestEntityTooLarge)
					return
				}
				break
			}
		}
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name     string
		body     string
		expected int
	}{
		{"small body", `{"a":1}`, http.StatusOK},
		{"exact limit", strings.Repeat("x", 16), http.StatusOK},
		{"over limit", strings.Repeat("x", 17), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest("POST", "/", strings.NewReader(tt.body)))
			assert.Equal(t, tt.expected, rr.Code)
		})
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
		assert.Len(t, seen, 16)
		assert.Equal(t, seen, rr.Header().Get("X-Request-ID"))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Request-ID", "client-123")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, "client-123", seen)
		assert.Equal(t, "client-123", rr.Header().Get("X-Request-ID"))
	})

	t.Run("oversized id replaced", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Request-ID", strings.Repeat("a", 100))
		handler.ServeHTTP(httptest.NewRecorder(), req)
		assert.Len(t, seen, 16)
	})
}

func TestRequireJSONContentType(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		contentType string
		expected    int
	}{
		{"POST json", "POST", "application/json", http.StatusOK},
		{"POST json with charset", "POST", "application/json; charset=utf-8", http.StatusOK},
		{"POST empty content type", "POST", "", http.StatusOK},
		{"PUT form", "PUT", "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"POST text", "POST", "text/plain", http.StatusUnsupportedMediaType},
		{"GET ignores content type", "GET", "text/plain", http.StatusOK},
		{"DELETE ignores content type", "DELETE", "text/plain", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", nil)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rr := httptest.NewRecorder()
			RequireJSONContentType(okHandler).ServeHTTP(rr, req)
			assert.Equal(t, tt.expected, rr.Code)
		})
	}
}

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		value   string
		wantErr bool
	}{
		{"doc-123", false},
		{"org_1", false},
		{"urn:doc:42", false},
		{"3f2b1c7e-aaaa-bbbb-cccc-0123456789ab", false},
		{"", true},
		{"../etc/passwd", true},
		{"a..b", true},
		{"with space", true},
		{"semi;colon", true},
		{strings.Repeat("x", maxIdentifierLength+1), true},
	}
	for _, tt := range tests {
		err := ValidateIdentifier("documentId", tt.value)
		if tt.wantErr {
			assert.Error(t, err, "value %q", tt.value)
		} else {
			assert.NoError(t, err, "value %q", tt.value)
		}
	}
}

func TestCooldownLimiter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewCooldownLimiter(30 * time.Second)
	l.now = func() time.Time { return now }

	require.True(t, l.CanExecute())
	assert.Equal(t, 30*time.Second, l.CooldownRemaining())
	assert.False(t, l.CanExecute())

	now = now.Add(20 * time.Second)
	assert.False(t, l.CanExecute())
	assert.Equal(t, 10*time.Second, l.CooldownRemaining())

	now = now.Add(10 * time.Second)
	assert.True(t, l.CanExecute())
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := newRateLimiterAt(2, 3, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow(), "burst request %d", i)
	}
	assert.False(t, rl.Allow())

	now = now.Add(500 * time.Millisecond)
	assert.True(t, rl.Allow(), "one token refilled after half a second at 2/s")
	assert.False(t, rl.Allow())

	now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(), "refill is capped at burst")
	}
	assert.False(t, rl.Allow())
}

func TestPerClientRateLimitMiddleware(t *testing.T) {
	limiter := NewPerClientRateLimiter(0.001, 2)
	handler := PerClientRateLimitMiddleware(limiter)(okHandler)

	send := func(addr string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000"), "other clients keep their own bucket")

	stats := limiter.Stats()
	assert.Equal(t, 2, stats.ActiveClients)
	assert.Equal(t, int64(4), stats.Requests)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestPerClientRateLimiter_DropsIdleClients(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewPerClientRateLimiter(1, 1)
	limiter.now = func() time.Time { return now }
	limiter.lastCleanup = now

	limiter.Allow("a")
	now = now.Add(11 * time.Minute)
	limiter.Allow("b")

	assert.Equal(t, 1, limiter.Stats().ActiveClients)
}
