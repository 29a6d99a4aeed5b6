package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/thebtf/docreview/pkg/models"
)

func TestBackoff(t *testing.T) {
	base, max := 2*time.Second, time.Minute
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{40, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, base, max, 0.1, nil), "attempt %d", tt.attempt)
	}
}

func TestBackoffJitter(t *testing.T) {
	base, max := 2*time.Second, time.Minute
	assert.Equal(t, 1800*time.Millisecond, Backoff(1, base, max, 0.1, func() float64 { return 0 }))
	assert.Equal(t, 2*time.Second, Backoff(1, base, max, 0.1, func() float64 { return 0.5 }))
	for i := 0; i < 100; i++ {
		d := Backoff(6, base, max, 0.1, func() float64 { return float64(i) / 100 })
		assert.GreaterOrEqual(t, d, 54*time.Second)
		assert.Less(t, d, 66*time.Second)
	}
}

func TestInitialDelay(t *testing.T) {
	assert.Equal(t, 30*time.Second, InitialDelay(models.PriorityLow, 30*time.Second))
	assert.Zero(t, InitialDelay(models.PriorityNormal, 30*time.Second))
	assert.Zero(t, InitialDelay(models.PriorityHigh, 30*time.Second))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{OrgLimits: map[string]int{"big": 10}}.withDefaults()
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase)
	assert.Equal(t, time.Minute, cfg.BackoffMax)
	assert.Equal(t, 2*time.Minute, cfg.Liveness)
	assert.Equal(t, 30*time.Second, cfg.PersistenceTimeout)
	assert.Equal(t, 10, cfg.OrgLimit("big"))
	assert.Equal(t, 3, cfg.OrgLimit("small"))
}
