// Package config provides configuration management for docreview.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

const (
	// DefaultWorkerPort is the default HTTP port for the worker service.
	DefaultWorkerPort = 37780

	// DefaultMaxAttempts is the number of attempts before a task is dead-lettered.
	DefaultMaxAttempts = 5

	// DefaultOrgConcurrency bounds RUNNING tasks per organization.
	DefaultOrgConcurrency = 3
)

// Config holds the application configuration.
type Config struct {
	// Per-organization concurrency overrides, keyed by organization id.
	OrgConcurrency map[string]int `json:"org_concurrency"`

	// Worker settings
	WorkerPort int    `json:"worker_port"`
	LogLevel   string `json:"log_level"`

	// Database settings. DSN selects PostgreSQL, DatabasePath a SQLite file; with neither
	// the in-memory stores are used.
	DatabaseDSN  string `json:"database_dsn"`
	DatabasePath string `json:"database_path"`
	MaxConns     int    `json:"max_conns"`

	// Event delivery. An empty address logs events instead of publishing them.
	RedisAddr      string        `json:"redis_addr"`
	EventRetention time.Duration `json:"event_retention"` // delivered event keys are kept this long

	// HTTP settings
	RateLimit float64 `json:"rate_limit"` // requests per second per client, 0 disables
	RateBurst int     `json:"rate_burst"`

	// Collaborators
	DocumentStoreURL     string `json:"document_store_url"`
	DocumentStoreToken   string `json:"document_store_token"`
	TaxonomyOverridePath string `json:"taxonomy_override_path"`
	TaxonomyRemoteURL    string `json:"taxonomy_remote_url"`

	// Queue settings
	MaxAttempts           int           `json:"max_attempts"`
	BackoffBase           time.Duration `json:"backoff_base"`
	BackoffMax            time.Duration `json:"backoff_max"`
	BackoffJitter         float64       `json:"backoff_jitter"` // fraction, 0.1 = ±10%
	LivenessTimeout       time.Duration `json:"liveness_timeout"`
	PersistenceTimeout    time.Duration `json:"persistence_timeout"`
	DefaultOrgConcurrency int           `json:"default_org_concurrency"`
	Workers               int           `json:"workers"`
	PollInterval          time.Duration `json:"poll_interval"`

	// Adaptation settings
	AdaptationEnabled       bool          `json:"adaptation_enabled"`
	AdaptationAutoApply     bool          `json:"adaptation_auto_apply"`
	AdaptationInterval      time.Duration `json:"adaptation_interval"`
	AdaptationThreshold     int           `json:"adaptation_threshold"`      // new results before an org is reconsidered
	AdaptationMaxDelta      float64       `json:"adaptation_max_delta"`      // cap on |δ| per dimension
	AdaptationMinConfidence float64       `json:"adaptation_min_confidence"` // auto-apply only at or above this
	AdaptationWindow        time.Duration `json:"adaptation_window"`

	ProfileCacheTTL time.Duration `json:"profile_cache_ttl"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the data directory path (~/.docreview).
func DataDir() string {
	if dir := os.Getenv("DOCREVIEW_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".docreview")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings creates a default settings file if it doesn't exist.
func EnsureSettings() error {
	path := SettingsPath()

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	defaultSettings := `{
  "DOCREVIEW_WORKER_PORT": 37780,
  "DOCREVIEW_LOG_LEVEL": "info",
  "DOCREVIEW_MAX_ATTEMPTS": 5,
  "DOCREVIEW_DEFAULT_ORG_CONCURRENCY": 3,
  "DOCREVIEW_ADAPTATION_ENABLED": true,
  "DOCREVIEW_ADAPTATION_AUTO_APPLY": false
}
`
	return os.WriteFile(path, []byte(defaultSettings), 0600)
}

// EnsureAll ensures all required directories and files exist.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		WorkerPort:              DefaultWorkerPort,
		LogLevel:                "info",
		MaxConns:                10,
		EventRetention:          7 * 24 * time.Hour,
		RateLimit:               50,
		RateBurst:               100,
		MaxAttempts:             DefaultMaxAttempts,
		BackoffBase:             2 * time.Second,
		BackoffMax:              60 * time.Second,
		BackoffJitter:           0.1,
		LivenessTimeout:         2 * time.Minute,
		PersistenceTimeout:      30 * time.Second,
		DefaultOrgConcurrency:   DefaultOrgConcurrency,
		OrgConcurrency:          map[string]int{},
		Workers:                 4,
		PollInterval:            time.Second,
		AdaptationEnabled:       true,
		AdaptationAutoApply:     false,
		AdaptationInterval:      time.Hour,
		AdaptationThreshold:     10,
		AdaptationMaxDelta:      0.05,
		AdaptationMinConfidence: 0.7,
		AdaptationWindow:        30 * 24 * time.Hour,
		ProfileCacheTTL:         30 * time.Minute,
	}
}

// Load loads configuration from the settings file, merging with defaults,
// then applies DOCREVIEW_* environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	settings, err := readSettings(SettingsPath())
	if err != nil {
		return nil, err
	}
	apply(cfg, func(key string) (interface{}, bool) {
		v, ok := settings[key]
		return v, ok
	})
	apply(cfg, envLookup)

	return cfg, nil
}

func readSettings(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]interface{}{}, nil
		}
		return nil, err
	}

	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return map[string]interface{}{}, nil // Return defaults on parse error
	}
	return settings, nil
}

// lookupFunc returns the raw value of a DOCREVIEW_* key.
type lookupFunc func(key string) (interface{}, bool)

func envLookup(key string) (interface{}, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil, false
	}
	return v, true
}

func apply(cfg *Config, get lookupFunc) {
	if v, ok := intSetting(get, "DOCREVIEW_WORKER_PORT"); ok && v > 0 {
		cfg.WorkerPort = v
	}
	if v, ok := stringSetting(get, "DOCREVIEW_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := stringSetting(get, "DOCREVIEW_DATABASE_DSN"); ok {
		cfg.DatabaseDSN = v
	}
	if v, ok := stringSetting(get, "DOCREVIEW_DATABASE_PATH"); ok {
		cfg.DatabasePath = v
	}
	if v, ok := intSetting(get, "DOCREVIEW_MAX_CONNS"); ok && v > 0 {
		cfg.MaxConns = v
	}
	if v, ok := stringSetting(get, "DOCREVIEW_REDIS_ADDR"); ok {
		cfg.RedisAddr = v
	}
	if v, ok := durationSetting(get, "DOCREVIEW_EVENT_RETENTION"); ok && v > 0 {
		cfg.EventRetention = v
	}
	if v, ok := floatSetting(get, "DOCREVIEW_RATE_LIMIT"); ok && v >= 0 {
		cfg.RateLimit = v
	}
	if v, ok := intSetting(get, "DOCREVIEW_RATE_BURST"); ok && v > 0 {
		cfg.RateBurst = v
	}
	if v, ok := stringSetting(get, "DOCREVIEW_DOCUMENT_STORE_URL"); ok {
		cfg.DocumentStoreURL = v
	}
	if v, ok := stringSetting(get, "DOCREVIEW_DOCUMENT_STORE_TOKEN"); ok {
		cfg.DocumentStoreToken = v
	}
	if v, ok := stringSetting(get, "DOCREVIEW_TAXONOMY_OVERRIDE_PATH"); ok {
		cfg.TaxonomyOverridePath = v
	}
	if v, ok := stringSetting(get, "DOCREVIEW_TAXONOMY_REMOTE_URL"); ok {
		cfg.TaxonomyRemoteURL = v
	}

	// Queue settings
	if v, ok := intSetting(get, "DOCREVIEW_MAX_ATTEMPTS"); ok && v > 0 {
		cfg.MaxAttempts = v
	}
	if v, ok := durationSetting(get, "DOCREVIEW_BACKOFF_BASE"); ok && v > 0 {
		cfg.BackoffBase = v
	}
	if v, ok := durationSetting(get, "DOCREVIEW_BACKOFF_MAX"); ok && v > 0 {
		cfg.BackoffMax = v
	}
	if v, ok := floatSetting(get, "DOCREVIEW_BACKOFF_JITTER"); ok && v >= 0 && v < 1 {
		cfg.BackoffJitter = v
	}
	if v, ok := durationSetting(get, "DOCREVIEW_LIVENESS_TIMEOUT"); ok && v > 0 {
		cfg.LivenessTimeout = v
	}
	if v, ok := durationSetting(get, "DOCREVIEW_PERSISTENCE_TIMEOUT"); ok && v > 0 {
		cfg.PersistenceTimeout = v
	}
	if v, ok := intSetting(get, "DOCREVIEW_DEFAULT_ORG_CONCURRENCY"); ok && v > 0 {
		cfg.DefaultOrgConcurrency = v
	}
	if v, ok := stringSetting(get, "DOCREVIEW_ORG_CONCURRENCY"); ok {
		cfg.OrgConcurrency = parseOrgConcurrency(v)
	}
	if v, ok := intSetting(get, "DOCREVIEW_WORKERS"); ok && v > 0 {
		cfg.Workers = v
	}
	if v, ok := durationSetting(get, "DOCREVIEW_POLL_INTERVAL"); ok && v > 0 {
		cfg.PollInterval = v
	}

	// Adaptation settings
	if v, ok := boolSetting(get, "DOCREVIEW_ADAPTATION_ENABLED"); ok {
		cfg.AdaptationEnabled = v
	}
	if v, ok := boolSetting(get, "DOCREVIEW_ADAPTATION_AUTO_APPLY"); ok {
		cfg.AdaptationAutoApply = v
	}
	if v, ok := durationSetting(get, "DOCREVIEW_ADAPTATION_INTERVAL"); ok && v > 0 {
		cfg.AdaptationInterval = v
	}
	if v, ok := intSetting(get, "DOCREVIEW_ADAPTATION_THRESHOLD"); ok && v > 0 {
		cfg.AdaptationThreshold = v
	}
	if v, ok := floatSetting(get, "DOCREVIEW_ADAPTATION_MAX_DELTA"); ok && v > 0 && v <= 1 {
		cfg.AdaptationMaxDelta = v
	}
	if v, ok := floatSetting(get, "DOCREVIEW_ADAPTATION_MIN_CONFIDENCE"); ok && v >= 0 && v <= 1 {
		cfg.AdaptationMinConfidence = v
	}
	if v, ok := durationSetting(get, "DOCREVIEW_ADAPTATION_WINDOW"); ok && v > 0 {
		cfg.AdaptationWindow = v
	}
	if v, ok := durationSetting(get, "DOCREVIEW_PROFILE_CACHE_TTL"); ok && v > 0 {
		cfg.ProfileCacheTTL = v
	}
}

func stringSetting(get lookupFunc, key string) (string, bool) {
	raw, ok := get(key)
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return strings.TrimSpace(s), ok
}

// intSetting accepts JSON numbers and numeric strings (environment variables).
func intSetting(get lookupFunc, key string) (int, bool) {
	raw, ok := get(key)
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

func floatSetting(get lookupFunc, key string) (float64, bool) {
	raw, ok := get(key)
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func boolSetting(get lookupFunc, key string) (bool, bool) {
	raw, ok := get(key)
	if !ok {
		return false, false
	}
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return b, err == nil
	}
	return false, false
}

// durationSetting accepts Go duration strings ("90s") or a number of seconds.
func durationSetting(get lookupFunc, key string) (time.Duration, bool) {
	raw, ok := get(key)
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return time.Duration(v * float64(time.Second)), true
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(v))
		return d, err == nil
	}
	return 0, false
}

// parseOrgConcurrency parses "orgA=2,orgB=5". Malformed entries are ignored.
func parseOrgConcurrency(s string) map[string]int {
	out := map[string]int{}
	for _, part := range splitTrim(s) {
		org, n, ok := strings.Cut(part, "=")
		org = strings.TrimSpace(org)
		if !ok || org == "" {
			continue
		}
		limit, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil || limit <= 0 {
			continue
		}
		out[org] = limit
	}
	return out
}

// splitTrim splits a comma-separated string and trims whitespace.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Validate reports settings that would make the pipeline misbehave.
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BackoffBase > c.BackoffMax {
		return fmt.Errorf("backoff_base %s exceeds backoff_max %s", c.BackoffBase, c.BackoffMax)
	}
	if c.DefaultOrgConcurrency < 1 {
		return fmt.Errorf("default_org_concurrency must be at least 1, got %d", c.DefaultOrgConcurrency)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.AdaptationMaxDelta <= 0 || c.AdaptationMaxDelta > 1 {
		return fmt.Errorf("adaptation_max_delta must be in (0, 1], got %f", c.AdaptationMaxDelta)
	}
	return nil
}

// OrgLimit returns the concurrency bound of an organization.
func (c *Config) OrgLimit(orgID string) int {
	if n, ok := c.OrgConcurrency[orgID]; ok && n > 0 {
		return n
	}
	return c.DefaultOrgConcurrency
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	configOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		configMu.Lock()
		globalConfig = cfg
		configMu.Unlock()
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// Reload re-reads the settings file and swaps in the fields that are safe to change
// while running: log level and adaptation toggles. It returns the new configuration.
func Reload() (*Config, error) {
	fresh, err := Load()
	if err != nil {
		return nil, err
	}

	current := Get()

	configMu.Lock()
	defer configMu.Unlock()

	next := *current
	next.LogLevel = fresh.LogLevel
	next.AdaptationEnabled = fresh.AdaptationEnabled
	next.AdaptationAutoApply = fresh.AdaptationAutoApply
	next.AdaptationMinConfidence = fresh.AdaptationMinConfidence
	globalConfig = &next
	return globalConfig, nil
}
