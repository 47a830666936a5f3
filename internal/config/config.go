// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Stream modes for requests that ask for stream:true.
const (
	StreamBuffered = "buffered"
	StreamReject   = "reject"
)

// Config holds all application configuration.
type Config struct {
	Host          string
	Port          string
	ModelID       string
	PublicBaseURL string
	DBPath        string
	LogLevel      slog.Level
	APIKeys       []string
	CORSOrigins   []string
	StreamMode    string

	Browser BrowserConfig
	Media   MediaConfig
	Queue   QueueConfig
	Timeout TimeoutConfig
	Retry   RetryConfig
	Rate    RateConfig
}

// BrowserConfig controls the automation session.
type BrowserConfig struct {
	ProfileDir       string
	UpstreamProxy    string
	ChatURL          string
	Headless         bool
	SelectorsFile    string
	RotateAfterTurns int
}

// MediaConfig controls the media directory and its retention.
type MediaConfig struct {
	Dir           string
	Retention     time.Duration // 0 keeps files forever
	SweepInterval time.Duration
	MaxBytes      int64
}

// QueueConfig bounds the job queue.
type QueueConfig struct {
	Capacity int
}

// TimeoutConfig groups operation deadlines.
type TimeoutConfig struct {
	PollInterval      time.Duration
	Completion        time.Duration
	Request           time.Duration
	ExtractRetryDelay time.Duration
}

// RetryConfig controls bounded retries.
type RetryConfig struct {
	DispatchAttempts       int
	DispatchBaseDelay      time.Duration
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// RateConfig controls per-client admission limiting. RPS 0 disables it.
type RateConfig struct {
	RPS   float64
	Burst int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Host:          getEnv("HOST", "127.0.0.1"),
		Port:          getEnv("PORT", "8766"),
		ModelID:       getEnv("MODEL_ID", "gemini-web"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		DBPath:        getEnv("DB_PATH", "./data/proxy.db"),
		LogLevel:      getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		APIKeys:       getEnvList("API_KEYS", nil),
		CORSOrigins:   getEnvList("CORS_ORIGINS", []string{"*"}),
		StreamMode:    strings.ToLower(getEnv("STREAM_MODE", StreamBuffered)),
		Browser: BrowserConfig{
			ProfileDir:       getEnv("PROFILE_DIR", "./data/chrome-profile"),
			UpstreamProxy:    getEnv("UPSTREAM_PROXY", ""),
			ChatURL:          getEnv("CHAT_URL", "https://gemini.google.com/app"),
			Headless:         getEnvBool("HEADLESS", true),
			SelectorsFile:    getEnv("SELECTORS_FILE", ""),
			RotateAfterTurns: getEnvInt("ROTATE_AFTER_TURNS", 10),
		},
		Media: MediaConfig{
			Dir:           getEnv("MEDIA_DIR", "./data/media"),
			Retention:     getEnvDuration("MEDIA_RETENTION", 0),
			SweepInterval: getEnvDuration("MEDIA_SWEEP_INTERVAL", 10*time.Minute),
			MaxBytes:      int64(getEnvInt("MEDIA_MAX_BYTES", 50*1024*1024)),
		},
		Queue: QueueConfig{
			Capacity: getEnvInt("QUEUE_CAPACITY", 64),
		},
		Timeout: TimeoutConfig{
			PollInterval:      getEnvDuration("POLL_INTERVAL", time.Second),
			Completion:        getEnvDuration("COMPLETION_TIMEOUT", 180*time.Second),
			Request:           getEnvDuration("REQUEST_TIMEOUT", 240*time.Second),
			ExtractRetryDelay: getEnvDuration("EXTRACT_RETRY_DELAY", 3*time.Second),
		},
		Retry: RetryConfig{
			DispatchAttempts:       getEnvInt("DISPATCH_RETRIES", 3),
			DispatchBaseDelay:      getEnvDuration("DISPATCH_RETRY_DELAY", 500*time.Millisecond),
			DatabaseMaxRetries:     3,
			DatabaseRetryBaseDelay: 50 * time.Millisecond,
		},
		Rate: RateConfig{
			RPS:   getEnvFloat("RATE_LIMIT_RPS", 0),
			Burst: getEnvInt("RATE_LIMIT_BURST", 4),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric: %q", c.Port)
	}
	if c.ModelID == "" {
		return fmt.Errorf("MODEL_ID cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Browser.ProfileDir == "" {
		return fmt.Errorf("PROFILE_DIR cannot be empty")
	}
	if c.Browser.UpstreamProxy != "" {
		u, err := url.Parse(c.Browser.UpstreamProxy)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("UPSTREAM_PROXY must be a URL like http://host:port: %q", c.Browser.UpstreamProxy)
		}
	}
	if c.Browser.RotateAfterTurns < 0 {
		return fmt.Errorf("ROTATE_AFTER_TURNS must be >= 0")
	}
	if c.Media.Dir == "" {
		return fmt.Errorf("MEDIA_DIR cannot be empty")
	}
	if c.Media.Retention < 0 {
		return fmt.Errorf("MEDIA_RETENTION must be >= 0")
	}
	if c.Media.Retention > 0 && c.Media.SweepInterval <= 0 {
		return fmt.Errorf("MEDIA_SWEEP_INTERVAL must be > 0 when MEDIA_RETENTION is set")
	}
	if c.Media.MaxBytes <= 0 {
		return fmt.Errorf("MEDIA_MAX_BYTES must be > 0")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be > 0")
	}
	if c.Timeout.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be > 0")
	}
	if c.Timeout.Completion < c.Timeout.PollInterval {
		return fmt.Errorf("COMPLETION_TIMEOUT must be >= POLL_INTERVAL")
	}
	if c.Timeout.Request <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be > 0")
	}
	if c.Retry.DispatchAttempts <= 0 {
		return fmt.Errorf("DISPATCH_RETRIES must be > 0")
	}
	if c.Rate.RPS < 0 || (c.Rate.RPS > 0 && c.Rate.Burst <= 0) {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0 and RATE_LIMIT_BURST > 0 when enabled")
	}
	switch c.StreamMode {
	case StreamBuffered, StreamReject:
	default:
		return fmt.Errorf("STREAM_MODE must be %q or %q, got %q", StreamBuffered, StreamReject, c.StreamMode)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// AuthEnabled returns true if bearer keys are required.
func (c *Config) AuthEnabled() bool {
	return len(c.APIKeys) > 0
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return lvl
}
