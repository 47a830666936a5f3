package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8766", cfg.Port)
	assert.Equal(t, "gemini-web", cfg.ModelID)
	assert.Equal(t, StreamBuffered, cfg.StreamMode)
	assert.Equal(t, time.Second, cfg.Timeout.PollInterval)
	assert.Equal(t, 180*time.Second, cfg.Timeout.Completion)
	assert.Zero(t, cfg.Media.Retention)
	assert.False(t, cfg.AuthEnabled())
	assert.Equal(t, "127.0.0.1:8766", cfg.Addr())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("UPSTREAM_PROXY", "http://proxy.local:3128")
	t.Setenv("COMPLETION_TIMEOUT", "90")
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("API_KEYS", "a, b ,,c")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("HEADLESS", "off")
	t.Setenv("MEDIA_RETENTION", "24h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "http://proxy.local:3128", cfg.Browser.UpstreamProxy)
	assert.Equal(t, 90*time.Second, cfg.Timeout.Completion)
	assert.Equal(t, 500*time.Millisecond, cfg.Timeout.PollInterval)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.APIKeys)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 24*time.Hour, cfg.Media.Retention)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"non numeric port", "PORT", "http"},
		{"bad proxy", "UPSTREAM_PROXY", "not a url"},
		{"bad stream mode", "STREAM_MODE", "chunked"},
		{"zero queue", "QUEUE_CAPACITY", "0"},
		{"deadline shorter than poll", "COMPLETION_TIMEOUT", "100ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoadSelectorsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selectors.yaml")
	require.NoError(t, os.WriteFile(path, []byte("input:\n  - textarea#prompt\nreply: []\n"), 0o644))

	sel, err := LoadSelectors(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"textarea#prompt"}, sel.Input)
	assert.Equal(t, DefaultSelectors().Reply, sel.Reply, "empty lists keep defaults")
}

func TestLoadSelectorsMissingFile(t *testing.T) {
	_, err := LoadSelectors(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
