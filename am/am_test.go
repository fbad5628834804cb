package am

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "bookenrich.db", cfg.Database.Path)
	assert.Equal(t, DefaultServerPort, cfg.GetServerPort())
	assert.Equal(t, []string{"googlebooks", "openlibrary", "isbndb"}, cfg.Providers.Chain)
	assert.Equal(t, 2*time.Hour, cfg.Jobs.Retention())
	assert.Equal(t, 10*time.Minute, cfg.Jobs.IdleTimeout())
	assert.Equal(t, 4, cfg.Jobs.Concurrency)
	assert.True(t, cfg.Enrich.Merge.Enabled, "merge provenance is on unless disabled")
	assert.Equal(t, 80, cfg.Enrich.Merge.MinQuality)
	assert.Equal(t, 3000, cfg.Enrich.Merge.TimeoutMS)
	assert.Equal(t, 10.0, cfg.Providers.GoogleBooks.RatePerSecond)

	// TTL ordering: covers outlive identity lookups, which outlive fuzzy searches
	assert.Greater(t, cfg.Cache.CoverTTLSeconds, cfg.Cache.ISBNTTLSeconds)
	assert.Greater(t, cfg.Cache.ISBNTTLSeconds, cfg.Cache.SearchTTLSeconds)

	require.NoError(t, cfg.Validate())
}

func TestProviderTimeout(t *testing.T) {
	cfg := defaultConfig(t)
	assert.Equal(t, 8*time.Second, cfg.Providers.ProviderTimeout("googlebooks"))

	five := 5
	cfg.Providers.OpenLibrary.TimeoutSeconds = &five
	assert.Equal(t, 5*time.Second, cfg.Providers.ProviderTimeout("openlibrary"))
	assert.Equal(t, 8*time.Second, cfg.Providers.ProviderTimeout("unknown"))
}

func TestValidate(t *testing.T) {
	zero := 0
	negative := -1

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"zero port", func(c *Config) { c.Server.Port = &zero }, "server.port cannot be 0"},
		{"negative port", func(c *Config) { c.Server.Port = &negative }, "server.port must be positive"},
		{"empty chain", func(c *Config) { c.Providers.Chain = nil }, "providers.chain cannot be empty"},
		{"unknown provider", func(c *Config) { c.Providers.Chain = []string{"amazon"} }, "unknown provider"},
		{"duplicate provider", func(c *Config) { c.Providers.Chain = []string{"openlibrary", "openlibrary"} }, "twice"},
		{"isbndb without key", func(c *Config) { c.Providers.ISBNdb.Enabled = true }, "api_key"},
		{"rate without burst", func(c *Config) { c.Providers.OpenLibrary.Burst = 0 }, "burst"},
		{"zero rate is unlimited", func(c *Config) { c.Providers.OpenLibrary.RatePerSecond = 0; c.Providers.OpenLibrary.Burst = 0 }, ""},
		{"quality out of range", func(c *Config) { c.Enrich.Merge.MinQuality = 101 }, "min_quality"},
		{"merge without budget", func(c *Config) { c.Enrich.Merge.TimeoutMS = 0 }, "timeout_ms"},
		{"merge disabled without budget", func(c *Config) { c.Enrich.Merge.Enabled = false; c.Enrich.Merge.TimeoutMS = 0 }, ""},
		{"zero concurrency", func(c *Config) { c.Jobs.Concurrency = 0 }, "jobs.concurrency"},
		{"zero retention", func(c *Config) { c.Jobs.RetentionSeconds = 0 }, "jobs.retention_seconds"},
		{"subscriber queue smaller than buffer", func(c *Config) { c.Jobs.SubscriberQueueSize = 10 }, "subscriber_queue_size"},
		{"zero search ttl", func(c *Config) { c.Cache.SearchTTLSeconds = 0 }, "search_ttl_seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	content := `
[providers]
chain = ["openlibrary"]
max_wait_ms = 250

[providers.openlibrary]
rate_per_second = 1.5
burst = 2

[jobs]
concurrency = 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"openlibrary"}, cfg.Providers.Chain)
	assert.Equal(t, 250, cfg.Providers.MaxWaitMS)
	assert.Equal(t, 1.5, cfg.Providers.OpenLibrary.RatePerSecond)
	assert.Equal(t, 3, cfg.Jobs.Concurrency)
	// Untouched keys keep defaults
	assert.Equal(t, 2*3600, cfg.Jobs.RetentionSeconds)
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ConfigFileName)

	require.NoError(t, WriteDefaultConfig(path))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultServerPort, cfg.GetServerPort())
	require.NoError(t, cfg.Validate())

	err = WriteDefaultConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigWatcher_ReloadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[jobs]\nconcurrency = 2\n"), 0644))

	cw, err := NewConfigWatcher(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer cw.Stop()

	var calls atomic.Int32
	cw.OnReload(func(c *Config) error {
		calls.Add(1)
		return nil
	})

	cw.load = func() (*Config, error) { return LoadFromFile(path) }
	require.NoError(t, cw.reload())
	assert.EqualValues(t, 1, calls.Load())

	require.NoError(t, os.WriteFile(path, []byte("[jobs]\nconcurrency = 0\n"), 0644))
	require.Error(t, cw.reload())
	assert.EqualValues(t, 1, calls.Load(), "invalid config must not reach callbacks")
}

func TestConfigWatcher_OwnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(""), 0644))

	cw, err := NewConfigWatcher(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer cw.Stop()

	cw.MarkOwnWrite()
	assert.True(t, cw.checkOwnWrite())
	assert.False(t, cw.checkOwnWrite())
}
