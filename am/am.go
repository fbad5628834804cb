package am

import "time"

// Config represents the bookenrich configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Images    ImagesConfig    `mapstructure:"images"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port                   *int     `mapstructure:"port"` // nil = default 8787, 0 is invalid (omit for default)
	AllowedOrigins         []string `mapstructure:"allowed_origins"`
	ShutdownTimeoutSeconds int      `mapstructure:"shutdown_timeout_seconds"`
	BaseURL                string   `mapstructure:"base_url"` // optional, used to build absolute stream URLs
}

// Server port constants
const (
	DefaultServerPort = 8787
)

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// CacheConfig configures the two cache tiers and the blob store
type CacheConfig struct {
	FastTierSize     int    `mapstructure:"fast_tier_size"` // max entries in the in-process tier
	BlobDir          string `mapstructure:"blob_dir"`
	ISBNTTLSeconds   int    `mapstructure:"isbn_ttl_seconds"`
	SearchTTLSeconds int    `mapstructure:"search_ttl_seconds"`
	CoverTTLSeconds  int    `mapstructure:"cover_ttl_seconds"`
}

// ProvidersConfig configures the fallback chain and each external provider
type ProvidersConfig struct {
	Chain          []string       `mapstructure:"chain"`           // provider names in priority order
	TimeoutSeconds int            `mapstructure:"timeout_seconds"` // per-call timeout unless overridden
	MaxWaitMS      int            `mapstructure:"max_wait_ms"`     // rate limiter wait budget before backpressure
	GoogleBooks    ProviderConfig `mapstructure:"googlebooks"`
	OpenLibrary    ProviderConfig `mapstructure:"openlibrary"`
	ISBNdb         ProviderConfig `mapstructure:"isbndb"`
}

// ProviderConfig configures a single external provider
type ProviderConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	APIKey         string  `mapstructure:"api_key"`
	BaseURL        string  `mapstructure:"base_url"`        // empty = provider default
	RatePerSecond  float64 `mapstructure:"rate_per_second"` // 0 = unlimited
	Burst          int     `mapstructure:"burst"`           // bucket size
	TimeoutSeconds *int    `mapstructure:"timeout_seconds"` // nil = providers.timeout_seconds
}

// EnrichConfig configures the orchestrator
type EnrichConfig struct {
	Merge MergeConfig `mapstructure:"merge"`
}

// MergeConfig is the policy knob deciding when later providers fill gaps left by the first hit
type MergeConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	MinQuality int  `mapstructure:"min_quality"` // merge when the first hit scores below this
	TimeoutMS  int  `mapstructure:"timeout_ms"`  // budget for the merge walk
}

// JobsConfig configures batch jobs and their progress channel
type JobsConfig struct {
	Concurrency          int `mapstructure:"concurrency"` // in-flight orchestrator calls per job
	MaxItems             int `mapstructure:"max_items"`
	RetentionSeconds     int `mapstructure:"retention_seconds"`
	IdleTimeoutSeconds   int `mapstructure:"idle_timeout_seconds"`
	EventBufferSize      int `mapstructure:"event_buffer_size"`
	SubscriberQueueSize  int `mapstructure:"subscriber_queue_size"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
	ItemRetries          int `mapstructure:"item_retries"`
}

// AuthConfig configures bearer credential validation
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"` // empty = opaque tokens identify the client
	Issuer    string `mapstructure:"issuer"`     // optional expected iss claim
}

// ImagesConfig configures the cover image proxy
type ImagesConfig struct {
	MaxBytes            int64 `mapstructure:"max_bytes"`
	FetchTimeoutSeconds int   `mapstructure:"fetch_timeout_seconds"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// Provider returns the config block for a provider name, and false for unknown names
func (p ProvidersConfig) Provider(name string) (ProviderConfig, bool) {
	switch name {
	case "googlebooks":
		return p.GoogleBooks, true
	case "openlibrary":
		return p.OpenLibrary, true
	case "isbndb":
		return p.ISBNdb, true
	}
	return ProviderConfig{}, false
}

// ProviderTimeout returns the effective call timeout for a provider
func (p ProvidersConfig) ProviderTimeout(name string) time.Duration {
	if pc, ok := p.Provider(name); ok && pc.TimeoutSeconds != nil {
		return time.Duration(*pc.TimeoutSeconds) * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// GetServerPort returns the configured port or DefaultServerPort
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "bookenrich.db"
	}
	return c.Database.Path
}

// Retention returns the job result retention window
func (j JobsConfig) Retention() time.Duration {
	return time.Duration(j.RetentionSeconds) * time.Second
}

// IdleTimeout returns the detached-subscriber window
func (j JobsConfig) IdleTimeout() time.Duration {
	return time.Duration(j.IdleTimeoutSeconds) * time.Second
}

// SweepInterval returns how often expired jobs and cache rows are purged
func (j JobsConfig) SweepInterval() time.Duration {
	return time.Duration(j.SweepIntervalSeconds) * time.Second
}
