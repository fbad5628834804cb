package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "bookenrich.db")

	// Server configuration defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Cache defaults
	v.SetDefault("cache.fast_tier_size", 10000)
	v.SetDefault("cache.blob_dir", "blobs")
	v.SetDefault("cache.isbn_ttl_seconds", 7*24*3600)   // identity lookups: 7 days
	v.SetDefault("cache.search_ttl_seconds", 6*3600)    // fuzzy search: 6 hours
	v.SetDefault("cache.cover_ttl_seconds", 28*24*3600) // proxied images: 4 weeks

	// Provider defaults
	v.SetDefault("providers.chain", []string{"googlebooks", "openlibrary", "isbndb"})
	v.SetDefault("providers.timeout_seconds", 8)
	v.SetDefault("providers.max_wait_ms", 2000)
	v.SetDefault("providers.googlebooks.enabled", true)
	v.SetDefault("providers.googlebooks.rate_per_second", 10.0)
	v.SetDefault("providers.googlebooks.burst", 10)
	v.SetDefault("providers.openlibrary.enabled", true)
	v.SetDefault("providers.openlibrary.rate_per_second", 3.0)
	v.SetDefault("providers.openlibrary.burst", 3)
	v.SetDefault("providers.isbndb.enabled", false) // paid, needs an api key
	v.SetDefault("providers.isbndb.rate_per_second", 1.0)
	v.SetDefault("providers.isbndb.burst", 1)

	// Merge policy
	v.SetDefault("enrich.merge.enabled", true)
	v.SetDefault("enrich.merge.min_quality", 80)
	v.SetDefault("enrich.merge.timeout_ms", 3000)

	// Jobs
	v.SetDefault("jobs.concurrency", 4)
	v.SetDefault("jobs.max_items", 500)
	v.SetDefault("jobs.retention_seconds", 2*3600)
	v.SetDefault("jobs.idle_timeout_seconds", 600)
	v.SetDefault("jobs.event_buffer_size", 256)
	v.SetDefault("jobs.subscriber_queue_size", 512)
	v.SetDefault("jobs.sweep_interval_seconds", 60)
	v.SetDefault("jobs.item_retries", 2)

	// Image proxy
	v.SetDefault("images.max_bytes", 5<<20)
	v.SetDefault("images.fetch_timeout_seconds", 10)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("auth.jwt_secret", "BOOKENRICH_JWT_SECRET")
	v.BindEnv("providers.googlebooks.api_key", "BOOKENRICH_GOOGLEBOOKS_API_KEY", "GOOGLE_BOOKS_API_KEY")
	v.BindEnv("providers.isbndb.api_key", "BOOKENRICH_ISBNDB_API_KEY", "ISBNDB_API_KEY")
	v.BindEnv("database.path", "BOOKENRICH_DATABASE_PATH")
}
