package am

import "github.com/teranos/bookenrich/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	// Cache TTLs: every namespace needs a positive lifetime
	if c.Cache.ISBNTTLSeconds <= 0 {
		return errors.Newf("cache.isbn_ttl_seconds must be > 0, got %d", c.Cache.ISBNTTLSeconds)
	}
	if c.Cache.SearchTTLSeconds <= 0 {
		return errors.Newf("cache.search_ttl_seconds must be > 0, got %d", c.Cache.SearchTTLSeconds)
	}
	if c.Cache.CoverTTLSeconds <= 0 {
		return errors.Newf("cache.cover_ttl_seconds must be > 0, got %d", c.Cache.CoverTTLSeconds)
	}
	if c.Cache.FastTierSize <= 0 {
		return errors.Newf("cache.fast_tier_size must be > 0, got %d", c.Cache.FastTierSize)
	}

	// Providers
	if len(c.Providers.Chain) == 0 {
		return errors.New("providers.chain cannot be empty")
	}
	seen := make(map[string]bool, len(c.Providers.Chain))
	for _, name := range c.Providers.Chain {
		if _, ok := c.Providers.Provider(name); !ok {
			return errors.WithHint(
				errors.Newf("providers.chain contains unknown provider %q", name),
				"known providers: googlebooks, openlibrary, isbndb",
			)
		}
		if seen[name] {
			return errors.Newf("providers.chain lists %q twice", name)
		}
		seen[name] = true
	}
	if c.Providers.TimeoutSeconds <= 0 {
		return errors.Newf("providers.timeout_seconds must be > 0, got %d", c.Providers.TimeoutSeconds)
	}
	if c.Providers.MaxWaitMS < 0 {
		return errors.Newf("providers.max_wait_ms must be >= 0, got %d", c.Providers.MaxWaitMS)
	}
	for _, name := range c.Providers.Chain {
		pc, _ := c.Providers.Provider(name)
		if pc.RatePerSecond < 0 {
			return errors.Newf("providers.%s.rate_per_second must be >= 0, got %f", name, pc.RatePerSecond)
		}
		if pc.RatePerSecond > 0 && pc.Burst <= 0 {
			return errors.Newf("providers.%s.burst must be > 0 when rate limited, got %d", name, pc.Burst)
		}
		if pc.TimeoutSeconds != nil && *pc.TimeoutSeconds <= 0 {
			return errors.Newf("providers.%s.timeout_seconds must be > 0, got %d (omit for default)", name, *pc.TimeoutSeconds)
		}
	}
	if c.Providers.ISBNdb.Enabled && c.Providers.ISBNdb.APIKey == "" {
		return errors.WithHint(
			errors.New("providers.isbndb.api_key cannot be empty when enabled"),
			"set BOOKENRICH_ISBNDB_API_KEY or disable the provider",
		)
	}

	// Merge policy
	if c.Enrich.Merge.MinQuality < 0 || c.Enrich.Merge.MinQuality > 100 {
		return errors.Newf("enrich.merge.min_quality must be within 0..100, got %d", c.Enrich.Merge.MinQuality)
	}
	if c.Enrich.Merge.Enabled && c.Enrich.Merge.TimeoutMS <= 0 {
		return errors.Newf("enrich.merge.timeout_ms must be > 0 when merge is enabled, got %d", c.Enrich.Merge.TimeoutMS)
	}

	// Jobs
	if c.Jobs.Concurrency <= 0 {
		return errors.Newf("jobs.concurrency must be > 0, got %d", c.Jobs.Concurrency)
	}
	if c.Jobs.MaxItems <= 0 {
		return errors.Newf("jobs.max_items must be > 0, got %d", c.Jobs.MaxItems)
	}
	if c.Jobs.RetentionSeconds <= 0 {
		return errors.Newf("jobs.retention_seconds must be > 0, got %d", c.Jobs.RetentionSeconds)
	}
	if c.Jobs.EventBufferSize <= 0 {
		return errors.Newf("jobs.event_buffer_size must be > 0, got %d", c.Jobs.EventBufferSize)
	}
	if c.Jobs.SubscriberQueueSize < c.Jobs.EventBufferSize {
		return errors.Newf("jobs.subscriber_queue_size (%d) must be >= jobs.event_buffer_size (%d)",
			c.Jobs.SubscriberQueueSize, c.Jobs.EventBufferSize)
	}
	if c.Jobs.ItemRetries < 0 {
		return errors.Newf("jobs.item_retries must be >= 0, got %d", c.Jobs.ItemRetries)
	}
	if c.Jobs.IdleTimeoutSeconds < 0 {
		return errors.Newf("jobs.idle_timeout_seconds must be >= 0, got %d", c.Jobs.IdleTimeoutSeconds)
	}
	if c.Jobs.SweepIntervalSeconds <= 0 {
		return errors.Newf("jobs.sweep_interval_seconds must be > 0, got %d", c.Jobs.SweepIntervalSeconds)
	}

	// Image proxy
	if c.Images.MaxBytes <= 0 {
		return errors.Newf("images.max_bytes must be > 0, got %d", c.Images.MaxBytes)
	}

	return nil
}
