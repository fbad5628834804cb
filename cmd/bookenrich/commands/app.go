package commands

import (
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/bookenrich/am"
	"github.com/teranos/bookenrich/cache"
	"github.com/teranos/bookenrich/db"
	"github.com/teranos/bookenrich/enrich"
	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/logger"
	"github.com/teranos/bookenrich/provider"
	"github.com/teranos/bookenrich/pulse/async"
	"github.com/teranos/bookenrich/pulse/ratelimit"
)

// app is the enrichment stack shared by server, lookup and jobs gc
type app struct {
	cfg          *am.Config
	db           *sql.DB
	cache        *cache.Cache
	limiter      *ratelimit.Registry
	orchestrator *enrich.Orchestrator
	store        *async.Store
	registry     *async.Registry
	coordinator  *async.Coordinator
	logger       *zap.SugaredLogger
}

// openApp validates cfg, opens the database and wires the stack.
// An empty dbPath uses database.path.
func openApp(cfg *am.Config, dbPath string, log *zap.SugaredLogger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}

	database, err := db.OpenWithMigrations(dbPath, log.Named("db"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	c, err := cache.New(cache.NewSQLiteStore(database), cache.Options{
		FastTierSize: cfg.Cache.FastTierSize,
		TTL:          ttlPolicy(cfg.Cache),
		Blobs:        &cache.LocalFS{Root: cfg.Cache.BlobDir},
	}, log.Named("cache"))
	if err != nil {
		database.Close()
		return nil, err
	}

	limiter := ratelimit.NewRegistry(maxWait(cfg.Providers))
	applyLimits(limiter, cfg.Providers)

	// Per-call deadlines come from the orchestrator; this bounds stuck connections
	client := &http.Client{Timeout: time.Minute}
	chain, err := provider.FromConfig(cfg.Providers, client)
	if err != nil {
		database.Close()
		return nil, err
	}

	orch := enrich.NewOrchestrator(chain, c, limiter, enrich.Options{
		DefaultTimeout: time.Duration(cfg.Providers.TimeoutSeconds) * time.Second,
		Timeouts:       providerTimeouts(cfg.Providers),
		Merge:          mergePolicy(cfg.Enrich.Merge),
	}, log.Named("enrich"))

	store := async.NewStore(database)
	registry := async.NewRegistry(store, async.RegistryConfig{
		Retention:           cfg.Jobs.Retention(),
		IdleTimeout:         cfg.Jobs.IdleTimeout(),
		EventBufferSize:     cfg.Jobs.EventBufferSize,
		SubscriberQueueSize: cfg.Jobs.SubscriberQueueSize,
	}, c, log.Named("jobs"))

	coordinator := async.NewCoordinator(registry, orch, async.DefaultPipelines(nil), nil, async.CoordinatorConfig{
		Concurrency: cfg.Jobs.Concurrency,
		MaxItems:    cfg.Jobs.MaxItems,
		ItemRetries: cfg.Jobs.ItemRetries,
	}, log.Named("pulse"))

	return &app{
		cfg:          cfg,
		db:           database,
		cache:        c,
		limiter:      limiter,
		orchestrator: orch,
		store:        store,
		registry:     registry,
		coordinator:  coordinator,
		logger:       log,
	}, nil
}

// Close releases the database
func (a *app) Close() error {
	return a.db.Close()
}

// reload applies the hot-reloadable settings: rate limits, limiter wait
// budget, provider timeouts and the merge policy. The chain itself and
// everything else need a restart.
func (a *app) reload(cfg *am.Config) error {
	applyLimits(a.limiter, cfg.Providers)
	a.limiter.SetMaxWait(maxWait(cfg.Providers))
	a.orchestrator.SetTimeouts(time.Duration(cfg.Providers.TimeoutSeconds)*time.Second, providerTimeouts(cfg.Providers))
	a.orchestrator.SetMergePolicy(mergePolicy(cfg.Enrich.Merge))

	a.logger.Infow("Applied reloaded provider settings",
		"chain", a.orchestrator.Chain(),
		"merge", cfg.Enrich.Merge.Enabled,
		"max_wait_ms", cfg.Providers.MaxWaitMS)
	return nil
}

func ttlPolicy(c am.CacheConfig) cache.TTLPolicy {
	return cache.TTLPolicy{
		cache.NamespaceISBN:   time.Duration(c.ISBNTTLSeconds) * time.Second,
		cache.NamespaceSearch: time.Duration(c.SearchTTLSeconds) * time.Second,
		cache.NamespaceCover:  time.Duration(c.CoverTTLSeconds) * time.Second,
	}
}

func maxWait(p am.ProvidersConfig) time.Duration {
	return time.Duration(p.MaxWaitMS) * time.Millisecond
}

// applyLimits installs a bucket for every provider in the chain. A provider
// with no rate is left unlimited.
func applyLimits(limiter *ratelimit.Registry, p am.ProvidersConfig) {
	for _, name := range p.Chain {
		pc, ok := p.Provider(name)
		if !ok {
			continue
		}
		limiter.SetLimit(name, pc.RatePerSecond, pc.Burst)
		logger.Logger.Debugw("Provider rate limit",
			logger.FieldProvider, name,
			"rate_per_second", pc.RatePerSecond,
			"burst", pc.Burst)
	}
}

func providerTimeouts(p am.ProvidersConfig) map[string]time.Duration {
	out := make(map[string]time.Duration, len(p.Chain))
	for _, name := range p.Chain {
		out[name] = p.ProviderTimeout(name)
	}
	return out
}

func mergePolicy(m am.MergeConfig) enrich.MergePolicy {
	return enrich.MergePolicy{
		Enabled:    m.Enabled,
		MinQuality: m.MinQuality,
		Timeout:    time.Duration(m.TimeoutMS) * time.Millisecond,
	}
}
