// Package enrich resolves book queries against the cache and the provider
// fallback chain.
package enrich

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/bookenrich/cache"
	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/logger"
	"github.com/teranos/bookenrich/provider"
)

// DefaultProviderTimeout bounds a single provider call
const DefaultProviderTimeout = 8 * time.Second

// Cache is the subset of the cache layer the orchestrator reads and writes
type Cache interface {
	Get(ctx context.Context, ns cache.Namespace, normalized string) (cache.Entry, bool)
	Put(ctx context.Context, ns cache.Namespace, normalized string, value json.RawMessage, provider string) (cache.Entry, bool)
}

// Limiter hands out provider tokens
type Limiter interface {
	Acquire(ctx context.Context, provider string) (time.Duration, error)
}

// MergePolicy decides when later providers fill fields the first hit left empty
type MergePolicy struct {
	Enabled    bool
	MinQuality int
	Timeout    time.Duration
}

// needsMore reports whether a hit is incomplete enough to keep walking
func (m MergePolicy) needsMore(b provider.Book) bool {
	return m.Enabled && (Quality(b) < m.MinQuality || b.CoverURL == "")
}

// Options configures an Orchestrator
type Options struct {
	DefaultTimeout time.Duration
	Timeouts       map[string]time.Duration // per provider overrides
	Merge          MergePolicy
	Now            func() time.Time
}

// Orchestrator walks the provider chain for cache misses
type Orchestrator struct {
	chain   []provider.Provider
	cache   Cache
	limiter Limiter
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu             sync.RWMutex
	merge          MergePolicy
	defaultTimeout time.Duration
	timeouts       map[string]time.Duration
}

// NewOrchestrator creates an orchestrator over chain, consulted in order
func NewOrchestrator(chain []provider.Provider, c Cache, limiter Limiter, opts Options, log *zap.SugaredLogger) *Orchestrator {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultProviderTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Orchestrator{
		chain:          chain,
		cache:          c,
		limiter:        limiter,
		logger:         log,
		now:            opts.Now,
		merge:          opts.Merge,
		defaultTimeout: opts.DefaultTimeout,
		timeouts:       opts.Timeouts,
	}
}

// SetMergePolicy swaps the merge policy (config hot reload)
func (o *Orchestrator) SetMergePolicy(m MergePolicy) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.merge = m
}

// SetTimeouts swaps the provider call timeouts (config hot reload)
func (o *Orchestrator) SetTimeouts(defaultTimeout time.Duration, perProvider map[string]time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if defaultTimeout > 0 {
		o.defaultTimeout = defaultTimeout
	}
	o.timeouts = perProvider
}

// Chain returns the provider IDs in fallback order
func (o *Orchestrator) Chain() []string {
	names := make([]string, len(o.chain))
	for i, p := range o.chain {
		names[i] = p.Name()
	}
	return names
}

func (o *Orchestrator) policy() MergePolicy {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.merge
}

func (o *Orchestrator) timeoutFor(name string) time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if d, ok := o.timeouts[name]; ok && d > 0 {
		return d
	}
	return o.defaultTimeout
}

// Resolve answers q from the cache or the first provider with a record.
//
// Exhausting the chain is not an error: the result has Found=false and lists
// every provider attempt. Only an invalid query or a canceled ctx return an error.
func (o *Orchestrator) Resolve(ctx context.Context, q provider.Query) (*Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ns, normalized := q.Namespace(), q.Normalized()
	log := logger.FromContext(ctx, o.logger).With(logger.FieldQuery, q.String())

	if r, ok := o.cached(ctx, ns, normalized, log); ok {
		r.Query = q
		return r, nil
	}

	merge := o.policy()
	checked := make([]Attempt, 0, len(o.chain))
	var (
		merged       provider.Book
		editions     []Edition
		contributors []string
		walkCtx      = ctx
	)

	for _, p := range o.chain {
		name := p.Name()
		if len(contributors) > 0 {
			if !merge.needsMore(merged) {
				break
			}
			if walkCtx.Err() != nil {
				checked = append(checked, Attempt{Provider: name, Outcome: OutcomeSkipped})
				continue
			}
		}

		attempt, book := o.try(walkCtx, p, q, log)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		checked = append(checked, attempt)
		if book == nil {
			continue
		}

		editions = append(editions, editionOf(name, *book))
		if len(contributors) == 0 {
			merged = *book
			contributors = append(contributors, name)
			if merge.needsMore(merged) && merge.Timeout > 0 {
				var cancel context.CancelFunc
				walkCtx, cancel = context.WithTimeout(ctx, merge.Timeout)
				defer cancel()
			}
			continue
		}
		if fill(&merged, *book) {
			contributors = append(contributors, name)
		}
	}

	if len(contributors) == 0 {
		log.Infow("No provider found a record", "providers_checked", len(checked))
		return &Result{Found: false, Query: q, ProvidersChecked: checked, ResolvedAt: o.now()}, nil
	}

	r := buildResult(q, merged, editions, contributors)
	r.ResolvedAt = o.now()
	o.store(ctx, ns, normalized, r, log)
	r.ProvidersChecked = checked
	return r, nil
}

func (o *Orchestrator) cached(ctx context.Context, ns cache.Namespace, normalized string, log *zap.SugaredLogger) (*Result, bool) {
	if o.cache == nil {
		return nil, false
	}
	e, ok := o.cache.Get(ctx, ns, normalized)
	if !ok {
		return nil, false
	}
	var r Result
	if err := json.Unmarshal(e.Value, &r); err != nil || !r.Found {
		log.Warnw("Unusable cache entry, resolving from providers", logger.FieldCacheKey, e.Key, logger.FieldError, err)
		return nil, false
	}
	r.Cached = true
	r.ProvidersChecked = []Attempt{}
	return &r, true
}

func (o *Orchestrator) store(ctx context.Context, ns cache.Namespace, normalized string, r *Result, log *zap.SugaredLogger) {
	if o.cache == nil {
		return
	}
	value, err := json.Marshal(r)
	if err != nil {
		log.Warnw("Failed to encode result for cache", logger.FieldError, err)
		return
	}
	o.cache.Put(ctx, ns, normalized, value, r.Provider)
}

// try makes one rate-limited, time-bounded provider call
func (o *Orchestrator) try(ctx context.Context, p provider.Provider, q provider.Query, log *zap.SugaredLogger) (Attempt, *provider.Book) {
	name := p.Name()
	attempt := Attempt{Provider: name}
	log = log.With(logger.FieldProvider, name)

	if o.limiter != nil {
		wait, err := o.limiter.Acquire(ctx, name)
		if err != nil {
			if errors.Is(err, errors.ErrRateLimited) {
				attempt.Outcome = OutcomeRateLimited
			} else {
				attempt.Outcome = OutcomeTimeout
			}
			attempt.Error = err.Error()
			log.Infow("Provider token unavailable", logger.FieldWaitMS, wait.Milliseconds(), logger.FieldError, err)
			return attempt, nil
		}
		if wait > 0 {
			log.Debugw("Waited for provider token", logger.FieldWaitMS, wait.Milliseconds())
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeoutFor(name))
	defer cancel()

	start := time.Now()
	payload, err := p.Lookup(callCtx, q)
	attempt.LatencyMS = time.Since(start).Milliseconds()

	switch {
	case err == nil && payload == nil:
		attempt.Outcome = OutcomeEmpty
	case err == nil:
		book := payload.Normalize()
		if book.Empty() {
			attempt.Outcome = OutcomeEmpty
			return attempt, nil
		}
		attempt.Outcome = OutcomeFound
		log.Debugw("Provider hit", logger.FieldDurationMS, attempt.LatencyMS)
		return attempt, &book
	case errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded:
		attempt.Outcome = OutcomeTimeout
		attempt.Error = err.Error()
	case errors.Is(err, errors.ErrRateLimited):
		attempt.Outcome = OutcomeRateLimited
		attempt.Error = err.Error()
	default:
		attempt.Outcome = OutcomeError
		attempt.Error = err.Error()
	}

	if attempt.Outcome != OutcomeEmpty {
		log.Warnw("Provider call failed, trying next",
			"outcome", attempt.Outcome,
			logger.FieldDurationMS, attempt.LatencyMS,
			logger.FieldError, err)
	}
	return attempt, nil
}
