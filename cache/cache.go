// Package cache is the two-tier enrichment cache.
//
// Reads go fast tier → durable tier, repopulating the fast tier on a durable
// hit. Writes commit to the durable tier first and only then populate the
// fast tier, so a failed durable write never leaves a servable entry behind.
// Cache failures are logged and reported as misses; they never fail a lookup.
package cache

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/teranos/bookenrich/errors"
)

// DefaultFastTierSize bounds the in-process tier when no size is configured
const DefaultFastTierSize = 10000

// Options configures a Cache
type Options struct {
	FastTierSize int
	TTL          TTLPolicy
	Blobs        *LocalFS // nil disables blob storage
	Now          func() time.Time
}

// Stats counts cache outcomes since start
type Stats struct {
	FastHits    int64 `json:"fastHits"`
	DurableHits int64 `json:"durableHits"`
	Misses      int64 `json:"misses"`
	Errors      int64 `json:"errors"`
}

// Cache combines the fast and durable tiers.
type Cache struct {
	fast    *lru.Cache[string, Entry]
	durable Durable
	blobs   *LocalFS
	ttl     TTLPolicy
	now     func() time.Time
	logger  *zap.SugaredLogger

	fastHits    atomic.Int64
	durableHits atomic.Int64
	misses      atomic.Int64
	errs        atomic.Int64
}

// New creates a Cache over durable
func New(durable Durable, opts Options, logger *zap.SugaredLogger) (*Cache, error) {
	size := opts.FastTierSize
	if size <= 0 {
		size = DefaultFastTierSize
	}
	fast, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fast cache tier")
	}

	ttl := opts.TTL
	if ttl == nil {
		ttl = DefaultTTLPolicy()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Cache{
		fast:    fast,
		durable: durable,
		blobs:   opts.Blobs,
		ttl:     ttl,
		now:     now,
		logger:  logger,
	}, nil
}

// Get returns the live entry for a normalized query in ns
func (c *Cache) Get(ctx context.Context, ns Namespace, normalized string) (Entry, bool) {
	return c.GetKey(ctx, Key(ns, normalized))
}

// GetKey returns the live entry stored under key
func (c *Cache) GetKey(ctx context.Context, key string) (Entry, bool) {
	now := c.now()

	if e, ok := c.fast.Get(key); ok {
		if !e.Expired(now) {
			c.fastHits.Add(1)
			return e, true
		}
		c.fast.Remove(key)
	}

	e, ok, err := c.durable.Get(ctx, key)
	if err != nil {
		c.errs.Add(1)
		c.misses.Add(1)
		c.logger.Warnw("Durable cache read failed, treating as miss",
			"cache_key", key,
			"error", err)
		return Entry{}, false
	}
	if !ok || e.Expired(now) {
		c.misses.Add(1)
		return Entry{}, false
	}

	c.fast.Add(key, e)
	c.durableHits.Add(1)
	return e, true
}

// Put stores value for a normalized query using the namespace TTL.
// Errors are logged and swallowed; the returned entry reports what was written.
func (c *Cache) Put(ctx context.Context, ns Namespace, normalized string, value json.RawMessage, provider string) (Entry, bool) {
	e := Entry{
		Key:        Key(ns, normalized),
		Namespace:  ns,
		Value:      value,
		Provider:   provider,
		StoredAt:   c.now(),
		TTLSeconds: int(c.ttl.For(ns) / time.Second),
	}
	return e, c.commit(ctx, e)
}

func (c *Cache) commit(ctx context.Context, e Entry) bool {
	if err := c.durable.Put(ctx, e); err != nil {
		c.errs.Add(1)
		c.logger.Warnw("Durable cache write failed, skipping fast tier",
			"cache_key", e.Key,
			"provider", e.Provider,
			"error", err)
		return false
	}
	c.fast.Add(e.Key, e)
	return true
}

// Blob is a binary payload kept in the blob tier
type Blob struct {
	ContentType string
	Data        []byte
	Provider    string
}

type blobRef struct {
	Path        string `json:"path"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
}

// GetBlob returns the cached payload for a normalized image URL
func (c *Cache) GetBlob(ctx context.Context, normalizedURL string) (Blob, bool) {
	if c.blobs == nil {
		return Blob{}, false
	}
	e, ok := c.Get(ctx, NamespaceCover, normalizedURL)
	if !ok {
		return Blob{}, false
	}

	var ref blobRef
	if err := json.Unmarshal(e.Value, &ref); err != nil {
		c.errs.Add(1)
		c.logger.Warnw("Corrupt blob reference, treating as miss", "cache_key", e.Key, "error", err)
		return Blob{}, false
	}
	data, err := c.blobs.ReadAll(ref.Path)
	if err != nil {
		c.errs.Add(1)
		c.fast.Remove(e.Key)
		c.logger.Warnw("Blob payload unreadable, treating as miss", "cache_key", e.Key, "error", err)
		return Blob{}, false
	}
	return Blob{ContentType: ref.ContentType, Data: data, Provider: e.Provider}, true
}

// PutBlob stores a payload for a normalized image URL. The payload file is
// written before the durable row, so the row only ever points at complete data.
func (c *Cache) PutBlob(ctx context.Context, normalizedURL string, blob Blob) bool {
	if c.blobs == nil {
		return false
	}
	key := Key(NamespaceCover, normalizedURL)
	hash := key[strings.LastIndex(key, ":")+1:]
	rel := path.Join(string(NamespaceCover), hash[:2], hash)

	if _, err := putBytes(*c.blobs, rel, blob.Data); err != nil {
		c.errs.Add(1)
		c.logger.Warnw("Blob write failed", "cache_key", key, "error", err)
		return false
	}

	value, err := json.Marshal(blobRef{Path: rel, ContentType: blob.ContentType, Size: len(blob.Data)})
	if err != nil {
		c.errs.Add(1)
		return false
	}
	_, ok := c.Put(ctx, NamespaceCover, normalizedURL, value, blob.Provider)
	return ok
}

// Purge removes expired durable entries and drops the fast tier.
// TODO: delete cover payload files whose rows were purged; they are overwritten on re-fetch today.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	n, err := c.durable.PurgeExpired(ctx, c.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.fast.Purge()
	}
	return n, nil
}

// Stats returns a snapshot of the hit counters
func (c *Cache) Stats() Stats {
	return Stats{
		FastHits:    c.fastHits.Load(),
		DurableHits: c.durableHits.Load(),
		Misses:      c.misses.Load(),
		Errors:      c.errs.Load(),
	}
}

// TTL returns the configured lifetime for ns
func (c *Cache) TTL(ns Namespace) time.Duration {
	return c.ttl.For(ns)
}
