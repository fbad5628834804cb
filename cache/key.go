package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// KeyVersion prefixes every key so a change to normalization rules can roll the whole keyspace.
const KeyVersion = "v1"

// Namespace is an endpoint class with its own TTL.
type Namespace string

const (
	NamespaceISBN   Namespace = "isbn"   // identity lookups
	NamespaceSearch Namespace = "search" // fuzzy title/author searches
	NamespaceCover  Namespace = "cover"  // proxied cover images
)

// Key derives the cache key for an already-normalized query string.
// Identical normalized input always yields the same key.
func Key(ns Namespace, normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return KeyVersion + ":" + string(ns) + ":" + hex.EncodeToString(sum[:])
}

// Entry is one cached value.
type Entry struct {
	Key        string          `json:"key"`
	Namespace  Namespace       `json:"namespace"`
	Value      json.RawMessage `json:"value"`
	Provider   string          `json:"provider"`
	StoredAt   time.Time       `json:"storedAt"`
	TTLSeconds int             `json:"ttlSeconds"`
}

// ExpiresAt returns when the entry stops being served
func (e Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(time.Duration(e.TTLSeconds) * time.Second)
}

// Expired reports whether the entry is past its TTL at now
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// TTLPolicy maps each namespace to its lifetime.
type TTLPolicy map[Namespace]time.Duration

// DefaultTTLPolicy: days for ISBN lookups, hours for searches, weeks for covers.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		NamespaceISBN:   7 * 24 * time.Hour,
		NamespaceSearch: 6 * time.Hour,
		NamespaceCover:  28 * 24 * time.Hour,
	}
}

// For returns the TTL for ns, falling back to the search TTL for unknown namespaces
func (p TTLPolicy) For(ns Namespace) time.Duration {
	if ttl, ok := p[ns]; ok {
		return ttl
	}
	return p[NamespaceSearch]
}
