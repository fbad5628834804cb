package provider

import (
	"github.com/teranos/bookenrich/cache"
	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/normalize"
)

// QueryKind distinguishes identity lookups from fuzzy searches
type QueryKind string

const (
	KindISBN   QueryKind = "isbn"
	KindSearch QueryKind = "search"
)

// Query is one enrichment request. It is never modified after construction;
// the normalized form is derived on demand and never replaces Raw.
type Query struct {
	Kind   QueryKind `json:"kind"`
	ISBN   string    `json:"isbn,omitempty"`
	Title  string    `json:"title,omitempty"`
	Author string    `json:"author,omitempty"`
	Raw    string    `json:"raw,omitempty"`
}

// NewISBNQuery builds an identity query
func NewISBNQuery(isbn string) Query {
	return Query{Kind: KindISBN, ISBN: isbn, Raw: isbn}
}

// NewSearchQuery builds a title/author query
func NewSearchQuery(title, author string) Query {
	raw := title
	if author != "" {
		raw = title + " / " + author
	}
	return Query{Kind: KindSearch, Title: title, Author: author, Raw: raw}
}

// Validate reports ErrMalformedItem for queries no provider could answer
func (q Query) Validate() error {
	switch q.Kind {
	case KindISBN:
		n := normalize.ISBN(q.ISBN)
		if n == "" {
			return errors.NewMalformedItemError("empty isbn")
		}
		if !normalize.IsISBNShaped(n) {
			return errors.NewMalformedItemError("isbn %q is not 10 or 13 characters of digits", q.ISBN)
		}
	case KindSearch:
		if normalize.Title(q.Title) == "" {
			return errors.NewMalformedItemError("search query has no title")
		}
	default:
		return errors.NewMalformedItemError("unknown query kind %q", q.Kind)
	}
	return nil
}

// Normalized returns the string the cache key is derived from
func (q Query) Normalized() string {
	if q.Kind == KindISBN {
		return normalize.ISBN(q.ISBN)
	}
	return normalize.SearchKey(q.Title, q.Author)
}

// Namespace returns the cache namespace for the query kind
func (q Query) Namespace() cache.Namespace {
	if q.Kind == KindISBN {
		return cache.NamespaceISBN
	}
	return cache.NamespaceSearch
}

// CacheKey returns the versioned cache key for the query
func (q Query) CacheKey() string {
	return cache.Key(q.Namespace(), q.Normalized())
}

// String renders the query for logs
func (q Query) String() string {
	if q.Kind == KindISBN {
		return "isbn:" + q.ISBN
	}
	return "search:" + q.Raw
}
