package enrich

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/bookenrich/cache"
	"github.com/teranos/bookenrich/errors"
	bktest "github.com/teranos/bookenrich/internal/testing"
	"github.com/teranos/bookenrich/provider"
	"github.com/teranos/bookenrich/pulse/ratelimit"
)

// fakeProvider answers from a fixed book, error or delay
type fakeProvider struct {
	name  string
	book  *provider.Book
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Lookup(ctx context.Context, q provider.Query) (provider.Payload, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil || f.book == nil {
		return nil, f.err
	}
	v := &provider.ISBNdbBook{
		Title:         f.book.Title,
		ISBN13:        f.book.ISBN13,
		Authors:       f.book.Authors,
		Publisher:     f.book.Publisher,
		DatePublished: f.book.PublishedDate,
		Pages:         f.book.PageCount,
		Image:         f.book.CoverURL,
		Synopsis:      f.book.Description,
	}
	return v, nil
}

func completeBook() *provider.Book {
	return &provider.Book{
		Title:         "The Martian",
		Authors:       []string{"Andy Weir"},
		ISBN13:        "9780143127741",
		Publisher:     "Broadway",
		PublishedDate: "2014",
		Description:   "Stranded on Mars.",
		PageCount:     369,
		CoverURL:      "https://covers.example/martian.jpg",
	}
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(cache.NewSQLiteStore(bktest.CreateTestDB(t)), cache.Options{FastTierSize: 100}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return c
}

func newTestOrchestrator(t *testing.T, chain []provider.Provider, opts Options) (*Orchestrator, *cache.Cache) {
	c := newTestCache(t)
	return NewOrchestrator(chain, c, ratelimit.NewRegistry(time.Second), opts, zap.NewNop().Sugar()), c
}

func outcomes(r *Result) []Outcome {
	out := make([]Outcome, len(r.ProvidersChecked))
	for i, a := range r.ProvidersChecked {
		out[i] = a.Outcome
	}
	return out
}

func TestResolve_FallbackOrder(t *testing.T) {
	primary := &fakeProvider{name: "googlebooks", err: errors.Wrap(errors.ErrProviderUnavailable, "HTTP 503")}
	secondary := &fakeProvider{name: "openlibrary", book: completeBook()}
	tertiary := &fakeProvider{name: "isbndb", book: completeBook()}

	o, _ := newTestOrchestrator(t, []provider.Provider{primary, secondary, tertiary}, Options{})
	r, err := o.Resolve(context.Background(), provider.NewISBNQuery("9780143127741"))
	require.NoError(t, err)

	assert.True(t, r.Found)
	assert.Equal(t, "openlibrary", r.Provider)
	assert.Equal(t, "openlibrary", r.PrimaryProvider)
	assert.Equal(t, []Outcome{OutcomeError, OutcomeFound}, outcomes(r))
	assert.Zero(t, tertiary.calls.Load(), "walk stops at the first hit")
	assert.Equal(t, 100, r.QualityScore)
	require.Len(t, r.Authors, 1)
	assert.Equal(t, "Andy Weir", r.Authors[0].Name)
}

func TestResolve_CacheHitSkipsProviders(t *testing.T) {
	p := &fakeProvider{name: "googlebooks", book: completeBook()}
	o, _ := newTestOrchestrator(t, []provider.Provider{p}, Options{})
	ctx := context.Background()

	first, err := o.Resolve(ctx, provider.NewISBNQuery("978-0-14-312774-1"))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := o.Resolve(ctx, provider.NewISBNQuery("9780143127741"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Empty(t, second.ProvidersChecked)
	assert.Equal(t, first.Work.Title, second.Work.Title)
	assert.Equal(t, "9780143127741", second.Query.ISBN)
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestResolve_ExhaustionIsNotAnError(t *testing.T) {
	chain := []provider.Provider{
		&fakeProvider{name: "googlebooks"},
		&fakeProvider{name: "openlibrary", err: errors.Wrap(errors.ErrRateLimited, "HTTP 429")},
	}
	o, c := newTestOrchestrator(t, chain, Options{})

	q := provider.NewSearchQuery("An Unwritten Book", "Nobody")
	r, err := o.Resolve(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, r.Found)
	assert.Equal(t, []Outcome{OutcomeEmpty, OutcomeRateLimited}, outcomes(r))
	assert.False(t, r.Unavailable(), "an empty answer is definitive")
	assert.NotEmpty(t, r.Reason())

	_, ok := c.Get(context.Background(), q.Namespace(), q.Normalized())
	assert.False(t, ok, "misses are not cached")
}

func TestResolve_Timeout(t *testing.T) {
	slow := &fakeProvider{name: "googlebooks", book: completeBook(), delay: time.Second}
	o, _ := newTestOrchestrator(t, []provider.Provider{slow}, Options{DefaultTimeout: 20 * time.Millisecond})

	r, err := o.Resolve(context.Background(), provider.NewISBNQuery("9780143127741"))
	require.NoError(t, err)
	assert.False(t, r.Found)
	assert.Equal(t, []Outcome{OutcomeTimeout}, outcomes(r))
	assert.True(t, r.Unavailable())
	assert.NotEmpty(t, r.ProvidersChecked[0].Error)
}

func TestResolve_InvalidQuery(t *testing.T) {
	p := &fakeProvider{name: "googlebooks", book: completeBook()}
	o, _ := newTestOrchestrator(t, []provider.Provider{p}, Options{})

	_, err := o.Resolve(context.Background(), provider.NewISBNQuery("INVALID"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMalformedItem))
	assert.Zero(t, p.calls.Load())
}

func TestResolve_CanceledContext(t *testing.T) {
	p := &fakeProvider{name: "googlebooks", book: completeBook(), delay: time.Second}
	o, _ := newTestOrchestrator(t, []provider.Provider{p}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := o.Resolve(ctx, provider.NewISBNQuery("9780143127741"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolve_RateLimitedProviderIsSkipped(t *testing.T) {
	limited := &fakeProvider{name: "isbndb", book: completeBook()}
	fallback := &fakeProvider{name: "openlibrary", book: completeBook()}

	limiter := ratelimit.NewRegistry(0)
	limiter.SetLimit("isbndb", 0.001, 1)
	_, err := limiter.Acquire(context.Background(), "isbndb")
	require.NoError(t, err)

	o := NewOrchestrator([]provider.Provider{limited, fallback}, newTestCache(t), limiter, Options{}, nil)
	r, err := o.Resolve(context.Background(), provider.NewISBNQuery("9780143127741"))
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeRateLimited, OutcomeFound}, outcomes(r))
	assert.Zero(t, limited.calls.Load())
	assert.Equal(t, "openlibrary", r.Provider)
}

func TestResolve_MergeFillsMissingFields(t *testing.T) {
	sparse := completeBook()
	sparse.CoverURL = ""
	sparse.Description = ""
	covers := &provider.Book{Title: "The Martian", CoverURL: "https://images.isbndb.example/m.jpg", Description: "Mars."}

	chain := []provider.Provider{
		&fakeProvider{name: "googlebooks", book: sparse},
		&fakeProvider{name: "openlibrary"},
		&fakeProvider{name: "isbndb", book: covers},
	}
	opts := Options{Merge: MergePolicy{Enabled: true, MinQuality: 80, Timeout: time.Second}}
	o, _ := newTestOrchestrator(t, chain, opts)

	r, err := o.Resolve(context.Background(), provider.NewISBNQuery("9780143127741"))
	require.NoError(t, err)
	assert.Equal(t, "orchestrated:googlebooks+isbndb", r.Provider)
	assert.Equal(t, "googlebooks", r.PrimaryProvider)
	assert.Equal(t, []string{"googlebooks", "isbndb"}, r.Contributors)
	assert.Equal(t, "https://images.isbndb.example/m.jpg", r.Work.CoverURL)
	assert.Equal(t, "Mars.", r.Work.Description)
	assert.Equal(t, "The Martian", r.Work.Title, "first provider wins on conflicts")
	assert.Equal(t, 100, r.QualityScore)
	assert.Len(t, r.Editions, 2)
}

func TestResolve_MergeDisabledReturnsFirstHit(t *testing.T) {
	sparse := &provider.Book{Title: "The Martian"}
	other := &fakeProvider{name: "isbndb", book: completeBook()}
	chain := []provider.Provider{&fakeProvider{name: "googlebooks", book: sparse}, other}

	o, _ := newTestOrchestrator(t, chain, Options{})
	r, err := o.Resolve(context.Background(), provider.NewISBNQuery("9780143127741"))
	require.NoError(t, err)
	assert.Equal(t, "googlebooks", r.Provider)
	assert.Equal(t, 20, r.QualityScore)
	assert.Zero(t, other.calls.Load())
}

func TestResolve_MergeBudgetReturnsPartial(t *testing.T) {
	sparse := &provider.Book{Title: "The Martian"}
	chain := []provider.Provider{
		&fakeProvider{name: "googlebooks", book: sparse},
		&fakeProvider{name: "openlibrary", book: completeBook(), delay: time.Second},
		&fakeProvider{name: "isbndb", book: completeBook()},
	}
	opts := Options{Merge: MergePolicy{Enabled: true, MinQuality: 80, Timeout: 30 * time.Millisecond}}
	o, _ := newTestOrchestrator(t, chain, opts)

	r, err := o.Resolve(context.Background(), provider.NewISBNQuery("9780143127741"))
	require.NoError(t, err)
	assert.True(t, r.Found)
	assert.Equal(t, "googlebooks", r.Provider)
	assert.Equal(t, []Outcome{OutcomeFound, OutcomeTimeout, OutcomeSkipped}, outcomes(r))
}

func TestResolve_ConcurrentSameKey(t *testing.T) {
	p := &fakeProvider{name: "googlebooks", book: completeBook()}
	o, c := newTestOrchestrator(t, []provider.Provider{p}, Options{})

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = o.Resolve(context.Background(), provider.NewISBNQuery("9780143127741"))
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.NotNil(t, r)
		assert.True(t, r.Found)
		assert.Equal(t, "The Martian", r.Work.Title)
	}
	e, ok := c.Get(context.Background(), cache.NamespaceISBN, "9780143127741")
	require.True(t, ok)
	assert.Equal(t, "googlebooks", e.Provider)
}

func TestQuality(t *testing.T) {
	assert.Equal(t, 0, Quality(provider.Book{}))
	assert.Equal(t, 100, Quality(*completeBook()))
	assert.Equal(t, 35, Quality(provider.Book{Title: "x", Authors: []string{"y"}}))
}
