package async

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teranos/bookenrich/enrich"
	bktest "github.com/teranos/bookenrich/internal/testing"
	"github.com/teranos/bookenrich/provider"
	"github.com/teranos/bookenrich/pulse/stream"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// fakeResolver answers found for any ISBN in books and counts calls per ISBN
type fakeResolver struct {
	mu      sync.Mutex
	calls   map[string]int
	books   map[string]string // normalized isbn -> title
	cached  map[string]bool
	down    atomic.Int32 // remaining calls that report every provider unavailable
	block   chan struct{}
	started chan struct{}
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		calls:  make(map[string]int),
		books:  map[string]string{"9780143127741": "The Martian"},
		cached: make(map[string]bool),
	}
}

func (f *fakeResolver) Resolve(ctx context.Context, q provider.Query) (*enrich.Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls[q.Normalized()]++
	f.mu.Unlock()

	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.block:
		}
	}

	if f.down.Load() > 0 {
		f.down.Add(-1)
		return &enrich.Result{Query: q, ProvidersChecked: []enrich.Attempt{
			{Provider: "googlebooks", Outcome: enrich.OutcomeTimeout},
			{Provider: "openlibrary", Outcome: enrich.OutcomeError},
		}}, nil
	}

	title, ok := f.books[q.Normalized()]
	if !ok {
		return &enrich.Result{Query: q, ProvidersChecked: []enrich.Attempt{{Provider: "googlebooks", Outcome: enrich.OutcomeEmpty}}}, nil
	}
	return &enrich.Result{
		Found:           true,
		Query:           q,
		Work:            &enrich.Work{Title: title},
		Provider:        "googlebooks",
		PrimaryProvider: "googlebooks",
		Cached:          f.cached[q.Normalized()],
	}, nil
}

func (f *fakeResolver) callsFor(isbn string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[isbn]
}

func newTestRegistry(t *testing.T, clock *mockClock) *Registry {
	t.Helper()
	store := NewStore(bktest.CreateTestDB(t))
	return NewRegistryWithClock(store, RegistryConfig{Retention: 2 * time.Hour}, nil, clock.Now, nil)
}

// collect drains a job's events until the terminal one
func collect(t *testing.T, tr *Tracker) []stream.Event {
	t.Helper()
	sub := tr.Buffer().Subscribe(0)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []stream.Event
	for {
		ev, err := sub.Next(ctx)
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}
