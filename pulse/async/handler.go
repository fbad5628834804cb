package async

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/provider"
)

// Pipeline names
const (
	PipelineCSVImport       = "csvImport"
	PipelineBatchEnrichment = "batchEnrichment"
	PipelineShelfScan       = "shelfScan"
)

// Pipeline turns one submitted item into the queries the job resolves.
//
// An error wrapping ErrMalformedItem marks only that item as failed; any
// other error fails the whole job.
type Pipeline interface {
	Name() string
	Expand(ctx context.Context, item json.RawMessage) ([]provider.Query, error)
}

// PipelineRegistry manages pipelines by name.
// Thread-safe for concurrent registration and lookup.
type PipelineRegistry struct {
	pipelines map[string]Pipeline
	mu        sync.RWMutex
}

// NewPipelineRegistry creates an empty pipeline registry.
func NewPipelineRegistry() *PipelineRegistry {
	return &PipelineRegistry{
		pipelines: make(map[string]Pipeline),
	}
}

// DefaultPipelines registers the three built-in pipelines.
// detector may be nil, in which case shelfScan jobs fail.
func DefaultPipelines(detector provider.Detector) *PipelineRegistry {
	r := NewPipelineRegistry()
	r.Register(CSVImport{})
	r.Register(BatchEnrichment{})
	r.Register(ShelfScan{Detector: detector})
	return r
}

// Register adds a pipeline using its name.
// Panics if a pipeline is already registered with that name.
func (r *PipelineRegistry) Register(p Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.pipelines[name]; exists {
		panic(fmt.Sprintf("pipeline already registered for name: %s", name))
	}
	r.pipelines[name] = p
}

// Get retrieves the pipeline for a name.
// Returns nil if no pipeline is registered.
func (r *PipelineRegistry) Get(name string) Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pipelines[name]
}

// Has checks if a pipeline is registered for a name.
func (r *PipelineRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.pipelines[name]
	return exists
}

// Names returns all registered pipeline names, sorted.
func (r *PipelineRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CSVImport resolves reading-list rows: {title, author, isbn}
type CSVImport struct{}

func (CSVImport) Name() string { return PipelineCSVImport }

func (CSVImport) Expand(_ context.Context, item json.RawMessage) ([]provider.Query, error) {
	var row provider.Row
	if err := json.Unmarshal(item, &row); err != nil {
		return nil, errors.NewMalformedItemError("row is not an object: %v", err)
	}
	q, err := row.Query()
	if err != nil {
		return nil, err
	}
	return []provider.Query{q}, nil
}

// BatchEnrichment re-resolves known books. Items are {isbn}, {title, author}
// or a bare identifier string.
type BatchEnrichment struct{}

func (BatchEnrichment) Name() string { return PipelineBatchEnrichment }

func (BatchEnrichment) Expand(_ context.Context, item json.RawMessage) ([]provider.Query, error) {
	var identifier string
	if err := json.Unmarshal(item, &identifier); err == nil {
		q := provider.NewISBNQuery(identifier)
		if err := q.Validate(); err != nil {
			return nil, err
		}
		return []provider.Query{q}, nil
	}

	var fields struct {
		ISBN       string `json:"isbn"`
		Identifier string `json:"identifier"`
		Title      string `json:"title"`
		Author     string `json:"author"`
	}
	if err := json.Unmarshal(item, &fields); err != nil {
		return nil, errors.NewMalformedItemError("item is neither an identifier nor an object: %v", err)
	}
	row := provider.Row{ISBN: fields.ISBN, Title: fields.Title, Author: fields.Author}
	if row.ISBN == "" {
		row.ISBN = fields.Identifier
	}
	q, err := row.Query()
	if err != nil {
		return nil, err
	}
	return []provider.Query{q}, nil
}

// ShelfScan detects the books in a shelf photo. One photo can yield many queries.
type ShelfScan struct {
	Detector provider.Detector
}

func (ShelfScan) Name() string { return PipelineShelfScan }

func (s ShelfScan) Expand(ctx context.Context, item json.RawMessage) ([]provider.Query, error) {
	if s.Detector == nil {
		return nil, errors.WithHint(
			errors.Wrap(errors.ErrServiceUnavailable, "no shelf detector configured"),
			"shelfScan needs a vision detector wired into the server")
	}
	if len(strings.TrimSpace(string(item))) == 0 || string(item) == "null" {
		return nil, errors.NewMalformedItemError("empty photo")
	}

	queries, err := s.Detector.Detect(ctx, item)
	if err != nil {
		if errors.Is(err, errors.ErrMalformedItem) || ctx.Err() != nil {
			return nil, err
		}
		// A photo the detector cannot read fails only that photo
		return nil, errors.Wrapf(errors.ErrMalformedItem, "detect books: %v", err)
	}
	return queries, nil
}
