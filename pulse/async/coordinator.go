package async

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/bookenrich/enrich"
	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/logger"
	"github.com/teranos/bookenrich/provider"
)

// Coordinator defaults
const (
	DefaultConcurrency  = 4
	DefaultMaxItems     = 500
	DefaultItemRetries  = 2
	DefaultRetryBackoff = 500 * time.Millisecond
	persistTimeout      = 10 * time.Second
)

// Resolver answers one query
type Resolver interface {
	Resolve(ctx context.Context, q provider.Query) (*enrich.Result, error)
}

// CoordinatorConfig bounds job size and parallelism
type CoordinatorConfig struct {
	Concurrency  int
	MaxItems     int
	ItemRetries  int
	RetryBackoff time.Duration
}

// Coordinator accepts batches and drives them through the resolver
type Coordinator struct {
	registry  *Registry
	resolver  Resolver
	pipelines *PipelineRegistry
	rows      provider.RowParser
	cfg       CoordinatorConfig
	logger    *zap.SugaredLogger
	sleep     func(ctx context.Context, d time.Duration) error // Injectable for testing
}

// NewCoordinator creates a coordinator. rows parses csvImport uploads.
func NewCoordinator(registry *Registry, resolver Resolver, pipelines *PipelineRegistry, rows provider.RowParser, cfg CoordinatorConfig, log *zap.SugaredLogger) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.ItemRetries < 0 {
		cfg.ItemRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if rows == nil {
		rows = provider.CSVRowParser{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Coordinator{
		registry:  registry,
		resolver:  resolver,
		pipelines: pipelines,
		rows:      rows,
		cfg:       cfg,
		logger:    log,
		sleep:     sleepContext,
	}
}

// Registry returns the job registry the coordinator creates jobs in
func (c *Coordinator) Registry() *Registry { return c.registry }

// Run validates a batch, creates its job and processes it in the background.
// Validation errors are returned synchronously; everything after that is
// reported through the job's progress channel.
func (c *Coordinator) Run(ctx context.Context, ownerID, pipeline string, items []json.RawMessage) (string, error) {
	p := c.pipelines.Get(pipeline)
	if p == nil {
		return "", errors.WithHint(
			errors.NewInvalidRequestError("unknown pipeline %q", pipeline),
			"valid pipelines: "+strings.Join(c.pipelines.Names(), ", "))
	}
	if len(items) == 0 {
		return "", errors.NewInvalidRequestError("batch has no items")
	}
	if len(items) > c.cfg.MaxItems {
		return "", errors.NewInvalidRequestError("batch has %d items, the limit is %d", len(items), c.cfg.MaxItems)
	}

	t, jobCtx, err := c.registry.Create(ctx, ownerID, pipeline)
	if err != nil {
		return "", errors.Wrap(err, "create job")
	}

	go c.process(jobCtx, t, p, items)
	return t.ID(), nil
}

// RunCSV parses a csvImport upload into rows and runs them
func (c *Coordinator) RunCSV(ctx context.Context, ownerID, csvText string) (string, error) {
	rows, err := c.rows.ParseRows(ctx, strings.NewReader(csvText))
	if err != nil {
		return "", err
	}
	items := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return "", errors.Wrap(err, "encode csv row")
		}
		items = append(items, data)
	}
	return c.Run(ctx, ownerID, PipelineCSVImport, items)
}

type expanded struct {
	input json.RawMessage
	query provider.Query
	err   error
}

func (c *Coordinator) process(ctx context.Context, t *Tracker, p Pipeline, items []json.RawMessage) {
	log := logger.FromContext(ctx, c.logger).With(logger.FieldPipeline, p.Name())
	persistCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Errorw("Job panicked", "panic", rec, "stack", string(debug.Stack()))
			pctx, cancel := persistCtx()
			defer cancel()
			_ = t.Fail(pctx, errors.Newf("internal error: %v", rec))
		}
	}()

	if err := t.Start(); err != nil {
		log.Warnw("Job could not start", logger.FieldError, err)
		return
	}

	work, err := c.expand(ctx, p, items)
	if err != nil {
		pctx, cancel := persistCtx()
		defer cancel()
		if ctx.Err() == nil {
			_ = t.Fail(pctx, err)
		}
		return
	}

	inputs := make([]json.RawMessage, len(work))
	for i, w := range work {
		inputs[i] = w.input
	}
	indices, err := t.AppendItems(inputs...)
	if err != nil {
		return
	}

	// Distinct cache keys in first-seen order, each with every index it answers
	var keys []string
	byKey := make(map[string][]int)
	queries := make(map[string]provider.Query)
	for i, w := range work {
		if w.err != nil {
			if err := t.FailItem(indices[i], w.err); err != nil {
				return
			}
			continue
		}
		key := w.query.CacheKey()
		if _, seen := byKey[key]; !seen {
			keys = append(keys, key)
			queries[key] = w.query
		}
		byKey[key] = append(byKey[key], indices[i])
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, key := range keys {
		g.Go(func() error {
			idxs := byKey[key]
			for _, idx := range idxs {
				if err := t.ItemStarted(idx); err != nil {
					return err
				}
			}
			res, err := c.resolve(gctx, queries[key], log)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				for _, idx := range idxs {
					if ferr := t.FailItem(idx, err); ferr != nil {
						return ferr
					}
				}
				return nil
			}
			for _, idx := range idxs {
				if err := t.CompleteItem(idx, res); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if !errors.Is(err, errors.ErrJobTerminal) && !errors.Is(err, context.Canceled) {
			log.Warnw("Job stopped early", logger.FieldError, err)
		}
	}

	pctx, cancel := persistCtx()
	defer cancel()
	if ctx.Err() != nil {
		// Canceled by the client or by shutdown; Cancel is a no-op if already terminal
		_ = t.Cancel(pctx)
		return
	}
	if err := t.Finish(pctx); err != nil && !errors.Is(err, errors.ErrJobTerminal) {
		log.Errorw("Job finished with error", logger.FieldError, err)
	}
}

// expand runs every item through the pipeline. Malformed items are kept as
// error entries; any other pipeline error aborts the job.
func (c *Coordinator) expand(ctx context.Context, p Pipeline, items []json.RawMessage) ([]expanded, error) {
	var out []expanded
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		queries, err := p.Expand(ctx, item)
		if err != nil {
			if errors.Is(err, errors.ErrMalformedItem) {
				out = append(out, expanded{input: item, err: errors.Wrapf(err, "item %d", i)})
				continue
			}
			return nil, err
		}
		if p.Name() != PipelineShelfScan {
			for _, q := range queries {
				out = append(out, expanded{input: item, query: q, err: q.Validate()})
			}
			continue
		}
		// Detected books become items of their own
		for _, q := range queries {
			data, merr := json.Marshal(q)
			if merr != nil {
				return nil, errors.Wrap(merr, "encode detected query")
			}
			out = append(out, expanded{input: data, query: q, err: q.Validate()})
		}
	}
	return out, nil
}

// resolve retries whole-item failures, where no provider could be reached,
// with exponential backoff. A result that is still unavailable after the
// last retry is returned as not found.
func (c *Coordinator) resolve(ctx context.Context, q provider.Query, log *zap.SugaredLogger) (*enrich.Result, error) {
	backoff := c.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		res, err := c.resolver.Resolve(ctx, q)
		if err != nil {
			return nil, err
		}
		if !res.Unavailable() || attempt >= c.cfg.ItemRetries {
			return res, nil
		}
		log.Infow("All providers unavailable, retrying item",
			logger.FieldQuery, q.String(),
			"attempt", attempt+1,
			"max_retries", c.cfg.ItemRetries,
			"backoff", backoff.String())
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
