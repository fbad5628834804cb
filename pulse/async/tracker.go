package async

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/bookenrich/enrich"
	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/logger"
	"github.com/teranos/bookenrich/pulse/stream"
)

// JobSaver persists a job that reached a terminal state
type JobSaver interface {
	SaveJob(ctx context.Context, job *Job) error
}

// ProgressPayload is the data of a progress event
type ProgressPayload struct {
	Type           string        `json:"type"`
	ProcessedCount int           `json:"processedCount"`
	TotalCount     int           `json:"totalCount"`
	CurrentItem    *ItemProgress `json:"currentItem,omitempty"`
}

// CompletePayload is the data of the complete event
type CompletePayload struct {
	Type    string  `json:"type"`
	Summary Summary `json:"summary"`
}

// ErrorPayload is the data of the error event
type ErrorPayload struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Code    ErrorCode `json:"code,omitempty"`
}

// CanceledPayload is the data of the canceled event
type CanceledPayload struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// Cancel reasons
const (
	CancelReasonClient   = "client"
	CancelReasonExpired  = "expired"
	CancelReasonShutdown = "shutdown"
)

// Tracker is the single mutator of one job. Every mutation and the event it
// emits happen under one lock, so event IDs follow mutation order.
type Tracker struct {
	mu     sync.Mutex
	job    *Job
	buf    *stream.Buffer
	saver  JobSaver
	cancel context.CancelFunc
	now    func() time.Time
	log    *zap.SugaredLogger
}

// NewTracker wraps job. cancel is invoked when the job is canceled or fails.
func NewTracker(job *Job, buf *stream.Buffer, saver JobSaver, cancel context.CancelFunc, now func() time.Time, log *zap.SugaredLogger) *Tracker {
	if now == nil {
		now = time.Now
	}
	if cancel == nil {
		cancel = func() {}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Tracker{
		job:    job,
		buf:    buf,
		saver:  saver,
		cancel: cancel,
		now:    now,
		log:    log.With(logger.FieldJobID, job.ID, logger.FieldPipeline, job.Pipeline),
	}
}

// ID returns the job ID
func (t *Tracker) ID() string { return t.job.ID }

// OwnerID returns the client that submitted the job
func (t *Tracker) OwnerID() string { return t.job.OwnerID }

// Buffer returns the job's progress channel
func (t *Tracker) Buffer() *stream.Buffer { return t.buf }

func (t *Tracker) terminalErr(op string) error {
	return errors.Wrapf(errors.ErrJobTerminal, "%s job %s (%s)", op, t.job.ID, t.job.Status)
}

// emit publishes under t.mu. Publish only fails after a terminal event,
// which the status checks above every call rule out.
func (t *Tracker) emit(typ stream.EventType, payload any) {
	if _, err := t.buf.Publish(typ, payload); err != nil {
		t.log.Warnw("Failed to publish job event", "event_type", typ, logger.FieldError, err)
	}
}

func (t *Tracker) progress(item *ItemProgress) ProgressPayload {
	p := ProgressPayload{
		Type:           string(stream.EventProgress),
		ProcessedCount: t.job.Processed,
		TotalCount:     t.job.TotalItems,
	}
	if item != nil {
		c := *item
		p.CurrentItem = &c
	}
	return p
}

// Start moves the job from queued to processing. The first progress event
// is emitted by AppendItems once the total is known.
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.Status != JobStatusQueued {
		if t.job.Status.Terminal() {
			return t.terminalErr("start")
		}
		return errors.Wrapf(errors.ErrConflict, "job %s already %s", t.job.ID, t.job.Status)
	}
	t.job.Start(t.now())
	t.log.Infow("Job started")
	return nil
}

// AppendItems adds queued items, returns their indices and emits a progress
// event carrying the new total
func (t *Tracker) AppendItems(inputs ...json.RawMessage) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.Status.Terminal() {
		return nil, t.terminalErr("append to")
	}
	indices := make([]int, len(inputs))
	for i, in := range inputs {
		idx := len(t.job.Items)
		t.job.Items = append(t.job.Items, ItemProgress{Index: idx, Status: ItemQueued, Input: in})
		indices[i] = idx
	}
	t.job.TotalItems = len(t.job.Items)
	t.job.UpdatedAt = t.now()
	if len(inputs) > 0 {
		t.emit(stream.EventProgress, t.progress(nil))
		t.log.Debugw("Job items queued", logger.FieldTotalCount, t.job.TotalItems)
	}
	return indices, nil
}

func (t *Tracker) item(idx int) (*ItemProgress, error) {
	if idx < 0 || idx >= len(t.job.Items) {
		return nil, errors.NewInvalidRequestError("job %s has no item %d", t.job.ID, idx)
	}
	return &t.job.Items[idx], nil
}

// ItemStarted marks an item as processing
func (t *Tracker) ItemStarted(idx int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.Status.Terminal() {
		return t.terminalErr("update")
	}
	item, err := t.item(idx)
	if err != nil {
		return err
	}
	if item.Status != ItemQueued {
		return nil
	}
	item.Status = ItemProcessing
	t.job.UpdatedAt = t.now()
	t.emit(stream.EventProgress, t.progress(item))
	return nil
}

// CompleteItem records a resolved item. Results arriving after the job
// ended are discarded with ErrJobTerminal.
func (t *Tracker) CompleteItem(idx int, result *enrich.Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.Status.Terminal() {
		return t.terminalErr("complete item of")
	}
	item, err := t.item(idx)
	if err != nil {
		return err
	}
	if item.Status == ItemComplete || item.Status == ItemError {
		return errors.Wrapf(errors.ErrConflict, "item %d already %s", idx, item.Status)
	}

	item.Status = ItemComplete
	item.Result = result
	switch {
	case result == nil || !result.Found:
		t.job.Summary.Skipped++
	case result.Cached:
		t.job.Summary.Updated++
	default:
		t.job.Summary.Created++
	}
	t.job.Processed++
	t.job.UpdatedAt = t.now()
	t.emit(stream.EventProgress, t.progress(item))
	return nil
}

// FailItem records an item error. The job continues.
func (t *Tracker) FailItem(idx int, itemErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.Status.Terminal() {
		return t.terminalErr("fail item of")
	}
	item, err := t.item(idx)
	if err != nil {
		return err
	}
	if item.Status == ItemComplete || item.Status == ItemError {
		return errors.Wrapf(errors.ErrConflict, "item %d already %s", idx, item.Status)
	}

	item.Status = ItemError
	item.Error = itemErr.Error()
	t.job.Summary.Failed++
	t.job.Processed++
	t.job.UpdatedAt = t.now()
	t.emit(stream.EventProgress, t.progress(item))
	return nil
}

// Finish completes the job and persists its results. If persisting fails the
// job ends failed instead, so a completed job always has stored results.
func (t *Tracker) Finish(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.Status.Terminal() {
		return t.terminalErr("finish")
	}

	t.job.Complete(t.now())
	if err := t.save(ctx); err != nil {
		t.job.Status = JobStatusProcessing
		t.job.CompletedAt = nil
		return t.failLocked(ctx, errors.Wrap(err, "persist results"))
	}

	t.emit(stream.EventComplete, CompletePayload{Type: string(stream.EventComplete), Summary: t.job.Summary})
	t.log.Infow("Job completed",
		"created", t.job.Summary.Created,
		"updated", t.job.Summary.Updated,
		"skipped", t.job.Summary.Skipped,
		"failed", t.job.Summary.Failed)
	return nil
}

// Fail ends the job with a fatal error
func (t *Tracker) Fail(ctx context.Context, jobErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.Status.Terminal() {
		return t.terminalErr("fail")
	}
	return t.failLocked(ctx, jobErr)
}

// failLocked records a failure and returns jobErr so Finish reports why it failed
func (t *Tracker) failLocked(ctx context.Context, jobErr error) error {
	ec := ClassifyError("job", jobErr)
	t.job.Fail(jobErr, t.now())
	t.cancel()
	if err := t.save(ctx); err != nil {
		t.log.Warnw("Failed to persist failed job", logger.FieldError, err)
	}
	t.emit(stream.EventError, ErrorPayload{Type: string(stream.EventError), Message: ec.Message, Code: ec.Code})
	t.log.Errorw("Job failed", logger.FieldErrorCode, ec.Code, logger.FieldError, jobErr)
	return jobErr
}

// Cancel ends the job as canceled and cancels its context. In-flight item
// results are discarded when they arrive.
func (t *Tracker) Cancel(ctx context.Context) error {
	return t.cancelWith(ctx, CancelReasonClient)
}

// Expire cancels a job that outlived its retention window while still running
func (t *Tracker) Expire(ctx context.Context) error {
	return t.cancelWith(ctx, CancelReasonExpired)
}

func (t *Tracker) cancelWith(ctx context.Context, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.Status.Terminal() {
		return t.terminalErr("cancel")
	}
	t.job.Cancel(t.now())
	t.cancel()
	if err := t.save(ctx); err != nil {
		t.log.Warnw("Failed to persist canceled job", logger.FieldError, err)
	}
	t.emit(stream.EventCanceled, CanceledPayload{Type: string(stream.EventCanceled), Reason: reason})
	t.log.Infow("Job canceled",
		"reason", reason,
		"processed", t.job.Processed,
		logger.FieldTotalCount, t.job.TotalItems)
	return nil
}

func (t *Tracker) save(ctx context.Context) error {
	if t.saver == nil {
		return nil
	}
	return t.saver.SaveJob(ctx, t.job)
}

// Snapshot returns a copy of the job
func (t *Tracker) Snapshot(withItems bool) *Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.clone(withItems)
}

// Status returns the current job status
func (t *Tracker) Status() JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.Status
}

// Item returns a copy of one item
func (t *Tracker) Item(idx int) (ItemProgress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, err := t.item(idx)
	if err != nil {
		return ItemProgress{}, err
	}
	return *item, nil
}

func (t *Tracker) String() string {
	return fmt.Sprintf("job %s (%s)", t.job.ID, t.job.Pipeline)
}
