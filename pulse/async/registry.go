package async

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/logger"
	"github.com/teranos/bookenrich/pulse/stream"
)

// Registry defaults
const (
	DefaultRetention     = 2 * time.Hour
	DefaultIdleTimeout   = 10 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Purger drops expired cache rows during a sweep
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// RegistryConfig sizes jobs and their progress channels
type RegistryConfig struct {
	Retention           time.Duration
	IdleTimeout         time.Duration
	EventBufferSize     int
	SubscriberQueueSize int
}

// Registry owns every live tracker and the job store behind them
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker
	store    *Store
	cfg      RegistryConfig
	purger   Purger
	base     context.Context
	stop     context.CancelFunc
	now      func() time.Time // Injectable for testing
	logger   *zap.SugaredLogger

	idleLogged map[string]bool
}

// NewRegistry creates a registry over store. purger may be nil.
func NewRegistry(store *Store, cfg RegistryConfig, purger Purger, log *zap.SugaredLogger) *Registry {
	return NewRegistryWithClock(store, cfg, purger, time.Now, log)
}

// NewRegistryWithClock creates a registry with an injectable clock (for testing)
func NewRegistryWithClock(store *Store, cfg RegistryConfig, purger Purger, now func() time.Time, log *zap.SugaredLogger) *Registry {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	base, stop := context.WithCancel(context.Background())
	return &Registry{
		trackers:   make(map[string]*Tracker),
		store:      store,
		cfg:        cfg,
		purger:     purger,
		base:       base,
		stop:       stop,
		now:        now,
		logger:     log,
		idleLogged: make(map[string]bool),
	}
}

// Create registers and persists a new queued job. The returned context is
// canceled when the job is canceled, fails, or the registry shuts down.
func (r *Registry) Create(ctx context.Context, ownerID, pipeline string) (*Tracker, context.Context, error) {
	job := NewJob(ownerID, pipeline, r.cfg.Retention, r.now())
	if err := r.store.CreateJob(ctx, job); err != nil {
		return nil, nil, err
	}

	jobCtx, cancel := context.WithCancel(r.base)
	jobCtx = logger.WithJobID(jobCtx, job.ID)
	jobCtx = logger.WithClientID(jobCtx, ownerID)

	buf := stream.NewBuffer(job.ID, r.cfg.EventBufferSize, r.cfg.SubscriberQueueSize, r.now)
	t := NewTracker(job, buf, r.store, cancel, r.now, r.logger)

	r.mu.Lock()
	r.trackers[job.ID] = t
	r.mu.Unlock()
	return t, jobCtx, nil
}

// Get returns the live tracker for a job the owner may see.
// Another owner's job is reported as not found.
func (r *Registry) Get(ownerID, jobID string) (*Tracker, error) {
	r.mu.RLock()
	t, ok := r.trackers[jobID]
	r.mu.RUnlock()
	if !ok || t.OwnerID() != ownerID {
		return nil, errors.Wrapf(errors.ErrJobNotFound, "%s", jobID)
	}
	if t.Snapshot(false).Expired(r.now()) {
		return nil, errors.Wrapf(errors.ErrJobExpired, "job %s", jobID)
	}
	return t, nil
}

// Job returns a snapshot of a job from memory or the store.
// Expired jobs that have not been swept yet return ErrJobExpired, whether
// or not they are still running.
func (r *Registry) Job(ctx context.Context, ownerID, jobID string, withItems bool) (*Job, error) {
	r.mu.RLock()
	t, ok := r.trackers[jobID]
	r.mu.RUnlock()

	var job *Job
	if ok {
		job = t.Snapshot(withItems)
	} else {
		stored, err := r.store.GetJob(ctx, jobID, withItems)
		if err != nil {
			return nil, err
		}
		job = stored
	}

	if job.OwnerID != ownerID {
		return nil, errors.Wrapf(errors.ErrJobNotFound, "%s", jobID)
	}
	if job.Expired(r.now()) {
		return nil, errors.Wrapf(errors.ErrJobExpired, "job %s", jobID)
	}
	return job, nil
}

// Cancel cancels a running job
func (r *Registry) Cancel(ctx context.Context, ownerID, jobID string) error {
	t, err := r.Get(ownerID, jobID)
	if err != nil {
		return err
	}
	return t.Cancel(ctx)
}

// Active returns the number of jobs not yet terminal
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.trackers {
		if !t.Status().Terminal() {
			n++
		}
	}
	return n
}

// SweepStats reports what one sweep removed
type SweepStats struct {
	JobsEvicted  int   `json:"jobsEvicted"`
	JobsExpired  int   `json:"jobsExpired"` // still running at expiry, canceled
	JobsDeleted  int64 `json:"jobsDeleted"`
	CachePurged  int64 `json:"cachePurged"`
	IdleDetached int   `json:"idleDetached"`
}

// Sweep evicts expired trackers, deletes expired jobs and cache rows, and logs
// jobs that have had no subscriber for longer than the idle timeout.
// Expiry is counted from creation regardless of activity: a job still running
// past its expiry is canceled before its row is deleted. Idle jobs that have
// not expired keep running; a client may still reconnect.
func (r *Registry) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := r.now()

	var overdue []*Tracker
	r.mu.Lock()
	for id, t := range r.trackers {
		snap := t.Snapshot(false)
		if snap.Expired(now) {
			delete(r.trackers, id)
			delete(r.idleLogged, id)
			stats.JobsEvicted++
			if !snap.Status.Terminal() {
				overdue = append(overdue, t)
			}
			continue
		}
		if idle, ok := t.Buffer().Detached(); ok && idle >= r.cfg.IdleTimeout {
			stats.IdleDetached++
			if !r.idleLogged[id] {
				r.idleLogged[id] = true
				r.logger.Infow("Job has no subscriber, continuing in background",
					logger.FieldJobID, id,
					"idle", idle.Round(time.Second).String(),
					logger.FieldStatus, snap.Status)
			}
		} else {
			delete(r.idleLogged, id)
		}
	}
	r.mu.Unlock()

	// Persisted as canceled first so the row deleted below is never a live job
	for _, t := range overdue {
		if err := t.Expire(ctx); err != nil {
			if !errors.Is(err, errors.ErrJobTerminal) {
				r.logger.Warnw("Failed to cancel expired job", logger.FieldJobID, t.ID(), logger.FieldError, err)
			}
			continue
		}
		stats.JobsExpired++
	}

	deleted, err := r.store.DeleteExpired(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.JobsDeleted = deleted

	if r.purger != nil {
		purged, err := r.purger.Purge(ctx)
		if err != nil {
			return stats, errors.Wrap(err, "purge expired cache entries")
		}
		stats.CachePurged = purged
	}

	if stats.JobsEvicted > 0 || stats.JobsDeleted > 0 || stats.CachePurged > 0 {
		r.logger.Infow("Expiry sweep",
			"jobs_evicted", stats.JobsEvicted,
			"jobs_expired", stats.JobsExpired,
			"jobs_deleted", stats.JobsDeleted,
			"cache_purged", stats.CachePurged)
	}
	return stats, nil
}

// RunSweeper sweeps every interval until ctx is done
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warnw("Expiry sweep failed", logger.FieldError, err)
			}
		}
	}
}

// Shutdown cancels every running job and stops new job contexts
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	running := make([]*Tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		if !t.Status().Terminal() {
			running = append(running, t)
		}
	}
	r.mu.RUnlock()

	for _, t := range running {
		if err := t.cancelWith(ctx, CancelReasonShutdown); err != nil && !errors.Is(err, errors.ErrJobTerminal) {
			r.logger.Warnw("Failed to cancel job on shutdown", logger.FieldJobID, t.ID(), logger.FieldError, err)
		}
	}
	r.stop()
	if len(running) > 0 {
		r.logger.Infow("Canceled running jobs for shutdown", logger.FieldCount, len(running))
	}
}
