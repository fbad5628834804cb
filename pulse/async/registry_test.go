package async

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/bookenrich/errors"
	bktest "github.com/teranos/bookenrich/internal/testing"
	"github.com/teranos/bookenrich/pulse/stream"
)

type countingPurger struct{ calls int }

func (p *countingPurger) Purge(context.Context) (int64, error) {
	p.calls++
	return 3, nil
}

func TestRegistry_OwnerIsolation(t *testing.T) {
	reg := newTestRegistry(t, newMockClock())
	ctx := context.Background()

	tr, _, err := reg.Create(ctx, "alice", PipelineBatchEnrichment)
	require.NoError(t, err)

	_, err = reg.Get("alice", tr.ID())
	assert.NoError(t, err)

	_, err = reg.Get("mallory", tr.ID())
	assert.True(t, errors.Is(err, errors.ErrJobNotFound))
	_, err = reg.Job(ctx, "mallory", tr.ID(), true)
	assert.True(t, errors.Is(err, errors.ErrJobNotFound))
	err = reg.Cancel(ctx, "mallory", tr.ID())
	assert.True(t, errors.Is(err, errors.ErrJobNotFound))

	_, err = reg.Get("alice", "00000000-0000-0000-0000-000000000000")
	assert.True(t, errors.IsNotFoundError(err))
}

// Test Case: Expiry Enforcement
// Given: A finished job with a 2h retention
// When: Results are fetched one second either side of expiresAt
// Then: They are served before, 410 (expired) after, and 404 once swept
func TestRegistry_ExpiryEnforcement(t *testing.T) {
	clock := newMockClock()
	reg := newTestRegistry(t, clock)
	ctx := context.Background()

	tr, _, err := reg.Create(ctx, "alice", PipelineBatchEnrichment)
	require.NoError(t, err)
	require.NoError(t, tr.Start())
	require.NoError(t, tr.Finish(ctx))
	expiresAt := tr.Snapshot(false).ExpiresAt

	clock.Advance(expiresAt.Add(-time.Second).Sub(clock.Now()))
	job, err := reg.Job(ctx, "alice", tr.ID(), true)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status)

	clock.Advance(2 * time.Second)
	_, err = reg.Job(ctx, "alice", tr.ID(), true)
	assert.True(t, errors.Is(err, errors.ErrJobExpired))
	_, err = reg.Get("alice", tr.ID())
	assert.True(t, errors.Is(err, errors.ErrJobExpired))

	stats, err := reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.JobsEvicted)
	assert.Zero(t, stats.JobsExpired)
	assert.EqualValues(t, 1, stats.JobsDeleted)

	_, err = reg.Job(ctx, "alice", tr.ID(), true)
	assert.True(t, errors.Is(err, errors.ErrJobNotFound))
}

// Test Case: Expiry of a running job
// Given: A job still processing when its retention window passes
// When: The sweeper runs
// Then: The job is canceled as expired and removed, and a late Finish
// cannot turn it into a failure
func TestRegistry_SweepCancelsRunningJobAtExpiry(t *testing.T) {
	clock := newMockClock()
	reg := newTestRegistry(t, clock)
	ctx := context.Background()

	tr, jobCtx, err := reg.Create(ctx, "alice", PipelineBatchEnrichment)
	require.NoError(t, err)
	require.NoError(t, tr.Start())
	_, err = tr.AppendItems(json.RawMessage(`{"identifier":"9780143127741"}`))
	require.NoError(t, err)

	clock.Advance(2*time.Hour + time.Second)
	_, err = reg.Get("alice", tr.ID())
	assert.True(t, errors.Is(err, errors.ErrJobExpired), "expiry holds while the job is running")
	_, err = reg.Job(ctx, "alice", tr.ID(), false)
	assert.True(t, errors.Is(err, errors.ErrJobExpired))

	stats, err := reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.JobsEvicted)
	assert.Equal(t, 1, stats.JobsExpired)
	assert.EqualValues(t, 1, stats.JobsDeleted)

	assert.Equal(t, JobStatusCanceled, tr.Status())
	assert.ErrorIs(t, jobCtx.Err(), context.Canceled)

	err = tr.Finish(ctx)
	assert.True(t, errors.Is(err, errors.ErrJobTerminal))
	assert.Equal(t, JobStatusCanceled, tr.Status())

	events := collect(t, tr)
	last := events[len(events)-1]
	require.Equal(t, stream.EventCanceled, last.Type)
	var payload CanceledPayload
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	assert.Equal(t, CancelReasonExpired, payload.Reason)

	_, err = reg.Job(ctx, "alice", tr.ID(), false)
	assert.True(t, errors.Is(err, errors.ErrJobNotFound))
}

func TestRegistry_JobFallsBackToStore(t *testing.T) {
	clock := newMockClock()
	store := NewStore(bktest.CreateTestDB(t))
	ctx := context.Background()

	first := NewRegistryWithClock(store, RegistryConfig{}, nil, clock.Now, nil)
	tr, _, err := first.Create(ctx, "alice", PipelineCSVImport)
	require.NoError(t, err)
	require.NoError(t, tr.Start())
	require.NoError(t, tr.Finish(ctx))

	// A fresh registry over the same store, as after a restart
	second := NewRegistryWithClock(store, RegistryConfig{}, nil, clock.Now, nil)
	job, err := second.Job(ctx, "alice", tr.ID(), false)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status)
}

func TestRegistry_SweepPurgesCacheAndLogsIdleJobs(t *testing.T) {
	clock := newMockClock()
	core, logs := observer.New(zapcore.InfoLevel)
	purger := &countingPurger{}
	reg := NewRegistryWithClock(NewStore(bktest.CreateTestDB(t)),
		RegistryConfig{IdleTimeout: 10 * time.Minute}, purger, clock.Now, zap.New(core).Sugar())
	ctx := context.Background()

	tr, _, err := reg.Create(ctx, "alice", PipelineBatchEnrichment)
	require.NoError(t, err)
	require.NoError(t, tr.Start())

	clock.Advance(11 * time.Minute)
	stats, err := reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.IdleDetached)
	assert.EqualValues(t, 3, stats.CachePurged)
	assert.Equal(t, 1, purger.calls)
	assert.Equal(t, 1, logs.FilterMessage("Job has no subscriber, continuing in background").Len())

	// Logged once per idle stretch, and the job keeps running
	_, err = reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("Job has no subscriber, continuing in background").Len())
	assert.Equal(t, JobStatusProcessing, tr.Status())
}

func TestRegistry_ShutdownCancelsRunningJobs(t *testing.T) {
	reg := newTestRegistry(t, newMockClock())
	ctx := context.Background()

	running, jobCtx, err := reg.Create(ctx, "alice", PipelineBatchEnrichment)
	require.NoError(t, err)
	require.NoError(t, running.Start())

	done, _, err := reg.Create(ctx, "alice", PipelineBatchEnrichment)
	require.NoError(t, err)
	require.NoError(t, done.Start())
	require.NoError(t, done.Finish(ctx))

	assert.Equal(t, 1, reg.Active())
	reg.Shutdown(ctx)

	assert.Equal(t, JobStatusCanceled, running.Status())
	assert.Equal(t, JobStatusCompleted, done.Status())
	assert.ErrorIs(t, jobCtx.Err(), context.Canceled)
	assert.Zero(t, reg.Active())
}
