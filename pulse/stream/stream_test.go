package stream

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/bookenrich/errors"
)

type progress struct {
	Type           string `json:"type"`
	ProcessedCount int    `json:"processedCount"`
}

func publishProgress(t *testing.T, b *Buffer, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := b.Publish(EventProgress, progress{Type: "progress", ProcessedCount: i})
		require.NoError(t, err)
	}
}

func drain(t *testing.T, sub *Subscription) ([]int64, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var ids []int64
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return ids, err
		}
		ids = append(ids, ev.ID)
	}
}

func TestPublish_AssignsIncreasingIDs(t *testing.T) {
	b := NewBuffer("job-1", 8, 8, nil)
	assert.EqualValues(t, 0, b.LastEventID())

	ev, err := b.Publish(EventProgress, progress{Type: "progress", ProcessedCount: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 1, ev.ID)
	assert.Equal(t, "job-1", ev.JobID)

	var p progress
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, 1, p.ProcessedCount)

	ev, err = b.Publish(EventComplete, map[string]string{"type": "complete"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, ev.ID)
	assert.True(t, b.Closed())

	_, err = b.Publish(EventProgress, progress{})
	assert.True(t, errors.Is(err, errors.ErrJobTerminal))
}

func TestSubscribe_ResumeAfterLastSeen(t *testing.T) {
	b := NewBuffer("job-1", 16, 16, nil)
	publishProgress(t, b, 5)
	_, err := b.Publish(EventComplete, map[string]string{"type": "complete"})
	require.NoError(t, err)

	sub := b.Subscribe(3)
	assert.False(t, sub.Gap())
	ids, err := drain(t, sub)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []int64{4, 5, 6}, ids)

	ids, err = drain(t, b.Subscribe(6))
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, ids, "nothing after the terminal event")
}

func TestSubscribe_GapWhenResumePointEvicted(t *testing.T) {
	b := NewBuffer("job-1", 4, 16, nil)
	publishProgress(t, b, 10) // ring holds 7..10

	sub := b.Subscribe(2)
	assert.True(t, sub.Gap())
	sub.Close()

	sub = b.Subscribe(6)
	assert.False(t, sub.Gap(), "6 is directly before the oldest buffered event")
	_, err := b.Publish(EventComplete, map[string]string{"type": "complete"})
	require.NoError(t, err)

	ids, err := drain(t, sub)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []int64{7, 8, 9, 10, 11}, ids)
}

func TestSubscribe_ReplayThenLiveWithoutDuplicates(t *testing.T) {
	b := NewBuffer("job-1", 64, 64, nil)
	publishProgress(t, b, 3)

	sub := b.Subscribe(0)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, _ = b.Publish(EventProgress, progress{Type: "progress"})
		}
		_, _ = b.Publish(EventComplete, map[string]string{"type": "complete"})
	}()

	ids, err := drain(t, sub)
	wg.Wait()
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, ids, 24)
	for i, id := range ids {
		assert.EqualValues(t, i+1, id)
	}
}

func TestSubscription_Lagged(t *testing.T) {
	b := NewBuffer("job-1", 64, 2, nil)
	sub := b.Subscribe(0)

	publishProgress(t, b, 3) // third does not fit

	ids, err := drain(t, sub)
	assert.ErrorIs(t, err, ErrLagged)
	assert.Equal(t, []int64{1, 2}, ids)
	assert.Zero(t, b.Subscribers())

	// Resuming from the last delivered event picks up the dropped one
	ids, _ = drainUntilIdle(b.Subscribe(2))
	assert.Equal(t, []int64{3}, ids)
}

func TestSubscription_EventsThenErr(t *testing.T) {
	b := NewBuffer("job-1", 8, 8, nil)
	sub := b.Subscribe(0)

	publishProgress(t, b, 1)
	_, err := b.Publish(EventComplete, map[string]string{"type": "complete"})
	require.NoError(t, err)

	var types []EventType
	for ev := range sub.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventProgress, EventComplete}, types)
	assert.ErrorIs(t, sub.Err(), io.EOF)
}

func drainUntilIdle(sub *Subscription) ([]int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var ids []int64
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return ids, err
		}
		ids = append(ids, ev.ID)
	}
}

func TestSubscription_NextRespectsContext(t *testing.T) {
	b := NewBuffer("job-1", 8, 8, nil)
	sub := b.Subscribe(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetached(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := NewBuffer("job-1", 8, 8, clock)

	d, ok := b.Detached()
	assert.True(t, ok)
	assert.Zero(t, d)

	sub := b.Subscribe(0)
	_, ok = b.Detached()
	assert.False(t, ok)

	sub.Close()
	sub.Close()
	now = now.Add(11 * time.Minute)
	d, ok = b.Detached()
	assert.True(t, ok)
	assert.Equal(t, 11*time.Minute, d)

	_, err := b.Publish(EventCanceled, map[string]string{"type": "canceled"})
	require.NoError(t, err)
	_, ok = b.Detached()
	assert.False(t, ok, "finished jobs are never idle")
}
