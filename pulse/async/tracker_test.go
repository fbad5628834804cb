package async

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/bookenrich/enrich"
	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/pulse/stream"
)

type failingSaver struct{ err error }

func (f failingSaver) SaveJob(context.Context, *Job) error { return f.err }

func newTestTracker(t *testing.T, saver JobSaver) (*Tracker, *bool) {
	t.Helper()
	clock := newMockClock()
	job := NewJob("client-1", PipelineBatchEnrichment, 2*time.Hour, clock.Now())
	canceled := false
	tr := NewTracker(job, stream.NewBuffer(job.ID, 64, 64, clock.Now), saver, func() { canceled = true }, clock.Now, nil)
	return tr, &canceled
}

func eventTypes(events []stream.Event) []stream.EventType {
	out := make([]stream.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestTracker_EventOrderFollowsMutations(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	ctx := context.Background()

	require.NoError(t, tr.Start())
	idx, err := tr.AppendItems(json.RawMessage(`"a"`), json.RawMessage(`"b"`))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, idx)

	require.NoError(t, tr.ItemStarted(0))
	require.NoError(t, tr.CompleteItem(0, &enrich.Result{Found: true}))
	require.NoError(t, tr.FailItem(1, errors.NewMalformedItemError("bad isbn")))
	require.NoError(t, tr.Finish(ctx))

	events := collect(t, tr)
	assert.Equal(t, []stream.EventType{
		stream.EventProgress, stream.EventProgress, stream.EventProgress, stream.EventProgress, stream.EventComplete,
	}, eventTypes(events))
	for i, ev := range events {
		assert.EqualValues(t, i+1, ev.ID)
	}

	var last ProgressPayload
	require.NoError(t, json.Unmarshal(events[3].Payload, &last))
	assert.Equal(t, 2, last.ProcessedCount)
	assert.Equal(t, 2, last.TotalCount)
	require.NotNil(t, last.CurrentItem)
	assert.Equal(t, ItemError, last.CurrentItem.Status)

	var done CompletePayload
	require.NoError(t, json.Unmarshal(events[4].Payload, &done))
	assert.Equal(t, "complete", done.Type)
	assert.Equal(t, Summary{Created: 1, Failed: 1}, done.Summary)
}

func TestTracker_SummarySemantics(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	require.NoError(t, tr.Start())
	_, err := tr.AppendItems(json.RawMessage(`1`), json.RawMessage(`2`), json.RawMessage(`3`), json.RawMessage(`4`))
	require.NoError(t, err)

	require.NoError(t, tr.CompleteItem(0, &enrich.Result{Found: true}))
	require.NoError(t, tr.CompleteItem(1, &enrich.Result{Found: true, Cached: true}))
	require.NoError(t, tr.CompleteItem(2, &enrich.Result{Found: false}))
	require.NoError(t, tr.FailItem(3, errors.New("boom")))

	assert.Equal(t, Summary{Created: 1, Updated: 1, Skipped: 1, Failed: 1}, tr.Snapshot(false).Summary)

	err = tr.CompleteItem(3, &enrich.Result{Found: true})
	assert.True(t, errors.Is(err, errors.ErrConflict), "items settle once")
}

func TestTracker_TerminalStatesAreFinal(t *testing.T) {
	tr, canceled := newTestTracker(t, nil)
	ctx := context.Background()
	require.NoError(t, tr.Start())
	_, err := tr.AppendItems(json.RawMessage(`"a"`))
	require.NoError(t, err)

	require.NoError(t, tr.Cancel(ctx))
	assert.True(t, *canceled)
	assert.Equal(t, JobStatusCanceled, tr.Status())

	tests := []struct {
		name string
		fn   func() error
	}{
		{"finish", func() error { return tr.Finish(ctx) }},
		{"fail", func() error { return tr.Fail(ctx, errors.New("late")) }},
		{"cancel", func() error { return tr.Cancel(ctx) }},
		{"complete item", func() error { return tr.CompleteItem(0, &enrich.Result{Found: true}) }},
		{"fail item", func() error { return tr.FailItem(0, errors.New("late")) }},
		{"start", tr.Start},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrJobTerminal))
		})
	}

	events := collect(t, tr)
	assert.Equal(t, stream.EventCanceled, events[len(events)-1].Type)
	assert.Zero(t, tr.Snapshot(false).Summary.Created, "late result discarded")
}

func TestTracker_FinishPersistenceFailureFailsJob(t *testing.T) {
	tr, canceled := newTestTracker(t, failingSaver{err: errors.New("database is locked")})
	require.NoError(t, tr.Start())

	err := tr.Finish(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist results")
	assert.True(t, *canceled)

	snap := tr.Snapshot(false)
	assert.Equal(t, JobStatusFailed, snap.Status)
	assert.NotEmpty(t, snap.Error)

	events := collect(t, tr)
	last := events[len(events)-1]
	assert.Equal(t, stream.EventError, last.Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	assert.Equal(t, ErrorCodeDatabaseError, payload.Code)
}

func TestTracker_UnknownItem(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	require.NoError(t, tr.Start())
	err := tr.CompleteItem(7, &enrich.Result{})
	assert.True(t, errors.IsInvalidRequestError(err))
	_, err = tr.Item(7)
	assert.Error(t, err)
}

func TestTracker_FirstProgressCarriesTotal(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	require.NoError(t, tr.Start())
	assert.Zero(t, tr.Buffer().LastEventID(), "start alone emits nothing")

	_, err := tr.AppendItems(json.RawMessage(`"a"`), json.RawMessage(`"b"`), json.RawMessage(`"c"`))
	require.NoError(t, err)
	require.NoError(t, tr.Finish(context.Background()))

	events := collect(t, tr)
	require.Equal(t, stream.EventProgress, events[0].Type)
	var first ProgressPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &first))
	assert.Equal(t, 0, first.ProcessedCount)
	assert.Equal(t, 3, first.TotalCount)
	assert.Nil(t, first.CurrentItem)
}
