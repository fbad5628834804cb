// Package stream is the per-job progress channel.
//
// A Buffer assigns event IDs and keeps the most recent events in a bounded
// ring so a reconnecting client can resume from its Last-Event-ID. Each
// Subscription has its own bounded queue; a subscriber that falls behind is
// dropped with ErrLagged instead of stalling the publisher.
package stream

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/teranos/bookenrich/errors"
)

// Defaults for buffer and subscriber sizing
const (
	DefaultBufferSize = 256
	DefaultQueueSize  = 512
)

// ErrLagged is returned by Next when the subscriber's queue overflowed.
// The client should reconnect with its last seen event ID.
var ErrLagged = errors.New("subscriber lagged behind the event stream")

// EventType names a progress event
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
	EventCanceled EventType = "canceled"
)

// Terminal reports whether no event can follow this type
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError || t == EventCanceled
}

// Event is one progress notification. IDs start at 1 per job and strictly increase.
type Event struct {
	ID        int64           `json:"eventId"`
	JobID     string          `json:"jobId"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"data"`
	EmittedAt time.Time       `json:"emittedAt"`
}

// Buffer is the replay ring and subscriber set for one job
type Buffer struct {
	mu        sync.Mutex
	jobID     string
	ring      []Event
	head      int // index of the oldest event
	count     int
	nextID    int64
	closed    bool
	subs      map[*Subscription]struct{}
	queueSize int
	now       func() time.Time

	detachedSince time.Time
}

// NewBuffer creates an empty buffer for jobID
func NewBuffer(jobID string, size, queueSize int, now func() time.Time) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if now == nil {
		now = time.Now
	}
	return &Buffer{
		jobID:         jobID,
		ring:          make([]Event, size),
		nextID:        1,
		subs:          make(map[*Subscription]struct{}),
		queueSize:     queueSize,
		now:           now,
		detachedSince: now(),
	}
}

// Publish assigns the next event ID, buffers the event and hands it to every
// subscriber. A terminal event closes the buffer.
func (b *Buffer) Publish(typ EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.Wrapf(err, "encoding %s event", typ)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Event{}, errors.Wrapf(errors.ErrJobTerminal, "publish %s to job %s", typ, b.jobID)
	}

	ev := Event{ID: b.nextID, JobID: b.jobID, Type: typ, Payload: data, EmittedAt: b.now()}
	b.nextID++
	b.push(ev)

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.lagged = true
			b.detach(sub)
		}
	}

	if typ.Terminal() {
		b.closed = true
		for sub := range b.subs {
			b.detach(sub)
		}
	}
	return ev, nil
}

func (b *Buffer) push(ev Event) {
	size := len(b.ring)
	if b.count < size {
		b.ring[(b.head+b.count)%size] = ev
		b.count++
		return
	}
	b.ring[b.head] = ev
	b.head = (b.head + 1) % size
}

// Subscribe replays buffered events newer than lastSeen and then delivers
// live events. Replay and registration happen under one lock, so no event
// is missed or duplicated between them.
func (b *Buffer) Subscribe(lastSeen int64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []Event
	gap := false
	if b.count > 0 {
		oldest := b.ring[b.head].ID
		gap = lastSeen+1 < oldest
		for i := 0; i < b.count; i++ {
			ev := b.ring[(b.head+i)%len(b.ring)]
			if ev.ID > lastSeen {
				replay = append(replay, ev)
			}
		}
	}

	sub := &Subscription{
		buf: b,
		ch:  make(chan Event, b.queueSize+len(replay)),
		gap: gap,
	}
	for _, ev := range replay {
		sub.ch <- ev
	}

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// detach removes sub and closes its queue. Caller holds b.mu.
func (b *Buffer) detach(sub *Subscription) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
	if len(b.subs) == 0 {
		b.detachedSince = b.now()
	}
}

// LastEventID returns the ID of the newest event, 0 if none
func (b *Buffer) LastEventID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID - 1
}

// Closed reports whether a terminal event was published
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Subscribers returns the number of live subscriptions
func (b *Buffer) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Detached reports how long an open job has had no subscriber.
// ok is false while someone is listening or once the job has finished.
func (b *Buffer) Detached() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.subs) > 0 {
		return 0, false
	}
	return b.now().Sub(b.detachedSince), true
}

// Subscription is one consumer's ordered view of a job's events
type Subscription struct {
	buf    *Buffer
	ch     chan Event
	gap    bool
	lagged bool // written under buf.mu before ch is closed
}

// Next blocks for the next event. It returns io.EOF after the terminal event
// has been delivered and ErrLagged if the subscriber was dropped for falling behind.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-s.ch:
		if ok {
			return ev, nil
		}
		return Event{}, s.Err()
	}
}

// Events exposes the queue for select loops. Once it is closed, Err reports why.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Err returns ErrLagged if the subscriber was dropped for falling behind and
// io.EOF otherwise. It is only meaningful after Events is closed.
func (s *Subscription) Err() error {
	s.buf.mu.Lock()
	defer s.buf.mu.Unlock()
	if s.lagged {
		return ErrLagged
	}
	return io.EOF
}

// Gap reports that the requested resume point was older than the buffer
// window; replay started from the oldest buffered event.
func (s *Subscription) Gap() bool {
	return s.gap
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.buf.mu.Lock()
	defer s.buf.mu.Unlock()
	s.buf.detach(s)
}
