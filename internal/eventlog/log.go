// Package eventlog holds the append-only log of round events. The settlement
// core appends to it and never knows who reads; relays tail it by sequence
// number the same way a Redis stream consumer tails XREAD.
package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// defaultRetain bounds the in-memory window of the log.
const defaultRetain = 10_000

// Log is an append-only, sequence-numbered event log. It is safe for
// concurrent use. Sequence numbers start at 1 and never repeat; once more
// than the retention limit is held, the oldest entries are dropped from
// memory but sequence numbers continue.
type Log struct {
	mu     sync.RWMutex
	events []domain.Event
	base   uint64 // sequence number of the entry before events[0]
	retain int
	notify chan struct{}
	now    func() time.Time
}

// New creates a Log keeping at most retain entries in memory. A retain of
// zero selects the default.
func New(retain int) *Log {
	if retain <= 0 {
		retain = defaultRetain
	}
	return &Log{
		retain: retain,
		notify: make(chan struct{}),
		now:    time.Now,
	}
}

// Append stamps evt with the next sequence number, an ID and (if unset) the
// current time, stores it, and wakes any waiters. The stamped event is
// returned.
func (l *Log) Append(evt domain.Event) domain.Event {
	l.mu.Lock()
	evt.Seq = l.base + uint64(len(l.events)) + 1
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = l.now().UTC()
	}
	l.events = append(l.events, evt)
	if over := len(l.events) - l.retain; over > 0 {
		l.events = append([]domain.Event(nil), l.events[over:]...)
		l.base += uint64(over)
	}
	ch := l.notify
	l.notify = make(chan struct{})
	l.mu.Unlock()

	close(ch)
	return evt
}

// Read returns up to count events with a sequence number greater than after,
// oldest first. A count <= 0 means no limit.
func (l *Log) Read(after uint64, count int) []domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if after > l.base {
		start = int(after - l.base)
	}
	if start >= len(l.events) {
		return nil
	}
	end := len(l.events)
	if count > 0 && start+count < end {
		end = start + count
	}
	out := make([]domain.Event, end-start)
	copy(out, l.events[start:end])
	return out
}

// LastSeq returns the sequence number of the newest event, or 0.
func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base + uint64(len(l.events))
}

// Wait returns a channel that is closed by the next Append.
func (l *Log) Wait() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.notify
}

// Follow calls handle for every event after the given sequence number, in
// order, until ctx is cancelled or handle returns an error. It returns the
// sequence number of the last handled event along with the reason it
// stopped.
func (l *Log) Follow(ctx context.Context, after uint64, handle func(domain.Event) error) (uint64, error) {
	for {
		// Take the wait channel before reading so an append between the
		// read and the select is never missed.
		wait := l.Wait()
		for _, evt := range l.Read(after, 256) {
			if err := handle(evt); err != nil {
				return after, err
			}
			after = evt.Seq
		}
		if l.LastSeq() > after {
			continue
		}
		select {
		case <-ctx.Done():
			return after, ctx.Err()
		case <-wait:
		}
	}
}

// Compile-time interface check.
var _ domain.EventPublisher = (*Log)(nil)
