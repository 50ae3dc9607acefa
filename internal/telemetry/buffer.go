// internal/telemetry/buffer.go
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// Buffer holds the unacknowledged events of one session. When it grows
// past its capacity the oldest events collapse into a single gap marker at
// the head, so an observer always learns what it missed.
type Buffer struct {
	sessionID string
	capacity  int

	// last is the highest sequence assigned. Written under mu, read freely.
	last atomic.Uint64

	mu      sync.Mutex
	events  []schemas.ProgressEvent
	acked   uint64
	updated chan struct{}
	closed  bool
}

// NewBuffer creates a buffer. Capacities below 2 are raised to 2 so a gap
// marker always leaves room for at least one real event.
func NewBuffer(sessionID string, capacity int) *Buffer {
	if capacity < 2 {
		capacity = 2
	}
	return &Buffer{
		sessionID: sessionID,
		capacity:  capacity,
		updated:   make(chan struct{}),
	}
}

// Append assigns the next sequence to ev, stores it, and returns the stored
// event plus the number of events dropped to make room. It never blocks on
// readers.
func (b *Buffer) Append(ev schemas.ProgressEvent) (schemas.ProgressEvent, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev.Version = schemas.EventSchemaVersion
	ev.SessionID = b.sessionID
	ev.Sequence = b.last.Add(1)
	b.events = append(b.events, ev)

	dropped := 0
	for len(b.events) > b.capacity {
		head := b.events[0]
		if head.IsGap() {
			victim := b.events[1]
			b.events[0] = gapMarker(b.sessionID, head.Gap.From, victim.Sequence, victim.Time)
			b.events = append(b.events[:1], b.events[2:]...)
		} else {
			b.events[0] = gapMarker(b.sessionID, head.Sequence, head.Sequence, head.Time)
		}
		dropped++
	}

	b.wake()
	return ev, dropped
}

// Ack discards retained events up to and including seq.
func (b *Buffer) Ack(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq <= b.acked {
		return
	}
	b.acked = seq
	i := 0
	for i < len(b.events) && b.events[i].Sequence <= seq {
		i++
	}
	b.events = append(b.events[:0:0], b.events[i:]...)
}

// Since returns the retained events with a sequence after since. When the
// caller asks for history that is no longer retained, the result starts
// with a gap marker covering the missing range.
func (b *Buffer) Since(since uint64) []schemas.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	last := b.last.Load()
	from := since + 1
	if from > last {
		return nil
	}

	out := make([]schemas.ProgressEvent, 0, len(b.events)+1)
	if len(b.events) == 0 {
		return append(out, gapMarker(b.sessionID, from, last, time.Time{}))
	}

	head := b.events[0]
	rest := b.events
	oldest := head.Sequence
	if head.IsGap() {
		oldest = head.Gap.From
	}
	switch {
	case from < oldest && head.IsGap():
		out = append(out, gapMarker(b.sessionID, from, head.Gap.To, head.Time))
		rest = rest[1:]
	case from < oldest:
		out = append(out, gapMarker(b.sessionID, from, oldest-1, head.Time))
	}

	for _, ev := range rest {
		switch {
		case ev.IsGap() && ev.Gap.To >= from:
			out = append(out, gapMarker(b.sessionID, max(ev.Gap.From, from), ev.Gap.To, ev.Time))
		case !ev.IsGap() && ev.Sequence >= from:
			out = append(out, ev)
		}
	}
	return out
}

// Last returns the highest sequence assigned so far.
func (b *Buffer) Last() uint64 { return b.last.Load() }

// Acked returns the highest acknowledged sequence.
func (b *Buffer) Acked() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Len returns the number of retained entries, gap marker included.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Updated returns a channel closed at the next Append or Close. Take it
// before calling Since so no wakeup is missed.
func (b *Buffer) Updated() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updated
}

// Close marks the stream finished. Streams end once they delivered Last.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.updated)
}

// Closed reports whether Close was called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Buffer) wake() {
	if b.closed {
		return
	}
	close(b.updated)
	b.updated = make(chan struct{})
}

func gapMarker(sessionID string, from, to uint64, at time.Time) schemas.ProgressEvent {
	return schemas.ProgressEvent{
		Version:   schemas.EventSchemaVersion,
		SessionID: sessionID,
		Sequence:  to,
		Status:    schemas.StatusGap,
		Gap:       &schemas.Gap{From: from, To: to},
		Time:      at,
	}
}
