// internal/telemetry/publisher.go
package telemetry

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/clock"
	"github.com/xkilldash9x/formpilot/internal/journal"
	"github.com/xkilldash9x/formpilot/internal/observability"
)

const (
	defaultActionLogSize = 20
	defaultRetention     = 5 * time.Minute
	// drainedRetention applies once every event of a finished session was
	// acknowledged; it gives a reconnecting observer time to see the close.
	drainedRetention = 30 * time.Second
)

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	// Capacity is the number of entries each session buffer holds.
	Capacity int
	// Retention is how long a finished session's buffer is kept for
	// observers that have not acknowledged its final event.
	Retention time.Duration
	Metrics   *observability.Metrics
	Clock     clock.Clock
}

type entry struct {
	buf      *Buffer
	finished time.Time
}

// Publisher owns one Buffer per session. A buffer exists from the moment
// its session opens a Stream until the session has finished and its
// retention ran out.
type Publisher struct {
	opts    PublisherOptions
	metrics *observability.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewPublisher creates a Publisher.
func NewPublisher(opts PublisherOptions, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Publisher{
		opts:    opts,
		metrics: opts.Metrics,
		logger:  logger.Named("telemetry"),
		entries: make(map[string]*entry),
	}
}

// buffer returns the session's buffer, creating it when needed.
func (p *Publisher) buffer(sessionID string) *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	e, ok := p.entries[sessionID]
	if !ok {
		e = &entry{buf: NewBuffer(sessionID, p.opts.Capacity)}
		p.entries[sessionID] = e
	}
	return e.buf
}

// Lookup returns the buffer of a known session. Sessions that never opened
// a Stream, and finished ones past their retention, are unknown.
func (p *Publisher) Lookup(sessionID string) (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	e, ok := p.entries[sessionID]
	if !ok {
		return nil, false
	}
	return e.buf, true
}

// Publish appends ev to its session's buffer and returns it with the
// sequence assigned.
func (p *Publisher) Publish(ev schemas.ProgressEvent) schemas.ProgressEvent {
	stored, dropped := p.buffer(ev.SessionID).Append(ev)
	p.metrics.ObserveEvent()
	if dropped > 0 {
		p.metrics.ObserveGap()
		p.logger.Debug("Telemetry buffer overflowed.",
			zap.String("session_id", ev.SessionID),
			zap.Int("dropped", dropped),
			zap.Uint64("sequence", stored.Sequence))
	}
	return stored
}

// Finish closes the session's stream and starts its retention. Connected
// observers drain what is retained and then see a normal close.
func (p *Publisher) Finish(sessionID string) {
	p.mu.Lock()
	e, ok := p.entries[sessionID]
	if !ok {
		e = &entry{buf: NewBuffer(sessionID, p.opts.Capacity)}
		p.entries[sessionID] = e
	}
	if e.finished.IsZero() {
		e.finished = p.opts.Clock.Now()
	}
	p.mu.Unlock()
	e.buf.Close()
}

// Sessions lists the known sessions, sorted.
func (p *Publisher) Sessions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// pruneLocked drops finished buffers whose retention ran out. p.mu is held.
func (p *Publisher) pruneLocked() {
	now := p.opts.Clock.Now()
	drained := min(p.opts.Retention, drainedRetention)
	for id, e := range p.entries {
		if e.finished.IsZero() {
			continue
		}
		age := now.Sub(e.finished)
		if age >= p.opts.Retention || (age >= drained && e.buf.Acked() >= e.buf.Last()) {
			delete(p.entries, id)
			p.logger.Debug("Released telemetry buffer.", zap.String("session_id", id), zap.Duration("age", age))
		}
	}
}

// StreamOptions configures a Stream.
type StreamOptions struct {
	// ExpectedPages drives progressPercent. Zero means unknown.
	ExpectedPages int
	// ActionLogSize is how many recent journal entries each event carries.
	ActionLogSize int
	Clock         clock.Clock
}

// Stream builds the events of one session from its journal and the
// orchestrator's view of the page. A nil *Stream discards everything.
type Stream struct {
	pub     *Publisher
	sessID  string
	journal *journal.Journal
	opts    StreamOptions
	clock   clock.Clock

	mu          sync.Mutex
	page        int
	state       string
	percent     int
	fields      []schemas.FieldStatus
	screenshots []string
	finished    bool
}

// Open starts a Stream for a session. A nil Publisher returns a nil Stream.
func (p *Publisher) Open(sessionID string, j *journal.Journal, opts StreamOptions) *Stream {
	if p == nil {
		return nil
	}
	if opts.ActionLogSize <= 0 {
		opts.ActionLogSize = defaultActionLogSize
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	p.buffer(sessionID)
	return &Stream{pub: p, sessID: sessionID, journal: j, opts: opts, clock: clk}
}

// Started announces the session.
func (s *Stream) Started(state string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.emit(schemas.StatusStarted, nil)
}

// PageChanged announces a new form page and resets the field list.
func (s *Stream) PageChanged(page int, state string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.page = page
	s.state = state
	s.fields = nil
	s.percent = max(s.percent, s.progress(page))
	s.mu.Unlock()
	s.emit(schemas.StatusPageChanged, nil)
}

// StateChanged updates the state reported by later events without emitting.
func (s *Stream) StateChanged(state string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// FieldFilled records the fill result for one field.
func (s *Stream) FieldFilled(label string, filled bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.fields = append(s.fields, schemas.FieldStatus{Label: label, Filled: filled})
	s.mu.Unlock()
	s.emit(schemas.StatusFieldFilled, nil)
}

// Screenshot records a captured screenshot path.
func (s *Stream) Screenshot(path string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.screenshots = append(s.screenshots, path)
	s.mu.Unlock()
	s.emit(schemas.StatusScreenshot, nil)
}

// Error reports a recorded error.
func (s *Stream) Error(rec schemas.ErrorRecord) {
	if s == nil {
		return
	}
	s.emit(schemas.StatusError, &rec)
}

// Finished emits the terminal event and closes the stream. Later calls are
// ignored.
func (s *Stream) Finished(success bool, state string, cause *schemas.ErrorRecord) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.state = state
	status := schemas.StatusFailed
	if success {
		status = schemas.StatusCompleted
		s.percent = 100
	}
	s.mu.Unlock()

	s.emit(status, cause)
	s.pub.Finish(s.sessID)
}

func (s *Stream) emit(status schemas.EventStatus, errRec *schemas.ErrorRecord) schemas.ProgressEvent {
	ev := schemas.ProgressEvent{SessionID: s.sessID, Status: status, Error: errRec, Time: s.clock.Now().UTC()}
	if s.journal != nil {
		ev.Metrics, ev.ActionLog = s.journal.Snapshot(s.opts.ActionLogSize)
	}

	s.mu.Lock()
	ev.Page = s.page
	ev.State = s.state
	ev.ProgressPercent = s.percent
	ev.Fields = slices.Clone(s.fields)
	ev.Screenshots = slices.Clone(s.screenshots)
	s.mu.Unlock()

	return s.pub.Publish(ev)
}

// progress maps a page number onto 0..99. Reaching page n means n-1 pages
// were submitted.
func (s *Stream) progress(page int) int {
	if page <= 1 {
		return 0
	}
	if s.opts.ExpectedPages <= 0 {
		return min(90, (page-1)*100/page)
	}
	return min(99, (page-1)*100/s.opts.ExpectedPages)
}
