// internal/journal/journal.go
package journal

import (
	"iter"
	"sync"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// Journal is the append-only action log of one session. Appends and metric
// reads share a lock, so metrics observed right after an append always
// include it. Entries are deep copies and are never modified after Record.
type Journal struct {
	sessionID string

	mu      sync.RWMutex
	entries []schemas.Action
	metrics schemas.Metrics
}

// New creates an empty journal for a session.
func New(sessionID string) *Journal {
	return &Journal{sessionID: sessionID}
}

// SessionID returns the owning session.
func (j *Journal) SessionID() string { return j.sessionID }

// Record appends an action, assigning its sequence index and session id,
// and returns the stored copy.
func (j *Journal) Record(a schemas.Action) schemas.Action {
	stored := a.Clone()

	j.mu.Lock()
	defer j.mu.Unlock()

	stored.Sequence = len(j.entries) + 1
	stored.SessionID = j.sessionID
	j.entries = append(j.entries, stored)

	j.metrics.TotalActions++
	if stored.Failed() {
		j.metrics.Errors++
	}
	if stored.Type == schemas.ActionScreenshot && stored.Outcome == schemas.OutcomeSuccess {
		j.metrics.ScreenshotsTaken++
	}
	return stored.Clone()
}

// Len returns the number of recorded actions.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Metrics returns the aggregate counters.
func (j *Journal) Metrics() schemas.Metrics {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.metrics
}

// Snapshot returns the metrics together with the most recent n entries,
// read atomically.
func (j *Journal) Snapshot(n int) (schemas.Metrics, []schemas.Action) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	start := len(j.entries) - n
	if start < 0 || n < 0 {
		start = 0
	}
	return j.metrics, cloneAll(j.entries[start:])
}

// Entries returns a copy of every entry in order.
func (j *Journal) Entries() []schemas.Action {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return cloneAll(j.entries)
}

// All iterates over the entries recorded so far, in order. Entries appended
// during iteration are not visited.
func (j *Journal) All() iter.Seq[schemas.Action] {
	return func(yield func(schemas.Action) bool) {
		for _, a := range j.Entries() {
			if !yield(a) {
				return
			}
		}
	}
}

// Filter returns the entries of the given action type, in order.
func (j *Journal) Filter(t schemas.ActionType) []schemas.Action {
	return j.where(func(a schemas.Action) bool { return a.Type == t })
}

// FilterTarget returns the entries addressed at target, in order.
func (j *Journal) FilterTarget(target string) []schemas.Action {
	return j.where(func(a schemas.Action) bool { return a.Target == target })
}

func (j *Journal) where(keep func(schemas.Action) bool) []schemas.Action {
	var out []schemas.Action
	for a := range j.All() {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func cloneAll(in []schemas.Action) []schemas.Action {
	out := make([]schemas.Action, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}
