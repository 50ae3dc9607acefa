package schemas

import "time"

// EventSchemaVersion is bumped whenever ProgressEvent changes shape.
const EventSchemaVersion = 1

// EventStatus classifies a ProgressEvent.
type EventStatus string

const (
	StatusStarted     EventStatus = "started"
	StatusPageChanged EventStatus = "page_changed"
	StatusFieldFilled EventStatus = "field_filled"
	StatusScreenshot  EventStatus = "screenshot"
	StatusError       EventStatus = "error"
	StatusCompleted   EventStatus = "completed"
	StatusFailed      EventStatus = "failed"
	StatusGap         EventStatus = "gap"
)

// FieldStatus is the fill state of one resolved field.
type FieldStatus struct {
	Label  string `json:"label"`
	Filled bool   `json:"filled"`
}

// Gap is the inclusive range of sequences dropped from a buffer.
type Gap struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// ProgressEvent is one telemetry message. Sequence strictly increases per session.
type ProgressEvent struct {
	Version         int           `json:"v"`
	SessionID       string        `json:"sessionId"`
	Sequence        uint64        `json:"sequence"`
	Status          EventStatus   `json:"status"`
	ProgressPercent int           `json:"progressPercent"`
	Metrics         Metrics       `json:"metrics"`
	ActionLog       []Action      `json:"actionLog"`
	Fields          []FieldStatus `json:"fields"`
	Screenshots     []string      `json:"screenshots"`
	Page            int           `json:"page,omitempty"`
	State           string        `json:"state,omitempty"`
	Error           *ErrorRecord  `json:"error,omitempty"`
	Gap             *Gap          `json:"gap,omitempty"`
	Time            time.Time     `json:"time"`
}

// IsGap reports whether the event is a gap marker.
func (e ProgressEvent) IsGap() bool {
	return e.Status == StatusGap && e.Gap != nil
}
