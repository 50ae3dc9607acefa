package schemas

import (
	"maps"
	"time"
)

// ActionType names one primitive device call.
type ActionType string

const (
	ActionNavigate   ActionType = "navigate"
	ActionClick      ActionType = "click"
	ActionSubmit     ActionType = "submit"
	ActionTypeText   ActionType = "type"
	ActionSelect     ActionType = "select"
	ActionUpload     ActionType = "upload"
	ActionScroll     ActionType = "scroll"
	ActionWait       ActionType = "wait"
	ActionScreenshot ActionType = "screenshot"
	ActionLocate     ActionType = "locate"
	ActionReadSource ActionType = "read_source"
)

// Outcome is the result status of a recorded action.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeNotFound Outcome = "not_found"
)

// Action is one primitive device call as stored in a session journal.
// Once appended it is never modified; readers receive copies.
type Action struct {
	Sequence  int               `json:"sequence"`
	SessionID string            `json:"session_id"`
	Type      ActionType        `json:"type"`
	Target    string            `json:"target,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Outcome   Outcome           `json:"outcome"`
	ErrorKind ErrorKind         `json:"error_kind,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Clone returns a deep copy of the action.
func (a Action) Clone() Action {
	a.Params = maps.Clone(a.Params)
	return a
}

// Failed reports whether the action ended in an error.
func (a Action) Failed() bool {
	return a.Outcome == OutcomeFailure
}

// Metrics are the aggregate counters derived from a journal.
type Metrics struct {
	TotalActions     int `json:"totalActions"`
	Errors           int `json:"errors"`
	ScreenshotsTaken int `json:"screenshotsTaken"`
}
