package schemas

import "time"

// OutcomeKind distinguishes the terminal results downstream automation acts on.
type OutcomeKind string

const (
	// OutcomeKindSuccess means the flow completed with nothing left unresolved.
	OutcomeKindSuccess OutcomeKind = "success"
	// OutcomeKindPartial means the flow completed but errors were recorded on the way.
	OutcomeKindPartial OutcomeKind = "partial"
	// OutcomeKindFailure means the session ended in TerminalFailure.
	OutcomeKindFailure OutcomeKind = "failure"
)

// ResultMeta identifies the session a result belongs to.
type ResultMeta struct {
	SessionID  string        `json:"session_id"`
	TargetURL  string        `json:"target_url"`
	TargetRef  string        `json:"target_ref,omitempty"`
	Backend    string        `json:"backend"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// PageOutcome summarizes what happened on one form page.
type PageOutcome struct {
	Page           int           `json:"page"`
	URL            string        `json:"url,omitempty"`
	Signature      string        `json:"signature,omitempty"`
	Filled         []string      `json:"filled,omitempty"`
	Unresolved     []string      `json:"unresolved,omitempty"`
	SubmitAttempts int           `json:"submit_attempts"`
	Screenshots    []string      `json:"screenshots,omitempty"`
	Mapping        []Resolution  `json:"mapping,omitempty"`
	Errors         []ErrorRecord `json:"errors,omitempty"`
}

// ApplicationResult is the terminal artifact of a session, produced exactly once.
type ApplicationResult struct {
	Meta       ResultMeta    `json:"meta"`
	Outcome    OutcomeKind   `json:"outcome"`
	FinalState string        `json:"final_state"`
	Pages      []PageOutcome `json:"per_page_outcome"`
	Journal    []Action      `json:"journal"`
	JournalRef string        `json:"journal_ref,omitempty"`
	Errors     []ErrorRecord `json:"errors,omitempty"`
	Metrics    Metrics       `json:"metrics"`
}

// HasErrorKind reports whether an error of the given kind was recorded.
func (r *ApplicationResult) HasErrorKind(kind ErrorKind) bool {
	for _, e := range r.Errors {
		if e.Kind == kind {
			return true
		}
	}
	return false
}
