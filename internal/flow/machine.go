// internal/flow/machine.go
package flow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xkilldash9x/formpilot/internal/clock"
)

// StateKind names a logical step of a multi-page form.
type StateKind string

const (
	Init             StateKind = "init"
	FormPage         StateKind = "form_page"
	Submitting       StateKind = "submitting"
	NextPageDetected StateKind = "next_page_detected"
	TerminalSuccess  StateKind = "terminal_success"
	TerminalFailure  StateKind = "terminal_failure"
)

var (
	// ErrTerminal is returned by every transition attempted after a terminal state.
	ErrTerminal = errors.New("state machine is terminal")
	// ErrInvalidTransition is returned for a transition the current state does not allow.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrSubmitExhausted is returned when a retry would exceed the submit bound.
	ErrSubmitExhausted = errors.New("submit attempts exhausted")
)

// State is a StateKind plus the page number it applies to.
type State struct {
	Kind StateKind `json:"kind"`
	Page int       `json:"page"`
}

func (s State) String() string {
	switch s.Kind {
	case FormPage, Submitting, NextPageDetected:
		return fmt.Sprintf("%s(%d)", s.Kind, s.Page)
	}
	return string(s.Kind)
}

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool {
	return s.Kind == TerminalSuccess || s.Kind == TerminalFailure
}

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Options configures a Machine.
type Options struct {
	// MaxSubmitAttempts bounds dispatches per page, first attempt included.
	MaxSubmitAttempts int
	Clock             clock.Clock
	// Observer sees every transition after it is applied, outside the lock.
	Observer func(Transition)
}

// Machine tracks which page of the target form a session is on.
type Machine struct {
	mu       sync.Mutex
	opts     Options
	clock    clock.Clock
	state    State
	attempts int
	history  []Transition
}

// New returns a machine in Init.
func New(opts Options) *Machine {
	if opts.MaxSubmitAttempts <= 0 {
		opts.MaxSubmitAttempts = 3
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Machine{opts: opts, clock: clk, state: State{Kind: Init}}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the submit dispatches made on the current page.
func (m *Machine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// History returns every transition so far, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// Navigated moves Init to FormPage(1) after the first successful navigation.
func (m *Machine) Navigated() error {
	return m.apply("navigated", func(s State) (State, error) {
		if s.Kind != Init {
			return s, invalid(s, "navigated")
		}
		return State{Kind: FormPage, Page: 1}, nil
	})
}

// Submit moves FormPage(n) to Submitting(n) when a next/submit control is dispatched.
func (m *Machine) Submit() error {
	return m.apply("submit dispatched", func(s State) (State, error) {
		if s.Kind != FormPage {
			return s, invalid(s, "submit")
		}
		m.attempts = 1
		return State{Kind: Submitting, Page: s.Page}, nil
	})
}

// RetrySubmit records another dispatch on the same page. Exceeding
// MaxSubmitAttempts moves to TerminalFailure and returns ErrSubmitExhausted.
func (m *Machine) RetrySubmit() error {
	var exhausted bool
	err := m.apply("submit retried", func(s State) (State, error) {
		if s.Kind != Submitting {
			return s, invalid(s, "retry submit")
		}
		if m.attempts >= m.opts.MaxSubmitAttempts {
			exhausted = true
			return State{Kind: TerminalFailure, Page: s.Page}, nil
		}
		m.attempts++
		return s, nil
	})
	if err == nil && exhausted {
		return fmt.Errorf("%w after %d attempts", ErrSubmitExhausted, m.opts.MaxSubmitAttempts)
	}
	return err
}

// Detected moves Submitting(n) to NextPageDetected(n) once the page signature changed.
func (m *Machine) Detected() error {
	return m.apply("signature changed", func(s State) (State, error) {
		if s.Kind != Submitting {
			return s, invalid(s, "detected")
		}
		return State{Kind: NextPageDetected, Page: s.Page}, nil
	})
}

// Advance moves NextPageDetected(n) to FormPage(n+1).
func (m *Machine) Advance() error {
	return m.apply("next page", func(s State) (State, error) {
		if s.Kind != NextPageDetected {
			return s, invalid(s, "advance")
		}
		m.attempts = 0
		return State{Kind: FormPage, Page: s.Page + 1}, nil
	})
}

// Complete moves FormPage(n) to TerminalSuccess.
func (m *Machine) Complete(reason string) error {
	return m.apply(reason, func(s State) (State, error) {
		if s.Kind != FormPage {
			return s, invalid(s, "complete")
		}
		return State{Kind: TerminalSuccess, Page: s.Page}, nil
	})
}

// Fail moves any non-terminal state to TerminalFailure.
func (m *Machine) Fail(reason string) error {
	return m.apply(reason, func(s State) (State, error) {
		return State{Kind: TerminalFailure, Page: s.Page}, nil
	})
}

func (m *Machine) apply(reason string, next func(State) (State, error)) error {
	m.mu.Lock()
	from := m.state
	if from.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminal, from)
	}
	to, err := next(from)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	tr := Transition{From: from, To: to, Reason: reason, At: m.clock.Now()}
	m.state = to
	m.history = append(m.history, tr)
	m.mu.Unlock()

	if m.opts.Observer != nil {
		m.opts.Observer(tr)
	}
	return nil
}

func invalid(s State, event string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, s)
}
