// File: internal/orchestrator/orchestrator.go
// Description: Drives one form-filling session from navigation to a terminal
// state and always produces an ApplicationResult.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/clock"
	"github.com/xkilldash9x/formpilot/internal/config"
	"github.com/xkilldash9x/formpilot/internal/device"
	"github.com/xkilldash9x/formpilot/internal/failure"
	"github.com/xkilldash9x/formpilot/internal/flow"
	"github.com/xkilldash9x/formpilot/internal/journal"
	"github.com/xkilldash9x/formpilot/internal/observability"
	"github.com/xkilldash9x/formpilot/internal/resolver"
	"github.com/xkilldash9x/formpilot/internal/retry"
	"github.com/xkilldash9x/formpilot/internal/targetdata"
	"github.com/xkilldash9x/formpilot/internal/telemetry"
)

// ResultSink persists finished results.
type ResultSink interface {
	Save(ctx context.Context, result *schemas.ApplicationResult) error
}

// Dependencies are the collaborators shared by every session.
type Dependencies struct {
	Devices  device.Factory
	Journals *journal.Store
	Resolver *resolver.Resolver
	// Publisher and Sink are optional.
	Publisher *telemetry.Publisher
	Sink      ResultSink
	Metrics   *observability.Metrics
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Orchestrator runs sessions. It holds no per-session state, so one
// instance can serve many concurrent Run calls.
type Orchestrator struct {
	session config.SessionConfig
	device  config.DeviceConfig
	deps    Dependencies
	logger  *zap.Logger
}

// New creates an Orchestrator.
func New(cfg config.Interface, deps Dependencies) (*Orchestrator, error) {
	if cfg == nil || deps.Devices == nil || deps.Journals == nil || deps.Resolver == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		session: cfg.Session(),
		device:  cfg.Device(),
		deps:    deps,
		logger:  deps.Logger.Named("orchestrator"),
	}, nil
}

// Run executes one session against target and returns its result. It never
// returns nil: configuration problems, device failures and deadline expiry
// all end in a TerminalFailure result carrying the journal so far.
func (o *Orchestrator) Run(ctx context.Context, target schemas.TargetData) *schemas.ApplicationResult {
	s := o.newSession(target)
	s.logger.Info("Session starting.", zap.String("target_url", target.URL), zap.String("backend", o.device.Backend))
	return s.run(ctx)
}

func (o *Orchestrator) newSession(target schemas.TargetData) *session {
	id := uuid.NewString()
	s := &session{
		o:       o,
		id:      id,
		target:  target,
		policy:  retry.FromConfig(o.session.Retry),
		clock:   o.deps.Clock,
		logger:  observability.SessionLogger(o.logger, "session", id),
		filled:  make(map[string]bool),
		started: o.deps.Clock.Now(),
	}
	s.result = &schemas.ApplicationResult{
		Meta: schemas.ResultMeta{
			SessionID: id,
			TargetURL: target.URL,
			TargetRef: target.Ref,
			Backend:   o.device.Backend,
			StartedAt: s.started,
		},
	}
	return s
}

func (s *session) run(parent context.Context) *schemas.ApplicationResult {
	j, err := s.o.deps.Journals.Open(s.id)
	if err != nil {
		// uuids do not collide; a failure here is a programming error.
		j = journal.New(s.id)
		s.record(failure.New(failure.Internal, "orchestrator.open_journal", err))
	}
	s.journal = j
	defer s.o.deps.Journals.Release(s.id)

	s.stream = s.o.deps.Publisher.Open(s.id, j, telemetry.StreamOptions{ExpectedPages: s.target.ExpectedPages, Clock: s.clock})
	s.machine = flow.New(flow.Options{
		MaxSubmitAttempts: s.o.session.MaxSubmitAttempts,
		Clock:             s.clock,
		Observer:          s.onTransition,
	})
	s.stream.Started(s.machine.State().String())

	ctx, cancel := context.WithTimeout(parent, s.o.session.Deadline)
	defer cancel()
	s.ctx = ctx

	if err := targetdata.Validate(s.target); err != nil {
		return s.finish(err)
	}

	dev, err := s.openDevice(ctx)
	if err != nil {
		return s.finish(err)
	}
	s.device = dev
	defer s.closeDevice()

	return s.finish(s.drive())
}

func (s *session) openDevice(ctx context.Context) (*device.Device, error) {
	backend, err := s.o.deps.Devices.NewBackend(ctx, s.id)
	if err != nil {
		return nil, failure.New(failure.FatalConfiguration, "orchestrator.open_device", err)
	}
	dev, err := device.New(backend, s.journal, device.Options{
		OperationTimeout:  s.o.device.OperationTimeout,
		NavigationTimeout: s.o.device.NavigationTimeout,
		ActionsPerSecond:  s.o.device.ActionsPerSecond,
		Clock:             s.clock,
		Logger:            s.logger,
		OnAction:          s.o.deps.Metrics.ObserveAction,
	})
	if err != nil {
		_ = backend.Close(ctx)
		return nil, failure.New(failure.Internal, "orchestrator.open_device", err)
	}
	s.result.Meta.Backend = dev.BackendName()
	return dev, nil
}

func (s *session) closeDevice() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.device.Close(ctx); err != nil {
		s.logger.Warn("Failed to close device.", zap.Error(err))
	}
}

// finish moves the machine to a terminal state if it is not there yet,
// assembles the result and hands it to the sink.
func (s *session) finish(cause error) *schemas.ApplicationResult {
	var causeRec *schemas.ErrorRecord
	if cause != nil {
		cause = s.explain(cause)
		rec := s.record(cause)
		causeRec = &rec
		if !s.machine.State().Terminal() {
			_ = s.machine.Fail(cause.Error())
		}
	}

	state := s.machine.State()
	finished := s.clock.Now()
	r := s.result
	r.Meta.FinishedAt = finished
	r.Meta.Duration = finished.Sub(s.started)
	r.FinalState = state.String()
	r.Journal = s.journal.Entries()
	r.Metrics = s.journal.Metrics()
	r.Outcome = outcomeOf(state, r)

	s.stream.Finished(state.Kind == flow.TerminalSuccess, r.FinalState, causeRec)
	s.o.deps.Metrics.ObserveSession(r.Outcome)

	if s.o.deps.Sink != nil {
		// The session context may already be spent; saving gets its own budget.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.o.deps.Sink.Save(ctx, r); err != nil {
			s.logger.Error("Failed to persist result.", zap.Error(err))
			r.Errors = append(r.Errors, failure.Record(failure.New(failure.Internal, "orchestrator.save_result", err), 0, s.clock.Now()))
		}
	}

	s.logger.Info("Session finished.",
		zap.String("outcome", string(r.Outcome)),
		zap.String("final_state", r.FinalState),
		zap.Int("total_actions", r.Metrics.TotalActions),
		zap.Int("errors", len(r.Errors)),
		zap.Duration("duration", r.Meta.Duration))
	return r
}

// explain turns an exhausted session context into a TimeoutError and a
// caller cancellation into an Internal error, keeping the original cause.
func (s *session) explain(err error) error {
	var fe *failure.Error
	switch {
	case errors.Is(s.ctx.Err(), context.DeadlineExceeded) && !failure.IsKind(err, failure.Timeout):
		return failure.New(failure.Timeout, "orchestrator.deadline", fmt.Errorf("session deadline of %s exhausted: %w", s.o.session.Deadline, err))
	case errors.Is(s.ctx.Err(), context.Canceled):
		return failure.New(failure.Internal, "orchestrator.canceled", err)
	case errors.As(err, &fe):
		return err
	default:
		return failure.New(failure.KindOf(err), "orchestrator.run", err)
	}
}

func outcomeOf(state flow.State, r *schemas.ApplicationResult) schemas.OutcomeKind {
	if state.Kind != flow.TerminalSuccess {
		return schemas.OutcomeKindFailure
	}
	if r.HasErrorKind(schemas.ErrKindResolution) || r.HasErrorKind(schemas.ErrKindTimeout) {
		return schemas.OutcomeKindPartial
	}
	return schemas.OutcomeKindSuccess
}
