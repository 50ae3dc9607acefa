// internal/device/device.go
package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/clock"
	"github.com/xkilldash9x/formpilot/internal/failure"
)

// Scroll directions.
const (
	ScrollUp   = "up"
	ScrollDown = "down"
)

// Backend is the primitive interaction contract shared by the live browser
// and the deterministic simulation. Implementations return raw errors (or
// failure.ErrNotFound for missing elements); Device classifies and records
// them. Every method must honor ctx's deadline.
type Backend interface {
	// Name identifies the backend in results and logs.
	Name() string
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, locator string) error
	Type(ctx context.Context, locator, text string) error
	Select(ctx context.Context, locator, optionLabel string) error
	Upload(ctx context.Context, locator, filePath string) error
	Scroll(ctx context.Context, direction string, amount int) error
	Wait(ctx context.Context, d time.Duration) error
	Screenshot(ctx context.Context, name string) (string, error)
	Locate(ctx context.Context, locator string, timeout time.Duration) (schemas.FieldDescriptor, error)
	ReadSource(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// Recorder receives every executed action. *journal.Journal satisfies it.
type Recorder interface {
	Record(schemas.Action) schemas.Action
}

// Options tunes a Device.
type Options struct {
	// OperationTimeout bounds every primitive except Navigate.
	OperationTimeout time.Duration
	// NavigationTimeout bounds Navigate.
	NavigationTimeout time.Duration
	// ActionsPerSecond paces primitives; zero disables pacing.
	ActionsPerSecond float64
	Clock            clock.Clock
	Logger           *zap.Logger
	// OnAction is called with every recorded action, after the journal append.
	OnAction func(schemas.Action)
}

// Device is the only way the rest of the system touches a backend. It
// bounds each primitive with a timeout, paces calls, classifies errors into
// the failure taxonomy and records one journal entry per call, success or not.
type Device struct {
	backend  Backend
	recorder Recorder
	opts     Options
	limiter  *rate.Limiter
	clock    clock.Clock
	logger   *zap.Logger
}

// New wraps a backend. The recorder is required.
func New(backend Backend, recorder Recorder, opts Options) (*Device, error) {
	if backend == nil {
		return nil, errors.New("device backend cannot be nil")
	}
	if recorder == nil {
		return nil, errors.New("device recorder cannot be nil")
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 15 * time.Second
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 3 * opts.OperationTimeout
	}
	limit := rate.Inf
	if opts.ActionsPerSecond > 0 {
		limit = rate.Limit(opts.ActionsPerSecond)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Device{
		backend:  backend,
		recorder: recorder,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		clock:    clk,
		logger:   logger.Named("device").With(zap.String("backend", backend.Name())),
	}, nil
}

// BackendName returns the wrapped backend's name.
func (d *Device) BackendName() string { return d.backend.Name() }

// Close releases the backend. It is not journaled.
func (d *Device) Close(ctx context.Context) error {
	return d.backend.Close(ctx)
}

func (d *Device) Navigate(ctx context.Context, url string) error {
	return d.do(ctx, call{typ: schemas.ActionNavigate, target: url, timeout: d.opts.NavigationTimeout}, func(ctx context.Context) error {
		return d.backend.Navigate(ctx, url)
	})
}

func (d *Device) Click(ctx context.Context, locator string) error {
	return d.do(ctx, call{typ: schemas.ActionClick, target: locator}, func(ctx context.Context) error {
		return d.backend.Click(ctx, locator)
	})
}

// Submit clicks a next/submit control. It is journaled as a submit action so
// dispatches can be counted per logical step.
func (d *Device) Submit(ctx context.Context, locator string) error {
	return d.do(ctx, call{typ: schemas.ActionSubmit, target: locator}, func(ctx context.Context) error {
		return d.backend.Click(ctx, locator)
	})
}

func (d *Device) Type(ctx context.Context, locator, text string) error {
	params := map[string]string{"text": text}
	return d.do(ctx, call{typ: schemas.ActionTypeText, target: locator, params: params}, func(ctx context.Context) error {
		return d.backend.Type(ctx, locator, text)
	})
}

func (d *Device) Select(ctx context.Context, locator, optionLabel string) error {
	params := map[string]string{"option": optionLabel}
	return d.do(ctx, call{typ: schemas.ActionSelect, target: locator, params: params}, func(ctx context.Context) error {
		return d.backend.Select(ctx, locator, optionLabel)
	})
}

func (d *Device) Upload(ctx context.Context, locator, filePath string) error {
	params := map[string]string{"file": filePath}
	return d.do(ctx, call{typ: schemas.ActionUpload, target: locator, params: params}, func(ctx context.Context) error {
		return d.backend.Upload(ctx, locator, filePath)
	})
}

func (d *Device) Scroll(ctx context.Context, direction string, amount int) error {
	params := map[string]string{"direction": direction, "amount": strconv.Itoa(amount)}
	return d.do(ctx, call{typ: schemas.ActionScroll, target: direction, params: params}, func(ctx context.Context) error {
		if direction != ScrollUp && direction != ScrollDown {
			return failure.Newf(failure.Internal, "device.scroll", "unknown direction %q", direction)
		}
		return d.backend.Scroll(ctx, direction, amount)
	})
}

// Wait pauses for dur. The operation timeout is added on top of dur.
func (d *Device) Wait(ctx context.Context, dur time.Duration) error {
	params := map[string]string{"duration": dur.String()}
	return d.do(ctx, call{typ: schemas.ActionWait, params: params, timeout: dur + d.opts.OperationTimeout}, func(ctx context.Context) error {
		return d.backend.Wait(ctx, dur)
	})
}

// Screenshot captures the page and returns the stored artifact's path.
func (d *Device) Screenshot(ctx context.Context, name string) (string, error) {
	var path string
	err := d.do(ctx, call{typ: schemas.ActionScreenshot, target: name, result: &path}, func(ctx context.Context) error {
		p, err := d.backend.Screenshot(ctx, name)
		path = p
		return err
	})
	return path, err
}

// Locate waits up to timeout for locator to match. A missing element is
// journaled with outcome not_found and returns an error wrapping
// failure.ErrNotFound.
func (d *Device) Locate(ctx context.Context, locator string, timeout time.Duration) (schemas.FieldDescriptor, error) {
	var fd schemas.FieldDescriptor
	params := map[string]string{"timeout": timeout.String()}
	err := d.do(ctx, call{typ: schemas.ActionLocate, target: locator, params: params, timeout: timeout + d.opts.OperationTimeout, lookup: true}, func(ctx context.Context) error {
		var err error
		fd, err = d.backend.Locate(ctx, locator, timeout)
		return err
	})
	return fd, err
}

// ReadSource returns the current page markup.
func (d *Device) ReadSource(ctx context.Context) (string, error) {
	var src string
	err := d.do(ctx, call{typ: schemas.ActionReadSource}, func(ctx context.Context) error {
		var err error
		src, err = d.backend.ReadSource(ctx)
		return err
	})
	return src, err
}

type call struct {
	typ     schemas.ActionType
	target  string
	params  map[string]string
	timeout time.Duration
	// lookup marks Locate, where a missing element is an answer, not a failure.
	lookup bool
	// result, when set, is copied into the action's "path" param on success.
	result *string
}

func (d *Device) do(ctx context.Context, c call, fn func(context.Context) error) error {
	timeout := c.timeout
	if timeout <= 0 {
		timeout = d.opts.OperationTimeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := d.clock.Now()
	err := d.limiter.Wait(opCtx)
	if err == nil {
		err = fn(opCtx)
	}
	elapsed := d.clock.Now().Sub(start)

	outcome, classified := d.classify(ctx, opCtx, c, err)

	action := schemas.Action{
		Type:      c.typ,
		Target:    c.target,
		Params:    c.params,
		Timestamp: start,
		Duration:  elapsed,
		Outcome:   outcome,
	}
	if c.result != nil && classified == nil {
		if action.Params == nil {
			action.Params = map[string]string{}
		}
		action.Params["path"] = *c.result
	}
	if classified != nil {
		action.ErrorKind = failure.KindOf(classified)
		action.Error = classified.Error()
	}
	stored := d.recorder.Record(action)
	if d.opts.OnAction != nil {
		d.opts.OnAction(stored)
	}

	if classified != nil {
		d.logger.Debug("Device action failed.",
			zap.String("type", string(c.typ)),
			zap.String("target", c.target),
			zap.String("outcome", string(outcome)),
			zap.Error(classified))
	}
	return classified
}

// classify maps a raw backend error onto the failure taxonomy.
func (d *Device) classify(parent, opCtx context.Context, c call, err error) (schemas.Outcome, error) {
	if err == nil {
		return schemas.OutcomeSuccess, nil
	}
	op := "device." + string(c.typ)

	var fe *failure.Error
	switch {
	case errors.Is(err, failure.ErrNotFound) && c.lookup:
		return schemas.OutcomeNotFound, failure.New(failure.NotFound, op, err)
	case errors.Is(err, failure.ErrNotFound):
		// The element may not have rendered yet; interaction on a missing
		// element is worth another attempt.
		return schemas.OutcomeFailure, failure.New(failure.TransientDevice, op, err)
	case errors.As(err, &fe):
		return schemas.OutcomeFailure, err
	case c.lookup && opCtx.Err() != nil && parent.Err() == nil:
		// The lookup window elapsed without a match.
		return schemas.OutcomeNotFound, failure.New(failure.NotFound, op, fmt.Errorf("%s: %w", c.target, failure.ErrNotFound))
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), opCtx.Err() != nil:
		return schemas.OutcomeFailure, failure.New(failure.TransientDevice, op, err)
	case c.typ == schemas.ActionNavigate:
		return schemas.OutcomeFailure, failure.New(failure.Navigation, op, err)
	default:
		return schemas.OutcomeFailure, failure.New(failure.TransientDevice, op, err)
	}
}
