// internal/failure/failure.go
package failure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// Kind aliases the wire-level error taxonomy so callers can use either package.
type Kind = schemas.ErrorKind

// The error taxonomy. Only TransientDevice is retryable.
const (
	TransientDevice    Kind = schemas.ErrKindTransientDevice
	Navigation         Kind = schemas.ErrKindNavigation
	Resolution         Kind = schemas.ErrKindResolution
	Timeout            Kind = schemas.ErrKindTimeout
	FatalConfiguration Kind = schemas.ErrKindFatalConfiguration
	NotFound           Kind = schemas.ErrKindNotFound
	Internal           Kind = schemas.ErrKindInternal
)

// ErrNotFound is returned by device Locate when no element matches.
var ErrNotFound = errors.New("element not found")

// Error is a classified error. Op names the operation that failed
// (e.g. "device.click", "orchestrator.await_transition").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same kind, which lets callers write
// errors.Is(err, &failure.Error{Kind: failure.Timeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in the chain.
// Bare context deadlines count as timeouts; anything else is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return NotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Internal
}

// IsRetryable reports whether the error should be retried under the backoff policy.
func IsRetryable(err error) bool {
	return KindOf(err) == TransientDevice
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Record converts err into the serializable form used by results and telemetry.
func Record(err error, page int, at time.Time) schemas.ErrorRecord {
	rec := schemas.ErrorRecord{Kind: KindOf(err), Message: err.Error(), Page: page, At: at}
	var fe *Error
	if errors.As(err, &fe) {
		rec.Op = fe.Op
		if fe.Err != nil {
			rec.Message = fe.Err.Error()
		}
	}
	return rec
}
