// internal/failure/failure_test.go
package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/formpilot/api/schemas"
)

func TestError_Formatting(t *testing.T) {
	err := New(TransientDevice, "device.submit", errors.New("socket closed"))
	assert.Equal(t, "device.submit: TRANSIENT_DEVICE_ERROR: socket closed", err.Error())

	bare := &Error{Kind: Timeout, Op: "flow.await"}
	assert.Equal(t, "flow.await: TIMEOUT_ERROR", bare.Error())
}

func TestError_IsAndAs(t *testing.T) {
	root := errors.New("connection reset")
	wrapped := fmt.Errorf("attempt 2: %w", New(TransientDevice, "device.click", root))

	assert.True(t, errors.Is(wrapped, root))
	assert.True(t, errors.Is(wrapped, &Error{Kind: TransientDevice}))
	assert.True(t, errors.Is(wrapped, &Error{Kind: TransientDevice, Op: "device.click"}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: TransientDevice, Op: "device.type"}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: Navigation}))

	var fe *Error
	require.True(t, errors.As(wrapped, &fe))
	assert.Equal(t, "device.click", fe.Op)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"classified", New(Navigation, "device.navigate", nil), Navigation},
		{"wrapped classified", fmt.Errorf("outer: %w", New(Resolution, "resolver", nil)), Resolution},
		{"not found sentinel", fmt.Errorf("locate: %w", ErrNotFound), NotFound},
		{"deadline", context.DeadlineExceeded, Timeout},
		{"unknown", errors.New("boom"), Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(TransientDevice, "device.submit", nil)))
	assert.False(t, IsRetryable(New(Navigation, "device.navigate", nil)))
	assert.False(t, IsRetryable(New(FatalConfiguration, "orchestrator", nil)))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.True(t, IsKind(Newf(Timeout, "op", "waited %s", time.Second), Timeout))
}

func TestRecord(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := Record(Newf(Timeout, "orchestrator.await_transition", "no page change after %d submits", 3), 2, at)

	assert.Equal(t, schemas.ErrorRecord{
		Kind:    schemas.ErrKindTimeout,
		Op:      "orchestrator.await_transition",
		Message: "no page change after 3 submits",
		Page:    2,
		At:      at,
	}, rec)

	plain := Record(errors.New("boom"), 0, at)
	assert.Equal(t, schemas.ErrKindInternal, plain.Kind)
	assert.Equal(t, "boom", plain.Message)
}
