// internal/flow/await.go
package flow

import (
	"context"
	"time"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/clock"
	"github.com/xkilldash9x/formpilot/internal/failure"
)

// Probe reads the current page signature.
type Probe func(ctx context.Context) (schemas.PageSignature, error)

// AwaitSignatureChange polls probe every poll interval until the signature
// differs from baseline or window elapses on clk. It returns the new
// signature and true on change, or the last observed signature and false
// when the window closes. Retryable probe errors are tolerated while the
// page is in flight; any other error ends the wait.
func AwaitSignatureChange(ctx context.Context, clk clock.Clock, baseline schemas.PageSignature, probe Probe, window, poll time.Duration) (schemas.PageSignature, bool, error) {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	deadline := clk.Now().Add(window)
	last := baseline

	for {
		sig, err := probe(ctx)
		switch {
		case err == nil:
			last = sig
			if sig.Differs(baseline) {
				return sig, true, nil
			}
		case ctx.Err() != nil:
			return last, false, ctx.Err()
		case !failure.IsRetryable(err):
			return last, false, err
		}

		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			return last, false, nil
		}
		if err := clock.Sleep(ctx, clk, min(poll, remaining)); err != nil {
			return last, false, err
		}
	}
}
