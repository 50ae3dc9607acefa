// internal/device/cdp/context.go
package cdp

import (
	"context"
	"time"
)

// CombineContext derives from tabCtx, so chromedp's target information is
// inherited, and is also canceled when opCtx is done. opCtx carries the
// per-operation deadline.
func CombineContext(tabCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tabCtx)
	if dl, ok := opCtx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		combined, cancelDeadline = context.WithDeadline(combined, dl)
		inner := cancel
		cancel = func() {
			cancelDeadline()
			inner()
		}
	}
	stop := context.AfterFunc(opCtx, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}

type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach keeps ctx's values (the chromedp target) but drops its deadline and
// cancellation, for cleanup that must outlive the operation that triggered it.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
