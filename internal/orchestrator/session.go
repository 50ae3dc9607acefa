// File: internal/orchestrator/session.go
// Description: The per-session page loop: inspect, resolve, fill, submit and
// wait for the next page.

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/clock"
	"github.com/xkilldash9x/formpilot/internal/device"
	"github.com/xkilldash9x/formpilot/internal/failure"
	"github.com/xkilldash9x/formpilot/internal/flow"
	"github.com/xkilldash9x/formpilot/internal/journal"
	"github.com/xkilldash9x/formpilot/internal/page"
	"github.com/xkilldash9x/formpilot/internal/retry"
	"github.com/xkilldash9x/formpilot/internal/targetdata"
	"github.com/xkilldash9x/formpilot/internal/telemetry"
)

// session is exclusively owned by one Run call.
type session struct {
	o       *Orchestrator
	id      string
	target  schemas.TargetData
	policy  retry.Policy
	clock   clock.Clock
	logger  *zap.Logger
	started time.Time

	ctx     context.Context
	journal *journal.Journal
	device  *device.Device
	machine *flow.Machine
	stream  *telemetry.Stream
	result  *schemas.ApplicationResult

	// filled holds the slot keys already placed on some page.
	filled map[string]bool
	// current is the outcome of the page being worked on.
	current *schemas.PageOutcome
}

func (s *session) onTransition(tr flow.Transition) {
	s.logger.Debug("State transition.",
		zap.String("from", tr.From.String()),
		zap.String("to", tr.To.String()),
		zap.String("reason", tr.Reason))
	if tr.To.Kind == flow.FormPage {
		s.stream.PageChanged(tr.To.Page, tr.To.String())
		return
	}
	s.stream.StateChanged(tr.To.String())
}

// record adds err to the result, the current page and the event stream.
func (s *session) record(err error) schemas.ErrorRecord {
	pageNo := 0
	if s.current != nil {
		pageNo = s.current.Page
	}
	rec := failure.Record(err, pageNo, s.clock.Now())
	s.result.Errors = append(s.result.Errors, rec)
	if s.current != nil {
		s.current.Errors = append(s.current.Errors, rec)
	}
	s.stream.Error(rec)
	return rec
}

// step runs op under the retry policy. Transient failures are retried
// quietly; only the final error is returned.
func (s *session) step(name string, op func(ctx context.Context) error) error {
	attempts, err := s.policy.Do(s.ctx, s.clock, op, func(attempt int, err error, delay time.Duration) {
		s.logger.Debug("Retrying step.",
			zap.String("step", name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	})
	if err != nil && attempts > 1 {
		return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, err)
	}
	return err
}

// drive runs the page loop until a terminal state. A nil return means the
// machine reached TerminalSuccess.
func (s *session) drive() error {
	if err := s.step("navigate", func(ctx context.Context) error {
		return s.device.Navigate(ctx, s.target.URL)
	}); err != nil {
		return err
	}
	if err := s.machine.Navigated(); err != nil {
		return failure.New(failure.Internal, "orchestrator.navigated", err)
	}

	for {
		st := s.machine.State()
		if st.Page > s.o.session.MaxPages {
			return failure.Newf(failure.Internal, "orchestrator.max_pages", "form did not finish within %d pages", s.o.session.MaxPages)
		}
		s.beginPage(st.Page)

		done, err := s.workPage()
		if err != nil || done {
			return err
		}
	}
}

func (s *session) beginPage(n int) {
	s.result.Pages = append(s.result.Pages, schemas.PageOutcome{Page: n})
	s.current = &s.result.Pages[len(s.result.Pages)-1]
}

// workPage fills the current page and either completes the flow or
// advances to the next page.
func (s *session) workPage() (bool, error) {
	snap, err := s.inspect()
	if err != nil {
		return false, err
	}
	s.current.URL = snap.URL
	s.current.Signature = snap.Signature.Hash

	final := page.HasCompletionMarker(snap, s.target.CompletionMarkers)
	if !final {
		if err := s.fillPage(snap); err != nil {
			return false, err
		}
	}
	s.capture()

	next, hasNext := page.NextControl(snap)
	if final || !hasNext {
		reason := "no next or submit control"
		if final {
			reason = "completion marker present"
		}
		return true, s.complete(reason)
	}
	return false, s.submit(snap, next)
}

func (s *session) inspect() (schemas.PageSnapshot, error) {
	var snap schemas.PageSnapshot
	err := s.step("inspect", func(ctx context.Context) error {
		src, err := s.device.ReadSource(ctx)
		if err != nil {
			return err
		}
		snap, err = page.Parse(src)
		if err != nil {
			return failure.New(failure.Internal, "orchestrator.inspect", err)
		}
		return nil
	})
	return snap, err
}

// pending returns the slots not yet placed on an earlier page.
func (s *session) pending() []schemas.Slot {
	out := make([]schemas.Slot, 0, len(s.target.Slots))
	for _, slot := range s.target.Slots {
		if !s.filled[slot.Key] {
			out = append(out, slot)
		}
	}
	return out
}

func (s *session) fillPage(snap schemas.PageSnapshot) error {
	slots := s.pending()
	if len(slots) == 0 {
		return nil
	}
	mapping := s.o.deps.Resolver.Resolve(s.ctx, snap, slots)
	s.current.Mapping = mapping.Entries

	bySlot := make(map[string]schemas.Slot, len(slots))
	for _, slot := range slots {
		bySlot[slot.Key] = slot
	}

	for _, res := range mapping.Entries {
		s.o.deps.Metrics.ObserveResolution(res.Rule)
		if !res.Resolved() {
			s.current.Unresolved = append(s.current.Unresolved, res.Slot)
			continue
		}
		field, _ := snap.Field(res.FieldID)
		slot := bySlot[res.Slot]

		label := field.Label
		if label == "" {
			label = slot.Key
		}
		result, err := s.apply(slot, field)
		if err != nil {
			return err
		}
		switch result {
		case fillApplied:
			s.filled[slot.Key] = true
			s.current.Filled = append(s.current.Filled, slot.Key)
			s.stream.FieldFilled(label, true)
		case fillUnchanged:
			// Placed without an action, so there is no fill to report.
			s.filled[slot.Key] = true
			s.current.Filled = append(s.current.Filled, slot.Key)
			s.logger.Debug("Field already holds the slot value.", zap.String("slot", slot.Key), zap.String("field_id", field.ID))
		default:
			s.stream.FieldFilled(label, false)
		}
	}
	return nil
}

// fillResult is what apply did with one slot.
type fillResult int

const (
	// fillSkipped: the field cannot take the value.
	fillSkipped fillResult = iota
	// fillApplied: a device action put the value in place.
	fillApplied
	// fillUnchanged: the field already held the value.
	fillUnchanged
)

// apply places one slot value into its field. A value the field cannot
// take (no matching option) is recorded as a ResolutionError and skipped;
// device failures that survive the retry policy end the session.
func (s *session) apply(slot schemas.Slot, field schemas.FieldDescriptor) (fillResult, error) {
	name := "fill " + slot.Key
	switch field.Type {
	case schemas.FieldSelect:
		option, ok := matchOption(field.Options, slot.Value)
		if !ok {
			s.record(failure.Newf(failure.Resolution, "orchestrator.fill", "slot %s: %q is not an option of %s", slot.Key, slot.Value, field.ID))
			return fillSkipped, nil
		}
		return fillApplied, s.step(name, func(ctx context.Context) error {
			return s.device.Select(ctx, field.Locator, option.Label)
		})

	case schemas.FieldRadio:
		option, ok := matchOption(field.Options, slot.Value)
		if !ok || option.Locator == "" {
			s.record(failure.Newf(failure.Resolution, "orchestrator.fill", "slot %s: %q is not an option of %s", slot.Key, slot.Value, field.ID))
			return fillSkipped, nil
		}
		return fillApplied, s.step(name, func(ctx context.Context) error {
			return s.device.Click(ctx, option.Locator)
		})

	case schemas.FieldCheckbox:
		want, _ := targetdata.Truthy(slot.Value)
		if want == field.Checked {
			return fillUnchanged, nil
		}
		return fillApplied, s.step(name, func(ctx context.Context) error {
			return s.device.Click(ctx, field.Locator)
		})

	case schemas.FieldFile:
		return fillApplied, s.step(name, func(ctx context.Context) error {
			return s.device.Upload(ctx, field.Locator, slot.Value)
		})

	default:
		return fillApplied, s.step(name, func(ctx context.Context) error {
			return s.device.Type(ctx, field.Locator, slot.Value)
		})
	}
}

// capture takes the per-page screenshot when enabled. A failed screenshot
// is recorded but never ends the session.
func (s *session) capture() {
	if !s.o.session.CaptureScreenshots {
		return
	}
	var path string
	err := s.step("screenshot", func(ctx context.Context) error {
		var err error
		path, err = s.device.Screenshot(ctx, fmt.Sprintf("page-%02d", s.current.Page))
		return err
	})
	if err != nil {
		s.logger.Warn("Screenshot failed.", zap.Int("page", s.current.Page), zap.Error(err))
		s.record(err)
		return
	}
	s.current.Screenshots = append(s.current.Screenshots, path)
	s.stream.Screenshot(path)
}

// complete ends the flow successfully unless required slots were never
// placed and the session is configured to abort on that.
func (s *session) complete(reason string) error {
	var missing []string
	for _, key := range s.target.RequiredSlots() {
		if !s.filled[key] {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		err := failure.Newf(failure.Resolution, "orchestrator.complete", "required slots never placed: %s", strings.Join(missing, ", "))
		if s.o.session.AbortOnUnresolvedRequired {
			return err
		}
		s.record(err)
	}
	if err := s.machine.Complete(reason); err != nil {
		return failure.New(failure.Internal, "orchestrator.complete", err)
	}
	return nil
}

// submit dispatches the next control and waits for the page signature to
// change, re-dispatching up to max_submit_attempts times.
func (s *session) submit(snap schemas.PageSnapshot, next schemas.Control) error {
	if err := s.machine.Submit(); err != nil {
		return failure.New(failure.Internal, "orchestrator.submit", err)
	}

	for {
		s.current.SubmitAttempts = s.machine.Attempts()
		if err := s.step("submit", func(ctx context.Context) error {
			return s.device.Submit(ctx, next.Locator)
		}); err != nil {
			return err
		}

		_, changed, err := flow.AwaitSignatureChange(s.ctx, s.clock, snap.Signature, s.probe, s.o.session.SignatureWait, s.o.session.SignaturePoll)
		if err != nil {
			return err
		}
		if changed {
			if err := s.machine.Detected(); err != nil {
				return failure.New(failure.Internal, "orchestrator.detected", err)
			}
			if err := s.machine.Advance(); err != nil {
				return failure.New(failure.Internal, "orchestrator.advance", err)
			}
			return nil
		}

		s.logger.Debug("Page did not change after submit.", zap.Int("page", s.current.Page), zap.Int("attempt", s.machine.Attempts()))
		if err := s.machine.RetrySubmit(); err != nil {
			return failure.New(failure.Timeout, "orchestrator.await_transition",
				fmt.Errorf("page %d did not change within %s: %w", s.current.Page, s.o.session.SignatureWait, err))
		}
	}
}

func (s *session) probe(ctx context.Context) (schemas.PageSignature, error) {
	src, err := s.device.ReadSource(ctx)
	if err != nil {
		return schemas.PageSignature{}, err
	}
	snap, err := page.Parse(src)
	if err != nil {
		return schemas.PageSignature{}, failure.New(failure.Internal, "orchestrator.probe", err)
	}
	return snap.Signature, nil
}

// matchOption finds the option whose normalized label or value equals the
// normalized slot value.
func matchOption(options []schemas.Option, value string) (schemas.Option, bool) {
	want := page.Normalize(value)
	if want == "" {
		return schemas.Option{}, false
	}
	for _, o := range options {
		if page.Normalize(o.Label) == want {
			return o, true
		}
	}
	for _, o := range options {
		if o.Value != "" && page.Normalize(o.Value) == want {
			return o, true
		}
	}
	return schemas.Option{}, false
}
