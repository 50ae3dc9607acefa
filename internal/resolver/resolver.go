// internal/resolver/resolver.go
package resolver

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/classifier"
	"github.com/xkilldash9x/formpilot/internal/page"
)

// Options configures a Resolver.
type Options struct {
	// Classifier is the last-resort rule. Nil disables it.
	Classifier classifier.Classifier
	// Timeout bounds each classifier request.
	Timeout time.Duration
	Logger  *zap.Logger
	// OnResolve is called once per slot with the rule that decided it.
	OnResolve func(schemas.ResolutionRule)
}

// Resolver maps slots onto the fields of a page snapshot. Rules are tried
// in a fixed order and the first match wins:
//
//  1. exact id or name match against the slot key or an alias
//  2. normalized label containing the key or an alias
//  3. an enumerated field offering an option whose label equals the value
//  4. the external classifier
//
// Each rule is applied to all slots, in key order, before the next rule.
// A claimed field is not offered again, so identical inputs always give
// identical mappings.
type Resolver struct {
	opts   Options
	logger *zap.Logger
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{opts: opts, logger: logger.Named("resolver")}
}

// Resolve produces the field mapping for snap. A classifier failure leaves
// the slot unresolved and is never returned as an error.
func (r *Resolver) Resolve(ctx context.Context, snap schemas.PageSnapshot, slots []schemas.Slot) schemas.FieldMapping {
	ordered := slices.Clone(slots)
	slices.SortStableFunc(ordered, func(a, b schemas.Slot) int { return strings.Compare(a.Key, b.Key) })

	candidates := make([]schemas.FieldDescriptor, 0, len(snap.Fields))
	for _, f := range snap.Fields {
		if f.Visible && f.Type.Fillable() {
			candidates = append(candidates, f)
		}
	}

	entries := make([]schemas.Resolution, len(ordered))
	for i, slot := range ordered {
		entries[i] = schemas.Resolution{Slot: slot.Key, Rule: schemas.RuleUnresolved, Required: slot.Required}
	}

	// Each rule runs over every open slot before the next, weaker rule is
	// tried, so an exact id match is never lost to another slot's label match.
	claimed := make(map[string]bool, len(candidates))
	rules := []struct {
		rule  schemas.ResolutionRule
		match func(context.Context, schemas.Slot, []schemas.FieldDescriptor) (schemas.FieldDescriptor, bool)
	}{
		{schemas.RuleIDOrName, matchIDOrName},
		{schemas.RuleLabel, matchLabel},
		{schemas.RuleOption, matchOption},
		{schemas.RuleClassifier, r.matchClassifier},
	}
	for _, rl := range rules {
		for i, slot := range ordered {
			if entries[i].Resolved() {
				continue
			}
			open := openFields(slot, candidates, claimed)
			if len(open) == 0 {
				continue
			}
			if f, ok := rl.match(ctx, slot, open); ok {
				entries[i].FieldID, entries[i].Locator, entries[i].Rule = f.ID, f.Locator, rl.rule
				claimed[f.ID] = true
			}
		}
	}

	if r.opts.OnResolve != nil {
		for _, e := range entries {
			r.opts.OnResolve(e.Rule)
		}
	}
	return schemas.FieldMapping{Entries: entries}
}

func openFields(slot schemas.Slot, candidates []schemas.FieldDescriptor, claimed map[string]bool) []schemas.FieldDescriptor {
	open := make([]schemas.FieldDescriptor, 0, len(candidates))
	for _, f := range candidates {
		if !claimed[f.ID] && compatible(slot.Kind, f.Type) {
			open = append(open, f)
		}
	}
	return open
}

func slotNames(slot schemas.Slot) []string {
	return append([]string{slot.Key}, slot.Aliases...)
}

func matchIDOrName(_ context.Context, slot schemas.Slot, open []schemas.FieldDescriptor) (schemas.FieldDescriptor, bool) {
	for _, n := range slotNames(slot) {
		for _, f := range open {
			if n != "" && (f.ID == n || f.Name == n) {
				return f, true
			}
		}
	}
	return schemas.FieldDescriptor{}, false
}

func matchLabel(_ context.Context, slot schemas.Slot, open []schemas.FieldDescriptor) (schemas.FieldDescriptor, bool) {
	for _, n := range slotNames(slot) {
		needle := page.Normalize(n)
		if needle == "" {
			continue
		}
		for _, f := range open {
			if strings.Contains(page.Normalize(f.Label), needle) {
				return f, true
			}
		}
	}
	return schemas.FieldDescriptor{}, false
}

func matchOption(_ context.Context, slot schemas.Slot, open []schemas.FieldDescriptor) (schemas.FieldDescriptor, bool) {
	want := page.Normalize(slot.Value)
	if want == "" {
		return schemas.FieldDescriptor{}, false
	}
	for _, f := range open {
		if !f.Type.Enumerated() {
			continue
		}
		for _, o := range f.Options {
			if page.Normalize(o.Label) == want {
				return f, true
			}
		}
	}
	return schemas.FieldDescriptor{}, false
}

func (r *Resolver) matchClassifier(ctx context.Context, slot schemas.Slot, open []schemas.FieldDescriptor) (schemas.FieldDescriptor, bool) {
	id, ok := r.classify(ctx, slot, open)
	if !ok {
		return schemas.FieldDescriptor{}, false
	}
	for _, f := range open {
		if f.ID == id {
			return f, true
		}
	}
	r.logger.Debug("Classifier named an unknown or claimed field.", zap.String("slot", slot.Key), zap.String("field_id", id))
	return schemas.FieldDescriptor{}, false
}

func (r *Resolver) classify(ctx context.Context, slot schemas.Slot, open []schemas.FieldDescriptor) (string, bool) {
	if r.opts.Classifier == nil || len(open) == 0 {
		return "", false
	}
	cctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	resp, err := r.opts.Classifier.Classify(cctx, classifier.NewRequest(open, slot))
	if err != nil {
		r.logger.Warn("Classifier failed, slot left unresolved.", zap.String("slot", slot.Key), zap.Error(err))
		return "", false
	}
	if resp.MatchedFieldID == nil {
		return "", false
	}
	return *resp.MatchedFieldID, true
}

// compatible keeps file slots on file inputs and checkbox slots on
// checkboxes, and keeps text out of both.
func compatible(kind schemas.SlotKind, typ schemas.FieldType) bool {
	switch kind {
	case schemas.SlotFile:
		return typ == schemas.FieldFile
	case schemas.SlotCheckbox:
		return typ == schemas.FieldCheckbox
	default:
		return typ != schemas.FieldFile && typ != schemas.FieldCheckbox
	}
}
