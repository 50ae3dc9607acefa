// internal/classifier/classifier.go
package classifier

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/config"
)

// FieldSummary is the part of a field descriptor a classifier sees.
type FieldSummary struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Type    string   `json:"type"`
	Label   string   `json:"label,omitempty"`
	Options []string `json:"options,omitempty"`
}

// SlotSummary describes the slot being placed. Slot values are never sent.
type SlotSummary struct {
	Key     string   `json:"key"`
	Aliases []string `json:"aliases,omitempty"`
	Kind    string   `json:"kind,omitempty"`
}

// Request is one classification question.
type Request struct {
	PageFields []FieldSummary `json:"pageFields"`
	TargetSlot SlotSummary    `json:"targetSlot"`
}

// Response names the matched field, or nil when the classifier has no answer.
type Response struct {
	MatchedFieldID *string `json:"matchedFieldId"`
}

// Classifier is the opaque semantic fallback used by the field resolver.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Response, error)
}

// NewRequest summarizes candidate fields for a slot.
func NewRequest(fields []schemas.FieldDescriptor, slot schemas.Slot) Request {
	req := Request{
		PageFields: make([]FieldSummary, 0, len(fields)),
		TargetSlot: SlotSummary{Key: slot.Key, Aliases: slot.Aliases, Kind: string(slot.Kind)},
	}
	for _, f := range fields {
		fs := FieldSummary{ID: f.ID, Name: f.Name, Type: string(f.Type), Label: f.Label}
		for _, o := range f.Options {
			fs.Options = append(fs.Options, o.Label)
		}
		req.PageFields = append(req.PageFields, fs)
	}
	return req
}

// None never matches.
type None struct{}

func (None) Classify(context.Context, Request) (Response, error) { return Response{}, nil }

// New builds the classifier named by cfg.Provider.
func New(ctx context.Context, cfg config.ClassifierConfig, logger *zap.Logger) (Classifier, error) {
	switch cfg.Provider {
	case config.ClassifierNone, "":
		return None{}, nil
	case config.ClassifierGemini:
		return NewGemini(ctx, cfg, logger)
	case config.ClassifierHTTP:
		return NewHTTP(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.Provider)
	}
}
