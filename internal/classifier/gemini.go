// internal/classifier/gemini.go
package classifier

import (
	"context"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/formpilot/internal/config"
)

const systemPrompt = `You map a named data slot onto one field of a web form.
You receive JSON {"pageFields": [...], "targetSlot": {...}}.
Answer with JSON only: {"matchedFieldId": "<id of the best field>"} or {"matchedFieldId": null}
when no field clearly fits. Never invent an id that is not in pageFields.`

// Gemini asks a Gemini model, in JSON response mode, which field fits a slot.
type Gemini struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewGemini creates a client. cfg.Endpoint, when set, overrides the API base URL.
func NewGemini(ctx context.Context, cfg config.ClassifierConfig, logger *zap.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Gemini{client: client, model: model, logger: logger.Named("classifier.gemini")}, nil
}

func (g *Gemini) Classify(ctx context.Context, req Request) (Response, error) {
	prompt, err := json.MarshalToString(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal classifier request: %w", err)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0),
	})
	if err != nil {
		return Response{}, fmt.Errorf("gemini request failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Response{}, fmt.Errorf("gemini returned no content")
	}
	var out Response
	if err := json.UnmarshalFromString(text, &out); err != nil {
		return Response{}, fmt.Errorf("failed to decode gemini answer %q: %w", text, err)
	}
	if out.MatchedFieldID != nil && *out.MatchedFieldID == "" {
		out.MatchedFieldID = nil
	}
	if u := resp.UsageMetadata; u != nil {
		g.logger.Debug("Gemini classification complete.",
			zap.String("slot", req.TargetSlot.Key),
			zap.Int32("prompt_tokens", u.PromptTokenCount),
			zap.Int32("total_tokens", u.TotalTokenCount))
	}
	return out, nil
}
