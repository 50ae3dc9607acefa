// internal/classifier/http.go
package classifier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/internal/config"
	"github.com/xkilldash9x/formpilot/internal/network"
)

// HTTP posts the request as JSON to an external classification service.
type HTTP struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTP creates a client for cfg.Endpoint.
func NewHTTP(cfg config.ClassifierConfig, logger *zap.Logger) (*HTTP, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("classifier endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	clientCfg := network.NewDefaultClientConfig()
	clientCfg.RequestTimeout = timeout
	clientCfg.Logger = logger
	return &HTTP{
		endpoint:   cfg.Endpoint,
		httpClient: network.NewClient(clientCfg),
		logger:     logger.Named("classifier.http"),
	}, nil
}

func (c *HTTP) Classify(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal classifier request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("failed to read classifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Response{}, fmt.Errorf("failed to decode classifier response: %w", err)
	}
	c.logger.Debug("Classifier answered.",
		zap.String("slot", req.TargetSlot.Key),
		zap.Bool("matched", out.MatchedFieldID != nil),
		zap.Duration("duration", time.Since(start)))
	return out, nil
}
