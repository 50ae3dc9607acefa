// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/config"
)

// Runner executes one session and always returns its result.
// *orchestrator.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, target schemas.TargetData) *schemas.ApplicationResult
}

// Engine runs many sessions with a bounded number in flight. Sessions share
// nothing but the runner's dependencies.
type Engine struct {
	concurrency int
	runner      Runner
	logger      *zap.Logger

	stateLock sync.Mutex
	isRunning bool
}

// New creates an Engine.
func New(cfg config.Interface, runner Runner, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if runner == nil {
		return nil, errors.New("runner cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.Engine().Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Engine{
		concurrency: concurrency,
		runner:      runner,
		logger:      logger.Named("engine"),
	}, nil
}

// Start consumes targets until the channel closes and emits each result as
// its session finishes. The returned channel is closed once every started
// session has produced a result. After ctx is cancelled no new sessions
// start; sessions already running see the cancellation and still report.
func (e *Engine) Start(ctx context.Context, targets <-chan schemas.TargetData) (<-chan *schemas.ApplicationResult, error) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if e.isRunning {
		return nil, errors.New("engine is already running")
	}
	e.isRunning = true

	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)

	results := make(chan *schemas.ApplicationResult)
	e.logger.Info("Starting engine.", zap.Int("concurrency", e.concurrency))

	go func() {
		defer func() {
			_ = g.Wait()
			close(results)
			e.stateLock.Lock()
			e.isRunning = false
			e.stateLock.Unlock()
			e.logger.Info("Engine drained.")
		}()
		for {
			select {
			case <-ctx.Done():
				e.logger.Info("Context cancelled, no further sessions will start.", zap.Error(ctx.Err()))
				return
			case target, ok := <-targets:
				if !ok {
					return
				}
				// Blocks while concurrency sessions are in flight.
				g.Go(func() error {
					r := e.runner.Run(ctx, target)
					results <- r
					return nil
				})
			}
		}
	}()
	return results, nil
}

// RunAll runs every target and returns the results in input order.
func (e *Engine) RunAll(ctx context.Context, targets []schemas.TargetData) []*schemas.ApplicationResult {
	out := make([]*schemas.ApplicationResult, len(targets))
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for i, target := range targets {
		g.Go(func() error {
			out[i] = e.runner.Run(ctx, target)
			e.logger.Debug("Session done.",
				zap.Int("index", i),
				zap.String("session_id", out[i].Meta.SessionID),
				zap.String("outcome", string(out[i].Outcome)))
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Summary counts results by outcome kind.
func Summary(results []*schemas.ApplicationResult) map[schemas.OutcomeKind]int {
	counts := make(map[schemas.OutcomeKind]int, 3)
	for _, r := range results {
		if r != nil {
			counts[r.Outcome]++
		}
	}
	return counts
}
