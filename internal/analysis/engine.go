package analysis

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/portfolio-analysis/internal/logging"
	"github.com/portfolio-analysis/internal/models"
	"github.com/portfolio-analysis/internal/storage"
)

// Outcome classifies how an engine run ended
type Outcome int

const (
	// OutcomeCompleted means every metric was persisted and emitted
	OutcomeCompleted Outcome = iota
	// OutcomeCancelled means the run was cancelled; no further frames follow
	OutcomeCancelled
	// OutcomeFailed means a state error aborted the run
	OutcomeFailed
)

// Repository is the persistence surface the engine needs
type Repository interface {
	StartAnalysis(ctx context.Context, sessionID, ticker string) (*models.PortfolioState, error)
	AppendResult(ctx context.Context, sessionID string, result models.MetricResult) error
}

// MetricComputer produces one metric value. Implemented by Kernel.
type MetricComputer interface {
	Compute(ctx context.Context, metric, ticker string, snapshot *models.PortfolioState, rng *rand.Rand) (float64, error)
}

// Emitter delivers outbound frames to the session's client. The session
// controller owns the single writer behind it.
type Emitter interface {
	EmitResult(msg models.AnalysisResultMessage) error
	EmitError(message string) error
}

// EngineConfig holds analysis engine dependencies
type EngineConfig struct {
	Repository Repository
	Kernel     MetricComputer
	Metrics    []string
	Logger     *logging.Logger
	// Seed produces the per-run random seed. Defaults to wall-clock nanos;
	// fixed in tests for reproducible values.
	Seed func() int64
}

// Engine runs all configured metrics in parallel against one snapshot and
// streams each completed result: persisted first, then emitted, in
// completion order.
type Engine struct {
	repo    Repository
	kernel  MetricComputer
	metrics []string
	logger  *logging.Logger
	seed    func() int64
}

// NewEngine creates an analysis engine
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if cfg.Repository == nil {
		return nil, fmt.Errorf("repository cannot be nil")
	}
	if cfg.Kernel == nil {
		return nil, fmt.Errorf("kernel cannot be nil")
	}
	if len(cfg.Metrics) == 0 {
		return nil, fmt.Errorf("metric set cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	seed := cfg.Seed
	if seed == nil {
		seed = func() int64 { return time.Now().UnixNano() }
	}

	return &Engine{
		repo:    cfg.Repository,
		kernel:  cfg.Kernel,
		metrics: cfg.Metrics,
		logger:  logger,
		seed:    seed,
	}, nil
}

type metricOutcome struct {
	metric string
	value  float64
	err    error
}

// Run executes one analysis for (sessionID, ticker). It returns only after
// every metric goroutine has exited and nothing further will be emitted;
// callers rely on that for the cancel-then-start-new ordering across runs.
func (e *Engine) Run(ctx context.Context, sessionID, ticker string, emitter Emitter) (Outcome, error) {
	log := e.logger.WithFields(map[string]interface{}{
		"session": sessionID,
		"ticker":  ticker,
	})

	snapshot, err := e.repo.StartAnalysis(ctx, sessionID, ticker)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}
		return OutcomeFailed, err
	}

	// All kernels share this snapshot; market updates landing mid-run are
	// invisible to them.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runSeed := e.seed()
	results := make(chan metricOutcome, len(e.metrics))
	var wg sync.WaitGroup
	for _, metric := range e.metrics {
		wg.Add(1)
		go func(metric string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results <- metricOutcome{metric: metric, err: fmt.Errorf("kernel panic: %v", r)}
				}
			}()
			rng := rand.New(rand.NewSource(metricSeed(runSeed, metric)))
			value, err := e.kernel.Compute(runCtx, metric, ticker, snapshot, rng)
			results <- metricOutcome{metric: metric, value: value, err: err}
		}(metric)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var runErr error
	for out := range results {
		if runCtx.Err() != nil {
			continue // cancelled or aborted: drain without persisting or emitting
		}
		if out.err != nil {
			if errors.Is(out.err, context.Canceled) {
				continue
			}
			log.WithField("metric", out.metric).WithError(out.err).Error("Metric computation failed")
			if emitErr := emitter.EmitError(fmt.Sprintf("metric %s failed", out.metric)); emitErr != nil {
				log.WithError(emitErr).Warn("Failed to emit metric error frame")
			}
			continue
		}

		result := models.MetricResult{
			Ticker:    ticker,
			Metric:    out.metric,
			Value:     out.value,
			Timestamp: time.Now().UTC(),
		}

		// Persist before emit: the client never observes a result the
		// store does not have.
		if err := e.repo.AppendResult(runCtx, sessionID, result); err != nil {
			switch {
			case errors.Is(err, storage.ErrSessionNotFound):
				// Session torn down between completion and append; the
				// late result is dropped.
				log.WithField("metric", out.metric).Debug("Dropping result for vanished session")
			case runCtx.Err() != nil:
				// Cancelled mid-append; nothing was emitted.
			default:
				// Transport failure: abort the run. The controller
				// surfaces the error frame once the run settles.
				log.WithField("metric", out.metric).WithError(err).Error("Persisting result failed, aborting run")
				runErr = err
				cancel()
			}
			continue
		}

		if err := emitter.EmitResult(models.NewAnalysisResultMessage(result)); err != nil {
			// The connection is likely gone; remaining results still get
			// persisted until the controller cancels us.
			log.WithField("metric", out.metric).WithError(err).Warn("Failed to emit result frame")
		}
	}

	switch {
	case ctx.Err() != nil:
		return OutcomeCancelled, nil
	case runErr != nil:
		return OutcomeFailed, runErr
	default:
		return OutcomeCompleted, nil
	}
}

// metricSeed derives a stable per-metric seed from the run seed
func metricSeed(runSeed int64, metric string) int64 {
	h := fnv.New64a()
	h.Write([]byte(metric))
	return runSeed ^ int64(h.Sum64())
}
