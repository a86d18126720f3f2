package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/portfolio-analysis/internal/models"
)

// Gateway is the narrow document-store interface the repository delegates
// atomicity to. Implemented by StateGateway; faked in tests.
type Gateway interface {
	Ensure(ctx context.Context, sessionID string, initial []byte) ([]byte, error)
	Read(ctx context.Context, sessionID string) ([]byte, error)
	BeginAnalysis(ctx context.Context, sessionID string, current, activity []byte) ([]byte, error)
	AppendResult(ctx context.Context, sessionID string, result, activity []byte) error
	ApplyMarketUpdate(ctx context.Context, sessionID string, prices, activity []byte) error
	ListSessions(ctx context.Context) ([]string, error)
}

// maxTimestampSkew bounds how far in the future a result timestamp may lie
const maxTimestampSkew = time.Minute

// PortfolioRepository is a typed facade over the state gateway. It validates
// inputs and converts between domain types and the stored document shape;
// all atomicity comes from the gateway.
type PortfolioRepository struct {
	gateway Gateway
}

// NewPortfolioRepository creates a repository over the given gateway
func NewPortfolioRepository(gateway Gateway) *PortfolioRepository {
	return &PortfolioRepository{gateway: gateway}
}

// EnsureSession creates the session document if absent and returns the
// current state. Idempotent.
func (r *PortfolioRepository) EnsureSession(ctx context.Context, sessionID string) (*models.PortfolioState, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id must not be empty")
	}

	initial, err := json.Marshal(models.NewPortfolioState(sessionID))
	if err != nil {
		return nil, fmt.Errorf("encoding initial state: %w", err)
	}

	raw, err := r.gateway.Ensure(ctx, sessionID, initial)
	if err != nil {
		return nil, err
	}
	return decodeState(raw)
}

// GetPortfolio reads the current session state, refreshing the TTL
func (r *PortfolioRepository) GetPortfolio(ctx context.Context, sessionID string) (*models.PortfolioState, error) {
	raw, err := r.gateway.Read(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return decodeState(raw)
}

// StartAnalysis marks a new analysis as started and returns the full state
// snapshot taken atomically with the mark.
func (r *PortfolioRepository) StartAnalysis(ctx context.Context, sessionID, ticker string) (*models.PortfolioState, error) {
	if !models.ValidTicker(ticker) {
		return nil, fmt.Errorf("invalid ticker %q", ticker)
	}

	now := time.Now().UTC()
	current, err := json.Marshal(models.CurrentAnalysis{Ticker: ticker, StartedAt: now})
	if err != nil {
		return nil, fmt.Errorf("encoding current analysis: %w", err)
	}
	activity, err := json.Marshal(now)
	if err != nil {
		return nil, fmt.Errorf("encoding timestamp: %w", err)
	}

	raw, err := r.gateway.BeginAnalysis(ctx, sessionID, current, activity)
	if err != nil {
		return nil, err
	}
	return decodeState(raw)
}

// AppendResult appends one completed metric result to the session document
func (r *PortfolioRepository) AppendResult(ctx context.Context, sessionID string, result models.MetricResult) error {
	if !models.ValidTicker(result.Ticker) {
		return fmt.Errorf("invalid ticker %q", result.Ticker)
	}
	if result.Metric == "" {
		return fmt.Errorf("metric name must not be empty")
	}
	if err := validateTimestamp(result.Timestamp); err != nil {
		return err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	activity, err := json.Marshal(time.Now().UTC())
	if err != nil {
		return fmt.Errorf("encoding timestamp: %w", err)
	}

	return r.gateway.AppendResult(ctx, sessionID, encoded, activity)
}

// UpdateMarketValues recomputes total_value from the given prices
func (r *PortfolioRepository) UpdateMarketValues(ctx context.Context, sessionID string, prices map[string]float64) error {
	if len(prices) == 0 {
		return fmt.Errorf("prices must not be empty")
	}
	for ticker, price := range prices {
		if !models.ValidTicker(ticker) {
			return fmt.Errorf("invalid ticker %q", ticker)
		}
		if price < 0 {
			return fmt.Errorf("negative price %f for ticker %s", price, ticker)
		}
	}

	encoded, err := json.Marshal(prices)
	if err != nil {
		return fmt.Errorf("encoding prices: %w", err)
	}
	activity, err := json.Marshal(time.Now().UTC())
	if err != nil {
		return fmt.Errorf("encoding timestamp: %w", err)
	}

	return r.gateway.ApplyMarketUpdate(ctx, sessionID, encoded, activity)
}

// ActiveSessions returns the ids of all live sessions
func (r *PortfolioRepository) ActiveSessions(ctx context.Context) ([]string, error) {
	return r.gateway.ListSessions(ctx)
}

func decodeState(raw []byte) (*models.PortfolioState, error) {
	var state models.PortfolioState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decoding session document: %w", err)
	}
	return &state, nil
}

func validateTimestamp(ts time.Time) error {
	if ts.IsZero() {
		return fmt.Errorf("timestamp must not be zero")
	}
	if ts.After(time.Now().Add(maxTimestampSkew)) {
		return fmt.Errorf("timestamp %v is too far in the future", ts)
	}
	return nil
}
