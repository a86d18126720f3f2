package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/portfolio-analysis/internal/models"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// FakeGateway is an in-memory Gateway with the same mutation semantics as
// the Redis-backed StateGateway. Used by tests in this and other packages.
type FakeGateway struct {
	mu   sync.Mutex
	docs map[string]*models.PortfolioState

	// Optional error injection
	EnsureErr error
	BeginErr  error
	AppendErr error
	MarketErr error
	ListErr   error
}

// NewFakeGateway creates an empty in-memory gateway
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{docs: make(map[string]*models.PortfolioState)}
}

// Ensure implements Gateway
func (f *FakeGateway) Ensure(ctx context.Context, sessionID string, initial []byte) ([]byte, error) {
	if f.EnsureErr != nil {
		return nil, f.EnsureErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.docs[sessionID]; !ok {
		var state models.PortfolioState
		if err := json.Unmarshal(initial, &state); err != nil {
			return nil, fmt.Errorf("decoding initial state: %w", err)
		}
		f.docs[sessionID] = &state
	}
	return json.Marshal(f.docs[sessionID])
}

// Read implements Gateway
func (f *FakeGateway) Read(ctx context.Context, sessionID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.docs[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return json.Marshal(state)
}

// BeginAnalysis implements Gateway
func (f *FakeGateway) BeginAnalysis(ctx context.Context, sessionID string, current, activity []byte) ([]byte, error) {
	if f.BeginErr != nil {
		return nil, f.BeginErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.docs[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	var ca models.CurrentAnalysis
	if err := json.Unmarshal(current, &ca); err != nil {
		return nil, err
	}
	var ts time.Time
	if err := json.Unmarshal(activity, &ts); err != nil {
		return nil, err
	}

	state.CurrentAnalysis = &ca
	state.LastActivity = ts
	return json.Marshal(state)
}

// AppendResult implements Gateway
func (f *FakeGateway) AppendResult(ctx context.Context, sessionID string, result, activity []byte) error {
	if f.AppendErr != nil {
		return f.AppendErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.docs[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	var r models.MetricResult
	if err := json.Unmarshal(result, &r); err != nil {
		return err
	}
	var ts time.Time
	if err := json.Unmarshal(activity, &ts); err != nil {
		return err
	}

	state.AnalysisResults = append(state.AnalysisResults, r)
	state.LastActivity = ts
	return nil
}

// ApplyMarketUpdate implements Gateway
func (f *FakeGateway) ApplyMarketUpdate(ctx context.Context, sessionID string, prices, activity []byte) error {
	if f.MarketErr != nil {
		return f.MarketErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.docs[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	var priceMap map[string]float64
	if err := json.Unmarshal(prices, &priceMap); err != nil {
		return err
	}
	var ts time.Time
	if err := json.Unmarshal(activity, &ts); err != nil {
		return err
	}

	total := 0.0
	for ticker, shares := range state.Holdings {
		if price, ok := priceMap[ticker]; ok {
			total += price * float64(shares)
		}
	}

	state.TotalValue = total
	state.LastActivity = ts
	return nil
}

// ListSessions implements Gateway
func (f *FakeGateway) ListSessions(ctx context.Context) ([]string, error) {
	if f.ListErr != nil {
		return nil, f.ListErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.docs))
	for id := range f.docs {
		ids = append(ids, id)
	}
	return ids, nil
}

// State returns a deep copy of the stored document, or nil when absent
func (f *FakeGateway) State(sessionID string) *models.PortfolioState {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.docs[sessionID]
	if !ok {
		return nil
	}
	raw, _ := json.Marshal(state)
	var copied models.PortfolioState
	_ = json.Unmarshal(raw, &copied)
	return &copied
}

// Delete removes a session document, simulating key expiry
func (f *FakeGateway) Delete(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, sessionID)
}
