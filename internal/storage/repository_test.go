package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/portfolio-analysis/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureSessionCreatesDefaults(t *testing.T) {
	ctx := testContext(t)
	repo := NewPortfolioRepository(NewFakeGateway())

	state, err := repo.EnsureSession(ctx, "s-1-aaaa")
	require.NoError(t, err)
	assert.Equal(t, "s-1-aaaa", state.SessionID)
	assert.Equal(t, models.DefaultHoldings(), state.Holdings)
	assert.Equal(t, models.DefaultTotalValue, state.TotalValue)
	assert.Nil(t, state.CurrentAnalysis)
}

func TestEnsureSessionIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	gateway := NewFakeGateway()
	repo := NewPortfolioRepository(gateway)

	first, err := repo.EnsureSession(ctx, "s-1-aaaa")
	require.NoError(t, err)

	// Mutate, then ensure again: existing state must be returned unchanged
	require.NoError(t, repo.UpdateMarketValues(ctx, "s-1-aaaa", map[string]float64{"AAPL": 200}))

	second, err := repo.EnsureSession(ctx, "s-1-aaaa")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 20000.0, second.TotalValue)
}

func TestEnsureSessionRejectsEmptyID(t *testing.T) {
	ctx := testContext(t)
	repo := NewPortfolioRepository(NewFakeGateway())

	_, err := repo.EnsureSession(ctx, "")
	assert.Error(t, err)
}

func TestGetPortfolioNotFound(t *testing.T) {
	ctx := testContext(t)
	repo := NewPortfolioRepository(NewFakeGateway())

	_, err := repo.GetPortfolio(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStartAnalysisReturnsSnapshot(t *testing.T) {
	ctx := testContext(t)
	gateway := NewFakeGateway()
	repo := NewPortfolioRepository(gateway)

	_, err := repo.EnsureSession(ctx, "s-1-aaaa")
	require.NoError(t, err)

	snapshot, err := repo.StartAnalysis(ctx, "s-1-aaaa", "AAPL")
	require.NoError(t, err)
	require.NotNil(t, snapshot.CurrentAnalysis)
	assert.Equal(t, "AAPL", snapshot.CurrentAnalysis.Ticker)
	assert.False(t, snapshot.CurrentAnalysis.StartedAt.IsZero())
	assert.Equal(t, models.DefaultTotalValue, snapshot.TotalValue)
}

func TestStartAnalysisValidatesTicker(t *testing.T) {
	ctx := testContext(t)
	repo := NewPortfolioRepository(NewFakeGateway())

	for _, ticker := range []string{"", "aapl", "1X", "WAY-TOO-LONG-TICKER"} {
		_, err := repo.StartAnalysis(ctx, "s-1-aaaa", ticker)
		assert.Error(t, err, "ticker %q should be rejected", ticker)
	}
}

func TestStartAnalysisNotFound(t *testing.T) {
	ctx := testContext(t)
	repo := NewPortfolioRepository(NewFakeGateway())

	_, err := repo.StartAnalysis(ctx, "missing", "AAPL")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAppendResultValidation(t *testing.T) {
	ctx := testContext(t)
	repo := NewPortfolioRepository(NewFakeGateway())
	now := time.Now().UTC()

	tests := []struct {
		name   string
		result models.MetricResult
	}{
		{"invalid ticker", models.MetricResult{Ticker: "nope", Metric: "momentum", Timestamp: now}},
		{"empty metric", models.MetricResult{Ticker: "AAPL", Metric: "", Timestamp: now}},
		{"zero timestamp", models.MetricResult{Ticker: "AAPL", Metric: "momentum"}},
		{"far-future timestamp", models.MetricResult{Ticker: "AAPL", Metric: "momentum", Timestamp: now.Add(time.Hour)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, repo.AppendResult(ctx, "s-1-aaaa", tt.result))
		})
	}
}

func TestAppendResultIsAppendOnly(t *testing.T) {
	ctx := testContext(t)
	gateway := NewFakeGateway()
	repo := NewPortfolioRepository(gateway)

	_, err := repo.EnsureSession(ctx, "s-1-aaaa")
	require.NoError(t, err)

	metrics := []string{"portfolio_risk", "concentration", "correlation"}
	for _, metric := range metrics {
		require.NoError(t, repo.AppendResult(ctx, "s-1-aaaa", models.MetricResult{
			Ticker:    "AAPL",
			Metric:    metric,
			Value:     0.5,
			Timestamp: time.Now().UTC(),
		}))
	}

	state := gateway.State("s-1-aaaa")
	require.Len(t, state.AnalysisResults, 3)
	for i, metric := range metrics {
		assert.Equal(t, metric, state.AnalysisResults[i].Metric)
	}
}

func TestLastActivityIsMonotonic(t *testing.T) {
	ctx := testContext(t)
	gateway := NewFakeGateway()
	repo := NewPortfolioRepository(gateway)

	_, err := repo.EnsureSession(ctx, "s-1-aaaa")
	require.NoError(t, err)

	var previous time.Time
	for i := 0; i < 20; i++ {
		switch i % 3 {
		case 0:
			_, err = repo.StartAnalysis(ctx, "s-1-aaaa", "AAPL")
		case 1:
			err = repo.AppendResult(ctx, "s-1-aaaa", models.MetricResult{
				Ticker: "AAPL", Metric: "momentum", Value: 0.1, Timestamp: time.Now().UTC(),
			})
		case 2:
			err = repo.UpdateMarketValues(ctx, "s-1-aaaa", map[string]float64{"AAPL": 185})
		}
		require.NoError(t, err)

		state := gateway.State("s-1-aaaa")
		assert.Equal(t, "s-1-aaaa", state.SessionID)
		assert.False(t, state.LastActivity.Before(previous), "last_activity went backwards at step %d", i)
		previous = state.LastActivity
	}
}

func TestUpdateMarketValuesValidation(t *testing.T) {
	ctx := testContext(t)
	repo := NewPortfolioRepository(NewFakeGateway())

	assert.Error(t, repo.UpdateMarketValues(ctx, "s-1-aaaa", nil))
	assert.Error(t, repo.UpdateMarketValues(ctx, "s-1-aaaa", map[string]float64{"bad ticker": 1}))
	assert.Error(t, repo.UpdateMarketValues(ctx, "s-1-aaaa", map[string]float64{"AAPL": -5}))
}

func TestUpdateMarketValuesComputesTotal(t *testing.T) {
	ctx := testContext(t)
	gateway := NewFakeGateway()
	repo := NewPortfolioRepository(gateway)

	_, err := repo.EnsureSession(ctx, "s-1-aaaa")
	require.NoError(t, err)

	// Default holdings: AAPL 100, GOOGL 50, MSFT 75
	require.NoError(t, repo.UpdateMarketValues(ctx, "s-1-aaaa", map[string]float64{
		"AAPL":  185.0,
		"GOOGL": 140.0,
		"MSFT":  375.0,
	}))

	state := gateway.State("s-1-aaaa")
	assert.InDelta(t, 100*185.0+50*140.0+75*375.0, state.TotalValue, 0.001)
}

func TestActiveSessions(t *testing.T) {
	ctx := testContext(t)
	gateway := NewFakeGateway()
	repo := NewPortfolioRepository(gateway)

	_, err := repo.EnsureSession(ctx, "s-1-aaaa")
	require.NoError(t, err)
	_, err = repo.EnsureSession(ctx, "s-2-bbbb")
	require.NoError(t, err)

	ids, err := repo.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s-1-aaaa", "s-2-bbbb"}, ids)
}

func TestRepositoryPropagatesGatewayErrors(t *testing.T) {
	ctx := testContext(t)
	gateway := NewFakeGateway()
	gateway.BeginErr = errors.New("connection refused")
	repo := NewPortfolioRepository(gateway)

	_, err := repo.StartAnalysis(ctx, "s-1-aaaa", "AAPL")
	assert.ErrorContains(t, err, "connection refused")
}
