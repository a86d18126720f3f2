package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidTicker(t *testing.T) {
	valid := []string{"A", "AAPL", "GOOGL", "BRK.B", "A1234.XY90"}
	for _, ticker := range valid {
		assert.True(t, ValidTicker(ticker), "expected %q to be valid", ticker)
	}

	invalid := []string{"", "aapl", "1AAPL", ".AAPL", "AAPL GOOGL", "TOOLONGTICKER", "AAPL!"}
	for _, ticker := range invalid {
		assert.False(t, ValidTicker(ticker), "expected %q to be invalid", ticker)
	}
}

func TestValidTickerProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	leading := gen.RuneRange('A', 'Z')
	rest := gen.SliceOfN(5, gen.OneGenOf(gen.RuneRange('A', 'Z'), gen.RuneRange('0', '9')))

	properties.Property("generated uppercase symbols are valid", prop.ForAll(
		func(first rune, tail []rune) bool {
			return ValidTicker(string(first) + string(tail))
		},
		leading,
		rest,
	))

	properties.Property("lowercase leading character is rejected", prop.ForAll(
		func(first rune, tail []rune) bool {
			return !ValidTicker(string(first) + string(tail))
		},
		gen.RuneRange('a', 'z'),
		rest,
	))

	properties.TestingRun(t)
}

func TestNewPortfolioStateDefaults(t *testing.T) {
	state := NewPortfolioState("s-1-aaaa")

	assert.Equal(t, "s-1-aaaa", state.SessionID)
	assert.Equal(t, map[string]int{"AAPL": 100, "GOOGL": 50, "MSFT": 75}, state.Holdings)
	assert.Equal(t, 125000.00, state.TotalValue)
	assert.Nil(t, state.CurrentAnalysis)
	assert.NotNil(t, state.AnalysisResults)
	assert.Empty(t, state.AnalysisResults)
	assert.False(t, state.LastActivity.IsZero())
}

func TestPortfolioStateRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	state := &PortfolioState{
		SessionID:  "s-1-aaaa",
		Holdings:   map[string]int{"AAPL": 100},
		TotalValue: 125000.00,
		CurrentAnalysis: &CurrentAnalysis{
			Ticker:    "AAPL",
			StartedAt: now,
		},
		AnalysisResults: []MetricResult{
			{Ticker: "AAPL", Metric: MetricMomentum, Value: 0.5, Timestamp: now},
		},
		LastActivity: now,
	}

	raw, err := json.Marshal(state)
	require.NoError(t, err)

	var decoded PortfolioState
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, state, &decoded)
}

func TestAnalyzeRequestWireShape(t *testing.T) {
	raw := []byte(`{"action":"analyze","ticker":"AAPL"}`)

	var req AnalyzeRequest
	require.NoError(t, json.Unmarshal(raw, &req))
	assert.Equal(t, "analyze", req.Action)
	assert.Equal(t, "AAPL", req.Ticker)

	encoded, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(encoded))
}

func TestAnalysisResultMessageWireShape(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	msg := NewAnalysisResultMessage(MetricResult{
		Ticker:    "AAPL",
		Metric:    MetricPortfolioRisk,
		Value:     0.1234,
		Timestamp: now,
	})

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "analysis_result", decoded["type"])
	assert.Equal(t, "AAPL", decoded["ticker"])
	assert.Equal(t, "portfolio_risk", decoded["metric"])
	assert.Equal(t, 0.1234, decoded["value"])
	assert.Equal(t, "2026-03-14T09:26:53Z", decoded["timestamp"])
}

func TestErrorMessageWireShape(t *testing.T) {
	raw, err := json.Marshal(NewErrorMessage("unknown action: \"nope\""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","message":"unknown action: \"nope\""}`, string(raw))
}
