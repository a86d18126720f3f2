package market

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPriceBook(seed int64) *PriceBook {
	return NewPriceBook(&PriceBookConfig{
		BasePrices:   map[string]float64{"AAPL": 185.0, "GOOGL": 140.0},
		DefaultPrice: 100.0,
		Volatility:   0.02,
		Seed:         seed,
	})
}

func TestPriceBookStartsFromBasePrices(t *testing.T) {
	book := testPriceBook(1)

	prices := book.Next([]string{"AAPL", "GOOGL"})
	require.Len(t, prices, 2)
	assert.InDelta(t, 185.0, prices["AAPL"], 185.0*0.02+0.01)
	assert.InDelta(t, 140.0, prices["GOOGL"], 140.0*0.02+0.01)
}

func TestPriceBookUnknownTickerUsesDefault(t *testing.T) {
	book := testPriceBook(1)

	prices := book.Next([]string{"ZZZZ"})
	assert.InDelta(t, 100.0, prices["ZZZZ"], 100.0*0.02+0.01)
}

func TestPriceBookWalksFromPreviousPrice(t *testing.T) {
	book := testPriceBook(1)

	previous := book.Next([]string{"AAPL"})["AAPL"]
	for i := 0; i < 100; i++ {
		price := book.Next([]string{"AAPL"})["AAPL"]
		maxStep := previous*0.02 + 0.01 // rounding slack
		assert.LessOrEqual(t, math.Abs(price-previous), maxStep,
			"step %d moved more than volatility allows", i)
		assert.Greater(t, price, 0.0)
		previous = price
	}
}

func TestPriceBookIsDeterministicPerSeed(t *testing.T) {
	first := testPriceBook(42)
	second := testPriceBook(42)

	for i := 0; i < 10; i++ {
		assert.Equal(t, first.Next([]string{"AAPL", "GOOGL"}), second.Next([]string{"AAPL", "GOOGL"}))
	}
}

func TestPriceBookNormalizesTickerCase(t *testing.T) {
	book := testPriceBook(1)

	prices := book.Next([]string{"aapl"})
	_, ok := prices["AAPL"]
	assert.True(t, ok)
}
