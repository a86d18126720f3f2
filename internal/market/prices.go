// Package market simulates market data: a mock price walk and the background
// updater that recomputes portfolio totals from it.
package market

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// PriceBookConfig holds price simulation parameters
type PriceBookConfig struct {
	BasePrices   map[string]float64
	DefaultPrice float64
	Volatility   float64
	// Seed for the process-wide price RNG. Zero means time-based.
	Seed int64
}

// PriceBook generates mock prices. Each ticker walks from its previous price
// by a uniform step within +/- volatility; the first draw starts from the
// configured base price, or DefaultPrice for unknown tickers.
type PriceBook struct {
	mu           sync.Mutex
	basePrices   map[string]float64
	defaultPrice float64
	volatility   float64
	last         map[string]float64
	rng          *rand.Rand
}

// NewPriceBook creates a price book
func NewPriceBook(cfg *PriceBookConfig) *PriceBook {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	base := make(map[string]float64, len(cfg.BasePrices))
	for ticker, price := range cfg.BasePrices {
		base[strings.ToUpper(ticker)] = price
	}

	defaultPrice := cfg.DefaultPrice
	if defaultPrice <= 0 {
		defaultPrice = 100.0
	}

	return &PriceBook{
		basePrices:   base,
		defaultPrice: defaultPrice,
		volatility:   cfg.Volatility,
		last:         make(map[string]float64),
		rng:          rand.New(rand.NewSource(seed)),
	}
}

// Next draws the next price for each ticker
func (b *PriceBook) Next(tickers []string) map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	prices := make(map[string]float64, len(tickers))
	for _, ticker := range tickers {
		ticker = strings.ToUpper(ticker)
		prev, ok := b.last[ticker]
		if !ok {
			prev, ok = b.basePrices[ticker]
			if !ok {
				prev = b.defaultPrice
			}
		}

		step := (b.rng.Float64()*2 - 1) * b.volatility
		price := round2(prev * (1 + step))
		if price <= 0 {
			price = 0.01
		}

		b.last[ticker] = price
		prices[ticker] = price
	}
	return prices
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
