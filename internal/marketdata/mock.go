package marketdata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MockSource is a deterministic in-memory Source for dry runs and tests.
// Prices drift by a fixed step on every fetch so consecutive pipeline runs
// produce distinguishable observations.
type MockSource struct {
	mu      sync.Mutex
	coins   map[string]mockCoin
	fetches int
}

type mockCoin struct {
	symbol    string
	name      string
	basePrice decimal.Decimal
	volume    decimal.Decimal
}

// NewMockSource creates a mock source seeded with bitcoin and ethereum.
func NewMockSource() *MockSource {
	return &MockSource{
		coins: map[string]mockCoin{
			"bitcoin": {
				symbol:    "btc",
				name:      "Bitcoin",
				basePrice: decimal.NewFromInt(67000),
				volume:    decimal.NewFromInt(35000000000),
			},
			"ethereum": {
				symbol:    "eth",
				name:      "Ethereum",
				basePrice: decimal.NewFromInt(3500),
				volume:    decimal.NewFromInt(18000000000),
			},
		},
	}
}

// FetchMarkets implements the Source interface.
// Unknown coin IDs are silently absent from the response, matching the
// remote API's behavior.
func (m *MockSource) FetchMarkets(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++

	// Deterministic drift: +0.1% of base per fetch.
	drift := decimal.NewFromInt(int64(m.fetches)).Div(decimal.NewFromInt(1000))

	tickers := make([]Ticker, 0, len(req.IDs))
	for _, id := range req.IDs {
		coin, ok := m.coins[strings.ToLower(id)]
		if !ok {
			continue
		}
		price := coin.basePrice.Add(coin.basePrice.Mul(drift))
		volume := coin.volume
		tickers = append(tickers, Ticker{
			ID:           id,
			Symbol:       coin.symbol,
			Name:         coin.name,
			CurrentPrice: &price,
			TotalVolume:  &volume,
		})
	}

	return &FetchResponse{
		Tickers:   tickers,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// HealthCheck implements the HealthChecker interface.
func (m *MockSource) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// Compile-time interface compliance check
var (
	_ Source        = (*MockSource)(nil)
	_ HealthChecker = (*MockSource)(nil)
)
