// Package marketdata defines interfaces and adapters for remote market data
// sources that provide current price/volume snapshots for a set of coins.
//
// The interfaces are small and composable: the ingestion component depends
// only on Source, so concrete adapters (CoinGecko, mocks) can be swapped via
// configuration.
package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is one market snapshot for one coin as returned by a source.
//
// CurrentPrice and TotalVolume are pointers because the wire format allows
// null values; validation downstream must distinguish a missing figure from a
// legitimate zero.
type Ticker struct {
	ID           string           `json:"id"`
	Symbol       string           `json:"symbol"`
	Name         string           `json:"name"`
	CurrentPrice *decimal.Decimal `json:"current_price"`
	TotalVolume  *decimal.Decimal `json:"total_volume"`
}

// FetchRequest defines parameters for fetching a snapshot batch.
type FetchRequest struct {
	// VsCurrency is the quote currency for prices and volumes (e.g., "usd")
	VsCurrency string

	// IDs are the source-side coin identifiers (e.g., "bitcoin", "ethereum");
	// they are comma-joined on the wire
	IDs []string
}

// Validate checks that the request is well formed.
func (r *FetchRequest) Validate() error {
	if r.VsCurrency == "" {
		return fmt.Errorf("vs_currency cannot be empty")
	}
	if len(r.IDs) == 0 {
		return fmt.Errorf("at least one coin id is required")
	}
	return nil
}

// FetchResponse contains the snapshot batch returned by a source.
type FetchResponse struct {
	// Tickers holds one entry per coin; may be empty if the source
	// returned no usable data
	Tickers []Ticker

	// FetchedAt is the wall-clock time the response was received
	FetchedAt time.Time
}

// Source retrieves current market snapshots from a remote data provider.
type Source interface {
	// FetchMarkets retrieves one snapshot batch for the requested coins.
	// The fetch is bounded by the adapter's request timeout; a timeout is
	// reported the same way as any other transport failure.
	FetchMarkets(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}

// HealthChecker verifies that a source is reachable.
type HealthChecker interface {
	// HealthCheck performs a lightweight check of the source connection.
	// It should not consume meaningful rate limit quota.
	HealthCheck(ctx context.Context) error
}

// StatusError reports a non-success HTTP status from a source.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("market data source returned status %d: %s", e.StatusCode, e.Body)
}
