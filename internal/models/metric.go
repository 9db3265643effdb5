package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Metric represents one derived snapshot for one symbol at one computation
// time. It carries the latest known price and volume plus rolling deltas and
// one-hour aggregates over the raw observation window. Like observations,
// metrics are append-only.
//
// PriceChange5m and PriceChange15m are nullable: a null delta means the
// lookback window held no observation old enough to serve as the reference
// point, which is distinct from a delta of zero.
type Metric struct {
	Symbol         string              `json:"symbol" db:"symbol"`
	MetricTime     time.Time           `json:"metric_time" db:"metric_time"`
	PriceUSD       decimal.Decimal     `json:"price_usd" db:"price_usd"`
	PriceChange5m  decimal.NullDecimal `json:"price_change_5m" db:"price_change_5m"`
	PriceChange15m decimal.NullDecimal `json:"price_change_15m" db:"price_change_15m"`
	Volume24hUSD   decimal.Decimal     `json:"volume_24h_usd" db:"volume_24h_usd"`
	AvgPrice1h     decimal.Decimal     `json:"avg_price_1h" db:"avg_price_1h"`
	MinPrice1h     decimal.Decimal     `json:"min_price_1h" db:"min_price_1h"`
	MaxPrice1h     decimal.Decimal     `json:"max_price_1h" db:"max_price_1h"`
}

// Validate performs validation on the metric.
// It checks required fields and the window invariants
// min <= price <= max and min <= avg <= max.
func (m *Metric) Validate() error {
	if strings.TrimSpace(m.Symbol) == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if m.MetricTime.IsZero() {
		return &ValidationError{Field: "metric_time", Message: "metric time cannot be zero"}
	}
	if !m.MetricTime.Equal(m.MetricTime.Truncate(time.Minute)) {
		return &ValidationError{Field: "metric_time", Message: "metric time must be truncated to a whole minute"}
	}
	if m.PriceUSD.IsNegative() {
		return &ValidationError{Field: "price_usd", Message: "price must be greater than or equal to 0"}
	}
	if m.Volume24hUSD.IsNegative() {
		return &ValidationError{Field: "volume_24h_usd", Message: "volume must be greater than or equal to 0"}
	}
	if m.MinPrice1h.GreaterThan(m.PriceUSD) || m.PriceUSD.GreaterThan(m.MaxPrice1h) {
		return &ValidationError{
			Field:   "price_usd",
			Message: fmt.Sprintf("price (%s) must lie within the window bounds [%s, %s]", m.PriceUSD, m.MinPrice1h, m.MaxPrice1h),
		}
	}
	if m.MinPrice1h.GreaterThan(m.AvgPrice1h) || m.AvgPrice1h.GreaterThan(m.MaxPrice1h) {
		return &ValidationError{
			Field:   "avg_price_1h",
			Message: fmt.Sprintf("average (%s) must lie within the window bounds [%s, %s]", m.AvgPrice1h, m.MinPrice1h, m.MaxPrice1h),
		}
	}
	return nil
}

// String returns a human-readable representation of the metric.
func (m *Metric) String() string {
	return fmt.Sprintf("Metric{Symbol: %s, MetricTime: %s, Price: %s, Avg1h: %s, Min1h: %s, Max1h: %s}",
		m.Symbol, m.MetricTime.Format(time.RFC3339), m.PriceUSD, m.AvgPrice1h, m.MinPrice1h, m.MaxPrice1h)
}

// PercentChange computes (change / reference) * 100. It is defined as zero
// when the reference is zero: a missing base price yields "no meaningful
// percentage" rather than an error.
func PercentChange(change, reference decimal.Decimal) decimal.Decimal {
	if reference.IsZero() {
		return decimal.Zero
	}
	return change.Div(reference).Mul(decimal.NewFromInt(100))
}
