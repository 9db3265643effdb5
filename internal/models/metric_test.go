package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseMetric() Metric {
	return Metric{
		Symbol:       "btc",
		MetricTime:   time.Date(2025, 3, 14, 9, 26, 0, 0, time.UTC),
		PriceUSD:     decimal.NewFromInt(100),
		Volume24hUSD: decimal.NewFromInt(1000),
		AvgPrice1h:   decimal.NewFromFloat(92.5),
		MinPrice1h:   decimal.NewFromInt(85),
		MaxPrice1h:   decimal.NewFromInt(100),
	}
}

func TestMetric_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(m *Metric)
		wantField string
	}{
		{
			name:   "valid_metric",
			mutate: func(m *Metric) {},
		},
		{
			name:      "empty_symbol",
			mutate:    func(m *Metric) { m.Symbol = "" },
			wantField: "symbol",
		},
		{
			name:      "zero_metric_time",
			mutate:    func(m *Metric) { m.MetricTime = time.Time{} },
			wantField: "metric_time",
		},
		{
			name:      "unaligned_metric_time",
			mutate:    func(m *Metric) { m.MetricTime = m.MetricTime.Add(5 * time.Second) },
			wantField: "metric_time",
		},
		{
			name:      "price_above_window_max",
			mutate:    func(m *Metric) { m.PriceUSD = decimal.NewFromInt(101) },
			wantField: "price_usd",
		},
		{
			name:      "price_below_window_min",
			mutate:    func(m *Metric) { m.PriceUSD = decimal.NewFromInt(84) },
			wantField: "price_usd",
		},
		{
			name:      "average_outside_window",
			mutate:    func(m *Metric) { m.AvgPrice1h = decimal.NewFromInt(120) },
			wantField: "avg_price_1h",
		},
		{
			name:      "negative_volume",
			mutate:    func(m *Metric) { m.Volume24hUSD = decimal.NewFromInt(-1) },
			wantField: "volume_24h_usd",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := baseMetric()
			tt.mutate(&m)

			err := m.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantField, ve.Field)
		})
	}
}

func TestMetric_NullDeltasAreValid(t *testing.T) {
	// Deltas stay null when the window held no old-enough reference row.
	m := baseMetric()
	m.PriceChange5m = decimal.NullDecimal{}
	m.PriceChange15m = decimal.NullDecimal{}
	assert.NoError(t, m.Validate())
}

func TestPercentChange(t *testing.T) {
	tests := []struct {
		name      string
		change    decimal.Decimal
		reference decimal.Decimal
		want      decimal.Decimal
	}{
		{
			name:      "positive_change",
			change:    decimal.NewFromInt(10),
			reference: decimal.NewFromInt(90),
			want:      decimal.NewFromInt(10).Div(decimal.NewFromInt(90)).Mul(decimal.NewFromInt(100)),
		},
		{
			name:      "negative_change",
			change:    decimal.NewFromInt(-5),
			reference: decimal.NewFromInt(100),
			want:      decimal.NewFromInt(-5),
		},
		{
			name:      "zero_reference_is_zero_not_error",
			change:    decimal.NewFromInt(42),
			reference: decimal.Zero,
			want:      decimal.Zero,
		},
		{
			name:      "zero_change",
			change:    decimal.Zero,
			reference: decimal.NewFromInt(100),
			want:      decimal.Zero,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PercentChange(tt.change, tt.reference)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}
