package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koinstrap/koinstrap/internal/models"
	"github.com/koinstrap/koinstrap/internal/storage"
)

// failingMetricStore wraps MemoryStorage and fails the metric insert, for
// exercising run-level atomicity.
type failingMetricStore struct {
	*storage.MemoryStorage
}

func (f *failingMetricStore) InsertMetrics(ctx context.Context, metrics []models.Metric) error {
	return storage.NewInsertError("crypto_metrics", errors.New("deadlock detected"))
}

// seedObservations inserts one observation per (offset, price) pair, each
// offset subtracted from the anchor time.
func seedObservations(t *testing.T, store storage.ObservationStorer, symbol string, anchor time.Time, points map[time.Duration]string) {
	t.Helper()
	observations := make([]models.Observation, 0, len(points))
	for offset, price := range points {
		obs, err := models.NewObservation(symbol, "Test Asset", dec(t, price), dec(t, "1000000"), anchor.Add(-offset))
		require.NoError(t, err)
		observations = append(observations, *obs)
	}
	require.NoError(t, store.InsertObservations(context.Background(), observations))
}

func TestAggregatorDeltaCorrectness(t *testing.T) {
	store := storage.NewMemoryStorage()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	seedObservations(t, store, "btc", now, map[time.Duration]string{
		0:                "100",
		5 * time.Minute:  "90",
		15 * time.Minute: "80",
	})

	aggregator := NewAggregator(store, []string{"btc"}, nil)
	result, err := aggregator.ComputeMetrics(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, result.Computed)

	metric := result.Metrics[0]
	assert.True(t, metric.PriceUSD.Equal(dec(t, "100")))
	require.True(t, metric.PriceChange5m.Valid)
	assert.True(t, metric.PriceChange5m.Decimal.Equal(dec(t, "10")))
	require.True(t, metric.PriceChange15m.Valid)
	assert.True(t, metric.PriceChange15m.Decimal.Equal(dec(t, "20")))
}

func TestAggregatorSingleObservation(t *testing.T) {
	store := storage.NewMemoryStorage()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	seedObservations(t, store, "btc", now, map[time.Duration]string{
		0: "100",
	})

	aggregator := NewAggregator(store, []string{"btc"}, nil)
	result, err := aggregator.ComputeMetrics(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, result.Computed)

	metric := result.Metrics[0]
	assert.False(t, metric.PriceChange5m.Valid, "no reference row means a null delta, not zero")
	assert.False(t, metric.PriceChange15m.Valid)
	assert.True(t, metric.AvgPrice1h.Equal(dec(t, "100")))
	assert.True(t, metric.MinPrice1h.Equal(dec(t, "100")))
	assert.True(t, metric.MaxPrice1h.Equal(dec(t, "100")))
}

func TestAggregatorPicksMostRecentEligibleReference(t *testing.T) {
	store := storage.NewMemoryStorage()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	// Nothing exactly 5 minutes old: the 7-minute row is the most recent one
	// old enough to serve as the 5m reference.
	seedObservations(t, store, "btc", now, map[time.Duration]string{
		0:               "100",
		3 * time.Minute: "99",
		7 * time.Minute: "95",
	})

	aggregator := NewAggregator(store, []string{"btc"}, nil)
	result, err := aggregator.ComputeMetrics(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, result.Computed)

	metric := result.Metrics[0]
	require.True(t, metric.PriceChange5m.Valid)
	assert.True(t, metric.PriceChange5m.Decimal.Equal(dec(t, "5")))
	assert.False(t, metric.PriceChange15m.Valid, "nothing is 15 minutes old yet")
}

func TestAggregatorWindowBoundary(t *testing.T) {
	store := storage.NewMemoryStorage()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	seedObservations(t, store, "btc", now, map[time.Duration]string{
		0:                "100",
		60 * time.Minute: "50",  // exactly on the window edge: included
		61 * time.Minute: "400", // outside the window: ignored
	})

	aggregator := NewAggregator(store, []string{"btc"}, nil)
	result, err := aggregator.ComputeMetrics(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, result.Computed)

	metric := result.Metrics[0]
	assert.True(t, metric.MinPrice1h.Equal(dec(t, "50")))
	assert.True(t, metric.MaxPrice1h.Equal(dec(t, "100")))
}

func TestAggregatorSkipsSymbolsWithoutData(t *testing.T) {
	store := storage.NewMemoryStorage()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	seedObservations(t, store, "btc", now, map[time.Duration]string{0: "100"})

	aggregator := NewAggregator(store, []string{"btc", "eth"}, nil)
	result, err := aggregator.ComputeMetrics(context.Background(), now)
	require.NoError(t, err, "a symbol without data must not abort the run")
	assert.Equal(t, 1, result.Computed)
	assert.Equal(t, 1, result.SkippedNoData)

	metrics, err := store.LatestMetrics(context.Background(), "btc", 10)
	require.NoError(t, err)
	assert.Len(t, metrics, 1)
}

func TestAggregatorAllSymbolsEmpty(t *testing.T) {
	store := storage.NewMemoryStorage()
	aggregator := NewAggregator(store, []string{"btc", "eth"}, nil)

	result, err := aggregator.ComputeMetrics(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Computed)
	assert.Equal(t, 2, result.SkippedNoData)
}

func TestAggregatorPersistenceFailureLeavesNoRows(t *testing.T) {
	inner := storage.NewMemoryStorage()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	seedObservations(t, inner, "btc", now, map[time.Duration]string{0: "100"})
	seedObservations(t, inner, "eth", now, map[time.Duration]string{0: "3500"})

	aggregator := NewAggregator(&failingMetricStore{MemoryStorage: inner}, []string{"btc", "eth"}, nil)
	result, err := aggregator.ComputeMetrics(context.Background(), now)
	assert.Nil(t, result)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "aggregate", perr.Operation)

	for _, symbol := range []string{"btc", "eth"} {
		metrics, err := inner.LatestMetrics(context.Background(), symbol, 10)
		require.NoError(t, err)
		assert.Empty(t, metrics, "a failed run must be invisible for every symbol")
	}
}

func TestAggregatorBoundsHoldForRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for trial := 0; trial < 50; trial++ {
		count := 1 + rng.Intn(60)
		rows := make([]models.Observation, 0, count)
		for i := 0; i < count; i++ {
			price := decimal.NewFromFloat(rng.Float64() * 100000).Round(8)
			obs, err := models.NewObservation("btc", "Bitcoin", price, dec(t, "1000"), now.Add(-time.Duration(i)*time.Minute))
			require.NoError(t, err)
			rows = append(rows, *obs)
		}

		metric := computeSymbolMetric("btc", now, rows)
		assert.True(t, metric.MinPrice1h.LessThanOrEqual(metric.AvgPrice1h),
			"trial %d: min %s > avg %s", trial, metric.MinPrice1h, metric.AvgPrice1h)
		assert.True(t, metric.AvgPrice1h.LessThanOrEqual(metric.MaxPrice1h),
			"trial %d: avg %s > max %s", trial, metric.AvgPrice1h, metric.MaxPrice1h)
		assert.NoError(t, metric.Validate())
	}
}

func TestAggregatorEndToEndScenario(t *testing.T) {
	store := storage.NewMemoryStorage()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	seedObservations(t, store, "btc", now, map[time.Duration]string{
		0:                "100",
		5 * time.Minute:  "95",
		15 * time.Minute: "90",
		55 * time.Minute: "85",
	})

	aggregator := NewAggregator(store, []string{"btc"}, nil)
	result, err := aggregator.ComputeMetrics(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, result.Computed)

	metrics, err := store.LatestMetrics(context.Background(), "btc", 10)
	require.NoError(t, err)
	require.Len(t, metrics, 1)

	metric := metrics[0]
	assert.Equal(t, now, metric.MetricTime)
	assert.True(t, metric.PriceUSD.Equal(dec(t, "100")))
	require.True(t, metric.PriceChange5m.Valid)
	assert.True(t, metric.PriceChange5m.Decimal.Equal(dec(t, "5")))
	require.True(t, metric.PriceChange15m.Valid)
	assert.True(t, metric.PriceChange15m.Decimal.Equal(dec(t, "10")))
	assert.True(t, metric.AvgPrice1h.Equal(dec(t, "92.5")))
	assert.True(t, metric.MinPrice1h.Equal(dec(t, "85")))
	assert.True(t, metric.MaxPrice1h.Equal(dec(t, "100")))
}
