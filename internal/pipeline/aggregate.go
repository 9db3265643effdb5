package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/koinstrap/koinstrap/internal/models"
	"github.com/koinstrap/koinstrap/internal/storage"
)

// Lookback horizons for derived metrics. The one-hour window feeds the
// avg/min/max aggregates; the shorter horizons pick the reference rows for
// the price deltas.
const (
	aggregateWindow  = time.Hour
	delta5mLookback  = 5 * time.Minute
	delta15mLookback = 15 * time.Minute
)

// aggregateStore is the slice of storage the aggregator needs: reading raw
// observations and writing derived metrics.
type aggregateStore interface {
	storage.ObservationReader
	storage.MetricStorer
}

// Aggregator computes derived metrics from raw observations. Each run
// processes every configured symbol independently, then commits all computed
// metrics in one transaction: a persistence failure rolls back the entire
// run, while a symbol with no data in the window is skipped with a warning.
type Aggregator struct {
	store   aggregateStore
	symbols []string
	logger  *slog.Logger
}

// AggregateResult summarizes a single aggregation run.
type AggregateResult struct {
	RunID         string          // RunID uniquely identifies this run in logs
	MetricTime    time.Time       // MetricTime is the minute-normalized computation time for every metric in the run
	Computed      int             // Computed counts metrics committed to storage
	SkippedNoData int             // SkippedNoData counts symbols whose window held no observations
	Metrics       []models.Metric // Metrics holds the committed rows in symbol order
}

// NewAggregator creates an Aggregator over the given symbols.
func NewAggregator(store aggregateStore, symbols []string, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:   store,
		symbols: symbols,
		logger:  logger.With("component", "aggregator"),
	}
}

// ComputeMetrics executes one aggregation run anchored at now. The window and
// delta cutoffs are all derived from the minute-normalized run time, so every
// symbol in the run shares the same metric_time.
func (a *Aggregator) ComputeMetrics(ctx context.Context, now time.Time) (*AggregateResult, error) {
	result := &AggregateResult{
		RunID:      uuid.NewString(),
		MetricTime: models.NormalizeMinute(now),
	}
	logger := a.logger.With("run_id", result.RunID, "metric_time", result.MetricTime)

	windowStart := result.MetricTime.Add(-aggregateWindow)
	staged := make([]models.Metric, 0, len(a.symbols))
	for _, symbol := range a.symbols {
		rows, err := a.store.ObservationsSince(ctx, symbol, windowStart)
		if err != nil {
			logger.Error("observation window query failed", "symbol", symbol, "error", err)
			return nil, &PersistenceError{Operation: "aggregate", Err: err}
		}
		if len(rows) == 0 {
			result.SkippedNoData++
			logger.Warn("skipping symbol", "symbol", symbol, "window_start", windowStart, "error", ErrNoDataInWindow)
			continue
		}
		staged = append(staged, computeSymbolMetric(symbol, result.MetricTime, rows))
	}

	if len(staged) == 0 {
		logger.Warn("no metrics computed", "symbols", len(a.symbols))
		return result, nil
	}

	if err := a.store.InsertMetrics(ctx, staged); err != nil {
		logger.Error("metric insert failed", "staged", len(staged), "error", err)
		return nil, &PersistenceError{Operation: "aggregate", Err: err}
	}
	result.Computed = len(staged)
	result.Metrics = staged

	logger.Info("aggregation run complete",
		"computed", result.Computed,
		"skipped_no_data", result.SkippedNoData)
	return result, nil
}

// computeSymbolMetric derives one metric from a symbol's observation window.
// The rows slice must be non-empty and ordered newest-first; the newest row
// supplies the current price and volume.
//
// The delta reference for each lookback is the most recent observation at
// least that old, i.e. the first row (scanning newest-first) whose timestamp
// is at or before the cutoff. When no row qualifies the delta stays null,
// which keeps "no history yet" distinct from "price unchanged".
func computeSymbolMetric(symbol string, metricTime time.Time, rows []models.Observation) models.Metric {
	latest := rows[0]

	cutoff5m := metricTime.Add(-delta5mLookback)
	cutoff15m := metricTime.Add(-delta15mLookback)
	var change5m, change15m decimal.NullDecimal
	for _, row := range rows {
		if !change5m.Valid && !row.ObservedAt.After(cutoff5m) {
			change5m = decimal.NewNullDecimal(latest.PriceUSD.Sub(row.PriceUSD))
		}
		if !change15m.Valid && !row.ObservedAt.After(cutoff15m) {
			change15m = decimal.NewNullDecimal(latest.PriceUSD.Sub(row.PriceUSD))
		}
		if change5m.Valid && change15m.Valid {
			break
		}
	}

	sum := decimal.Zero
	minPrice := rows[0].PriceUSD
	maxPrice := rows[0].PriceUSD
	for _, row := range rows {
		sum = sum.Add(row.PriceUSD)
		if row.PriceUSD.LessThan(minPrice) {
			minPrice = row.PriceUSD
		}
		if row.PriceUSD.GreaterThan(maxPrice) {
			maxPrice = row.PriceUSD
		}
	}

	return models.Metric{
		Symbol:         symbol,
		MetricTime:     metricTime,
		PriceUSD:       latest.PriceUSD,
		PriceChange5m:  change5m,
		PriceChange15m: change15m,
		Volume24hUSD:   latest.Volume24hUSD,
		AvgPrice1h:     sum.Div(decimal.NewFromInt(int64(len(rows)))),
		MinPrice1h:     minPrice,
		MaxPrice1h:     maxPrice,
	}
}
