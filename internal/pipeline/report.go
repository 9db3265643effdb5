package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/koinstrap/koinstrap/internal/models"
	"github.com/koinstrap/koinstrap/internal/storage"
)

// reportWindowSize is the number of most recent metric rows an insight is
// computed over.
const reportWindowSize = 10

// Reporter is a strictly read-only consumer of derived metrics. For each
// requested symbol it loads the most recent metric rows and logs a trend
// insight; it never writes and its failures affect nothing downstream.
type Reporter struct {
	store  storage.MetricReader
	logger *slog.Logger
}

// Insight summarizes recent price behavior for one symbol, computed over its
// latest metric rows.
type Insight struct {
	Symbol        string
	AsOf          time.Time       // AsOf is the metric time of the newest row
	PriceUSD      decimal.Decimal // PriceUSD is the newest price in the window
	Change        decimal.Decimal // Change is newest price minus oldest price in the window
	PercentChange decimal.Decimal // PercentChange is Change relative to the oldest price; zero when the oldest price is zero
	Volatility    decimal.Decimal // Volatility is the max minus min price across the window
	Points        int             // Points is the number of metric rows the insight covers
}

// NewReporter creates a Reporter reading metrics from store.
func NewReporter(store storage.MetricReader, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		store:  store,
		logger: logger.With("component", "reporter"),
	}
}

// Report computes and logs an insight for each symbol. Symbols with no
// metrics yet are logged as warnings and skipped; a storage read failure
// aborts the run.
func (r *Reporter) Report(ctx context.Context, symbols []string) ([]Insight, error) {
	insights := make([]Insight, 0, len(symbols))
	for _, symbol := range symbols {
		rows, err := r.store.LatestMetrics(ctx, symbol, reportWindowSize)
		if err != nil {
			r.logger.Error("metric query failed", "symbol", symbol, "error", err)
			return nil, &PersistenceError{Operation: "report", Err: err}
		}
		if len(rows) == 0 {
			r.logger.Warn("no metrics available", "symbol", symbol)
			continue
		}
		insight := buildInsight(symbol, rows)
		insights = append(insights, insight)

		r.logger.Info("market insight",
			"symbol", insight.Symbol,
			"as_of", insight.AsOf,
			"price_usd", insight.PriceUSD,
			"change", insight.Change,
			"percent_change", insight.PercentChange.Round(4),
			"volatility", insight.Volatility,
			"points", insight.Points)
	}
	return insights, nil
}

// buildInsight derives one insight from a symbol's metric rows. The rows
// slice must be non-empty and ordered newest-first. With a single row the
// change, percent change, and volatility are all zero.
func buildInsight(symbol string, rows []models.Metric) Insight {
	newest := rows[0]
	oldest := rows[len(rows)-1]

	minPrice := rows[0].PriceUSD
	maxPrice := rows[0].PriceUSD
	for _, row := range rows {
		if row.PriceUSD.LessThan(minPrice) {
			minPrice = row.PriceUSD
		}
		if row.PriceUSD.GreaterThan(maxPrice) {
			maxPrice = row.PriceUSD
		}
	}

	change := newest.PriceUSD.Sub(oldest.PriceUSD)
	return Insight{
		Symbol:        symbol,
		AsOf:          newest.MetricTime,
		PriceUSD:      newest.PriceUSD,
		Change:        change,
		PercentChange: models.PercentChange(change, oldest.PriceUSD),
		Volatility:    maxPrice.Sub(minPrice),
		Points:        len(rows),
	}
}
