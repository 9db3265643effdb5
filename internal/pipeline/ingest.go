package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koinstrap/koinstrap/internal/marketdata"
	"github.com/koinstrap/koinstrap/internal/models"
	"github.com/koinstrap/koinstrap/internal/storage"
)

// Ingester fetches current market data for a configured set of assets,
// validates it, and persists one observation per asset per minute. Runs are
// idempotent: re-running within the same minute inserts nothing new, because
// observation timestamps are normalized to the minute and the storage layer's
// uniqueness constraint on (symbol, observed_at) is the authoritative guard
// against duplicates.
type Ingester struct {
	source     marketdata.Source
	store      storage.ObservationStorer
	vsCurrency string
	coinIDs    []string
	logger     *slog.Logger
}

// IngestResult summarizes a single ingestion run.
type IngestResult struct {
	RunID            string    // RunID uniquely identifies this run in logs
	ObservedAt       time.Time // ObservedAt is the minute-normalized timestamp stamped on every inserted row
	Seen             int       // Seen counts records returned by the source
	Inserted         int       // Inserted counts rows committed to storage
	SkippedInvalid   int       // SkippedInvalid counts records rejected by validation
	SkippedDuplicate int       // SkippedDuplicate counts records already present for this minute
}

// NewIngester creates an Ingester that fetches the given coin IDs priced in
// vsCurrency and writes observations through store.
func NewIngester(source marketdata.Source, store storage.ObservationStorer, vsCurrency string, coinIDs []string, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		source:     source,
		store:      store,
		vsCurrency: vsCurrency,
		coinIDs:    coinIDs,
		logger:     logger.With("component", "ingester"),
	}
}

// Ingest executes one ingestion run. The now argument is the run's wall-clock
// time; it is normalized to the minute and applied uniformly to every record
// in the batch so a run never straddles a minute boundary.
//
// Invalid records and duplicates are skipped and counted, never aborting the
// run. A source failure returns ErrSourceUnavailable, an empty batch returns
// ErrEmptyBatch, and a storage failure returns a PersistenceError; in all
// three cases nothing is written.
func (i *Ingester) Ingest(ctx context.Context, now time.Time) (*IngestResult, error) {
	result := &IngestResult{
		RunID:      uuid.NewString(),
		ObservedAt: models.NormalizeMinute(now),
	}
	logger := i.logger.With("run_id", result.RunID, "observed_at", result.ObservedAt)

	resp, err := i.source.FetchMarkets(ctx, marketdata.FetchRequest{
		VsCurrency: i.vsCurrency,
		IDs:        i.coinIDs,
	})
	if err != nil {
		logger.Error("market data fetch failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	result.Seen = len(resp.Tickers)
	if result.Seen == 0 {
		logger.Warn("source returned no records")
		return nil, ErrEmptyBatch
	}

	staged := make([]models.Observation, 0, result.Seen)
	seen := make(map[string]bool, result.Seen)
	for _, ticker := range resp.Tickers {
		if recErr := validateTicker(ticker); recErr != nil {
			result.SkippedInvalid++
			logger.Warn("skipping invalid record", "error", recErr)
			continue
		}
		symbol := strings.ToLower(strings.TrimSpace(ticker.Symbol))
		if seen[symbol] {
			result.SkippedDuplicate++
			logger.Debug("skipping duplicate record in batch", "symbol", symbol)
			continue
		}
		seen[symbol] = true

		exists, err := i.store.HasObservation(ctx, symbol, result.ObservedAt)
		if err != nil {
			logger.Error("duplicate check failed", "symbol", symbol, "error", err)
			return nil, &PersistenceError{Operation: "ingest", Err: err}
		}
		if exists {
			result.SkippedDuplicate++
			logger.Debug("observation already recorded for this minute", "symbol", symbol)
			continue
		}

		obs, err := models.NewObservation(symbol, ticker.Name, *ticker.CurrentPrice, *ticker.TotalVolume, result.ObservedAt)
		if err != nil {
			result.SkippedInvalid++
			logger.Warn("skipping invalid record", "symbol", symbol, "error", err)
			continue
		}
		staged = append(staged, *obs)
	}

	if len(staged) == 0 {
		logger.Warn("no records staged for insert",
			"seen", result.Seen,
			"skipped_invalid", result.SkippedInvalid,
			"skipped_duplicate", result.SkippedDuplicate)
		return result, nil
	}

	if err := i.store.InsertObservations(ctx, staged); err != nil {
		logger.Error("observation insert failed", "staged", len(staged), "error", err)
		return nil, &PersistenceError{Operation: "ingest", Err: err}
	}
	result.Inserted = len(staged)

	logger.Info("ingestion run complete",
		"seen", result.Seen,
		"inserted", result.Inserted,
		"skipped_invalid", result.SkippedInvalid,
		"skipped_duplicate", result.SkippedDuplicate)
	return result, nil
}

// validateTicker checks a raw source record before it is converted into an
// observation. A zero price or volume is valid market data; a missing (null)
// or negative value is not.
func validateTicker(t marketdata.Ticker) *RecordError {
	symbol := strings.TrimSpace(t.Symbol)
	if symbol == "" {
		return &RecordError{Reason: "missing symbol"}
	}
	if strings.TrimSpace(t.Name) == "" {
		return &RecordError{Symbol: symbol, Reason: "missing name"}
	}
	if t.CurrentPrice == nil {
		return &RecordError{Symbol: symbol, Reason: "missing current price"}
	}
	if t.CurrentPrice.IsNegative() {
		return &RecordError{Symbol: symbol, Reason: "negative current price"}
	}
	if t.TotalVolume == nil {
		return &RecordError{Symbol: symbol, Reason: "missing total volume"}
	}
	if t.TotalVolume.IsNegative() {
		return &RecordError{Symbol: symbol, Reason: "negative total volume"}
	}
	return nil
}
