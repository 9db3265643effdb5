// Package pipeline implements the ETL components of the system: idempotent
// ingestion of raw market observations, time-windowed aggregation into
// derived metrics, and read-only reporting.
//
// The package distinguishes recoverable per-record conditions (invalid
// records, duplicates, symbols without data) from run-aborting failures
// (source unavailable, persistence failures) with a typed error taxonomy, so
// callers never have to inspect error text to decide what to do.
package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable indicates the market data source could not be
	// reached or did not return a success status. The run aborts before any
	// writes and is retried on the next schedule tick.
	ErrSourceUnavailable = errors.New("market data source unavailable")

	// ErrEmptyBatch indicates the source returned no usable data. The run
	// aborts with no writes; this is logged as a warning, not a failure.
	ErrEmptyBatch = errors.New("market data source returned an empty batch")

	// ErrNoDataInWindow indicates a symbol had no observations inside the
	// aggregation window. Recovered per symbol: the symbol is skipped and the
	// rest of the run proceeds.
	ErrNoDataInWindow = errors.New("no observations in aggregation window")
)

// RecordError describes a single record that failed validation. Record errors
// are recovered locally: the record is skipped and logged, and the rest of
// the batch proceeds.
type RecordError struct {
	Symbol string // Symbol identifies the offending record; may be empty when the symbol itself is missing
	Reason string // Reason describes why the record was rejected
}

// Error implements the error interface.
func (e *RecordError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("invalid record: %s", e.Reason)
	}
	return fmt.Sprintf("invalid record %q: %s", e.Symbol, e.Reason)
}

// PersistenceError wraps a transactional write (or supporting read) failure.
// Persistence failures are never recovered locally: the current run's writes
// roll back atomically and the failure is surfaced to the invoker.
type PersistenceError struct {
	Operation string // Operation names the pipeline step that failed (e.g., "ingest", "aggregate")
	Err       error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s persistence failure: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is / errors.As support.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}
