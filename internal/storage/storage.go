// Package storage defines the storage layer interfaces for the market data
// pipeline. These interfaces provide abstractions over different relational
// backends (PostgreSQL, DuckDB, in-memory) while keeping the pipeline
// components indifferent to the concrete database product.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/koinstrap/koinstrap/internal/models"
)

// ObservationStorer handles persistence of raw market observations.
type ObservationStorer interface {
	// InsertObservations persists a batch of observations inside a single
	// transaction: either every row is written or none are. Rows whose
	// (symbol, observed_at) natural key already exists are ignored rather
	// than treated as errors, which makes overlapping ingestion runs benign.
	InsertObservations(ctx context.Context, observations []models.Observation) error

	// HasObservation reports whether a row with the given natural key exists.
	// This is the deduplication fast path; the database uniqueness constraint
	// remains the authoritative guard.
	HasObservation(ctx context.Context, symbol string, observedAt time.Time) (bool, error)
}

// ObservationReader handles retrieval of raw observations for aggregation.
type ObservationReader interface {
	// ObservationsSince returns every observation for the symbol with
	// observed_at >= since, ordered newest-first. Returns an empty slice
	// when the window holds no data.
	ObservationsSince(ctx context.Context, symbol string, since time.Time) ([]models.Observation, error)
}

// MetricStorer handles persistence of derived metrics.
type MetricStorer interface {
	// InsertMetrics persists a batch of metrics inside a single transaction
	// covering the whole aggregation run: a failure for any symbol rolls back
	// every row staged by the run.
	InsertMetrics(ctx context.Context, metrics []models.Metric) error
}

// MetricReader handles retrieval of derived metrics for reporting.
type MetricReader interface {
	// LatestMetrics returns up to limit metrics for the symbol, ordered
	// newest-first. Returns an empty slice when no metrics exist.
	LatestMetrics(ctx context.Context, symbol string, limit int) ([]models.Metric, error)
}

// Manager handles storage lifecycle and operational concerns.
type Manager interface {
	// Initialize prepares the backend for operation, creating the
	// raw observation and metric tables with their uniqueness constraints.
	// It is idempotent and safe to call multiple times.
	Initialize(ctx context.Context) error

	// Close releases connections and shuts down the backend. After Close
	// the storage instance must not be used.
	Close() error

	// HealthCheck verifies the backend is reachable with a lightweight query.
	HealthCheck(ctx context.Context) error
}

// ObservationStore combines raw observation operations.
type ObservationStore interface {
	ObservationStorer
	ObservationReader
}

// MetricStore combines derived metric operations.
type MetricStore interface {
	MetricStorer
	MetricReader
}

// FullStorage combines all storage capabilities into a single interface.
// This is the primary interface storage implementations satisfy.
type FullStorage interface {
	ObservationStore
	MetricStore
	Manager
}

// StorageError represents errors that occur during storage operations.
// It carries enough context (operation, table) to reconstruct what failed.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is / errors.As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Err: err}
}

// NewInsertError creates a StorageError for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{Operation: "insert", Table: table, Err: err}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(table string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Err: err}
}
