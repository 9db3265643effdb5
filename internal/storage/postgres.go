// PostgreSQL-backed implementation of the storage interfaces. This is the
// production backend: the (symbol, observed_at) and (symbol, metric_time)
// primary keys are the authoritative idempotency guards, and batch inserts run
// inside explicit transactions so a run's writes are all-or-nothing.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/koinstrap/koinstrap/internal/models"
)

const (
	defaultMaxOpenConns    = 5
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 30 * time.Minute
)

// PostgresStorage implements FullStorage on top of PostgreSQL via sqlx/pq.
type PostgresStorage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStorage opens a connection pool against the given DSN.
// The connection is verified with a ping before being returned.
func NewPostgresStorage(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open postgres connection: %w", err))
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, NewStorageError("open", "", fmt.Errorf("failed to ping postgres: %w", err))
	}

	return &PostgresStorage{db: db, logger: logger}, nil
}

// Initialize implements Manager.Initialize.
// Creates the raw observation and metric tables with their natural-key
// primary keys and the index used by the aggregation window query.
func (p *PostgresStorage) Initialize(ctx context.Context) error {
	p.logger.Info("initializing postgres storage")

	statements := []string{
		`CREATE TABLE IF NOT EXISTS raw_crypto_market_data (
			symbol TEXT NOT NULL,
			name TEXT NOT NULL,
			price_usd NUMERIC NOT NULL CHECK (price_usd >= 0),
			volume_24h_usd NUMERIC NOT NULL CHECK (volume_24h_usd >= 0),
			observed_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT raw_crypto_market_data_pk PRIMARY KEY (symbol, observed_at)
		)`,
		`CREATE TABLE IF NOT EXISTS crypto_metrics (
			symbol TEXT NOT NULL,
			metric_time TIMESTAMPTZ NOT NULL,
			price_usd NUMERIC NOT NULL,
			price_change_5m NUMERIC,
			price_change_15m NUMERIC,
			volume_24h_usd NUMERIC NOT NULL,
			avg_price_1h NUMERIC NOT NULL,
			min_price_1h NUMERIC NOT NULL,
			max_price_1h NUMERIC NOT NULL,
			CONSTRAINT crypto_metrics_pk PRIMARY KEY (symbol, metric_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_market_data_symbol_observed_at
			ON raw_crypto_market_data (symbol, observed_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_crypto_metrics_symbol_metric_time
			ON crypto_metrics (symbol, metric_time DESC)`,
	}

	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return NewStorageError("initialize", "", fmt.Errorf("failed to create schema: %w", err))
		}
	}

	p.logger.Info("postgres storage initialized")
	return nil
}

// InsertObservations implements ObservationStorer.InsertObservations.
// The whole batch is written in one transaction; conflicting natural keys are
// ignored via ON CONFLICT DO NOTHING so overlapping runs stay idempotent.
func (p *PostgresStorage) InsertObservations(ctx context.Context, observations []models.Observation) error {
	if len(observations) == 0 {
		return nil
	}

	for i := range observations {
		if err := observations[i].Validate(); err != nil {
			return NewInsertError("raw_crypto_market_data", fmt.Errorf("invalid observation at index %d: %w", i, err))
		}
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewInsertError("raw_crypto_market_data", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	query := `
		INSERT INTO raw_crypto_market_data (symbol, name, price_usd, volume_24h_usd, observed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT raw_crypto_market_data_pk DO NOTHING`

	for _, obs := range observations {
		if _, err := tx.ExecContext(ctx, query,
			obs.Symbol, obs.Name, obs.PriceUSD, obs.Volume24hUSD, obs.ObservedAt,
		); err != nil {
			return NewInsertError("raw_crypto_market_data", fmt.Errorf("failed to insert observation %s: %w", obs.String(), err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewInsertError("raw_crypto_market_data", fmt.Errorf("failed to commit batch: %w", err))
	}

	p.logger.Debug("stored observation batch", "count", len(observations))
	return nil
}

// HasObservation implements ObservationStorer.HasObservation.
func (p *PostgresStorage) HasObservation(ctx context.Context, symbol string, observedAt time.Time) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM raw_crypto_market_data
			WHERE symbol = $1 AND observed_at = $2
		)`

	if err := p.db.QueryRowContext(ctx, query, symbol, observedAt).Scan(&exists); err != nil {
		return false, NewQueryError("raw_crypto_market_data", fmt.Errorf("existence check failed: %w", err))
	}
	return exists, nil
}

// ObservationsSince implements ObservationReader.ObservationsSince.
func (p *PostgresStorage) ObservationsSince(ctx context.Context, symbol string, since time.Time) ([]models.Observation, error) {
	query := `
		SELECT symbol, name, price_usd, volume_24h_usd, observed_at
		FROM raw_crypto_market_data
		WHERE symbol = $1 AND observed_at >= $2
		ORDER BY observed_at DESC`

	observations := make([]models.Observation, 0)
	if err := p.db.SelectContext(ctx, &observations, query, symbol, since); err != nil {
		return nil, NewQueryError("raw_crypto_market_data", fmt.Errorf("window query failed: %w", err))
	}

	return observations, nil
}

// InsertMetrics implements MetricStorer.InsertMetrics.
// One transaction covers the entire aggregation run across all symbols.
func (p *PostgresStorage) InsertMetrics(ctx context.Context, metrics []models.Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	for i := range metrics {
		if err := metrics[i].Validate(); err != nil {
			return NewInsertError("crypto_metrics", fmt.Errorf("invalid metric at index %d: %w", i, err))
		}
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewInsertError("crypto_metrics", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	query := `
		INSERT INTO crypto_metrics (
			symbol, metric_time, price_usd, price_change_5m, price_change_15m,
			volume_24h_usd, avg_price_1h, min_price_1h, max_price_1h
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	for _, metric := range metrics {
		if _, err := tx.ExecContext(ctx, query,
			metric.Symbol,
			metric.MetricTime,
			metric.PriceUSD,
			metric.PriceChange5m,
			metric.PriceChange15m,
			metric.Volume24hUSD,
			metric.AvgPrice1h,
			metric.MinPrice1h,
			metric.MaxPrice1h,
		); err != nil {
			return NewInsertError("crypto_metrics", fmt.Errorf("failed to insert metric %s: %w", metric.String(), err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewInsertError("crypto_metrics", fmt.Errorf("failed to commit batch: %w", err))
	}

	p.logger.Debug("stored metric batch", "count", len(metrics))
	return nil
}

// LatestMetrics implements MetricReader.LatestMetrics.
func (p *PostgresStorage) LatestMetrics(ctx context.Context, symbol string, limit int) ([]models.Metric, error) {
	query := `
		SELECT symbol, metric_time, price_usd, price_change_5m, price_change_15m,
		       volume_24h_usd, avg_price_1h, min_price_1h, max_price_1h
		FROM crypto_metrics
		WHERE symbol = $1
		ORDER BY metric_time DESC
		LIMIT $2`

	metrics := make([]models.Metric, 0, limit)
	if err := p.db.SelectContext(ctx, &metrics, query, symbol, limit); err != nil {
		return nil, NewQueryError("crypto_metrics", fmt.Errorf("latest metrics query failed: %w", err))
	}

	return metrics, nil
}

// Close implements Manager.Close.
func (p *PostgresStorage) Close() error {
	if p.db == nil {
		return nil
	}
	p.logger.Info("closing postgres storage")
	if err := p.db.Close(); err != nil {
		return NewStorageError("close", "", fmt.Errorf("failed to close database: %w", err))
	}
	return nil
}

// HealthCheck implements Manager.HealthCheck.
func (p *PostgresStorage) HealthCheck(ctx context.Context) error {
	var result int
	if err := p.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", fmt.Errorf("database health check failed: %w", err))
	}
	if result != 1 {
		return NewStorageError("health_check", "", fmt.Errorf("unexpected health check result: %d", result))
	}
	return nil
}

// Compile-time interface compliance check
var _ FullStorage = (*PostgresStorage)(nil)
