// DuckDB-backed implementation of the storage interfaces. Used for local and
// embedded deployments where no PostgreSQL server is available; the dbPath may
// be ":memory:" or a file path. Semantics match the Postgres backend: primary
// keys guard idempotency and batches commit in a single transaction.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/koinstrap/koinstrap/internal/models"
)

// DuckDBStorage implements FullStorage using DuckDB as the backend.
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

// NewDuckDBStorage creates a new DuckDB storage instance.
// The dbPath can be ":memory:" for an in-memory database or a file path for
// persistent storage.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer pattern as recommended for DuckDB
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{db: db, dbPath: dbPath, logger: logger}, nil
}

// Initialize implements Manager.Initialize.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS raw_crypto_market_data (
			symbol VARCHAR NOT NULL,
			name VARCHAR NOT NULL,
			price_usd DOUBLE NOT NULL CHECK (price_usd >= 0),
			volume_24h_usd DOUBLE NOT NULL CHECK (volume_24h_usd >= 0),
			observed_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT raw_crypto_market_data_pk PRIMARY KEY (symbol, observed_at)
		)`,
		`CREATE TABLE IF NOT EXISTS crypto_metrics (
			symbol VARCHAR NOT NULL,
			metric_time TIMESTAMPTZ NOT NULL,
			price_usd DOUBLE NOT NULL,
			price_change_5m DOUBLE,
			price_change_15m DOUBLE,
			volume_24h_usd DOUBLE NOT NULL,
			avg_price_1h DOUBLE NOT NULL,
			min_price_1h DOUBLE NOT NULL,
			max_price_1h DOUBLE NOT NULL,
			CONSTRAINT crypto_metrics_pk PRIMARY KEY (symbol, metric_time)
		)`,
	}

	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return NewStorageError("initialize", "", fmt.Errorf("failed to create schema: %w", err))
		}
	}

	d.logger.Info("DuckDB storage initialized")
	return nil
}

// InsertObservations implements ObservationStorer.InsertObservations.
func (d *DuckDBStorage) InsertObservations(ctx context.Context, observations []models.Observation) error {
	if len(observations) == 0 {
		return nil
	}

	for i := range observations {
		if err := observations[i].Validate(); err != nil {
			return NewInsertError("raw_crypto_market_data", fmt.Errorf("invalid observation at index %d: %w", i, err))
		}
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return NewInsertError("raw_crypto_market_data", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	query := `
		INSERT OR IGNORE INTO raw_crypto_market_data
		(symbol, name, price_usd, volume_24h_usd, observed_at)
		VALUES ($1, $2, $3, $4, $5)`

	for _, obs := range observations {
		if _, err := tx.ExecContext(ctx, query,
			obs.Symbol,
			obs.Name,
			obs.PriceUSD.InexactFloat64(),
			obs.Volume24hUSD.InexactFloat64(),
			obs.ObservedAt,
		); err != nil {
			return NewInsertError("raw_crypto_market_data", fmt.Errorf("failed to insert observation %s: %w", obs.String(), err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewInsertError("raw_crypto_market_data", fmt.Errorf("failed to commit batch: %w", err))
	}

	d.logger.Debug("stored observation batch", "count", len(observations))
	return nil
}

// HasObservation implements ObservationStorer.HasObservation.
func (d *DuckDBStorage) HasObservation(ctx context.Context, symbol string, observedAt time.Time) (bool, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM raw_crypto_market_data
		WHERE symbol = $1 AND observed_at = $2`

	if err := d.db.QueryRowContext(ctx, query, symbol, observedAt).Scan(&count); err != nil {
		return false, NewQueryError("raw_crypto_market_data", fmt.Errorf("existence check failed: %w", err))
	}
	return count > 0, nil
}

// ObservationsSince implements ObservationReader.ObservationsSince.
func (d *DuckDBStorage) ObservationsSince(ctx context.Context, symbol string, since time.Time) ([]models.Observation, error) {
	query := `
		SELECT symbol, name, price_usd, volume_24h_usd, observed_at
		FROM raw_crypto_market_data
		WHERE symbol = $1 AND observed_at >= $2
		ORDER BY observed_at DESC`

	rows, err := d.db.QueryContext(ctx, query, symbol, since)
	if err != nil {
		return nil, NewQueryError("raw_crypto_market_data", fmt.Errorf("window query failed: %w", err))
	}
	defer rows.Close()

	observations := make([]models.Observation, 0)
	for rows.Next() {
		var obs models.Observation
		var price, volume float64

		if err := rows.Scan(&obs.Symbol, &obs.Name, &price, &volume, &obs.ObservedAt); err != nil {
			return nil, NewQueryError("raw_crypto_market_data", fmt.Errorf("failed to scan row: %w", err))
		}

		obs.PriceUSD = decimal.NewFromFloat(price)
		obs.Volume24hUSD = decimal.NewFromFloat(volume)
		obs.ObservedAt = obs.ObservedAt.UTC()
		observations = append(observations, obs)
	}

	if err := rows.Err(); err != nil {
		return nil, NewQueryError("raw_crypto_market_data", fmt.Errorf("row iteration error: %w", err))
	}

	return observations, nil
}

// InsertMetrics implements MetricStorer.InsertMetrics.
func (d *DuckDBStorage) InsertMetrics(ctx context.Context, metrics []models.Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	for i := range metrics {
		if err := metrics[i].Validate(); err != nil {
			return NewInsertError("crypto_metrics", fmt.Errorf("invalid metric at index %d: %w", i, err))
		}
	}

	tx, err := d.db.BeginTx(ctx, nil)
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
			metric.PriceUSD.InexactFloat64(),
			nullableFloat(metric.PriceChange5m),
			nullableFloat(metric.PriceChange15m),
			metric.Volume24hUSD.InexactFloat64(),
			metric.AvgPrice1h.InexactFloat64(),
			metric.MinPrice1h.InexactFloat64(),
			metric.MaxPrice1h.InexactFloat64(),
		); err != nil {
			return NewInsertError("crypto_metrics", fmt.Errorf("failed to insert metric %s: %w", metric.String(), err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewInsertError("crypto_metrics", fmt.Errorf("failed to commit batch: %w", err))
	}

	d.logger.Debug("stored metric batch", "count", len(metrics))
	return nil
}

// LatestMetrics implements MetricReader.LatestMetrics.
func (d *DuckDBStorage) LatestMetrics(ctx context.Context, symbol string, limit int) ([]models.Metric, error) {
	query := `
		SELECT symbol, metric_time, price_usd, price_change_5m, price_change_15m,
		       volume_24h_usd, avg_price_1h, min_price_1h, max_price_1h
		FROM crypto_metrics
		WHERE symbol = $1
		ORDER BY metric_time DESC
		LIMIT $2`

	rows, err := d.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, NewQueryError("crypto_metrics", fmt.Errorf("latest metrics query failed: %w", err))
	}
	defer rows.Close()

	metrics := make([]models.Metric, 0, limit)
	for rows.Next() {
		var metric models.Metric
		var price, volume, avg, min, max float64
		var change5m, change15m sql.NullFloat64

		if err := rows.Scan(
			&metric.Symbol,
			&metric.MetricTime,
			&price,
			&change5m,
			&change15m,
			&volume,
			&avg,
			&min,
			&max,
		); err != nil {
			return nil, NewQueryError("crypto_metrics", fmt.Errorf("failed to scan row: %w", err))
		}

		metric.MetricTime = metric.MetricTime.UTC()
		metric.PriceUSD = decimal.NewFromFloat(price)
		metric.Volume24hUSD = decimal.NewFromFloat(volume)
		metric.AvgPrice1h = decimal.NewFromFloat(avg)
		metric.MinPrice1h = decimal.NewFromFloat(min)
		metric.MaxPrice1h = decimal.NewFromFloat(max)
		metric.PriceChange5m = decimalFromNullFloat(change5m)
		metric.PriceChange15m = decimalFromNullFloat(change15m)

		metrics = append(metrics, metric)
	}

	if err := rows.Err(); err != nil {
		return nil, NewQueryError("crypto_metrics", fmt.Errorf("row iteration error: %w", err))
	}

	return metrics, nil
}

// Close implements Manager.Close.
func (d *DuckDBStorage) Close() error {
	if d.db == nil {
		return nil
	}
	d.logger.Info("closing DuckDB storage")
	if err := d.db.Close(); err != nil {
		return NewStorageError("close", "", fmt.Errorf("failed to close database: %w", err))
	}
	d.db = nil
	return nil
}

// HealthCheck implements Manager.HealthCheck.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	if d.db == nil {
		return NewStorageError("health_check", "", fmt.Errorf("database connection is closed"))
	}

	var result int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", fmt.Errorf("database health check failed: %w", err))
	}
	if result != 1 {
		return NewStorageError("health_check", "", fmt.Errorf("unexpected health check result: %d", result))
	}
	return nil
}

// nullableFloat converts a NullDecimal to a driver-friendly nullable float.
func nullableFloat(d decimal.NullDecimal) sql.NullFloat64 {
	if !d.Valid {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: d.Decimal.InexactFloat64(), Valid: true}
}

// decimalFromNullFloat converts a scanned nullable float back to a NullDecimal.
func decimalFromNullFloat(f sql.NullFloat64) decimal.NullDecimal {
	if !f.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: decimal.NewFromFloat(f.Float64), Valid: true}
}

// Compile-time interface compliance check
var _ FullStorage = (*DuckDBStorage)(nil)
