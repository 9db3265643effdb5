// Package config provides centralized configuration for the pipeline. It
// loads defaults, overlays an optional JSON file, then overlays environment
// variables (a local .env file is honored when present), and validates the
// result. Components receive the loaded Config by parameter; nothing in the
// pipeline reads environment state directly.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration.
type Config struct {
	Source    SourceConfig    `json:"source"`
	Assets    []Asset         `json:"assets"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Logging   LoggingConfig   `json:"logging"`
}

// Asset maps a source coin ID to the short symbol used everywhere downstream.
type Asset struct {
	ID     string `json:"id"`     // ID is the market data source's coin identifier (e.g., "bitcoin")
	Symbol string `json:"symbol"` // Symbol is the ticker stored and reported (e.g., "btc")
}

// SourceConfig configures the market data source client.
type SourceConfig struct {
	BaseURL       string  `json:"base_url" env:"COINGECKO_BASE_URL"`
	APIKey        string  `json:"api_key" env:"COINGECKO_API_KEY"`
	VsCurrency    string  `json:"vs_currency" env:"VS_CURRENCY"`
	Timeout       string  `json:"timeout" env:"SOURCE_TIMEOUT"`                 // HTTP request timeout, e.g. "10s"
	RatePerSecond float64 `json:"rate_per_second" env:"SOURCE_RATE_PER_SECOND"` // client-side request rate cap
	Mock          bool    `json:"mock" env:"SOURCE_MOCK"`                       // use the deterministic in-memory source
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Type        string `json:"type" env:"STORAGE_TYPE"`         // "postgres", "duckdb", "memory"
	DatabaseURL string `json:"database_url" env:"DATABASE_URL"` // connection string; assembled from DB_* vars when unset
	Path        string `json:"path" env:"STORAGE_PATH"`         // database file path for duckdb
}

// SchedulerConfig configures the run cadences. Intervals are duration strings
// ("1m", "30s") so they round-trip through JSON and the environment.
type SchedulerConfig struct {
	IngestInterval    string `json:"ingest_interval" env:"INGEST_INTERVAL"`
	AggregateInterval string `json:"aggregate_interval" env:"AGGREGATE_INTERVAL"`
	AggregateOffset   string `json:"aggregate_offset" env:"AGGREGATE_OFFSET"`
	ReportInterval    string `json:"report_interval" env:"REPORT_INTERVAL"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`             // debug, info, warn, error
	Format     string `json:"format" env:"LOG_FORMAT"`           // json, text
	Output     string `json:"output" env:"LOG_OUTPUT"`           // stdout, stderr, file
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`     // log file path when output is "file"
	MaxSizeMB  int    `json:"max_size_mb" env:"LOG_MAX_SIZE"`    // rotate after this many megabytes
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"` // rotated files to retain
	MaxAgeDays int    `json:"max_age_days" env:"LOG_MAX_AGE"`    // retain rotated files this many days
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`       // gzip rotated files
}

// Default returns the built-in configuration: bitcoin and ethereum priced in
// USD, in-memory storage, one-minute cadences, JSON logs on stdout.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			VsCurrency:    "usd",
			Timeout:       "10s",
			RatePerSecond: 0.5,
		},
		Assets: []Asset{
			{ID: "bitcoin", Symbol: "btc"},
			{ID: "ethereum", Symbol: "eth"},
		},
		Storage: StorageConfig{
			Type: "memory",
			Path: "koinstrap.db",
		},
		Scheduler: SchedulerConfig{
			IngestInterval:    "1m",
			AggregateInterval: "1m",
			AggregateOffset:   "15s",
			ReportInterval:    "5m",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "logs/koinstrap.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the effective configuration: defaults, then the JSON file at
// configPath (skipped when empty), then environment variables. A .env file in
// the working directory is loaded first when present; a missing .env is not
// an error.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	setString(&c.Source.BaseURL, "COINGECKO_BASE_URL")
	setString(&c.Source.APIKey, "COINGECKO_API_KEY")
	setString(&c.Source.VsCurrency, "VS_CURRENCY")
	setString(&c.Source.Timeout, "SOURCE_TIMEOUT")
	setFloat(&c.Source.RatePerSecond, "SOURCE_RATE_PER_SECOND")
	setBool(&c.Source.Mock, "SOURCE_MOCK")

	setString(&c.Storage.Type, "STORAGE_TYPE")
	setString(&c.Storage.DatabaseURL, "DATABASE_URL")
	setString(&c.Storage.Path, "STORAGE_PATH")
	if c.Storage.DatabaseURL == "" {
		c.Storage.DatabaseURL = databaseURLFromParts()
	}

	setString(&c.Scheduler.IngestInterval, "INGEST_INTERVAL")
	setString(&c.Scheduler.AggregateInterval, "AGGREGATE_INTERVAL")
	setString(&c.Scheduler.AggregateOffset, "AGGREGATE_OFFSET")
	setString(&c.Scheduler.ReportInterval, "REPORT_INTERVAL")

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
	setString(&c.Logging.Output, "LOG_OUTPUT")
	setString(&c.Logging.FilePath, "LOG_FILE_PATH")
	setInt(&c.Logging.MaxSizeMB, "LOG_MAX_SIZE")
	setInt(&c.Logging.MaxBackups, "LOG_MAX_BACKUPS")
	setInt(&c.Logging.MaxAgeDays, "LOG_MAX_AGE")
	setBool(&c.Logging.Compress, "LOG_COMPRESS")

	if ids := os.Getenv("ASSETS"); ids != "" {
		c.Assets = parseAssets(ids)
	}
}

// databaseURLFromParts assembles a Postgres connection string from the
// individual DB_* variables, for deployments that do not supply DATABASE_URL.
func databaseURLFromParts() string {
	host := os.Getenv("DB_HOST")
	name := os.Getenv("DB_NAME")
	if host == "" || name == "" {
		return ""
	}
	port := os.Getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + name,
	}
	if user := os.Getenv("DB_USER"); user != "" {
		u.User = url.UserPassword(user, os.Getenv("DB_PASSWORD"))
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		u.RawQuery = "sslmode=" + sslmode
	}
	return u.String()
}

// parseAssets parses "bitcoin:btc,ethereum:eth". An entry without a colon
// uses the ID as the symbol.
func parseAssets(s string) []Asset {
	var assets []Asset
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, symbol, found := strings.Cut(entry, ":")
		if !found {
			symbol = id
		}
		assets = append(assets, Asset{
			ID:     strings.TrimSpace(id),
			Symbol: strings.ToLower(strings.TrimSpace(symbol)),
		})
	}
	return assets
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if len(c.Assets) == 0 {
		return fmt.Errorf("at least one asset must be configured")
	}
	seen := make(map[string]bool, len(c.Assets))
	for i, asset := range c.Assets {
		if strings.TrimSpace(asset.ID) == "" {
			return fmt.Errorf("asset %d: id cannot be empty", i)
		}
		if strings.TrimSpace(asset.Symbol) == "" {
			return fmt.Errorf("asset %q: symbol cannot be empty", asset.ID)
		}
		symbol := strings.ToLower(asset.Symbol)
		if seen[symbol] {
			return fmt.Errorf("asset %q: duplicate symbol %q", asset.ID, symbol)
		}
		seen[symbol] = true
	}

	switch c.Storage.Type {
	case "memory":
	case "duckdb":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path required for duckdb storage")
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("database_url (or DB_HOST/DB_NAME) required for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage type %q (want postgres, duckdb, or memory)", c.Storage.Type)
	}

	if c.Source.VsCurrency == "" {
		return fmt.Errorf("vs_currency cannot be empty")
	}
	if c.Source.RatePerSecond <= 0 {
		return fmt.Errorf("rate_per_second must be positive")
	}
	if _, err := c.SourceTimeout(); err != nil {
		return err
	}

	for _, iv := range []struct {
		name  string
		value string
	}{
		{"ingest_interval", c.Scheduler.IngestInterval},
		{"aggregate_interval", c.Scheduler.AggregateInterval},
		{"aggregate_offset", c.Scheduler.AggregateOffset},
		{"report_interval", c.Scheduler.ReportInterval},
	} {
		d, err := time.ParseDuration(iv.value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", iv.name, iv.value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", iv.name, iv.value)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	case "file":
		if c.Logging.FilePath == "" {
			return fmt.Errorf("file_path required for file log output")
		}
	default:
		return fmt.Errorf("unknown log output %q", c.Logging.Output)
	}

	return nil
}

// Symbols returns the configured asset symbols, lowercased, in config order.
func (c *Config) Symbols() []string {
	symbols := make([]string, len(c.Assets))
	for i, asset := range c.Assets {
		symbols[i] = strings.ToLower(asset.Symbol)
	}
	return symbols
}

// CoinIDs returns the configured source coin IDs in config order.
func (c *Config) CoinIDs() []string {
	ids := make([]string, len(c.Assets))
	for i, asset := range c.Assets {
		ids[i] = asset.ID
	}
	return ids
}

// SourceTimeout returns the parsed source HTTP timeout.
func (c *Config) SourceTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Source.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid source timeout %q: %w", c.Source.Timeout, err)
	}
	return d, nil
}

// SchedulerIntervals returns the parsed cadences. Call Validate first; an
// unparseable interval here falls back to zero, which the scheduler replaces
// with its default.
func (c *Config) SchedulerIntervals() (ingest, aggregate, offset, report time.Duration) {
	ingest, _ = time.ParseDuration(c.Scheduler.IngestInterval)
	aggregate, _ = time.ParseDuration(c.Scheduler.AggregateInterval)
	offset, _ = time.ParseDuration(c.Scheduler.AggregateOffset)
	report, _ = time.ParseDuration(c.Scheduler.ReportInterval)
	return ingest, aggregate, offset, report
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
