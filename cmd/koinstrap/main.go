// Koinstrap CLI
// This application ingests crypto market snapshots from CoinGecko, derives
// rolling price metrics from them, and reports short-term trend insights.
//
// Usage:
//
//	koinstrap init
//	koinstrap ingest
//	koinstrap aggregate
//	koinstrap report
//	koinstrap run
//
// For detailed help on any command, use: koinstrap <command> --help
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koinstrap/koinstrap/internal/config"
	"github.com/koinstrap/koinstrap/internal/logger"
	"github.com/koinstrap/koinstrap/internal/marketdata"
	"github.com/koinstrap/koinstrap/internal/pipeline"
	"github.com/koinstrap/koinstrap/internal/scheduler"
	"github.com/koinstrap/koinstrap/internal/storage"
)

const (
	Version = "1.0.0"
	AppName = "koinstrap"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitStorageErr  = 3
	ExitRunError    = 4
	ExitInterrupt   = 130
)

// CLI wires the configured components together for command execution.
type CLI struct {
	config     *config.Config
	logManager *logger.Manager
	logger     *slog.Logger
	storage    storage.FullStorage
	source     marketdata.Source
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "--help", "-h", "help":
		printUsage()
		return
	}

	configPath := ""
	if len(args) > 0 && args[0] == "--config" {
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: --config requires a path")
			os.Exit(ExitUsageError)
		}
		configPath = args[1]
		args = args[2:]
	}

	cli := &CLI{}
	if err := cli.initialize(ctx, configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		if errors.Is(err, errStorage) {
			os.Exit(ExitStorageErr)
		}
		os.Exit(ExitConfigError)
	}
	defer cli.shutdown()

	var err error
	switch command {
	case "init":
		err = cli.handleInit(ctx, args)
	case "ingest":
		err = cli.handleIngest(ctx, args)
	case "aggregate":
		err = cli.handleAggregate(ctx, args)
	case "report":
		err = cli.handleReport(ctx, args)
	case "run":
		err = cli.handleRun(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		os.Exit(ExitInterrupt)
	case errors.Is(err, flag.ErrHelp):
	default:
		cli.logger.Error("command failed", "command", command, "error", err)
		os.Exit(ExitRunError)
	}
}

// errStorage tags initialization failures that come from the storage backend
// rather than the configuration itself.
var errStorage = errors.New("storage initialization failed")

// initialize loads configuration and constructs the shared components.
func (cli *CLI) initialize(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cli.config = cfg

	logManager, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.logManager = logManager
	cli.logger = logManager.Logger()

	store, err := createStorage(ctx, cfg, cli.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", errStorage, err)
	}
	cli.storage = store

	cli.source = createSource(cfg, cli.logger)
	return nil
}

// shutdown releases the shared components in reverse construction order.
func (cli *CLI) shutdown() {
	if cli.storage != nil {
		if err := cli.storage.Close(); err != nil {
			cli.logger.Warn("storage close failed", "error", err)
		}
	}
	if cli.logManager != nil {
		_ = cli.logManager.Close()
	}
}

// createStorage builds the configured storage backend. The schema is not
// created here; that is the init command's job (run performs it as well, so a
// fresh deployment can start with a single command).
func createStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.FullStorage, error) {
	switch cfg.Storage.Type {
	case "postgres":
		return storage.NewPostgresStorage(ctx, cfg.Storage.DatabaseURL, log)
	case "duckdb":
		return storage.NewDuckDBStorage(cfg.Storage.Path, log)
	case "memory":
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// createSource builds the market data source.
func createSource(cfg *config.Config, log *slog.Logger) marketdata.Source {
	if cfg.Source.Mock {
		return marketdata.NewMockSource()
	}

	opts := []marketdata.CoinGeckoOption{
		marketdata.WithLogger(log),
		marketdata.WithRateLimit(cfg.Source.RatePerSecond),
	}
	if cfg.Source.BaseURL != "" {
		opts = append(opts, marketdata.WithBaseURL(cfg.Source.BaseURL))
	}
	if cfg.Source.APIKey != "" {
		opts = append(opts, marketdata.WithAPIKey(cfg.Source.APIKey))
	}
	if timeout, err := cfg.SourceTimeout(); err == nil {
		opts = append(opts, marketdata.WithTimeout(timeout))
	}
	return marketdata.NewCoinGeckoClient(opts...)
}

// handleInit creates the database schema.
func (cli *CLI) handleInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := cli.storage.Initialize(ctx); err != nil {
		return fmt.Errorf("schema initialization failed: %w", err)
	}
	cli.logger.Info("storage initialized", "type", cli.config.Storage.Type)
	return nil
}

// handleIngest executes a single ingestion run.
func (cli *CLI) handleIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ingester := pipeline.NewIngester(cli.source, cli.storage, cli.config.Source.VsCurrency, cli.config.CoinIDs(), cli.logger)
	result, err := ingester.Ingest(ctx, time.Now())
	if err != nil {
		if errors.Is(err, pipeline.ErrEmptyBatch) {
			return nil
		}
		return err
	}

	fmt.Printf("Ingested %d of %d records (%d invalid, %d duplicate) at %s\n",
		result.Inserted, result.Seen, result.SkippedInvalid, result.SkippedDuplicate,
		result.ObservedAt.Format(time.RFC3339))
	return nil
}

// handleAggregate executes a single aggregation run.
func (cli *CLI) handleAggregate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("aggregate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	aggregator := pipeline.NewAggregator(cli.storage, cli.config.Symbols(), cli.logger)
	result, err := aggregator.ComputeMetrics(ctx, time.Now())
	if err != nil {
		return err
	}

	fmt.Printf("Computed %d metrics (%d symbols without data) at %s\n",
		result.Computed, result.SkippedNoData, result.MetricTime.Format(time.RFC3339))
	return nil
}

// handleReport executes a single reporting run and prints the insights.
func (cli *CLI) handleReport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	reporter := pipeline.NewReporter(cli.storage, cli.logger)
	insights, err := reporter.Report(ctx, cli.config.Symbols())
	if err != nil {
		return err
	}

	for _, insight := range insights {
		fmt.Printf("%-6s price=%s change=%s (%s%%) volatility=%s points=%d\n",
			insight.Symbol, insight.PriceUSD, insight.Change,
			insight.PercentChange.Round(2), insight.Volatility, insight.Points)
	}
	return nil
}

// handleRun initializes the schema and drives the full pipeline on its
// configured cadences until interrupted.
func (cli *CLI) handleRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := cli.storage.Initialize(ctx); err != nil {
		return fmt.Errorf("schema initialization failed: %w", err)
	}

	ingester := pipeline.NewIngester(cli.source, cli.storage, cli.config.Source.VsCurrency, cli.config.CoinIDs(), cli.logger)
	aggregator := pipeline.NewAggregator(cli.storage, cli.config.Symbols(), cli.logger)
	reporter := pipeline.NewReporter(cli.storage, cli.logger)

	ingestIv, aggregateIv, offset, reportIv := cli.config.SchedulerIntervals()
	sched := scheduler.New(scheduler.Config{
		IngestInterval:    ingestIv,
		AggregateInterval: aggregateIv,
		AggregateOffset:   offset,
		ReportInterval:    reportIv,
		Symbols:           cli.config.Symbols(),
	}, ingester, aggregator, reporter, cli.logger)

	if err := sched.Run(ctx); err != nil {
		return err
	}

	stats := sched.Snapshot()
	cli.logger.Info("pipeline stopped",
		"ingest_runs", stats.IngestRuns,
		"ingest_failures", stats.IngestFailures,
		"aggregate_runs", stats.AggregateRuns,
		"aggregate_failures", stats.AggregateFailed,
		"report_runs", stats.ReportRuns,
		"report_failures", stats.ReportFailures)
	return nil
}

func printUsage() {
	fmt.Printf(`%s - crypto market data pipeline

Usage:
  %s <command> [--config path] [options]

Commands:
  init       Create the database schema
  ingest     Fetch and store one batch of market observations
  aggregate  Compute derived metrics from recent observations
  report     Print trend insights from recent metrics
  run        Run the full pipeline on a schedule until interrupted

Options:
  --config path   JSON configuration file
  --version       Print version information
  --help          Show this help

Configuration may also be supplied via environment variables; a .env file in
the working directory is honored.
`, AppName, AppName)
}
