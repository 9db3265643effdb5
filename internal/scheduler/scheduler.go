// Package scheduler drives the pipeline components on fixed intervals. It
// owns no pipeline logic itself: each tick invokes one component with the
// tick's wall-clock time and records the outcome.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/koinstrap/koinstrap/internal/pipeline"
)

// Default cadences. Aggregation runs on the same period as ingestion but
// offset behind it, so each aggregation tick sees the minute's fresh
// observations already committed.
const (
	DefaultIngestInterval    = time.Minute
	DefaultAggregateInterval = time.Minute
	DefaultAggregateOffset   = 15 * time.Second
	DefaultReportInterval    = 5 * time.Minute
)

// IngestRunner executes one ingestion run.
type IngestRunner interface {
	Ingest(ctx context.Context, now time.Time) (*pipeline.IngestResult, error)
}

// AggregateRunner executes one aggregation run.
type AggregateRunner interface {
	ComputeMetrics(ctx context.Context, now time.Time) (*pipeline.AggregateResult, error)
}

// ReportRunner executes one reporting run.
type ReportRunner interface {
	Report(ctx context.Context, symbols []string) ([]pipeline.Insight, error)
}

// Config holds the scheduler cadences and the symbols handed to reporting.
type Config struct {
	IngestInterval    time.Duration
	AggregateInterval time.Duration
	AggregateOffset   time.Duration
	ReportInterval    time.Duration
	Symbols           []string
}

// withDefaults fills unset intervals with the package defaults.
func (c Config) withDefaults() Config {
	if c.IngestInterval <= 0 {
		c.IngestInterval = DefaultIngestInterval
	}
	if c.AggregateInterval <= 0 {
		c.AggregateInterval = DefaultAggregateInterval
	}
	if c.AggregateOffset <= 0 {
		c.AggregateOffset = DefaultAggregateOffset
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = DefaultReportInterval
	}
	return c
}

// Stats tracks per-job run counts. All fields are updated under the
// scheduler's lock and read via Snapshot.
type Stats struct {
	IngestRuns      int64
	IngestFailures  int64
	AggregateRuns   int64
	AggregateFailed int64
	ReportRuns      int64
	ReportFailures  int64
	LastIngestAt    time.Time
	LastAggregateAt time.Time
	LastReportAt    time.Time
}

// Scheduler runs the three pipeline jobs on their configured cadences until
// its context is cancelled. Jobs run sequentially within the scheduler's
// goroutine; a slow job delays the next tick rather than overlapping it,
// which keeps runs from racing each other.
type Scheduler struct {
	cfg        Config
	ingester   IngestRunner
	aggregator AggregateRunner
	reporter   ReportRunner
	logger     *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a Scheduler. Any nil runner disables that job.
func New(cfg Config, ingester IngestRunner, aggregator AggregateRunner, reporter ReportRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:        cfg.withDefaults(),
		ingester:   ingester,
		aggregator: aggregator,
		reporter:   reporter,
		logger:     logger.With("component", "scheduler"),
	}
}

// Run blocks, driving the pipeline until ctx is cancelled, then returns nil.
// The first ingestion runs immediately; aggregation starts after its offset
// so the first tick already has data to draw on.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting",
		"ingest_interval", s.cfg.IngestInterval,
		"aggregate_interval", s.cfg.AggregateInterval,
		"aggregate_offset", s.cfg.AggregateOffset,
		"report_interval", s.cfg.ReportInterval)

	ingestTicker := time.NewTicker(s.cfg.IngestInterval)
	defer ingestTicker.Stop()
	reportTicker := time.NewTicker(s.cfg.ReportInterval)
	defer reportTicker.Stop()

	// The aggregate ticker starts only after the initial offset has elapsed;
	// until then its channel is nil and the select ignores it.
	offsetTimer := time.NewTimer(s.cfg.AggregateOffset)
	defer offsetTimer.Stop()
	var aggregateTicker *time.Ticker
	var aggregateC <-chan time.Time
	defer func() {
		if aggregateTicker != nil {
			aggregateTicker.Stop()
		}
	}()

	s.runIngest(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		case now := <-ingestTicker.C:
			s.runIngest(ctx, now)
		case now := <-offsetTimer.C:
			s.runAggregate(ctx, now)
			aggregateTicker = time.NewTicker(s.cfg.AggregateInterval)
			aggregateC = aggregateTicker.C
		case now := <-aggregateC:
			s.runAggregate(ctx, now)
		case <-reportTicker.C:
			s.runReport(ctx)
		}
	}
}

// Snapshot returns a copy of the current run statistics.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) runIngest(ctx context.Context, now time.Time) {
	if s.ingester == nil || ctx.Err() != nil {
		return
	}
	_, err := s.ingester.Ingest(ctx, now)

	s.mu.Lock()
	s.stats.IngestRuns++
	s.stats.LastIngestAt = now
	if err != nil && !errors.Is(err, pipeline.ErrEmptyBatch) {
		s.stats.IngestFailures++
	}
	s.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrEmptyBatch):
		// Logged as a warning inside the ingester; not a failure.
	default:
		s.logger.Error("ingestion run failed", "error", err)
	}
}

func (s *Scheduler) runAggregate(ctx context.Context, now time.Time) {
	if s.aggregator == nil || ctx.Err() != nil {
		return
	}
	_, err := s.aggregator.ComputeMetrics(ctx, now)

	s.mu.Lock()
	s.stats.AggregateRuns++
	s.stats.LastAggregateAt = now
	if err != nil {
		s.stats.AggregateFailed++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("aggregation run failed", "error", err)
	}
}

func (s *Scheduler) runReport(ctx context.Context) {
	if s.reporter == nil || ctx.Err() != nil {
		return
	}
	_, err := s.reporter.Report(ctx, s.cfg.Symbols)

	s.mu.Lock()
	s.stats.ReportRuns++
	s.stats.LastReportAt = time.Now()
	if err != nil {
		s.stats.ReportFailures++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("reporting run failed", "error", err)
	}
}
