package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koinstrap/koinstrap/internal/pipeline"
)

// countingRunner implements all three runner interfaces and records calls.
type countingRunner struct {
	mu           sync.Mutex
	ingests      int
	aggregates   int
	reports      int
	ingestErr    error
	aggregateErr error
	reportedWith []string
}

func (c *countingRunner) Ingest(ctx context.Context, now time.Time) (*pipeline.IngestResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ingests++
	if c.ingestErr != nil {
		return nil, c.ingestErr
	}
	return &pipeline.IngestResult{ObservedAt: now}, nil
}

func (c *countingRunner) ComputeMetrics(ctx context.Context, now time.Time) (*pipeline.AggregateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aggregates++
	if c.aggregateErr != nil {
		return nil, c.aggregateErr
	}
	return &pipeline.AggregateResult{MetricTime: now}, nil
}

func (c *countingRunner) Report(ctx context.Context, symbols []string) ([]pipeline.Insight, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports++
	c.reportedWith = symbols
	return nil, nil
}

func (c *countingRunner) counts() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ingests, c.aggregates, c.reports
}

func testConfig() Config {
	return Config{
		IngestInterval:    20 * time.Millisecond,
		AggregateInterval: 20 * time.Millisecond,
		AggregateOffset:   5 * time.Millisecond,
		ReportInterval:    30 * time.Millisecond,
		Symbols:           []string{"btc", "eth"},
	}
}

func TestSchedulerRunsAllJobs(t *testing.T) {
	runner := &countingRunner{}
	s := New(testConfig(), runner, runner, runner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	ingests, aggregates, reports := runner.counts()
	assert.GreaterOrEqual(t, ingests, 2, "immediate run plus at least one tick")
	assert.GreaterOrEqual(t, aggregates, 2, "offset run plus at least one tick")
	assert.GreaterOrEqual(t, reports, 1)
	assert.Equal(t, []string{"btc", "eth"}, runner.reportedWith)

	stats := s.Snapshot()
	assert.Equal(t, int64(ingests), stats.IngestRuns)
	assert.Zero(t, stats.IngestFailures)
	assert.False(t, stats.LastIngestAt.IsZero())
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	runner := &countingRunner{}
	s := New(testConfig(), runner, runner, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is a clean shutdown, not an error")
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}

func TestSchedulerCountsFailures(t *testing.T) {
	runner := &countingRunner{
		ingestErr:    pipeline.ErrSourceUnavailable,
		aggregateErr: &pipeline.PersistenceError{Operation: "aggregate", Err: errors.New("boom")},
	}
	s := New(testConfig(), runner, runner, runner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	stats := s.Snapshot()
	assert.Positive(t, stats.IngestFailures)
	assert.Equal(t, stats.IngestRuns, stats.IngestFailures)
	assert.Positive(t, stats.AggregateFailed)
}

func TestSchedulerEmptyBatchIsNotAFailure(t *testing.T) {
	runner := &countingRunner{ingestErr: pipeline.ErrEmptyBatch}
	s := New(testConfig(), runner, runner, runner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	stats := s.Snapshot()
	assert.Positive(t, stats.IngestRuns)
	assert.Zero(t, stats.IngestFailures)
}

func TestSchedulerNilRunnersAreSkipped(t *testing.T) {
	runner := &countingRunner{}
	s := New(testConfig(), runner, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	ingests, aggregates, reports := runner.counts()
	assert.Positive(t, ingests)
	assert.Zero(t, aggregates)
	assert.Zero(t, reports)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultIngestInterval, cfg.IngestInterval)
	assert.Equal(t, DefaultAggregateInterval, cfg.AggregateInterval)
	assert.Equal(t, DefaultAggregateOffset, cfg.AggregateOffset)
	assert.Equal(t, DefaultReportInterval, cfg.ReportInterval)
}
