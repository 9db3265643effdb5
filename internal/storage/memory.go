// In-memory implementation of the storage interfaces. Used by unit tests and
// the "memory" storage type; mirrors the transactional semantics of the SQL
// backends (batch inserts are all-or-nothing).
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/koinstrap/koinstrap/internal/models"
)

// MemoryStorage provides a thread-safe in-memory implementation of FullStorage.
type MemoryStorage struct {
	mu sync.RWMutex

	// Observation storage: map[symbol][observed_at] -> Observation
	observations map[string]map[time.Time]models.Observation

	// Metric storage per symbol, unordered; sorted on read
	metrics map[string][]models.Metric

	initialized bool
	closed      bool
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		observations: make(map[string]map[time.Time]models.Observation),
		metrics:      make(map[string][]models.Metric),
	}
}

// Initialize implements Manager.Initialize.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	if ctx.Err() != nil {
		return NewStorageError("initialize", "", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.initialized = true
	m.closed = false
	return nil
}

// InsertObservations implements ObservationStorer.InsertObservations.
// Validates every row before writing any; existing natural keys are ignored.
func (m *MemoryStorage) InsertObservations(ctx context.Context, observations []models.Observation) error {
	if ctx.Err() != nil {
		return NewInsertError("raw_crypto_market_data", ctx.Err())
	}
	if len(observations) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewInsertError("raw_crypto_market_data", errors.New("storage is closed"))
	}

	// All-or-nothing: validate the whole batch before touching the maps.
	for i := range observations {
		if err := observations[i].Validate(); err != nil {
			return NewInsertError("raw_crypto_market_data", err)
		}
	}

	for _, obs := range observations {
		symbol := strings.ToLower(obs.Symbol)
		if m.observations[symbol] == nil {
			m.observations[symbol] = make(map[time.Time]models.Observation)
		}
		key := obs.ObservedAt.UTC()
		if _, exists := m.observations[symbol][key]; exists {
			continue
		}
		m.observations[symbol][key] = obs
	}

	return nil
}

// HasObservation implements ObservationStorer.HasObservation.
func (m *MemoryStorage) HasObservation(ctx context.Context, symbol string, observedAt time.Time) (bool, error) {
	if ctx.Err() != nil {
		return false, NewQueryError("raw_crypto_market_data", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, NewQueryError("raw_crypto_market_data", errors.New("storage is closed"))
	}

	rows, ok := m.observations[strings.ToLower(symbol)]
	if !ok {
		return false, nil
	}
	_, exists := rows[observedAt.UTC()]
	return exists, nil
}

// ObservationsSince implements ObservationReader.ObservationsSince.
// Results are ordered newest-first.
func (m *MemoryStorage) ObservationsSince(ctx context.Context, symbol string, since time.Time) ([]models.Observation, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError("raw_crypto_market_data", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("raw_crypto_market_data", errors.New("storage is closed"))
	}

	matches := make([]models.Observation, 0)
	for observedAt, obs := range m.observations[strings.ToLower(symbol)] {
		if !observedAt.Before(since.UTC()) {
			matches = append(matches, obs)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].ObservedAt.After(matches[j].ObservedAt)
	})

	return matches, nil
}

// InsertMetrics implements MetricStorer.InsertMetrics.
func (m *MemoryStorage) InsertMetrics(ctx context.Context, metrics []models.Metric) error {
	if ctx.Err() != nil {
		return NewInsertError("crypto_metrics", ctx.Err())
	}
	if len(metrics) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewInsertError("crypto_metrics", errors.New("storage is closed"))
	}

	for i := range metrics {
		if err := metrics[i].Validate(); err != nil {
			return NewInsertError("crypto_metrics", err)
		}
	}

	for _, metric := range metrics {
		symbol := strings.ToLower(metric.Symbol)
		m.metrics[symbol] = append(m.metrics[symbol], metric)
	}

	return nil
}

// LatestMetrics implements MetricReader.LatestMetrics.
// Results are ordered newest-first and capped at limit.
func (m *MemoryStorage) LatestMetrics(ctx context.Context, symbol string, limit int) ([]models.Metric, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError("crypto_metrics", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("crypto_metrics", errors.New("storage is closed"))
	}

	rows := m.metrics[strings.ToLower(symbol)]
	sorted := make([]models.Metric, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MetricTime.After(sorted[j].MetricTime)
	})

	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}

	return sorted, nil
}

// Close implements Manager.Close.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// HealthCheck implements Manager.HealthCheck.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	if ctx.Err() != nil {
		return NewStorageError("health_check", "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return NewStorageError("health_check", "", errors.New("storage is closed"))
	}
	return nil
}

// Compile-time interface compliance check
var _ FullStorage = (*MemoryStorage)(nil)
