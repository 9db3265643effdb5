package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koinstrap/koinstrap/internal/marketdata"
	"github.com/koinstrap/koinstrap/internal/models"
	"github.com/koinstrap/koinstrap/internal/storage"
)

// stubSource returns a canned response (or error) and records call counts.
type stubSource struct {
	tickers []marketdata.Ticker
	err     error
	calls   int
}

func (s *stubSource) FetchMarkets(ctx context.Context, req marketdata.FetchRequest) (*marketdata.FetchResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &marketdata.FetchResponse{
		Tickers:   s.tickers,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// failingObservationStore wraps MemoryStorage and fails the batch insert, for
// exercising persistence failure handling.
type failingObservationStore struct {
	*storage.MemoryStorage
}

func (f *failingObservationStore) InsertObservations(ctx context.Context, observations []models.Observation) error {
	return storage.NewInsertError("raw_crypto_market_data", errors.New("connection reset"))
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func tickerFor(t *testing.T, symbol, name, price, volume string) marketdata.Ticker {
	t.Helper()
	p := dec(t, price)
	v := dec(t, volume)
	return marketdata.Ticker{
		ID:           name,
		Symbol:       symbol,
		Name:         name,
		CurrentPrice: &p,
		TotalVolume:  &v,
	}
}

func TestIngesterInsertsBatch(t *testing.T) {
	store := storage.NewMemoryStorage()
	source := &stubSource{tickers: []marketdata.Ticker{
		tickerFor(t, "btc", "Bitcoin", "67000.50", "35000000000"),
		tickerFor(t, "eth", "Ethereum", "3500.25", "18000000000"),
	}}
	ingester := NewIngester(source, store, "usd", []string{"bitcoin", "ethereum"}, nil)

	now := time.Date(2024, 6, 1, 12, 30, 42, 123456789, time.UTC)
	result, err := ingester.Ingest(context.Background(), now)
	require.NoError(t, err)

	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 2, result.Seen)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 0, result.SkippedInvalid)
	assert.Equal(t, 0, result.SkippedDuplicate)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC), result.ObservedAt,
		"run time should be normalized to the minute")

	rows, err := store.ObservationsSince(context.Background(), "btc", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].PriceUSD.Equal(dec(t, "67000.50")))
	assert.Equal(t, result.ObservedAt, rows[0].ObservedAt)
}

func TestIngesterSecondRunSameMinuteIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStorage()
	source := &stubSource{tickers: []marketdata.Ticker{
		tickerFor(t, "btc", "Bitcoin", "67000", "35000000000"),
		tickerFor(t, "eth", "Ethereum", "3500", "18000000000"),
	}}
	ingester := NewIngester(source, store, "usd", []string{"bitcoin", "ethereum"}, nil)

	now := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	first, err := ingester.Ingest(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 2, first.Inserted)

	// Same minute, different second: nothing new may be written.
	second, err := ingester.Ingest(context.Background(), now.Add(17*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, second.Seen)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, second.SkippedDuplicate)

	rows, err := store.ObservationsSince(context.Background(), "btc", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, rows, 1, "exactly one observation per symbol per minute")
}

func TestIngesterSkipsInvalidRecords(t *testing.T) {
	missingPrice := marketdata.Ticker{ID: "solana", Symbol: "sol", Name: "Solana"}
	negVolume := tickerFor(t, "ada", "Cardano", "0.45", "1000")
	neg := dec(t, "-1")
	negVolume.TotalVolume = &neg

	store := storage.NewMemoryStorage()
	source := &stubSource{tickers: []marketdata.Ticker{
		tickerFor(t, "btc", "Bitcoin", "67000", "35000000000"),
		{Symbol: "", Name: "Nameless"},
		missingPrice,
		negVolume,
	}}
	ingester := NewIngester(source, store, "usd", []string{"bitcoin"}, nil)

	result, err := ingester.Ingest(context.Background(), time.Now())
	require.NoError(t, err, "invalid records must not abort the run")
	assert.Equal(t, 4, result.Seen)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 3, result.SkippedInvalid)

	rows, err := store.ObservationsSince(context.Background(), "sol", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, rows, "invalid record must never be persisted")
}

func TestIngesterDeduplicatesWithinBatch(t *testing.T) {
	store := storage.NewMemoryStorage()
	source := &stubSource{tickers: []marketdata.Ticker{
		tickerFor(t, "btc", "Bitcoin", "67000", "35000000000"),
		tickerFor(t, "BTC", "Bitcoin", "67001", "35000000000"),
	}}
	ingester := NewIngester(source, store, "usd", []string{"bitcoin"}, nil)

	result, err := ingester.Ingest(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.SkippedDuplicate)

	rows, err := store.ObservationsSince(context.Background(), "btc", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].PriceUSD.Equal(dec(t, "67000")), "first record in the batch wins")
}

func TestIngesterSourceFailure(t *testing.T) {
	store := storage.NewMemoryStorage()
	source := &stubSource{err: errors.New("connect: connection refused")}
	ingester := NewIngester(source, store, "usd", []string{"bitcoin"}, nil)

	result, err := ingester.Ingest(context.Background(), time.Now())
	assert.Nil(t, result)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestIngesterEmptyBatch(t *testing.T) {
	store := storage.NewMemoryStorage()
	source := &stubSource{}
	ingester := NewIngester(source, store, "usd", []string{"bitcoin"}, nil)

	result, err := ingester.Ingest(context.Background(), time.Now())
	assert.Nil(t, result)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	rows, err := store.ObservationsSince(context.Background(), "btc", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestIngesterPersistenceFailure(t *testing.T) {
	store := &failingObservationStore{MemoryStorage: storage.NewMemoryStorage()}
	source := &stubSource{tickers: []marketdata.Ticker{
		tickerFor(t, "btc", "Bitcoin", "67000", "35000000000"),
	}}
	ingester := NewIngester(source, store, "usd", []string{"bitcoin"}, nil)

	result, err := ingester.Ingest(context.Background(), time.Now())
	assert.Nil(t, result)
	require.Error(t, err)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "ingest", perr.Operation)

	rows, err := store.MemoryStorage.ObservationsSince(context.Background(), "btc", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, rows, "failed run must leave no rows behind")
}
