// Package models provides data structures and validation for crypto market data.
// This package contains the core data models of the pipeline: raw market
// observations and the derived metrics computed from them.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Observation represents one raw market snapshot for one symbol at a
// minute-normalized timestamp. Observations are append-only: they are created
// by ingestion, never updated and never deleted. The (Symbol, ObservedAt) pair
// is the natural key.
type Observation struct {
	Symbol       string          `json:"symbol" db:"symbol"`
	Name         string          `json:"name" db:"name"`
	PriceUSD     decimal.Decimal `json:"price_usd" db:"price_usd"`
	Volume24hUSD decimal.Decimal `json:"volume_24h_usd" db:"volume_24h_usd"`
	ObservedAt   time.Time       `json:"observed_at" db:"observed_at"`
}

// ValidationError represents a model validation error with field context.
// It provides structured error information including the field name that
// failed validation and a descriptive message.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message describes why validation failed
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate performs validation on the observation.
// It validates that symbol and name are non-empty, price and volume are
// non-negative, and the observation time is set, UTC-normalized, and aligned
// to a whole minute. Returns a ValidationError if any check fails.
func (o *Observation) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if strings.TrimSpace(o.Name) == "" {
		return &ValidationError{Field: "name", Message: "name cannot be empty"}
	}
	if o.PriceUSD.IsNegative() {
		return &ValidationError{Field: "price_usd", Message: "price must be greater than or equal to 0"}
	}
	if o.Volume24hUSD.IsNegative() {
		return &ValidationError{Field: "volume_24h_usd", Message: "volume must be greater than or equal to 0"}
	}
	if o.ObservedAt.IsZero() {
		return &ValidationError{Field: "observed_at", Message: "observation time cannot be zero"}
	}
	if !o.ObservedAt.Equal(o.ObservedAt.Truncate(time.Minute)) {
		return &ValidationError{Field: "observed_at", Message: "observation time must be truncated to a whole minute"}
	}
	return nil
}

// String returns a human-readable representation of the observation.
func (o *Observation) String() string {
	return fmt.Sprintf("Observation{Symbol: %s, Price: %s, Volume: %s, ObservedAt: %s}",
		o.Symbol, o.PriceUSD, o.Volume24hUSD, o.ObservedAt.Format(time.RFC3339))
}

// NewObservation creates a validated Observation. The symbol is lowercased and
// the timestamp is normalized to UTC and truncated to the start of its minute,
// which is the idempotency key granularity used by ingestion.
func NewObservation(symbol, name string, price, volume decimal.Decimal, observedAt time.Time) (*Observation, error) {
	obs := &Observation{
		Symbol:       strings.ToLower(strings.TrimSpace(symbol)),
		Name:         strings.TrimSpace(name),
		PriceUSD:     price,
		Volume24hUSD: volume,
		ObservedAt:   NormalizeMinute(observedAt),
	}

	if err := obs.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create observation: %w", err)
	}

	return obs, nil
}

// NormalizeMinute converts a timestamp to UTC and truncates it to the start of
// its containing minute.
func NormalizeMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
