package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the pipeline's error taxonomy. Callers classify
// with errors.Is; wrapping sites add context with fmt.Errorf("...: %w").
var (
	// ErrLakeUnavailable marks a lost or failed data lake connection. Retryable.
	ErrLakeUnavailable = errors.New("data lake unavailable")
	// ErrLakeCorruption marks a record that cannot be deserialized. The record
	// is skipped and logged; the batch continues.
	ErrLakeCorruption = errors.New("data lake record corrupt")
	// ErrModelUnavailable marks an embedding backend that cannot be reached.
	// Retryable with backoff.
	ErrModelUnavailable = errors.New("embedding model unavailable")
	// ErrInputTooLarge marks a single text exceeding the model's input limit.
	// The record is skipped; the batch continues.
	ErrInputTooLarge = errors.New("embedding input too large")
	// ErrStoreUnavailable marks a failed vector store call. Retryable.
	ErrStoreUnavailable = errors.New("vector store unavailable")
	// ErrDimensionMismatch marks an embedding whose length disagrees with the
	// store's configured dimensionality. Fatal to the run, never retried.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrInsufficientData marks a projection request over fewer than 2 vectors.
	ErrInsufficientData = errors.New("insufficient data for projection")
	// ErrConfig marks a missing or malformed configuration value. Fatal at
	// startup with a non-zero exit.
	ErrConfig = errors.New("configuration error")
)

// Fatal reports whether err indicates a setup defect that must halt the run
// immediately rather than fail a single batch.
func Fatal(err error) bool {
	return errors.Is(err, ErrDimensionMismatch) || errors.Is(err, ErrConfig)
}

// ValidationError wraps a sentinel with the field and value that failed.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }
