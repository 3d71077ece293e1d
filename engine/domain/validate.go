package domain

import (
	"errors"
	"strconv"
)

var (
	ErrEmptyRecordID = errors.New("empty record id")
	ErrEmptyText     = errors.New("empty text")
)

// ValidateRecord rejects records the pipeline cannot embed. Empty text is a
// per-record condition: the caller skips and logs it, the batch continues.
func ValidateRecord(r Record) error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Value: r.ID, Wrapped: ErrEmptyRecordID}
	}
	if r.Text == "" {
		return &ValidationError{Field: "text", Value: r.ID, Wrapped: ErrEmptyText}
	}
	return nil
}

// ValidateVector checks an IndexedVector against the store's configured
// dimensionality for its model.
func ValidateVector(v IndexedVector, dims int) error {
	if v.RecordID == "" {
		return &ValidationError{Field: "record_id", Value: v.RecordID, Wrapped: ErrEmptyRecordID}
	}
	if len(v.Embedding) != dims {
		return &ValidationError{
			Field:   "embedding",
			Value:   strconv.Itoa(len(v.Embedding)),
			Wrapped: ErrDimensionMismatch,
		}
	}
	return nil
}
