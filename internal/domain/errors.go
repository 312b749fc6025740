package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound             = errors.New("job not found")
	ErrSourceMissing           = errors.New("source missing")
	ErrLeaseLost               = errors.New("job lease lost")
	ErrReconciliationMismatch  = errors.New("artifact count does not match source page count")
	ErrUnsupportedSource       = errors.New("unsupported source kind")
	ErrInvalidStatusTransition = errors.New("invalid job status transition")
)

// StoreError wraps a job store failure. Transient errors are connectivity
// problems the caller retries after a backoff.
type StoreError struct {
	Op        string
	Err       error
	transient bool
}

func NewStoreError(op string, err error, transient bool) *StoreError {
	return &StoreError{Op: op, Err: err, transient: transient}
}

func (e *StoreError) Error() string {
	if e.transient {
		return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Transient() bool {
	return e.transient
}

func IsTransient(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr) && storeErr.Transient()
}

type ConversionErrorKind string

const (
	ConversionCorruptSource ConversionErrorKind = "corrupt_source"
	ConversionRender        ConversionErrorKind = "render"
	ConversionOutput        ConversionErrorKind = "output"
	ConversionCheckpoint    ConversionErrorKind = "checkpoint"
)

// ConversionError is the single failure a converter reports. Page is zero when
// the failure is not tied to a page.
type ConversionError struct {
	Kind ConversionErrorKind
	Page int
	Err  error
}

func (e *ConversionError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("conversion %s at page %d: %v", e.Kind, e.Page, e.Err)
	}
	return fmt.Sprintf("conversion %s: %v", e.Kind, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

func NewConversionError(kind ConversionErrorKind, page int, err error) *ConversionError {
	return &ConversionError{Kind: kind, Page: page, Err: err}
}
