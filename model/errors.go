package model

import (
	"errors"
	"fmt"
)

// FailureKind labels why a message or a run could not be processed.
type FailureKind string

const (
	// Fatal kinds abort the whole run.
	FailInvalidTimezone  FailureKind = "invalid_timezone"
	FailStoreUnavailable FailureKind = "store_unavailable"
	// FailExtractionUnrecoverable covers auth failures and, depending on
	// policy, exhausted quota on the extraction service.
	FailExtractionUnrecoverable FailureKind = "extraction_unrecoverable"

	// Per-item kinds are recorded and the run continues.
	FailObjectNotFound   FailureKind = "object_not_found"
	FailObjectReadError  FailureKind = "object_read_error"
	FailMalformedEmail   FailureKind = "malformed_email"
	FailExtractionSchema FailureKind = "extraction_schema_error"
	FailExtraction       FailureKind = "extraction_failed"
	FailTimeout          FailureKind = "timeout"
)

// ItemError is a per-item recoverable failure. The orchestrator records
// it in the run report and keeps processing other items.
type ItemError struct {
	Kind FailureKind
	Err  error
}

func (e *ItemError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// ItemErr wraps err as a per-item failure of the given kind.
func ItemErr(kind FailureKind, err error) *ItemError {
	return &ItemError{Kind: kind, Err: err}
}

// FatalError aborts the run from whichever stage raises it.
type FatalError struct {
	Kind FailureKind
	Err  error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// FatalErr wraps err as a run-fatal failure of the given kind.
func FatalErr(kind FailureKind, err error) *FatalError {
	return &FatalError{Kind: kind, Err: err}
}

// IsFatal reports whether err carries a run-fatal classification.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// KindOf extracts the failure kind from err, or "" when err carries none.
func KindOf(err error) FailureKind {
	var item *ItemError
	if errors.As(err, &item) {
		return item.Kind
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return fatal.Kind
	}
	return ""
}
