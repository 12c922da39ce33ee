package core

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a sync failure.
type Kind string

const (
	KindPlanning       Kind = "E_PLANNING"
	KindExtraction     Kind = "E_EXTRACTION"
	KindStaging        Kind = "E_STAGING"
	KindLoad           Kind = "E_LOAD"
	KindValidation     Kind = "W_VALIDATION"
	KindWatermarkWrite Kind = "E_WATERMARK_WRITE"
	KindCancelled      Kind = "E_CANCELLED"
	KindUnknown        Kind = "E_UNKNOWN"
)

// NoChunk marks an error not tied to a single chunk.
const NoChunk = -1

// Error carries the failure kind, the table and chunk it hit, and retry hints.
type Error struct {
	Kind      Kind
	Table     string
	Chunk     int
	Retryable bool
	// Reextract asks the caller to extract the chunk again before restaging.
	Reextract bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	where := e.Table
	if e.Chunk != NoChunk {
		where = fmt.Sprintf("%s chunk %d", e.Table, e.Chunk)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, where, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, where)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeValue returns the string error code.
func (e *Error) CodeValue() string { return string(e.Kind) }

// RetryableStatus indicates if the operation can be retried.
func (e *Error) RetryableStatus() bool { return e.Retryable }

// CodedError is implemented by every error that exposes a code and retry hint.
type CodedError interface {
	error
	CodeValue() string
	RetryableStatus() bool
}

// PlanningError reports an extent that could not be computed. Never retried.
func PlanningError(table string, err error) *Error {
	return &Error{Kind: KindPlanning, Table: table, Chunk: NoChunk, Err: err}
}

// ExtractionError reports a failed source read of one chunk.
func ExtractionError(table string, chunk int, err error) *Error {
	return &Error{Kind: KindExtraction, Table: table, Chunk: chunk, Retryable: true, Err: err}
}

// StagingError reports a failed upload or verification of one chunk.
func StagingError(table string, chunk int, err error) *Error {
	return &Error{Kind: KindStaging, Table: table, Chunk: chunk, Retryable: true, Err: err}
}

// ChecksumMismatch reports a staged object that does not match its artifact.
func ChecksumMismatch(table string, chunk int, want, got string) *Error {
	return &Error{
		Kind:      KindStaging,
		Table:     table,
		Chunk:     chunk,
		Reextract: true,
		Err:       fmt.Errorf("checksum mismatch: want %s, got %s", want, got),
	}
}

// LoadError reports a failed bulk ingest or an incompatible target.
func LoadError(table string, err error) *Error {
	return &Error{Kind: KindLoad, Table: table, Chunk: NoChunk, Err: err}
}

// ValidationWarning reports a quality check outside tolerance. It never fails a job.
func ValidationWarning(table string, err error) *Error {
	return &Error{Kind: KindValidation, Table: table, Chunk: NoChunk, Err: err}
}

// WatermarkWriteError reports data that landed without its watermark advancing.
func WatermarkWriteError(table string, err error) *Error {
	return &Error{Kind: KindWatermarkWrite, Table: table, Chunk: NoChunk, Err: err}
}

// CancelledError reports a job stopped between chunks.
func CancelledError(table string, err error) *Error {
	return &Error{Kind: KindCancelled, Table: table, Chunk: NoChunk, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth another attempt.
// Context errors never are; coded errors decide for themselves; anything else is treated as transient I/O.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.RetryableStatus()
	}
	return true
}

// NeedsReextract reports whether err asks for the chunk to be extracted again.
func NeedsReextract(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Reextract
}
