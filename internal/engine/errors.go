package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/formdbg/internal/journal"
	"github.com/roach88/formdbg/internal/merkle"
	"github.com/roach88/formdbg/internal/recovery"
)

// Error represents a failure of an engine pipeline that is not itself one
// of the typed integrity errors (CorruptJournal, OutOfOrder,
// MerkleMismatch, UnrecoverablePlan). Those are wrapped in Err.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Seq is the journal sequence number involved, if any.
	Seq uint64

	// Snapshot identifies the snapshot involved, if any ("S3").
	Snapshot string

	// Err is the underlying error.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeJournal indicates the journal cannot be used at all.
	ErrCodeJournal ErrorCode = "JOURNAL_UNUSABLE"

	// ErrCodeChain indicates the snapshot chain could not be read or verified.
	ErrCodeChain ErrorCode = "CHAIN_UNUSABLE"

	// ErrCodeUnhealthy indicates an operation that requires a healthy
	// database found a problem (checkpointing a violating state).
	ErrCodeUnhealthy ErrorCode = "UNHEALTHY"

	// ErrCodeNotLoaded indicates an operation needed Load to have run.
	ErrCodeNotLoaded ErrorCode = "NOT_LOADED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	switch {
	case e.Snapshot != "":
		msg += fmt.Sprintf(" (snapshot=%s)", e.Snapshot)
	case e.Seq != 0:
		msg += fmt.Sprintf(" (seq=%d)", e.Seq)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// HasCode reports whether err is an engine Error with the given code.
// Uses errors.As to handle wrapped errors.
func HasCode(err error, code ErrorCode) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsIntegrity reports whether err means stored data failed an integrity
// check, as opposed to an operational failure (I/O, bad arguments).
func IsIntegrity(err error) bool {
	return journal.IsCorrupt(err) ||
		journal.IsOutOfOrder(err) ||
		merkle.IsMismatch(err) ||
		recovery.IsUnrecoverable(err) ||
		HasCode(err, ErrCodeUnhealthy)
}
