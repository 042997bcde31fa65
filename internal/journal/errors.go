package journal

import (
	"errors"
	"fmt"
)

// CorruptJournal reports a frame whose bytes are not self-consistent.
// Offset is the byte offset of the frame; Seq is the sequence number from the
// frame header when it could be read (0 otherwise).
type CorruptJournal struct {
	Offset int64
	Seq    uint64
	Reason string
	Err    error
}

func (e *CorruptJournal) Error() string {
	msg := fmt.Sprintf("corrupt journal at offset %d", e.Offset)
	if e.Seq != 0 {
		msg += fmt.Sprintf(" (seq %d)", e.Seq)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptJournal) Unwrap() error {
	return e.Err
}

// OutOfOrder reports a sequence number that does not increase.
type OutOfOrder struct {
	Offset int64
	Prev   uint64
	Seq    uint64
}

func (e *OutOfOrder) Error() string {
	return fmt.Sprintf("journal out of order at offset %d: seq %d follows seq %d", e.Offset, e.Seq, e.Prev)
}

// IsCorrupt reports whether err is or wraps a CorruptJournal.
func IsCorrupt(err error) bool {
	var ce *CorruptJournal
	return errors.As(err, &ce)
}

// IsOutOfOrder reports whether err is or wraps an OutOfOrder.
func IsOutOfOrder(err error) bool {
	var oe *OutOfOrder
	return errors.As(err, &oe)
}
