package ir

import (
	"fmt"
	"math"
	"time"
)

// Op is the kind of a journal entry.
type Op string

// Data operations.
const (
	OpInsert   Op = "insert"
	OpUpdate   Op = "update"
	OpDelete   Op = "delete"
	OpTruncate Op = "truncate"
)

// Transaction control operations. They carry no table, key or row.
const (
	OpPrepare Op = "prepare"
	OpCommit  Op = "commit"
	OpAbort   Op = "abort"
)

// IsData reports whether the op changes table contents.
func (o Op) IsData() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete, OpTruncate:
		return true
	}
	return false
}

// IsControl reports whether the op is a transaction control marker.
func (o Op) IsControl() bool {
	switch o {
	case OpPrepare, OpCommit, OpAbort:
		return true
	}
	return false
}

// Valid reports whether o is a known op.
func (o Op) Valid() bool {
	return o.IsData() || o.IsControl()
}

// TxStatus is the lifecycle state of a transaction.
type TxStatus string

const (
	TxActive    TxStatus = "active"
	TxCommitted TxStatus = "committed"
	TxAborted   TxStatus = "aborted"
	TxInDoubt   TxStatus = "in_doubt"
)

// Terminal reports whether the status can no longer change.
// InDoubt is terminal for the journal but still needs a decision.
func (s TxStatus) Terminal() bool {
	return s == TxCommitted || s == TxAborted || s == TxInDoubt
}

// JournalEntry is one immutable record of the journal.
type JournalEntry struct {
	Seq       uint64    `json:"seq"`   // Strictly increasing journal position
	TxID      uint64    `json:"tx"`    // Owning transaction
	Timestamp time.Time `json:"ts"`    // Informational only, never used for ordering
	Table     string    `json:"table"` // Empty for control ops
	Key       string    `json:"key"`   // Storage row key; empty for Truncate and control ops
	Op        Op        `json:"op"`
	Row       Object    `json:"row,omitempty"` // Nil for Delete, Truncate and control ops
}

// Ref returns the row the entry touches.
func (e JournalEntry) Ref() RowRef {
	return RowRef{Table: e.Table, Key: e.Key}
}

// String renders the entry for messages: "#12 tx=3 update accounts/a1".
func (e JournalEntry) String() string {
	if e.Op.IsControl() {
		return fmt.Sprintf("#%d tx=%d %s", e.Seq, e.TxID, e.Op)
	}
	if e.Op == OpTruncate {
		return fmt.Sprintf("#%d tx=%d %s %s", e.Seq, e.TxID, e.Op, e.Table)
	}
	return fmt.Sprintf("#%d tx=%d %s %s/%s", e.Seq, e.TxID, e.Op, e.Table, e.Key)
}

// Validate checks the structural rules of an entry.
func (e JournalEntry) Validate() error {
	if !e.Op.Valid() {
		return fmt.Errorf("entry #%d: unknown op %q", e.Seq, e.Op)
	}
	if e.Seq == 0 {
		return fmt.Errorf("entry: sequence number must be positive")
	}
	if e.TxID > math.MaxInt64 || e.Seq > math.MaxInt64 {
		return fmt.Errorf("entry #%d: identifiers must fit in int64", e.Seq)
	}
	if e.Op.IsData() && e.Table == "" {
		return fmt.Errorf("entry #%d: %s requires a table", e.Seq, e.Op)
	}
	switch e.Op {
	case OpInsert, OpUpdate:
		if e.Key == "" {
			return fmt.Errorf("entry #%d: %s requires a row key", e.Seq, e.Op)
		}
		if e.Row == nil {
			return fmt.Errorf("entry #%d: %s requires a row payload", e.Seq, e.Op)
		}
	case OpDelete:
		if e.Key == "" {
			return fmt.Errorf("entry #%d: delete requires a row key", e.Seq)
		}
	}
	return nil
}

// ToObject converts the entry to its canonical payload object.
func (e JournalEntry) ToObject() Object {
	obj := Object{
		"seq":   Int(e.Seq),
		"tx":    Int(e.TxID),
		"ts":    String(e.Timestamp.UTC().Format(time.RFC3339Nano)),
		"table": String(e.Table),
		"key":   String(e.Key),
		"op":    String(e.Op),
	}
	if e.Row != nil {
		obj["row"] = e.Row
	}
	return obj
}

// EntryFromObject is the inverse of ToObject.
func EntryFromObject(obj Object) (JournalEntry, error) {
	var e JournalEntry
	seq, err := intField(obj, "seq")
	if err != nil {
		return e, err
	}
	tx, err := intField(obj, "tx")
	if err != nil {
		return e, err
	}
	ts, err := stringField(obj, "ts")
	if err != nil {
		return e, err
	}
	e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return e, fmt.Errorf("field ts: %w", err)
	}
	if e.Table, err = stringField(obj, "table"); err != nil {
		return e, err
	}
	if e.Key, err = stringField(obj, "key"); err != nil {
		return e, err
	}
	op, err := stringField(obj, "op")
	if err != nil {
		return e, err
	}
	e.Seq, e.TxID, e.Op = uint64(seq), uint64(tx), Op(op)
	if raw, ok := obj["row"]; ok {
		row, isObj := raw.(Object)
		if !isObj {
			return e, fmt.Errorf("field row: expected object, got %T", raw)
		}
		e.Row = row
	}
	return e, e.Validate()
}

func intField(obj Object, name string) (int64, error) {
	v, ok := obj[name].(Int)
	if !ok {
		return 0, fmt.Errorf("field %s: missing or not an integer", name)
	}
	if v < 0 {
		return 0, fmt.Errorf("field %s: negative value %d", name, v)
	}
	return int64(v), nil
}

func stringField(obj Object, name string) (string, error) {
	v, ok := obj[name].(String)
	if !ok {
		return "", fmt.Errorf("field %s: missing or not a string", name)
	}
	return string(v), nil
}

// RowRef identifies a row by table and storage key.
type RowRef struct {
	Table string `json:"table"`
	Key   string `json:"key"`
}

func (r RowRef) String() string {
	return r.Table + "/" + r.Key
}

// Less orders row references by table then key, byte-wise.
func (r RowRef) Less(o RowRef) bool {
	if r.Table != o.Table {
		return r.Table < o.Table
	}
	return r.Key < o.Key
}

// CellRef identifies one column of one row.
type CellRef struct {
	Table  string `json:"table"`
	Key    string `json:"key"`
	Column string `json:"column"`
}

// Row returns the row the cell belongs to.
func (c CellRef) Row() RowRef {
	return RowRef{Table: c.Table, Key: c.Key}
}

func (c CellRef) String() string {
	return c.Table + "/" + c.Key + "." + c.Column
}
