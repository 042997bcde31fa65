package journal

import (
	"fmt"
	"slices"
	"time"

	"github.com/roach88/formdbg/internal/ir"
)

// Transaction is derived from the journal: created when its first entry is
// observed, finalized by exactly one Commit or Abort marker.
type Transaction struct {
	ID       uint64
	Start    time.Time
	End      *time.Time // Set only when a terminal marker was seen
	Status   ir.TxStatus
	Prepared bool              // A Prepare marker was seen
	Entries  []ir.JournalEntry // Data entries, in journal order
	FirstSeq uint64
	LastSeq  uint64 // Seq of the last entry of any kind
}

// Touches reports whether any data entry of the transaction writes the row.
func (t Transaction) Touches(ref ir.RowRef) bool {
	for _, e := range t.Entries {
		if e.Table != ref.Table {
			continue
		}
		if e.Op == ir.OpTruncate || e.Key == ref.Key {
			return true
		}
	}
	return false
}

// InvalidTransition reports a control marker that would move a transaction
// out of a terminal status, or a data entry after finalization.
type InvalidTransition struct {
	TxID uint64
	Seq  uint64
	From ir.TxStatus
	Op   ir.Op
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("transaction %d: %s at seq %d after it became %s", e.TxID, e.Op, e.Seq, e.From)
}

// Ledger indexes transactions by id.
type Ledger struct {
	txs   map[uint64]*Transaction
	order []uint64 // ids by first appearance
}

// BuildLedger derives every transaction's status from the entries, which
// must be in journal order.
//
// A transaction with a Prepare marker but no terminal marker is InDoubt; one
// with no marker at all stays Active, meaning it never committed.
func BuildLedger(entries []ir.JournalEntry) (*Ledger, error) {
	l := &Ledger{txs: make(map[uint64]*Transaction)}
	for _, e := range entries {
		if err := l.observe(e); err != nil {
			return nil, err
		}
	}
	for _, id := range l.order {
		tx := l.txs[id]
		if tx.Status == ir.TxActive && tx.Prepared {
			tx.Status = ir.TxInDoubt
		}
	}
	return l, nil
}

func (l *Ledger) observe(e ir.JournalEntry) error {
	tx, ok := l.txs[e.TxID]
	if !ok {
		tx = &Transaction{ID: e.TxID, Start: e.Timestamp, Status: ir.TxActive, FirstSeq: e.Seq}
		l.txs[e.TxID] = tx
		l.order = append(l.order, e.TxID)
	}
	if tx.Status == ir.TxCommitted || tx.Status == ir.TxAborted {
		return &InvalidTransition{TxID: e.TxID, Seq: e.Seq, From: tx.Status, Op: e.Op}
	}
	tx.LastSeq = e.Seq

	switch e.Op {
	case ir.OpPrepare:
		tx.Prepared = true
	case ir.OpCommit, ir.OpAbort:
		end := e.Timestamp
		tx.End = &end
		tx.Status = ir.TxCommitted
		if e.Op == ir.OpAbort {
			tx.Status = ir.TxAborted
		}
	default:
		if tx.Prepared {
			return &InvalidTransition{TxID: e.TxID, Seq: e.Seq, From: ir.TxInDoubt, Op: e.Op}
		}
		tx.Entries = append(tx.Entries, e)
	}
	return nil
}

// Get returns the transaction with the given id.
func (l *Ledger) Get(id uint64) (Transaction, bool) {
	tx, ok := l.txs[id]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

// Status returns the status of a transaction. Unknown ids report Active:
// nothing in the journal says they committed.
func (l *Ledger) Status(id uint64) ir.TxStatus {
	if tx, ok := l.txs[id]; ok {
		return tx.Status
	}
	return ir.TxActive
}

// All returns every transaction in order of first appearance.
func (l *Ledger) All() []Transaction {
	out := make([]Transaction, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.txs[id])
	}
	return out
}

// WithStatus returns the transactions in a given status, by first appearance.
func (l *Ledger) WithStatus(status ir.TxStatus) []Transaction {
	var out []Transaction
	for _, id := range l.order {
		if tx := l.txs[id]; tx.Status == status {
			out = append(out, *tx)
		}
	}
	return out
}

// Len returns the number of transactions.
func (l *Ledger) Len() int {
	return len(l.order)
}

// IDs returns the transaction ids in ascending numeric order.
func (l *Ledger) IDs() []uint64 {
	ids := slices.Clone(l.order)
	slices.Sort(ids)
	return ids
}
