package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/roach88/formdbg/internal/constraint"
	"github.com/roach88/formdbg/internal/engine"
	"github.com/roach88/formdbg/internal/journal"
	"github.com/roach88/formdbg/internal/merkle"
)

// SnapshotInfo describes a snapshot without its state.
type SnapshotInfo struct {
	Seq        uint64 `json:"seq"`
	JournalSeq uint64 `json:"journal_seq"`
	RootHash   string `json:"root_hash"`
}

func snapshotInfo(s *merkle.Snapshot) *SnapshotInfo {
	if s == nil {
		return nil
	}
	return &SnapshotInfo{Seq: s.Seq, JournalSeq: s.JournalSeq, RootHash: s.RootHash.String()}
}

// JournalInfo summarizes a journal scan.
type JournalInfo struct {
	Entries      int    `json:"entries"`
	LastSeq      uint64 `json:"last_seq"`
	Transactions int    `json:"transactions"`
	Damage       string `json:"damage,omitempty"`
	DamageOffset int64  `json:"damage_offset,omitempty"`
}

func journalInfo(v *engine.View) JournalInfo {
	info := JournalInfo{
		Entries:      len(v.Journal.Entries),
		LastSeq:      v.Journal.LastGood,
		Transactions: v.Transactions.Len(),
	}
	if v.Journal.StoppedBy != nil {
		info.Damage = v.Journal.StoppedBy.Error()
		info.DamageOffset = v.Journal.StopOffset
	}
	return info
}

// TxInfo describes a transaction derived from the journal.
type TxInfo struct {
	ID      uint64 `json:"id"`
	Status  string `json:"status"`
	Writes  int    `json:"writes"`
	LastSeq uint64 `json:"last_seq"`
}

func txInfos(txs []journal.Transaction) []TxInfo {
	out := make([]TxInfo, len(txs))
	for i, tx := range txs {
		out[i] = TxInfo{ID: tx.ID, Status: string(tx.Status), Writes: len(tx.Entries), LastSeq: tx.LastSeq}
	}
	return out
}

// ConstraintResult is one constraint evaluation.
type ConstraintResult struct {
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	Table     string   `json:"table"`
	Satisfied bool     `json:"satisfied"`
	Message   string   `json:"message,omitempty"`
	Rows      []string `json:"rows,omitempty"`
}

func constraintResults(evals []constraint.Evaluation) []ConstraintResult {
	out := make([]ConstraintResult, len(evals))
	for i, e := range evals {
		out[i] = ConstraintResult{
			Name:      e.Constraint.Name,
			Kind:      e.Constraint.Kind.String(),
			Table:     e.Constraint.Table,
			Satisfied: e.Satisfied,
		}
		if e.Violation != nil {
			out[i].Message = e.Violation.Message
			out[i].Rows = e.Violation.Rows
		}
	}
	return out
}

func writeJournalLine(w io.Writer, info JournalInfo) {
	fmt.Fprintf(w, "Journal: %d entries, last seq %d, %d transaction(s)\n", info.Entries, info.LastSeq, info.Transactions)
}

func writeHeadLine(w io.Writer, head *SnapshotInfo, withRoot bool) {
	switch {
	case head == nil:
		fmt.Fprintln(w, "Head: none")
	case withRoot:
		fmt.Fprintf(w, "Head: S%d at journal seq %d (root %s)\n", head.Seq, head.JournalSeq, head.RootHash[:12])
	default:
		fmt.Fprintf(w, "Head: S%d at journal seq %d\n", head.Seq, head.JournalSeq)
	}
}

func writeTxs(w io.Writer, title string, txs []TxInfo) {
	if len(txs) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	for _, tx := range txs {
		fmt.Fprintf(w, "  tx %d %s, %d write(s), last seq %d\n", tx.ID, tx.Status, tx.Writes, tx.LastSeq)
	}
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}
