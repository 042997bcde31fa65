package provenance

import (
	"fmt"

	"github.com/roach88/formdbg/internal/ir"
)

// RecordID addresses a record in the tracker's log. IDs are stable until
// the next Prune.
type RecordID int

// NoRecord marks the end of a chain.
const NoRecord RecordID = -1

// Record is one write to one cell.
type Record struct {
	ID       RecordID   `json:"id"`
	Cell     ir.CellRef `json:"cell"`
	TxID     uint64     `json:"tx"` // 0 for baseline records seeded from a snapshot
	Seq      uint64     `json:"seq"`
	Op       ir.Op      `json:"op"`
	Value    ir.Value   `json:"value"` // Nil when the write removed the cell
	Prev     RecordID   `json:"prev"`
	Baseline bool       `json:"baseline,omitempty"`
}

// Removed reports whether the write left the cell absent.
func (r Record) Removed() bool {
	return r.Value == nil
}

func (r Record) String() string {
	if r.Removed() {
		return fmt.Sprintf("#%d tx=%d %s %s (removed)", r.Seq, r.TxID, r.Op, r.Cell)
	}
	return fmt.Sprintf("#%d tx=%d %s %s", r.Seq, r.TxID, r.Op, r.Cell)
}
