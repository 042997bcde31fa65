package testutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/journal"
	"github.com/roach88/formdbg/internal/provenance"
	"github.com/roach88/formdbg/internal/state"
)

// Journal builds journal scenarios for tests. Sequence numbers and
// timestamps come from a DeterministicClock.
//
//	j := testutil.NewJournal(t)
//	j.Insert(1, "accounts", "a1", ir.Object{"balance": ir.Int(10)}).Commit(1)
type Journal struct {
	t       testing.TB
	clock   *DeterministicClock
	entries []ir.JournalEntry
}

// NewJournal starts an empty scenario.
func NewJournal(t testing.TB) *Journal {
	return &Journal{t: t, clock: NewDeterministicClock()}
}

func (j *Journal) add(tx uint64, op ir.Op, table, key string, row ir.Object) *Journal {
	seq := j.clock.Next()
	e := ir.JournalEntry{Seq: seq, TxID: tx, Timestamp: j.clock.Now(), Op: op, Table: table, Key: key, Row: row}
	require.NoError(j.t, e.Validate())
	j.entries = append(j.entries, e)
	return j
}

// Insert appends an insert.
func (j *Journal) Insert(tx uint64, table, key string, row ir.Object) *Journal {
	return j.add(tx, ir.OpInsert, table, key, row)
}

// Update appends an update.
func (j *Journal) Update(tx uint64, table, key string, row ir.Object) *Journal {
	return j.add(tx, ir.OpUpdate, table, key, row)
}

// Delete appends a delete.
func (j *Journal) Delete(tx uint64, table, key string) *Journal {
	return j.add(tx, ir.OpDelete, table, key, nil)
}

// Truncate appends a truncate.
func (j *Journal) Truncate(tx uint64, table string) *Journal {
	return j.add(tx, ir.OpTruncate, table, "", nil)
}

// Prepare appends a prepare marker.
func (j *Journal) Prepare(tx uint64) *Journal {
	return j.add(tx, ir.OpPrepare, "", "", nil)
}

// Commit appends a commit marker.
func (j *Journal) Commit(tx uint64) *Journal {
	return j.add(tx, ir.OpCommit, "", "", nil)
}

// Abort appends an abort marker.
func (j *Journal) Abort(tx uint64) *Journal {
	return j.add(tx, ir.OpAbort, "", "", nil)
}

// Entries returns the entries in journal order.
func (j *Journal) Entries() []ir.JournalEntry {
	return append([]ir.JournalEntry(nil), j.entries...)
}

// LastSeq returns the seq of the last entry.
func (j *Journal) LastSeq() uint64 {
	return j.clock.Current()
}

// Bytes encodes the journal in the on-disk format.
func (j *Journal) Bytes() []byte {
	var buf bytes.Buffer
	w, err := journal.NewWriter(&buf)
	require.NoError(j.t, err)
	for _, e := range j.entries {
		_, err := w.Append(e)
		require.NoError(j.t, err)
	}
	return buf.Bytes()
}

// Materialize applies every entry with Seq <= upTo to an empty state and a
// fresh provenance tracker, the way a crashed database would have: aborted
// and unfinished transactions included.
func (j *Journal) Materialize(upTo uint64) (*state.State, *provenance.Tracker) {
	st := state.New()
	tr := provenance.New()
	for _, e := range j.entries {
		if e.Seq > upTo {
			break
		}
		require.NoError(j.t, st.Apply(e))
		require.NoError(j.t, tr.Apply(e))
	}
	return st, tr
}
