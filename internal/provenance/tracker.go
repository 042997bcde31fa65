package provenance

import (
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/state"
)

// Tracker maintains provenance chains for every cell.
//
// Thread-safety: Apply, Seed and Prune take a write lock; every query takes
// a read lock. History iterators re-acquire the lock per step, so they stay
// valid across concurrent Applies but not across Prune.
type Tracker struct {
	mu      sync.RWMutex
	records []Record
	latest  map[ir.CellRef]RecordID
	cols    map[ir.RowRef][]string         // every column ever written, sorted
	live    map[ir.RowRef]ir.Object        // current image of live rows
	last    map[ir.RowRef]ir.Object        // image just before the row was removed
	keys    map[string]map[string]struct{} // table -> every key ever seen
	lastSeq uint64
	horizon uint64
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{
		latest: make(map[ir.CellRef]RecordID),
		cols:   make(map[ir.RowRef][]string),
		live:   make(map[ir.RowRef]ir.Object),
		last:   make(map[ir.RowRef]ir.Object),
		keys:   make(map[string]map[string]struct{}),
	}
}

// Seed records the rows of a snapshot as baseline records at atSeq
// (TxID 0). It must run before any entry at or below atSeq is applied.
func (t *Tracker) Seed(v state.View, atSeq uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.records) > 0 || t.lastSeq > atSeq {
		return fmt.Errorf("seed at %d: tracker already holds history", atSeq)
	}
	state.Rows(v, func(table, key string, row ir.Object) {
		for _, col := range row.SortedKeys() {
			id := t.write(ir.CellRef{Table: table, Key: key, Column: col}, 0, atSeq, ir.OpInsert, row[col])
			t.records[id].Baseline = true
		}
	})
	t.lastSeq = atSeq
	t.horizon = atSeq
	return nil
}

// Rebase reconciles the live image with a later snapshot sealed at atSeq.
// Every cell whose value differs from v gets a TxID 0 record at atSeq, and
// rows absent from v are removed. A snapshot written by a recovery plan
// differs from the journal replay this way. It returns the number of
// records written.
func (t *Tracker) Rebase(v state.View, atSeq uint64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if atSeq < t.lastSeq {
		return 0, fmt.Errorf("rebase at %d: tracker is already at #%d", atSeq, t.lastSeq)
	}

	n := 0
	present := make(map[ir.RowRef]bool)
	state.Rows(v, func(table, key string, row ir.Object) {
		ref := ir.RowRef{Table: table, Key: key}
		present[ref] = true
		before := t.live[ref].Clone()
		for _, col := range before.SortedKeys() {
			if _, keep := row[col]; !keep {
				t.write(ir.CellRef{Table: table, Key: key, Column: col}, 0, atSeq, ir.OpUpdate, nil)
				n++
			}
		}
		for _, col := range row.SortedKeys() {
			if cur, ok := before[col]; ok && ir.Equal(cur, row[col]) {
				continue
			}
			t.write(ir.CellRef{Table: table, Key: key, Column: col}, 0, atSeq, ir.OpUpdate, row[col])
			n++
		}
		t.keepImage(ref, before)
	})

	var gone []ir.RowRef
	for ref := range t.live {
		if !present[ref] {
			gone = append(gone, ref)
		}
	}
	slices.SortFunc(gone, compareRefs)
	for _, ref := range gone {
		n += len(t.live[ref])
		t.removeRow(ref, ir.JournalEntry{Seq: atSeq, Op: ir.OpDelete})
	}
	t.lastSeq = atSeq
	return n, nil
}

// Apply records one journal entry. Entries must arrive in increasing
// sequence order; control entries only advance the position.
func (t *Tracker) Apply(e ir.JournalEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.Seq <= t.lastSeq {
		return fmt.Errorf("provenance apply %s: not after #%d", e, t.lastSeq)
	}
	t.lastSeq = e.Seq
	before := t.live[e.Ref()].Clone()

	switch e.Op {
	case ir.OpInsert:
		ref := e.Ref()
		row := e.Row.Normalize()
		for _, col := range t.liveColumns(ref) {
			if _, keep := row[col]; !keep {
				t.write(ir.CellRef{Table: e.Table, Key: e.Key, Column: col}, e.TxID, e.Seq, e.Op, nil)
			}
		}
		for _, col := range row.SortedKeys() {
			t.write(ir.CellRef{Table: e.Table, Key: e.Key, Column: col}, e.TxID, e.Seq, e.Op, row[col])
		}
	case ir.OpUpdate:
		for _, col := range e.Row.SortedKeys() {
			v := e.Row[col]
			cell := ir.CellRef{Table: e.Table, Key: e.Key, Column: col}
			if _, isNull := v.(ir.Null); isNull || v == nil {
				if _, ok := t.live[e.Ref()][col]; ok {
					t.write(cell, e.TxID, e.Seq, e.Op, nil)
				}
				continue
			}
			t.write(cell, e.TxID, e.Seq, e.Op, v)
		}
	case ir.OpDelete:
		t.removeRow(e.Ref(), e)
	case ir.OpTruncate:
		refs := make([]ir.RowRef, 0)
		for ref := range t.live {
			if ref.Table == e.Table {
				refs = append(refs, ref)
			}
		}
		slices.SortFunc(refs, compareRefs)
		for _, ref := range refs {
			t.removeRow(ref, e)
		}
	}
	t.keepImage(e.Ref(), before)
	return nil
}

func (t *Tracker) removeRow(ref ir.RowRef, e ir.JournalEntry) {
	before := t.live[ref].Clone()
	for _, col := range t.liveColumns(ref) {
		t.write(ir.CellRef{Table: ref.Table, Key: ref.Key, Column: col}, e.TxID, e.Seq, e.Op, nil)
	}
	t.keepImage(ref, before)
}

// keepImage saves the whole image a row had before the current entry when
// that entry left it without columns. Callers hold the lock.
func (t *Tracker) keepImage(ref ir.RowRef, before ir.Object) {
	if len(before) > 0 && t.live[ref] == nil {
		t.last[ref] = before
	}
}

func (t *Tracker) liveColumns(ref ir.RowRef) []string {
	return t.live[ref].SortedKeys()
}

// write appends a record and updates every index. Callers hold the lock.
func (t *Tracker) write(cell ir.CellRef, tx, seq uint64, op ir.Op, v ir.Value) RecordID {
	prev, ok := t.latest[cell]
	if !ok {
		prev = NoRecord
	}
	id := RecordID(len(t.records))
	t.records = append(t.records, Record{ID: id, Cell: cell, TxID: tx, Seq: seq, Op: op, Value: v, Prev: prev})
	t.latest[cell] = id

	ref := cell.Row()
	if cols := t.cols[ref]; !slices.Contains(cols, cell.Column) {
		cols = append(cols, cell.Column)
		slices.Sort(cols)
		t.cols[ref] = cols
	}
	if t.keys[ref.Table] == nil {
		t.keys[ref.Table] = make(map[string]struct{})
	}
	t.keys[ref.Table][ref.Key] = struct{}{}

	row := t.live[ref]
	if v == nil {
		delete(row, cell.Column)
		if len(row) == 0 {
			delete(t.live, ref)
		}
		return id
	}
	if row == nil {
		row = ir.Object{}
		t.live[ref] = row
	}
	row[cell.Column] = v
	return id
}

// History returns the chain of a cell, newest first, ending at the first
// retained write.
func (t *Tracker) History(table, key, column string) iter.Seq[Record] {
	cell := ir.CellRef{Table: table, Key: key, Column: column}
	return func(yield func(Record) bool) {
		t.mu.RLock()
		id, ok := t.latest[cell]
		t.mu.RUnlock()
		if !ok {
			return
		}
		for id != NoRecord {
			t.mu.RLock()
			if int(id) >= len(t.records) {
				t.mu.RUnlock()
				return
			}
			r := t.records[id]
			t.mu.RUnlock()
			if !yield(r) {
				return
			}
			id = r.Prev
		}
	}
}

// Latest returns the newest record of a cell.
func (t *Tracker) Latest(cell ir.CellRef) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.latest[cell]
	if !ok {
		return Record{}, false
	}
	return t.records[id], true
}

// Origin returns the transaction at the root of a cell's chain.
func (t *Tracker) Origin(table, key, column string) (uint64, bool) {
	var root Record
	found := false
	for r := range t.History(table, key, column) {
		root, found = r, true
	}
	return root.TxID, found
}

// Writers returns the distinct transactions in a cell's chain, newest first.
func (t *Tracker) Writers(cell ir.CellRef) []uint64 {
	var out []uint64
	for r := range t.History(cell.Table, cell.Key, cell.Column) {
		if !slices.Contains(out, r.TxID) {
			out = append(out, r.TxID)
		}
	}
	return out
}

// Resolve walks a cell's chain and returns the newest record for which skip
// is false. ok is false when every retained record is skipped.
func (t *Tracker) Resolve(cell ir.CellRef, skip func(Record) bool) (Record, bool) {
	for r := range t.History(cell.Table, cell.Key, cell.Column) {
		if !skip(r) {
			return r, true
		}
	}
	return Record{}, false
}

// At returns the records written by the entry with the given seq.
func (t *Tracker) At(seq uint64) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, _ := slices.BinarySearchFunc(t.records, seq, func(r Record, s uint64) int {
		switch {
		case r.Seq < s:
			return -1
		case r.Seq > s:
			return 1
		}
		return 0
	})
	var out []Record
	for ; i < len(t.records) && t.records[i].Seq == seq; i++ {
		out = append(out, t.records[i])
	}
	return out
}

// Columns returns every column ever written in a row, sorted.
func (t *Tracker) Columns(ref ir.RowRef) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.cols[ref])
}

// Rows returns every key ever seen in a table, sorted.
func (t *Tracker) Rows(table string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.keys[table]))
	for k := range t.keys[table] {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// LastLive returns the current image of a live row, or the image it had
// just before it was removed. live reports which one it is.
func (t *Tracker) LastLive(ref ir.RowRef) (img ir.Object, live bool, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if row, isLive := t.live[ref]; isLive {
		return row.Clone(), true, true
	}
	if row, wasLive := t.last[ref]; wasLive {
		return row.Clone(), false, true
	}
	return nil, false, false
}

// RowLatest returns the newest record across all cells of a row: for a
// removed row, the write that removed it.
func (t *Tracker) RowLatest(ref ir.RowRef) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best Record
	found := false
	for _, col := range t.cols[ref] {
		id, ok := t.latest[ir.CellRef{Table: ref.Table, Key: ref.Key, Column: col}]
		if !ok {
			continue
		}
		if r := t.records[id]; !found || r.Seq > best.Seq {
			best, found = r, true
		}
	}
	return best, found
}

// Len returns the number of retained records.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// LastSeq returns the seq of the last applied entry.
func (t *Tracker) LastSeq() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSeq
}

// Horizon returns the seq at or below which history has been collapsed
// into baselines. Writes at or below the horizon cannot be attributed to
// their original transaction.
func (t *Tracker) Horizon() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.horizon
}

// Prune collapses history at or below horizon. For each cell it keeps every
// record with Seq > horizon plus the newest record at or below it, marked
// Baseline. A cell whose only remaining record is a removal is forgotten.
// It returns the number of records dropped.
func (t *Tracker) Prune(horizon uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if horizon <= t.horizon {
		return 0
	}

	keep := make([]bool, len(t.records))
	for cell, id := range t.latest {
		for id != NoRecord {
			r := t.records[id]
			if r.Seq > horizon {
				keep[id] = true
				id = r.Prev
				continue
			}
			if !(r.Removed() && t.latest[cell] == id) {
				keep[id] = true
			}
			break
		}
	}

	remap := make([]RecordID, len(t.records))
	out := make([]Record, 0, len(t.records))
	for i, r := range t.records {
		if !keep[i] {
			remap[i] = NoRecord
			continue
		}
		remap[i] = RecordID(len(out))
		out = append(out, r)
	}
	for i := range out {
		r := &out[i]
		r.ID = remap[r.ID]
		if r.Prev != NoRecord {
			r.Prev = remap[r.Prev]
		}
		if r.Seq <= horizon {
			r.Baseline = true
			r.Prev = NoRecord
		}
	}
	for cell, id := range t.latest {
		if remap[id] == NoRecord {
			delete(t.latest, cell)
			continue
		}
		t.latest[cell] = remap[id]
	}
	for ref := range t.last {
		if !t.hasHistory(ref) {
			delete(t.last, ref)
		}
	}

	dropped := len(t.records) - len(out)
	t.records = out
	t.horizon = horizon
	return dropped
}

// hasHistory reports whether any cell of the row still has a record.
// Callers hold the lock.
func (t *Tracker) hasHistory(ref ir.RowRef) bool {
	for _, col := range t.cols[ref] {
		if _, ok := t.latest[ir.CellRef{Table: ref.Table, Key: ref.Key, Column: col}]; ok {
			return true
		}
	}
	return false
}

func compareRefs(a, b ir.RowRef) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}
