// Package state holds the materialized table view that journal entries are
// applied to and that snapshots, constraints and recovery plans read.
package state

import (
	"fmt"
	"slices"

	"github.com/roach88/formdbg/internal/ir"
)

// View is the read-only surface of a materialized state.
// Keys and Tables return sorted slices; Row returns a row the caller must
// not modify.
type View interface {
	Tables() []string
	Keys(table string) []string
	Row(table, key string) (ir.Object, bool)
}

// State maps table -> storage key -> row.
//
// Rows are stored normalized (no Null columns). Applied is the sequence
// number of the last journal entry reflected in the state.
//
// Thread-safety: a State is not safe for concurrent mutation. Readers may
// share a State that is no longer being mutated.
type State struct {
	tables  map[string]map[string]ir.Object
	applied uint64
}

// New returns an empty state.
func New() *State {
	return &State{tables: make(map[string]map[string]ir.Object)}
}

// Applied returns the watermark: the last journal seq reflected in the state.
func (s *State) Applied() uint64 {
	return s.applied
}

// SetApplied moves the watermark. Used when a state is restored from a
// snapshot.
func (s *State) SetApplied(seq uint64) {
	s.applied = seq
}

// Apply applies one journal entry. Entries at or below the watermark are
// rejected. Control entries only advance the watermark.
func (s *State) Apply(e ir.JournalEntry) error {
	if e.Seq <= s.applied {
		return fmt.Errorf("apply %s: at or below watermark %d", e, s.applied)
	}
	switch e.Op {
	case ir.OpInsert:
		s.Put(e.Table, e.Key, e.Row)
	case ir.OpUpdate:
		s.Merge(e.Table, e.Key, e.Row)
	case ir.OpDelete:
		s.Delete(e.Table, e.Key)
	case ir.OpTruncate:
		delete(s.tables, e.Table)
	case ir.OpPrepare, ir.OpCommit, ir.OpAbort:
	default:
		return fmt.Errorf("apply %s: unknown op", e)
	}
	s.applied = e.Seq
	return nil
}

// Put replaces the row at key with a normalized copy of row.
// An empty row deletes the key.
func (s *State) Put(table, key string, row ir.Object) {
	row = row.Normalize()
	if len(row) == 0 {
		s.Delete(table, key)
		return
	}
	t, ok := s.tables[table]
	if !ok {
		t = make(map[string]ir.Object)
		s.tables[table] = t
	}
	t[key] = row
}

// Merge merges columns into the row at key. A Null value removes the column.
// Merging into a missing row creates it.
func (s *State) Merge(table, key string, cols ir.Object) {
	cur := s.tables[table][key]
	next := cur.Clone()
	if next == nil {
		next = ir.Object{}
	}
	for col, v := range cols {
		if _, isNull := v.(ir.Null); isNull || v == nil {
			delete(next, col)
			continue
		}
		next[col] = v
	}
	s.Put(table, key, next)
}

// SetCell writes one column.
func (s *State) SetCell(c ir.CellRef, v ir.Value) {
	s.Merge(c.Table, c.Key, ir.Object{c.Column: v})
}

// UnsetCell removes one column. A row left with no columns disappears.
func (s *State) UnsetCell(c ir.CellRef) {
	s.Merge(c.Table, c.Key, ir.Object{c.Column: ir.Null{}})
}

// Delete removes a row.
func (s *State) Delete(table, key string) {
	t, ok := s.tables[table]
	if !ok {
		return
	}
	delete(t, key)
	if len(t) == 0 {
		delete(s.tables, table)
	}
}

// Row returns the row at key.
func (s *State) Row(table, key string) (ir.Object, bool) {
	row, ok := s.tables[table][key]
	return row, ok
}

// Cell returns one column of a row.
func (s *State) Cell(c ir.CellRef) (ir.Value, bool) {
	v, ok := s.tables[c.Table][c.Key][c.Column]
	return v, ok
}

// Keys returns the storage keys of a table in byte-wise order.
func (s *State) Keys(table string) []string {
	t := s.tables[table]
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Tables returns the non-empty tables in byte-wise order.
func (s *State) Tables() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the total number of rows.
func (s *State) Len() int {
	n := 0
	for _, t := range s.tables {
		n += len(t)
	}
	return n
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := &State{tables: make(map[string]map[string]ir.Object, len(s.tables)), applied: s.applied}
	for name, t := range s.tables {
		ct := make(map[string]ir.Object, len(t))
		for k, row := range t {
			ct[k] = row.Clone()
		}
		out.tables[name] = ct
	}
	return out
}

// Equal reports whether two states hold the same rows. The watermark is
// not compared.
func (s *State) Equal(o *State) bool {
	if s.Len() != o.Len() {
		return false
	}
	for name, t := range s.tables {
		for k, row := range t {
			other, ok := o.Row(name, k)
			if !ok || !ir.Equal(row, other) {
				return false
			}
		}
	}
	return true
}

// Rows calls fn for every row in (table, key) order.
func Rows(v View, fn func(table, key string, row ir.Object)) {
	for _, table := range v.Tables() {
		for _, key := range v.Keys(table) {
			row, _ := v.Row(table, key)
			fn(table, key, row)
		}
	}
}

// Materialize copies any View into a State.
func Materialize(v View) *State {
	if s, ok := v.(*State); ok {
		return s.Clone()
	}
	out := New()
	Rows(v, func(table, key string, row ir.Object) {
		out.Put(table, key, row)
	})
	return out
}

// Diff lists the rows whose contents differ between a and b, sorted.
func Diff(a, b View) []ir.RowRef {
	seen := make(map[ir.RowRef]bool)
	var out []ir.RowRef
	check := func(x, y View) {
		Rows(x, func(table, key string, row ir.Object) {
			ref := ir.RowRef{Table: table, Key: key}
			if seen[ref] {
				return
			}
			other, ok := y.Row(table, key)
			if !ok || !ir.Equal(row, other) {
				seen[ref] = true
				out = append(out, ref)
			}
		})
	}
	check(a, b)
	check(b, a)
	slices.SortFunc(out, func(x, y ir.RowRef) int {
		switch {
		case x.Less(y):
			return -1
		case y.Less(x):
			return 1
		}
		return 0
	})
	return out
}
