package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/merkle"
	"github.com/roach88/formdbg/internal/state"
)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestChain seals n snapshots; snapshot i holds rows k0..ki.
func createTestChain(t *testing.T, n int) []*merkle.Snapshot {
	t.Helper()
	st := state.New()
	var chain []*merkle.Snapshot
	var parent *merkle.Snapshot
	for i := 0; i < n; i++ {
		st.Put("t", string(rune('a'+i)), ir.Object{"v": ir.Int(int64(i))})
		st.SetApplied(uint64(i + 1))
		snap, err := merkle.Seal(parent, st)
		require.NoError(t, err)
		chain = append(chain, snap)
		parent = snap
	}
	return chain
}
