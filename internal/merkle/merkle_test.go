package merkle

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/state"
)

func stateOf(applied uint64, rows map[string]int64) *state.State {
	s := state.New()
	for k, v := range rows {
		s.Put("t", k, ir.Object{"v": ir.Int(v)})
	}
	s.SetApplied(applied)
	return s
}

// chain seals three snapshots, each adding one row.
func chain(t *testing.T) []*Snapshot {
	t.Helper()
	s0, err := Seal(nil, stateOf(1, map[string]int64{"a": 1}))
	require.NoError(t, err)
	s1, err := Seal(s0, stateOf(2, map[string]int64{"a": 1, "b": 2}))
	require.NoError(t, err)
	s2, err := Seal(s1, stateOf(3, map[string]int64{"a": 1, "b": 2, "c": 3}))
	require.NoError(t, err)
	return []*Snapshot{s0, s1, s2}
}

func TestSchemeVectors(t *testing.T) {
	leaf, err := LeafHash("t", "a", ir.Object{"v": ir.Int(1)})
	require.NoError(t, err)
	assert.Equal(t, "c147af4361ed5296358064b35d34b28b0a61356ad3ce0d7cfeb85c651278328a", leaf.String())
	assert.Equal(t, "fd185dab01f4bdb0f769e532f6f5316fa8b0201760430acbe70b960b520435c1", EmptyRoot().String())

	content, err := ContentRoot(stateOf(3, map[string]int64{"c": 3, "a": 1, "b": 2}))
	require.NoError(t, err)
	assert.Equal(t, "4f2e0df9b7dd309d621ff6fb28fac217e83ddb7356c030cf06f0330c16e50971", content.String())

	s0, err := Seal(nil, stateOf(1, map[string]int64{"a": 1}))
	require.NoError(t, err)
	assert.Equal(t, leaf, s0.ContentRoot)
	assert.Equal(t, "e5644b4dcbeb6b8712792f10c70429404358deec2ab71c5e2106476ec45b04b2", s0.RootHash.String())
	assert.True(t, s0.IsGenesis())
}

func TestNullColumnsDoNotChangeLeaf(t *testing.T) {
	a, err := LeafHash("t", "a", ir.Object{"v": ir.Int(1)})
	require.NoError(t, err)
	b, err := LeafHash("t", "a", ir.Object{"v": ir.Int(1), "w": ir.Null{}})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSealLinksParent(t *testing.T) {
	snaps := chain(t)
	require.NotNil(t, snaps[1].ParentHash)
	assert.Equal(t, snaps[0].RootHash, *snaps[1].ParentHash)
	assert.Equal(t, uint64(2), snaps[2].Seq)
	assert.Equal(t, uint64(3), snaps[2].JournalSeq)
}

func TestSealClonesState(t *testing.T) {
	st := stateOf(1, map[string]int64{"a": 1})
	snap, err := Seal(nil, st)
	require.NoError(t, err)
	st.Put("t", "z", ir.Object{"v": ir.Int(9)})
	assert.NoError(t, Verify(snap, nil))
}

func TestVerifyChainValid(t *testing.T) {
	report, err := VerifyChain(context.Background(), chain(t))
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, []uint64{0, 1, 2}, report.Verified)
	assert.Empty(t, report.Unverifiable)
	assert.Equal(t, uint64(2), report.Head.Seq)
}

func TestVerifyChainEmpty(t *testing.T) {
	report, err := VerifyChain(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Nil(t, report.Head)
}

func TestTamperedPayloadBreaksFromThatSnapshot(t *testing.T) {
	snaps := chain(t)
	snaps[1].State.SetCell(ir.CellRef{Table: "t", Key: "b", Column: "v"}, ir.Int(200))

	report, err := VerifyChain(context.Background(), snaps)
	var mm *MerkleMismatch
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, "S1", mm.Snapshot)
	assert.Equal(t, MismatchContent, mm.Kind)
	assert.Equal(t, []uint64{0}, report.Verified)
	assert.Equal(t, []uint64{1, 2}, report.Unverifiable)

	// S0 alone still verifies.
	report, err = VerifyChain(context.Background(), snaps[:1])
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, report.Verified)
}

func TestTamperAtEveryPosition(t *testing.T) {
	for i := 0; i < 3; i++ {
		t.Run(fmt.Sprintf("S%d", i), func(t *testing.T) {
			snaps := chain(t)
			snaps[i].State.Delete("t", "a")

			report, err := VerifyChain(context.Background(), snaps)
			require.True(t, IsMismatch(err))
			assert.Len(t, report.Verified, i, "never fails before the tampered snapshot")
			assert.Equal(t, uint64(i), report.Unverifiable[0])
			assert.Len(t, report.Unverifiable, 3-i)
		})
	}
}

func TestTamperedHeaderFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Snapshot)
		kind   MismatchKind
	}{
		{"journal seq", func(s *Snapshot) { s.JournalSeq++ }, MismatchRoot},
		{"root hash", func(s *Snapshot) { s.RootHash[0] ^= 1 }, MismatchRoot},
		{"content root", func(s *Snapshot) { s.ContentRoot[0] ^= 1 }, MismatchContent},
		{"scheme", func(s *Snapshot) { s.Scheme = "formdb-merkle/v0" }, MismatchScheme},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snaps := chain(t)
			tt.mutate(snaps[2])
			_, err := VerifyChain(context.Background(), snaps)
			var mm *MerkleMismatch
			require.ErrorAs(t, err, &mm)
			assert.Equal(t, tt.kind, mm.Kind)
			assert.Equal(t, uint64(2), mm.Seq)
		})
	}
}

func TestBrokenLink(t *testing.T) {
	snaps := chain(t)
	other, err := Seal(nil, stateOf(1, map[string]int64{"x": 1}))
	require.NoError(t, err)
	forged, err := Seal(other, snaps[1].State)
	require.NoError(t, err)

	_, err = VerifyChain(context.Background(), []*Snapshot{snaps[0], forged})
	var mm *MerkleMismatch
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, MismatchParent, mm.Kind)
	assert.Equal(t, snaps[0].RootHash, mm.Expected)
	assert.Equal(t, other.RootHash, mm.Actual)
}

func TestVerifyGenesisExpectation(t *testing.T) {
	snaps := chain(t)
	err := Verify(snaps[1], nil)
	require.True(t, IsMismatch(err))
	assert.Contains(t, err.Error(), "expected a genesis snapshot")

	err = Verify(snaps[0], &snaps[1].RootHash)
	assert.Contains(t, err.Error(), "found a genesis snapshot")
}

func TestVerifyChainWithAnchor(t *testing.T) {
	snaps := chain(t)
	_, err := VerifyChain(context.Background(), snaps[1:])
	require.True(t, IsMismatch(err), "a segment is not genesis")

	report, err := VerifyChain(context.Background(), snaps[1:], WithAnchor(snaps[0].RootHash), WithParallelism(1))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, report.Verified)
}

func TestVerifyChainCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := VerifyChain(ctx, chain(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInclusionProofs(t *testing.T) {
	for n := 1; n <= 7; n++ {
		t.Run(fmt.Sprintf("%d rows", n), func(t *testing.T) {
			rows := make(map[string]int64)
			for i := 0; i < n; i++ {
				rows[fmt.Sprintf("k%d", i)] = int64(i)
			}
			st := stateOf(1, rows)
			root, err := ContentRoot(st)
			require.NoError(t, err)

			for key := range rows {
				p, err := Prove(st, "t", key)
				require.NoError(t, err)
				assert.NoError(t, VerifyProof(root, p), key)

				p.Row = ir.Object{"v": ir.Int(-1)}
				assert.True(t, IsMismatch(VerifyProof(root, p)), key)
			}
		})
	}
}

func TestProveMissingRow(t *testing.T) {
	_, err := Prove(stateOf(1, map[string]int64{"a": 1}), "t", "zz")
	assert.ErrorContains(t, err, "not present")
}
