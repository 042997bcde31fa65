package engine

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formdbg/internal/constraint"
	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/journal"
	"github.com/roach88/formdbg/internal/merkle"
	"github.com/roach88/formdbg/internal/provenance"
	"github.com/roach88/formdbg/internal/recovery"
	"github.com/roach88/formdbg/internal/store"
	"github.com/roach88/formdbg/internal/testutil"
)

var (
	balanceCheck = constraint.Constraint{
		Name: "accounts_balance_nonneg", Kind: constraint.Check, Table: "accounts",
		Columns: []string{"balance"}, Expr: "balance: >=0",
	}
	ownerFK = constraint.Constraint{
		Name: "accounts_owner_fkey", Kind: constraint.ForeignKey, Table: "accounts",
		Columns: []string{"owner"}, RefTable: "users", RefColumns: []string{"id"},
	}
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, s *store.Store, data []byte, cons []constraint.Constraint, opts ...Option) *Engine {
	t.Helper()
	ids := testutil.NewSequentialIDs("plan")
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIDGenerator(ids.Next),
	}, opts...)
	e, err := New(s, journal.BytesSource(data), cons, opts...)
	require.NoError(t, err)
	return e
}

// abortScenario: tx1 opens account a1 with balance 100 and commits; tx2
// drives it to -50 and aborts, but the write reached the table.
func abortScenario(t *testing.T) *testutil.Journal {
	return testutil.NewJournal(t).
		Insert(1, "accounts", "a1", ir.Object{"balance": ir.Int(100), "owner": ir.String("ada")}).
		Commit(1).
		Update(2, "accounts", "a1", ir.Object{"balance": ir.Int(-50)}).
		Abort(2)
}

func TestEngine_NewRejectsForeignFile(t *testing.T) {
	_, err := New(setupTestStore(t), journal.BytesSource([]byte("not a journal at all")), nil)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeJournal))
	assert.True(t, journal.IsCorrupt(err))
}

func TestEngine_NewRejectsInvalidConstraint(t *testing.T) {
	_, err := New(setupTestStore(t), journal.BytesSource(nil), []constraint.Constraint{{Name: "x", Kind: constraint.ForeignKey}})
	assert.Error(t, err)
}

func TestEngine_ReadJournal(t *testing.T) {
	j := abortScenario(t)
	e := newTestEngine(t, setupTestStore(t), j.Bytes(), nil)

	var seqs []uint64
	for entry, err := range e.ReadJournal(context.Background(), 3) {
		require.NoError(t, err)
		seqs = append(seqs, entry.Seq)
	}
	assert.Equal(t, []uint64{3, 4}, seqs)
}

func TestEngine_DiagnoseAbortedWrite(t *testing.T) {
	j := abortScenario(t)
	e := newTestEngine(t, setupTestStore(t), j.Bytes(), []constraint.Constraint{balanceCheck})

	d, err := e.Diagnose(context.Background())
	require.NoError(t, err)
	assert.False(t, d.Healthy())
	require.Len(t, d.Violations(), 1)
	require.Len(t, d.Uncommitted, 1)
	assert.Equal(t, uint64(2), d.Uncommitted[0].ID)
	assert.Equal(t, uint64(4), d.View.State.Applied())

	var history []provenance.Record
	for rec := range e.ProvenanceOf("accounts", "a1", "balance") {
		history = append(history, rec)
	}
	require.Len(t, history, 2)
	assert.Equal(t, uint64(2), history[0].TxID)
	assert.Equal(t, ir.Int(-50), history[0].Value)
	assert.Equal(t, uint64(1), history[1].TxID)
}

func TestEngine_ProvenanceBeforeLoadIsEmpty(t *testing.T) {
	e := newTestEngine(t, setupTestStore(t), abortScenario(t).Bytes(), nil)
	for range e.ProvenanceOf("accounts", "a1", "balance") {
		t.Fatal("expected no history before Load")
	}
}

func TestEngine_RecoverStoresVerifiedHead(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	j := abortScenario(t)
	e := newTestEngine(t, s, j.Bytes(), []constraint.Constraint{balanceCheck})

	rec, err := e.Recover(ctx, false)
	require.NoError(t, err)
	v, ok := rec.Outcome.(recovery.Verified)
	require.True(t, ok, "outcome %#v", rec.Outcome)
	assert.Equal(t, uint64(0), v.Snapshot.Seq)
	assert.Equal(t, uint64(4), v.Snapshot.JournalSeq)

	head, ok, err := s.Head(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v.Snapshot.RootHash, head.RootHash)
	row, _ := head.State.Row("accounts", "a1")
	assert.Equal(t, ir.Int(100), row["balance"])

	stored, err := s.Plan(ctx, rec.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, recovery.StatusVerified, stored.Status)

	// The aborted write is now settled behind the head.
	d, err := e.Diagnose(ctx)
	require.NoError(t, err)
	assert.True(t, d.Healthy())
}

func TestEngine_DryRunChangesNothing(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	e := newTestEngine(t, s, abortScenario(t).Bytes(), []constraint.Constraint{balanceCheck})

	rec, err := e.Recover(ctx, true)
	require.NoError(t, err)
	assert.Nil(t, rec.Outcome)
	require.Len(t, rec.Plan.Operations, 1)

	snaps, err := s.Snapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps)

	stored, err := s.Plan(ctx, rec.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, recovery.StatusProposed, stored.Status)
}

func TestEngine_Checkpoint(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	j := testutil.NewJournal(t).
		Insert(1, "users", "u1", ir.Object{"id": ir.Int(1)}).
		Commit(1)
	e := newTestEngine(t, s, j.Bytes(), []constraint.Constraint{ownerFK})

	s0, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	assert.True(t, s0.IsGenesis())
	assert.Equal(t, uint64(2), s0.JournalSeq)

	again, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, s0.RootHash, again.RootHash, "nothing new to seal")

	j.Insert(2, "accounts", "a1", ir.Object{"owner": ir.Int(1)}).Commit(2)
	e2 := newTestEngine(t, s, j.Bytes(), []constraint.Constraint{ownerFK})
	s1, err := e2.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s1.Seq)
	assert.Equal(t, s0.RootHash, *s1.ParentHash)
}

func TestEngine_CheckpointRefusesUnhealthy(t *testing.T) {
	e := newTestEngine(t, setupTestStore(t), abortScenario(t).Bytes(), []constraint.Constraint{balanceCheck})

	_, err := e.Checkpoint(context.Background())
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeUnhealthy))
	assert.True(t, IsIntegrity(err))
}

func TestEngine_CorruptTailUsesPrefix(t *testing.T) {
	data := abortScenario(t).Bytes()
	e := newTestEngine(t, setupTestStore(t), data[:len(data)-3], []constraint.Constraint{balanceCheck})

	view, err := e.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, view.JournalDamaged())
	assert.True(t, journal.IsCorrupt(view.Journal.StoppedBy))
	assert.Equal(t, uint64(3), view.Journal.LastGood)
	assert.Equal(t, uint64(3), view.State.Applied())
	assert.Equal(t, ir.TxActive, view.Transactions.Status(2), "abort marker was lost")
}

func TestEngine_OutOfOrderIsFatal(t *testing.T) {
	j := abortScenario(t)
	data := append([]byte(journal.Magic), ir.JournalFormatVersion)
	entries := j.Entries()
	for _, i := range []int{0, 2, 1} {
		frame, err := journal.EncodeFrame(entries[i])
		require.NoError(t, err)
		data = append(data, frame...)
	}
	e := newTestEngine(t, setupTestStore(t), data, nil)

	_, err := e.Load(context.Background())
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeJournal))
	assert.True(t, journal.IsOutOfOrder(err))
}

func TestEngine_RecoverPastBrokenSnapshot(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	j := testutil.NewJournal(t).
		Insert(1, "accounts", "a1", ir.Object{"balance": ir.Int(100)}).
		Commit(1)
	s0, err := newTestEngine(t, s, j.Bytes(), []constraint.Constraint{balanceCheck}).Checkpoint(ctx)
	require.NoError(t, err)

	// A later snapshot whose state was altered after sealing.
	bad, err := merkle.Seal(s0, s0.State)
	require.NoError(t, err)
	bad.State = bad.State.Clone()
	bad.State.Put("accounts", "a1", ir.Object{"balance": ir.Int(1_000_000)})
	require.NoError(t, s.WriteSnapshot(ctx, bad))

	j.Update(2, "accounts", "a1", ir.Object{"balance": ir.Int(-1)}).Abort(2)
	e := newTestEngine(t, s, j.Bytes(), []constraint.Constraint{balanceCheck})

	d, err := e.Diagnose(ctx)
	require.NoError(t, err)
	assert.True(t, d.View.ChainBroken())
	assert.Equal(t, merkle.MismatchContent, d.View.Chain.Break.Kind)
	assert.Equal(t, s0.RootHash, d.View.Head.RootHash)

	rec, err := e.Recover(ctx, false)
	require.NoError(t, err)
	v, ok := rec.Outcome.(recovery.Verified)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v.Snapshot.Seq)

	quarantined, err := s.Quarantined(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, quarantined)

	snaps, err := s.Snapshots(ctx)
	require.NoError(t, err)
	report, err := e.VerifySnapshotChain(ctx, snaps)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, report.Verified)
}

func TestEngine_UnrecoverableKeepsDiagnosis(t *testing.T) {
	j := testutil.NewJournal(t).
		Insert(1, "users", "u1", ir.Object{"id": ir.Int(1)}).
		Commit(1).
		Delete(2, "users", "u1").
		Commit(2).
		Insert(3, "accounts", "a1", ir.Object{"owner": ir.Int(1)}).
		Commit(3)
	e := newTestEngine(t, setupTestStore(t), j.Bytes(), []constraint.Constraint{ownerFK})

	rec, err := e.Recover(context.Background(), false)
	require.Error(t, err)
	assert.True(t, recovery.IsUnrecoverable(err))
	assert.True(t, IsIntegrity(err))
	require.NotNil(t, rec)
	assert.Nil(t, rec.Plan)
	assert.Len(t, rec.Diagnosis.Violations(), 1)
}

func TestEngine_ObservedStateDump(t *testing.T) {
	j := testutil.NewJournal(t).
		Insert(1, "accounts", "a1", ir.Object{"owner": ir.Int(1)}).
		Insert(1, "users", "u1", ir.Object{"id": ir.Int(1)}).
		Commit(1)
	observed, _ := j.Materialize(1)
	e := newTestEngine(t, setupTestStore(t), j.Bytes(), []constraint.Constraint{ownerFK},
		WithObservedState(observed))

	rec, err := e.Recover(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, rec.Plan.Operations, 1)
	assert.Equal(t, recovery.KindReplay, rec.Plan.Operations[0].Kind)
	v := rec.Outcome.(recovery.Verified)
	assert.Equal(t, uint64(2), v.Snapshot.JournalSeq)
	assert.Equal(t, uint64(1), observed.Applied(), "the dump itself is not modified")
}

func TestEngine_KnownGoodTarget(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	j := testutil.NewJournal(t).
		Insert(1, "accounts", "a1", ir.Object{"balance": ir.Int(10)}).
		Commit(1)
	s0, err := newTestEngine(t, s, j.Bytes(), nil).Checkpoint(ctx)
	require.NoError(t, err)

	j.Insert(2, "accounts", "a2", ir.Object{"balance": ir.Int(5)}).Commit(2)
	e := newTestEngine(t, s, j.Bytes(), nil, WithTarget(recovery.TargetKnownGood))

	rec, err := e.Recover(ctx, false)
	require.NoError(t, err)
	v := rec.Outcome.(recovery.Verified)
	assert.Equal(t, s0.ContentRoot, v.Snapshot.ContentRoot)
	assert.Equal(t, uint64(4), v.Snapshot.JournalSeq)
}

func TestEngine_Retention(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	j := testutil.NewJournal(t)
	for tx := uint64(1); tx <= 3; tx++ {
		j.Insert(tx, "t", string(rune('a'+tx)), ir.Object{"v": ir.Int(int64(tx))}).Commit(tx)
		_, err := newTestEngine(t, s, j.Bytes(), nil, WithRetention(2)).Checkpoint(ctx)
		require.NoError(t, err)
	}

	snaps, err := s.Snapshots(ctx)
	require.NoError(t, err)
	seqs := make([]uint64, len(snaps))
	for i, snap := range snaps {
		seqs[i] = snap.Seq
	}
	assert.Equal(t, []uint64{1, 2}, seqs)

	view, err := newTestEngine(t, s, j.Bytes(), nil).Load(ctx)
	require.NoError(t, err)
	assert.False(t, view.ChainBroken(), "pruned chain verifies from its anchor")
	assert.Equal(t, uint64(2), view.Head.Seq)
	assert.True(t, slices.Equal(view.Chain.Verified, []uint64{1, 2}))
}

func cellHistory(e *Engine, table, key, column string) []provenance.Record {
	var out []provenance.Record
	for r := range e.ProvenanceOf(table, key, column) {
		out = append(out, r)
	}
	return out
}

// twoCheckpoints seals #2 and #4 and leaves one committed write after the
// head.
func twoCheckpoints(t *testing.T, s *store.Store) *testutil.Journal {
	t.Helper()
	ctx := context.Background()
	j := testutil.NewJournal(t).
		Insert(1, "t", "A", ir.Object{"v": ir.Int(1)}).
		Commit(1)
	_, err := newTestEngine(t, s, j.Bytes(), nil).Checkpoint(ctx)
	require.NoError(t, err)
	j.Update(2, "t", "A", ir.Object{"v": ir.Int(2)}).Commit(2)
	_, err = newTestEngine(t, s, j.Bytes(), nil).Checkpoint(ctx)
	require.NoError(t, err)
	return j.Update(3, "t", "A", ir.Object{"v": ir.Int(3)}).Commit(3)
}

func TestEngine_ProvenanceSpansRetainedSnapshots(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	j := twoCheckpoints(t, s)

	e := newTestEngine(t, s, j.Bytes(), nil)
	view, err := e.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), view.Head.JournalSeq)
	assert.Equal(t, uint64(2), view.Provenance.Horizon(), "history reaches the oldest snapshot")

	h := cellHistory(e, "t", "A", "v")
	require.Len(t, h, 3)
	assert.Equal(t, []uint64{5, 3, 2}, []uint64{h[0].Seq, h[1].Seq, h[2].Seq})
	assert.Equal(t, uint64(2), h[1].TxID)
	assert.True(t, h[2].Baseline)
}

func TestEngine_ProvenanceFollowsRetention(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	j := twoCheckpoints(t, s)

	// Both snapshots are stored; the policy keeps only the newest.
	e := newTestEngine(t, s, j.Bytes(), nil, WithRetention(1))
	view, err := e.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), view.Provenance.Horizon())

	h := cellHistory(e, "t", "A", "v")
	require.Len(t, h, 2)
	assert.Equal(t, uint64(5), h[0].Seq)
	assert.Equal(t, uint64(3), h[1].Seq)
	assert.True(t, h[1].Baseline)

	// Sealing a new head drops the older snapshot and the history under it.
	j.Insert(4, "t", "B", ir.Object{"v": ir.Int(4)}).Commit(4)
	e = newTestEngine(t, s, j.Bytes(), nil, WithRetention(1))
	snap, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), snap.JournalSeq)

	h = cellHistory(e, "t", "A", "v")
	require.Len(t, h, 1)
	assert.Equal(t, uint64(5), h[0].Seq)
	assert.True(t, h[0].Baseline)
}

func TestEngine_ProvenanceFollowsRecoveredSnapshot(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	j := testutil.NewJournal(t).
		Insert(1, "accounts", "a1", ir.Object{"balance": ir.Int(100)}).
		Commit(1)
	_, err := newTestEngine(t, s, j.Bytes(), nil).Checkpoint(ctx)
	require.NoError(t, err)

	// The rollback of tx 2 is sealed at #4, on top of the checkpoint.
	j.Update(2, "accounts", "a1", ir.Object{"balance": ir.Int(-50)}).Abort(2)
	rec, err := newTestEngine(t, s, j.Bytes(), []constraint.Constraint{balanceCheck}).Recover(ctx, false)
	require.NoError(t, err)
	require.IsType(t, recovery.Verified{}, rec.Outcome)

	j.Update(3, "accounts", "a1", ir.Object{"balance": ir.Int(70)}).Commit(3).
		Update(4, "accounts", "a1", ir.Object{"balance": ir.Int(-5)}).Abort(4)
	e := newTestEngine(t, s, j.Bytes(), []constraint.Constraint{balanceCheck})
	rec, err = e.Recover(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4}, rec.Plan.RolledBack, "tx 2 is settled behind the head")
	require.Len(t, rec.Plan.Operations, 1)
	assert.Equal(t, ir.Object{"balance": ir.Int(70)}, rec.Plan.Operations[0].Row)

	h := cellHistory(e, "accounts", "a1", "balance")
	require.Len(t, h, 5)
	assert.Equal(t, []uint64{4, 3, 0, 2, 0}, []uint64{h[0].TxID, h[1].TxID, h[2].TxID, h[3].TxID, h[4].TxID})
	assert.Equal(t, ir.Int(100), h[2].Value, "the sealed rollback is part of the history")
}
