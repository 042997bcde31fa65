package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/formdbg/internal/constraint"
	"github.com/roach88/formdbg/internal/engine"
	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/journal"
	"github.com/roach88/formdbg/internal/recovery"
	"github.com/roach88/formdbg/internal/state"
	"github.com/roach88/formdbg/internal/store"
	"github.com/roach88/formdbg/internal/testutil"
)

// Harness holds the per-run fixtures of a scenario.
type Harness struct {
	store       *store.Store
	constraints []constraint.Constraint
	entries     []ir.JournalEntry
	ids         *testutil.SequentialIDs
	logger      *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database:
//  1. Encode the journal with deterministic timestamps
//  2. Seal a checkpoint over the snapshot_at prefix, if any
//  3. Materialize the observed state up to crash_at, if any
//  4. Diagnose and recover
//  5. Evaluate assertions against the result
//
// An error means the scenario could not be executed; a failed assertion
// is reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:  st,
		ids:    testutil.NewSequentialIDs("plan"),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if scenario.Schema != "" {
		if h.constraints, err = constraint.LoadSchema(scenario.Schema); err != nil {
			return nil, fmt.Errorf("failed to load schema: %w", err)
		}
	}
	if h.entries, err = buildEntries(scenario.Journal); err != nil {
		return nil, err
	}

	ctx := context.Background()
	if scenario.SnapshotAt > 0 {
		if err := h.checkpoint(ctx, scenario.SnapshotAt); err != nil {
			return nil, fmt.Errorf("snapshot_at %d: %w", scenario.SnapshotAt, err)
		}
	}

	opts, err := h.options(scenario)
	if err != nil {
		return nil, err
	}
	data, err := encode(h.entries)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(st, journal.BytesSource(data), h.constraints, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	result := NewResult(scenario.Name)
	if err := h.recover(ctx, eng, result); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) options(scenario *Scenario) ([]engine.Option, error) {
	opts := []engine.Option{
		engine.WithLogger(h.logger),
		engine.WithIDGenerator(h.ids.Next),
	}
	if scenario.Policy != "" {
		p, err := recovery.ParseInDoubtPolicy(scenario.Policy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithPolicy(p))
	}
	if scenario.Target != "" {
		t, err := recovery.ParseTarget(scenario.Target)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithTarget(t))
	}
	if scenario.CrashAt > 0 {
		observed, err := materialize(h.entries, scenario.CrashAt)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithObservedState(observed))
	}
	return opts, nil
}

// checkpoint seals the journal prefix up to seq.
func (h *Harness) checkpoint(ctx context.Context, seq uint64) error {
	var prefix []ir.JournalEntry
	for _, e := range h.entries {
		if e.Seq <= seq {
			prefix = append(prefix, e)
		}
	}
	data, err := encode(prefix)
	if err != nil {
		return err
	}
	eng, err := engine.New(h.store, journal.BytesSource(data), h.constraints,
		engine.WithLogger(h.logger), engine.WithIDGenerator(h.ids.Next))
	if err != nil {
		return err
	}
	_, err = eng.Checkpoint(ctx)
	return err
}

func (h *Harness) recover(ctx context.Context, eng *engine.Engine, result *Result) error {
	rec, err := eng.Recover(ctx, false)
	if err != nil && (rec == nil || !recovery.IsUnrecoverable(err)) {
		return fmt.Errorf("recover: %w", err)
	}

	d := rec.Diagnosis
	result.Healthy = d.Healthy()
	for _, ev := range d.Violations() {
		result.Violations = append(result.Violations, ev.Constraint.Name)
	}
	for _, tx := range d.InDoubt {
		result.InDoubt = append(result.InDoubt, tx.ID)
	}
	for _, tx := range d.Uncommitted {
		result.Uncommitted = append(result.Uncommitted, tx.ID)
	}
	result.Final = d.View.State

	if err != nil {
		result.Outcome = OutcomeUnrecoverable
		result.Reason = err.Error()
		return nil
	}

	p := rec.Plan
	result.Plan = p.Summary()
	result.RolledBack = append(result.RolledBack, p.RolledBack...)
	for _, op := range p.Operations {
		result.Operations = append(result.Operations, op.String())
	}

	switch out := rec.Outcome.(type) {
	case recovery.Verified:
		result.Outcome = OutcomeVerified
		result.Final = out.Snapshot.State
	case recovery.Rejected:
		result.Outcome = OutcomeRejected
		result.Reason = out.Reason
	default:
		return fmt.Errorf("recover: unexpected outcome %T", rec.Outcome)
	}
	return nil
}

// buildEntries assigns sequence numbers and deterministic timestamps.
func buildEntries(steps []Step) ([]ir.JournalEntry, error) {
	clock := testutil.NewDeterministicClock()
	entries := make([]ir.JournalEntry, 0, len(steps))
	for i, step := range steps {
		e := ir.JournalEntry{
			Seq:       clock.Next(),
			TxID:      step.Tx,
			Timestamp: clock.Now(),
			Op:        ir.Op(step.Op),
			Table:     step.Table,
			Key:       step.Key,
		}
		if step.Row != nil {
			row, err := ir.ObjectFromAny(step.Row)
			if err != nil {
				return nil, fmt.Errorf("journal[%d]: row: %w", i, err)
			}
			e.Row = row
		}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("journal[%d]: %w", i, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func encode(entries []ir.JournalEntry) ([]byte, error) {
	var buf bytes.Buffer
	w, err := journal.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, err := w.Append(e); err != nil {
			return nil, fmt.Errorf("encode entry %d: %w", e.Seq, err)
		}
	}
	return buf.Bytes(), nil
}

// materialize applies every entry up to seq, aborted and unfinished
// transactions included, the way the crashed database left its tables.
func materialize(entries []ir.JournalEntry, seq uint64) (*state.State, error) {
	st := state.New()
	for _, e := range entries {
		if e.Seq > seq {
			break
		}
		if err := st.Apply(e); err != nil {
			return nil, fmt.Errorf("crash_at: %w", err)
		}
	}
	return st, nil
}
