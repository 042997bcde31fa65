package engine

import (
	"context"
	"fmt"

	"github.com/roach88/formdbg/internal/constraint"
	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/journal"
	"github.com/roach88/formdbg/internal/merkle"
	"github.com/roach88/formdbg/internal/recovery"
)

// Diagnosis is the health report of a loaded database.
type Diagnosis struct {
	View        *View
	Evaluations []constraint.Evaluation
	// InDoubt lists prepared transactions without a decision.
	InDoubt []journal.Transaction
	// Uncommitted lists aborted or unfinished transactions with writes
	// after the head snapshot: a recovery would roll them back.
	Uncommitted []journal.Transaction
}

// Healthy reports whether nothing needs recovery: the chain verifies, the
// journal is intact, every constraint holds and no transaction after the
// head is left uncommitted or in doubt.
func (d *Diagnosis) Healthy() bool {
	return !d.View.ChainBroken() &&
		!d.View.JournalDamaged() &&
		constraint.AllSatisfied(d.Evaluations) &&
		len(d.InDoubt) == 0 &&
		len(d.Uncommitted) == 0
}

// Violations returns the unsatisfied evaluations.
func (d *Diagnosis) Violations() []constraint.Evaluation {
	return constraint.Unsatisfied(d.Evaluations)
}

// Diagnose loads the database and evaluates every constraint against the
// observed state.
func (e *Engine) Diagnose(ctx context.Context) (*Diagnosis, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.diagnose(ctx)
}

func (e *Engine) diagnose(ctx context.Context) (*Diagnosis, error) {
	view, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	evals, err := e.CheckConstraints(ctx, e.constraints, view.State)
	if err != nil {
		return nil, err
	}

	d := &Diagnosis{View: view, Evaluations: evals}
	settled := uint64(0)
	if view.Head != nil {
		settled = view.Head.JournalSeq
	}
	for _, tx := range view.Transactions.All() {
		if len(tx.Entries) == 0 || tx.Entries[len(tx.Entries)-1].Seq <= settled {
			continue
		}
		switch tx.Status {
		case ir.TxInDoubt:
			d.InDoubt = append(d.InDoubt, tx)
		case ir.TxAborted, ir.TxActive:
			d.Uncommitted = append(d.Uncommitted, tx)
		}
	}

	e.logger.Info("diagnosis",
		"healthy", d.Healthy(),
		"violations", len(d.Violations()),
		"in_doubt", len(d.InDoubt),
		"uncommitted", len(d.Uncommitted))
	return d, nil
}

// Recovery is the result of Recover.
type Recovery struct {
	Diagnosis *Diagnosis
	Plan      *recovery.Plan
	// Outcome is nil for a dry run.
	Outcome recovery.Outcome
}

// Recover diagnoses the database, synthesizes a plan for the configured
// target and, unless dryRun, applies and verifies it. A Verified outcome
// has already been stored as the new chain head.
//
// A synthesis failure returns the diagnosis alongside the error.
func (e *Engine) Recover(ctx context.Context, dryRun bool) (*Recovery, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, err := e.diagnose(ctx)
	if err != nil {
		return nil, err
	}
	rec := &Recovery{Diagnosis: d}

	rec.Plan, err = e.SynthesizeRecoveryPlan(ctx, d.View.Input(e.constraints, e.target))
	if err != nil {
		return rec, err
	}
	if dryRun {
		return rec, nil
	}
	rec.Outcome, err = e.applyAndVerify(ctx, rec.Plan, d.View.State, d.View.Provenance)
	return rec, err
}

// Checkpoint seals the observed state on top of the chain head. It refuses
// when the database is not healthy: a checkpoint settles history, so it
// must only ever capture a consistent state.
func (e *Engine) Checkpoint(ctx context.Context) (*merkle.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, err := e.diagnose(ctx)
	if err != nil {
		return nil, err
	}
	if !d.Healthy() {
		return nil, &Error{
			Code:    ErrCodeUnhealthy,
			Message: fmt.Sprintf("refusing to checkpoint: %d violations, %d in doubt, %d uncommitted", len(d.Violations()), len(d.InDoubt), len(d.Uncommitted)),
		}
	}
	view := d.View
	if view.Head != nil && view.Head.JournalSeq == view.State.Applied() {
		return view.Head, nil
	}

	snap, err := merkle.Seal(view.Head, view.State)
	if err != nil {
		return nil, err
	}
	if err := e.store.WriteSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	if err := e.prune(ctx, view.Provenance); err != nil {
		return nil, err
	}
	e.logger.Info("checkpoint", "snapshot", snap.ID(), "journal_seq", snap.JournalSeq, "root", snap.RootHash.Short())
	return snap, nil
}
