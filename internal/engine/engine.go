package engine

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/formdbg/internal/constraint"
	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/journal"
	"github.com/roach88/formdbg/internal/merkle"
	"github.com/roach88/formdbg/internal/metrics"
	"github.com/roach88/formdbg/internal/provenance"
	"github.com/roach88/formdbg/internal/recovery"
	"github.com/roach88/formdbg/internal/state"
	"github.com/roach88/formdbg/internal/store"
)

// DefaultParallelism bounds concurrent constraint and content-root work.
const DefaultParallelism = 4

// Engine exposes the recovery operations over one journal, one snapshot
// store and one constraint set.
//
// Thread-safety model:
//   - ReadJournal, VerifySnapshotChain, CheckConstraints: safe from any goroutine
//   - Load, Diagnose, Recover, Checkpoint: serialized internally
//   - ProvenanceOf: reads the view of the last Load
type Engine struct {
	store       *store.Store
	reader      *journal.Reader
	constraints []constraint.Constraint
	checker     *constraint.Checker
	synth       *recovery.Synthesizer

	logger      *slog.Logger
	parallelism int
	target      recovery.Target
	retention   int
	observed    *state.State

	// Collected options, applied when the checker and synthesizer are built.
	predicates constraint.Registry
	policy     recovery.InDoubtPolicy
	newID      func() string

	mu   sync.Mutex // serializes pipelines
	view *View
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithParallelism bounds concurrent work. Default: DefaultParallelism.
func WithParallelism(n int) Option {
	return func(e *Engine) { e.parallelism = n }
}

// WithPolicy sets the in-doubt transaction policy. Default: operator.
func WithPolicy(p recovery.InDoubtPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithTarget sets the recovery target used by Recover. Default: minimal.
func WithTarget(t recovery.Target) Option {
	return func(e *Engine) { e.target = t }
}

// WithRetention keeps only the newest n snapshots after each new head is
// written. 0 keeps everything.
func WithRetention(n int) Option {
	return func(e *Engine) { e.retention = n }
}

// WithObservedState replaces the derived observed state with a live state
// dump. Its watermark says how far into the journal it reflects.
func WithObservedState(st *state.State) Option {
	return func(e *Engine) { e.observed = st }
}

// WithPredicates registers Go predicates for check constraints.
func WithPredicates(r constraint.Registry) Option {
	return func(e *Engine) { e.predicates = r }
}

// WithIDGenerator replaces the plan identity generator.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New creates an Engine. The store doubles as the plan ledger.
func New(s *store.Store, src journal.Source, cons []constraint.Constraint, opts ...Option) (*Engine, error) {
	reader, err := journal.NewReader(src)
	if err != nil {
		return nil, &Error{Code: ErrCodeJournal, Message: "cannot open journal", Err: err}
	}
	for _, c := range cons {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	e := &Engine{
		store:       s,
		reader:      reader,
		constraints: append([]constraint.Constraint(nil), cons...),
		logger:      slog.Default(),
		parallelism: DefaultParallelism,
		target:      recovery.TargetMinimal,
		policy:      recovery.InDoubtOperator,
	}
	for _, opt := range opts {
		opt(e)
	}

	checkerOpts := []constraint.Option{
		constraint.WithParallelism(e.parallelism),
		constraint.WithLogger(e.logger),
	}
	if e.predicates != nil {
		checkerOpts = append(checkerOpts, constraint.WithPredicates(e.predicates))
	}
	e.checker = constraint.NewChecker(checkerOpts...)

	synthOpts := []recovery.Option{
		recovery.WithPolicy(e.policy),
		recovery.WithLedger(s),
		recovery.WithLogger(e.logger),
	}
	if e.newID != nil {
		synthOpts = append(synthOpts, recovery.WithIDGenerator(e.newID))
	}
	e.synth = recovery.NewSynthesizer(e.checker, synthOpts...)
	return e, nil
}

// Constraints returns the engine's constraint set.
func (e *Engine) Constraints() []constraint.Constraint {
	return append([]constraint.Constraint(nil), e.constraints...)
}

// ReadJournal returns a lazy, restartable sequence of journal entries with
// Seq >= fromSeq. It stops after the first error.
func (e *Engine) ReadJournal(ctx context.Context, fromSeq uint64) iter.Seq2[ir.JournalEntry, error] {
	return e.reader.Entries(ctx, fromSeq)
}

// VerifySnapshotChain verifies snaps in order. A chain whose first
// snapshot is not genesis (older snapshots were pruned) is verified from
// that snapshot's recorded parent.
func (e *Engine) VerifySnapshotChain(ctx context.Context, snaps []*merkle.Snapshot) (*merkle.ChainReport, error) {
	start := time.Now()
	opts := []merkle.ChainOption{merkle.WithParallelism(e.parallelism)}
	if len(snaps) > 0 && snaps[0].ParentHash != nil && snaps[0].Seq > 0 {
		opts = append(opts, merkle.WithAnchor(*snaps[0].ParentHash))
	}

	report, err := merkle.VerifyChain(ctx, snaps, opts...)
	metrics.ObserveChain(report, time.Since(start))
	if report != nil && report.Break != nil {
		e.logger.Warn("snapshot chain broken",
			"snapshot", report.Break.Snapshot,
			"kind", report.Break.Kind,
			"verified", len(report.Verified),
			"unverifiable", len(report.Unverifiable))
	} else if err == nil {
		e.logger.Debug("snapshot chain verified", "snapshots", len(snaps))
	}
	return report, err
}

// ProvenanceOf returns the write history of one cell, newest first, as of
// the last Load. It is empty before the first Load.
func (e *Engine) ProvenanceOf(table, key, column string) iter.Seq[provenance.Record] {
	e.mu.Lock()
	view := e.view
	e.mu.Unlock()
	if view == nil {
		return func(func(provenance.Record) bool) {}
	}
	return view.Provenance.History(table, key, column)
}

// CheckConstraints evaluates cons against v, one evaluation per
// constraint in input order.
func (e *Engine) CheckConstraints(ctx context.Context, cons []constraint.Constraint, v state.View) ([]constraint.Evaluation, error) {
	start := time.Now()
	evals, err := e.checker.Evaluate(ctx, cons, v)
	if err != nil {
		return nil, err
	}
	metrics.ObserveEvaluations(evals, time.Since(start))
	return evals, nil
}

// SynthesizeRecoveryPlan computes a plan and records it in the plan ledger.
func (e *Engine) SynthesizeRecoveryPlan(ctx context.Context, in recovery.Input) (*recovery.Plan, error) {
	start := time.Now()
	p, err := e.synth.Synthesize(ctx, in)
	metrics.ObserveSynthesis(in.Target, p, err, time.Since(start))
	return p, err
}

// ApplyAndVerify applies a proposed plan to observed, verifies the result
// and, when it is Verified, stores the sealed snapshot as the new chain
// head.
func (e *Engine) ApplyAndVerify(ctx context.Context, p *recovery.Plan, observed *state.State) (recovery.Outcome, error) {
	return e.applyAndVerify(ctx, p, observed, nil)
}

// applyAndVerify also settles tr, when given, at the new retention horizon.
func (e *Engine) applyAndVerify(ctx context.Context, p *recovery.Plan, observed *state.State, tr *provenance.Tracker) (recovery.Outcome, error) {
	var parent *merkle.Snapshot
	if p.Parent != nil {
		var err error
		if parent, err = e.store.Snapshot(ctx, p.Parent.Seq); err != nil {
			return nil, fmt.Errorf("apply %s: %w", p.ID, err)
		}
	}

	out, err := e.synth.ApplyAndVerify(ctx, p, observed, parent)
	if err != nil {
		return nil, err
	}
	metrics.ObserveOutcome(out)

	if v, ok := out.(recovery.Verified); ok {
		if err := e.clearBrokenTail(ctx, v.Snapshot); err != nil {
			return nil, fmt.Errorf("apply %s: %w", p.ID, err)
		}
		if err := e.store.WriteSnapshot(ctx, v.Snapshot); err != nil {
			return nil, fmt.Errorf("apply %s: %w", p.ID, err)
		}
		if err := e.prune(ctx, tr); err != nil {
			return nil, err
		}
		e.logger.Info("new chain head", "snapshot", v.Snapshot.ID(), "journal_seq", v.Snapshot.JournalSeq)
	}
	return out, nil
}

// prune applies the snapshot retention policy and collapses the history
// of tr, when given, below the oldest snapshot left in the store.
func (e *Engine) prune(ctx context.Context, tr *provenance.Tracker) error {
	n, err := e.store.PruneSnapshots(ctx, e.retention)
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.Info("pruned snapshots", "removed", n, "kept", e.retention)
	}
	if tr == nil {
		return nil
	}
	snaps, err := e.store.Snapshots(ctx)
	if err != nil || len(snaps) == 0 {
		return err
	}
	horizon := snaps[0].JournalSeq
	if dropped := tr.Prune(horizon); dropped > 0 {
		e.logger.Debug("pruned provenance", "horizon", horizon, "dropped", dropped)
	}
	return nil
}

// clearBrokenTail quarantines stored snapshots that occupy the position of
// a new head. They must all have failed verification: a plan built on an
// older head than the verified one is refused.
func (e *Engine) clearBrokenTail(ctx context.Context, next *merkle.Snapshot) error {
	snaps, err := e.store.Snapshots(ctx)
	if err != nil {
		return err
	}
	if len(snaps) == 0 || snaps[len(snaps)-1].Seq < next.Seq {
		return nil
	}
	report, err := e.VerifySnapshotChain(ctx, snaps)
	if err != nil && !merkle.IsMismatch(err) {
		return err
	}
	if report.Head != nil && report.Head.Seq >= next.Seq {
		return fmt.Errorf("verified head is %s; %s would replace it", report.Head.ID(), next.ID())
	}
	n, err := e.store.Quarantine(ctx, next.Seq, report.Break.Error())
	if err != nil {
		return err
	}
	e.logger.Warn("quarantined unverifiable snapshots", "from", next.ID(), "count", n)
	return nil
}
