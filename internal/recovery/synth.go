package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/formdbg/internal/constraint"
	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/journal"
	"github.com/roach88/formdbg/internal/merkle"
	"github.com/roach88/formdbg/internal/provenance"
	"github.com/roach88/formdbg/internal/state"
)

// Input is everything a synthesis run reads. Nothing in it is modified.
type Input struct {
	// State is the observed, possibly violating state. Its watermark says
	// how far into the journal it reflects.
	State *state.State
	// Constraints are evaluated against State and every candidate.
	Constraints []constraint.Constraint
	// Provenance must have been built from the same entries as State.
	Provenance *provenance.Tracker
	// Journal is the readable journal, in order. Entries beyond the
	// watermark are replay candidates.
	Journal []ir.JournalEntry
	// Transactions is derived from Journal when nil.
	Transactions *journal.Ledger
	// Parent is the last verified snapshot; the plan's result is sealed on
	// it. Nil means the result will be a genesis snapshot.
	Parent *merkle.Snapshot
	Target Target
}

// Synthesizer computes recovery plans.
type Synthesizer struct {
	checker   *constraint.Checker
	policy    InDoubtPolicy
	ledger    Ledger
	logger    *slog.Logger
	newID     func() string
	maxRounds int
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithPolicy sets the in-doubt transaction policy.
func WithPolicy(p InDoubtPolicy) Option {
	return func(s *Synthesizer) { s.policy = p }
}

// WithLedger sets the plan ledger.
func WithLedger(l Ledger) Option {
	return func(s *Synthesizer) { s.ledger = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synthesizer) { s.logger = l }
}

// WithIDGenerator replaces the plan identity generator (uuid v4).
func WithIDGenerator(fn func() string) Option {
	return func(s *Synthesizer) { s.newID = fn }
}

// WithMaxRounds bounds the worklist iterations.
func WithMaxRounds(n int) Option {
	return func(s *Synthesizer) { s.maxRounds = n }
}

// NewSynthesizer creates a Synthesizer. The default policy is
// InDoubtOperator.
func NewSynthesizer(checker *constraint.Checker, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		checker:   checker,
		policy:    InDoubtOperator,
		ledger:    NewMemoryLedger(),
		logger:    slog.Default(),
		newID:     uuid.NewString,
		maxRounds: 64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the configured in-doubt policy.
func (s *Synthesizer) Policy() InDoubtPolicy {
	return s.policy
}

// run holds the per-synthesis working set.
type run struct {
	s          *Synthesizer
	in         Input
	txs        *journal.Ledger
	watermark  uint64
	settled    uint64
	rolledBack map[uint64]bool
}

// Synthesize computes a plan for in. It returns *UnrecoverablePlan when no
// plan satisfies every constraint; no partial plan is emitted.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) (*Plan, error) {
	if in.State == nil || in.Provenance == nil {
		return nil, fmt.Errorf("synthesize: state and provenance are required")
	}
	if in.Target == "" {
		in.Target = TargetMinimal
	}
	if in.Parent != nil && in.State.Applied() < in.Parent.JournalSeq {
		return nil, fmt.Errorf("synthesize: state at #%d is behind parent %s at #%d",
			in.State.Applied(), in.Parent.ID(), in.Parent.JournalSeq)
	}
	txs := in.Transactions
	if txs == nil {
		var err error
		if txs, err = journal.BuildLedger(in.Journal); err != nil {
			return nil, fmt.Errorf("synthesize: %w", err)
		}
	}
	r := &run{
		s:          s,
		in:         in,
		txs:        txs,
		watermark:  in.State.Applied(),
		settled:    settledAt(in),
		rolledBack: make(map[uint64]bool),
	}

	var (
		plan *Plan
		err  error
	)
	switch in.Target {
	case TargetMinimal:
		plan, err = r.minimal(ctx)
	case TargetKnownGood:
		plan, err = r.knownGood(ctx)
	default:
		return nil, fmt.Errorf("synthesize: unknown target %q", in.Target)
	}
	if err != nil {
		if IsUnrecoverable(err) {
			s.logger.Warn("no recovery plan", "target", in.Target, "error", err)
		}
		return nil, err
	}
	if err := s.ledger.Propose(ctx, plan); err != nil {
		return nil, err
	}
	s.logger.Info("recovery plan proposed",
		"plan", plan.ID,
		"target", plan.Target,
		"operations", len(plan.Operations),
		"rolled_back", plan.RolledBack,
		"predicted_root", plan.PredictedRoot.Short())
	return plan, nil
}

// settledAt returns the journal position the parent snapshot sealed, or
// the provenance horizon when history was collapsed past it.
func settledAt(in Input) uint64 {
	settled := in.Provenance.Horizon()
	if in.Parent != nil {
		settled = max(settled, in.Parent.JournalSeq)
	}
	return settled
}

// committed reports whether tx's writes should survive, applying the
// in-doubt policy.
func (r *run) committed(tx uint64) (bool, error) {
	switch r.txs.Status(tx) {
	case ir.TxCommitted:
		return true, nil
	case ir.TxInDoubt:
		switch r.s.policy {
		case InDoubtReplay:
			return true, nil
		case InDoubtRollback:
			return false, nil
		default:
			return false, &UnrecoverablePlan{
				Reason: fmt.Sprintf("transaction %d is in doubt and the policy requires an operator decision (rollback or replay)", tx),
				TxID:   tx,
			}
		}
	default:
		return false, nil
	}
}

// elided reports whether a provenance record belongs to a rolled-back
// transaction.
func (r *run) elided(rec provenance.Record) bool {
	return !rec.Baseline && r.rolledBack[rec.TxID]
}

// rollbackOps undoes every applied entry of every transaction that did not
// commit. Entries at or below the settled position are history a snapshot
// already sealed and are left alone.
func (r *run) rollbackOps() ([]Operation, error) {
	var undo []ir.JournalEntry
	for _, e := range r.in.Journal {
		if !e.Op.IsData() || e.Seq <= r.settled || e.Seq > r.watermark {
			continue
		}
		ok, err := r.committed(e.TxID)
		if err != nil {
			return nil, err
		}
		if !ok {
			undo = append(undo, e)
			r.rolledBack[e.TxID] = true
		}
	}

	prov := r.in.Provenance
	restored := make(map[ir.CellRef]bool)
	var ops []Operation
	for i := len(undo) - 1; i >= 0; i-- {
		e := undo[i]
		patches := make(map[ir.RowRef]ir.Object)
		for _, rec := range prov.At(e.Seq) {
			if restored[rec.Cell] {
				continue
			}
			restored[rec.Cell] = true
			if latest, ok := prov.Latest(rec.Cell); !ok || !r.elided(latest) {
				continue
			}
			var v ir.Value = ir.Null{}
			if survivor, ok := prov.Resolve(rec.Cell, r.elided); ok && !survivor.Removed() {
				v = survivor.Value
			}
			ref := rec.Cell.Row()
			if patches[ref] == nil {
				patches[ref] = ir.Object{}
			}
			patches[ref][rec.Cell.Column] = v
		}
		for _, ref := range slices.SortedFunc(maps.Keys(patches), compareRefs) {
			ops = append(ops, Operation{
				Kind: KindRollback, Seq: e.Seq, TxID: e.TxID,
				Table: ref.Table, Key: ref.Key, Action: ActionPatch, Row: patches[ref],
			})
		}
	}
	return ops, nil
}

// redo converts a journal entry into a replay operation.
func redo(e ir.JournalEntry) Operation {
	op := Operation{Kind: KindReplay, Seq: e.Seq, TxID: e.TxID, Table: e.Table, Key: e.Key}
	switch e.Op {
	case ir.OpInsert:
		op.Action, op.Row = ActionPut, e.Row.Normalize()
	case ir.OpUpdate:
		op.Action, op.Row = ActionPatch, e.Row.Clone()
	case ir.OpDelete:
		op.Action = ActionDelete
	case ir.OpTruncate:
		op.Action = ActionTruncate
	}
	return op
}

// replayOps returns the committed entries in (watermark, upTo].
func (r *run) replayOps(upTo uint64) ([]Operation, error) {
	var ops []Operation
	for _, e := range r.in.Journal {
		if !e.Op.IsData() || e.Seq <= r.watermark || e.Seq > upTo {
			continue
		}
		ok, err := r.committed(e.TxID)
		if err != nil {
			return nil, err
		}
		if ok {
			ops = append(ops, redo(e))
		}
	}
	return ops, nil
}

// nextTouch finds the first committed entry after `after` (and after the
// watermark) that writes ref.
func (r *run) nextTouch(ref ir.RowRef, after uint64) (uint64, bool, error) {
	for _, e := range r.in.Journal {
		if !e.Op.IsData() || e.Seq <= r.watermark || e.Seq <= after || e.Table != ref.Table {
			continue
		}
		if e.Op != ir.OpTruncate && e.Key != ref.Key {
			continue
		}
		ok, err := r.committed(e.TxID)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return e.Seq, true, nil
		}
	}
	return 0, false, nil
}

// parentCreator finds the first committed entry after `after` that writes a
// row of the referenced table carrying the dangling values.
func (r *run) parentCreator(con constraint.Constraint, values ir.Array, after uint64) (uint64, bool, error) {
	for _, e := range r.in.Journal {
		if e.Seq <= r.watermark || e.Seq <= after || e.Table != con.RefTable {
			continue
		}
		if e.Op != ir.OpInsert && e.Op != ir.OpUpdate {
			continue
		}
		if !matches(e.Row, con.RefColumns, values) {
			continue
		}
		ok, err := r.committed(e.TxID)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return e.Seq, true, nil
		}
	}
	return 0, false, nil
}

// forwardDelete proposes deleting a dangling child when its parent was
// removed by a committed transaction after the child was last written.
func (r *run) forwardDelete(con constraint.Constraint, t constraint.Tuple, hyp *state.State) (Operation, bool, error) {
	prov := r.in.Provenance
	child := ir.RowRef{Table: con.Table, Key: t.Key}
	childLast, childKnown := prov.RowLatest(child)
	for _, key := range prov.Rows(con.RefTable) {
		ref := ir.RowRef{Table: con.RefTable, Key: key}
		if _, present := hyp.Row(ref.Table, ref.Key); present {
			continue
		}
		img, live, ok := prov.LastLive(ref)
		if !ok || live || !matches(img, con.RefColumns, t.Values) {
			continue
		}
		removal, ok := prov.RowLatest(ref)
		if !ok || !removal.Removed() {
			continue
		}
		committed, err := r.committed(removal.TxID)
		if err != nil {
			return Operation{}, false, err
		}
		if !committed || (childKnown && childLast.Seq > removal.Seq) {
			continue
		}
		return Operation{
			Kind: KindForward, Seq: removal.Seq, TxID: removal.TxID,
			Table: child.Table, Key: child.Key, Action: ActionDelete,
		}, true, nil
	}
	return Operation{}, false, nil
}

func matches(row ir.Object, cols []string, values ir.Array) bool {
	if len(cols) != len(values) {
		return false
	}
	for i, col := range cols {
		v, ok := row[col]
		if !ok || !ir.Equal(v, values[i]) {
			return false
		}
	}
	return true
}

// assemble orders the operations and applies them to a clone of the
// observed state.
func (r *run) assemble(rollback []Operation, replayTo uint64, forward map[ir.RowRef]Operation) ([]Operation, *state.State, error) {
	redoOps, err := r.replayOps(replayTo)
	if err != nil {
		return nil, nil, err
	}
	for _, op := range forward {
		redoOps = append(redoOps, op)
	}
	slices.SortStableFunc(redoOps, compareRedo)

	ops := make([]Operation, 0, len(rollback)+len(redoOps))
	ops = append(ops, rollback...)
	ops = append(ops, redoOps...)

	hyp := r.in.State.Clone()
	if err := applyOps(hyp, ops); err != nil {
		return nil, nil, err
	}
	hyp.SetApplied(max(r.watermark, replayTo))
	return ops, hyp, nil
}

// minimal runs the worklist: undo everything uncommitted, then add replays
// and forward corrections until the hypothetical state is clean.
func (r *run) minimal(ctx context.Context) (*Plan, error) {
	rollback, err := r.rollbackOps()
	if err != nil {
		return nil, err
	}
	replayTo := r.watermark
	forward := make(map[ir.RowRef]Operation)

	var bad []constraint.Evaluation
	for round := 1; round <= r.s.maxRounds; round++ {
		ops, hyp, err := r.assemble(rollback, replayTo, forward)
		if err != nil {
			return nil, err
		}
		evals, err := r.s.checker.Evaluate(ctx, r.in.Constraints, hyp)
		if err != nil {
			return nil, fmt.Errorf("synthesize round %d: %w", round, err)
		}
		bad = constraint.Unsatisfied(evals)
		if len(bad) == 0 {
			r.s.logger.Debug("worklist settled", "rounds", round, "replay_to", replayTo, "forward", len(forward))
			return r.finish(ops, hyp, evals)
		}

		base, progress := replayTo, false
		advance := func(seq uint64) {
			if seq > replayTo {
				replayTo = seq
			}
			progress = true
		}
		for _, ev := range bad {
			var handled map[string]bool
			if ev.Constraint.Kind == constraint.ForeignKey {
				handled = make(map[string]bool)
				for _, t := range ev.Violation.Tuples {
					seq, ok, err := r.parentCreator(ev.Constraint, t.Values, base)
					if err != nil {
						return nil, err
					}
					if ok {
						advance(seq)
						handled[t.Key] = true
						continue
					}
					if seq, ok, err = r.nextTouch(ir.RowRef{Table: ev.Constraint.Table, Key: t.Key}, base); err != nil {
						return nil, err
					} else if ok {
						advance(seq)
						handled[t.Key] = true
						continue
					}
					op, ok, err := r.forwardDelete(ev.Constraint, t, hyp)
					if err != nil {
						return nil, err
					}
					child := ir.RowRef{Table: ev.Constraint.Table, Key: t.Key}
					if _, dup := forward[child]; ok && !dup {
						forward[child] = op
						progress = true
					}
					handled[t.Key] = true
				}
			}
			for _, ref := range ev.Refs() {
				if handled[ref.Key] {
					continue
				}
				seq, ok, err := r.nextTouch(ref, base)
				if err != nil {
					return nil, err
				}
				if ok {
					advance(seq)
				}
			}
		}
		if !progress {
			return nil, &UnrecoverablePlan{
				Reason:     fmt.Sprintf("no rollback, replay or forward correction resolves %s", names(bad)),
				Violations: bad,
			}
		}
	}
	return nil, &UnrecoverablePlan{
		Reason:     fmt.Sprintf("worklist did not settle after %d rounds", r.s.maxRounds),
		Violations: bad,
	}
}

// knownGood restores the content of the parent snapshot.
func (r *run) knownGood(ctx context.Context) (*Plan, error) {
	parent := r.in.Parent
	if parent == nil {
		return nil, &UnrecoverablePlan{Reason: "no verified snapshot to restore"}
	}
	for _, e := range r.in.Journal {
		if e.Op.IsData() && e.Seq > parent.JournalSeq && e.Seq <= r.watermark {
			r.rolledBack[e.TxID] = true
		}
	}

	var ops []Operation
	for _, ref := range state.Diff(r.in.State, parent.State) {
		op := Operation{Kind: KindRollback, Table: ref.Table, Key: ref.Key, Action: ActionDelete}
		if row, ok := parent.State.Row(ref.Table, ref.Key); ok {
			op.Action, op.Row = ActionPut, row.Clone()
		}
		if rec, ok := r.in.Provenance.RowLatest(ref); ok && rec.Seq > parent.JournalSeq {
			op.Seq, op.TxID = rec.Seq, rec.TxID
		}
		ops = append(ops, op)
	}
	slices.SortStableFunc(ops, func(a, b Operation) int {
		if a.Seq != b.Seq {
			if a.Seq > b.Seq {
				return -1
			}
			return 1
		}
		return compareRefs(ir.RowRef{Table: a.Table, Key: a.Key}, ir.RowRef{Table: b.Table, Key: b.Key})
	})

	hyp := r.in.State.Clone()
	if err := applyOps(hyp, ops); err != nil {
		return nil, err
	}
	evals, err := r.s.checker.Evaluate(ctx, r.in.Constraints, hyp)
	if err != nil {
		return nil, fmt.Errorf("synthesize known-good: %w", err)
	}
	if bad := constraint.Unsatisfied(evals); len(bad) > 0 {
		return nil, &UnrecoverablePlan{
			Reason:     fmt.Sprintf("last verified snapshot %s itself violates %s", parent.ID(), names(bad)),
			Violations: bad,
		}
	}
	return r.finish(ops, hyp, evals)
}

// finish seals the prediction into a plan.
func (r *run) finish(ops []Operation, hyp *state.State, evals []constraint.Evaluation) (*Plan, error) {
	base, err := merkle.ContentRoot(r.in.State)
	if err != nil {
		return nil, err
	}
	content, err := merkle.ContentRoot(hyp)
	if err != nil {
		return nil, err
	}
	var (
		parentRef  *SnapshotRef
		parentHash *ir.Digest
		seq        uint64
	)
	if p := r.in.Parent; p != nil {
		parentRef = &SnapshotRef{Seq: p.Seq, RootHash: p.RootHash}
		h := p.RootHash
		parentHash = &h
		seq = p.Seq + 1
	}
	if ops == nil {
		ops = []Operation{}
	}
	rolledBack := slices.Sorted(maps.Keys(r.rolledBack))
	if rolledBack == nil {
		rolledBack = []uint64{}
	}
	return &Plan{
		ID:               r.s.newID(),
		Status:           StatusProposed,
		Target:           r.in.Target,
		Parent:           parentRef,
		BaseRoot:         base,
		BaseSeq:          r.watermark,
		ResultSeq:        hyp.Applied(),
		PredictedContent: content,
		PredictedRoot:    merkle.RootHash(parentHash, content, seq, hyp.Applied()),
		RolledBack:       rolledBack,
		Operations:       ops,
		Expected:         evals,
	}, nil
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

// compareRedo orders replay and forward operations by the journal entry
// they reference; a replay precedes a forward correction at the same seq.
func compareRedo(a, b Operation) int {
	if a.Seq != b.Seq {
		if a.Seq < b.Seq {
			return -1
		}
		return 1
	}
	if a.Kind != b.Kind {
		if a.Kind == KindReplay {
			return -1
		}
		return 1
	}
	return compareRefs(ir.RowRef{Table: a.Table, Key: a.Key}, ir.RowRef{Table: b.Table, Key: b.Key})
}

func names(evals []constraint.Evaluation) string {
	out := make([]string, len(evals))
	for i, e := range evals {
		out[i] = e.Constraint.Name
	}
	return strings.Join(out, ", ")
}
