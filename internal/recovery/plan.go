package recovery

import (
	"fmt"

	"github.com/roach88/formdbg/internal/constraint"
	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/state"
)

// Status is the lifecycle state of a plan.
type Status string

const (
	StatusProposed Status = "proposed"
	StatusVerified Status = "verified"
	StatusRejected Status = "rejected"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusRejected
}

// Target is the state a plan aims for.
type Target string

const (
	// TargetMinimal keeps the latest state and applies only the corrections
	// needed to satisfy every constraint.
	TargetMinimal Target = "minimal"
	// TargetKnownGood restores the content of the last verified snapshot.
	TargetKnownGood Target = "known_good"
)

// ParseTarget parses a target name.
func ParseTarget(s string) (Target, error) {
	switch Target(s) {
	case TargetMinimal, TargetKnownGood:
		return Target(s), nil
	}
	return "", fmt.Errorf("unknown recovery target %q (want %s or %s)", s, TargetMinimal, TargetKnownGood)
}

// Kind classifies an operation.
type Kind string

const (
	KindRollback Kind = "rollback"
	KindReplay   Kind = "replay"
	KindForward  Kind = "forward"
)

// Action is what an operation does to its row.
type Action string

const (
	ActionPut      Action = "put"      // Replace the row with Row
	ActionPatch    Action = "patch"    // Merge Row; Null removes a column
	ActionDelete   Action = "delete"   // Remove the row
	ActionTruncate Action = "truncate" // Remove every row of Table
)

// Operation is one corrective step. Seq and TxID reference the journal
// entry the step undoes or redoes.
type Operation struct {
	Kind   Kind      `json:"kind"`
	Seq    uint64    `json:"seq"`
	TxID   uint64    `json:"tx"`
	Table  string    `json:"table"`
	Key    string    `json:"key,omitempty"`
	Action Action    `json:"action"`
	Row    ir.Object `json:"row,omitempty"`
}

func (o Operation) String() string {
	target := o.Table
	if o.Key != "" {
		target += "/" + o.Key
	}
	return fmt.Sprintf("%s #%d tx=%d %s %s", o.Kind, o.Seq, o.TxID, o.Action, target)
}

// Apply performs the operation on s.
func (o Operation) Apply(s *state.State) error {
	switch o.Action {
	case ActionPut:
		s.Put(o.Table, o.Key, o.Row)
	case ActionPatch:
		s.Merge(o.Table, o.Key, o.Row)
	case ActionDelete:
		s.Delete(o.Table, o.Key)
	case ActionTruncate:
		for _, k := range s.Keys(o.Table) {
			s.Delete(o.Table, k)
		}
	default:
		return fmt.Errorf("operation %s: unknown action", o)
	}
	return nil
}

func (o Operation) toObject() ir.Object {
	obj := ir.Object{
		"kind":   ir.String(o.Kind),
		"seq":    ir.Int(o.Seq),
		"tx":     ir.Int(o.TxID),
		"table":  ir.String(o.Table),
		"key":    ir.String(o.Key),
		"action": ir.String(o.Action),
	}
	if o.Row != nil {
		obj["row"] = o.Row
	}
	return obj
}

// SnapshotRef identifies a snapshot without owning it.
type SnapshotRef struct {
	Seq      uint64    `json:"seq"`
	RootHash ir.Digest `json:"root_hash"`
}

// Plan is a proposed recovery. It references the journal and snapshots by
// sequence number and hash only.
type Plan struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Target Target `json:"target"`
	Reason string `json:"reason,omitempty"` // Why the plan was rejected

	Parent   *SnapshotRef `json:"parent"`    // Snapshot the result is sealed on; nil for genesis
	BaseRoot ir.Digest    `json:"base_root"` // Content root of the state the plan was computed against
	BaseSeq  uint64       `json:"base_seq"`  // Watermark of that state

	ResultSeq        uint64    `json:"result_seq"` // Watermark after applying the plan
	PredictedContent ir.Digest `json:"predicted_content"`
	PredictedRoot    ir.Digest `json:"predicted_root"` // Root of the snapshot the plan seals

	RolledBack []uint64                `json:"rolled_back"` // Transactions undone, ascending
	Operations []Operation             `json:"operations"`
	Expected   []constraint.Evaluation `json:"expected"`
}

// Digest hashes the plan's identity and content. The status and rejection
// reason are not part of it.
func (p *Plan) Digest() (ir.Digest, error) {
	ops := make(ir.Array, len(p.Operations))
	for i, op := range p.Operations {
		ops[i] = op.toObject()
	}
	parent := ir.Value(ir.Null{})
	if p.Parent != nil {
		parent = ir.Object{"seq": ir.Int(p.Parent.Seq), "root": ir.String(p.Parent.RootHash.String())}
	}
	body := ir.Object{
		"id":                ir.String(p.ID),
		"target":            ir.String(p.Target),
		"parent":            parent,
		"base_root":         ir.String(p.BaseRoot.String()),
		"base_seq":          ir.Int(p.BaseSeq),
		"result_seq":        ir.Int(p.ResultSeq),
		"predicted_content": ir.String(p.PredictedContent.String()),
		"predicted_root":    ir.String(p.PredictedRoot.String()),
		"operations":        ops,
	}
	data, err := ir.MarshalCanonical(body)
	if err != nil {
		return ir.Digest{}, fmt.Errorf("plan %s digest: %w", p.ID, err)
	}
	return ir.HashWithDomain(ir.DomainPlan, data), nil
}

// Apply applies the plan's operations, in order, to a clone of s and sets
// the clone's watermark to ResultSeq.
func (p *Plan) Apply(s *state.State) (*state.State, error) {
	out := s.Clone()
	if err := applyOps(out, p.Operations); err != nil {
		return nil, fmt.Errorf("plan %s: %w", p.ID, err)
	}
	out.SetApplied(p.ResultSeq)
	return out, nil
}

func applyOps(s *state.State, ops []Operation) error {
	for _, op := range ops {
		if err := op.Apply(s); err != nil {
			return err
		}
	}
	return nil
}

// Counts returns the number of operations of each kind.
func (p *Plan) Counts() map[Kind]int {
	out := make(map[Kind]int)
	for _, op := range p.Operations {
		out[op.Kind]++
	}
	return out
}

// Summary is the hash-free view of a plan used for display and golden
// comparisons.
func (p *Plan) Summary() ir.Object {
	ops := make(ir.Array, len(p.Operations))
	for i, op := range p.Operations {
		ops[i] = op.toObject()
	}
	rolledBack := make(ir.Array, len(p.RolledBack))
	for i, tx := range p.RolledBack {
		rolledBack[i] = ir.Int(tx)
	}
	expected := make(ir.Array, len(p.Expected))
	for i, e := range p.Expected {
		expected[i] = ir.Object{"constraint": ir.String(e.Constraint.Name), "satisfied": ir.Bool(e.Satisfied)}
	}
	return ir.Object{
		"id":          ir.String(p.ID),
		"target":      ir.String(p.Target),
		"base_seq":    ir.Int(p.BaseSeq),
		"result_seq":  ir.Int(p.ResultSeq),
		"rolled_back": rolledBack,
		"operations":  ops,
		"expected":    expected,
	}
}
