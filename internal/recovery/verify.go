package recovery

import (
	"context"
	"fmt"

	"github.com/roach88/formdbg/internal/constraint"
	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/merkle"
	"github.com/roach88/formdbg/internal/state"
)

// Outcome is the result of ApplyAndVerify: Verified or Rejected.
type Outcome interface {
	outcome()
}

// Verified carries the snapshot that proves the recovery.
type Verified struct {
	Plan     *Plan
	Snapshot *merkle.Snapshot
}

// Rejected explains why a plan failed verification. Err is the underlying
// integrity error when there is one (for example *merkle.MerkleMismatch).
type Rejected struct {
	Plan   *Plan
	Reason string
	Err    error
}

func (Verified) outcome() {}
func (Rejected) outcome() {}

// ApplyAndVerify applies a proposed plan to a copy of observed, re-checks
// every expected constraint, seals the result on parent and re-verifies
// the seal against the plan's predicted roots.
//
// Integrity failures are reported as Rejected; the error return is for
// failures to run the check at all.
func (s *Synthesizer) ApplyAndVerify(ctx context.Context, p *Plan, observed *state.State, parent *merkle.Snapshot) (Outcome, error) {
	if p.Status != StatusProposed {
		return nil, &InvalidTransition{PlanID: p.ID, From: p.Status, To: StatusVerified}
	}
	reject := func(reason string, cause error) (Outcome, error) {
		if err := s.ledger.Resolve(ctx, p.ID, StatusRejected, reason); err != nil {
			return nil, err
		}
		p.Status, p.Reason = StatusRejected, reason
		s.logger.Warn("recovery plan rejected", "plan", p.ID, "reason", reason)
		return Rejected{Plan: p, Reason: reason, Err: cause}, nil
	}

	switch {
	case (parent == nil) != (p.Parent == nil):
		return reject("parent snapshot does not match the plan", nil)
	case parent != nil && parent.RootHash != p.Parent.RootHash:
		return reject(fmt.Sprintf("parent snapshot %s is not the one the plan was built on", parent.ID()), nil)
	}
	if parent != nil {
		if err := merkle.Verify(parent, parent.ParentHash); err != nil {
			return reject("parent snapshot fails verification", err)
		}
	}

	base, err := merkle.ContentRoot(observed)
	if err != nil {
		return nil, err
	}
	if base != p.BaseRoot {
		return reject("state changed since the plan was computed", &merkle.MerkleMismatch{
			Snapshot: "base", Kind: merkle.MismatchContent, Expected: p.BaseRoot, Actual: base,
		})
	}

	result, err := p.Apply(observed)
	if err != nil {
		return reject(err.Error(), err)
	}
	cons := make([]constraint.Constraint, len(p.Expected))
	for i, e := range p.Expected {
		cons[i] = e.Constraint
	}
	evals, err := s.checker.Evaluate(ctx, cons, result)
	if err != nil {
		return nil, err
	}
	if bad := constraint.Unsatisfied(evals); len(bad) > 0 {
		return reject(fmt.Sprintf("constraints still violated after applying the plan: %s", names(bad)), nil)
	}

	snap, err := merkle.Seal(parent, result)
	if err != nil {
		return reject(err.Error(), err)
	}
	var expectedParent *ir.Digest
	if parent != nil {
		h := parent.RootHash
		expectedParent = &h
	}
	if err := merkle.Verify(snap, expectedParent); err != nil {
		return reject("sealed snapshot fails verification", err)
	}
	if snap.ContentRoot != p.PredictedContent {
		mm := &merkle.MerkleMismatch{Snapshot: snap.ID(), Seq: snap.Seq, Kind: merkle.MismatchContent, Expected: p.PredictedContent, Actual: snap.ContentRoot}
		return reject("result does not match the predicted content root", mm)
	}
	if snap.RootHash != p.PredictedRoot {
		mm := &merkle.MerkleMismatch{Snapshot: snap.ID(), Seq: snap.Seq, Kind: merkle.MismatchRoot, Expected: p.PredictedRoot, Actual: snap.RootHash}
		return reject("sealed root does not match the predicted root", mm)
	}

	if err := s.ledger.Resolve(ctx, p.ID, StatusVerified, ""); err != nil {
		return nil, err
	}
	p.Status = StatusVerified
	s.logger.Info("recovery plan verified", "plan", p.ID, "snapshot", snap.ID(), "root", snap.RootHash.Short())
	return Verified{Plan: p, Snapshot: snap}, nil
}
