package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/formdbg/internal/recovery"
)

// RecoverOptions holds flags for the recover command.
type RecoverOptions struct {
	*RootOptions
	DryRun bool
}

// PlanInfo describes a synthesized plan.
type PlanInfo struct {
	ID            string   `json:"id"`
	Target        string   `json:"target"`
	BaseSeq       uint64   `json:"base_seq"`
	ResultSeq     uint64   `json:"result_seq"`
	RolledBack    []uint64 `json:"rolled_back"`
	Operations    []string `json:"operations"`
	PredictedRoot string   `json:"predicted_root"`
	Digest        string   `json:"digest"`
}

// RecoverResult reports a recovery attempt.
type RecoverResult struct {
	Diagnosis DiagnoseResult `json:"diagnosis"`
	Plan      *PlanInfo      `json:"plan,omitempty"`
	// Outcome is "verified", "rejected", "proposed" (dry run),
	// "unrecoverable" or "none" (nothing to recover).
	Outcome string        `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
	Head    *SnapshotInfo `json:"head,omitempty"`
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Synthesize, apply and verify a recovery plan",
		Long: `Synthesize a recovery plan for the observed state, record it in the plan
ledger, apply it and verify the result against the predicted Merkle root.
A verified result is sealed as the new head of the snapshot chain; a
rejected plan leaves the chain untouched.

The minimal target rolls back every transaction that did not commit and
repairs remaining violations; known_good restores the content of the head
snapshot. In-doubt transactions follow --indoubt; the default refuses to
decide for the operator.

Exit codes:
  0 - Plan verified (or nothing to recover, or dry run)
  1 - No plan exists, or the plan was rejected
  2 - Command error

Examples:
  formdbg recover -c formdbg.yaml --dry-run
  formdbg recover -c formdbg.yaml --indoubt rollback
  formdbg recover -c formdbg.yaml --target known_good --keep-snapshots 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(s *session) error {
				return runRecover(s, opts)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "propose the plan without applying it")
	cmd.Flags().String("target", "", "recovery target (minimal|known_good)")
	cmd.Flags().String("indoubt", "", "in-doubt transaction policy (operator|rollback|replay)")
	cmd.Flags().Int("keep-snapshots", 0, "snapshots to keep after sealing a new head (0 keeps all)")

	return cmd
}

func runRecover(s *session, opts *RecoverOptions) error {
	if s.cfg.Recovery.Target == recovery.TargetMinimal {
		d, err := s.engine.Diagnose(s.ctx)
		if err != nil {
			return wrapEngineError("diagnose failed", err)
		}
		if d.Healthy() {
			result := RecoverResult{Diagnosis: diagnoseResult(d), Outcome: "none"}
			return s.out.Report(result, nil, func(w io.Writer) {
				fmt.Fprintf(w, "%s Healthy, nothing to recover\n", check)
			})
		}
	}

	rec, err := s.engine.Recover(s.ctx, opts.DryRun)
	if err != nil && (rec == nil || !recovery.IsUnrecoverable(err)) {
		return wrapEngineError("recover failed", err)
	}

	result := RecoverResult{Diagnosis: diagnoseResult(rec.Diagnosis)}
	var failure *CLIError
	switch out := rec.Outcome.(type) {
	case nil:
		if err != nil {
			result.Outcome = "unrecoverable"
			result.Reason = err.Error()
			failure = &CLIError{Code: ErrCodeUnrecoverable, Message: "no recovery plan exists"}
		} else {
			result.Outcome = string(recovery.StatusProposed)
		}
	case recovery.Verified:
		result.Outcome = string(recovery.StatusVerified)
		result.Head = snapshotInfo(out.Snapshot)
	case recovery.Rejected:
		result.Outcome = string(recovery.StatusRejected)
		result.Reason = out.Reason
		failure = &CLIError{Code: ErrCodeRejected, Message: "plan rejected"}
	}
	if rec.Plan != nil {
		if result.Plan, err = planInfo(rec.Plan); err != nil {
			return WrapExitError(ExitCommandError, "plan digest", err)
		}
	}

	if err := s.out.Report(result, failure, func(w io.Writer) { writeRecoverText(w, result, s.opts.Verbose) }); err != nil {
		return err
	}
	if failure != nil {
		return NewExitError(ExitIntegrity, failure.Message)
	}
	return nil
}

func planInfo(p *recovery.Plan) (*PlanInfo, error) {
	digest, err := p.Digest()
	if err != nil {
		return nil, err
	}
	ops := make([]string, len(p.Operations))
	for i, op := range p.Operations {
		ops[i] = op.String()
	}
	return &PlanInfo{
		ID:            p.ID,
		Target:        string(p.Target),
		BaseSeq:       p.BaseSeq,
		ResultSeq:     p.ResultSeq,
		RolledBack:    nonNil(p.RolledBack),
		Operations:    ops,
		PredictedRoot: p.PredictedRoot.String(),
		Digest:        digest.String(),
	}, nil
}

func writeRecoverText(w io.Writer, r RecoverResult, verbose bool) {
	if r.Plan == nil {
		fmt.Fprintf(w, "%s No recovery plan: %s\n", cross, r.Reason)
		for _, c := range r.Diagnosis.Constraints {
			if !c.Satisfied {
				fmt.Fprintf(w, "  %s\n", c.Message)
			}
		}
		return
	}

	p := r.Plan
	fmt.Fprintf(w, "Plan %s (%s): %d operation(s)", p.ID, p.Target, len(p.Operations))
	if len(p.RolledBack) > 0 {
		fmt.Fprintf(w, ", rolls back tx %s", joinIDs(p.RolledBack))
	}
	fmt.Fprintln(w)
	for _, op := range p.Operations {
		fmt.Fprintf(w, "  %s\n", op)
	}
	if verbose {
		fmt.Fprintf(w, "Journal: #%d -> #%d\n", p.BaseSeq, p.ResultSeq)
		fmt.Fprintf(w, "Predicted root: %s\n", p.PredictedRoot)
		fmt.Fprintf(w, "Plan digest: %s\n", p.Digest)
	}

	switch r.Outcome {
	case string(recovery.StatusProposed):
		fmt.Fprintf(w, "Dry run: plan %s left proposed\n", p.ID)
	case string(recovery.StatusVerified):
		fmt.Fprintf(w, "%s Verified: new head S%d at journal seq %d\n", check, r.Head.Seq, r.Head.JournalSeq)
	case string(recovery.StatusRejected):
		fmt.Fprintf(w, "%s Rejected: %s\n", cross, r.Reason)
	}
}
