package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/formdbg/internal/engine"
)

// DiagnoseResult is the health report of the database.
type DiagnoseResult struct {
	Healthy     bool               `json:"healthy"`
	Journal     JournalInfo        `json:"journal"`
	Head        *SnapshotInfo      `json:"head,omitempty"`
	ChainBreak  string             `json:"chain_break,omitempty"`
	ObservedSeq uint64             `json:"observed_seq"`
	Constraints []ConstraintResult `json:"constraints"`
	InDoubt     []TxInfo           `json:"in_doubt"`
	Uncommitted []TxInfo           `json:"uncommitted"`
}

func diagnoseResult(d *engine.Diagnosis) DiagnoseResult {
	r := DiagnoseResult{
		Healthy:     d.Healthy(),
		Journal:     journalInfo(d.View),
		Head:        snapshotInfo(d.View.Head),
		ObservedSeq: d.View.State.Applied(),
		Constraints: constraintResults(d.Evaluations),
		InDoubt:     txInfos(d.InDoubt),
		Uncommitted: txInfos(d.Uncommitted),
	}
	if d.View.ChainBroken() {
		r.ChainBreak = d.View.Chain.Break.Error()
	}
	return r
}

// NewDiagnoseCommand creates the diagnose command.
func NewDiagnoseCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Check constraints and list transactions a recovery would undo",
		Long: `Load the observed state (the latest verified snapshot plus every readable
journal entry after it), evaluate every constraint of the schema, and list
aborted, unfinished and in-doubt transactions written after the head.

Exit codes:
  0 - Healthy
  1 - Recovery needed
  2 - Command error

Examples:
  formdbg diagnose --journal ./db.fdbj --schema ./schema.yaml
  formdbg diagnose -c formdbg.yaml --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, runDiagnose)
		},
	}
}

func runDiagnose(s *session) error {
	d, err := s.engine.Diagnose(s.ctx)
	if err != nil {
		return wrapEngineError("diagnose failed", err)
	}
	result := diagnoseResult(d)

	var failure *CLIError
	if !result.Healthy {
		failure = &CLIError{Code: ErrCodeUnhealthy, Message: "recovery needed"}
	}
	if err := s.out.Report(result, failure, func(w io.Writer) { writeDiagnoseText(w, result) }); err != nil {
		return err
	}
	if failure != nil {
		return NewExitError(ExitIntegrity, failure.Message)
	}
	return nil
}

func writeDiagnoseText(w io.Writer, r DiagnoseResult) {
	writeJournalLine(w, r.Journal)
	writeHeadLine(w, r.Head, false)
	fmt.Fprintf(w, "Observed state: journal seq %d\n", r.ObservedSeq)
	if r.Journal.Damage != "" {
		fmt.Fprintf(w, "%s Journal damaged: %s\n", cross, r.Journal.Damage)
	}
	if r.ChainBreak != "" {
		fmt.Fprintf(w, "%s Chain broken: %s\n", cross, r.ChainBreak)
	}

	violated := 0
	for _, c := range r.Constraints {
		if !c.Satisfied {
			violated++
		}
	}
	fmt.Fprintf(w, "Constraints: %d checked, %d violated\n", len(r.Constraints), violated)
	for _, c := range r.Constraints {
		if c.Satisfied {
			fmt.Fprintf(w, "  %s %s\n", check, c.Name)
		} else {
			fmt.Fprintf(w, "  %s %s: %s\n", cross, c.Name, c.Message)
		}
	}

	writeTxs(w, "In-doubt transactions", r.InDoubt)
	writeTxs(w, "Uncommitted transactions", r.Uncommitted)

	if r.Healthy {
		fmt.Fprintf(w, "%s Healthy\n", check)
	} else {
		fmt.Fprintf(w, "%s Recovery needed\n", cross)
	}
}
