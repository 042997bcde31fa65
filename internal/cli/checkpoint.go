package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/formdbg/internal/engine"
)

// NewCheckpointCommand creates the checkpoint command.
func NewCheckpointCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Seal the observed state as a new snapshot",
		Long: `Seal the observed state on top of the chain head. Writes up to the new
snapshot become settled history: later recoveries never roll them back.
A database that needs recovery is refused.

Exit codes:
  0 - Sealed, or the head already covers the journal
  1 - Refused: the database is not healthy
  2 - Command error

Examples:
  formdbg checkpoint -c formdbg.yaml
  formdbg checkpoint -c formdbg.yaml --keep-snapshots 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, runCheckpoint)
		},
	}

	cmd.Flags().Int("keep-snapshots", 0, "snapshots to keep after sealing (0 keeps all)")

	return cmd
}

func runCheckpoint(s *session) error {
	snap, err := s.engine.Checkpoint(s.ctx)
	if err != nil {
		if engine.HasCode(err, engine.ErrCodeUnhealthy) {
			failure := &CLIError{Code: ErrCodeUnhealthy, Message: err.Error()}
			if err := s.out.Report(nil, failure, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", cross, err)
			}); err != nil {
				return err
			}
			return WrapExitError(ExitIntegrity, "checkpoint refused", err)
		}
		return wrapEngineError("checkpoint failed", err)
	}

	info := snapshotInfo(snap)
	return s.out.Report(info, nil, func(w io.Writer) {
		fmt.Fprintf(w, "%s Chain head S%d at journal seq %d (root %s)\n", check, info.Seq, info.JournalSeq, snap.RootHash.Short())
	})
}
