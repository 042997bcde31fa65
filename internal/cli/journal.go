package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/formdbg/internal/ir"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
	From uint64
}

// JournalResult lists journal entries and, when reading stopped early,
// why.
type JournalResult struct {
	Entries   []ir.JournalEntry `json:"entries"`
	StoppedBy string            `json:"stopped_by,omitempty"`
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print journal entries in order",
		Long: `Print journal entries from --from onward, in sequence order. Reading
stops at the first damaged or out-of-order frame.

Exit codes:
  0 - The journal was read to its end
  1 - Reading stopped at a damaged frame
  2 - Command error

Examples:
  formdbg journal --journal ./db.fdbj
  formdbg journal --journal ./db.fdbj --from 120 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(s *session) error {
				return runJournal(s, opts)
			})
		},
	}

	cmd.Flags().Uint64Var(&opts.From, "from", 0, "first sequence number to print")

	return cmd
}

func runJournal(s *session, opts *JournalOptions) error {
	result := JournalResult{Entries: []ir.JournalEntry{}}
	var stopErr error
	for e, err := range s.engine.ReadJournal(s.ctx, opts.From) {
		if err != nil {
			stopErr = err
			break
		}
		result.Entries = append(result.Entries, e)
	}
	if stopErr != nil {
		if s.ctx.Err() != nil {
			return WrapExitError(ExitCommandError, "journal read cancelled", stopErr)
		}
		result.StoppedBy = stopErr.Error()
	}

	var failure *CLIError
	if stopErr != nil {
		failure = &CLIError{Code: ErrCodeIntegrity, Message: "journal damaged"}
	}
	if err := s.out.Report(result, failure, func(w io.Writer) {
		for _, e := range result.Entries {
			if e.Row != nil {
				row, _ := ir.MarshalCanonical(e.Row)
				fmt.Fprintf(w, "%s %s\n", e, row)
				continue
			}
			fmt.Fprintln(w, e)
		}
		if result.StoppedBy != "" {
			fmt.Fprintf(w, "%s Stopped: %s\n", cross, result.StoppedBy)
		}
	}); err != nil {
		return err
	}
	if failure != nil {
		return WrapExitError(ExitIntegrity, failure.Message, stopErr)
	}
	return nil
}
