package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
	MetricsOut string // Prometheus textfile written when the command finishes
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the formdbg CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "formdbg",
		Short: "formdbg - proof-carrying database recovery",
		Long: `Verify, explain and repair database state recorded by an append-only
journal and a hash-linked snapshot chain.

Every repair is a plan that is checked against the constraints and sealed
into the chain only when its result matches the predicted Merkle root.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVarP(&opts.ConfigFile, "config", "c", "", "config file (YAML)")
	pf.StringVar(&opts.MetricsOut, "metrics-out", "", "write Prometheus metrics to this file on exit")

	// Config-backed flags; see internal/config for defaults and env names.
	pf.String("journal", "", "journal file")
	pf.String("store", "", "SQLite snapshot and plan store")
	pf.String("schema", "", "constraint schema (.yaml or .cue)")
	pf.String("state", "", "live state dump to use as the observed state")
	pf.Int("parallelism", 0, "concurrent verification and constraint workers")
	pf.String("log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewDiagnoseCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewPlansCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewCheckpointCommand(opts))
	cmd.AddCommand(NewJournalCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}
