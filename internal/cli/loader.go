package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/formdbg/internal/config"
	"github.com/roach88/formdbg/internal/constraint"
	"github.com/roach88/formdbg/internal/engine"
	"github.com/roach88/formdbg/internal/journal"
	"github.com/roach88/formdbg/internal/metrics"
	"github.com/roach88/formdbg/internal/state"
	"github.com/roach88/formdbg/internal/store"
)

// newPlanID overrides plan identities when set. Tests use it for stable
// golden output.
var newPlanID func() string

// session is everything a command needs: configuration, the opened
// journal and store, and an engine over them.
type session struct {
	ctx     context.Context
	cfg     config.Config
	opts    *RootOptions
	out     *OutputFormatter
	logger  *slog.Logger
	journal *journal.FileSource
	store   *store.Store
	engine  *engine.Engine
}

// openSession resolves configuration from the command's flags and opens
// the engine. The caller must Close the session.
func openSession(cmd *cobra.Command, opts *RootOptions) (*session, error) {
	cfg, err := config.Load(opts.ConfigFile, cmd.Flags())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if cfg.Journal == "" {
		return nil, NewExitError(ExitCommandError, "no journal: set --journal or journal in the config file")
	}

	level, _ := cfg.Level()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	s := &session{
		ctx:  cmd.Context(),
		cfg:  cfg,
		opts: opts,
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
		logger: slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})),
	}

	cons, err := loadConstraints(cfg.Schema)
	if err != nil {
		return nil, err
	}
	engineOpts := []engine.Option{
		engine.WithLogger(s.logger),
		engine.WithParallelism(cfg.Parallelism),
		engine.WithPolicy(cfg.Recovery.InDoubt),
		engine.WithTarget(cfg.Recovery.Target),
		engine.WithRetention(cfg.Retention.Snapshots),
	}
	if cfg.State != "" {
		observed, err := loadState(cfg.State)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, engine.WithObservedState(observed))
	}
	if newPlanID != nil {
		engineOpts = append(engineOpts, engine.WithIDGenerator(newPlanID))
	}

	if s.journal, err = journal.OpenFile(cfg.Journal); err != nil {
		return nil, WrapExitError(ExitCommandError, "cannot open journal", err)
	}
	if s.store, err = store.Open(cfg.Store); err != nil {
		s.journal.Close()
		return nil, WrapExitError(ExitCommandError, "cannot open store", err)
	}
	if s.engine, err = engine.New(s.store, s.journal, cons, engineOpts...); err != nil {
		s.Close()
		return nil, wrapEngineError("cannot start engine", err)
	}
	s.out.VerboseLog("journal %s, store %s, %d constraint(s)", cfg.Journal, cfg.Store, len(cons))
	return s, nil
}

func loadConstraints(path string) ([]constraint.Constraint, error) {
	if path == "" {
		return nil, nil
	}
	cons, err := constraint.LoadSchema(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "cannot load schema", err)
	}
	return cons, nil
}

func loadState(path string) (*state.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "cannot read state dump", err)
	}
	st, err := state.Decode(data)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid state dump", err)
	}
	return st, nil
}

// Close releases the journal and store and writes the metrics file.
func (s *session) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	if s.opts.MetricsOut != "" {
		if err := metrics.WriteTextfile(s.opts.MetricsOut); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}

// run opens a session, runs fn and closes the session. A close failure is
// reported only when fn succeeded.
func run(cmd *cobra.Command, opts *RootOptions, fn func(s *session) error) error {
	s, err := openSession(cmd, opts)
	if err != nil {
		return err
	}
	err = fn(s)
	if closeErr := s.Close(); closeErr != nil && err == nil {
		return WrapExitError(ExitCommandError, "close", closeErr)
	}
	return err
}

// check and cross mark pass/fail lines in text output.
const (
	check = "✓"
	cross = "✗"
)

func mark(ok bool) string {
	if ok {
		return check
	}
	return cross
}
