package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/recovery"
)

// WriteInfo is one write in a cell's history.
type WriteInfo struct {
	Seq      uint64          `json:"seq"`
	TxID     uint64          `json:"tx"`
	TxStatus string          `json:"tx_status,omitempty"`
	Op       string          `json:"op"`
	Value    json.RawMessage `json:"value"` // null when the write removed the cell
	Baseline bool            `json:"baseline,omitempty"`
}

// HistoryResult is the provenance of one cell, newest first.
type HistoryResult struct {
	Cell   string      `json:"cell"`
	Writes []WriteInfo `json:"writes"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <table> <key> <column>",
		Short: "Show who wrote a cell, newest first",
		Long: `Show every write to one cell since the head snapshot, newest first, with
the status of the writing transaction. A baseline write stands for the
value the cell had in the head snapshot.

Examples:
  formdbg history accounts a1 balance -c formdbg.yaml
  formdbg history users u1 email -c formdbg.yaml --format json`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(s *session) error {
				return runHistory(s, ir.CellRef{Table: args[0], Key: args[1], Column: args[2]})
			})
		},
	}
}

func runHistory(s *session, cell ir.CellRef) error {
	view, err := s.engine.Load(s.ctx)
	if err != nil {
		return wrapEngineError("load failed", err)
	}

	result := HistoryResult{Cell: cell.String(), Writes: []WriteInfo{}}
	for rec := range s.engine.ProvenanceOf(cell.Table, cell.Key, cell.Column) {
		w := WriteInfo{Seq: rec.Seq, TxID: rec.TxID, Op: string(rec.Op), Baseline: rec.Baseline, Value: json.RawMessage("null")}
		if !rec.Baseline {
			w.TxStatus = string(view.Transactions.Status(rec.TxID))
		}
		if !rec.Removed() {
			data, err := ir.MarshalCanonical(rec.Value)
			if err != nil {
				return WrapExitError(ExitCommandError, "encode value", err)
			}
			w.Value = data
		}
		result.Writes = append(result.Writes, w)
	}

	return s.out.Report(result, nil, func(w io.Writer) {
		if len(result.Writes) == 0 {
			fmt.Fprintf(w, "No writes recorded for %s\n", result.Cell)
			return
		}
		fmt.Fprintf(w, "%s (newest first)\n", result.Cell)
		for _, wr := range result.Writes {
			value := string(wr.Value)
			if value == "null" {
				value = "(removed)"
			}
			if wr.Baseline {
				fmt.Fprintf(w, "  #%d baseline %s\n", wr.Seq, value)
				continue
			}
			fmt.Fprintf(w, "  #%d tx=%d %s %s %s\n", wr.Seq, wr.TxID, wr.TxStatus, wr.Op, value)
		}
	})
}

// PlanRecordInfo is one entry of the plan ledger.
type PlanRecordInfo struct {
	ID         string      `json:"id"`
	Status     string      `json:"status"`
	Target     string      `json:"target"`
	BaseSeq    uint64      `json:"base_seq"`
	ResultSeq  uint64      `json:"result_seq"`
	Operations int         `json:"operations"`
	Digest     string      `json:"digest"`
	Reason     string      `json:"reason,omitempty"`
	Events     []EventInfo `json:"events,omitempty"`
}

// EventInfo is one status change of a plan.
type EventInfo struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// PlansOptions holds flags for the plans command.
type PlansOptions struct {
	*RootOptions
	Status string
}

// NewPlansCommand creates the plans command.
func NewPlansCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlansOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plans",
		Short: "List the recovery plan ledger",
		Long: `List every recovery plan ever proposed, oldest first. Plans move from
proposed to verified or rejected exactly once; --verbose shows each
plan's status history.

Examples:
  formdbg plans -c formdbg.yaml
  formdbg plans -c formdbg.yaml --status rejected --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(s *session) error {
				return runPlans(s, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "only plans in this status (proposed|verified|rejected)")

	return cmd
}

func runPlans(s *session, opts *PlansOptions) error {
	switch recovery.Status(opts.Status) {
	case "", recovery.StatusProposed, recovery.StatusVerified, recovery.StatusRejected:
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", opts.Status))
	}

	records, err := s.store.Plans(s.ctx, recovery.Status(opts.Status))
	if err != nil {
		return WrapExitError(ExitCommandError, "list plans", err)
	}
	plans := make([]PlanRecordInfo, 0, len(records))
	for _, rec := range records {
		info := PlanRecordInfo{
			ID:        rec.ID,
			Status:    string(rec.Status),
			Target:    string(rec.Target),
			BaseSeq:   rec.BaseSeq,
			ResultSeq: rec.ResultSeq,
			Digest:    rec.Digest.String(),
			Reason:    rec.Reason,
		}
		if ops, ok := rec.Summary["operations"].(ir.Array); ok {
			info.Operations = len(ops)
		}
		if opts.Verbose {
			events, err := s.store.PlanEvents(s.ctx, rec.ID)
			if err != nil {
				return WrapExitError(ExitCommandError, "plan events", err)
			}
			for _, ev := range events {
				info.Events = append(info.Events, EventInfo{Status: string(ev.Status), Reason: ev.Reason})
			}
		}
		plans = append(plans, info)
	}

	return s.out.Report(plans, nil, func(w io.Writer) {
		if len(plans) == 0 {
			fmt.Fprintln(w, "No plans recorded.")
			return
		}
		for _, p := range plans {
			fmt.Fprintf(w, "%s  %s  %s  %d op(s)  #%d -> #%d\n", p.ID, p.Status, p.Target, p.Operations, p.BaseSeq, p.ResultSeq)
			if p.Reason != "" {
				fmt.Fprintf(w, "  reason: %s\n", p.Reason)
			}
			for _, ev := range p.Events {
				fmt.Fprintf(w, "  -> %s", ev.Status)
				if ev.Reason != "" {
					fmt.Fprintf(w, " (%s)", ev.Reason)
				}
				fmt.Fprintln(w)
			}
		}
	})
}
