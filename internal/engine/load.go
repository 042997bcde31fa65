package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/formdbg/internal/constraint"
	"github.com/roach88/formdbg/internal/journal"
	"github.com/roach88/formdbg/internal/merkle"
	"github.com/roach88/formdbg/internal/metrics"
	"github.com/roach88/formdbg/internal/provenance"
	"github.com/roach88/formdbg/internal/recovery"
	"github.com/roach88/formdbg/internal/state"
)

// View is everything Load derives from the store and the journal.
type View struct {
	// Snapshots is the stored chain, oldest first, verified or not.
	Snapshots []*merkle.Snapshot
	Chain     *merkle.ChainReport
	// Head is the last verified snapshot; nil when none verified.
	Head *merkle.Snapshot

	// Journal holds the readable prefix. Journal.StoppedBy is the
	// *journal.CorruptJournal that ended it, if any.
	Journal      journal.ScanResult
	Transactions *journal.Ledger

	Provenance *provenance.Tracker
	// State is the observed state; its watermark is the last journal entry
	// it reflects.
	State *state.State
}

// ChainBroken reports whether some stored snapshot failed verification.
func (v *View) ChainBroken() bool {
	return v.Chain != nil && !v.Chain.OK()
}

// JournalDamaged reports whether the journal ended in a bad frame.
func (v *View) JournalDamaged() bool {
	return v.Journal.StoppedBy != nil
}

// Input builds a synthesis input for the view.
func (v *View) Input(cons []constraint.Constraint, target recovery.Target) recovery.Input {
	return recovery.Input{
		State:        v.State,
		Constraints:  cons,
		Provenance:   v.Provenance,
		Journal:      v.Journal.Entries,
		Transactions: v.Transactions,
		Parent:       v.Head,
		Target:       target,
	}
}

// Load reads the snapshot chain and the journal and derives the observed
// state. The result is kept for ProvenanceOf.
func (e *Engine) Load(ctx context.Context) (*View, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load(ctx)
}

func (e *Engine) load(ctx context.Context) (*View, error) {
	view := &View{}

	snaps, err := e.store.Snapshots(ctx)
	if err != nil {
		return nil, &Error{Code: ErrCodeChain, Message: "cannot read snapshots", Err: err}
	}
	view.Snapshots = snaps
	report, err := e.VerifySnapshotChain(ctx, snaps)
	if err != nil && !merkle.IsMismatch(err) {
		return nil, &Error{Code: ErrCodeChain, Message: "cannot verify snapshots", Err: err}
	}
	view.Chain = report
	view.Head = report.Head

	scan, err := e.reader.Scan(ctx, 0)
	if err != nil {
		return nil, err
	}
	metrics.JournalEntries(len(scan.Entries))
	if scan.StoppedBy != nil {
		var oe *journal.OutOfOrder
		if errors.As(scan.StoppedBy, &oe) {
			metrics.JournalStopped("out_of_order")
			return nil, &Error{Code: ErrCodeJournal, Message: "journal order is broken", Seq: oe.Seq, Err: scan.StoppedBy}
		}
		metrics.JournalStopped("corrupt")
		e.logger.Warn("journal damaged; using readable prefix",
			"last_good", scan.LastGood, "offset", scan.StopOffset, "error", scan.StoppedBy)
	}
	view.Journal = scan

	if view.Transactions, err = journal.BuildLedger(scan.Entries); err != nil {
		return nil, &Error{Code: ErrCodeJournal, Message: "transaction markers are inconsistent", Err: err}
	}

	if view.State, err = e.observedState(view); err != nil {
		return nil, err
	}
	if view.Provenance, err = e.buildProvenance(view); err != nil {
		return nil, err
	}

	e.logger.Info("loaded",
		"snapshots", len(snaps),
		"head", headID(view.Head),
		"entries", len(scan.Entries),
		"transactions", view.Transactions.Len(),
		"watermark", view.State.Applied())
	e.view = view
	return view, nil
}

// observedState returns the live state dump when one was given, else the
// head snapshot with every later readable entry applied.
func (e *Engine) observedState(view *View) (*state.State, error) {
	if e.observed != nil {
		return e.observed.Clone(), nil
	}
	st := state.New()
	if view.Head != nil {
		st = view.Head.State.Clone()
		st.SetApplied(view.Head.JournalSeq)
	}
	for _, entry := range view.Journal.Entries {
		if entry.Seq <= st.Applied() {
			continue
		}
		if err := st.Apply(entry); err != nil {
			return nil, &Error{Code: ErrCodeJournal, Message: "cannot apply entry", Seq: entry.Seq, Err: err}
		}
	}
	return st, nil
}

// buildProvenance seeds a tracker from the oldest verified snapshot the
// store retains and replays the journal forward to the observed watermark,
// reconciling with every later verified snapshot on the way. History below
// the oldest snapshot the retention policy keeps is then collapsed.
func (e *Engine) buildProvenance(view *View) (*provenance.Tracker, error) {
	tr := provenance.New()
	watermark := view.State.Applied()
	entries := view.Journal.Entries
	replayTo := func(seq uint64) error {
		for len(entries) > 0 && entries[0].Seq <= seq {
			entry := entries[0]
			entries = entries[1:]
			if entry.Seq <= tr.LastSeq() {
				continue
			}
			if err := tr.Apply(entry); err != nil {
				return err
			}
		}
		return nil
	}

	chain := settledChain(view, watermark)
	for i, snap := range chain {
		if i == 0 {
			if err := tr.Seed(snap.State, snap.JournalSeq); err != nil {
				return nil, fmt.Errorf("seed provenance from %s: %w", snap.ID(), err)
			}
			continue
		}
		if err := replayTo(snap.JournalSeq); err != nil {
			return nil, err
		}
		if _, err := tr.Rebase(snap.State, snap.JournalSeq); err != nil {
			return nil, fmt.Errorf("rebase provenance on %s: %w", snap.ID(), err)
		}
	}
	if err := replayTo(watermark); err != nil {
		return nil, err
	}

	if len(chain) > 0 {
		oldest := chain[0]
		if e.retention > 0 && len(chain) > e.retention {
			oldest = chain[len(chain)-e.retention]
		}
		if n := tr.Prune(oldest.JournalSeq); n > 0 {
			e.logger.Debug("pruned provenance", "horizon", oldest.JournalSeq, "dropped", n)
		}
	}
	return tr, nil
}

// settledChain returns the verified snapshots, oldest first, that the
// observed state has reached.
func settledChain(view *View, watermark uint64) []*merkle.Snapshot {
	if view.Chain == nil {
		return nil
	}
	verified := make(map[uint64]bool, len(view.Chain.Verified))
	for _, seq := range view.Chain.Verified {
		verified[seq] = true
	}
	var chain []*merkle.Snapshot
	for _, snap := range view.Snapshots {
		if !verified[snap.Seq] || snap.JournalSeq > watermark {
			break
		}
		chain = append(chain, snap)
	}
	return chain
}

func headID(h *merkle.Snapshot) string {
	if h == nil {
		return "none"
	}
	return h.ID()
}
