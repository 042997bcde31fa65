package merkle

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/formdbg/internal/ir"
)

// MismatchKind says which part of a snapshot failed to verify.
type MismatchKind string

const (
	MismatchScheme   MismatchKind = "scheme"   // Sealed under an unknown scheme
	MismatchContent  MismatchKind = "content"  // Recomputed content root differs
	MismatchRoot     MismatchKind = "root"     // Recomputed snapshot root differs
	MismatchParent   MismatchKind = "parent"   // ParentHash is not the expected link
	MismatchSequence MismatchKind = "sequence" // Snapshot seq does not follow its predecessor
)

// MerkleMismatch reports a snapshot whose hashes do not agree.
type MerkleMismatch struct {
	Snapshot string
	Seq      uint64
	Kind     MismatchKind
	Expected ir.Digest
	Actual   ir.Digest
	Detail   string
}

func (e *MerkleMismatch) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("merkle mismatch at %s (%s): %s", e.Snapshot, e.Kind, e.Detail)
	}
	return fmt.Sprintf("merkle mismatch at %s (%s): expected %s, got %s",
		e.Snapshot, e.Kind, e.Expected.Short(), e.Actual.Short())
}

// IsMismatch reports whether err is a MerkleMismatch.
func IsMismatch(err error) bool {
	var mm *MerkleMismatch
	return errors.As(err, &mm)
}

func digestOrZero(d *ir.Digest) ir.Digest {
	if d == nil {
		return ir.Digest{}
	}
	return *d
}

// Verify recomputes the content and snapshot roots of snap and checks that
// its parent link equals expectedParent (nil: snap must be genesis).
func Verify(snap *Snapshot, expectedParent *ir.Digest) error {
	content, err := ContentRoot(snap.State)
	if err != nil {
		return fmt.Errorf("verify %s: %w", snap.ID(), err)
	}
	return check(snap, content, expectedParent)
}

// check runs every comparison given a precomputed content root.
func check(snap *Snapshot, content ir.Digest, expectedParent *ir.Digest) error {
	mm := &MerkleMismatch{Snapshot: snap.ID(), Seq: snap.Seq}
	switch {
	case snap.Scheme != ir.SchemeVersion:
		mm.Kind = MismatchScheme
		mm.Detail = fmt.Sprintf("scheme %q, verifier speaks %q", snap.Scheme, ir.SchemeVersion)
		return mm
	case content != snap.ContentRoot:
		mm.Kind, mm.Expected, mm.Actual = MismatchContent, snap.ContentRoot, content
		return mm
	}
	if root := RootHash(snap.ParentHash, snap.ContentRoot, snap.Seq, snap.JournalSeq); root != snap.RootHash {
		mm.Kind, mm.Expected, mm.Actual = MismatchRoot, snap.RootHash, root
		return mm
	}
	if (snap.ParentHash == nil) != (expectedParent == nil) || digestOrZero(snap.ParentHash) != digestOrZero(expectedParent) {
		mm.Kind, mm.Expected, mm.Actual = MismatchParent, digestOrZero(expectedParent), digestOrZero(snap.ParentHash)
		if expectedParent == nil {
			mm.Detail = "expected a genesis snapshot, found a parent link " + digestOrZero(snap.ParentHash).Short()
		} else if snap.ParentHash == nil {
			mm.Detail = "expected parent " + expectedParent.Short() + ", found a genesis snapshot"
		}
		return mm
	}
	return nil
}

// ChainReport is the result of VerifyChain.
type ChainReport struct {
	Verified     []uint64        // Seqs of snapshots that verified, in chain order
	Unverifiable []uint64        // Seqs at and after the first break
	Break        *MerkleMismatch // First break, nil if the whole chain verified
	Head         *Snapshot       // Last verified snapshot
}

// OK reports whether every snapshot verified.
func (r *ChainReport) OK() bool {
	return r.Break == nil
}

type chainConfig struct {
	anchor      *ir.Digest
	parallelism int
}

// ChainOption configures VerifyChain.
type ChainOption func(*chainConfig)

// WithAnchor verifies a chain segment whose first snapshot must link to
// the given root instead of being genesis.
func WithAnchor(root ir.Digest) ChainOption {
	return func(c *chainConfig) { c.anchor = &root }
}

// WithParallelism bounds the number of content roots computed at once.
func WithParallelism(n int) ChainOption {
	return func(c *chainConfig) { c.parallelism = n }
}

// VerifyChain verifies snapshots in order. Content roots are recomputed
// concurrently; chain links are then threaded in a single pass. The first
// mismatch makes it and every later snapshot unverifiable, and is also
// returned as the error.
func VerifyChain(ctx context.Context, snaps []*Snapshot, opts ...ChainOption) (*ChainReport, error) {
	cfg := chainConfig{parallelism: 4}
	for _, opt := range opts {
		opt(&cfg)
	}

	contents := make([]ir.Digest, len(snaps))
	g, gctx := errgroup.WithContext(ctx)
	if cfg.parallelism > 0 {
		g.SetLimit(cfg.parallelism)
	}
	for i, snap := range snaps {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			root, err := ContentRoot(snap.State)
			if err != nil {
				return fmt.Errorf("verify %s: %w", snap.ID(), err)
			}
			contents[i] = root
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &ChainReport{Verified: []uint64{}, Unverifiable: []uint64{}}
	expected := cfg.anchor
	for i, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := check(snap, contents[i], expected)
		if err == nil && i > 0 && snap.Seq <= snaps[i-1].Seq {
			err = &MerkleMismatch{
				Snapshot: snap.ID(), Seq: snap.Seq, Kind: MismatchSequence,
				Detail: fmt.Sprintf("follows %s", snaps[i-1].ID()),
			}
		}
		if err != nil {
			var mm *MerkleMismatch
			if !errors.As(err, &mm) {
				return nil, err
			}
			report.Break = mm
			for _, rest := range snaps[i:] {
				report.Unverifiable = append(report.Unverifiable, rest.Seq)
			}
			return report, mm
		}
		report.Verified = append(report.Verified, snap.Seq)
		report.Head = snap
		root := snap.RootHash
		expected = &root
	}
	return report, nil
}
