package merkle

import (
	"encoding/binary"
	"fmt"

	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/state"
)

// Snapshot is a hash-sealed materialization of state at a journal position.
// It must not be modified after Seal; verification detects any change.
type Snapshot struct {
	Seq         uint64       `json:"seq"`
	Scheme      string       `json:"scheme"`
	JournalSeq  uint64       `json:"journal_seq"` // Last journal seq reflected in State
	ParentHash  *ir.Digest   `json:"parent_hash"` // Nil only for genesis
	ContentRoot ir.Digest    `json:"content_root"`
	RootHash    ir.Digest    `json:"root_hash"`
	State       *state.State `json:"-"`
}

// ID names the snapshot in messages.
func (s *Snapshot) ID() string {
	return fmt.Sprintf("S%d", s.Seq)
}

// IsGenesis reports whether the snapshot has no parent.
func (s *Snapshot) IsGenesis() bool {
	return s.ParentHash == nil
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("%s@%d root=%s", s.ID(), s.JournalSeq, s.RootHash.Short())
}

// RootHash computes the snapshot root from its header fields.
func RootHash(parent *ir.Digest, content ir.Digest, seq, journalSeq uint64) ir.Digest {
	link := []byte{0x00}
	if parent != nil {
		link = append([]byte{0x01}, parent[:]...)
	}
	var nums [16]byte
	binary.BigEndian.PutUint64(nums[:8], seq)
	binary.BigEndian.PutUint64(nums[8:], journalSeq)
	return ir.HashWithDomain(ir.DomainSnapshot, link, content[:], nums[:])
}

// Seal produces a new snapshot of st on top of parent (nil for genesis).
// The state is cloned; later changes to st do not affect the snapshot.
func Seal(parent *Snapshot, st *state.State) (*Snapshot, error) {
	snap := &Snapshot{
		Scheme:     ir.SchemeVersion,
		JournalSeq: st.Applied(),
		State:      st.Clone(),
	}
	if parent != nil {
		if st.Applied() < parent.JournalSeq {
			return nil, fmt.Errorf("seal: journal seq %d behind parent %s at %d", st.Applied(), parent.ID(), parent.JournalSeq)
		}
		h := parent.RootHash
		snap.ParentHash = &h
		snap.Seq = parent.Seq + 1
	}
	content, err := ContentRoot(snap.State)
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", snap.ID(), err)
	}
	snap.ContentRoot = content
	snap.RootHash = RootHash(snap.ParentHash, content, snap.Seq, snap.JournalSeq)
	return snap, nil
}
