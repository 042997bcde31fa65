package merkle

import (
	"fmt"

	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/state"
)

// LeafHash hashes one row.
func LeafHash(table, key string, row ir.Object) (ir.Digest, error) {
	data, err := ir.MarshalCanonical(ir.Object{
		"table": ir.String(table),
		"key":   ir.String(key),
		"row":   row.Normalize(),
	})
	if err != nil {
		return ir.Digest{}, fmt.Errorf("leaf %s/%s: %w", table, key, err)
	}
	return ir.HashWithDomain(ir.DomainLeaf, data), nil
}

// NodeHash hashes two children.
func NodeHash(l, r ir.Digest) ir.Digest {
	return ir.HashWithDomain(ir.DomainNode, l[:], r[:])
}

// EmptyRoot is the content root of a state with no rows.
func EmptyRoot() ir.Digest {
	return ir.HashWithDomain(ir.DomainEmpty)
}

type leaf struct {
	ref  ir.RowRef
	hash ir.Digest
}

func leaves(v state.View) ([]leaf, error) {
	var out []leaf
	var firstErr error
	state.Rows(v, func(table, key string, row ir.Object) {
		if firstErr != nil {
			return
		}
		h, err := LeafHash(table, key, row)
		if err != nil {
			firstErr = err
			return
		}
		out = append(out, leaf{ref: ir.RowRef{Table: table, Key: key}, hash: h})
	})
	return out, firstErr
}

// nextLevel folds one tree level into the next.
func nextLevel(level []ir.Digest) []ir.Digest {
	next := make([]ir.Digest, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 == len(level) {
			next = append(next, level[i])
			continue
		}
		next = append(next, NodeHash(level[i], level[i+1]))
	}
	return next
}

func rootOf(level []ir.Digest) ir.Digest {
	if len(level) == 0 {
		return EmptyRoot()
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

// ContentRoot computes the Merkle root over every row of the view.
func ContentRoot(v state.View) (ir.Digest, error) {
	ls, err := leaves(v)
	if err != nil {
		return ir.Digest{}, err
	}
	level := make([]ir.Digest, len(ls))
	for i, l := range ls {
		level[i] = l.hash
	}
	return rootOf(level), nil
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Sibling ir.Digest `json:"sibling"`
	Left    bool      `json:"left"` // Sibling is the left child
}

// Proof shows that one row is part of a content root.
type Proof struct {
	Table string      `json:"table"`
	Key   string      `json:"key"`
	Row   ir.Object   `json:"row"`
	Steps []ProofStep `json:"steps"`
}

// Prove builds an inclusion proof for the row at (table, key).
func Prove(v state.View, table, key string) (*Proof, error) {
	ls, err := leaves(v)
	if err != nil {
		return nil, err
	}
	idx := -1
	level := make([]ir.Digest, len(ls))
	for i, l := range ls {
		level[i] = l.hash
		if l.ref.Table == table && l.ref.Key == key {
			idx = i
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("prove %s/%s: row not present", table, key)
	}
	row, _ := v.Row(table, key)
	p := &Proof{Table: table, Key: key, Row: row.Normalize(), Steps: []ProofStep{}}
	for len(level) > 1 {
		sib := idx ^ 1
		if sib < len(level) {
			p.Steps = append(p.Steps, ProofStep{Sibling: level[sib], Left: sib < idx})
		}
		level = nextLevel(level)
		idx /= 2
	}
	return p, nil
}

// VerifyProof checks a proof against a content root.
func VerifyProof(root ir.Digest, p *Proof) error {
	h, err := LeafHash(p.Table, p.Key, p.Row)
	if err != nil {
		return err
	}
	for _, s := range p.Steps {
		if s.Left {
			h = NodeHash(s.Sibling, h)
		} else {
			h = NodeHash(h, s.Sibling)
		}
	}
	if h != root {
		return &MerkleMismatch{Kind: MismatchContent, Snapshot: p.Table + "/" + p.Key, Expected: root, Actual: h}
	}
	return nil
}
