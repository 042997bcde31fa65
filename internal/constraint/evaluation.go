package constraint

import (
	"github.com/roach88/formdbg/internal/ir"
)

// Tuple is one referencing row whose values have no match.
type Tuple struct {
	Key    string   `json:"key"`
	Values ir.Array `json:"values"`
}

// Violation explains why a constraint is unsatisfied.
type Violation struct {
	Message string     `json:"message"`
	Rows    []string   `json:"rows"`             // Offending row keys, sorted
	Groups  [][]string `json:"groups,omitempty"` // Duplicate groups (PrimaryKey, Unique)
	Tuples  []Tuple    `json:"tuples,omitempty"` // Dangling tuples (ForeignKey)
}

// Evaluation is the result of checking one constraint. It is derived data,
// never ground truth.
type Evaluation struct {
	Constraint Constraint `json:"constraint"`
	Satisfied  bool       `json:"satisfied"`
	Violation  *Violation `json:"violation,omitempty"`
}

// Refs returns the offending rows as row references.
func (e Evaluation) Refs() []ir.RowRef {
	if e.Violation == nil {
		return nil
	}
	out := make([]ir.RowRef, len(e.Violation.Rows))
	for i, k := range e.Violation.Rows {
		out[i] = ir.RowRef{Table: e.Constraint.Table, Key: k}
	}
	return out
}

// Unsatisfied filters the evaluations that failed.
func Unsatisfied(evals []Evaluation) []Evaluation {
	var out []Evaluation
	for _, e := range evals {
		if !e.Satisfied {
			out = append(out, e)
		}
	}
	return out
}

// AllSatisfied reports whether every evaluation passed.
func AllSatisfied(evals []Evaluation) bool {
	return len(Unsatisfied(evals)) == 0
}
