package harness

import (
	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/state"
)

// Outcomes of a scenario run.
const (
	OutcomeVerified      = "verified"
	OutcomeRejected      = "rejected"
	OutcomeUnrecoverable = "unrecoverable"
)

// Result is the outcome of a scenario run.
type Result struct {
	Name string `json:"name"`

	// Pass is true when every assertion held.
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`

	Healthy     bool     `json:"healthy"`
	Violations  []string `json:"violations"`
	InDoubt     []uint64 `json:"in_doubt"`
	Uncommitted []uint64 `json:"uncommitted"`

	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`

	// Plan is the hash-free plan summary; nil when no plan exists.
	Plan       ir.Object `json:"plan,omitempty"`
	RolledBack []uint64  `json:"rolled_back"`
	Operations []string  `json:"operations"`

	// Final is the verified state, or the observed state when the plan
	// was rejected or never built.
	Final *state.State `json:"-"`
}

// NewResult creates a passing result.
func NewResult(name string) *Result {
	return &Result{
		Name:        name,
		Pass:        true,
		Errors:      []string{},
		Violations:  []string{},
		InDoubt:     []uint64{},
		Uncommitted: []uint64{},
		RolledBack:  []uint64{},
		Operations:  []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
