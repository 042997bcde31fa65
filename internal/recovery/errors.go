package recovery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/formdbg/internal/constraint"
)

// UnrecoverablePlan reports that no plan satisfying every constraint could
// be found. No partial plan is ever returned alongside it.
type UnrecoverablePlan struct {
	Reason     string
	TxID       uint64                  // Transaction needing an operator decision, if any
	Violations []constraint.Evaluation // Violations left unresolved
}

func (e *UnrecoverablePlan) Error() string {
	var b strings.Builder
	b.WriteString("unrecoverable: ")
	b.WriteString(e.Reason)
	for _, v := range e.Violations {
		if v.Violation != nil {
			fmt.Fprintf(&b, "\n  %s", v.Violation.Message)
		}
	}
	return b.String()
}

// IsUnrecoverable reports whether err is an UnrecoverablePlan.
func IsUnrecoverable(err error) bool {
	var up *UnrecoverablePlan
	return errors.As(err, &up)
}

// ErrPlanExists is returned when a plan identity is proposed twice.
var ErrPlanExists = errors.New("plan identity already proposed")

// InvalidTransition reports a plan status change the state machine forbids.
type InvalidTransition struct {
	PlanID string
	From   Status
	To     Status
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("plan %s: cannot move from %s to %s", e.PlanID, e.From, e.To)
}
