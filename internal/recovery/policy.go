package recovery

import "fmt"

// InDoubtPolicy decides what happens to prepared transactions that never
// reached a commit or abort marker.
type InDoubtPolicy string

const (
	// InDoubtOperator refuses to decide: synthesis fails naming the
	// transaction so an operator can resolve it.
	InDoubtOperator InDoubtPolicy = "operator"
	// InDoubtRollback treats in-doubt transactions as aborted.
	InDoubtRollback InDoubtPolicy = "rollback"
	// InDoubtReplay treats in-doubt transactions as committed.
	InDoubtReplay InDoubtPolicy = "replay"
)

// ParseInDoubtPolicy parses a policy name.
func ParseInDoubtPolicy(s string) (InDoubtPolicy, error) {
	switch InDoubtPolicy(s) {
	case InDoubtOperator, InDoubtRollback, InDoubtReplay:
		return InDoubtPolicy(s), nil
	}
	return "", fmt.Errorf("unknown in-doubt policy %q (want operator, rollback or replay)", s)
}
