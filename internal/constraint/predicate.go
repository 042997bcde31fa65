package constraint

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/formdbg/internal/ir"
)

// Predicate decides whether a row satisfies a Check constraint.
// An error means the predicate could not be evaluated, not that it failed.
type Predicate interface {
	Holds(row ir.Object) (bool, error)
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(row ir.Object) (bool, error)

func (f PredicateFunc) Holds(row ir.Object) (bool, error) {
	return f(row)
}

// Registry maps predicate names to Go predicates.
type Registry map[string]Predicate

// CUEPredicate checks rows by unifying them with a CUE struct expression,
// for example `balance: >=0` or `status: "open" | "closed"`.
//
// Columns absent from a row leave the expression incomplete rather than
// failing it, so absent values pass as SQL NULL does.
type CUEPredicate struct {
	expr string

	mu     sync.Mutex // cue.Context is not safe for concurrent use
	ctx    *cue.Context
	schema cue.Value
}

// CompileCUE compiles a CUE predicate.
func CompileCUE(expr string) (*CUEPredicate, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(expr)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile check %q: %w", expr, err)
	}
	if schema.IncompleteKind() != cue.StructKind {
		return nil, fmt.Errorf("compile check %q: expression must be a struct, got %s", expr, schema.IncompleteKind())
	}
	return &CUEPredicate{expr: expr, ctx: ctx, schema: schema}, nil
}

// Holds implements Predicate.
func (p *CUEPredicate) Holds(row ir.Object) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.ctx.Encode(ir.ToAny(row.Normalize()))
	if err := v.Err(); err != nil {
		return false, fmt.Errorf("encode row for %q: %w", p.expr, err)
	}
	return p.schema.Unify(v).Validate() == nil, nil
}

func (p *CUEPredicate) String() string {
	return p.expr
}
