package constraint

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/state"
)

// Checker evaluates constraints. It holds no state about the data it checks;
// the only thing it caches is compiled CUE expressions.
type Checker struct {
	predicates  Registry
	parallelism int
	logger      *slog.Logger

	mu       sync.Mutex
	compiled map[string]*CUEPredicate
}

// Option configures a Checker.
type Option func(*Checker)

// WithPredicates registers Go predicates referenced by name.
func WithPredicates(r Registry) Option {
	return func(c *Checker) {
		for name, p := range r {
			c.predicates[name] = p
		}
	}
}

// WithParallelism bounds how many constraints are evaluated at once.
func WithParallelism(n int) Option {
	return func(c *Checker) { c.parallelism = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

// NewChecker creates a Checker.
func NewChecker(opts ...Option) *Checker {
	c := &Checker{
		predicates:  make(Registry),
		parallelism: 4,
		logger:      slog.Default(),
		compiled:    make(map[string]*CUEPredicate),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Evaluate checks every constraint against v. Results are in the order of
// cons regardless of the order in which they are computed. An error means a
// constraint could not be evaluated at all (malformed, unknown predicate,
// predicate failure) or ctx was cancelled.
func (c *Checker) Evaluate(ctx context.Context, cons []Constraint, v state.View) ([]Evaluation, error) {
	results := make([]Evaluation, len(cons))
	g, gctx := errgroup.WithContext(ctx)
	if c.parallelism > 0 {
		g.SetLimit(c.parallelism)
	}
	for i, con := range cons {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			eval, err := c.evaluate(con, v)
			if err != nil {
				return err
			}
			results[i] = eval
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	c.logger.Debug("constraints evaluated", "count", len(cons), "unsatisfied", len(Unsatisfied(results)))
	return results, nil
}

func (c *Checker) evaluate(con Constraint, v state.View) (Evaluation, error) {
	if err := con.Validate(); err != nil {
		return Evaluation{}, err
	}
	var (
		viol *Violation
		err  error
	)
	switch con.Kind {
	case PrimaryKey, Unique:
		viol = checkUnique(con, v)
	case ForeignKey:
		viol = checkForeignKey(con, v)
	case NotNull:
		viol = checkNotNull(con, v)
	case Check:
		viol, err = c.checkPredicate(con, v)
	}
	if err != nil {
		return Evaluation{}, err
	}
	return Evaluation{Constraint: con, Satisfied: viol == nil, Violation: viol}, nil
}

// tuple extracts the values of cols. ok is false if any column is absent.
func tuple(row ir.Object, cols []string) (ir.Array, bool) {
	out := make(ir.Array, len(cols))
	for i, col := range cols {
		v, present := row[col]
		if !present {
			return nil, false
		}
		if _, isNull := v.(ir.Null); isNull {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func tupleKey(t ir.Array) string {
	return string(ir.MustMarshalCanonical(t))
}

func missingColumns(row ir.Object, cols []string) []string {
	var out []string
	for _, col := range cols {
		if v, ok := row[col]; !ok || v == nil {
			out = append(out, col)
		} else if _, isNull := v.(ir.Null); isNull {
			out = append(out, col)
		}
	}
	return out
}

func header(con Constraint) string {
	return fmt.Sprintf("%s %q on %s(%s)", con.Kind, con.Name, con.Table, strings.Join(con.Columns, ", "))
}

func checkUnique(con Constraint, v state.View) *Violation {
	groups := make(map[string][]string)
	var order []string
	var absent []string
	for _, key := range v.Keys(con.Table) {
		row, _ := v.Row(con.Table, key)
		t, ok := tuple(row, con.Columns)
		if !ok {
			if con.Kind == PrimaryKey {
				absent = append(absent, key)
			}
			continue
		}
		k := tupleKey(t)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], key)
	}

	var dups [][]string
	for _, k := range order {
		if len(groups[k]) > 1 {
			dups = append(dups, groups[k])
		}
	}
	if len(dups) == 0 && len(absent) == 0 {
		return nil
	}
	slices.SortFunc(dups, func(a, b []string) int { return strings.Compare(a[0], b[0]) })

	var rows []string
	var parts []string
	for _, g := range dups {
		rows = append(rows, g...)
		parts = append(parts, "["+strings.Join(g, ", ")+"]")
	}
	rows = append(rows, absent...)
	slices.Sort(rows)
	rows = slices.Compact(rows)

	var msg []string
	if len(dups) > 0 {
		msg = append(msg, fmt.Sprintf("duplicate keys in rows %s", strings.Join(parts, " ")))
	}
	if len(absent) > 0 {
		msg = append(msg, fmt.Sprintf("absent key columns in rows [%s]", strings.Join(absent, ", ")))
	}
	return &Violation{
		Message: header(con) + ": " + strings.Join(msg, "; "),
		Rows:    rows,
		Groups:  dups,
	}
}

func checkForeignKey(con Constraint, v state.View) *Violation {
	parents := make(map[string]struct{})
	for _, key := range v.Keys(con.RefTable) {
		row, _ := v.Row(con.RefTable, key)
		if t, ok := tuple(row, con.RefColumns); ok {
			parents[tupleKey(t)] = struct{}{}
		}
	}

	var dangling []Tuple
	for _, key := range v.Keys(con.Table) {
		row, _ := v.Row(con.Table, key)
		t, ok := tuple(row, con.Columns)
		if !ok {
			continue
		}
		if _, found := parents[tupleKey(t)]; !found {
			dangling = append(dangling, Tuple{Key: key, Values: t})
		}
	}
	if len(dangling) == 0 {
		return nil
	}

	rows := make([]string, len(dangling))
	parts := make([]string, len(dangling))
	for i, d := range dangling {
		rows[i] = d.Key
		parts[i] = fmt.Sprintf("%s=%s", d.Key, ir.MustMarshalCanonical(d.Values))
	}
	return &Violation{
		Message: fmt.Sprintf("%s: rows reference missing %s(%s): %s",
			header(con), con.RefTable, strings.Join(con.RefColumns, ", "), strings.Join(parts, ", ")),
		Rows:   rows,
		Tuples: dangling,
	}
}

func checkNotNull(con Constraint, v state.View) *Violation {
	var rows []string
	var parts []string
	for _, key := range v.Keys(con.Table) {
		row, _ := v.Row(con.Table, key)
		if missing := missingColumns(row, con.Columns); len(missing) > 0 {
			rows = append(rows, key)
			parts = append(parts, fmt.Sprintf("%s (%s)", key, strings.Join(missing, ", ")))
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return &Violation{
		Message: fmt.Sprintf("%s: absent values in rows %s", header(con), strings.Join(parts, ", ")),
		Rows:    rows,
	}
}

func (c *Checker) predicate(con Constraint) (Predicate, error) {
	if con.Predicate != "" {
		p, ok := c.predicates[con.Predicate]
		if !ok {
			return nil, fmt.Errorf("constraint %s: predicate %q is not registered", con.Name, con.Predicate)
		}
		return p, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.compiled[con.Expr]; ok {
		return p, nil
	}
	p, err := CompileCUE(con.Expr)
	if err != nil {
		return nil, fmt.Errorf("constraint %s: %w", con.Name, err)
	}
	c.compiled[con.Expr] = p
	return p, nil
}

func (c *Checker) checkPredicate(con Constraint, v state.View) (*Violation, error) {
	p, err := c.predicate(con)
	if err != nil {
		return nil, err
	}
	var rows []string
	for _, key := range v.Keys(con.Table) {
		row, _ := v.Row(con.Table, key)
		ok, err := p.Holds(row)
		if err != nil {
			return nil, fmt.Errorf("constraint %s: row %s/%s: %w", con.Name, con.Table, key, err)
		}
		if !ok {
			rows = append(rows, key)
		}
	}
	if len(rows) == 0 {
		return nil, nil
	}
	desc := con.Expr
	if desc == "" {
		desc = con.Predicate
	}
	return &Violation{
		Message: fmt.Sprintf("check %q on %s (%s): failed for rows [%s]", con.Name, con.Table, desc, strings.Join(rows, ", ")),
		Rows:    rows,
	}, nil
}
