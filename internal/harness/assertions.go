package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/formdbg/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against the result and returns
// the failure messages. An empty slice means all passed.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertDiagnosis:
		return assertDiagnosis(result, a)
	case AssertOutcome:
		if result.Outcome != a.Outcome {
			actual := result.Outcome
			if result.Reason != "" {
				actual += ": " + result.Reason
			}
			return &AssertionError{Type: a.Type, Expected: a.Outcome, Actual: actual}
		}
	case AssertRolledBack:
		if !slices.Equal(result.RolledBack, nonNil(a.Txs)) {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(nonNil(a.Txs)), Actual: fmt.Sprint(result.RolledBack)}
		}
	case AssertOperations:
		ops := a.Ops
		if ops == nil {
			ops = []string{}
		}
		if !slices.Equal(result.Operations, ops) {
			return &AssertionError{
				Type:     a.Type,
				Expected: "[" + strings.Join(ops, "; ") + "]",
				Actual:   "[" + strings.Join(result.Operations, "; ") + "]",
			}
		}
	case AssertFinalRow:
		return assertFinalRow(result, a)
	case AssertFinalAbsent:
		if result.Final != nil {
			if row, ok := result.Final.Row(a.Table, a.Key); ok {
				return &AssertionError{
					Type:     a.Type,
					Expected: fmt.Sprintf("no row %s/%s", a.Table, a.Key),
					Actual:   string(ir.MustMarshalCanonical(row)),
				}
			}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func assertDiagnosis(result *Result, a Assertion) error {
	if a.Healthy != nil && *a.Healthy != result.Healthy {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("healthy=%t", *a.Healthy),
			Actual:   fmt.Sprintf("healthy=%t", result.Healthy),
		}
	}
	if a.Violations != nil && !slices.Equal(result.Violations, a.Violations) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("violations %v", a.Violations),
			Actual:   fmt.Sprintf("violations %v", result.Violations),
		}
	}
	return nil
}

// assertFinalRow matches the listed columns only.
func assertFinalRow(result *Result, a Assertion) error {
	expect, err := ir.ObjectFromAny(a.Expect)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}
	if result.Final == nil {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("row %s/%s", a.Table, a.Key), Actual: "no final state"}
	}
	row, ok := result.Final.Row(a.Table, a.Key)
	if !ok {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("row %s/%s", a.Table, a.Key), Actual: "row missing"}
	}
	for _, col := range expect.SortedKeys() {
		if got, ok := row[col]; !ok || !ir.Equal(got, expect[col]) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s/%s %s", a.Table, a.Key, ir.MustMarshalCanonical(expect)),
				Actual:   fmt.Sprintf("%s/%s %s", a.Table, a.Key, ir.MustMarshalCanonical(row)),
			}
		}
	}
	return nil
}

func nonNil(ids []uint64) []uint64 {
	if ids == nil {
		return []uint64{}
	}
	return ids
}
