package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/formdbg/internal/ir"
)

// Snapshot returns the canonical JSON of a run: diagnosis, outcome and
// the hash-free plan summary. Two runs of the same scenario produce the
// same bytes.
func Snapshot(result *Result) ([]byte, error) {
	violations := make(ir.Array, len(result.Violations))
	for i, v := range result.Violations {
		violations[i] = ir.String(v)
	}
	obj := ir.Object{
		"name":       ir.String(result.Name),
		"healthy":    ir.Bool(result.Healthy),
		"violations": violations,
		"outcome":    ir.String(result.Outcome),
	}
	if result.Plan != nil {
		obj["plan"] = result.Plan
	}
	return ir.MarshalCanonical(obj)
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/scenarios/golden/{scenario.Name}.golden, the layout the test
// command reads.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := Snapshot(result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/scenarios/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
