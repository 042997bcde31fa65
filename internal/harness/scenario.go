package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/recovery"
)

// Scenario defines a crash scenario.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is the path of a YAML or CUE constraint file. Relative paths
	// are resolved against the scenario file's directory. Optional.
	Schema string `yaml:"schema,omitempty"`

	// Journal lists the entries in write order. Sequence numbers are
	// assigned from 1.
	Journal []Step `yaml:"journal"`

	// CrashAt is the last entry the observed state reflects. Zero means
	// the whole journal reached the tables.
	CrashAt uint64 `yaml:"crash_at,omitempty"`

	// SnapshotAt seals a checkpoint over the entries up to this sequence
	// number before recovery. Zero means no snapshot.
	SnapshotAt uint64 `yaml:"snapshot_at,omitempty"`

	// Policy is the in-doubt policy (operator, rollback, replay).
	Policy string `yaml:"policy,omitempty"`

	// Target is the recovery target (minimal, known_good).
	Target string `yaml:"target,omitempty"`

	// Assertions validate the diagnosis, the plan and the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one journal entry.
type Step struct {
	Tx    uint64         `yaml:"tx"`
	Op    string         `yaml:"op"`
	Table string         `yaml:"table,omitempty"`
	Key   string         `yaml:"key,omitempty"`
	Row   map[string]any `yaml:"row,omitempty"`
}

// Assertion validates one aspect of a run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Healthy and Violations are used by diagnosis. Violations lists
	// constraint names in evaluation order.
	Healthy    *bool    `yaml:"healthy,omitempty"`
	Violations []string `yaml:"violations,omitempty"`

	// Outcome is used by outcome: verified, rejected or unrecoverable.
	Outcome string `yaml:"outcome,omitempty"`

	// Txs is used by rolled_back.
	Txs []uint64 `yaml:"txs,omitempty"`

	// Ops is used by operations, in plan order.
	Ops []string `yaml:"ops,omitempty"`

	// Table and Key address a row (final_row, final_absent).
	Table string `yaml:"table,omitempty"`
	Key   string `yaml:"key,omitempty"`

	// Expect is a subset match against the final row (final_row).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertDiagnosis   = "diagnosis"
	AssertOutcome     = "outcome"
	AssertRolledBack  = "rolled_back"
	AssertOperations  = "operations"
	AssertFinalRow    = "final_row"
	AssertFinalAbsent = "final_absent"
)

// LoadScenario reads and parses a scenario YAML file. The schema path is
// resolved against the scenario file's directory.
//
// Unknown fields are rejected so a typo cannot silently disable an
// assertion.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the schema path relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) && basePath != "" {
		scenario.Schema = filepath.Join(basePath, scenario.Schema)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Journal) == 0 {
		return fmt.Errorf("journal list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.Schema != "" {
		if _, err := os.Stat(s.Schema); os.IsNotExist(err) {
			return fmt.Errorf("schema file not found: %s", s.Schema)
		}
	}

	n := uint64(len(s.Journal))
	if s.CrashAt > n {
		return fmt.Errorf("crash_at %d is past the last entry (%d)", s.CrashAt, n)
	}
	if s.SnapshotAt > n {
		return fmt.Errorf("snapshot_at %d is past the last entry (%d)", s.SnapshotAt, n)
	}
	if s.CrashAt != 0 && s.SnapshotAt > s.CrashAt {
		return fmt.Errorf("snapshot_at %d is after crash_at %d", s.SnapshotAt, s.CrashAt)
	}

	if s.Policy != "" {
		if _, err := recovery.ParseInDoubtPolicy(s.Policy); err != nil {
			return err
		}
	}
	if s.Target != "" {
		if _, err := recovery.ParseTarget(s.Target); err != nil {
			return err
		}
	}

	for i, step := range s.Journal {
		if step.Tx == 0 {
			return fmt.Errorf("journal[%d]: tx is required", i)
		}
		if !ir.Op(step.Op).Valid() {
			return fmt.Errorf("journal[%d]: unknown op %q", i, step.Op)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertDiagnosis:
		if a.Healthy == nil && a.Violations == nil {
			return fmt.Errorf("assertions[%d]: healthy or violations is required for diagnosis", index)
		}
	case AssertOutcome:
		switch a.Outcome {
		case OutcomeVerified, OutcomeRejected, OutcomeUnrecoverable:
		default:
			return fmt.Errorf("assertions[%d]: outcome must be verified, rejected or unrecoverable", index)
		}
	case AssertRolledBack, AssertOperations:
	case AssertFinalRow:
		if a.Table == "" || a.Key == "" {
			return fmt.Errorf("assertions[%d]: table and key are required for final_row", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_row", index)
		}
	case AssertFinalAbsent:
		if a.Table == "" || a.Key == "" {
			return fmt.Errorf("assertions[%d]: table and key are required for final_absent", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
