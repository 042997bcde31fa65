package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalScenario = `name: minimal
description: one committed insert
journal:
  - {tx: 1, op: insert, table: t, key: A, row: {v: 1}}
  - {tx: 1, op: commit}
assertions:
  - {type: outcome, outcome: verified}
`

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "aborted_update.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "aborted_update", s.Name)
	assert.Equal(t, filepath.Join("testdata", "schemas", "balance.yaml"), filepath.Clean(s.Schema))
	require.Len(t, s.Journal, 4)
	assert.Equal(t, "update", s.Journal[2].Op)
	assert.Equal(t, map[string]any{"balance": -50}, s.Journal[2].Row)
	require.Len(t, s.Assertions, 5)
	require.NotNil(t, s.Assertions[0].Healthy)
	assert.False(t, *s.Assertions[0].Healthy)
}

func TestLoadScenario_Minimal(t *testing.T) {
	s, err := LoadScenario(writeScenario(t, minimalScenario))
	require.NoError(t, err)
	assert.Empty(t, s.Schema)
	assert.Zero(t, s.CrashAt)
}

func TestLoadScenarioWithBasePath(t *testing.T) {
	path := writeScenario(t, minimalScenario+"schema: balance.yaml\n")
	base, err := filepath.Abs(filepath.Join("testdata", "schemas"))
	require.NoError(t, err)

	s, err := LoadScenarioWithBasePath(path, base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "balance.yaml"), s.Schema)
}

func TestLoadScenario_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown field", minimalScenario + "assertion: []\n", "failed to parse YAML"},
		{"missing name", "description: d\njournal: [{tx: 1, op: commit}]\nassertions: [{type: outcome, outcome: verified}]\n", "name is required"},
		{"missing description", "name: n\njournal: [{tx: 1, op: commit}]\nassertions: [{type: outcome, outcome: verified}]\n", "description is required"},
		{"empty journal", "name: n\ndescription: d\nassertions: [{type: outcome, outcome: verified}]\n", "journal list is required"},
		{"no assertions", "name: n\ndescription: d\njournal: [{tx: 1, op: commit}]\n", "assertions list is required"},
		{"unknown op", "name: n\ndescription: d\njournal: [{tx: 1, op: upsert}]\nassertions: [{type: outcome, outcome: verified}]\n", `unknown op "upsert"`},
		{"missing tx", "name: n\ndescription: d\njournal: [{op: commit}]\nassertions: [{type: outcome, outcome: verified}]\n", "tx is required"},
		{"crash past end", minimalScenario + "crash_at: 3\n", "crash_at 3 is past the last entry"},
		{"snapshot after crash", minimalScenario + "crash_at: 1\nsnapshot_at: 2\n", "snapshot_at 2 is after crash_at 1"},
		{"bad policy", minimalScenario + "policy: coinflip\n", "coinflip"},
		{"bad target", minimalScenario + "target: yesterday\n", "yesterday"},
		{"missing schema", minimalScenario + "schema: nowhere.yaml\n", "schema file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestValidateAssertion(t *testing.T) {
	yes := true
	tests := []struct {
		name string
		a    Assertion
		want string
	}{
		{"no type", Assertion{}, "type is required"},
		{"unknown type", Assertion{Type: "trace_order"}, "unknown assertion type"},
		{"empty diagnosis", Assertion{Type: AssertDiagnosis}, "healthy or violations"},
		{"bad outcome", Assertion{Type: AssertOutcome, Outcome: "fine"}, "outcome must be"},
		{"row without key", Assertion{Type: AssertFinalRow, Table: "t", Expect: map[string]any{"v": 1}}, "table and key"},
		{"row without expect", Assertion{Type: AssertFinalRow, Table: "t", Key: "A"}, "expect is required"},
		{"absent without table", Assertion{Type: AssertFinalAbsent, Key: "A"}, "table and key"},
		{"valid diagnosis", Assertion{Type: AssertDiagnosis, Healthy: &yes}, ""},
		{"valid rolled_back", Assertion{Type: AssertRolledBack}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAssertion(0, &tt.a)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
