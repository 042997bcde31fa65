package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestRun_AllScenariosPass(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			s, err := LoadScenario(file)
			require.NoError(t, err)
			result, err := Run(s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Golden(t *testing.T) {
	for _, name := range []string{"aborted_update", "dangling_child"} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadTestScenario(t, name))
			require.NoError(t, err)
			assert.Equal(t, OutcomeVerified, result.Outcome)
		})
	}
}

func TestRun_IsDeterministic(t *testing.T) {
	s := loadTestScenario(t, "aborted_update")

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := Snapshot(first)
	require.NoError(t, err)
	b, err := Snapshot(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_Unrecoverable(t *testing.T) {
	result, err := Run(loadTestScenario(t, "contradictory"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeUnrecoverable, result.Outcome)
	assert.Contains(t, result.Reason, "accounts_owner_fkey")
	assert.Nil(t, result.Plan)
	assert.Empty(t, result.Operations)

	data, err := Snapshot(result)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"plan"`)
}

func TestRun_InDoubt(t *testing.T) {
	result, err := Run(loadTestScenario(t, "in_doubt_operator"))
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, result.InDoubt)
	assert.Empty(t, result.Uncommitted)
	assert.Equal(t, OutcomeUnrecoverable, result.Outcome)
}

func TestRun_FailedAssertionIsReported(t *testing.T) {
	s := loadTestScenario(t, "aborted_update")
	s.Assertions = []Assertion{{Type: AssertOutcome, Outcome: OutcomeRejected}}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Expected: rejected")
	assert.Contains(t, result.Errors[0], "Actual: verified")
}

func TestRun_UnhealthySnapshotPrefix(t *testing.T) {
	s := loadTestScenario(t, "aborted_update")
	s.SnapshotAt = 3

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot_at 3")
}

func TestRun_BadRow(t *testing.T) {
	s := loadTestScenario(t, "in_doubt_rollback")
	s.Journal[0].Row = map[string]any{"v": 1.5}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal[0]")
}
