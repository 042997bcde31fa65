package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/testutil"
)

const balanceSchema = `constraints:
  - name: accounts_balance_nonneg
    kind: check
    table: accounts
    columns: [balance]
    expr: "balance: >=0"
`

const ownerSchema = `constraints:
  - name: accounts_owner_fkey
    kind: foreign_key
    table: accounts
    columns: [owner]
    references:
      table: users
      columns: [id]
`

// fixture is a journal, store and schema in a temp directory.
type fixture struct {
	dir     string
	journal string
	store   string
	schema  string
}

func newFixture(t *testing.T, data []byte, schema string) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		dir:     dir,
		journal: filepath.Join(dir, "db.fdbj"),
		store:   filepath.Join(dir, "formdbg.db"),
	}
	require.NoError(t, os.WriteFile(f.journal, data, 0o644))
	if schema != "" {
		f.schema = filepath.Join(dir, "schema.yaml")
		require.NoError(t, os.WriteFile(f.schema, []byte(schema), 0o644))
	}

	ids := testutil.NewSequentialIDs("plan")
	newPlanID = ids.Next
	t.Cleanup(func() { newPlanID = nil })
	return f
}

// run executes the CLI against the fixture and returns stdout.
func (f fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	args = append(args, "--journal", f.journal, "--store", f.store)
	if f.schema != "" {
		args = append(args, "--schema", f.schema)
	}
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func assertGolden(t *testing.T, name, output string) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(output))
}

// abortedJournal: tx2 drove a1 negative and aborted after its write
// reached the table.
func abortedJournal(t *testing.T) []byte {
	return testutil.NewJournal(t).
		Insert(1, "accounts", "a1", ir.Object{"balance": ir.Int(100), "owner": ir.String("ada")}).
		Commit(1).
		Update(2, "accounts", "a1", ir.Object{"balance": ir.Int(-50)}).
		Abort(2).
		Bytes()
}

func healthyJournal(t *testing.T) []byte {
	return testutil.NewJournal(t).
		Insert(1, "accounts", "a1", ir.Object{"balance": ir.Int(100)}).
		Commit(1).
		Bytes()
}

func TestVerifyEmptyStore(t *testing.T) {
	f := newFixture(t, healthyJournal(t), "")

	out, err := f.run(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "Journal: 2 entries, last seq 2, 1 transaction(s)")
	assert.Contains(t, out, "Snapshots: 0 stored, 0 verified, 0 unverifiable")
	assert.Contains(t, out, "Head: none")
	assert.Contains(t, out, "✓ Snapshot chain verified")
}

func TestVerifyDamagedJournal(t *testing.T) {
	data := healthyJournal(t)
	f := newFixture(t, data[:len(data)-2], "")

	out, err := f.run(t, "verify")
	require.Error(t, err)
	assert.Equal(t, ExitIntegrity, GetExitCode(err))
	assert.Contains(t, out, "✗ Journal damaged at offset")
}

func TestDiagnoseAborted(t *testing.T) {
	f := newFixture(t, abortedJournal(t), balanceSchema)

	out, err := f.run(t, "diagnose")
	require.Error(t, err)
	assert.Equal(t, ExitIntegrity, GetExitCode(err))
	assertGolden(t, "diagnose_aborted", out)
}

func TestDiagnoseJSON(t *testing.T) {
	f := newFixture(t, abortedJournal(t), balanceSchema)

	out, err := f.run(t, "diagnose", "--format", "json")
	require.Error(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   DiagnoseResult `json:"data"`
		Error  *CLIError      `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeUnhealthy, resp.Error.Code)
	assert.False(t, resp.Data.Healthy)
	require.Len(t, resp.Data.Constraints, 1)
	assert.Equal(t, []string{"a1"}, resp.Data.Constraints[0].Rows)
	require.Len(t, resp.Data.Uncommitted, 1)
	assert.Equal(t, TxInfo{ID: 2, Status: "aborted", Writes: 1, LastSeq: 4}, resp.Data.Uncommitted[0])
}

func TestRecoverAborted(t *testing.T) {
	f := newFixture(t, abortedJournal(t), balanceSchema)

	out, err := f.run(t, "recover")
	require.NoError(t, err)
	assertGolden(t, "recover_aborted", out)

	out, err = f.run(t, "diagnose")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Head: S0 at journal seq 4")
	assert.Contains(t, out, "✓ Healthy")

	out, err = f.run(t, "plans", "--verbose")
	require.NoError(t, err)
	assert.Contains(t, out, "plan-0001  verified  minimal  1 op(s)  #4 -> #4")
	assert.Contains(t, out, "  -> proposed")
	assert.Contains(t, out, "  -> verified")

	out, err = f.run(t, "recover")
	require.NoError(t, err)
	assert.Equal(t, "✓ Healthy, nothing to recover\n", out)
}

func TestRecoverDryRun(t *testing.T) {
	f := newFixture(t, abortedJournal(t), balanceSchema)

	out, err := f.run(t, "recover", "--dry-run", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   RecoverResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "proposed", resp.Data.Outcome)
	require.NotNil(t, resp.Data.Plan)
	assert.Equal(t, []uint64{2}, resp.Data.Plan.RolledBack)
	assert.Equal(t, []string{"rollback #3 tx=2 patch accounts/a1"}, resp.Data.Plan.Operations)
	assert.Nil(t, resp.Data.Head)

	out, err = f.run(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "Snapshots: 0 stored", "a dry run seals nothing")

	out, err = f.run(t, "plans", "--status", "proposed")
	require.NoError(t, err)
	assert.Contains(t, out, "plan-0001  proposed")
}

func TestRecoverUnrecoverable(t *testing.T) {
	data := testutil.NewJournal(t).
		Insert(1, "users", "u1", ir.Object{"id": ir.Int(1)}).
		Commit(1).
		Delete(2, "users", "u1").
		Commit(2).
		Insert(3, "accounts", "a1", ir.Object{"owner": ir.Int(1)}).
		Commit(3).
		Bytes()
	f := newFixture(t, data, ownerSchema)

	out, err := f.run(t, "recover")
	require.Error(t, err)
	assert.Equal(t, ExitIntegrity, GetExitCode(err))
	assert.Contains(t, out, "✗ No recovery plan: unrecoverable")
	assert.Contains(t, out, "accounts_owner_fkey")

	out, err = f.run(t, "plans")
	require.NoError(t, err)
	assert.Equal(t, "No plans recorded.\n", out)
}

func TestRecoverInDoubtNeedsPolicy(t *testing.T) {
	data := testutil.NewJournal(t).
		Insert(1, "t", "A", ir.Object{"v": ir.Int(1)}).
		Commit(1).
		Update(2, "t", "A", ir.Object{"v": ir.Int(2)}).
		Prepare(2).
		Bytes()
	f := newFixture(t, data, "")

	_, err := f.run(t, "recover")
	require.Error(t, err)
	assert.Equal(t, ExitIntegrity, GetExitCode(err))

	out, err := f.run(t, "recover", "--indoubt", "rollback")
	require.NoError(t, err)
	assert.Contains(t, out, "rolls back tx 2")
	assert.Contains(t, out, "✓ Verified: new head S0 at journal seq 4")
}

func TestCheckpoint(t *testing.T) {
	f := newFixture(t, healthyJournal(t), balanceSchema)

	out, err := f.run(t, "checkpoint")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Chain head S0 at journal seq 2")

	again, err := f.run(t, "checkpoint")
	require.NoError(t, err)
	assert.Equal(t, out, again, "nothing new to seal")

	out, err = f.run(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "Snapshots: 1 stored, 1 verified, 0 unverifiable")
}

func TestCheckpointRefusesUnhealthy(t *testing.T) {
	f := newFixture(t, abortedJournal(t), balanceSchema)

	out, err := f.run(t, "checkpoint")
	require.Error(t, err)
	assert.Equal(t, ExitIntegrity, GetExitCode(err))
	assert.Contains(t, out, "refusing to checkpoint")
}

func TestHistory(t *testing.T) {
	f := newFixture(t, abortedJournal(t), "")

	out, err := f.run(t, "history", "accounts", "a1", "balance")
	require.NoError(t, err)
	assert.Equal(t, "accounts/a1.balance (newest first)\n"+
		"  #3 tx=2 aborted update -50\n"+
		"  #1 tx=1 committed insert 100\n", out)

	out, err = f.run(t, "history", "accounts", "a9", "balance")
	require.NoError(t, err)
	assert.Equal(t, "No writes recorded for accounts/a9.balance\n", out)
}

func TestHistoryAfterRecoveryStartsAtBaseline(t *testing.T) {
	f := newFixture(t, abortedJournal(t), balanceSchema)
	_, err := f.run(t, "recover")
	require.NoError(t, err)

	out, err := f.run(t, "history", "accounts", "a1", "balance", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data HistoryResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Writes, 1)
	assert.True(t, resp.Data.Writes[0].Baseline)
	assert.JSONEq(t, "100", string(resp.Data.Writes[0].Value))
}

func TestJournal(t *testing.T) {
	f := newFixture(t, abortedJournal(t), "")

	out, err := f.run(t, "journal")
	require.NoError(t, err)
	assertGolden(t, "journal_aborted", out)

	out, err = f.run(t, "journal", "--from", "3")
	require.NoError(t, err)
	assert.Equal(t, "#3 tx=2 update accounts/a1 {\"balance\":-50}\n#4 tx=2 abort\n", out)
}

func TestJournalDamaged(t *testing.T) {
	data := abortedJournal(t)
	f := newFixture(t, data[:len(data)-1], "")

	out, err := f.run(t, "journal")
	require.Error(t, err)
	assert.Equal(t, ExitIntegrity, GetExitCode(err))
	assert.Contains(t, out, "#3 tx=2 update")
	assert.Contains(t, out, "✗ Stopped:")
}

func TestMissingJournal(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs([]string{"verify", "--store", filepath.Join(t.TempDir(), "s.db")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no journal")
}

func TestUnreadableJournal(t *testing.T) {
	f := newFixture(t, []byte("not a journal"), "")

	_, err := f.run(t, "verify")
	require.Error(t, err)
	assert.Equal(t, ExitIntegrity, GetExitCode(err), "a foreign file is a damaged journal")
}

func TestConfigFile(t *testing.T) {
	f := newFixture(t, abortedJournal(t), balanceSchema)
	cfgPath := filepath.Join(f.dir, "formdbg.yaml")
	cfg := "journal: " + f.journal + "\nstore: " + f.store + "\nschema: " + f.schema + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"diagnose", "-c", cfgPath})

	err := cmd.Execute()
	require.Error(t, err)
	assertGolden(t, "diagnose_aborted", out.String())
}

func TestMetricsOut(t *testing.T) {
	f := newFixture(t, healthyJournal(t), balanceSchema)
	path := filepath.Join(f.dir, "formdbg.prom")

	_, err := f.run(t, "diagnose", "--metrics-out", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "formdbg_journal_entries_read_total")
	assert.Contains(t, string(data), "formdbg_constraints_evaluations_total")
}
