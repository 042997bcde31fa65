// Package harness runs crash scenarios against the recovery engine.
//
// A scenario is a YAML file describing a journal as it was found after a
// crash, the constraints the database promises, and what a recovery must
// produce:
//
//	name: aborted_update
//	description: An aborted update left a negative balance behind.
//	schema: ../schemas/balance.yaml
//	journal:
//	  - {tx: 1, op: insert, table: accounts, key: a1, row: {balance: 100}}
//	  - {tx: 1, op: commit}
//	  - {tx: 2, op: update, table: accounts, key: a1, row: {balance: -50}}
//	  - {tx: 2, op: abort}
//	assertions:
//	  - {type: diagnosis, healthy: false, violations: [accounts_balance_nonneg]}
//	  - {type: outcome, outcome: verified}
//	  - {type: final_row, table: accounts, key: a1, expect: {balance: 100}}
//
// Every run gets a fresh in-memory store, deterministic timestamps and
// sequential plan identities, so the plan a scenario produces is
// byte-identical between runs and can be compared against a golden file.
//
// crash_at stops the observed state at a journal sequence number while the
// rest of the journal stays readable, the way a database that lost its
// last pages behaves. snapshot_at seals a checkpoint over the journal
// prefix before the crash is examined.
package harness
