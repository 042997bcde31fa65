// Package engine is the formdbg facade: it wires the journal reader, the
// snapshot store, the Merkle verifier, the provenance tracker, the
// constraint checker and the plan synthesizer into the operations an
// operator runs.
//
// ARCHITECTURE:
//
// Pipeline:
//
//	[Journal] ──► [Ledger] ──────────────┐
//	    │                                 ▼
//	    └──► [Observed State] ──► [Checker] ──► [Synthesizer] ──► [Plan]
//	              ▲                               ▲                 │
//	[Store] ──► [VerifyChain] ──► [Head] ──► [Provenance]           ▼
//	                                 └───────────────────► [ApplyAndVerify]
//	                                                                │
//	                                              Verified ──► [Store: new head]
//
// Observed state:
// The observed state is what the crashed database holds: the last verified
// snapshot with every readable journal entry after it applied, aborted and
// unfinished transactions included. A live state dump can replace it
// (WithObservedState).
//
// Settled history:
// Provenance is seeded from the last verified snapshot. Writes at or below
// its journal position are settled: they were sealed into a verified
// snapshot and are never rolled back.
//
// Journal damage:
// A corrupt frame ends the readable journal; everything before it is used
// and the damage is reported. An out-of-order frame means the journal
// cannot be trusted at all and Load fails.
//
// CRITICAL PATTERNS:
//
// Logical time:
// Every decision is ordered by journal sequence number. Timestamps are
// carried for display only.
//
// Nothing is mutated in place:
// Journal bytes and stored snapshots are read-only. A recovery produces a
// new snapshot on top of the chain.
package engine
