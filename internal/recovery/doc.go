// Package recovery synthesizes and verifies recovery plans.
//
// A Plan is an ordered list of corrective operations computed from a
// violating state, its provenance and the journal. It is only a proposal:
// ApplyAndVerify applies it to a copy of the state, re-checks every
// constraint, seals the result on top of the last verified snapshot and
// re-verifies the seal. Only a Verified outcome is proof of recovery.
//
// Operation kinds:
//
//   - rollback: restore cells written by a transaction that never
//     committed, using the newest value from a surviving writer.
//   - replay:   re-apply a committed journal entry missing from the state.
//   - forward:  delete a row left dangling by a committed delete of the
//     row it references.
//
// Rollbacks come first, newest entry first; replays and forward operations
// follow in ascending journal order.
package recovery
