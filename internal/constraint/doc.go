// Package constraint evaluates integrity constraints against a materialized
// state.
//
// Kinds are a closed set dispatched by a switch in the Checker:
//
//   - PrimaryKey: key tuples are unique and every key column is present.
//   - Unique: key tuples are unique among rows where every column is present.
//   - ForeignKey: every fully present tuple has a matching referenced row.
//   - NotNull: every constrained column is present.
//   - Check: every row satisfies a caller-supplied predicate.
//
// Evaluation never mutates state and is deterministic: the same constraints
// and state always yield the same evaluations, in input order.
package constraint
