// Package provenance records, for every cell (table, key, column), the chain
// of journal entries that produced its value.
//
// Records live in one append-only slice and refer to their predecessor by
// index, so a chain is a backward singly-linked list and can never form a
// cycle. A map from cell to its latest record index gives O(1) access to the
// head of every chain.
//
// Retention is bounded by Prune: records at or below a horizon collapse into
// one Baseline record per cell. The engine prunes to the journal position of
// the oldest retained snapshot.
package provenance
