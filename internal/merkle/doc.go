// Package merkle implements the formdb-merkle/v1 snapshot hashing scheme,
// snapshot sealing and chain verification.
//
// Scheme (SHA-256, every hash domain-separated as domain ‖ 0x00 ‖ data):
//
//	leaf(t,k,row) = H("formdb/leaf/v1", canonical({"key":k,"row":row,"table":t}))
//	node(l,r)     = H("formdb/node/v1", l ‖ r)
//	empty         = H("formdb/empty/v1")
//	root(S)       = H("formdb/snapshot/v1", flag ‖ parent? ‖ content ‖ u64be(seq) ‖ u64be(journalSeq))
//
// Leaves are ordered by (table, key) byte-wise. The tree is built bottom-up;
// an odd trailing node is promoted unchanged to the next level. flag is 0x00
// for a genesis snapshot and 0x01 followed by the 32 parent bytes otherwise.
//
// Because the root commits to the parent root, a snapshot's ParentHash is
// simply the RootHash of its predecessor.
package merkle
