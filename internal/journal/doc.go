// Package journal reads and writes the append-only transaction journal.
//
// # Format (formdb-journal/v1)
//
//	file    := magic "FDBJ" | version 0x01 | frame*
//	frame   := len u32 BE | seq u64 BE | crc u32 BE | payload[len]
//	crc     := CRC-32C (Castagnoli) over seq u64 BE ‖ payload
//	payload := RFC 8785 canonical JSON of the entry (see ir.JournalEntry.ToObject)
//
// The sequence number is duplicated in the frame header so that the offset
// index (seq -> byte offset) can be built by reading headers only. A Reader
// resumes from any sequence number through that index without re-reading
// payloads from the start of the journal.
//
// # Errors
//
//   - CorruptJournal: a frame's declared length, checksum or payload does not
//     match its bytes. Iteration stops at that frame and reports its offset.
//   - OutOfOrder: a sequence number is not strictly greater than the previous
//     one. This always indicates an upstream bug and is never skipped.
//
// Readers never write. Several Readers may hold independent cursors over the
// same Source without coordination because the journal is never rewritten.
package journal
