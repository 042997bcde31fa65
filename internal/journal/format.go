package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/roach88/formdbg/internal/ir"
)

const (
	// Magic opens every journal file.
	Magic = "FDBJ"

	// FileHeaderSize is the magic plus the version byte.
	FileHeaderSize = len(Magic) + 1

	// FrameHeaderSize is len u32 + seq u64 + crc u32.
	FrameHeaderSize = 4 + 8 + 4

	// MaxFrameSize bounds a single payload. Larger declared lengths are
	// treated as corruption rather than allocated.
	MaxFrameSize = 16 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the frame checksum over the sequence number and payload.
func Checksum(seq uint64, payload []byte) uint32 {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	c := crc32.Update(0, crcTable, seqBuf[:])
	return crc32.Update(c, crcTable, payload)
}

// fileHeader returns the bytes that open a journal.
func fileHeader() []byte {
	return append([]byte(Magic), ir.JournalFormatVersion)
}

// frameHeader is the decoded fixed-size prefix of a frame.
type frameHeader struct {
	length uint32
	seq    uint64
	crc    uint32
}

func (h frameHeader) size() int64 {
	return int64(FrameHeaderSize) + int64(h.length)
}

func decodeFrameHeader(b []byte) frameHeader {
	return frameHeader{
		length: binary.BigEndian.Uint32(b[0:4]),
		seq:    binary.BigEndian.Uint64(b[4:12]),
		crc:    binary.BigEndian.Uint32(b[12:16]),
	}
}

// EncodeFrame serializes one entry as a frame.
func EncodeFrame(e ir.JournalEntry) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	payload, err := ir.MarshalCanonical(e.ToObject())
	if err != nil {
		return nil, fmt.Errorf("encode frame #%d: %w", e.Seq, err)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("encode frame #%d: payload of %d bytes exceeds limit", e.Seq, len(payload))
	}

	frame := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint64(frame[4:12], e.Seq)
	binary.BigEndian.PutUint32(frame[12:16], Checksum(e.Seq, payload))
	copy(frame[FrameHeaderSize:], payload)
	return frame, nil
}

// decodePayload parses and validates a frame payload whose checksum matched.
func decodePayload(seq uint64, payload []byte) (ir.JournalEntry, error) {
	v, err := ir.DecodeJSON(payload)
	if err != nil {
		return ir.JournalEntry{}, fmt.Errorf("payload is not JSON: %w", err)
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return ir.JournalEntry{}, fmt.Errorf("payload is %T, not an object", v)
	}
	e, err := ir.EntryFromObject(obj)
	if err != nil {
		return ir.JournalEntry{}, err
	}
	if e.Seq != seq {
		return ir.JournalEntry{}, fmt.Errorf("payload seq %d disagrees with frame header seq %d", e.Seq, seq)
	}
	return e, nil
}
