package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sort"
	"sync"

	"github.com/roach88/formdbg/internal/ir"
)

// Reader is a cursor factory over one journal Source.
//
// The offset index is built lazily from frame headers and extended when the
// Source grows. Payloads are only read while iterating.
//
// Thread-safety: a Reader is safe for concurrent use.
type Reader struct {
	src Source

	mu      sync.Mutex
	offsets []int64  // frame offsets, ascending
	seqs    []uint64 // header seq of each indexed frame
	scanned int64    // offset up to which headers are indexed
	scanErr error    // sticky error found at scanned
}

// NewReader validates the journal header and returns a Reader.
// An empty Source is an empty journal.
func NewReader(src Source) (*Reader, error) {
	r := &Reader{src: src, scanned: int64(FileHeaderSize)}
	if src.Size() == 0 {
		r.scanned = 0
		return r, nil
	}

	header := make([]byte, FileHeaderSize)
	if _, err := src.ReadAt(header, 0); err != nil {
		return nil, &CorruptJournal{Offset: 0, Reason: "truncated file header", Err: err}
	}
	if string(header[:len(Magic)]) != Magic {
		return nil, &CorruptJournal{Offset: 0, Reason: fmt.Sprintf("bad magic %q", header[:len(Magic)])}
	}
	if header[len(Magic)] != ir.JournalFormatVersion {
		return nil, &CorruptJournal{Offset: 0, Reason: fmt.Sprintf("unsupported format version %d", header[len(Magic)])}
	}
	return r, nil
}

// ReadAt reads the frame starting at a byte offset and returns the entry and
// the offset of the next frame.
func (r *Reader) ReadAt(offset int64) (ir.JournalEntry, int64, error) {
	h, err := r.readHeader(offset)
	if err != nil {
		return ir.JournalEntry{}, 0, err
	}

	payload := make([]byte, h.length)
	if _, err := r.src.ReadAt(payload, offset+FrameHeaderSize); err != nil && !errors.Is(err, io.EOF) {
		return ir.JournalEntry{}, 0, &CorruptJournal{Offset: offset, Seq: h.seq, Reason: "payload unreadable", Err: err}
	}
	if sum := Checksum(h.seq, payload); sum != h.crc {
		return ir.JournalEntry{}, 0, &CorruptJournal{
			Offset: offset,
			Seq:    h.seq,
			Reason: fmt.Sprintf("checksum mismatch: stored %08x, computed %08x", h.crc, sum),
		}
	}
	e, err := decodePayload(h.seq, payload)
	if err != nil {
		return ir.JournalEntry{}, 0, &CorruptJournal{Offset: offset, Seq: h.seq, Reason: "invalid payload", Err: err}
	}
	return e, offset + h.size(), nil
}

// readHeader reads and bounds-checks a frame header.
func (r *Reader) readHeader(offset int64) (frameHeader, error) {
	size := r.src.Size()
	if offset+FrameHeaderSize > size {
		return frameHeader{}, &CorruptJournal{Offset: offset, Reason: "truncated frame header"}
	}
	buf := make([]byte, FrameHeaderSize)
	if _, err := r.src.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return frameHeader{}, &CorruptJournal{Offset: offset, Reason: "frame header unreadable", Err: err}
	}
	h := decodeFrameHeader(buf)
	switch {
	case h.length == 0:
		return h, &CorruptJournal{Offset: offset, Seq: h.seq, Reason: "empty payload"}
	case h.length > MaxFrameSize:
		return h, &CorruptJournal{Offset: offset, Seq: h.seq, Reason: fmt.Sprintf("declared length %d exceeds frame limit", h.length)}
	case offset+h.size() > size:
		return h, &CorruptJournal{
			Offset: offset,
			Seq:    h.seq,
			Reason: fmt.Sprintf("declared length %d runs past journal end (%d bytes)", h.length, size),
		}
	}
	return h, nil
}

// extendIndex indexes frame headers appended since the last call.
// It stops at the first bad header and remembers the error.
func (r *Reader) extendIndex(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scanErr != nil {
		return r.scanErr
	}
	size := r.src.Size()
	if r.scanned == 0 && size > 0 {
		// The journal was empty when the Reader was created.
		fresh, err := NewReader(r.src)
		if err != nil {
			r.scanErr = err
			return err
		}
		r.scanned = fresh.scanned
	}
	for r.scanned < size {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := r.readHeader(r.scanned)
		if err != nil {
			r.scanErr = err
			return err
		}
		if n := len(r.seqs); n > 0 && h.seq <= r.seqs[n-1] {
			r.scanErr = &OutOfOrder{Offset: r.scanned, Prev: r.seqs[n-1], Seq: h.seq}
			return r.scanErr
		}
		r.offsets = append(r.offsets, r.scanned)
		r.seqs = append(r.seqs, h.seq)
		r.scanned += h.size()
	}
	return nil
}

// Index returns a copy of the seq -> offset index, extending it first.
// The returned error, if any, is the problem that stopped indexing; the
// index is still valid up to that point.
func (r *Reader) Index(ctx context.Context) (map[uint64]int64, error) {
	err := r.extendIndex(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := make(map[uint64]int64, len(r.seqs))
	for i, seq := range r.seqs {
		idx[seq] = r.offsets[i]
	}
	return idx, err
}

// OffsetOf returns the byte offset of the frame with the given sequence
// number, if it has been indexed.
func (r *Reader) OffsetOf(ctx context.Context, seq uint64) (int64, bool) {
	_ = r.extendIndex(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.seqs), func(i int) bool { return r.seqs[i] >= seq })
	if i < len(r.seqs) && r.seqs[i] == seq {
		return r.offsets[i], true
	}
	return 0, false
}

// LastSeq returns the highest indexed sequence number (0 for an empty journal).
func (r *Reader) LastSeq(ctx context.Context) uint64 {
	_ = r.extendIndex(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seqs) == 0 {
		return 0
	}
	return r.seqs[len(r.seqs)-1]
}

// frame returns the i-th indexed frame.
func (r *Reader) frame(i int) (offset int64, seq uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.offsets) {
		return 0, 0, false
	}
	return r.offsets[i], r.seqs[i], true
}

// position returns the index of the first frame with seq >= from and the
// seq of the frame before it (0 if none).
func (r *Reader) position(from uint64) (int, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.seqs), func(i int) bool { return r.seqs[i] >= from })
	var prev uint64
	if i > 0 {
		prev = r.seqs[i-1]
	}
	return i, prev
}

// Entries returns a lazy sequence of entries with Seq >= fromSeq, in journal
// order. The sequence is restartable: ranging over it again starts over at
// fromSeq. It stops after yielding the first error, which carries the
// offending offset. Cancelling ctx ends iteration with ctx.Err().
func (r *Reader) Entries(ctx context.Context, fromSeq uint64) iter.Seq2[ir.JournalEntry, error] {
	return func(yield func(ir.JournalEntry, error) bool) {
		indexErr := r.extendIndex(ctx)
		i, prev := r.position(fromSeq)
		for ; ; i++ {
			if err := ctx.Err(); err != nil {
				yield(ir.JournalEntry{}, err)
				return
			}
			offset, headerSeq, ok := r.frame(i)
			if !ok {
				// Pick up frames appended while we were iterating.
				if indexErr == nil {
					indexErr = r.extendIndex(ctx)
					offset, headerSeq, ok = r.frame(i)
				}
				if !ok {
					break
				}
			}
			if headerSeq < fromSeq {
				continue
			}
			e, _, err := r.ReadAt(offset)
			if err != nil {
				yield(ir.JournalEntry{}, err)
				return
			}
			if prev != 0 && e.Seq <= prev {
				yield(ir.JournalEntry{}, &OutOfOrder{Offset: offset, Prev: prev, Seq: e.Seq})
				return
			}
			prev = e.Seq
			if !yield(e, nil) {
				return
			}
		}
		if indexErr != nil {
			yield(ir.JournalEntry{}, indexErr)
		}
	}
}

// ScanResult is the outcome of reading a journal as far as it is valid.
type ScanResult struct {
	Entries    []ir.JournalEntry
	LastGood   uint64 // seq of the last valid entry
	StoppedBy  error  // first error, nil if the whole journal was read
	StopOffset int64  // offset of the failing frame when StoppedBy is journal-level
}

// Scan materializes all entries from fromSeq until the end of the journal
// or the first error. Format errors are returned in the result rather than
// as the error value so the caller can keep working with the valid prefix;
// only context cancellation is returned as an error.
func (r *Reader) Scan(ctx context.Context, fromSeq uint64) (ScanResult, error) {
	var res ScanResult
	for e, err := range r.Entries(ctx, fromSeq) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			res.StoppedBy = err
			var ce *CorruptJournal
			var oe *OutOfOrder
			switch {
			case errors.As(err, &ce):
				res.StopOffset = ce.Offset
			case errors.As(err, &oe):
				res.StopOffset = oe.Offset
			}
			break
		}
		res.Entries = append(res.Entries, e)
		res.LastGood = e.Seq
	}
	return res, nil
}
