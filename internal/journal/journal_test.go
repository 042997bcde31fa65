package journal

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formdbg/internal/ir"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func insert(tx uint64, table, key string, row ir.Object) ir.JournalEntry {
	return ir.JournalEntry{TxID: tx, Timestamp: baseTime, Table: table, Key: key, Op: ir.OpInsert, Row: row}
}

func control(tx uint64, op ir.Op) ir.JournalEntry {
	return ir.JournalEntry{TxID: tx, Timestamp: baseTime, Op: op}
}

// writeJournal encodes entries into an in-memory journal.
func writeJournal(t *testing.T, entries ...ir.JournalEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	for _, e := range entries {
		_, err := w.Append(e)
		require.NoError(t, err)
	}
	return buf.Bytes()
}

func collect(t *testing.T, r *Reader, from uint64) ([]ir.JournalEntry, error) {
	t.Helper()
	var out []ir.JournalEntry
	for e, err := range r.Entries(context.Background(), from) {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

func seqs(entries []ir.JournalEntry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Seq
	}
	return out
}

func sampleJournal(t *testing.T) []byte {
	return writeJournal(t,
		insert(1, "accounts", "a1", ir.Object{"id": ir.Int(1), "balance": ir.Int(100)}),
		control(1, ir.OpCommit),
		insert(2, "accounts", "a2", ir.Object{"id": ir.Int(2), "balance": ir.Int(50)}),
		control(2, ir.OpCommit),
	)
}

func TestReaderRoundTrip(t *testing.T) {
	r, err := NewReader(BytesSource(sampleJournal(t)))
	require.NoError(t, err)

	entries, err := collect(t, r, 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs(entries))
	assert.Equal(t, ir.Int(100), entries[0].Row["balance"])
	assert.Equal(t, ir.OpCommit, entries[1].Op)
}

func TestReaderResumesFromSeq(t *testing.T) {
	r, err := NewReader(BytesSource(sampleJournal(t)))
	require.NoError(t, err)

	entries, err := collect(t, r, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, seqs(entries))

	entries, err = collect(t, r, 99)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReaderIsRestartable(t *testing.T) {
	r, err := NewReader(BytesSource(sampleJournal(t)))
	require.NoError(t, err)

	seq := r.Entries(context.Background(), 2)
	var first, second []uint64
	for e, err := range seq {
		require.NoError(t, err)
		first = append(first, e.Seq)
	}
	for e, err := range seq {
		require.NoError(t, err)
		second = append(second, e.Seq)
	}
	assert.Equal(t, first, second)
}

func TestReaderReadAtUsesIndex(t *testing.T) {
	r, err := NewReader(BytesSource(sampleJournal(t)))
	require.NoError(t, err)

	off, ok := r.OffsetOf(context.Background(), 3)
	require.True(t, ok)

	e, next, err := r.ReadAt(off)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Seq)
	assert.Equal(t, "a2", e.Key)

	e, _, err = r.ReadAt(next)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Seq)

	_, ok = r.OffsetOf(context.Background(), 42)
	assert.False(t, ok)
	assert.Equal(t, uint64(4), r.LastSeq(context.Background()))
}

func TestReaderChecksumMismatch(t *testing.T) {
	raw := sampleJournal(t)
	r, err := NewReader(BytesSource(raw))
	require.NoError(t, err)
	off, ok := r.OffsetOf(context.Background(), 2)
	require.True(t, ok)

	tampered := bytes.Clone(raw)
	tampered[off+FrameHeaderSize+2] ^= 0xFF

	r, err = NewReader(BytesSource(tampered))
	require.NoError(t, err)
	entries, err := collect(t, r, 0)

	assert.Equal(t, []uint64{1}, seqs(entries), "entries before the damage are still delivered")
	var ce *CorruptJournal
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, off, ce.Offset)
	assert.Equal(t, uint64(2), ce.Seq)
	assert.Contains(t, ce.Error(), "checksum mismatch")
}

func TestReaderTruncatedTail(t *testing.T) {
	raw := sampleJournal(t)
	truncated := raw[:len(raw)-3]

	r, err := NewReader(BytesSource(truncated))
	require.NoError(t, err)
	entries, err := collect(t, r, 0)

	assert.Equal(t, []uint64{1, 2, 3}, seqs(entries))
	assert.True(t, IsCorrupt(err))
	assert.Contains(t, err.Error(), "runs past journal end")
}

func TestReaderOutOfOrder(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(fileHeader())
	for _, seq := range []uint64{1, 3, 2} {
		e := control(1, ir.OpPrepare)
		e.Seq = seq
		frame, err := EncodeFrame(e)
		require.NoError(t, err)
		buf.Write(frame)
	}

	r, err := NewReader(BytesSource(buf.Bytes()))
	require.NoError(t, err)
	entries, err := collect(t, r, 0)

	assert.Equal(t, []uint64{1, 3}, seqs(entries))
	var oe *OutOfOrder
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, uint64(3), oe.Prev)
	assert.Equal(t, uint64(2), oe.Seq)
	assert.False(t, IsCorrupt(err))
}

func TestReaderRejectsBadMagic(t *testing.T) {
	_, err := NewReader(BytesSource([]byte("NOPE\x01")))
	assert.True(t, IsCorrupt(err))
}

func TestReaderEmptyJournal(t *testing.T) {
	r, err := NewReader(BytesSource(nil))
	require.NoError(t, err)
	entries, err := collect(t, r, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// growingSource is an append-only in-memory Source.
type growingSource struct {
	mu sync.Mutex
	b  []byte
}

func (g *growingSource) ReadAt(p []byte, off int64) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return bytes.NewReader(g.b).ReadAt(p, off)
}

func (g *growingSource) Size() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int64(len(g.b))
}

func (g *growingSource) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.b = append(g.b, p...)
	return len(p), nil
}

func TestReaderSeesAppends(t *testing.T) {
	src := &growingSource{}
	w, err := NewWriter(src)
	require.NoError(t, err)
	_, err = w.Append(control(1, ir.OpCommit))
	require.NoError(t, err)

	r, err := NewReader(src)
	require.NoError(t, err)
	entries, err := collect(t, r, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = w.Append(control(2, ir.OpCommit))
	require.NoError(t, err)

	entries, err = collect(t, r, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, seqs(entries))
}

func TestIndependentCursors(t *testing.T) {
	r, err := NewReader(BytesSource(sampleJournal(t)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]uint64, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for e, err := range r.Entries(context.Background(), uint64(i+1)) {
				if err != nil {
					return
				}
				results[i] = append(results[i], e.Seq)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []uint64{1, 2, 3, 4}, results[0])
	assert.Equal(t, []uint64{4}, results[3])
}

func TestReaderCancellation(t *testing.T) {
	r, err := NewReader(BytesSource(sampleJournal(t)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got []uint64
	var stopErr error
	for e, err := range r.Entries(ctx, 0) {
		if err != nil {
			stopErr = err
			break
		}
		got = append(got, e.Seq)
		cancel()
	}

	assert.Equal(t, []uint64{1}, got)
	assert.True(t, errors.Is(stopErr, context.Canceled))
}

func TestScanKeepsValidPrefix(t *testing.T) {
	raw := sampleJournal(t)
	r, err := NewReader(BytesSource(raw[:len(raw)-1]))
	require.NoError(t, err)

	res, err := r.Scan(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 3)
	assert.Equal(t, uint64(3), res.LastGood)
	assert.True(t, IsCorrupt(res.StoppedBy))
	assert.Positive(t, res.StopOffset)
}

func TestWriterRejectsNonIncreasingSeq(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	e := control(1, ir.OpCommit)
	e.Seq = 5
	_, err = w.Append(e)
	require.NoError(t, err)

	e.Seq = 5
	_, err = w.Append(e)
	assert.True(t, IsOutOfOrder(err))

	next, err := w.Append(control(2, ir.OpCommit))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), next.Seq)
}

func TestFileWriterResumes(t *testing.T) {
	path := t.TempDir() + "/journal.fdbj"
	ctx := context.Background()

	fw, err := OpenFileWriter(ctx, path)
	require.NoError(t, err)
	_, err = fw.Append(control(1, ir.OpCommit))
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	fw, err = OpenFileWriter(ctx, path)
	require.NoError(t, err)
	e, err := fw.Append(control(2, ir.OpCommit))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Seq)
	require.NoError(t, fw.Close())

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()
	r, err := NewReader(src)
	require.NoError(t, err)
	entries, err := collect(t, r, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, seqs(entries))
}
