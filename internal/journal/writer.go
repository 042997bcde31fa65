package journal

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/roach88/formdbg/internal/ir"
)

// Writer appends entries to a journal.
//
// Entries with Seq == 0 get the next sequence number from the Writer's
// clock; entries with an explicit Seq must be ahead of every previous one.
// The Writer is the only component that produces journal bytes; the
// recovery core only ever reads them.
type Writer struct {
	mu    sync.Mutex
	w     io.Writer
	clock *Clock
}

// NewWriter starts a new journal on w by writing the file header.
func NewWriter(w io.Writer) (*Writer, error) {
	if _, err := w.Write(fileHeader()); err != nil {
		return nil, fmt.Errorf("write journal header: %w", err)
	}
	return &Writer{w: w, clock: NewClock()}, nil
}

// ResumeWriter continues a journal whose last sequence number is lastSeq.
// No header is written.
func ResumeWriter(w io.Writer, lastSeq uint64) *Writer {
	return &Writer{w: w, clock: NewClockAt(lastSeq)}
}

// Append writes one entry and returns it with its sequence number set.
func (w *Writer) Append(e ir.JournalEntry) (ir.JournalEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e.Seq == 0 {
		e.Seq = w.clock.Next()
	} else if e.Seq <= w.clock.Current() {
		return e, &OutOfOrder{Prev: w.clock.Current(), Seq: e.Seq}
	}
	frame, err := EncodeFrame(e)
	if err != nil {
		return e, err
	}
	if _, err := w.w.Write(frame); err != nil {
		return e, fmt.Errorf("append #%d: %w", e.Seq, err)
	}
	w.clock.Observe(e.Seq)
	return e, nil
}

// LastSeq returns the sequence number of the last appended entry.
func (w *Writer) LastSeq() uint64 {
	return w.clock.Current()
}

// FileWriter is a Writer bound to a file it owns.
type FileWriter struct {
	*Writer
	f *os.File
}

// OpenFileWriter opens path for appending, creating the journal if needed.
// An existing journal is indexed to find where its sequence left off.
func OpenFileWriter(ctx context.Context, path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal for append: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat journal: %w", err)
	}
	if info.Size() == 0 {
		w, err := NewWriter(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &FileWriter{Writer: w, f: f}, nil
	}

	r, err := NewReader(&FileSource{f: f})
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := r.Index(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("refusing to append to damaged journal: %w", err)
	}
	return &FileWriter{Writer: ResumeWriter(f, r.LastSeq(ctx)), f: f}, nil
}

// Close syncs and closes the file.
func (fw *FileWriter) Close() error {
	if err := fw.f.Sync(); err != nil {
		fw.f.Close()
		return fmt.Errorf("sync journal: %w", err)
	}
	return fw.f.Close()
}
