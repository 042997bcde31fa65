package journal

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Source is a byte-addressable, append-only journal. ReadAt serves "read
// entry at offset"; Size bounds "read from offset N to end". Size may grow
// between calls; bytes below a previously reported size never change.
type Source interface {
	io.ReaderAt
	Size() int64
}

// BytesSource serves a journal held in memory.
func BytesSource(b []byte) Source {
	return bytes.NewReader(b)
}

// FileSource serves a journal file. The size is re-read on every call so
// that appends by another process become visible.
type FileSource struct {
	f *os.File
}

// OpenFile opens a journal file read-only.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &FileSource{f: f}, nil
}

// ReadAt implements io.ReaderAt.
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

// Size returns the current file size, or 0 if it cannot be determined.
func (s *FileSource) Size() int64 {
	info, err := s.f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	return s.f.Close()
}
