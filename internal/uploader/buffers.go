package uploader

import (
	"bytes"
	"io"
	"os"
)

// partBuffer is a seekable, closeable holder for one pending part's bytes.
// Retries replay from this buffer; the body stream itself is never
// rewound, per section 4.7.
type partBuffer interface {
	io.ReadSeeker
	Close() error
	Len() int64
}

type memBuffer struct {
	*bytes.Reader
	size int64
}

func (m *memBuffer) Close() error { return nil }
func (m *memBuffer) Len() int64   { return m.size }

type spoolBuffer struct {
	f    *os.File
	path string
	size int64
}

func (s *spoolBuffer) Read(p []byte) (int, error)                 { return s.f.Read(p) }
func (s *spoolBuffer) Seek(offset int64, whence int) (int64, error) { return s.f.Seek(offset, whence) }
func (s *spoolBuffer) Len() int64                                  { return s.size }

func (s *spoolBuffer) Close() error {
	closeErr := s.f.Close()
	removeErr := os.Remove(s.path)
	if closeErr != nil {
		return closeErr
	}
	return removeErr
}
