// Package chunker splits a byte stream into fixed-size logical chunks as
// specified in section 4.6, computing a running SHA-256 per chunk while
// streaming so the digest is available the instant the chunk's final byte
// is read, without ever materializing a full chunk in memory.
package chunker

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// peekBufferSize is the bufio.Reader lookahead used only to detect
// end-of-stream without consuming bytes; it is unrelated to chunk size.
const peekBufferSize = 64 * 1024

// Chunker produces a sequence of ChunkReaders, each yielding exactly
// chunkSize bytes except possibly the last, which may be shorter. The
// sequence ends at stream EOF; a stream whose length is an exact multiple
// of chunkSize emits no empty trailing chunk.
type Chunker struct {
	br        *bufio.Reader
	chunkSize int64
	done      bool
}

// New wraps src, chunking it into pieces of chunkSize bytes.
func New(src io.Reader, chunkSize int64) *Chunker {
	return &Chunker{br: bufio.NewReaderSize(src, peekBufferSize), chunkSize: chunkSize}
}

// Next returns the next chunk sub-stream, or ok=false once the underlying
// stream is exhausted. The returned ChunkReader must be fully read (to
// io.EOF) before calling Next again, since both share the same source.
func (c *Chunker) Next() (cr *ChunkReader, ok bool, err error) {
	if c.done {
		return nil, false, nil
	}

	if _, err := c.br.Peek(1); err != nil {
		if err == io.EOF {
			c.done = true
			return nil, false, nil
		}
		return nil, false, err
	}

	return &ChunkReader{
		br:    c.br,
		limit: c.chunkSize,
		hash:  sha256.New(),
		onEOF: func() { c.done = true },
	}, true, nil
}

// ChunkReader is a bounded sub-stream over one logical chunk. Reads are
// capped at the chunk's remaining byte budget; consumers should read it
// in bounded-size buffers (the uploader reads directly into its part
// buffers), never all at once.
type ChunkReader struct {
	br    *bufio.Reader
	limit int64
	hash  hash.Hash
	size  int64
	onEOF func()
}

// Read implements io.Reader, stopping at the chunk boundary or the
// underlying stream's EOF, whichever comes first.
func (cr *ChunkReader) Read(p []byte) (int, error) {
	if cr.limit <= 0 {
		return 0, io.EOF
	}

	if int64(len(p)) > cr.limit {
		p = p[:cr.limit]
	}

	n, err := cr.br.Read(p)
	if n > 0 {
		cr.hash.Write(p[:n])
		cr.size += int64(n)
		cr.limit -= int64(n)
	}

	if err == io.EOF {
		if cr.onEOF != nil {
			cr.onEOF()
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
	if err != nil {
		return n, err
	}
	return n, nil
}

// Size returns the number of bytes read so far (final once the
// sub-stream has reached io.EOF).
func (cr *ChunkReader) Size() int64 { return cr.size }

// SHA256Hex returns the running SHA-256 digest, hex-encoded. Only
// meaningful once the sub-stream has been fully read.
func (cr *ChunkReader) SHA256Hex() string {
	return hex.EncodeToString(cr.hash.Sum(nil))
}
