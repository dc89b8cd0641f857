package chunker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, cr *ChunkReader) []byte {
	t.Helper()
	data, err := io.ReadAll(cr)
	require.NoError(t, err)
	return data
}

func TestExactMultipleOfChunkSizeEmitsNoEmptyTrailer(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 20)
	c := New(bytes.NewReader(data), 10)

	var chunks [][]byte
	for {
		cr, ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		chunks = append(chunks, readAll(t, cr))
	}

	require.Len(t, chunks, 2)
	require.Len(t, chunks[0], 10)
	require.Len(t, chunks[1], 10)
}

func TestLastChunkShorterThanConfiguredSize(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, 25)
	c := New(bytes.NewReader(data), 10)

	var sizes []int64
	for {
		cr, ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		readAll(t, cr)
		sizes = append(sizes, cr.Size())
	}

	require.Equal(t, []int64{10, 10, 5}, sizes)
}

func TestEmptyStreamEmitsNoChunks(t *testing.T) {
	c := New(bytes.NewReader(nil), 10)
	_, ok, err := c.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPerChunkDigestMatchesDirectSHA256(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 30)
	c := New(bytes.NewReader(data), 10)

	cr, ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	got := readAll(t, cr)

	want := sha256.Sum256(got)
	require.Equal(t, hex.EncodeToString(want[:]), cr.SHA256Hex())
}

func TestConcatenatedChunksReproduceOriginalStream(t *testing.T) {
	data := make([]byte, 37)
	for i := range data {
		data[i] = byte(i)
	}
	c := New(bytes.NewReader(data), 8)

	var out bytes.Buffer
	for {
		cr, ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		_, err = io.Copy(&out, cr)
		require.NoError(t, err)
	}

	require.Equal(t, data, out.Bytes())
}
