package pbench

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// step is one scripted result of a Read call.
type step struct {
	data []byte
	err  error
}

// scriptedReader replays reads step by step, then reports io.EOF.
type scriptedReader struct {
	steps []step
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	if len(r.steps) == 0 {
		return 0, io.EOF
	}
	s := &r.steps[0]
	n := copy(p, s.data)
	s.data = s.data[n:]
	if len(s.data) > 0 {
		return n, nil
	}
	r.steps = r.steps[1:]
	return n, s.err
}

func (r *scriptedReader) Write(p []byte) (int, error) { return len(p), nil }

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestChunkSizeEnforced(t *testing.T) {
	cs := NewChunkStream(&bytes.Buffer{})
	for _, n := range []int{0, 1, ChunkSize - 1, ChunkSize + 1} {
		assert.ErrorIs(t, cs.SendChunk(make([]byte, n)), ErrChunkSize)
		assert.ErrorIs(t, cs.RecvChunk(make([]byte, n)), ErrChunkSize)
	}
}

func TestChunkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cs := NewChunkStream(&buf)

	a, b := pattern(ChunkSize, 0), pattern(ChunkSize, 7)
	require.NoError(t, cs.SendChunk(a))
	require.NoError(t, cs.SendChunk(b))
	assert.Equal(t, 2*ChunkSize, buf.Len())

	got := make([]byte, ChunkSize)
	require.NoError(t, cs.RecvChunk(got))
	assert.Equal(t, a, got)
	require.NoError(t, cs.RecvChunk(got))
	assert.Equal(t, b, got)
	assert.ErrorIs(t, cs.RecvChunk(got), io.EOF)
}

func TestChunkShortReadsAreJoined(t *testing.T) {
	want := pattern(ChunkSize, 3)
	r := &scriptedReader{steps: []step{
		{data: want[:1]},
		{data: want[1:60]},
		{data: want[60:]},
	}}
	got := make([]byte, ChunkSize)
	require.NoError(t, NewChunkStream(r).RecvChunk(got))
	assert.Equal(t, want, got)
}

func TestChunkResumesAfterTimeout(t *testing.T) {
	want := pattern(ChunkSize, 9)
	r := &scriptedReader{steps: []step{
		{data: want[:50], err: os.ErrDeadlineExceeded},
		{err: os.ErrDeadlineExceeded},
		{data: want[50:]},
	}}
	cs := NewChunkStream(r)
	got := make([]byte, ChunkSize)

	require.ErrorIs(t, cs.RecvChunk(got), os.ErrDeadlineExceeded)
	assert.True(t, cs.Partial())
	require.ErrorIs(t, cs.RecvChunk(got), os.ErrDeadlineExceeded)
	require.NoError(t, cs.RecvChunk(got))
	assert.False(t, cs.Partial())
	assert.Equal(t, want, got)
}

func TestChunkEOFInsideChunk(t *testing.T) {
	r := &scriptedReader{steps: []step{{data: pattern(10, 0)}}}
	err := NewChunkStream(r).RecvChunk(make([]byte, ChunkSize))
	assert.ErrorIs(t, err, ErrFraming)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
