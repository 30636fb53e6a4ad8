package pbench

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameLen(t *testing.T) {
	tests := []struct {
		n, want int
	}{
		{0, 128},
		{1, 128},
		{124, 128},
		{125, 256},
		{248, 256},
		{249, 384},
		{376, 384},
		{377, 512},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FrameLen(tt.n), "payload of %d bytes", tt.n)
	}
}

func TestAppendFrameHeaders(t *testing.T) {
	frame, err := AppendFrame(nil, pattern(124, 1))
	require.NoError(t, err)
	require.Len(t, frame, ChunkSize)
	assert.Equal(t, uint32(124), binary.BigEndian.Uint32(frame))

	frame, err = AppendFrame(nil, pattern(125, 1))
	require.NoError(t, err)
	require.Len(t, frame, 2*ChunkSize)
	assert.Equal(t, uint64(125), binary.BigEndian.Uint64(frame))
	assert.Equal(t, pattern(125, 1), frame[8:8+125])

	frame, err = AppendFrame(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, ChunkSize), frame)
}

func TestAppendFrameTooLarge(t *testing.T) {
	_, err := AppendFrame(nil, make([]byte, MaxMessageSize+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestFrameRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 120, 124, 125, 248, 249, 1000, 64 << 10} {
		var buf bytes.Buffer
		cs := NewChunkStream(&buf)
		payload := pattern(n, byte(n))

		require.NoError(t, NewFrameWriter(cs).WriteMessage(payload))
		assert.Equal(t, FrameLen(n), buf.Len(), "payload of %d bytes", n)

		got, err := NewFrameReader(cs).ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, payload, got, "payload of %d bytes", n)
		assert.Zero(t, buf.Len())
	}
}

func TestFrameReaderSequence(t *testing.T) {
	var buf bytes.Buffer
	cs := NewChunkStream(&buf)
	w := NewFrameWriter(cs)
	sizes := []int{3, 300, 0, 124, 125}
	for _, n := range sizes {
		require.NoError(t, w.WriteMessage(pattern(n, byte(n))))
	}

	r := NewFrameReader(cs)
	for _, n := range sizes {
		got, err := r.ReadMessage()
		require.NoError(t, err)
		assert.Len(t, got, n)
	}
	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderResumesAfterTimeout(t *testing.T) {
	payload := pattern(300, 5)
	frame, err := AppendFrame(nil, payload)
	require.NoError(t, err)

	r := &scriptedReader{steps: []step{
		{data: frame[:ChunkSize+10], err: os.ErrDeadlineExceeded},
		{err: os.ErrDeadlineExceeded},
		{data: frame[ChunkSize+10:]},
	}}
	fr := NewFrameReader(NewChunkStream(r))

	_, err = fr.ReadMessage()
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	_, err = fr.ReadMessage()
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	got, err := fr.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameTruncated(t *testing.T) {
	frame, err := AppendFrame(nil, pattern(500, 0))
	require.NoError(t, err)

	fr := NewFrameReader(NewChunkStream(bytes.NewBuffer(frame[:2*ChunkSize])))
	_, err = fr.ReadMessage()
	assert.ErrorIs(t, err, ErrFraming)
}

func TestFrameBadHeaders(t *testing.T) {
	small := make([]byte, ChunkSize)
	binary.BigEndian.PutUint32(small, MaxSmallPayload+1)
	_, err := NewFrameReader(NewChunkStream(bytes.NewBuffer(small))).ReadMessage()
	assert.ErrorIs(t, err, ErrFraming)

	large := make([]byte, ChunkSize)
	binary.BigEndian.PutUint64(large, MaxMessageSize+1)
	_, err = NewFrameReader(NewChunkStream(bytes.NewBuffer(large))).ReadMessage()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestReassemble(t *testing.T) {
	var stream []byte
	var err error
	for _, n := range []int{10, 200, 0} {
		stream, err = AppendFrame(stream, pattern(n, byte(n)))
		require.NoError(t, err)
	}

	// Incomplete prefixes yield nothing.
	for _, cut := range []int{0, 1, ChunkSize - 1, ChunkSize + 1, 2*ChunkSize + 5} {
		msg, n, err := Reassemble(stream[ChunkSize:][:min(cut, 2*ChunkSize-1)])
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Nil(t, msg)
	}

	var got [][]byte
	for len(stream) > 0 {
		msg, n, err := Reassemble(stream)
		require.NoError(t, err)
		require.NotZero(t, n)
		got = append(got, msg)
		stream = stream[n:]
	}
	require.Len(t, got, 3)
	assert.Equal(t, pattern(10, 10), got[0])
	assert.Equal(t, pattern(200, 200), got[1])
	assert.Empty(t, got[2])
}

func TestReassembleBadHeader(t *testing.T) {
	buf := make([]byte, ChunkSize)
	binary.BigEndian.PutUint32(buf, 125)
	_, _, err := Reassemble(buf)
	assert.ErrorIs(t, err, ErrFraming)
}
