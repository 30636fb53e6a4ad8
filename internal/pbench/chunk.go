package pbench

import (
	"errors"
	"fmt"
	"io"
)

// ChunkSize is the only transfer unit on the wire.
const ChunkSize = 128

var (
	ErrChunkSize = errors.New("chunk must be exactly 128 bytes")
	ErrFraming   = errors.New("framing error")
)

// ChunkStream restricts a byte stream to whole chunk transfers. A read
// interrupted by a deadline keeps the bytes it already got, so the next
// RecvChunk resumes where the previous one stopped.
type ChunkStream struct {
	rw io.ReadWriter

	rbuf [ChunkSize]byte
	rn   int
}

func NewChunkStream(rw io.ReadWriter) *ChunkStream {
	return &ChunkStream{rw: rw}
}

func (c *ChunkStream) SendChunk(chunk []byte) error {
	if len(chunk) != ChunkSize {
		return fmt.Errorf("%w: send of %d bytes", ErrChunkSize, len(chunk))
	}
	_, err := c.rw.Write(chunk)
	return err
}

// RecvChunk fills chunk with the next chunk from the stream. io.EOF is
// returned only when the stream ends on a chunk boundary.
func (c *ChunkStream) RecvChunk(chunk []byte) error {
	if len(chunk) != ChunkSize {
		return fmt.Errorf("%w: receive of %d bytes", ErrChunkSize, len(chunk))
	}
	for c.rn < ChunkSize {
		n, err := c.rw.Read(c.rbuf[c.rn:])
		c.rn += n
		if c.rn == ChunkSize {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) && c.rn > 0 {
				return fmt.Errorf("%w: stream closed after %d bytes of a chunk: %w", ErrFraming, c.rn, io.ErrUnexpectedEOF)
			}
			return err
		}
	}
	copy(chunk, c.rbuf[:])
	c.rn = 0
	return nil
}

// Partial reports whether a chunk read is in progress.
func (c *ChunkStream) Partial() bool {
	return c.rn > 0
}
