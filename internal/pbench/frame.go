package pbench

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	smallHeaderSize = 4
	largeHeaderSize = 8

	// MaxSmallPayload is the largest message sent with the 4-byte header.
	MaxSmallPayload = ChunkSize - smallHeaderSize

	// MaxMessageSize keeps large lengths below 2^32, so the first four bytes
	// of a large header are always zero and cannot be mistaken for a small
	// header.
	MaxMessageSize = 64 << 20
)

var ErrMessageTooLarge = errors.New("message exceeds maximum size")

func isSmall(n int) bool {
	return n > 0 && n <= MaxSmallPayload
}

// FrameLen returns the number of bytes a payload of n bytes occupies on the
// wire. It is always a multiple of ChunkSize.
func FrameLen(n int) int {
	if isSmall(n) {
		return ChunkSize
	}
	return frameLen(n, largeHeaderSize)
}

func frameLen(n, header int) int {
	if n <= ChunkSize-header {
		return ChunkSize
	}
	rest := n - (ChunkSize - header)
	return ChunkSize + (rest+ChunkSize-1)/ChunkSize*ChunkSize
}

// AppendFrame appends the chunk-aligned framing of payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	n := len(payload)
	if n > MaxMessageSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}

	start := len(dst)
	total := FrameLen(n)
	if cap(dst)-start < total {
		grown := make([]byte, start, start+total)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:start+total]
	frame := dst[start:]
	clear(frame)

	if isSmall(n) {
		binary.BigEndian.PutUint32(frame, uint32(n))
		copy(frame[smallHeaderSize:], payload)
	} else {
		binary.BigEndian.PutUint64(frame, uint64(n))
		copy(frame[largeHeaderSize:], payload)
	}
	return dst, nil
}

// parseHeader reads the first chunk of a message and returns the declared
// payload length and the header size.
func parseHeader(chunk []byte) (int, int, error) {
	small := binary.BigEndian.Uint32(chunk)
	if small != 0 {
		if small > MaxSmallPayload {
			return 0, 0, fmt.Errorf("%w: small header declares %d bytes", ErrFraming, small)
		}
		return int(small), smallHeaderSize, nil
	}
	total := binary.BigEndian.Uint64(chunk)
	if total > MaxMessageSize {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, total)
	}
	return int(total), largeHeaderSize, nil
}

// Reassemble extracts the first complete message from a chunk-aligned
// buffer. It returns the payload and the number of bytes consumed, or
// n == 0 when buf does not hold a whole message yet. The payload aliases
// buf.
func Reassemble(buf []byte) (msg []byte, n int, err error) {
	if len(buf) < ChunkSize {
		return nil, 0, nil
	}
	total, header, err := parseHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	frame := frameLen(total, header)
	if len(buf) < frame {
		return nil, 0, nil
	}
	return buf[header : header+total], frame, nil
}

// FrameWriter sends whole messages over a ChunkStream.
type FrameWriter struct {
	cs  *ChunkStream
	buf []byte
}

func NewFrameWriter(cs *ChunkStream) *FrameWriter {
	return &FrameWriter{cs: cs}
}

// WriteMessage computes the full framing before the first chunk goes out,
// so the header always carries the final length.
func (w *FrameWriter) WriteMessage(payload []byte) error {
	var err error
	w.buf, err = AppendFrame(w.buf[:0], payload)
	if err != nil {
		return err
	}
	for off := 0; off < len(w.buf); off += ChunkSize {
		if err := w.cs.SendChunk(w.buf[off : off+ChunkSize]); err != nil {
			return err
		}
	}
	return nil
}

// FrameReader reassembles messages from a ChunkStream. If ReadMessage
// returns a timeout, the partially read message is kept and the next call
// continues it.
type FrameReader struct {
	cs    *ChunkStream
	chunk [ChunkSize]byte

	inMsg bool
	total int
	msg   []byte
}

func NewFrameReader(cs *ChunkStream) *FrameReader {
	return &FrameReader{cs: cs}
}

// ReadMessage returns the next payload. io.EOF means the peer closed the
// stream between messages; a close inside a message is ErrFraming.
func (r *FrameReader) ReadMessage() ([]byte, error) {
	if !r.inMsg {
		if err := r.cs.RecvChunk(r.chunk[:]); err != nil {
			return nil, err
		}
		total, header, err := parseHeader(r.chunk[:])
		if err != nil {
			return nil, err
		}
		r.inMsg = true
		r.total = total
		r.msg = make([]byte, 0, total)
		r.msg = append(r.msg, r.chunk[header:header+min(total, ChunkSize-header)]...)
	}

	for len(r.msg) < r.total {
		if err := r.cs.RecvChunk(r.chunk[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: stream closed after %d of %d bytes: %w", ErrFraming, len(r.msg), r.total, io.ErrUnexpectedEOF)
			}
			return nil, err
		}
		take := min(r.total-len(r.msg), ChunkSize)
		r.msg = append(r.msg, r.chunk[:take]...)
	}

	msg := r.msg
	r.inMsg = false
	r.msg = nil
	r.total = 0
	return msg, nil
}
