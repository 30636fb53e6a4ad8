package pbench

import (
	"context"
	"fmt"
	"net"
)

// IOVecServer reads requests chunk by chunk like TCPServer but hands all
// chunks of a response to the kernel in a single vectored write.
type IOVecServer struct{}

func (s *IOVecServer) Serve(ctx context.Context, ln net.Listener) error {
	return serveConns(ctx, ln, string(KindIOVec), s.handleConnection)
}

func (s *IOVecServer) handleConnection(conn net.Conn) error {
	requests := NewRequestReader(conn)

	var (
		payload []byte
		frame   []byte
		chunks  [][]byte
	)
	for {
		msg, err := requests.Recv()
		if err != nil {
			return err
		}
		payload, err = respond(string(KindIOVec), payload[:0], msg)
		if err != nil {
			return err
		}
		frame, err = AppendFrame(frame[:0], payload)
		if err != nil {
			return err
		}

		chunks = chunks[:0]
		for off := 0; off < len(frame); off += ChunkSize {
			chunks = append(chunks, frame[off:off+ChunkSize])
		}
		if err := writeChunks(conn, chunks); err != nil {
			return err
		}
	}
}

// writeChunks issues one writev for all chunks. Every vector must be a whole
// chunk.
func writeChunks(conn net.Conn, chunks [][]byte) error {
	for i, c := range chunks {
		if len(c) != ChunkSize {
			return fmt.Errorf("%w: vector %d has %d bytes", ErrChunkSize, i, len(c))
		}
	}
	bufs := net.Buffers(chunks)
	_, err := bufs.WriteTo(conn)
	return err
}
