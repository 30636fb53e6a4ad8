package pbench

import (
	"io"
)

// The four directional halves of the work protocol. A client holds a
// RequestWriter and a ResponseReader over one connection, a server the
// opposite pair. Each half owns its own ChunkStream, so the read and write
// cursors are independent and the halves may be used from different
// goroutines.

type RequestWriter struct {
	w   *FrameWriter
	buf []byte
}

func NewRequestWriter(w io.Writer) *RequestWriter {
	return &RequestWriter{w: NewFrameWriter(NewChunkStream(writeOnly{w}))}
}

func (rw *RequestWriter) Send(req Request) error {
	var err error
	rw.buf, err = req.AppendBinary(rw.buf[:0])
	if err != nil {
		return err
	}
	return rw.w.WriteMessage(rw.buf)
}

type RequestReader struct {
	r *FrameReader
}

func NewRequestReader(r io.Reader) *RequestReader {
	return &RequestReader{r: NewFrameReader(NewChunkStream(readOnly{r}))}
}

// Recv returns the raw request payload; decoding is left to the caller so
// invalid work can still be answered.
func (rr *RequestReader) Recv() ([]byte, error) {
	return rr.r.ReadMessage()
}

type ResponseWriter struct {
	w   *FrameWriter
	buf []byte
}

func NewResponseWriter(w io.Writer) *ResponseWriter {
	return &ResponseWriter{w: NewFrameWriter(NewChunkStream(writeOnly{w}))}
}

func (rw *ResponseWriter) Send(resp Response) error {
	var err error
	rw.buf, err = resp.AppendBinary(rw.buf[:0])
	if err != nil {
		return err
	}
	return rw.w.WriteMessage(rw.buf)
}

// SendEncoded frames an already encoded response payload.
func (rw *ResponseWriter) SendEncoded(payload []byte) error {
	return rw.w.WriteMessage(payload)
}

type ResponseReader struct {
	r *FrameReader
}

func NewResponseReader(r io.Reader) *ResponseReader {
	return &ResponseReader{r: NewFrameReader(NewChunkStream(readOnly{r}))}
}

func (rr *ResponseReader) Recv() (Response, error) {
	msg, err := rr.r.ReadMessage()
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := resp.UnmarshalBinary(msg); err != nil {
		return Response{}, err
	}
	return resp, nil
}

type readOnly struct{ io.Reader }

func (readOnly) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

type writeOnly struct{ io.Writer }

func (writeOnly) Read([]byte) (int, error) { return 0, io.EOF }
