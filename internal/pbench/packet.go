package pbench

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/alarmfox/woonsocket/internal/clock"
	"github.com/alarmfox/woonsocket/internal/work"
)

// ProtocolVersion is the first byte of every encoded packet.
const ProtocolVersion = 1

const (
	// version | id | send time | work kind | work amount
	requestSize = 1 + 8 + 8 + 1 + 8
	// version | status | processing time | id | send time | payload flag
	responseMinSize = 1 + 1 + 8 + 8 + 8 + 1
)

var (
	ErrShortPacket   = errors.New("packet shorter than its fixed fields")
	ErrPayloadLength = errors.New("payload length disagrees with remaining bytes")
	ErrTrailingBytes = errors.New("trailing bytes after packet")
	ErrVersion       = errors.New("unsupported protocol version")
	ErrInvalidWork   = errors.New("invalid work in request")
	ErrBadStatus     = errors.New("unknown response status")
	ErrPayloadFlag   = errors.New("unknown payload presence flag")
)

type Status uint8

const (
	StatusCompleted Status = iota
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

type Request struct {
	ID       uint64
	Work     work.Work
	SendTime uint64 // epoch microseconds
}

// NewRequest stamps the request with the clock's current epoch time.
func NewRequest(id uint64, w work.Work, c clock.Clock) Request {
	return Request{ID: id, Work: w, SendTime: clock.EpochMicros(c)}
}

type Response struct {
	Status         Status
	ProcessingTime uint64 // microseconds, monotonic
	ID             uint64
	SendTime       uint64
	Payload        []byte // nil when absent
}

// Execute performs the request's work and builds the response. Processing
// time is measured on the monotonic clock.
func (r Request) Execute() Response {
	start := time.Now()
	payload := r.Work.Perform()
	elapsed := time.Since(start)

	return Response{
		Status:         StatusCompleted,
		ProcessingTime: uint64(elapsed.Microseconds()),
		ID:             r.ID,
		SendTime:       r.SendTime,
		Payload:        payload,
	}
}

// Failed builds the response for a request whose work could not be run.
func (r Request) Failed() Response {
	return Response{Status: StatusFailed, ID: r.ID, SendTime: r.SendTime}
}

func (r Request) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, ProtocolVersion)
	b = binary.BigEndian.AppendUint64(b, r.ID)
	b = binary.BigEndian.AppendUint64(b, r.SendTime)
	b = append(b, byte(r.Work.Kind))
	b = binary.BigEndian.AppendUint64(b, r.Work.Amount)
	return b, nil
}

func (r Request) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(make([]byte, 0, requestSize))
}

// UnmarshalBinary decodes a request. When only the work is invalid the
// id and send time are still filled in and the error wraps ErrInvalidWork,
// so the server can answer with a failed response.
func (r *Request) UnmarshalBinary(b []byte) error {
	if len(b) < requestSize {
		return fmt.Errorf("%w: request has %d bytes, need %d", ErrShortPacket, len(b), requestSize)
	}
	if b[0] != ProtocolVersion {
		return fmt.Errorf("%w: %d", ErrVersion, b[0])
	}
	if len(b) > requestSize {
		return fmt.Errorf("%w: %d", ErrTrailingBytes, len(b)-requestSize)
	}
	*r = Request{
		ID:       binary.BigEndian.Uint64(b[1:]),
		SendTime: binary.BigEndian.Uint64(b[9:]),
		Work: work.Work{
			Kind:   work.Kind(b[17]),
			Amount: binary.BigEndian.Uint64(b[18:]),
		},
	}
	if err := r.Work.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWork, err)
	}
	return nil
}

func (r Response) AppendBinary(b []byte) ([]byte, error) {
	if len(r.Payload) > MaxMessageSize {
		return b, fmt.Errorf("%w: payload of %d bytes", ErrMessageTooLarge, len(r.Payload))
	}
	b = append(b, ProtocolVersion, byte(r.Status))
	b = binary.BigEndian.AppendUint64(b, r.ProcessingTime)
	b = binary.BigEndian.AppendUint64(b, r.ID)
	b = binary.BigEndian.AppendUint64(b, r.SendTime)
	if r.Payload == nil {
		return append(b, 0), nil
	}
	b = append(b, 1)
	b = binary.BigEndian.AppendUint32(b, uint32(len(r.Payload)))
	return append(b, r.Payload...), nil
}

func (r Response) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(make([]byte, 0, responseMinSize+4+len(r.Payload)))
}

func (r *Response) UnmarshalBinary(b []byte) error {
	if len(b) < responseMinSize {
		return fmt.Errorf("%w: response has %d bytes, need %d", ErrShortPacket, len(b), responseMinSize)
	}
	if b[0] != ProtocolVersion {
		return fmt.Errorf("%w: %d", ErrVersion, b[0])
	}
	status := Status(b[1])
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("%w: %d", ErrBadStatus, b[1])
	}
	resp := Response{
		Status:         status,
		ProcessingTime: binary.BigEndian.Uint64(b[2:]),
		ID:             binary.BigEndian.Uint64(b[10:]),
		SendTime:       binary.BigEndian.Uint64(b[18:]),
	}

	rest := b[responseMinSize:]
	switch b[responseMinSize-1] {
	case 0:
		if len(rest) != 0 {
			return fmt.Errorf("%w: %d", ErrTrailingBytes, len(rest))
		}
	case 1:
		if len(rest) < 4 {
			return fmt.Errorf("%w: missing payload length", ErrShortPacket)
		}
		n := binary.BigEndian.Uint32(rest)
		rest = rest[4:]
		if uint64(n) != uint64(len(rest)) {
			return fmt.Errorf("%w: declared %d, have %d", ErrPayloadLength, n, len(rest))
		}
		resp.Payload = append(make([]byte, 0, n), rest...)
	default:
		return fmt.Errorf("%w: %d", ErrPayloadFlag, b[responseMinSize-1])
	}

	*r = resp
	return nil
}

// Handle decodes one request payload and returns the encoded response
// payload appended to dst. Requests with invalid work get a failed
// response; anything else that does not decode is returned as an error.
func Handle(dst, msg []byte) ([]byte, Request, Response, error) {
	var req Request
	err := req.UnmarshalBinary(msg)
	var resp Response
	switch {
	case err == nil:
		resp = req.Execute()
	case errors.Is(err, ErrInvalidWork):
		resp = req.Failed()
	default:
		return dst, req, resp, err
	}
	dst, err = resp.AppendBinary(dst)
	return dst, req, resp, err
}
