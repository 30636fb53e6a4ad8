package pbench

import (
	"go.uber.org/zap"
)

// Sample is one latency observation derived on the client.
type Sample struct {
	Latency        uint64 // microseconds
	SendTime       uint64 // epoch microseconds
	ProcessingTime uint64 // microseconds
	RecvTime       uint64 // epoch microseconds
}

// Latency computes the one-way network latency of a completed response:
// the round trip minus server processing time, halved. Both network legs
// are assumed symmetric and client-side enqueue delay is ignored. Failed
// responses and responses received "before" they were sent produce no
// sample.
func (r Response) Latency(recvTime uint64) (Sample, bool) {
	if r.Status != StatusCompleted {
		return Sample{}, false
	}
	if recvTime < r.SendTime {
		zap.L().Warn("timestamp inconsistency, dropping sample",
			zap.Uint64("send_us", r.SendTime),
			zap.Uint64("recv_us", recvTime),
			zap.Uint64("id", r.ID),
		)
		return Sample{}, false
	}

	rtt := recvTime - r.SendTime
	var latency uint64
	// Processing time comes from the server's monotonic clock and can exceed
	// an epoch-based rtt under clock adjustment.
	if rtt >= r.ProcessingTime {
		latency = (rtt - r.ProcessingTime) / 2
	}

	return Sample{
		Latency:        latency,
		SendTime:       r.SendTime,
		ProcessingTime: r.ProcessingTime,
		RecvTime:       recvTime,
	}, true
}
