package pbench

// RingServer multiplexes every connection on one goroutine, pinned to one
// OS thread, through a single io_uring submission/completion ring. It is
// only available on Linux.
type RingServer struct {
	// RingSize is the submission queue capacity.
	RingSize uint32
}

const (
	// minRingSize leaves completion slots for one send and one recv next
	// to the accept and the wakeup poll.
	minRingSize  = 2
	ringRecvSize = 16 * ChunkSize
	// A connection is not read from while this many responses wait to be
	// written to it.
	maxQueuedResponses = 64
)

var ringRecvBuffers = NewPool(func() *[ringRecvSize]byte {
	return new([ringRecvSize]byte)
})
