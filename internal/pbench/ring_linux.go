//go:build linux

package pbench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/alarmfox/woonsocket/internal/uring"
)

const (
	opAccept uint8 = iota + 1
	opRecv
	opSend
	opWake
)

func userData(fd int, op uint8) uint64 {
	return uint64(uint32(fd))<<8 | uint64(op)
}

func splitUserData(u uint64) (int, uint8) {
	return int(int32(uint32(u >> 8))), uint8(u)
}

type ringConn struct {
	fd int

	// in holds received bytes not yet reassembled into a request.
	in      []byte
	recvBuf *[ringRecvSize]byte

	// sends are framed responses in request order; only the head is ever
	// in flight.
	sends   []*[]byte
	sendOff int

	recvPending bool
	sendPending bool

	eof    bool // peer closed its write side
	broken bool // queued responses are dropped
}

func (c *ringConn) pending() bool {
	return c.recvPending || c.sendPending
}

func (c *ringConn) finished() bool {
	return c.broken || (c.eof && len(c.sends) == 0)
}

type ringReactor struct {
	ring     *uring.Ring
	listenFd int
	wakeFd   int
	conns    map[int]*ringConn

	acceptPending bool
	wakePending   bool
	stopping      bool

	inflight    uint32
	maxInflight uint32

	payload []byte
	logger  *zap.Logger
}

func (s *RingServer) Serve(ctx context.Context, ln net.Listener) error {
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return fmt.Errorf("ring server needs a TCP listener, got %T", ln)
	}
	// The duplicate outlives the Go listener; Fd puts it in blocking mode,
	// which is what the ring expects.
	f, err := tcpLn.File()
	ln.Close()
	if err != nil {
		return err
	}
	defer f.Close()

	ring, err := uring.New(s.RingSize)
	if err != nil {
		return err
	}
	defer ring.Close()

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("eventfd: %w", err)
	}

	var wg sync.WaitGroup
	stopped := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			var one [8]byte
			one[0] = 1
			unix.Write(wakeFd, one[:])
		case <-stopped:
		}
	}()
	defer func() {
		close(stopped)
		wg.Wait()
		unix.Close(wakeFd)
	}()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r := &ringReactor{
		ring:        ring,
		listenFd:    int(f.Fd()),
		wakeFd:      wakeFd,
		conns:       make(map[int]*ringConn),
		maxInflight: ring.CQEntries(),
		logger:      zap.L().With(zap.String("server", string(KindRing))),
	}
	r.logger.Debug("ring ready", zap.Uint32("sq", ring.SQEntries()), zap.Uint32("cq", ring.CQEntries()))
	return r.run(ctx)
}

func (r *ringReactor) run(ctx context.Context) error {
	defer r.shutdown()

	for !r.stopping && ctx.Err() == nil {
		r.arm()
		n, err := r.ring.SubmitAndWait(1)
		ringSubmissionsTotal.Add(float64(n))
		switch {
		case err == nil, errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EBUSY), errors.Is(err, unix.EAGAIN):
			// Completion queue is full; reaping below makes room.
		default:
			return fmt.Errorf("io_uring_enter: %w", err)
		}
		r.ring.Completions(r.complete)
		r.reap()
	}
	return nil
}

func (r *ringReactor) room() bool {
	return r.inflight < r.maxInflight
}

// arm queues every operation that can be started now. Sends are armed for
// every connection before any recv, since a recv parked on an idle
// connection may hold its slot forever. When the ring or the completion
// budget is exhausted the rest waits for the next iteration.
func (r *ringReactor) arm() {
	if !r.acceptPending {
		if !r.room() || !r.ring.PrepAccept(r.listenFd, userData(r.listenFd, opAccept)) {
			ringBackpressureTotal.Inc()
			return
		}
		r.acceptPending = true
		r.inflight++
	}
	if !r.wakePending {
		if !r.room() || !r.ring.PrepPollIn(r.wakeFd, userData(r.wakeFd, opWake)) {
			ringBackpressureTotal.Inc()
			return
		}
		r.wakePending = true
		r.inflight++
	}

	for fd, c := range r.conns {
		if c.broken || c.sendPending || len(c.sends) == 0 {
			continue
		}
		head := *c.sends[0]
		if !r.room() || !r.ring.PrepSend(fd, head[c.sendOff:], userData(fd, opSend)) {
			ringBackpressureTotal.Inc()
			return
		}
		c.sendPending = true
		r.inflight++
	}
	for fd, c := range r.conns {
		if c.broken || c.recvPending || c.eof || len(c.sends) >= maxQueuedResponses {
			continue
		}
		if !r.room() || !r.ring.PrepRecv(fd, c.recvBuf[:], userData(fd, opRecv)) {
			ringBackpressureTotal.Inc()
			return
		}
		c.recvPending = true
		r.inflight++
	}
}

func (r *ringReactor) complete(cqe uring.CQE) {
	r.inflight--
	fd, op := splitUserData(cqe.UserData)

	switch op {
	case opAccept:
		r.acceptPending = false
		r.onAccept(cqe.Res)
	case opWake:
		r.wakePending = false
		r.stopping = true
	case opRecv:
		c, ok := r.conns[fd]
		if !ok {
			return
		}
		c.recvPending = false
		r.onRecv(c, cqe.Res)
	case opSend:
		c, ok := r.conns[fd]
		if !ok {
			return
		}
		c.sendPending = false
		r.onSend(c, cqe.Res)
	}
}

func (r *ringReactor) onAccept(res int32) {
	if res < 0 {
		errno := syscall.Errno(-res)
		if !r.stopping && errno != unix.EAGAIN && errno != unix.EINTR && errno != unix.ECONNABORTED {
			r.logger.Warn("accept", zap.Error(errno))
		}
		return
	}
	fd := int(res)
	if r.stopping {
		unix.Close(fd)
		return
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		r.logger.Debug("set nodelay", zap.Int("fd", fd), zap.Error(err))
	}
	r.conns[fd] = &ringConn{fd: fd, recvBuf: ringRecvBuffers.Get()}
	openConnections.WithLabelValues(string(KindRing)).Inc()
}

func (r *ringReactor) onRecv(c *ringConn, res int32) {
	if c.broken {
		return
	}
	switch {
	case res == 0:
		c.eof = true
		if len(c.in) > 0 {
			r.fail(c, fmt.Errorf("%w: peer closed with %d bytes of a message buffered: %w",
				ErrFraming, len(c.in), io.ErrUnexpectedEOF))
		}
	case res < 0:
		errno := syscall.Errno(-res)
		if errno == unix.EAGAIN || errno == unix.EINTR {
			return
		}
		r.fail(c, errno)
	default:
		c.in = append(c.in, c.recvBuf[:res]...)
		r.drainRequests(c)
	}
}

// drainRequests answers every complete request buffered on c, in order.
// Short reads simply leave a partial message in c.in for the next recv.
func (r *ringReactor) drainRequests(c *ringConn) {
	consumed := 0
	for {
		msg, n, err := Reassemble(c.in[consumed:])
		if err != nil {
			r.fail(c, err)
			return
		}
		if n == 0 {
			break
		}
		r.payload, err = respond(string(KindRing), r.payload[:0], msg)
		if err != nil {
			r.fail(c, err)
			return
		}
		frame := frameBuffers.Get()
		*frame, err = AppendFrame((*frame)[:0], r.payload)
		if err != nil {
			frameBuffers.Put(frame)
			r.fail(c, err)
			return
		}
		c.sends = append(c.sends, frame)
		consumed += n
	}
	if consumed > 0 {
		c.in = c.in[:copy(c.in, c.in[consumed:])]
	}
}

func (r *ringReactor) onSend(c *ringConn, res int32) {
	if c.broken {
		return
	}
	if res < 0 {
		errno := syscall.Errno(-res)
		if errno == unix.EAGAIN || errno == unix.EINTR {
			return
		}
		r.fail(c, errno)
		return
	}
	// A short send leaves the rest of the head frame for the next round.
	c.sendOff += int(res)
	head := c.sends[0]
	if c.sendOff >= len(*head) {
		frameBuffers.Put(head)
		c.sends[0] = nil
		c.sends = c.sends[1:]
		c.sendOff = 0
	}
}

// fail marks c broken and shuts the socket down so that operations still in
// flight complete promptly.
func (r *ringReactor) fail(c *ringConn, err error) {
	c.broken = true
	unix.Shutdown(c.fd, unix.SHUT_RDWR)
	if isDisconnect(err) {
		r.logger.Debug("connection closed", zap.Int("fd", c.fd), zap.Error(err))
		return
	}
	connErrorsTotal.WithLabelValues(string(KindRing)).Inc()
	r.logger.Warn("connection error", zap.Int("fd", c.fd), zap.Error(err))
}

// reap closes connections that are finished and have nothing in flight.
func (r *ringReactor) reap() {
	for fd, c := range r.conns {
		if c.finished() && !c.pending() {
			r.closeConn(c)
			delete(r.conns, fd)
		}
	}
}

func (r *ringReactor) closeConn(c *ringConn) {
	unix.Close(c.fd)
	ringRecvBuffers.Put(c.recvBuf)
	c.recvBuf = nil
	for _, frame := range c.sends {
		frameBuffers.Put(frame)
	}
	c.sends = nil
	openConnections.WithLabelValues(string(KindRing)).Dec()
}

// shutdown forces every in-flight operation to complete before the ring and
// the buffers it points into are released.
func (r *ringReactor) shutdown() {
	r.stopping = true
	unix.Shutdown(r.listenFd, unix.SHUT_RDWR)
	for _, c := range r.conns {
		c.broken = true
		unix.Shutdown(c.fd, unix.SHUT_RDWR)
	}
	if r.wakePending {
		var one [8]byte
		one[0] = 1
		unix.Write(r.wakeFd, one[:])
	}

	for r.inflight > 0 {
		if _, err := r.ring.SubmitAndWait(1); err != nil && !errors.Is(err, unix.EINTR) {
			r.logger.Warn("draining ring", zap.Error(err))
			break
		}
		r.ring.Completions(r.complete)
	}

	for fd, c := range r.conns {
		r.closeConn(c)
		delete(r.conns, fd)
	}
}
