package pbench

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/alarmfox/woonsocket/internal/clock"
	"github.com/alarmfox/woonsocket/internal/work"
)

var ErrOutOfOrder = errors.New("response does not match the oldest outstanding request")

type BenchConfig struct {
	ServerAddress string
	Threads       int
	Runtime       time.Duration
	Work          work.Work
	// Clock stamps send and receive times, paces requests and measures the
	// runtime. Defaults to the wall clock.
	Clock clock.Clock
}

func (c BenchConfig) validate() error {
	if c.ServerAddress == "" {
		return errors.New("server address is required")
	}
	if c.Threads <= 0 {
		return fmt.Errorf("thread count must be positive, got %d", c.Threads)
	}
	if c.Runtime < 0 {
		return fmt.Errorf("runtime must not be negative, got %v", c.Runtime)
	}
	return c.Work.Validate()
}

func (c BenchConfig) clock() clock.Clock {
	if c.Clock == nil {
		return clock.Real{}
	}
	return c.Clock
}

// BenchResult holds the samples of every connection, in connection order,
// each in receipt order.
type BenchResult struct {
	Samples  [][]Sample
	Sent     uint64
	Received uint64
	Elapsed  time.Duration
}

// Throughput is the completion rate in responses per second.
func (r BenchResult) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Received) / r.Elapsed.Seconds()
}

// OfferedLoad is the request rate in requests per second.
func (r BenchResult) OfferedLoad() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Sent) / r.Elapsed.Seconds()
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return conn, nil
}

// unblockOnDone interrupts blocking I/O on conn once ctx is done. The
// returned function stops the watcher.
func unblockOnDone(ctx context.Context, conn net.Conn) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-stop:
		}
	}()
	return func() { close(stop) }
}
