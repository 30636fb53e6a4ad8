package pbench

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/alarmfox/woonsocket/internal/clock"
)

// Pacing selects how an open-loop sender spaces its requests.
type Pacing string

const (
	PacingPoisson  Pacing = "poisson"
	PacingConstant Pacing = "constant"
)

func ParsePacing(s string) (Pacing, error) {
	switch p := Pacing(s); p {
	case PacingPoisson, PacingConstant:
		return p, nil
	}
	return "", fmt.Errorf("unknown pacing %q: want %s or %s", s, PacingPoisson, PacingConstant)
}

const (
	DefaultReadTimeout      = 100 * time.Millisecond
	DefaultMaxDrainTimeouts = 50
)

var ErrDrainTimeout = errors.New("gave up waiting for outstanding responses")

type OpenLoopConfig struct {
	BenchConfig
	// Interarrival is the mean gap between requests across all threads.
	Interarrival time.Duration
	Pacing       Pacing
	// ReadTimeout bounds each blocking receive so the receiver can notice
	// the sender finishing.
	ReadTimeout time.Duration
	// MaxDrainTimeouts is how many consecutive read timeouts the receiver
	// tolerates after the sender is done before abandoning outstanding
	// responses.
	MaxDrainTimeouts int
}

func (c OpenLoopConfig) withDefaults() OpenLoopConfig {
	if c.Pacing == "" {
		c.Pacing = PacingPoisson
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.MaxDrainTimeouts <= 0 {
		c.MaxDrainTimeouts = DefaultMaxDrainTimeouts
	}
	return c
}

func (c OpenLoopConfig) validate() error {
	if err := c.BenchConfig.validate(); err != nil {
		return err
	}
	if c.Interarrival <= 0 {
		return fmt.Errorf("interarrival must be positive, got %v", c.Interarrival)
	}
	_, err := ParsePacing(string(c.Pacing))
	return err
}

// RunOpenLoop runs c.Threads connections, each with a sender that emits
// requests on its own schedule regardless of outstanding responses and a
// receiver that collects them. Every thread paces at Interarrival*Threads so
// the aggregate rate matches 1/Interarrival.
func RunOpenLoop(ctx context.Context, c OpenLoopConfig) (BenchResult, error) {
	c = c.withDefaults()
	if err := c.validate(); err != nil {
		return BenchResult{}, err
	}

	threadDelay := c.Interarrival * time.Duration(c.Threads)
	samples := make([][]Sample, c.Threads)
	errs := make([]error, c.Threads)
	var sent, received atomic.Uint64

	clk := c.clock()
	start := clk.Now()
	var g errgroup.Group
	for i := 0; i < c.Threads; i++ {
		g.Go(func() error {
			ol := &openLoop{
				cfg:         c,
				clk:         clk,
				start:       start,
				threadDelay: threadDelay,
				logger:      zap.L().With(zap.Int("thread", i)),
			}
			samples[i], errs[i] = ol.run(ctx)
			sent.Add(ol.sent.Load())
			received.Add(ol.received)
			if errs[i] != nil {
				ol.logger.Error("open loop connection", zap.Error(errs[i]))
			}
			return nil
		})
	}
	g.Wait()

	return BenchResult{
		Samples:  samples,
		Sent:     sent.Load(),
		Received: received.Load(),
		Elapsed:  clk.Now().Sub(start),
	}, errors.Join(errs...)
}

// openLoop is the state of one connection. sent and done are shared between
// the sender and receiver goroutines; done is only set after the final
// increment of sent.
type openLoop struct {
	cfg         OpenLoopConfig
	clk         clock.Clock
	start       time.Time
	threadDelay time.Duration
	logger      *zap.Logger

	sent     atomic.Uint64
	done     atomic.Bool
	received uint64
}

func (ol *openLoop) run(ctx context.Context) ([]Sample, error) {
	conn, err := dial(ctx, ol.cfg.ServerAddress)
	if err != nil {
		ol.done.Store(true)
		return nil, err
	}
	defer conn.Close()

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sendErr error
	var g errgroup.Group
	g.Go(func() error {
		defer ol.done.Store(true)
		sendErr = ol.send(sendCtx, NewRequestWriter(conn))
		return nil
	})

	samples, recvErr := ol.receive(conn, NewResponseReader(conn))
	if recvErr != nil {
		// Unblock a sender stuck on a full socket buffer.
		cancel()
		conn.SetWriteDeadline(time.Now())
	}
	g.Wait()
	if recvErr != nil {
		sendErr = nil
	}
	return samples, errors.Join(sendErr, recvErr)
}

func (ol *openLoop) nextGap(exp distuv.Exponential, next *time.Time) time.Duration {
	if ol.cfg.Pacing == PacingConstant {
		// Absolute schedule: a late send does not push back the ones after it.
		*next = next.Add(ol.threadDelay)
		return next.Sub(ol.clk.Now())
	}
	return time.Duration(exp.Rand() * float64(time.Second))
}

func (ol *openLoop) expired() bool {
	return ol.clk.Now().Sub(ol.start) >= ol.cfg.Runtime
}

func (ol *openLoop) send(ctx context.Context, requests *RequestWriter) error {
	exp := distuv.Exponential{Rate: 1 / ol.threadDelay.Seconds()}
	next := ol.clk.Now()

	for id := uint64(0); !ol.expired() && ctx.Err() == nil; id++ {
		if gap := ol.nextGap(exp, &next); gap > 0 {
			if ol.clk.Sleep(ctx, gap) != nil {
				break
			}
		}
		if ol.expired() || ctx.Err() != nil {
			break
		}
		if err := requests.Send(NewRequest(id, ol.cfg.Work, ol.clk)); err != nil {
			return fmt.Errorf("send request %d: %w", id, err)
		}
		ol.sent.Add(1)
	}
	ol.logger.Debug("sender finished", zap.Uint64("sent", ol.sent.Load()))
	return nil
}

// receive collects responses until the sender is done and every request it
// sent has been answered. Read timeouts are only used to re-check that
// condition; the frame reader keeps any partial message across them.
func (ol *openLoop) receive(conn net.Conn, responses *ResponseReader) ([]Sample, error) {
	var out []Sample
	drainTimeouts := 0

	for {
		// done is loaded before sent so a true done sees the final count.
		if ol.done.Load() && ol.received >= ol.sent.Load() {
			return out, nil
		}

		conn.SetReadDeadline(time.Now().Add(ol.cfg.ReadTimeout))
		resp, err := responses.Recv()
		if err != nil {
			done := ol.done.Load()
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
				if !done {
					continue
				}
				drainTimeouts++
				if drainTimeouts >= ol.cfg.MaxDrainTimeouts {
					return out, fmt.Errorf("%w: %d outstanding after %d timeouts",
						ErrDrainTimeout, ol.sent.Load()-ol.received, drainTimeouts)
				}
				continue
			case done:
				ol.logger.Debug("connection ended after sender finished",
					zap.Uint64("outstanding", ol.sent.Load()-ol.received), zap.Error(err))
				return out, nil
			default:
				return out, fmt.Errorf("receive: %w", err)
			}
		}
		drainTimeouts = 0

		if resp.ID != ol.received {
			return out, fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, resp.ID, ol.received)
		}
		ol.received++
		if s, ok := resp.Latency(clock.EpochMicros(ol.clk)); ok {
			out = append(out, s)
		}
	}
}
