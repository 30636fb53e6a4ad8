package pbench

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alarmfox/woonsocket/internal/clock"
)

// RunClosedLoop runs c.Threads workers, each with its own connection and at
// most one request in flight. The runtime is checked before each request;
// a request in flight when it expires still completes.
func RunClosedLoop(ctx context.Context, c BenchConfig) (BenchResult, error) {
	if err := c.validate(); err != nil {
		return BenchResult{}, err
	}

	samples := make([][]Sample, c.Threads)
	workers := make([]closedLoopWorker, c.Threads)
	errs := make([]error, c.Threads)

	clk := c.clock()
	start := clk.Now()
	var g errgroup.Group
	for i := 0; i < c.Threads; i++ {
		g.Go(func() error {
			workers[i] = closedLoopWorker{cfg: c, clk: clk, start: start}
			samples[i], errs[i] = workers[i].run(ctx)
			if errs[i] != nil {
				zap.L().Error("closed loop worker", zap.Int("worker", i), zap.Error(errs[i]))
			}
			return nil
		})
	}
	g.Wait()

	res := BenchResult{Samples: samples, Elapsed: clk.Now().Sub(start)}
	for _, w := range workers {
		res.Sent += w.sent
		res.Received += w.received
	}
	return res, errors.Join(errs...)
}

// closedLoopWorker drives one connection. sent counts requests written,
// including one interrupted before its response arrived; received counts
// completed round trips.
type closedLoopWorker struct {
	cfg   BenchConfig
	clk   clock.Clock
	start time.Time

	sent     uint64
	received uint64
}

func (w *closedLoopWorker) run(ctx context.Context) ([]Sample, error) {
	conn, err := dial(ctx, w.cfg.ServerAddress)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	defer unblockOnDone(ctx, conn)()

	requests := NewRequestWriter(conn)
	responses := NewResponseReader(conn)

	var out []Sample
	for id := uint64(0); w.clk.Now().Sub(w.start) < w.cfg.Runtime && ctx.Err() == nil; id++ {
		if err := requests.Send(NewRequest(id, w.cfg.Work, w.clk)); err != nil {
			if ctx.Err() != nil {
				break
			}
			return out, fmt.Errorf("send request %d: %w", id, err)
		}
		w.sent++
		resp, err := responses.Recv()
		if err != nil {
			// Cancellation interrupts the round trip in flight.
			if ctx.Err() != nil {
				break
			}
			return out, fmt.Errorf("receive response %d: %w", id, err)
		}
		if resp.ID != id {
			return out, fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, resp.ID, id)
		}
		w.received++
		if s, ok := resp.Latency(clock.EpochMicros(w.clk)); ok {
			out = append(out, s)
		}
	}
	return out, nil
}
