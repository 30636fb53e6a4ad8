package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/alarmfox/woonsocket/internal/cli"
	"github.com/alarmfox/woonsocket/internal/logging"
	"github.com/alarmfox/woonsocket/internal/pbench"
	"github.com/alarmfox/woonsocket/internal/work"
)

type Config struct {
	Address string
	Threads int
	Runtime time.Duration
	Work    work.Work
	Outpath string
	// Interarrival selects open-loop mode when nonzero.
	Interarrival time.Duration
	Pacing       pbench.Pacing
	ReadTimeout  time.Duration
	LogLevel     string
	LogFormat    string
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "client",
		Short:        "Generate load against a work server and record latencies",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cli.LoadConfig(v, v.GetString("config")); err != nil {
				return err
			}
			c, err := configFrom(v)
			if err != nil {
				return err
			}

			undo, err := logging.Setup(c.LogLevel, c.LogFormat)
			if err != nil {
				return err
			}
			defer undo()

			logger := zap.L().With(zap.Stringer("run", xid.New()))
			logger.Info("starting client", zap.Any("config", c))
			if err := run(cmd.Context(), logger, c); err != nil {
				logger.Error("client failed", zap.Error(err))
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("ip", "127.0.0.1", "server address")
	flags.Uint16("port", 8080, "server port")
	flags.Int("num-threads", 1, "number of connections")
	flags.Uint64("runtime-secs", 10, "how long to generate load")
	defaultWork := work.Immediate()
	flags.Var(&defaultWork, "work", "work to request, e.g. imm, const:100, poisson:50, busytime:20, busywork:1000, payload")
	flags.String("outpath", ".", "directory receiving the latency report")
	flags.Uint64("interval-us", 0, "mean gap between requests in microseconds; enables open-loop mode")
	flags.String("pacing", string(pbench.PacingPoisson), "open-loop pacing: poisson or constant")
	flags.Duration("read-timeout", pbench.DefaultReadTimeout, "open-loop receive timeout")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("log-format", "console", "console or json")
	flags.String("config", "", "optional config file")
	if err := cli.Bind(v, flags); err != nil {
		panic(err)
	}
	return cmd
}

func configFrom(v *viper.Viper) (Config, error) {
	w, err := work.Parse(v.GetString("work"))
	if err != nil {
		return Config{}, err
	}
	pacing, err := pbench.ParsePacing(v.GetString("pacing"))
	if err != nil {
		return Config{}, err
	}
	threads := v.GetInt("num-threads")
	if threads <= 0 {
		return Config{}, fmt.Errorf("--num-threads must be positive, got %d", threads)
	}
	return Config{
		Address:      net.JoinHostPort(v.GetString("ip"), strconv.FormatUint(uint64(v.GetUint("port")), 10)),
		Threads:      threads,
		Runtime:      time.Duration(v.GetUint64("runtime-secs")) * time.Second,
		Work:         w,
		Outpath:      v.GetString("outpath"),
		Interarrival: time.Duration(v.GetUint64("interval-us")) * time.Microsecond,
		Pacing:       pacing,
		ReadTimeout:  v.GetDuration("read-timeout"),
		LogLevel:     v.GetString("log-level"),
		LogFormat:    v.GetString("log-format"),
	}, nil
}

func run(ctx context.Context, logger *zap.Logger, c Config) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	bench := pbench.BenchConfig{
		ServerAddress: c.Address,
		Threads:       c.Threads,
		Runtime:       c.Runtime,
		Work:          c.Work,
	}

	var (
		res      pbench.BenchResult
		runErr   error
		mode     string
		filename string
		write    func(w io.Writer, samples [][]pbench.Sample) error
	)
	if c.Interarrival > 0 {
		mode, filename, write = "open-loop", pbench.OpenLoopFile, pbench.WriteOpenLoopCSV
		res, runErr = pbench.RunOpenLoop(ctx, pbench.OpenLoopConfig{
			BenchConfig:  bench,
			Interarrival: c.Interarrival,
			Pacing:       c.Pacing,
			ReadTimeout:  c.ReadTimeout,
		})
	} else {
		mode, filename, write = "closed-loop", pbench.ClosedLoopFile, pbench.WriteClosedLoopCSV
		res, runErr = pbench.RunClosedLoop(ctx, bench)
	}

	pbench.LogResult(logger, mode, res)

	// Whatever was collected is written even when some connections failed.
	path, err := pbench.WriteReport(c.Outpath, filename, res.Samples, write)
	if err != nil {
		return errors.Join(runErr, err)
	}
	logger.Info("latencies written", zap.String("path", path))
	return runErr
}
