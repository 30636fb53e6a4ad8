package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alarmfox/woonsocket/internal/cli"
	"github.com/alarmfox/woonsocket/internal/logging"
	"github.com/alarmfox/woonsocket/internal/pbench"
)

const hostSampleInterval = time.Second

type Config struct {
	Port          uint16
	Kind          pbench.ServerKind
	RingSize      uint32
	Runtime       time.Duration
	MetricsListen string
	LogLevel      string
	LogFormat     string
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Answer work requests over TCP",
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
			zap.L().Info("starting server", zap.Any("config", c))

			if err := run(cmd.Context(), c); err != nil && !errors.Is(err, context.Canceled) {
				zap.L().Error("server failed", zap.Error(err))
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Uint16("port", 8080, "TCP port to listen on")
	flags.String("kind", string(pbench.KindTCP), "server implementation: tcp, io-vec or iouring-0")
	flags.Uint32("ring-sz", 0, "submission queue size, required for iouring-0")
	flags.Uint64("runtime-secs", 0, "stop after this many seconds, 0 runs until signalled")
	flags.String("metrics-listen", "", "address serving /metrics, empty disables it")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("log-format", "console", "console or json")
	flags.String("config", "", "optional config file")
	if err := cli.Bind(v, flags); err != nil {
		panic(err)
	}
	return cmd
}

func configFrom(v *viper.Viper) (Config, error) {
	kind, err := pbench.ParseServerKind(v.GetString("kind"))
	if err != nil {
		return Config{}, err
	}
	c := Config{
		Port:          uint16(v.GetUint("port")),
		Kind:          kind,
		RingSize:      v.GetUint32("ring-sz"),
		Runtime:       time.Duration(v.GetUint64("runtime-secs")) * time.Second,
		MetricsListen: v.GetString("metrics-listen"),
		LogLevel:      v.GetString("log-level"),
		LogFormat:     v.GetString("log-format"),
	}
	if c.Kind == pbench.KindRing && c.RingSize == 0 {
		return Config{}, errors.New("--ring-sz is required for iouring-0")
	}
	return c, nil
}

func run(ctx context.Context, c Config) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	if c.Runtime > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, c.Runtime)
		defer stop()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf("0.0.0.0:%d", c.Port)
		return pbench.ListenAndServe(ctx, addr, pbench.ServerConfig{Kind: c.Kind, RingSize: c.RingSize})
	})

	if c.MetricsListen != "" {
		g.Go(func() error {
			return serveMetrics(ctx, c.MetricsListen)
		})
	}

	g.Go(func() error {
		stats := pbench.MonitorHost(ctx, hostSampleInterval)
		zap.L().Info("host utilisation", stats.Fields()...)
		return nil
	})

	err := g.Wait()
	zap.L().Info("server stopped")
	return err
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
