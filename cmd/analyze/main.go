package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alarmfox/woonsocket/internal/cli"
	"github.com/alarmfox/woonsocket/internal/logging"
	"github.com/alarmfox/woonsocket/internal/pbench"
)

var header = []string{
	"file",
	"samples",
	"mean_us",
	"p50_us",
	"p90_us",
	"p99_us",
	"p999_us",
	"max_us",
}

type Config struct {
	InputDirectory string
	OutputFile     string
	Concurrency    int
}

type Record struct {
	file    string
	summary pbench.Summary
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "analyze",
		Short:        "Summarise every latency report in a directory",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			undo, err := logging.Setup(v.GetString("log-level"), "console")
			if err != nil {
				return err
			}
			defer undo()

			c := Config{
				InputDirectory: v.GetString("input-directory"),
				OutputFile:     v.GetString("output-file"),
				Concurrency:    v.GetInt("concurrency"),
			}
			if c.InputDirectory == "" {
				return errors.New("--input-directory is required")
			}
			if c.Concurrency <= 0 {
				return fmt.Errorf("--concurrency must be positive, got %d", c.Concurrency)
			}
			zap.L().Debug("starting analyzer", zap.Any("config", c))

			if err := run(cmd.Context(), c); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("input-directory", "", "directory holding latency reports")
	flags.String("output-file", "", "summary destination, stdout when empty")
	flags.Int("concurrency", 1, "number of files to analyze concurrently")
	flags.String("log-level", "info", "debug, info, warn or error")
	if err := cli.Bind(v, flags); err != nil {
		panic(err)
	}
	return cmd
}

func listReports(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".csv") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func run(ctx context.Context, c Config) error {
	inFiles, err := listReports(c.InputDirectory)
	if err != nil {
		return err
	}

	ctx, canc := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer canc()

	records := make([]Record, len(inFiles))
	ok := make([]bool, len(inFiles))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Concurrency)
	for i, file := range inFiles {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			summary, err := process(file)
			if err != nil {
				zap.L().Warn("skipping report", zap.String("file", file), zap.Error(err))
				return nil
			}
			records[i], ok[i] = Record{file: filepath.Base(file), summary: summary}, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var writer io.Writer = os.Stdout
	if c.OutputFile != "" {
		f, err := os.Create(c.OutputFile)
		if err != nil {
			return err
		}
		defer f.Close()
		writer = f
	}

	kept := make([]Record, 0, len(records))
	for i, r := range records {
		if ok[i] {
			kept = append(kept, r)
		}
	}
	slices.SortFunc(kept, func(a, b Record) int { return strings.Compare(a.file, b.file) })
	return writeRecords(writer, kept)
}

func process(file string) (pbench.Summary, error) {
	f, err := os.Open(file)
	if err != nil {
		return pbench.Summary{}, fmt.Errorf("cannot open %q: %w", file, err)
	}
	defer f.Close()

	latencies, err := pbench.ReadLatencies(f)
	if err != nil {
		return pbench.Summary{}, err
	}
	return pbench.Summarize(latencies), nil
}

// decimal formats v with a decimal comma.
func decimal(v float64) string {
	return strings.Replace(strconv.FormatFloat(v, 'f', 3, 64), ".", ",", 1)
}

func writeRecords(w io.Writer, records []Record) error {
	csvWriter := csv.NewWriter(w)
	csvWriter.Comma = ';'

	if err := csvWriter.Write(header); err != nil {
		return err
	}
	for _, r := range records {
		s := r.summary
		row := []string{
			r.file,
			strconv.Itoa(s.Count),
			decimal(s.Mean),
			decimal(s.P50),
			decimal(s.P90),
			decimal(s.P99),
			decimal(s.P999),
			decimal(s.Max),
		}
		if err := csvWriter.Write(row); err != nil {
			return err
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}
