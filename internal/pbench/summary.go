package pbench

import (
	"sort"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Summary holds latency statistics in microseconds.
type Summary struct {
	Count int
	Mean  float64
	P50   float64
	P90   float64
	P99   float64
	P999  float64
	Max   float64
}

func Latencies(samples [][]Sample) []float64 {
	var out []float64
	for _, conn := range samples {
		for _, s := range conn {
			out = append(out, float64(s.Latency))
		}
	}
	return out
}

// Summarize sorts xs in place.
func Summarize(xs []float64) Summary {
	if len(xs) == 0 {
		return Summary{}
	}
	sort.Float64s(xs)
	return Summary{
		Count: len(xs),
		Mean:  stat.Mean(xs, nil),
		P50:   stat.Quantile(0.50, stat.Empirical, xs, nil),
		P90:   stat.Quantile(0.90, stat.Empirical, xs, nil),
		P99:   stat.Quantile(0.99, stat.Empirical, xs, nil),
		P999:  stat.Quantile(0.999, stat.Empirical, xs, nil),
		Max:   xs[len(xs)-1],
	}
}

func (s Summary) Fields() []zap.Field {
	return []zap.Field{
		zap.String("samples", humanize.Comma(int64(s.Count))),
		zap.Float64("mean_us", s.Mean),
		zap.Float64("p50_us", s.P50),
		zap.Float64("p90_us", s.P90),
		zap.Float64("p99_us", s.P99),
		zap.Float64("p999_us", s.P999),
		zap.Float64("max_us", s.Max),
	}
}

// LogResult logs the outcome of one benchmark run.
func LogResult(logger *zap.Logger, mode string, res BenchResult) Summary {
	sum := Summarize(Latencies(res.Samples))
	fields := append([]zap.Field{
		zap.String("mode", mode),
		zap.Duration("elapsed", res.Elapsed),
		zap.String("sent", humanize.Comma(int64(res.Sent))),
		zap.String("received", humanize.Comma(int64(res.Received))),
		zap.String("throughput_rps", humanize.CommafWithDigits(res.Throughput(), 1)),
		zap.String("offered_rps", humanize.CommafWithDigits(res.OfferedLoad(), 1)),
	}, sum.Fields()...)
	logger.Info("run complete", fields...)
	return sum
}
