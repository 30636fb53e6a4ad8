package pbench

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/load"
	"go.uber.org/zap"
)

// HostStats summarises host utilisation over a run.
type HostStats struct {
	Samples    int
	MeanCPU    float64 // percent
	PeakCPU    float64 // percent
	Load1      float64
	Load5      float64
	Load15     float64
	LoadFailed bool
}

// MonitorHost samples whole-host CPU utilisation every interval until ctx is
// done, exporting each sample as a gauge, and returns the aggregate together
// with the load averages read at the end.
func MonitorHost(ctx context.Context, interval time.Duration) HostStats {
	var s HostStats
	var total float64
	for ctx.Err() == nil {
		// Blocks for interval and reports utilisation over that window.
		percent, err := cpu.PercentWithContext(ctx, interval, false)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			zap.L().Warn("sampling cpu", zap.Error(err))
			break
		}
		if len(percent) == 0 {
			continue
		}
		p := percent[0]
		hostCPUPercent.Set(p)
		s.Samples++
		total += p
		s.PeakCPU = max(s.PeakCPU, p)

		if avg, err := load.Avg(); err == nil {
			hostLoad1.Set(avg.Load1)
		}
	}
	if s.Samples > 0 {
		s.MeanCPU = total / float64(s.Samples)
	}

	avg, err := load.Avg()
	if err != nil {
		zap.L().Debug("reading load average", zap.Error(err))
		s.LoadFailed = true
		return s
	}
	s.Load1, s.Load5, s.Load15 = avg.Load1, avg.Load5, avg.Load15
	return s
}

func (s HostStats) Fields() []zap.Field {
	fields := []zap.Field{
		zap.Int("cpu_samples", s.Samples),
		zap.Float64("cpu_mean_percent", s.MeanCPU),
		zap.Float64("cpu_peak_percent", s.PeakCPU),
	}
	if !s.LoadFailed {
		fields = append(fields,
			zap.Float64("load1", s.Load1),
			zap.Float64("load5", s.Load5),
			zap.Float64("load15", s.Load15),
		)
	}
	return fields
}
