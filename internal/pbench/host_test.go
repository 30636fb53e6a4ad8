package pbench

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonitorHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	s := MonitorHost(ctx, 50*time.Millisecond)
	if s.Samples == 0 {
		t.Skip("cpu statistics unavailable")
	}
	assert.GreaterOrEqual(t, s.MeanCPU, 0.0)
	assert.LessOrEqual(t, s.MeanCPU, s.PeakCPU)
	assert.LessOrEqual(t, s.PeakCPU, 100.0)
	assert.NotEmpty(t, s.Fields())
}

func TestMonitorHostCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	s := MonitorHost(ctx, time.Hour)
	assert.Zero(t, s.Samples)
	assert.Less(t, time.Since(start), time.Second)
}
