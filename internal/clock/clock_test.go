package clock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alarmfox/woonsocket/internal/clock"
)

func TestRealEpochMicros(t *testing.T) {
	before := uint64(time.Now().UnixMicro())
	got := clock.EpochMicros(clock.Real{})
	after := uint64(time.Now().UnixMicro())

	assert.GreaterOrEqual(t, got, before)
	assert.LessOrEqual(t, got, after)
}

func TestManualSteps(t *testing.T) {
	start := time.UnixMicro(100)
	m := clock.NewManual(start)
	m.Step = 250 * time.Microsecond

	assert.Equal(t, uint64(100), clock.EpochMicros(m))
	assert.Equal(t, uint64(350), clock.EpochMicros(m))

	assert.NoError(t, m.Sleep(context.Background(), time.Millisecond))
	assert.Equal(t, uint64(1600), clock.EpochMicros(m))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Sleep(ctx, time.Hour), context.Canceled)
	assert.Equal(t, uint64(1850), clock.EpochMicros(m), "a cancelled sleep does not advance")
}

func TestRealSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := clock.Real{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, clock.Real{}.Sleep(context.Background(), time.Millisecond))
}
