package pbench

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observeLogs(t *testing.T) *observer.ObservedLogs {
	core, logs := observer.New(zapcore.DebugLevel)
	undo := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(undo)
	return logs
}

func TestLatency(t *testing.T) {
	tests := []struct {
		name       string
		send, recv uint64
		proc       uint64
		want       uint64
	}{
		{"symmetric", 100, 350, 50, 100},
		{"no processing", 0, 10, 0, 5},
		{"odd remainder truncates", 0, 11, 0, 5},
		{"processing exceeds rtt", 100, 150, 80, 0},
		{"same instant", 42, 42, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Response{Status: StatusCompleted, SendTime: tt.send, ProcessingTime: tt.proc}
			s, ok := resp.Latency(tt.recv)
			require.True(t, ok)
			assert.Equal(t, Sample{
				Latency:        tt.want,
				SendTime:       tt.send,
				ProcessingTime: tt.proc,
				RecvTime:       tt.recv,
			}, s)
		})
	}
}

func TestLatencyFailedResponse(t *testing.T) {
	logs := observeLogs(t)
	_, ok := Response{Status: StatusFailed, SendTime: 1}.Latency(100)
	assert.False(t, ok)
	assert.Zero(t, logs.Len())
}

func TestLatencyClockInconsistency(t *testing.T) {
	logs := observeLogs(t)
	_, ok := Response{Status: StatusCompleted, SendTime: 500, ID: 3}.Latency(400)
	assert.False(t, ok)

	entries := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, uint64(500), fields["send_us"])
	assert.Equal(t, uint64(400), fields["recv_us"])
}
