package pbench

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reportSamples = [][]Sample{
	{
		{Latency: 12, SendTime: 1000, RecvTime: 1040, ProcessingTime: 16},
		{Latency: 7, SendTime: 1100, RecvTime: 1120, ProcessingTime: 6},
	},
	{},
	{
		{Latency: 30, SendTime: 2000, RecvTime: 2060, ProcessingTime: 0},
	},
}

func TestWriteClosedLoopCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteClosedLoopCSV(&buf, reportSamples))
	assert.Equal(t, "latency_us\n12\n7\n30\n", buf.String())
}

func TestWriteOpenLoopCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteOpenLoopCSV(&buf, reportSamples))
	assert.Equal(t, strings.Join([]string{
		"idx,send_us,recv_us,server_proc_us,latency_us",
		"0,1000,1040,16,12",
		"1,1100,1120,6,7",
		"0,2000,2060,0,30",
		"",
	}, "\n"), buf.String())
}

func TestReadLatencies(t *testing.T) {
	for name, write := range map[string]func(*bytes.Buffer) error{
		"closed": func(b *bytes.Buffer) error { return WriteClosedLoopCSV(b, reportSamples) },
		"open":   func(b *bytes.Buffer) error { return WriteOpenLoopCSV(b, reportSamples) },
	} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, write(&buf))
			got, err := ReadLatencies(&buf)
			require.NoError(t, err)
			assert.Equal(t, []float64{12, 7, 30}, got)
		})
	}
}

func TestReadLatenciesErrors(t *testing.T) {
	_, err := ReadLatencies(strings.NewReader(""))
	assert.Error(t, err)

	_, err = ReadLatencies(strings.NewReader("a,b\n1,2\n"))
	assert.ErrorIs(t, err, ErrNoLatencyColumn)

	got, err := ReadLatencies(strings.NewReader("latency_us\n5\nx\n"))
	assert.ErrorContains(t, err, "line 3")
	assert.Equal(t, []float64{5}, got)
}

func TestWriteReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out", "run1")
	path, err := WriteReport(dir, ClosedLoopFile, reportSamples, WriteClosedLoopCSV)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ClosedLoopFile), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "latency_us\n12\n7\n30\n", string(data))
}
