package pbench

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
)

const (
	ClosedLoopFile = "closed_loop_latencies.csv"
	OpenLoopFile   = "open_loop_latencies.csv"

	latencyColumn = "latency_us"
)

var (
	closedLoopHeader = []string{latencyColumn}
	openLoopHeader   = []string{"idx", "send_us", "recv_us", "server_proc_us", latencyColumn}
)

var ErrNoLatencyColumn = errors.New("no " + latencyColumn + " column")

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// WriteClosedLoopCSV writes one latency per row, connection after
// connection.
func WriteClosedLoopCSV(w io.Writer, samples [][]Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(closedLoopHeader); err != nil {
		return err
	}
	for _, conn := range samples {
		for _, s := range conn {
			if err := cw.Write([]string{u64(s.Latency)}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteOpenLoopCSV writes every sample with its timestamps. idx restarts at
// zero for each connection.
func WriteOpenLoopCSV(w io.Writer, samples [][]Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(openLoopHeader); err != nil {
		return err
	}
	for _, conn := range samples {
		for i, s := range conn {
			row := []string{
				strconv.Itoa(i),
				u64(s.SendTime),
				u64(s.RecvTime),
				u64(s.ProcessingTime),
				u64(s.Latency),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteReport creates name under dir and fills it with write.
func WriteReport(dir, name string, samples [][]Sample, write func(io.Writer, [][]Sample) error) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := write(f, samples); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, f.Close()
}

// ReadLatencies reads the latency column of a report written by either
// WriteClosedLoopCSV or WriteOpenLoopCSV.
func ReadLatencies(r io.Reader) ([]float64, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := slices.Index(header, latencyColumn)
	if col < 0 {
		return nil, ErrNoLatencyColumn
	}

	var out []float64
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		v, err := strconv.ParseUint(row[col], 10, 64)
		if err != nil {
			line, _ := cr.FieldPos(col)
			return out, fmt.Errorf("line %d: bad latency %q: %w", line, row[col], err)
		}
		out = append(out, float64(v))
	}
}
