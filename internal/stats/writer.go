package stats

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CSVHeader is the snapshot schema; one header row, then one row per
// snapshot.
const CSVHeader = "t_ms,sent,recv,errors,total_tps,interval_tps,p50_ns,p95_ns,p99_ns,min_ns,max_ns,mean_ns"

// Writer emits snapshot rows to a CSV file or standard output. It is owned
// by the snapshot goroutine alone; there are no concurrent writers.
type Writer struct {
	w    *bufio.Writer
	file *os.File
}

// NewWriter opens the snapshot sink. An empty path selects standard output.
// File paths get any missing parent directories created and a header row
// written up front.
func NewWriter(path string) (*Writer, error) {
	if path == "" {
		w := &Writer{w: bufio.NewWriter(os.Stdout)}
		return w, w.writeLine(CSVHeader)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("stats: create snapshot dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("stats: create snapshot file: %w", err)
	}
	w := &Writer{w: bufio.NewWriter(f), file: f}
	return w, w.writeLine(CSVHeader)
}

func (w *Writer) writeLine(line string) error {
	if _, err := io.WriteString(w.w, line); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

// Write appends one snapshot row and flushes so rows survive a kill.
func (w *Writer) Write(s Snapshot) error {
	return w.writeLine(s.CSVRow())
}

// Close flushes and releases the underlying file, if any.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// CSVRow renders the snapshot in the schema order of CSVHeader.
func (s Snapshot) CSVRow() string {
	return fmt.Sprintf("%d,%d,%d,%d,%.2f,%.2f,%d,%d,%d,%d,%d,%.2f",
		s.TMillis, s.Sent, s.Recv, s.Errors,
		s.TotalTPS, s.IntervalTPS,
		s.P50NS, s.P95NS, s.P99NS, s.MinNS, s.MaxNS, s.MeanNS)
}
