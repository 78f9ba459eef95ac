package stats

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
)

// Summary is the final-state record a role can write as JSON next to the
// CSV snapshots.
type Summary struct {
	Role        string  `json:"role"`
	RunID       string  `json:"run_id"`
	Engine      string  `json:"engine"`
	DurationSec float64 `json:"duration_sec"`
	Sent        uint64  `json:"sent"`
	Recv        uint64  `json:"recv"`
	Errors      uint64  `json:"errors"`
	StatsDrops  uint64  `json:"stats_drops"`
	TotalTPS    float64 `json:"total_tps"`
	P50NS       int64   `json:"p50_ns"`
	P95NS       int64   `json:"p95_ns"`
	P99NS       int64   `json:"p99_ns"`
	MinNS       int64   `json:"min_ns"`
	MaxNS       int64   `json:"max_ns"`
	MeanNS      float64 `json:"mean_ns"`
}

// WriteSummary marshals the summary and writes it to path, creating parent
// directories as needed.
func WriteSummary(path string, s Summary) error {
	out, err := sonic.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("stats: encode summary: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("stats: create summary dir: %w", err)
		}
	}
	return os.WriteFile(path, append(out, '\n'), 0o644)
}
