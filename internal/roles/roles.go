// Package roles implements the benchmark roles: publisher, subscriber,
// requester, responder and the multi-topic variants. Each role resolves an
// engine tag plus connect bag into one or more transport handles, drives or
// terminates traffic, funnels counters and latencies into the stats engine
// and emits periodic CSV snapshots until duration expiry or cancellation.
package roles

import (
	"context"
	"log/slog"
	"time"

	"github.com/drblury/mqbench/internal/stats"
	"github.com/drblury/mqbench/transport"
)

// drainGrace bounds how long shutdown waits for in-flight work so an
// unresponsive broker cannot hang the exit path.
const drainGrace = 2 * time.Second

// Common carries the configuration every role shares.
type Common struct {
	Engine           string
	Connect          []string
	Endpoint         string // back-compat alias for the bus endpoint key
	CSVPath          string
	SummaryJSON      string
	MetricsAddr      string
	SnapshotInterval time.Duration
	RunID            string
	Log              *slog.Logger
}

func (c *Common) snapshotInterval() time.Duration {
	if c.SnapshotInterval <= 0 {
		return 5 * time.Second
	}
	return c.SnapshotInterval
}

// resolve parses the engine tag and folds the connect bag, applying the
// --endpoint shim.
func (c *Common) resolve() (transport.Engine, *transport.Options, error) {
	engine, err := transport.ParseEngine(c.Engine)
	if err != nil {
		return "", nil, err
	}
	opts, err := transport.ParseOptions(c.Connect)
	if err != nil {
		return "", nil, err
	}
	if c.Endpoint != "" {
		opts.Set("endpoint", c.Endpoint)
	}
	return engine, opts, nil
}

// connectBackoffs are the retry waits after a failed connect attempt.
var connectBackoffs = []time.Duration{250 * time.Millisecond, time.Second}

// connect dials the broker, retrying transient failures with exponential
// backoff. Config errors never retry.
func connect(ctx context.Context, engine transport.Engine, opts *transport.Options, log *slog.Logger) (transport.Transport, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		tr, err := transport.Connect(ctx, engine, opts, log)
		if err == nil {
			return tr, nil
		}
		if transport.KindOf(err) == transport.KindConfig {
			return nil, err
		}
		lastErr = err
		if attempt >= len(connectBackoffs) {
			break
		}
		log.Warn("connect failed, retrying",
			"engine", string(engine), "attempt", attempt+1, "err", err)
		select {
		case <-time.After(connectBackoffs[attempt]):
		case <-ctx.Done():
			return nil, transport.Wrap(transport.KindConnect, ctx.Err())
		}
	}
	return nil, transport.Wrap(transport.KindConnect, lastErr)
}

// snapshotLoop emits one CSV row per interval until ctx is cancelled. A
// late snapshot is written late with its true wall-clock stamp rather than
// skipped, keeping inter-snapshot rates correct. A write failure is fatal
// and surfaces on the returned channel.
func snapshotLoop(ctx context.Context, col *stats.Collector, w *stats.Writer, interval time.Duration) <-chan error {
	fatal := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.Write(col.Snapshot()); err != nil {
					fatal <- transport.Wrap(transport.KindOther, err)
					return
				}
			}
		}
	}()
	return fatal
}

// finish writes the final snapshot, the optional JSON summary, and logs the
// closing totals.
func finish(c *Common, role string, engine transport.Engine, col *stats.Collector, w *stats.Writer) error {
	snap := col.Snapshot()
	if err := w.Write(snap); err != nil {
		return transport.Wrap(transport.KindOther, err)
	}
	sent, recv, errs, dropped := col.Totals()
	c.Log.Info("run complete",
		"role", role,
		"sent", sent, "recv", recv, "errors", errs, "stats_drops", dropped,
		"total_tps", snap.TotalTPS, "p99_ns", snap.P99NS)

	if c.SummaryJSON == "" {
		return nil
	}
	sum := stats.Summary{
		Role:        role,
		RunID:       c.RunID,
		Engine:      string(engine),
		DurationSec: col.Elapsed().Seconds(),
		Sent:        sent,
		Recv:        recv,
		Errors:      errs,
		StatsDrops:  dropped,
		TotalTPS:    snap.TotalTPS,
		P50NS:       snap.P50NS,
		P95NS:       snap.P95NS,
		P99NS:       snap.P99NS,
		MinNS:       snap.MinNS,
		MaxNS:       snap.MaxNS,
		MeanNS:      snap.MeanNS,
	}
	if err := stats.WriteSummary(c.SummaryJSON, sum); err != nil {
		return transport.Wrap(transport.KindOther, err)
	}
	return nil
}

// shutdownTransport releases a handle under the drain grace deadline.
func shutdownTransport(tr transport.Transport, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	if err := tr.Shutdown(ctx); err != nil {
		log.Debug("transport shutdown", "err", err)
	}
}

// runCtx derives the role's run context: cancelled by the parent (signal)
// or by duration expiry. duration 0 means unbounded.
func runCtx(ctx context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if duration > 0 {
		return context.WithTimeout(ctx, duration)
	}
	return context.WithCancel(ctx)
}

// ExitCode maps a role error onto the process exit codes: 0 success,
// 2 configuration error, 3 connect failure, 4 runtime error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch transport.KindOf(err) {
	case transport.KindConfig, transport.KindNotSupported:
		return 2
	case transport.KindConnect:
		return 3
	default:
		return 4
	}
}
