// Package stats is the streaming throughput/latency engine shared by all
// roles. Counters and the HDR latency histogram are split into per-shard
// cells so hot writers never contend on one cache line; snapshots merge the
// shards under a read-only reduction and never block the writer path.
package stats

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
)

// Histogram bounds: 1 microsecond to 60 seconds at 3 significant digits.
const (
	histMinNS   = int64(1_000)
	histMaxNS   = int64(60_000_000_000)
	histSigFigs = 3
)

// Primary selects which counter drives the throughput columns: publishers
// report send throughput, subscribers and requesters report receive
// throughput.
type Primary int

const (
	PrimarySent Primary = iota
	PrimaryRecv
)

type shard struct {
	sent    atomic.Uint64
	recv    atomic.Uint64
	errors  atomic.Uint64
	dropped atomic.Uint64

	mu   sync.Mutex
	hist *hdrhistogram.Histogram

	_ [32]byte // keep shards off each other's cache lines
}

// Collector aggregates counters and latencies for one role.
type Collector struct {
	shards  []*shard
	primary Primary
	next    atomic.Uint32

	start time.Time

	snapMu   sync.Mutex
	lastSnap time.Time
	lastPrim uint64
}

// NewCollector builds a collector with the given shard count; n <= 0 uses
// the CPU count.
func NewCollector(n int, primary Primary) *Collector {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{hist: hdrhistogram.New(histMinNS, histMaxNS, histSigFigs)}
	}
	now := time.Now()
	return &Collector{
		shards:   shards,
		primary:  primary,
		start:    now,
		lastSnap: now,
	}
}

// Recorder is a shard-bound writer handle. Each producing goroutine should
// hold its own Recorder; acquisition round-robins across shards.
type Recorder struct {
	s *shard
}

// Recorder returns a writer handle bound to the next shard.
func (c *Collector) Recorder() *Recorder {
	i := c.next.Add(1) - 1
	return &Recorder{s: c.shards[int(i)%len(c.shards)]}
}

// Sent counts one accepted publish or issued request.
func (r *Recorder) Sent() { r.s.sent.Add(1) }

// Error counts one failed operation.
func (r *Recorder) Error() { r.s.errors.Add(1) }

// Dropped counts one stats update lost to channel overflow. The message
// itself is never dropped.
func (r *Recorder) Dropped() { r.s.dropped.Add(1) }

// Recv counts one received message and records its end-to-end latency.
// Sub-microsecond readings clamp to the histogram floor; a latency past the
// 60 s ceiling is unrecordable and reported as an error for the caller to
// treat as fatal.
func (r *Recorder) Recv(latencyNS uint64) error {
	r.s.recv.Add(1)
	v := int64(latencyNS)
	if v < histMinNS {
		v = histMinNS
	}
	if v > histMaxNS {
		return fmt.Errorf("stats: latency %dns exceeds histogram ceiling", latencyNS)
	}
	r.s.mu.Lock()
	err := r.s.hist.RecordValue(v)
	r.s.mu.Unlock()
	return err
}

// RecvOnly counts a received message without a latency sample (multi-reply
// accumulation on the requester path).
func (r *Recorder) RecvOnly() { r.s.recv.Add(1) }

// Totals sums the shard counters.
func (c *Collector) Totals() (sent, recv, errs, dropped uint64) {
	for _, s := range c.shards {
		sent += s.sent.Load()
		recv += s.recv.Load()
		errs += s.errors.Load()
		dropped += s.dropped.Load()
	}
	return
}

// Snapshot merges the shards into a time-stamped record. Interval
// throughput is measured against the previous Snapshot call, totals against
// the collector's start.
func (c *Collector) Snapshot() Snapshot {
	now := time.Now()
	sent, recv, errs, _ := c.Totals()

	merged := hdrhistogram.New(histMinNS, histMaxNS, histSigFigs)
	for _, s := range c.shards {
		s.mu.Lock()
		merged.Merge(s.hist)
		s.mu.Unlock()
	}

	prim := recv
	if c.primary == PrimarySent {
		prim = sent
	}

	c.snapMu.Lock()
	intervalSec := now.Sub(c.lastSnap).Seconds()
	intervalDelta := prim - c.lastPrim
	c.lastSnap = now
	c.lastPrim = prim
	c.snapMu.Unlock()

	totalSec := now.Sub(c.start).Seconds()
	snap := Snapshot{
		TMillis: now.UnixMilli(),
		Sent:    sent,
		Recv:    recv,
		Errors:  errs,
	}
	if totalSec > 0 {
		snap.TotalTPS = float64(prim) / totalSec
	}
	if intervalSec > 0 {
		snap.IntervalTPS = float64(intervalDelta) / intervalSec
	}
	if merged.TotalCount() > 0 {
		snap.P50NS = merged.ValueAtQuantile(50)
		snap.P95NS = merged.ValueAtQuantile(95)
		snap.P99NS = merged.ValueAtQuantile(99)
		// Recv clamps every sample to histMinNS; the histogram's bucket
		// quantization alone would report a minimum below that floor.
		snap.MinNS = max(merged.Min(), histMinNS)
		snap.MaxNS = merged.Max()
		snap.MeanNS = merged.Mean()
	}
	return snap
}

// Elapsed returns the wall time since the collector was created.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.start)
}

// Snapshot is one periodic record of a role's counters and latency
// percentiles. Latency fields are nanoseconds; zero when the role records no
// latencies (publisher, responder).
type Snapshot struct {
	TMillis     int64
	Sent        uint64
	Recv        uint64
	Errors      uint64
	TotalTPS    float64
	IntervalTPS float64
	P50NS       int64
	P95NS       int64
	P99NS       int64
	MinNS       int64
	MaxNS       int64
	MeanNS      float64
}
