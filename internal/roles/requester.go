package roles

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/mqbench/internal/metrics"
	"github.com/drblury/mqbench/internal/rate"
	"github.com/drblury/mqbench/internal/stats"
	"github.com/drblury/mqbench/transport"
)

// RequesterConfig drives the request/reply load role.
type RequesterConfig struct {
	Common

	KeyExpr     string
	QPS         float64 // <= 0 unbounded
	Concurrency int
	Timeout     time.Duration
	Duration    time.Duration // 0 = forever
}

// RunRequester paces requests on the scheduler under a counting-semaphore
// concurrency cap. Elapsed time to first reply lands in the latency
// histogram; timeouts count as errors, never as latencies.
func RunRequester(ctx context.Context, cfg RequesterConfig) error {
	if cfg.KeyExpr == "" {
		return transport.Errf(transport.KindConfig, "key expression is required")
	}
	if cfg.Concurrency < 1 {
		return transport.Errf(transport.KindConfig, "concurrency must be >= 1, got %d", cfg.Concurrency)
	}
	if cfg.Timeout <= 0 {
		return transport.Errf(transport.KindConfig, "timeout must be positive, got %s", cfg.Timeout)
	}
	engine, opts, err := cfg.resolve()
	if err != nil {
		return err
	}
	caps := transport.EngineCapabilities(engine)
	if !caps.SupportsRequest {
		return transport.Errf(transport.KindConfig, "engine %q does not support request/reply", engine)
	}

	cfg.Log.Info("starting requester",
		"engine", string(engine), "key_expr", cfg.KeyExpr,
		"qps", cfg.QPS, "concurrency", cfg.Concurrency,
		"timeout", cfg.Timeout, "duration", cfg.Duration)

	col := stats.NewCollector(0, stats.PrimaryRecv)
	writer, err := stats.NewWriter(cfg.CSVPath)
	if err != nil {
		return transport.Wrap(transport.KindOther, err)
	}
	defer writer.Close()

	msrv, err := metrics.Start(cfg.MetricsAddr, "req", col, cfg.Log)
	if err != nil {
		return transport.Wrap(transport.KindOther, err)
	}
	defer msrv.Close()

	tr, err := connect(ctx, engine, opts, cfg.Log)
	if err != nil {
		return err
	}
	defer shutdownTransport(tr, cfg.Log)

	// Multi-reply engines report replies past the first; those accumulate
	// into recv without touching the latency histogram.
	multi, _ := tr.(transport.MultiReplyTransport)
	countExtras := caps.MultiReply && multi != nil

	run, cancel := runCtx(ctx, cfg.Duration)
	defer cancel()
	fatal := snapshotLoop(run, col, writer, cfg.snapshotInterval())

	sem := make(chan struct{}, cfg.Concurrency)
	sched := rate.NewScheduler(cfg.QPS)
	var inflight sync.WaitGroup

	// Requests in flight at cancellation may run on to the drain deadline;
	// reqCtx outlives the run context for exactly that window.
	reqCtx, reqCancel := context.WithCancel(context.Background())
	defer reqCancel()

	var runErr error
loop:
	for {
		// A permit is held before the tick so a saturated window does not
		// accrue scheduler backlog it can never serve.
		select {
		case sem <- struct{}{}:
		case <-run.Done():
			break loop
		case runErr = <-fatal:
			break loop
		}
		if !sched.Next(run) {
			<-sem
			break
		}

		rec := col.Recorder()
		inflight.Add(1)
		go func() {
			defer func() {
				<-sem
				inflight.Done()
			}()
			rec.Sent()
			var firstAfter time.Duration
			var extra int
			var err error
			if countExtras {
				_, firstAfter, extra, err = multi.RequestMulti(reqCtx, cfg.KeyExpr, nil, cfg.Timeout)
			} else {
				t0 := time.Now()
				_, err = tr.Request(reqCtx, cfg.KeyExpr, nil, cfg.Timeout)
				firstAfter = time.Since(t0)
			}
			if err != nil {
				rec.Error()
				cfg.Log.Debug("request failed", "err", err)
				return
			}
			if err := rec.Recv(uint64(firstAfter)); err != nil {
				rec.Error()
				cfg.Log.Debug("latency sample rejected", "err", err)
			}
			for i := 0; i < extra; i++ {
				rec.RecvOnly()
			}
		}()
	}
	cancel()

	// Let in-flight requests finish inside the grace window, then move on.
	drained := make(chan struct{})
	go func() {
		inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainGrace):
		cfg.Log.Warn("in-flight requests aborted at drain deadline")
		reqCancel()
		<-drained
	}

	if runErr != nil {
		return runErr
	}
	return finish(&cfg.Common, "req", engine, col, writer)
}
