package roles

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/drblury/mqbench/internal/clock"
	"github.com/drblury/mqbench/internal/metrics"
	"github.com/drblury/mqbench/internal/stats"
	"github.com/drblury/mqbench/internal/wire"
	"github.com/drblury/mqbench/transport"
)

// statsQueueDepth bounds the handler-to-worker channel. On overflow the
// stats update is dropped and counted; the message itself never is.
const statsQueueDepth = 65536

// SubscriberConfig drives the subscriber role.
type SubscriberConfig struct {
	Common

	Expr           string
	Subscribers    int
	Duration       time.Duration // 0 = forever
	ShareTransport bool
}

// statUpdate is the minimal record the delivery handler enqueues: receive
// timestamp plus the header bytes, nothing else.
type statUpdate struct {
	recvNS uint64
	hdr    [wire.HeaderSize]byte
}

// subscriberState owns the live handles and subscriptions so a reconnect
// can rebuild them wholesale.
type subscriberState struct {
	mu       sync.Mutex
	handles  []transport.Transport
	subs     []transport.Subscription
	handlers []transport.Handler
	shared   bool
}

func (st *subscriberState) handleFor(i int) transport.Transport {
	if st.shared {
		return st.handles[0]
	}
	return st.handles[i]
}

// RunSubscriber declares one subscription per logical subscriber and
// computes end-to-end latency from the in-payload header.
func RunSubscriber(ctx context.Context, cfg SubscriberConfig) error {
	if cfg.Subscribers < 1 {
		return transport.Errf(transport.KindConfig, "subscribers must be >= 1, got %d", cfg.Subscribers)
	}
	if cfg.Expr == "" {
		return transport.Errf(transport.KindConfig, "key expression is required")
	}
	engine, opts, err := cfg.resolve()
	if err != nil {
		return err
	}

	cfg.Log.Info("starting subscriber",
		"engine", string(engine), "expr", cfg.Expr,
		"subscribers", cfg.Subscribers, "share_transport", cfg.ShareTransport)

	col := stats.NewCollector(0, stats.PrimaryRecv)
	writer, err := stats.NewWriter(cfg.CSVPath)
	if err != nil {
		return transport.Wrap(transport.KindOther, err)
	}
	defer writer.Close()

	msrv, err := metrics.Start(cfg.MetricsAddr, "sub", col, cfg.Log)
	if err != nil {
		return transport.Wrap(transport.KindOther, err)
	}
	defer msrv.Close()

	run, cancel := runCtx(ctx, cfg.Duration)
	defer cancel()

	// Stats aggregation workers drain the bounded channel so the delivery
	// path never parses or locks.
	updates := make(chan statUpdate, statsQueueDepth)
	var workers sync.WaitGroup
	for i := 0; i < runtime.GOMAXPROCS(0); i++ {
		rec := col.Recorder()
		workers.Add(1)
		go func() {
			defer workers.Done()
			for u := range updates {
				h, err := wire.Decode(u.hdr[:])
				if err != nil {
					rec.Error()
					continue
				}
				if err := rec.Recv(u.recvNS - h.TimestampNS); err != nil {
					rec.Error()
					cfg.Log.Debug("latency sample rejected", "err", err)
				}
			}
		}()
	}

	st := &subscriberState{shared: cfg.ShareTransport}
	for i := 0; i < cfg.Subscribers; i++ {
		rec := col.Recorder()
		st.handlers = append(st.handlers, func(msg transport.Message) {
			// Minimal handler: stamp, copy the header, enqueue.
			if len(msg.Payload) < wire.HeaderSize {
				rec.Error()
				return
			}
			var u statUpdate
			u.recvNS = clock.NowUnixNano()
			copy(u.hdr[:], msg.Payload[:wire.HeaderSize])
			select {
			case updates <- u:
			default:
				rec.Dropped()
			}
		})
	}

	buildState := func(buildCtx context.Context) error {
		n := 1
		if !cfg.ShareTransport {
			n = cfg.Subscribers
		}
		handles := make([]transport.Transport, 0, n)
		for i := 0; i < n; i++ {
			tr, err := connect(buildCtx, engine, opts, cfg.Log)
			if err != nil {
				for _, h := range handles {
					shutdownTransport(h, cfg.Log)
				}
				return err
			}
			handles = append(handles, tr)
		}
		subs := make([]transport.Subscription, 0, cfg.Subscribers)
		st.mu.Lock()
		st.handles = handles
		st.mu.Unlock()
		for i := 0; i < cfg.Subscribers; i++ {
			sub, err := st.handleFor(i).Subscribe(buildCtx, cfg.Expr, st.handlers[i])
			if err != nil {
				for _, h := range handles {
					shutdownTransport(h, cfg.Log)
				}
				return err
			}
			subs = append(subs, sub)
		}
		st.mu.Lock()
		st.subs = subs
		st.mu.Unlock()
		return nil
	}

	if err := buildState(ctx); err != nil {
		cancel()
		close(updates)
		workers.Wait()
		return err
	}
	teardown := func() {
		st.mu.Lock()
		handles, subs := st.handles, st.subs
		st.handles, st.subs = nil, nil
		st.mu.Unlock()
		relCtx, relCancel := context.WithTimeout(context.Background(), drainGrace)
		for _, s := range subs {
			if err := s.Unsubscribe(relCtx); err != nil {
				cfg.Log.Debug("unsubscribe failed", "err", err)
			}
		}
		relCancel()
		for _, h := range handles {
			shutdownTransport(h, cfg.Log)
		}
	}
	defer teardown()

	fatal := snapshotLoop(run, col, writer, cfg.snapshotInterval())
	health := healthLoop(run, st, buildState, teardown, cfg.snapshotInterval(), cfg.Log)

	var runErr error
	select {
	case <-run.Done():
	case runErr = <-fatal:
	case runErr = <-health:
	}
	cancel()

	// Release broker registrations before quiescing the stats workers.
	teardown()
	close(updates)
	workers.Wait()

	if runErr != nil {
		return runErr
	}
	return finish(&cfg.Common, "sub", engine, col, writer)
}

// healthLoop probes the live handle each interval. On a surfaced
// disconnect the subscriber rebuilds its handles and subscriptions once
// within the grace window; a second failure terminates the role.
func healthLoop(ctx context.Context, st *subscriberState, rebuild func(context.Context) error, teardown func(), interval time.Duration, log *slog.Logger) <-chan error {
	fail := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.mu.Lock()
				var tr transport.Transport
				if len(st.handles) > 0 {
					tr = st.handles[0]
				}
				st.mu.Unlock()
				if tr == nil {
					continue
				}
				probe, cancel := context.WithTimeout(ctx, time.Second)
				err := tr.HealthCheck(probe)
				cancel()
				if err == nil {
					continue
				}
				log.Warn("broker connection unhealthy, reconnecting once", "err", err)
				teardown()
				recCtx, cancel := context.WithTimeout(ctx, drainGrace)
				err = rebuild(recCtx)
				cancel()
				if err != nil {
					fail <- transport.Wrap(transport.KindDisconnected, err)
					return
				}
				log.Info("reconnected")
			}
		}
	}()
	return fail
}
