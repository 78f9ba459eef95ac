package roles

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/mqbench/internal/clock"
	"github.com/drblury/mqbench/internal/metrics"
	"github.com/drblury/mqbench/internal/stats"
	"github.com/drblury/mqbench/internal/wire"
	"github.com/drblury/mqbench/transport"
)

// MultiTopicPublisherConfig fans many logical publishers with distinct
// multi-segment keys out of one process.
type MultiTopicPublisherConfig struct {
	Common

	TopicPrefix    string
	Dims           Dims
	Publishers     int
	PayloadSize    int
	Rate           float64       // per publisher; <= 0 unbounded
	Duration       time.Duration // 0 = forever
	Mapping        Mapping
	ShareTransport bool
}

// RunMultiTopicPublisher derives one key per logical client and drives each
// on its own scheduler, optionally over a single shared handle.
func RunMultiTopicPublisher(ctx context.Context, cfg MultiTopicPublisherConfig) error {
	if cfg.PayloadSize < wire.HeaderSize {
		return transport.Errf(transport.KindConfig,
			"payload size %d is below the %d-byte header", cfg.PayloadSize, wire.HeaderSize)
	}
	if cfg.Publishers < 1 {
		return transport.Errf(transport.KindConfig, "publishers must be >= 1, got %d", cfg.Publishers)
	}
	if cfg.TopicPrefix == "" {
		return transport.Errf(transport.KindConfig, "topic prefix is required")
	}
	if err := cfg.Dims.validate(); err != nil {
		return err
	}
	engine, opts, err := cfg.resolve()
	if err != nil {
		return err
	}

	cfg.Log.Info("starting multi-topic publisher",
		"engine", string(engine), "prefix", cfg.TopicPrefix,
		"tenants", cfg.Dims.Tenants, "regions", cfg.Dims.Regions,
		"services", cfg.Dims.Services, "shards", cfg.Dims.Shards,
		"publishers", cfg.Publishers, "mapping", cfg.Mapping,
		"rate", cfg.Rate, "share_transport", cfg.ShareTransport)

	col := stats.NewCollector(0, stats.PrimarySent)
	writer, err := stats.NewWriter(cfg.CSVPath)
	if err != nil {
		return transport.Wrap(transport.KindOther, err)
	}
	defer writer.Close()

	msrv, err := metrics.Start(cfg.MetricsAddr, "mt-pub", col, cfg.Log)
	if err != nil {
		return transport.Wrap(transport.KindOther, err)
	}
	defer msrv.Close()

	handles := make([]transport.Transport, 0, cfg.Publishers)
	handleFor := func(i int) transport.Transport { return handles[0] }
	if cfg.ShareTransport {
		tr, err := connect(ctx, engine, opts, cfg.Log)
		if err != nil {
			return err
		}
		handles = append(handles, tr)
	} else {
		for i := 0; i < cfg.Publishers; i++ {
			tr, err := connect(ctx, engine, opts, cfg.Log)
			if err != nil {
				for _, h := range handles {
					shutdownTransport(h, cfg.Log)
				}
				return err
			}
			handles = append(handles, tr)
		}
		handleFor = func(i int) transport.Transport { return handles[i] }
	}
	defer func() {
		for _, h := range handles {
			shutdownTransport(h, cfg.Log)
		}
	}()

	run, cancel := runCtx(ctx, cfg.Duration)
	defer cancel()
	fatal := snapshotLoop(run, col, writer, cfg.snapshotInterval())

	var wg sync.WaitGroup
	for i := 0; i < cfg.Publishers; i++ {
		key := cfg.Dims.Key(cfg.TopicPrefix, uint32(i), cfg.Mapping)
		pub, err := handleFor(i).CreatePublisher(ctx, key)
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(pub transport.Publisher) {
			defer wg.Done()
			publishLoop(run, pub, cfg.PayloadSize, cfg.Rate, col.Recorder(), cfg.Log)
		}(pub)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case err := <-fatal:
		cancel()
		<-done
		return err
	}

	cancel()
	return finish(&cfg.Common, "mt-pub", engine, col, writer)
}

// MultiTopicSubscriberConfig subscribes per derived key, not by wildcard,
// to exercise per-subscription overhead.
type MultiTopicSubscriberConfig struct {
	Common

	TopicPrefix    string
	Dims           Dims
	Subscribers    int
	Duration       time.Duration // 0 = forever
	Mapping        Mapping
	ShareTransport bool
}

// RunMultiTopicSubscriber declares one exact-key subscription per logical
// subscriber and measures latency from the in-payload header.
func RunMultiTopicSubscriber(ctx context.Context, cfg MultiTopicSubscriberConfig) error {
	if cfg.Subscribers < 1 {
		return transport.Errf(transport.KindConfig, "subscribers must be >= 1, got %d", cfg.Subscribers)
	}
	if cfg.TopicPrefix == "" {
		return transport.Errf(transport.KindConfig, "topic prefix is required")
	}
	if err := cfg.Dims.validate(); err != nil {
		return err
	}
	engine, opts, err := cfg.resolve()
	if err != nil {
		return err
	}

	cfg.Log.Info("starting multi-topic subscriber",
		"engine", string(engine), "prefix", cfg.TopicPrefix,
		"subscribers", cfg.Subscribers, "mapping", cfg.Mapping,
		"share_transport", cfg.ShareTransport)

	col := stats.NewCollector(0, stats.PrimaryRecv)
	writer, err := stats.NewWriter(cfg.CSVPath)
	if err != nil {
		return transport.Wrap(transport.KindOther, err)
	}
	defer writer.Close()

	msrv, err := metrics.Start(cfg.MetricsAddr, "mt-sub", col, cfg.Log)
	if err != nil {
		return transport.Wrap(transport.KindOther, err)
	}
	defer msrv.Close()

	handles := make([]transport.Transport, 0, cfg.Subscribers)
	handleFor := func(i int) transport.Transport { return handles[0] }
	if cfg.ShareTransport {
		tr, err := connect(ctx, engine, opts, cfg.Log)
		if err != nil {
			return err
		}
		handles = append(handles, tr)
	} else {
		for i := 0; i < cfg.Subscribers; i++ {
			tr, err := connect(ctx, engine, opts, cfg.Log)
			if err != nil {
				for _, h := range handles {
					shutdownTransport(h, cfg.Log)
				}
				return err
			}
			handles = append(handles, tr)
		}
		handleFor = func(i int) transport.Transport { return handles[i] }
	}
	defer func() {
		for _, h := range handles {
			shutdownTransport(h, cfg.Log)
		}
	}()

	run, cancel := runCtx(ctx, cfg.Duration)
	defer cancel()

	updates := make(chan statUpdate, statsQueueDepth)
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		rec := col.Recorder()
		for u := range updates {
			h, err := wire.Decode(u.hdr[:])
			if err != nil {
				rec.Error()
				continue
			}
			if err := rec.Recv(u.recvNS - h.TimestampNS); err != nil {
				rec.Error()
			}
		}
	}()

	subs := make([]transport.Subscription, 0, cfg.Subscribers)
	for i := 0; i < cfg.Subscribers; i++ {
		key := cfg.Dims.Key(cfg.TopicPrefix, uint32(i), cfg.Mapping)
		rec := col.Recorder()
		sub, err := handleFor(i).Subscribe(ctx, key, func(msg transport.Message) {
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
		if err != nil {
			cancel()
			close(updates)
			workers.Wait()
			return err
		}
		subs = append(subs, sub)
	}

	fatal := snapshotLoop(run, col, writer, cfg.snapshotInterval())

	var runErr error
	select {
	case <-run.Done():
	case runErr = <-fatal:
	}
	cancel()

	relCtx, relCancel := context.WithTimeout(context.Background(), drainGrace)
	for _, s := range subs {
		if err := s.Unsubscribe(relCtx); err != nil {
			cfg.Log.Debug("unsubscribe failed", "err", err)
		}
	}
	relCancel()
	close(updates)
	workers.Wait()

	if runErr != nil {
		return runErr
	}
	return finish(&cfg.Common, "mt-sub", engine, col, writer)
}
