package roles

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/drblury/mqbench/internal/clock"
	"github.com/drblury/mqbench/internal/metrics"
	"github.com/drblury/mqbench/internal/rate"
	"github.com/drblury/mqbench/internal/stats"
	"github.com/drblury/mqbench/internal/wire"
	"github.com/drblury/mqbench/transport"
)

// PublisherConfig drives the open-loop publisher role.
type PublisherConfig struct {
	Common

	TopicPrefix    string
	Topics         int
	Publishers     int
	PayloadSize    int
	Rate           float64       // msgs/s per publisher; <= 0 unbounded
	Duration       time.Duration // 0 = forever
	ShareTransport bool
}

func (cfg *PublisherConfig) validate() error {
	if cfg.PayloadSize < wire.HeaderSize {
		return transport.Errf(transport.KindConfig,
			"payload size %d is below the %d-byte header", cfg.PayloadSize, wire.HeaderSize)
	}
	if cfg.Publishers < 1 {
		return transport.Errf(transport.KindConfig, "publishers must be >= 1, got %d", cfg.Publishers)
	}
	if cfg.Topics < 1 {
		return transport.Errf(transport.KindConfig, "topics must be >= 1, got %d", cfg.Topics)
	}
	if cfg.TopicPrefix == "" {
		return transport.Errf(transport.KindConfig, "topic prefix is required")
	}
	return nil
}

// topicFor activates topic indices [0, min(publishers, topics)).
func (cfg *PublisherConfig) topicFor(i int) string {
	if cfg.Topics == 1 {
		return cfg.TopicPrefix
	}
	return fmt.Sprintf("%s/%d", cfg.TopicPrefix, i%cfg.Topics)
}

// RunPublisher resolves N logical publishers, each pacing its own rate
// scheduler and stamping a fresh header per tick.
func RunPublisher(ctx context.Context, cfg PublisherConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	engine, opts, err := cfg.resolve()
	if err != nil {
		return err
	}

	cfg.Log.Info("starting publisher",
		"engine", string(engine), "topic_prefix", cfg.TopicPrefix,
		"publishers", cfg.Publishers, "topics", cfg.Topics,
		"payload", cfg.PayloadSize, "rate", cfg.Rate,
		"duration", cfg.Duration, "share_transport", cfg.ShareTransport)

	col := stats.NewCollector(0, stats.PrimarySent)
	writer, err := stats.NewWriter(cfg.CSVPath)
	if err != nil {
		return transport.Wrap(transport.KindOther, err)
	}
	defer writer.Close()

	msrv, err := metrics.Start(cfg.MetricsAddr, "pub", col, cfg.Log)
	if err != nil {
		return transport.Wrap(transport.KindOther, err)
	}
	defer msrv.Close()

	// One shared handle, or one per logical publisher.
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
		pub, err := handleFor(i).CreatePublisher(ctx, cfg.topicFor(i))
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
	return finish(&cfg.Common, "pub", engine, col, writer)
}

// publishLoop is one logical publisher: tick, stamp, publish, count.
func publishLoop(ctx context.Context, pub transport.Publisher, size int, perSec float64, rec *stats.Recorder, log *slog.Logger) {
	sched := rate.NewScheduler(perSec)
	buf, _ := wire.NewPayload(size) // size validated at startup

	var seq uint64
	for sched.Next(ctx) {
		wire.Stamp(buf, seq, clock.NowUnixNano())
		seq++
		if err := pub.Publish(ctx, buf); err != nil {
			rec.Error()
			log.Debug("publish failed", "err", err)
			continue
		}
		rec.Sent()
	}
}
