package roles

import (
	"context"
	"time"

	"github.com/drblury/mqbench/internal/metrics"
	"github.com/drblury/mqbench/internal/stats"
	"github.com/drblury/mqbench/transport"
)

// ResponderConfig drives the query-serving role.
type ResponderConfig struct {
	Common

	ServePrefixes []string
	ReplySize     int
	ProcDelay     time.Duration
	Duration      time.Duration // 0 = forever
}

// RunResponder registers the serve prefixes and answers each inbound query
// with a zero-filled buffer of the configured size. Replies carry no
// latency header: the requester measures wall-clock round trip on its own.
func RunResponder(ctx context.Context, cfg ResponderConfig) error {
	if len(cfg.ServePrefixes) == 0 {
		return transport.Errf(transport.KindConfig, "at least one serve prefix is required")
	}
	if cfg.ReplySize < 0 {
		return transport.Errf(transport.KindConfig, "reply size must be >= 0, got %d", cfg.ReplySize)
	}
	engine, opts, err := cfg.resolve()
	if err != nil {
		return err
	}
	if caps := transport.EngineCapabilities(engine); !caps.SupportsResponder {
		return transport.Errf(transport.KindConfig, "engine %q cannot serve queries", engine)
	}

	cfg.Log.Info("starting responder",
		"engine", string(engine), "prefixes", cfg.ServePrefixes,
		"reply_size", cfg.ReplySize, "proc_delay", cfg.ProcDelay)

	col := stats.NewCollector(0, stats.PrimarySent)
	writer, err := stats.NewWriter(cfg.CSVPath)
	if err != nil {
		return transport.Wrap(transport.KindOther, err)
	}
	defer writer.Close()

	msrv, err := metrics.Start(cfg.MetricsAddr, "qry", col, cfg.Log)
	if err != nil {
		return transport.Wrap(transport.KindOther, err)
	}
	defer msrv.Close()

	tr, err := connect(ctx, engine, opts, cfg.Log)
	if err != nil {
		return err
	}
	defer shutdownTransport(tr, cfg.Log)

	run, cancel := runCtx(ctx, cfg.Duration)
	defer cancel()

	reply := make([]byte, cfg.ReplySize)

	regs := make([]transport.Registration, 0, len(cfg.ServePrefixes))
	for _, prefix := range cfg.ServePrefixes {
		rec := col.Recorder()
		reg, err := tr.RegisterResponder(ctx, prefix, func(q transport.Query) {
			// Serve off the delivery path so a processing delay never
			// stalls the adapter's dispatch loop.
			go func() {
				if cfg.ProcDelay > 0 {
					time.Sleep(cfg.ProcDelay)
				}
				sendCtx, sendCancel := context.WithTimeout(context.Background(), drainGrace)
				defer sendCancel()
				if err := q.Responder.Send(sendCtx, reply); err != nil {
					rec.Error()
					cfg.Log.Debug("reply failed", "subject", q.Subject, "err", err)
					return
				}
				if err := q.Responder.End(sendCtx); err != nil {
					cfg.Log.Debug("reply end failed", "subject", q.Subject, "err", err)
				}
				rec.Sent()
			}()
		})
		if err != nil {
			cancel()
			return err
		}
		regs = append(regs, reg)
	}
	cfg.Log.Info("responder registered, waiting for queries")

	fatal := snapshotLoop(run, col, writer, cfg.snapshotInterval())

	var runErr error
	select {
	case <-run.Done():
	case runErr = <-fatal:
	}
	cancel()

	relCtx, relCancel := context.WithTimeout(context.Background(), drainGrace)
	for _, reg := range regs {
		if err := reg.Close(relCtx); err != nil {
			cfg.Log.Debug("registration close failed", "err", err)
		}
	}
	relCancel()

	if runErr != nil {
		return runErr
	}
	return finish(&cfg.Common, "qry", engine, col, writer)
}
