// Package metrics optionally exposes the role's live counters on a
// Prometheus endpoint (--metrics-addr). The stats engine remains the
// measurement instrument; this is for watching long runs from the outside.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/mqbench/internal/stats"
)

// Server owns the metrics listener for one role process.
type Server struct {
	srv *http.Server
}

// Start registers gauges backed by the collector's totals and serves
// /metrics on addr. An empty addr disables the endpoint and returns nil.
func Start(addr, role string, c *stats.Collector, log *slog.Logger) (*Server, error) {
	if addr == "" {
		return nil, nil
	}

	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"role": role}
	counter := func(name, help string, read func() uint64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "mqbench",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 {
			return float64(read())
		})
	}
	reg.MustRegister(
		counter("sent_total", "Messages accepted by the local client.", func() uint64 {
			sent, _, _, _ := c.Totals()
			return sent
		}),
		counter("recv_total", "Messages received.", func() uint64 {
			_, recv, _, _ := c.Totals()
			return recv
		}),
		counter("errors_total", "Operations that failed.", func() uint64 {
			_, _, errs, _ := c.Totals()
			return errs
		}),
		counter("stats_drops_total", "Stats updates lost to channel overflow.", func() uint64 {
			_, _, _, dropped := c.Totals()
			return dropped
		}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics listener failed", "addr", addr, "err", err)
		}
	}()
	log.Info("metrics endpoint up", "addr", addr)
	return &Server{srv: srv}, nil
}

// Close shuts the listener down with a short deadline.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
