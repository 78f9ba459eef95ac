package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/mqbench/internal/roles"
)

var (
	reqEngine      string
	reqConnect     []string
	reqEndpoint    string
	reqKeyExpr     string
	reqQPS         float64
	reqConcurrency int
	reqTimeoutMS   int
	reqDuration    int
	reqCSV         string
	reqSummaryJSON string
	reqMetricsAddr string
)

var reqCmd = &cobra.Command{
	Use:   "req",
	Short: "Requester role measuring round-trip latency",
	RunE: func(cmd *cobra.Command, args []string) error {
		return roles.RunRequester(cmd.Context(), roles.RequesterConfig{
			Common:      common(reqEngine, reqConnect, reqEndpoint, reqCSV, reqSummaryJSON, reqMetricsAddr),
			KeyExpr:     reqKeyExpr,
			QPS:         reqQPS,
			Concurrency: reqConcurrency,
			Timeout:     time.Duration(reqTimeoutMS) * time.Millisecond,
			Duration:    secs(reqDuration),
		})
	},
}

func init() {
	f := reqCmd.Flags()
	f.StringVar(&reqEngine, "engine", "bus", "engine tag (bus|mqtt|redis|amqp|nats|mock)")
	f.StringArrayVar(&reqConnect, "connect", nil, "engine connect option KEY=VALUE (repeatable)")
	f.StringVar(&reqEndpoint, "endpoint", "", "bus endpoint locator (alias for --connect endpoint=...)")
	f.StringVar(&reqKeyExpr, "key-expr", "bench/qry/item", "subject to query")
	f.Float64Var(&reqQPS, "qps", 0, "queries per second (<= 0 = unbounded)")
	f.IntVar(&reqConcurrency, "concurrency", 32, "in-flight request cap")
	f.IntVar(&reqTimeoutMS, "timeout", 1000, "per-request timeout in milliseconds")
	f.IntVar(&reqDuration, "duration", 60, "run duration in seconds (0 = forever)")
	f.StringVar(&reqCSV, "csv", "", "CSV snapshot file (stdout if empty)")
	f.StringVar(&reqSummaryJSON, "summary-json", "", "write a final JSON summary to this path")
	f.StringVar(&reqMetricsAddr, "metrics-addr", "", "expose Prometheus metrics on host:port")
	rootCmd.AddCommand(reqCmd)
}
