package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/mqbench/internal/roles"
)

var (
	qryEngine      string
	qryConnect     []string
	qryEndpoint    string
	qryPrefixes    []string
	qryReplySize   int
	qryProcDelayMS int
	qryDuration    int
	qryCSV         string
	qrySummaryJSON string
	qryMetricsAddr string
)

var qryCmd = &cobra.Command{
	Use:   "qry",
	Short: "Responder role serving inbound queries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return roles.RunResponder(cmd.Context(), roles.ResponderConfig{
			Common:        common(qryEngine, qryConnect, qryEndpoint, qryCSV, qrySummaryJSON, qryMetricsAddr),
			ServePrefixes: qryPrefixes,
			ReplySize:     qryReplySize,
			ProcDelay:     time.Duration(qryProcDelayMS) * time.Millisecond,
			Duration:      secs(qryDuration),
		})
	},
}

func init() {
	f := qryCmd.Flags()
	f.StringVar(&qryEngine, "engine", "bus", "engine tag (bus|mqtt|redis|amqp|nats|mock)")
	f.StringArrayVar(&qryConnect, "connect", nil, "engine connect option KEY=VALUE (repeatable)")
	f.StringVar(&qryEndpoint, "endpoint", "", "bus endpoint locator (alias for --connect endpoint=...)")
	f.StringArrayVar(&qryPrefixes, "serve-prefix", []string{"bench/qry"}, "key prefix to serve (repeatable)")
	f.IntVar(&qryReplySize, "reply-size", 128, "reply payload size in bytes")
	f.IntVar(&qryProcDelayMS, "proc-delay", 0, "artificial processing delay per query in milliseconds")
	f.IntVar(&qryDuration, "duration", 0, "run duration in seconds (0 = until interrupted)")
	f.StringVar(&qryCSV, "csv", "", "CSV snapshot file (stdout if empty)")
	f.StringVar(&qrySummaryJSON, "summary-json", "", "write a final JSON summary to this path")
	f.StringVar(&qryMetricsAddr, "metrics-addr", "", "expose Prometheus metrics on host:port")
	rootCmd.AddCommand(qryCmd)
}
