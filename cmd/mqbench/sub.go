package main

import (
	"github.com/spf13/cobra"

	"github.com/drblury/mqbench/internal/roles"
)

var (
	subEngine         string
	subConnect        []string
	subEndpoint       string
	subExpr           string
	subSubscribers    int
	subDuration       int
	subShareTransport bool
	subCSV            string
	subSummaryJSON    string
	subMetricsAddr    string
)

var subCmd = &cobra.Command{
	Use:   "sub",
	Short: "Subscriber role measuring end-to-end latency",
	RunE: func(cmd *cobra.Command, args []string) error {
		return roles.RunSubscriber(cmd.Context(), roles.SubscriberConfig{
			Common:         common(subEngine, subConnect, subEndpoint, subCSV, subSummaryJSON, subMetricsAddr),
			Expr:           subExpr,
			Subscribers:    subSubscribers,
			Duration:       secs(subDuration),
			ShareTransport: subShareTransport,
		})
	},
}

func init() {
	f := subCmd.Flags()
	f.StringVar(&subEngine, "engine", "bus", "engine tag (bus|mqtt|redis|amqp|nats|kafka|mock)")
	f.StringArrayVar(&subConnect, "connect", nil, "engine connect option KEY=VALUE (repeatable)")
	f.StringVar(&subEndpoint, "endpoint", "", "bus endpoint locator (alias for --connect endpoint=...)")
	f.StringVar(&subExpr, "expr", "bench/topic", "key expression to subscribe (wildcards pass through)")
	f.IntVar(&subSubscribers, "subscribers", 1, "number of logical subscribers")
	f.IntVar(&subDuration, "duration", 0, "run duration in seconds (0 = until interrupted)")
	f.BoolVar(&subShareTransport, "share-transport", true, "share one broker session across all subscribers")
	f.StringVar(&subCSV, "csv", "", "CSV snapshot file (stdout if empty)")
	f.StringVar(&subSummaryJSON, "summary-json", "", "write a final JSON summary to this path")
	f.StringVar(&subMetricsAddr, "metrics-addr", "", "expose Prometheus metrics on host:port")
	rootCmd.AddCommand(subCmd)
}
