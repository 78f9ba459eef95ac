package main

import (
	"github.com/spf13/cobra"

	"github.com/drblury/mqbench/internal/roles"
)

var (
	pubEngine         string
	pubConnect        []string
	pubEndpoint       string
	pubTopicPrefix    string
	pubTopics         int
	pubPublishers     int
	pubPayload        int
	pubRate           float64
	pubDuration       int
	pubShareTransport bool
	pubCSV            string
	pubSummaryJSON    string
	pubMetricsAddr    string
)

var pubCmd = &cobra.Command{
	Use:   "pub",
	Short: "Open-loop publisher role",
	RunE: func(cmd *cobra.Command, args []string) error {
		return roles.RunPublisher(cmd.Context(), roles.PublisherConfig{
			Common:         common(pubEngine, pubConnect, pubEndpoint, pubCSV, pubSummaryJSON, pubMetricsAddr),
			TopicPrefix:    pubTopicPrefix,
			Topics:         pubTopics,
			Publishers:     pubPublishers,
			PayloadSize:    pubPayload,
			Rate:           pubRate,
			Duration:       secs(pubDuration),
			ShareTransport: pubShareTransport,
		})
	},
}

func init() {
	f := pubCmd.Flags()
	f.StringVar(&pubEngine, "engine", "bus", "engine tag (bus|mqtt|redis|amqp|nats|kafka|mock)")
	f.StringArrayVar(&pubConnect, "connect", nil, "engine connect option KEY=VALUE (repeatable)")
	f.StringVar(&pubEndpoint, "endpoint", "", "bus endpoint locator (alias for --connect endpoint=...)")
	f.StringVar(&pubTopicPrefix, "topic-prefix", "bench/topic", "topic prefix")
	f.IntVar(&pubTopics, "topics", 1, "number of topics")
	f.IntVar(&pubPublishers, "publishers", 1, "number of logical publishers")
	f.IntVar(&pubPayload, "payload", 1024, "payload size in bytes (>= 24)")
	f.Float64Var(&pubRate, "rate", 0, "messages per second per publisher (<= 0 = unbounded)")
	f.IntVar(&pubDuration, "duration", 60, "run duration in seconds (0 = forever)")
	f.BoolVar(&pubShareTransport, "share-transport", false, "share one broker session across all publishers")
	f.StringVar(&pubCSV, "csv", "", "CSV snapshot file (stdout if empty)")
	f.StringVar(&pubSummaryJSON, "summary-json", "", "write a final JSON summary to this path")
	f.StringVar(&pubMetricsAddr, "metrics-addr", "", "expose Prometheus metrics on host:port")
	rootCmd.AddCommand(pubCmd)
}
