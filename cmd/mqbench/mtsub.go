package main

import (
	"github.com/spf13/cobra"

	"github.com/drblury/mqbench/internal/roles"
)

var (
	mtsEngine         string
	mtsConnect        []string
	mtsEndpoint       string
	mtsTopicPrefix    string
	mtsTenants        uint32
	mtsRegions        uint32
	mtsServices       uint32
	mtsShards         uint32
	mtsSubscribers    int
	mtsDuration       int
	mtsMapping        string
	mtsShareTransport bool
	mtsCSV            string
	mtsSummaryJSON    string
	mtsMetricsAddr    string
)

var mtSubCmd = &cobra.Command{
	Use:   "mt-sub",
	Short: "Multi-topic subscriber: one exact-key subscription per client",
	RunE: func(cmd *cobra.Command, args []string) error {
		mapping, err := roles.ParseMapping(mtsMapping)
		if err != nil {
			return err
		}
		return roles.RunMultiTopicSubscriber(cmd.Context(), roles.MultiTopicSubscriberConfig{
			Common:      common(mtsEngine, mtsConnect, mtsEndpoint, mtsCSV, mtsSummaryJSON, mtsMetricsAddr),
			TopicPrefix: mtsTopicPrefix,
			Dims: roles.Dims{
				Tenants:  mtsTenants,
				Regions:  mtsRegions,
				Services: mtsServices,
				Shards:   mtsShards,
			},
			Subscribers:    mtsSubscribers,
			Duration:       secs(mtsDuration),
			Mapping:        mapping,
			ShareTransport: mtsShareTransport,
		})
	},
}

func init() {
	f := mtSubCmd.Flags()
	f.StringVar(&mtsEngine, "engine", "bus", "engine tag (bus|mqtt|redis|amqp|nats|kafka|mock)")
	f.StringArrayVar(&mtsConnect, "connect", nil, "engine connect option KEY=VALUE (repeatable)")
	f.StringVar(&mtsEndpoint, "endpoint", "", "bus endpoint locator (alias for --connect endpoint=...)")
	f.StringVar(&mtsTopicPrefix, "topic-prefix", "bench/topic", "key template prefix")
	f.Uint32Var(&mtsTenants, "tenants", 10, "tenant dimension")
	f.Uint32Var(&mtsRegions, "regions", 2, "region dimension")
	f.Uint32Var(&mtsServices, "services", 5, "service dimension")
	f.Uint32Var(&mtsShards, "shards", 10, "shard dimension")
	f.IntVar(&mtsSubscribers, "subscribers", 1, "number of logical subscribers")
	f.IntVar(&mtsDuration, "duration", 0, "run duration in seconds (0 = until interrupted)")
	f.StringVar(&mtsMapping, "mapping", "hash", "client-to-key mapping (mdim|hash)")
	f.BoolVar(&mtsShareTransport, "share-transport", true, "share one broker session across all subscribers")
	f.StringVar(&mtsCSV, "csv", "", "CSV snapshot file (stdout if empty)")
	f.StringVar(&mtsSummaryJSON, "summary-json", "", "write a final JSON summary to this path")
	f.StringVar(&mtsMetricsAddr, "metrics-addr", "", "expose Prometheus metrics on host:port")
	rootCmd.AddCommand(mtSubCmd)
}
