package main

import (
	"github.com/spf13/cobra"

	"github.com/drblury/mqbench/internal/roles"
)

var (
	mtpEngine         string
	mtpConnect        []string
	mtpEndpoint       string
	mtpTopicPrefix    string
	mtpTenants        uint32
	mtpRegions        uint32
	mtpServices       uint32
	mtpShards         uint32
	mtpPublishers     int
	mtpPayload        int
	mtpRate           float64
	mtpDuration       int
	mtpMapping        string
	mtpShareTransport bool
	mtpCSV            string
	mtpSummaryJSON    string
	mtpMetricsAddr    string
)

var mtPubCmd = &cobra.Command{
	Use:   "mt-pub",
	Short: "Multi-topic publisher: many logical publishers, distinct keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		mapping, err := roles.ParseMapping(mtpMapping)
		if err != nil {
			return err
		}
		return roles.RunMultiTopicPublisher(cmd.Context(), roles.MultiTopicPublisherConfig{
			Common:      common(mtpEngine, mtpConnect, mtpEndpoint, mtpCSV, mtpSummaryJSON, mtpMetricsAddr),
			TopicPrefix: mtpTopicPrefix,
			Dims: roles.Dims{
				Tenants:  mtpTenants,
				Regions:  mtpRegions,
				Services: mtpServices,
				Shards:   mtpShards,
			},
			Publishers:     mtpPublishers,
			PayloadSize:    mtpPayload,
			Rate:           mtpRate,
			Duration:       secs(mtpDuration),
			Mapping:        mapping,
			ShareTransport: mtpShareTransport,
		})
	},
}

func init() {
	f := mtPubCmd.Flags()
	f.StringVar(&mtpEngine, "engine", "bus", "engine tag (bus|mqtt|redis|amqp|nats|kafka|mock)")
	f.StringArrayVar(&mtpConnect, "connect", nil, "engine connect option KEY=VALUE (repeatable)")
	f.StringVar(&mtpEndpoint, "endpoint", "", "bus endpoint locator (alias for --connect endpoint=...)")
	f.StringVar(&mtpTopicPrefix, "topic-prefix", "bench/topic", "key template prefix")
	f.Uint32Var(&mtpTenants, "tenants", 10, "tenant dimension")
	f.Uint32Var(&mtpRegions, "regions", 2, "region dimension")
	f.Uint32Var(&mtpServices, "services", 5, "service dimension")
	f.Uint32Var(&mtpShards, "shards", 10, "shard dimension")
	f.IntVar(&mtpPublishers, "publishers", 1, "number of logical publishers")
	f.IntVar(&mtpPayload, "payload", 1024, "payload size in bytes (>= 24)")
	f.Float64Var(&mtpRate, "rate", 0, "messages per second per publisher (<= 0 = unbounded)")
	f.IntVar(&mtpDuration, "duration", 60, "run duration in seconds (0 = forever)")
	f.StringVar(&mtpMapping, "mapping", "mdim", "client-to-key mapping (mdim|hash)")
	f.BoolVar(&mtpShareTransport, "share-transport", true, "share one broker session across all publishers")
	f.StringVar(&mtpCSV, "csv", "", "CSV snapshot file (stdout if empty)")
	f.StringVar(&mtpSummaryJSON, "summary-json", "", "write a final JSON summary to this path")
	f.StringVar(&mtpMetricsAddr, "metrics-addr", "", "expose Prometheus metrics on host:port")
	rootCmd.AddCommand(mtPubCmd)
}
