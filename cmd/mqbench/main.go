// mqbench is a benchmarking harness for message-oriented middleware. One
// binary, one role per invocation: pub, sub, req, qry, the multi-topic
// variants, or a standalone bus broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/mqbench/internal/ids"
	"github.com/drblury/mqbench/internal/logging"
	"github.com/drblury/mqbench/internal/roles"
	"github.com/drblury/mqbench/transport"

	// Engine adapters register themselves with the transport registry.
	_ "github.com/drblury/mqbench/transport/amqp"
	_ "github.com/drblury/mqbench/transport/bus"
	_ "github.com/drblury/mqbench/transport/kafka"
	_ "github.com/drblury/mqbench/transport/mockbus"
	_ "github.com/drblury/mqbench/transport/mqtt"
	_ "github.com/drblury/mqbench/transport/nats"
	_ "github.com/drblury/mqbench/transport/redis"
)

// ── global flags ────────────────────────────────────────────────────────────

var (
	flagSnapshotInterval int
	flagLogLevel         string
	flagRunID            string
)

var logger *slog.Logger

var rootCmd = &cobra.Command{
	Use:           "mqbench",
	Short:         "Throughput and latency benchmarks for message brokers",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(flagLogLevel)
		if err != nil {
			return transport.Wrap(transport.KindConfig, err)
		}
		logger = logging.New(level)
		if flagRunID == "" {
			flagRunID = ids.New()
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.IntVar(&flagSnapshotInterval, "snapshot-interval", 5, "seconds between stats snapshots")
	pf.StringVar(&flagLogLevel, "log-level", "info", "log level (info|debug|trace)")
	pf.StringVar(&flagRunID, "run-id", "", "run identifier for tagging outputs (generated if empty)")

	// Bad flags are configuration errors (exit 2), not runtime failures.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return transport.Wrap(transport.KindConfig, err)
	})
}

// common assembles the role configuration shared by every subcommand.
func common(engine string, connect []string, endpoint, csv, summaryJSON, metricsAddr string) roles.Common {
	return roles.Common{
		Engine:           engine,
		Connect:          connect,
		Endpoint:         endpoint,
		CSVPath:          csv,
		SummaryJSON:      summaryJSON,
		MetricsAddr:      metricsAddr,
		SnapshotInterval: time.Duration(flagSnapshotInterval) * time.Second,
		RunID:            flagRunID,
		Log:              logger,
	}
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mqbench:", err)
	}
	os.Exit(roles.ExitCode(err))
}
