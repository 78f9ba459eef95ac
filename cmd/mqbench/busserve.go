package main

import (
	"github.com/spf13/cobra"

	"github.com/drblury/mqbench/internal/bus"
	"github.com/drblury/mqbench/transport"
)

var busListen string

var busServeCmd = &cobra.Command{
	Use:   "bus-serve",
	Short: "Run a standalone bus broker for client-mode runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, err := bus.Listen(busListen, logger)
		if err != nil {
			return transport.Wrap(transport.KindConnect, err)
		}
		logger.Info("bus broker listening", "addr", srv.Addr())

		<-cmd.Context().Done()
		logger.Info("shutting down bus broker")
		return srv.Close()
	},
}

func init() {
	busServeCmd.Flags().StringVar(&busListen, "listen", "tcp/0.0.0.0:7447", "listen locator (tcp/host:port)")
	rootCmd.AddCommand(busServeCmd)
}
