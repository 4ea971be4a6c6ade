package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/unichain/overlay/config"
	"github.com/unichain/overlay/libs/log"
	"github.com/unichain/overlay/node"
)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding an overlay node
func AddNodeFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().Int32("network-version", conf.NetworkVersion, "Protocol version of the network to join")
	cmd.Flags().String("db-backend", conf.DBBackend, "Database backend: goleveldb | memdb")
	cmd.Flags().String("db-dir", conf.DBPath, "Database directory")

	// discovery flags
	cmd.Flags().Bool("discovery.enable", conf.Discovery.Enable, "Enable node discovery")
	cmd.Flags().String("discovery.laddr", conf.Discovery.ListenAddress, "Discovery UDP listen address")
	cmd.Flags().String("discovery.external-address", conf.Discovery.ExternalAddress,
		"Discovery address to advertise to other nodes")
	cmd.Flags().String("discovery.bootnodes", conf.Discovery.Bootnodes, "Comma-delimited host:port boot nodes")

	// p2p flags
	cmd.Flags().String("p2p.laddr", conf.P2P.ListenAddress, "Node listen address")
	cmd.Flags().String("p2p.persistent-peers", conf.P2P.PersistentPeers, "Comma-delimited host:port persistent peers")
	cmd.Flags().Int("p2p.max-peers", conf.P2P.MaxPeers, "Maximum number of connected peers")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus, "Serve Prometheus metrics")
	cmd.Flags().String("instrumentation.prometheus-listen-addr", conf.Instrumentation.PrometheusListenAddr,
		"Prometheus metrics listen address")
}

// NewRunNodeCmd returns the command that allows the CLI to start a node.
func NewRunNodeCmd(conf *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the overlay node",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			n, err := node.New(conf, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			// the node stops itself once ctx is done
			<-ctx.Done()
			n.Wait()
			return nil
		},
	}

	AddNodeFlags(cmd, conf)
	return cmd
}
