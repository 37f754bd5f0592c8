package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-setunion/setsync"
)

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "run a set union node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			logger, err := newLogger(level)
			if err != nil {
				return err
			}
			defer logger.Sync()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			identity, _ := cmd.Flags().GetString("identity")
			key, err := setsync.LoadIdentity(identity)
			if err != nil {
				return err
			}
			h, err := setsync.NewHost(*cfg, key)
			if err != nil {
				return err
			}
			defer h.Close()
			n, err := setsync.NewNode(logger, h, *cfg)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			if err := n.Run(ctx); err != nil {
				return fmt.Errorf("node: %w", err)
			}
			logger.Info("node stopped", zap.Stringer("id", h.ID()))
			return nil
		},
	}
	defaults := setsync.DefaultConfig()
	cmd.Flags().StringSlice("listen", defaults.Listen, "libp2p listen multiaddrs")
	cmd.Flags().String("identity", "identity.key", "libp2p identity key file, created if missing")
	cmd.Flags().String("protocol", defaults.Protocol, "libp2p protocol id")
	cmd.Flags().Int("max-message-size", defaults.MaxMessageSize, "max size of a message from a peer")
	cmd.Flags().Duration("incoming-timeout", defaults.IncomingTimeout,
		"time an incoming request waits to be accepted")
	cmd.Flags().Int("max-ibf-order", defaults.MaxIBFOrder, "log2 of the largest IBF")
	cmd.Flags().String("metrics-listen", defaults.MetricsListen, "address to serve prometheus metrics on")
	cmd.Flags().String("metrics-push", defaults.MetricsPush, "prometheus pushgateway url")
	return cmd
}
