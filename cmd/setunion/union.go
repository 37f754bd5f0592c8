package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"

	"github.com/spacemeshos/go-setunion/setsync/union"
)

var errFailed = errors.New("operation failed")

func unionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "union",
		Short: "compute the union of a set with a peer's set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			peerAddr, _ := cmd.Flags().GetString("peer")
			addr, err := multiaddr.NewMultiaddr(peerAddr)
			if err != nil {
				return fmt.Errorf("bad peer address: %w", err)
			}
			info, err := peer.AddrInfoFromP2pAddr(addr)
			if err != nil {
				return fmt.Errorf("bad peer address: %w", err)
			}
			reqContext, _ := cmd.Flags().GetString("context")

			ctx, cancel := signalContext()
			defer cancel()
			c, err := dialFromFlags(ctx, cmd, cfg.IPCSocket)
			if err != nil {
				return err
			}
			defer c.Close()
			set, err := uploadSet(ctx, cmd, c)
			if err != nil {
				return err
			}
			op, err := c.Evaluate(ctx, set, info.ID, info.Addrs, appFromFlags(cmd),
				[]byte(reqContext), optionsFromFlags(cmd, cfg.ByzantineLowerBound))
			if err != nil {
				return fmt.Errorf("evaluate: %w", err)
			}
			for {
				select {
				case <-ctx.Done():
					return c.Cancel(context.Background(), op)
				case r, ok := <-c.Results():
					if !ok {
						return errors.New("connection to the node closed")
					}
					if r.OpID != op || !printResult(cmd.OutOrStdout(), r) {
						continue
					}
					if r.StatusValue() == union.StatusFailure {
						return errFailed
					}
					return nil
				}
			}
		},
	}
	cmd.Flags().String("peer", "", "peer multiaddr ending with /p2p/<id>")
	cmd.Flags().String("context", "", "context passed to the peer along with the request")
	cmd.MarkFlagRequired("peer")
	addOptionFlags(cmd)
	return cmd
}
