package main

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"
)

func acceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept",
		Short: "accept union requests from peers with a set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			count, _ := cmd.Flags().GetInt("count")
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
			if err := c.Listen(ctx, appFromFlags(cmd)); err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			opts := optionsFromFlags(cmd, cfg.ByzantineLowerBound)
			out := cmd.OutOrStdout()
			finished := 0
			for count == 0 || finished < count {
				select {
				case <-ctx.Done():
					return nil
				case req, ok := <-c.Requests():
					if !ok {
						return errors.New("connection to the node closed")
					}
					id, err := peer.IDFromBytes(req.Peer)
					if err != nil {
						return fmt.Errorf("bad peer id: %w", err)
					}
					fmt.Fprintf(out, "request %d from %s with %d elements\n", req.RequestID, id, req.ElementCount)
					if _, err := c.Accept(ctx, req.RequestID, set, opts); err != nil {
						fmt.Fprintf(out, "accept %d: %v\n", req.RequestID, err)
					}
				case r, ok := <-c.Results():
					if !ok {
						return errors.New("connection to the node closed")
					}
					if printResult(out, r) {
						finished++
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().Int("count", 0, "number of operations to complete before exiting, 0 to run until interrupted")
	addOptionFlags(cmd)
	return cmd
}
