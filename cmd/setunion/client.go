package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/spacemeshos/go-setunion/setsync/ipc"
	"github.com/spacemeshos/go-setunion/setsync/setstore"
	"github.com/spacemeshos/go-setunion/setsync/union"
)

func addOptionFlags(cmd *cobra.Command) {
	cmd.Flags().String("file", "", "file with one element per line")
	cmd.Flags().String("app", "setunion", "application id")
	cmd.Flags().Uint16("element-type", 0, "type of the elements")
	cmd.Flags().Bool("byzantine", false, "check the peer for misbehavior")
	cmd.Flags().Uint64("byzantine-lower-bound", 0, "minimum set size the peer may claim")
	cmd.Flags().Bool("force-full", false, "always send the full set")
	cmd.Flags().Bool("force-delta", false, "never send the full set unless asked")
	cmd.Flags().Bool("symmetric", false, "report the elements sent to the peer")
}

func optionsFromFlags(cmd *cobra.Command, defaultLowerBound uint64) union.Options {
	var opts union.Options
	opts.Byzantine, _ = cmd.Flags().GetBool("byzantine")
	opts.ForceFull, _ = cmd.Flags().GetBool("force-full")
	opts.ForceDelta, _ = cmd.Flags().GetBool("force-delta")
	opts.Symmetric, _ = cmd.Flags().GetBool("symmetric")
	opts.ByzantineLowerBound = defaultLowerBound
	if cmd.Flags().Changed("byzantine-lower-bound") {
		opts.ByzantineLowerBound, _ = cmd.Flags().GetUint64("byzantine-lower-bound")
	}
	return opts
}

func appFromFlags(cmd *cobra.Command) union.AppID {
	app, _ := cmd.Flags().GetString("app")
	return union.AppIDFromString(app)
}

func readElements(path string, elType uint16) ([]setstore.Element, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elements: %w", err)
	}
	defer f.Close()
	var els []setstore.Element
	sc := bufio.NewScanner(f)
	sc.Buffer(nil, setstore.MaxElementSize+1)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		els = append(els, setstore.Element{Type: elType, Data: []byte(sc.Text())})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read elements: %w", err)
	}
	return els, nil
}

// uploadSet creates a set with the elements from the --file flag.
func uploadSet(ctx context.Context, cmd *cobra.Command, c *ipc.Client) (uint64, error) {
	path, _ := cmd.Flags().GetString("file")
	elType, _ := cmd.Flags().GetUint16("element-type")
	els, err := readElements(path, elType)
	if err != nil {
		return 0, err
	}
	set, err := c.CreateSet(ctx)
	if err != nil {
		return 0, fmt.Errorf("create set: %w", err)
	}
	for _, el := range els {
		if _, err := c.Add(ctx, set, el); err != nil {
			return 0, fmt.Errorf("add element: %w", err)
		}
	}
	return set, nil
}

func dialFromFlags(ctx context.Context, cmd *cobra.Command, socket string) (*ipc.Client, error) {
	level, _ := cmd.Flags().GetString("log-level")
	logger, err := newLogger(level)
	if err != nil {
		return nil, err
	}
	return ipc.Dial(ctx, "unix", socket, ipc.WithClientLogger(logger))
}

// printResult prints the result and returns true for the last result of an
// operation.
func printResult(w io.Writer, r *ipc.ResultMessage) bool {
	switch r.StatusValue() {
	case union.StatusAddLocal, union.StatusAddRemote:
		fmt.Fprintf(w, "%s %s\n", r.StatusValue(), r.Data)
	case union.StatusDone:
		fmt.Fprintf(w, "%s %d\n", r.StatusValue(), r.CurrentSize)
	case union.StatusFailure:
		fmt.Fprintf(w, "%s %s\n", r.StatusValue(), r.Error)
	}
	return r.Final()
}
