package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-setunion/setsync"
	"github.com/spacemeshos/go-setunion/setsync/ipc"
	"github.com/spacemeshos/go-setunion/setsync/setstore"
	"github.com/spacemeshos/go-setunion/setsync/union"
)

func parsedNodeCmd(t *testing.T, args ...string) *cobra.Command {
	root := &cobra.Command{Use: "setunion"}
	root.PersistentFlags().StringP("config", "c", "", "")
	root.PersistentFlags().String("ipc-socket", setsync.DefaultConfig().IPCSocket, "")
	cmd := nodeCmd()
	root.AddCommand(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(parsedNodeCmd(t))
	require.NoError(t, err)
	require.Equal(t, setsync.DefaultConfig(), *cfg)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"incoming-timeout": "5s",
		"max-ibf-order": 12,
		"strata": {"strata-count": 16}
	}`), 0o600))
	t.Setenv("SETUNION_METRICS_LISTEN", "127.0.0.1:9090")
	cfg, err := loadConfig(parsedNodeCmd(t,
		"--config", path,
		"--max-ibf-order", "14",
		"--listen", "/ip4/127.0.0.1/tcp/1,/ip4/127.0.0.1/tcp/2"))
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.IncomingTimeout)
	require.Equal(t, 14, cfg.MaxIBFOrder)
	require.Equal(t, 16, cfg.Strata.StrataCount)
	require.Equal(t, setsync.DefaultConfig().Strata.IBFSize, cfg.Strata.IBFSize)
	require.Equal(t, "127.0.0.1:9090", cfg.MetricsListen)
	require.Equal(t, []string{"/ip4/127.0.0.1/tcp/1", "/ip4/127.0.0.1/tcp/2"}, cfg.Listen)
}

func TestReadElements(t *testing.T) {
	els, err := readElements("", 0)
	require.NoError(t, err)
	require.Empty(t, els)

	path := filepath.Join(t.TempDir(), "elements.txt")
	require.NoError(t, os.WriteFile(path, []byte("foo\n\nbar\n"), 0o600))
	els, err = readElements(path, 3)
	require.NoError(t, err)
	require.Equal(t, []setstore.Element{
		{Type: 3, Data: []byte("foo")},
		{Type: 3, Data: []byte("bar")},
	}, els)

	_, err = readElements(filepath.Join(t.TempDir(), "missing"), 0)
	require.Error(t, err)
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	require.False(t, printResult(&buf, ipc.ResultMessageFrom(1, union.Result{
		Status:  union.StatusAddLocal,
		Element: setstore.Element{Data: []byte("foo")},
	})))
	require.True(t, printResult(&buf, ipc.ResultMessageFrom(1, union.Result{
		Status:      union.StatusDone,
		CurrentSize: 4,
	})))
	require.Equal(t, "add-local foo\ndone 4\n", buf.String())
}
