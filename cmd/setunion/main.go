package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/go-setunion/setsync"
)

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level: %w", err)
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewProductionEncoderConfig()),
		os.Stderr,
		zap.NewAtomicLevelAt(lvl),
	)
	return zap.New(core), nil
}

// loadConfig merges the defaults, the config file, the environment and the
// flags of the command, in increasing priority.
func loadConfig(cmd *cobra.Command) (*setsync.Config, error) {
	vip := viper.New()
	vip.SetEnvPrefix("SETUNION")
	vip.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	vip.AutomaticEnv()
	// AutomaticEnv only applies to the keys viper knows about
	var defaults map[string]any
	if err := mapstructure.Decode(setsync.DefaultConfig(), &defaults); err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	for k, v := range defaults {
		vip.SetDefault(k, v)
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		vip.SetConfigFile(path)
		if err := vip.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed && bindErr == nil {
			bindErr = vip.BindPFlag(f.Name, f)
		}
	})
	if bindErr != nil {
		return nil, fmt.Errorf("bind flags: %w", bindErr)
	}
	cfg := setsync.DefaultConfig()
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := vip.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	root := &cobra.Command{
		Use:           "setunion",
		Short:         "set union reconciliation node and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "config file")
	root.PersistentFlags().String("ipc-socket", setsync.DefaultConfig().IPCSocket, "local client socket path")
	root.PersistentFlags().String("log-level", "info", "log level")
	root.AddCommand(nodeCmd(), unionCmd(), acceptCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
