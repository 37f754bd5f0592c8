// Package setsync wires the set union service, its libp2p transport and the
// local client server into a node.
package setsync

import (
	"fmt"
	"time"

	"github.com/spacemeshos/go-setunion/setsync/ibf"
	"github.com/spacemeshos/go-setunion/setsync/service"
	"github.com/spacemeshos/go-setunion/setsync/strata"
	"github.com/spacemeshos/go-setunion/setsync/transport"
	"github.com/spacemeshos/go-setunion/setsync/union"
)

type Config struct {
	Listen              []string      `mapstructure:"listen"`
	IPCSocket           string        `mapstructure:"ipc-socket"`
	Protocol            string        `mapstructure:"protocol"`
	MaxMessageSize      int           `mapstructure:"max-message-size"`
	IncomingTimeout     time.Duration `mapstructure:"incoming-timeout"`
	AddressTTL          time.Duration `mapstructure:"address-ttl"`
	MaxIBFOrder         int           `mapstructure:"max-ibf-order"`
	IBFHashNum          int           `mapstructure:"ibf-hash-num"`
	ByzantineLowerBound uint64        `mapstructure:"byzantine-lower-bound"`
	Strata              strata.Params `mapstructure:"strata"`
	MetricsListen       string        `mapstructure:"metrics-listen"`
	MetricsPush         string        `mapstructure:"metrics-push"`
	MetricsPushPeriod   time.Duration `mapstructure:"metrics-push-period"`
}

func DefaultConfig() Config {
	return Config{
		Listen:            []string{"/ip4/0.0.0.0/tcp/7513"},
		IPCSocket:         "setunion.sock",
		Protocol:          transport.DefaultProtocol,
		MaxMessageSize:    transport.DefaultMaxMessageSize,
		IncomingTimeout:   service.DefaultIncomingTimeout,
		AddressTTL:        10 * time.Minute,
		MaxIBFOrder:       union.DefaultMaxIBFOrder,
		IBFHashNum:        union.DefaultIBFHashNum,
		Strata:            strata.DefaultParams(),
		MetricsPushPeriod: time.Minute,
	}
}

// Validate checks the configuration.
func (cfg *Config) Validate() error {
	if cfg.IPCSocket == "" {
		return fmt.Errorf("ipc socket path is not set")
	}
	if cfg.MaxMessageSize < union.MaxMessageSize {
		return fmt.Errorf("max message size %d is below the protocol message size %d",
			cfg.MaxMessageSize, union.MaxMessageSize)
	}
	if cfg.IncomingTimeout <= 0 {
		return fmt.Errorf("bad incoming timeout %s", cfg.IncomingTimeout)
	}
	if cfg.IBFHashNum < 1 {
		return fmt.Errorf("bad IBF hash num %d", cfg.IBFHashNum)
	}
	if cfg.MaxIBFOrder < 1 || cfg.MaxIBFOrder > 30 ||
		1<<cfg.MaxIBFOrder > ibf.MaxSize || 1<<cfg.MaxIBFOrder < cfg.IBFHashNum {
		return fmt.Errorf("bad max IBF order %d", cfg.MaxIBFOrder)
	}
	if cfg.MetricsPush != "" && cfg.MetricsPushPeriod <= 0 {
		return fmt.Errorf("bad metrics push period %s", cfg.MetricsPushPeriod)
	}
	if err := cfg.Strata.Validate(); err != nil {
		return err
	}
	return nil
}
