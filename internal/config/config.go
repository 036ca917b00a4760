// Package config loads a node's runtime configuration through viper, with
// a filesystem watch for the liveness-only settings an operator may want
// to flip without a restart.
package config

import (
	"time"

	"github.com/latticebft/lattice/internal/utils"
	"github.com/pkg/errors"
	"github.com/rjeczalik/notify"
	"github.com/spf13/viper"
)

// Config is a node's full runtime configuration.
type Config struct {
	NodeID             string        `mapstructure:"node_id"`
	Nodes              []string      `mapstructure:"nodes"`
	Host               string        `mapstructure:"host"`
	BasePort           uint32        `mapstructure:"base_port"`
	ShardID            uint32        `mapstructure:"shard_id"`
	Byzantine          bool          `mapstructure:"byzantine"`
	BatchInterval      time.Duration `mapstructure:"batch_interval"`
	CheckpointInterval uint64        `mapstructure:"checkpoint_interval"`
	ShardAdjustInterval time.Duration `mapstructure:"shard_adjust_interval"`
	RoundInterval      time.Duration `mapstructure:"round_interval"`
	RoundDeadline      time.Duration `mapstructure:"round_deadline"`
	SharedKeyHex       string        `mapstructure:"shared_key_hex"`
	MetricsAddr        string        `mapstructure:"metrics_addr"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("base_port", 5000)
	v.SetDefault("shard_id", 0)
	v.SetDefault("byzantine", false)
	v.SetDefault("batch_interval", 100*time.Millisecond)
	v.SetDefault("checkpoint_interval", 5)
	v.SetDefault("shard_adjust_interval", 30*time.Second)
	v.SetDefault("round_interval", 3*time.Second)
	v.SetDefault("round_deadline", 0)
	v.SetDefault("metrics_addr", ":9090")
}

// Load reads configuration from path (YAML), honoring LATTICE_-prefixed
// environment variable overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("LATTICE")
	v.AutomaticEnv()
	defaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "config: read")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// WatchLiveness watches path for changes and invokes onChange with the
// freshly reloaded config on every write. Only liveness-relevant fields
// (Byzantine flag, intervals) should be acted on by onChange; round- or
// safety-relevant state is never touched by a reload.
func WatchLiveness(path string, onChange func(*Config)) (stop func(), err error) {
	events := make(chan notify.EventInfo, 1)
	if err := notify.Watch(path, events, notify.Write); err != nil {
		return nil, errors.Wrap(err, "config: watch")
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-events:
				cfg, err := Load(path)
				if err != nil {
					utils.Logger().Error().Err(err).Msg("[WatchLiveness] reload failed, keeping previous config")
					continue
				}
				onChange(cfg)
			case <-done:
				return
			}
		}
	}()
	return func() {
		notify.Stop(events)
		close(done)
	}, nil
}
