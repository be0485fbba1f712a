// Package config defines the tunables of the consume loop and its
// collaborators, and loads them from a YAML file and environment overrides
// via viper.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// RedisConfig configures the Redis-backed group registry.
type RedisConfig struct {
	RedisHost     string        `mapstructure:"redis_host"`
	HeartbeatFreq time.Duration `mapstructure:"heart_beat_freq"`
}

// Config holds every tunable named in this spec, with the defaults given in
// parentheses in §6 of SPEC_FULL.md.
type Config struct {
	// OffsetCommitFreq is the persister's debounce interval.
	OffsetCommitFreq time.Duration `mapstructure:"offset_commit_freq"`
	// FetchTimeout bounds a single broker fetch cycle.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	// FetchPollInterval is how long the consume loop sleeps after a cycle
	// that yielded no messages.
	FetchPollInterval time.Duration `mapstructure:"fetch_poll_ms"`
	// UseEarliest selects the initial offset policy: true picks the oldest
	// retained offset, false the newest.
	UseEarliest bool `mapstructure:"use_earliest"`
	// HostName is this member's identity in the group registry. Left empty,
	// it is derived from the OS hostname and process id.
	HostName string `mapstructure:"host_name"`
	// BootstrapBrokers seeds cluster metadata discovery.
	BootstrapBrokers []string `mapstructure:"bootstrap_brokers"`
	// Topics are the topics this member subscribes to.
	Topics []string `mapstructure:"topics"`

	Redis RedisConfig `mapstructure:"redis_conf"`
}

// Default returns the zero-config defaults, suitable for embedding use
// without a config file.
func Default() *Config {
	return &Config{
		OffsetCommitFreq:  5000 * time.Millisecond,
		FetchTimeout:      60000 * time.Millisecond,
		FetchPollInterval: 10000 * time.Millisecond,
		UseEarliest:       true,
		Redis: RedisConfig{
			RedisHost:     "localhost:6379",
			HeartbeatFreq: 10 * time.Second,
		},
	}
}

// Load reads configuration from path (if non-empty) merged over Default(),
// with environment variables of the form KAFKAFAST_<KEY> overriding both.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("kafkafast")
	v.AutomaticEnv()

	v.SetDefault("offset_commit_freq", cfg.OffsetCommitFreq)
	v.SetDefault("fetch_timeout", cfg.FetchTimeout)
	v.SetDefault("fetch_poll_ms", cfg.FetchPollInterval)
	v.SetDefault("use_earliest", cfg.UseEarliest)
	v.SetDefault("redis_conf.redis_host", cfg.Redis.RedisHost)
	v.SetDefault("redis_conf.heart_beat_freq", cfg.Redis.HeartbeatFreq)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if cfg.HostName == "" {
		cfg.HostName = derivedHostName()
	}
	return cfg, nil
}

func derivedHostName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
