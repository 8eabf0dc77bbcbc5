package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	FeedURL string `mapstructure:"feed_url"`
	RPCURL  string `mapstructure:"rpc_url"`
	RPCKey  string `mapstructure:"rpc_key"`

	// PingPeriod drives the feed socket keepalive so quiet topics
	// never hit the read deadline.
	PingPeriod time.Duration `mapstructure:"ping_period"`

	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// Debounce intervals for the reload scheduler keys.
	ListDebounce    time.Duration `mapstructure:"list_debounce"`
	PublishDebounce time.Duration `mapstructure:"publish_debounce"`
	ReloadFloor     time.Duration `mapstructure:"reload_floor"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`

	// PollInterval is the timed re-fetch fallback layered under the
	// push feed.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("feed_url", "ws://localhost:4000/realtime")
	v.SetDefault("rpc_url", "http://localhost:4000/api")
	v.SetDefault("rpc_key", "")
	v.SetDefault("ping_period", "54s")
	v.SetDefault("connect_timeout", "10s")
	v.SetDefault("heartbeat_interval", "12s")
	v.SetDefault("list_debounce", "1s")
	v.SetDefault("publish_debounce", "2s")
	v.SetDefault("reload_floor", "3s")
	v.SetDefault("settle_delay", "500ms")
	v.SetDefault("poll_interval", "5s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
