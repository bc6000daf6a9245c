package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	SignalURL    string `mapstructure:"signal_url"`
	DirectoryURL string `mapstructure:"directory_url"`
	Identity     string `mapstructure:"identity"`
	Token        string `mapstructure:"token"`

	// Presence tuning. The defaults match the product behavior; they are
	// config because the right values are a product decision.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	RecheckInterval  time.Duration `mapstructure:"recheck_interval"`

	// Call/signaling tuning.
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	AuthTimeout        time.Duration `mapstructure:"auth_timeout"`
	BusyGrace          time.Duration `mapstructure:"busy_grace"`
	RemotePollInterval time.Duration `mapstructure:"remote_poll_interval"`
	DirectoryTimeout   time.Duration `mapstructure:"directory_timeout"`

	// Default capture constraints for outbound and answered calls.
	VideoEnabled     bool `mapstructure:"video_enabled"`
	VideoWidth       int  `mapstructure:"video_width"`
	VideoHeight      int  `mapstructure:"video_height"`
	EchoCancellation bool `mapstructure:"echo_cancellation"`
	NoiseSuppression bool `mapstructure:"noise_suppression"`
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
	v.SetDefault("port", 8090)
	v.SetDefault("signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("directory_url", "http://localhost:8080")
	v.SetDefault("heartbeat_timeout", "60s")
	v.SetDefault("recheck_interval", "10s")
	v.SetDefault("connect_timeout", "10s")
	v.SetDefault("auth_timeout", "15s")
	v.SetDefault("busy_grace", "2s")
	v.SetDefault("remote_poll_interval", "500ms")
	v.SetDefault("directory_timeout", "5s")
	v.SetDefault("video_enabled", true)
	v.SetDefault("video_width", 1280)
	v.SetDefault("video_height", 720)
	v.SetDefault("echo_cancellation", true)
	v.SetDefault("noise_suppression", true)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
