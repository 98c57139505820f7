package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	StatusPort int    `mapstructure:"status_port"`

	JanusURL string `mapstructure:"janus_url"`
	Room     string `mapstructure:"room"`
	ClientID string `mapstructure:"client_id"`
	Token    string `mapstructure:"token"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Keepalive      time.Duration `mapstructure:"keepalive"`

	SubscribeRetries  int           `mapstructure:"subscribe_retries"`
	SubscribeTimeout  time.Duration `mapstructure:"subscribe_timeout"`
	LeavePollInterval time.Duration `mapstructure:"leave_poll_interval"`

	ReconnectJitterMax   time.Duration `mapstructure:"reconnect_jitter_max"`
	ReconnectIncrement   time.Duration `mapstructure:"reconnect_increment"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
	ICEFailedDelay       time.Duration `mapstructure:"ice_failed_delay"`

	STUNServers          []string `mapstructure:"stun_servers"`
	FixSubscriberSDP     bool     `mapstructure:"fix_subscriber_sdp"`
	StripSubscriberVideo bool     `mapstructure:"strip_subscriber_video"`
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
	v.SetDefault("status_port", 8080)
	v.SetDefault("janus_url", "ws://localhost:8188/janus")
	v.SetDefault("room", "default")
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("keepalive", "25s")
	v.SetDefault("subscribe_retries", 5)
	v.SetDefault("subscribe_timeout", "15s")
	v.SetDefault("leave_poll_interval", "1s")
	v.SetDefault("reconnect_jitter_max", "1s")
	v.SetDefault("reconnect_increment", "1s")
	v.SetDefault("reconnect_max_attempts", 10)
	v.SetDefault("ice_failed_delay", "10s")
	v.SetDefault("fix_subscriber_sdp", false)
	v.SetDefault("strip_subscriber_video", false)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Janus: %s | Room: %s\n", cfg.Mode, cfg.JanusURL, cfg.Room)
	return &cfg, nil
}
