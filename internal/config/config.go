package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode        string        `mapstructure:"mode"`
	Port        int           `mapstructure:"port"`
	Secret      string        `mapstructure:"secret"`
	SelfID      string        `mapstructure:"self_id"`
	SignalURL   string        `mapstructure:"signal_url"`
	MediaURL    string        `mapstructure:"media_url"`
	ProfileURL  string        `mapstructure:"profile_url"`
	StunServers []string      `mapstructure:"stun_servers"`

	ReconnectWait     time.Duration `mapstructure:"reconnect_wait"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
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
	v.SetDefault("media_url", "ws://localhost:8080/api/ws/media")
	v.SetDefault("profile_url", "http://localhost:8080/api")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("reconnect_wait", "8s")
	v.SetDefault("reconcile_interval", "3s")
	v.SetDefault("write_timeout", "5s")

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
