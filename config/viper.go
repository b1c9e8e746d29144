package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	APIHost    string   `toml:"api_host" mapstructure:"api_host"`
	APIPort    int      `toml:"api_port" mapstructure:"api_port"`
	APIRPM     int      `toml:"api_rpm" mapstructure:"api_rpm"`
	APIKeyAuth bool     `toml:"api_key_auth" mapstructure:"api_key_auth"`
	APIKeys    []string `toml:"api_keys" mapstructure:"api_keys"`

	SinkURL     string        `toml:"sink_url" mapstructure:"sink_url"`
	SinkTimeout time.Duration `toml:"sink_timeout" mapstructure:"sink_timeout"`

	// drop remote submit results that land after the user navigated away
	SuppressStaleResults bool `toml:"suppress_stale_results" mapstructure:"suppress_stale_results"`

	// close sessions with no connected tab and no requests for this long; 0 keeps them
	SessionIdleTTL time.Duration `toml:"session_idle_ttl" mapstructure:"session_idle_ttl"`

	LogLevel string `toml:"log_level" mapstructure:"log_level"`
}

var C *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_host", "0.0.0.0")
	v.SetDefault("api_port", 8080)
	v.SetDefault("api_rpm", 120)
	v.SetDefault("api_key_auth", false)
	v.SetDefault("api_keys", []string{})
	v.SetDefault("sink_url", DefaultSinkURL)
	v.SetDefault("sink_timeout", 30*time.Second)
	v.SetDefault("suppress_stale_results", true)
	v.SetDefault("session_idle_ttl", 30*time.Minute)
	v.SetDefault("log_level", "info")
}

// Load reads path (TOML) and the environment. A missing file is not an error,
// defaults and env still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		slog.Warn("config file not found, using defaults", "path", path)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.SinkURL == "" {
		return nil, errors.New("sink_url must not be empty")
	}
	return cfg, nil
}

func InitConfig(path string) {
	if C != nil {
		return
	}
	cfg, err := Load(path)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	C = cfg
	slog.Debug("config loaded",
		"api_host", C.APIHost,
		"api_port", C.APIPort,
		"sink_url", C.SinkURL,
		"suppress_stale_results", C.SuppressStaleResults,
	)
}

func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
