package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the server runtime parameters.
type Config struct {
	ListenAddress       string          `mapstructure:"listen_address"`
	AdminAddress        string          `mapstructure:"admin_address"`
	LogLevel            string          `mapstructure:"log_level"`
	DataDir             string          `mapstructure:"data_dir"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	WebSocket           WebSocketConfig `mapstructure:"websocket"`
	Auth                AuthConfig      `mapstructure:"auth"`
}

// WebSocketConfig tunes the per-connection transport.
type WebSocketConfig struct {
	ReadLimit      int64         `mapstructure:"read_limit"`
	SendBufferSize int           `mapstructure:"send_buffer_size"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
}

// AuthConfig describes how REST session tokens are issued.
type AuthConfig struct {
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	TokenSecretEnv string        `mapstructure:"token_secret_env"`
}

const (
	defaultListenAddress       = "0.0.0.0:8080"
	defaultAdminAddress        = "0.0.0.0:9090"
	defaultLogLevel            = "info"
	defaultDataDir             = "data/messenger"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultReadLimit           = 64 * 1024
	defaultSendBufferSize      = 64
	defaultWriteTimeout        = 10 * time.Second
	defaultPongTimeout         = 60 * time.Second
	defaultTokenTTL            = 24 * time.Hour
	defaultTokenSecretEnv      = "MESSENGER_TOKEN_SECRET"
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with MESSENGER_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MESSENGER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("websocket.read_limit", defaultReadLimit)
	v.SetDefault("websocket.send_buffer_size", defaultSendBufferSize)
	v.SetDefault("websocket.write_timeout", defaultWriteTimeout.String())
	v.SetDefault("websocket.pong_timeout", defaultPongTimeout.String())
	v.SetDefault("auth.token_ttl", defaultTokenTTL.String())
	v.SetDefault("auth.token_secret_env", defaultTokenSecretEnv)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"shutdown_grace_period", defaultShutdownGracePeriod, &cfg.ShutdownGracePeriod},
		{"websocket.write_timeout", defaultWriteTimeout, &cfg.WebSocket.WriteTimeout},
		{"websocket.pong_timeout", defaultPongTimeout, &cfg.WebSocket.PongTimeout},
		{"auth.token_ttl", defaultTokenTTL, &cfg.Auth.TokenTTL},
	}
	for _, d := range durations {
		if !v.IsSet(d.key) {
			*d.dst = d.fallback
			continue
		}
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.AdminAddress == "" {
		cfg.AdminAddress = defaultAdminAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.WebSocket.ReadLimit <= 0 {
		cfg.WebSocket.ReadLimit = defaultReadLimit
	}
	if cfg.WebSocket.SendBufferSize <= 0 {
		cfg.WebSocket.SendBufferSize = defaultSendBufferSize
	}
	if cfg.Auth.TokenSecretEnv == "" {
		cfg.Auth.TokenSecretEnv = defaultTokenSecretEnv
	}

	return cfg, nil
}

// TokenSecret fetches the session token signing secret from the configured
// environment variable.
func (c Config) TokenSecret() (string, error) {
	env := c.Auth.TokenSecretEnv
	if env == "" {
		env = defaultTokenSecretEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("token secret env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
