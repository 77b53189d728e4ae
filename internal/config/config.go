// Package config loads runtime settings for the GoChat relay from an optional
// config file and GOCHAT_ environment variables, applying the defaults and
// sanitizing rules the server relies on.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// WebSocketConfig bounds every blocking operation on a connection.
type WebSocketConfig struct {
	SendBufferSize   int           `mapstructure:"send_buffer_size"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// DatabaseConfig locates the durable store.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// AuthConfig configures credential verification.
type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	Issuer           string        `mapstructure:"issuer"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	RedisAddr        string        `mapstructure:"redis_addr"`
	RevocationPrefix string        `mapstructure:"revocation_prefix"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port                string          `mapstructure:"port"`
	AllowedOrigins      []string        `mapstructure:"allowed_origins"`
	MaxMessageSize      int64           `mapstructure:"max_message_size"`
	MaxContentLength    int             `mapstructure:"max_content_length"`
	HistoryLimit        int             `mapstructure:"history_limit"`
	RequireCorrelation  bool            `mapstructure:"require_correlation"`
	LogLevel            string          `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	RateLimit           RateLimitConfig `mapstructure:"rate_limit"`
	WebSocket           WebSocketConfig `mapstructure:"websocket"`
	Database            DatabaseConfig  `mapstructure:"database"`
	Auth                AuthConfig      `mapstructure:"auth"`
}

const (
	defaultPort                = ":8080"
	defaultOrigin              = "http://localhost:8080"
	defaultMaxMessageSize      = 4096
	defaultMaxContentLength    = 2000
	defaultHistoryLimit        = 100
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultBurst               = 5
	defaultRefillInterval      = time.Second
	defaultSendBufferSize      = 256
	defaultWriteTimeout        = 10 * time.Second
	defaultPongWait            = 60 * time.Second
	defaultPingPeriod          = 54 * time.Second
	defaultHandshakeTimeout    = 10 * time.Second
	defaultDSN                 = "gochat.db"
	defaultIssuer              = "gochat"
	defaultTokenTTL            = 15 * time.Minute
	defaultRevocationPrefix    = "gochat:revoked"
)

// Default returns a Config populated with default values for all settings.
// The JWT secret is left empty; Validate rejects it until one is provided.
func Default() Config {
	return Config{
		Port:                defaultPort,
		AllowedOrigins:      []string{defaultOrigin},
		MaxMessageSize:      defaultMaxMessageSize,
		MaxContentLength:    defaultMaxContentLength,
		HistoryLimit:        defaultHistoryLimit,
		LogLevel:            defaultLogLevel,
		ShutdownGracePeriod: defaultShutdownGracePeriod,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: defaultRefillInterval,
		},
		WebSocket: WebSocketConfig{
			SendBufferSize:   defaultSendBufferSize,
			WriteTimeout:     defaultWriteTimeout,
			PongWait:         defaultPongWait,
			PingPeriod:       defaultPingPeriod,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		Database: DatabaseConfig{DSN: defaultDSN},
		Auth: AuthConfig{
			Issuer:           defaultIssuer,
			TokenTTL:         defaultTokenTTL,
			RevocationPrefix: defaultRevocationPrefix,
		},
	}
}

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with GOCHAT_ and override file values,
// e.g. GOCHAT_AUTH_JWT_SECRET or GOCHAT_RATE_LIMIT_BURST.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GOCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

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

	return Sanitize(cfg), nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("port", d.Port)
	v.SetDefault("allowed_origins", d.AllowedOrigins)
	v.SetDefault("max_message_size", d.MaxMessageSize)
	v.SetDefault("max_content_length", d.MaxContentLength)
	v.SetDefault("history_limit", d.HistoryLimit)
	v.SetDefault("require_correlation", d.RequireCorrelation)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("shutdown_grace_period", d.ShutdownGracePeriod.String())
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", d.RateLimit.RefillInterval.String())
	v.SetDefault("websocket.send_buffer_size", d.WebSocket.SendBufferSize)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout.String())
	v.SetDefault("websocket.pong_wait", d.WebSocket.PongWait.String())
	v.SetDefault("websocket.ping_period", d.WebSocket.PingPeriod.String())
	v.SetDefault("websocket.handshake_timeout", d.WebSocket.HandshakeTimeout.String())
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL.String())
	v.SetDefault("auth.redis_addr", d.Auth.RedisAddr)
	v.SetDefault("auth.revocation_prefix", d.Auth.RevocationPrefix)
}

// Sanitize replaces zero or negative values with their defaults and trims
// the origin list.
func Sanitize(cfg Config) Config {
	d := Default()

	if strings.TrimSpace(cfg.Port) == "" {
		cfg.Port = d.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = d.MaxMessageSize
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = d.MaxContentLength
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = d.HistoryLimit
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = d.ShutdownGracePeriod
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = d.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = d.RateLimit.RefillInterval
	}
	if cfg.WebSocket.SendBufferSize <= 0 {
		cfg.WebSocket.SendBufferSize = d.WebSocket.SendBufferSize
	}
	if cfg.WebSocket.WriteTimeout <= 0 {
		cfg.WebSocket.WriteTimeout = d.WebSocket.WriteTimeout
	}
	if cfg.WebSocket.PongWait <= 0 {
		cfg.WebSocket.PongWait = d.WebSocket.PongWait
	}
	if cfg.WebSocket.PingPeriod <= 0 || cfg.WebSocket.PingPeriod >= cfg.WebSocket.PongWait {
		cfg.WebSocket.PingPeriod = cfg.WebSocket.PongWait * 9 / 10
	}
	if cfg.WebSocket.HandshakeTimeout <= 0 {
		cfg.WebSocket.HandshakeTimeout = d.WebSocket.HandshakeTimeout
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		cfg.Database.DSN = d.Database.DSN
	}
	if strings.TrimSpace(cfg.Auth.Issuer) == "" {
		cfg.Auth.Issuer = d.Auth.Issuer
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = d.Auth.TokenTTL
	}
	if strings.TrimSpace(cfg.Auth.RevocationPrefix) == "" {
		cfg.Auth.RevocationPrefix = d.Auth.RevocationPrefix
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		for _, part := range strings.Split(origin, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	cfg.AllowedOrigins = origins

	return cfg
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.MaxContentLength > 0 && int64(c.MaxContentLength) >= c.MaxMessageSize {
		errs = append(errs, fmt.Errorf("max_content_length %d must be smaller than max_message_size %d",
			c.MaxContentLength, c.MaxMessageSize))
	}
	if len(c.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("allowed_origins must list at least one origin or \"*\""))
	}
	return errors.Join(errs...)
}
