package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment keys. They double as keys in an optional config file.
const (
	keyEnv               = "APP_ENV"
	keyLogLevel          = "LOG_LEVEL"
	keyPort              = "SERVER_PORT"
	keyAllowedOrigins    = "ALLOWED_ORIGINS"
	keyMaxMessageSize    = "MAX_MESSAGE_SIZE"
	keyRateLimitBurst    = "RATE_LIMIT_BURST"
	keyRateLimitInterval = "RATE_LIMIT_REFILL_INTERVAL"
	keyTrustProxyHeaders = "TRUST_PROXY_HEADERS"
	keyPingInterval      = "PING_INTERVAL"
	keyHostLookupTimeout = "HOST_LOOKUP_TIMEOUT"
	keyRedisAddr         = "REDIS_ADDR"
	keyRedisPassword     = "REDIS_PASSWORD"
	keyRedisDB           = "REDIS_DB"
	keyRedisPrefix       = "REDIS_PREFIX"
	keyConfigFile        = "CONFIG_FILE"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// RedisConfig configures the optional presence mirror. An empty Addr
// disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Env               string
	LogLevel          string
	Port              string
	AllowedOrigins    []string
	MaxMessageSize    int64
	RateLimit         RateLimitConfig
	TrustProxyHeaders bool
	PingInterval      time.Duration
	HostLookupTimeout time.Duration
	Redis             RedisConfig
}

// PongWait is how long a connection may stay silent before it is considered
// dead. It is always longer than the ping interval.
func (c Config) PongWait() time.Duration {
	return c.PingInterval * 10 / 9
}

func defaultConfig() Config {
	return Config{
		Env:  "dev",
		Port: ":3001",
		AllowedOrigins: []string{
			"http://localhost:3000",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		PingInterval:      54 * time.Second,
		HostLookupTimeout: 2 * time.Second,
		Redis: RedisConfig{
			Prefix: "pinchat",
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}

	if cfg.HostLookupTimeout <= 0 {
		cfg.HostLookupTimeout = def.HostLookupTimeout
	}

	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = def.Redis.Prefix
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables and,
// when CONFIG_FILE is set, from that file. Environment variables win over the
// file; unset or invalid values fall back to defaults.
func NewConfigFromEnv() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	if path := v.GetString(keyConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := configFromViper(v)
	return &cfg, nil
}

func configFromViper(v *viper.Viper) Config {
	cfg := defaultConfig()

	if env := v.GetString(keyEnv); env != "" {
		cfg.Env = env
	}
	cfg.LogLevel = v.GetString(keyLogLevel)

	if port := v.GetString(keyPort); port != "" {
		cfg.Port = port
	}

	if origins := originsFrom(v); len(origins) > 0 {
		cfg.AllowedOrigins = origins
	}

	if maxSize := v.GetString(keyMaxMessageSize); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := v.GetString(keyRateLimitBurst); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := v.GetString(keyRateLimitInterval); interval != "" {
		cfg.RateLimit.RefillInterval = parseInterval(interval, cfg.RateLimit.RefillInterval)
	}

	cfg.TrustProxyHeaders = v.GetBool(keyTrustProxyHeaders)

	if ping := v.GetString(keyPingInterval); ping != "" {
		cfg.PingInterval = parseInterval(ping, cfg.PingInterval)
	}

	if lookup := v.GetString(keyHostLookupTimeout); lookup != "" {
		cfg.HostLookupTimeout = parseInterval(lookup, cfg.HostLookupTimeout)
	}

	cfg.Redis.Addr = v.GetString(keyRedisAddr)
	cfg.Redis.Password = v.GetString(keyRedisPassword)
	if db := v.GetString(keyRedisDB); db != "" {
		if parsed, err := strconv.Atoi(db); err == nil && parsed >= 0 {
			cfg.Redis.DB = parsed
		}
	}
	if prefix := v.GetString(keyRedisPrefix); prefix != "" {
		cfg.Redis.Prefix = prefix
	}

	return sanitizeConfig(cfg)
}

// originsFrom accepts a comma separated string (environment) or a list
// (config file).
func originsFrom(v *viper.Viper) []string {
	if raw, ok := v.Get(keyAllowedOrigins).(string); ok {
		if raw == "" {
			return nil
		}
		return parseOrigins(raw)
	}
	return v.GetStringSlice(keyAllowedOrigins)
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseInterval reads whole seconds ("5") or a Go duration ("500ms").
func parseInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
