// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP/WebSocket server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// Env is the application environment (e.g. "development", "production"). Selects the log encoder.
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the zap level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; used with JWT_PUBLIC_KEY for RS256/ES256.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`

	// RedisURL is the shared state store (redis://host:port/db). Empty disables shared state.
	RedisURL string `mapstructure:"REDIS_URL"`
	// RedisDialTimeout bounds the startup ping; on failure the service runs degraded.
	RedisDialTimeout string `mapstructure:"REDIS_DIAL_TIMEOUT"`

	// EventsPath is the WebSocket endpoint path.
	EventsPath string `mapstructure:"EVENTS_PATH"`
	// EventsChannel is the pub/sub channel business processes publish events to.
	EventsChannel string `mapstructure:"EVENTS_CHANNEL"`
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int `mapstructure:"WS_SEND_BUFFER"`
	// WriteTimeout is the per-write deadline for a single socket write.
	WriteTimeout string `mapstructure:"WS_WRITE_TIMEOUT"`
	// MaxStrikes is how many consecutive dropped frames evict a connection.
	MaxStrikes int `mapstructure:"WS_MAX_STRIKES"`

	// AdmissionPolicy is an optional Rego module (inline or file path) evaluated at handshake.
	AdmissionPolicy string `mapstructure:"ADMISSION_POLICY"`

	// RefreshRateLimit is the max refresh exchanges per client IP per RefreshRateWindow.
	RefreshRateLimit int `mapstructure:"REFRESH_RATE_LIMIT"`
	// RefreshRateWindow is the fixed window length (e.g. "1m").
	RefreshRateWindow string `mapstructure:"REFRESH_RATE_WINDOW"`
	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For and X-Real-IP headers are honored.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`

	// OTLPEndpoint is the OTLP gRPC collector; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is the OTel service.name resource attribute.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// KafkaBrokers is a comma-separated broker list. If empty, records are not sent to Kafka.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the topic for telemetry records.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group of the telemetry worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is where the telemetry worker pushes records (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "bizhub-auth")
	v.SetDefault("JWT_AUDIENCE", "bizhub-realtime")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_DIAL_TIMEOUT", "2s")
	v.SetDefault("EVENTS_PATH", "/events")
	v.SetDefault("EVENTS_CHANNEL", "realtime:events")
	v.SetDefault("WS_SEND_BUFFER", 64)
	v.SetDefault("WS_WRITE_TIMEOUT", "10s")
	v.SetDefault("WS_MAX_STRIKES", 3)
	v.SetDefault("ADMISSION_POLICY", "")
	v.SetDefault("REFRESH_RATE_LIMIT", 30)
	v.SetDefault("REFRESH_RATE_WINDOW", "1m")
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "bizhub-realtime")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "realtime-telemetry")
	v.SetDefault("KAFKA_GROUP_ID", "realtime-telemetry-worker")
	v.SetDefault("LOKI_URL", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if !strings.HasPrefix(cfg.EventsPath, "/") {
		return nil, errors.New("config: EVENTS_PATH must start with /")
	}
	if cfg.SendBuffer < 1 {
		return nil, errors.New("config: WS_SEND_BUFFER must be at least 1")
	}
	if cfg.MaxStrikes < 1 {
		return nil, errors.New("config: WS_MAX_STRIKES must be at least 1")
	}
	if cfg.RefreshRateLimit < 0 {
		return nil, errors.New("config: REFRESH_RATE_LIMIT must not be negative")
	}

	return &cfg, nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return parseDuration(c.JWTRefreshTTL, 168*time.Hour)
}

// DialTimeout returns the shared state startup timeout. Returns 2s if unset or invalid.
func (c *Config) DialTimeout() time.Duration {
	return parseDuration(c.RedisDialTimeout, 2*time.Second)
}

// WriteDeadline returns the per-write socket deadline. Returns 10s if unset or invalid.
func (c *Config) WriteDeadline() time.Duration {
	return parseDuration(c.WriteTimeout, 10*time.Second)
}

// RateWindow returns the refresh limiter window. Returns 1m if unset or invalid.
func (c *Config) RateWindow() time.Duration {
	return parseDuration(c.RefreshRateWindow, time.Minute)
}

// AuthEnabled reports whether both JWT keys are configured.
func (c *Config) AuthEnabled() bool {
	return c != nil && strings.TrimSpace(c.JWTPrivateKey) != "" && strings.TrimSpace(c.JWTPublicKey) != ""
}

// KafkaBrokersList splits KafkaBrokers on commas, dropping empty entries.
func (c *Config) KafkaBrokersList() []string {
	return splitList(c.KafkaBrokers)
}

// TrustedProxiesList splits TrustedProxies on commas, dropping empty entries.
func (c *Config) TrustedProxiesList() []string {
	return splitList(c.TrustedProxies)
}

func splitList(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
