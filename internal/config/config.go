package config

import "time"

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Cache     CacheConfig     `yaml:"cache"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"             env:"SERVER_HOST"             env-default:"0.0.0.0"`
	Port            int           `yaml:"port"             env:"SERVER_PORT"             env-default:"3000"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"30s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"     env:"SERVER_IDLE_TIMEOUT"     env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// RealtimeConfig holds settings of the persistent-connection hub.
type RealtimeConfig struct {
	SendBuffer     int           `yaml:"send_buffer"     env:"REALTIME_SEND_BUFFER"     env-default:"16"`
	InboundBuffer  int           `yaml:"inbound_buffer"  env:"REALTIME_INBOUND_BUFFER"  env-default:"64"`
	WriteTimeout   time.Duration `yaml:"write_timeout"   env:"REALTIME_WRITE_TIMEOUT"   env-default:"10s"`
	AllowedOrigins string        `yaml:"allowed_origins" env:"REALTIME_ALLOWED_ORIGINS" env-default:""`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"      env:"CACHE_ENABLED"      env-default:"true"`
	ResponseTTL time.Duration `yaml:"response_ttl" env:"CACHE_RESPONSE_TTL" env-default:"30s"`
	MaxEntries  int           `yaml:"max_entries"  env:"CACHE_MAX_ENTRIES"  env-default:"1024"`
}

// DatabaseConfig selects and configures the durable store.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"             env:"DATABASE_DRIVER"             env-default:"memory"`
	DSN             string        `yaml:"dsn"                env:"DATABASE_DSN"`
	MaxConns        int32         `yaml:"max_conns"          env:"DATABASE_MAX_CONNS"          env-default:"10"`
	MinConns        int32         `yaml:"min_conns"          env:"DATABASE_MIN_CONNS"          env-default:"2"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"  env:"DATABASE_MAX_CONN_LIFETIME"  env-default:"1h"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"DATABASE_MAX_CONN_IDLE_TIME" env-default:"30m"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"   env:"DATABASE_MIGRATE_ON_START"   env-default:"true"`
}

// AuthConfig holds identity token settings. An empty secret means the
// identity fields of the authenticate event are trusted as sent.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	JWTIssuer string        `yaml:"jwt_issuer" env:"AUTH_JWT_ISSUER" env-default:"pelusa-desk"`
	TokenTTL  time.Duration `yaml:"token_ttl"  env:"AUTH_TOKEN_TTL"  env-default:"24h"`
}

// RateLimitConfig holds per-IP REST rate limiting.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute" env:"RATE_LIMIT_PER_MINUTE" env-default:"600"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// Addr returns host:port for the listener.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + itoa(s.Port)
}

// TokensEnabled reports whether identity tokens are verified.
func (a AuthConfig) TokensEnabled() bool {
	return a.JWTSecret != ""
}
