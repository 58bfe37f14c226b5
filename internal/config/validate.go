package config

import (
	"fmt"
	"strings"
)

// Validate performs business-rule validation on the loaded configuration.
// It must be called after loading; Load calls it automatically.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535 (got %d)", c.Server.Port)
	}

	if c.Realtime.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be > 0 (got %d)", c.Realtime.SendBuffer)
	}
	if c.Realtime.InboundBuffer <= 0 {
		return fmt.Errorf("realtime.inbound_buffer must be > 0 (got %d)", c.Realtime.InboundBuffer)
	}

	if c.Cache.Enabled {
		if c.Cache.ResponseTTL <= 0 {
			return fmt.Errorf("cache.response_ttl must be > 0 (got %s)", c.Cache.ResponseTTL)
		}
		if c.Cache.MaxEntries <= 0 {
			return fmt.Errorf("cache.max_entries must be > 0 (got %d)", c.Cache.MaxEntries)
		}
	}

	switch strings.ToLower(c.Database.Driver) {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be memory or postgres (got %q)", c.Database.Driver)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters (got %d)", len(c.Auth.JWTSecret))
	}

	if c.RateLimit.PerMinute < 0 {
		return fmt.Errorf("rate_limit.per_minute must be >= 0 (got %d)", c.RateLimit.PerMinute)
	}

	return nil
}

// Origins splits the comma-separated allowed origins list.
func (r RealtimeConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(r.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
