package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// MinSignatureSkew bounds how tight the request timestamp window may be.
var MinSignatureSkew = 5 * time.Second

// Validate normalises the configuration and reports the first invalid value.
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case "":
		c.Backend = BackendLevelDB
	case BackendMemory, BackendLevelDB, BackendBolt:
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.Backend != BackendMemory && strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required for %s backend", c.Backend)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}

	if strings.TrimSpace(c.RPC.ListenAddress) == "" {
		return fmt.Errorf("rpc: ListenAddress required")
	}
	for name, v := range map[string]int{
		"ReadHeaderTimeout": c.RPC.ReadHeaderTimeout,
		"ReadTimeout":       c.RPC.ReadTimeout,
		"WriteTimeout":      c.RPC.WriteTimeout,
		"IdleTimeout":       c.RPC.IdleTimeout,
	} {
		if v < 0 {
			return fmt.Errorf("rpc: %s must not be negative", name)
		}
	}
	if c.RPC.MaxBodyBytes <= 0 {
		return fmt.Errorf("rpc: MaxBodyBytes must be positive")
	}
	if c.RPC.RateLimitPerSecond < 0 || c.RPC.RateLimitBurst < 0 {
		return fmt.Errorf("rpc: rate limits must not be negative")
	}
	if c.RPC.RateLimitPerSecond > 0 && c.RPC.RateLimitBurst == 0 {
		c.RPC.RateLimitBurst = 1
	}
	if c.RPC.SignatureSkew() < MinSignatureSkew {
		return fmt.Errorf("rpc: SignatureSkewSeconds must be at least %s", MinSignatureSkew)
	}
	if c.RPC.ReplayCacheSize <= 0 {
		return fmt.Errorf("rpc: ReplayCacheSize must be positive")
	}
	if c.RPC.EventBufferCapacity <= 0 {
		c.RPC.EventBufferCapacity = 64
	}

	c.Audit.Driver = strings.ToLower(strings.TrimSpace(c.Audit.Driver))
	switch c.Audit.Driver {
	case "":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Audit.DSN) == "" {
			return fmt.Errorf("audit: DSN required for %s driver", c.Audit.Driver)
		}
	default:
		return fmt.Errorf("audit: unknown driver %q", c.Audit.Driver)
	}

	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return fmt.Errorf("telemetry: Endpoint required when enabled")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "wagerd"
	}
	return nil
}

// SlogLevel parses the configured level.
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	raw := strings.TrimSpace(l.Level)
	if raw == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log: invalid level %q", l.Level)
	}
	return level, nil
}

func seconds(v int) time.Duration { return time.Duration(v) * time.Second }

func (r RPC) ReadHeaderTimeoutDuration() time.Duration { return seconds(r.ReadHeaderTimeout) }
func (r RPC) ReadTimeoutDuration() time.Duration       { return seconds(r.ReadTimeout) }
func (r RPC) WriteTimeoutDuration() time.Duration      { return seconds(r.WriteTimeout) }
func (r RPC) IdleTimeoutDuration() time.Duration       { return seconds(r.IdleTimeout) }

// SignatureSkew is the accepted distance between a request timestamp and the
// server clock.
func (r RPC) SignatureSkew() time.Duration { return seconds(r.SignatureSkewSecs) }
