package config

import (
	"encoding/hex"
	"fmt"
)

type Config struct {
	Channel     ChannelConfig      `json:"channel"`
	Logging     LoggingConfig      `json:"logging"`
	Storage     StorageConfig      `json:"storage"`
	Queue       QueueConfig        `json:"queue"`
	RateLimit   RateLimitConfig    `json:"rate_limit"`
	Auth        AuthConfig         `json:"auth"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

// ChannelConfig configures the external channel session.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - reconnect_base: "5s"
//   - reconnect_cap: "60s"
//   - rebuild_after: 10
//   - rebuild_cooldown: "5m"
//   - poll_timeout: "10s"
type ChannelConfig struct {
	Driver string `json:"driver"` // "telegram"
	Token  string `json:"token"`

	PollTimeout     string `json:"poll_timeout,omitempty"`
	ReconnectBase   string `json:"reconnect_base,omitempty"`
	ReconnectCap    string `json:"reconnect_cap,omitempty"`
	RebuildAfter    int    `json:"rebuild_after,omitempty"`
	RebuildCooldown string `json:"rebuild_cooldown,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./courier_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	RedisAddr   string `json:"redis_addr,omitempty"`
	RedisDB     int    `json:"redis_db,omitempty"`
	RedisPrefix string `json:"redis_prefix,omitempty"`
}

// QueueConfig controls the outbound delivery queue.
type QueueConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"` // default 3
	RetryDelay  string `json:"retry_delay,omitempty"`  // default "1500ms"
	SendTimeout string `json:"send_timeout,omitempty"` // default "15s"
	RatePerSec  int    `json:"rate_per_sec,omitempty"` // default 5
}

// RateLimitConfig controls inbound abuse protection.
type RateLimitConfig struct {
	Threshold     int    `json:"threshold,omitempty"`      // default 10
	Window        string `json:"window,omitempty"`         // default "10s"
	BlockDuration string `json:"block_duration,omitempty"` // default "5m"
}

// AuthConfig controls OTP issuance and sessions.
//
// AdminSecretHash is the hex-encoded SHA-256 of the operator bypass
// secret. Leave empty to disable the bypass. Never put the plain
// secret in a config file.
type AuthConfig struct {
	CodeLength        int    `json:"code_length,omitempty"`         // default 6
	OTPTTL            string `json:"otp_ttl,omitempty"`             // default "5m"
	MaxVerifyAttempts int    `json:"max_verify_attempts,omitempty"` // default 5
	SessionTTL        string `json:"session_ttl,omitempty"`         // default "24h"
	AdminSecretHash   string `json:"admin_secret_hash,omitempty"`
}

// MaintenanceConfig controls the periodic TTL sweeper.
type MaintenanceConfig struct {
	SweepEvery string `json:"sweep_every,omitempty"` // default "1m"
}

// Validate checks everything that can be checked without side effects.
// Used by the manager before committing a reloaded config.
func (c *Config) Validate() error {
	for _, f := range []struct{ path, raw string }{
		{"channel.poll_timeout", c.Channel.PollTimeout},
		{"channel.reconnect_base", c.Channel.ReconnectBase},
		{"channel.reconnect_cap", c.Channel.ReconnectCap},
		{"channel.rebuild_cooldown", c.Channel.RebuildCooldown},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"queue.retry_delay", c.Queue.RetryDelay},
		{"queue.send_timeout", c.Queue.SendTimeout},
		{"rate_limit.window", c.RateLimit.Window},
		{"rate_limit.block_duration", c.RateLimit.BlockDuration},
		{"auth.otp_ttl", c.Auth.OTPTTL},
		{"auth.session_ttl", c.Auth.SessionTTL},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Maintenance != nil {
		if _, err := ParseDurationField("maintenance.sweep_every", c.Maintenance.SweepEvery); err != nil {
			return err
		}
	}
	if h := c.Auth.AdminSecretHash; h != "" {
		raw, err := hex.DecodeString(h)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("auth.admin_secret_hash: must be hex-encoded SHA-256 (64 hex chars)")
		}
	}
	return nil
}
