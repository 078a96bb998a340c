package config

import (
	"sort"
	"strings"

	logx "courier/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (channel token, admin hash) are
// reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Channel (never log token)
	if oldCfg.Channel != newCfg.Channel {
		changed = append(changed, "channel")
		attrs = append(attrs,
			logx.String("channel.driver", strings.TrimSpace(newCfg.Channel.Driver)),
			logx.Bool("channel.token_set", strings.TrimSpace(newCfg.Channel.Token) != ""),
			logx.String("channel.reconnect_base", strings.TrimSpace(newCfg.Channel.ReconnectBase)),
			logx.String("channel.reconnect_cap", strings.TrimSpace(newCfg.Channel.ReconnectCap)),
			logx.Int("channel.rebuild_after", newCfg.Channel.RebuildAfter),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts),
			logx.String("queue.retry_delay", strings.TrimSpace(newCfg.Queue.RetryDelay)),
			logx.Int("queue.rate_per_sec", newCfg.Queue.RatePerSec),
		)
	}

	if oldCfg.RateLimit != newCfg.RateLimit {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Int("rate_limit.threshold", newCfg.RateLimit.Threshold),
			logx.String("rate_limit.window", strings.TrimSpace(newCfg.RateLimit.Window)),
			logx.String("rate_limit.block_duration", strings.TrimSpace(newCfg.RateLimit.BlockDuration)),
		)
	}

	if oldCfg.Auth != newCfg.Auth {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.Int("auth.code_length", newCfg.Auth.CodeLength),
			logx.String("auth.otp_ttl", strings.TrimSpace(newCfg.Auth.OTPTTL)),
			logx.Bool("auth.admin_hash_set", strings.TrimSpace(newCfg.Auth.AdminSecretHash) != ""),
		)
	}

	// Maintenance (nil means runtime default)
	oldM, newM := MaintenanceConfig{}, MaintenanceConfig{}
	if oldCfg.Maintenance != nil {
		oldM = *oldCfg.Maintenance
	}
	if newCfg.Maintenance != nil {
		newM = *newCfg.Maintenance
	}
	if oldM != newM {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.sweep_every", strings.TrimSpace(newM.SweepEvery)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
