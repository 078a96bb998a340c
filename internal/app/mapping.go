package app

import (
	"fmt"
	"strings"
	"time"

	"courier/internal/auth"
	"courier/internal/config"
	"courier/internal/conn"
	"courier/internal/maintenance"
	"courier/internal/queue"
	"courier/internal/ratelimit"
	"courier/internal/storage"
	telegram "courier/internal/transport/telegram"
	logx "courier/pkg/logx"
)

func mapChannelConfig(cfg *config.Config) (telegram.Config, conn.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Channel.Driver))
	if driver != "" && driver != "telegram" {
		return telegram.Config{}, conn.Config{}, fmt.Errorf("channel.driver: unknown driver %q", cfg.Channel.Driver)
	}
	if strings.TrimSpace(cfg.Channel.Token) == "" {
		return telegram.Config{}, conn.Config{}, fmt.Errorf("channel.token is required")
	}

	pollTimeout, err := config.ParseDurationOrDefault("channel.poll_timeout", cfg.Channel.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, conn.Config{}, err
	}
	base, err := config.ParseDurationField("channel.reconnect_base", cfg.Channel.ReconnectBase)
	if err != nil {
		return telegram.Config{}, conn.Config{}, err
	}
	cap, err := config.ParseDurationField("channel.reconnect_cap", cfg.Channel.ReconnectCap)
	if err != nil {
		return telegram.Config{}, conn.Config{}, err
	}
	cooldown, err := config.ParseDurationField("channel.rebuild_cooldown", cfg.Channel.RebuildCooldown)
	if err != nil {
		return telegram.Config{}, conn.Config{}, err
	}

	tcfg := telegram.Config{Token: cfg.Channel.Token, PollTimeout: pollTimeout}
	ccfg := conn.Config{
		Base:            base,
		Cap:             cap,
		RebuildAfter:    cfg.Channel.RebuildAfter,
		RebuildCooldown: cooldown,
	}
	return tcfg, ccfg, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
		RedisAddr:   cfg.Storage.RedisAddr,
		RedisDB:     cfg.Storage.RedisDB,
		RedisPrefix: cfg.Storage.RedisPrefix,
	}, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	retry, err := config.ParseDurationField("queue.retry_delay", cfg.Queue.RetryDelay)
	if err != nil {
		return queue.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("queue.send_timeout", cfg.Queue.SendTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		RetryDelay:  retry,
		SendTimeout: sendTimeout,
		RatePerSec:  cfg.Queue.RatePerSec,
	}, nil
}

func mapRateLimitConfig(cfg *config.Config) (ratelimit.Config, error) {
	window, err := config.ParseDurationField("rate_limit.window", cfg.RateLimit.Window)
	if err != nil {
		return ratelimit.Config{}, err
	}
	block, err := config.ParseDurationField("rate_limit.block_duration", cfg.RateLimit.BlockDuration)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{
		Threshold:     cfg.RateLimit.Threshold,
		Window:        window,
		BlockDuration: block,
	}, nil
}

func mapAuthConfig(cfg *config.Config) (auth.Config, error) {
	otpTTL, err := config.ParseDurationField("auth.otp_ttl", cfg.Auth.OTPTTL)
	if err != nil {
		return auth.Config{}, err
	}
	sessionTTL, err := config.ParseDurationField("auth.session_ttl", cfg.Auth.SessionTTL)
	if err != nil {
		return auth.Config{}, err
	}
	return auth.Config{
		CodeLength:        cfg.Auth.CodeLength,
		OTPTTL:            otpTTL,
		MaxVerifyAttempts: cfg.Auth.MaxVerifyAttempts,
		SessionTTL:        sessionTTL,
		AdminSecretHash:   cfg.Auth.AdminSecretHash,
	}, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	if cfg.Maintenance == nil {
		return maintenance.Config{}, nil
	}
	every, err := config.ParseDurationField("maintenance.sweep_every", cfg.Maintenance.SweepEvery)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{Every: every}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
