package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleJSON = `{
  "channel": {"driver": "telegram", "token": "123:abc", "reconnect_base": "5s", "reconnect_cap": "60s"},
  "logging": {"level": "DEBUG", "console": true, "file": {"enabled": false, "path": ""}},
  "storage": {"driver": "file", "path": "./data/courier"},
  "queue": {"max_attempts": 3, "retry_delay": "1500ms", "rate_per_sec": 5},
  "rate_limit": {"threshold": 10, "window": "10s", "block_duration": "5m"},
  "auth": {"otp_ttl": "5m", "session_ttl": "24h"}
}`

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", sampleJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channel.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Channel.Token)
	}
	if cfg.Storage.Driver != "file" || cfg.Storage.Path != "./data/courier" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Queue.RetryDelay != "1500ms" {
		t.Fatalf("retry_delay = %q", cfg.Queue.RetryDelay)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get() should return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	const y = `
channel:
  driver: telegram
  token: "123:abc"
logging:
  level: INFO
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: redis
  redis_addr: "127.0.0.1:6379"
queue:
  rate_per_sec: 5
rate_limit:
  window: 10s
auth:
  otp_ttl: 5m
maintenance:
  sweep_every: 1m
`
	m := NewManager(writeConfig(t, "config.yaml", y))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "redis" || cfg.Storage.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Maintenance == nil || cfg.Maintenance.SweepEvery != "1m" {
		t.Fatalf("maintenance = %+v", cfg.Maintenance)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{"channel": {"driver": "telegram", "tokne": "typo"}}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("misspelled field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{"channel": {"token": "x"}} {"extra": true}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("trailing JSON accepted")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json",
		`{"channel": {"token": "x"}, "queue": {"retry_delay": "soon"}}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("invalid duration accepted")
	}
}

func TestValidateAdminHash(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		hash string
		ok   bool
	}{
		{"empty disables", "", true},
		{"valid sha256", "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08", true},
		{"wrong length", "abcdef", false},
		{"not hex", "zz86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Auth: AuthConfig{AdminSecretHash: tt.hash}}
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("bad hash accepted")
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", "1500ms"); err != nil || d != 1500*time.Millisecond {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", "  "); err != nil || d != 0 {
		t.Fatalf("blank: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if _, err := ParseDurationField("x", "five seconds"); err == nil {
		t.Fatal("prose duration accepted")
	}

	if d, err := ParseDurationOrDefault("x", "", 10*time.Second); err != nil || d != 10*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "2s", 10*time.Second); err != nil || d != 2*time.Second {
		t.Fatalf("explicit: got %v, %v", d, err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	newCfg := &Config{
		Queue:     QueueConfig{MaxAttempts: 5},
		RateLimit: RateLimitConfig{Threshold: 20},
	}
	sections, _ := SummarizeChange(oldCfg, newCfg)
	if len(sections) != 2 || sections[0] != "queue" || sections[1] != "rate_limit" {
		t.Fatalf("sections = %v", sections)
	}

	sections, _ = SummarizeChange(newCfg, newCfg)
	if len(sections) != 0 {
		t.Fatalf("no-op diff reported changes: %v", sections)
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", sampleJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	sub := m.Subscribe(1)
	m.publish(cfg)
	select {
	case got := <-sub:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("nothing delivered")
	}

	// A full buffer drops the oldest update, never blocks.
	m.publish(cfg)
	m.publish(cfg)

	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		// Draining the remaining buffered item is fine; the channel must
		// end up closed.
		if _, ok := <-sub; ok {
			t.Fatal("channel not closed after Unsubscribe")
		}
	}
}
