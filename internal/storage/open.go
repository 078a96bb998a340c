package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "courier/pkg/logx"
)

// Store is the persistence API used by the delivery queue and the
// credential service. Every mutation is an atomic read-modify-write;
// LoadQueue restores pending envelopes after a restart.
type Store interface {
	LoadQueue(ctx context.Context) ([]EnvelopeRecord, error)
	AppendEnvelope(ctx context.Context, e EnvelopeRecord) error
	UpdateEnvelope(ctx context.Context, e EnvelopeRecord) error
	RemoveEnvelope(ctx context.Context, id string) error

	PutOTP(ctx context.Context, r OTPRecord) error
	GetOTP(ctx context.Context, target string) (OTPRecord, bool, error)
	DeleteOTP(ctx context.Context, target string) error

	PutSession(ctx context.Context, r SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, bool, error)
	DeleteSession(ctx context.Context, id string) error

	// SweepExpired reclaims space held by expired OTP and session
	// records. Correctness never depends on it; expiry is also
	// enforced lazily on read.
	SweepExpired(ctx context.Context, now time.Time) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
