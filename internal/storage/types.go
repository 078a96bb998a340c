package storage

import (
	"encoding/json"
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file
//   - "redis": Redis key/value backend
//
// If Driver is empty or "none", storage is disabled and all state is
// memory-only for the process lifetime.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr   string
	RedisDB     int
	RedisPrefix string
}

// EnvelopeRecord is the persisted form of one queued delivery.
// Payload holds the JSON-encoded transport payload.
type EnvelopeRecord struct {
	ID          string          `json:"id"`
	Destination string          `json:"destination"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
}

// OTPRecord is the persisted one-time code for a target.
// At most one live record exists per target.
type OTPRecord struct {
	Target    string    `json:"target"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
}

// SessionRecord is an authenticated identity with a bounded lifetime.
type SessionRecord struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	Role      string    `json:"role"` // "user" or "admin"
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
