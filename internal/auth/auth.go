package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"courier/internal/queue"
	"courier/internal/storage"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

var (
	// ErrUnauthorized is returned for missing, expired or
	// role-mismatched sessions and for a rejected admin secret.
	ErrUnauthorized = errors.New("unauthorized")
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// VerifyResult is the typed outcome of an OTP verification.
type VerifyResult int

const (
	Verified VerifyResult = iota
	NotFound
	Expired
	Mismatch
	AttemptsExceeded
)

func (r VerifyResult) String() string {
	switch r {
	case Verified:
		return "verified"
	case NotFound:
		return "not_found"
	case Expired:
		return "expired"
	case Mismatch:
		return "mismatch"
	case AttemptsExceeded:
		return "attempts_exceeded"
	}
	return "unknown"
}

type Config struct {
	CodeLength        int           // default 6
	OTPTTL            time.Duration // default 5m
	MaxVerifyAttempts int           // wrong codes before the record is destroyed; default 5
	SessionTTL        time.Duration // default 24h

	// AdminSecretHash is the hex-encoded SHA-256 of the operator
	// bypass secret. Empty disables the bypass entirely.
	AdminSecretHash string
}

func (c *Config) defaults() {
	if c.CodeLength <= 0 {
		c.CodeLength = 6
	}
	if c.OTPTTL <= 0 {
		c.OTPTTL = 5 * time.Minute
	}
	if c.MaxVerifyAttempts <= 0 {
		c.MaxVerifyAttempts = 5
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
}

// Outbox is the slice of the delivery queue the credential service
// needs: fire-and-forget submission of one envelope.
type Outbox interface {
	Enqueue(ctx context.Context, env queue.Envelope) error
}

// Service issues one-time codes over the delivery queue and verifies
// them against the credential store. Verification is synchronous;
// code delivery is asynchronous and best-effort.
type Service struct {
	cfg    Config
	store  storage.Store
	outbox Outbox
	log    logx.Logger

	now func() time.Time
}

func New(cfg Config, store storage.Store, outbox Outbox, log logx.Logger) *Service {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, outbox: outbox, log: log, now: time.Now}
}

// Issue generates a fresh code for target, overwriting any live record,
// and enqueues a text envelope carrying it. It returns once the record
// is stored; delivery happens in the background.
func (s *Service) Issue(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return errors.New("otp target is required")
	}

	code, err := generateCode(s.cfg.CodeLength)
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}

	rec := storage.OTPRecord{
		Target:    target,
		Code:      code,
		ExpiresAt: s.now().Add(s.cfg.OTPTTL),
		Attempts:  0,
	}
	if err := s.store.PutOTP(ctx, rec); err != nil {
		return fmt.Errorf("store otp: %w", err)
	}

	body := fmt.Sprintf("Your verification code is %s. It expires in %s.", code, s.cfg.OTPTTL)
	err = s.outbox.Enqueue(ctx, queue.Envelope{
		Destination: target,
		Payload:     transport.Payload{Kind: transport.KindText, Body: body},
	})
	if err != nil {
		// Delivery is best-effort; the record stays valid and the
		// caller may re-issue.
		s.log.Warn("otp envelope enqueue failed", logx.String("target", target), logx.Err(err))
	}
	s.log.Info("otp issued", logx.String("target", target), logx.Time("expires", rec.ExpiresAt))
	return nil
}

// Verify checks code against the live record for target. Records are
// single-use: success, expiry and attempt exhaustion all destroy the
// record. The returned error reports store failures only; the outcome
// is always in the VerifyResult.
func (s *Service) Verify(ctx context.Context, target, code string) (VerifyResult, error) {
	rec, ok, err := s.store.GetOTP(ctx, target)
	if err != nil {
		return NotFound, fmt.Errorf("load otp: %w", err)
	}
	if !ok {
		return NotFound, nil
	}

	now := s.now()
	if now.After(rec.ExpiresAt) {
		if err := s.store.DeleteOTP(ctx, target); err != nil {
			s.log.Warn("expired otp delete failed", logx.String("target", target), logx.Err(err))
		}
		return Expired, nil
	}

	if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1 {
		rec.Attempts++
		if rec.Attempts >= s.cfg.MaxVerifyAttempts {
			// Fail closed: too many wrong codes destroys the record,
			// forcing a fresh issuance.
			if err := s.store.DeleteOTP(ctx, target); err != nil {
				s.log.Warn("otp delete failed", logx.String("target", target), logx.Err(err))
			}
			s.log.Warn("otp attempts exhausted", logx.String("target", target), logx.Int("attempts", rec.Attempts))
			return AttemptsExceeded, nil
		}
		if err := s.store.PutOTP(ctx, rec); err != nil {
			s.log.Warn("otp attempts persist failed", logx.String("target", target), logx.Err(err))
		}
		return Mismatch, nil
	}

	if err := s.store.DeleteOTP(ctx, target); err != nil {
		return Verified, fmt.Errorf("consume otp: %w", err)
	}
	s.log.Info("otp verified", logx.String("target", target))
	return Verified, nil
}

// StartSession mints a session for identity with the given role.
func (s *Service) StartSession(ctx context.Context, identity, role string) (storage.SessionRecord, error) {
	if role != RoleUser && role != RoleAdmin {
		return storage.SessionRecord{}, fmt.Errorf("invalid role %q", role)
	}
	now := s.now()
	rec := storage.SessionRecord{
		ID:        uuid.NewString(),
		Identity:  identity,
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	if err := s.store.PutSession(ctx, rec); err != nil {
		return storage.SessionRecord{}, fmt.Errorf("store session: %w", err)
	}
	return rec, nil
}

// Resolve returns the live session for id, enforcing expiry lazily.
func (s *Service) Resolve(ctx context.Context, id string) (storage.SessionRecord, error) {
	rec, ok, err := s.store.GetSession(ctx, id)
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return storage.SessionRecord{}, ErrUnauthorized
	}
	if s.now().After(rec.ExpiresAt) {
		if err := s.store.DeleteSession(ctx, id); err != nil {
			s.log.Warn("expired session delete failed", logx.String("session", id), logx.Err(err))
		}
		return storage.SessionRecord{}, ErrUnauthorized
	}
	return rec, nil
}

// RequireRole resolves the session and checks its role.
func (s *Service) RequireRole(ctx context.Context, id, role string) (storage.SessionRecord, error) {
	rec, err := s.Resolve(ctx, id)
	if err != nil {
		return storage.SessionRecord{}, err
	}
	if rec.Role != role {
		return storage.SessionRecord{}, ErrUnauthorized
	}
	return rec, nil
}

// EndSession invalidates a session explicitly.
func (s *Service) EndSession(ctx context.Context, id string) error {
	return s.store.DeleteSession(ctx, id)
}

// AdminLogin short-circuits the OTP flow: a presented secret matching
// the configured hash mints an elevated session without any code
// exchange. The secret is never stored or compared in plain form; the
// config carries a SHA-256 hash and the comparison is constant-time.
func (s *Service) AdminLogin(ctx context.Context, secret string) (storage.SessionRecord, error) {
	if s.cfg.AdminSecretHash == "" {
		return storage.SessionRecord{}, ErrUnauthorized
	}
	want, err := hex.DecodeString(strings.TrimSpace(s.cfg.AdminSecretHash))
	if err != nil || len(want) != sha256.Size {
		s.log.Error("admin secret hash misconfigured", logx.Err(err))
		return storage.SessionRecord{}, ErrUnauthorized
	}
	got := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare(got[:], want) != 1 {
		s.log.Warn("admin bypass rejected")
		return storage.SessionRecord{}, ErrUnauthorized
	}
	s.log.Info("admin bypass session minted")
	return s.StartSession(ctx, "admin", RoleAdmin)
}

// generateCode returns a fixed-width numeric code drawn from
// crypto/rand.
func generateCode(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}
