package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "courier/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadQueue(ctx context.Context) ([]EnvelopeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, destination, kind, payload, created_at, attempts, max_attempts
		 FROM queue ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EnvelopeRecord
	for rows.Next() {
		var e EnvelopeRecord
		var created string
		if err := rows.Scan(&e.ID, &e.Destination, &e.Kind, &e.Payload, &created, &e.Attempts, &e.MaxAttempts); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendEnvelope(ctx context.Context, e EnvelopeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue(id, destination, kind, payload, created_at, attempts, max_attempts)
		 VALUES(?,?,?,?,?,?,?)`,
		e.ID, e.Destination, e.Kind, []byte(e.Payload), e.CreatedAt.Format(time.RFC3339Nano), e.Attempts, e.MaxAttempts)
	return err
}

func (s *sqliteStore) UpdateEnvelope(ctx context.Context, e EnvelopeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET attempts = ?, payload = ? WHERE id = ?`,
		e.Attempts, []byte(e.Payload), e.ID)
	return err
}

func (s *sqliteStore) RemoveEnvelope(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) PutOTP(ctx context.Context, r OTPRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO otp(target, code, expires_at, attempts) VALUES(?,?,?,?)
		 ON CONFLICT(target) DO UPDATE SET code=excluded.code, expires_at=excluded.expires_at, attempts=excluded.attempts`,
		r.Target, r.Code, r.ExpiresAt.UnixMilli(), r.Attempts)
	return err
}

func (s *sqliteStore) GetOTP(ctx context.Context, target string) (OTPRecord, bool, error) {
	var r OTPRecord
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT target, code, expires_at, attempts FROM otp WHERE target = ?`, target).
		Scan(&r.Target, &r.Code, &ms, &r.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return OTPRecord{}, false, nil
	}
	if err != nil {
		return OTPRecord{}, false, err
	}
	r.ExpiresAt = time.UnixMilli(ms)
	return r, true, nil
}

func (s *sqliteStore) DeleteOTP(ctx context.Context, target string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM otp WHERE target = ?`, target)
	return err
}

func (s *sqliteStore) PutSession(ctx context.Context, r SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, identity, role, created_at, expires_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET identity=excluded.identity, role=excluded.role,
		   created_at=excluded.created_at, expires_at=excluded.expires_at`,
		r.ID, r.Identity, r.Role, r.CreatedAt.UnixMilli(), r.ExpiresAt.UnixMilli())
	return err
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	var r SessionRecord
	var created, expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, identity, role, created_at, expires_at FROM sessions WHERE id = ?`, id).
		Scan(&r.ID, &r.Identity, &r.Role, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	r.CreatedAt = time.UnixMilli(created)
	r.ExpiresAt = time.UnixMilli(expires)
	return r, true, nil
}

func (s *sqliteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) SweepExpired(ctx context.Context, now time.Time) error {
	ms := now.UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM otp WHERE expires_at < ?`, ms); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, ms)
	return err
}
