package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "courier/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of all state)
//   - <prefix>.journal.jsonl (append-only mutation journal)
//
// The journal is periodically compacted into the snapshot. Load replays
// snapshot + journal, so pending envelopes survive a restart.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	queue    []EnvelopeRecord
	otp      map[string]OTPRecord
	sessions map[string]SessionRecord

	writes int
}

const compactEvery = 1000

type fileState struct {
	Queue    []EnvelopeRecord         `json:"queue"`
	OTP      map[string]OTPRecord     `json:"otp"`
	Sessions map[string]SessionRecord `json:"sessions"`
}

// journalRecord is one mutation. Op determines which fields are set.
type journalRecord struct {
	Op      string          `json:"op"`
	Key     string          `json:"key,omitempty"`
	Env     *EnvelopeRecord `json:"env,omitempty"`
	OTP     *OTPRecord      `json:"otp,omitempty"`
	Session *SessionRecord  `json:"session,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		otp:          map[string]OTPRecord{},
		sessions:     map[string]SessionRecord{},
	}
	_ = st.loadSnapshot(snapPath)
	_ = st.replayJournal(journalPath)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st.journalFile = jf
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) LoadQueue(ctx context.Context) ([]EnvelopeRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EnvelopeRecord(nil), s.queue...), nil
}

func (s *fileStore) AppendEnvelope(ctx context.Context, e EnvelopeRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, e)
	return s.appendLocked(journalRecord{Op: "env.append", Env: &e})
}

func (s *fileStore) UpdateEnvelope(ctx context.Context, e EnvelopeRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queue {
		if s.queue[i].ID == e.ID {
			s.queue[i] = e
			return s.appendLocked(journalRecord{Op: "env.update", Env: &e})
		}
	}
	return errors.New("envelope not found: " + e.ID)
}

func (s *fileStore) RemoveEnvelope(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queue {
		if s.queue[i].ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return s.appendLocked(journalRecord{Op: "env.remove", Key: id})
		}
	}
	return nil
}

func (s *fileStore) PutOTP(ctx context.Context, r OTPRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.otp[r.Target] = r
	return s.appendLocked(journalRecord{Op: "otp.put", OTP: &r})
}

func (s *fileStore) GetOTP(ctx context.Context, target string) (OTPRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.otp[target]
	return r, ok, nil
}

func (s *fileStore) DeleteOTP(ctx context.Context, target string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.otp[target]; !ok {
		return nil
	}
	delete(s.otp, target)
	return s.appendLocked(journalRecord{Op: "otp.del", Key: target})
}

func (s *fileStore) PutSession(ctx context.Context, r SessionRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[r.ID] = r
	return s.appendLocked(journalRecord{Op: "sess.put", Session: &r})
}

func (s *fileStore) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[id]
	return r, ok, nil
}

func (s *fileStore) DeleteSession(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return nil
	}
	delete(s.sessions, id)
	return s.appendLocked(journalRecord{Op: "sess.del", Key: id})
}

func (s *fileStore) SweepExpired(ctx context.Context, now time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.otp {
		if r.ExpiresAt.Before(now) {
			delete(s.otp, k)
		}
	}
	for k, r := range s.sessions {
		if r.ExpiresAt.Before(now) {
			delete(s.sessions, k)
		}
	}
	// Compaction rewrites the snapshot without the swept records.
	return s.compactLocked()
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journalFile == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("store compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	state := fileState{Queue: s.queue, OTP: s.otp, Sessions: s.sessions}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if s.journalFile == nil {
		return nil
	}
	// Truncate journal; snapshot now carries the full state.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var state fileState
	if err := json.NewDecoder(f).Decode(&state); err != nil {
		return err
	}
	s.queue = state.Queue
	if state.OTP != nil {
		s.otp = state.OTP
	}
	if state.Sessions != nil {
		s.sessions = state.Sessions
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		s.applyRecord(rec)
	}
	return sc.Err()
}

func (s *fileStore) applyRecord(rec journalRecord) {
	switch rec.Op {
	case "env.append":
		if rec.Env == nil {
			return
		}
		// A crash between the snapshot rename and the journal truncate
		// replays appends the snapshot already holds.
		for i := range s.queue {
			if s.queue[i].ID == rec.Env.ID {
				s.queue[i] = *rec.Env
				return
			}
		}
		s.queue = append(s.queue, *rec.Env)
	case "env.update":
		if rec.Env != nil {
			for i := range s.queue {
				if s.queue[i].ID == rec.Env.ID {
					s.queue[i] = *rec.Env
					break
				}
			}
		}
	case "env.remove":
		for i := range s.queue {
			if s.queue[i].ID == rec.Key {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	case "otp.put":
		if rec.OTP != nil {
			s.otp[rec.OTP.Target] = *rec.OTP
		}
	case "otp.del":
		delete(s.otp, rec.Key)
	case "sess.put":
		if rec.Session != nil {
			s.sessions[rec.Session.ID] = *rec.Session
		}
	case "sess.del":
		delete(s.sessions, rec.Key)
	}
}
