package storage

import (
	"context"
	"sync"
	"time"
)

// NewMemory returns a Store backed purely by process memory. It is the
// fallback when storage is disabled and the backend used in tests;
// nothing survives a restart.
func NewMemory() Store {
	return &memStore{
		otp:      map[string]OTPRecord{},
		sessions: map[string]SessionRecord{},
	}
}

type memStore struct {
	mu       sync.Mutex
	queue    []EnvelopeRecord
	otp      map[string]OTPRecord
	sessions map[string]SessionRecord
}

func (s *memStore) Close() error { return nil }

func (s *memStore) LoadQueue(ctx context.Context) ([]EnvelopeRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EnvelopeRecord(nil), s.queue...), nil
}

func (s *memStore) AppendEnvelope(ctx context.Context, e EnvelopeRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, e)
	return nil
}

func (s *memStore) UpdateEnvelope(ctx context.Context, e EnvelopeRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queue {
		if s.queue[i].ID == e.ID {
			s.queue[i] = e
			break
		}
	}
	return nil
}

func (s *memStore) RemoveEnvelope(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queue {
		if s.queue[i].ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memStore) PutOTP(ctx context.Context, r OTPRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.otp[r.Target] = r
	return nil
}

func (s *memStore) GetOTP(ctx context.Context, target string) (OTPRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.otp[target]
	return r, ok, nil
}

func (s *memStore) DeleteOTP(ctx context.Context, target string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.otp, target)
	return nil
}

func (s *memStore) PutSession(ctx context.Context, r SessionRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[r.ID] = r
	return nil
}

func (s *memStore) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[id]
	return r, ok, nil
}

func (s *memStore) DeleteSession(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *memStore) SweepExpired(ctx context.Context, now time.Time) error {
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
	return nil
}
