// Package maintenance runs the periodic TTL sweep that reclaims
// expired credential records and stale rate-limit state. Correctness
// never depends on the sweep; expiry is also enforced lazily on read.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/ratelimit"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

type Config struct {
	// Every is the sweep interval. Zero means the default (1 minute).
	Every time.Duration
}

func (c *Config) normalize() {
	if c.Every <= 0 {
		c.Every = time.Minute
	}
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	store   storage.Store
	limiter *ratelimit.Limiter
	log     logx.Logger
}

// New builds the sweeper. Store may be nil when persistence is
// disabled; the rate limiter is always pruned.
func New(cfg Config, store storage.Store, limiter *ratelimit.Limiter, log logx.Logger) *Service {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, limiter: limiter, log: log}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New()
	every := s.cfg.Every
	_, err := s.c.AddFunc("@every "+every.String(), func() { s.sweep(ctx) })
	if err != nil {
		s.log.Warn("sweep schedule rejected", logx.Duration("every", every), logx.Any("err", err))
		s.c = nil
		return
	}
	s.c.Start()
	s.log.Info("service started", logx.Duration("every", every))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("service stopped")
}

func (s *Service) sweep(ctx context.Context) {
	now := time.Now()
	if s.limiter != nil {
		s.limiter.Prune(now)
	}
	if s.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.store.SweepExpired(sctx, now); err != nil {
		s.log.Warn("sweep failed", logx.Any("err", err))
		return
	}
	s.log.Debug("sweep completed", logx.Duration("took", time.Since(now)))
}
