package ratelimit

import (
	"sync"
	"time"

	logx "courier/pkg/logx"
)

// Reason explains why a sender was rejected.
type Reason string

const (
	ReasonSpamDetected  Reason = "spam_detected"
	ReasonAlreadyBanned Reason = "already_banned"
)

// Decision is the typed outcome of a rate check. A rejection is
// expected control flow, not an error.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration // remaining ban time when rejected
}

var allowed = Decision{Allowed: true}

type Config struct {
	Threshold     int           // max events per window; default 10
	Window        time.Duration // sliding window; default 10s
	BlockDuration time.Duration // ban length; default 5m
}

func (c *Config) defaults() {
	if c.Threshold <= 0 {
		c.Threshold = 10
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = 5 * time.Minute
	}
}

// Limiter bounds the rate of admitted inbound events per sender using
// a sliding window of event timestamps, and temporarily bans senders
// that exceed it.
//
// State is process-local and ephemeral; a restart clears all windows
// and bans. Abuse protection here is best-effort, not a security
// boundary.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	events map[string][]time.Time
	bans   map[string]time.Time // sender -> ban expiry
	log    logx.Logger

	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Limiter {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{
		cfg:    cfg,
		events: map[string][]time.Time{},
		bans:   map[string]time.Time{},
		log:    log,
		now:    time.Now,
	}
}

// Apply retunes thresholds live. Existing bans keep their expiry.
func (l *Limiter) Apply(cfg Config) {
	cfg.defaults()
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

// Check records one inbound event for sender and decides whether to
// admit it.
func (l *Limiter) Check(sender string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.bans[sender]; ok {
		if now.Before(until) {
			return Decision{Reason: ReasonAlreadyBanned, RetryAfter: until.Sub(now)}
		}
		// Expired ban clears before the event is considered.
		delete(l.bans, sender)
	}

	cutoff := now.Add(-l.cfg.Window)
	recent := l.events[sender]
	kept := recent[:0]
	for _, t := range recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	l.events[sender] = kept

	if len(kept) > l.cfg.Threshold {
		until := now.Add(l.cfg.BlockDuration)
		l.bans[sender] = until
		delete(l.events, sender)
		l.log.Warn("sender banned for flooding",
			logx.String("sender", sender), logx.Int("events", len(kept)), logx.Duration("for", l.cfg.BlockDuration))
		return Decision{Reason: ReasonSpamDetected, RetryAfter: l.cfg.BlockDuration}
	}
	return allowed
}

// Banned reports whether sender is currently banned without recording
// an event.
func (l *Limiter) Banned(sender string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.bans[sender]
	return ok && now.Before(until)
}

// Prune drops expired bans and stale windows. Called periodically by
// the maintenance sweeper; correctness never depends on it.
func (l *Limiter) Prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sender, until := range l.bans {
		if !now.Before(until) {
			delete(l.bans, sender)
		}
	}
	cutoff := now.Add(-l.cfg.Window)
	for sender, ts := range l.events {
		kept := ts[:0]
		for _, t := range ts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(l.events, sender)
			continue
		}
		l.events[sender] = kept
	}
}
