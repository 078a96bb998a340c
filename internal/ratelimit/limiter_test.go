package ratelimit

import (
	"testing"
	"time"

	logx "courier/pkg/logx"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := New(cfg, logx.Nop())
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cur := &now
	l.now = func() time.Time { return *cur }
	return l, cur
}

func TestCheckAllowsUpToThreshold(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Config{Threshold: 10, Window: 10 * time.Second, BlockDuration: 5 * time.Minute})

	for i := 0; i < 10; i++ {
		if d := l.Check("alice"); !d.Allowed {
			t.Fatalf("event %d rejected: %+v", i+1, d)
		}
	}
}

func TestCheckBansOnThresholdBreach(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Config{Threshold: 10, Window: 10 * time.Second, BlockDuration: 5 * time.Minute})

	for i := 0; i < 10; i++ {
		l.Check("bob")
	}
	d := l.Check("bob")
	if d.Allowed {
		t.Fatal("11th event within window should be rejected")
	}
	if d.Reason != ReasonSpamDetected {
		t.Fatalf("Reason = %s, want %s", d.Reason, ReasonSpamDetected)
	}
	if d.RetryAfter != 5*time.Minute {
		t.Fatalf("RetryAfter = %v, want 5m", d.RetryAfter)
	}

	// Further events during the ban are rejected without a new ban.
	d = l.Check("bob")
	if d.Allowed || d.Reason != ReasonAlreadyBanned {
		t.Fatalf("event during ban: %+v", d)
	}
	if !l.Banned("bob") {
		t.Fatal("Banned() should report true during the ban")
	}
}

func TestBanExpiresExactlyAtDeadline(t *testing.T) {
	t.Parallel()
	l, cur := newTestLimiter(Config{Threshold: 2, Window: 10 * time.Second, BlockDuration: 5 * time.Minute})

	l.Check("carol")
	l.Check("carol")
	if d := l.Check("carol"); d.Allowed {
		t.Fatal("expected ban")
	}

	// One nanosecond before expiry: still banned.
	*cur = cur.Add(5*time.Minute - time.Nanosecond)
	if d := l.Check("carol"); d.Allowed {
		t.Fatal("ban should still be active just before expiry")
	}

	*cur = cur.Add(time.Nanosecond)
	if d := l.Check("carol"); !d.Allowed {
		t.Fatalf("ban should have lapsed: %+v", d)
	}
	if l.Banned("carol") {
		t.Fatal("Banned() should report false after expiry")
	}
}

func TestWindowSlides(t *testing.T) {
	t.Parallel()
	l, cur := newTestLimiter(Config{Threshold: 3, Window: 10 * time.Second, BlockDuration: time.Minute})

	for i := 0; i < 3; i++ {
		if d := l.Check("dave"); !d.Allowed {
			t.Fatalf("event %d rejected", i+1)
		}
	}

	// Once the earlier events age out of the window, capacity returns.
	*cur = cur.Add(11 * time.Second)
	if d := l.Check("dave"); !d.Allowed {
		t.Fatalf("event after window slid should be admitted: %+v", d)
	}
}

func TestSendersAreIndependent(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Config{Threshold: 2, Window: 10 * time.Second, BlockDuration: time.Minute})

	for i := 0; i < 5; i++ {
		l.Check("flooder")
	}
	if !l.Banned("flooder") {
		t.Fatal("flooder should be banned")
	}
	if d := l.Check("quiet"); !d.Allowed {
		t.Fatalf("unrelated sender rejected: %+v", d)
	}
}

func TestPruneDropsExpiredState(t *testing.T) {
	t.Parallel()
	l, cur := newTestLimiter(Config{Threshold: 2, Window: 10 * time.Second, BlockDuration: time.Minute})

	for i := 0; i < 3; i++ {
		l.Check("eve")
	}
	l.Check("quiet")

	*cur = cur.Add(2 * time.Minute)
	l.Prune(*cur)

	l.mu.Lock()
	bans, windows := len(l.bans), len(l.events)
	l.mu.Unlock()
	if bans != 0 {
		t.Fatalf("bans = %d, want 0", bans)
	}
	if windows != 0 {
		t.Fatalf("windows = %d, want 0", windows)
	}
}

func TestApplyRetunesThreshold(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Config{Threshold: 100, Window: 10 * time.Second, BlockDuration: time.Minute})

	for i := 0; i < 5; i++ {
		if d := l.Check("sender"); !d.Allowed {
			t.Fatalf("event %d rejected before retune", i+1)
		}
	}

	l.Apply(Config{Threshold: 5, Window: 10 * time.Second, BlockDuration: time.Minute})
	if d := l.Check("sender"); d.Allowed {
		t.Fatal("6th event should breach the retuned threshold")
	}
}
