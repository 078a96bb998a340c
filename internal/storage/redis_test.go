package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	logx "courier/pkg/logx"
)

func newRedisStore(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	st, err := Open(Config{Driver: "redis", RedisAddr: mr.Addr(), RedisPrefix: "t"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, mr
}

func TestRedisQueueRoundtrip(t *testing.T) {
	t.Parallel()
	st, _ := newRedisStore(t)
	ctx := context.Background()

	_ = st.AppendEnvelope(ctx, envelopeRecord("a", "1"))
	_ = st.AppendEnvelope(ctx, envelopeRecord("b", "2"))

	upd := envelopeRecord("a", "1")
	upd.Attempts = 1
	if err := st.UpdateEnvelope(ctx, upd); err != nil {
		t.Fatalf("UpdateEnvelope: %v", err)
	}

	recs, err := st.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "a" || recs[1].ID != "b" {
		t.Fatalf("queue = %+v", recs)
	}
	if recs[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", recs[0].Attempts)
	}

	if err := st.RemoveEnvelope(ctx, "a"); err != nil {
		t.Fatalf("RemoveEnvelope: %v", err)
	}
	recs, _ = st.LoadQueue(ctx)
	if len(recs) != 1 || recs[0].ID != "b" {
		t.Fatalf("queue after remove = %+v", recs)
	}
}

func TestRedisOTPNativeTTL(t *testing.T) {
	t.Parallel()
	st, mr := newRedisStore(t)
	ctx := context.Background()

	rec := OTPRecord{Target: "42", Code: "123456", ExpiresAt: time.Now().Add(5 * time.Minute)}
	if err := st.PutOTP(ctx, rec); err != nil {
		t.Fatalf("PutOTP: %v", err)
	}

	got, ok, err := st.GetOTP(ctx, "42")
	if err != nil || !ok {
		t.Fatalf("GetOTP: ok=%v err=%v", ok, err)
	}
	if got.Code != "123456" {
		t.Fatalf("code = %s", got.Code)
	}

	// Redis expires the key on its own once the TTL lapses.
	mr.FastForward(6 * time.Minute)
	if _, ok, _ := st.GetOTP(ctx, "42"); ok {
		t.Fatal("otp key survived its TTL")
	}
}

func TestRedisSessionRoundtrip(t *testing.T) {
	t.Parallel()
	st, mr := newRedisStore(t)
	ctx := context.Background()

	rec := SessionRecord{ID: "s1", Identity: "42", Role: "admin", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(24 * time.Hour)}
	if err := st.PutSession(ctx, rec); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	got, ok, err := st.GetSession(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("GetSession: ok=%v err=%v", ok, err)
	}
	if got.Role != "admin" {
		t.Fatalf("role = %s", got.Role)
	}

	if err := st.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, ok, _ := st.GetSession(ctx, "s1"); ok {
		t.Fatal("session still present after delete")
	}

	mr.FastForward(25 * time.Hour)
	if _, ok, _ := st.GetSession(ctx, "s1"); ok {
		t.Fatal("session resurrected")
	}
}

func TestRedisLoadQueueDropsOrphans(t *testing.T) {
	t.Parallel()
	st, mr := newRedisStore(t)
	ctx := context.Background()

	_ = st.AppendEnvelope(ctx, envelopeRecord("a", "1"))
	// Delete the envelope body but leave the list entry behind.
	mr.Del("t:env:a")

	recs, err := st.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("orphaned entry surfaced: %+v", recs)
	}
}
