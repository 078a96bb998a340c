package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/eventbus"
	"courier/internal/storage"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

// scriptedTransport records sends and fails per-destination a scripted
// number of times before succeeding.
type scriptedTransport struct {
	mu       sync.Mutex
	failures map[string]int // destination -> remaining failures
	sent     []string       // destinations in delivery order
	attempts map[string]int
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{failures: map[string]int{}, attempts: map[string]int{}}
}

func (f *scriptedTransport) Connect(ctx context.Context) (<-chan transport.StateEvent, error) {
	return nil, errors.New("not used")
}

func (f *scriptedTransport) Ready() bool { return true }

func (f *scriptedTransport) Close(ctx context.Context) error { return nil }

func (f *scriptedTransport) Send(ctx context.Context, destination string, p transport.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[destination]++
	if f.failures[destination] > 0 {
		f.failures[destination]--
		return transport.ErrUnavailable
	}
	f.sent = append(f.sent, destination)
	return nil
}

func (f *scriptedTransport) sentOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *scriptedTransport) attemptCount(dest string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[dest]
}

func testConfig() Config {
	return Config{
		MaxAttempts: 3,
		RetryDelay:  2 * time.Millisecond,
		SendTimeout: time.Second,
		RatePerSec:  1000,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestEnqueueRequiresDestination(t *testing.T) {
	t.Parallel()
	q := New(testConfig(), nil, newScriptedTransport(), func() bool { return true }, nil, logx.Nop())
	err := q.Enqueue(context.Background(), Envelope{Payload: transport.Payload{Kind: transport.KindText, Body: "hi"}})
	if !errors.Is(err, ErrMissingDestination) {
		t.Fatalf("err = %v, want ErrMissingDestination", err)
	}
}

func TestDeliveryInSubmissionOrder(t *testing.T) {
	t.Parallel()
	tr := newScriptedTransport()
	q := New(testConfig(), nil, tr, func() bool { return true }, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop(context.Background())

	for _, dest := range []string{"1", "2", "3"} {
		if err := q.Enqueue(ctx, Envelope{Destination: dest, Payload: transport.Payload{Kind: transport.KindText, Body: "m" + dest}}); err != nil {
			t.Fatalf("Enqueue(%s): %v", dest, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return len(tr.sentOrder()) == 3 })
	got := tr.sentOrder()
	for i, want := range []string{"1", "2", "3"} {
		if got[i] != want {
			t.Fatalf("delivery order = %v", got)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained: %d pending", q.Len())
	}
}

func TestHeadRetriedInPlace(t *testing.T) {
	t.Parallel()
	tr := newScriptedTransport()
	tr.failures["1"] = 2 // two failures, then success; MaxAttempts 3 admits it

	q := New(testConfig(), nil, tr, func() bool { return true }, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop(context.Background())

	_ = q.Enqueue(ctx, Envelope{Destination: "1", Payload: transport.Payload{Kind: transport.KindText, Body: "a"}})
	_ = q.Enqueue(ctx, Envelope{Destination: "2", Payload: transport.Payload{Kind: transport.KindText, Body: "b"}})

	waitFor(t, 2*time.Second, func() bool { return len(tr.sentOrder()) == 2 })

	// The failing head blocks the queue; "2" must not overtake "1".
	got := tr.sentOrder()
	if got[0] != "1" || got[1] != "2" {
		t.Fatalf("delivery order = %v, want [1 2]", got)
	}
	if n := tr.attemptCount("1"); n != 3 {
		t.Fatalf("attempts for head = %d, want 3", n)
	}
}

func TestExhaustedEnvelopeDropped(t *testing.T) {
	t.Parallel()
	tr := newScriptedTransport()
	tr.failures["dead"] = 100

	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	q := New(testConfig(), nil, tr, func() bool { return true }, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop(context.Background())

	_ = q.Enqueue(ctx, Envelope{Destination: "dead", Payload: transport.Payload{Kind: transport.KindText, Body: "x"}})
	_ = q.Enqueue(ctx, Envelope{Destination: "live", Payload: transport.Payload{Kind: transport.KindText, Body: "y"}})

	// The dead envelope burns its three attempts and is dropped; the
	// next one still goes out.
	waitFor(t, 2*time.Second, func() bool {
		order := tr.sentOrder()
		return len(order) == 1 && order[0] == "live"
	})
	if n := tr.attemptCount("dead"); n != 3 {
		t.Fatalf("attempts for dead envelope = %d, want 3", n)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeDeliveryExhausted {
				de, ok := ev.Data.(DeliveryEvent)
				if !ok {
					t.Fatalf("exhausted event data type %T", ev.Data)
				}
				if de.Destination != "dead" || de.Attempts != 3 {
					t.Fatalf("exhausted event = %+v", de)
				}
				return
			}
		case <-deadline:
			t.Fatal("no exhausted event published")
		}
	}
}

func TestDrainWaitsForReadiness(t *testing.T) {
	t.Parallel()
	tr := newScriptedTransport()
	var ready atomic.Bool

	bus := eventbus.New()
	q := New(testConfig(), nil, tr, ready.Load, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop(context.Background())

	_ = q.Enqueue(ctx, Envelope{Destination: "1", Payload: transport.Payload{Kind: transport.KindText, Body: "queued while down"}})

	time.Sleep(30 * time.Millisecond)
	if n := len(tr.sentOrder()); n != 0 {
		t.Fatalf("sent %d envelopes while not ready", n)
	}
	if q.Len() != 1 {
		t.Fatalf("pending = %d, want 1", q.Len())
	}

	// Readiness flip plus the bus signal starts the drain without a new
	// enqueue.
	ready.Store(true)
	bus.Publish(eventbus.Event{Type: eventbus.TypeConnReady})

	waitFor(t, 2*time.Second, func() bool { return len(tr.sentOrder()) == 1 })
}

func TestStartRestoresPersistedQueue(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	tr := newScriptedTransport()

	seed := New(testConfig(), store, tr, func() bool { return false }, nil, logx.Nop())
	_ = seed.Enqueue(context.Background(), Envelope{Destination: "7", Payload: transport.Payload{Kind: transport.KindText, Body: "persisted"}})

	// A fresh service over the same store picks the envelope up.
	q := New(testConfig(), store, tr, func() bool { return true }, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool { return len(tr.sentOrder()) == 1 })
	if got := tr.sentOrder()[0]; got != "7" {
		t.Fatalf("restored delivery went to %s", got)
	}

	recs, err := store.LoadQueue(context.Background())
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("store still holds %d records after delivery", len(recs))
	}
}

func TestStartDropsExhaustedRestoredEnvelope(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	tr := newScriptedTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A crash between persisting the final failed attempt and removing
	// the head leaves a record with no attempts left.
	stale, err := toRecord(Envelope{
		ID:          "stale",
		Destination: "9",
		Payload:     transport.Payload{Kind: transport.KindText, Body: "stale"},
		CreatedAt:   time.Now(),
		Attempts:    3,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("toRecord: %v", err)
	}
	live, err := toRecord(Envelope{
		ID:          "live",
		Destination: "8",
		Payload:     transport.Payload{Kind: transport.KindText, Body: "live"},
		CreatedAt:   time.Now(),
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("toRecord: %v", err)
	}
	if err := store.AppendEnvelope(ctx, stale); err != nil {
		t.Fatalf("AppendEnvelope: %v", err)
	}
	if err := store.AppendEnvelope(ctx, live); err != nil {
		t.Fatalf("AppendEnvelope: %v", err)
	}

	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	q := New(testConfig(), store, tr, func() bool { return true }, bus, logx.Nop())
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop(context.Background())

	// Only the live envelope is delivered; the exhausted one never gets
	// an extra attempt.
	waitFor(t, 2*time.Second, func() bool { return len(tr.sentOrder()) == 1 })
	if got := tr.sentOrder()[0]; got != "8" {
		t.Fatalf("delivery went to %s, want 8", got)
	}
	if n := tr.attemptCount("9"); n != 0 {
		t.Fatalf("exhausted envelope got %d extra attempts", n)
	}

	recs, err := store.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("store still holds %d records", len(recs))
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeDeliveryExhausted {
				de, ok := ev.Data.(DeliveryEvent)
				if !ok {
					t.Fatalf("exhausted event data type %T", ev.Data)
				}
				if de.ID != "stale" || de.Attempts != 3 {
					t.Fatalf("exhausted event = %+v", de)
				}
				return
			}
		case <-deadline:
			t.Fatal("no exhausted event published for the restored record")
		}
	}
}

func TestApplyRetunesRetryDelay(t *testing.T) {
	t.Parallel()
	q := New(testConfig(), nil, newScriptedTransport(), func() bool { return true }, nil, logx.Nop())
	q.Apply(Config{MaxAttempts: 5, RetryDelay: time.Millisecond, SendTimeout: time.Second, RatePerSec: 10})

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cfg.MaxAttempts != 5 || q.cfg.RetryDelay != time.Millisecond {
		t.Fatalf("cfg after Apply = %+v", q.cfg)
	}
}
