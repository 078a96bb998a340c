package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"courier/internal/eventbus"
	"courier/internal/storage"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

var ErrMissingDestination = errors.New("envelope destination is required")

// Envelope is one unit of outbound work: destination, payload and
// retry bookkeeping. Producers fill Destination and Payload; the queue
// assigns everything else.
type Envelope struct {
	ID          string
	Destination string
	Payload     transport.Payload
	CreatedAt   time.Time
	Attempts    int
	MaxAttempts int
}

type Config struct {
	MaxAttempts int           // per envelope; default 3
	RetryDelay  time.Duration // fixed delay before retrying a failed head; default 1.5s
	SendTimeout time.Duration // per-send acknowledgment bound; default 15s
	RatePerSec  int           // pacing against channel throughput limits; default 5
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 1500 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
}

// DeliveryEvent is the bus payload for delivery lifecycle events.
type DeliveryEvent struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Kind        string `json:"kind"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error,omitempty"`
}

// Service is the durable outbound delivery queue.
//
// Guarantees: at-least-once delivery in submission order once the
// transport is ready, bounded retry per envelope, and a single drain in
// flight at any time. Sends are sequential; the external channel
// punishes bursts, so single-flight drain is intentional.
//
// Enqueue is fire-and-forget: exhausted envelopes are dropped with a
// log record and a bus event, never reported back to the producer.
type Service struct {
	cfg   Config
	store storage.Store
	tr    transport.Transport
	ready func() bool
	bus   eventbus.Bus
	log   logx.Logger

	mu      sync.Mutex
	items   []Envelope // head at index 0; tail appends only
	limiter *rate.Limiter

	wake      chan struct{}
	runCancel context.CancelFunc
	done      chan struct{}
	unsub     func()
}

// New builds the queue. store may be nil, in which case the queue is
// memory-only for the process lifetime. ready gates draining; it is
// the connection supervisor's Ready query.
func New(cfg Config, store storage.Store, tr transport.Transport, ready func() bool, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		tr:      tr,
		ready:   ready,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		wake:    make(chan struct{}, 1),
	}
}

// Apply retunes live settings. In-flight envelopes keep the
// MaxAttempts they were created with.
func (s *Service) Apply(cfg Config) {
	cfg.defaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Start restores pending envelopes from the store and begins the drain
// loop. Readiness changes on the bus wake the loop so an envelope
// enqueued while the channel was down is delivered automatically once
// it comes back.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	if s.store != nil {
		recs, err := s.store.LoadQueue(ctx)
		if err != nil {
			cancel()
			s.mu.Lock()
			s.done = nil
			s.runCancel = nil
			s.mu.Unlock()
			return fmt.Errorf("load queue: %w", err)
		}
		var exhausted []Envelope
		s.mu.Lock()
		for _, rec := range recs {
			env, err := fromRecord(rec)
			if err != nil {
				s.log.Warn("corrupt queued envelope skipped", logx.String("id", rec.ID), logx.Err(err))
				continue
			}
			// A crash between the final attempt's persist and its removal
			// leaves an envelope with no attempts left. Drop it here so it
			// never gets an extra send.
			if env.MaxAttempts > 0 && env.Attempts >= env.MaxAttempts {
				exhausted = append(exhausted, env)
				continue
			}
			s.items = append(s.items, env)
		}
		n := len(s.items)
		s.mu.Unlock()
		for _, env := range exhausted {
			if err := s.store.RemoveEnvelope(ctx, env.ID); err != nil {
				s.log.Error("exhausted envelope remove persist failed", logx.String("id", env.ID), logx.Err(err))
			}
			s.log.Warn("restored envelope already exhausted; dropped",
				logx.String("id", env.ID), logx.String("dest", env.Destination), logx.Int("attempts", env.Attempts))
			s.publish(eventbus.TypeDeliveryExhausted, env, nil)
		}
		if n > 0 {
			s.log.Info("restored pending deliveries", logx.Int("count", n))
		}
	}

	if s.bus != nil {
		events, unsub := s.bus.Subscribe(16)
		s.unsub = unsub
		go func() {
			for ev := range events {
				if ev.Type == eventbus.TypeConnReady {
					s.signal()
				}
			}
		}()
	}

	go func() {
		defer close(done)
		s.drainLoop(runCtx)
	}()
	s.signal()
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.runCancel
	done := s.done
	unsub := s.unsub
	s.runCancel = nil
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Enqueue validates the envelope, appends it to the durable tail and
// wakes the drain loop. A persistence failure is returned to the
// caller but the envelope stays queued in memory for this process
// lifetime; the producer may retry the enqueue.
func (s *Service) Enqueue(ctx context.Context, env Envelope) error {
	if strings.TrimSpace(env.Destination) == "" {
		return ErrMissingDestination
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now()
	}
	env.Attempts = 0

	s.mu.Lock()
	if env.MaxAttempts <= 0 {
		env.MaxAttempts = s.cfg.MaxAttempts
	}
	s.items = append(s.items, env)
	store := s.store
	s.mu.Unlock()

	var persistErr error
	if store != nil {
		rec, err := toRecord(env)
		if err == nil {
			err = store.AppendEnvelope(ctx, rec)
		}
		if err != nil {
			s.log.Error("envelope persist failed; kept in memory", logx.String("id", env.ID), logx.Err(err))
			persistErr = fmt.Errorf("persist envelope: %w", err)
		}
	}

	s.signal()
	return persistErr
}

// Len reports the number of pending envelopes.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drainLoop is the only goroutine that touches the head.
func (s *Service) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		s.drain(ctx)
	}
}

// drain processes from the head while the supervisor reports ready.
// The head is retried in place; it leaves the queue only on success or
// when its attempts are exhausted.
func (s *Service) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		// The moment readiness flips false, stop with state untouched.
		if !s.ready() {
			return
		}
		head, ok := s.peek()
		if !ok {
			return
		}

		s.mu.Lock()
		lim := s.limiter
		retryDelay := s.cfg.RetryDelay
		s.mu.Unlock()

		if err := lim.Wait(ctx); err != nil {
			return
		}

		err := s.send(ctx, head)
		if err == nil {
			s.remove(head.ID)
			s.log.Debug("envelope delivered",
				logx.String("id", head.ID), logx.String("dest", head.Destination), logx.String("kind", string(head.Payload.Kind)))
			s.publish(eventbus.TypeDeliverySent, head, nil)
			continue
		}

		head.Attempts++
		s.updateHead(ctx, head)

		if head.Attempts >= head.MaxAttempts {
			s.remove(head.ID)
			s.log.Warn("envelope dropped after exhausting attempts",
				logx.String("id", head.ID), logx.String("dest", head.Destination),
				logx.Int("attempts", head.Attempts), logx.Err(err))
			s.publish(eventbus.TypeDeliveryExhausted, head, err)
			continue
		}

		s.log.Debug("envelope send failed; retrying head",
			logx.String("id", head.ID), logx.Int("attempt", head.Attempts),
			logx.Duration("delay", retryDelay), logx.Err(err))
		s.publish(eventbus.TypeDeliveryRetry, head, err)

		// Fixed short delay so a persistently failing transport does
		// not become a hot loop.
		t := time.NewTimer(retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Service) send(ctx context.Context, env Envelope) error {
	p := env.Payload
	// Unrecognized kinds are delivered with plain-text semantics.
	if !p.Kind.Known() {
		p.Kind = transport.KindText
	}

	s.mu.Lock()
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.tr.Send(sendCtx, env.Destination, p)
}

func (s *Service) peek() (Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return Envelope{}, false
	}
	return s.items[0], true
}

func (s *Service) remove(id string) {
	s.mu.Lock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	store := s.store
	s.mu.Unlock()

	if store != nil {
		if err := store.RemoveEnvelope(context.Background(), id); err != nil {
			s.log.Error("envelope remove persist failed", logx.String("id", id), logx.Err(err))
		}
	}
}

func (s *Service) updateHead(ctx context.Context, env Envelope) {
	s.mu.Lock()
	if len(s.items) > 0 && s.items[0].ID == env.ID {
		s.items[0] = env
	}
	store := s.store
	s.mu.Unlock()

	if store != nil {
		rec, err := toRecord(env)
		if err == nil {
			err = store.UpdateEnvelope(ctx, rec)
		}
		if err != nil {
			s.log.Error("envelope update persist failed", logx.String("id", env.ID), logx.Err(err))
		}
	}
}

func (s *Service) publish(typ string, env Envelope, cause error) {
	if s.bus == nil {
		return
	}
	ev := DeliveryEvent{
		ID:          env.ID,
		Destination: env.Destination,
		Kind:        string(env.Payload.Kind),
		Attempts:    env.Attempts,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func toRecord(env Envelope) (storage.EnvelopeRecord, error) {
	b, err := json.Marshal(env.Payload)
	if err != nil {
		return storage.EnvelopeRecord{}, err
	}
	return storage.EnvelopeRecord{
		ID:          env.ID,
		Destination: env.Destination,
		Kind:        string(env.Payload.Kind),
		Payload:     b,
		CreatedAt:   env.CreatedAt,
		Attempts:    env.Attempts,
		MaxAttempts: env.MaxAttempts,
	}, nil
}

func fromRecord(rec storage.EnvelopeRecord) (Envelope, error) {
	var p transport.Payload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:          rec.ID,
		Destination: rec.Destination,
		Payload:     p,
		CreatedAt:   rec.CreatedAt,
		Attempts:    rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
	}, nil
}
