package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"courier/internal/eventbus"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

// State of the managed channel session.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	ClosedRetryable
	ClosedTerminal
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case ClosedRetryable:
		return "closed(retryable)"
	case ClosedTerminal:
		return "closed(terminal)"
	}
	return "unknown"
}

type Config struct {
	// Backoff between reconnect attempts: min(Base * 2^(n-1), Cap).
	Base time.Duration
	Cap  time.Duration

	// After RebuildAfter consecutive failures the session is torn down
	// completely and rebuilt after RebuildCooldown, resetting the
	// failure counter.
	RebuildAfter    int
	RebuildCooldown time.Duration
}

func (c *Config) defaults() {
	if c.Base <= 0 {
		c.Base = 5 * time.Second
	}
	if c.Cap <= 0 {
		c.Cap = 60 * time.Second
	}
	if c.RebuildAfter <= 0 {
		c.RebuildAfter = 10
	}
	if c.RebuildCooldown <= 0 {
		c.RebuildCooldown = 5 * time.Minute
	}
}

// Snapshot is a point-in-time view of the supervisor for status output.
type Snapshot struct {
	State      State
	Failures   int
	LastErr    string
	ReadySince time.Time
}

// Supervisor owns the transport lifecycle: it establishes exactly one
// logical session, tracks readiness, and drives reconnection with
// exponential backoff. Terminal closures halt reconnection entirely;
// the operator must re-link the channel externally.
type Supervisor struct {
	cfg Config
	tr  transport.Transport
	bus eventbus.Bus
	log logx.Logger

	mu         sync.Mutex
	state      State
	failures   int
	lastErr    error
	readySince time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, tr transport.Transport, bus eventbus.Bus, log logx.Logger) *Supervisor {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{cfg: cfg, tr: tr, bus: bus, log: log, state: Disconnected}
}

// Ready is a pure query: true only while the session is Open.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Open
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{State: s.state, Failures: s.failures, ReadySince: s.readySince}
	if s.lastErr != nil {
		snap.LastErr = s.lastErr.Error()
	}
	return snap
}

func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.run(runCtx)
	}()
}

func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Supervisor) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(Connecting)
		s.log.Info("connecting to channel")

		events, err := s.tr.Connect(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrAuthRequired) {
				s.toTerminal(err)
				return
			}
			s.noteFailure(err)
			if !s.waitBackoff(ctx) {
				return
			}
			continue
		}

		if terminal := s.consume(ctx, events); terminal {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !s.waitBackoff(ctx) {
			return
		}
	}
}

// consume processes the session's state stream until it ends.
// Returns true on terminal closure.
func (s *Supervisor) consume(ctx context.Context, events <-chan transport.StateEvent) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				// Stream ended without an explicit close event.
				s.markDown(errors.New("session state stream ended"))
				return false
			}
			switch ev.State {
			case transport.StateOpening:
				s.setState(Connecting)
			case transport.StateOpen:
				s.markOpen()
			case transport.StateClosed:
				if ev.Terminal || errors.Is(ev.Cause, transport.ErrAuthRequired) {
					s.toTerminal(ev.Cause)
					return true
				}
				s.markDown(ev.Cause)
				return false
			}
		}
	}
}

// waitBackoff sleeps for the computed reconnect delay. When the failure
// counter exceeds the rebuild ceiling it tears the session down fully,
// waits the longer cooldown and resets the counter. Returns false when
// ctx was canceled during the wait.
func (s *Supervisor) waitBackoff(ctx context.Context) bool {
	s.mu.Lock()
	n := s.failures
	s.mu.Unlock()

	var delay time.Duration
	if n > s.cfg.RebuildAfter {
		s.log.Warn("reconnect ceiling exceeded; rebuilding session",
			logx.Int("failures", n), logx.Duration("cooldown", s.cfg.RebuildCooldown))
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = s.tr.Close(closeCtx)
		cancel()
		s.mu.Lock()
		s.failures = 0
		s.mu.Unlock()
		delay = s.cfg.RebuildCooldown
	} else {
		delay = BackoffDelay(s.cfg.Base, s.cfg.Cap, n)
		s.log.Info("reconnect scheduled", logx.Int("attempt", n), logx.Duration("delay", delay))
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// BackoffDelay computes min(base * 2^(attempt-1), cap) for attempt >= 1.
func BackoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) markOpen() {
	s.mu.Lock()
	s.state = Open
	s.failures = 0
	s.lastErr = nil
	s.readySince = time.Now()
	s.mu.Unlock()

	s.log.Info("channel session open")
	s.publish(eventbus.Event{Type: eventbus.TypeConnReady})
}

func (s *Supervisor) markDown(cause error) {
	s.mu.Lock()
	wasOpen := s.state == Open
	s.state = ClosedRetryable
	s.failures++
	s.lastErr = cause
	s.mu.Unlock()

	s.log.Warn("channel session lost", logx.Err(cause))
	if wasOpen {
		s.publish(eventbus.Event{Type: eventbus.TypeConnDown, Data: errString(cause)})
	}
}

func (s *Supervisor) noteFailure(cause error) {
	s.mu.Lock()
	s.state = ClosedRetryable
	s.failures++
	s.lastErr = cause
	s.mu.Unlock()
	s.log.Warn("channel connect failed", logx.Err(cause))
}

func (s *Supervisor) toTerminal(cause error) {
	s.mu.Lock()
	s.state = ClosedTerminal
	s.lastErr = cause
	s.mu.Unlock()

	// No reconnect is scheduled past this point; the operator must
	// re-link the channel manually.
	s.log.Error("channel session closed permanently; manual re-link required", logx.Err(cause))
	s.publish(eventbus.Event{Type: eventbus.TypeConnTerminal, Data: errString(cause)})
}

// publish tolerates a nil bus so the supervisor can run standalone.
func (s *Supervisor) publish(ev eventbus.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ev)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
