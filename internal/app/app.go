// Package app wires the courier services together: config, logging,
// storage, the channel session supervisor, the delivery queue, the
// credential service, rate limiting and maintenance.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"courier/internal/auth"
	"courier/internal/config"
	"courier/internal/conn"
	"courier/internal/eventbus"
	"courier/internal/maintenance"
	"courier/internal/queue"
	"courier/internal/ratelimit"
	"courier/internal/runtime/supervisor"
	"courier/internal/storage"
	"courier/internal/transport"
	telegram "courier/internal/transport/telegram"
	logx "courier/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store // nil when persistence is disabled
	adapter   transport.Transport
	conn      *conn.Supervisor
	queue     *queue.Service
	limiter   *ratelimit.Limiter
	auth      *auth.Service
	sweeper   *maintenance.Service
	persisted bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional). The credential service still needs a store,
	// so a disabled driver falls back to process memory.
	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	persisted := store != nil
	if persisted {
		log.Info("storage enabled", logx.String("driver", scfg.Driver))
	}
	credStore := store
	if credStore == nil {
		credStore = storage.NewMemory()
	}

	tcfg, ccfg, err := mapChannelConfig(cfg)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	connSup := conn.New(ccfg, adapter, bus, log.With(logx.String("comp", "conn")))

	qcfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	q := queue.New(qcfg, store, adapter, connSup.Ready, bus, log.With(logx.String("comp", "queue")))

	rlcfg, err := mapRateLimitConfig(cfg)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(rlcfg, log.With(logx.String("comp", "ratelimit")))

	acfg, err := mapAuthConfig(cfg)
	if err != nil {
		return nil, err
	}
	authSvc := auth.New(acfg, credStore, q, log.With(logx.String("comp", "auth")))

	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, err
	}
	sweeper := maintenance.New(mcfg, store, limiter, log.With(logx.String("comp", "maintenance")))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   adapter,
		conn:      connSup,
		queue:     q,
		limiter:   limiter,
		auth:      authSvc,
		sweeper:   sweeper,
		persisted: persisted,
	}, nil
}

func (a *App) Queue() *queue.Service           { return a.queue }
func (a *App) Auth() *auth.Service             { return a.auth }
func (a *App) RateLimiter() *ratelimit.Limiter { return a.limiter }
func (a *App) Conn() *conn.Supervisor          { return a.conn }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, _, err := mapChannelConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapQueueConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRateLimitConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAuthConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMaintenanceConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	a.conn.Start(a.sup.Context())
	if err := a.queue.Start(a.sup.Context()); err != nil {
		return err
	}
	a.sweeper.Start(a.sup.Context())

	// Delivery lifecycle events at debug for observability.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				a.applyReload(sections, newCfg)
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Bool("persistent", a.persisted))
	return nil
}

// applyReload pushes a committed config into the live services.
// Channel, storage and auth settings are bound at construction and
// need a restart; everything else applies in place.
func (a *App) applyReload(sections []string, cfg *config.Config) {
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(cfg))
		case "queue":
			if qcfg, err := mapQueueConfig(cfg); err == nil {
				a.queue.Apply(qcfg)
			} else {
				a.log.Warn("invalid queue config; keeping previous", logx.Any("err", err))
			}
		case "rate_limit":
			if rlcfg, err := mapRateLimitConfig(cfg); err == nil {
				a.limiter.Apply(rlcfg)
			} else {
				a.log.Warn("invalid rate_limit config; keeping previous", logx.Any("err", err))
			}
		case "channel", "storage", "auth", "maintenance":
			a.log.Warn("config changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("maintenance", 1*time.Second, func(c context.Context) error { a.sweeper.Stop(c); return nil })
	step("queue", 2*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("conn", 2*time.Second, func(c context.Context) error { a.conn.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Close(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
