// Package app wires the task pipeline together: config, storage, queues,
// trigger, workers, escalation, notification and workflow tracking. It owns
// startup order, config hot-reload fan-out and graceful shutdown.
package app

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskmind/internal/config"
	"taskmind/internal/escalate"
	"taskmind/internal/eventbus"
	"taskmind/internal/llm"
	"taskmind/internal/notify"
	"taskmind/internal/queue"
	rtsup "taskmind/internal/runtime/supervisor"
	"taskmind/internal/segment"
	"taskmind/internal/task"
	"taskmind/internal/trigger"
	"taskmind/internal/worker"
	"taskmind/internal/workflow"
	logx "taskmind/pkg/logx"
)

// StopReason is recorded in the shutdown log line.
type StopReason string

const (
	StopReasonSignal   StopReason = "signal"
	StopReasonError    StopReason = "error"
	StopReasonRequest  StopReason = "request"
	StopReasonInternal StopReason = "internal"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store  task.Store
	router *queue.Router
	exec   *llm.OpenAI
	notif  *notify.Service
	seg    *segment.Service
	esc    *escalate.Engine
	trig   *trigger.Trigger
	pool   *worker.Pool
	flows  *workflow.Manager

	sup *rtsup.Supervisor
}

// NewApp loads and validates the config, then constructs every component.
// Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	a := &App{cfgm: config.NewManager(cfgPath)}

	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a.logs, a.log = logx.New(mapLoggingConfig(cfg))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.bus = eventbus.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = task.Open(storeCfg, a.log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a.router, err = queue.NewRouter(mapQueueConfig(cfg), a.log.With(logx.String("comp", "queue")))
	if err != nil {
		return nil, err
	}

	llmCfg, err := mapLLMConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.exec, err = llm.NewOpenAI(llmCfg, a.log.With(logx.String("comp", "llm")))
	if err != nil {
		return nil, err
	}

	senders := []notify.Sender{notify.NewLogSender(a.log.With(logx.String("comp", "notify")))}
	if cfg.Telegram != nil {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:       cfg.Telegram.Token,
			Chats:       cfg.Telegram.Chats,
			DefaultChat: cfg.Telegram.DefaultChat,
		}, a.log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram sender: %w", err)
		}
		senders = append(senders, tg)
	}
	notifCfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notify.New(notifCfg, a.log.With(logx.String("comp", "notify")), a.bus, senders...)

	segCfg, err := mapSegmentConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.seg = segment.New(segCfg, a.store, a.exec, a.bus, a.log.With(logx.String("comp", "segment")))
	a.esc = escalate.New(mapEscalateConfig(cfg), a.store, a.seg, a.bus, a.log.With(logx.String("comp", "escalate")))

	workerCfg, err := mapWorkerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.pool, err = worker.New(workerCfg, a.store, a.router, a.exec, a.notif, a.esc, a.bus,
		a.log.With(logx.String("comp", "worker")))
	if err != nil {
		return nil, err
	}

	trigCfg, err := mapTriggerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.trig = trigger.New(trigCfg, a.store, a.router, a.bus, a.log.With(logx.String("comp", "trigger")))

	flowCfg, err := mapWorkflowConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.flows = workflow.NewManager(flowCfg, a.log.With(logx.String("comp", "workflow")))

	return a, nil
}

// Done is closed when the app's run context ends (Stop or a fatal error).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)

	// Reloads must survive the same mapping the components were built with.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapTriggerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWorkerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSegmentConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWorkflowConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapLLMConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	a.notif.Start(a.sup.Context())
	a.pool.Start(a.sup.Context())

	// Refuse to start triggering work into queues nobody drains.
	if err := a.router.VerifyConsumers(); err != nil {
		return err
	}
	a.sup.Go("trigger.scan", a.trig.Run)
	a.sup.Go("workflow.sweep", a.flows.Run)

	if a.bus != nil {
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
	}

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
				// Coalesce bursts: keep only the latest config.
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
				a.applyReload(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready")
	}

	a.log.Info("app started")
	return nil
}

// applyReload pushes a committed config into the components that take live
// updates. Everything else gets a restart-required warning.
func (a *App) applyReload(old, cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(mapLoggingConfig(cfg))

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	if tcfg, err := mapTriggerConfig(cfg); err != nil {
		a.log.Warn("invalid trigger config; keeping previous", logx.Err(err))
	} else {
		a.trig.Apply(tcfg)
	}
	if wcfg, err := mapWorkerConfig(cfg); err != nil {
		a.log.Warn("invalid worker config; keeping previous", logx.Err(err))
	} else {
		a.pool.Apply(wcfg)
	}

	if old != nil {
		if old.Storage != cfg.Storage {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
		if !reflect.DeepEqual(old.Queues, cfg.Queues) {
			a.log.Warn("queues config changed; restart required for changes to take effect")
		}
		if old.Worker.Workers != cfg.Worker.Workers {
			a.log.Warn("worker pool size changed; restart required for changes to take effect")
		}
		if old.LLM != cfg.LLM {
			a.log.Warn("llm config changed; restart required for changes to take effect")
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the run context first so the trigger, sweeper and watcher start
	// unwinding while we stop the stateful services in order.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
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
			} else {
				a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("workers", 3*time.Second, func(c context.Context) error { a.pool.Stop(c); return nil })
	step("queues", time.Second, func(context.Context) error { a.router.Close(); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
