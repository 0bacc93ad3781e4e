// Package worker drains the queue router and executes claimed tasks:
// reminders go straight to notification, automations run through the model
// first. Each due cycle gets a bounded number of attempts; an exhausted
// cycle is a miss and feeds escalation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"taskmind/internal/escalate"
	"taskmind/internal/eventbus"
	"taskmind/internal/llm"
	"taskmind/internal/notify"
	"taskmind/internal/queue"
	rtsup "taskmind/internal/runtime/supervisor"
	"taskmind/internal/task"
	logx "taskmind/pkg/logx"
)

// Config tunes the pool.
type Config struct {
	Workers int `json:"workers"`
	// RetryMax is retries after the first attempt, so attempts = 1 + RetryMax.
	RetryMax       int           `json:"retry_max"`
	RetryBase      time.Duration `json:"-"`
	RetryMaxDelay  time.Duration `json:"-"`
	RetryJitter    float64       `json:"retry_jitter"`
	AttemptTimeout time.Duration `json:"-"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	// Zero means default (3 attempts total); pass a negative to disable retries.
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Minute
	}
	return c
}

// Notifier is the slice of the notification service the pool needs.
type Notifier interface {
	Notify(ctx context.Context, m notify.Message) error
}

// Pool executes dequeued tasks. Create with New, then Start.
type Pool struct {
	mu     sync.RWMutex
	cfg    Config
	store  task.Store
	router *queue.Router
	exec   llm.Executor
	notif  Notifier
	esc    *escalate.Engine
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	sup *rtsup.Supervisor
}

// New wires the pool and registers it as consumer of every declared queue,
// which is what lets the startup consistency check pass.
func New(cfg Config, store task.Store, router *queue.Router, exec llm.Executor, notif Notifier, esc *escalate.Engine, bus eventbus.Bus, log logx.Logger) (*Pool, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		cfg:    cfg.withDefaults(),
		store:  store,
		router: router,
		exec:   exec,
		notif:  notif,
		esc:    esc,
		bus:    bus,
		log:    log,
		now:    time.Now,
	}
	for _, name := range router.Names() {
		if err := router.RegisterConsumer(name); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Apply swaps the retry tunables for subsequent attempts. Pool size is
// fixed after Start; a changed Workers value needs a restart.
func (p *Pool) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	cfg.Workers = p.cfg.Workers
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *Pool) config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Start launches the workers under their own supervisor.
func (p *Pool) Start(ctx context.Context) {
	if p.sup != nil {
		return
	}
	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log.With(logx.String("comp", "worker"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < p.config().Workers; i++ {
		idx := i
		p.sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			p.runLoop(c, idx)
			return c.Err()
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop cancels the workers and waits up to ctx for in-flight executions.
func (p *Pool) Stop(ctx context.Context) {
	if p.sup == nil {
		return
	}
	p.sup.Cancel()
	_ = p.sup.Wait(ctx)
	p.sup = nil
}

func (p *Pool) runLoop(ctx context.Context, idx int) {
	// Per-worker RNG so concurrent retries don't contend on the global one.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		item, err := p.router.Dequeue(ctx)
		if err != nil {
			return
		}
		p.Process(ctx, item, rng)
	}
}

// Process executes one dequeued item end to end. Exported for tests.
func (p *Pool) Process(ctx context.Context, item queue.Item, rng *rand.Rand) {
	t, err := p.store.Get(ctx, item.TaskID)
	if err != nil {
		if !errors.Is(err, task.ErrNotFound) {
			p.log.Error("load dequeued task", logx.String("task_id", item.TaskID), logx.Err(err))
		}
		return
	}
	// Only the claim owner executes. Anything else means an admin action
	// landed between claim and dequeue.
	if t.Status != task.StatusProcessing {
		p.log.Debug("skipping dequeued task, no longer processing",
			logx.String("task_id", t.ID),
			logx.String("status", string(t.Status)))
		return
	}

	start := p.now()
	p.publish(eventbus.TypeTaskStarted, Event{TaskID: t.ID, UserID: t.UserID, Kind: t.Kind, At: start})

	result, attempts, execErr := p.execute(ctx, t, rng)
	if execErr == nil {
		p.finishSuccess(ctx, t, result, start, attempts)
		return
	}
	p.finishMiss(ctx, t, execErr, start, attempts)
}

// execute runs the attempt loop: panic guard, per-attempt timeout, capped
// exponential backoff with jitter, NoRetry and RetryAfter hints honored.
func (p *Pool) execute(ctx context.Context, t task.Task, rng *rand.Rand) (llm.Result, int, error) {
	cfg := p.config()
	maxAttempts := 1 + cfg.RetryMax

	var (
		result llm.Result
		err    error
	)
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		runCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					p.log.Error("task execution panic",
						logx.String("task_id", t.ID),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			result, err = p.runOnce(runCtx, t)
		}()
		cancel()

		if err == nil {
			return result, attempts, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return llm.Result{}, attempts, nr.err
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			break
		}

		delay := backoffDelay(cfg, attempt, err, rng)
		p.log.Debug("task retry scheduled",
			logx.String("task_id", t.ID),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err))
		if delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return llm.Result{}, attempts, ctx.Err()
			case <-tmr.C:
			}
		}
	}
	return llm.Result{}, attempts, err
}

// runOnce performs one attempt of the task's work.
func (p *Pool) runOnce(ctx context.Context, t task.Task) (llm.Result, error) {
	switch t.Kind {
	case task.KindReminder:
		text := t.Description
		if text == "" {
			text = t.Title
		}
		err := p.notif.Notify(ctx, notify.Message{
			UserID:   t.UserID,
			TaskID:   t.ID,
			Title:    t.Title,
			Text:     text,
			Priority: t.Priority,
			Channels: t.Channels,
		})
		if errors.Is(err, notify.ErrUnknownChannel) {
			return llm.Result{}, NoRetry(err)
		}
		if err != nil {
			return llm.Result{}, err
		}
		return llm.Result{Summary: "reminder delivered"}, nil

	case task.KindAutomation, task.KindPeriodic:
		result, err := p.exec.Execute(ctx, llm.TaskContext{
			TaskID:      t.ID,
			UserID:      t.UserID,
			Title:       t.Title,
			Description: t.Description,
			Context:     t.Context,
		})
		if err != nil {
			return llm.Result{}, err
		}
		if nerr := p.notif.Notify(ctx, notify.Message{
			UserID:   t.UserID,
			TaskID:   t.ID,
			Title:    t.Title,
			Text:     result.Summary,
			Priority: t.Priority,
			Channels: t.Channels,
		}); nerr != nil {
			// The work itself succeeded; delivery problems are logged by
			// the notifier and must not fail the task.
			p.log.Warn("result notification not queued",
				logx.String("task_id", t.ID),
				logx.Err(nerr))
		}
		return result, nil
	}
	return llm.Result{}, NoRetry(fmt.Errorf("unknown task kind %q", t.Kind))
}

func (p *Pool) finishSuccess(ctx context.Context, t task.Task, result llm.Result, start time.Time, attempts int) {
	now := p.now()
	var next time.Time
	if t.Recurring() {
		n, err := t.Schedule.Next(now, time.Local)
		if err != nil {
			p.log.Error("compute next run", logx.String("task_id", t.ID), logx.Err(err))
		} else {
			next = n
		}
	}

	ok, err := p.store.RecordSuccess(ctx, t.ID, now, next)
	if err != nil {
		p.log.Error("record success", logx.String("task_id", t.ID), logx.Err(err))
		return
	}
	outcome := task.OutcomeCompleted
	if !ok {
		// Cancelled while running; result is discarded.
		outcome = task.OutcomeCancelled
	}
	p.appendRun(ctx, t.ID, start, now, outcome, result.Summary, attempts)

	if !ok {
		p.publish(eventbus.TypeTaskCancelled, Event{TaskID: t.ID, UserID: t.UserID, Kind: t.Kind, At: now, Attempts: attempts})
		return
	}
	p.log.Info("task completed",
		logx.String("task_id", t.ID),
		logx.String("user_id", t.UserID),
		logx.Int("attempts", attempts),
		logx.Duration("dur", now.Sub(start)))
	p.publish(eventbus.TypeTaskCompleted, Event{TaskID: t.ID, UserID: t.UserID, Kind: t.Kind, At: now, Attempts: attempts, NextRunAt: next})
}

// finishMiss handles an exhausted due cycle: count the miss, reschedule
// recurring tasks, fail one-offs, and let escalation decide on segmentation.
func (p *Pool) finishMiss(ctx context.Context, t task.Task, execErr error, start time.Time, attempts int) {
	now := p.now()
	p.appendRun(ctx, t.ID, start, now, task.OutcomeFailed, execErr.Error(), attempts)
	p.publish(eventbus.TypeTaskFailed, Event{TaskID: t.ID, UserID: t.UserID, Kind: t.Kind, At: now, Attempts: attempts, Error: execErr.Error()})
	p.log.Warn("task failed",
		logx.String("task_id", t.ID),
		logx.String("user_id", t.UserID),
		logx.Int("attempts", attempts),
		logx.Err(execErr))

	misses := 0
	if p.esc != nil {
		m, err := p.esc.RecordMiss(ctx, t)
		if err != nil {
			p.log.Error("record miss", logx.String("task_id", t.ID), logx.Err(err))
		} else {
			misses = m
		}
	}

	if t.Recurring() {
		next, err := t.Schedule.Next(now, time.Local)
		if err != nil {
			p.log.Error("compute next run after miss", logx.String("task_id", t.ID), logx.Err(err))
		} else if err := p.store.Reactivate(ctx, t.ID, next); err != nil && !errors.Is(err, task.ErrNotFound) {
			p.log.Error("reactivate after miss", logx.String("task_id", t.ID), logx.Err(err))
		}
	} else {
		if _, err := p.store.RecordFailure(ctx, t.ID, now); err != nil {
			p.log.Error("record failure", logx.String("task_id", t.ID), logx.Err(err))
		}
	}

	if p.esc != nil && misses > 0 {
		fresh, err := p.store.Get(ctx, t.ID)
		if err != nil {
			return
		}
		if _, err := p.esc.MaybeSegment(ctx, fresh, misses); err != nil {
			p.log.Error("segmentation attempt failed",
				logx.String("task_id", t.ID),
				logx.Err(err))
		}
	}
}

func (p *Pool) appendRun(ctx context.Context, taskID string, start, finish time.Time, outcome, summary string, attempts int) {
	err := p.store.AppendRun(ctx, task.RunRecord{
		TaskID:     taskID,
		StartedAt:  start,
		FinishedAt: finish,
		Outcome:    outcome,
		Summary:    summary,
		Attempts:   attempts,
	})
	if err != nil {
		p.log.Error("append run record", logx.String("task_id", taskID), logx.Err(err))
	}
}

func (p *Pool) publish(typ string, data Event) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: data.At, Data: data})
}

// Event is the bus payload for task lifecycle transitions.
type Event struct {
	TaskID    string    `json:"task_id"`
	UserID    string    `json:"user_id"`
	Kind      task.Kind `json:"kind"`
	At        time.Time `json:"at"`
	Attempts  int       `json:"attempts,omitempty"`
	NextRunAt time.Time `json:"next_run_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func backoffDelay(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	maxD := cfg.RetryMaxDelay

	// Explicit hints win over the exponential schedule.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d > maxD {
			d = maxD
		}
		return jitter(d, cfg.RetryJitter, rng, maxD)
	}

	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return jitter(d, cfg.RetryJitter, rng, maxD)
}

func jitter(d time.Duration, j float64, rng *rand.Rand, maxD time.Duration) time.Duration {
	if j > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
