// Package trigger is the scan loop that moves due tasks from the store onto
// the queues. It never executes anything itself: claim, enqueue, repeat.
package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"taskmind/internal/eventbus"
	"taskmind/internal/queue"
	"taskmind/internal/task"
	logx "taskmind/pkg/logx"
)

// Config tunes the scan loop.
type Config struct {
	// Interval between due scans.
	Interval time.Duration `json:"-"`
	// BatchSize caps how many due tasks one scan picks up.
	BatchSize int `json:"batch_size"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	return c
}

// Trigger scans for due tasks and routes them. One instance per process;
// the claim CAS makes overlapping scans harmless anyway.
type Trigger struct {
	mu     sync.RWMutex
	cfg    Config
	store  task.Store
	router *queue.Router
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, store task.Store, router *queue.Router, bus eventbus.Bus, log logx.Logger) *Trigger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Trigger{
		cfg:    cfg.withDefaults(),
		store:  store,
		router: router,
		bus:    bus,
		log:    log,
		now:    time.Now,
	}
}

// Apply swaps the scan tunables; a changed interval takes effect on the
// next tick.
func (t *Trigger) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

func (t *Trigger) config() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

// Run scans on the configured interval until ctx is done. Meant to be
// supervised; scan errors are logged and the loop keeps going, only a dead
// store or closed router ends it.
func (t *Trigger) Run(ctx context.Context) error {
	interval := t.config().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// One scan up front so restarts don't wait a full interval.
	if _, err := t.ScanOnce(ctx); err != nil && errors.Is(err, queue.ErrClosed) {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if cur := t.config().Interval; cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
			if _, err := t.ScanOnce(ctx); err != nil {
				if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
					return err
				}
				t.log.Error("due scan failed", logx.Err(err))
			}
		}
	}
}

// ScanOnce performs a single due scan and returns how many tasks it
// enqueued.
func (t *Trigger) ScanOnce(ctx context.Context) (int, error) {
	now := t.now()
	due, err := t.store.ListDue(ctx, now, t.config().BatchSize)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, tk := range due {
		claimed, err := t.store.ClaimForProcessing(ctx, tk.ID)
		if err != nil {
			return enqueued, err
		}
		if !claimed {
			// Raced with another scan cycle or an admin action.
			continue
		}

		if err := t.router.Enqueue(ctx, tk.ID, tk.Kind); err != nil {
			// Put it back so the next scan retries; a full queue is
			// backpressure, not data loss.
			if relErr := t.store.ReleaseToActive(ctx, tk.ID); relErr != nil {
				t.log.Error("release after enqueue failure",
					logx.String("task_id", tk.ID),
					logx.Err(relErr))
			}
			if errors.Is(err, queue.ErrClosed) {
				return enqueued, err
			}
			t.log.Warn("enqueue failed, task released",
				logx.String("task_id", tk.ID),
				logx.Err(err))
			continue
		}

		enqueued++
		if t.bus != nil {
			t.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskEnqueued, Time: now, Data: Event{
				TaskID: tk.ID,
				UserID: tk.UserID,
				Kind:   tk.Kind,
				DueAt:  tk.NextRunAt,
				At:     now,
			}})
		}
	}

	if enqueued > 0 {
		t.log.Debug("due scan complete",
			logx.Int("due", len(due)),
			logx.Int("enqueued", enqueued))
	}
	return enqueued, nil
}

// Event is the bus payload for an enqueued due task.
type Event struct {
	TaskID string    `json:"task_id"`
	UserID string    `json:"user_id"`
	Kind   task.Kind `json:"kind"`
	DueAt  time.Time `json:"due_at"`
	At     time.Time `json:"at"`
}
