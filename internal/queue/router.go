// Package queue implements the priority router between the periodic trigger
// and the worker pool. Queues are declared up front with a name, a priority
// and a bounded capacity; task kinds map onto queue names and consumers must
// register before the router is verified at startup.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"taskmind/internal/task"
	logx "taskmind/pkg/logx"
)

// Well-known queue names. The default declaration covers all three; custom
// declarations may add more but every task kind must still resolve.
const (
	QueueAI           = "ai_tasks"
	QueueNotification = "notification_tasks"
	QueueMaintenance  = "maintenance_tasks"
)

var (
	// ErrQueueFull is returned by Enqueue when the destination queue is at
	// capacity. Callers release the task back to active instead of blocking.
	ErrQueueFull = errors.New("queue full")
	// ErrUnknownQueue is returned when a kind routes to an undeclared queue.
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue router closed")
)

// Item is what travels through a queue. Only the task id crosses the
// boundary; the worker re-reads the row so late cancellations are honored.
type Item struct {
	TaskID     string
	Kind       task.Kind
	Queue      string
	EnqueuedAt time.Time
}

// Declaration declares one queue.
type Declaration struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"` // higher drains first
	Capacity int    `json:"capacity"`
}

// Config declares the routing table.
type Config struct {
	Queues []Declaration        `json:"queues"`
	Routes map[task.Kind]string `json:"routes"`
}

// DefaultConfig is the routing table used when the config file declares none.
func DefaultConfig() Config {
	return Config{
		Queues: []Declaration{
			{Name: QueueAI, Priority: 10, Capacity: 256},
			{Name: QueueNotification, Priority: 20, Capacity: 256},
			{Name: QueueMaintenance, Priority: 0, Capacity: 64},
		},
		Routes: map[task.Kind]string{
			task.KindReminder:   QueueNotification,
			task.KindAutomation: QueueAI,
			task.KindPeriodic:   QueueAI,
		},
	}
}

type boundedQueue struct {
	name      string
	priority  int
	ch        chan Item
	consumers int
}

// Router owns the declared queues and dispatches dequeues priority-first.
type Router struct {
	mu     sync.RWMutex
	queues map[string]*boundedQueue
	// byPriority is the dequeue scan order, highest priority first.
	byPriority []*boundedQueue
	routes     map[task.Kind]string
	wake       chan struct{}
	closed     bool
	log        logx.Logger
}

// NewRouter builds a router from the declaration. Every route target must be
// a declared queue and every task kind must have a route.
func NewRouter(cfg Config, log logx.Logger) (*Router, error) {
	if len(cfg.Queues) == 0 {
		cfg = DefaultConfig()
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	r := &Router{
		queues: make(map[string]*boundedQueue, len(cfg.Queues)),
		routes: make(map[task.Kind]string, len(cfg.Routes)),
		wake:   make(chan struct{}, 1),
		log:    log,
	}
	for _, d := range cfg.Queues {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, errors.New("queue declaration missing name")
		}
		if _, dup := r.queues[name]; dup {
			return nil, fmt.Errorf("queue %q declared twice", name)
		}
		cap := d.Capacity
		if cap <= 0 {
			cap = 64
		}
		q := &boundedQueue{name: name, priority: d.Priority, ch: make(chan Item, cap)}
		r.queues[name] = q
		r.byPriority = append(r.byPriority, q)
	}
	sort.SliceStable(r.byPriority, func(i, j int) bool {
		return r.byPriority[i].priority > r.byPriority[j].priority
	})

	for kind, target := range cfg.Routes {
		if !kind.Valid() {
			return nil, fmt.Errorf("route for invalid task kind %q", kind)
		}
		if _, ok := r.queues[target]; !ok {
			return nil, fmt.Errorf("route %s -> %s: %w", kind, target, ErrUnknownQueue)
		}
		r.routes[kind] = target
	}
	for _, kind := range []task.Kind{task.KindReminder, task.KindAutomation, task.KindPeriodic} {
		if _, ok := r.routes[kind]; !ok {
			return nil, fmt.Errorf("task kind %q has no route", kind)
		}
	}
	return r, nil
}

// RegisterConsumer records that something will drain the named queue.
// VerifyConsumers later refuses startup for any queue nobody registered for,
// so misrouted declarations fail fast instead of silently accumulating work.
func (r *Router) RegisterConsumer(queueName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[queueName]
	if !ok {
		return fmt.Errorf("register consumer: %w: %s", ErrUnknownQueue, queueName)
	}
	q.consumers++
	return nil
}

// VerifyConsumers reports every declared queue that has no registered
// consumer. Meant to run once, after wiring, before the trigger starts.
func (r *Router) VerifyConsumers() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var orphaned []string
	for _, q := range r.byPriority {
		if q.consumers == 0 {
			orphaned = append(orphaned, q.name)
		}
	}
	if len(orphaned) > 0 {
		return fmt.Errorf("queues declared with no consumer: %s", strings.Join(orphaned, ", "))
	}
	return nil
}

// Enqueue routes the item by kind and appends it without blocking. A full
// queue returns ErrQueueFull so the caller can put the task back on the
// schedule rather than stall the scan loop.
func (r *Router) Enqueue(ctx context.Context, taskID string, kind task.Kind) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	target, ok := r.routes[kind]
	if !ok {
		r.mu.RUnlock()
		return fmt.Errorf("enqueue %s: no route for kind %q", taskID, kind)
	}
	q := r.queues[target]
	r.mu.RUnlock()

	item := Item{TaskID: taskID, Kind: kind, Queue: target, EnqueuedAt: time.Now()}
	select {
	case q.ch <- item:
		select {
		case r.wake <- struct{}{}:
		default:
		}
		return nil
	default:
		return fmt.Errorf("enqueue %s into %s: %w", taskID, target, ErrQueueFull)
	}
}

// Dequeue blocks until an item is available on any queue, draining higher
// priority queues first, or until ctx is done.
func (r *Router) Dequeue(ctx context.Context) (Item, error) {
	for {
		r.mu.RLock()
		if r.closed {
			r.mu.RUnlock()
			return Item{}, ErrClosed
		}
		for _, q := range r.byPriority {
			select {
			case item := <-q.ch:
				r.mu.RUnlock()
				// Another waiter may have items to pick up too.
				select {
				case r.wake <- struct{}{}:
				default:
				}
				return item, nil
			default:
			}
		}
		r.mu.RUnlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-r.wake:
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Depth reports the number of queued items in the named queue.
func (r *Router) Depth(queueName string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if q, ok := r.queues[queueName]; ok {
		return len(q.ch)
	}
	return 0
}

// Names returns the declared queue names in priority order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byPriority))
	for _, q := range r.byPriority {
		out = append(out, q.name)
	}
	return out
}

// Close stops accepting items. Pending items are dropped; the trigger will
// re-claim them on the next start because their rows stay in processing only
// until the app's shutdown sweep releases them.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	// Rouse one waiter immediately; the rest fall out on their poll tick.
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
