package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskmind/internal/task"
	logx "taskmind/pkg/logx"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := NewRouter(DefaultConfig(), logx.Nop())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestNewRouterValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default on empty", Config{}, false},
		{
			"duplicate queue",
			Config{
				Queues: []Declaration{{Name: "a", Capacity: 1}, {Name: "a", Capacity: 1}},
				Routes: map[task.Kind]string{task.KindReminder: "a", task.KindAutomation: "a", task.KindPeriodic: "a"},
			},
			true,
		},
		{
			"route to undeclared queue",
			Config{
				Queues: []Declaration{{Name: "a", Capacity: 1}},
				Routes: map[task.Kind]string{task.KindReminder: "b", task.KindAutomation: "a", task.KindPeriodic: "a"},
			},
			true,
		},
		{
			"missing route for a kind",
			Config{
				Queues: []Declaration{{Name: "a", Capacity: 1}},
				Routes: map[task.Kind]string{task.KindReminder: "a"},
			},
			true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewRouter(tc.cfg, logx.Nop())
			if (err != nil) != tc.wantErr {
				t.Fatalf("NewRouter error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestRouterRoutesByKind(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t)
	ctx := context.Background()

	if err := r.Enqueue(ctx, "t1", task.KindReminder); err != nil {
		t.Fatalf("Enqueue reminder: %v", err)
	}
	if err := r.Enqueue(ctx, "t2", task.KindAutomation); err != nil {
		t.Fatalf("Enqueue automation: %v", err)
	}

	if d := r.Depth(QueueNotification); d != 1 {
		t.Fatalf("notification depth = %d, want 1", d)
	}
	if d := r.Depth(QueueAI); d != 1 {
		t.Fatalf("ai depth = %d, want 1", d)
	}
}

func TestRouterDequeuePriorityFirst(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t)
	ctx := context.Background()

	// ai_tasks has lower priority than notification_tasks in the default
	// table, so the reminder must come out first even though it went in last.
	if err := r.Enqueue(ctx, "auto", task.KindAutomation); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := r.Enqueue(ctx, "remind", task.KindReminder); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, err := r.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if first.TaskID != "remind" {
		t.Fatalf("first dequeue = %s, want remind", first.TaskID)
	}
	second, err := r.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if second.TaskID != "auto" {
		t.Fatalf("second dequeue = %s, want auto", second.TaskID)
	}
}

func TestRouterEnqueueFull(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Queues: []Declaration{{Name: "only", Priority: 1, Capacity: 1}},
		Routes: map[task.Kind]string{
			task.KindReminder:   "only",
			task.KindAutomation: "only",
			task.KindPeriodic:   "only",
		},
	}
	r, err := NewRouter(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(r.Close)

	ctx := context.Background()
	if err := r.Enqueue(ctx, "t1", task.KindReminder); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := r.Enqueue(ctx, "t2", task.KindReminder); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue on full = %v, want ErrQueueFull", err)
	}
}

func TestRouterDequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t)

	got := make(chan Item, 1)
	go func() {
		item, err := r.Dequeue(context.Background())
		if err == nil {
			got <- item
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := r.Enqueue(context.Background(), "late", task.KindPeriodic); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case item := <-got:
		if item.TaskID != "late" {
			t.Fatalf("dequeued %s, want late", item.TaskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not wake after Enqueue")
	}
}

func TestRouterDequeueRespectsContext(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := r.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dequeue = %v, want deadline exceeded", err)
	}
}

func TestRouterVerifyConsumers(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t)

	if err := r.VerifyConsumers(); err == nil {
		t.Fatal("VerifyConsumers passed with no consumers registered")
	}

	for _, name := range r.Names() {
		if err := r.RegisterConsumer(name); err != nil {
			t.Fatalf("RegisterConsumer(%s): %v", name, err)
		}
	}
	if err := r.VerifyConsumers(); err != nil {
		t.Fatalf("VerifyConsumers after registration: %v", err)
	}

	if err := r.RegisterConsumer("nope"); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("RegisterConsumer unknown = %v, want ErrUnknownQueue", err)
	}
}

func TestRouterClosed(t *testing.T) {
	t.Parallel()
	r, err := NewRouter(DefaultConfig(), logx.Nop())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	r.Close()
	r.Close() // idempotent

	if err := r.Enqueue(context.Background(), "t", task.KindReminder); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue after close = %v, want ErrClosed", err)
	}
	if _, err := r.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Dequeue after close = %v, want ErrClosed", err)
	}
}
