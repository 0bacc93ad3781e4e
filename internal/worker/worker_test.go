package worker

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskmind/internal/escalate"
	"taskmind/internal/llm"
	"taskmind/internal/notify"
	"taskmind/internal/queue"
	"taskmind/internal/task"
	logx "taskmind/pkg/logx"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	fail  int // fail this many calls before succeeding
	err   error
	subs  []llm.Subtask
}

func (f *fakeExecutor) Execute(context.Context, llm.TaskContext) (llm.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return llm.Result{}, f.err
	}
	if f.calls <= f.fail {
		return llm.Result{}, errors.New("transient failure")
	}
	return llm.Result{Summary: "did the thing", Output: "did the thing\nin detail"}, nil
}

func (f *fakeExecutor) Decompose(context.Context, llm.DecomposeRequest) ([]llm.Subtask, error) {
	if f.subs == nil {
		return nil, errors.New("no decomposition")
	}
	return f.subs, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, m notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeNotifier) messages() []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Message(nil), f.sent...)
}

type fixture struct {
	store task.Store
	pool  *Pool
	exec  *fakeExecutor
	notif *fakeNotifier
	rng   *rand.Rand
}

func newFixture(t *testing.T, cfg Config, threshold int, seg escalate.Segmenter) *fixture {
	t.Helper()
	st, err := task.Open(task.StoreConfig{Path: filepath.Join(t.TempDir(), "t.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	r, err := queue.NewRouter(queue.DefaultConfig(), logx.Nop())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(r.Close)

	exec := &fakeExecutor{}
	notif := &fakeNotifier{}
	esc := escalate.New(escalate.Config{Threshold: threshold}, st, seg, nil, logx.Nop())

	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 5 * time.Millisecond
	}
	pool, err := New(cfg, st, r, exec, notif, esc, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{store: st, pool: pool, exec: exec, notif: notif, rng: rand.New(rand.NewSource(1))}
}

func (f *fixture) claimed(t *testing.T, kind task.Kind, sched task.Schedule) task.Task {
	t.Helper()
	ctx := context.Background()
	tk := &task.Task{
		UserID:   "u1",
		Title:    "the task",
		Kind:     kind,
		Schedule: sched,
		Status:   task.StatusActive,
		Context:  "some context",
		Channels: []string{"log"},
	}
	tk.NextRunAt = time.Now().Add(-time.Minute)
	if err := f.store.Create(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err := f.store.ClaimForProcessing(ctx, tk.ID)
	if err != nil || !ok {
		t.Fatalf("claim = (%v, %v)", ok, err)
	}
	got, err := f.store.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return got
}

func onceSched() task.Schedule {
	return task.Schedule{Kind: task.ScheduleOnce, At: time.Now().Add(-time.Minute)}
}

func dailySched() task.Schedule {
	return task.Schedule{Kind: task.ScheduleDaily, TimeOfDay: "09:00"}
}

func TestProcessReminderNotifiesAndCompletes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, 3, nil)
	ctx := context.Background()
	tk := f.claimed(t, task.KindReminder, onceSched())

	f.pool.Process(ctx, queue.Item{TaskID: tk.ID, Kind: tk.Kind}, f.rng)

	if msgs := f.notif.messages(); len(msgs) != 1 || msgs[0].TaskID != tk.ID {
		t.Fatalf("notifications = %+v, want one for %s", msgs, tk.ID)
	}
	if f.exec.callCount() != 0 {
		t.Fatal("reminder ran through the executor")
	}
	got, _ := f.store.Get(ctx, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	runs, _ := f.store.ListRuns(ctx, tk.ID, 5)
	if len(runs) != 1 || runs[0].Outcome != task.OutcomeCompleted {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestProcessCarriesTaskPriorityIntoNotification(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, 3, nil)
	ctx := context.Background()

	tk := &task.Task{
		UserID:   "u1",
		Title:    "urgent child",
		Kind:     task.KindReminder,
		Schedule: onceSched(),
		Status:   task.StatusActive,
		Channels: []string{"log"},
		Priority: 7,
	}
	tk.NextRunAt = time.Now().Add(-time.Minute)
	if err := f.store.Create(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := f.store.ClaimForProcessing(ctx, tk.ID); err != nil || !ok {
		t.Fatalf("claim = (%v, %v)", ok, err)
	}

	f.pool.Process(ctx, queue.Item{TaskID: tk.ID, Kind: tk.Kind}, f.rng)

	msgs := f.notif.messages()
	if len(msgs) != 1 || msgs[0].Priority != 7 {
		t.Fatalf("notifications = %+v, want one with priority 7", msgs)
	}
}

func TestProcessAutomationExecutesAndNotifies(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, 3, nil)
	ctx := context.Background()
	tk := f.claimed(t, task.KindAutomation, onceSched())

	f.pool.Process(ctx, queue.Item{TaskID: tk.ID, Kind: tk.Kind}, f.rng)

	if f.exec.callCount() != 1 {
		t.Fatalf("executor calls = %d, want 1", f.exec.callCount())
	}
	msgs := f.notif.messages()
	if len(msgs) != 1 || msgs[0].Text != "did the thing" {
		t.Fatalf("notifications = %+v", msgs)
	}
	got, _ := f.store.Get(ctx, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestProcessRecurringReschedules(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, 3, nil)
	ctx := context.Background()
	tk := f.claimed(t, task.KindPeriodic, dailySched())

	f.pool.Process(ctx, queue.Item{TaskID: tk.ID, Kind: tk.Kind}, f.rng)

	got, _ := f.store.Get(ctx, tk.ID)
	if got.Status != task.StatusActive {
		t.Fatalf("status = %s, want active again", got.Status)
	}
	if !got.NextRunAt.After(time.Now()) {
		t.Fatalf("next run %v not in the future", got.NextRunAt)
	}
}

func TestProcessRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryMax: 2}, 3, nil)
	f.exec.fail = 2
	ctx := context.Background()
	tk := f.claimed(t, task.KindAutomation, onceSched())

	f.pool.Process(ctx, queue.Item{TaskID: tk.ID, Kind: tk.Kind}, f.rng)

	if f.exec.callCount() != 3 {
		t.Fatalf("executor calls = %d, want 3 (2 failures + success)", f.exec.callCount())
	}
	got, _ := f.store.Get(ctx, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed after retries", got.Status)
	}
	if got.MissedCount != 0 {
		t.Fatalf("missed_count = %d, want 0 (retries within a cycle are not misses)", got.MissedCount)
	}
	runs, _ := f.store.ListRuns(ctx, tk.ID, 5)
	if len(runs) != 1 || runs[0].Attempts != 3 {
		t.Fatalf("runs = %+v, want one record with 3 attempts", runs)
	}
}

func TestProcessExhaustedCycleIsOneMiss(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryMax: 2}, 5, nil)
	f.exec.err = errors.New("model down")
	ctx := context.Background()
	tk := f.claimed(t, task.KindPeriodic, dailySched())

	f.pool.Process(ctx, queue.Item{TaskID: tk.ID, Kind: tk.Kind}, f.rng)

	got, _ := f.store.Get(ctx, tk.ID)
	if got.MissedCount != 1 {
		t.Fatalf("missed_count = %d, want exactly 1 per exhausted cycle", got.MissedCount)
	}
	// Recurring tasks go back on the schedule after a miss.
	if got.Status != task.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if !got.NextRunAt.After(time.Now()) {
		t.Fatalf("next run %v not rescheduled", got.NextRunAt)
	}
	runs, _ := f.store.ListRuns(ctx, tk.ID, 5)
	if len(runs) != 1 || runs[0].Outcome != task.OutcomeFailed || runs[0].Attempts != 3 {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestProcessOneOffFailureStaysFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryMax: -1}, 5, nil)
	f.exec.err = errors.New("model down")
	ctx := context.Background()
	tk := f.claimed(t, task.KindAutomation, onceSched())

	f.pool.Process(ctx, queue.Item{TaskID: tk.ID, Kind: tk.Kind}, f.rng)

	if f.exec.callCount() != 1 {
		t.Fatalf("executor calls = %d, want 1 with retries disabled", f.exec.callCount())
	}
	got, _ := f.store.Get(ctx, tk.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestProcessNoRetryShortCircuits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryMax: 3}, 5, nil)
	f.exec.err = NoRetry(errors.New("task context invalid"))
	ctx := context.Background()
	tk := f.claimed(t, task.KindAutomation, onceSched())

	f.pool.Process(ctx, queue.Item{TaskID: tk.ID, Kind: tk.Kind}, f.rng)

	if f.exec.callCount() != 1 {
		t.Fatalf("executor calls = %d, want 1 for a no-retry error", f.exec.callCount())
	}
	got, _ := f.store.Get(ctx, tk.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestProcessCancelledMidFlightDiscardsResult(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, 3, nil)
	ctx := context.Background()
	tk := f.claimed(t, task.KindReminder, onceSched())

	// Cancel lands after the claim but before (or during) execution.
	if err := f.store.Cancel(ctx, tk.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	fresh, _ := f.store.Get(ctx, tk.ID)

	f.pool.Process(ctx, queue.Item{TaskID: fresh.ID, Kind: fresh.Kind}, f.rng)

	got, _ := f.store.Get(ctx, tk.ID)
	if got.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled preserved", got.Status)
	}
	if len(f.notif.messages()) != 0 {
		t.Fatal("cancelled task still delivered a notification")
	}
}

type countingSegmenter struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSegmenter) Segment(ctx context.Context, parent task.Task, misses int) ([]task.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return make([]task.Task, 3), nil
}

func (c *countingSegmenter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestProcessEscalatesAtThreshold(t *testing.T) {
	t.Parallel()
	seg := &countingSegmenter{}
	f := newFixture(t, Config{RetryMax: -1}, 2, seg)
	f.exec.err = errors.New("always failing")
	ctx := context.Background()
	tk := f.claimed(t, task.KindPeriodic, dailySched())

	// First miss: below threshold, no segmentation.
	f.pool.Process(ctx, queue.Item{TaskID: tk.ID, Kind: tk.Kind}, f.rng)
	if seg.count() != 0 {
		t.Fatalf("segmenter called after 1 miss with threshold 2")
	}

	// Second miss crosses the threshold.
	if ok, err := f.store.ClaimForProcessing(ctx, tk.ID); err != nil || !ok {
		t.Fatalf("reclaim = (%v, %v)", ok, err)
	}
	f.pool.Process(ctx, queue.Item{TaskID: tk.ID, Kind: tk.Kind}, f.rng)
	if seg.count() != 1 {
		t.Fatalf("segmenter calls = %d, want 1 at threshold", seg.count())
	}
	got, _ := f.store.Get(ctx, tk.ID)
	if got.MissedCount != 2 {
		t.Fatalf("missed_count = %d, want 2", got.MissedCount)
	}
}

func TestPoolRegistersAsConsumer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, 3, nil)
	if err := f.pool.router.VerifyConsumers(); err != nil {
		t.Fatalf("VerifyConsumers after New: %v", err)
	}
}

func TestApplyChangesRetryTunables(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 1, RetryMax: -1}, 3, nil)

	// Retries were disabled; enable two retries and verify the attempt
	// budget follows. Pool size must stay fixed.
	f.pool.Apply(Config{Workers: 99, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond})

	cfg := f.pool.config()
	if cfg.RetryMax != 2 {
		t.Fatalf("RetryMax = %d after Apply", cfg.RetryMax)
	}
	if cfg.Workers != 1 {
		t.Fatalf("Workers = %d, Apply must not resize the pool", cfg.Workers)
	}

	f.exec.fail = 2
	tk := f.claimed(t, task.KindAutomation, onceSched())
	f.pool.Process(context.Background(), queue.Item{TaskID: tk.ID, Kind: tk.Kind}, f.rng)
	if got := f.exec.callCount(); got != 3 {
		t.Fatalf("executor calls = %d, want 3", got)
	}
}
