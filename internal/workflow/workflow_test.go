package workflow

import (
	"errors"
	"testing"
	"time"

	logx "taskmind/pkg/logx"
)

func newManager(cfg Config) *Manager {
	return NewManager(cfg, logx.Nop())
}

func TestAddAndSnapshot(t *testing.T) {
	t.Parallel()
	m := newManager(Config{})

	a, err := m.Add("conv1", "research topic", "  need sources before drafting ")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	b, err := m.Add("conv1", "write draft", "", a.ID)
	if err != nil {
		t.Fatalf("Add with dep: %v", err)
	}

	steps, ok := m.Snapshot("conv1")
	if !ok || len(steps) != 2 {
		t.Fatalf("Snapshot = (%v, %v)", steps, ok)
	}
	if steps[0].ID != a.ID || steps[1].ID != b.ID {
		t.Fatal("snapshot not in creation order")
	}
	if len(steps[1].DependsOn) != 1 || steps[1].DependsOn[0] != a.ID {
		t.Fatalf("dependency lost: %+v", steps[1])
	}
	if steps[0].Rationale != "need sources before drafting" {
		t.Fatalf("Rationale = %q, want it stored trimmed", steps[0].Rationale)
	}
	if steps[1].Rationale != "" {
		t.Fatalf("empty rationale stored as %q", steps[1].Rationale)
	}

	if _, ok := m.Snapshot("other"); ok {
		t.Fatal("snapshot of unknown conversation reported ok")
	}
}

func TestAddUnknownDependency(t *testing.T) {
	t.Parallel()
	m := newManager(Config{})
	if _, err := m.Add("c", "step", "", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Add = %v, want ErrNotFound", err)
	}
}

func TestDepthLimit(t *testing.T) {
	t.Parallel()
	m := newManager(Config{MaxDepth: 3})

	a, _ := m.Add("c", "one", "")
	b, _ := m.Add("c", "two", "", a.ID)
	c, err := m.Add("c", "three", "", b.ID)
	if err != nil {
		t.Fatalf("depth 3 rejected: %v", err)
	}
	if _, err := m.Add("c", "four", "", c.ID); !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("depth 4 = %v, want ErrDepthExceeded", err)
	}

	// A wide graph is fine, only chains count.
	if _, err := m.Add("c", "parallel", "", a.ID); err != nil {
		t.Fatalf("wide add: %v", err)
	}
}

func TestAddDependencyCycleRejected(t *testing.T) {
	t.Parallel()
	m := newManager(Config{})

	a, _ := m.Add("c", "a", "")
	b, _ := m.Add("c", "b", "", a.ID)
	c, _ := m.Add("c", "c", "", b.ID)

	if err := m.AddDependency("c", a.ID, c.ID); !errors.Is(err, ErrCycle) {
		t.Fatalf("closing the loop = %v, want ErrCycle", err)
	}
	if err := m.AddDependency("c", a.ID, a.ID); !errors.Is(err, ErrCycle) {
		t.Fatalf("self edge = %v, want ErrCycle", err)
	}

	// Graph unchanged after rejections.
	steps, _ := m.Snapshot("c")
	if len(steps[0].DependsOn) != 0 {
		t.Fatalf("rejected edge persisted: %+v", steps[0])
	}
}

func TestAddDependencyDepthRejected(t *testing.T) {
	t.Parallel()
	m := newManager(Config{MaxDepth: 2})

	a, _ := m.Add("c", "a", "")
	b, _ := m.Add("c", "b", "", a.ID)
	c, _ := m.Add("c", "c", "")

	if err := m.AddDependency("c", c.ID, b.ID); !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("deepening edge = %v, want ErrDepthExceeded", err)
	}
}

func TestStartEnforcesDependencies(t *testing.T) {
	t.Parallel()
	m := newManager(Config{})

	a, _ := m.Add("c", "first", "")
	b, _ := m.Add("c", "second", "", a.ID)

	if err := m.Start("c", b.ID); !errors.Is(err, ErrDependencyIncomplete) {
		t.Fatalf("Start before dep = %v, want ErrDependencyIncomplete", err)
	}
	if err := m.Start("c", a.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Complete("c", a.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := m.Start("c", b.ID); err != nil {
		t.Fatalf("Start after dep completed: %v", err)
	}
}

func TestStartSingleInProgress(t *testing.T) {
	t.Parallel()
	m := newManager(Config{})

	a, _ := m.Add("c", "a", "")
	b, _ := m.Add("c", "b", "")

	if err := m.Start("c", a.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start("c", b.ID); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start = %v, want ErrBusy", err)
	}
	// Starting the same step again is a no-op, not a conflict.
	if err := m.Start("c", a.ID); err != nil {
		t.Fatalf("re-Start same step: %v", err)
	}

	// Different conversations don't interfere.
	x, _ := m.Add("other", "x", "")
	if err := m.Start("other", x.ID); err != nil {
		t.Fatalf("Start in other conversation: %v", err)
	}

	if err := m.Complete("c", a.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := m.Start("c", b.ID); err != nil {
		t.Fatalf("Start after completion: %v", err)
	}
}

func TestCancelFreesInProgressSlot(t *testing.T) {
	t.Parallel()
	m := newManager(Config{})

	a, _ := m.Add("c", "a", "")
	b, _ := m.Add("c", "b", "")

	if err := m.Start("c", a.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Cancel("c", a.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := m.Start("c", b.ID); err != nil {
		t.Fatalf("Start after cancelling in-progress step: %v", err)
	}
}

func TestCancelTerminal(t *testing.T) {
	t.Parallel()
	m := newManager(Config{})

	a, _ := m.Add("c", "a", "")
	if err := m.Cancel("c", a.ID); err != nil {
		t.Fatalf("Cancel pending: %v", err)
	}
	// Cancelling again is a no-op.
	if err := m.Cancel("c", a.ID); err != nil {
		t.Fatalf("re-Cancel: %v", err)
	}
	if err := m.Start("c", a.ID); err == nil {
		t.Fatal("Start on cancelled step succeeded")
	}
	if err := m.Complete("c", a.ID); err == nil {
		t.Fatal("Complete on cancelled step succeeded")
	}

	steps, _ := m.Snapshot("c")
	if steps[0].Status != StepCancelled {
		t.Fatalf("Status = %q, want %q", steps[0].Status, StepCancelled)
	}
}

func TestCancelCompletedRejected(t *testing.T) {
	t.Parallel()
	m := newManager(Config{})

	a, _ := m.Add("c", "a", "")
	_ = m.Start("c", a.ID)
	_ = m.Complete("c", a.ID)

	if err := m.Cancel("c", a.ID); err == nil {
		t.Fatal("Cancel of completed step succeeded")
	}
	if err := m.Cancel("c", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel unknown step = %v, want ErrNotFound", err)
	}
	if err := m.Cancel("other", a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel unknown conversation = %v, want ErrNotFound", err)
	}
}

func TestCancelledDependencyNeverReady(t *testing.T) {
	t.Parallel()
	m := newManager(Config{})

	a, _ := m.Add("c", "a", "")
	b, _ := m.Add("c", "b", "", a.ID)

	if err := m.Cancel("c", a.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	for _, s := range m.Ready("c") {
		if s.ID == b.ID {
			t.Fatal("dependent of cancelled step reported ready")
		}
	}
	if err := m.Start("c", b.ID); !errors.Is(err, ErrDependencyIncomplete) {
		t.Fatalf("Start dependent of cancelled step = %v, want ErrDependencyIncomplete", err)
	}
}

func TestReadyCreationOrder(t *testing.T) {
	t.Parallel()
	m := newManager(Config{})

	a, _ := m.Add("c", "a", "")
	b, _ := m.Add("c", "b", "")
	c, _ := m.Add("c", "c", "", a.ID)

	ready := m.Ready("c")
	if len(ready) != 2 || ready[0].ID != a.ID || ready[1].ID != b.ID {
		t.Fatalf("Ready = %+v, want [a b]", ready)
	}

	_ = m.Start("c", a.ID)
	_ = m.Complete("c", a.ID)

	ready = m.Ready("c")
	if len(ready) != 2 || ready[0].ID != b.ID || ready[1].ID != c.ID {
		t.Fatalf("Ready after completing a = %+v, want [b c]", ready)
	}
}

func TestSweepExpiresIdleConversations(t *testing.T) {
	t.Parallel()
	m := newManager(Config{IdleTTL: time.Hour})

	base := time.Now()
	m.now = func() time.Time { return base }
	if _, err := m.Add("stale", "step", ""); err != nil {
		t.Fatalf("Add: %v", err)
	}

	m.now = func() time.Time { return base.Add(30 * time.Minute) }
	if _, err := m.Add("fresh", "step", ""); err != nil {
		t.Fatalf("Add: %v", err)
	}

	m.now = func() time.Time { return base.Add(61 * time.Minute) }
	if removed := m.Sweep(); removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if _, ok := m.Snapshot("stale"); ok {
		t.Fatal("stale conversation survived the sweep")
	}
	if _, ok := m.Snapshot("fresh"); !ok {
		t.Fatal("fresh conversation expired prematurely")
	}
}

func TestActivityResetsIdleClock(t *testing.T) {
	t.Parallel()
	m := newManager(Config{IdleTTL: time.Hour})

	base := time.Now()
	m.now = func() time.Time { return base }
	if _, err := m.Add("c", "step", ""); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A read 50 minutes in counts as activity.
	m.now = func() time.Time { return base.Add(50 * time.Minute) }
	m.Ready("c")

	m.now = func() time.Time { return base.Add(70 * time.Minute) }
	if removed := m.Sweep(); removed != 0 {
		t.Fatalf("Sweep removed %d, want 0 after recent activity", removed)
	}
}
