// Package workflow tracks multi-step work inside one conversation: a small
// dependency graph of steps where only one step may be in progress at a
// time and a step cannot start before everything it depends on completed.
// Graphs are session-scoped and in memory; an idle conversation expires.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "taskmind/pkg/logx"
)

var (
	ErrNotFound = errors.New("workflow step not found")
	// ErrCycle is returned when a dependency edge would make the graph cyclic.
	ErrCycle = errors.New("dependency cycle")
	// ErrDepthExceeded is returned when a step's dependency chain would grow
	// past the configured maximum.
	ErrDepthExceeded = errors.New("dependency chain too deep")
	// ErrDependencyIncomplete is returned by Start while a dependency is not
	// completed yet.
	ErrDependencyIncomplete = errors.New("dependency not completed")
	// ErrBusy is returned by Start while another step of the same
	// conversation is in progress.
	ErrBusy = errors.New("another step is in progress")
)

// StepStatus is the lifecycle of one workflow step. completed and cancelled
// are terminal.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepCancelled  StepStatus = "cancelled"
)

// Step is one node of a conversation's graph.
type Step struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	// Rationale is why the step exists, kept alongside the title so a
	// snapshot reads as a plan and not just a checklist.
	Rationale string     `json:"rationale,omitempty"`
	DependsOn []string   `json:"depends_on,omitempty"`
	Status    StepStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`

	seq int
}

// Config tunes the graphs.
type Config struct {
	// MaxDepth caps the longest dependency chain, the step itself included.
	MaxDepth int `json:"max_depth"`
	// IdleTTL expires a conversation untouched for this long.
	IdleTTL time.Duration `json:"-"`
	// SweepInterval is how often the janitor looks for idle conversations.
	SweepInterval time.Duration `json:"-"`
}

func (c Config) withDefaults() Config {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 6
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
	return c
}

type conversation struct {
	steps      map[string]*Step
	order      []string // ids in creation order
	inProgress string   // id, empty when none
	lastActive time.Time
	nextSeq    int
}

// Manager owns all conversation graphs. Safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	convs map[string]*conversation
	cfg   Config
	log   logx.Logger
	now   func() time.Time
}

func NewManager(cfg Config, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		convs: make(map[string]*conversation),
		cfg:   cfg.withDefaults(),
		log:   log,
		now:   time.Now,
	}
}

// Add creates a pending step. Every dependency must already exist in the
// same conversation, which keeps the graph acyclic by construction; the
// depth cap is enforced here so oversized chains fail at creation, not at
// execution.
func (m *Manager) Add(convID, title, rationale string, dependsOn ...string) (Step, error) {
	if strings.TrimSpace(title) == "" {
		return Step{}, errors.New("workflow step title is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.convs[convID]
	if c == nil {
		c = &conversation{steps: make(map[string]*Step)}
		m.convs[convID] = c
	}
	c.lastActive = m.now()

	for _, dep := range dependsOn {
		if _, ok := c.steps[dep]; !ok {
			return Step{}, fmt.Errorf("%w: dependency %s", ErrNotFound, dep)
		}
	}
	depth := 1
	for _, dep := range dependsOn {
		if d := m.depthLocked(c, dep, nil); d+1 > depth {
			depth = d + 1
		}
	}
	if depth > m.cfg.MaxDepth {
		return Step{}, fmt.Errorf("%w: depth %d exceeds %d", ErrDepthExceeded, depth, m.cfg.MaxDepth)
	}

	s := &Step{
		ID:        uuid.NewString(),
		Title:     title,
		Rationale: strings.TrimSpace(rationale),
		DependsOn: append([]string(nil), dependsOn...),
		Status:    StepPending,
		CreatedAt: m.now(),
		seq:       c.nextSeq,
	}
	c.nextSeq++
	c.steps[s.ID] = s
	c.order = append(c.order, s.ID)
	return *s, nil
}

// AddDependency links an existing step onto another. Unlike Add, this can
// close a loop, so the edge is checked for cycles and depth before it lands.
func (m *Manager) AddDependency(convID, stepID, dependsOn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.convs[convID]
	if c == nil {
		return ErrNotFound
	}
	c.lastActive = m.now()

	s, ok := c.steps[stepID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, stepID)
	}
	if _, ok := c.steps[dependsOn]; !ok {
		return fmt.Errorf("%w: dependency %s", ErrNotFound, dependsOn)
	}
	if stepID == dependsOn || m.reachableLocked(c, dependsOn, stepID) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, stepID, dependsOn)
	}
	for _, existing := range s.DependsOn {
		if existing == dependsOn {
			return nil
		}
	}

	s.DependsOn = append(s.DependsOn, dependsOn)
	// The new edge may deepen every chain running through this step.
	if d := m.maxChainLocked(c); d > m.cfg.MaxDepth {
		s.DependsOn = s.DependsOn[:len(s.DependsOn)-1]
		return fmt.Errorf("%w: depth %d exceeds %d", ErrDepthExceeded, d, m.cfg.MaxDepth)
	}
	return nil
}

// Start transitions a pending step to in progress. One step per
// conversation at a time, dependencies first.
func (m *Manager) Start(convID, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.convs[convID]
	if c == nil {
		return ErrNotFound
	}
	c.lastActive = m.now()

	s, ok := c.steps[stepID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, stepID)
	}
	if s.Status == StepInProgress {
		return nil
	}
	if s.Status == StepCompleted {
		return fmt.Errorf("step %s already completed", stepID)
	}
	if s.Status == StepCancelled {
		return fmt.Errorf("step %s is cancelled", stepID)
	}
	if c.inProgress != "" {
		return fmt.Errorf("%w: %s", ErrBusy, c.inProgress)
	}
	for _, dep := range s.DependsOn {
		if d, ok := c.steps[dep]; !ok || d.Status != StepCompleted {
			return fmt.Errorf("%w: %s", ErrDependencyIncomplete, dep)
		}
	}

	s.Status = StepInProgress
	c.inProgress = stepID
	return nil
}

// Complete finishes the in-progress (or a pending) step.
func (m *Manager) Complete(convID, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.convs[convID]
	if c == nil {
		return ErrNotFound
	}
	c.lastActive = m.now()

	s, ok := c.steps[stepID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, stepID)
	}
	if s.Status == StepCompleted {
		return nil
	}
	if s.Status == StepCancelled {
		return fmt.Errorf("step %s is cancelled", stepID)
	}
	s.Status = StepCompleted
	if c.inProgress == stepID {
		c.inProgress = ""
	}
	return nil
}

// Cancel abandons a pending or in-progress step. Terminal: a cancelled step
// never starts or completes, and anything depending on it never becomes
// ready. Cancelling the in-progress step frees the conversation's slot.
func (m *Manager) Cancel(convID, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.convs[convID]
	if c == nil {
		return ErrNotFound
	}
	c.lastActive = m.now()

	s, ok := c.steps[stepID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, stepID)
	}
	if s.Status == StepCancelled {
		return nil
	}
	if s.Status == StepCompleted {
		return fmt.Errorf("step %s already completed", stepID)
	}
	s.Status = StepCancelled
	if c.inProgress == stepID {
		c.inProgress = ""
	}
	return nil
}

// Ready lists pending steps whose dependencies all completed, in creation
// order, so callers can offer "what's next" deterministically.
func (m *Manager) Ready(convID string) []Step {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.convs[convID]
	if c == nil {
		return nil
	}
	c.lastActive = m.now()

	var out []Step
	for _, id := range c.order {
		s := c.steps[id]
		if s.Status != StepPending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if d, ok := c.steps[dep]; !ok || d.Status != StepCompleted {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, *s)
		}
	}
	return out
}

// Snapshot returns every step of the conversation in creation order.
func (m *Manager) Snapshot(convID string) ([]Step, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.convs[convID]
	if c == nil {
		return nil, false
	}
	out := make([]Step, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.steps[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, true
}

// Conversations reports how many graphs are live.
func (m *Manager) Conversations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}

// Run sweeps idle conversations until ctx is done. Meant to be supervised.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep drops every conversation idle past the TTL.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, c := range m.convs {
		if now.Sub(c.lastActive) >= m.cfg.IdleTTL {
			delete(m.convs, id)
			removed++
		}
	}
	if removed > 0 {
		m.log.Debug("expired idle workflows", logx.Int("count", removed))
	}
	return removed
}

// depthLocked returns the longest chain ending at id, id included.
func (m *Manager) depthLocked(c *conversation, id string, seen map[string]bool) int {
	if seen == nil {
		seen = make(map[string]bool)
	}
	if seen[id] {
		return 0
	}
	seen[id] = true
	s, ok := c.steps[id]
	if !ok {
		return 0
	}
	depth := 1
	for _, dep := range s.DependsOn {
		if d := m.depthLocked(c, dep, seen) + 1; d > depth {
			depth = d
		}
	}
	delete(seen, id)
	return depth
}

func (m *Manager) maxChainLocked(c *conversation) int {
	max := 0
	for id := range c.steps {
		if d := m.depthLocked(c, id, nil); d > max {
			max = d
		}
	}
	return max
}

// reachableLocked reports whether target is reachable from start following
// dependency edges.
func (m *Manager) reachableLocked(c *conversation, start, target string) bool {
	if start == target {
		return true
	}
	stack := []string{start}
	seen := map[string]bool{}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		s, ok := c.steps[id]
		if !ok {
			continue
		}
		for _, dep := range s.DependsOn {
			if dep == target {
				return true
			}
			stack = append(stack, dep)
		}
	}
	return false
}
