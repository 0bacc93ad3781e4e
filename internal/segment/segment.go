// Package segment breaks a repeatedly missed task into smaller child tasks.
// The model proposes the split, this package validates it, divides the
// parent's remaining time budget across the children and commits everything
// in one store transaction.
package segment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"taskmind/internal/eventbus"
	"taskmind/internal/llm"
	"taskmind/internal/task"
	logx "taskmind/pkg/logx"
)

// ErrRejected is returned when the model's proposal cannot be used and the
// parent is left untouched.
var ErrRejected = errors.New("segmentation rejected")

// Config bounds the split.
type Config struct {
	MinChildren int `json:"min_children"`
	MaxChildren int `json:"max_children"`
	// FallbackWindow spreads children over this span when the parent's
	// deadline already passed.
	FallbackWindow time.Duration `json:"-"`
}

func (c Config) withDefaults() Config {
	if c.MinChildren <= 0 {
		c.MinChildren = 3
	}
	if c.MaxChildren <= 0 {
		c.MaxChildren = 5
	}
	if c.FallbackWindow <= 0 {
		c.FallbackWindow = 24 * time.Hour
	}
	return c
}

// Service performs segmentation. Safe for concurrent use; concurrent calls
// for the same parent resolve through the store's one-way segmented flag.
type Service struct {
	cfg   Config
	store task.Store
	exec  llm.Executor
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func New(cfg Config, store task.Store, exec llm.Executor, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		store: store,
		exec:  exec,
		bus:   bus,
		log:   log,
		now:   time.Now,
	}
}

// Segment decomposes the parent and persists the children atomically. On any
// error nothing is committed and the parent keeps accumulating misses.
func (s *Service) Segment(ctx context.Context, parent task.Task, misses int) ([]task.Task, error) {
	if parent.Segmented {
		return nil, task.ErrAlreadySegmented
	}

	subs, err := s.exec.Decompose(ctx, llm.DecomposeRequest{
		Task: llm.TaskContext{
			TaskID:      parent.ID,
			UserID:      parent.UserID,
			Title:       parent.Title,
			Description: parent.Description,
			Context:     parent.Context,
		},
		Min:    s.cfg.MinChildren,
		Max:    s.cfg.MaxChildren,
		Misses: misses,
	})
	if err != nil {
		var pe *llm.ParseError
		if errors.As(err, &pe) {
			return nil, fmt.Errorf("%w: %s", ErrRejected, pe.Reason)
		}
		return nil, fmt.Errorf("segment %s: %w", parent.ID, err)
	}
	if n := len(subs); n < s.cfg.MinChildren || n > s.cfg.MaxChildren {
		return nil, fmt.Errorf("%w: got %d subtasks, want %d..%d", ErrRejected, n, s.cfg.MinChildren, s.cfg.MaxChildren)
	}

	children := s.buildChildren(parent, subs)
	ptrs := make([]*task.Task, len(children))
	for i := range children {
		ptrs[i] = &children[i]
	}
	if err := s.store.Segment(ctx, parent.ID, ptrs); err != nil {
		return nil, err
	}

	s.log.Info("task segmented",
		logx.String("task_id", parent.ID),
		logx.String("user_id", parent.UserID),
		logx.Int("children", len(children)),
		logx.Int("misses", misses))
	if s.bus != nil {
		now := s.now()
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskSegmented, Time: now, Data: Event{
			ParentID: parent.ID,
			UserID:   parent.UserID,
			Children: len(children),
			At:       now,
		}})
	}
	return children, nil
}

// buildChildren turns subtasks into one-off child tasks whose due times
// divide the parent's remaining window evenly. A parent already past its
// deadline gets the fallback window instead, so children stay actionable.
func (s *Service) buildChildren(parent task.Task, subs []llm.Subtask) []task.Task {
	// The model's explicit sequencing decides which child gets the earliest
	// slot; absent orders (all zero) keep proposal order.
	subs = append([]llm.Subtask(nil), subs...)
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].RelativeOrder < subs[j].RelativeOrder })

	now := s.now()
	window := s.cfg.FallbackWindow
	if !parent.NextRunAt.IsZero() {
		if remaining := parent.NextRunAt.Sub(now); remaining > 0 {
			window = remaining
		}
	}

	// Children are always one-off; a periodic parent yields plain automations.
	kind := parent.Kind
	if kind == task.KindPeriodic {
		kind = task.KindAutomation
	}

	n := len(subs)
	children := make([]task.Task, 0, n)
	for i, sub := range subs {
		due := now.Add(window * time.Duration(i+1) / time.Duration(n))
		ctx := sub.Context
		if ctx == "" {
			ctx = parent.Context
		}
		children = append(children, task.Task{
			UserID:      parent.UserID,
			Title:       sub.Title,
			Description: sub.Description,
			Kind:        kind,
			Schedule:    task.Schedule{Kind: task.ScheduleOnce, At: due},
			NextRunAt:   due,
			Status:      task.StatusActive,
			ParentID:    parent.ID,
			Context:     ctx,
			Channels:    append([]string(nil), parent.Channels...),
			Priority:    sub.SuggestedPriority,
		})
	}
	return children
}

// Event is the bus payload for a committed segmentation.
type Event struct {
	ParentID string    `json:"parent_task_id"`
	UserID   string    `json:"user_id"`
	Children int       `json:"children"`
	At       time.Time `json:"at"`
}
