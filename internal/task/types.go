package task

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind classifies what a scheduled task does when it fires.
type Kind string

const (
	// KindReminder delivers a notification to the user, nothing else.
	KindReminder Kind = "reminder"
	// KindAutomation runs the AI executor with the task's context.
	KindAutomation Kind = "automation"
	// KindPeriodic is a recurring automation (reports, digests, checks).
	KindPeriodic Kind = "periodic"
)

func (k Kind) Valid() bool {
	switch k {
	case KindReminder, KindAutomation, KindPeriodic:
		return true
	}
	return false
}

// Status is the lifecycle state of a scheduled task.
//
// Pipeline ownership: the trigger owns active→processing (CAS), the worker
// owns processing→{completed,failed,active}, escalation owns missed_count.
// paused/cancelled are administrative.
type Status string

const (
	StatusActive     Status = "active"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPaused     Status = "paused"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status freezes the task (no further
// escalation or scheduling).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Task is a durable unit of deferred work owned by a user.
type Task struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Kind        Kind   `json:"kind"`

	Schedule  Schedule  `json:"schedule"`
	NextRunAt time.Time `json:"next_run_at,omitempty"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`

	Status Status `json:"status"`

	// Escalation state. MissedCount only grows while the task is not
	// terminal; Segmented is a one-way flag that excludes the task from
	// due scans forever (its children carry the work from then on).
	MissedCount  int       `json:"missed_count"`
	LastMissedAt time.Time `json:"last_missed_at,omitempty"`
	Segmented    bool      `json:"is_segmented"`
	ParentID     string    `json:"parent_task_id,omitempty"`

	// Context is free text handed to the AI executor verbatim.
	Context  string   `json:"context,omitempty"`
	Channels []string `json:"notification_channels,omitempty"`
	// Priority orders notifications for this task; higher is more urgent.
	// Segmentation seeds it from the model's suggested_priority.
	Priority int `json:"priority,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Recurring reports whether the task reschedules itself after a successful run.
func (t *Task) Recurring() bool { return t.Schedule.Kind != ScheduleOnce }

// Validate checks the fields a caller controls at creation time.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.UserID) == "" {
		return errors.New("task user_id is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return errors.New("task title is required")
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("invalid task kind %q", t.Kind)
	}
	return t.Schedule.Validate()
}

// RunRecord is one immutable entry in a task's run history.
type RunRecord struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"` // "completed" | "failed" | "cancelled"
	Summary    string    `json:"summary,omitempty"`
	Attempts   int       `json:"attempts"`
}

// Run outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
