package task

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrAlreadySegmented is returned by Segment when the parent was
	// segmented by a concurrent call; nothing is committed.
	ErrAlreadySegmented = errors.New("task already segmented")
)

// Filter narrows ListByUser.
type Filter struct {
	Status   Status
	Kind     Kind
	ParentID string
	Limit    int
}

// Store is the persistence contract for scheduled tasks and their run
// history. All writes are last-write-wins on the row; the one exception is
// ClaimForProcessing, a compare-and-swap used by the trigger so concurrent
// scan cycles never enqueue the same due event twice.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (Task, error)

	// ListDue returns active, non-segmented tasks with next_run_at <= before,
	// oldest due first.
	ListDue(ctx context.Context, before time.Time, limit int) ([]Task, error)
	ListByUser(ctx context.Context, userID string, f Filter) ([]Task, error)
	ListChildren(ctx context.Context, parentID string) ([]Task, error)

	// ClaimForProcessing performs the conditional active→processing
	// transition. It reports false (and no error) when another instance
	// already claimed the task.
	ClaimForProcessing(ctx context.Context, id string) (bool, error)
	// ReleaseToActive undoes a claim whose publish failed, so the task is
	// picked up again on the next scan.
	ReleaseToActive(ctx context.Context, id string) error

	// RecordSuccess finishes a processing task. A zero nextRun means the
	// task is one-off and becomes completed; otherwise it returns to active
	// with the given next run. Both reset missed_count. Reports false when
	// the task was no longer processing (e.g. cancelled mid-flight), in
	// which case nothing is written.
	RecordSuccess(ctx context.Context, id string, at, nextRun time.Time) (bool, error)
	// RecordFailure moves a processing task to failed. Same cancellation
	// semantics as RecordSuccess.
	RecordFailure(ctx context.Context, id string, at time.Time) (bool, error)

	// RecordMiss bumps missed_count and last_missed_at unless the task is
	// terminal. Returns the new count.
	RecordMiss(ctx context.Context, id string, at time.Time) (int, error)
	// Reactivate puts a non-terminal task back on the schedule.
	Reactivate(ctx context.Context, id string, nextRun time.Time) error

	Pause(ctx context.Context, id string) error
	// Cancel marks a non-terminal task cancelled. In-flight executions are
	// not interrupted; the worker discards their result on completion.
	Cancel(ctx context.Context, id string) error

	// Segment atomically inserts the children and flags the parent in one
	// transaction. Either everything is visible or nothing is.
	Segment(ctx context.Context, parentID string, children []*Task) error

	AppendRun(ctx context.Context, r RunRecord) error
	ListRuns(ctx context.Context, taskID string, limit int) ([]RunRecord, error)

	Close() error
}
