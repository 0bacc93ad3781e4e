// Package llm abstracts the AI side of task execution: running a task's
// context through a model and decomposing an oversized task into subtasks.
package llm

import (
	"context"
	"fmt"
)

// TaskContext is what the executor sees of a task. Free-form Context travels
// verbatim into the prompt.
type TaskContext struct {
	TaskID      string
	UserID      string
	Title       string
	Description string
	Context     string
}

// Result is the outcome of executing a task.
type Result struct {
	// Summary is a short human-readable account of what was done, suitable
	// for a notification message and the run history.
	Summary string
	// Output is the full model response.
	Output string
}

// DecomposeRequest asks for a task to be split into smaller steps.
type DecomposeRequest struct {
	Task TaskContext
	// Min and Max bound how many subtasks are acceptable.
	Min, Max int
	// Misses is how many consecutive due cycles the task has failed,
	// included in the prompt so the model knows why it is splitting.
	Misses int
}

// Subtask is one proposed piece of a decomposed task.
type Subtask struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Context     string `json:"context"`
	// RelativeOrder is the model's explicit sequencing; it wins over array
	// position. Zero means the model gave none.
	RelativeOrder int `json:"relative_order"`
	// SuggestedPriority carries into the child task's notification priority.
	SuggestedPriority int `json:"suggested_priority"`
}

// Executor runs tasks through a model.
type Executor interface {
	// Execute performs the task and returns a result. Errors are retryable
	// unless wrapped otherwise by the caller's retry policy.
	Execute(ctx context.Context, tc TaskContext) (Result, error)
	// Decompose proposes between req.Min and req.Max subtasks. A response
	// the model produced but that cannot be used returns a *ParseError.
	Decompose(ctx context.Context, req DecomposeRequest) ([]Subtask, error)
}

// ParseError reports a model response that came back but was unusable. It is
// distinct from transport errors so callers can decide not to retry: the
// model answered, it just answered badly.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unusable model response: %s", e.Reason)
}
