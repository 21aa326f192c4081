// Package dispatch hands reports to a task runner and owns the explicit
// retry and stale-report reaping operations.
package dispatch

import (
	"context"

	"github.com/rotisserie/eris"
)

// TaskState is a runner's view of a report's task.
type TaskState string

const (
	TaskNone    TaskState = "none"
	TaskQueued  TaskState = "queued"
	TaskRunning TaskState = "running"
	TaskDone    TaskState = "done"
)

// Live reports whether a task in this state blocks a new submission.
func (s TaskState) Live() bool {
	return s == TaskQueued || s == TaskRunning
}

// TaskFunc processes one report.
type TaskFunc func(ctx context.Context, reportID string) error

// Runner executes report tasks. At most one task per report is live at a
// time; Submit returns false when one already is.
type Runner interface {
	Submit(ctx context.Context, reportID string) (bool, error)
	Status(ctx context.Context, reportID string) (TaskState, error)
	Close() error
}

var (
	// ErrRunnerClosed is returned by Submit after Close.
	ErrRunnerClosed = eris.New("dispatch: runner closed")
	// ErrQueueFull is returned when the local queue has no room.
	ErrQueueFull = eris.New("dispatch: queue full")
)
