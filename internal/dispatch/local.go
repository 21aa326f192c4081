package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/chart-audit/internal/resilience"
)

// LocalRunner runs tasks on a fixed pool of in-process workers.
type LocalRunner struct {
	task  TaskFunc
	queue chan string

	mu     sync.Mutex
	live   map[string]TaskState
	closed bool

	g *errgroup.Group
}

// NewLocalRunner starts workers goroutines consuming a queue of queueSize.
// Tasks run with ctx's values but are never cancelled mid-flight.
func NewLocalRunner(ctx context.Context, task TaskFunc, workers, queueSize int) *LocalRunner {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	r := &LocalRunner{
		task:  task,
		queue: make(chan string, queueSize),
		live:  make(map[string]TaskState),
		g:     &errgroup.Group{},
	}
	taskCtx := context.WithoutCancel(ctx)
	for range workers {
		r.g.Go(func() error {
			r.work(taskCtx)
			return nil
		})
	}
	return r
}

// Submit queues reportID. It returns false when a task for it is already
// queued or running.
func (r *LocalRunner) Submit(_ context.Context, reportID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, ErrRunnerClosed
	}
	if r.live[reportID].Live() {
		return false, nil
	}

	select {
	case r.queue <- reportID:
		r.live[reportID] = TaskQueued
		return true, nil
	default:
		return false, resilience.Transient(ErrQueueFull)
	}
}

// Status returns TaskNone once a task has finished; the local runner keeps
// no history.
func (r *LocalRunner) Status(_ context.Context, reportID string) (TaskState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.live[reportID]; ok {
		return s, nil
	}
	return TaskNone, nil
}

// Close stops accepting tasks and waits for queued ones to finish.
func (r *LocalRunner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	return r.g.Wait()
}

func (r *LocalRunner) work(ctx context.Context) {
	for id := range r.queue {
		r.setState(id, TaskRunning)
		r.run(ctx, id)
		r.setState(id, TaskNone)
	}
}

func (r *LocalRunner) run(ctx context.Context, id string) {
	defer func() {
		if p := recover(); p != nil {
			zap.L().Error("dispatch: task panicked", zap.String("report_id", id), zap.Any("panic", p))
		}
	}()
	if err := r.task(ctx, id); err != nil {
		zap.L().Warn("dispatch: task finished with error",
			zap.String("report_id", id),
			zap.String("kind", string(resilience.KindOf(err))),
		)
	}
}

func (r *LocalRunner) setState(id string, s TaskState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s == TaskNone {
		delete(r.live, id)
		return
	}
	r.live[id] = s
}
