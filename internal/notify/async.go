package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/chart-audit/internal/model"
)

// Defaults for NewAsync.
const (
	DefaultAsyncBuffer  = 256
	DefaultAsyncTimeout = 15 * time.Second
)

type delivery struct {
	ctx      context.Context
	reportID string
	snap     model.StatusSnapshot
}

// Async hands snapshots to a single background goroutine so a slow sink
// never blocks the caller. Delivery order is preserved. When the buffer is
// full the snapshot is dropped and logged.
type Async struct {
	next    Notifier
	timeout time.Duration
	queue   chan delivery
	done    chan struct{}

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
}

// NewAsync starts the delivery goroutine. Zero buffer or timeout use the
// defaults. Callers must Close the returned Async.
func NewAsync(next Notifier, buffer int, timeout time.Duration) *Async {
	if buffer <= 0 {
		buffer = DefaultAsyncBuffer
	}
	if timeout <= 0 {
		timeout = DefaultAsyncTimeout
	}
	a := &Async{
		next:    next,
		timeout: timeout,
		queue:   make(chan delivery, buffer),
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

// Notify implements Notifier. It never blocks.
func (a *Async) Notify(ctx context.Context, reportID string, snap model.StatusSnapshot) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		zap.L().Warn("notify: async notifier closed, snapshot dropped", zap.String("report_id", reportID))
		return
	}

	a.pending.Add(1)
	select {
	case a.queue <- delivery{ctx: context.WithoutCancel(ctx), reportID: reportID, snap: snap}:
	default:
		a.pending.Done()
		zap.L().Warn("notify: buffer full, snapshot dropped",
			zap.String("report_id", reportID),
			zap.String("status", string(snap.Status)),
		)
	}
}

func (a *Async) loop() {
	defer close(a.done)
	for d := range a.queue {
		ctx, cancel := context.WithTimeout(d.ctx, a.timeout)
		Safe(ctx, a.next, d.reportID, d.snap)
		cancel()
		a.pending.Done()
	}
}

// Flush blocks until every accepted snapshot has been delivered.
func (a *Async) Flush() {
	a.pending.Wait()
}

// Close stops accepting snapshots and waits for queued ones to drain.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return nil
}
