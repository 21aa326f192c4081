// Package notify fans report status changes out to subscribers. Delivery is
// best-effort: failures are logged and never reach the pipeline.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/chart-audit/internal/model"
)

// Notifier receives a snapshot after every status or progress write.
type Notifier interface {
	Notify(ctx context.Context, reportID string, snap model.StatusSnapshot)
}

// Nop discards every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, string, model.StatusSnapshot) {}

// Multi delivers to each notifier in order. A panic in one does not stop
// the rest.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, reportID string, snap model.StatusSnapshot) {
	for _, n := range m {
		Safe(ctx, n, reportID, snap)
	}
}

// Safe calls n and recovers from any panic it raises.
func Safe(ctx context.Context, n Notifier, reportID string, snap model.StatusSnapshot) {
	if n == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("notify: notifier panicked",
				zap.String("report_id", reportID),
				zap.String("notifier", fmt.Sprintf("%T", n)),
				zap.Any("panic", r),
			)
		}
	}()
	n.Notify(ctx, reportID, snap)
}

// New combines the given notifiers, dropping nils. It returns Nop when none
// remain.
func New(ns ...Notifier) Notifier {
	var out Multi
	for _, n := range ns {
		if n != nil {
			out = append(out, n)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	}
	return out
}
