package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chart-audit/internal/model"
)

type blockingNotifier struct {
	release chan struct{}
	rec     recorder
}

func (b *blockingNotifier) Notify(ctx context.Context, id string, snap model.StatusSnapshot) {
	<-b.release
	b.rec.Notify(ctx, id, snap)
}

func TestAsync_DoesNotBlockCaller(t *testing.T) {
	b := &blockingNotifier{release: make(chan struct{})}
	a := NewAsync(b, 4, time.Second)

	start := time.Now()
	for i := range 3 {
		snap := testSnapshot()
		snap.ProgressPercent = i
		a.Notify(context.Background(), "rep-1", snap)
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(b.release)
	require.NoError(t, a.Close())

	b.rec.mu.Lock()
	defer b.rec.mu.Unlock()
	require.Len(t, b.rec.snaps, 3)
	for i, snap := range b.rec.snaps {
		assert.Equal(t, i, snap.ProgressPercent, "delivery order preserved")
	}
}

func TestAsync_DropsWhenFull(t *testing.T) {
	b := &blockingNotifier{release: make(chan struct{})}
	a := NewAsync(b, 1, time.Second)

	for range 10 {
		a.Notify(context.Background(), "rep-1", testSnapshot())
	}
	close(b.release)
	require.NoError(t, a.Close())

	b.rec.mu.Lock()
	defer b.rec.mu.Unlock()
	assert.Less(t, len(b.rec.snaps), 10)
	assert.NotEmpty(t, b.rec.snaps)
}

func TestAsync_CancelledCallerStillDelivers(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a.Notify(ctx, "rep-1", testSnapshot())
	a.Flush()

	rec.mu.Lock()
	assert.Len(t, rec.snaps, 1)
	rec.mu.Unlock()
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestAsync_AfterCloseDrops(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, 0, 0)
	require.NoError(t, a.Close())

	a.Notify(context.Background(), "rep-1", testSnapshot())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.snaps)
}
