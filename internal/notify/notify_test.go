package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chart-audit/internal/model"
)

func testSnapshot() model.StatusSnapshot {
	return model.StatusSnapshot{
		ReportID:        "rep-1",
		Status:          model.ReportStatusProcessing,
		ProgressPercent: 40,
		CurrentStep:     model.StepCodesSuggested,
		At:              time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

type recorder struct {
	mu    sync.Mutex
	snaps []model.StatusSnapshot
}

func (r *recorder) Notify(_ context.Context, _ string, snap model.StatusSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

type panicker struct{}

func (panicker) Notify(context.Context, string, model.StatusSnapshot) { panic("boom") }

func TestWebhook_PostsSnapshot(t *testing.T) {
	var got model.StatusSnapshot
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	NewWebhook(ts.URL, 0).Notify(context.Background(), "rep-1", testSnapshot())
	assert.Equal(t, testSnapshot(), got)
}

func TestWebhook_ErrorStatusIsSwallowed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	w := NewWebhook(ts.URL, time.Second)
	assert.Error(t, w.Post(context.Background(), testSnapshot()))
	assert.NotPanics(t, func() { w.Notify(context.Background(), "rep-1", testSnapshot()) })
}

func TestWebhook_Unreachable(t *testing.T) {
	w := NewWebhook("http://127.0.0.1:1", 200*time.Millisecond)
	assert.Error(t, w.Post(context.Background(), testSnapshot()))
}

type fakePublisher struct {
	channels []string
	payloads []string
	err      error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, string(message.([]byte)))
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedis_PublishesToReportAndFirehose(t *testing.T) {
	pub := &fakePublisher{}
	NewRedis(pub, "audit").Notify(context.Background(), "rep-1", testSnapshot())

	assert.Equal(t, []string{"audit:rep-1", "audit"}, pub.channels)
	require.Len(t, pub.payloads, 2)
	var got model.StatusSnapshot
	require.NoError(t, json.Unmarshal([]byte(pub.payloads[0]), &got))
	assert.Equal(t, 40, got.ProgressPercent)
}

func TestRedis_PublishErrorIsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	assert.NotPanics(t, func() {
		NewRedis(pub, "").Notify(context.Background(), "rep-1", testSnapshot())
	})
	assert.Equal(t, "chart-audit:reports:rep-1", pub.channels[0])
}

func TestMulti_RecoversPanics(t *testing.T) {
	rec := &recorder{}
	n := New(panicker{}, nil, rec)

	assert.NotPanics(t, func() { n.Notify(context.Background(), "rep-1", testSnapshot()) })
	assert.Len(t, rec.snaps, 1)
}

func TestNew(t *testing.T) {
	assert.IsType(t, Nop{}, New())
	assert.IsType(t, Nop{}, New(nil))

	rec := &recorder{}
	assert.Same(t, rec, New(rec))
}

func TestSafe_NilNotifier(t *testing.T) {
	assert.NotPanics(t, func() { Safe(context.Background(), nil, "rep-1", testSnapshot()) })
}
