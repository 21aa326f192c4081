//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/store"
)

func TestReadText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("from file"), 0o600))

	text, err := readText(nil, path)
	require.NoError(t, err)
	assert.Equal(t, "from file", text)

	text, err = readText(strings.NewReader("from stdin"), "-")
	require.NoError(t, err)
	assert.Equal(t, "from stdin", text)

	_, err = readText(nil, "")
	assert.ErrorContains(t, err, "--file is required")

	_, err = readText(nil, filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func newCmdStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cmd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestWaitForReport_Terminal(t *testing.T) {
	st := newCmdStore(t)
	ctx := context.Background()
	rep := seedReport(t, st)

	ok, err := st.ClaimReport(ctx, rep.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.FailReport(ctx, rep.ID, "invalid input", &model.FailureDetails{Kind: "validation", Step: model.StepStarted}, store.Completion{CompletedAt: time.Now()}))

	got, err := waitForReport(ctx, st, rep.ID, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusFailed, got.Status)
}

func TestWaitForReport_TimesOut(t *testing.T) {
	st := newCmdStore(t)
	rep := seedReport(t, st)

	got, err := waitForReport(context.Background(), st, rep.ID, 50*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.ReportStatusPending, got.Status)
}

func TestWaitForReport_Unknown(t *testing.T) {
	st := newCmdStore(t)
	_, err := waitForReport(context.Background(), st, "missing", time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

const suggestionPayload = `{"suggestions":[{"code":"99214","family":"CPT","confidence":0.8,` +
	`"justification":"moderate complexity"}],"documentation_gaps":[],"risk_flags":[],"summary":"level 4"}`

func TestSubmitCommand_WaitProcessesInProcess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": suggestionPayload}}},
			"usage":   map[string]any{"prompt_tokens": 50, "completion_tokens": 20, "total_tokens": 70},
		})
	}))
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	note := filepath.Join(dir, "note.txt")
	require.NoError(t, os.WriteFile(note, []byte("Established patient, moderate complexity visit."), 0o600))

	useTestConfig(t)
	t.Setenv("CHARTAUDIT_STORE_SQLITE_PATH", filepath.Join(dir, "e2e.db"))
	t.Setenv("CHARTAUDIT_CRYPTO_KEY", testKey)
	t.Setenv("CHARTAUDIT_PHI_CLASSIFIER", "none")
	t.Setenv("CHARTAUDIT_SUGGEST_PROVIDER", "openai")
	t.Setenv("CHARTAUDIT_OPENAI_KEY", "test-key")
	t.Setenv("CHARTAUDIT_OPENAI_BASE_URL", ts.URL+"/v1")
	t.Setenv("CHARTAUDIT_LOG_LEVEL", "error")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	t.Cleanup(func() { rootCmd.SetOut(nil) })
	rootCmd.SetArgs([]string{"submit", "--file", note, "--codes", "99213", "--wait"})
	require.NoError(t, rootCmd.Execute())

	var rep model.Report
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rep))
	assert.Equal(t, model.ReportStatusComplete, rep.Status)
	assert.Equal(t, 100, rep.ProgressPercent)
	require.NotNil(t, rep.Result)
	assert.Equal(t, 1, rep.Result.UpgradeCount)
	assert.InDelta(t, 39.0, rep.Result.IncrementalRevenue, 0.001)
}
