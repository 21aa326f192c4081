//go:build !integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/chart-audit/internal/config"
	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/store"
)

// testKey is base64 of 32 'k' bytes.
const testKey = "a2tra2tra2tra2tra2tra2tra2tra2tra2tra2tra2s="

// useTestConfig loads defaults from an empty temp dir, points the store at
// a fresh SQLite file and installs the result as the global cfg.
func useTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	c, err := config.Load()
	require.NoError(t, err)
	c.Store.SQLitePath = filepath.Join(dir, "audit.db")
	c.Crypto.Key = testKey
	c.PHI.Classifier = "none"
	c.Anthropic.Key = "sk-ant-test"

	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
	return c
}

func seedReport(t *testing.T, st store.Store) *model.Report {
	t.Helper()
	ctx := context.Background()
	enc := &model.Encounter{
		DateOfService:    time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC),
		DeidentifiedText: "[NAME_1] seen for follow-up",
		BilledCodes:      []model.BillingCode{{Code: "99213", Family: model.FamilyCPT}},
	}
	require.NoError(t, st.CreateEncounter(ctx, enc))
	rep, err := st.CreateReport(ctx, enc.ID, enc.BilledCodes)
	require.NoError(t, err)
	return rep
}
