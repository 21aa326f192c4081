//go:build !integration

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/chart-audit/internal/rates"
)

func TestBuildSchedule(t *testing.T) {
	amounts := map[string]float64{"99213": 101.5}

	s, err := buildSchedule("acme", "2025", "2025-01-01", "2026-01-01", amounts)
	require.NoError(t, err)
	assert.Equal(t, "acme", s.PayerID)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), s.EffectiveDate.Time)
	require.NotNil(t, s.ExpirationDate)
	assert.Equal(t, 2026, s.ExpirationDate.Year())

	_, err = buildSchedule("", "", "2025-01-01", "", amounts)
	assert.Error(t, err)

	_, err = buildSchedule("acme", "", "2025-01-01", "2024-12-31", amounts)
	assert.ErrorContains(t, err, "not after")

	_, err = buildSchedule("acme", "", "01/01/2025", "", amounts)
	assert.Error(t, err)
}

func TestUpsertSchedule(t *testing.T) {
	eff, err := rates.ParseDate("2025-01-01")
	require.NoError(t, err)
	later, err := rates.ParseDate("2025-07-01")
	require.NoError(t, err)

	list := []rates.Schedule{{PayerID: "acme", EffectiveDate: eff, Rates: map[string]float64{"99213": 1}}}

	list = upsertSchedule(list, rates.Schedule{PayerID: "acme", EffectiveDate: eff, Rates: map[string]float64{"99213": 2}})
	require.Len(t, list, 1)
	assert.InDelta(t, 2.0, list[0].Rates["99213"], 0.001)

	list = upsertSchedule(list, rates.Schedule{PayerID: "acme", EffectiveDate: later})
	assert.Len(t, list, 2)

	list = upsertSchedule(list, rates.Schedule{PayerID: "beta", EffectiveDate: eff})
	assert.Len(t, list, 3)
}

func TestLoadRatesFile_Missing(t *testing.T) {
	f, err := loadRatesFile(filepath.Join(t.TempDir(), "rates.yaml"))
	require.NoError(t, err)
	assert.Empty(t, f.Default)
	assert.Empty(t, f.Schedules)
}

func TestFormatRateLookup(t *testing.T) {
	var buf bytes.Buffer
	formatRateLookup(context.Background(), &buf, rates.DefaultTable(), []string{"99213", " 99214 ", "ZZZZZ"}, "", time.Now())

	out := buf.String()
	assert.Contains(t, out, "CODE")
	assert.Contains(t, out, "99213")
	assert.Contains(t, out, "92.00")
	assert.Contains(t, out, "131.00")
	assert.Contains(t, out, rates.SourceDefault)
	assert.Contains(t, out, "unknown")
}

func TestRatesImportCommand(t *testing.T) {
	dir := t.TempDir()
	useTestConfig(t)

	src := filepath.Join(dir, "fees.xlsx")
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Fees")
	require.NoError(t, err)
	for _, r := range [][]string{{"Code", "Amount"}, {"99213", "101.50"}, {"99214", "150"}} {
		row := sheet.AddRow()
		for _, v := range r {
			row.AddCell().SetString(v)
		}
	}
	require.NoError(t, f.Save(src))

	out := filepath.Join(dir, "rates.yaml")
	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	t.Cleanup(func() { rootCmd.SetOut(nil) })
	rootCmd.SetArgs([]string{"rates", "import", src, "--out", out, "--payer", "acme", "--effective", "2025-01-01"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, stdout.String(), "imported 2 rate(s)")

	lookup, err := rates.LoadLookup(out)
	require.NoError(t, err)
	r, ok := lookup.Rate(context.Background(), rates.Query{
		Code:    "99213",
		PayerID: "acme",
		AsOf:    time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	require.True(t, ok)
	assert.InDelta(t, 101.5, r.Amount, 0.001)
	assert.Equal(t, "acme/2025-01-01", r.Source)
}
