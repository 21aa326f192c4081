package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/store"
)

// collectLimit caps how many reports a single snapshot scans.
const collectLimit = 10000

// MetricsSnapshot holds a point-in-time view of report health. It carries
// counts and revenue totals only, never note text or codes.
type MetricsSnapshot struct {
	// Reports created within the lookback window.
	Total      int     `json:"total"`
	Pending    int     `json:"pending"`
	Processing int     `json:"processing"`
	Complete   int     `json:"complete"`
	Failed     int     `json:"failed"`
	FailRate   float64 `json:"fail_rate"`

	FailuresByKind map[string]int `json:"failures_by_kind,omitempty"`

	AvgProcessingMs    int64   `json:"avg_processing_ms"`
	IncrementalRevenue float64 `json:"incremental_revenue"`
	UpgradeCount       int     `json:"upgrade_count"`
	NewCount           int     `json:"new_count"`

	// PROCESSING reports past the stale cutoff, regardless of window.
	Stale int `json:"stale"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// ReportLister is the slice of the store the collector reads.
type ReportLister interface {
	ListReports(ctx context.Context, filter store.ReportFilter) ([]model.Report, error)
	ListStale(ctx context.Context, startedBefore time.Time) ([]model.Report, error)
}

// Collector gathers report metrics from the store.
type Collector struct {
	store       ReportLister
	staleCutoff func() time.Time
}

// NewCollector creates a collector. staleCutoff returns the start time
// before which a PROCESSING report counts as stale; nil disables the
// stale count.
func NewCollector(st ReportLister, staleCutoff func() time.Time) *Collector {
	return &Collector{store: st, staleCutoff: staleCutoff}
}

// Collect gathers a snapshot over reports created in the last lookbackHours.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours:  lookbackHours,
		CollectedAt:    now,
		FailuresByKind: make(map[string]int),
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	reps, err := c.store.ListReports(ctx, store.ReportFilter{Limit: collectLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list reports")
	}

	var totalMs int64
	var timed int64
	for _, r := range reps {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.Total++

		switch r.Status {
		case model.ReportStatusPending:
			snap.Pending++
		case model.ReportStatusProcessing:
			snap.Processing++
		case model.ReportStatusComplete:
			snap.Complete++
			if r.Result != nil {
				snap.IncrementalRevenue += r.Result.IncrementalRevenue
				snap.UpgradeCount += r.Result.UpgradeCount
				snap.NewCount += r.Result.NewCount
			}
		case model.ReportStatusFailed:
			snap.Failed++
			kind := "unknown"
			if r.ErrorDetails != nil && r.ErrorDetails.Kind != "" {
				kind = r.ErrorDetails.Kind
			}
			snap.FailuresByKind[kind]++
		}

		if r.ProcessingTimeMs != nil {
			totalMs += *r.ProcessingTimeMs
			timed++
		}
	}

	if finished := snap.Complete + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}
	if timed > 0 {
		snap.AvgProcessingMs = totalMs / timed
	}

	if c.staleCutoff != nil {
		stale, err := c.store.ListStale(ctx, c.staleCutoff())
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list stale")
		}
		snap.Stale = len(stale)
	}

	return snap, nil
}
