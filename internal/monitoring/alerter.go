package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/chart-audit/internal/config"
	"github.com/sells-group/chart-audit/internal/notify"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate      AlertType = "report_failure_rate"
	AlertStaleReports     AlertType = "stale_reports"
	AlertIntegrityFailure AlertType = "integrity_failure"
)

// minFinished is the number of finished reports needed before the
// failure rate is meaningful.
const minFinished = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg  config.MonitoringConfig
	hook *notify.Webhook
}

// NewAlerter creates a new Alerter with the given monitoring config.
// Without a webhook URL alerts are evaluated but never sent.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	a := &Alerter{cfg: cfg}
	if cfg.WebhookURL != "" {
		a.hook = notify.NewWebhook(cfg.WebhookURL, 10*time.Second)
	}
	return a
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.Complete + snap.Failed
	if finished >= minFinished && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Report failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate":     snap.FailRate,
				"threshold":        a.cfg.FailureRateThreshold,
				"failed":           snap.Failed,
				"finished":         finished,
				"failures_by_kind": snap.FailuresByKind,
			},
			Timestamp: now,
		})
	}

	if a.cfg.StaleThreshold > 0 && snap.Stale >= a.cfg.StaleThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertStaleReports,
			Severity: "medium",
			Message:  fmt.Sprintf("%d report(s) stuck in PROCESSING past the time limit", snap.Stale),
			Details: map[string]any{
				"stale":     snap.Stale,
				"threshold": a.cfg.StaleThreshold,
			},
			Timestamp: now,
		})
	}

	// Integrity failures mean sealed PHI could not be opened.
	if n := snap.FailuresByKind["integrity"]; n > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertIntegrityFailure,
			Severity: "critical",
			Message:  fmt.Sprintf("%d report(s) failed integrity checks in last %dh", n, snap.LookbackHours),
			Details: map[string]any{
				"failed_count": n,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.hook == nil || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.hook.Post(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}
