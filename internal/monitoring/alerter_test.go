package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chart-audit/internal/config"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10, StaleThreshold: 1})

	alerts := a.Evaluate(&MetricsSnapshot{
		Total:         100,
		Complete:      95,
		Failed:        5,
		FailRate:      0.05,
		LookbackHours: 24,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	alerts := a.Evaluate(&MetricsSnapshot{
		Total:          20,
		Complete:       12,
		Failed:         8,
		FailRate:       0.4,
		FailuresByKind: map[string]int{"transient": 8},
		LookbackHours:  24,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_FailureRateNeedsVolume(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	alerts := a.Evaluate(&MetricsSnapshot{Complete: 1, Failed: 3, FailRate: 0.75})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_StaleAndIntegrity(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 1, StaleThreshold: 2})

	alerts := a.Evaluate(&MetricsSnapshot{
		Stale:          2,
		Failed:         1,
		FailuresByKind: map[string]int{"integrity": 1},
		LookbackHours:  24,
	})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertStaleReports, alerts[0].Type)
	assert.Equal(t, AlertIntegrityFailure, alerts[1].Type)
	assert.Equal(t, "critical", alerts[1].Severity)
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received atomic.Int32
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertStaleReports, Severity: "medium", Message: "1 stuck"}})

	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, AlertStaleReports, got.Type)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertFailureRate}}))
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertFailureRate}}))
}
