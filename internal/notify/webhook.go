package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chart-audit/internal/model"
)

// Webhook posts JSON payloads to a URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a Webhook notifier. A zero timeout defaults to 10s.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, reportID string, snap model.StatusSnapshot) {
	if err := w.Post(ctx, snap); err != nil {
		zap.L().Warn("notify: webhook delivery failed",
			zap.String("report_id", reportID),
			zap.String("status", string(snap.Status)),
			zap.Error(err),
		)
	}
}

// Post sends v as a JSON body. A status of 400 or above is an error.
func (w *Webhook) Post(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "notify: marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
