package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chart-audit/internal/model"
)

// Publisher is the subset of the go-redis client used here.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Redis publishes snapshots to "<channel>:<reportID>" for per-report
// subscribers and to "<channel>" for firehose consumers.
type Redis struct {
	pub     Publisher
	channel string
}

// NewRedis creates a Redis notifier.
func NewRedis(pub Publisher, channel string) *Redis {
	if channel == "" {
		channel = "chart-audit:reports"
	}
	return &Redis{pub: pub, channel: channel}
}

// NewRedisClient parses a redis:// URL and returns a connected client.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "notify: parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "notify: ping redis")
	}
	return client, nil
}

// Notify implements Notifier.
func (r *Redis) Notify(ctx context.Context, reportID string, snap model.StatusSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		zap.L().Warn("notify: marshal snapshot", zap.String("report_id", reportID), zap.Error(err))
		return
	}

	for _, ch := range []string{r.channel + ":" + reportID, r.channel} {
		if err := r.pub.Publish(ctx, ch, data).Err(); err != nil {
			zap.L().Warn("notify: redis publish failed",
				zap.String("report_id", reportID),
				zap.String("channel", ch),
				zap.Error(err),
			)
		}
	}
}
