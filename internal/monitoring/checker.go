package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/chart-audit/internal/config"
)

// Checker evaluates report health on an interval and sends alerts. An alert
// type fires once when its condition starts and again only after it clears.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	log       *zap.Logger

	firing map[AlertType]bool
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
		firing:    make(map[AlertType]bool),
	}
}

// Run checks once immediately and then every interval until ctx is done.
// Run is not safe to call concurrently with Check.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c.log.Info("alert checker started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c.Check(ctx)
		select {
		case <-ctx.Done():
			c.log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check collects one snapshot and sends alerts that were not already
// firing. It returns the number sent.
func (c *Checker) Check(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		c.log.Error("monitoring: collect failed", zap.Error(err))
		return 0
	}

	alerts := c.alerter.Evaluate(snap)
	seen := make(map[AlertType]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		seen[a.Type] = true
		if !c.firing[a.Type] {
			fresh = append(fresh, a)
		}
	}
	for t := range c.firing {
		if !seen[t] {
			c.log.Info("monitoring: alert cleared", zap.String("type", string(t)))
			delete(c.firing, t)
		}
	}
	if len(fresh) == 0 {
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	// Unsent alerts stay eligible for the next check.
	if sent == len(fresh) {
		for _, a := range fresh {
			c.firing[a.Type] = true
		}
	}
	c.log.Info("monitoring: alert check complete",
		zap.Int("triggered", len(alerts)),
		zap.Int("new", len(fresh)),
		zap.Int("sent", sent),
	)
	return sent
}
