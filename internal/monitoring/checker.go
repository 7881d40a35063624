package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/config"
)

// alertCooldown is how long an alert stays muted after it was delivered.
const alertCooldown = time.Hour

// Checker runs periodic alert checks in the background and keeps the last
// snapshot for the HTTP API.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	now       func() time.Time

	mu        sync.RWMutex
	last      *MetricsSnapshot
	delivered map[string]time.Time // alert key -> last delivery
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		now:       time.Now,
		delivered: make(map[string]time.Time),
	}
}

// Last returns the most recent snapshot, or nil before the first check.
func (c *Checker) Last() *MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx, log)
		}
	}
}

// Check collects one snapshot, stores it for Last and sends the alerts that
// are not in their cooldown. It returns every alert that fired.
func (c *Checker) Check(ctx context.Context, log *zap.Logger) []Alert {
	stale := time.Duration(c.cfg.StaleRunMinutes) * time.Minute
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours, stale)
	if err != nil {
		log.Error("monitoring: collect failed", zap.Error(err))
		return nil
	}

	alerts := c.alerter.Evaluate(snap)
	now := c.now()

	c.mu.Lock()
	c.last = snap
	var fresh []Alert
	for _, a := range alerts {
		if at, ok := c.delivered[alertKey(a)]; ok && now.Sub(at) < alertCooldown {
			continue
		}
		fresh = append(fresh, a)
	}
	c.mu.Unlock()

	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts")
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	if sent > 0 {
		c.mu.Lock()
		for _, a := range fresh {
			c.delivered[alertKey(a)] = now
		}
		c.mu.Unlock()
	}
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_muted", len(alerts)-len(fresh)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}

// alertKey identifies an alert across checks. Capability alerts are keyed
// per capability.
func alertKey(a Alert) string {
	if name, ok := a.Details["capability"]; ok {
		return fmt.Sprintf("%s:%v", a.Type, name)
	}
	return string(a.Type)
}
