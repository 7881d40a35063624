package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate  AlertType = "run_failure_rate"
	AlertRecordErrorRate AlertType = "record_error_rate"
	AlertStaleRuns       AlertType = "stale_runs"
	AlertCapability      AlertType = "capability_failing"
)

// minFinishedRuns and minAttempted keep a handful of results from tripping a
// rate alert.
const (
	minFinishedRuns = 5
	minAttempted    = 100
)

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
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RunsSuccess + snap.RunsPartial + snap.RunsFailed
	if finished >= minFinishedRuns && snap.RunFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.RunFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.RunFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	attempted := snap.Processed + snap.RecordErrors
	if attempted >= minAttempted && snap.RecordErrorRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRecordErrorRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Record error rate %.1f%% exceeds threshold %.1f%% (%d errors / %d attempted in last %dh)",
				snap.RecordErrorRate*100, a.cfg.FailureRateThreshold*100,
				snap.RecordErrors, attempted, snap.LookbackHours,
			),
			Details: map[string]any{
				"error_rate": snap.RecordErrorRate,
				"threshold":  a.cfg.FailureRateThreshold,
				"errors":     snap.RecordErrors,
				"attempted":  attempted,
			},
			Timestamp: now,
		})
	}

	if len(snap.StaleRuns) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleRuns,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d run(s) still active after %d minutes",
				len(snap.StaleRuns), a.cfg.StaleRunMinutes,
			),
			Details: map[string]any{
				"run_ids": snap.StaleRuns,
			},
			Timestamp: now,
		})
	}

	for _, name := range sortedCapabilities(snap.Capabilities) {
		cm := snap.Capabilities[name]
		done := cm.Success + cm.Partial + cm.Failed
		if done < minFinishedRuns || cm.FailRate <= a.cfg.FailureRateThreshold {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertCapability,
			Severity: "medium",
			Message: fmt.Sprintf("Capability %s failed %d of %d finished runs in last %dh",
				name, cm.Failed, done, snap.LookbackHours),
			Details: map[string]any{
				"capability":   name,
				"failure_rate": cm.FailRate,
				"failed":       cm.Failed,
				"finished":     done,
			},
			Timestamp: now,
		})
	}

	return alerts
}

func sortedCapabilities(m map[model.Capability]*CapabilityMetrics) []model.Capability {
	names := make([]model.Capability, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// SendAlerts posts each alert to the configured webhook and returns how
// many were delivered. Transient webhook failures are retried.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	retry := a.retry
	retry.OnRetry = resilience.RetryLogger("monitoring", "webhook")

	sent := 0
	for _, alert := range alerts {
		log := zap.L().With(zap.String("type", string(alert.Type)))
		if err := resilience.Do(ctx, retry, func(ctx context.Context) error {
			return a.post(ctx, alert)
		}); err != nil {
			log.Error("monitoring: alert not delivered", zap.Error(err))
			continue
		}
		log.Info("monitoring: alert sent", zap.String("severity", alert.Severity))
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post webhook")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 400 {
		return nil
	}
	err = eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(err, resp.StatusCode)
	}
	return err
}
