package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/store"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := NewCollector(&fakeRuns{})
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    1,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.10,
	}
	checker := NewChecker(collector, NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&fakeRuns{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{
		CheckIntervalSecs: 0,
	})
	assert.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
	assert.Nil(t, checker.Last())
}

func TestChecker_CheckSendsAlertsAndKeepsSnapshot(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	src := &fakeRuns{
		stats: []store.RunStat{{Capability: "ner", Status: model.RunStatusFailed, Runs: 5}},
		active: []model.Run{{ID: "stuck", Status: model.RunStatusRunning, StartedAt: time.Now().Add(-time.Hour)}},
	}
	cfg := config.MonitoringConfig{
		WebhookURL:           ts.URL,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.25,
		StaleRunMinutes:      30,
	}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), cfg)

	alerts := checker.Check(context.Background(), zap.NewNop())
	// Overall run failures, the failing ner capability and the stuck run.
	require.Len(t, alerts, 3)
	assert.Equal(t, int32(3), received.Load())
	require.NotNil(t, checker.Last())
	assert.Equal(t, int64(5), checker.Last().RunsFailed)
}

func TestChecker_MutesRepeatedAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	src := &fakeRuns{
		active: []model.Run{{ID: "stuck", Status: model.RunStatusRunning, StartedAt: time.Now().Add(-time.Hour)}},
	}
	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackWindowHours: 24, StaleRunMinutes: 30}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), cfg)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	checker.now = func() time.Time { return clock }

	require.Len(t, checker.Check(context.Background(), zap.NewNop()), 1)
	assert.Equal(t, int32(1), received.Load())

	// Still firing, but muted inside the cooldown.
	clock = clock.Add(10 * time.Minute)
	require.Len(t, checker.Check(context.Background(), zap.NewNop()), 1)
	assert.Equal(t, int32(1), received.Load())

	clock = clock.Add(alertCooldown)
	checker.Check(context.Background(), zap.NewNop())
	assert.Equal(t, int32(2), received.Load())
}

func TestAlertKey(t *testing.T) {
	assert.Equal(t, "stale_runs", alertKey(Alert{Type: AlertStaleRuns}))
	assert.Equal(t, "capability_failing:ner-llm", alertKey(Alert{
		Type:    AlertCapability,
		Details: map[string]any{"capability": model.Capability("ner-llm")},
	}))
}
