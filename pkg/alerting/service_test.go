package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinyapm/pkg/compaction"
	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/storage/memory"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (r *recordingNotifier) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.Type + ":" + n.AlertID
	}
	return out
}

type fixture struct {
	store     *memory.Storage
	configs   *ConfigRepository
	triggered *TriggeredRepository
	notifier  *recordingNotifier
	svc       *Service
	end       time.Time
}

func newFixture(t *testing.T, configs ...AlertConfig) *fixture {
	f := &fixture{
		store:     memory.New(),
		configs:   NewConfigRepository(configs...),
		triggered: NewTriggeredRepository(),
		notifier:  &recordingNotifier{},
		end:       time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.configs, f.triggered, f.store, config.Default(), f.notifier, zaptest.NewLogger(t))
	return f
}

// writeRow stores one 1m aggregate row for agentID
func (f *fixture) writeRow(t *testing.T, agentID string, kind metrics.Kind, name string, labels map[string]string, ago time.Duration, values ...float64) {
	agg := &compaction.Aggregate{
		Name:       name,
		Kind:       kind,
		Agent:      agentID,
		Labels:     labels,
		Timestamp:  f.end.Add(-ago),
		Resolution: "1m",
	}
	for _, v := range values {
		agg.Add(v)
	}
	require.NoError(t, f.store.Write(context.Background(), []metrics.Metric{agg.ToMetric()}))
}

func transactionConfig() AlertConfig {
	return AlertConfig{
		ID:                  "slow-web",
		AgentRollupID:       "svc",
		Kind:                TransactionAlert,
		TimePeriodSeconds:   300,
		TransactionType:     "Web",
		ThresholdMillis:     100,
		MinTransactionCount: 3,
	}
}

func TestCheckTransactionAlert_TriggersAndResolves(t *testing.T) {
	cfg := transactionConfig()
	f := newFixture(t, cfg)
	ctx := context.Background()
	web := map[string]string{metrics.TransactionTypeLabel: "Web"}

	f.writeRow(t, "svc", metrics.TransactionKind, "GET /", web, 2*time.Minute, 150, 200, 250)
	require.NoError(t, f.svc.CheckTransactionAlert(ctx, "svc", "svc", cfg, f.end))

	exists, err := f.triggered.Exists(ctx, "svc", cfg.ID)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, []string{"triggered:slow-web"}, f.notifier.events())

	// Still firing: no second notification
	require.NoError(t, f.svc.CheckTransactionAlert(ctx, "svc", "svc", cfg, f.end))
	assert.Len(t, f.notifier.events(), 1)

	// The window moves past the slow bucket
	later := f.end.Add(10 * time.Minute)
	require.NoError(t, f.svc.CheckTransactionAlert(ctx, "svc", "svc", cfg, later))
	assert.Equal(t, []string{"triggered:slow-web", "resolved:slow-web"}, f.notifier.events())

	f.notifier.mu.Lock()
	first := f.notifier.sent[0]
	f.notifier.mu.Unlock()
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, TransactionAlert, first.Kind)
	assert.Equal(t, "Web transaction alert", first.Subject)
}

func TestCheckTransactionAlert_MinTransactionCount(t *testing.T) {
	cfg := transactionConfig()
	f := newFixture(t, cfg)
	web := map[string]string{metrics.TransactionTypeLabel: "Web"}

	f.writeRow(t, "svc", metrics.TransactionKind, "GET /", web, time.Minute, 500, 500)
	require.NoError(t, f.svc.CheckTransactionAlert(context.Background(), "svc", "svc", cfg, f.end))
	assert.Empty(t, f.notifier.events())
}

func TestCheckTransactionAlert_IgnoresOtherTypesAndChildRows(t *testing.T) {
	cfg := transactionConfig()
	f := newFixture(t, cfg)

	f.writeRow(t, "svc", metrics.TransactionKind, "job", map[string]string{metrics.TransactionTypeLabel: "Background"}, time.Minute, 900, 900, 900)

	child := &compaction.Aggregate{
		Name:       "GET /",
		Kind:       metrics.TransactionKind,
		Agent:      "svc",
		Child:      "svc/host-1",
		Labels:     map[string]string{metrics.TransactionTypeLabel: "Web"},
		Timestamp:  f.end.Add(-time.Minute),
		Resolution: "1m",
	}
	child.Add(900)
	child.Add(900)
	child.Add(900)
	require.NoError(t, f.store.Write(context.Background(), []metrics.Metric{child.ToMetric()}))

	require.NoError(t, f.svc.CheckTransactionAlert(context.Background(), "svc", "svc", cfg, f.end))
	assert.Empty(t, f.notifier.events())
}

func TestCheckGaugeAlert(t *testing.T) {
	tests := []struct {
		name      string
		lower     bool
		values    []float64
		triggered bool
	}{
		{name: "above threshold", values: []float64{0.95, 0.97}, triggered: true},
		{name: "below threshold", values: []float64{0.5}, triggered: false},
		{name: "equal threshold", values: []float64{0.9}, triggered: true},
		{name: "lower bound below", lower: true, values: []float64{0.1}, triggered: true},
		{name: "lower bound above", lower: true, values: []float64{0.95}, triggered: false},
		{name: "no data", values: nil, triggered: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := AlertConfig{
				ID:                  "heap",
				AgentRollupID:       "svc",
				Kind:                GaugeAlert,
				TimePeriodSeconds:   300,
				GaugeName:           "heap_used_ratio",
				GaugeThreshold:      0.9,
				LowerBoundThreshold: tt.lower,
			}
			f := newFixture(t, cfg)
			if len(tt.values) > 0 {
				f.writeRow(t, "svc", metrics.GaugeKind, "heap_used_ratio", nil, time.Minute, tt.values...)
			}
			f.writeRow(t, "svc", metrics.GaugeKind, "other_gauge", nil, time.Minute, 100)

			require.NoError(t, f.svc.CheckGaugeAlert(context.Background(), "svc", "svc", cfg, f.end))

			exists, err := f.triggered.Exists(context.Background(), "svc", "heap")
			require.NoError(t, err)
			assert.Equal(t, tt.triggered, exists)
		})
	}
}

func TestSendHeartbeatAlertIfNeeded(t *testing.T) {
	cfg := AlertConfig{ID: "hb", AgentRollupID: "svc", Kind: HeartbeatAlert, TimePeriodSeconds: 60}
	f := newFixture(t, cfg)
	ctx := context.Background()

	require.NoError(t, f.svc.SendHeartbeatAlertIfNeeded(ctx, "svc", "svc", cfg, false))
	assert.Empty(t, f.notifier.events())

	require.NoError(t, f.svc.SendHeartbeatAlertIfNeeded(ctx, "svc", "svc", cfg, true))
	require.NoError(t, f.svc.SendHeartbeatAlertIfNeeded(ctx, "svc", "svc", cfg, true))
	require.NoError(t, f.svc.SendHeartbeatAlertIfNeeded(ctx, "svc", "svc", cfg, false))

	assert.Equal(t, []string{"triggered:hb", "resolved:hb"}, f.notifier.events())
}

func TestCheckForDeletedAlerts(t *testing.T) {
	kept := AlertConfig{ID: "kept", AgentRollupID: "svc", Kind: HeartbeatAlert, TimePeriodSeconds: 60}
	f := newFixture(t, kept)
	ctx := context.Background()

	require.NoError(t, f.triggered.Insert(ctx, "svc", "kept"))
	require.NoError(t, f.triggered.Insert(ctx, "svc", "gone"))

	require.NoError(t, f.svc.CheckForDeletedAlerts(ctx, "svc"))

	alerts, err := f.triggered.ReadAll(ctx, "svc")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "kept", alerts[0].AlertID)
	assert.Equal(t, []string{"resolved:gone"}, f.notifier.events())

	// Removing the remaining config resolves it too
	f.configs.Set("svc", nil)
	require.NoError(t, f.svc.CheckForDeletedAlerts(ctx, "svc"))
	assert.Equal(t, []string{"resolved:gone", "resolved:kept"}, f.notifier.events())
}

func TestNotifierFailure(t *testing.T) {
	cfg := AlertConfig{ID: "hb", AgentRollupID: "svc", Kind: HeartbeatAlert, TimePeriodSeconds: 60}
	f := newFixture(t, cfg)
	f.notifier.err = errors.New("smtp down")

	err := f.svc.SendHeartbeatAlertIfNeeded(context.Background(), "svc", "svc", cfg, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
}
