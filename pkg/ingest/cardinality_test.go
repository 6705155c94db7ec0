package ingest

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/nicktill/tinyapm/pkg/metrics"
)

func TestValidateMetric(t *testing.T) {
	tests := []struct {
		name    string
		metric  metrics.Metric
		errType error
	}{
		{
			name: "valid metric",
			metric: metrics.Metric{
				Name:   "GET /checkout",
				Kind:   metrics.TransactionKind,
				Value:  75.5,
				Labels: map[string]string{metrics.TransactionTypeLabel: "Web"},
			},
		},
		{
			name:    "empty metric name",
			metric:  metrics.Metric{Kind: metrics.GaugeKind, Value: 1.0},
			errType: ErrMetricNameEmpty,
		},
		{
			name: "metric name too long",
			metric: metrics.Metric{
				Name: string(make([]byte, MaxMetricNameLength+1)),
				Kind: metrics.GaugeKind,
			},
			errType: ErrMetricNameTooLong,
		},
		{
			name:    "missing kind",
			metric:  metrics.Metric{Name: "heap_used"},
			errType: ErrInvalidKind,
		},
		{
			name:    "heartbeat kind is internal",
			metric:  metrics.Metric{Name: "heartbeat", Kind: metrics.HeartbeatKind},
			errType: ErrInvalidKind,
		},
		{
			name: "too many labels",
			metric: metrics.Metric{
				Name:   "test",
				Kind:   metrics.GaugeKind,
				Labels: generateLabels(MaxLabelsPerMetric + 1),
			},
			errType: ErrTooManyLabels,
		},
		{
			name: "reserved label",
			metric: metrics.Metric{
				Name:   "test",
				Kind:   metrics.GaugeKind,
				Labels: map[string]string{metrics.ResolutionLabel: "1m"},
			},
			errType: ErrReservedLabel,
		},
		{
			name: "label key too long",
			metric: metrics.Metric{
				Name: "test",
				Kind: metrics.GaugeKind,
				Labels: map[string]string{
					string(make([]byte, MaxLabelKeyLength+1)): "value",
				},
			},
			errType: ErrLabelKeyTooLong,
		},
		{
			name: "label value too long",
			metric: metrics.Metric{
				Name: "test",
				Kind: metrics.GaugeKind,
				Labels: map[string]string{
					"key": string(make([]byte, MaxLabelValueLength+1)),
				},
			},
			errType: ErrLabelValueTooLong,
		},
		{
			name: "max valid labels",
			metric: metrics.Metric{
				Name:   "test",
				Kind:   metrics.SyntheticKind,
				Labels: generateLabels(MaxLabelsPerMetric),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMetric(tt.metric)
			if tt.errType == nil {
				if err != nil {
					t.Errorf("ValidateMetric() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.errType) {
				t.Errorf("ValidateMetric() error = %v, want %v", err, tt.errType)
			}
		})
	}
}

func gauge(agent, name, id string) metrics.Metric {
	return metrics.Metric{
		Name:   name,
		Kind:   metrics.GaugeKind,
		Agent:  agent,
		Labels: map[string]string{"id": id},
	}
}

func TestCardinalityTracker(t *testing.T) {
	tracker := NewCardinalityTracker()

	m1 := gauge("prod/web", "heap_used", "1")
	if err := tracker.Admit([]metrics.Metric{m1}); err != nil {
		t.Fatalf("Admit() failed for new series: %v", err)
	}

	// Same series again is fine
	if err := tracker.Admit([]metrics.Metric{m1, m1}); err != nil {
		t.Errorf("Admit() failed for existing series: %v", err)
	}

	m2 := gauge("prod/web", "heap_used", "2")
	m3 := gauge("prod/batch", "heap_used", "1")
	if err := tracker.Admit([]metrics.Metric{m2, m3}); err != nil {
		t.Fatalf("Admit() failed: %v", err)
	}

	stats := tracker.Stats()
	if stats.TotalSeries != 3 {
		t.Errorf("Expected 3 total series, got %d", stats.TotalSeries)
	}
	if stats.Agents != 2 {
		t.Errorf("Expected 2 agents, got %d", stats.Agents)
	}
	if stats.MaxSeriesAgent != "prod/web" || stats.MaxSeriesCount != 2 {
		t.Errorf("Expected prod/web with 2 series, got %s with %d", stats.MaxSeriesAgent, stats.MaxSeriesCount)
	}
}

func TestCardinalityTracker_PerMetricLimit(t *testing.T) {
	tracker := NewCardinalityTracker()

	batch := make([]metrics.Metric, 0, MaxSeriesPerMetric)
	for i := 0; i < MaxSeriesPerMetric; i++ {
		batch = append(batch, gauge("svc", "test_metric", strconv.Itoa(i)))
	}
	if err := tracker.Admit(batch); err != nil {
		t.Fatalf("Admit() failed at the limit: %v", err)
	}

	err := tracker.Admit([]metrics.Metric{gauge("svc", "test_metric", "new")})
	if !errors.Is(err, ErrMetricCardinalityLimit) {
		t.Errorf("Expected ErrMetricCardinalityLimit, got %v", err)
	}

	// Other metric names and other agents are unaffected
	if err := tracker.Admit([]metrics.Metric{gauge("svc", "other_metric", "1")}); err != nil {
		t.Errorf("Admit() failed for different metric: %v", err)
	}
	if err := tracker.Admit([]metrics.Metric{gauge("other", "test_metric", "new")}); err != nil {
		t.Errorf("Admit() failed for different agent: %v", err)
	}
}

func TestCardinalityTracker_RejectsWholeBatch(t *testing.T) {
	tracker := NewCardinalityTracker()

	batch := make([]metrics.Metric, 0, MaxSeriesPerMetric+1)
	for i := 0; i <= MaxSeriesPerMetric; i++ {
		batch = append(batch, gauge("svc", "test_metric", strconv.Itoa(i)))
	}
	if err := tracker.Admit(batch); !errors.Is(err, ErrMetricCardinalityLimit) {
		t.Fatalf("Expected ErrMetricCardinalityLimit, got %v", err)
	}
	if stats := tracker.Stats(); stats.TotalSeries != 0 {
		t.Errorf("Rejected batch was recorded: %d series", stats.TotalSeries)
	}
}

func TestCardinalityTracker_ForgetsStaleSeries(t *testing.T) {
	tracker := NewCardinalityTracker()
	now := time.Now()
	tracker.now = func() time.Time { return now }

	if err := tracker.Admit([]metrics.Metric{gauge("svc", "m", "1"), gauge("svc", "m", "2")}); err != nil {
		t.Fatalf("Admit() failed: %v", err)
	}

	now = now.Add(seriesRetentionPeriod + cleanupInterval + time.Minute)
	if err := tracker.Admit([]metrics.Metric{gauge("svc", "m", "3")}); err != nil {
		t.Fatalf("Admit() failed: %v", err)
	}

	stats := tracker.Stats()
	if stats.TotalSeries != 1 || stats.MaxSeriesCount != 1 {
		t.Errorf("Expected stale series to be forgotten, got %+v", stats)
	}
}

func TestCardinalityTracker_IgnoresStatLabels(t *testing.T) {
	tracker := NewCardinalityTracker()

	m1 := gauge("svc", "test", "1")
	m1.Labels[metrics.SumLabel] = "1"
	m2 := gauge("svc", "test", "1")
	m2.Labels[metrics.SumLabel] = "2"

	if err := tracker.Admit([]metrics.Metric{m1, m2}); err != nil {
		t.Fatalf("Admit() failed: %v", err)
	}
	if stats := tracker.Stats(); stats.TotalSeries != 1 {
		t.Errorf("Stat labels should be ignored, expected 1 series, got %d", stats.TotalSeries)
	}
}

// Helper function to generate N labels
func generateLabels(n int) map[string]string {
	labels := make(map[string]string, n)
	for i := 0; i < n; i++ {
		labels[string(rune('a'+i))] = "value"
	}
	return labels
}
