package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/nicktill/tinyapm/pkg/rollup"
)

func TestPassMonitor_Success(t *testing.T) {
	pm := NewPassMonitor(0)
	pm.ObservePass(rollup.PassResult{Start: time.Now(), Duration: time.Second, NodeFailures: 2})

	status := pm.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", status.ConsecutiveFailures)
	}
	if status.LastNodeFailures != 2 {
		t.Errorf("LastNodeFailures = %d, want 2", status.LastNodeFailures)
	}
	if status.LastSuccess == "" || status.TimeSinceSuccess == "" {
		t.Error("LastSuccess and TimeSinceSuccess should be set")
	}
}

func TestPassMonitor_Failure(t *testing.T) {
	pm := NewPassMonitor(0)
	pm.ObservePass(rollup.PassResult{Start: time.Now(), Err: errors.New("panic: boom")})

	status := pm.Status()
	if status.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", status.ConsecutiveFailures)
	}
	if status.LastError != "panic: boom" {
		t.Errorf("LastError = %q, want %q", status.LastError, "panic: boom")
	}
}

func TestPassMonitor_IgnoresInterrupted(t *testing.T) {
	pm := NewPassMonitor(0)
	pm.ObservePass(rollup.PassResult{Start: time.Now(), Err: errors.New("shutdown"), Interrupted: true})

	if status := pm.Status(); status.Passes != 0 || status.ConsecutiveFailures != 0 {
		t.Errorf("interrupted pass was recorded: %+v", status)
	}
}

func TestPassMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*PassMonitor)
		expected bool
	}{
		{
			name:     "never succeeded",
			setup:    func(*PassMonitor) {},
			expected: false,
		},
		{
			name: "recent success",
			setup: func(pm *PassMonitor) {
				pm.ObservePass(rollup.PassResult{Start: time.Now()})
			},
			expected: true,
		},
		{
			name: "stale success",
			setup: func(pm *PassMonitor) {
				pm.ObservePass(rollup.PassResult{Start: time.Now().Add(-10 * time.Minute)})
			},
			expected: false,
		},
		{
			name: "too many consecutive failures",
			setup: func(pm *PassMonitor) {
				pm.ObservePass(rollup.PassResult{Start: time.Now()})
				for i := 0; i < 4; i++ {
					pm.ObservePass(rollup.PassResult{Start: time.Now(), Err: errors.New("failed")})
				}
			},
			expected: false,
		},
		{
			name: "recovered",
			setup: func(pm *PassMonitor) {
				for i := 0; i < 4; i++ {
					pm.ObservePass(rollup.PassResult{Start: time.Now(), Err: errors.New("failed")})
				}
				pm.ObservePass(rollup.PassResult{Start: time.Now()})
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := NewPassMonitor(0)
			tt.setup(pm)
			if got := pm.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}
