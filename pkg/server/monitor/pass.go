package monitor

import (
	"sync"
	"time"

	"github.com/nicktill/tinyapm/pkg/rollup"
)

// DefaultStaleAfter is how long without a successful pass before the rollup
// loop is reported unhealthy. Passes run every minute.
const DefaultStaleAfter = 5 * time.Minute

// PassMonitor tracks the health of the rollup loop.
type PassMonitor struct {
	mu                  sync.RWMutex
	lastSuccess         time.Time
	lastAttempt         time.Time
	lastDuration        time.Duration
	lastNodeFailures    int
	consecutiveFailures int
	lastError           string
	passes              uint64

	staleAfter time.Duration
	now        func() time.Time
}

// NewPassMonitor creates a monitor. staleAfter <= 0 uses DefaultStaleAfter.
func NewPassMonitor(staleAfter time.Duration) *PassMonitor {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &PassMonitor{staleAfter: staleAfter, now: time.Now}
}

// ObservePass records the outcome of one pass. Interrupted passes are ignored.
// A pass whose nodes failed individually still counts as a success.
func (pm *PassMonitor) ObservePass(r rollup.PassResult) {
	if r.Interrupted {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.passes++
	pm.lastAttempt = r.Start
	pm.lastDuration = r.Duration
	pm.lastNodeFailures = r.NodeFailures
	if r.Err != nil {
		pm.consecutiveFailures++
		pm.lastError = r.Err.Error()
		return
	}
	pm.lastSuccess = r.Start
	pm.consecutiveFailures = 0
	pm.lastError = ""
}

// IsHealthy returns true if the rollup loop is working properly.
// Unhealthy conditions:
//   - Never succeeded
//   - No success within the stale period
//   - More than 3 consecutive failed passes
func (pm *PassMonitor) IsHealthy() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.healthyLocked()
}

func (pm *PassMonitor) healthyLocked() bool {
	if pm.lastSuccess.IsZero() {
		return false
	}
	if pm.now().Sub(pm.lastSuccess) > pm.staleAfter {
		return false
	}
	return pm.consecutiveFailures <= 3
}

// PassStatus is the rollup loop section of the health check
type PassStatus struct {
	Healthy             bool   `json:"healthy"`
	Passes              uint64 `json:"passes"`
	LastSuccess         string `json:"last_success,omitempty"`
	TimeSinceSuccess    string `json:"time_since_success,omitempty"`
	LastAttempt         string `json:"last_attempt,omitempty"`
	LastDuration        string `json:"last_duration,omitempty"`
	LastNodeFailures    int    `json:"last_node_failures,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
	LastError           string `json:"last_error,omitempty"`
}

// Status returns current rollup loop status for health checks.
func (pm *PassMonitor) Status() PassStatus {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	status := PassStatus{
		Healthy:          pm.healthyLocked(),
		Passes:           pm.passes,
		LastNodeFailures: pm.lastNodeFailures,
	}

	if !pm.lastSuccess.IsZero() {
		status.LastSuccess = pm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = pm.now().Sub(pm.lastSuccess).String()
	}

	if !pm.lastAttempt.IsZero() {
		status.LastAttempt = pm.lastAttempt.Format(time.RFC3339)
		status.LastDuration = pm.lastDuration.String()
	}

	if pm.consecutiveFailures > 0 {
		status.ConsecutiveFailures = pm.consecutiveFailures
		status.LastError = pm.lastError
	}

	return status
}
