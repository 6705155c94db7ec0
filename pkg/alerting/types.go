// Package alerting evaluates alert rules per agent rollup and tracks which
// alerts are currently triggered.
package alerting

import (
	"time"

	"github.com/nicktill/tinyapm/pkg/config"
)

// AlertKind is the condition an alert watches
type AlertKind string

const (
	TransactionAlert AlertKind = "transaction"
	GaugeAlert       AlertKind = "gauge"
	HeartbeatAlert   AlertKind = "heartbeat"
)

// AlertConfig is one alert rule scoped to an agent rollup
type AlertConfig struct {
	ID                string    `json:"id"`
	AgentRollupID     string    `json:"agent_rollup_id"`
	Kind              AlertKind `json:"kind"`
	TimePeriodSeconds int64     `json:"time_period_seconds"`

	// Transaction alerts
	TransactionType     string  `json:"transaction_type,omitempty"`
	ThresholdMillis     float64 `json:"threshold_millis,omitempty"`
	MinTransactionCount int64   `json:"min_transaction_count,omitempty"`

	// Gauge alerts
	GaugeName           string  `json:"gauge_name,omitempty"`
	GaugeThreshold      float64 `json:"gauge_threshold,omitempty"`
	LowerBoundThreshold bool    `json:"lower_bound_threshold,omitempty"`
}

// TimePeriod returns the evaluation window
func (c AlertConfig) TimePeriod() time.Duration {
	return time.Duration(c.TimePeriodSeconds) * time.Second
}

// FromRule converts a configured rule
func FromRule(r config.AlertRule) AlertConfig {
	return AlertConfig{
		ID:                  r.ID,
		AgentRollupID:       r.AgentRollupID,
		Kind:                AlertKind(r.Kind),
		TimePeriodSeconds:   r.TimePeriodSeconds,
		TransactionType:     r.TransactionType,
		ThresholdMillis:     r.ThresholdMillis,
		MinTransactionCount: r.MinTransactions,
		GaugeName:           r.GaugeName,
		GaugeThreshold:      r.GaugeThreshold,
		LowerBoundThreshold: r.LowerBound,
	}
}

// TriggeredAlert records that an alert is currently firing
type TriggeredAlert struct {
	AgentRollupID string    `json:"agent_rollup_id"`
	AlertID       string    `json:"alert_id"`
	Since         time.Time `json:"since"`
}

// Event types sent to notifiers
const (
	EventTriggered = "triggered"
	EventResolved  = "resolved"
)

// Notification describes a change of alert state
type Notification struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	AgentRollupID string    `json:"agent_rollup_id"`
	AgentDisplay  string    `json:"agent_display"`
	AlertID       string    `json:"alert_id"`
	Kind          AlertKind `json:"kind"`
	Subject       string    `json:"subject"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}
