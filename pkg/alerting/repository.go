package alerting

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyapm/pkg/config"
)

// ConfigRepository holds the alert configs of every agent rollup. It is
// loaded from the configuration file and can be replaced at runtime.
type ConfigRepository struct {
	mu      sync.RWMutex
	byAgent map[string][]AlertConfig
}

// NewConfigRepository creates a repository holding configs
func NewConfigRepository(configs ...AlertConfig) *ConfigRepository {
	r := &ConfigRepository{byAgent: make(map[string][]AlertConfig)}
	for _, c := range configs {
		r.byAgent[c.AgentRollupID] = append(r.byAgent[c.AgentRollupID], c)
	}
	return r
}

// FromRules creates a repository from configured rules
func FromRules(rules []config.AlertRule) *ConfigRepository {
	configs := make([]AlertConfig, 0, len(rules))
	for _, rule := range rules {
		configs = append(configs, FromRule(rule))
	}
	return NewConfigRepository(configs...)
}

// Set replaces the configs of one agent rollup. Triggered alerts whose config
// disappears are resolved on the next pass.
func (r *ConfigRepository) Set(agentRollupID string, configs []AlertConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(configs) == 0 {
		delete(r.byAgent, agentRollupID)
		return
	}
	copied := make([]AlertConfig, len(configs))
	for i, c := range configs {
		c.AgentRollupID = agentRollupID
		copied[i] = c
	}
	r.byAgent[agentRollupID] = copied
}

// AlertConfigs returns the configs of one kind for an agent rollup
func (r *ConfigRepository) AlertConfigs(ctx context.Context, agentRollupID string, kind AlertKind) ([]AlertConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []AlertConfig
	for _, c := range r.byAgent[agentRollupID] {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out, nil
}

// AllAlertConfigs returns every config of an agent rollup
func (r *ConfigRepository) AllAlertConfigs(ctx context.Context, agentRollupID string) ([]AlertConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]AlertConfig(nil), r.byAgent[agentRollupID]...), nil
}

// TriggeredRepository tracks which alerts are currently triggered, in memory
type TriggeredRepository struct {
	mu      sync.Mutex
	byAgent map[string]map[string]time.Time

	now func() time.Time
}

// NewTriggeredRepository creates an empty repository
func NewTriggeredRepository() *TriggeredRepository {
	return &TriggeredRepository{
		byAgent: make(map[string]map[string]time.Time),
		now:     time.Now,
	}
}

// Exists reports whether the alert is triggered
func (r *TriggeredRepository) Exists(ctx context.Context, agentRollupID, alertID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byAgent[agentRollupID][alertID]
	return ok, nil
}

// Insert marks the alert triggered
func (r *TriggeredRepository) Insert(ctx context.Context, agentRollupID, alertID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	alerts, ok := r.byAgent[agentRollupID]
	if !ok {
		alerts = make(map[string]time.Time)
		r.byAgent[agentRollupID] = alerts
	}
	if _, exists := alerts[alertID]; !exists {
		alerts[alertID] = r.now()
	}
	return nil
}

// Delete clears the alert
func (r *TriggeredRepository) Delete(ctx context.Context, agentRollupID, alertID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byAgent[agentRollupID], alertID)
	if len(r.byAgent[agentRollupID]) == 0 {
		delete(r.byAgent, agentRollupID)
	}
	return nil
}

// ReadAll returns the triggered alerts of an agent rollup, sorted by alert id
func (r *TriggeredRepository) ReadAll(ctx context.Context, agentRollupID string) ([]TriggeredAlert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	alerts := make([]TriggeredAlert, 0, len(r.byAgent[agentRollupID]))
	for id, since := range r.byAgent[agentRollupID] {
		alerts = append(alerts, TriggeredAlert{AgentRollupID: agentRollupID, AlertID: id, Since: since})
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].AlertID < alerts[j].AlertID
	})
	return alerts, nil
}
