// Package heartbeat records agent heartbeats for every rollup level of the
// reporting agent.
package heartbeat

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nicktill/tinyapm/pkg/agent"
	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// MetricName is the name of heartbeat samples
const MetricName = "heartbeat"

// Store reads and writes heartbeat samples
type Store struct {
	storage storage.Storage
}

// New creates a heartbeat store on top of s
func New(s storage.Storage) *Store {
	return &Store{storage: s}
}

// Record stores a heartbeat of agentID at ts for the agent and each of its
// rollups
func (s *Store) Record(ctx context.Context, agentID string, ts time.Time) error {
	ids := agent.ExpandRollupID(agentID)
	if len(ids) == 0 {
		return agent.ErrInvalidID
	}

	samples := make([]metrics.Metric, 0, len(ids))
	for _, id := range ids {
		samples = append(samples, metrics.Metric{
			Name:      MetricName,
			Kind:      metrics.HeartbeatKind,
			Agent:     id,
			Value:     1,
			Timestamp: ts,
		})
	}
	if err := s.storage.Write(ctx, samples); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// Exists reports whether agentRollupID received a heartbeat in [from, to]
func (s *Store) Exists(ctx context.Context, agentRollupID string, from, to time.Time) (bool, error) {
	rows, err := s.storage.Query(ctx, storage.QueryRequest{
		Start:      from,
		End:        to,
		Agent:      agentRollupID,
		Kind:       metrics.HeartbeatKind,
		Resolution: metrics.ResolutionRaw,
		Limit:      1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to query heartbeats: %w", err)
	}
	return len(rows) > 0, nil
}

// Agents returns every agent rollup id with a heartbeat since the given time,
// sorted
func (s *Store) Agents(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.storage.Query(ctx, storage.QueryRequest{
		Start:      since,
		End:        time.Now(),
		Kind:       metrics.HeartbeatKind,
		Resolution: metrics.ResolutionRaw,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query heartbeats: %w", err)
	}

	seen := make(map[string]bool)
	var ids []string
	for _, m := range rows {
		if !seen[m.Agent] {
			seen[m.Agent] = true
			ids = append(ids, m.Agent)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
