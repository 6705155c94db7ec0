package ingest

import (
	"sync"
	"time"

	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/storage"
)

const (
	// Series not reported for this long stop counting against the limits
	seriesRetentionPeriod = 24 * time.Hour

	cleanupInterval = 1 * time.Hour
)

type seriesEntry struct {
	agent    string
	name     string
	lastSeen time.Time
}

// CardinalityTracker enforces per-agent series limits. Series that have not
// been reported for a day are forgotten.
type CardinalityTracker struct {
	mu sync.Mutex

	seen      map[string]*seriesEntry // storage.SeriesKey -> entry
	perAgent  map[string]int
	perMetric map[string]int // agent + "\x00" + name

	lastCleanup time.Time
	now         func() time.Time
}

// NewCardinalityTracker creates an empty tracker
func NewCardinalityTracker() *CardinalityTracker {
	return &CardinalityTracker{
		seen:        make(map[string]*seriesEntry),
		perAgent:    make(map[string]int),
		perMetric:   make(map[string]int),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Admit checks a batch of samples of one agent against the limits and, if
// they fit, records the new series. Either all samples are admitted or none.
func (c *CardinalityTracker) Admit(samples []metrics.Metric) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.cleanupLocked(now)

	added := make(map[string]metrics.Metric)
	agentAdds := make(map[string]int)
	metricAdds := make(map[string]int)
	for _, m := range samples {
		key := storage.SeriesKey(m)
		if _, exists := c.seen[key]; exists {
			continue
		}
		if _, exists := added[key]; exists {
			continue
		}

		mk := metricKey(m.Agent, m.Name)
		if c.perAgent[m.Agent]+agentAdds[m.Agent] >= MaxSeriesPerAgent {
			return ErrCardinalityLimit
		}
		if c.perMetric[mk]+metricAdds[mk] >= MaxSeriesPerMetric {
			return ErrMetricCardinalityLimit
		}
		added[key] = m
		agentAdds[m.Agent]++
		metricAdds[mk]++
	}

	for _, m := range samples {
		key := storage.SeriesKey(m)
		if entry, exists := c.seen[key]; exists {
			entry.lastSeen = now
			continue
		}
		c.seen[key] = &seriesEntry{agent: m.Agent, name: m.Name, lastSeen: now}
		c.perAgent[m.Agent]++
		c.perMetric[metricKey(m.Agent, m.Name)]++
	}
	return nil
}

// cleanupLocked forgets series not seen within the retention period
func (c *CardinalityTracker) cleanupLocked(now time.Time) {
	if now.Sub(c.lastCleanup) < cleanupInterval {
		return
	}
	c.lastCleanup = now
	cutoff := now.Add(-seriesRetentionPeriod)

	for key, entry := range c.seen {
		if !entry.lastSeen.Before(cutoff) {
			continue
		}
		delete(c.seen, key)
		if c.perAgent[entry.agent]--; c.perAgent[entry.agent] <= 0 {
			delete(c.perAgent, entry.agent)
		}
		mk := metricKey(entry.agent, entry.name)
		if c.perMetric[mk]--; c.perMetric[mk] <= 0 {
			delete(c.perMetric, mk)
		}
	}
}

// Stats returns current cardinality statistics
func (c *CardinalityTracker) Stats() CardinalityStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var maxAgent string
	var maxCount int
	for agent, count := range c.perAgent {
		if count > maxCount || (count == maxCount && agent < maxAgent) {
			maxCount = count
			maxAgent = agent
		}
	}

	return CardinalityStats{
		TotalSeries:    len(c.seen),
		Agents:         len(c.perAgent),
		MaxSeriesAgent: maxAgent,
		MaxSeriesCount: maxCount,
		AgentLimit:     MaxSeriesPerAgent,
		PerMetricLimit: MaxSeriesPerMetric,
	}
}

// CardinalityStats provides cardinality usage information
type CardinalityStats struct {
	TotalSeries    int    `json:"total_series"`
	Agents         int    `json:"agents"`
	MaxSeriesAgent string `json:"max_series_agent,omitempty"`
	MaxSeriesCount int    `json:"max_series_count"`
	AgentLimit     int    `json:"agent_limit"`
	PerMetricLimit int    `json:"per_metric_limit"`
}

func metricKey(agent, name string) string {
	return agent + "\x00" + name
}
