package metrics

import (
	"time"
)

// Kind is the telemetry signal a sample belongs to
type Kind string

const (
	TransactionKind Kind = "transaction" // transaction timings (aggregates)
	GaugeKind       Kind = "gauge"
	SyntheticKind   Kind = "synthetic" // synthetic monitor results
	HeartbeatKind   Kind = "heartbeat"
)

// Reserved labels. Anything starting with '_' is internal and never part of a
// user-visible series.
const (
	// ResolutionLabel holds the rollup tier name ("1m", "5m", ...) of an aggregate.
	// Raw samples have no resolution label.
	ResolutionLabel = "__resolution__"

	// ChildLabel marks a tier-0 row contributed to a parent by one of its children
	ChildLabel = "__child__"

	// QueryHashLabel references a full query text stored in the dedup store
	QueryHashLabel = "query_sha1"

	// TransactionTypeLabel groups transaction samples (e.g. "Web", "Background")
	TransactionTypeLabel = "transaction_type"
)

// Aggregate statistics of a rolled-up row. They are row values, not part of the
// series identity.
const (
	SumLabel   = "__sum__"
	CountLabel = "__count__"
	MinLabel   = "__min__"
	MaxLabel   = "__max__"
)

// IsStatLabel reports whether k holds an aggregate statistic
func IsStatLabel(k string) bool {
	switch k {
	case SumLabel, CountLabel, MinLabel, MaxLabel:
		return true
	}
	return false
}

// ResolutionRaw selects samples that have not been rolled up yet
const ResolutionRaw = "raw"

// Metric represents a single telemetry data point reported by (or rolled up for)
// one agent rollup id
type Metric struct {
	Name      string            `json:"name"`
	Kind      Kind              `json:"kind"`
	Agent     string            `json:"agent,omitempty"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Resolution returns the rollup tier of the sample, or ResolutionRaw.
func (m Metric) Resolution() string {
	if r := m.Labels[ResolutionLabel]; r != "" {
		return r
	}
	return ResolutionRaw
}

// UserLabels returns a copy of the labels without the internal ones.
func (m Metric) UserLabels() map[string]string {
	out := make(map[string]string, len(m.Labels))
	for k, v := range m.Labels {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		out[k] = v
	}
	return out
}
