package storage

import (
	"context"
	"time"

	"github.com/nicktill/tinyapm/pkg/metrics"
)

// Storage defines the interface for telemetry storage backends.
// Implementations: memory (testing), badger (production)
type Storage interface {
	// Write stores samples. Writing the same series and timestamp twice overwrites.
	Write(ctx context.Context, samples []metrics.Metric) error

	// Query retrieves samples within a time range
	Query(ctx context.Context, req QueryRequest) ([]metrics.Metric, error)

	// Delete removes samples matching the options
	Delete(ctx context.Context, opts DeleteOptions) error

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// TextStore holds the two relations of the full query text dedup store:
//
//	check[(agentID, hash)] -> presence, ttl
//	content[hash]          -> text, ttl
//
// Expiry is left entirely to the backend's TTL mechanism.
type TextStore interface {
	// CheckExists reports whether agentID holds a live reference to hash
	CheckExists(ctx context.Context, agentID, hash string) (bool, error)

	// ReadText returns the content row for hash
	ReadText(ctx context.Context, hash string) (string, bool, error)

	// WriteCheck asynchronously (re)writes the check row with the given TTL
	WriteCheck(agentID, hash string, ttl time.Duration) *Pending

	// WriteText asynchronously (re)writes the content row with the given TTL
	WriteText(hash, text string, ttl time.Duration) *Pending
}

// QueryRequest specifies what samples to retrieve
type QueryRequest struct {
	// Time range (inclusive)
	Start time.Time
	End   time.Time

	// Filter by agent rollup id (optional)
	Agent string

	// Filter by kind (optional)
	Kind metrics.Kind

	// Filter by metric name (optional)
	MetricNames []string

	// Filter by labels (optional)
	Labels map[string]string

	// Filter by resolution (optional). metrics.ResolutionRaw selects samples
	// without a resolution label.
	Resolution string

	// Limit number of results (0 = no limit)
	Limit int
}

// DeleteOptions specifies which samples to remove
type DeleteOptions struct {
	// Before removes samples strictly older than this time
	Before time.Time

	// Resolution restricts deletion to one tier (optional, same semantics as
	// QueryRequest.Resolution)
	Resolution string
}

// Stats provides storage health and usage info
type Stats struct {
	// Total samples stored
	TotalMetrics uint64

	// Unique series (agent + metric name + label combinations)
	TotalSeries uint64

	// Live query text rows
	CheckRows   uint64
	ContentRows uint64

	// Storage size in bytes
	SizeBytes uint64

	// Oldest sample timestamp
	OldestMetric time.Time

	// Newest sample timestamp
	NewestMetric time.Time
}

// Matches checks if a sample matches the query filters
func Matches(m metrics.Metric, req QueryRequest) bool {
	if m.Timestamp.Before(req.Start) || m.Timestamp.After(req.End) {
		return false
	}
	if req.Agent != "" && m.Agent != req.Agent {
		return false
	}
	if req.Kind != "" && m.Kind != req.Kind {
		return false
	}
	if len(req.MetricNames) > 0 {
		found := false
		for _, name := range req.MetricNames {
			if m.Name == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, v := range req.Labels {
		if m.Labels == nil || m.Labels[k] != v {
			return false
		}
	}
	if req.Resolution != "" && m.Resolution() != req.Resolution {
		return false
	}
	return true
}

// MatchesDelete checks if a sample is selected by the delete options
func MatchesDelete(m metrics.Metric, opts DeleteOptions) bool {
	if !m.Timestamp.Before(opts.Before) {
		return false
	}
	return opts.Resolution == "" || m.Resolution() == opts.Resolution
}
