package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// Storage stores telemetry and query texts in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu      sync.RWMutex
	samples map[string]metrics.Metric

	checks   map[checkKey]time.Time // -> expiry
	contents map[string]textRow

	// Now is injected for deterministic TTL tests.
	Now func() time.Time
}

type checkKey struct {
	agentID string
	hash    string
}

type textRow struct {
	text    string
	expires time.Time
}

var (
	_ storage.Storage   = (*Storage)(nil)
	_ storage.TextStore = (*Storage)(nil)
)

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		samples:  make(map[string]metrics.Metric),
		checks:   make(map[checkKey]time.Time),
		contents: make(map[string]textRow),
		Now:      time.Now,
	}
}

// Write stores samples in memory, overwriting any sample of the same series
// and timestamp
func (s *Storage) Write(ctx context.Context, samples []metrics.Metric) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range samples {
		s.samples[sampleKey(m)] = m
	}
	return nil
}

// Query retrieves samples matching the request, ordered by timestamp
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]metrics.Metric, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []metrics.Metric
	for _, m := range s.samples {
		if storage.Matches(m, req) {
			results = append(results, m)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if !results[i].Timestamp.Equal(results[j].Timestamp) {
			return results[i].Timestamp.Before(results[j].Timestamp)
		}
		return sampleKey(results[i]) < sampleKey(results[j])
	})

	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// Delete removes samples selected by opts
func (s *Storage) Delete(ctx context.Context, opts storage.DeleteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, m := range s.samples {
		if storage.MatchesDelete(m, opts) {
			delete(s.samples, key)
		}
	}
	return nil
}

// CheckExists reports whether a live check row exists for (agentID, hash)
func (s *Storage) CheckExists(ctx context.Context, agentID, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	expires, ok := s.checks[checkKey{agentID, hash}]
	return ok && s.Now().Before(expires), nil
}

// ReadText returns the live content row for hash
func (s *Storage) ReadText(ctx context.Context, hash string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.contents[hash]
	if !ok || !s.Now().Before(row.expires) {
		return "", false, nil
	}
	return row.text, true, nil
}

// WriteCheck writes the check row. Memory writes complete before returning.
func (s *Storage) WriteCheck(agentID, hash string, ttl time.Duration) *storage.Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checks[checkKey{agentID, hash}] = s.Now().Add(ttl)
	return storage.Resolved(nil)
}

// WriteText writes the content row. Memory writes complete before returning.
func (s *Storage) WriteText(hash, text string, ttl time.Duration) *storage.Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contents[hash] = textRow{text: text, expires: s.Now().Add(ttl)}
	return storage.Resolved(nil)
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.Now()
	stats := &storage.Stats{
		TotalMetrics: uint64(len(s.samples)),
	}
	for _, expires := range s.checks {
		if now.Before(expires) {
			stats.CheckRows++
		}
	}
	for _, row := range s.contents {
		if now.Before(row.expires) {
			stats.ContentRows++
		}
	}

	// Count unique series and find min/max timestamps in single pass
	series := make(map[string]bool)
	for _, m := range s.samples {
		series[storage.SeriesKey(m)] = true
		if stats.OldestMetric.IsZero() || m.Timestamp.Before(stats.OldestMetric) {
			stats.OldestMetric = m.Timestamp
		}
		if m.Timestamp.After(stats.NewestMetric) {
			stats.NewestMetric = m.Timestamp
		}
	}
	stats.TotalSeries = uint64(len(series))

	// Rough size estimate (each sample ~100 bytes)
	stats.SizeBytes = uint64(len(s.samples)) * 100

	return stats, nil
}

func sampleKey(m metrics.Metric) string {
	return storage.SeriesKey(m) + "@" + strconv.FormatInt(m.Timestamp.UnixNano(), 10)
}
