package compaction

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/tinyapm/pkg/metrics"
)

// Aggregate stores aggregated samples of one series for a time bucket
type Aggregate struct {
	// Series identification
	Name   string
	Kind   metrics.Kind
	Agent  string
	Labels map[string]string // user labels only

	// Child is the agent rollup that contributed this row, if any
	Child string

	// Time bucket
	Timestamp  time.Time
	Resolution string

	// Aggregated values
	Sum   float64
	Count uint64
	Min   float64
	Max   float64
}

// newAggregate starts an empty aggregate for the series of m
func newAggregate(m metrics.Metric, bucket time.Time, resolution string) *Aggregate {
	return &Aggregate{
		Name:       m.Name,
		Kind:       m.Kind,
		Agent:      m.Agent,
		Labels:     m.UserLabels(),
		Timestamp:  bucket,
		Resolution: resolution,
	}
}

// Add folds a single raw value into the aggregate
func (a *Aggregate) Add(v float64) {
	if a.Count == 0 || v < a.Min {
		a.Min = v
	}
	if a.Count == 0 || v > a.Max {
		a.Max = v
	}
	a.Sum += v
	a.Count++
}

// Merge folds another aggregate into this one. This works because we store
// sum/count, not average.
func (a *Aggregate) Merge(o *Aggregate) {
	if o.Count == 0 {
		return
	}
	if a.Count == 0 || o.Min < a.Min {
		a.Min = o.Min
	}
	if a.Count == 0 || o.Max > a.Max {
		a.Max = o.Max
	}
	a.Sum += o.Sum
	a.Count += o.Count
}

// Average calculates the mean value
func (a *Aggregate) Average() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// ToMetric converts an aggregate back to a metric representation
// Stores aggregate metadata in special labels for proper re-aggregation
func (a *Aggregate) ToMetric() metrics.Metric {
	labels := make(map[string]string, len(a.Labels)+6)
	for k, v := range a.Labels {
		labels[k] = v
	}

	labels[metrics.ResolutionLabel] = a.Resolution
	if a.Child != "" {
		labels[metrics.ChildLabel] = a.Child
	}
	labels[metrics.SumLabel] = strconv.FormatFloat(a.Sum, 'g', -1, 64)
	labels[metrics.CountLabel] = strconv.FormatUint(a.Count, 10)
	labels[metrics.MinLabel] = strconv.FormatFloat(a.Min, 'g', -1, 64)
	labels[metrics.MaxLabel] = strconv.FormatFloat(a.Max, 'g', -1, 64)

	return metrics.Metric{
		Name:      a.Name,
		Kind:      a.Kind,
		Agent:     a.Agent,
		Value:     a.Average(), // Store average as the main value
		Labels:    labels,
		Timestamp: a.Timestamp,
	}
}

// FromMetric reconstructs an Aggregate from a metric with aggregate metadata
// Returns nil if the metric is not an aggregate (no __resolution__ label)
func FromMetric(m metrics.Metric) *Aggregate {
	resolution, isAggregate := m.Labels[metrics.ResolutionLabel]
	if !isAggregate {
		return nil
	}

	// Return nil if any required metadata is malformed
	sum, err := strconv.ParseFloat(m.Labels[metrics.SumLabel], 64)
	if err != nil {
		return nil
	}
	count, err := strconv.ParseUint(m.Labels[metrics.CountLabel], 10, 64)
	if err != nil {
		return nil
	}
	min, err := strconv.ParseFloat(m.Labels[metrics.MinLabel], 64)
	if err != nil {
		return nil
	}
	max, err := strconv.ParseFloat(m.Labels[metrics.MaxLabel], 64)
	if err != nil {
		return nil
	}

	return &Aggregate{
		Name:       m.Name,
		Kind:       m.Kind,
		Agent:      m.Agent,
		Labels:     m.UserLabels(),
		Child:      m.Labels[metrics.ChildLabel],
		Timestamp:  m.Timestamp,
		Resolution: resolution,
		Sum:        sum,
		Count:      count,
		Min:        min,
		Max:        max,
	}
}

// bucketKey creates a unique key for a series + bucket, ignoring agent, child
// and resolution
func bucketKey(name string, labels map[string]string, bucket time.Time) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('@')
	b.WriteString(strconv.FormatInt(bucket.UnixNano(), 10))

	// Add sorted labels for deterministic key
	if len(labels) > 0 {
		keys := make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			b.WriteByte(',')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(labels[k])
		}
	}
	return b.String()
}
