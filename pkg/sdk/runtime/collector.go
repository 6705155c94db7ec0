// Package runtime samples Go runtime gauges for an agent.
package runtime

import (
	"context"
	"runtime"
	"time"

	"github.com/nicktill/tinyapm/pkg/metrics"
)

// Gauge names reported by the collector
const (
	GoroutinesGauge = "go.runtime:goroutines"
	HeapAllocGauge  = "go.runtime:heap_alloc_bytes"
	HeapSysGauge    = "go.runtime:heap_sys_bytes"
	HeapObjsGauge   = "go.runtime:heap_objects"
	StackGauge      = "go.runtime:stack_inuse_bytes"
	GCCountGauge    = "go.runtime:gc_count"
	GCPauseGauge    = "go.runtime:gc_pause_total_seconds"
)

// Sink receives collected samples
type Sink interface {
	Add(m metrics.Metric)
}

// Collector periodically samples Go runtime gauges
type Collector struct {
	sink     Sink
	interval time.Duration
	now      func() time.Time
}

// NewCollector creates a new runtime collector
func NewCollector(sink Sink, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{sink: sink, interval: interval, now: time.Now}
}

// Run samples immediately and then on every interval until ctx is done
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one sample of every gauge
func (c *Collector) Collect() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	now := c.now()

	values := []struct {
		name  string
		value float64
	}{
		{GoroutinesGauge, float64(runtime.NumGoroutine())},
		{HeapAllocGauge, float64(m.HeapAlloc)},
		{HeapSysGauge, float64(m.HeapSys)},
		{HeapObjsGauge, float64(m.HeapObjects)},
		{StackGauge, float64(m.StackInuse)},
		{GCCountGauge, float64(m.NumGC)},
		{GCPauseGauge, float64(m.PauseTotalNs) / 1e9},
	}
	for _, v := range values {
		c.sink.Add(metrics.Metric{
			Name:      v.name,
			Kind:      metrics.GaugeKind,
			Value:     v.value,
			Timestamp: now,
		})
	}
}
