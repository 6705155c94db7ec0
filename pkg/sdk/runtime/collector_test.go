package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyapm/pkg/metrics"
)

type sliceSink struct {
	mu  sync.Mutex
	got []metrics.Metric
}

func (s *sliceSink) Add(m metrics.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, m)
}

func (s *sliceSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestCollect(t *testing.T) {
	sink := &sliceSink{}
	c := NewCollector(sink, 0)
	assert.Equal(t, 15*time.Second, c.interval)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return ts }
	c.Collect()

	byName := make(map[string]metrics.Metric)
	for _, m := range sink.got {
		byName[m.Name] = m
		assert.Equal(t, metrics.GaugeKind, m.Kind)
		assert.Equal(t, ts, m.Timestamp)
	}
	require.Len(t, byName, 7)
	assert.Positive(t, byName[GoroutinesGauge].Value)
	assert.Positive(t, byName[HeapAllocGauge].Value)
}

func TestRunStopsOnCancel(t *testing.T) {
	sink := &sliceSink{}
	c := NewCollector(sink, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sink.len() >= 14 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}
