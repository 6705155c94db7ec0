// Package batch buffers samples and full query texts and sends them as
// reports.
package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/ingest"
	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/sdk/transport"
)

const defaultSendTimeout = 30 * time.Second

// Config holds configuration for the batcher
type Config struct {
	AgentID      string
	MaxBatchSize int
	FlushEvery   time.Duration
	SendTimeout  time.Duration
	Logger       *zap.Logger
}

// Batcher batches samples and sends them periodically. The query texts
// added since the last flush travel in the same report as the samples, so
// the central node stores them before the samples that reference them.
type Batcher struct {
	config    Config
	transport transport.Transport
	logger    *zap.Logger

	mu      sync.Mutex
	metrics []metrics.Metric
	texts   map[string]string // sha1 -> text

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	sends  sync.WaitGroup

	flushing atomic.Bool // one background flush at a time
	dropped  atomic.Int64
}

// New creates a new batcher
func New(tr transport.Transport, cfg Config) *Batcher {
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > config.IngestMaxMetrics {
		cfg.MaxBatchSize = config.IngestMaxMetrics
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		config:    cfg,
		transport: tr,
		logger:    logger.Named("batch"),
		metrics:   make([]metrics.Metric, 0, cfg.MaxBatchSize),
		texts:     make(map[string]string),
		ctx:       context.Background(),
		done:      make(chan struct{}),
	}
}

// Start starts the periodic flush loop
func (b *Batcher) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.flushLoop()
	return nil
}

// Add adds a sample to the batch and triggers a background flush once the
// batch is full
func (b *Batcher) Add(m metrics.Metric) {
	b.mu.Lock()
	b.metrics = append(b.metrics, m)
	full := len(b.metrics) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if full {
		b.flushAsync()
	}
}

// AddQueryText queues a full query text for the next report. Texts already
// queued are not duplicated.
func (b *Batcher) AddQueryText(hash, text string) {
	b.mu.Lock()
	b.texts[hash] = text
	full := len(b.texts) >= config.IngestMaxQueryTexts
	b.mu.Unlock()

	if full {
		b.flushAsync()
	}
}

// Pending returns the number of buffered samples
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.metrics)
}

// Dropped returns how many samples were lost to failed sends
func (b *Batcher) Dropped() int64 {
	return b.dropped.Load()
}

// Flush sends all pending samples and texts and waits for the result
func (b *Batcher) Flush() error {
	for {
		req := b.drain()
		if req == nil {
			return nil
		}
		if err := b.send(req); err != nil {
			return err
		}
	}
}

// Stop stops the flush loop, waits for background sends and flushes what is
// left
func (b *Batcher) Stop() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	b.sends.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), b.config.SendTimeout)
	defer cancel()
	for {
		req := b.drain()
		if req == nil {
			return nil
		}
		if err := b.sendWith(ctx, req); err != nil {
			return err
		}
	}
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.flushAsync()
		}
	}
}

// flushAsync sends the pending report in the background unless a background
// flush is already running
func (b *Batcher) flushAsync() {
	if !b.flushing.CompareAndSwap(false, true) {
		return
	}
	req := b.drain()
	if req == nil {
		b.flushing.Store(false)
		return
	}

	b.sends.Add(1)
	go func() {
		defer b.sends.Done()
		defer b.flushing.Store(false)
		if err := b.send(req); err != nil {
			b.logger.Warn("failed to send report",
				zap.Int("samples", len(req.Metrics)),
				zap.Int("query_texts", len(req.QueryTexts)),
				zap.Error(err))
		}
	}()
}

// drain takes up to one report worth of pending samples and texts
func (b *Batcher) drain() *ingest.IngestRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.metrics) == 0 && len(b.texts) == 0 {
		return nil
	}

	n := min(len(b.metrics), b.config.MaxBatchSize)
	req := &ingest.IngestRequest{
		AgentID: b.config.AgentID,
		Metrics: make([]metrics.Metric, n),
	}
	copy(req.Metrics, b.metrics[:n])
	b.metrics = append(b.metrics[:0], b.metrics[n:]...)

	for hash, text := range b.texts {
		if len(req.QueryTexts) == config.IngestMaxQueryTexts {
			break
		}
		req.QueryTexts = append(req.QueryTexts, ingest.QueryText{SHA1: hash, Text: text})
		delete(b.texts, hash)
	}
	return req
}

func (b *Batcher) send(req *ingest.IngestRequest) error {
	ctx, cancel := context.WithTimeout(b.ctx, b.config.SendTimeout)
	defer cancel()
	return b.sendWith(ctx, req)
}

func (b *Batcher) sendWith(ctx context.Context, req *ingest.IngestRequest) error {
	if err := b.transport.Send(ctx, req); err != nil {
		b.dropped.Add(int64(len(req.Metrics)))
		return err
	}
	return nil
}
