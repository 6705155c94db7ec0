package sdk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/agent"
	"github.com/nicktill/tinyapm/pkg/ingest"
	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/sdk/batch"
	"github.com/nicktill/tinyapm/pkg/sdk/runtime"
	"github.com/nicktill/tinyapm/pkg/sdk/transport"
)

// DefaultEndpoint is the ingest endpoint of a local central node
const DefaultEndpoint = "http://localhost:8080/v1/ingest"

// ClientConfig holds configuration for the reporting client
type ClientConfig struct {
	// AgentID is the agent's full rollup path, e.g. "prod/web/host-1"
	AgentID  string
	APIKey   string
	Endpoint string

	FlushEvery time.Duration

	// RuntimeEvery is the Go runtime gauge interval. Negative disables it.
	RuntimeEvery time.Duration

	Logger *zap.Logger
}

// Client records transactions, gauges and synthetic results and reports them
// to a central node
type Client struct {
	agentID   string
	batcher   *batch.Batcher
	collector *runtime.Collector
	logger    *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new client
func New(cfg ClientConfig) (*Client, error) {
	agentID, err := agent.Normalize(cfg.AgentID)
	if err != nil {
		return nil, fmt.Errorf("invalid agent id %q: %w", cfg.AgentID, err)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sdk").With(zap.String("agent_id", agentID))

	tr, err := transport.NewHTTP(cfg.Endpoint, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return newClient(agentID, tr, cfg, logger), nil
}

func newClient(agentID string, tr transport.Transport, cfg ClientConfig, logger *zap.Logger) *Client {
	c := &Client{
		agentID: agentID,
		batcher: batch.New(tr, batch.Config{
			AgentID:    agentID,
			FlushEvery: cfg.FlushEvery,
			Logger:     logger,
		}),
		logger: logger,
	}
	if cfg.RuntimeEvery >= 0 {
		c.collector = runtime.NewCollector(c.batcher, cfg.RuntimeEvery)
	}
	return c
}

// AgentID returns the normalized agent id reports are sent as
func (c *Client) AgentID() string {
	return c.agentID
}

// RecordTransaction records one completed transaction. The value stored is
// the duration in milliseconds.
func (c *Client) RecordTransaction(transactionType, name string, d time.Duration, labels map[string]string) {
	c.batcher.Add(metrics.Metric{
		Name:      name,
		Kind:      metrics.TransactionKind,
		Value:     millis(d),
		Labels:    withLabel(labels, metrics.TransactionTypeLabel, transactionType),
		Timestamp: time.Now(),
	})
}

// RecordQuery records one query executed by a transaction. The full query
// text is sent once per report and the sample references it by sha1.
func (c *Client) RecordQuery(transactionType, name, queryText string, d time.Duration) {
	hash := ingest.HashText(queryText)
	c.batcher.AddQueryText(hash, queryText)

	labels := withLabel(nil, metrics.TransactionTypeLabel, transactionType)
	labels[metrics.QueryHashLabel] = hash
	c.batcher.Add(metrics.Metric{
		Name:      name,
		Kind:      metrics.TransactionKind,
		Value:     millis(d),
		Labels:    labels,
		Timestamp: time.Now(),
	})
}

// SetGauge records the current value of a gauge
func (c *Client) SetGauge(name string, value float64, labels map[string]string) {
	c.batcher.Add(metrics.Metric{
		Name:      name,
		Kind:      metrics.GaugeKind,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	})
}

// RecordSynthetic records the duration of one synthetic monitor run
func (c *Client) RecordSynthetic(name string, d time.Duration, err error) {
	labels := map[string]string{"result": "ok"}
	if err != nil {
		labels["result"] = "error"
	}
	c.batcher.Add(metrics.Metric{
		Name:      name,
		Kind:      metrics.SyntheticKind,
		Value:     millis(d),
		Labels:    labels,
		Timestamp: time.Now(),
	})
}

// Start starts periodic reporting and runtime collection
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("client already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	if err := c.batcher.Start(ctx); err != nil {
		c.cancel()
		return fmt.Errorf("failed to start batcher: %w", err)
	}
	if c.collector != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.collector.Run(ctx)
		}()
	}
	c.started = true
	c.logger.Info("reporting started")
	return nil
}

// Stop stops collection and flushes everything still buffered
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}

	c.cancel()
	c.wg.Wait()
	c.started = false

	if err := c.batcher.Stop(); err != nil {
		return fmt.Errorf("failed to flush reports: %w", err)
	}
	if dropped := c.batcher.Dropped(); dropped > 0 {
		c.logger.Warn("samples were dropped", zap.Int64("dropped", dropped))
	}
	return nil
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func withLabel(labels map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for lk, lv := range labels {
		out[lk] = lv
	}
	if v != "" {
		out[k] = v
	}
	return out
}
