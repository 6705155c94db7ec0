package compaction

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// LookbackBuckets is how many completed buckets of each tier are recomputed
// on every pass, so that late data and a missed pass are picked up.
const LookbackBuckets = 2

// TierProvider supplies the rollup tiers, finest first
type TierProvider interface {
	RollupTiers() []config.RollupTier
}

// QueryTextRefresher keeps full query texts referenced by rolled-up rows alive
type QueryTextRefresher interface {
	RefreshContentTTL(ctx context.Context, agentID, hash string) ([]*storage.Pending, error)
	RefreshCheckTTL(ctx context.Context, agentID, hash string) ([]*storage.Pending, error)
}

// Compactor rolls one kind of telemetry up through the tiers of one agent
// rollup at a time
type Compactor struct {
	storage storage.Storage
	kind    metrics.Kind
	tiers   TierProvider
	texts   QueryTextRefresher
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Compactor
type Option func(*Compactor)

// WithQueryTexts refreshes the TTL of full query texts referenced by rows
func WithQueryTexts(texts QueryTextRefresher) Option {
	return func(c *Compactor) { c.texts = texts }
}

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(c *Compactor) { c.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Compactor) { c.logger = logger }
}

// New creates a compactor for kind
func New(store storage.Storage, kind metrics.Kind, tiers TierProvider, opts ...Option) *Compactor {
	c := &Compactor{
		storage: store,
		kind:    kind,
		tiers:   tiers,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("compaction").With(zap.String("kind", string(kind)))
	return c
}

// Rollup computes every tier of agentRollupID for the completed buckets in
// the look-back window.
//
// Tier 0 of a leaf is bucketed from its raw samples. Tier 0 of a non-leaf is
// merged from the contributions its children wrote. If parentID is set, the
// merged tier 0 rows are then contributed to the parent. Coarser tiers are
// merged from the tier below. Every write overwrites the same rows, so
// re-running a bucket is harmless.
func (c *Compactor) Rollup(ctx context.Context, agentRollupID, parentID string, leaf bool) error {
	tiers := c.tiers.RollupTiers()
	if len(tiers) == 0 {
		return nil
	}
	now := c.now()

	tier0, err := c.rollupTier0(ctx, agentRollupID, leaf, tiers[0], now)
	if err != nil {
		return err
	}

	if parentID != "" && len(tier0) > 0 {
		contributions := make([]metrics.Metric, 0, len(tier0))
		for _, agg := range tier0 {
			contribution := *agg
			contribution.Agent = parentID
			contribution.Child = agentRollupID
			contributions = append(contributions, contribution.ToMetric())
		}
		if err := c.storage.Write(ctx, contributions); err != nil {
			return fmt.Errorf("failed to write %s contributions to %s: %w", tiers[0].Name, parentID, err)
		}
	}

	if err := c.refreshQueryTexts(ctx, agentRollupID, parentID, tier0); err != nil {
		return err
	}

	for i := 1; i < len(tiers); i++ {
		if err := c.rollupTier(ctx, agentRollupID, tiers[i-1], tiers[i], now); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compactor) rollupTier0(ctx context.Context, agentRollupID string, leaf bool, tier config.RollupTier, now time.Time) ([]*Aggregate, error) {
	start, end := window(now, tier.Interval)

	if leaf {
		raw, err := c.storage.Query(ctx, storage.QueryRequest{
			Start:      start,
			End:        end,
			Agent:      agentRollupID,
			Kind:       c.kind,
			Resolution: metrics.ResolutionRaw,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query raw samples: %w", err)
		}

		buckets := make(map[string]*Aggregate)
		for _, m := range raw {
			bucket := m.Timestamp.Truncate(tier.Interval)
			key := bucketKey(m.Name, m.UserLabels(), bucket)
			agg, exists := buckets[key]
			if !exists {
				agg = newAggregate(m, bucket, tier.Name)
				buckets[key] = agg
			}
			agg.Add(m.Value)
		}
		return c.write(ctx, buckets, tier.Name)
	}

	rows, err := c.storage.Query(ctx, storage.QueryRequest{
		Start:      start,
		End:        end,
		Agent:      agentRollupID,
		Kind:       c.kind,
		Resolution: tier.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s contributions: %w", tier.Name, err)
	}

	buckets := make(map[string]*Aggregate)
	for _, m := range rows {
		if m.Labels[metrics.ChildLabel] == "" {
			continue
		}
		child := FromMetric(m)
		if child == nil {
			c.logger.Warn("skipping malformed aggregate row",
				zap.String("agent_rollup_id", agentRollupID), zap.String("name", m.Name))
			continue
		}
		key := bucketKey(child.Name, child.Labels, child.Timestamp)
		agg, exists := buckets[key]
		if !exists {
			agg = newAggregate(m, child.Timestamp, tier.Name)
			buckets[key] = agg
		}
		agg.Merge(child)
	}
	return c.write(ctx, buckets, tier.Name)
}

// rollupTier merges the agent's own rows of from into buckets of to
func (c *Compactor) rollupTier(ctx context.Context, agentRollupID string, from, to config.RollupTier, now time.Time) error {
	start, end := window(now, to.Interval)

	rows, err := c.storage.Query(ctx, storage.QueryRequest{
		Start:      start,
		End:        end,
		Agent:      agentRollupID,
		Kind:       c.kind,
		Resolution: from.Name,
	})
	if err != nil {
		return fmt.Errorf("failed to query %s aggregates: %w", from.Name, err)
	}

	buckets := make(map[string]*Aggregate)
	for _, m := range rows {
		if m.Labels[metrics.ChildLabel] != "" {
			continue
		}
		src := FromMetric(m)
		if src == nil {
			continue
		}
		bucket := src.Timestamp.Truncate(to.Interval)
		key := bucketKey(src.Name, src.Labels, bucket)
		agg, exists := buckets[key]
		if !exists {
			agg = newAggregate(m, bucket, to.Name)
			buckets[key] = agg
		}
		agg.Merge(src)
	}

	_, err = c.write(ctx, buckets, to.Name)
	return err
}

// write stores the buckets as the agent's own rows, returned in a stable order
func (c *Compactor) write(ctx context.Context, buckets map[string]*Aggregate, resolution string) ([]*Aggregate, error) {
	if len(buckets) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	aggs := make([]*Aggregate, 0, len(keys))
	rows := make([]metrics.Metric, 0, len(keys))
	for _, k := range keys {
		agg := buckets[k]
		aggs = append(aggs, agg)
		rows = append(rows, agg.ToMetric())
	}

	if err := c.storage.Write(ctx, rows); err != nil {
		return nil, fmt.Errorf("failed to write %s aggregates: %w", resolution, err)
	}
	return aggs, nil
}

// refreshQueryTexts pushes out the TTL of every full query text still
// referenced by the rolled-up rows, and waits for the writes.
func (c *Compactor) refreshQueryTexts(ctx context.Context, agentRollupID, parentID string, aggs []*Aggregate) error {
	if c.texts == nil {
		return nil
	}

	seen := make(map[string]bool)
	var pending []*storage.Pending
	for _, agg := range aggs {
		hash := agg.Labels[metrics.QueryHashLabel]
		if hash == "" || seen[hash] {
			continue
		}
		seen[hash] = true

		p, err := c.texts.RefreshContentTTL(ctx, agentRollupID, hash)
		if err != nil {
			return fmt.Errorf("failed to refresh full query text %s: %w", hash, err)
		}
		pending = append(pending, p...)

		if parentID != "" {
			p, err := c.texts.RefreshCheckTTL(ctx, parentID, hash)
			if err != nil {
				return fmt.Errorf("failed to refresh full query text %s of %s: %w", hash, parentID, err)
			}
			pending = append(pending, p...)
		}
	}

	if err := storage.WaitAll(ctx, pending); err != nil {
		return fmt.Errorf("failed to refresh full query texts: %w", err)
	}
	return nil
}

// window returns the range of the completed buckets in the look-back window.
// The bucket in progress is excluded.
func window(now time.Time, interval time.Duration) (time.Time, time.Time) {
	current := now.Truncate(interval)
	start := current.Add(-LookbackBuckets * interval)
	return start, current.Add(-time.Nanosecond)
}
