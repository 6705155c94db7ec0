// Package dedup stores full query texts once per content hash, shared by
// every agent that references them.
//
// Two relations back the store: a per-agent check row recording that an agent
// references a hash, and a content row holding the text itself. Both carry a
// TTL derived from the same formula, so content always outlives the check rows
// that point at it. Rows are never deleted explicitly; they expire.
//
// Writes for a given (agent, hash) pair are suppressed by a rate limiter for a
// day after a successful attempt. A failed write clears that suppression so the
// next caller retries.
package dedup

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// MaxTTLSeconds is the ceiling of a row TTL
const MaxTTLSeconds = math.MaxInt32

// Limiter is the subset of ratelimit.Limiter the store needs
type Limiter interface {
	TryAcquire(key string) bool
	Invalidate(key string)
}

// RetentionProvider supplies the inputs of the TTL formula. It is read on
// every write so retention changes apply without a restart.
type RetentionProvider interface {
	RollupTiers() []config.RollupTier
	QueryTextRetentionHours() int64
}

// Store is the full query text dedup store
type Store struct {
	texts     storage.TextStore
	limiter   Limiter
	retention RetentionProvider
	logger    *zap.Logger
}

// New creates a Store
func New(texts storage.TextStore, limiter Limiter, retention RetentionProvider, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		texts:     texts,
		limiter:   limiter,
		retention: retention,
		logger:    logger.Named("dedup"),
	}
}

// Key is the rate limiter key of an (agent, hash) pair
func Key(agentID, hash string) string {
	return agentID + "\x00" + hash
}

// TTL returns the row TTL in seconds: the coarsest rollup interval, plus one
// day of rate limiter margin, plus the configured retention. It saturates at
// MaxTTLSeconds.
func TTL(tiers []config.RollupTier, retentionHours int64) int64 {
	var coarsest int64
	if len(tiers) > 0 {
		coarsest = int64(tiers[len(tiers)-1].Interval / time.Second)
	}

	ttl := coarsest + 86400
	if retentionHours > 0 {
		if retentionHours > (MaxTTLSeconds-ttl)/3600 {
			return MaxTTLSeconds
		}
		ttl += retentionHours * 3600
	}
	if ttl > MaxTTLSeconds {
		return MaxTTLSeconds
	}
	return ttl
}

// Lookup returns the text agentID stored under hash. Content stored only by
// other agents is not visible.
func (s *Store) Lookup(ctx context.Context, agentID, hash string) (string, bool, error) {
	exists, err := s.texts.CheckExists(ctx, agentID, hash)
	if err != nil {
		return "", false, fmt.Errorf("failed to read check row: %w", err)
	}
	if !exists {
		return "", false, nil
	}

	text, ok, err := s.texts.ReadText(ctx, hash)
	if err != nil {
		return "", false, fmt.Errorf("failed to read full query text: %w", err)
	}
	if !ok {
		missingContentTotal.Inc()
		s.logger.Warn("full query text record not found",
			zap.String("agent_rollup_id", agentID), zap.String("sha1", hash))
		return "", false, nil
	}
	return text, true, nil
}

// Store writes the check row and the content row, unless the pair was already
// written within the rate limiter window, in which case it returns no handles.
// The returned handles resolve when the writes are durable.
func (s *Store) Store(ctx context.Context, agentID, hash, text string) ([]*storage.Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := Key(agentID, hash)
	if !s.limiter.TryAcquire(key) {
		writesSuppressedTotal.Inc()
		return nil, nil
	}
	return s.writeBoth(key, agentID, hash, text), nil
}

// RefreshContentTTL pushes out the TTL of both rows of the pair. It is called
// while rolling up data that still references hash.
func (s *Store) RefreshContentTTL(ctx context.Context, agentID, hash string) ([]*storage.Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := Key(agentID, hash)
	if !s.limiter.TryAcquire(key) {
		writesSuppressedTotal.Inc()
		return nil, nil
	}

	text, ok, err := s.texts.ReadText(ctx, hash)
	if err != nil {
		s.limiter.Invalidate(key)
		return nil, fmt.Errorf("failed to read full query text: %w", err)
	}
	if !ok {
		missingContentTotal.Inc()
		s.logger.Warn("full query text record not found",
			zap.String("agent_rollup_id", agentID), zap.String("sha1", hash))
		return nil, nil
	}
	return s.writeBoth(key, agentID, hash, text), nil
}

// RefreshCheckTTL pushes out the TTL of the check row only. It is called for
// parent rollups, whose content row is kept alive by the child.
func (s *Store) RefreshCheckTTL(ctx context.Context, agentID, hash string) ([]*storage.Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := Key(agentID, hash)
	if !s.limiter.TryAcquire(key) {
		writesSuppressedTotal.Inc()
		return nil, nil
	}

	writesIssuedTotal.WithLabelValues("check").Inc()
	return s.guard(key, write{"check", s.texts.WriteCheck(agentID, hash, s.ttl())}), nil
}

func (s *Store) writeBoth(key, agentID, hash, text string) []*storage.Pending {
	ttl := s.ttl()
	writesIssuedTotal.WithLabelValues("check").Inc()
	writesIssuedTotal.WithLabelValues("content").Inc()
	return s.guard(key,
		write{"check", s.texts.WriteCheck(agentID, hash, ttl)},
		write{"content", s.texts.WriteText(hash, text, ttl)},
	)
}

type write struct {
	relation string
	pending  *storage.Pending
}

// guard returns one handle per write. The handles resolve together, once every
// write has finished and, if any failed, the limiter key has been invalidated
// exactly once. A caller that acquires the key again after its handles resolve
// cannot lose that acquisition to a late invalidation.
func (s *Store) guard(key string, writes ...write) []*storage.Pending {
	out := make([]*storage.Pending, len(writes))
	for i := range out {
		out[i] = storage.NewPending()
	}
	go func() {
		errs := make([]error, len(writes))
		failed := false
		for i, w := range writes {
			errs[i] = w.pending.Wait(context.Background())
			if errs[i] != nil {
				failed = true
				writeFailuresTotal.WithLabelValues(w.relation).Inc()
				s.logger.Debug("full query text write failed", zap.String("relation", w.relation), zap.Error(errs[i]))
			}
		}
		if failed {
			s.limiter.Invalidate(key)
		}
		for i, p := range out {
			p.Resolve(errs[i])
		}
	}()
	return out
}

func (s *Store) ttl() time.Duration {
	return time.Duration(TTL(s.retention.RollupTiers(), s.retention.QueryTextRetentionHours())) * time.Second
}
