package dedup

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/ratelimit"
	"github.com/nicktill/tinyapm/pkg/storage"
	"github.com/nicktill/tinyapm/pkg/storage/memory"
)

// recordingTexts wraps the memory backend, counting writes and failing them
// on demand.
type recordingTexts struct {
	*memory.Storage

	mu         sync.Mutex
	checks     int
	contents   int
	lastTTL    time.Duration
	failWrites error
}

func (r *recordingTexts) WriteCheck(agentID, hash string, ttl time.Duration) *storage.Pending {
	r.mu.Lock()
	r.checks++
	r.lastTTL = ttl
	fail := r.failWrites
	r.mu.Unlock()
	if fail != nil {
		return storage.Resolved(fail)
	}
	return r.Storage.WriteCheck(agentID, hash, ttl)
}

func (r *recordingTexts) WriteText(hash, text string, ttl time.Duration) *storage.Pending {
	r.mu.Lock()
	r.contents++
	fail := r.failWrites
	r.mu.Unlock()
	if fail != nil {
		return storage.Resolved(fail)
	}
	return r.Storage.WriteText(hash, text, ttl)
}

func (r *recordingTexts) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checks, r.contents
}

func (r *recordingTexts) setFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWrites = err
}

func newTestStore(t *testing.T) (*Store, *recordingTexts) {
	t.Helper()
	limiter, err := ratelimit.New(100, time.Hour)
	require.NoError(t, err)
	t.Cleanup(limiter.Close)

	texts := &recordingTexts{Storage: memory.New()}
	return New(texts, limiter, config.Default(), zaptest.NewLogger(t)), texts
}

func TestStore_WritesOncePerWindow(t *testing.T) {
	store, texts := newTestStore(t)
	ctx := context.Background()

	pending, err := store.Store(ctx, "prod/web", "h1", "select * from orders")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.NoError(t, storage.WaitAll(ctx, pending))

	pending, err = store.Store(ctx, "prod/web", "h1", "select * from orders")
	require.NoError(t, err)
	assert.Empty(t, pending)

	checks, contents := texts.counts()
	assert.Equal(t, 1, checks)
	assert.Equal(t, 1, contents)

	text, ok, err := store.Lookup(ctx, "prod/web", "h1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "select * from orders", text)
}

func TestStore_FailureInvalidatesLimiter(t *testing.T) {
	store, texts := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("write timeout")

	texts.setFailure(boom)
	pending, err := store.Store(ctx, "a", "h", "select 1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.ErrorIs(t, storage.WaitAll(ctx, pending), boom)

	// The failed handle resolved only after the key was invalidated, so the
	// next call writes again
	texts.setFailure(nil)
	pending, err = store.Store(ctx, "a", "h", "select 1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.NoError(t, storage.WaitAll(ctx, pending))

	checks, contents := texts.counts()
	assert.Equal(t, 2, checks)
	assert.Equal(t, 2, contents)

	pending, err = store.Store(ctx, "a", "h", "select 1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// countingLimiter counts invalidations of the wrapped limiter
type countingLimiter struct {
	Limiter

	mu          sync.Mutex
	invalidated int
}

func (c *countingLimiter) Invalidate(key string) {
	c.mu.Lock()
	c.invalidated++
	c.mu.Unlock()
	c.Limiter.Invalidate(key)
}

func (c *countingLimiter) invalidations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated
}

// gatedTexts fails the check write at once and the content write only when
// released
type gatedTexts struct {
	*memory.Storage
	release chan struct{}
	err     error
}

func (g *gatedTexts) WriteCheck(agentID, hash string, ttl time.Duration) *storage.Pending {
	return storage.Resolved(g.err)
}

func (g *gatedTexts) WriteText(hash, text string, ttl time.Duration) *storage.Pending {
	p := storage.NewPending()
	go func() {
		<-g.release
		p.Resolve(g.err)
	}()
	return p
}

func TestStore_BothWritesFailInvalidateOnce(t *testing.T) {
	inner, err := ratelimit.New(100, time.Hour)
	require.NoError(t, err)
	t.Cleanup(inner.Close)
	limiter := &countingLimiter{Limiter: inner}

	boom := errors.New("write timeout")
	texts := &gatedTexts{Storage: memory.New(), release: make(chan struct{}), err: boom}
	store := New(texts, limiter, config.Default(), zaptest.NewLogger(t))
	ctx := context.Background()

	pending, err := store.Store(ctx, "a", "h", "select 1")
	require.NoError(t, err)
	require.Len(t, pending, 2)

	// The failed check write does not resolve its handle while the content
	// write is still in flight
	select {
	case <-pending[0].Done():
		t.Fatal("check handle resolved before content write finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(texts.release)
	assert.ErrorIs(t, pending[0].Wait(ctx), boom)
	assert.ErrorIs(t, pending[1].Wait(ctx), boom)
	assert.Equal(t, 1, limiter.invalidations())

	// A new acquisition after the handles resolved is not wiped
	assert.True(t, limiter.TryAcquire(Key("a", "h")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, limiter.invalidations())
	assert.False(t, limiter.TryAcquire(Key("a", "h")))
}

func TestStore_PairsAreIndependent(t *testing.T) {
	store, texts := newTestStore(t)
	ctx := context.Background()

	for _, agent := range []string{"a", "b"} {
		pending, err := store.Store(ctx, agent, "h", "select 1")
		require.NoError(t, err)
		require.NoError(t, storage.WaitAll(ctx, pending))
	}
	checks, _ := texts.counts()
	assert.Equal(t, 2, checks)
}

func TestLookup_RequiresCheckRowOfAgent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	pending, err := store.Store(ctx, "a", "h", "select 1")
	require.NoError(t, err)
	require.NoError(t, storage.WaitAll(ctx, pending))

	_, ok, err := store.Lookup(ctx, "b", "h")
	require.NoError(t, err)
	assert.False(t, ok, "content of another agent must not be visible")

	_, ok, err = store.Lookup(ctx, "a", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookup_MissingContent(t *testing.T) {
	store, texts := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, texts.Storage.WriteCheck("a", "h", time.Hour).Wait(ctx))

	_, ok, err := store.Lookup(ctx, "a", "h")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefreshContentTTL(t *testing.T) {
	store, texts := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, texts.Storage.WriteText("h", "select 1", time.Minute).Wait(ctx))

	pending, err := store.RefreshContentTTL(ctx, "prod/web/host-1", "h")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.NoError(t, storage.WaitAll(ctx, pending))

	// Both rows now carry the full TTL
	texts.Storage.Now = func() time.Time { return time.Now().Add(time.Hour) }
	text, ok, err := store.Lookup(ctx, "prod/web/host-1", "h")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "select 1", text)

	// Rate limited on the same key as Store
	pending, err = store.RefreshContentTTL(ctx, "prod/web/host-1", "h")
	require.NoError(t, err)
	assert.Empty(t, pending)
	pending, err = store.Store(ctx, "prod/web/host-1", "h", "select 1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRefreshContentTTL_MissingText(t *testing.T) {
	store, texts := newTestStore(t)

	pending, err := store.RefreshContentTTL(context.Background(), "a", "gone")
	require.NoError(t, err)
	assert.Empty(t, pending)

	checks, contents := texts.counts()
	assert.Zero(t, checks)
	assert.Zero(t, contents)
}

func TestRefreshCheckTTL(t *testing.T) {
	store, texts := newTestStore(t)
	ctx := context.Background()

	pending, err := store.RefreshCheckTTL(ctx, "prod", "h")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, storage.WaitAll(ctx, pending))

	checks, contents := texts.counts()
	assert.Equal(t, 1, checks)
	assert.Zero(t, contents)

	exists, err := texts.CheckExists(ctx, "prod", "h")
	require.NoError(t, err)
	assert.True(t, exists)

	pending, err = store.RefreshCheckTTL(ctx, "prod", "h")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStore_UsesFormulaTTL(t *testing.T) {
	store, texts := newTestStore(t)
	ctx := context.Background()

	pending, err := store.Store(ctx, "a", "h", "select 1")
	require.NoError(t, err)
	require.NoError(t, storage.WaitAll(ctx, pending))

	// 4h coarsest tier + 1 day + 336h retention
	expected := time.Duration(4*3600+86400+336*3600) * time.Second
	texts.mu.Lock()
	defer texts.mu.Unlock()
	assert.Equal(t, expected, texts.lastTTL)
}

func TestStore_CancelledContext(t *testing.T) {
	store, texts := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Store(ctx, "a", "h", "select 1")
	assert.ErrorIs(t, err, context.Canceled)
	checks, _ := texts.counts()
	assert.Zero(t, checks)
}

func TestTTL(t *testing.T) {
	tiers := []config.RollupTier{
		{Name: "1m", Interval: time.Minute},
		{Name: "4h", Interval: 4 * time.Hour},
	}

	tests := []struct {
		name           string
		tiers          []config.RollupTier
		retentionHours int64
		want           int64
	}{
		{"coarsest tier plus margin plus retention", tiers, 336, 14400 + 86400 + 336*3600},
		{"zero retention", tiers, 0, 14400 + 86400},
		{"no tiers", nil, 1, 86400 + 3600},
		{"saturates", tiers, math.MaxInt64 / 2, MaxTTLSeconds},
		{"saturates just over the limit", tiers, (MaxTTLSeconds-14400-86400)/3600 + 1, MaxTTLSeconds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TTL(tt.tiers, tt.retentionHours))
		})
	}
}
