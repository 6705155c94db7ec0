package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyapm/pkg/agent"
	"github.com/nicktill/tinyapm/pkg/storage/memory"
)

func TestRecordAndExists(t *testing.T) {
	store := New(memory.New())
	ctx := context.Background()
	ts := time.Now().Add(-time.Minute)

	require.NoError(t, store.Record(ctx, "prod/web/host-1", ts))

	for _, id := range []string{"prod", "prod/web", "prod/web/host-1"} {
		ok, err := store.Exists(ctx, id, ts.Add(-time.Second), ts.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, ok, id)
	}

	ok, err := store.Exists(ctx, "prod/batch", ts.Add(-time.Second), ts.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Exists(ctx, "prod", ts.Add(time.Second), ts.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecord_InvalidID(t *testing.T) {
	store := New(memory.New())
	err := store.Record(context.Background(), "//", time.Now())
	assert.ErrorIs(t, err, agent.ErrInvalidID)
}

func TestAgents(t *testing.T) {
	store := New(memory.New())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Record(ctx, "prod/web", now.Add(-time.Minute)))
	require.NoError(t, store.Record(ctx, "prod/web", now.Add(-30*time.Second)))
	require.NoError(t, store.Record(ctx, "old", now.Add(-3*time.Hour)))

	ids, err := store.Agents(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"prod", "prod/web"}, ids)
}
