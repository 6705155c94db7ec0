package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinyapm/pkg/config"
)

func TestConfigRepository_FromRules(t *testing.T) {
	repo := FromRules([]config.AlertRule{
		{ID: "a", AgentRollupID: "svc", Kind: "transaction", TimePeriodSeconds: 60, ThresholdMillis: 100},
		{ID: "b", AgentRollupID: "svc", Kind: "heartbeat", TimePeriodSeconds: 60},
		{ID: "c", AgentRollupID: "other", Kind: "heartbeat", TimePeriodSeconds: 60},
	})
	ctx := context.Background()

	tx, err := repo.AlertConfigs(ctx, "svc", TransactionAlert)
	require.NoError(t, err)
	require.Len(t, tx, 1)
	assert.Equal(t, "a", tx[0].ID)
	assert.Equal(t, float64(100), tx[0].ThresholdMillis)

	all, err := repo.AllAlertConfigs(ctx, "svc")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := repo.AlertConfigs(ctx, "unknown", HeartbeatAlert)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestConfigRepository_Set(t *testing.T) {
	repo := NewConfigRepository()
	repo.Set("svc", []AlertConfig{{ID: "g", Kind: GaugeAlert}})

	got, err := repo.AlertConfigs(context.Background(), "svc", GaugeAlert)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "svc", got[0].AgentRollupID)

	repo.Set("svc", nil)
	got, err = repo.AllAlertConfigs(context.Background(), "svc")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTriggeredRepository(t *testing.T) {
	repo := NewTriggeredRepository()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return start }
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, "svc", "b"))
	require.NoError(t, repo.Insert(ctx, "svc", "a"))

	// Re-inserting keeps the original since
	repo.now = func() time.Time { return start.Add(time.Hour) }
	require.NoError(t, repo.Insert(ctx, "svc", "a"))

	alerts, err := repo.ReadAll(ctx, "svc")
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "a", alerts[0].AlertID)
	assert.Equal(t, start, alerts[0].Since)

	require.NoError(t, repo.Delete(ctx, "svc", "a"))
	exists, err := repo.Exists(ctx, "svc", "a")
	require.NoError(t, err)
	assert.False(t, exists)

	ctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = repo.Exists(ctx, "svc", "b")
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeHub struct {
	messages []interface{}
	err      error
}

func (h *fakeHub) Broadcast(data interface{}) error {
	if h.err != nil {
		return h.err
	}
	h.messages = append(h.messages, data)
	return nil
}

func TestNotifiers_FanOut(t *testing.T) {
	ok := &fakeHub{}
	failing := &fakeHub{err: errors.New("closed")}
	recorded := &recordingNotifier{}

	ns := Notifiers{
		&LogNotifier{Logger: zaptest.NewLogger(t)},
		&HubNotifier{Hub: failing},
		&HubNotifier{Hub: ok},
		recorded,
	}

	err := ns.Notify(context.Background(), Notification{Type: EventTriggered, AlertID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")

	// Later notifiers still run
	assert.Len(t, ok.messages, 1)
	assert.Equal(t, []string{"triggered:x"}, recorded.events())
}
