package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/compaction"
	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// ConfigSource lists every alert config of an agent rollup
type ConfigSource interface {
	AllAlertConfigs(ctx context.Context, agentRollupID string) ([]AlertConfig, error)
}

// TriggeredStore tracks currently triggered alerts
type TriggeredStore interface {
	Exists(ctx context.Context, agentRollupID, alertID string) (bool, error)
	Insert(ctx context.Context, agentRollupID, alertID string) error
	Delete(ctx context.Context, agentRollupID, alertID string) error
	ReadAll(ctx context.Context, agentRollupID string) ([]TriggeredAlert, error)
}

// Service evaluates alert conditions against the finest rollup tier and
// notifies on every change of state. An alert notifies once when it starts
// firing and once when it resolves.
type Service struct {
	configs   ConfigSource
	triggered TriggeredStore
	storage   storage.Storage
	tiers     compaction.TierProvider
	notifier  Notifier
	now       func() time.Time
	logger    *zap.Logger
}

// NewService creates an alert service
func NewService(configs ConfigSource, triggered TriggeredStore, store storage.Storage, tiers compaction.TierProvider, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		configs:   configs,
		triggered: triggered,
		storage:   store,
		tiers:     tiers,
		notifier:  notifier,
		now:       time.Now,
		logger:    logger.Named("alerting"),
	}
}

// CheckForDeletedAlerts resolves triggered alerts whose config no longer exists
func (s *Service) CheckForDeletedAlerts(ctx context.Context, agentRollupID string) error {
	triggered, err := s.triggered.ReadAll(ctx, agentRollupID)
	if err != nil {
		return fmt.Errorf("failed to read triggered alerts: %w", err)
	}
	if len(triggered) == 0 {
		return nil
	}

	configs, err := s.configs.AllAlertConfigs(ctx, agentRollupID)
	if err != nil {
		return fmt.Errorf("failed to read alert configs: %w", err)
	}
	live := make(map[string]bool, len(configs))
	for _, c := range configs {
		live[c.ID] = true
	}

	for _, t := range triggered {
		if live[t.AlertID] {
			continue
		}
		if err := s.triggered.Delete(ctx, agentRollupID, t.AlertID); err != nil {
			return fmt.Errorf("failed to delete triggered alert %s: %w", t.AlertID, err)
		}
		s.logger.Info("resolved deleted alert",
			zap.String("agent_rollup_id", agentRollupID), zap.String("alert_id", t.AlertID))
		if err := s.notify(ctx, Notification{
			Type:          EventResolved,
			AgentRollupID: agentRollupID,
			AlertID:       t.AlertID,
			Subject:       "alert deleted",
			Message:       fmt.Sprintf("alert %s was deleted while triggered", t.AlertID),
		}); err != nil {
			return err
		}
	}
	return nil
}

// CheckTransactionAlert fires when the average response time of a transaction
// type over the alert's time period reaches the threshold, given at least the
// minimum number of transactions.
func (s *Service) CheckTransactionAlert(ctx context.Context, agentRollupID, display string, cfg AlertConfig, endTime time.Time) error {
	var labels map[string]string
	if cfg.TransactionType != "" {
		labels = map[string]string{metrics.TransactionTypeLabel: cfg.TransactionType}
	}
	total, err := s.aggregate(ctx, agentRollupID, metrics.TransactionKind, nil, labels, endTime.Add(-cfg.TimePeriod()), endTime)
	if err != nil {
		return err
	}

	avg := total.Average()
	triggered := total.Count > 0 &&
		int64(total.Count) >= cfg.MinTransactionCount &&
		avg >= cfg.ThresholdMillis

	subject := "transaction alert"
	if cfg.TransactionType != "" {
		subject = cfg.TransactionType + " transaction alert"
	}
	message := fmt.Sprintf("average response time over the last %s was %.1f ms across %d transactions (threshold %.1f ms)",
		cfg.TimePeriod(), avg, total.Count, cfg.ThresholdMillis)
	return s.sendOrClear(ctx, agentRollupID, display, cfg, triggered, subject, message)
}

// CheckGaugeAlert fires when the average gauge value over the alert's time
// period crosses the threshold. Lower bound alerts fire at or below it. No
// data in the period counts as not firing.
func (s *Service) CheckGaugeAlert(ctx context.Context, agentRollupID, display string, cfg AlertConfig, endTime time.Time) error {
	total, err := s.aggregate(ctx, agentRollupID, metrics.GaugeKind, []string{cfg.GaugeName}, nil, endTime.Add(-cfg.TimePeriod()), endTime)
	if err != nil {
		return err
	}

	avg := total.Average()
	triggered := false
	if total.Count > 0 {
		if cfg.LowerBoundThreshold {
			triggered = avg <= cfg.GaugeThreshold
		} else {
			triggered = avg >= cfg.GaugeThreshold
		}
	}

	comparison := "at or above"
	if cfg.LowerBoundThreshold {
		comparison = "at or below"
	}
	message := fmt.Sprintf("average %s over the last %s was %g, alerting %s %g",
		cfg.GaugeName, cfg.TimePeriod(), avg, comparison, cfg.GaugeThreshold)
	return s.sendOrClear(ctx, agentRollupID, display, cfg, triggered, cfg.GaugeName+" gauge alert", message)
}

// SendHeartbeatAlertIfNeeded fires when no heartbeat was received in the
// alert's time period
func (s *Service) SendHeartbeatAlertIfNeeded(ctx context.Context, agentRollupID, display string, cfg AlertConfig, currentlyTriggered bool) error {
	message := fmt.Sprintf("no heartbeat received in the last %s", cfg.TimePeriod())
	if !currentlyTriggered {
		message = "heartbeat received"
	}
	return s.sendOrClear(ctx, agentRollupID, display, cfg, currentlyTriggered, "heartbeat alert", message)
}

// sendOrClear records the new state and notifies if it changed
func (s *Service) sendOrClear(ctx context.Context, agentRollupID, display string, cfg AlertConfig, triggered bool, subject, message string) error {
	exists, err := s.triggered.Exists(ctx, agentRollupID, cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to read alert state %s: %w", cfg.ID, err)
	}

	var event string
	switch {
	case triggered && !exists:
		if err := s.triggered.Insert(ctx, agentRollupID, cfg.ID); err != nil {
			return fmt.Errorf("failed to record triggered alert %s: %w", cfg.ID, err)
		}
		event = EventTriggered
	case !triggered && exists:
		if err := s.triggered.Delete(ctx, agentRollupID, cfg.ID); err != nil {
			return fmt.Errorf("failed to clear triggered alert %s: %w", cfg.ID, err)
		}
		event = EventResolved
	default:
		return nil
	}

	s.logger.Info("alert state changed",
		zap.String("agent_rollup_id", agentRollupID),
		zap.String("alert_id", cfg.ID),
		zap.String("event", event))

	return s.notify(ctx, Notification{
		Type:          event,
		AgentRollupID: agentRollupID,
		AgentDisplay:  display,
		AlertID:       cfg.ID,
		Kind:          cfg.Kind,
		Subject:       subject,
		Message:       message,
	})
}

func (s *Service) notify(ctx context.Context, n Notification) error {
	if s.notifier == nil {
		return nil
	}
	n.ID = uuid.NewString()
	n.Timestamp = s.now()
	if err := s.notifier.Notify(ctx, n); err != nil {
		return fmt.Errorf("failed to send %s notification for %s: %w", n.Type, n.AlertID, err)
	}
	return nil
}

// aggregate merges the agent rollup's own finest-tier rows in [from, to]
func (s *Service) aggregate(ctx context.Context, agentRollupID string, kind metrics.Kind, names []string, labels map[string]string, from, to time.Time) (*compaction.Aggregate, error) {
	tiers := s.tiers.RollupTiers()
	if len(tiers) == 0 {
		return &compaction.Aggregate{}, nil
	}

	rows, err := s.storage.Query(ctx, storage.QueryRequest{
		Start:       from,
		End:         to,
		Agent:       agentRollupID,
		Kind:        kind,
		MetricNames: names,
		Labels:      labels,
		Resolution:  tiers[0].Name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s aggregates: %w", kind, err)
	}

	total := &compaction.Aggregate{}
	for _, m := range rows {
		if m.Labels[metrics.ChildLabel] != "" {
			continue
		}
		if agg := compaction.FromMetric(m); agg != nil {
			total.Merge(agg)
		}
	}
	return total, nil
}
