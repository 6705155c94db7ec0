package alerting

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Notifier delivers alert notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify logs n
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		return nil
	}
	logger.Info("alert "+n.Type,
		zap.String("notification_id", n.ID),
		zap.String("agent_rollup_id", n.AgentRollupID),
		zap.String("alert_id", n.AlertID),
		zap.String("kind", string(n.Kind)),
		zap.String("message", n.Message))
	return nil
}

// Broadcaster sends a message to every connected client
type Broadcaster interface {
	Broadcast(data interface{}) error
}

// HubNotifier pushes notifications to websocket clients
type HubNotifier struct {
	Hub Broadcaster
}

// Notify broadcasts n as an "alert" event
func (h *HubNotifier) Notify(ctx context.Context, n Notification) error {
	if err := h.Hub.Broadcast(map[string]interface{}{
		"type":  "alert",
		"alert": n,
	}); err != nil {
		return fmt.Errorf("failed to broadcast alert: %w", err)
	}
	return nil
}

// Notifiers fans a notification out to every notifier
type Notifiers []Notifier

// Notify delivers n to every notifier, even if some fail
func (ns Notifiers) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range ns {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
