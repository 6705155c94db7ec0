// Package rollup runs the background loop of the central node: once a minute
// it rolls telemetry up through the agent hierarchy and then evaluates alerts
// for every agent rollup.
//
// Failures are isolated per agent rollup. One broken node is logged and
// skipped; its siblings and unrelated subtrees still roll up. Gauge rollups
// are the exception: a parent merges what its children wrote, so a failed
// child skips the gauge rollup of every ancestor for that pass.
//
// Shutdown is the only error that escapes a pass. It aborts the pass at the
// next collaborator boundary and is never logged as a failure.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/agent"
	"github.com/nicktill/tinyapm/pkg/alerting"
)

const (
	// HeartbeatGrace delays heartbeat alerts after startup so that agents
	// have had a chance to reconnect.
	HeartbeatGrace = 4 * time.Minute

	// CloseTimeout bounds how long Close waits for the worker
	CloseTimeout = 10 * time.Second
)

var (
	// ErrShutdown may be wrapped by collaborators that notice shutdown
	ErrShutdown = errors.New("rollup: shutting down")

	// ErrCloseTimeout is returned when the worker did not stop in time
	ErrCloseTimeout = errors.New("rollup: timed out waiting for worker to stop")
)

var tracer = otel.Tracer("github.com/nicktill/tinyapm/pkg/rollup")

// HierarchyProvider returns a fresh snapshot of the agent forest
type HierarchyProvider interface {
	ReadForest(ctx context.Context) ([]*agent.Node, error)
}

// Rollup rolls one kind of telemetry up for one agent rollup. parentID is
// empty for roots.
type Rollup interface {
	Rollup(ctx context.Context, agentRollupID, parentID string, leaf bool) error
}

// AlertConfigProvider returns the alert configs of one agent rollup
type AlertConfigProvider interface {
	AlertConfigs(ctx context.Context, agentRollupID string, kind alerting.AlertKind) ([]alerting.AlertConfig, error)
}

// AlertService evaluates alerts and sends notifications
type AlertService interface {
	CheckForDeletedAlerts(ctx context.Context, agentRollupID string) error
	CheckTransactionAlert(ctx context.Context, agentRollupID, display string, cfg alerting.AlertConfig, endTime time.Time) error
	CheckGaugeAlert(ctx context.Context, agentRollupID, display string, cfg alerting.AlertConfig, endTime time.Time) error
	SendHeartbeatAlertIfNeeded(ctx context.Context, agentRollupID, display string, cfg alerting.AlertConfig, currentlyTriggered bool) error
}

// HeartbeatProvider reports whether a heartbeat was received in a window
type HeartbeatProvider interface {
	Exists(ctx context.Context, agentRollupID string, from, to time.Time) (bool, error)
}

// PassResult summarizes one pass
type PassResult struct {
	Start        time.Time
	Duration     time.Duration
	NodeFailures int
	// Err is set when the pass could not complete (hierarchy fetch failed or
	// panicked); individual node failures only count in NodeFailures
	Err         error
	Interrupted bool
}

// PassObserver receives the result of every pass
type PassObserver interface {
	ObservePass(PassResult)
}

// Config wires the Service to its collaborators
type Config struct {
	Hierarchy HierarchyProvider

	Aggregates Rollup
	Gauges     Rollup
	Synthetics Rollup

	AlertConfigs AlertConfigProvider
	Alerts       AlertService
	Heartbeats   HeartbeatProvider

	// Observer is optional
	Observer PassObserver

	Logger *zap.Logger

	// Now and After default to the wall clock
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

// State is a Service lifecycle state
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

// Service is the rollup and alert scheduler
type Service struct {
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	after     func(time.Duration) <-chan time.Time
	startTime time.Time

	closeTimeout time.Duration

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	// failures counts node failures of the pass in flight; only the worker
	// touches it.
	failures int
}

// New creates a Service and starts its worker
func New(cfg Config) *Service {
	s := newService(cfg)
	s.start()
	return s
}

func newService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	after := cfg.After
	if after == nil {
		after = time.After
	}
	return &Service{
		cfg:          cfg,
		logger:       logger.Named("rollup"),
		now:          now,
		after:        after,
		startTime:    now(),
		closeTimeout: CloseTimeout,
		state:        StateCreated,
		done:         make(chan struct{}),
	}
}

func (s *Service) start() {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.cancel = cancel
	s.state = StateRunning
	s.mu.Unlock()

	go s.run(ctx)
}

// State returns the lifecycle state
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close stops the worker, waiting at most CloseTimeout for the pass in flight
// to finish. ErrCloseTimeout means the worker is still running.
func (s *Service) Close() error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateCreated:
		s.state = StateClosed
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	timer := time.NewTimer(s.closeTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return nil
	case <-timer.C:
		return ErrCloseTimeout
	}
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.after(untilNextTick(s.now())):
		}

		if err := s.runPass(ctx); err != nil {
			s.logger.Debug("rollup worker interrupted")
			return
		}
	}
}

// runPass runs every stage for every root. It returns an error only when
// interrupted.
func (s *Service) runPass(ctx context.Context) (err error) {
	start := s.now()
	s.failures = 0

	ctx, span := tracer.Start(ctx, "outer rollup loop")
	defer span.End()

	outcome := outcomeSuccess
	var passErr error
	defer func() {
		if r := recover(); r != nil {
			outcome = outcomePanic
			passErr = fmt.Errorf("panic in rollup pass: %v", r)
			s.logger.Error("rollup pass panicked", zap.Any("panic", r), zap.Stack("stack"))
			span.SetStatus(codes.Error, "panic")
			err = nil
		}

		elapsed := s.now().Sub(start)
		passesTotal.WithLabelValues(outcome).Inc()
		passDuration.Observe(elapsed.Seconds())
		span.SetAttributes(attribute.Int("node_failures", s.failures))
		if s.cfg.Observer != nil {
			s.cfg.Observer.ObservePass(PassResult{
				Start:        start,
				Duration:     elapsed,
				NodeFailures: s.failures,
				Err:          passErr,
				Interrupted:  outcome == outcomeInterrupted,
			})
		}
	}()

	forest, err := s.cfg.Hierarchy.ReadForest(ctx)
	if err != nil {
		if interrupted(ctx, err) {
			outcome = outcomeInterrupted
			return err
		}
		outcome = outcomeFailed
		passErr = fmt.Errorf("failed to read agent hierarchy: %w", err)
		span.RecordError(err)
		s.logger.Error("failed to read agent hierarchy", zap.Error(err))
		return nil
	}

	for _, root := range forest {
		if err := s.runRoot(ctx, root); err != nil {
			outcome = outcomeInterrupted
			return err
		}
	}

	if s.failures > 0 {
		outcome = outcomePartial
	}
	return nil
}

func (s *Service) runRoot(ctx context.Context, root *agent.Node) error {
	if err := s.rollupAggregates(ctx, root, ""); err != nil {
		return err
	}
	if _, err := s.rollupGauges(ctx, root, ""); err != nil {
		return err
	}
	if err := s.rollupSynthetics(ctx, root, ""); err != nil {
		return err
	}
	return s.checkAlerts(ctx, root)
}

func (s *Service) rollupAggregates(ctx context.Context, node *agent.Node, parentID string) error {
	for _, child := range node.Children {
		if err := s.rollupAggregates(ctx, child, node.ID); err != nil {
			return err
		}
	}
	return s.isolate(ctx, stageAggregate, node.ID, s.call(stageAggregate, node.ID, func() error {
		return s.cfg.Aggregates.Rollup(ctx, node.ID, parentID, node.IsLeaf())
	}))
}

// rollupGauges returns whether node and its whole subtree rolled up
func (s *Service) rollupGauges(ctx context.Context, node *agent.Node, parentID string) (bool, error) {
	success := true
	for _, child := range node.Children {
		ok, err := s.rollupGauges(ctx, child, node.ID)
		if err != nil {
			return false, err
		}
		success = success && ok
	}
	if !success {
		// Rolling up now would merge incomplete child data. The next pass
		// picks the buckets up again.
		return false, nil
	}

	err := s.call(stageGauge, node.ID, func() error {
		return s.cfg.Gauges.Rollup(ctx, node.ID, parentID, node.IsLeaf())
	})
	if err == nil {
		return true, nil
	}
	return false, s.isolate(ctx, stageGauge, node.ID, err)
}

func (s *Service) rollupSynthetics(ctx context.Context, node *agent.Node, parentID string) error {
	for _, child := range node.Children {
		if err := s.rollupSynthetics(ctx, child, node.ID); err != nil {
			return err
		}
	}
	return s.isolate(ctx, stageSynthetic, node.ID, s.call(stageSynthetic, node.ID, func() error {
		return s.cfg.Synthetics.Rollup(ctx, node.ID, parentID, node.IsLeaf())
	}))
}

func (s *Service) checkAlerts(ctx context.Context, node *agent.Node) error {
	for _, child := range node.Children {
		if err := s.checkAlerts(ctx, child); err != nil {
			return err
		}
	}
	return s.checkAlertsForNode(ctx, node)
}

func (s *Service) checkAlertsForNode(ctx context.Context, node *agent.Node) error {
	id := node.ID

	err := s.call(stageDeletedAlerts, id, func() error {
		return s.cfg.Alerts.CheckForDeletedAlerts(ctx, id)
	})
	if err := s.isolate(ctx, stageDeletedAlerts, id, err); err != nil {
		return err
	}

	if err := s.checkConfigs(ctx, node, alerting.TransactionAlert, stageTransactionAlerts,
		"check transaction alert", s.checkTransactionAlert); err != nil {
		return err
	}
	if err := s.checkConfigs(ctx, node, alerting.GaugeAlert, stageGaugeAlerts,
		"check gauge alert", s.checkGaugeAlert); err != nil {
		return err
	}

	if s.now().Sub(s.startTime) < HeartbeatGrace {
		heartbeatGraceSkipsTotal.Inc()
		return nil
	}
	return s.checkConfigs(ctx, node, alerting.HeartbeatAlert, stageHeartbeatAlerts,
		"check heartbeat alert", s.checkHeartbeatAlert)
}

type checkFunc func(ctx context.Context, node *agent.Node, cfg alerting.AlertConfig) error

// checkConfigs fetches the node's configs of one kind and runs check on each.
// A failed fetch skips the stage for this node.
func (s *Service) checkConfigs(ctx context.Context, node *agent.Node, kind alerting.AlertKind,
	stage, spanName string, check checkFunc) error {

	var configs []alerting.AlertConfig
	err := s.call(stage, node.ID, func() error {
		var err error
		configs, err = s.cfg.AlertConfigs.AlertConfigs(ctx, node.ID, kind)
		return err
	})
	if err != nil {
		return s.isolate(ctx, stage, node.ID, err)
	}

	for _, cfg := range configs {
		spanCtx, span := tracer.Start(ctx, spanName, trace.WithAttributes(
			attribute.String("agent_rollup_id", node.ID),
			attribute.String("alert_id", cfg.ID),
		))
		err := s.call(stage, node.ID, func() error { return check(spanCtx, node, cfg) })
		if err != nil && !interrupted(ctx, err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if err := s.isolate(ctx, stage, node.ID, err); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) checkTransactionAlert(ctx context.Context, node *agent.Node, cfg alerting.AlertConfig) error {
	return s.cfg.Alerts.CheckTransactionAlert(ctx, node.ID, node.Display, cfg, s.now())
}

func (s *Service) checkGaugeAlert(ctx context.Context, node *agent.Node, cfg alerting.AlertConfig) error {
	return s.cfg.Alerts.CheckGaugeAlert(ctx, node.ID, node.Display, cfg, s.now())
}

func (s *Service) checkHeartbeatAlert(ctx context.Context, node *agent.Node, cfg alerting.AlertConfig) error {
	endTime := s.now()
	startTime := endTime.Add(-cfg.TimePeriod())
	exists, err := s.cfg.Heartbeats.Exists(ctx, node.ID, startTime, endTime)
	if err != nil {
		return fmt.Errorf("failed to read heartbeats: %w", err)
	}
	return s.cfg.Alerts.SendHeartbeatAlertIfNeeded(ctx, node.ID, node.Display, cfg, !exists)
}

// call runs one collaborator call for a node, turning a panic into an error
// so that it only fails that node.
func (s *Service) call(stage, agentRollupID string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("agent rollup panicked",
				zap.String("stage", stage),
				zap.String("agent_rollup_id", agentRollupID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// isolate logs a node failure and swallows it. Interruptions are returned.
func (s *Service) isolate(ctx context.Context, stage, agentRollupID string, err error) error {
	if err == nil {
		return nil
	}
	if interrupted(ctx, err) {
		return err
	}
	s.failures++
	nodeFailuresTotal.WithLabelValues(stage).Inc()
	s.logger.Error("agent rollup failed",
		zap.String("stage", stage),
		zap.String("agent_rollup_id", agentRollupID),
		zap.Error(err))
	return nil
}

func interrupted(ctx context.Context, err error) bool {
	return errors.Is(err, ErrShutdown) || errors.Is(err, context.Canceled) || ctx.Err() != nil
}
