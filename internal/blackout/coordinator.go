// Package blackout coordinates covert-mode transitions of nodes.
//
// Per node the coordinator runs the machine
//
//	Online -> ActivationPending -> Covert -> DeactivationPending -> Online
//
// where the pending stages exist only while a backend command is in flight.
// A pending stage always resolves: to the target state on acknowledgment, or
// back to the last confirmed state on error or timeout. The confirmed states
// themselves are read from the store, so push updates and reconciliation move
// them too.
package blackout

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/sentinel-console/internal/backend"
	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/model"
	"github.com/tphakala/sentinel-console/internal/store"
)

// Phase is a node's coordinator state.
type Phase string

const (
	PhaseUnavailable         Phase = "unavailable"
	PhaseOnline              Phase = "online"
	PhaseActivationPending   Phase = "activation_pending"
	PhaseCovert              Phase = "covert"
	PhaseDeactivationPending Phase = "deactivation_pending"
)

// Sentinel errors. Returned errors wrap them and are *errors.EnhancedError
// with category already-pending or command-failed, or not-found when the
// backend does not know the node.
var (
	ErrAlreadyPending = errors.NewStd("blackout command already pending")
	ErrCommandFailed  = errors.NewStd("blackout command failed")
	// ErrPrecondition accompanies ErrCommandFailed when the node was not in
	// the required state and no command was sent.
	ErrPrecondition = errors.NewStd("node not in required state")
)

// DefaultCommandTimeout bounds a command when none is configured.
const DefaultCommandTimeout = 10 * time.Second

// Commander issues blackout commands; backend.Client implements it.
type Commander interface {
	ActivateBlackout(ctx context.Context, cmd backend.BlackoutCommand) (backend.Ack, error)
	DeactivateBlackout(ctx context.Context, cmd backend.BlackoutCommand) (backend.Ack, error)
}

// Writer runs fn on the store's single writer and waits for it.
type Writer interface {
	Submit(ctx context.Context, fn func(*store.Store)) error
	Snapshot() *store.Snapshot
}

// Recorder receives command outcomes, typically the metrics collector.
type Recorder interface {
	RecordCommand(kind, result string)
}

// Command outcome labels.
const (
	ResultOK             = "ok"
	ResultAlreadyPending = "already_pending"
	ResultPrecondition   = "precondition"
	ResultFailed         = "failed"
	ResultTimeout        = "timeout"
	ResultUnknownNode    = "unknown_node"
)

// Config configures a Coordinator.
type Config struct {
	CommandTimeout time.Duration
	Recorder       Recorder
	Now            func() time.Time
}

// Coordinator drives blackout commands. Safe for concurrent use.
type Coordinator struct {
	log     logger.Logger
	cmd     Commander
	writer  Writer
	timeout time.Duration
	rec     Recorder
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]Phase
}

// New creates a Coordinator.
func New(log logger.Logger, cmd Commander, writer Writer, cfg Config) *Coordinator {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		log:     log.Module("blackout"),
		cmd:     cmd,
		writer:  writer,
		timeout: cfg.CommandTimeout,
		rec:     cfg.Recorder,
		now:     cfg.Now,
		pending: make(map[string]Phase),
	}
}

// Phase returns the node's current phase.
func (c *Coordinator) Phase(nodeID string) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phaseLocked(nodeID)
}

// Pending returns the nodes with a command in flight.
func (c *Coordinator) Pending() map[string]Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.pending)
}

func (c *Coordinator) phaseLocked(nodeID string) Phase {
	if p, ok := c.pending[nodeID]; ok {
		return p
	}
	return confirmedPhase(c.writer.Snapshot(), nodeID)
}

func confirmedPhase(snap *store.Snapshot, nodeID string) Phase {
	n, ok := snap.Node(nodeID)
	if !ok {
		return PhaseUnavailable
	}
	switch n.Status {
	case model.StatusOnline:
		return PhaseOnline
	case model.StatusCovert:
		return PhaseCovert
	default:
		return PhaseUnavailable
	}
}

// Activate puts an online node in covert mode. It returns the open blackout
// event recorded on acknowledgment.
func (c *Coordinator) Activate(ctx context.Context, nodeID, reason, actor string) (model.BlackoutEvent, error) {
	const kind = "activate"
	if err := c.begin(kind, nodeID, PhaseOnline, PhaseActivationPending); err != nil {
		return model.BlackoutEvent{}, err
	}
	defer c.end(nodeID)

	cmd := backend.BlackoutCommand{NodeID: nodeID, Reason: reason, Actor: actor, RequestID: uuid.NewString()}
	log := c.log.With(logger.String("node_id", nodeID), logger.String("request_id", cmd.RequestID))
	log.Info("activating blackout", logger.String("reason", reason), logger.String("actor", actor))

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	ack, err := c.cmd.ActivateBlackout(cctx, cmd)
	if err != nil {
		return model.BlackoutEvent{}, c.failed(kind, nodeID, err, time.Since(start))
	}
	if ack.Status != backend.AckActivated && ack.Status != backend.AckAlreadyActive {
		return model.BlackoutEvent{}, c.failed(kind, nodeID,
			fmt.Errorf("unexpected acknowledgment %q", ack.Status), time.Since(start))
	}

	ev := model.BlackoutEvent{
		NodeID:      nodeID,
		ActivatedAt: c.ackTime(ack),
		ActivatedBy: actor,
		Reason:      reason,
	}
	if ack.Event != nil {
		ev = *ack.Event
		if ev.ActivatedBy == "" {
			ev.ActivatedBy = actor
		}
		if ev.Reason == "" {
			ev.Reason = reason
		}
	}

	var res store.BlackoutResult
	err = c.writer.Submit(context.WithoutCancel(ctx), func(s *store.Store) {
		res = s.ApplyBlackoutEvent(ev)
		s.ApplyNodeStatus(model.Node{NodeID: nodeID, Status: model.StatusCovert})
	})
	if err != nil {
		return model.BlackoutEvent{}, c.failed(kind, nodeID, err, time.Since(start))
	}

	c.record(kind, ResultOK)
	log.Info("blackout active",
		logger.String("ack", string(ack.Status)),
		logger.Int64("event_id", res.Event.ID),
		logger.Duration("elapsed", time.Since(start)))
	return res.Event, nil
}

// Deactivate ends a covert node's blackout. The closed event keeps the
// detections_queued counted locally while covert.
func (c *Coordinator) Deactivate(ctx context.Context, nodeID, actor string) (model.BlackoutEvent, error) {
	const kind = "deactivate"
	if err := c.begin(kind, nodeID, PhaseCovert, PhaseDeactivationPending); err != nil {
		return model.BlackoutEvent{}, err
	}
	defer c.end(nodeID)

	cmd := backend.BlackoutCommand{NodeID: nodeID, Actor: actor, RequestID: uuid.NewString()}
	log := c.log.With(logger.String("node_id", nodeID), logger.String("request_id", cmd.RequestID))
	log.Info("deactivating blackout", logger.String("actor", actor))

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	ack, err := c.cmd.DeactivateBlackout(cctx, cmd)
	if err != nil {
		return model.BlackoutEvent{}, c.failed(kind, nodeID, err, time.Since(start))
	}
	if ack.Status != backend.AckDeactivated && ack.Status != backend.AckNotActive {
		return model.BlackoutEvent{}, c.failed(kind, nodeID,
			fmt.Errorf("unexpected acknowledgment %q", ack.Status), time.Since(start))
	}

	end := c.ackTime(ack)
	closing := model.BlackoutEvent{NodeID: nodeID, DeactivatedAt: &end}
	if ack.Event != nil && ack.Event.DeactivatedAt != nil {
		closing.ID = ack.Event.ID
		closing.ActivatedAt = ack.Event.ActivatedAt
		closing.DeactivatedAt = ack.Event.DeactivatedAt
	}

	var closed model.BlackoutEvent
	err = c.writer.Submit(context.WithoutCancel(ctx), func(s *store.Store) {
		res := s.ApplyBlackoutEvent(closing)
		s.ApplyNodeStatus(model.Node{NodeID: nodeID, Status: model.StatusOnline})
		closed = res.Event
	})
	if err != nil {
		return model.BlackoutEvent{}, c.failed(kind, nodeID, err, time.Since(start))
	}

	c.record(kind, ResultOK)
	fields := []logger.Field{
		logger.String("ack", string(ack.Status)),
		logger.Int("detections_queued", closed.DetectionsQueued),
		logger.Duration("elapsed", time.Since(start)),
	}
	if ack.DetectionsTransmitted != nil {
		fields = append(fields, logger.Int("detections_transmitted", *ack.DetectionsTransmitted))
	}
	log.Info("blackout ended", fields...)
	return closed, nil
}

// ObserveDetection counts a pushed detection against the node's open
// blackout. It must run on the store writer. The detection itself is stored
// by the caller either way.
func (c *Coordinator) ObserveDetection(s *store.Store, d model.Detection) bool {
	n, ok := s.Snapshot().Node(d.NodeID)
	if !ok || n.Status != model.StatusCovert {
		return false
	}
	ev, ok := s.IncrementQueued(d.NodeID)
	if !ok {
		c.log.Debug("covert node has no open blackout event", logger.String("node_id", d.NodeID))
		return false
	}
	c.log.Trace("detection queued while covert",
		logger.String("node_id", d.NodeID),
		logger.Int64("detection_id", d.ID),
		logger.Int("detections_queued", ev.DetectionsQueued))
	return true
}

// begin checks the precondition and marks the node pending in one step.
func (c *Coordinator) begin(kind, nodeID string, want, pending Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[nodeID]; ok {
		c.record(kind, ResultAlreadyPending)
		return errors.New(fmt.Errorf("%w: node %s is %s", ErrAlreadyPending, nodeID, p)).
			Component("blackout").
			Category(errors.CategoryAlreadyPending).
			NodeContext(nodeID).
			Context("operation", kind).
			Build()
	}

	if phase := confirmedPhase(c.writer.Snapshot(), nodeID); phase != want {
		c.record(kind, ResultPrecondition)
		return errors.New(fmt.Errorf("%w: %w: node %s is %s, want %s", ErrCommandFailed, ErrPrecondition, nodeID, phase, want)).
			Component("blackout").
			Category(errors.CategoryCommandFailed).
			Priority(errors.PriorityLow).
			NodeContext(nodeID).
			Context("operation", kind).
			Build()
	}

	c.pending[nodeID] = pending
	return nil
}

func (c *Coordinator) end(nodeID string) {
	c.mu.Lock()
	delete(c.pending, nodeID)
	c.mu.Unlock()
}

func (c *Coordinator) failed(kind, nodeID string, cause error, elapsed time.Duration) error {
	result, category := ResultFailed, errors.CategoryCommandFailed
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		result = ResultTimeout
	case errors.IsNotFound(cause):
		// the backend has no such node; nothing to retry
		result, category = ResultUnknownNode, errors.CategoryNotFound
	}
	c.record(kind, result)

	err := errors.New(fmt.Errorf("%w: %s %s: %w", ErrCommandFailed, kind, nodeID, cause)).
		Component("blackout").
		Category(category).
		Priority(errors.PriorityHigh).
		NodeContext(nodeID).
		Timing(kind, elapsed).
		Context("result", result).
		Build()
	c.log.Warn("blackout command failed, state reverted",
		logger.String("node_id", nodeID),
		logger.String("operation", kind),
		logger.String("result", result),
		logger.Error(cause))
	return err
}

func (c *Coordinator) ackTime(ack backend.Ack) time.Time {
	if !ack.Timestamp.IsZero() {
		return ack.Timestamp
	}
	return c.now().UTC()
}

func (c *Coordinator) record(kind, result string) {
	if c.rec != nil {
		c.rec.RecordCommand(kind, result)
	}
}
