package master

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"

	"yqhp/buildfleet/internal/capability"
	"yqhp/buildfleet/internal/metrics"
	"yqhp/buildfleet/internal/secure"
	"yqhp/buildfleet/internal/transport"
	"yqhp/buildfleet/internal/wire"
	"yqhp/buildfleet/pkg/logger"
	"yqhp/buildfleet/pkg/types"
)

// Disconnect reasons, used in logs and metrics.
const (
	ReasonBye        = "bye"
	ReasonAbandoned  = "abandoned"
	ReasonEvicted    = "evicted"
	ReasonTimeout    = "timeout"
	ReasonSendFailed = "send_failed"
)

// Engine is the master's protocol state machine. Every transition holds a
// single mutex, so the registry, the pending queue and the command book
// change together.
type Engine struct {
	config    *Config
	registry  *Registry
	scheduler *Scheduler
	queue     *PendingQueue
	commands  *CommandBook
	channel   SecureChannel
	router    transport.Router
	logger    *zap.Logger

	// inflight holds the commands currently dispatched, for re-queueing.
	inflight map[types.CommandID]*PendingCommand

	dispatchLatency *latencyRecorder
	runDuration     *latencyRecorder

	mu deadlock.Mutex
}

// NewEngine creates an engine that opens requests and seals replies with
// channel and sends replies through router.
func NewEngine(config *Config, channel SecureChannel, router transport.Router, log *zap.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if log == nil {
		log = logger.Named("engine")
	}
	registry := NewRegistry(config.Now)
	return &Engine{
		config:          config,
		registry:        registry,
		scheduler:       NewScheduler(registry),
		queue:           NewPendingQueue(config.MaxPending),
		commands:        NewCommandBook(config.HistoryRetention, config.OutputLimit, config.Now),
		channel:         channel,
		router:          router,
		logger:          log,
		inflight:        make(map[types.CommandID]*PendingCommand),
		dispatchLatency: newLatencyRecorder(),
		runDuration:     newLatencyRecorder(),
	}
}

// Registry returns the slave registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Commands returns the command book.
func (e *Engine) Commands() *CommandBook {
	return e.commands
}

// HandleRequest processes one message from the command channel. Rejected
// messages and protocol violations are logged and returned; neither changes
// the registry.
func (e *Engine) HandleRequest(ctx context.Context, msg transport.Message) error {
	opened, err := e.channel.Open(msg.Payload)
	if err != nil {
		metrics.MessagesRejected.WithLabelValues("command").Inc()
		e.logger.Warn("dropped command channel message", zap.Stringer("peer", msg.Peer), zap.Error(err))
		return err
	}
	req, err := wire.DecodeRequest(opened.Payload)
	if err != nil {
		return e.violation(fmt.Errorf("%w: request from %s (%s): %w", ErrProtocolViolation, msg.Peer, opened.Sender.Name, err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.updateGauges()

	if rec, ok := e.registry.Get(msg.Peer); ok && rec.Identity.ID() != opened.Sender.ID() {
		return e.violation(fmt.Errorf("%w: %s is bound to %q but the request is signed by %q",
			ErrProtocolViolation, msg.Peer, rec.Identity.Name, opened.Sender.Name))
	}

	switch req.Kind {
	case wire.RequestIdle:
		caps, err := req.CapabilitySet()
		if err != nil {
			return e.violation(fmt.Errorf("%w: %w", ErrProtocolViolation, err))
		}
		return e.handleIdle(ctx, msg.Peer, caps, req.Unanswered, opened)
	case wire.RequestBye:
		reason := ReasonBye
		if req.Unanswered {
			reason = ReasonAbandoned
		}
		e.disconnect(ctx, msg.Peer, reason)
	}
	return nil
}

// handleIdle applies an IDLE request. An IDLE from a slave that is already
// idle is a protocol violation unless it replaces an unanswered one with
// the same capabilities. The registry takes the new capabilities either
// way. Callers hold e.mu.
func (e *Engine) handleIdle(ctx context.Context, id types.SlaveID, caps capability.Set, unanswered bool, opened secure.Opened) error {
	prev, existed := e.registry.MarkIdle(id, caps, opened.Sender)
	var violation error
	switch {
	case !existed:
		e.logger.Info("slave connected",
			zap.Stringer("slave", id),
			zap.String("identity", opened.Sender.Name),
			zap.Stringer("capabilities", caps),
			zap.Bool("unanswered", unanswered))
	case prev.State == types.SlaveStateDispatched && unanswered:
		// The COMMAND never reached the slave.
		p, ok := e.inflight[prev.CommandID]
		delete(e.inflight, prev.CommandID)
		e.logger.Warn("command reply lost",
			zap.Stringer("slave", id),
			zap.String("command", string(prev.CommandID)))
		switch {
		case e.settled(prev.CommandID):
		case ok:
			e.requeue(p)
		default:
			e.finish(prev.CommandID, types.CommandStateLost, "command reply lost")
		}
	case prev.State == types.SlaveStateDispatched:
		delete(e.inflight, prev.CommandID)
		e.commands.MarkCompleted(prev.CommandID)
		e.logger.Debug("slave completed command",
			zap.Stringer("slave", id),
			zap.String("command", string(prev.CommandID)))
	case unanswered && prev.Capabilities.Equal(caps):
		e.logger.Debug("idle slave re-announced", zap.Stringer("slave", id))
	case !prev.Capabilities.Equal(caps):
		violation = e.violation(fmt.Errorf("%w: IDLE from idle slave %s changed capabilities %s -> %s",
			ErrProtocolViolation, id, prev.Capabilities, caps))
	default:
		violation = e.violation(fmt.Errorf("%w: IDLE from idle slave %s", ErrProtocolViolation, id))
	}

	if p, ok := e.queue.TakeFirstSatisfiedBy(caps); ok {
		rec, _ := e.registry.Get(id)
		if !e.dispatch(ctx, rec, p) {
			e.drainQueue(ctx)
		}
	} else if unanswered && existed && prev.State == types.SlaveStateDispatched {
		e.drainQueue(ctx)
	}
	return violation
}

// Submit schedules a command for the first idle slave whose capabilities
// contain required. It never waits for a slave: without one the queue
// policy applies. The returned id is valid even when err is not nil.
func (e *Engine) Submit(ctx context.Context, required capability.Set, payload types.CommandPayload) (types.CommandID, error) {
	if payload.Script == "" {
		return "", fmt.Errorf("%w: empty script", ErrInvalidCommand)
	}
	if payload.Timeout < 0 {
		return "", fmt.Errorf("%w: negative timeout", ErrInvalidCommand)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.updateGauges()

	now := e.config.Now()
	id := types.NewCommandID()
	e.commands.Add(&CommandRecord{
		ID:          id,
		Required:    required,
		Payload:     payload,
		State:       types.CommandStatePending,
		SubmittedAt: now,
	})
	metrics.CommandsSubmitted.Inc()

	p := &PendingCommand{ID: id, Required: required, Payload: payload, EnqueuedAt: now}
	if slave, ok := e.scheduler.SelectSlave(required); ok {
		rec, _ := e.registry.Get(slave)
		if !e.dispatch(ctx, rec, p) {
			e.drainQueue(ctx)
		}
		return id, nil
	}

	if e.config.QueuePolicy == QueuePolicyReject {
		e.finish(id, types.CommandStateRejected, ErrNoCapableSlave.Error())
		return id, ErrNoCapableSlave
	}
	if err := e.queue.Push(p); err != nil {
		e.finish(id, types.CommandStateRejected, err.Error())
		return id, err
	}
	e.logger.Debug("command queued",
		zap.String("command", string(id)),
		zap.Stringer("required", required),
		zap.Int("pending", e.queue.Len()))
	return id, nil
}

// HandleStatus processes one message from the status channel.
func (e *Engine) HandleStatus(ctx context.Context, payload []byte) error {
	opened, err := e.channel.Open(payload)
	if err != nil {
		metrics.MessagesRejected.WithLabelValues("status").Inc()
		e.logger.Warn("dropped status channel message", zap.Error(err))
		return err
	}
	status, err := wire.DecodeStatus(opened.Payload)
	if err != nil {
		return e.violation(fmt.Errorf("%w: status from %s: %w", ErrProtocolViolation, opened.Sender.Name, err))
	}
	update, err := status.Update()
	if err != nil {
		return e.violation(fmt.Errorf("%w: status from %s: %w", ErrProtocolViolation, opened.Sender.Name, err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var wasTerminal bool
	if info, ok := e.commands.Get(update.CommandID); ok {
		wasTerminal = info.State.IsTerminal()
	}
	slave, err := e.commands.ApplyStatus(update, opened.Sender.ID())
	if errors.Is(err, ErrCommandNotFound) {
		e.logger.Debug("status for unknown command", zap.String("command", string(update.CommandID)))
		return err
	}
	if err != nil {
		return e.violation(err)
	}
	if rec, ok := e.registry.Get(slave); ok && rec.CommandID == update.CommandID {
		e.registry.Touch(slave)
	}
	if update.Kind == types.StatusFinished && !wasTerminal {
		if info, ok := e.commands.Get(update.CommandID); ok && info.State.IsTerminal() {
			metrics.CommandsFinished.WithLabelValues(string(info.State)).Inc()
			if info.DispatchedAt != nil && info.FinishedAt != nil {
				e.runDuration.Record(info.FinishedAt.Sub(*info.DispatchedAt))
			}
		}
	}
	return nil
}

// Evict disconnects a slave on operator request.
func (e *Engine) Evict(ctx context.Context, id types.SlaveID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.updateGauges()

	if !e.disconnect(ctx, id, ReasonEvicted) {
		return fmt.Errorf("%w: %s", ErrSlaveNotFound, id)
	}
	return nil
}

// HandleDisconnect removes a slave the transport or the caller reports as
// gone. It reports whether the slave had a record.
func (e *Engine) HandleDisconnect(ctx context.Context, id types.SlaveID, reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.updateGauges()

	return e.disconnect(ctx, id, reason)
}

// disconnect removes id. A plain BYE completes its in-flight command. A
// command that never reached the slave is re-queued. Otherwise the command
// is lost unless RequeueLost is set. Callers hold e.mu.
func (e *Engine) disconnect(ctx context.Context, id types.SlaveID, reason string) bool {
	rec, ok := e.registry.Remove(id)
	if !ok {
		return false
	}
	metrics.SlavesLost.WithLabelValues(reason).Inc()
	e.logger.Info("slave disconnected",
		zap.Stringer("slave", id),
		zap.String("identity", rec.Identity.Name),
		zap.String("reason", reason))

	if rec.State != types.SlaveStateDispatched {
		return true
	}
	p := e.inflight[rec.CommandID]
	delete(e.inflight, rec.CommandID)
	if reason == ReasonBye {
		// Slaves only say BYE between commands, so the command has run.
		e.commands.MarkCompleted(rec.CommandID)
		return true
	}
	if e.settled(rec.CommandID) {
		// The finished status arrived before the slave left.
		return true
	}
	if (reason == ReasonAbandoned || e.config.RequeueLost) && p != nil {
		e.requeue(p)
		e.drainQueue(ctx)
		return true
	}
	e.finish(rec.CommandID, types.CommandStateLost, "slave disconnected: "+reason)
	return true
}

// SweepLiveness demotes dispatched slaves that have been silent longer than
// the dispatch timeout, re-queueing their commands. It also gives up on
// completed commands whose final status is overdue and expires pending
// commands under the expire policy.
func (e *Engine) SweepLiveness(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.updateGauges()

	now := e.config.Now()
	requeued := false
	if e.config.DispatchTimeout > 0 {
		for _, rec := range e.registry.StaleDispatched(now, e.config.DispatchTimeout) {
			e.registry.Remove(rec.ID)
			metrics.SlavesLost.WithLabelValues(ReasonTimeout).Inc()
			e.logger.Warn("dispatched slave timed out",
				zap.Stringer("slave", rec.ID),
				zap.String("command", string(rec.CommandID)),
				zap.Duration("silent", now.Sub(rec.LastSeen)))
			p, ok := e.inflight[rec.CommandID]
			delete(e.inflight, rec.CommandID)
			switch {
			case e.settled(rec.CommandID):
			case ok:
				e.requeue(p)
				requeued = true
			default:
				e.finish(rec.CommandID, types.CommandStateLost, "slave timed out")
			}
		}
	}
	if e.config.ReportGrace > 0 {
		for _, id := range e.commands.SettleCompleted(now, e.config.ReportGrace) {
			metrics.CommandsFinished.WithLabelValues(string(types.CommandStateUnreported)).Inc()
			e.logger.Warn("no final status from slave",
				zap.String("command", string(id)),
				zap.Duration("grace", e.config.ReportGrace))
		}
	}
	if e.config.QueuePolicy == QueuePolicyExpire && e.config.PendingTTL > 0 {
		for _, p := range e.queue.Expire(now, e.config.PendingTTL) {
			e.finish(p.ID, types.CommandStateExpired, "no capable slave within "+e.config.PendingTTL.String())
		}
	}
	if requeued {
		e.drainQueue(ctx)
	}
}

// Stats returns a snapshot of fleet activity.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	pending := e.queue.Len()
	e.mu.Unlock()

	total, idle := e.registry.Count(), e.registry.CountIdle()
	return Stats{
		Slaves:           total,
		IdleSlaves:       idle,
		DispatchedSlaves: total - idle,
		Pending:          pending,
		Commands:         e.commands.Counts(),
		DispatchLatency:  e.dispatchLatency.Summary(),
		RunDuration:      e.runDuration.Summary(),
	}
}

// Pending returns the queued commands, oldest first.
func (e *Engine) Pending() []*PendingCommand {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Items()
}

// dispatch sends p to the idle slave rec. On a send failure the slave is
// removed and p goes back to the head of the queue. Callers hold e.mu.
func (e *Engine) dispatch(ctx context.Context, rec SlaveRecord, p *PendingCommand) bool {
	reply, err := wire.EncodeResponse(wire.NewCommand(p.ID, p.Payload))
	if err == nil {
		reply, err = e.channel.Seal(reply, rec.Identity)
	}
	if err != nil {
		e.logger.Error("cannot build command response",
			zap.String("command", string(p.ID)),
			zap.Stringer("slave", rec.ID),
			zap.Error(err))
		e.finish(p.ID, types.CommandStateFailed, err.Error())
		return true
	}

	if err := e.registry.MarkDispatched(rec.ID, p.ID); err != nil {
		_ = e.violation(fmt.Errorf("%w: %w", ErrProtocolViolation, err))
		e.queue.PushFront(p)
		return false
	}
	e.commands.MarkDispatched(p.ID, rec.ID, rec.Identity.ID())
	e.inflight[p.ID] = p

	if err := e.router.Send(ctx, transport.Message{Peer: rec.ID, Payload: reply}); err != nil {
		e.logger.Warn("command send failed, removing slave",
			zap.Stringer("slave", rec.ID),
			zap.String("command", string(p.ID)),
			zap.Error(err))
		e.registry.Remove(rec.ID)
		metrics.SlavesLost.WithLabelValues(ReasonSendFailed).Inc()
		delete(e.inflight, p.ID)
		e.requeue(p)
		return false
	}

	waited := e.config.Now().Sub(p.EnqueuedAt)
	e.dispatchLatency.Record(waited)
	metrics.CommandsDispatched.Inc()
	metrics.DispatchLatency.Observe(waited.Seconds())
	e.logger.Info("command dispatched",
		zap.String("command", string(p.ID)),
		zap.Stringer("slave", rec.ID),
		zap.String("identity", rec.Identity.Name),
		zap.Duration("waited", waited))
	return true
}

// requeue puts p back at the head of the queue, or gives up on it after
// MaxAttempts dispatches. Callers hold e.mu.
func (e *Engine) requeue(p *PendingCommand) {
	if limit := e.config.MaxAttempts; limit > 0 && e.commands.Attempts(p.ID) >= limit {
		e.finish(p.ID, types.CommandStateLost, fmt.Sprintf("gave up after %d attempts", limit))
		return
	}
	p.EnqueuedAt = e.config.Now()
	e.queue.PushFront(p)
	e.commands.MarkRequeued(p.ID)
	e.logger.Info("command re-queued", zap.String("command", string(p.ID)))
}

// drainQueue dispatches queued commands, oldest first, to capable idle
// slaves. Each command is tried at most once per call. Callers hold e.mu.
func (e *Engine) drainQueue(ctx context.Context) {
	for _, p := range e.queue.Items() {
		slave, ok := e.scheduler.SelectSlave(p.Required)
		if !ok {
			continue
		}
		e.queue.Remove(p.ID)
		rec, _ := e.registry.Get(slave)
		e.dispatch(ctx, rec, p)
	}
}

func (e *Engine) finish(id types.CommandID, state types.CommandState, reason string) {
	if e.commands.Finish(id, state, reason) {
		metrics.CommandsFinished.WithLabelValues(string(state)).Inc()
	}
}

// settled reports whether id already reached a terminal state.
func (e *Engine) settled(id types.CommandID) bool {
	info, ok := e.commands.Get(id)
	return ok && info.State.IsTerminal()
}

func (e *Engine) violation(err error) error {
	metrics.ProtocolViolations.Inc()
	e.logger.Error("protocol violation", zap.Error(err))
	return err
}

func (e *Engine) updateGauges() {
	total, idle := e.registry.Count(), e.registry.CountIdle()
	metrics.SlavesIdle.Set(float64(idle))
	metrics.SlavesDispatched.Set(float64(total - idle))
	metrics.PendingCommands.Set(float64(e.queue.Len()))
}
