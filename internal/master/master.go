package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/buildfleet/internal/transport"
	"yqhp/buildfleet/pkg/logger"
)

// Config holds the configuration for a master node.
type Config struct {
	// CommandEndpoint is where the ROUTER socket binds.
	CommandEndpoint string

	// StatusEndpoint is where the PULL socket binds.
	StatusEndpoint string

	// QueuePolicy decides what happens to commands no idle slave can take.
	QueuePolicy QueuePolicy

	// MaxPending bounds the pending queue. Zero means unbounded.
	MaxPending int

	// PendingTTL is how long a command may wait under QueuePolicyExpire.
	PendingTTL time.Duration

	// DispatchTimeout is how long a dispatched slave may stay silent before
	// it is dropped and its command re-queued. Zero disables the check.
	DispatchTimeout time.Duration

	// SweepInterval is the period of the liveness sweep.
	SweepInterval time.Duration

	// RequeueLost re-queues the command of a slave that disconnects while
	// dispatched instead of marking it lost.
	RequeueLost bool

	// MaxAttempts bounds how often one command is dispatched. Zero means no
	// limit.
	MaxAttempts int

	// ReportGrace is how long a completed command may wait for its final
	// status before it is settled as unreported. Zero waits forever.
	ReportGrace time.Duration

	// HistoryRetention is how long finished commands stay queryable.
	HistoryRetention time.Duration

	// OutputLimit is the number of trailing output bytes kept per command.
	OutputLimit int

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// DefaultConfig returns a default master configuration.
func DefaultConfig() *Config {
	return &Config{
		CommandEndpoint:  "tcp://*:5555",
		StatusEndpoint:   "tcp://*:5556",
		QueuePolicy:      QueuePolicyQueue,
		MaxPending:       0,
		PendingTTL:       10 * time.Minute,
		DispatchTimeout:  2 * time.Minute,
		SweepInterval:    5 * time.Second,
		RequeueLost:      false,
		MaxAttempts:      3,
		ReportGrace:      5 * time.Minute,
		HistoryRetention: time.Hour,
		OutputLimit:      DefaultOutputLimit,
	}
}

// Master runs an Engine over a command Router and a status Puller.
type Master struct {
	config *Config
	engine *Engine
	router transport.Router
	puller transport.Puller
	logger *zap.Logger

	started  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	stopOnce sync.Once
}

// New creates a master node. The master owns router and puller and closes
// them when it stops.
func New(config *Config, channel SecureChannel, router transport.Router, puller transport.Puller, log *zap.Logger) *Master {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	if log == nil {
		log = logger.Named("master")
	}
	return &Master{
		config: config,
		engine: NewEngine(config, channel, router, log.Named("engine")),
		router: router,
		puller: puller,
		logger: log,
		done:   make(chan struct{}),
	}
}

// Engine returns the protocol engine, for command submission and queries.
func (m *Master) Engine() *Engine {
	return m.engine
}

// Run serves both channels until ctx is done or a transport fails. It
// returns nil after cancellation and the transport error otherwise.
func (m *Master) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	requests := make(chan transport.Message)
	statuses := make(chan []byte)

	g.Go(func() error {
		for {
			msg, err := m.router.Recv(ctx)
			if err != nil {
				return receiveError(ctx, err)
			}
			select {
			case requests <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		for {
			payload, err := m.puller.Pull(ctx)
			if err != nil {
				return receiveError(ctx, err)
			}
			select {
			case statuses <- payload:
			case <-ctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		// Unblocks receivers that do not watch ctx.
		if err := errors.Join(m.router.Close(), m.puller.Close()); err != nil {
			m.logger.Debug("closing transport", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		return m.reactor(ctx, requests, statuses)
	})
	g.Go(func() error {
		for event := range m.engine.Registry().WatchSlaves(ctx) {
			m.logger.Debug("slave event",
				zap.String("type", string(event.Type)),
				zap.String("slave", string(event.SlaveID)))
		}
		return nil
	})

	m.logger.Info("master running",
		zap.String("commands", m.config.CommandEndpoint),
		zap.String("status", m.config.StatusEndpoint),
		zap.String("queue_policy", string(m.config.QueuePolicy)))
	err := g.Wait()
	if err != nil {
		m.logger.Error("master stopped", zap.Error(err))
	}
	return err
}

// reactor applies messages and liveness sweeps one at a time.
func (m *Master) reactor(ctx context.Context, requests <-chan transport.Message, statuses <-chan []byte) error {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-requests:
			// Failures are logged and counted by the engine.
			_ = m.engine.HandleRequest(ctx, msg)
		case payload := <-statuses:
			_ = m.engine.HandleStatus(ctx, payload)
		case <-ticker.C:
			m.engine.SweepLiveness(ctx)
		}
	}
}

func receiveError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	var te *transport.Error
	if errors.As(err, &te) {
		return err
	}
	return &transport.Error{Op: "recv", Err: err}
}

// Start runs the master in the background.
func (m *Master) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("master already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	go func() {
		defer close(m.done)
		m.err = m.Run(runCtx)
	}()
	return nil
}

// Stop cancels a started master and waits for it to exit or ctx to expire.
func (m *Master) Stop(ctx context.Context) error {
	if !m.started.Load() {
		return ErrNotRunning
	}
	m.stopOnce.Do(func() {
		m.cancel()
	})
	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when a started master exits.
func (m *Master) Done() <-chan struct{} {
	return m.done
}

// Err returns the error a started master exited with, once Done is closed.
func (m *Master) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}
