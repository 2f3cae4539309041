package slave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/buildfleet/internal/capability"
	"yqhp/buildfleet/internal/secure"
	"yqhp/buildfleet/internal/transport"
	"yqhp/buildfleet/internal/wire"
	"yqhp/buildfleet/pkg/logger"
	"yqhp/buildfleet/pkg/types"
)

// ErrNotRunning 表示 Slave 尚未启动。
var ErrNotRunning = errors.New("slave is not running")

// dialTimeout 是建立命令通道连接的超时时间。
const dialTimeout = 10 * time.Second

// errNoReply 表示在 IdleTimeout 内没有收到 IDLE 的应答。
var errNoReply = errors.New("no reply to idle")

// RequesterDialer 打开一条新的命令通道连接。ctx 只约束建立连接的过程。
type RequesterDialer func(ctx context.Context) (transport.Requester, error)

// Config 保存 Slave 节点的配置信息。
type Config struct {
	// ID 是命令通道上的路由标识，为空时由身份名称和密钥 ID 派生。
	ID string

	// CommandEndpoint 是 Master 命令通道的地址。
	CommandEndpoint string

	// StatusEndpoint 是 Master 状态通道的地址。
	StatusEndpoint string

	// Capabilities 是此 Slave 宣告的能力列表。
	Capabilities []string

	// Shell 是执行命令使用的 shell，为空时按操作系统选择。
	Shell string

	// HeartbeatInterval 是执行命令期间的心跳间隔。
	HeartbeatInterval time.Duration

	// OutputFlushInterval 是命令输出的最长缓冲时间。
	OutputFlushInterval time.Duration

	// OutputChunkSize 是单条输出状态消息的最大字节数。
	OutputChunkSize int

	// StatusTimeout 是推送单条状态消息的超时时间。
	StatusTimeout time.Duration

	// ByeTimeout 是停止时发送 BYE 的超时时间。
	ByeTimeout time.Duration

	// IdleTimeout 是等待 IDLE 应答的最长时间，超时后重新连接并再次宣告。
	// 为 0 时一直等待。
	IdleTimeout time.Duration
}

// DefaultConfig 返回默认的 Slave 配置。
func DefaultConfig() *Config {
	return &Config{
		CommandEndpoint:     "tcp://localhost:5555",
		StatusEndpoint:      "tcp://localhost:5556",
		HeartbeatInterval:   30 * time.Second,
		OutputFlushInterval: 500 * time.Millisecond,
		OutputChunkSize:     32 << 10,
		StatusTimeout:       10 * time.Second,
		ByeTimeout:          2 * time.Second,
		IdleTimeout:         time.Minute,
	}
}

// withDefaults 用默认值补齐未设置的字段。
func (c *Config) withDefaults() *Config {
	out := *c
	def := DefaultConfig()
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = def.HeartbeatInterval
	}
	if out.OutputFlushInterval <= 0 {
		out.OutputFlushInterval = def.OutputFlushInterval
	}
	if out.OutputChunkSize <= 0 {
		out.OutputChunkSize = def.OutputChunkSize
	}
	if out.StatusTimeout <= 0 {
		out.StatusTimeout = def.StatusTimeout
	}
	if out.ByeTimeout <= 0 {
		out.ByeTimeout = def.ByeTimeout
	}
	return &out
}

// RoutingID 返回 Slave 在命令通道上的路由标识。
func RoutingID(config *Config, identity *secure.Identity) types.SlaveID {
	if config != nil && config.ID != "" {
		return types.SlaveID(config.ID)
	}
	return types.SlaveID(fmt.Sprintf("%s-%s", identity.Name(), identity.ID().String()[:8]))
}

// Status 是 Slave 的运行状态快照。
type Status struct {
	ID            types.SlaveID
	State         types.SlaveState
	Capabilities  []string
	CommandID     types.CommandID
	Executed      int64
	Failed        int64
	LastCommandAt time.Time
}

// WorkerSlave 是执行构建命令的 Slave 节点。
//
// 命令通道上严格交替收发：每次发送 IDLE 后阻塞等待一条 COMMAND，
// 执行完成后再发送下一条 IDLE。
type WorkerSlave struct {
	config    *Config
	id        types.SlaveID
	caps      capability.Set
	channel   *secure.Channel
	master    secure.PublicIdentity
	dial      RequesterDialer
	requester transport.Requester
	pusher    transport.Pusher
	executor  Executor
	logger    *zap.Logger

	// 状态管理
	state         atomic.Value // types.SlaveState
	current       atomic.Value // types.CommandID
	lastCommandAt atomic.Value // time.Time
	executed      atomic.Int64
	failed        atomic.Int64

	// 生命周期
	started  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	stopOnce sync.Once
}

// NewWorkerSlave 创建一个新的 Worker Slave。dial 建立的连接和 pusher 归 Slave
// 所有，停止时关闭。executor 为空时使用 ShellExecutor。
func NewWorkerSlave(config *Config, channel *secure.Channel, master secure.PublicIdentity,
	dial RequesterDialer, pusher transport.Pusher, executor Executor, log *zap.Logger) (*WorkerSlave, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config = config.withDefaults()

	caps, err := capability.New(config.Capabilities...)
	if err != nil {
		return nil, fmt.Errorf("slave capabilities: %w", err)
	}
	if !master.Valid() {
		return nil, fmt.Errorf("slave: incomplete master identity %q", master.Name)
	}
	if dial == nil || pusher == nil {
		return nil, fmt.Errorf("slave: transport is required")
	}
	if executor == nil {
		executor = NewShellExecutor(config.Shell)
	}
	if log == nil {
		log = logger.Named("slave")
	}

	id := RoutingID(config, channel.Identity())
	s := &WorkerSlave{
		config:    config,
		id:        id,
		caps:      caps,
		channel:   channel,
		master:    master,
		dial:      dial,
		pusher:    pusher,
		executor:  executor,
		logger:    log.With(zap.Stringer("slave", id)),
		done:      make(chan struct{}),
	}
	s.state.Store(types.SlaveStateDisconnected)
	s.current.Store(types.CommandID(""))
	s.lastCommandAt.Store(time.Time{})
	return s, nil
}

// ID 返回路由标识。
func (s *WorkerSlave) ID() types.SlaveID {
	return s.id
}

// Run 运行命令循环直到 ctx 结束或传输失败。正在执行的命令不会被取消，
// 结束后发送 BYE 并返回 nil。
func (s *WorkerSlave) Run(ctx context.Context) error {
	defer s.state.Store(types.SlaveStateDisconnected)
	defer s.closeTransport()

	if err := s.redial(); err != nil {
		return err
	}
	s.logger.Info("slave running",
		zap.String("identity", s.channel.Identity().Name()),
		zap.String("master", s.master.Name),
		zap.Stringer("capabilities", s.caps))

	// unanswered 为 true 时上一条 IDLE 没有收到可用的应答
	unanswered := false
	for {
		if ctx.Err() != nil {
			s.sayBye(unanswered)
			return nil
		}
		s.state.Store(types.SlaveStateIdle)

		req := wire.NewIdle(s.caps)
		req.Unanswered = unanswered
		idle, err := s.sealRequest(req)
		if err != nil {
			return err
		}
		if err := s.requester.Send(ctx, idle); err != nil {
			if ctx.Err() != nil {
				s.sayBye(unanswered)
				return nil
			}
			return fmt.Errorf("send idle: %w", err)
		}

		reply, err := s.awaitReply(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			// 应答槽已被放弃，BYE 走新连接
			if err := s.redial(); err == nil {
				s.sayBye(true)
			}
			return nil
		case errors.Is(err, errNoReply):
			s.logger.Debug("no reply to idle, reconnecting", zap.Duration("timeout", s.config.IdleTimeout))
			if err := s.redial(); err != nil {
				return err
			}
			unanswered = true
			continue
		default:
			return fmt.Errorf("wait for command: %w", err)
		}

		cmd, err := s.openCommand(reply)
		if err != nil {
			// 回到空闲状态，重新宣告
			s.logger.Warn("dropped command channel reply", zap.Error(err))
			unanswered = true
			continue
		}
		unanswered = false
		s.execute(ctx, cmd)
	}
}

// awaitReply 等待 IDLE 的应答，超过 IdleTimeout 时返回 errNoReply。
func (s *WorkerSlave) awaitReply(ctx context.Context) ([]byte, error) {
	if s.config.IdleTimeout <= 0 {
		return s.requester.Recv(ctx)
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.config.IdleTimeout)
	defer cancel()
	reply, err := s.requester.Recv(waitCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, errNoReply
	}
	return reply, err
}

// redial 关闭当前命令通道连接并建立新连接。
func (s *WorkerSlave) redial() error {
	if s.requester != nil {
		if err := s.requester.Close(); err != nil {
			s.logger.Debug("closing command connection", zap.Error(err))
		}
		s.requester = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	req, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial master: %w", err)
	}
	s.requester = req
	return nil
}

// openCommand 解密、验签并解码一条应答。
func (s *WorkerSlave) openCommand(reply []byte) (*wire.Command, error) {
	opened, err := s.channel.Open(reply)
	if err != nil {
		return nil, err
	}
	if opened.Sender.ID() != s.master.ID() {
		return nil, fmt.Errorf("reply signed by %q instead of the master", opened.Sender.Name)
	}
	resp, err := wire.DecodeResponse(opened.Payload)
	if err != nil {
		return nil, err
	}
	return resp.Command, nil
}

// execute 执行一条命令并推送状态。
func (s *WorkerSlave) execute(ctx context.Context, cmd *wire.Command) {
	id := types.CommandID(cmd.ID)
	s.state.Store(types.SlaveStateDispatched)
	s.current.Store(id)
	s.lastCommandAt.Store(time.Now())
	defer s.current.Store(types.CommandID(""))

	log := s.logger.With(zap.String("command", cmd.ID))
	log.Info("command received", zap.Duration("timeout", cmd.Payload().Timeout))

	// 停止时等待命令执行完毕
	runCtx := context.WithoutCancel(ctx)
	r := newReporter(runCtx, id, s.pusher, s.sealStatus, s.config, log)
	r.started()
	stop := r.tick(s.config.HeartbeatInterval, s.config.OutputFlushInterval)

	start := time.Now()
	code, err := s.executor.Execute(runCtx, cmd.Payload(), r)
	stop()
	r.finished(code, err)

	s.executed.Add(1)
	if code != 0 || err != nil {
		s.failed.Add(1)
	}
	log.Info("command finished",
		zap.Int("exit_code", code),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
}

// sayBye 通知 Master 此 Slave 即将离开。unanswered 表示最后一条 IDLE
// 没有收到应答，Master 据此判断派发中的命令是否送达。
func (s *WorkerSlave) sayBye(unanswered bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ByeTimeout)
	defer cancel()

	req := wire.NewBye()
	req.Unanswered = unanswered
	bye, err := s.sealRequest(req)
	if err == nil {
		err = s.requester.Send(ctx, bye)
	}
	if err != nil {
		s.logger.Debug("bye not delivered", zap.Error(err))
		return
	}
	s.logger.Info("said bye to master")
}

func (s *WorkerSlave) sealRequest(req wire.Request) ([]byte, error) {
	payload, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	return s.channel.Seal(payload, s.master)
}

func (s *WorkerSlave) sealStatus(status wire.Status) ([]byte, error) {
	payload, err := wire.EncodeStatus(status)
	if err != nil {
		return nil, err
	}
	return s.channel.Seal(payload, s.master)
}

func (s *WorkerSlave) closeTransport() {
	var reqErr error
	if s.requester != nil {
		reqErr = s.requester.Close()
	}
	if err := errors.Join(reqErr, s.pusher.Close()); err != nil {
		s.logger.Debug("closing transport", zap.Error(err))
	}
}

// Start 在后台运行 Slave。
func (s *WorkerSlave) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("slave already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.err = s.Run(runCtx)
	}()
	return nil
}

// Stop 优雅地关闭 Slave，等待当前命令执行完毕或 ctx 超时。
func (s *WorkerSlave) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotRunning
	}
	s.stopOnce.Do(func() {
		s.cancel()
	})
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done 在后台运行的 Slave 退出后关闭。
func (s *WorkerSlave) Done() <-chan struct{} {
	return s.done
}

// GetStatus 返回当前 Slave 状态。
func (s *WorkerSlave) GetStatus() *Status {
	return &Status{
		ID:            s.id,
		State:         s.state.Load().(types.SlaveState),
		Capabilities:  s.caps.Tokens(),
		CommandID:     s.current.Load().(types.CommandID),
		Executed:      s.executed.Load(),
		Failed:        s.failed.Load(),
		LastCommandAt: s.lastCommandAt.Load().(time.Time),
	}
}
