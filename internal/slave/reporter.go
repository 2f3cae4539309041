package slave

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/buildfleet/internal/transport"
	"yqhp/buildfleet/internal/wire"
	"yqhp/buildfleet/pkg/types"
)

// reporter 把一条命令的执行过程推送到状态通道。
// 它同时是命令输出的 io.Writer，输出按块压缩后发送。
type reporter struct {
	ctx       context.Context
	commandID types.CommandID
	pusher    transport.Pusher
	seal      func(wire.Status) ([]byte, error)
	chunkSize int
	timeout   time.Duration
	logger    *zap.Logger

	mu  sync.Mutex
	seq uint64
	buf []byte
}

func newReporter(ctx context.Context, id types.CommandID, pusher transport.Pusher,
	seal func(wire.Status) ([]byte, error), config *Config, log *zap.Logger) *reporter {
	return &reporter{
		ctx:       ctx,
		commandID: id,
		pusher:    pusher,
		seal:      seal,
		chunkSize: config.OutputChunkSize,
		timeout:   config.StatusTimeout,
		logger:    log,
	}
}

// Write 缓冲输出，满一块即发送。
func (r *reporter) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, p...)
	for len(r.buf) >= r.chunkSize {
		r.send(wire.Status{Kind: types.StatusOutput, Output: wire.CompressOutput(r.buf[:r.chunkSize])})
		r.buf = r.buf[r.chunkSize:]
	}
	return len(p), nil
}

func (r *reporter) started() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.send(wire.Status{Kind: types.StatusStarted})
}

func (r *reporter) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
}

func (r *reporter) flushLocked() {
	if len(r.buf) == 0 {
		return
	}
	r.send(wire.Status{Kind: types.StatusOutput, Output: wire.CompressOutput(r.buf)})
	r.buf = nil
}

func (r *reporter) heartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.send(wire.Status{Kind: types.StatusHeartbeat})
}

// finished 发送剩余输出和结束状态。
func (r *reporter) finished(code int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.flushLocked()
	status := wire.Status{Kind: types.StatusFinished, ExitCode: code}
	if err != nil {
		status.Error = err.Error()
	}
	r.send(status)
}

// tick 在命令执行期间定期刷新输出并发送心跳，返回的函数停止定时器。
func (r *reporter) tick(heartbeat, flush time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(r.ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hb := time.NewTicker(heartbeat)
		defer hb.Stop()
		fl := time.NewTicker(flush)
		defer fl.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hb.C:
				r.heartbeat()
			case <-fl.C:
				r.flush()
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// send 封装并推送一条状态，失败只记录日志。调用方持有 r.mu。
func (r *reporter) send(status wire.Status) {
	r.seq++
	status.CommandID = string(r.commandID)
	status.Seq = r.seq
	status.Timestamp = time.Now().UnixNano()

	payload, err := r.seal(status)
	if err != nil {
		r.logger.Error("cannot seal status", zap.String("kind", string(status.Kind)), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	if err := r.pusher.Push(ctx, payload); err != nil {
		r.logger.Warn("status not delivered",
			zap.String("kind", string(status.Kind)),
			zap.Uint64("seq", status.Seq),
			zap.Error(err))
	}
}
