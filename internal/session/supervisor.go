package session

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/kirc-go/internal/event"
	"github.com/lk2023060901/kirc-go/internal/network/connector"
	"github.com/lk2023060901/kirc-go/pkg/log"
	"github.com/lk2023060901/kirc-go/pkg/metrics"
	"github.com/lk2023060901/kirc-go/pkg/util/conc"
	"github.com/lk2023060901/kirc-go/pkg/util/merr"
)

// DefaultShutdownTimeout 为关闭时等待单个会话退出的默认上限。
const DefaultShutdownTimeout = 5 * time.Second

// State 为 Supervisor 的进程级状态。
type State int32

const (
	StateRunning State = iota
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Authorizer 在发送消息前做策略检查，返回非 nil 时拒绝发送。
type Authorizer interface {
	CanSend(serverID, target string) error
}

// StopObserver 在用户主动断开或取消连接真正生效时收到通知。
// 调用发生在注册表临界区内，早于该会话的终态事件，实现不得回调 Supervisor。
type StopObserver interface {
	Suppress(serverID string)
}

// Options 为 Supervisor 的配置。
type Options struct {
	// Connector 为拨号器，必填。
	Connector connector.Connector
	// Sink 为事件投递目标，为 nil 时丢弃事件。
	Sink event.Sink
	// Authorizer 为可选的发送前检查，例如频道锁定。
	Authorizer Authorizer
	// ShutdownTimeout 为关闭时等待单个会话退出的上限，缺省为 DefaultShutdownTimeout。
	ShutdownTimeout time.Duration
	// MailboxSize 为每个会话命令队列的缓冲大小。
	MailboxSize int
	// MaxSessions 为同时处于非终态的会话上限，0 表示不限制。
	MaxSessions int
	// StopObserver 为可选的主动停止通知，例如让自动重连忽略这次终态。
	StopObserver StopObserver
	// Clock 用于生成事件时间戳，测试中可替换。
	Clock func() time.Time
}

// SessionInfo 为 List 返回的会话概要。
type SessionInfo struct {
	ServerID string             `json:"serverId"`
	Status   event.ServerStatus `json:"status"`
	Reason   string             `json:"reason,omitempty"`
}

// Supervisor 将外部命令映射到注册表与 actor，并负责整体的优雅关闭。
type Supervisor struct {
	opts     Options
	registry *Registry
	collab   collaborators

	// lifecycleMu 保证 Shutdown 排空注册表后不会再有新的会话被接纳。
	lifecycleMu sync.RWMutex
	state       atomic.Int32
	terminated  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	log.Binder
}

// NewSupervisor 创建 Supervisor。
func NewSupervisor(opts Options) *Supervisor {
	if opts.Connector == nil {
		panic("session: nil connector")
	}
	if opts.Sink == nil {
		opts.Sink = event.Discard
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = defaultMailboxSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry := NewRegistry()
	registry.SetLimit(opts.MaxSessions)
	s := &Supervisor{
		opts:     opts,
		registry: registry,
		collab: collaborators{
			registry:    registry,
			connector:   opts.Connector,
			sink:        event.Counting(opts.Sink),
			clock:       opts.Clock,
			mailboxSize: opts.MailboxSize,
		},
		terminated: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.collab.logger = s
	s.state.Store(int32(StateRunning))
	return s
}

// State 返回当前进程级状态。
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Connect 接纳一次连接尝试并立即返回，连接结果通过事件通知。
//
// 返回：
//   - merr.ErrParameterInvalid：参数不合法；
//   - merr.ErrShuttingDown：已开始关闭；
//   - merr.ErrSessionAlreadyActive：该 ServerID 已有未结束的会话；
//   - merr.ErrSessionLimitExceeded：活跃会话数已达 MaxSessions。
func (s *Supervisor) Connect(ctx context.Context, params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}

	s.lifecycleMu.RLock()
	defer s.lifecycleMu.RUnlock()

	if s.State() != StateRunning {
		return merr.WrapErrShuttingDown("connect " + params.ServerID)
	}

	actorCtx, cancel := context.WithCancel(s.ctx)
	h := newHandle(params.ServerID, cancel)
	if err := s.registry.Admit(params.ServerID, h); err != nil {
		cancel()
		return err
	}

	s.emit(event.ProjectStatus(params.ServerID, event.StatusConnecting, ""))
	h.announce()
	log.Ctx(ctx).Info("session admitted",
		log.FieldServerID(params.ServerID),
		zap.String("addr", params.endpoint().Addr()),
		zap.Bool("tls", params.TLS))

	spawn(actorCtx, h, params, s.collab)
	return nil
}

// CancelConnect 中止处于 Connecting 的会话：删除记录并发出 Failed 事件。
// 其他状态下为空操作。
func (s *Supervisor) CancelConnect(ctx context.Context, id string) error {
	var h *Handle
	_, applied := s.registry.Mutate(id, func(cur Runtime) (Runtime, bool) {
		c, ok := cur.(Connecting)
		if !ok {
			return nil, false
		}
		h = c.Handle
		s.notifyStop(id)
		return Disconnected{}, true
	})
	if !applied {
		log.Ctx(ctx).Debug("cancel connect ignored", log.FieldServerID(id))
		return nil
	}

	<-h.announced
	h.once(func() {
		s.emit(event.ProjectStatus(id, event.StatusFailed, "connect canceled"))
	})
	h.Abort()
	log.Ctx(ctx).Info("connect canceled", log.FieldServerID(id))
	return nil
}

// Disconnect 向 Registering 或 Connected 的会话发送 QUIT，并将记录置为 Disconnecting。
// 其他状态下为空操作，真正的终态由 actor 写入。
func (s *Supervisor) Disconnect(ctx context.Context, id string) error {
	var mailbox Mailbox
	_, applied := s.registry.Mutate(id, func(cur Runtime) (Runtime, bool) {
		switch rt := cur.(type) {
		case Registering:
			mailbox = rt.Mailbox
		case Connected:
			mailbox = rt.Mailbox
		default:
			return nil, false
		}
		s.notifyStop(id)
		return Disconnecting{Handle: cur.owner()}, true
	})
	if !applied {
		log.Ctx(ctx).Debug("disconnect ignored", log.FieldServerID(id))
		return nil
	}

	if err := mailbox.Send(ctx, id, Quit{}); err != nil {
		log.Ctx(ctx).Warn("deliver quit failed", log.FieldServerID(id), zap.Error(err))
	}
	return nil
}

// SendMessage 向频道或用户发送消息，仅在 Connected 时可用。
func (s *Supervisor) SendMessage(ctx context.Context, id, target, text string) error {
	if target == "" {
		return merr.WrapErrParameterMissing("target")
	}
	if text == "" {
		return merr.WrapErrParameterMissing("text")
	}
	if s.opts.Authorizer != nil {
		if err := s.opts.Authorizer.CanSend(id, target); err != nil {
			return err
		}
	}
	return s.dispatch(ctx, id, Privmsg{Target: target, Text: text})
}

// JoinChannel 加入频道，仅在 Connected 时可用。
func (s *Supervisor) JoinChannel(ctx context.Context, id, channel string) error {
	if channel == "" {
		return merr.WrapErrParameterMissing("channel")
	}
	return s.dispatch(ctx, id, Join{Channel: channel})
}

// PartChannel 离开频道，仅在 Connected 时可用。
func (s *Supervisor) PartChannel(ctx context.Context, id, channel, reason string) error {
	if channel == "" {
		return merr.WrapErrParameterMissing("channel")
	}
	return s.dispatch(ctx, id, Part{Channel: channel, Reason: reason})
}

func (s *Supervisor) dispatch(ctx context.Context, id string, cmd Command) error {
	rec, ok := s.registry.Get(id)
	if !ok {
		return merr.WrapErrSessionNotFound(id)
	}
	c, ok := rec.Runtime.(Connected)
	if !ok {
		return merr.WrapErrSessionNotConnected(id, rec.Status())
	}
	return c.Mailbox.Send(ctx, id, cmd)
}

// Status 返回会话状态，未知 ServerID 返回 Disconnected。
func (s *Supervisor) Status(id string) event.ServerStatus {
	rec, _ := s.registry.Get(id)
	return rec.Status()
}

// List 返回全部会话的概要，按 ServerID 排序。
func (s *Supervisor) List() []SessionInfo {
	records := s.registry.Snapshot()
	infos := make([]SessionInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, SessionInfo{
			ServerID: rec.ServerID,
			Status:   rec.Status(),
			Reason:   rec.Reason(),
		})
	}
	return infos
}

// Shutdown 拒绝新的连接，排空注册表，并行地让每个会话优雅退出。
//
// 说明：
//   - Registering/Connected 发送 QUIT 后等待，Connecting 直接中止后等待，Disconnecting 仅等待；
//   - 每个会话最多等待 ShutdownTimeout，超时后中止并不再等待；
//   - 重复调用会等待第一次调用完成后返回。
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) {
		s.lifecycleMu.Unlock()
		select {
		case <-s.terminated:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	records := s.registry.DrainAll()
	s.lifecycleMu.Unlock()

	start := time.Now()
	logger := log.Ctx(ctx).With(log.FieldComponent("supervisor"))
	logger.Info("shutting down sessions", zap.Int("count", len(records)))

	pool := conc.NewPool[struct{}](len(records), conc.WithConcealPanic(true))
	futures := make([]*conc.Future[struct{}], 0, len(records))
	for _, rec := range records {
		rec := rec
		futures = append(futures, pool.Submit(func() (struct{}, error) {
			return struct{}{}, s.shutdownOne(ctx, rec)
		}))
	}
	err := conc.AwaitAll(futures...)
	if releaseErr := pool.ReleaseTimeout(time.Second); releaseErr != nil {
		logger.Warn("release shutdown pool", zap.Error(releaseErr))
	}

	s.cancel()
	s.state.Store(int32(StateTerminated))
	close(s.terminated)

	elapsed := time.Since(start)
	metrics.ShutdownDuration.Observe(elapsed.Seconds())
	if err != nil {
		logger.Warn("shutdown finished with error", zap.Duration("elapsed", elapsed), zap.Error(err))
		return err
	}
	logger.Info("shutdown finished", zap.Duration("elapsed", elapsed))
	return nil
}

// shutdownOne 让单个会话退出，QUIT 投递与等待共用同一个 ShutdownTimeout 截止时间。
func (s *Supervisor) shutdownOne(ctx context.Context, rec Record) error {
	timeout := s.opts.ShutdownTimeout
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var h *Handle
	switch rt := rec.Runtime.(type) {
	case Registering:
		h = rt.Handle
		s.quit(deadlineCtx, rec.ServerID, rt.Mailbox)
	case Connected:
		h = rt.Handle
		s.quit(deadlineCtx, rec.ServerID, rt.Mailbox)
	case Connecting:
		h = rt.Handle
		h.Abort()
	case Disconnecting:
		h = rt.Handle
	default:
		return nil
	}

	if err := h.Wait(deadlineCtx, timeout); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = merr.WrapErrSessionWaitTimeout(rec.ServerID, timeout)
		}
		h.Abort()
		s.logger().Warn("session did not exit in time",
			log.FieldServerID(rec.ServerID),
			log.FieldStatus(string(rec.Status())),
			zap.Error(err))
		return err
	}
	return nil
}

func (s *Supervisor) quit(ctx context.Context, id string, mailbox Mailbox) {
	if err := mailbox.Send(ctx, id, Quit{Reason: "shutting down"}); err != nil {
		s.logger().Debug("deliver quit failed", log.FieldServerID(id), zap.Error(err))
	}
}

func (s *Supervisor) notifyStop(id string) {
	if s.opts.StopObserver != nil {
		s.opts.StopObserver.Suppress(id)
	}
}

func (s *Supervisor) logger() *log.MLogger {
	return s.Logger().With(log.FieldComponent("supervisor"))
}

func (s *Supervisor) emit(ev event.Event) {
	if err := s.collab.sink.Emit(ev); err != nil {
		s.logger().Warn("emit event failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
