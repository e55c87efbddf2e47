package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/kirc-go/internal/event"
	"github.com/lk2023060901/kirc-go/internal/session"
	"github.com/lk2023060901/kirc-go/pkg/log"
	"github.com/lk2023060901/kirc-go/pkg/metrics"
	"github.com/lk2023060901/kirc-go/pkg/util/merr"
	"github.com/lk2023060901/kirc-go/pkg/util/typeutil"
)

const (
	attemptStarted   = "started"
	attemptSkipped   = "skipped"
	attemptFailed    = "failed"
	attemptExhausted = "exhausted"
)

// Target 为发起重连的对象，*session.Supervisor 满足该接口。
type Target interface {
	Connect(ctx context.Context, params session.Params) error
}

// Config 为重连的退避配置。
type Config struct {
	Enabled         bool          `mapstructure:"enabled"`
	InitialInterval time.Duration `mapstructure:"initial-interval"`
	MaxInterval     time.Duration `mapstructure:"max-interval"`
	// MaxElapsed 为自上次成功连接起放弃重连的时间，0 表示不放弃。
	MaxElapsed time.Duration `mapstructure:"max-elapsed"`
}

// DefaultConfig 返回默认配置（不启用）。
func DefaultConfig() Config {
	return Config{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		MaxElapsed:      15 * time.Minute,
	}
}

type entry struct {
	params  session.Params
	backoff *backoff.ExponentialBackOff
	timer   *time.Timer
}

var _ session.StopObserver = (*Reconnector)(nil)

// Reconnector 包装事件 Sink：观察到意外的终态事件时，按指数退避重新发起连接。
//
// 说明：
//   - 只有通过 Track 登记过参数的会话才会被重连；
//   - Supervisor 在主动断开或取消生效时调用 Suppress，紧随其后的终态事件不会触发重连；
//   - 收到 Connected 时重置退避。
type Reconnector struct {
	next   event.Sink
	cfg    Config
	target Target

	mu         sync.Mutex
	entries    map[string]*entry
	stopped    bool
	suppressed *typeutil.ConcurrentSet[string]

	log.Binder
}

// New 创建 Reconnector，target 须在事件开始流动前通过 Bind 设置。
func New(next event.Sink, cfg Config) *Reconnector {
	def := DefaultConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if next == nil {
		next = event.Discard
	}
	r := &Reconnector{
		next:       next,
		cfg:        cfg,
		entries:    make(map[string]*entry),
		suppressed: typeutil.NewConcurrentSet[string](),
	}
	r.SetLogger(log.With(log.FieldComponent("reconnect")))
	return r
}

// Bind 设置重连目标。Supervisor 依赖本 Sink 创建，因此需要在创建后回填。
func (r *Reconnector) Bind(target Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = target
}

// Track 登记会话参数，重复登记会覆盖参数并重置退避。
func (r *Reconnector) Track(params session.Params) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[params.ServerID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = r.cfg.MaxElapsed
	b.Reset()

	r.entries[params.ServerID] = &entry{params: params, backoff: b}
	r.suppressed.Remove(params.ServerID)
}

// Suppress 标记下一次终态事件由用户主动触发，并取消已排期的重连。
func (r *Reconnector) Suppress(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	r.suppressed.Insert(id)
}

// Forget 移除会话登记。
func (r *Reconnector) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok && e.timer != nil {
		e.timer.Stop()
	}
	delete(r.entries, id)
	r.suppressed.Remove(id)
}

// Pending 判断会话是否有已排期但尚未执行的重连。
func (r *Reconnector) Pending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.timer != nil
}

// Stop 取消全部已排期的重连，之后不再排期。
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	for _, e := range r.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

// Emit 先转发事件，再根据生命周期事件调整重连计划。
func (r *Reconnector) Emit(ev event.Event) error {
	err := r.next.Emit(ev)
	if ev.Kind == event.KindServerStatus {
		r.observe(ev)
	}
	return err
}

func (r *Reconnector) observe(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[ev.ServerID]
	if !ok {
		return
	}
	switch {
	case ev.Status == event.StatusConnected:
		e.backoff.Reset()
	case ev.Status.IsTerminal():
		if r.suppressed.TryRemove(ev.ServerID) || r.stopped || !r.cfg.Enabled {
			return
		}
		delay := e.backoff.NextBackOff()
		if delay == backoff.Stop {
			metrics.ReconnectAttempts.WithLabelValues(attemptExhausted).Inc()
			r.Logger().Warn("give up reconnecting", log.FieldServerID(ev.ServerID), zap.String("reason", ev.Reason))
			return
		}
		id := ev.ServerID
		e.timer = time.AfterFunc(delay, func() { r.fire(id, e) })
		r.Logger().Info("reconnect scheduled",
			log.FieldServerID(id),
			zap.Duration("delay", delay),
			zap.String("reason", ev.Reason))
	}
}

func (r *Reconnector) fire(id string, e *entry) {
	r.mu.Lock()
	if r.stopped || r.entries[id] != e || e.timer == nil {
		r.mu.Unlock()
		return
	}
	e.timer = nil
	target, params := r.target, e.params
	r.mu.Unlock()

	if target == nil {
		return
	}
	err := target.Connect(context.Background(), params)
	switch {
	case err == nil:
		metrics.ReconnectAttempts.WithLabelValues(attemptStarted).Inc()
		r.Logger().Info("reconnect started", log.FieldServerID(id))
	case errors.Is(err, merr.ErrSessionAlreadyActive), errors.Is(err, merr.ErrShuttingDown):
		metrics.ReconnectAttempts.WithLabelValues(attemptSkipped).Inc()
		r.Logger().Debug("reconnect skipped", log.FieldServerID(id), zap.Error(err))
	default:
		metrics.ReconnectAttempts.WithLabelValues(attemptFailed).Inc()
		r.Logger().Warn("reconnect failed", log.FieldServerID(id), zap.Error(err))
	}
}
