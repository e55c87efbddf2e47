package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/kirc-go/internal/event"
	"github.com/lk2023060901/kirc-go/internal/network"
	"github.com/lk2023060901/kirc-go/internal/network/codec"
	"github.com/lk2023060901/kirc-go/internal/network/connector"
	"github.com/lk2023060901/kirc-go/pkg/log"
	"github.com/lk2023060901/kirc-go/pkg/metrics"
	"github.com/lk2023060901/kirc-go/pkg/util/conc"
)

const (
	reasonAborted          = "connection aborted"
	reasonClosedByPeer     = "connection closed by peer"
	reasonReplaced         = "session record replaced before registration"
	connectedSystemMessage = "connected"
)

// collaborators 为 actor 运行所需的外部依赖，由 Supervisor 注入。
type collaborators struct {
	registry    *Registry
	connector   connector.Connector
	sink        event.Sink
	clock       func() time.Time
	mailboxSize int
	logger      log.LoggerBinder
}

// actor 独占一个连接，在单个 goroutine 内交替处理入站报文与命令。
type actor struct {
	collaborators

	ctx    context.Context
	handle *Handle
	params Params
	log    *log.MLogger

	stream  connector.Stream
	mailbox Mailbox
	nick    *atomic.String

	reachedConnected bool
	quitRequested    bool
	lastStamp        int64
}

// spawn 启动 actor 并立即返回，连接在 actor 自己的 goroutine 中进行。
// 调用方须已通过 TryBeginConnect 将 h 写入注册表。
func spawn(ctx context.Context, h *Handle, params Params, c collaborators) {
	a := &actor{
		collaborators: c,
		ctx:           ctx,
		handle:        h,
		params:        params,
		log:           c.logger.Logger().With(log.FieldComponent("session"), log.FieldServerID(params.ServerID)),
		nick:          atomic.NewString(params.Nickname),
	}
	_ = conc.Go(func() (struct{}, error) {
		a.run()
		return struct{}{}, nil
	})
}

func (a *actor) run() {
	reason := ""
	defer func() {
		if x := recover(); x != nil {
			a.log.Error("session actor panicked", zap.Any("panic", x), zap.Stack("stack"))
			reason = fmt.Sprintf("panic: %v", x)
		}
		if a.stream != nil {
			_ = a.stream.Close()
		}
		a.finish(reason)
		close(a.handle.done)
	}()

	reason = a.serve()
}

// serve 完成连接后进入主循环，返回结束原因，主动退出时为空。
func (a *actor) serve() string {
	ep := a.params.endpoint()
	stream, err := a.connector.Dial(a.ctx, ep, a.params.identity())
	if err != nil {
		if a.ctx.Err() != nil {
			return reasonAborted
		}
		a.log.Warn("connect failed",
			zap.String("addr", ep.Addr()),
			zap.String(network.FieldStage, network.StageHandshake.String()),
			zap.Error(err))
		return err.Error()
	}
	a.stream = stream

	ch := make(chan Command, a.mailboxSize)
	a.mailbox = Mailbox{ch: ch, done: a.handle.done}
	if !a.registry.Update(a.params.ServerID, a.handle, Registering{Handle: a.handle, Mailbox: a.mailbox}) {
		if a.ctx.Err() != nil {
			return reasonAborted
		}
		return reasonReplaced
	}
	a.emit(event.ProjectStatus(a.params.ServerID, event.StatusRegistering, ""))
	a.log.Info("session registering", zap.Stringer("remote", stream.RemoteAddr()))

	return a.loop(ch)
}

func (a *actor) loop(commands <-chan Command) string {
	recv := a.stream.Recv()
	for {
		select {
		case <-a.ctx.Done():
			return reasonAborted

		case res, ok := <-recv:
			if !ok {
				return reasonClosedByPeer
			}
			if res.Err != nil {
				a.log.Warn("stream failed", zap.Error(res.Err))
				return res.Err.Error()
			}
			metrics.FramesReceived.WithLabelValues(res.Frame.Command).Inc()
			a.handleFrame(res.Frame)

		case cmd := <-commands:
			if a.handleCommand(cmd) {
				return ""
			}
		}
	}
}

func (a *actor) handleFrame(f *codec.Frame) {
	if event.IsWelcome(f) {
		a.onWelcome(f)
		return
	}

	if f.Command == "NICK" && len(f.Params) > 0 && strings.EqualFold(event.Sender(f), a.nick.Load()) {
		a.nick.Store(f.Params[0])
	}

	ev, ok, err := event.ProjectFrame(a.params.ServerID, f, a.clock())
	if err != nil {
		a.log.RatedWarn(1, "drop unprojectable frame",
			zap.String(network.FieldStage, network.StageDecode.String()),
			zap.Error(err))
		return
	}
	if !ok {
		a.log.Debug("ignore unrecognized frame", zap.String("command", f.Command))
		return
	}
	a.emit(a.stamp(ev))
}

func (a *actor) onWelcome(f *codec.Frame) {
	if nick := codec.Param(f, 0); nick != "" && nick != "*" {
		a.nick.Store(nick)
	}
	next := Connected{Handle: a.handle, Mailbox: a.mailbox}
	if !a.registry.Update(a.params.ServerID, a.handle, next) {
		a.log.Debug("ignore welcome", zap.String("reason", "not registering"))
		return
	}
	a.reachedConnected = true
	a.log.Info("session connected", zap.String("nick", a.nick.Load()))
	a.emit(event.ProjectStatus(a.params.ServerID, event.StatusConnected, ""))
	a.emit(event.SystemMessage(a.params.ServerID, connectedSystemMessage))
}

// handleCommand 处理一条命令，返回 true 表示主循环应结束。
func (a *actor) handleCommand(cmd Command) bool {
	switch c := cmd.(type) {
	case Join:
		a.send(codec.NewFrame("JOIN", c.Channel))
	case Part:
		if c.Reason != "" {
			a.send(codec.NewFrame("PART", c.Channel, c.Reason))
		} else {
			a.send(codec.NewFrame("PART", c.Channel))
		}
	case Privmsg:
		if a.send(codec.NewFrame("PRIVMSG", c.Target, c.Text)) {
			a.handleFrame(codec.NewFrameFrom(a.nick.Load(), "PRIVMSG", c.Target, c.Text))
		}
	case Quit:
		a.quitRequested = true
		quit := codec.NewFrame("QUIT")
		if c.Reason != "" {
			quit = codec.NewFrame("QUIT", c.Reason)
		}
		if err := a.stream.Send(quit); err != nil {
			a.log.Warn("send QUIT failed", zap.Error(err))
		}
		return true
	default:
		a.log.Warn("unknown command", zap.String("type", fmt.Sprintf("%T", cmd)))
	}
	return false
}

// send 发送报文，失败时记录并投递 Error 事件，会话继续运行。
func (a *actor) send(f *codec.Frame) bool {
	err := a.stream.Send(f)
	if err == nil {
		return true
	}
	metrics.SendFailures.Inc()
	a.log.Warn("send failed",
		zap.String("command", f.Command),
		zap.String(network.FieldStage, network.StageSend.String()),
		zap.Error(err))
	a.emit(a.stamp(event.ProtocolError(a.params.ServerID, err.Error(), a.clock().UnixMilli())))
	return false
}

// finish 写入终态并发出终态事件，每个 actor 只执行一次。
func (a *actor) finish(reason string) {
	a.handle.once(func() {
		status, owned := a.registry.Finish(a.params.ServerID, a.handle, reason)
		if !owned {
			status = event.StatusDisconnected
			if !a.reachedConnected && !a.quitRequested {
				status = event.StatusFailed
			}
		}
		a.log.Info("session terminated", log.FieldStatus(string(status)), zap.String("reason", reason))
		a.emit(event.ProjectStatus(a.params.ServerID, status, reason))
	})
}

// stamp 保证同一会话内事件时间戳单调不减。
func (a *actor) stamp(ev event.Event) event.Event {
	if ev.Timestamp < a.lastStamp {
		ev.Timestamp = a.lastStamp
	}
	a.lastStamp = ev.Timestamp
	return ev
}

func (a *actor) emit(ev event.Event) {
	if err := a.sink.Emit(ev); err != nil {
		a.log.Warn("emit event failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
