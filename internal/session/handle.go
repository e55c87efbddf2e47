package session

import (
	"context"
	"sync"
	"time"

	"github.com/lk2023060901/kirc-go/pkg/util/merr"
)

// defaultMailboxSize 为命令队列的默认缓冲大小。
const defaultMailboxSize = 64

// Command 为发给 actor 的命令。
type Command interface {
	command()
}

// Join 加入频道。
type Join struct {
	Channel string
}

// Part 离开频道，Reason 可为空。
type Part struct {
	Channel string
	Reason  string
}

// Privmsg 向频道或用户发送消息，发送成功后会在本地回显。
type Privmsg struct {
	Target string
	Text   string
}

// Quit 发送 QUIT 并结束会话，无论发送是否成功。
type Quit struct {
	Reason string
}

func (Join) command()    {}
func (Part) command()    {}
func (Privmsg) command() {}
func (Quit) command()    {}

// Mailbox 为 actor 命令队列的发送端，可被多个调用方并发使用。
type Mailbox struct {
	ch   chan<- Command
	done <-chan struct{}
}

// Send 投递一条命令。
//
// 说明：
//   - actor 已退出时返回 merr.ErrSessionMailboxClosed，不会永久阻塞；
//   - 队列已满时等待，直到 actor 取走命令或 ctx 结束。
func (m Mailbox) Send(ctx context.Context, serverID string, cmd Command) error {
	if m.ch == nil {
		return merr.WrapErrSessionMailboxClosed(serverID)
	}
	select {
	case <-m.done:
		return merr.WrapErrSessionMailboxClosed(serverID)
	default:
	}
	select {
	case m.ch <- cmd:
		return nil
	case <-m.done:
		return merr.WrapErrSessionMailboxClosed(serverID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle 为一个运行中 actor 的控制句柄，注册表以指针身份判断记录归属。
type Handle struct {
	serverID string
	cancel   context.CancelFunc
	done     chan struct{}

	// announced 在 Connecting 事件发出后关闭，外部中止须等待它以保证事件顺序。
	announced    chan struct{}
	announceOnce sync.Once
	// terminal 保证每个 actor 只发出一次终态事件。
	terminal sync.Once
}

func newHandle(serverID string, cancel context.CancelFunc) *Handle {
	return &Handle{
		serverID:  serverID,
		cancel:    cancel,
		done:      make(chan struct{}),
		announced: make(chan struct{}),
	}
}

// ServerID 返回句柄所属的会话 ID。
func (h *Handle) ServerID() string {
	return h.serverID
}

// Abort 取消 actor 的上下文，actor 会在下一次等待时退出。
func (h *Handle) Abort() {
	h.cancel()
}

// Done 返回 actor 退出时关闭的 channel。
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait 等待 actor 退出，超时返回 merr.ErrSessionWaitTimeout。
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
		return merr.WrapErrSessionWaitTimeout(h.serverID, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) announce() {
	h.announceOnce.Do(func() { close(h.announced) })
}

// once 执行终态收尾，返回本次调用是否真正执行了 fn。
func (h *Handle) once(fn func()) bool {
	ran := false
	h.terminal.Do(func() {
		ran = true
		fn()
	})
	return ran
}
