package session

import (
	"github.com/samber/lo"

	"github.com/lk2023060901/kirc-go/internal/event"
)

// Runtime 为会话在注册表中的运行时记录，每种状态对应一个类型，只携带该状态下有效的字段。
type Runtime interface {
	Status() event.ServerStatus
	// owner 返回持有该记录的 Handle，Disconnected 与 Failed 返回 nil。
	owner() *Handle
}

// Disconnected 表示不存在运行中的 actor，也是未知 ServerID 的默认状态。
type Disconnected struct{}

// Connecting 表示 actor 正在建立连接，此时只能被中止，不能接收命令。
type Connecting struct {
	Handle *Handle
}

// Registering 表示连接与身份报文已完成，正在等待 RPL_WELCOME。
type Registering struct {
	Handle  *Handle
	Mailbox Mailbox
}

// Connected 表示注册完成，可以收发消息。
type Connected struct {
	Handle  *Handle
	Mailbox Mailbox
}

// Disconnecting 表示已发出 QUIT，等待 actor 退出。
type Disconnecting struct {
	Handle *Handle
}

// Failed 表示在进入 Connected 之前失败，直到下一次连接前保持可查询。
type Failed struct {
	Reason string
}

var (
	_ Runtime = Disconnected{}
	_ Runtime = Connecting{}
	_ Runtime = Registering{}
	_ Runtime = Connected{}
	_ Runtime = Disconnecting{}
	_ Runtime = Failed{}
)

func (Disconnected) Status() event.ServerStatus  { return event.StatusDisconnected }
func (Connecting) Status() event.ServerStatus    { return event.StatusConnecting }
func (Registering) Status() event.ServerStatus   { return event.StatusRegistering }
func (Connected) Status() event.ServerStatus     { return event.StatusConnected }
func (Disconnecting) Status() event.ServerStatus { return event.StatusDisconnecting }
func (Failed) Status() event.ServerStatus        { return event.StatusFailed }

func (Disconnected) owner() *Handle    { return nil }
func (r Connecting) owner() *Handle    { return r.Handle }
func (r Registering) owner() *Handle   { return r.Handle }
func (r Connected) owner() *Handle     { return r.Handle }
func (r Disconnecting) owner() *Handle { return r.Handle }
func (Failed) owner() *Handle          { return nil }

// legalEdges 为允许的状态迁移，终态之间的迁移只能经由 TryBeginConnect。
var legalEdges = map[event.ServerStatus][]event.ServerStatus{
	event.StatusConnecting:    {event.StatusRegistering, event.StatusFailed, event.StatusDisconnected},
	event.StatusRegistering:   {event.StatusConnected, event.StatusFailed, event.StatusDisconnecting},
	event.StatusConnected:     {event.StatusDisconnecting, event.StatusDisconnected},
	event.StatusDisconnecting: {event.StatusDisconnected},
	event.StatusFailed:        {event.StatusConnecting},
	event.StatusDisconnected:  {event.StatusConnecting},
}

func isLegal(from, to event.ServerStatus) bool {
	return lo.Contains(legalEdges[from], to)
}

// Record 为注册表中的一条记录。
type Record struct {
	ServerID string
	Runtime  Runtime
}

// Status 返回记录的生命周期状态。
func (r Record) Status() event.ServerStatus {
	if r.Runtime == nil {
		return event.StatusDisconnected
	}
	return r.Runtime.Status()
}

// Reason 返回 Failed 状态携带的错误描述，其他状态返回空串。
func (r Record) Reason() string {
	if f, ok := r.Runtime.(Failed); ok {
		return f.Reason
	}
	return ""
}
