package event

// ServerStatus 为会话的生命周期状态。
type ServerStatus string

const (
	StatusDisconnected  ServerStatus = "Disconnected"
	StatusConnecting    ServerStatus = "Connecting"
	StatusRegistering   ServerStatus = "Registering"
	StatusConnected     ServerStatus = "Connected"
	StatusDisconnecting ServerStatus = "Disconnecting"
	StatusFailed        ServerStatus = "Failed"
)

// IsTerminal 判断状态是否为终态（Disconnected 或 Failed）。
func (s ServerStatus) IsTerminal() bool {
	return s == StatusDisconnected || s == StatusFailed
}

// Kind 为事件大类。
type Kind string

const (
	KindServerStatus       Kind = "serverStatus"
	KindSystemMessage      Kind = "systemMessage"
	KindProtocol           Kind = "protocol"
	KindChannelLockChanged Kind = "channelLockChanged"
)

// Topic 返回该类事件对外发布时使用的主题名。
func (k Kind) Topic() string {
	switch k {
	case KindServerStatus:
		return "kirc:server_status"
	case KindSystemMessage:
		return "kirc:system_message"
	case KindChannelLockChanged:
		return "kirc:channel_lock_changed"
	default:
		return "kirc:message"
	}
}

// ProtocolType 为协议事件的子类型。
type ProtocolType string

const (
	TypeUserMessage ProtocolType = "UserMessage"
	TypeJoin        ProtocolType = "Join"
	TypePart        ProtocolType = "Part"
	TypeQuit        ProtocolType = "Quit"
	TypeNick        ProtocolType = "Nick"
	TypeTopic       ProtocolType = "Topic"
	TypeError       ProtocolType = "Error"
)

// Event 为发往外部的通知。
//
// 说明：
//   - 不同 Kind 使用不同的字段子集，未使用的字段在 JSON 中省略；
//   - Timestamp 为本地处理报文时的毫秒时间戳，而不是对端给出的时间。
type Event struct {
	Kind     Kind         `json:"kind"`
	ServerID string       `json:"serverId"`
	Status   ServerStatus `json:"status,omitempty"`
	Type     ProtocolType `json:"type,omitempty"`
	Channel  string       `json:"channel,omitempty"`
	Nick     string       `json:"nick,omitempty"`
	OldNick  string       `json:"oldNick,omitempty"`
	NewNick  string       `json:"newNick,omitempty"`
	Content  string       `json:"content,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	Topic    string       `json:"topic,omitempty"`
	Text     string       `json:"text,omitempty"`
	Locked   *bool        `json:"locked,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// IsTerminalStatus 判断事件是否为终态生命周期事件。
func (e Event) IsTerminalStatus() bool {
	return e.Kind == KindServerStatus && e.Status.IsTerminal()
}

// ProjectStatus 构造一条生命周期事件，reason 非空时附带错误描述。
func ProjectStatus(serverID string, status ServerStatus, reason string) Event {
	return Event{
		Kind:     KindServerStatus,
		ServerID: serverID,
		Status:   status,
		Reason:   reason,
	}
}

// SystemMessage 构造一条提示性事件。
func SystemMessage(serverID, text string) Event {
	return Event{
		Kind:     KindSystemMessage,
		ServerID: serverID,
		Text:     text,
	}
}

// ChannelLockChanged 构造一条频道锁定状态变更事件。
func ChannelLockChanged(serverID, channel string, locked bool) Event {
	return Event{
		Kind:     KindChannelLockChanged,
		ServerID: serverID,
		Channel:  channel,
		Locked:   &locked,
	}
}

// ProtocolError 构造一条本地产生的协议错误事件，例如发送失败。
func ProtocolError(serverID, content string, timestampMillis int64) Event {
	return Event{
		Kind:      KindProtocol,
		ServerID:  serverID,
		Type:      TypeError,
		Content:   content,
		Timestamp: timestampMillis,
	}
}
