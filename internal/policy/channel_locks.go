package policy

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lk2023060901/kirc-go/internal/event"
	"github.com/lk2023060901/kirc-go/pkg/log"
	"github.com/lk2023060901/kirc-go/pkg/util/merr"
	"github.com/lk2023060901/kirc-go/pkg/util/typeutil"
)

// ChannelLocks 记录各服务器下被锁定（禁止发言）的频道。
//
// 说明：
//   - 频道名按小写比较，与 IRC 对频道名大小写不敏感的约定一致；
//   - 锁定与解锁都会向 sink 投递 channelLockChanged 事件，解锁未锁定的频道同样投递；
//   - 锁定状态仅保存在内存中，不随会话断开而清除。
type ChannelLocks struct {
	mu      sync.RWMutex
	servers map[string]typeutil.Set[string]
	sink    event.Sink
}

// NewChannelLocks 创建 ChannelLocks，sink 为 nil 时不投递事件。
func NewChannelLocks(sink event.Sink) *ChannelLocks {
	if sink == nil {
		sink = event.Discard
	}
	return &ChannelLocks{
		servers: make(map[string]typeutil.Set[string]),
		sink:    sink,
	}
}

// Lock 锁定频道。
func (c *ChannelLocks) Lock(serverID, channel string) error {
	if err := validate(serverID, channel); err != nil {
		return err
	}

	c.mu.Lock()
	set, ok := c.servers[serverID]
	if !ok {
		set = typeutil.NewSet[string]()
		c.servers[serverID] = set
	}
	set.Insert(normalize(channel))
	c.mu.Unlock()

	c.emit(serverID, channel, true)
	return nil
}

// Unlock 解锁频道，频道未锁定时仅投递事件。
func (c *ChannelLocks) Unlock(serverID, channel string) error {
	if err := validate(serverID, channel); err != nil {
		return err
	}

	c.mu.Lock()
	if set, ok := c.servers[serverID]; ok {
		set.Remove(normalize(channel))
		if set.Len() == 0 {
			delete(c.servers, serverID)
		}
	}
	c.mu.Unlock()

	c.emit(serverID, channel, false)
	return nil
}

// IsLocked 判断频道是否被锁定。
func (c *ChannelLocks) IsLocked(serverID, channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.servers[serverID]
	return ok && set.Contain(normalize(channel))
}

// Locked 返回某服务器下被锁定的频道（小写形式）。
func (c *ChannelLocks) Locked(serverID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.servers[serverID]
	if !ok {
		return nil
	}
	return set.Collect()
}

// CanSend 在发送消息前检查目标是否被锁定，被锁定时返回 merr.ErrChannelLocked。
func (c *ChannelLocks) CanSend(serverID, target string) error {
	if c.IsLocked(serverID, target) {
		return merr.WrapErrChannelLocked(serverID, target)
	}
	return nil
}

func (c *ChannelLocks) emit(serverID, channel string, locked bool) {
	if err := c.sink.Emit(event.ChannelLockChanged(serverID, channel, locked)); err != nil {
		log.Warn("failed to emit channel lock change",
			log.FieldServerID(serverID),
			zap.String("channel", channel),
			zap.Error(err))
	}
}

func validate(serverID, channel string) error {
	if serverID == "" {
		return merr.WrapErrParameterMissing("serverID")
	}
	if channel == "" {
		return merr.WrapErrParameterMissing("channel")
	}
	return nil
}

func normalize(channel string) string {
	return strings.ToLower(channel)
}
