package session

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/lk2023060901/kirc-go/internal/event"
	"github.com/lk2023060901/kirc-go/pkg/metrics"
	"github.com/lk2023060901/kirc-go/pkg/util/merr"
)

// Registry 保存 ServerID 到运行时记录的映射，是会话状态的唯一来源。
//
// 说明：
//   - 所有修改都在同一把锁内完成，读操作可以并发；
//   - Disconnected 不占用条目，条目不存在即视为 Disconnected；
//   - actor 侧的写入必须携带自己的 Handle，只有记录仍归属该 Handle 时才生效。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Runtime
	// limit 为同时处于非终态的会话上限，0 表示不限制。
	limit int
}

// NewRegistry 创建空的注册表。
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Runtime),
	}
}

// SetLimit 设置同时处于非终态的会话上限，n <= 0 表示不限制。
func (r *Registry) SetLimit(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = max(n, 0)
}

// TryBeginConnect 在条目不存在或处于终态时原子地写入 Connecting{h}。
// 这是防止同一 ServerID 出现多个 actor 的唯一准入点。
func (r *Registry) TryBeginConnect(id string, h *Handle) bool {
	return r.Admit(id, h) == nil
}

// Admit 与 TryBeginConnect 相同，但在同一临界区内给出拒绝原因。
//
// 返回：
//   - merr.ErrSessionAlreadyActive：该 ServerID 已有未结束的会话；
//   - merr.ErrSessionLimitExceeded：设置了上限且活跃会话数已达上限。
func (r *Registry) Admit(id string, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.load(id)
	if !prev.Status().IsTerminal() {
		return merr.WrapErrSessionAlreadyActive(id, prev.Status())
	}
	if r.limit > 0 && r.active() >= r.limit {
		return merr.WrapErrSessionLimitExceeded(r.limit)
	}
	r.store(id, prev, Connecting{Handle: h})
	return nil
}

// Update 由 actor 调用，仅当记录归属 owner 且迁移合法时生效。
func (r *Registry) Update(id string, owner *Handle, next Runtime) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.load(id)
	if owner == nil || prev.owner() != owner {
		return false
	}
	if !isLegal(prev.Status(), next.Status()) {
		return false
	}
	r.store(id, prev, next)
	return true
}

// Mutate 在锁内以当前记录调用 fn，fn 返回的 apply 为 true 时写入新记录。
// 返回修改前的记录与是否写入。
func (r *Registry) Mutate(id string, fn func(cur Runtime) (next Runtime, apply bool)) (Runtime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.load(id)
	next, apply := fn(prev)
	if !apply || next == nil {
		return prev, false
	}
	r.store(id, prev, next)
	return prev, true
}

// Finish 为 actor 写入终态。
//
// 说明：
//   - 尚未进入 Connected 且 reason 非空时写入 Failed{reason}，否则删除条目（Disconnected）；
//   - 记录已不归属 owner（被中止、被排空或被替换）时不做修改，返回 false。
func (r *Registry) Finish(id string, owner *Handle, reason string) (event.ServerStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.load(id)
	if owner == nil || prev.owner() != owner {
		return event.StatusDisconnected, false
	}

	var next Runtime = Disconnected{}
	switch prev.(type) {
	case Connecting, Registering:
		if reason != "" {
			next = Failed{Reason: reason}
		}
	}
	r.store(id, prev, next)
	return next.Status(), true
}

// Get 返回条目，不存在时 ok 为 false。
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.entries[id]
	if !ok {
		return Record{ServerID: id, Runtime: Disconnected{}}, false
	}
	return Record{ServerID: id, Runtime: rt}, true
}

// DrainAll 原子地取出并删除全部条目，调用后注册表为空。
func (r *Registry) DrainAll() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := r.collect()
	for _, rec := range records {
		r.store(rec.ServerID, rec.Runtime, Disconnected{})
	}
	return records
}

// Snapshot 返回按 ServerID 排序的全部条目副本。
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect()
}

// Count 返回条目数量。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Active 返回处于非终态的会话数。
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active()
}

func (r *Registry) active() int {
	return lo.CountBy(lo.Values(r.entries), func(rt Runtime) bool {
		return !rt.Status().IsTerminal()
	})
}

func (r *Registry) collect() []Record {
	records := lo.MapToSlice(r.entries, func(id string, rt Runtime) Record {
		return Record{ServerID: id, Runtime: rt}
	})
	sort.Slice(records, func(i, j int) bool {
		return records[i].ServerID < records[j].ServerID
	})
	return records
}

func (r *Registry) load(id string) Runtime {
	if rt, ok := r.entries[id]; ok {
		return rt
	}
	return Disconnected{}
}

// store 写入新记录并同步 metrics.Sessions，调用方需持有写锁。
func (r *Registry) store(id string, prev, next Runtime) {
	if _, ok := r.entries[id]; ok {
		metrics.Sessions.WithLabelValues(string(prev.Status())).Dec()
	}
	if _, ok := next.(Disconnected); ok {
		delete(r.entries, id)
		return
	}
	r.entries[id] = next
	metrics.Sessions.WithLabelValues(string(next.Status())).Inc()
}
