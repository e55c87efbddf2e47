package log

import "go.uber.org/atomic"

// Binder 供长生命周期组件嵌入，允许在构造之后替换其 Logger。
//
// 说明：
//   - 零值可用，未绑定时返回全局 Logger；
//   - SetLogger 与 Logger 可以并发调用。
type Binder struct {
	logger atomic.Pointer[MLogger]
}

// LoggerBinder 由嵌入了 Binder 的组件实现，application 据此注入按模块配置的 Logger。
type LoggerBinder interface {
	SetLogger(logger *MLogger)
	Logger() *MLogger
}

var _ LoggerBinder = (*Binder)(nil)

// SetLogger 绑定 Logger，传入 nil 表示恢复为全局 Logger。
func (b *Binder) SetLogger(logger *MLogger) {
	b.logger.Store(logger)
}

// Logger 返回已绑定的 Logger。
func (b *Binder) Logger() *MLogger {
	if l := b.logger.Load(); l != nil {
		return l
	}
	return With()
}
