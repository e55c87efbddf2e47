package event

import (
	"io"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/kirc-go/internal/network/serializer"
	"github.com/lk2023060901/kirc-go/pkg/metrics"
	"github.com/lk2023060901/kirc-go/pkg/util/merr"
)

// Sink 为事件的投递目标。
//
// 说明：
//   - Emit 会被多个会话 goroutine 并发调用，实现必须并发安全；
//   - Emit 不应长时间阻塞，否则会拖慢对应会话对报文的处理；
//   - 返回的错误只会被记录，不会影响会话本身。
type Sink interface {
	Emit(ev Event) error
}

// SinkFunc 允许直接使用函数作为 Sink。
type SinkFunc func(ev Event) error

func (f SinkFunc) Emit(ev Event) error {
	return f(ev)
}

// Discard 丢弃所有事件。
var Discard Sink = SinkFunc(func(Event) error { return nil })

// MultiSink 依次投递到多个 Sink，单个失败不影响后续投递。
type MultiSink []Sink

func (m MultiSink) Emit(ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return merr.Combine(errs...)
}

// Envelope 为 JSONSink 写出的单行结构。
type Envelope struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// JSONSink 将事件以 JSON Lines 形式写入 io.Writer。
type JSONSink struct {
	mu         sync.Mutex
	w          io.Writer
	serializer serializer.Serializer
}

// NewJSONSink 创建 JSONSink，s 为 nil 时使用 serializer.JSONSerializer。
func NewJSONSink(w io.Writer, s serializer.Serializer) *JSONSink {
	if s == nil {
		s = serializer.JSONSerializer{}
	}
	return &JSONSink{w: w, serializer: s}
}

func (j *JSONSink) Emit(ev Event) error {
	return j.Write(ev.Kind.Topic(), ev)
}

// Write 以 topic 写出任意载荷，与 Emit 共用同一把锁，保证行不会交错。
func (j *JSONSink) Write(topic string, payload any) error {
	data, err := j.serializer.Marshal(Envelope{Topic: topic, Payload: payload})
	if err != nil {
		return errors.Wrapf(err, "marshal %s", topic)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(data); err != nil {
		return errors.Wrap(err, "write event")
	}
	return nil
}

// Counting 包装 Sink，为每个投递的事件累加 metrics.EventsEmitted。
func Counting(next Sink) Sink {
	return SinkFunc(func(ev Event) error {
		metrics.EventsEmitted.WithLabelValues(string(ev.Kind)).Inc()
		return next.Emit(ev)
	})
}
