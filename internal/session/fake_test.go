package session

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/lk2023060901/kirc-go/internal/event"
	"github.com/lk2023060901/kirc-go/internal/network/codec"
	"github.com/lk2023060901/kirc-go/internal/network/connector"
)

// fakeStream 为内存中的 Stream，测试通过 push 注入入站报文。
type fakeStream struct {
	recv chan connector.Result

	mu      sync.Mutex
	sent    []*codec.Frame
	sendErr error
	// gates 中登记的命令在发送时阻塞，直到对应 channel 被关闭。
	gates   map[string]chan struct{}
	stalled atomic.Int32

	closed     chan struct{}
	closeOnce  sync.Once
	hangupOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		recv:   make(chan connector.Result, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) Recv() <-chan connector.Result { return f.recv }

func (f *fakeStream) Send(frame *codec.Frame) error {
	f.mu.Lock()
	gate := f.gates[frame.Command]
	f.mu.Unlock()
	if gate != nil {
		f.stalled.Inc()
		<-gate
		f.stalled.Dec()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6667}
}

func (f *fakeStream) push(frame *codec.Frame) {
	f.recv <- connector.Result{Frame: frame}
}

func (f *fakeStream) fail(err error) {
	f.recv <- connector.Result{Err: err}
}

func (f *fakeStream) hangup() {
	f.hangupOnce.Do(func() { close(f.recv) })
}

// block 使发送 command 的调用阻塞到 gate 被关闭。
func (f *fakeStream) block(command string, gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gates == nil {
		f.gates = make(map[string]chan struct{})
	}
	f.gates[command] = gate
}

func (f *fakeStream) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeStream) sentCommands(command string) []*codec.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*codec.Frame
	for _, frame := range f.sent {
		if frame.Command == command {
			out = append(out, frame)
		}
	}
	return out
}

func (f *fakeStream) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeConnector 记录拨号次数，可选择阻塞拨号或直接失败。
type fakeConnector struct {
	dials   atomic.Int32
	streams chan *fakeStream

	mu    sync.Mutex
	gate  chan struct{}
	err   error
	setup func(*fakeStream)
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{streams: make(chan *fakeStream, 16)}
}

func (c *fakeConnector) Dial(ctx context.Context, _ connector.Endpoint, _ connector.Identity) (connector.Stream, error) {
	c.dials.Inc()

	c.mu.Lock()
	gate, err, setup := c.gate, c.err, c.setup
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	stream := newFakeStream()
	if setup != nil {
		setup(stream)
	}
	c.streams <- stream
	return stream, nil
}

func (c *fakeConnector) block() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
	return c.gate
}

func (c *fakeConnector) failWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeConnector) next(timeout time.Duration) *fakeStream {
	select {
	case stream := <-c.streams:
		return stream
	case <-time.After(timeout):
		return nil
	}
}

// recorder 为记录所有事件的 Sink。
// stopRecorder 记录收到的主动停止通知，以及通知时该会话已发出的终态事件数。
type stopRecorder struct {
	sink *recorder

	mu        sync.Mutex
	ids       []string
	terminals []int
}

func (r *stopRecorder) Suppress(serverID string) {
	n := r.sink.terminals(serverID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, serverID)
	r.terminals = append(r.terminals, n)
}

func (r *stopRecorder) notified() ([]string, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...), append([]int(nil), r.terminals...)
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
	hook   func(event.Event)
}

func (r *recorder) Emit(ev event.Event) error {
	r.mu.Lock()
	hook := r.hook
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
	return nil
}

func (r *recorder) all(id string) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, ev := range r.events {
		if ev.ServerID == id {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) statuses(id string) []event.ServerStatus {
	var out []event.ServerStatus
	for _, ev := range r.all(id) {
		if ev.Kind == event.KindServerStatus {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (r *recorder) terminals(id string) int {
	n := 0
	for _, ev := range r.all(id) {
		if ev.IsTerminalStatus() {
			n++
		}
	}
	return n
}

func (r *recorder) protocol(id string, typ event.ProtocolType) []event.Event {
	var out []event.Event
	for _, ev := range r.all(id) {
		if ev.Kind == event.KindProtocol && ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
