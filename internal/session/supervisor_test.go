package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"

	"github.com/lk2023060901/kirc-go/internal/event"
	"github.com/lk2023060901/kirc-go/internal/network/codec"
	"github.com/lk2023060901/kirc-go/internal/policy"
	"github.com/lk2023060901/kirc-go/pkg/util/merr"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type SupervisorSuite struct {
	suite.Suite

	baseline  goleak.Option
	ctx       context.Context
	connector *fakeConnector
	sink      *recorder
	sup       *Supervisor
}

func (s *SupervisorSuite) SetupTest() {
	s.baseline = goleak.IgnoreCurrent()
	s.ctx = context.Background()
	s.connector = newFakeConnector()
	s.sink = &recorder{}
	s.sup = NewSupervisor(Options{
		Connector:       s.connector,
		Sink:            s.sink,
		ShutdownTimeout: 500 * time.Millisecond,
	})
}

func (s *SupervisorSuite) TearDownTest() {
	s.NoError(s.sup.Shutdown(s.ctx))
	goleak.VerifyNone(s.T(), s.baseline)
}

func params(id string) Params {
	return Params{
		ServerID: id,
		Host:     "irc.example.org",
		Port:     6697,
		TLS:      true,
		Nickname: "alice",
	}
}

func (s *SupervisorSuite) waitStatus(id string, want event.ServerStatus) {
	s.Eventually(func() bool {
		return s.sup.Status(id) == want
	}, waitFor, tick, "waiting for %s to become %s", id, want)
}

func (s *SupervisorSuite) waitTerminals(id string, n int) {
	s.Eventually(func() bool {
		return s.sink.terminals(id) >= n
	}, waitFor, tick)
}

// connect 建立会话并推进到 Connected，返回对应的 fakeStream。
func (s *SupervisorSuite) connect(id string) *fakeStream {
	s.Require().NoError(s.sup.Connect(s.ctx, params(id)))
	stream := s.connector.next(waitFor)
	s.Require().NotNil(stream)
	s.waitStatus(id, event.StatusRegistering)
	stream.push(codec.NewFrameFrom("irc.example.org", "001", "alice", "Welcome to the network"))
	s.waitStatus(id, event.StatusConnected)
	return stream
}

func (s *SupervisorSuite) handleOf(id string) *Handle {
	rec, ok := s.sup.registry.Get(id)
	s.Require().True(ok)
	h := rec.Runtime.owner()
	s.Require().NotNil(h)
	return h
}

func (s *SupervisorSuite) TestConnectLifecycle() {
	s.connect("s1")

	s.Equal([]event.ServerStatus{
		event.StatusConnecting,
		event.StatusRegistering,
		event.StatusConnected,
	}, s.sink.statuses("s1"))

	var system []string
	for _, ev := range s.sink.all("s1") {
		if ev.Kind == event.KindSystemMessage {
			system = append(system, ev.Text)
		}
	}
	s.Equal([]string{"connected"}, system)
	s.Equal([]SessionInfo{{ServerID: "s1", Status: event.StatusConnected}}, s.sup.List())
}

func (s *SupervisorSuite) TestConnectInvalidParams() {
	for _, p := range []Params{
		{Host: "h", Port: 1, Nickname: "n"},
		{ServerID: "x", Port: 1, Nickname: "n"},
		{ServerID: "x", Host: "h", Port: 0, Nickname: "n"},
		{ServerID: "x", Host: "h", Port: 70000, Nickname: "n"},
		{ServerID: "x", Host: "h", Port: 1},
		{ServerID: "x", Host: "h", Port: 1, Nickname: "a b"},
	} {
		s.ErrorIs(s.sup.Connect(s.ctx, p), merr.ErrParameterInvalid)
	}
	s.Zero(s.connector.dials.Load())
	s.Empty(s.sup.List())
}

func (s *SupervisorSuite) TestDoubleConnect() {
	gate := s.connector.block()
	defer close(gate)

	s.Require().NoError(s.sup.Connect(s.ctx, params("s1")))
	err := s.sup.Connect(s.ctx, params("s1"))
	s.ErrorIs(err, merr.ErrSessionAlreadyActive)
	s.NotErrorIs(err, merr.ErrSessionLimitExceeded)

	s.Eventually(func() bool { return s.connector.dials.Load() == 1 }, waitFor, tick)
	s.Equal([]event.ServerStatus{event.StatusConnecting}, s.sink.statuses("s1"))
}

func (s *SupervisorSuite) TestMaxSessions() {
	s.sup.registry.SetLimit(1)

	s.connect("s1")
	s.ErrorIs(s.sup.Connect(s.ctx, params("s2")), merr.ErrSessionLimitExceeded)
	s.ErrorIs(s.sup.Connect(s.ctx, params("s1")), merr.ErrSessionAlreadyActive)
	s.Empty(s.sink.statuses("s2"))
}

func (s *SupervisorSuite) TestConcurrentConnect() {
	gate := s.connector.block()
	defer close(gate)

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.sup.Connect(s.ctx, params("s1"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
			} else if errors.Is(err, merr.ErrSessionAlreadyActive) {
				rejected++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, admitted)
	s.Equal(n-1, rejected)
	s.Eventually(func() bool { return s.connector.dials.Load() == 1 }, waitFor, tick)
}

func (s *SupervisorSuite) TestCancelConnect() {
	gate := s.connector.block()
	defer close(gate)

	s.Require().NoError(s.sup.Connect(s.ctx, params("s1")))
	h := s.handleOf("s1")

	s.NoError(s.sup.CancelConnect(s.ctx, "s1"))
	s.Equal(event.StatusDisconnected, s.sup.Status("s1"))

	select {
	case <-h.Done():
	case <-time.After(waitFor):
		s.FailNow("actor did not exit after cancel")
	}
	s.Equal([]event.ServerStatus{event.StatusConnecting, event.StatusFailed}, s.sink.statuses("s1"))
	s.Equal(1, s.sink.terminals("s1"))
	s.Nil(s.connector.next(10 * time.Millisecond))

	// 非 Connecting 状态下为空操作。
	s.NoError(s.sup.CancelConnect(s.ctx, "s1"))
	s.Equal(1, s.sink.terminals("s1"))
}

func (s *SupervisorSuite) TestCancelConnectIgnoredWhenConnected() {
	s.connect("s1")
	s.NoError(s.sup.CancelConnect(s.ctx, "s1"))
	s.Equal(event.StatusConnected, s.sup.Status("s1"))
}

func (s *SupervisorSuite) TestConnectFailure() {
	s.connector.failWith(merr.WrapErrTransport("irc.example.org:6697", errors.New("connection refused")))

	s.Require().NoError(s.sup.Connect(s.ctx, params("s1")))
	s.waitStatus("s1", event.StatusFailed)
	s.waitTerminals("s1", 1)

	statuses := s.sink.statuses("s1")
	s.Equal([]event.ServerStatus{event.StatusConnecting, event.StatusFailed}, statuses)
	infos := s.sup.List()
	s.Require().Len(infos, 1)
	s.Contains(infos[0].Reason, "connection refused")

	// Failed 之后允许重新连接。
	s.connector.failWith(nil)
	s.connect("s1")
}

func (s *SupervisorSuite) TestPeerClosesBeforeWelcome() {
	s.Require().NoError(s.sup.Connect(s.ctx, params("s1")))
	stream := s.connector.next(waitFor)
	s.Require().NotNil(stream)
	s.waitStatus("s1", event.StatusRegistering)

	stream.hangup()
	s.waitStatus("s1", event.StatusFailed)
	s.waitTerminals("s1", 1)
	s.Eventually(stream.isClosed, waitFor, tick)
}

func (s *SupervisorSuite) TestSendMessageEcho() {
	stream := s.connect("s1")

	const n = 20
	for i := 0; i < n; i++ {
		s.Require().NoError(s.sup.SendMessage(s.ctx, "s1", "#general", fmt.Sprintf("hi %d", i)))
	}

	s.Eventually(func() bool {
		return len(s.sink.protocol("s1", event.TypeUserMessage)) == n
	}, waitFor, tick)

	sent := stream.sentCommands("PRIVMSG")
	s.Require().Len(sent, n)
	echoes := s.sink.protocol("s1", event.TypeUserMessage)
	var last int64
	for i, ev := range echoes {
		want := fmt.Sprintf("hi %d", i)
		s.Equal([]string{"#general", want}, sent[i].Params)
		s.Equal("#general", ev.Channel)
		s.Equal("alice", ev.Nick)
		s.Equal(want, ev.Content)
		s.GreaterOrEqual(ev.Timestamp, last)
		last = ev.Timestamp
	}
}

func (s *SupervisorSuite) TestNonDecreasingTimestamps() {
	var (
		mu  sync.Mutex
		now = time.UnixMilli(2_000_000)
	)
	s.sup = NewSupervisor(Options{
		Connector: s.connector,
		Sink:      s.sink,
		Clock: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(-time.Second)
			return now
		},
	})
	s.connect("s1")

	for i := 0; i < 3; i++ {
		s.Require().NoError(s.sup.SendMessage(s.ctx, "s1", "#go", "tick"))
	}
	s.Eventually(func() bool {
		return len(s.sink.protocol("s1", event.TypeUserMessage)) == 3
	}, waitFor, tick)
	echoes := s.sink.protocol("s1", event.TypeUserMessage)
	s.Equal(echoes[0].Timestamp, echoes[1].Timestamp)
	s.Equal(echoes[1].Timestamp, echoes[2].Timestamp)
}

func (s *SupervisorSuite) TestNickChangeUpdatesEcho() {
	stream := s.connect("s1")
	stream.push(codec.NewFrameFrom("alice!a@host", "NICK", "bob"))
	s.Eventually(func() bool {
		return len(s.sink.protocol("s1", event.TypeNick)) == 1
	}, waitFor, tick)

	s.Require().NoError(s.sup.SendMessage(s.ctx, "s1", "#go", "renamed"))
	s.Eventually(func() bool {
		return len(s.sink.protocol("s1", event.TypeUserMessage)) == 1
	}, waitFor, tick)
	s.Equal("bob", s.sink.protocol("s1", event.TypeUserMessage)[0].Nick)
}

func (s *SupervisorSuite) TestInboundProjection() {
	stream := s.connect("s1")
	stream.push(codec.NewFrameFrom("carol!c@host", "JOIN", "#go"))
	stream.push(codec.NewFrameFrom("irc.example.org", "353", "alice", "=", "#go", "alice carol"))
	stream.push(codec.NewFrameFrom("carol!c@host", "PRIVMSG", "#go"))
	stream.push(codec.NewFrameFrom("carol!c@host", "PRIVMSG", "#go", "hello"))
	stream.push(codec.NewFrameFrom("carol!c@host", "QUIT", "bye"))

	s.Eventually(func() bool {
		return len(s.sink.protocol("s1", event.TypeQuit)) == 1
	}, waitFor, tick)

	joins := s.sink.protocol("s1", event.TypeJoin)
	s.Require().Len(joins, 1)
	s.Equal("carol", joins[0].Nick)

	msgs := s.sink.protocol("s1", event.TypeUserMessage)
	s.Require().Len(msgs, 1)
	s.Equal("hello", msgs[0].Content)
	s.Equal(event.StatusConnected, s.sup.Status("s1"))
}

func (s *SupervisorSuite) TestJoinAndPart() {
	stream := s.connect("s1")
	s.NoError(s.sup.JoinChannel(s.ctx, "s1", "#go"))
	s.NoError(s.sup.PartChannel(s.ctx, "s1", "#go", "later"))

	s.Eventually(func() bool { return len(stream.sentCommands("PART")) == 1 }, waitFor, tick)
	s.Equal([]string{"#go"}, stream.sentCommands("JOIN")[0].Params)
	s.Equal([]string{"#go", "later"}, stream.sentCommands("PART")[0].Params)
}

func (s *SupervisorSuite) TestCommandErrors() {
	s.ErrorIs(s.sup.SendMessage(s.ctx, "nope", "#go", "hi"), merr.ErrSessionNotFound)
	s.ErrorIs(s.sup.JoinChannel(s.ctx, "nope", "#go"), merr.ErrSessionNotFound)
	s.ErrorIs(s.sup.JoinChannel(s.ctx, "nope", ""), merr.ErrParameterMissing)

	s.Require().NoError(s.sup.Connect(s.ctx, params("s1")))
	s.Require().NotNil(s.connector.next(waitFor))
	s.waitStatus("s1", event.StatusRegistering)

	err := s.sup.SendMessage(s.ctx, "s1", "#go", "too early")
	s.ErrorIs(err, merr.ErrSessionNotConnected)
	s.True(merr.IsRetryableErr(err))
	s.ErrorIs(s.sup.PartChannel(s.ctx, "s1", "#go", ""), merr.ErrSessionNotConnected)
}

func (s *SupervisorSuite) TestChannelLockRejectsSend() {
	locks := policy.NewChannelLocks(s.sink)
	s.sup = NewSupervisor(Options{
		Connector:  s.connector,
		Sink:       s.sink,
		Authorizer: locks,
	})
	stream := s.connect("s1")

	s.Require().NoError(locks.Lock("s1", "#general"))
	s.ErrorIs(s.sup.SendMessage(s.ctx, "s1", "#General", "hi"), merr.ErrChannelLocked)
	s.NoError(s.sup.SendMessage(s.ctx, "s1", "#other", "hi"))

	s.Require().NoError(locks.Unlock("s1", "#general"))
	s.NoError(s.sup.SendMessage(s.ctx, "s1", "#general", "hi"))

	s.Eventually(func() bool { return len(stream.sentCommands("PRIVMSG")) == 2 }, waitFor, tick)
	s.Equal("#other", stream.sentCommands("PRIVMSG")[0].Params[0])
}

func (s *SupervisorSuite) TestSendFailureKeepsSession() {
	stream := s.connect("s1")
	stream.setSendErr(merr.WrapErrSendFailed("PRIVMSG", errors.New("broken pipe")))

	s.Require().NoError(s.sup.SendMessage(s.ctx, "s1", "#go", "lost"))
	s.Eventually(func() bool {
		return len(s.sink.protocol("s1", event.TypeError)) == 1
	}, waitFor, tick)
	s.Empty(s.sink.protocol("s1", event.TypeUserMessage))
	s.Equal(event.StatusConnected, s.sup.Status("s1"))

	stream.setSendErr(nil)
	s.Require().NoError(s.sup.SendMessage(s.ctx, "s1", "#go", "delivered"))
	s.Eventually(func() bool {
		return len(s.sink.protocol("s1", event.TypeUserMessage)) == 1
	}, waitFor, tick)
}

func (s *SupervisorSuite) TestDisconnect() {
	stream := s.connect("s1")
	h := s.handleOf("s1")

	s.Require().NoError(s.sup.Disconnect(s.ctx, "s1"))
	s.Contains([]event.ServerStatus{event.StatusDisconnecting, event.StatusDisconnected}, s.sup.Status("s1"))

	<-h.Done()
	s.Equal(event.StatusDisconnected, s.sup.Status("s1"))
	s.Len(stream.sentCommands("QUIT"), 1)
	s.True(stream.isClosed())
	s.Equal(1, s.sink.terminals("s1"))
	statuses := s.sink.statuses("s1")
	s.Equal(event.StatusDisconnected, statuses[len(statuses)-1])

	// 已断开时为空操作。
	s.NoError(s.sup.Disconnect(s.ctx, "s1"))
	s.Equal(1, s.sink.terminals("s1"))
}

func (s *SupervisorSuite) TestDisconnectWhileRegistering() {
	s.Require().NoError(s.sup.Connect(s.ctx, params("s1")))
	stream := s.connector.next(waitFor)
	s.Require().NotNil(stream)
	s.waitStatus("s1", event.StatusRegistering)
	h := s.handleOf("s1")

	s.Require().NoError(s.sup.Disconnect(s.ctx, "s1"))
	<-h.Done()

	s.Equal(event.StatusDisconnected, s.sup.Status("s1"))
	statuses := s.sink.statuses("s1")
	s.Equal(event.StatusDisconnected, statuses[len(statuses)-1])
	s.NotContains(statuses, event.StatusConnected)
}

func (s *SupervisorSuite) TestStopObserverOnlyOnAppliedStop() {
	stops := &stopRecorder{sink: s.sink}
	s.sup.opts.StopObserver = stops

	// Connecting 下的 Disconnect 与未知会话上的操作都是空操作，不通知。
	gate := s.connector.block()
	s.Require().NoError(s.sup.Connect(s.ctx, params("dialing")))
	dialing := s.handleOf("dialing")
	s.NoError(s.sup.Disconnect(s.ctx, "dialing"))
	s.NoError(s.sup.Disconnect(s.ctx, "missing"))
	s.NoError(s.sup.CancelConnect(s.ctx, "missing"))
	ids, _ := stops.notified()
	s.Empty(ids)

	// 真正生效的取消会在终态事件之前通知。
	s.NoError(s.sup.CancelConnect(s.ctx, "dialing"))
	<-dialing.Done()
	close(gate)

	// Connected 下的 CancelConnect 为空操作，Disconnect 生效。
	s.connect("s1")
	h := s.handleOf("s1")
	s.NoError(s.sup.CancelConnect(s.ctx, "s1"))
	s.NoError(s.sup.Disconnect(s.ctx, "s1"))
	<-h.Done()
	s.NoError(s.sup.Disconnect(s.ctx, "s1"))

	ids, terminals := stops.notified()
	s.Equal([]string{"dialing", "s1"}, ids)
	s.Equal([]int{0, 0}, terminals)
	s.Equal(1, s.sink.terminals("s1"))
}

func (s *SupervisorSuite) TestStreamErrorTerminatesOnce() {
	stream := s.connect("s1")
	h := s.handleOf("s1")

	stream.fail(merr.WrapErrTransport("irc.example.org:6697", errors.New("connection reset")))
	<-h.Done()

	s.Equal(event.StatusDisconnected, s.sup.Status("s1"))
	s.Equal(1, s.sink.terminals("s1"))
	s.True(stream.isClosed())
}

func (s *SupervisorSuite) TestActorPanicIsIsolated() {
	s.sink.hook = func(ev event.Event) {
		if ev.ServerID == "bad" && ev.Kind == event.KindProtocol {
			panic("sink exploded")
		}
	}
	bad := s.connect("bad")
	good := s.connect("good")

	h := s.handleOf("bad")
	bad.push(codec.NewFrameFrom("x!y@z", "JOIN", "#go"))
	<-h.Done()

	s.Equal(event.StatusDisconnected, s.sup.Status("bad"))
	s.Equal(1, s.sink.terminals("bad"))
	s.True(bad.isClosed())

	good.push(codec.NewFrameFrom("x!y@z", "JOIN", "#go"))
	s.Eventually(func() bool {
		return len(s.sink.protocol("good", event.TypeJoin)) == 1
	}, waitFor, tick)
	s.Equal(event.StatusConnected, s.sup.Status("good"))
}

func (s *SupervisorSuite) TestShutdown() {
	const k = 5
	streams := make([]*fakeStream, 0, k)
	for i := 0; i < k; i++ {
		streams = append(streams, s.connect(fmt.Sprintf("s%d", i)))
	}

	start := time.Now()
	s.Require().NoError(s.sup.Shutdown(s.ctx))
	s.Less(time.Since(start), 5*time.Second)

	s.Equal(StateTerminated, s.sup.State())
	s.Zero(s.sup.registry.Count())
	for i, stream := range streams {
		id := fmt.Sprintf("s%d", i)
		s.Equal(1, s.sink.terminals(id), id)
		s.Len(stream.sentCommands("QUIT"), 1)
		s.True(stream.isClosed())
	}

	s.ErrorIs(s.sup.Connect(s.ctx, params("late")), merr.ErrShuttingDown)
	s.NoError(s.sup.Shutdown(s.ctx))
}

func (s *SupervisorSuite) TestShutdownAbortsConnecting() {
	gate := s.connector.block()
	defer close(gate)

	s.Require().NoError(s.sup.Connect(s.ctx, params("s1")))
	s.Require().NoError(s.sup.Shutdown(s.ctx))

	s.Zero(s.sup.registry.Count())
	s.Equal([]event.ServerStatus{event.StatusConnecting, event.StatusFailed}, s.sink.statuses("s1"))
}

func (s *SupervisorSuite) TestShutdownTimeoutIsBounded() {
	gate := make(chan struct{})
	s.connector.setup = func(stream *fakeStream) {
		stream.block("QUIT", gate)
	}
	stream := s.connect("stuck")
	h := s.handleOf("stuck")

	start := time.Now()
	err := s.sup.Shutdown(s.ctx)
	elapsed := time.Since(start)

	s.ErrorIs(err, merr.ErrSessionWaitTimeout)
	s.GreaterOrEqual(elapsed, 500*time.Millisecond)
	s.Less(elapsed, 3*time.Second)
	s.Zero(s.sup.registry.Count())

	close(gate)
	<-h.Done()
	s.Equal(1, s.sink.terminals("stuck"))
	s.True(stream.isClosed())
}

func (s *SupervisorSuite) TestShutdownBoundCoversQuitDelivery() {
	const timeout = 300 * time.Millisecond
	s.Require().NoError(s.sup.Shutdown(s.ctx))
	s.sup = NewSupervisor(Options{
		Connector:       s.connector,
		Sink:            s.sink,
		ShutdownTimeout: timeout,
		MailboxSize:     1,
	})

	gate := make(chan struct{})
	s.connector.setup = func(stream *fakeStream) {
		stream.block("PRIVMSG", gate)
	}
	stream := s.connect("stalled")
	h := s.handleOf("stalled")

	// 第一条消息卡在写入，第二条占满命令队列，QUIT 无法入队。
	s.Require().NoError(s.sup.SendMessage(s.ctx, "stalled", "#go", "one"))
	s.Require().NoError(s.sup.SendMessage(s.ctx, "stalled", "#go", "two"))
	s.Eventually(func() bool { return stream.stalled.Load() == 1 }, waitFor, tick)

	start := time.Now()
	err := s.sup.Shutdown(s.ctx)
	elapsed := time.Since(start)

	s.ErrorIs(err, merr.ErrSessionWaitTimeout)
	s.GreaterOrEqual(elapsed, timeout)
	s.Less(elapsed, 2*timeout)
	s.Zero(s.sup.registry.Count())

	close(gate)
	<-h.Done()
	s.Equal(1, s.sink.terminals("stalled"))
	s.True(stream.isClosed())
}

func TestSupervisor(t *testing.T) {
	suite.Run(t, new(SupervisorSuite))
}
