package session

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/kirc-go/internal/event"
	"github.com/lk2023060901/kirc-go/pkg/metrics"
	"github.com/lk2023060901/kirc-go/pkg/util/merr"
)

type RegistrySuite struct {
	suite.Suite
	registry *Registry
}

func (s *RegistrySuite) SetupTest() {
	s.registry = NewRegistry()
}

func (s *RegistrySuite) TearDownTest() {
	s.registry.DrainAll()
}

func (s *RegistrySuite) handle(id string) *Handle {
	_, cancel := context.WithCancel(context.Background())
	return newHandle(id, cancel)
}

func (s *RegistrySuite) TestTryBeginConnect() {
	h1 := s.handle("a")
	s.True(s.registry.TryBeginConnect("a", h1))
	s.False(s.registry.TryBeginConnect("a", s.handle("a")))

	rec, ok := s.registry.Get("a")
	s.True(ok)
	s.Equal(event.StatusConnecting, rec.Status())
	s.Same(h1, rec.Runtime.(Connecting).Handle)

	// 终态之后可以重新接纳。
	_, applied := s.registry.Mutate("a", func(Runtime) (Runtime, bool) {
		return Failed{Reason: "boom"}, true
	})
	s.True(applied)
	s.True(s.registry.TryBeginConnect("a", s.handle("a")))
}

func (s *RegistrySuite) TestUpdateOwnerGuard() {
	h1 := s.handle("a")
	s.Require().True(s.registry.TryBeginConnect("a", h1))

	stranger := s.handle("a")
	s.False(s.registry.Update("a", stranger, Registering{Handle: stranger}))
	s.False(s.registry.Update("a", nil, Registering{Handle: h1}))
	s.True(s.registry.Update("a", h1, Registering{Handle: h1}))

	rec, _ := s.registry.Get("a")
	s.Equal(event.StatusRegistering, rec.Status())
}

func (s *RegistrySuite) TestUpdateRejectsIllegalEdges() {
	h := s.handle("a")
	s.Require().True(s.registry.TryBeginConnect("a", h))

	s.False(s.registry.Update("a", h, Connected{Handle: h}))
	s.False(s.registry.Update("a", h, Disconnecting{Handle: h}))
	s.True(s.registry.Update("a", h, Registering{Handle: h}))
	s.False(s.registry.Update("a", h, Connecting{Handle: h}))
	s.True(s.registry.Update("a", h, Connected{Handle: h}))
	s.False(s.registry.Update("a", h, Failed{Reason: "late"}))
	s.False(s.registry.Update("a", h, Connected{Handle: h}))
	s.True(s.registry.Update("a", h, Disconnecting{Handle: h}))
	s.True(s.registry.Update("a", h, Disconnected{}))

	_, ok := s.registry.Get("a")
	s.False(ok)
}

func (s *RegistrySuite) TestFinish() {
	h := s.handle("a")
	s.Require().True(s.registry.TryBeginConnect("a", h))
	status, owned := s.registry.Finish("a", h, "dial failed")
	s.True(owned)
	s.Equal(event.StatusFailed, status)
	rec, ok := s.registry.Get("a")
	s.True(ok)
	s.Equal("dial failed", rec.Reason())

	// Failed 不再归属任何 Handle。
	_, owned = s.registry.Finish("a", h, "again")
	s.False(owned)

	h2 := s.handle("a")
	s.Require().True(s.registry.TryBeginConnect("a", h2))
	s.Require().True(s.registry.Update("a", h2, Registering{Handle: h2}))
	s.Require().True(s.registry.Update("a", h2, Connected{Handle: h2}))
	status, owned = s.registry.Finish("a", h2, "stream reset")
	s.True(owned)
	s.Equal(event.StatusDisconnected, status)
	_, ok = s.registry.Get("a")
	s.False(ok)

	h3 := s.handle("a")
	s.Require().True(s.registry.TryBeginConnect("a", h3))
	status, _ = s.registry.Finish("a", h3, "")
	s.Equal(event.StatusDisconnected, status)
}

func (s *RegistrySuite) TestDrainAllAndSnapshot() {
	for _, id := range []string{"c", "a", "b"} {
		s.Require().True(s.registry.TryBeginConnect(id, s.handle(id)))
	}
	snapshot := s.registry.Snapshot()
	s.Require().Len(snapshot, 3)
	s.Equal("a", snapshot[0].ServerID)
	s.Equal("c", snapshot[2].ServerID)

	drained := s.registry.DrainAll()
	s.Len(drained, 3)
	s.Zero(s.registry.Count())
	s.Empty(s.registry.DrainAll())
}

func (s *RegistrySuite) TestSessionsGauge() {
	gauge := metrics.Sessions.WithLabelValues(string(event.StatusConnecting))
	before := testutil.ToFloat64(gauge)

	h := s.handle("a")
	s.Require().True(s.registry.TryBeginConnect("a", h))
	s.Equal(before+1, testutil.ToFloat64(gauge))

	s.Require().True(s.registry.Update("a", h, Registering{Handle: h}))
	s.Equal(before, testutil.ToFloat64(gauge))
}

func (s *RegistrySuite) TestLimit() {
	s.registry.SetLimit(1)

	h := s.handle("a")
	s.Require().True(s.registry.TryBeginConnect("a", h))
	s.False(s.registry.TryBeginConnect("b", s.handle("b")))
	s.Equal(1, s.registry.Active())

	// 终态记录不计入上限。
	status, owned := s.registry.Finish("a", h, "boom")
	s.Require().True(owned)
	s.Require().Equal(event.StatusFailed, status)
	s.Zero(s.registry.Active())
	s.True(s.registry.TryBeginConnect("b", s.handle("b")))
}

func (s *RegistrySuite) TestAdmitReportsReason() {
	h := s.handle("a")
	s.Require().NoError(s.registry.Admit("a", h))

	// 未设置上限时，拒绝只可能来自同一 ServerID 的活跃会话。
	err := s.registry.Admit("a", s.handle("a"))
	s.ErrorIs(err, merr.ErrSessionAlreadyActive)
	s.NotErrorIs(err, merr.ErrSessionLimitExceeded)

	s.registry.SetLimit(1)
	s.ErrorIs(s.registry.Admit("b", s.handle("b")), merr.ErrSessionLimitExceeded)
	s.ErrorIs(s.registry.Admit("a", s.handle("a")), merr.ErrSessionAlreadyActive)

	// 会话结束后同一 ServerID 立即可以重新接纳。
	_, owned := s.registry.Finish("a", h, "")
	s.Require().True(owned)
	s.NoError(s.registry.Admit("a", s.handle("a")))
	rec, ok := s.registry.Get("a")
	s.True(ok)
	s.Equal(event.StatusConnecting, rec.Status())
}

func (s *RegistrySuite) TestGetUnknown() {
	rec, ok := s.registry.Get("missing")
	s.False(ok)
	s.Equal(event.StatusDisconnected, rec.Status())
}

func TestRegistry(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}
