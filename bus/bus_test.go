package bus_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/c360/mbus/bus"
	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/message"
	"github.com/c360/mbus/metric"
	"github.com/c360/mbus/network"
	"github.com/c360/mbus/protocol/simple"
	"github.com/c360/mbus/route"
	mbustest "github.com/c360/mbus/testutil"
	"github.com/c360/mbus/throttle"
	"github.com/c360/mbus/trace"
)

const waitFor = 2 * time.Second

func valueOf(t *testing.T, r message.Routable) string {
	t.Helper()
	switch v := r.(type) {
	case *simple.Message:
		return v.Value
	case *simple.Reply:
		return v.Value
	}
	t.Fatalf("unexpected routable %T", r)
	return ""
}

type BusSuite struct {
	suite.Suite

	clock    *clock.Mock
	wire     *network.LocalWire
	registry *metric.MetricsRegistry
	a, b     *bus.MessageBus

	echo *bus.DestinationSession
	hold *bus.DestinationSession
	held *mbustest.Messages
}

func TestBusSuite(t *testing.T) {
	suite.Run(t, new(BusSuite))
}

func (s *BusSuite) newBus(identity string, opts ...bus.Option) *bus.MessageBus {
	node, err := s.wire.NewNode(identity)
	s.Require().NoError(err)
	opts = append([]bus.Option{
		bus.WithClock(s.clock),
		bus.WithProtocol(simple.New()),
		bus.WithRetryPolicy(bus.NewTransientRetryPolicy(errors.RetryConfig{
			MaxRetries:    2,
			InitialDelay:  10 * time.Millisecond,
			MaxDelay:      100 * time.Millisecond,
			BackoffFactor: 2,
		})),
	}, opts...)
	b := bus.New(node, opts...)
	s.Require().NoError(b.Start(context.Background()))
	return b
}

func (s *BusSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.wire = network.NewLocalWire(network.WithClock(s.clock))
	s.registry = metric.NewMetricsRegistry()
	s.a = s.newBus("node-a", bus.WithMetricsRegistry(s.registry))
	s.b = s.newBus("node-b")

	var err error
	s.echo, err = s.b.CreateDestinationSession(bus.DestinationParams{
		Name: "echo",
		MessageHandler: message.MessageHandlerFunc(func(_ context.Context, msg message.Message) {
			s.echo.Reply(simple.Answer(msg, msg.(*simple.Message).Value))
		}),
	})
	s.Require().NoError(err)

	s.held = mbustest.NewMessages()
	s.hold, err = s.b.CreateDestinationSession(bus.DestinationParams{Name: "hold", MessageHandler: s.held})
	s.Require().NoError(err)
}

func (s *BusSuite) TearDownTest() {
	ctx := context.Background()
	s.NoError(s.a.Destroy(ctx))
	s.NoError(s.b.Destroy(ctx))
}

func (s *BusSuite) source(params bus.SourceParams) (*bus.SourceSession, *mbustest.Replies) {
	r := mbustest.NewReplies()
	params.ReplyHandler = r
	src, err := s.a.CreateSourceSession(params)
	s.Require().NoError(err)
	return src, r
}

func (s *BusSuite) TestSendAndReply() {
	src, r := s.source(bus.SourceParams{Name: "client"})

	msg := simple.NewMessage("hello")
	res := src.Send(msg, route.ParseRoute("node-b/echo"))
	s.Require().True(res.Accepted)

	reply := r.Next(s.T())
	s.False(reply.HasErrors(), "%v", reply.Errors())
	s.Equal("hello", valueOf(s.T(), reply))
	s.Same(msg, reply.Message())
	s.Equal(0, src.Pending())

	sent := s.registry.CoreMetrics().MessagesSent.WithLabelValues("client", simple.Name)
	s.Equal(1.0, testutil.ToFloat64(sent))
}

func (s *BusSuite) TestStaticThrottleWindow() {
	src, r := s.source(bus.SourceParams{Throttle: throttle.NewStatic(10, 0)})
	hold := route.ParseRoute("node-b/hold")

	for i := 0; i < 10; i++ {
		s.Require().True(src.Send(simple.NewMessage("m"), hold).Accepted, "message %d", i)
	}
	res := src.Send(simple.NewMessage("m"), hold)
	s.False(res.Accepted)
	s.Equal(errors.SendQueueFull, res.Error.Code)

	first := s.held.Next(s.T())
	s.hold.Acknowledge(first)
	reply := r.Next(s.T())
	s.False(reply.HasErrors())

	s.True(src.Send(simple.NewMessage("m"), hold).Accepted)
}

func (s *BusSuite) TestSequencedRepliesKeepOrder() {
	src, r := s.source(bus.SourceParams{})
	hold := route.ParseRoute("node-b/hold")

	s.Require().True(src.Send(simple.NewSequencedMessage("5a", 5), hold).Accepted)
	s.Require().True(src.Send(simple.NewSequencedMessage("7", 7), hold).Accepted)
	s.Require().True(src.Send(simple.NewSequencedMessage("5b", 5), hold).Accepted)

	got := map[string]message.Message{}
	for i := 0; i < 2; i++ {
		m := s.held.Next(s.T())
		got[valueOf(s.T(), m)] = m
	}
	s.Contains(got, "5a")
	s.Contains(got, "7")

	s.Require().NoError(s.a.Sync(context.Background()))
	s.Require().NoError(s.b.Sync(context.Background()))
	select {
	case m := <-s.held.C():
		s.Failf("held back message delivered early", "got %s", valueOf(s.T(), m))
	default:
	}

	s.hold.Acknowledge(got["7"])
	s.hold.Acknowledge(got["5a"])
	m := s.held.Next(s.T())
	s.Equal("5b", valueOf(s.T(), m))
	s.hold.Acknowledge(m)

	var order []string
	for i := 0; i < 3; i++ {
		order = append(order, valueOf(s.T(), r.Next(s.T()).Message()))
	}
	s.ElementsMatch([]string{"5a", "7", "5b"}, order)
	s.Less(indexOf(order, "5a"), indexOf(order, "5b"))
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func (s *BusSuite) TestLiteralRouteWithoutMatchingHop() {
	s.Require().NoError(s.a.SetupRouting(route.Spec{Tables: []route.TableSpec{{
		Protocol: simple.Name,
		Hops:     []route.HopSpec{{Name: "other", Selector: "node-b/hold"}},
	}}}))
	src, r := s.source(bus.SourceParams{})

	s.Require().True(src.Send(simple.NewMessage("x"), route.ParseRoute("node-b/echo")).Accepted)
	reply := r.Next(s.T())
	s.False(reply.HasErrors(), "%v", reply.Errors())
	s.Equal("x", valueOf(s.T(), reply))
}

func (s *BusSuite) TestNamedHopAndRoute() {
	s.Require().NoError(s.a.SetupRouting(route.Spec{Tables: []route.TableSpec{{
		Protocol: simple.Name,
		Hops:     []route.HopSpec{{Name: "echo", Selector: "node-b/echo"}},
		Routes:   []route.RouteSpec{{Name: "default", Hops: []string{"echo"}}},
	}}}))
	src, r := s.source(bus.SourceParams{})

	s.Require().True(src.Send(simple.NewMessage("hop"), route.ParseRoute("echo")).Accepted)
	s.Equal("hop", valueOf(s.T(), r.Next(s.T())))

	s.Require().True(src.SendRoute(simple.NewMessage("route"), "default").Accepted)
	s.Equal("route", valueOf(s.T(), r.Next(s.T())))

	s.Require().True(src.SendRoute(simple.NewMessage("missing"), "nope").Accepted)
	reply := r.Next(s.T())
	s.Require().Equal(1, reply.NumErrors())
	s.Equal(errors.IllegalRoute, reply.Errors()[0].Code)
}

func (s *BusSuite) TestTimeoutYieldsSingleError() {
	src, r := s.source(bus.SourceParams{Timeout: time.Second})

	s.Require().True(src.Send(simple.NewMessage("slow"), route.ParseRoute("node-b/hold")).Accepted)
	late := s.held.Next(s.T())

	s.clock.Add(2 * time.Second)
	reply := r.Next(s.T())
	s.Require().Equal(1, reply.NumErrors())
	s.Equal(errors.Timeout, reply.Errors()[0].Code)
	s.Equal(0, src.Pending())

	// the real reply arrives after the timeout and is dropped
	s.hold.Acknowledge(late)
	s.Require().NoError(s.b.Sync(context.Background()))
	s.Require().NoError(s.a.Sync(context.Background()))
	r.None(s.T())

	timeouts := s.registry.CoreMetrics().Timeouts.WithLabelValues(src.Name())
	s.Equal(1.0, testutil.ToFloat64(timeouts))
}

func (s *BusSuite) TestTransientErrorIsRetried() {
	attempts := 0
	flaky, err := s.b.CreateDestinationSession(bus.DestinationParams{Name: "flaky"})
	s.Require().Error(err, "message handler is required")
	s.Nil(flaky)

	flaky, err = s.b.CreateDestinationSession(bus.DestinationParams{
		Name: "flaky",
		MessageHandler: message.MessageHandlerFunc(func(_ context.Context, msg message.Message) {
			attempts++
			reply := simple.Answer(msg, "ok")
			if msg.RetryCount() == 0 {
				reply.AddError(message.NewError(errors.AppTransientBase+1, "try again"))
			}
			flaky.Reply(reply)
		}),
	})
	s.Require().NoError(err)
	src, r := s.source(bus.SourceParams{})

	s.Require().True(src.Send(simple.NewMessage("x"), route.ParseRoute("node-b/flaky")).Accepted)
	reply := r.Next(s.T())
	s.False(reply.HasErrors(), "%v", reply.Errors())
	s.Equal(1, reply.Message().RetryCount())
	s.Equal(2, attempts)
}

func (s *BusSuite) TestFatalErrorIsNotRetried() {
	var fatal *bus.DestinationSession
	var err error
	fatal, err = s.b.CreateDestinationSession(bus.DestinationParams{
		Name: "fatal",
		MessageHandler: message.MessageHandlerFunc(func(_ context.Context, msg message.Message) {
			reply := simple.Answer(msg, "no")
			reply.AddError(message.NewError(errors.AppFatalBase+1, "broken"))
			fatal.Reply(reply)
		}),
	})
	s.Require().NoError(err)
	src, r := s.source(bus.SourceParams{})

	s.Require().True(src.Send(simple.NewMessage("x"), route.ParseRoute("node-b/fatal")).Accepted)
	reply := r.Next(s.T())
	s.Require().Equal(1, reply.NumErrors())
	s.Equal(errors.AppFatalBase+1, reply.Errors()[0].Code)
	s.Equal("node-b/fatal", reply.Errors()[0].Service)
	s.Equal(0, reply.Message().RetryCount())
}

func (s *BusSuite) TestUnknownServiceExhaustsRetries() {
	src, r := s.source(bus.SourceParams{})
	s.Require().True(src.Send(simple.NewMessage("x"), route.ParseRoute("node-b/missing")).Accepted)

	var reply message.Reply
	s.Require().Eventually(func() bool {
		select {
		case reply = <-r.C():
			return true
		default:
			s.clock.Add(50 * time.Millisecond)
			return false
		}
	}, waitFor, 10*time.Millisecond)

	s.Require().Equal(1, reply.NumErrors())
	s.Equal(errors.NoAddressForService, reply.Errors()[0].Code)
	s.Equal(2, reply.Message().RetryCount())
}

func (s *BusSuite) TestRetryDisabled() {
	src, r := s.source(bus.SourceParams{})
	msg := simple.NewMessage("x")
	msg.SetRetryEnabled(false)
	s.Require().True(src.Send(msg, route.ParseRoute("node-b/missing")).Accepted)

	reply := r.Next(s.T())
	s.Require().Equal(1, reply.NumErrors())
	s.Equal(errors.NoAddressForService, reply.Errors()[0].Code)
	s.Equal(0, reply.Message().RetryCount())
}

func (s *BusSuite) TestUnknownSession() {
	_, err := s.b.Network().RegisterSession("ghost")
	s.Require().NoError(err)
	src, r := s.source(bus.SourceParams{})

	msg := simple.NewMessage("x")
	msg.SetRetryEnabled(false)
	s.Require().True(src.Send(msg, route.ParseRoute("node-b/ghost")).Accepted)

	reply := r.Next(s.T())
	s.Require().Equal(1, reply.NumErrors())
	s.Equal(errors.UnknownSession, reply.Errors()[0].Code)
}

func (s *BusSuite) TestFanOutToAll() {
	s.Require().NoError(s.a.SetupRouting(route.Spec{Tables: []route.TableSpec{{
		Protocol: simple.Name,
		Hops: []route.HopSpec{{
			Name:       "both",
			Selector:   "[All]",
			Recipients: []string{"node-b/echo", "node-b/hold"},
		}},
	}}}))
	src, r := s.source(bus.SourceParams{})

	msg := simple.NewMessage("fan")
	msg.Trace().SetLevel(trace.LevelSplitMerge)
	s.Require().True(src.Send(msg, route.ParseRoute("both")).Accepted)

	s.hold.Acknowledge(s.held.Next(s.T()))
	reply := r.Next(s.T())
	s.False(reply.HasErrors(), "%v", reply.Errors())
	s.Contains(reply.Trace().String(), "selected 2 recipient(s)")
}

func (s *BusSuite) TestIgnoredHopRepliesAtOnce() {
	src, r := s.source(bus.SourceParams{})
	s.Require().True(src.Send(simple.NewMessage("fire"), route.ParseRoute("?node-b/hold")).Accepted)

	reply := r.Next(s.T())
	s.False(reply.HasErrors())

	// the message still reaches its target
	m := s.held.Next(s.T())
	s.Equal("fire", valueOf(s.T(), m))
	s.hold.Acknowledge(m)
}

func (s *BusSuite) TestIntermediateForwards() {
	var relay *bus.IntermediateSession
	var err error
	relay, err = s.b.CreateIntermediateSession(bus.IntermediateParams{
		Name: "relay",
		MessageHandler: message.MessageHandlerFunc(func(_ context.Context, msg message.Message) {
			relay.Forward(msg)
		}),
		ReplyHandler: message.ReplyHandlerFunc(func(_ context.Context, reply message.Reply) {
			reply.Trace().Trace(trace.LevelComponent, "relayed")
			relay.Forward(reply)
		}),
	})
	s.Require().NoError(err)
	s.Equal("node-b/relay", relay.ConnectionSpec())

	src, r := s.source(bus.SourceParams{})
	msg := simple.NewMessage("via")
	msg.Trace().SetLevel(trace.LevelComponent)
	s.Require().True(src.Send(msg, route.ParseRoute("node-b/relay node-b/echo")).Accepted)

	reply := r.Next(s.T())
	s.False(reply.HasErrors(), "%v", reply.Errors())
	s.Equal("via", valueOf(s.T(), reply))
	s.Contains(reply.Trace().String(), "relayed")
}

func (s *BusSuite) TestCloseDrainsPending() {
	src, r := s.source(bus.SourceParams{})
	s.Require().True(src.Send(simple.NewMessage("x"), route.ParseRoute("node-b/hold")).Accepted)
	m := s.held.Next(s.T())

	closed := make(chan error, 1)
	go func() { closed <- src.Close(context.Background()) }()

	s.Eventually(func() bool {
		res := src.Send(simple.NewMessage("late"), route.ParseRoute("node-b/echo"))
		return !res.Accepted && res.Error.Code == errors.SendQueueClosed
	}, waitFor, 5*time.Millisecond)

	select {
	case <-closed:
		s.Fail("Close returned with a message pending")
	default:
	}

	s.hold.Acknowledge(m)
	r.Next(s.T())
	select {
	case err := <-closed:
		s.NoError(err)
	case <-time.After(waitFor):
		s.Fail("Close did not return")
	}
}

func (s *BusSuite) TestCloseHonoursContext() {
	src, _ := s.source(bus.SourceParams{})
	s.Require().True(src.Send(simple.NewMessage("x"), route.ParseRoute("node-b/hold")).Accepted)
	s.held.Next(s.T())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Error(src.Close(ctx))
}

func (s *BusSuite) TestDuplicateSession() {
	_, err := s.b.CreateDestinationSession(bus.DestinationParams{Name: "echo", MessageHandler: s.held})
	s.Require().Error(err)
	s.ErrorIs(err, errors.ErrSessionExists)
}

func (s *BusSuite) TestDestroyedDestinationIsUnknown() {
	s.hold.Destroy()
	src, r := s.source(bus.SourceParams{})

	msg := simple.NewMessage("x")
	msg.SetRetryEnabled(false)
	s.Require().True(src.Send(msg, route.ParseRoute("node-b/hold")).Accepted)
	reply := r.Next(s.T())
	s.Require().Equal(1, reply.NumErrors())
	s.Equal(errors.NoAddressForService, reply.Errors()[0].Code)
}

// countDiscards pushes a frame under the session's that counts discards.
func countDiscards(msg message.Message) *atomic.Int32 {
	var n atomic.Int32
	msg.PushFrame(message.Frame{OnDiscard: func(message.Routable) { n.Add(1) }})
	return &n
}

func (s *BusSuite) TestDestroyDiscardsInFlight() {
	src, r := s.source(bus.SourceParams{})
	msg := simple.NewMessage("x")
	discards := countDiscards(msg)
	s.Require().True(src.Send(msg, route.ParseRoute("node-b/hold")).Accepted)
	s.held.Next(s.T())

	s.Require().NoError(s.a.Destroy(context.Background()))
	s.Equal(int32(1), discards.Load())
	s.Equal(0, src.Pending())
	r.None(s.T())
}

func (s *BusSuite) TestDestroyDiscardsMessageWaitingForRetry() {
	ctx := context.Background()
	src, r := s.source(bus.SourceParams{Name: "retrier"})
	msg := simple.NewMessage("x")
	discards := countDiscards(msg)
	s.Require().True(src.Send(msg, route.ParseRoute("node-b/missing")).Accepted)

	// the first resend is immediate, the second waits on the clock
	retries := s.registry.CoreMetrics().Retries.WithLabelValues("retrier")
	s.Require().Eventually(func() bool {
		_ = s.a.Sync(ctx)
		return testutil.ToFloat64(retries) == 2
	}, waitFor, 5*time.Millisecond)
	s.Equal(1, src.Pending())
	s.Equal(int32(0), discards.Load())

	s.Require().NoError(s.a.Destroy(ctx))
	s.Equal(int32(1), discards.Load())
	s.Equal(0, src.Pending())

	s.clock.Add(time.Hour)
	r.None(s.T())
	s.Equal(int32(1), discards.Load())
}

func TestDestroyWaitsForOverrunningTask(t *testing.T) {
	clk := clock.NewMock()
	wire := network.NewLocalWire(network.WithClock(clk))
	ctx := context.Background()

	newBus := func(id string) *bus.MessageBus {
		node, err := wire.NewNode(id)
		require.NoError(t, err)
		b := bus.New(node,
			bus.WithClock(clk),
			bus.WithConfig(bus.Config{StopTimeout: 10 * time.Millisecond}),
			bus.WithProtocol(simple.New()),
			bus.WithRetryPolicy(bus.NoRetryPolicy{}))
		require.NoError(t, b.Start(ctx))
		t.Cleanup(func() { _ = b.Destroy(ctx) })
		return b
	}
	a := newBus("a")
	b := newBus("b")

	held := mbustest.NewMessages()
	dst, err := b.CreateDestinationSession(bus.DestinationParams{Name: "d", MessageHandler: held})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	src, err := a.CreateSourceSession(bus.SourceParams{
		ReplyHandler: message.ReplyHandlerFunc(func(context.Context, message.Reply) {
			once.Do(func() { close(entered) })
			<-release
		}),
	})
	require.NoError(t, err)

	inFlight := simple.NewMessage("kept")
	discards := countDiscards(inFlight)
	require.True(t, src.Send(inFlight, route.ParseRoute("b/d")).Accepted)
	held.Next(t)
	require.True(t, src.Send(simple.NewMessage("answered"), route.ParseRoute("b/d")).Accepted)
	dst.Acknowledge(held.Next(t))

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("reply handler never ran")
	}

	destroyed := make(chan error, 1)
	go func() { destroyed <- a.Destroy(ctx) }()

	select {
	case <-destroyed:
		t.Fatal("Destroy returned while the consumer was busy")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int32(0), discards.Load(), "in-flight state is untouched while the consumer runs")

	close(release)
	select {
	case err := <-destroyed:
		assert.Error(t, err, "the stop timeout is reported")
	case <-time.After(waitFor):
		t.Fatal("Destroy did not return")
	}
	assert.Equal(t, int32(1), discards.Load())
}

func TestDestroyGivesUpWithContext(t *testing.T) {
	clk := clock.NewMock()
	wire := network.NewLocalWire(network.WithClock(clk))
	node, err := wire.NewNode("a")
	require.NoError(t, err)
	a := bus.New(node,
		bus.WithClock(clk),
		bus.WithConfig(bus.Config{StopTimeout: time.Millisecond}),
		bus.WithProtocol(simple.New()))
	require.NoError(t, a.Start(context.Background()))

	release := make(chan struct{})
	defer close(release)
	running := make(chan struct{})
	dst, err := a.CreateDestinationSession(bus.DestinationParams{
		Name: "d",
		MessageHandler: message.MessageHandlerFunc(func(context.Context, message.Message) {
			close(running)
			<-release
		}),
	})
	require.NoError(t, err)
	require.NotNil(t, dst)

	src, err := a.CreateSourceSession(bus.SourceParams{ReplyHandler: mbustest.NewReplies()})
	require.NoError(t, err)
	require.True(t, src.Send(simple.NewMessage("x"), route.ParseRoute("a/d")).Accepted)
	select {
	case <-running:
	case <-time.After(waitFor):
		t.Fatal("destination never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = a.Destroy(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func (s *BusSuite) TestSetupRoutingRejectsInvalidSpec() {
	err := s.a.SetupRouting(route.Spec{Tables: []route.TableSpec{{
		Protocol: simple.Name,
		Routes:   []route.RouteSpec{{Name: "r", Hops: []string{"[unclosed"}}},
		Hops: []route.HopSpec{
			{Name: "dup", Selector: "a/b"},
			{Name: "dup", Selector: "a/c"},
		},
	}}})
	s.Error(err)
	s.True(errors.IsInvalid(err))
	s.Nil(s.a.RoutingTable(simple.Name))
}

func (s *BusSuite) TestHealth() {
	status := s.a.Health()
	s.True(status.IsHealthy(), status.Message)
	s.Len(status.SubStatuses, 3)

	s.Require().NoError(s.a.Destroy(context.Background()))
	s.True(s.a.Health().IsUnhealthy())
}

func TestInboundPendingLimit(t *testing.T) {
	clk := clock.NewMock()
	wire := network.NewLocalWire(network.WithClock(clk))
	ctx := context.Background()

	newBus := func(id string, cfg bus.Config) *bus.MessageBus {
		node, err := wire.NewNode(id)
		require.NoError(t, err)
		b := bus.New(node,
			bus.WithClock(clk),
			bus.WithConfig(cfg),
			bus.WithProtocol(simple.New()),
			bus.WithRetryPolicy(bus.NoRetryPolicy{}))
		require.NoError(t, b.Start(ctx))
		t.Cleanup(func() { _ = b.Destroy(ctx) })
		return b
	}
	a := newBus("a", bus.DefaultConfig())
	b := newBus("b", bus.Config{MaxPendingCount: 1})

	h := mbustest.NewMessages()
	dst, err := b.CreateDestinationSession(bus.DestinationParams{Name: "d", MessageHandler: h})
	require.NoError(t, err)

	r := mbustest.NewReplies()
	src, err := a.CreateSourceSession(bus.SourceParams{ReplyHandler: r})
	require.NoError(t, err)

	require.True(t, src.Send(simple.NewMessage("1"), route.ParseRoute("b/d")).Accepted)
	first := h.Next(t)
	require.True(t, src.Send(simple.NewMessage("2"), route.ParseRoute("b/d")).Accepted)

	busy := r.Next(t)
	require.Equal(t, 1, busy.NumErrors())
	assert.Equal(t, errors.SessionBusy, busy.Errors()[0].Code)
	assert.Equal(t, "2", valueOf(t, busy.Message()))

	dst.Acknowledge(first)
	assert.False(t, r.Next(t).HasErrors())

	require.True(t, src.Send(simple.NewMessage("3"), route.ParseRoute("b/d")).Accepted)
	dst.Acknowledge(h.Next(t))
	assert.False(t, r.Next(t).HasErrors())
}

func TestTransientRetryPolicy(t *testing.T) {
	p := bus.NewTransientRetryPolicy(errors.RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
	})

	assert.True(t, p.CanRetry(errors.Timeout, 1))
	assert.True(t, p.CanRetry(errors.AppTransientBase+7, 3))
	assert.False(t, p.CanRetry(errors.Timeout, 4))
	assert.False(t, p.CanRetry(errors.IllegalRoute, 1))

	assert.Equal(t, time.Duration(0), p.Delay(1))
	assert.Equal(t, 100*time.Millisecond, p.Delay(2))
	assert.Equal(t, 200*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(10))

	unbounded := bus.NewTransientRetryPolicy(errors.RetryConfig{})
	assert.True(t, unbounded.CanRetry(errors.Timeout, 1000))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, bus.DefaultConfig().Validate())
	assert.Error(t, bus.Config{DefaultTimeout: -time.Second}.Validate())
	assert.Error(t, bus.Config{MaxRouteDepth: -1}.Validate())
}
