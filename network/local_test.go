package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mbus/errors"
)

type collector struct {
	mu      sync.Mutex
	packets []*Packet
	got     chan *Packet
}

func newCollector() *collector {
	return &collector{got: make(chan *Packet, 16)}
}

func (c *collector) DeliverPacket(p *Packet) {
	c.mu.Lock()
	c.packets = append(c.packets, p)
	c.mu.Unlock()
	c.got <- p
}

func (c *collector) next(t *testing.T) *Packet {
	t.Helper()
	select {
	case p := <-c.got:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no packet delivered")
		return nil
	}
}

func startNode(t *testing.T, w *LocalWire, identity string) (*Local, *collector) {
	t.Helper()
	n, err := w.NewNode(identity)
	require.NoError(t, err)
	c := newCollector()
	n.Attach(c)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close(context.Background()) })
	return n, c
}

func TestLocal_SendAndReply(t *testing.T) {
	w := NewLocalWire()
	a, fromB := startNode(t, w, "node-a")
	b, atB := startNode(t, w, "node-b")

	service, err := b.RegisterSession("echo")
	require.NoError(t, err)
	assert.Equal(t, "node-b/echo", service)

	p := NewMessagePacket()
	p.Protocol = "simple"
	p.Payload = []byte("ping")
	require.NoError(t, a.Send(context.Background(), p, service))

	in := atB.next(t)
	assert.Equal(t, p.ID, in.ID)
	assert.Equal(t, "echo", in.Session)
	assert.Equal(t, "node-a", in.ReplyTo)
	assert.Equal(t, []byte("ping"), in.Payload)
	assert.Empty(t, p.Session, "sender's packet is not modified")

	reply := NewReplyPacket(in)
	reply.Payload = []byte("pong")
	require.NoError(t, b.Reply(context.Background(), reply))

	back := fromB.next(t)
	assert.Equal(t, p.ID, back.ID)
	assert.Equal(t, KindReply, back.Kind)
	assert.Equal(t, []byte("pong"), back.Payload)
}

func TestLocal_UnknownService(t *testing.T) {
	w := NewLocalWire()
	a, _ := startNode(t, w, "node-a")

	err := a.Send(context.Background(), NewMessagePacket(), "node-x/echo")
	var be *errors.BusError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, errors.NoAddressForService, be.Code)
}

func TestLocal_Lookup(t *testing.T) {
	w := NewLocalWire()
	a, _ := startNode(t, w, "node-a")
	b, _ := startNode(t, w, "node-b")
	for _, s := range []string{"search", "feed"} {
		_, err := a.RegisterSession(s)
		require.NoError(t, err)
		_, err = b.RegisterSession(s)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"node-a/search", "node-b/search"}, b.Lookup("*/search"))
	assert.Equal(t, []string{"node-a/feed", "node-a/search"}, b.Lookup("node-a/*"))
	assert.Empty(t, a.Lookup("node-c/*"))

	a.UnregisterSession("search")
	assert.Equal(t, []string{"node-b/search"}, b.Lookup("*/search"))

	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, []string{"node-b/feed", "node-b/search"}, b.Lookup("*/*"))
	assert.True(t, a.Health().IsUnhealthy())
	assert.True(t, b.Health().IsHealthy())
}

func TestLocal_RegisterInvalidSession(t *testing.T) {
	w := NewLocalWire()
	a, _ := startNode(t, w, "node-a")
	_, err := a.RegisterSession("bad/name")
	assert.True(t, errors.IsInvalid(err))
}

func TestLocalWire_DuplicateNode(t *testing.T) {
	w := NewLocalWire()
	_, err := w.NewNode("node-a")
	require.NoError(t, err)
	_, err = w.NewNode("node-a")
	assert.True(t, errors.IsInvalid(err))
	_, err = w.NewNode("")
	assert.True(t, errors.IsInvalid(err))
}

func TestLocal_StartWithoutOwner(t *testing.T) {
	n, err := NewLocalWire().NewNode("node-a")
	require.NoError(t, err)
	assert.Error(t, n.Start(context.Background()))
}

func TestLocalWire_FilterDropsPackets(t *testing.T) {
	w := NewLocalWire()
	a, _ := startNode(t, w, "node-a")
	b, atB := startNode(t, w, "node-b")
	service, err := b.RegisterSession("echo")
	require.NoError(t, err)

	w.SetFilter(func(p *Packet) bool { return string(p.Payload) != "lost" })

	lost := NewMessagePacket()
	lost.Payload = []byte("lost")
	require.NoError(t, a.Send(context.Background(), lost, service))

	kept := NewMessagePacket()
	kept.Payload = []byte("kept")
	require.NoError(t, a.Send(context.Background(), kept, service))

	assert.Equal(t, kept.ID, atB.next(t).ID)
}

func TestLocalWire_Latency(t *testing.T) {
	clk := clock.NewMock()
	w := NewLocalWire(WithClock(clk), WithLatency(100*time.Millisecond))
	a, _ := startNode(t, w, "node-a")
	b, atB := startNode(t, w, "node-b")
	service, err := b.RegisterSession("echo")
	require.NoError(t, err)

	p := NewMessagePacket()
	require.NoError(t, a.Send(context.Background(), p, service))

	select {
	case <-atB.got:
		t.Fatal("delivered before latency elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Add(100 * time.Millisecond)
	assert.Equal(t, p.ID, atB.next(t).ID)
}

func TestWaitForServices(t *testing.T) {
	w := NewLocalWire()
	a, _ := startNode(t, w, "node-a")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, WaitForServices(ctx, a, "*/echo", 1))

	_, err := a.RegisterSession("echo")
	require.NoError(t, err)
	assert.NoError(t, WaitForServices(context.Background(), a, "*/echo", 1))
}
