package sequencer

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/message"
	"github.com/c360/mbus/messenger"
	"github.com/c360/mbus/metric"
)

type testMessage struct {
	message.BaseMessage
	name string
}

func (*testMessage) Protocol() string { return "test" }
func (*testMessage) Type() uint32     { return 1 }

func newMessage(name string, id uint64, sequenced bool) *testMessage {
	m := &testMessage{name: name}
	if sequenced {
		m.SetSequenceID(id)
	}
	return m
}

// recordingSender keeps every message it is handed until the test replies.
type recordingSender struct {
	mu   sync.Mutex
	sent []*testMessage
}

func (r *recordingSender) HandleMessage(_ context.Context, msg message.Message) {
	r.mu.Lock()
	r.sent = append(r.sent, msg.(*testMessage))
	r.mu.Unlock()
}

func (r *recordingSender) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, m := range r.sent {
		out = append(out, m.name)
	}
	return out
}

func (r *recordingSender) take(name string) *testMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.sent {
		if m.name == name {
			return m
		}
	}
	return nil
}

func replyFor(msg message.Message, errs ...message.Error) message.Reply {
	reply := message.NewEmptyReply()
	message.SwapState(msg, reply)
	reply.SetMessage(msg)
	for _, e := range errs {
		reply.AddError(e)
	}
	return reply
}

// orderRecorder is pushed as the caller's handler and records reply order.
type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (o *orderRecorder) push(msg *testMessage) {
	msg.PushHandler(message.ReplyHandlerFunc(func(_ context.Context, r message.Reply) {
		o.mu.Lock()
		o.order = append(o.order, r.Message().(*testMessage).name)
		o.mu.Unlock()
	}))
}

func (o *orderRecorder) get() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

func startMessenger(t *testing.T) *messenger.Messenger {
	t.Helper()
	m := messenger.New()
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(time.Second) })
	return m
}

func TestSequencer_SameKeyRepliesInSubmitOrder(t *testing.T) {
	m := startMessenger(t)
	sender := &recordingSender{}
	seq := New(sender, m)
	rec := &orderRecorder{}

	a := newMessage("5a", 5, true)
	seven := newMessage("7", 7, true)
	b := newMessage("5b", 5, true)
	for _, msg := range []*testMessage{a, seven, b} {
		rec.push(msg)
		seq.HandleMessage(context.Background(), msg)
	}

	assert.Equal(t, []string{"5a", "7"}, sender.names())
	assert.Equal(t, 1, seq.Waiting())
	assert.Equal(t, 2, seq.InFlight())

	// the network answers out of order
	m.ReturnReply(replyFor(seven))
	m.ReturnReply(replyFor(a))

	require.Eventually(t, func() bool { return len(sender.names()) == 3 }, time.Second, time.Millisecond)
	m.ReturnReply(replyFor(sender.take("5b")))
	require.NoError(t, m.Sync(context.Background()))

	order := rec.get()
	require.Len(t, order, 3)
	assert.Less(t, indexOf(order, "5a"), indexOf(order, "5b"))
	assert.Zero(t, seq.InFlight())
	assert.Zero(t, seq.Waiting())
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func TestSequencer_UnsequencedPassThrough(t *testing.T) {
	m := startMessenger(t)
	sender := &recordingSender{}
	seq := New(sender, m)

	for _, name := range []string{"x", "y", "z"} {
		seq.HandleMessage(context.Background(), newMessage(name, 0, false))
	}
	assert.Equal(t, []string{"x", "y", "z"}, sender.names())
	assert.Zero(t, seq.InFlight())
	assert.Zero(t, sender.take("x").HandlerCount(), "no sequencer frame")
}

func TestSequencer_ErrorReplyReleasesNext(t *testing.T) {
	m := startMessenger(t)
	sender := &recordingSender{}
	seq := New(sender, m)
	rec := &orderRecorder{}

	first := newMessage("first", 1, true)
	second := newMessage("second", 1, true)
	rec.push(first)
	rec.push(second)
	seq.HandleMessage(context.Background(), first)
	seq.HandleMessage(context.Background(), second)
	require.Equal(t, []string{"first"}, sender.names())

	m.ReturnReply(replyFor(first, message.NewError(errors.NoAddressForService, "gone")))
	require.Eventually(t, func() bool { return len(sender.names()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"first"}, rec.get())
}

// immediateSender replies to every message as soon as it is sent.
type immediateSender struct {
	queue Queue
}

func (s *immediateSender) HandleMessage(_ context.Context, msg message.Message) {
	s.queue.ReturnReply(replyFor(msg))
}

func TestSequencer_ImmediateRepliesDoNotRecurse(t *testing.T) {
	m := startMessenger(t)
	seq := New(&immediateSender{queue: m}, m)
	rec := &orderRecorder{}

	const n = 2000
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		msg := newMessage(strconv.Itoa(i), 3, true)
		want = append(want, msg.name)
		rec.push(msg)
		seq.HandleMessage(context.Background(), msg)
	}

	require.Eventually(t, func() bool { return len(rec.get()) == n }, 5*time.Second, time.Millisecond)
	assert.Equal(t, want, rec.get())
}

func TestSequencer_DestroyDiscardsQueued(t *testing.T) {
	m := startMessenger(t)
	sender := &recordingSender{}
	seq := New(sender, m)

	var discarded []string
	var mu sync.Mutex
	for _, name := range []string{"a", "b", "c"} {
		msg := newMessage(name, 9, true)
		msg.PushFrame(message.Frame{OnDiscard: func(r message.Routable) {
			mu.Lock()
			discarded = append(discarded, r.(*testMessage).name)
			mu.Unlock()
		}})
		seq.HandleMessage(context.Background(), msg)
	}
	require.Equal(t, 2, seq.Waiting())

	seq.Destroy()
	mu.Lock()
	assert.ElementsMatch(t, []string{"b", "c"}, discarded)
	mu.Unlock()
	assert.Zero(t, seq.Waiting())

	late := newMessage("late", 9, true)
	var lateDiscarded bool
	late.PushFrame(message.Frame{OnDiscard: func(message.Routable) { lateDiscarded = true }})
	seq.HandleMessage(context.Background(), late)
	assert.True(t, lateDiscarded)
	assert.Equal(t, []string{"a"}, sender.names())
}

func TestSequencer_Metrics(t *testing.T) {
	m := startMessenger(t)
	metrics := metric.NewMetrics()
	seq := New(&recordingSender{}, m, WithMetrics(metrics, "src"))

	for i := 0; i < 4; i++ {
		seq.HandleMessage(context.Background(), newMessage("m", 1, true))
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.SequencedWaiting.WithLabelValues("src")))
}
