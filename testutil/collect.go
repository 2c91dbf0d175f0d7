package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/c360/mbus/message"
)

// DefaultWait bounds how long Next waits before failing the test.
const DefaultWait = 2 * time.Second

const collectBuffer = 128

// Replies is a message.ReplyHandler that queues every reply it receives.
type Replies struct {
	ch   chan message.Reply
	wait time.Duration
}

// NewReplies creates a collector that waits up to DefaultWait per reply.
func NewReplies() *Replies {
	return &Replies{ch: make(chan message.Reply, collectBuffer), wait: DefaultWait}
}

// HandleReply implements message.ReplyHandler.
func (r *Replies) HandleReply(_ context.Context, reply message.Reply) {
	r.ch <- reply
}

// C exposes the queue for callers that need to select on it.
func (r *Replies) C() <-chan message.Reply {
	return r.ch
}

// Next returns the next reply or fails the test.
func (r *Replies) Next(t testing.TB) message.Reply {
	t.Helper()
	select {
	case reply := <-r.ch:
		return reply
	case <-time.After(r.wait):
		t.Fatal("timed out waiting for reply")
		return nil
	}
}

// None fails the test if a reply is already queued.
func (r *Replies) None(t testing.TB) {
	t.Helper()
	select {
	case reply := <-r.ch:
		t.Fatalf("unexpected reply with errors %v", reply.Errors())
	default:
	}
}

// Messages is a message.MessageHandler that queues messages instead of
// answering them, leaving the test in charge of replies.
type Messages struct {
	ch   chan message.Message
	wait time.Duration
}

// NewMessages creates a collector that waits up to DefaultWait per message.
func NewMessages() *Messages {
	return &Messages{ch: make(chan message.Message, collectBuffer), wait: DefaultWait}
}

// HandleMessage implements message.MessageHandler.
func (m *Messages) HandleMessage(_ context.Context, msg message.Message) {
	m.ch <- msg
}

// C exposes the queue for callers that need to select on it.
func (m *Messages) C() <-chan message.Message {
	return m.ch
}

// Next returns the next message or fails the test.
func (m *Messages) Next(t testing.TB) message.Message {
	t.Helper()
	select {
	case msg := <-m.ch:
		return msg
	case <-time.After(m.wait):
		t.Fatal("timed out waiting for message")
		return nil
	}
}
