package message

import (
	"github.com/c360/mbus/trace"
)

// Routable is the common part of messages and replies: a protocol defined
// type, a trace, an opaque context value and the stack of handlers that the
// reply travels back through.
//
// Routables are owned by one holder at a time and are not safe for concurrent
// use. Ownership moves with Send, Forward and Reply.
//
// Only types embedding BaseMessage, BaseReply or EmptyReply implement it.
type Routable interface {
	// Protocol returns the name of the protocol that encodes this routable.
	Protocol() string
	// Type returns the protocol specific type number.
	Type() uint32

	Trace() *trace.Trace
	SetTrace(t *trace.Trace)

	Context() any
	SetContext(ctx any)

	// PushHandler saves the current context together with h. The matching
	// PopHandler restores the context.
	PushHandler(h ReplyHandler)
	PushFrame(f Frame)
	PopHandler() (Frame, bool)
	HandlerCount() int

	base() *routable
}

type stackEntry struct {
	frame   Frame
	context any
}

type routable struct {
	trace   *trace.Trace
	context any
	stack   []stackEntry
}

func (r *routable) base() *routable {
	return r
}

// Trace returns the trace, creating an empty one on first use.
func (r *routable) Trace() *trace.Trace {
	if r.trace == nil {
		r.trace = trace.New(trace.LevelNone)
	}
	return r.trace
}

// SetTrace replaces the trace.
func (r *routable) SetTrace(t *trace.Trace) {
	r.trace = t
}

// Context returns the opaque value attached by the current holder.
func (r *routable) Context() any {
	return r.context
}

// SetContext attaches an opaque value.
func (r *routable) SetContext(ctx any) {
	r.context = ctx
}

// PushHandler pushes h on the handler stack.
func (r *routable) PushHandler(h ReplyHandler) {
	r.PushFrame(frameOf(h))
}

// PushFrame pushes f on the handler stack.
func (r *routable) PushFrame(f Frame) {
	r.stack = append(r.stack, stackEntry{frame: f, context: r.context})
}

// PopHandler pops the top frame and restores the context saved with it.
func (r *routable) PopHandler() (Frame, bool) {
	n := len(r.stack)
	if n == 0 {
		return Frame{}, false
	}
	e := r.stack[n-1]
	r.stack[n-1] = stackEntry{}
	r.stack = r.stack[:n-1]
	r.context = e.context
	return e.frame, true
}

// HandlerCount returns the depth of the handler stack.
func (r *routable) HandlerCount() int {
	return len(r.stack)
}

// Discard releases r without a reply: every frame on its handler stack is
// popped and its discard hook, if any, is called. For a reply, the attached
// message is discarded first.
func Discard(r Routable) {
	if rep, ok := r.(Reply); ok {
		if msg := rep.Message(); msg != nil {
			rep.SetMessage(nil)
			Discard(msg)
		}
	}
	b := r.base()
	for {
		f, ok := b.PopHandler()
		if !ok {
			break
		}
		f.HandleDiscard(r)
	}
	b.context = nil
}

// SwapState exchanges the handler stack, context and trace of a and b. When
// both are messages their route, retry state and timing are exchanged too.
// A destination turns a message into its reply this way, so the reply travels
// back along the path the message came.
func SwapState(a, b Routable) {
	ra, rb := a.base(), b.base()
	ra.trace, rb.trace = rb.trace, ra.trace
	ra.context, rb.context = rb.context, ra.context
	ra.stack, rb.stack = rb.stack, ra.stack

	ma, okA := a.(Message)
	mb, okB := b.(Message)
	if !okA || !okB {
		return
	}
	sa, sb := ma.state(), mb.state()
	sa.route, sb.route = sb.route, sa.route
	sa.retry, sb.retry = sb.retry, sa.retry
	sa.retryDisabled, sb.retryDisabled = sb.retryDisabled, sa.retryDisabled
	sa.timeReceived, sb.timeReceived = sb.timeReceived, sa.timeReceived
	sa.timeRemaining, sb.timeRemaining = sb.timeRemaining, sa.timeRemaining
}
