package message

import "context"

// MessageHandler receives messages delivered to a session.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Message)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg Message)

// HandleMessage calls f(ctx, msg).
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg Message) {
	f(ctx, msg)
}

// ReplyHandler receives the reply to a message it sent or forwarded.
type ReplyHandler interface {
	HandleReply(ctx context.Context, reply Reply)
}

// ReplyHandlerFunc adapts a function to ReplyHandler.
type ReplyHandlerFunc func(ctx context.Context, reply Reply)

// HandleReply calls f(ctx, reply).
func (f ReplyHandlerFunc) HandleReply(ctx context.Context, reply Reply) {
	f(ctx, reply)
}

// DiscardHandler is optionally implemented by a ReplyHandler that holds
// resources for a routable. It is called instead of HandleReply when the
// routable is discarded.
type DiscardHandler interface {
	HandleDiscard(r Routable)
}

// Frame is one entry of a routable's handler stack.
type Frame struct {
	OnReply   func(ctx context.Context, reply Reply)
	OnDiscard func(r Routable)
}

// frameOf builds a frame from a handler, picking up its discard hook.
func frameOf(h ReplyHandler) Frame {
	f := Frame{OnReply: h.HandleReply}
	if d, ok := h.(DiscardHandler); ok {
		f.OnDiscard = d.HandleDiscard
	}
	return f
}

// HandleReply invokes the frame's reply callback.
func (f Frame) HandleReply(ctx context.Context, reply Reply) {
	if f.OnReply != nil {
		f.OnReply(ctx, reply)
	}
}

// HandleDiscard invokes the frame's discard callback.
func (f Frame) HandleDiscard(r Routable) {
	if f.OnDiscard != nil {
		f.OnDiscard(r)
	}
}
