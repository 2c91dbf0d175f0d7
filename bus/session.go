package bus

import (
	"context"

	"github.com/c360/mbus/message"
)

// IntermediateParams configures an IntermediateSession.
type IntermediateParams struct {
	// Name is the session name; the service is identity/Name.
	Name           string
	MessageHandler message.MessageHandler
	ReplyHandler   message.ReplyHandler
}

// IntermediateSession receives messages on a service and forwards them along
// their remaining route, or replies to them. Every message it receives must
// be forwarded or answered.
type IntermediateSession struct {
	bus          *MessageBus
	entry        *sessionEntry
	replyHandler message.ReplyHandler
}

// Name returns the session name.
func (s *IntermediateSession) Name() string {
	return s.entry.name
}

// ConnectionSpec returns the service name others route to.
func (s *IntermediateSession) ConnectionSpec() string {
	return s.entry.service
}

// Forward passes a message on along its route, or a reply back to whoever
// sent the message it answers. The reply to a forwarded message comes to the
// session's ReplyHandler.
func (s *IntermediateSession) Forward(r message.Routable) {
	switch v := r.(type) {
	case message.Reply:
		s.bus.msn.ReturnReply(v)
	case message.Message:
		v.PushFrame(message.Frame{
			OnReply: func(ctx context.Context, reply message.Reply) {
				if s.entry.closed.Load() {
					message.Discard(reply)
					return
				}
				s.replyHandler.HandleReply(ctx, reply)
			},
		})
		s.bus.routeAsync(v, s.entry.name)
	default:
		s.bus.logger.Warn("Cannot forward routable", "session", s.entry.name, "protocol", r.Protocol())
		message.Discard(r)
	}
}

// Destroy unregisters the session. Messages not yet delivered to it are
// discarded, as are replies to messages it forwarded.
func (s *IntermediateSession) Destroy() {
	s.bus.unregister(s.entry)
}

// DestinationParams configures a DestinationSession.
type DestinationParams struct {
	Name           string
	MessageHandler message.MessageHandler
}

// DestinationSession receives messages on a service and replies to them.
type DestinationSession struct {
	bus   *MessageBus
	entry *sessionEntry
}

// Name returns the session name.
func (s *DestinationSession) Name() string {
	return s.entry.name
}

// ConnectionSpec returns the service name others route to.
func (s *DestinationSession) ConnectionSpec() string {
	return s.entry.service
}

// Reply sends reply back to the sender of the message it answers. The reply
// must carry that message's state, see message.SwapState.
func (s *DestinationSession) Reply(reply message.Reply) {
	s.bus.msn.ReturnReply(reply)
}

// Acknowledge answers msg with an empty reply.
func (s *DestinationSession) Acknowledge(msg message.Message) {
	reply := message.NewEmptyReply()
	message.SwapState(msg, reply)
	reply.SetMessage(msg)
	s.Reply(reply)
}

// Destroy unregisters the session. Messages not yet delivered to it are
// discarded.
func (s *DestinationSession) Destroy() {
	s.bus.unregister(s.entry)
}
