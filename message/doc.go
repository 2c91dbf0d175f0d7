// Package message defines the units of work that travel over the bus.
//
// A Message is sent by a source session along a route and answered by exactly
// one Reply. Both are Routables: they carry a trace, an opaque context value and
// a stack of reply handlers. Every session or routing node that passes a message
// on pushes a handler; the reply pops them in reverse order on its way back.
//
// Protocols define concrete types by embedding BaseMessage or BaseReply:
//
//	type Ping struct {
//	    message.BaseMessage
//	    Text string
//	}
//
//	func (*Ping) Protocol() string { return "demo" }
//	func (*Ping) Type() uint32     { return 1 }
//
// A destination converts a message into its reply with SwapState, which moves
// the handler stack, context and trace across:
//
//	reply := message.NewEmptyReply()
//	message.SwapState(msg, reply)
//	reply.SetMessage(msg)
//
// Discard releases a routable without replying. Handlers implementing
// DiscardHandler are notified so they can release whatever they hold.
package message
