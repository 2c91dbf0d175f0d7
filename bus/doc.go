// Package bus is the message bus: it routes messages sent from source
// sessions through the routing tables to services on the network, and
// delivers exactly one reply for every accepted message.
//
// A node runs one MessageBus on top of a network.Network. Sessions are
// created on the bus:
//
//	net, _ := wire.NewNode("node-a")
//	b := bus.New(net, bus.WithProtocol(simple.New()))
//	_ = b.Start(ctx)
//
//	dst, _ := b.CreateDestinationSession(bus.DestinationParams{
//		Name: "echo",
//		MessageHandler: message.MessageHandlerFunc(func(_ context.Context, m message.Message) {
//			dst.Reply(simple.Answer(m, m.(*simple.Message).Value))
//		}),
//	})
//
//	src, _ := b.CreateSourceSession(bus.SourceParams{ReplyHandler: replies})
//	res := src.Send(simple.NewMessage("hi"), route.ParseRoute("node-a/echo"))
//
// Routing tables are installed with SetupRouting and can be replaced at any
// time; resolutions already under way keep the tables they started with.
//
// Everything that reacts to replies runs on the bus messenger, one task at a
// time: routing node resolution and merging, retries, timeouts and the reply
// handlers of all sessions. Handlers must therefore not block.
//
// Replies with only transient errors are resent through the RetryPolicy while
// the message has time left. Each message gets exactly one reply: its own, a
// merged one, or a synthesised Timeout error.
package bus
