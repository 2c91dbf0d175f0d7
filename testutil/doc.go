// Package testutil holds helpers shared by the bus, node and command tests.
//
// Replies and Messages are handlers that queue what the bus delivers so a
// test can pull items one at a time with a bounded wait:
//
//	r := testutil.NewReplies()
//	src, _ := b.CreateSourceSession(bus.SourceParams{ReplyHandler: r})
//	src.Send(simple.NewMessage("hi"), route.ParseRoute("node-b/echo"))
//	reply := r.Next(t)
//
// WriteFile drops a config fixture into a per-test temp dir.
package testutil
