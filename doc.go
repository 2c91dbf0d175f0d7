// Package mbus is an asynchronous message bus: sessions send messages
// along routes of hops, each hop resolved to a service on some node, and
// every message sent produces exactly one reply back at its source.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   Sessions (source, intermediate,   │  Send / Forward / Reply
//	│   destination)                      │
//	└─────────────────────────────────────┘
//	           ↓ owned by
//	┌─────────────────────────────────────┐
//	│         MessageBus                  │  Throttling, sequencing,
//	│  (routing tables, retry, timeouts)  │  resending, reply merge
//	└─────────────────────────────────────┘
//	           ↓ sends over
//	┌─────────────────────────────────────┐
//	│         Network                     │  Service registry and
//	│  (LocalWire in process, or NATS)    │  packet delivery
//	└─────────────────────────────────────┘
//
// A message carries its route. At each step the bus resolves the next hop
// through the routing table for the message's protocol: a hop selector may
// name a service directly ("node-b/echo") or go through a routing policy
// ("[RoundRobin:node-b/echo;node-c/echo]") that fans the message out and
// merges the replies. Failed leaves with transient errors are resent under
// the retry policy; fatal errors and timeouts end the message.
//
// Error codes live in bands: codes from errors.TransientBase up to
// errors.FatalBase are transient and may be retried, codes from
// errors.FatalBase up are fatal.
//
// # Packages
//
// Core:
//   - message: Message, Reply and the errors carried on replies
//   - route: routes, hops, routing table specs
//   - routing, routing/policy: hop resolution and the built-in policies
//   - throttle: static, rate and dynamic send windows
//   - sequencer: one-at-a-time delivery per sequence id
//   - messenger: the single-consumer executor the bus runs on
//   - trace: per-message trace trees
//   - bus: the MessageBus and its sessions
//   - protocol/simple: string payload protocol used by the tools
//
// Infrastructure:
//   - network: LocalWire and NATS networks, service registry
//   - natsclient: NATS connection management and KV buckets
//   - config: layered config files, env overrides, KV hot reload
//   - node: wires config, network and bus into one running node
//   - metric: Prometheus metrics and the metrics/health HTTP server
//   - health: component health and aggregation
//   - errors: error codes and classified errors
//   - pkg/retry: backoff sequences and bounded retry loops
//
// # Usage
//
// Two nodes in one process:
//
//	wire := network.NewLocalWire()
//	nodeA, _ := wire.NewNode("node-a")
//	nodeB, _ := wire.NewNode("node-b")
//
//	a := bus.New(nodeA, bus.WithProtocol(simple.New()))
//	b := bus.New(nodeB, bus.WithProtocol(simple.New()))
//	_ = a.Start(ctx)
//	_ = b.Start(ctx)
//
//	_, _ = b.CreateDestinationSession(bus.DestinationParams{
//	    Name:           "echo",
//	    MessageHandler: echoHandler,
//	})
//	src, _ := a.CreateSourceSession(bus.SourceParams{ReplyHandler: replies})
//	src.Send(simple.NewMessage("hello"), route.ParseRoute("node-b/echo"))
//
// # Binaries
//
//	# Run a node from layered config files
//	./bin/mbusd -c configs/base.yaml,configs/node-a.yaml
//
//	# Send values along a route and print the replies as JSON lines
//	./bin/mbussend -c configs/base.yaml -route node-a/echo hello
package mbus
