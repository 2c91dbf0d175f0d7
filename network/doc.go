// Package network carries bus traffic between nodes.
//
// A node is one MessageBus. Its sessions are published as services named
// "<identity>/<session>", and routes address them by those names. The Network
// interface moves Packets, the JSON envelope around an encoded routable, and
// mirrors the registered services so routing policies can look them up with
// path.Match patterns such as "*/search".
//
// Two implementations exist:
//
//   - Local and LocalWire connect buses inside one process. Delivery is
//     asynchronous and goes through the packet codec. The wire can delay
//     packets on an injectable clock or drop them through a filter, which
//     makes timeouts and lost replies easy to test.
//   - NATS publishes packets to per-node inbox subjects and keeps the service
//     registry in the JetStream KV bucket "mbus_services". Every node watches
//     the bucket; pattern lookups are cached in an LRU until it changes.
//
// Send returns a *errors.BusError with NoAddressForService for a service the
// mirror does not know, and ConnectionError when the packet could not leave
// the node. Lost packets are not reported; the sender's timeout covers them.
package network
