// Package routing resolves routes into trees of recipients and merges the
// replies that come back.
//
// # Tables
//
// A Table is the immutable routing configuration of one protocol, built from a
// route.TableSpec. The bus publishes a Tables value atomically; a resolution
// keeps using the snapshot it started with.
//
// # Resolution
//
// The first hop of a route is expanded in order:
//
//   - route:NAME is replaced by the named route, followed by the remaining hops
//   - a hop naming a configured hop is replaced by its selector
//   - a hop with a policy directive runs the policy, which adds children
//   - anything else is a literal service name and becomes a leaf
//
// Leaves are handed to the network together with their remaining route. When
// all children of a policy node have replied, the policy merges their replies
// into one and passes it up. A hop prefixed with '?' replies at once with an
// empty reply and discards whatever comes back later.
//
// # Policies
//
// Policy instances are shared through a PolicyCache keyed by protocol, name
// and parameter. Each resolution holds a reference for as long as its tree
// lives; Reset drops the cache's own reference so a routing swap can replace
// policies without pulling them from under in-flight messages.
package routing
