// Package policy provides the built-in routing policies.
//
// A hop selects a policy with a bracketed directive, for example
//
//	[All]                          every configured recipient
//	[RoundRobin:a/session;b/session]
//	cluster/[Hash]/session         live services matching cluster/*/session
//
// Selecting policies choose among the hop blueprint's recipients that match
// the hop, then all blueprint recipients, then the hops listed in the
// parameter, then live services found through the resolver's service lookup.
package policy
