package routing

import (
	"fmt"

	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/message"
	"github.com/c360/mbus/route"
)

// ChildReply is the reply one child of a policy node produced.
type ChildReply struct {
	Route route.Route
	Reply message.Reply
}

// Context is what a policy sees while selecting or merging at one node.
type Context struct {
	node *Node
}

// Protocol returns the protocol of the message being routed.
func (c *Context) Protocol() string {
	return c.node.msg.Protocol()
}

// Message returns the message being routed.
func (c *Context) Message() message.Message {
	return c.node.msg
}

// Route returns the route at this node, current hop first.
func (c *Context) Route() route.Route {
	return c.node.route
}

// Hop returns the hop being resolved.
func (c *Context) Hop() route.Hop {
	return c.node.route.First()
}

// DirectiveIndex returns the index of the policy directive within Hop.
func (c *Context) DirectiveIndex() int {
	return c.node.directive
}

// HopPrefix returns the directives before the policy joined with '/', with a
// trailing '/' when non-empty.
func (c *Context) HopPrefix() string {
	return c.Hop().Prefix(c.node.directive)
}

// HopSuffix returns the directives after the policy joined with '/', with a
// leading '/' when non-empty.
func (c *Context) HopSuffix() string {
	return c.Hop().Suffix(c.node.directive)
}

// Recipients returns the recipients configured for the hop blueprint this
// node came from.
func (c *Context) Recipients() []route.Hop {
	return append([]route.Hop(nil), c.node.recipients...)
}

// MatchingRecipients returns the recipients that equal the current hop at
// every directive except the policy's.
func (c *Context) MatchingRecipients() []route.Hop {
	hop := c.Hop()
	var out []route.Hop
	for _, r := range c.node.recipients {
		if hop.Matches(r, c.node.directive) {
			out = append(out, r)
		}
	}
	return out
}

// LookupServices returns the live services matching pattern, or nil when the
// resolver has no service lookup.
func (c *Context) LookupServices(pattern string) []string {
	if c.node.res.lookup == nil {
		return nil
	}
	return c.node.res.lookup.Lookup(pattern)
}

// RetryCount returns how often the message has been resent.
func (c *Context) RetryCount() int {
	return c.node.msg.RetryCount()
}

// AddChild routes a copy of the message along r.
func (c *Context) AddChild(r route.Route) {
	n := c.node
	n.children = append(n.children, &Node{
		parent: n,
		res:    n.res,
		msg:    n.msg,
		route:  r,
		depth:  n.depth + 1,
	})
}

// AddChildHop routes a copy along the current route with the current hop
// replaced by h.
func (c *Context) AddChildHop(h route.Hop) {
	if c.Hop().IgnoreResult() {
		h = h.WithIgnoreResult(true)
	}
	c.AddChild(c.node.route.WithHop(0, h))
}

// AddChildDirective routes a copy along the current route with the policy
// directive replaced by image.
func (c *Context) AddChildDirective(image string) {
	c.AddChildHop(route.ParseHop(c.HopPrefix() + image + c.HopSuffix()))
}

// NumChildren returns the number of children added so far.
func (c *Context) NumChildren() int {
	return len(c.node.children)
}

// Children returns the child routes and their replies. During Merge every
// child has a reply.
func (c *Context) Children() []ChildReply {
	out := make([]ChildReply, len(c.node.children))
	for i, ch := range c.node.children {
		out[i] = ChildReply{Route: ch.route, Reply: ch.reply}
	}
	return out
}

// SetReply sets the node's reply. Set during Select it ends the resolution of
// this node without children.
func (c *Context) SetReply(r message.Reply) {
	c.node.pendingReply = r
}

// Reply returns the reply set so far.
func (c *Context) Reply() message.Reply {
	return c.node.pendingReply
}

// SetError sets an empty reply carrying one error.
func (c *Context) SetError(code errors.Code, format string, args ...any) {
	r := message.NewEmptyReply()
	r.AddError(message.Error{Code: code, Message: fmt.Sprintf(format, args...)})
	c.SetReply(r)
}

// PolicyContext returns the value the policy stored on this node.
func (c *Context) PolicyContext() any {
	return c.node.policyCtx
}

// SetPolicyContext stores a value on this node for the later Merge.
func (c *Context) SetPolicyContext(v any) {
	c.node.policyCtx = v
}

// Trace records a note on the message trace.
func (c *Context) Trace(level int, note string) {
	c.node.msg.Trace().Trace(level, note)
}
