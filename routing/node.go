package routing

import (
	"fmt"
	"log/slog"

	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/message"
	"github.com/c360/mbus/route"
	"github.com/c360/mbus/trace"
)

// DefaultMaxDepth bounds route reference and hop substitution recursion.
const DefaultMaxDepth = 64

// ServiceLookup lists live services whose names match a pattern.
type ServiceLookup interface {
	Lookup(pattern string) []string
}

// Resolver expands routes against one routing table snapshot.
type Resolver struct {
	tables   Tables
	policies *PolicyCache
	lookup   ServiceLookup
	maxDepth int
	logger   *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithServiceLookup gives policies access to the live service list.
func WithServiceLookup(l ServiceLookup) ResolverOption {
	return func(r *Resolver) { r.lookup = l }
}

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(depth int) ResolverOption {
	return func(r *Resolver) {
		if depth > 0 {
			r.maxDepth = depth
		}
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver creates a resolver over tables using policies from cache.
func NewResolver(tables Tables, cache *PolicyCache, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		tables:   tables,
		policies: cache,
		maxDepth: DefaultMaxDepth,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRoot creates the root node routing msg along r. done is called once,
// with the root, when the root has its reply.
func (res *Resolver) NewRoot(msg message.Message, r route.Route, done func(*Node)) *Node {
	return &Node{res: res, msg: msg, route: r, done: done}
}

// Node is one step of a resolved route. Inner nodes hold a policy and its
// children; leaves name the service the message is sent to next.
//
// Nodes are not safe for concurrent use. The bus only touches them from the
// messenger consumer.
type Node struct {
	parent *Node
	res    *Resolver
	msg    message.Message
	route  route.Route
	depth  int

	recipients []route.Hop
	policy     *PolicyRef
	directive  int
	policyCtx  any
	children   []*Node
	pending    int

	leaf         bool
	service      string
	ignoreResult bool

	pendingReply message.Reply
	reply        message.Reply
	replied      bool

	done func(*Node)

	// Transport is free for the network layer to remember an in-flight send.
	Transport any
}

// Message returns the message being routed.
func (n *Node) Message() message.Message {
	return n.msg
}

// Route returns the route at this node, the hop being resolved first.
func (n *Node) Route() route.Route {
	return n.route
}

// IsLeaf reports whether the node resolved to a service.
func (n *Node) IsLeaf() bool {
	return n.leaf
}

// ServiceName returns the service a leaf sends to.
func (n *Node) ServiceName() string {
	return n.service
}

// RemainingRoute returns the hops a leaf's recipient still has to resolve.
func (n *Node) RemainingRoute() route.Route {
	return n.route.WithoutFirst()
}

// Reply returns the node's reply once it has one.
func (n *Node) Reply() message.Reply {
	return n.reply
}

// HasReply reports whether the node has reported its reply.
func (n *Node) HasReply() bool {
	return n.replied
}

// IgnoreResult reports whether the node's result is replaced by an empty
// reply.
func (n *Node) IgnoreResult() bool {
	return n.ignoreResult
}

// Children returns the node's children.
func (n *Node) Children() []*Node {
	return n.children
}

// Resolve expands every unresolved part of the tree and returns the leaves
// that must be transmitted. Resolution failures become error replies, so done
// may be called before Resolve returns.
func (n *Node) Resolve() []*Node {
	var leaves []*Node
	n.walk(&leaves)
	return leaves
}

func (n *Node) walk(leaves *[]*Node) {
	switch {
	case n.replied:
	case n.leaf:
		*leaves = append(*leaves, n)
	case len(n.children) > 0:
		for _, c := range n.children {
			if !c.replied {
				c.walk(leaves)
			}
		}
	default:
		n.resolve(leaves)
	}
}

func (n *Node) trace(level int, format string, args ...any) {
	t := n.msg.Trace()
	if t.ShouldTrace(level) {
		t.Trace(level, fmt.Sprintf(format, args...))
	}
}

func (n *Node) resolve(leaves *[]*Node) {
	for {
		if n.depth > n.res.maxDepth {
			n.setError(errors.IllegalRoute, "Route resolution exceeded depth %d.", n.res.maxDepth)
			return
		}
		if n.route.IsEmpty() {
			n.setError(errors.IllegalRoute, "Route has no hops.")
			return
		}
		hop := n.route.First()
		if hop.IgnoreResult() {
			n.ignoreResult = true
		}
		if msg, ok := hop.ErrorMessage(); ok {
			n.setError(errors.IllegalRoute, "Failed to parse hop '%s': %s", hop, msg)
			return
		}
		table := n.res.tables.Table(n.msg.Protocol())

		if name, ok := hop.RouteReference(); ok {
			if table == nil {
				n.setError(errors.IllegalRoute, "No routing table available for protocol '%s'.", n.msg.Protocol())
				return
			}
			r, ok := table.Route(name)
			if !ok {
				n.setError(errors.IllegalRoute, "Route '%s' not found.", name)
				return
			}
			n.trace(trace.LevelComponent, "Route '%s' retrieved by name.", name)
			n.route = r.Append(n.route.WithoutFirst())
			n.depth++
			continue
		}

		if table != nil {
			if bp, ok := table.Hop(hop.ServiceName()); ok {
				sel := bp.Hop()
				if hop.IgnoreResult() {
					sel = sel.WithIgnoreResult(true)
				}
				n.trace(trace.LevelComponent, "Recognized '%s' as hop '%s'.", hop.ServiceName(), sel)
				n.route = n.route.WithHop(0, sel)
				n.recipients = bp.Recipients
				n.depth++
				continue
			}
		}
		break
	}

	hop := n.route.First()
	idx := hop.PolicyIndex()
	if idx < 0 {
		n.leaf = true
		n.service = hop.ServiceName()
		n.trace(trace.LevelComponent, "Resolved '%s' to service.", n.service)
		*leaves = append(*leaves, n)
		n.ackIgnored()
		return
	}

	dir := hop.Directive(idx).(route.Policy)
	ref, err := n.res.policies.Acquire(n.msg.Protocol(), dir.Name, dir.Param)
	if err != nil {
		n.setBusError(err)
		return
	}
	n.policy = ref
	n.directive = idx

	n.trace(trace.LevelSplitMerge, "Running routing policy '%s'.", dir.Name)
	ctx := &Context{node: n}
	if !n.invoke("select", func() { ref.Policy().Select(ctx) }) {
		return
	}
	if r := n.pendingReply; r != nil {
		n.pendingReply = nil
		n.setReply(r)
		return
	}
	if len(n.children) == 0 {
		n.setError(errors.NoServicesForRoute,
			"Policy '%s' selected no recipients for route '%s'.", dir.Name, n.route)
		return
	}

	n.pending = len(n.children)
	n.trace(trace.LevelSplitMerge, "Policy '%s' selected %d recipient(s).", dir.Name, len(n.children))
	for _, c := range n.children {
		c.walk(leaves)
	}
	n.ackIgnored()
}

// invoke runs a policy callback, turning a panic into a PolicyError reply.
func (n *Node) invoke(op string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			n.res.logger.Error("Routing policy panicked", "policy", n.policy.Name(), "op", op, "panic", r)
			n.pendingReply = nil
			n.setError(errors.PolicyError, "Policy '%s' panicked during %s: %v", n.policy.Name(), op, r)
			ok = false
		}
	}()
	fn()
	return true
}

func (n *Node) ackIgnored() {
	if !n.ignoreResult || n.replied {
		return
	}
	n.trace(trace.LevelSplitMerge, "Not waiting for a reply from '%s'.", n.route.First())
	n.setReply(message.NewEmptyReply())
}

func (n *Node) setError(code errors.Code, format string, args ...any) {
	r := message.NewEmptyReply()
	r.AddError(message.Error{Code: code, Message: fmt.Sprintf(format, args...)})
	n.setReply(r)
}

func (n *Node) setBusError(err error) {
	if be, ok := err.(*errors.BusError); ok {
		n.setError(be.Code, "%s", be.Message)
		return
	}
	n.setError(errors.PolicyError, "%v", err)
}

// HandleReply gives a leaf its reply from the network. Replies for nodes that
// already reported, such as ignored or timed out ones, are discarded.
func (n *Node) HandleReply(r message.Reply) {
	n.setReply(r)
}

func (n *Node) setReply(r message.Reply) {
	if n.replied {
		message.Discard(r)
		return
	}
	if n.ignoreResult && r.HasErrors() {
		n.trace(trace.LevelSplitMerge, "Ignoring errors in reply from '%s'.", n.route.First())
		r = message.NewEmptyReply()
	}
	n.replied = true
	n.reply = r

	p := n.parent
	if p == nil {
		if n.done != nil {
			n.done(n)
		}
		return
	}
	p.pending--
	if p.pending == 0 && !p.replied {
		p.merge()
	}
}

func (n *Node) merge() {
	ctx := &Context{node: n}
	n.pendingReply = nil
	if !n.invoke("merge", func() { n.policy.Policy().Merge(ctx) }) {
		return
	}
	r := n.pendingReply
	n.pendingReply = nil
	if r == nil {
		n.setError(errors.PolicyError, "Policy '%s' did not merge replies.", n.policy.Name())
		return
	}
	n.trace(trace.LevelSplitMerge, "Merged %d replies with policy '%s'.", len(n.children), n.policy.Name())
	n.setReply(r)
}

// PrepareForRetry clears the replies of every failed part of the tree so the
// next Resolve resends only those. It returns false if nothing failed.
func (n *Node) PrepareForRetry() bool {
	if n.replied && (n.reply == nil || !n.reply.HasErrors()) {
		return false
	}
	switch {
	case n.leaf:
		n.clearReply()
		return true
	case len(n.children) > 0:
		failed := 0
		for _, c := range n.children {
			if c.PrepareForRetry() {
				failed++
			}
		}
		if failed == 0 {
			// merge itself failed; select again
			n.reset()
			return true
		}
		n.clearReply()
		n.pending = failed
		return true
	default:
		n.reset()
		return true
	}
}

func (n *Node) clearReply() {
	n.replied = false
	n.reply = nil
	n.Transport = nil
}

func (n *Node) reset() {
	for _, c := range n.children {
		c.Release()
	}
	n.policy.Release()
	n.policy = nil
	n.children = nil
	n.policyCtx = nil
	n.pending = 0
	n.leaf = false
	n.service = ""
	n.clearReply()
}

// Release drops the policy references held by the subtree.
func (n *Node) Release() {
	for _, c := range n.children {
		c.Release()
	}
	n.policy.Release()
}

// DefaultMerge passes a single child reply through unchanged. Several replies
// are combined into an empty reply carrying every child error, with the child
// traces as an unordered group.
func DefaultMerge(ctx *Context) {
	children := ctx.Children()
	if len(children) == 1 {
		ctx.SetReply(children[0].Reply)
		return
	}
	merged := message.NewEmptyReply()
	group := trace.NewNode().SetStrict(false)
	for _, c := range children {
		if c.Reply == nil {
			continue
		}
		message.CopyErrors(merged, c.Reply)
		if !c.Reply.Trace().IsEmpty() {
			group.AddNode(c.Reply.Trace().Root().Clone())
		}
	}
	if !group.IsEmpty() {
		merged.Trace().Root().AddNode(group)
	}
	ctx.SetReply(merged)
}
