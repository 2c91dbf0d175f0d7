package network

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/health"
	"github.com/c360/mbus/messenger"
)

// LocalWire connects Local networks inside one process. Packets are encoded
// and decoded on the way, as on a real network, and delivered asynchronously.
type LocalWire struct {
	clock   clock.Clock
	latency time.Duration
	logger  *slog.Logger

	mu       sync.RWMutex
	nodes    map[string]*Local
	services map[string]string // service -> node identity
	filter   func(*Packet) bool
}

// WireOption configures a LocalWire.
type WireOption func(*LocalWire)

// WithClock sets the clock used for simulated latency.
func WithClock(clk clock.Clock) WireOption {
	return func(w *LocalWire) {
		if clk != nil {
			w.clock = clk
		}
	}
}

// WithLatency delays every delivery by d on the wire's clock.
func WithLatency(d time.Duration) WireOption {
	return func(w *LocalWire) {
		w.latency = d
	}
}

// WithWireLogger sets the logger.
func WithWireLogger(logger *slog.Logger) WireOption {
	return func(w *LocalWire) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewLocalWire creates an empty wire.
func NewLocalWire(opts ...WireOption) *LocalWire {
	w := &LocalWire{
		clock:    clock.New(),
		logger:   slog.Default(),
		nodes:    make(map[string]*Local),
		services: make(map[string]string),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SetFilter installs a filter that drops every packet it returns false for.
// Tests use it to lose messages or replies. nil removes the filter.
func (w *LocalWire) SetFilter(f func(*Packet) bool) {
	w.mu.Lock()
	w.filter = f
	w.mu.Unlock()
}

// NewNode creates the network of one node on the wire.
func (w *LocalWire) NewNode(identity string) (*Local, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if identity == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "LocalWire", "NewNode", "node identity")
	}
	if _, ok := w.nodes[identity]; ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "LocalWire", "NewNode",
			"duplicate node identity "+identity)
	}
	n := &Local{
		wire:     w,
		identity: identity,
		inbound:  messenger.New(messenger.WithLogger(w.logger)),
		logger:   w.logger.With("node", identity),
		sessions: make(map[string]struct{}),
	}
	w.nodes[identity] = n
	return n, nil
}

func (w *LocalWire) register(identity, service string) {
	w.mu.Lock()
	w.services[service] = identity
	w.mu.Unlock()
}

func (w *LocalWire) unregister(service string) {
	w.mu.Lock()
	delete(w.services, service)
	w.mu.Unlock()
}

func (w *LocalWire) lookup(pattern string) []string {
	w.mu.RLock()
	all := make([]string, 0, len(w.services))
	for s := range w.services {
		all = append(all, s)
	}
	w.mu.RUnlock()
	return matchServices(all, pattern)
}

func (w *LocalWire) remove(n *Local) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.nodes, n.identity)
	for s, id := range w.services {
		if id == n.identity {
			delete(w.services, s)
		}
	}
}

// deliver hands p to the node called identity.
func (w *LocalWire) deliver(identity string, p *Packet) error {
	data, err := p.Marshal()
	if err != nil {
		return errors.NewBusError(errors.EncodeError, "Failed to encode packet: %v", err)
	}

	w.mu.RLock()
	target := w.nodes[identity]
	filter := w.filter
	w.mu.RUnlock()

	if target == nil {
		return errors.NewBusError(errors.ConnectionError, "Node '%s' is not on the wire.", identity)
	}
	if filter != nil && !filter(p) {
		w.logger.Debug("Packet dropped by filter", "id", p.ID, "kind", p.Kind)
		return nil
	}
	if w.latency > 0 {
		w.clock.AfterFunc(w.latency, func() { target.receive(data) })
		return nil
	}
	target.receive(data)
	return nil
}

// Local is the in-process Network of one node.
type Local struct {
	wire     *LocalWire
	identity string
	inbound  *messenger.Messenger
	logger   *slog.Logger

	mu       sync.Mutex
	owner    Owner
	sessions map[string]struct{}
	closed   bool
}

// Attach sets the owner.
func (n *Local) Attach(owner Owner) {
	n.mu.Lock()
	n.owner = owner
	n.mu.Unlock()
}

// Start starts inbound delivery.
func (n *Local) Start(ctx context.Context) error {
	n.mu.Lock()
	owner := n.owner
	n.mu.Unlock()
	if owner == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Local", "Start", "network has no owner")
	}
	return n.inbound.Start(ctx)
}

// Close leaves the wire. Packets still queued for the owner are dropped.
func (n *Local) Close(_ context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.wire.remove(n)
	return n.inbound.Stop(time.Second)
}

// Identity returns the node name.
func (n *Local) Identity() string {
	return n.identity
}

// RegisterSession publishes the session on the wire.
func (n *Local) RegisterSession(name string) (string, error) {
	if !ValidSessionName(name) {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "Local", "RegisterSession",
			"invalid session name "+name)
	}
	service := ServiceName(n.identity, name)
	n.mu.Lock()
	n.sessions[name] = struct{}{}
	n.mu.Unlock()
	n.wire.register(n.identity, service)
	return service, nil
}

// UnregisterSession withdraws the session.
func (n *Local) UnregisterSession(name string) {
	n.mu.Lock()
	delete(n.sessions, name)
	n.mu.Unlock()
	n.wire.unregister(ServiceName(n.identity, name))
}

// Send delivers a message packet to the node that registered service.
func (n *Local) Send(_ context.Context, p *Packet, service string) error {
	n.wire.mu.RLock()
	identity, ok := n.wire.services[service]
	n.wire.mu.RUnlock()
	if !ok {
		return noAddress(service)
	}

	out := p.clone()
	out.Service = service
	_, out.Session = SplitService(service)
	out.ReplyTo = n.identity
	return n.wire.deliver(identity, out)
}

// Reply delivers a reply packet to the node that sent the message.
func (n *Local) Reply(_ context.Context, p *Packet) error {
	return n.wire.deliver(p.ReplyTo, p.clone())
}

// Lookup lists registered services matching pattern.
func (n *Local) Lookup(pattern string) []string {
	return n.wire.lookup(pattern)
}

// Health reports whether the node is still on the wire.
func (n *Local) Health() health.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return health.NewUnhealthy("network", "Left the local wire")
	}
	return health.NewHealthy("network", "On the local wire")
}

func (n *Local) receive(data []byte) {
	n.inbound.EnqueueFunc(func(context.Context) {
		p, err := Unmarshal(data)
		if err != nil {
			n.logger.Warn("Dropping undecodable packet", "error", err)
			return
		}
		n.mu.Lock()
		owner := n.owner
		n.mu.Unlock()
		if owner != nil {
			owner.DeliverPacket(p)
		}
	})
}
