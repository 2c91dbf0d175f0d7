// Package node assembles a running bus node from a config.Config: the
// network (NATS, or an in-process wire when NATS is disabled), the message
// bus with its protocols and routing tables, the sessions declared in the
// configuration and, with NATS, the shared configuration watcher.
package node

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/c360/mbus/bus"
	"github.com/c360/mbus/config"
	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/health"
	"github.com/c360/mbus/metric"
	"github.com/c360/mbus/natsclient"
	"github.com/c360/mbus/network"
	"github.com/c360/mbus/protocol/simple"
)

const connectTimeout = 10 * time.Second

// Node is one bus node and everything it owns.
type Node struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	wire     *network.LocalWire
	protos   []bus.Protocol

	client  *natsclient.Client
	net     network.Network
	bus     *bus.MessageBus
	manager *config.Manager
	monitor *health.Monitor

	mu       sync.Mutex
	sessions []session
	closed   bool
}

// session is any session the node created and must destroy.
type session interface {
	Name() string
	Destroy()
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithMetricsRegistry enables bus and NATS metrics.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(n *Node) { n.registry = registry }
}

// WithWire joins an existing in-process wire instead of creating one. Used
// when NATS is disabled.
func WithWire(w *network.LocalWire) Option {
	return func(n *Node) { n.wire = w }
}

// WithProtocol adds a protocol next to the built-in simple protocol.
func WithProtocol(p bus.Protocol) Option {
	return func(n *Node) { n.protos = append(n.protos, p) }
}

// New connects the network, starts the bus and installs the configured
// routing tables. Sessions are created by StartSessions.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Node", "New", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:    cfg.Clone(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("node", cfg.Identity)
	n.monitor = health.NewMonitor(health.WithMonitorLogger(n.logger))

	if err := n.connect(ctx); err != nil {
		return nil, err
	}

	busOpts := []bus.Option{
		bus.WithLogger(n.logger),
		bus.WithConfig(n.cfg.Bus),
		bus.WithRetryPolicy(bus.NewTransientRetryPolicy(n.cfg.Retry)),
		bus.WithProtocol(simple.New()),
	}
	if n.registry != nil {
		busOpts = append(busOpts, bus.WithMetricsRegistry(n.registry))
	}
	for _, p := range n.protos {
		busOpts = append(busOpts, bus.WithProtocol(p))
	}
	n.bus = bus.New(n.net, busOpts...)

	if err := n.bus.SetupRouting(n.cfg.Routing); err != nil {
		n.abort(ctx)
		return nil, err
	}
	if err := n.bus.Start(ctx); err != nil {
		n.abort(ctx)
		return nil, err
	}

	n.logger.Info("Bus node started",
		"network", n.networkKind(),
		"tables", len(n.cfg.Routing.Tables))
	return n, nil
}

func (n *Node) networkKind() string {
	if n.client != nil {
		return "nats"
	}
	return "local"
}

// connect creates the network: NATS when enabled, otherwise a node on the
// in-process wire.
func (n *Node) connect(ctx context.Context) error {
	if !n.cfg.NATS.Enabled {
		if n.wire == nil {
			n.wire = network.NewLocalWire(network.WithWireLogger(n.logger))
		}
		local, err := n.wire.NewNode(n.cfg.Identity)
		if err != nil {
			return err
		}
		n.net = local
		return nil
	}

	clientOpts := []natsclient.Option{
		natsclient.WithName("mbus-" + n.cfg.Identity),
		natsclient.WithLogger(n.logger),
		natsclient.WithReconnect(n.cfg.NATS.MaxReconnects, n.cfg.NATS.ReconnectWait),
		natsclient.WithAuth(natsclient.Auth{
			Username: n.cfg.NATS.Username,
			Password: n.cfg.NATS.Password,
			Token:    n.cfg.NATS.Token,
		}),
		natsclient.WithStateListener(n.natsStateChanged),
	}
	if n.registry != nil {
		clientOpts = append(clientOpts, natsclient.WithMetrics(n.registry.CoreMetrics()))
	}

	client, err := natsclient.NewClient(strings.Join(n.cfg.NATS.URLs, ","), clientOpts...)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return errors.WrapTransient(err, "Node", "connect", "connect to NATS")
	}
	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(ctx)
		return errors.WrapTransient(err, "Node", "connect", "wait for NATS connection")
	}

	nats, err := network.NewNATS(client, n.cfg.Identity, n.cfg.NATS.NATSConfig,
		network.WithNATSLogger(n.logger))
	if err != nil {
		_ = client.Close(ctx)
		return err
	}
	n.client = client
	n.net = nats
	return nil
}

// abort releases what New acquired before failing.
func (n *Node) abort(ctx context.Context) {
	if n.bus != nil {
		_ = n.bus.Destroy(ctx)
	} else if n.net != nil {
		_ = n.net.Close(ctx)
	}
	if n.client != nil {
		_ = n.client.Close(ctx)
	}
}

// Bus returns the node's message bus.
func (n *Node) Bus() *bus.MessageBus {
	return n.bus
}

// Config returns the configuration the node was built from.
func (n *Node) Config() *config.Config {
	return n.cfg.Clone()
}

// Manager returns the shared configuration manager, or nil when the node
// does not watch the configuration bucket.
func (n *Node) Manager() *config.Manager {
	return n.manager
}

// WatchConfig starts the shared configuration manager so routing changes
// published to the config bucket reach the bus. It is a no-op without NATS
// or when nats.watch is off.
func (n *Node) WatchConfig(ctx context.Context) error {
	if n.client == nil || !n.cfg.NATS.Watch {
		return nil
	}
	mgr, err := config.NewConfigManager(ctx, n.cfg, n.client,
		config.WithRoutingTarget(n.bus),
		config.WithManagerLogger(n.logger))
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		_ = mgr.Stop(time.Second)
		return err
	}
	n.manager = mgr
	return nil
}

// natsStateChanged records the NATS connection state with the health
// monitor. The client calls it on every transition.
func (n *Node) natsStateChanged(state natsclient.State) {
	var err error
	if state != natsclient.StateConnected {
		err = errors.ErrConnectionLost
	}
	n.monitor.Update("nats", health.FromError("nats", err, state.String()))
}

// Health refreshes and aggregates the status of the node's parts.
func (n *Node) Health() health.Status {
	n.monitor.Update("bus", n.bus.Health())
	if n.client != nil {
		n.natsStateChanged(n.client.State())
	}
	if n.manager != nil {
		n.monitor.UpdateHealthy("config", "Watching "+config.DefaultBucket)
	}
	status := n.monitor.AggregateHealth("mbusd")
	if n.registry != nil {
		n.registry.CoreMetrics().RecordHealthStatus("mbusd", status.IsHealthy())
	}
	return status
}

// Close stops the config watcher, destroys all sessions and the bus, and
// closes the NATS connection.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	sessions := n.sessions
	n.sessions = nil
	n.mu.Unlock()

	var errs error
	if n.manager != nil {
		errs = multierr.Append(errs, n.manager.Stop(stopTimeout(ctx)))
	}
	for i := len(sessions) - 1; i >= 0; i-- {
		sessions[i].Destroy()
	}
	errs = multierr.Append(errs, n.bus.Destroy(ctx))
	if n.client != nil {
		errs = multierr.Append(errs, n.client.Close(ctx))
	}
	n.logger.Info("Bus node stopped")
	return errs
}

func stopTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
	}
	return 5 * time.Second
}
