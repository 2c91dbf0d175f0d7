package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/health"
	"github.com/c360/mbus/message"
	"github.com/c360/mbus/messenger"
	"github.com/c360/mbus/metric"
	"github.com/c360/mbus/network"
	"github.com/c360/mbus/route"
	"github.com/c360/mbus/routing"
	"github.com/c360/mbus/throttle"
	"github.com/c360/mbus/trace"
)

// Config holds the bus settings of the "bus" configuration section.
type Config struct {
	// MaxPendingCount bounds the messages delivered to local sessions and
	// not yet replied to. Zero or less disables the limit.
	MaxPendingCount int `json:"max_pending_count" yaml:"max_pending_count"`
	// MaxPendingSize bounds the approximate size of those messages.
	MaxPendingSize int64 `json:"max_pending_size" yaml:"max_pending_size"`
	// DefaultTimeout is the time budget of messages sent without one.
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
	// MaxRouteDepth bounds route and hop substitution during resolution.
	MaxRouteDepth int `json:"max_route_depth" yaml:"max_route_depth"`
	// StopTimeout bounds how long Destroy waits for the running task.
	StopTimeout time.Duration `json:"stop_timeout" yaml:"stop_timeout"`
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 3 * time.Minute,
		MaxRouteDepth:  routing.DefaultMaxDepth,
		StopTimeout:    5 * time.Second,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.DefaultTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "default_timeout must not be negative")
	}
	if c.MaxRouteDepth < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max_route_depth must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.MaxRouteDepth <= 0 {
		c.MaxRouteDepth = d.MaxRouteDepth
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// Option configures a MessageBus.
type Option func(*MessageBus)

// WithClock sets the clock behind timeouts, retry delays and throttles.
func WithClock(clk clock.Clock) Option {
	return func(b *MessageBus) {
		if clk != nil {
			b.clock = clk
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *MessageBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetricsRegistry reports bus and messenger metrics through registry.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(b *MessageBus) {
		b.registry = registry
	}
}

// WithRetryPolicy replaces the default TransientRetryPolicy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(b *MessageBus) {
		if policy != nil {
			b.retry = policy
		}
	}
}

// WithConfig sets the bus settings.
func WithConfig(cfg Config) Option {
	return func(b *MessageBus) {
		b.cfg = cfg
	}
}

// WithProtocol registers proto.
func WithProtocol(proto Protocol) Option {
	return func(b *MessageBus) {
		if err := b.protocols.put(proto); err != nil {
			b.logger.Warn("Ignoring protocol", "error", err)
		}
	}
}

// MessageBus routes messages from local sessions to services on the network
// and delivers the messages and replies that arrive for the node.
//
// All routing state is confined to the bus messenger: resolution, merging,
// retries and timeouts run on its consumer goroutine one task at a time.
type MessageBus struct {
	net      network.Network
	clock    clock.Clock
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	cfg      Config
	retry    RetryPolicy

	msn       *messenger.Messenger
	protocols *protocols
	policies  *routing.PolicyCache
	tables    atomic.Pointer[routing.Tables]

	// messenger confined
	pending map[string]*inflight
	live    map[*dispatch]struct{}

	mu         sync.RWMutex
	sessions   map[string]*sessionEntry
	sources    map[*SourceSession]struct{}
	sourceSeq  int
	started    bool
	destroyed  bool
	startedAt  time.Time
	lastActive atomic.Int64

	inboundCount atomic.Int64
	inboundSize  atomic.Int64
}

// sessionEntry is a registered destination or intermediate session.
type sessionEntry struct {
	name    string
	service string
	handler message.MessageHandler
	closed  atomic.Bool
}

func (e *sessionEntry) HandleMessage(ctx context.Context, msg message.Message) {
	if e.closed.Load() {
		message.Discard(msg)
		return
	}
	e.handler.HandleMessage(ctx, msg)
}

// New creates a bus on top of net. The bus attaches itself as the network
// owner; Start starts both.
func New(net network.Network, opts ...Option) *MessageBus {
	b := &MessageBus{
		net:       net,
		clock:     clock.New(),
		logger:    slog.Default(),
		cfg:       DefaultConfig(),
		retry:     NewTransientRetryPolicy(errors.DefaultRetryConfig()),
		protocols: newProtocols(),
		pending:   make(map[string]*inflight),
		live:      make(map[*dispatch]struct{}),
		sessions:  make(map[string]*sessionEntry),
		sources:   make(map[*SourceSession]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.cfg = b.cfg.withDefaults()
	b.logger = b.logger.With("component", "bus", "node", net.Identity())

	msnOpts := []messenger.Option{messenger.WithLogger(b.logger)}
	if b.registry != nil {
		b.metrics = b.registry.CoreMetrics()
		msnOpts = append(msnOpts, messenger.WithMetricsRegistry(b.registry, metric.Namespace+"_messenger"))
	}
	b.msn = messenger.New(msnOpts...)
	b.policies = routing.NewPolicyCache(b.protocols.createPolicy,
		routing.WithDestroyHook(b.destroyPolicy),
		routing.WithCacheLogger(b.logger))

	empty := routing.Tables{}
	b.tables.Store(&empty)
	net.Attach(b)
	return b
}

// destroyPolicy runs Destroy on the messenger, where the policy was used.
func (b *MessageBus) destroyPolicy(p routing.Policy) {
	destroy := func() { p.Destroy() }
	b.msn.Enqueue(messenger.NewTask(func(context.Context) { destroy() }, destroy))
}

// Start starts the messenger and the network.
func (b *MessageBus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return errors.WrapFatal(errors.ErrBusDestroyed, "MessageBus", "Start", "start bus")
	}
	if b.started {
		b.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "MessageBus", "Start", "start bus")
	}
	b.started = true
	b.startedAt = b.clock.Now()
	b.mu.Unlock()

	if err := b.msn.Start(ctx); err != nil {
		return errors.WrapFatal(err, "MessageBus", "Start", "start messenger")
	}
	if err := b.net.Start(ctx); err != nil {
		return errors.WrapTransient(err, "MessageBus", "Start", "start network")
	}
	b.logger.Info("Message bus started", "protocols", b.protocols.names())
	return nil
}

// PutProtocol registers proto, replacing any protocol of the same name.
func (b *MessageBus) PutProtocol(proto Protocol) error {
	return b.protocols.put(proto)
}

// Network returns the network the bus runs on.
func (b *MessageBus) Network() network.Network {
	return b.net
}

// Clock returns the bus clock.
func (b *MessageBus) Clock() clock.Clock {
	return b.clock
}

// SetupRouting validates spec and atomically replaces the routing tables.
// Messages already being resolved keep the tables they started with; cached
// policies are dropped so later resolutions create fresh ones.
func (b *MessageBus) SetupRouting(spec route.Spec) error {
	if err := spec.Validate(); err != nil {
		return errors.WrapInvalid(err, "MessageBus", "SetupRouting", "validate routing spec")
	}
	for _, t := range spec.Tables {
		if _, ok := b.protocols.get(t.Protocol); !ok {
			b.logger.Warn("Routing table for unknown protocol", "protocol", t.Protocol)
		}
	}
	tables, err := routing.BuildTables(spec)
	if err != nil {
		return errors.WrapInvalid(err, "MessageBus", "SetupRouting", "build routing tables")
	}
	b.tables.Store(&tables)
	b.policies.Reset()
	if b.metrics != nil {
		b.metrics.RecordRoutingSwap()
	}
	b.logger.Info("Routing tables replaced", "tables", len(tables))
	return nil
}

// RoutingTable returns the current table for protocol, or nil.
func (b *MessageBus) RoutingTable(protocol string) *routing.Table {
	return (*b.tables.Load()).Table(protocol)
}

// Sync waits until every task queued on the bus messenger before the call
// has run. Handlers running on the bus must pass the ctx they were given:
// Sync recognises the consumer by it and returns at once, while any other
// ctx leaves the consumer waiting on itself forever.
func (b *MessageBus) Sync(ctx context.Context) error {
	return b.msn.Sync(ctx)
}

// CreateSourceSession creates a session that sends messages and receives
// their replies.
func (b *MessageBus) CreateSourceSession(params SourceParams) (*SourceSession, error) {
	if params.ReplyHandler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "MessageBus", "CreateSourceSession", "reply handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, errors.WrapFatal(errors.ErrBusDestroyed, "MessageBus", "CreateSourceSession", "create session")
	}
	b.sourceSeq++
	if params.Name == "" {
		params.Name = fmt.Sprintf("source-%d", b.sourceSeq)
	}
	if params.Timeout <= 0 {
		params.Timeout = b.cfg.DefaultTimeout
	}
	if params.Throttle == nil {
		t, err := throttle.FromConfig(throttle.DefaultConfig(), b.clock)
		if err != nil {
			return nil, errors.WrapInvalid(err, "MessageBus", "CreateSourceSession", "build throttle")
		}
		params.Throttle = t
	}
	s := newSourceSession(b, params)
	b.sources[s] = struct{}{}
	return s, nil
}

// CreateIntermediateSession registers a session that receives messages and
// must forward or reply to each of them.
func (b *MessageBus) CreateIntermediateSession(params IntermediateParams) (*IntermediateSession, error) {
	if params.MessageHandler == nil || params.ReplyHandler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "MessageBus", "CreateIntermediateSession", "handlers")
	}
	s := &IntermediateSession{bus: b, replyHandler: params.ReplyHandler}
	entry, err := b.register(params.Name, params.MessageHandler)
	if err != nil {
		return nil, err
	}
	s.entry = entry
	return s, nil
}

// CreateDestinationSession registers a session that receives messages and
// replies to them.
func (b *MessageBus) CreateDestinationSession(params DestinationParams) (*DestinationSession, error) {
	if params.MessageHandler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "MessageBus", "CreateDestinationSession", "message handler")
	}
	entry, err := b.register(params.Name, params.MessageHandler)
	if err != nil {
		return nil, err
	}
	return &DestinationSession{bus: b, entry: entry}, nil
}

func (b *MessageBus) register(name string, h message.MessageHandler) (*sessionEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, errors.WrapFatal(errors.ErrBusDestroyed, "MessageBus", "register", "create session")
	}
	if _, ok := b.sessions[name]; ok {
		return nil, errors.WrapInvalid(errors.ErrSessionExists, "MessageBus", "register", "session "+name)
	}
	service, err := b.net.RegisterSession(name)
	if err != nil {
		return nil, err
	}
	e := &sessionEntry{name: name, service: service, handler: h}
	b.sessions[name] = e
	b.logger.Debug("Session registered", "session", name, "service", service)
	return e, nil
}

func (b *MessageBus) unregister(e *sessionEntry) {
	if e.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	if b.sessions[e.name] == e {
		delete(b.sessions, e.name)
	}
	b.mu.Unlock()
	b.net.UnregisterSession(e.name)
	b.logger.Debug("Session unregistered", "session", e.name)
}

func (b *MessageBus) removeSource(s *SourceSession) {
	b.mu.Lock()
	delete(b.sources, s)
	b.mu.Unlock()
}

func (b *MessageBus) session(name string) *sessionEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[name]
}

// DeliverPacket implements network.Owner.
func (b *MessageBus) DeliverPacket(p *network.Packet) {
	b.lastActive.Store(b.clock.Now().UnixNano())
	switch p.Kind {
	case network.KindReply:
		b.msn.EnqueueFunc(func(context.Context) { b.handleReplyPacket(p) })
	case network.KindMessage:
		b.handleMessagePacket(p)
	default:
		b.logger.Warn("Dropping packet of unknown kind", "id", p.ID, "kind", p.Kind)
	}
}

func (b *MessageBus) handleMessagePacket(p *network.Packet) {
	s := b.session(p.Session)
	if s == nil || s.closed.Load() {
		b.replyError(p, message.NewError(errors.UnknownSession,
			"Session '%s' does not exist on '%s'.", p.Session, b.net.Identity()))
		return
	}
	if b.cfg.MaxPendingCount > 0 && b.inboundCount.Load() >= int64(b.cfg.MaxPendingCount) {
		b.replyError(p, message.NewError(errors.SessionBusy,
			"Session '%s' is busy, %d messages pending.", p.Session, b.inboundCount.Load()))
		return
	}
	if b.cfg.MaxPendingSize > 0 && b.inboundSize.Load() >= b.cfg.MaxPendingSize {
		b.replyError(p, message.NewError(errors.SessionBusy,
			"Session '%s' is busy, %d bytes pending.", p.Session, b.inboundSize.Load()))
		return
	}
	if p.TimeRemaining <= 0 {
		b.replyError(p, message.NewError(errors.Timeout, "Message arrived with no time left."))
		return
	}

	msg, err := b.protocols.decodeMessage(p.Protocol, p.Type, p.Payload)
	if err != nil {
		b.replyError(p, busError(err, errors.DecodeError))
		return
	}
	msg.SetRoute(route.ParseRoute(p.Route))
	msg.SetRetryCount(p.RetryCount)
	msg.SetRetryEnabled(!p.NoRetry)
	msg.SetTimeReceived(b.clock.Now())
	msg.SetTimeRemaining(p.TimeRemaining)
	msg.SetTrace(trace.New(p.TraceLevel))

	size := int64(msg.ApproxSize())
	b.inboundCount.Add(1)
	b.inboundSize.Add(size)
	var once sync.Once
	release := func() {
		once.Do(func() {
			b.inboundCount.Add(-1)
			b.inboundSize.Add(-size)
		})
	}
	msg.PushFrame(message.Frame{
		OnReply: func(ctx context.Context, reply message.Reply) {
			release()
			b.sendReply(ctx, p, reply)
		},
		OnDiscard: func(message.Routable) { release() },
	})
	msg.Trace().Trace(trace.LevelSendReceive,
		fmt.Sprintf("Message (type %d) received at '%s' for session '%s'.", p.Type, b.net.Identity(), p.Session))

	if b.metrics != nil {
		b.metrics.RecordMessageReceived(s.name, p.Protocol)
	}
	b.msn.DeliverMessage(s, msg)
}

// replyError answers p with an error, bypassing sessions.
func (b *MessageBus) replyError(p *network.Packet, e message.Error) {
	if e.Service == "" {
		e.Service = network.ServiceName(b.net.Identity(), p.Session)
	}
	rp := network.NewReplyPacket(p)
	rp.Errors = []message.Error{e}
	if err := b.net.Reply(context.Background(), rp); err != nil {
		b.logger.Warn("Failed to send error reply", "id", p.ID, "reply_to", p.ReplyTo, "error", err)
	}
	if b.metrics != nil {
		b.metrics.RecordError(e.Code.String(), e.Code.Class().String())
	}
}

// sendReply returns reply to the node that sent p. It runs on the messenger.
func (b *MessageBus) sendReply(ctx context.Context, p *network.Packet, reply message.Reply) {
	service := network.ServiceName(b.net.Identity(), p.Session)
	rp := network.NewReplyPacket(p)
	payload, err := b.protocols.encode(reply)
	if err != nil {
		reply.AddError(busError(err, errors.EncodeError))
	} else {
		rp.Protocol = reply.Protocol()
		rp.Type = reply.Type()
		rp.Payload = payload
	}
	rp.Errors = reply.Errors()
	for i := range rp.Errors {
		if rp.Errors[i].Service == "" {
			rp.Errors[i].Service = service
		}
	}
	if d, ok := reply.RetryDelay(); ok {
		rp.RetryDelay = &d
	}
	t := reply.Trace()
	t.Trace(trace.LevelSendReceive, fmt.Sprintf("Sending reply (type %d) from '%s'.", reply.Type(), b.net.Identity()))
	if !t.IsEmpty() {
		rp.Trace = t.Encode()
	}
	if err := b.net.Reply(ctx, rp); err != nil {
		b.logger.Warn("Failed to send reply", "id", p.ID, "reply_to", p.ReplyTo, "error", err)
	}
}

// handleReplyPacket hands a reply from the network to the leaf that sent the
// message. It runs on the messenger.
func (b *MessageBus) handleReplyPacket(p *network.Packet) {
	inf, ok := b.pending[p.ID]
	if !ok {
		b.logger.Debug("Dropping reply to unknown or expired message", "id", p.ID)
		return
	}
	delete(b.pending, p.ID)
	delete(inf.d.inflight, p.ID)

	reply, err := b.protocols.decodeReply(p.Protocol, p.Type, p.Payload)
	if err != nil {
		reply = message.NewEmptyReply()
		reply.AddError(busError(err, errors.DecodeError))
	}
	for _, e := range p.Errors {
		reply.AddError(e)
	}
	if p.RetryDelay != nil {
		reply.SetRetryDelay(*p.RetryDelay)
	}
	if p.Trace != "" {
		reply.SetTrace(trace.DecodeTrace(p.TraceLevel, p.Trace))
	}
	inf.leaf.HandleReply(reply)
}

// Health reports the network, messenger and session state.
func (b *MessageBus) Health() health.Status {
	b.mu.RLock()
	destroyed := b.destroyed
	started := b.started
	startedAt := b.startedAt
	sessions := len(b.sessions) + len(b.sources)
	b.mu.RUnlock()

	var msnStatus health.Status
	stats := b.msn.Stats()
	switch {
	case destroyed:
		return health.NewUnhealthy("bus", "Message bus destroyed")
	case !started:
		msnStatus = health.NewDegraded("messenger", "Not started")
	case !stats.Running:
		msnStatus = health.NewUnhealthy("messenger", "Consumer stopped")
	case stats.Panics > 0:
		msnStatus = health.NewDegraded("messenger", fmt.Sprintf("%d task panics recovered", stats.Panics))
	default:
		msnStatus = health.NewHealthy("messenger", fmt.Sprintf("%d tasks queued", stats.QueueDepth))
	}

	var sessStatus health.Status
	if b.cfg.MaxPendingCount > 0 && b.inboundCount.Load() >= int64(b.cfg.MaxPendingCount) {
		sessStatus = health.NewDegraded("sessions", "Inbound pending limit reached")
	} else {
		sessStatus = health.NewHealthy("sessions", fmt.Sprintf("%d sessions", sessions))
	}

	status := health.Aggregate("bus", []health.Status{b.net.Health(), msnStatus, sessStatus})
	m := &health.Metrics{
		Pending:  int(b.inboundCount.Load()),
		Sessions: sessions,
	}
	if !startedAt.IsZero() {
		m.Uptime = b.clock.Since(startedAt)
	}
	if last := b.lastActive.Load(); last > 0 {
		m.LastActivity = time.Unix(0, last)
	}
	return status.WithMetrics(m)
}

// Destroy tears the bus down. Sessions are destroyed, queued work and
// in-flight messages are discarded, and the network is closed. A task still
// running after StopTimeout is waited for until ctx ends; if ctx ends first
// the in-flight messages and routing policies are left as they are.
func (b *MessageBus) Destroy(ctx context.Context) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	sources := make([]*SourceSession, 0, len(b.sources))
	for s := range b.sources {
		sources = append(sources, s)
	}
	entries := make([]*sessionEntry, 0, len(b.sessions))
	for _, e := range b.sessions {
		entries = append(entries, e)
	}
	b.mu.Unlock()

	for _, s := range sources {
		s.Destroy()
	}
	for _, e := range entries {
		b.unregister(e)
	}

	var errs error
	if err := b.msn.Stop(b.cfg.StopTimeout); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "MessageBus", "Destroy", "stop messenger"))
		b.logger.Warn("Messenger task outlived the stop timeout, waiting for it", "timeout", b.cfg.StopTimeout)
	}
	// Routing state belongs to the consumer until it has exited.
	select {
	case <-b.msn.Done():
		b.discardPending()
		b.policies.Reset()
	case <-ctx.Done():
		errs = multierr.Append(errs, errors.WrapTransient(ctx.Err(), "MessageBus", "Destroy", "wait for messenger"))
		b.logger.Error("Messenger still running, in-flight messages and policies left as they are")
	}
	if err := b.net.Close(ctx); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "MessageBus", "Destroy", "close network"))
	}
	b.logger.Info("Message bus destroyed")
	return errs
}

// discardPending drops every message still being routed, including those
// waiting for a retry. Only called once the consumer has exited.
func (b *MessageBus) discardPending() {
	clear(b.pending)
	live := make([]*dispatch, 0, len(b.live))
	for d := range b.live {
		live = append(live, d)
	}
	for _, d := range live {
		d.discard()
	}
}
