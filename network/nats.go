package network

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/multierr"

	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/health"
	"github.com/c360/mbus/natsclient"
)

// NATS defaults
const (
	DefaultSubjectPrefix  = "mbus"
	DefaultServicesBucket = "mbus_services"
	DefaultLookupCache    = 256
)

// NATSConfig configures the NATS network.
type NATSConfig struct {
	// SubjectPrefix prefixes the node inbox subjects.
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	// ServicesBucket is the KV bucket services are registered in.
	ServicesBucket string `json:"services_bucket" yaml:"services_bucket"`
	// LookupCacheSize bounds the pattern lookup cache.
	LookupCacheSize int `json:"lookup_cache_size" yaml:"lookup_cache_size"`
	// StartTimeout bounds the initial load of the service registry.
	StartTimeout time.Duration `json:"start_timeout" yaml:"start_timeout"`
}

// DefaultNATSConfig returns the defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		SubjectPrefix:   DefaultSubjectPrefix,
		ServicesBucket:  DefaultServicesBucket,
		LookupCacheSize: DefaultLookupCache,
		StartTimeout:    10 * time.Second,
	}
}

func (c NATSConfig) withDefaults() NATSConfig {
	d := DefaultNATSConfig()
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = d.SubjectPrefix
	}
	if c.ServicesBucket == "" {
		c.ServicesBucket = d.ServicesBucket
	}
	if c.LookupCacheSize <= 0 {
		c.LookupCacheSize = d.LookupCacheSize
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	return c
}

// serviceRecord is the registry value of one service.
type serviceRecord struct {
	Service    string    `json:"service"`
	Address    string    `json:"address"`
	Node       string    `json:"node"`
	Registered time.Time `json:"registered"`
}

func registryKey(service string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(service))
}

// NATS is a Network over a NATS connection. Every node subscribes to its own
// inbox subject; services are published in a JetStream KV bucket that every
// node mirrors through a watcher.
type NATS struct {
	client   *natsclient.Client
	cfg      NATSConfig
	identity string
	nodeID   string
	inbox    string
	logger   *slog.Logger

	mu       sync.RWMutex
	owner    Owner
	kv       *natsclient.KVStore
	services map[string]serviceRecord // by registry key
	local    map[string]string        // session -> registry key
	started  bool
	closed   bool

	cache  *lru.Cache[string, []string]
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NATSOption configures a NATS network.
type NATSOption func(*NATS)

// WithNATSLogger sets the logger.
func WithNATSLogger(logger *slog.Logger) NATSOption {
	return func(n *NATS) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNATS creates the network of node identity over client. The client must
// be connected before Start.
func NewNATS(client *natsclient.Client, identity string, cfg NATSConfig, opts ...NATSOption) (*NATS, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATS", "NewNATS", "nats client")
	}
	if identity == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATS", "NewNATS", "node identity")
	}
	cfg = cfg.withDefaults()
	cache, err := lru.New[string, []string](cfg.LookupCacheSize)
	if err != nil {
		return nil, errors.WrapInvalid(err, "NATS", "NewNATS", "create lookup cache")
	}

	nodeID := uuid.NewString()
	n := &NATS{
		client:   client,
		cfg:      cfg,
		identity: identity,
		nodeID:   nodeID,
		inbox:    fmt.Sprintf("%s.node.%s", cfg.SubjectPrefix, nodeID),
		logger:   slog.Default(),
		services: make(map[string]serviceRecord),
		local:    make(map[string]string),
		cache:    cache,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("node", identity)
	return n, nil
}

// Attach sets the owner.
func (n *NATS) Attach(owner Owner) {
	n.mu.Lock()
	n.owner = owner
	n.mu.Unlock()
}

// Identity returns the node name.
func (n *NATS) Identity() string {
	return n.identity
}

// Address returns the inbox subject of this node.
func (n *NATS) Address() string {
	return n.inbox
}

// Start opens the service registry, subscribes the inbox and waits until the
// registry mirror holds every service registered so far.
func (n *NATS) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.owner == nil {
		n.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "NATS", "Start", "network has no owner")
	}
	if n.started {
		n.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	n.started = true
	n.mu.Unlock()

	bucket, err := n.client.EnsureBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      n.cfg.ServicesBucket,
		Description: "mbus service registry",
		History:     1,
	})
	if err != nil {
		return errors.WrapTransient(err, "NATS", "Start", "open service registry")
	}
	kv := n.client.NewKVStore(bucket)

	runCtx, cancel := context.WithCancel(context.Background())
	watcher, err := kv.Watch(runCtx, ">")
	if err != nil {
		cancel()
		return errors.WrapTransient(err, "NATS", "Start", "watch service registry")
	}

	if err := n.client.Subscribe(runCtx, n.inbox, n.receive); err != nil {
		cancel()
		return errors.WrapTransient(err, "NATS", "Start", "subscribe inbox")
	}

	n.mu.Lock()
	n.kv = kv
	n.cancel = cancel
	pending := make(map[string]string, len(n.local))
	for session, key := range n.local {
		pending[session] = key
	}
	n.mu.Unlock()

	loaded := make(chan struct{})
	n.wg.Add(1)
	go n.watch(runCtx, watcher, loaded)

	for session := range pending {
		if err := n.publish(ctx, session); err != nil {
			return err
		}
	}

	wait, stop := context.WithTimeout(ctx, n.cfg.StartTimeout)
	defer stop()
	select {
	case <-loaded:
	case <-wait.Done():
		return errors.WrapTransient(wait.Err(), "NATS", "Start", "load service registry")
	}
	n.logger.Info("NATS network started", "inbox", n.inbox, "services", len(n.Lookup("*")))
	return nil
}

// watch mirrors the registry until ctx ends. loaded is closed once the
// initial values have been received.
func (n *NATS) watch(ctx context.Context, watcher jetstream.KeyWatcher, loaded chan struct{}) {
	defer n.wg.Done()
	defer func() { _ = watcher.Stop() }()

	signalled := false
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				if !signalled {
					signalled = true
					close(loaded)
				}
				continue
			}
			n.apply(entry)
		}
	}
}

func (n *NATS) apply(entry jetstream.KeyValueEntry) {
	key := entry.Key()
	switch entry.Operation() {
	case jetstream.KeyValuePut:
		var rec serviceRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			n.logger.Warn("Ignoring malformed service record", "key", key, "error", err)
			return
		}
		n.mu.Lock()
		n.services[key] = rec
		n.mu.Unlock()
	default:
		n.mu.Lock()
		delete(n.services, key)
		n.mu.Unlock()
	}
	n.cache.Purge()
}

// RegisterSession records the session and publishes it once started.
func (n *NATS) RegisterSession(name string) (string, error) {
	if !ValidSessionName(name) {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "NATS", "RegisterSession",
			"invalid session name "+name)
	}
	service := ServiceName(n.identity, name)
	key := registryKey(service)

	n.mu.Lock()
	n.local[name] = key
	n.services[key] = serviceRecord{Service: service, Address: n.inbox, Node: n.nodeID, Registered: time.Now()}
	started := n.started && n.kv != nil
	n.mu.Unlock()
	n.cache.Purge()

	if !started {
		return service, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.publish(ctx, name); err != nil {
		return "", err
	}
	return service, nil
}

func (n *NATS) publish(ctx context.Context, session string) error {
	n.mu.RLock()
	key, ok := n.local[session]
	rec := n.services[key]
	kv := n.kv
	n.mu.RUnlock()
	if !ok || kv == nil {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapFatal(err, "NATS", "RegisterSession", "encode service record")
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "NATS", "RegisterSession", "publish "+rec.Service)
	}
	return nil
}

// UnregisterSession withdraws the session from the registry.
func (n *NATS) UnregisterSession(name string) {
	n.mu.Lock()
	key, ok := n.local[name]
	delete(n.local, name)
	delete(n.services, key)
	kv := n.kv
	n.mu.Unlock()
	n.cache.Purge()

	if !ok || kv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := kv.Delete(ctx, key); err != nil && !natsclient.IsKVNotFoundError(err) {
		n.logger.Warn("Failed to withdraw session", "session", name, "error", err)
	}
}

// Send publishes a message packet to the inbox of the node owning service.
func (n *NATS) Send(ctx context.Context, p *Packet, service string) error {
	n.mu.RLock()
	rec, ok := n.services[registryKey(service)]
	n.mu.RUnlock()
	if !ok {
		return noAddress(service)
	}

	out := p.clone()
	out.Service = service
	_, out.Session = SplitService(service)
	out.ReplyTo = n.inbox
	return n.publishPacket(ctx, rec.Address, out)
}

// Reply publishes a reply packet to the inbox of the sending node.
func (n *NATS) Reply(ctx context.Context, p *Packet) error {
	if p.ReplyTo == "" {
		return errors.NewBusError(errors.NetworkError, "Reply %s has no return address.", p.ID)
	}
	return n.publishPacket(ctx, p.ReplyTo, p)
}

func (n *NATS) publishPacket(ctx context.Context, subject string, p *Packet) error {
	data, err := p.Marshal()
	if err != nil {
		return errors.NewBusError(errors.EncodeError, "Failed to encode packet: %v", err)
	}
	if err := n.client.Publish(ctx, subject, data); err != nil {
		return errors.NewBusError(errors.ConnectionError, "Failed to publish to '%s': %v", subject, err)
	}
	return nil
}

func (n *NATS) receive(_ context.Context, data []byte) {
	p, err := Unmarshal(data)
	if err != nil {
		n.logger.Warn("Dropping undecodable packet", "error", err)
		return
	}
	n.mu.RLock()
	owner, closed := n.owner, n.closed
	n.mu.RUnlock()
	if closed || owner == nil {
		return
	}
	owner.DeliverPacket(p)
}

// Lookup lists mirrored services matching pattern. Results are cached until
// the registry changes.
func (n *NATS) Lookup(pattern string) []string {
	if hit, ok := n.cache.Get(pattern); ok {
		return append([]string(nil), hit...)
	}
	n.mu.RLock()
	all := make([]string, 0, len(n.services))
	for _, rec := range n.services {
		all = append(all, rec.Service)
	}
	n.mu.RUnlock()

	out := matchServices(all, pattern)
	n.cache.Add(pattern, out)
	return append([]string(nil), out...)
}

// Health reflects the NATS connection.
func (n *NATS) Health() health.Status {
	state := n.client.State()
	switch state {
	case natsclient.StateConnected:
		return health.NewHealthy("network", "Connected to NATS")
	case natsclient.StateReconnecting, natsclient.StateConnecting:
		return health.NewDegraded("network", "NATS "+state.String())
	default:
		return health.NewUnhealthy("network", "NATS "+state.String())
	}
}

// Close withdraws every local session and stops the registry watcher. The
// client stays open; it belongs to the caller.
func (n *NATS) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	kv := n.kv
	keys := make([]string, 0, len(n.local))
	for _, key := range n.local {
		keys = append(keys, key)
	}
	cancel := n.cancel
	n.mu.Unlock()

	var errs error
	if kv != nil {
		for _, key := range keys {
			if err := kv.Delete(ctx, key); err != nil && !natsclient.IsKVNotFoundError(err) {
				errs = multierr.Append(errs, err)
			}
		}
	}
	if cancel != nil {
		cancel()
	}
	n.wg.Wait()
	return errs
}
