package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/multierr"

	"github.com/c360/mbus/errors"
)

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateCircuitOpen
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
	StateCircuitOpen:  "circuit_open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client owns one NATS connection shared by the network and the config
// manager. Failed dials and bucket calls feed a circuit breaker; while it is
// open Connect and the bucket calls fail fast with ErrCircuitOpen.
type Client struct {
	url    string
	s      settings
	logger *slog.Logger
	brk    *breaker

	state      atomic.Int32
	reconnects atomic.Int32
	closed     atomic.Bool

	mu        sync.RWMutex
	conn      *nats.Conn
	js        jetstream.JetStream
	subs      []*nats.Subscription
	stopProbe context.CancelFunc
}

// NewClient creates a client for url, a comma separated server list. It does
// not connect.
func NewClient(url string, opts ...Option) (*Client, error) {
	s := defaultSettings()
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c := &Client{url: url, s: s, logger: s.logger.With("component", "natsclient")}
	c.brk = newBreaker(s.clock, s.breakerThreshold, s.breakerMaxBackoff, c.breakerChanged)
	return c, nil
}

// URL returns the server list the client dials.
func (c *Client) URL() string {
	return c.url
}

// State returns the connection state. An open circuit breaker overrides it.
func (c *Client) State() State {
	if c.brk.refusing() {
		return StateCircuitOpen
	}
	return State(c.state.Load())
}

// Connected reports whether the connection is up and the breaker closed.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Failures returns the failures recorded since the last success.
func (c *Client) Failures() int32 {
	return c.brk.failures()
}

// Backoff returns how long the next breaker trip will last.
func (c *Client) Backoff() time.Duration {
	return c.brk.nextBackoff()
}

// Reconnects returns how often the connection has been re-established.
func (c *Client) Reconnects() int32 {
	return c.reconnects.Load()
}

func (c *Client) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if c.s.metrics != nil {
		c.s.metrics.RecordNATSStatus(s == StateConnected)
	}
	if prev != s && c.s.onState != nil {
		c.s.onState(s)
	}
}

// breakerChanged runs under the breaker lock and must not read the state.
func (c *Client) breakerChanged(state BreakerState, wait time.Duration) {
	switch state {
	case BreakerOpen:
		c.logger.Warn("NATS circuit breaker opened", "backoff", wait)
	case BreakerHalfOpen:
		c.logger.Debug("NATS circuit breaker half-open")
	case BreakerClosed:
		c.logger.Info("NATS circuit breaker closed")
	}
	if c.s.metrics != nil {
		c.s.metrics.RecordCircuitBreakerState(int(state))
		if state == BreakerOpen {
			c.s.metrics.RecordNATSStatus(false)
		}
	}
}

func (c *Client) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.s.maxReconnects),
		nats.ReconnectWait(c.s.reconnectWait),
		nats.Timeout(c.s.connectTimeout),
		nats.DrainTimeout(c.s.drainTimeout),
		nats.PingInterval(c.s.pingInterval),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ReconnectHandler(c.onReconnect),
		nats.ClosedHandler(c.onClosed),
		nats.ErrorHandler(c.onAsyncError),
	}
	if c.s.name != "" {
		opts = append(opts, nats.Name(c.s.name))
	}
	return append(opts, c.s.auth.natsOptions()...)
}

type dialResult struct {
	conn *nats.Conn
	err  error
}

// Connect dials the server and sets up JetStream. It gives up when ctx ends;
// a dial that completes afterwards is closed.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(ErrNotConnected, "Client", "Connect", "connect closed client")
	}
	if c.brk.refusing() {
		return ErrCircuitOpen
	}

	c.setState(StateConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	dialed := make(chan dialResult, 1)
	opts := c.natsOptions()
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		dialed <- dialResult{conn: conn, err: err}
	}()

	var conn *nats.Conn
	select {
	case r := <-dialed:
		if r.err != nil {
			return c.dialFailed(errors.WrapTransient(r.err, "Client", "Connect", "establish connection"))
		}
		conn = r.conn
	case <-ctx.Done():
		go func() {
			if r := <-dialed; r.conn != nil {
				r.conn.Close()
			}
		}()
		return c.dialFailed(errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled"))
	}

	js, err := jetstream.New(conn)
	if err != nil {
		c.logger.Warn("JetStream unavailable", "error", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()

	c.setState(StateConnected)
	c.brk.success()
	c.logger.Info("Connected to NATS", "url", conn.ConnectedUrlRedacted())

	if c.s.probeInterval > 0 {
		c.startProbe()
	}
	return nil
}

func (c *Client) dialFailed(err error) error {
	c.brk.failure()
	c.setState(StateDisconnected)
	if c.brk.refusing() {
		return ErrCircuitOpen
	}
	return err
}

// WaitForConnection blocks until the client is connected or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := c.s.clock.Ticker(10 * time.Millisecond)
	defer ticker.Stop()

	for !c.Connected() {
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
		}
	}
	return nil
}

// Close unsubscribes and drains the connection, bounded by ctx and the drain
// timeout. Later calls do nothing.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	if c.stopProbe != nil {
		c.stopProbe()
		c.stopProbe = nil
	}
	subs, conn := c.subs, c.conn
	c.subs, c.conn, c.js = nil, nil, nil
	c.mu.Unlock()

	var errs error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = multierr.Append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe "+sub.Subject))
		}
	}
	if conn != nil {
		errs = multierr.Append(errs, c.drain(ctx, conn))
	}

	c.s.auth = Auth{}
	c.setState(StateDisconnected)
	if errs != nil {
		c.logger.Error("NATS client closed with errors", "error", errs)
	}
	return errs
}

func (c *Client) drain(ctx context.Context, conn *nats.Conn) error {
	defer conn.Close()

	limit := c.s.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 && left < limit {
			limit = left
		}
	}

	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	timer := c.s.clock.Timer(limit)
	defer timer.Stop()
	select {
	case err := <-drained:
		return errors.Wrap(err, "Client", "Close", "drain connection")
	case <-timer.C:
		return errors.WrapTransient(fmt.Errorf("drain timeout after %v", limit), "Client", "Close", "drain connection")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
	}
}

func (c *Client) liveConn() (*nats.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || !c.conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// RTT returns the round-trip time to the server.
func (c *Client) RTT() (time.Duration, error) {
	conn, err := c.liveConn()
	if err != nil {
		return 0, err
	}
	return conn.RTT()
}

// Subscribe calls handler with the payload of every message on subject. The
// handler context is ctx. Subscriptions end with Close.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(ctx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe to "+subject)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Publish sends data on subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	return conn.Publish(subject, data)
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush(ctx context.Context) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	return conn.FlushWithContext(ctx)
}

func (c *Client) jetStream() (jetstream.JetStream, error) {
	switch c.State() {
	case StateCircuitOpen:
		return nil, ErrCircuitOpen
	case StateConnected:
	default:
		return nil, ErrNotConnected
	}

	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()
	if js == nil {
		c.brk.failure()
		return nil, errors.WrapTransient(stderrors.New("JetStream not initialized"), "Client", "jetStream", "get JetStream context")
	}
	return js, nil
}

// EnsureBucket opens the key-value bucket named in cfg, creating it with cfg
// when it does not exist. Losing a creation race to another node is not an
// error.
func (c *Client) EnsureBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.jetStream()
	if err != nil {
		return nil, err
	}

	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if stderrors.Is(err, jetstream.ErrBucketNotFound) {
		bucket, err = js.CreateKeyValue(ctx, cfg)
		switch {
		case err == nil:
			c.logger.Info("Created KV bucket", "bucket", cfg.Bucket)
		case isAlreadyExistsError(err):
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
		}
	}
	if err != nil {
		c.brk.failure()
		return nil, errors.WrapTransient(err, "Client", "EnsureBucket", "open bucket "+cfg.Bucket)
	}
	c.brk.success()
	return bucket, nil
}

func (c *Client) onDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setState(StateReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)
}

func (c *Client) onReconnect(conn *nats.Conn) {
	c.setState(StateConnected)
	c.brk.success()
	c.reconnects.Add(1)
	if c.s.metrics != nil {
		c.s.metrics.RecordNATSReconnect()
	}
	c.logger.Info("NATS reconnected", "url", conn.ConnectedUrlRedacted())
}

func (c *Client) onClosed(_ *nats.Conn) {
	c.setState(StateDisconnected)
}

func (c *Client) onAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Error("NATS subscription error", "subject", sub.Subject, "error", err)
		return
	}
	c.logger.Error("NATS error", "error", err)
}

// startProbe measures RTT every probe interval and moves the state between
// connected and reconnecting when the link comes and goes underneath the
// client's own handlers.
func (c *Client) startProbe() {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.stopProbe != nil {
		c.stopProbe()
	}
	c.stopProbe = cancel
	c.mu.Unlock()

	go func() {
		ticker := c.s.clock.Ticker(c.s.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			c.probe()
		}
	}()
}

func (c *Client) probe() {
	rtt, err := c.RTT()
	state := State(c.state.Load())
	switch {
	case err == nil:
		if c.s.metrics != nil {
			c.s.metrics.RecordNATSRTT(rtt)
		}
		if state == StateReconnecting {
			c.setState(StateConnected)
		}
	case state == StateConnected:
		c.logger.Warn("NATS probe failed", "error", err)
		c.setState(StateReconnecting)
	}
}

func isAlreadyExistsError(err error) bool {
	if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "already in use")
}
