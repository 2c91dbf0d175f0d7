package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go"

	"github.com/c360/mbus/metric"
)

// Option configures a Client.
type Option func(*settings) error

// Auth holds credentials for the server. Token wins when both are set.
type Auth struct {
	Username string
	Password string
	Token    string
}

func (a Auth) natsOptions() []nats.Option {
	switch {
	case a.Token != "":
		return []nats.Option{nats.Token(a.Token)}
	case a.Username != "":
		return []nats.Option{nats.UserInfo(a.Username, a.Password)}
	default:
		return nil
	}
}

type settings struct {
	name    string
	logger  *slog.Logger
	metrics *metric.Metrics
	clock   clock.Clock
	auth    Auth

	maxReconnects  int
	reconnectWait  time.Duration
	connectTimeout time.Duration
	drainTimeout   time.Duration
	pingInterval   time.Duration
	probeInterval  time.Duration

	breakerThreshold  int
	breakerMaxBackoff time.Duration

	onState func(State)
}

func defaultSettings() settings {
	return settings{
		logger:            slog.Default(),
		clock:             clock.New(),
		maxReconnects:     -1,
		reconnectWait:     2 * time.Second,
		connectTimeout:    5 * time.Second,
		drainTimeout:      30 * time.Second,
		pingInterval:      30 * time.Second,
		probeInterval:     10 * time.Second,
		breakerThreshold:  5,
		breakerMaxBackoff: time.Minute,
	}
}

// WithName sets the connection name the server shows for this client.
func WithName(name string) Option {
	return func(s *settings) error {
		s.name = name
		return nil
	}
}

// WithLogger sets the logger. nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithMetrics reports connection state, RTT, reconnects and the circuit
// breaker position.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(s *settings) error {
		s.metrics = metrics
		return nil
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *settings) error {
		if clk != nil {
			s.clock = clk
		}
		return nil
	}
}

// WithAuth sets the credentials presented on connect.
func WithAuth(auth Auth) Option {
	return func(s *settings) error {
		s.auth = auth
		return nil
	}
}

// WithReconnect bounds automatic reconnection. max of -1 retries forever,
// 0 disables reconnecting.
func WithReconnect(max int, wait time.Duration) Option {
	return func(s *settings) error {
		if wait < 0 {
			return fmt.Errorf("reconnect wait cannot be negative, got %v", wait)
		}
		s.maxReconnects = max
		s.reconnectWait = wait
		return nil
	}
}

// WithTimeouts sets the dial timeout and the time Close may spend draining.
// Zero keeps the current value.
func WithTimeouts(connect, drain time.Duration) Option {
	return func(s *settings) error {
		if connect > 0 {
			s.connectTimeout = connect
		}
		if drain > 0 {
			s.drainTimeout = drain
		}
		return nil
	}
}

// WithProbeInterval sets how often a connected client measures RTT and
// checks the link. Zero disables probing.
func WithProbeInterval(d time.Duration) Option {
	return func(s *settings) error {
		s.probeInterval = d
		return nil
	}
}

// WithBreaker sets how many failures trip the circuit breaker and the
// longest a trip may last.
func WithBreaker(threshold int, maxBackoff time.Duration) Option {
	return func(s *settings) error {
		if threshold < 1 {
			return fmt.Errorf("breaker threshold must be positive, got %d", threshold)
		}
		if maxBackoff < initialBreakerBackoff {
			return fmt.Errorf("breaker max backoff must be at least %v, got %v", initialBreakerBackoff, maxBackoff)
		}
		s.breakerThreshold = threshold
		s.breakerMaxBackoff = maxBackoff
		return nil
	}
}

// WithStateListener calls fn on every connection state change. fn runs on
// the goroutine that caused the change and must not block.
func WithStateListener(fn func(State)) Option {
	return func(s *settings) error {
		s.onState = fn
		return nil
	}
}
