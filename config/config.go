package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/c360/mbus/bus"
	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/network"
	"github.com/c360/mbus/route"
	"github.com/c360/mbus/throttle"
)

// Session kinds started by the daemon.
const (
	SessionEcho  = "echo"
	SessionRelay = "relay"
)

// Config is the configuration of one bus node.
type Config struct {
	Version  string             `json:"version"`
	Identity string             `json:"identity"`
	NATS     NATSConfig         `json:"nats"`
	Routing  route.Spec         `json:"routing"`
	Throttle throttle.Config    `json:"throttle"`
	Retry    errors.RetryConfig `json:"retry"`
	Bus      bus.Config         `json:"bus"`
	Sessions []SessionConfig    `json:"sessions,omitempty"`
	Metrics  MetricsConfig      `json:"metrics"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Defaults()
	}
	return &SafeConfig{config: cfg.Clone()}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration after validating it.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	sc.config = cfg.Clone()
	sc.mu.Unlock()
	return nil
}

// Clone creates a deep copy of the configuration through its JSON form.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil
	}
	return &clone
}

// NATSConfig selects and configures the NATS network. The embedded
// network.NATSConfig carries the subject and bucket layout.
type NATSConfig struct {
	Enabled       bool          `json:"enabled"`
	URLs          []string      `json:"urls"`
	MaxReconnects int           `json:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	// Watch keeps the routing tables in sync with the config KV bucket.
	Watch bool `json:"watch"`

	network.NATSConfig
}

// SessionConfig declares a session the daemon creates at startup.
type SessionConfig struct {
	Name string `json:"name"`
	// Kind is SessionEcho (a destination answering with the message value) or
	// SessionRelay (an intermediate forwarding along Route).
	Kind string `json:"kind"`
	// Route replaces the remaining route of relayed messages; empty keeps it.
	Route string `json:"route,omitempty"`
}

// MetricsConfig configures the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// Defaults returns the configuration used before any layer is applied.
func Defaults() *Config {
	return &Config{
		Version:  "1.0.0",
		Identity: "local",
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Watch:         true,
			NATSConfig:    network.DefaultNATSConfig(),
		},
		Throttle: throttle.DefaultConfig(),
		Retry:    errors.DefaultRetryConfig(),
		Bus:      bus.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs error

	if c.Identity == "" {
		errs = multierr.Append(errs, fmt.Errorf("identity is required"))
	} else if strings.ContainsAny(c.Identity, "/ \t") {
		errs = multierr.Append(errs, fmt.Errorf("identity %q must not contain '/' or whitespace", c.Identity))
	}

	if c.Version != "" {
		if _, err := parseVersion(c.Version); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("version: %w", err))
		}
	}

	if c.NATS.Enabled {
		if len(c.NATS.URLs) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("nats.urls is required when nats is enabled"))
		}
		if !isValidNATSSubjectPart(c.NATS.SubjectPrefix) {
			errs = multierr.Append(errs, fmt.Errorf("nats.subject_prefix %q is not a valid subject token", c.NATS.SubjectPrefix))
		}
		if c.NATS.ServicesBucket == "" {
			errs = multierr.Append(errs, fmt.Errorf("nats.services_bucket is required when nats is enabled"))
		}
	}

	if len(c.Routing.Tables) > 0 {
		if err := c.Routing.Validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("routing: %w", err))
		}
	}
	if err := c.Throttle.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("throttle: %w", err))
	}
	if err := c.Bus.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("bus: %w", err))
	}
	errs = multierr.Append(errs, validateRetry(c.Retry))
	errs = multierr.Append(errs, validateSessions(c.Sessions))

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = multierr.Append(errs, fmt.Errorf("metrics.port %d out of range", c.Metrics.Port))
	}

	if errs != nil {
		return errors.WrapInvalid(errs, "Config", "Validate", "configuration check")
	}
	return nil
}

func validateRetry(rc errors.RetryConfig) error {
	var errs error
	if rc.MaxRetries < 0 {
		errs = multierr.Append(errs, fmt.Errorf("retry.max_retries must not be negative"))
	}
	if rc.InitialDelay < 0 || rc.MaxDelay < 0 {
		errs = multierr.Append(errs, fmt.Errorf("retry delays must not be negative"))
	}
	if rc.MaxDelay > 0 && rc.MaxDelay < rc.InitialDelay {
		errs = multierr.Append(errs, fmt.Errorf("retry.max_delay %v below initial_delay %v", rc.MaxDelay, rc.InitialDelay))
	}
	if rc.BackoffFactor != 0 && rc.BackoffFactor < 1 {
		errs = multierr.Append(errs, fmt.Errorf("retry.backoff_factor %v must be at least 1", rc.BackoffFactor))
	}
	return errs
}

func validateSessions(sessions []SessionConfig) error {
	var errs error
	seen := make(map[string]bool, len(sessions))
	for i, s := range sessions {
		switch {
		case s.Name == "":
			errs = multierr.Append(errs, fmt.Errorf("sessions[%d]: name is required", i))
			continue
		case strings.Contains(s.Name, "/"):
			errs = multierr.Append(errs, fmt.Errorf("sessions[%d]: name %q must not contain '/'", i, s.Name))
		case seen[s.Name]:
			errs = multierr.Append(errs, fmt.Errorf("sessions[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true

		switch s.Kind {
		case SessionEcho:
			if s.Route != "" {
				errs = multierr.Append(errs, fmt.Errorf("sessions[%d]: route is only valid for relay sessions", i))
			}
		case SessionRelay:
		default:
			errs = multierr.Append(errs, fmt.Errorf("sessions[%d]: unknown kind %q", i, s.Kind))
		}
	}
	return errs
}

// isValidNATSSubjectPart checks a single subject token.
func isValidNATSSubjectPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r == '.' || r == '*' || r == '>' || r == ' ' || r == '\t' || r == '\n' {
			return false
		}
	}
	return true
}

// SaveToFile writes the configuration as JSON, or YAML for .yaml/.yml paths.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// Round-trip through a map so YAML keys match the JSON tags.
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if data, err = yaml.Marshal(m); err != nil {
			return err
		}
	}
	return writeDocument(path, data)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
