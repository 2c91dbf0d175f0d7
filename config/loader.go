package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/c360/mbus/errors"
)

// DefaultEnvPrefix names the variables that override file layers.
const DefaultEnvPrefix = "MBUS"

// Loader builds a Config from the defaults, a stack of files and the
// environment, in that order of precedence.
type Loader struct {
	envPrefix string
	validate  bool
	lookupEnv func(string) (string, bool)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithValidation makes Load reject a config that fails Validate.
func WithValidation() LoaderOption {
	return func(l *Loader) { l.validate = true }
}

// WithEnvPrefix changes the prefix of override variables.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) { l.envPrefix = prefix }
}

// WithEnvLookup replaces os.LookupEnv.
func WithEnvLookup(lookup func(string) (string, bool)) LoaderOption {
	return func(l *Loader) { l.lookupEnv = lookup }
}

// NewLoader creates a loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{envPrefix: DefaultEnvPrefix, lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load merges layers over the defaults, later layers winning key by key, and
// applies environment overrides last. Lists are replaced, not merged.
func (l *Loader) Load(layers ...string) (*Config, error) {
	doc, err := toDocument(Defaults())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}
	for _, path := range layers {
		layer, err := readLayer(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		mergeDocuments(doc, layer)
	}

	cfg, err := fromDocument(doc)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode merged layers")
	}
	if err := l.applyEnv(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "environment overrides")
	}
	if l.validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadFile loads one file over the defaults without validating it.
func LoadFile(path string) (*Config, error) {
	return NewLoader(WithEnvLookup(noEnv)).Load(path)
}

func noEnv(string) (string, bool) { return "", false }

func toDocument(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	return doc, json.Unmarshal(data, &doc)
}

func fromDocument(doc map[string]any) (*Config, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// readLayer decodes a file into a generic document. YAML is recognised by
// extension, everything else is JSON.
func readLayer(path string) (map[string]any, error) {
	data, err := readDocument(path)
	if err != nil {
		return nil, err
	}

	var layer map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := checkNesting(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	return layer, parseDurations(layer)
}

// mergeDocuments writes layer into doc. Nested objects merge, everything
// else replaces, and nulls are skipped.
func mergeDocuments(doc, layer map[string]any) {
	for key, value := range layer {
		if value == nil {
			continue
		}
		sub, isMap := value.(map[string]any)
		target, hasMap := doc[key].(map[string]any)
		if isMap && hasMap {
			mergeDocuments(target, sub)
			continue
		}
		doc[key] = value
	}
}

var durationSuffixes = []string{"_timeout", "_wait", "_delay", "_interval", "_time", "ttl"}

func isDurationKey(key string) bool {
	for _, suffix := range durationSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// parseDurations rewrites duration strings under duration keys as
// nanoseconds so they decode into time.Duration fields.
func parseDurations(data map[string]any) error {
	for k, v := range data {
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val); err != nil {
				return err
			}
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					if err := parseDurations(m); err != nil {
						return err
					}
				}
			}
		case string:
			if !isDurationKey(k) {
				continue
			}
			d, err := parseDuration(val)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			data[k] = d.Nanoseconds()
		}
	}
	return nil
}

// parseDuration extends time.ParseDuration with whole days ("2d").
func parseDuration(s string) (time.Duration, error) {
	days, ok := strings.CutSuffix(s, "d")
	if !ok {
		return time.ParseDuration(s)
	}
	n, err := strconv.Atoi(days)
	if err != nil {
		return 0, fmt.Errorf("invalid day count %q", s)
	}
	return time.Duration(n) * 24 * time.Hour, nil
}

// envOverride applies one variable, named without the prefix.
type envOverride struct {
	key   string
	apply func(cfg *Config, value string) error
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		*field(cfg) = value
		return nil
	}
}

var envOverrides = []envOverride{
	{"IDENTITY", setString(func(c *Config) *string { return &c.Identity })},
	{"NATS_USERNAME", setString(func(c *Config) *string { return &c.NATS.Username })},
	{"NATS_PASSWORD", setString(func(c *Config) *string { return &c.NATS.Password })},
	{"NATS_TOKEN", setString(func(c *Config) *string { return &c.NATS.Token })},
	{"NATS_SUBJECT_PREFIX", setString(func(c *Config) *string { return &c.NATS.SubjectPrefix })},
	{"METRICS_PATH", setString(func(c *Config) *string { return &c.Metrics.Path })},
	{"NATS_URLS", func(c *Config, value string) error {
		c.NATS.URLs = strings.Split(value, ",")
		c.NATS.Enabled = true
		return nil
	}},
	{"METRICS_PORT", func(c *Config, value string) error {
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.Metrics.Port = port
		return nil
	}},
	{"DEFAULT_TIMEOUT", func(c *Config, value string) error {
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		c.Bus.DefaultTimeout = d
		return nil
	}},
}

// applyEnv applies every set override and reports all that failed.
func (l *Loader) applyEnv(cfg *Config) error {
	var errs error
	for _, o := range envOverrides {
		name := l.envPrefix + "_" + o.key
		value, ok := l.lookupEnv(name)
		if !ok || value == "" {
			continue
		}
		if err := checkEnvValue(name, value); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := o.apply(cfg, value); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errs
}
