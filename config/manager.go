package config

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/natsclient"
	"github.com/c360/mbus/route"
)

// DefaultBucket is the KV bucket holding the shared configuration.
const DefaultBucket = "mbus_config"

// KV keys, one per shared section.
const (
	KeyVersion  = "version"
	KeyRouting  = "routing"
	KeyThrottle = "throttle"
	KeyRetry    = "retry"
	KeyBus      = "bus"
	KeySessions = "sessions"
)

// Update is sent to subscribers when a key of the bucket changed.
type Update struct {
	Path   string      // changed key, e.g. "routing"
	Config *SafeConfig // configuration after the change
}

// RoutingTarget installs routing tables. *bus.MessageBus implements it.
type RoutingTarget interface {
	SetupRouting(spec route.Spec) error
}

type subscription struct {
	pattern string
	ch      chan Update
}

// Manager keeps the node configuration in sync with the config KV bucket and
// hot-swaps the routing tables of its target when the routing key changes.
type Manager struct {
	config  *SafeConfig
	kv      jetstream.KeyValue
	kvStore *natsclient.KVStore
	target  RoutingTarget
	bucket  string
	logger  *slog.Logger

	mu     sync.Mutex
	subs   []subscription
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRoutingTarget sets the component receiving routing updates.
func WithRoutingTarget(t RoutingTarget) ManagerOption {
	return func(m *Manager) { m.target = t }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithBucket overrides DefaultBucket.
func WithBucket(name string) ManagerOption {
	return func(m *Manager) {
		if name != "" {
			m.bucket = name
		}
	}
}

// NewConfigManager creates the manager and its KV bucket.
func NewConfigManager(ctx context.Context, cfg *Config, client *natsclient.Client, opts ...ManagerOption) (*Manager, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewConfigManager", "nil config")
	}
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewConfigManager", "nil nats client")
	}

	cm := &Manager{
		config: NewSafeConfig(cfg),
		bucket: DefaultBucket,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(cm)
	}
	cm.logger = cm.logger.With("component", "config", "bucket", cm.bucket)

	kv, err := client.EnsureBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cm.bucket,
		Description: "mbus shared configuration",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Manager", "NewConfigManager", "create config bucket")
	}
	cm.kv = kv
	cm.kvStore = client.NewKVStore(kv)
	return cm, nil
}

// GetConfig returns the current configuration
func (cm *Manager) GetConfig() *SafeConfig {
	return cm.config
}

// OnChange subscribes to keys matching pattern, an exact key or a prefix
// ending in "*". The current configuration is sent at once. Slow readers
// miss intermediate updates; every update carries the whole configuration.
// The channel is closed by Stop.
func (cm *Manager) OnChange(pattern string) <-chan Update {
	ch := make(chan Update, 1)
	ch <- Update{Path: pattern, Config: cm.config}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.closed {
		close(ch)
		return ch
	}
	cm.subs = append(cm.subs, subscription{pattern: pattern, ch: ch})
	return ch
}

// syncSource is where Start takes the configuration from.
type syncSource int

const (
	fromFile syncSource = iota
	fromBucket
)

func (s syncSource) String() string {
	if s == fromFile {
		return "file"
	}
	return "bucket"
}

// chooseSource reconciles the file version with the published one. An empty
// bucket is seeded from the file. Otherwise the newer version wins, and a tie
// or an unreadable version goes to the bucket so runtime edits survive
// restarts.
func chooseSource(bucketEmpty bool, fileVersion, kvVersion string) (syncSource, string) {
	if bucketEmpty {
		return fromFile, "bucket empty"
	}
	cmp, err := CompareVersions(fileVersion, kvVersion)
	switch {
	case err != nil:
		return fromBucket, "versions not comparable"
	case cmp > 0:
		return fromFile, "file version newer"
	case cmp < 0:
		return fromBucket, "bucket version newer, bump the file version to replace it"
	default:
		return fromBucket, "versions match"
	}
}

// Start reconciles the file configuration with the bucket and watches the
// bucket until Stop or until ctx ends.
func (cm *Manager) Start(ctx context.Context) error {
	cm.mu.Lock()
	running := cm.closed || cm.done != nil
	cm.mu.Unlock()
	if running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Manager", "Start", "start manager")
	}

	empty, err := cm.bucketEmpty(ctx)
	if err != nil {
		cm.logger.Warn("Failed to list config bucket", "error", err)
	}
	fileVersion, kvVersion := cm.config.Get().Version, ""
	if !empty {
		kvVersion = cm.getKVVersion(ctx)
	}
	source, reason := chooseSource(empty, fileVersion, kvVersion)
	cm.logger.Info("Reconciling configuration", "source", source, "reason", reason,
		"file_version", fileVersion, "kv_version", kvVersion)
	if source == fromFile {
		if err := cm.PushToKV(ctx); err != nil {
			cm.logger.Error("Failed to push file config", "error", err)
		}
	} else {
		cm.syncFromKV(ctx)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := cm.kv.WatchAll(watchCtx, jetstream.UpdatesOnly())
	if err != nil {
		cancel()
		return errors.WrapTransient(err, "Manager", "Start", "watch config bucket")
	}
	done := make(chan struct{})

	cm.mu.Lock()
	cm.cancel, cm.done = cancel, done
	cm.mu.Unlock()

	go cm.watch(watchCtx, watcher, done)
	return nil
}

// Stop ends the watch, waiting at most timeout for it, and closes every
// subscriber channel.
func (cm *Manager) Stop(timeout time.Duration) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	cancel, done := cm.cancel, cm.done
	cm.mu.Unlock()

	if cancel != nil {
		cancel()
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			cm.logger.Warn("Manager shutdown timeout", "timeout", timeout)
		}
	}

	cm.mu.Lock()
	for _, sub := range cm.subs {
		close(sub.ch)
	}
	cm.subs = nil
	cm.mu.Unlock()
	return nil
}

func (cm *Manager) watch(ctx context.Context, watcher jetstream.KeyWatcher, done chan<- struct{}) {
	defer close(done)
	defer func() { _ = watcher.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				// end of the initial values
				continue
			}
			value := entry.Value()
			if entry.Operation() != jetstream.KeyValuePut {
				value = nil
			}
			cm.handleUpdate(entry.Key(), value)
		}
	}
}

func (cm *Manager) isClosed() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.closed
}

// handleUpdate applies one key and notifies matching subscribers.
func (cm *Manager) handleUpdate(key string, value []byte) {
	if cm.isClosed() {
		return
	}
	changed, err := cm.updateConfig(key, value)
	if err != nil {
		cm.logger.Error("Rejected configuration update", "key", key, "error", err)
		return
	}
	if !changed {
		return
	}

	update := Update{Path: key, Config: cm.config}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.closed {
		return
	}
	for _, sub := range cm.subs {
		if !matchKey(sub.pattern, key) {
			continue
		}
		select {
		case sub.ch <- update:
		default:
		}
	}
}

// matchKey reports whether key matches pattern: an exact key, "*", or a
// prefix ending in "*".
func matchKey(pattern, key string) bool {
	prefix, wildcard := strings.CutSuffix(pattern, "*")
	if !wildcard {
		return pattern == key
	}
	return strings.HasPrefix(key, prefix)
}

// updateConfig applies one KV entry. A nil value is a deletion; deleting the
// routing key clears the tables, other deletions are ignored. Routing updates
// reach the target before the configuration is stored, so a rejected spec
// leaves both untouched.
func (cm *Manager) updateConfig(key string, value []byte) (bool, error) {
	if len(value) > maxDocumentSize {
		return false, fmt.Errorf("config value too large: %d bytes > %d", len(value), maxDocumentSize)
	}
	if len(value) > 0 {
		if err := checkNesting(value); err != nil {
			return false, fmt.Errorf("invalid JSON structure in KV update: %w", err)
		}
	}

	next := cm.config.Get()
	var err error

	switch key {
	case KeyVersion:
		if value == nil {
			return false, nil
		}
		err = json.Unmarshal(value, &next.Version)
	case KeyRouting:
		next.Routing = route.Spec{}
		if value != nil {
			err = decodeSection(value, &next.Routing)
		}
	case KeyThrottle:
		if value == nil {
			return false, nil
		}
		err = decodeSection(value, &next.Throttle)
	case KeyRetry:
		if value == nil {
			return false, nil
		}
		err = decodeSection(value, &next.Retry)
	case KeyBus:
		if value == nil {
			return false, nil
		}
		err = decodeSection(value, &next.Bus)
	case KeySessions:
		next.Sessions = nil
		if value != nil {
			err = decodeSection(value, &next.Sessions)
		}
	default:
		cm.logger.Debug("Ignoring unknown config key", "key", key)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}

	if err := next.Validate(); err != nil {
		return false, err
	}

	if key == KeyRouting && cm.target != nil {
		if err := cm.target.SetupRouting(next.Routing); err != nil {
			return false, err
		}
		cm.logger.Info("Routing tables replaced", "tables", len(next.Routing.Tables))
	}

	return true, cm.config.Update(next)
}

// decodeSection unmarshals a section that may use duration strings.
func decodeSection(value []byte, dst any) error {
	var raw any
	if err := json.Unmarshal(value, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case map[string]any:
		if err := parseDurations(v); err != nil {
			return err
		}
	case []any:
		if err := parseDurations(map[string]any{"items": v}); err != nil {
			return err
		}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// PushToKV publishes every shared section of the current configuration.
func (cm *Manager) PushToKV(ctx context.Context) error {
	cfg := cm.config.Get()

	sections := []struct {
		key   string
		value any
	}{
		{KeyRouting, cfg.Routing},
		{KeyThrottle, cfg.Throttle},
		{KeyRetry, cfg.Retry},
		{KeyBus, cfg.Bus},
	}
	if len(cfg.Sessions) > 0 {
		sections = append(sections, struct {
			key   string
			value any
		}{KeySessions, cfg.Sessions})
	}
	// Version goes last so readers never see a new version with old sections.
	if cfg.Version != "" {
		sections = append(sections, struct {
			key   string
			value any
		}{KeyVersion, cfg.Version})
	}

	for _, s := range sections {
		if s.key == KeyVersion {
			if err := cm.publishVersion(ctx, cfg.Version); err != nil {
				return errors.WrapTransient(err, "Manager", "PushToKV", "publish version")
			}
			continue
		}
		data, err := json.Marshal(s.value)
		if err != nil {
			return errors.Wrap(err, "Manager", "PushToKV", "marshal "+s.key)
		}
		if _, err := cm.kvStore.Put(ctx, s.key, data); err != nil {
			return errors.WrapTransient(err, "Manager", "PushToKV", "put "+s.key)
		}
	}
	cm.logger.Info("Pushed config to KV", "version", cfg.Version, "keys", len(sections))
	return nil
}

// publishVersion raises the published version to version. A newer version
// already in the bucket is left alone, so nodes pushing at the same time
// never move it backwards.
func (cm *Manager) publishVersion(ctx context.Context, version string) error {
	return cm.kvStore.Modify(ctx, KeyVersion, func(current []byte) ([]byte, error) {
		if current != nil {
			var published string
			if err := json.Unmarshal(current, &published); err == nil {
				if cmp, err := CompareVersions(version, published); err == nil && cmp <= 0 {
					if cmp < 0 {
						cm.logger.Warn("Bucket holds a newer version, keeping it",
							"version", version, "kv_version", published)
					}
					return current, nil
				}
			}
		}
		return json.Marshal(version)
	})
}

// bucketEmpty reports whether the bucket holds no keys. A listing error
// counts as empty so a fresh node still seeds the bucket.
func (cm *Manager) bucketEmpty(ctx context.Context) (bool, error) {
	keys, err := cm.kv.Keys(ctx)
	switch {
	case stderrors.Is(err, jetstream.ErrNoKeysFound):
		return true, nil
	case err != nil:
		return true, fmt.Errorf("list KV keys: %w", err)
	}
	return len(keys) == 0, nil
}

// getKVVersion returns the published version, or 0.0.0 when there is none.
func (cm *Manager) getKVVersion(ctx context.Context) string {
	entry, err := cm.kvStore.Get(ctx, KeyVersion)
	if err != nil {
		return "0.0.0"
	}
	var version string
	if err := json.Unmarshal(entry.Value, &version); err != nil {
		cm.logger.Warn("Failed to parse KV version, treating as 0.0.0", "error", err)
		return "0.0.0"
	}
	return version
}

// syncFromKV applies every key in the bucket. Version is applied last.
func (cm *Manager) syncFromKV(ctx context.Context) {
	keys, err := cm.kv.Keys(ctx)
	if err != nil {
		cm.logger.Warn("Failed to list KV keys", "error", err)
		return
	}

	ordered := make([]string, 0, len(keys))
	hasVersion := false
	for _, k := range keys {
		if k == KeyVersion {
			hasVersion = true
			continue
		}
		ordered = append(ordered, k)
	}
	if hasVersion {
		ordered = append(ordered, KeyVersion)
	}

	for _, key := range ordered {
		entry, err := cm.kvStore.Get(ctx, key)
		if err != nil {
			cm.logger.Warn("Failed to get KV entry during sync", "key", key, "error", err)
			continue
		}
		if _, err := cm.updateConfig(key, entry.Value); err != nil {
			cm.logger.Warn("Failed to apply KV config during sync", "key", key, "error", err)
		}
	}
	cm.logger.Info("Synced configuration from KV", "keys", len(ordered))
}
