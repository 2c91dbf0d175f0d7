package natsclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/mbus/pkg/retry"
)

var (
	ErrKVKeyNotFound      = errors.New("kv: key not found")
	ErrKVKeyExists        = errors.New("kv: key already exists")
	ErrKVRevisionMismatch = errors.New("kv: revision mismatch (concurrent update)")
	ErrKVContended        = errors.New("kv: too many concurrent updates")
)

// KVEntry is a value with the revision it was read at.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions tunes a KVStore.
type KVOptions struct {
	// Per call timeout. Zero leaves the caller's context alone.
	Timeout      time.Duration
	MaxValueSize int
	// Compare-and-swap loop of Modify.
	CASAttempts int
	CASBackoff  retry.Backoff
}

// DefaultKVOptions returns the options the registries use.
func DefaultKVOptions() KVOptions {
	return KVOptions{
		Timeout:      5 * time.Second,
		MaxValueSize: 1 << 20,
		CASAttempts:  11,
		CASBackoff: retry.Backoff{
			Initial: 10 * time.Millisecond,
			Max:     time.Second,
			Jitter:  true,
		},
	}
}

// KVStore puts per call timeouts, size limits and typed errors around a
// bucket.
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  *slog.Logger
}

// NewKVStore wraps bucket and logs through the client's logger.
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger.With("bucket", bucket.Bucket()),
	}
}

// Bucket returns the wrapped bucket.
func (kv *KVStore) Bucket() jetstream.KeyValue {
	return kv.bucket
}

func (kv *KVStore) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, kv.options.Timeout)
}

// translate maps bucket errors onto the store's sentinels. conflict is what a
// revision or existence clash becomes for this call.
func translate(op, key string, err error, conflict error) error {
	switch {
	case err == nil:
		return nil
	case IsKVNotFoundError(err):
		return ErrKVKeyNotFound
	case conflict != nil && IsKVConflictError(err):
		return conflict
	default:
		return fmt.Errorf("kv %s %s: %w", op, key, err)
	}
}

// Get reads key. A missing or deleted key is ErrKVKeyNotFound.
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		return nil, translate("get", key, err, nil)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// write runs one size-checked, bounded write and logs the new revision.
func (kv *KVStore) write(ctx context.Context, op, key string, value []byte, conflict error,
	fn func(context.Context) (uint64, error)) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	rev, err := fn(ctx)
	if err != nil {
		return 0, translate(op, key, err, conflict)
	}
	kv.logger.Debug("KV "+op, "key", key, "revision", rev)
	return rev, nil
}

// Put writes value whatever the current revision.
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return kv.write(ctx, "put", key, value, nil, func(ctx context.Context) (uint64, error) {
		return kv.bucket.Put(ctx, key, value)
	})
}

// Create writes value only if key does not exist. Otherwise ErrKVKeyExists.
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return kv.write(ctx, "create", key, value, ErrKVKeyExists, func(ctx context.Context) (uint64, error) {
		return kv.bucket.Create(ctx, key, value)
	})
}

// Update writes value only if key is still at revision. Otherwise
// ErrKVRevisionMismatch.
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	return kv.write(ctx, "update", key, value, ErrKVRevisionMismatch, func(ctx context.Context) (uint64, error) {
		return kv.bucket.Update(ctx, key, value, revision)
	})
}

// Modify replaces the value of key with fn(current) using compare-and-swap,
// starting over with a fresh read when another writer got in first. fn sees
// nil for a missing key and may be called several times. Returning the
// current slice unchanged skips the write.
func (kv *KVStore) Modify(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	cfg := retry.Config{Attempts: kv.options.CASAttempts, Backoff: kv.options.CASBackoff}

	err := retry.Do(ctx, cfg, func(attempt int) error {
		entry, err := kv.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrKVKeyNotFound) {
			return retry.Permanent(err)
		}
		var current []byte
		if entry != nil {
			current = entry.Value
		}

		next, err := fn(current)
		if err != nil {
			return retry.Permanent(fmt.Errorf("kv modify %s: %w", key, err))
		}
		if (entry == nil && next == nil) || (entry != nil && bytes.Equal(next, current)) {
			return nil
		}

		if entry == nil {
			_, err = kv.Create(ctx, key, next)
		} else {
			_, err = kv.Update(ctx, key, next, entry.Revision)
		}
		if IsKVConflictError(err) {
			kv.logger.Debug("KV modify lost a race", "key", key, "attempt", attempt)
			return err
		}
		return retry.Permanent(err)
	})

	switch {
	case err == nil:
		return nil
	case IsKVConflictError(err):
		return fmt.Errorf("%w: %s", ErrKVContended, key)
	default:
		return err
	}
}

// Delete removes key. A missing key is ErrKVKeyNotFound.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		return translate("delete", key, err, nil)
	}
	kv.logger.Debug("KV delete", "key", key)
	return nil
}

// Watch follows keys matching pattern until ctx ends. No timeout applies.
func (kv *KVStore) Watch(ctx context.Context, pattern string) (jetstream.KeyWatcher, error) {
	watcher, err := kv.bucket.Watch(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("kv watch %s: %w", pattern, err)
	}
	return watcher, nil
}

func (kv *KVStore) checkSize(value []byte) error {
	if limit := kv.options.MaxValueSize; limit > 0 && len(value) > limit {
		return fmt.Errorf("kv value of %d bytes exceeds limit of %d", len(value), limit)
	}
	return nil
}

// IsKVNotFoundError reports whether err means the key is missing or deleted.
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrKVKeyNotFound) ||
		errors.Is(err, jetstream.ErrKeyNotFound) ||
		errors.Is(err, jetstream.ErrKeyDeleted) ||
		strings.Contains(err.Error(), "key not found")
}

// IsKVConflictError reports whether err means a write lost to another writer:
// the key already existed or had moved past the expected revision.
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVRevisionMismatch) || errors.Is(err, ErrKVKeyExists) ||
		errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	// 10071: wrong last sequence
	return strings.Contains(msg, "wrong last sequence") || strings.Contains(msg, "10071")
}
