package routing

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/mbus/errors"
)

// Policy selects recipients for a hop and merges the replies of the
// recipients it fanned out to. Select and Merge run on the messenger
// consumer, one call at a time.
type Policy interface {
	// Select adds one child per chosen recipient with Context.AddChild, or
	// sets a reply or error on the context.
	Select(ctx *Context)
	// Merge combines the child replies into the context's reply.
	Merge(ctx *Context)
	// Destroy releases whatever the policy holds. It is called once, after the
	// last reference is released.
	Destroy()
}

// PolicyFactory creates a policy from its parameter.
type PolicyFactory func(param string) (Policy, error)

// Creator creates the named policy for a protocol.
type Creator func(protocol, name, param string) (Policy, error)

type policyKey struct {
	protocol string
	name     string
	param    string
}

func (k policyKey) String() string {
	if k.param == "" {
		return fmt.Sprintf("%s.%s", k.protocol, k.name)
	}
	return fmt.Sprintf("%s.%s:%s", k.protocol, k.name, k.param)
}

type policyEntry struct {
	key    policyKey
	policy Policy
	refs   int
}

// PolicyCache shares policy instances between resolutions. Entries are keyed
// by protocol, name and parameter and reference counted: the cache holds one
// reference, every PolicyRef another. A policy is destroyed when its count
// drops to zero.
type PolicyCache struct {
	create  Creator
	destroy func(Policy)
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[policyKey]*policyEntry
}

// CacheOption configures a PolicyCache.
type CacheOption func(*PolicyCache)

// WithDestroyHook routes policy destruction through fn instead of calling
// Destroy inline. The bus uses this to destroy policies on the messenger.
func WithDestroyHook(fn func(Policy)) CacheOption {
	return func(c *PolicyCache) {
		if fn != nil {
			c.destroy = fn
		}
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *PolicyCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewPolicyCache creates a cache that builds missing policies with create.
func NewPolicyCache(create Creator, opts ...CacheOption) *PolicyCache {
	c := &PolicyCache{
		create:  create,
		destroy: func(p Policy) { p.Destroy() },
		logger:  slog.Default(),
		entries: make(map[policyKey]*policyEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PolicyRef is one reference to a cached policy.
type PolicyRef struct {
	cache    *PolicyCache
	entry    *policyEntry
	released bool
}

// Policy returns the referenced policy.
func (r *PolicyRef) Policy() Policy {
	return r.entry.policy
}

// Name returns the policy key in protocol.name:param form.
func (r *PolicyRef) Name() string {
	return r.entry.key.String()
}

// Release drops the reference. Releasing twice is a no-op.
func (r *PolicyRef) Release() {
	if r == nil || r.released {
		return
	}
	r.released = true
	r.cache.release(r.entry)
}

// Acquire returns a reference to the policy, creating it on first use. A
// failing or panicking factory yields a *errors.BusError with code
// UnknownPolicy.
func (c *PolicyCache) Acquire(protocol, name, param string) (*PolicyRef, error) {
	key := policyKey{protocol: protocol, name: name, param: param}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.refs++
		c.mu.Unlock()
		return &PolicyRef{cache: c, entry: e}, nil
	}
	c.mu.Unlock()

	p, err := c.safeCreate(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		// created concurrently; keep the first
		e.refs++
		c.mu.Unlock()
		c.destroy(p)
		return &PolicyRef{cache: c, entry: e}, nil
	}
	e := &policyEntry{key: key, policy: p, refs: 2}
	c.entries[key] = e
	c.mu.Unlock()

	c.logger.Debug("Created routing policy", "policy", key.String())
	return &PolicyRef{cache: c, entry: e}, nil
}

func (c *PolicyCache) safeCreate(key policyKey) (p Policy, err error) {
	defer func() {
		if r := recover(); r != nil {
			p = nil
			err = errors.NewBusError(errors.UnknownPolicy,
				"Policy '%s' panicked during creation: %v", key.name, r)
		}
	}()
	if c.create == nil {
		return nil, errors.NewBusError(errors.UnknownPolicy, "No factories for policy '%s'.", key.name)
	}
	p, err = c.create(key.protocol, key.name, key.param)
	if err != nil {
		return nil, errors.NewBusError(errors.UnknownPolicy,
			"Failed to create policy '%s' with parameter '%s': %v", key.name, key.param, err)
	}
	if p == nil {
		return nil, errors.NewBusError(errors.UnknownPolicy,
			"Protocol '%s' could not create routing policy '%s' with parameter '%s'.",
			key.protocol, key.name, key.param)
	}
	return p, nil
}

func (c *PolicyCache) release(e *policyEntry) {
	c.mu.Lock()
	e.refs--
	dead := e.refs == 0
	c.mu.Unlock()
	if dead {
		c.logger.Debug("Destroying routing policy", "policy", e.key.String())
		c.destroy(e.policy)
	}
}

// Reset drops the cache's own references. Policies still held by in-flight
// resolutions live until those are released; later Acquires create fresh ones.
func (c *PolicyCache) Reset() {
	c.mu.Lock()
	old := c.entries
	c.entries = make(map[policyKey]*policyEntry)
	c.mu.Unlock()

	for _, e := range old {
		c.release(e)
	}
}

// Len returns the number of cached policies.
func (c *PolicyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
