package policy

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CachingStore wraps a Store with a read-through cache bounded by a
// freshness window. Entries older than the window are re-fetched, so
// policy changes pushed to the backing store take effect without a
// restart, at most one window later.
//
// ErrNotFound is cached like any other answer (a deleted identity stops
// authenticating within one window). Backend errors are never cached and
// never satisfied from stale entries — an unavailable store stays visibly
// unavailable.
//
// Session record writes pass straight through.
type CachingStore struct {
	inner     Store
	freshness time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	val       any
	err       error // nil or ErrNotFound
	fetchedAt time.Time
}

// NewCachingStore wraps inner with the given freshness window.
// A zero or negative window disables caching entirely.
func NewCachingStore(inner Store, freshness time.Duration) *CachingStore {
	return &CachingStore{
		inner:     inner,
		freshness: freshness,
		now:       time.Now,
		entries:   make(map[string]cacheEntry),
	}
}

func (c *CachingStore) lookup(key string) (cacheEntry, bool) {
	if c.freshness <= 0 {
		return cacheEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.fetchedAt) > c.freshness {
		return cacheEntry{}, false
	}
	return e, true
}

func (c *CachingStore) put(key string, val any, err error) {
	if c.freshness <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{val: val, err: err, fetchedAt: c.now()}
	c.mu.Unlock()
}

// Invalidate drops every cached entry. Called when an external policy
// push should apply immediately instead of waiting out the window.
func (c *CachingStore) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// GetIdentity implements Store.
func (c *CachingStore) GetIdentity(ctx context.Context, username string) (*Identity, error) {
	key := "identity/" + username
	if e, ok := c.lookup(key); ok {
		if e.err != nil {
			return nil, e.err
		}
		return e.val.(*Identity), nil
	}
	id, err := c.inner.GetIdentity(ctx, username)
	if err == nil || errors.Is(err, ErrNotFound) {
		c.put(key, id, err)
	}
	return id, err
}

// RolesFor implements Store.
func (c *CachingStore) RolesFor(ctx context.Context, identity *Identity) ([]Role, error) {
	key := "roles/" + identity.Username
	if e, ok := c.lookup(key); ok {
		if e.err != nil {
			return nil, e.err
		}
		return e.val.([]Role), nil
	}
	roles, err := c.inner.RolesFor(ctx, identity)
	if err == nil {
		c.put(key, roles, nil)
	}
	return roles, err
}

// GrantsFor implements Store.
func (c *CachingStore) GrantsFor(ctx context.Context, role string) ([]Grant, error) {
	key := "grants/" + role
	if e, ok := c.lookup(key); ok {
		if e.err != nil {
			return nil, e.err
		}
		return e.val.([]Grant), nil
	}
	grants, err := c.inner.GrantsFor(ctx, role)
	if err == nil || errors.Is(err, ErrNotFound) {
		c.put(key, grants, err)
	}
	return grants, err
}

// GetTarget implements Store.
func (c *CachingStore) GetTarget(ctx context.Context, name string) (*Target, error) {
	key := "target/" + name
	if e, ok := c.lookup(key); ok {
		if e.err != nil {
			return nil, e.err
		}
		return e.val.(*Target), nil
	}
	t, err := c.inner.GetTarget(ctx, name)
	if err == nil || errors.Is(err, ErrNotFound) {
		c.put(key, t, err)
	}
	return t, err
}

// AppendSessionRecord implements Store. Never cached.
func (c *CachingStore) AppendSessionRecord(ctx context.Context, rec SessionRecord) error {
	return c.inner.AppendSessionRecord(ctx, rec)
}
