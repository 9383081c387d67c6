// Package cache is a per-owner read-through cache of serialized responses.
//
// Entries are disposable copies of what the task store would return; nothing
// reads them as the source of truth. Every mutation of an owner's tasks calls
// Invalidate for that owner before it returns.
//
// A read that computed its value before a concurrent write's Invalidate may
// still Store that value afterwards. That stale entry lives at most one TTL.
// The Redis backend reads an owner's key index and deletes its members in one
// script, so such a late Store is always indexed and the next Invalidate
// reaches it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrMiss = errors.New("cache miss")

// Store is the shared key-value backend. Set records the key under ownerID so
// DeleteOwner can drop every key of that owner.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, ownerID, key string, value []byte, ttl time.Duration) error
	DeleteOwner(ctx context.Context, ownerID string) error
}

type Cache struct {
	store Store
	ttl   time.Duration
}

func New(store Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

// OwnerPrefix is the leading part of every key derived for ownerID.
func OwnerPrefix(ownerID string) string {
	return "tasks:" + url.QueryEscape(ownerID) + ":"
}

// Key derives the entry key from the owner and the exact request signature.
// Signatures differing only in parameter order are distinct entries.
func Key(ownerID, signature string) string {
	return OwnerPrefix(ownerID) + signature
}

// Lookup returns the cached bytes, or ok=false on a miss.
func (c *Cache) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.store.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Store overwrites key with an already serialized value.
func (c *Cache) Store(ctx context.Context, ownerID, key string, value []byte) error {
	return c.store.Set(ctx, ownerID, key, value, c.ttl)
}

func (c *Cache) Invalidate(ctx context.Context, ownerID string) error {
	if err := c.store.DeleteOwner(ctx, ownerID); err != nil {
		return fmt.Errorf("invalidate owner %s: %w", ownerID, err)
	}
	return nil
}

// ReadThrough serves key from the cache or runs compute, encodes its result
// as JSON and stores it. This is the only place values get serialized.
// Cache transport failures degrade to computing the value.
func (c *Cache) ReadThrough(ctx context.Context, ownerID, key string, compute func(context.Context) (any, error)) (body []byte, hit bool, err error) {
	body, hit, err = c.Lookup(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("owner_id", ownerID).Str("key", key).Msg("cache lookup failed")
	}
	if hit {
		return body, true, nil
	}

	v, err := compute(ctx)
	if err != nil {
		return nil, false, err
	}
	body, err = json.Marshal(v)
	if err != nil {
		return nil, false, err
	}
	if err := c.Store(ctx, ownerID, key, body); err != nil {
		log.Error().Err(err).Str("owner_id", ownerID).Str("key", key).Msg("cache store failed")
	}
	return body, false, nil
}
