// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentexec/agentexec/pkg/logger"
)

// SpecCacheTTL is how long a prepared spec document stays reusable.
const SpecCacheTTL = 5 * time.Hour

// MemorySpecCache is the in-process spec cache. Entries expire after
// SpecCacheTTL; expiry is checked lazily on read.
type MemorySpecCache struct {
	mu      sync.Mutex
	entries map[string]memSpecEntry
	now     func() time.Time
}

type memSpecEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemorySpecCache creates an empty in-memory spec cache.
func NewMemorySpecCache() *MemorySpecCache {
	return &MemorySpecCache{entries: make(map[string]memSpecEntry), now: time.Now}
}

// Get implements sources.SpecCache.
func (c *MemorySpecCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.data, true
}

// Set implements sources.SpecCache.
func (c *MemorySpecCache) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memSpecEntry{data: value, expiresAt: c.now().Add(SpecCacheTTL)}
	return nil
}

// RedisSpecCache shares prepared specs across coordinator restarts (and, in
// a pinch, across replicas that only read).
type RedisSpecCache struct {
	client *redis.Client
}

// NewRedisSpecCache creates a Redis-backed spec cache from a redis:// URL.
func NewRedisSpecCache(redisURL string) (*RedisSpecCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisSpecCache{client: redis.NewClient(opts)}, nil
}

// Get implements sources.SpecCache. Cache errors degrade to a miss.
func (c *RedisSpecCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, "speccache:"+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Debugw("redis spec cache read failed", "key", key, "error", err.Error())
		}
		return nil, false
	}
	return data, true
}

// Set implements sources.SpecCache.
func (c *RedisSpecCache) Set(ctx context.Context, key string, value []byte) error {
	return c.client.Set(ctx, "speccache:"+key, value, SpecCacheTTL).Err()
}

// Close releases the Redis connection.
func (c *RedisSpecCache) Close() error {
	return c.client.Close()
}

// snapshotCache holds compiled workspace snapshots keyed by signature.
// Two workspaces with equal signatures share one snapshot.
type snapshotCache struct {
	mu      sync.Mutex
	entries map[string]*Snapshot
}

func newSnapshotCache() *snapshotCache {
	return &snapshotCache{entries: make(map[string]*Snapshot)}
}

func (c *snapshotCache) get(signature string) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[signature]
	return s, ok
}

func (c *snapshotCache) put(s *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[s.Signature] = s
}

// declarationsCache stores generated type declarations content-addressed by
// their hash so clients can fetch them as stable blobs.
type declarationsCache struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newDeclarationsCache() *declarationsCache {
	return &declarationsCache{blobs: make(map[string][]byte)}
}

func (c *declarationsCache) put(data []byte) string {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs[hash] = data
	return hash
}

func (c *declarationsCache) get(hash string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.blobs[hash]
	return data, ok
}
