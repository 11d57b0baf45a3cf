// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySpecCacheExpiry(t *testing.T) {
	t.Parallel()
	cache := NewMemorySpecCache()
	now := time.Now()
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.Set(context.Background(), "spec-url|v1", []byte("doc")))

	data, ok := cache.Get(context.Background(), "spec-url|v1")
	require.True(t, ok)
	assert.Equal(t, []byte("doc"), data)

	now = now.Add(SpecCacheTTL + time.Minute)
	_, ok = cache.Get(context.Background(), "spec-url|v1")
	assert.False(t, ok)
}

func TestRedisSpecCache(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	cache, err := NewRedisSpecCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	ctx := context.Background()
	_, ok := cache.Get(ctx, "spec-url|v1")
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "spec-url|v1", []byte("doc")))
	data, ok := cache.Get(ctx, "spec-url|v1")
	require.True(t, ok)
	assert.Equal(t, []byte("doc"), data)

	// Entries carry the TTL so a dead coordinator's cache ages out.
	mr.FastForward(SpecCacheTTL + time.Minute)
	_, ok = cache.Get(ctx, "spec-url|v1")
	assert.False(t, ok)
}

func TestRedisSpecCacheDegradesToMiss(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	cache, err := NewRedisSpecCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	mr.Close()
	_, ok := cache.Get(context.Background(), "spec-url|v1")
	assert.False(t, ok)
}
