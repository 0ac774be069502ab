package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/taskrunner/pkg/logging"
)

func testConfig() Config {
	return Config{
		MaxMemoryEntries: 100,
		MaxBytes:         1 << 20,
		MemoryTTL:        5 * time.Minute,
		EvictionPolicy:   "LRU",
		MaxKeySize:       256,
		MaxValueSize:     1024,
		CleanupInterval:  30 * time.Second,
	}
}

func TestResultCache_SetAndGet(t *testing.T) {
	c, err := New(testConfig(), nil, logging.Nop())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "key", "value", 5*time.Minute))

	got, found, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", got)
}

func TestResultCache_GetMiss(t *testing.T) {
	c, err := New(testConfig(), nil, logging.Nop())
	require.NoError(t, err)
	defer c.Close()

	_, found, err := c.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResultCache_Delete(t *testing.T) {
	c, err := New(testConfig(), nil, logging.Nop())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "key", "value", 5*time.Minute))
	require.NoError(t, c.Delete(ctx, "key"))

	_, found, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResultCache_TTLExpiration(t *testing.T) {
	c, err := New(testConfig(), nil, logging.Nop())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "key", "value", 50*time.Millisecond))
	time.Sleep(80 * time.Millisecond)

	_, found, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResultCache_KeySizeLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxKeySize = 5
	c, err := New(cfg, nil, logging.Nop())
	require.NoError(t, err)
	defer c.Close()

	err = c.Set(context.Background(), "too-long-a-key", "v", time.Minute)
	assert.Error(t, err)
}

func TestResultCache_EvictionPolicies(t *testing.T) {
	for _, policy := range []string{"LRU", "LFU", "TTL"} {
		t.Run(policy, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxMemoryEntries = 2
			cfg.EvictionPolicy = policy
			c, err := New(cfg, nil, logging.Nop())
			require.NoError(t, err)
			defer c.Close()

			ctx := context.Background()
			require.NoError(t, c.Set(ctx, "k1", "v1", time.Minute))
			require.NoError(t, c.Set(ctx, "k2", "v2", time.Minute))
			require.NoError(t, c.Set(ctx, "k3", "v3", time.Minute))

			_, found, err := c.Get(ctx, "k3")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, int64(1), c.GetStats().Evictions)
		})
	}
}

func TestResultCache_EvictsOnByteBudgetAlone(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBytes = 32 // small enough that two entries never both fit
	c, err := New(cfg, nil, logging.Nop())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k1", "some moderately sized value", time.Minute))
	require.NoError(t, c.Set(ctx, "k2", "another moderately sized value", time.Minute))

	_, found, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found, "k1 should have been evicted to stay under max_bytes")

	_, found, err = c.Get(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestResultCache_ClearPrefix(t *testing.T) {
	c, err := New(testConfig(), nil, logging.Nop())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "search:/a", "a", time.Minute))
	require.NoError(t, c.Set(ctx, "search:/b", "b", time.Minute))
	require.NoError(t, c.Set(ctx, "other:/c", "c", time.Minute))

	removed := c.ClearPrefix("search:")
	assert.Equal(t, 2, removed)

	_, found, _ := c.Get(ctx, "search:/a")
	assert.False(t, found)
	_, found, _ = c.Get(ctx, "other:/c")
	assert.True(t, found)
}

func TestResultCache_Stats(t *testing.T) {
	c, err := New(testConfig(), nil, logging.Nop())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k1", "v1", time.Minute))
	_, _, _ = c.Get(ctx, "k1")
	_, _, _ = c.Get(ctx, "missing")

	stats := c.GetStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestResultCache_ConcurrentAccess(t *testing.T) {
	c, err := New(testConfig(), nil, logging.Nop())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	done := make(chan bool, 10)
	for i := 0; i < 5; i++ {
		go func(i int) {
			key := fmt.Sprintf("key-%d", i)
			assert.NoError(t, c.Set(ctx, key, i, time.Minute))
			done <- true
		}(i)
	}
	for i := 0; i < 5; i++ {
		go func(i int) {
			_, _, err := c.Get(ctx, fmt.Sprintf("key-%d", i))
			assert.NoError(t, err)
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
