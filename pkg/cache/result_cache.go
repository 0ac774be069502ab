// Package cache implements the Result Cache (C4): an in-memory
// TTL+eviction cache for search results, with an optional Redis tier
// so results can survive a single process restart without making the
// engine itself durable.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds Result Cache tuning. Field names mirror
// internal/config.CacheConfig.
type Config struct {
	MaxMemoryEntries int
	MaxBytes         int64
	MemoryTTL        time.Duration
	EvictionPolicy   string // LRU, LFU, TTL
	MaxKeySize       int
	MaxValueSize     int
	CleanupInterval  time.Duration
}

// Entry is one cached value.
type Entry struct {
	Key            string
	Value          interface{}
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	TTL            time.Duration
	Size           int64
}

// Stats tracks cache performance.
type Stats struct {
	Hits           int64
	Misses         int64
	Evictions      int64
	Errors         int64
	TotalRequests  int64
	AverageLatency time.Duration
	MemoryUsage    int64
	mu             sync.RWMutex
}

// ResultCache is the Result Cache component. Get/Set operate against
// the in-memory tier; when a Redis client is attached, misses fall
// through to Redis and hits are written back to memory.
type ResultCache struct {
	memory     map[string]*Entry
	totalBytes int64
	memoryMu   sync.RWMutex

	config Config
	stats  *Stats
	redis  *redis.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// New constructs a ResultCache. redisClient may be nil to run
// memory-only.
func New(config Config, redisClient *redis.Client, log zerolog.Logger) (*ResultCache, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &ResultCache{
		memory: make(map[string]*Entry),
		config: config,
		stats:  &Stats{},
		redis:  redisClient,
		cancel: cancel,
		log:    log,
	}

	c.wg.Add(1)
	go c.cleanupLoop(ctx)

	log.Info().
		Int("max_entries", config.MaxMemoryEntries).
		Dur("ttl", config.MemoryTTL).
		Str("eviction_policy", config.EvictionPolicy).
		Bool("redis", redisClient != nil).
		Msg("result cache initialized")

	return c, nil
}

func (cfg Config) validate() error {
	if cfg.MaxMemoryEntries <= 0 {
		return fmt.Errorf("max_memory_entries must be positive")
	}
	if cfg.MaxKeySize <= 0 || cfg.MaxValueSize <= 0 {
		return fmt.Errorf("max_key_size and max_value_size must be positive")
	}
	if cfg.MaxBytes <= 0 {
		return fmt.Errorf("max_bytes must be positive")
	}
	switch cfg.EvictionPolicy {
	case "LRU", "LFU", "TTL":
	default:
		return fmt.Errorf("invalid eviction_policy: %s", cfg.EvictionPolicy)
	}
	return nil
}

// Get retrieves a value, checking memory first and falling through to
// Redis (if attached) on a memory miss.
func (c *ResultCache) Get(ctx context.Context, key string) (interface{}, bool, error) {
	start := time.Now()
	defer func() { c.recordLatency(time.Since(start)) }()

	c.stats.mu.Lock()
	c.stats.TotalRequests++
	c.stats.mu.Unlock()

	c.memoryMu.RLock()
	entry, exists := c.memory[key]
	c.memoryMu.RUnlock()

	if exists {
		if c.isExpired(entry) {
			c.Delete(ctx, key)
			c.recordMiss()
			return nil, false, nil
		}
		c.touchEntry(entry)
		c.recordHit()
		return entry.Value, true, nil
	}

	if c.redis != nil {
		raw, err := c.redis.Get(ctx, key).Bytes()
		if err == redis.Nil {
			c.recordMiss()
			return nil, false, nil
		}
		if err != nil {
			c.recordError()
			return nil, false, fmt.Errorf("redis get: %w", err)
		}
		var value interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			c.recordError()
			return nil, false, fmt.Errorf("decode redis value: %w", err)
		}
		c.recordHit()
		c.storeMemory(key, value, c.config.MemoryTTL)
		return value, true, nil
	}

	c.recordMiss()
	return nil, false, nil
}

// Set stores a value in memory and, if attached, in Redis.
func (c *ResultCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if len(key) > c.config.MaxKeySize {
		return fmt.Errorf("key size exceeds maximum: %d > %d", len(key), c.config.MaxKeySize)
	}

	valueBytes, err := json.Marshal(value)
	if err != nil {
		c.recordError()
		return fmt.Errorf("serialize value: %w", err)
	}
	if len(valueBytes) > c.config.MaxValueSize {
		return fmt.Errorf("value size exceeds maximum: %d > %d", len(valueBytes), c.config.MaxValueSize)
	}

	c.storeMemory(key, value, ttl)

	if c.redis != nil {
		if err := c.redis.Set(ctx, key, valueBytes, ttl).Err(); err != nil {
			c.recordError()
			return fmt.Errorf("redis set: %w", err)
		}
	}
	return nil
}

func (c *ResultCache) storeMemory(key string, value interface{}, ttl time.Duration) {
	valueBytes, _ := json.Marshal(value)
	entry := &Entry{
		Key:            key,
		Value:          value,
		CreatedAt:      time.Now(),
		LastAccessedAt: time.Now(),
		AccessCount:    1,
		TTL:            ttl,
		Size:           int64(len(valueBytes)),
	}

	c.memoryMu.Lock()
	defer c.memoryMu.Unlock()

	if old, exists := c.memory[key]; exists {
		c.totalBytes -= old.Size
	}

	for (len(c.memory) >= c.config.MaxMemoryEntries || c.totalBytes+entry.Size > c.config.MaxBytes) && len(c.memory) > 0 {
		if !c.evictLocked() {
			break
		}
	}

	c.memory[key] = entry
	c.totalBytes += entry.Size
}

// Delete removes a key from both tiers.
func (c *ResultCache) Delete(ctx context.Context, key string) error {
	c.memoryMu.Lock()
	if e, ok := c.memory[key]; ok {
		c.totalBytes -= e.Size
		delete(c.memory, key)
	}
	c.memoryMu.Unlock()

	if c.redis != nil {
		return c.redis.Del(ctx, key).Err()
	}
	return nil
}

// Clear empties the in-memory tier. The Redis tier, if any, is left
// untouched since it may be shared with other processes.
func (c *ResultCache) Clear() {
	c.memoryMu.Lock()
	c.memory = make(map[string]*Entry)
	c.totalBytes = 0
	c.memoryMu.Unlock()
}

// ClearPrefix empties every in-memory entry whose key starts with
// prefix, leaving the rest of the cache untouched. Used to invalidate
// an entire search root without dropping unrelated cached results.
func (c *ResultCache) ClearPrefix(prefix string) int {
	c.memoryMu.Lock()
	defer c.memoryMu.Unlock()

	removed := 0
	for k, e := range c.memory {
		if strings.HasPrefix(k, prefix) {
			c.totalBytes -= e.Size
			delete(c.memory, k)
			removed++
		}
	}
	return removed
}

// GetStats returns a snapshot of cache performance counters.
func (c *ResultCache) GetStats() Stats {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()

	c.memoryMu.RLock()
	var memUsage int64
	for _, e := range c.memory {
		memUsage += e.Size
	}
	c.memoryMu.RUnlock()

	snap := *c.stats
	snap.MemoryUsage = memUsage
	return snap
}

// Close stops the cleanup loop.
func (c *ResultCache) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *ResultCache) isExpired(e *Entry) bool {
	if e.TTL == 0 {
		return false
	}
	return time.Since(e.CreatedAt) > e.TTL
}

func (c *ResultCache) touchEntry(e *Entry) {
	e.LastAccessedAt = time.Now()
	e.AccessCount++
}

// evictLocked assumes memoryMu is held and reports whether an entry
// was actually removed, so storeMemory's eviction loop can stop
// instead of spinning when the cache is already empty.
func (c *ResultCache) evictLocked() bool {
	switch c.config.EvictionPolicy {
	case "LFU":
		return c.evictLFULocked()
	case "TTL":
		return c.evictTTLLocked()
	default:
		return c.evictLRULocked()
	}
}

func (c *ResultCache) evictLRULocked() bool {
	var oldestKey string
	oldest := time.Now()
	for k, e := range c.memory {
		if e.LastAccessedAt.Before(oldest) {
			oldest = e.LastAccessedAt
			oldestKey = k
		}
	}
	if oldestKey == "" {
		return false
	}
	c.totalBytes -= c.memory[oldestKey].Size
	delete(c.memory, oldestKey)
	c.recordEviction()
	return true
}

func (c *ResultCache) evictLFULocked() bool {
	var leastKey string
	leastCount := int64(-1)
	for k, e := range c.memory {
		if leastCount == -1 || e.AccessCount < leastCount {
			leastCount = e.AccessCount
			leastKey = k
		}
	}
	if leastKey == "" {
		return false
	}
	c.totalBytes -= c.memory[leastKey].Size
	delete(c.memory, leastKey)
	c.recordEviction()
	return true
}

func (c *ResultCache) evictTTLLocked() bool {
	for k, e := range c.memory {
		if c.isExpired(e) {
			c.totalBytes -= e.Size
			delete(c.memory, k)
			c.recordEviction()
			return true
		}
	}
	return c.evictLRULocked()
}

func (c *ResultCache) cleanupLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *ResultCache) sweepExpired() {
	c.memoryMu.Lock()
	defer c.memoryMu.Unlock()

	for k, e := range c.memory {
		if c.isExpired(e) {
			c.totalBytes -= e.Size
			delete(c.memory, k)
			c.recordEviction()
		}
	}
}

func (c *ResultCache) recordHit()      { c.stats.mu.Lock(); c.stats.Hits++; c.stats.mu.Unlock() }
func (c *ResultCache) recordMiss()     { c.stats.mu.Lock(); c.stats.Misses++; c.stats.mu.Unlock() }
func (c *ResultCache) recordEviction() { c.stats.mu.Lock(); c.stats.Evictions++; c.stats.mu.Unlock() }
func (c *ResultCache) recordError()    { c.stats.mu.Lock(); c.stats.Errors++; c.stats.mu.Unlock() }

func (c *ResultCache) recordLatency(d time.Duration) {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	if c.stats.TotalRequests > 0 {
		c.stats.AverageLatency = (c.stats.AverageLatency*time.Duration(c.stats.TotalRequests-1) + d) / time.Duration(c.stats.TotalRequests)
	} else {
		c.stats.AverageLatency = d
	}
}
