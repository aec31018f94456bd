package cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"voicecall-backend/internal/domain"
	"voicecall-backend/pkg/logger"
)

// MemoryCache implements an in-memory cache with TTL support
type MemoryCache struct {
	mu      sync.Mutex
	data    map[string]*cacheEntry
	ttl     time.Duration
	maxSize int
	clock   clockwork.Clock
}

// cacheEntry represents a single cache entry
type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
	createdAt time.Time
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache(defaultTTL time.Duration, maxSize int) *MemoryCache {
	return NewMemoryCacheWithClock(defaultTTL, maxSize, clockwork.NewRealClock())
}

// NewMemoryCacheWithClock creates a cache that reads time from clock
func NewMemoryCacheWithClock(defaultTTL time.Duration, maxSize int, clock clockwork.Clock) *MemoryCache {
	return &MemoryCache{
		data:    make(map[string]*cacheEntry),
		ttl:     defaultTTL,
		maxSize: maxSize,
		clock:   clock,
	}
}

// Set stores a value in the cache with TTL
func (mc *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if ttl == 0 {
		ttl = mc.ttl
	}

	if _, exists := mc.data[key]; !exists && mc.maxSize > 0 && len(mc.data) >= mc.maxSize {
		mc.evictOldest()
	}

	now := mc.clock.Now()
	mc.data[key] = &cacheEntry{
		value:     value,
		expiresAt: now.Add(ttl),
		createdAt: now,
	}

	logger.Debug("Cache entry added",
		zap.String("key", key),
		zap.Duration("ttl", ttl),
		zap.Int("size", len(mc.data)),
	)
}

// Get retrieves a value from the cache
func (mc *MemoryCache) Get(key string) (interface{}, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	entry, exists := mc.data[key]
	if !exists {
		return nil, false
	}

	if mc.clock.Now().After(entry.expiresAt) {
		delete(mc.data, key)
		return nil, false
	}

	return entry.value, true
}

// Delete removes a value from the cache
func (mc *MemoryCache) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.data, key)
	logger.Debug("Cache entry deleted", zap.String("key", key))
}

// Size returns the current number of entries in the cache
func (mc *MemoryCache) Size() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.data)
}

// evictOldest removes the oldest entry from the cache
func (mc *MemoryCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range mc.data {
		if oldestKey == "" || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
		}
	}

	if oldestKey != "" {
		delete(mc.data, oldestKey)
		logger.Debug("Cache entry evicted",
			zap.String("key", oldestKey),
			zap.Time("created_at", oldestTime),
		)
	}
}

// HintCache keeps the last incoming-call summary for one user so the call view
// can render before it has fetched the record.
type HintCache struct {
	cache *MemoryCache
}

// NewHintCache creates a hint cache on top of cache
func NewHintCache(cache *MemoryCache) *HintCache {
	return &HintCache{cache: cache}
}

func hintKey(userID uuid.UUID) string {
	return fmt.Sprintf("incoming:%s", userID)
}

// Put records hint as the latest incoming call for userID
func (hc *HintCache) Put(userID uuid.UUID, hint domain.IncomingCallHint) error {
	data, err := json.Marshal(hint)
	if err != nil {
		return fmt.Errorf("failed to marshal incoming call hint: %w", err)
	}
	hc.cache.Set(hintKey(userID), data, 0)
	return nil
}

// Get returns the latest incoming call hint for userID
func (hc *HintCache) Get(userID uuid.UUID) (*domain.IncomingCallHint, bool) {
	key := hintKey(userID)
	value, exists := hc.cache.Get(key)
	if !exists {
		return nil, false
	}

	bytes, ok := value.([]byte)
	if !ok {
		logger.Error("Cache entry is not a byte slice", zap.String("key", key))
		return nil, false
	}
	var hint domain.IncomingCallHint
	if err := json.Unmarshal(bytes, &hint); err != nil {
		logger.Error("Failed to unmarshal incoming call hint from cache",
			zap.String("key", key),
			zap.Error(err))
		return nil, false
	}

	return &hint, true
}

// Clear forgets the hint for userID
func (hc *HintCache) Clear(userID uuid.UUID) {
	hc.cache.Delete(hintKey(userID))
}
