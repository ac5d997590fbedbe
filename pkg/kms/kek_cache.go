package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// KEKCache keeps unwrapped data keys in memory so repeat reads of the same
// blob skip the KMS round trip. Concurrent misses for one key share a call.
type KEKCache struct {
	cache    sync.Map
	ttl      time.Duration
	adapter  *Adapter
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedKEK struct {
	dek       []byte
	expiresAt time.Time
	mu        sync.RWMutex
}

func NewKEKCache(adapter *Adapter, ttl time.Duration) *KEKCache {
	c := &KEKCache{
		ttl:      ttl,
		adapter:  adapter,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

func (c *KEKCache) WrapDEK(ctx context.Context, dek []byte, encContext EncryptionContext) ([]byte, error) {
	return c.adapter.EncryptWithContext(ctx, dek, encContext)
}

// UnwrapDEK returns a private copy of the plaintext key for wrapped.
func (c *KEKCache) UnwrapDEK(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return nil, ErrProviderUnavailable
	}
	key := cacheKey(wrapped, encContext)
	if dek, ok := c.lookup(key); ok {
		return dek, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if dek, ok := c.lookup(key); ok {
			return dek, nil
		}
		dek, err := c.adapter.DecryptWithContext(ctx, wrapped, encContext)
		if err != nil {
			return nil, err
		}
		entry := &cachedKEK{
			dek:       append([]byte(nil), dek...),
			expiresAt: time.Now().Add(c.ttl + jitter(key, c.ttl/10)),
		}
		c.cache.Store(key, entry)
		return dek, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v.([]byte)...), nil
}

func (c *KEKCache) lookup(key string) ([]byte, bool) {
	v, ok := c.cache.Load(key)
	if !ok {
		return nil, false
	}
	entry := v.(*cachedKEK)
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	if entry.dek == nil || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return append([]byte(nil), entry.dek...), true
}

func cacheKey(wrapped []byte, encContext EncryptionContext) string {
	h := sha256.New()
	h.Write(wrapped)
	h.Write([]byte{0})
	h.Write(serializeEncryptionContext(encContext))
	return hex.EncodeToString(h.Sum(nil))
}

// jitter spreads expiry deterministically over [0, max).
func jitter(key string, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(key) && i < 16; i++ {
		sum = sum*31 + int64(key[i])
	}
	if sum < 0 {
		sum = -sum
	}
	return time.Duration(sum % int64(max))
}

func (c *KEKCache) evictionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired(time.Now())
		}
	}
}

func (c *KEKCache) evictExpired(now time.Time) {
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedKEK)
		entry.mu.Lock()
		if now.After(entry.expiresAt) {
			wipeBytes(entry.dek)
			entry.dek = nil
			c.cache.Delete(key)
		}
		entry.mu.Unlock()
		return true
	})
}

func (c *KEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedKEK)
		entry.mu.Lock()
		wipeBytes(entry.dek)
		entry.dek = nil
		entry.mu.Unlock()
		c.cache.Delete(key)
		return true
	})
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

type CacheStats struct {
	Entries int
	Expired int
}

func (c *KEKCache) Stats() CacheStats {
	var stats CacheStats
	now := time.Now()
	c.cache.Range(func(_, value interface{}) bool {
		stats.Entries++
		entry := value.(*cachedKEK)
		entry.mu.RLock()
		if now.After(entry.expiresAt) {
			stats.Expired++
		}
		entry.mu.RUnlock()
		return true
	})
	return stats
}
