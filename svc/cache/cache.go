package cache

import (
	"context"
	"time"
)

// Cache maps shortlinks to paste content. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, shortlink string) ([]byte, bool, error)
	Set(ctx context.Context, shortlink string, content []byte, ttl time.Duration) error
	Delete(ctx context.Context, shortlink string) error
}

// TTLFor returns the whole seconds left until expiresAt. ok is false when
// less than one second remains and the entry should not be cached.
func TTLFor(expiresAt, now time.Time) (time.Duration, bool) {
	secs := int64(expiresAt.Sub(now) / time.Second)
	if secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
