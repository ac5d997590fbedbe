package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const maxLRUSize = 100000

// LRU is an in-process content cache bounded by entry count. Entries also
// carry their own expiry.
type LRU struct {
	c   *lru.Cache[string, item]
	now func() time.Time
}

type item struct {
	content []byte
	exp     time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > maxLRUSize {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c, now: time.Now}, nil
}

func (l *LRU) Get(ctx context.Context, shortlink string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	it, ok := l.c.Get(shortlink)
	if !ok {
		return nil, false, nil
	}
	if !l.now().Before(it.exp) {
		l.c.Remove(shortlink)
		return nil, false, nil
	}
	return append([]byte(nil), it.content...), true, nil
}

func (l *LRU) Set(_ context.Context, shortlink string, content []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	l.c.Add(shortlink, item{
		content: append([]byte(nil), content...),
		exp:     l.now().Add(ttl),
	})
	return nil
}

func (l *LRU) Delete(_ context.Context, shortlink string) error {
	l.c.Remove(shortlink)
	return nil
}

func (l *LRU) Len() int {
	return l.c.Len()
}
