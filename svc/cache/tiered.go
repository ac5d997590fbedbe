package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Tiered reads through a local LRU to a shared cache. Local entries are
// capped at localTTL so a delete on another node is visible within that
// window.
type Tiered struct {
	local    *LRU
	shared   Cache
	localTTL time.Duration
}

const defaultLocalTTL = 5 * time.Second

func NewTiered(local *LRU, shared Cache, localTTL time.Duration) *Tiered {
	if localTTL <= 0 {
		localTTL = defaultLocalTTL
	}
	return &Tiered{local: local, shared: shared, localTTL: localTTL}
}

func (t *Tiered) Get(ctx context.Context, shortlink string) ([]byte, bool, error) {
	if v, ok, _ := t.local.Get(ctx, shortlink); ok {
		return v, true, nil
	}
	v, ok, err := t.shared.Get(ctx, shortlink)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = t.local.Set(ctx, shortlink, v, t.localTTL)
	return v, true, nil
}

func (t *Tiered) Set(ctx context.Context, shortlink string, content []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	local := ttl
	if local > t.localTTL {
		local = t.localTTL
	}
	_ = t.local.Set(ctx, shortlink, content, local)
	return errors.Wrap(t.shared.Set(ctx, shortlink, content, ttl), "shared cache set")
}

// Delete always clears the local tier, even if the shared delete fails.
func (t *Tiered) Delete(ctx context.Context, shortlink string) error {
	_ = t.local.Delete(ctx, shortlink)
	return errors.Wrap(t.shared.Delete(ctx, shortlink), "shared cache delete")
}
