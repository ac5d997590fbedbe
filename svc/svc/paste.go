package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"snipbin/cfg"
	"snipbin/metrics"
	"snipbin/pkg/domain"
	"snipbin/svc/alloc"
	"snipbin/svc/blob"
	"snipbin/svc/cache"
	"snipbin/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// MetaStore is the durable record store the engine depends on.
type MetaStore interface {
	Exists(ctx context.Context, shortlink string) (bool, error)
	Insert(ctx context.Context, r *domain.Record) error
	Lookup(ctx context.Context, shortlink string) (*domain.Record, error)
	Delete(ctx context.Context, shortlink string) (bool, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*domain.Record, error)
}

type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(password, encoded string) (bool, error)
}

const (
	defaultCleanupTimeout = 5 * time.Second
	shutdownWait          = 10 * time.Second
)

// Paste runs the create and read paths across the metadata store, blob
// store and cache. It holds no lock across backend calls.
type Paste struct {
	meta     MetaStore
	blobs    blob.Store
	cache    cache.Cache
	hasher   PasswordHasher
	cfg      *cfg.Cfg
	alloc    *alloc.Allocator
	fill     singleflight.Group
	now      func() time.Time
	shutdown atomic.Bool
	opWg     sync.WaitGroup
	reaping  atomic.Bool
	stopReap context.CancelFunc
	reapDone chan struct{}
	mu       sync.Mutex
}

func NewPaste(meta MetaStore, blobs blob.Store, c cache.Cache, h PasswordHasher, conf *cfg.Cfg) *Paste {
	if meta == nil || blobs == nil || c == nil || h == nil || conf == nil {
		panic("paste service: nil dependency (meta, blobs, cache, hasher or cfg)")
	}
	return &Paste{
		meta:   meta,
		blobs:  blobs,
		cache:  c,
		hasher: h,
		cfg:    conf,
		alloc:  alloc.New(meta.Exists, alloc.RetryPolicy{MaxAttempts: conf.ShortlinkMaxDraws}),
		now:    time.Now,
	}
}

// enter registers an operation. The check and the Add happen under mu so
// Shutdown never starts waiting while an Add is still possible.
func (p *Paste) enter() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown.Load() {
		return domain.ErrShuttingDown
	}
	p.opWg.Add(1)
	return nil
}

// Shutdown rejects new operations, stops the reaper and waits for in-flight
// operations to finish.
func (p *Paste) Shutdown() {
	p.mu.Lock()
	p.shutdown.Store(true)
	p.mu.Unlock()
	p.StopReaper()
	done := make(chan struct{})
	go func() {
		p.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownWait):
		util.Warn().Msg("in-flight paste operations did not finish in time")
	}
	util.Debug().Msg("paste service shutdown complete")
}

func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Created, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if err := params.Validate(p.cfg.MaxPasteSize); err != nil {
		return nil, err
	}
	var pwHash string
	if params.Password != nil {
		var err error
		pwHash, err = p.hasher.Hash(ctx, *params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "hash password")
		}
	}
	content := append([]byte(nil), params.Content...)
	var created domain.Created
	policy := alloc.RetryPolicy{MaxAttempts: p.cfg.CreateMaxAttempts}
	err := alloc.Retry(ctx, policy, func(ctx context.Context, attempt int) error {
		shortlink, err := p.alloc.Allocate(ctx)
		if err != nil {
			return backendErr(err, "allocate shortlink")
		}
		now := p.now().UTC()
		rec := &domain.Record{
			Shortlink:     shortlink,
			BlobPath:      blob.Key(shortlink, now),
			CreatedAt:     now,
			ExpiresAt:     now.Add(params.ExpiresIn),
			Size:          int64(len(content)),
			BurnAfterRead: params.BurnAfterRead,
			PasswordHash:  pwHash,
		}
		if err := p.blobs.Put(ctx, rec.BlobPath, content); err != nil {
			return domain.Unavailable(err, "blob put")
		}
		if err := p.meta.Insert(ctx, rec); err != nil {
			p.discardBlob(ctx, rec.BlobPath)
			if errors.Is(err, domain.ErrConflict) {
				metrics.CreateConflicts.Inc()
				util.Debug().Str("shortlink", shortlink).Int("attempt", attempt).Msg("shortlink lost insert race")
				return err
			}
			return domain.Unavailable(err, "metadata insert")
		}
		created = domain.Created{Shortlink: shortlink, ExpiresAt: rec.ExpiresAt}
		return nil
	})
	if err != nil {
		return nil, backendErr(err, "create paste")
	}
	metrics.PasteCreated.Inc()
	util.Info().
		Str("shortlink", created.Shortlink).
		Time("expires_at", created.ExpiresAt).
		Bool("burn_after_read", params.BurnAfterRead).
		Bool("protected", pwHash != "").
		Msg("paste created")
	return &created, nil
}

// discardBlob removes the blob written for a failed attempt.
func (p *Paste) discardBlob(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cleanupTimeout())
	defer cancel()
	if err := p.blobs.Delete(ctx, key); err != nil {
		metrics.CleanupFailures.WithLabelValues("blob").Inc()
		util.Warn().Err(err).Str("blob", key).Msg("failed to discard blob of abandoned attempt")
	}
}

func (p *Paste) Read(ctx context.Context, shortlink string, password *string) (*domain.Paste, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	out, err := p.read(ctx, shortlink, password)
	metrics.PasteReads.WithLabelValues(readOutcome(out, err)).Inc()
	return out, err
}

func (p *Paste) read(ctx context.Context, shortlink string, password *string) (*domain.Paste, error) {
	if !domain.ValidShortlink(shortlink) {
		return nil, domain.ErrPasteNotFound
	}
	rec, err := p.meta.Lookup(ctx, shortlink)
	if err != nil {
		return nil, backendErr(err, "metadata lookup")
	}
	if rec.ExpiredAt(p.now()) {
		return nil, domain.ErrPasteExpired
	}
	if rec.Protected() {
		if password == nil {
			return nil, domain.ErrPasswordRequired
		}
		ok, err := p.hasher.Verify(*password, rec.PasswordHash)
		if err != nil {
			return nil, errors.Wrap(err, "verify password")
		}
		if !ok {
			return nil, domain.ErrWrongPassword
		}
	}
	if rec.BurnAfterRead {
		return p.burn(ctx, rec)
	}
	return p.readShared(ctx, rec)
}

func (p *Paste) readShared(ctx context.Context, rec *domain.Record) (*domain.Paste, error) {
	content, hit, err := p.cache.Get(ctx, rec.Shortlink)
	switch {
	case err != nil:
		metrics.CacheErrors.Inc()
		util.Warn().Err(err).Str("shortlink", rec.Shortlink).Msg("cache get failed, falling back to blob store")
	case hit:
		metrics.CacheHits.Inc()
		return &domain.Paste{Shortlink: rec.Shortlink, Content: content, ExpiresAt: rec.ExpiresAt, CacheHit: true}, nil
	}
	metrics.CacheMisses.Inc()
	// The fill outlives any single reader; each caller only stops waiting
	// when its own context ends.
	ch := p.fill.DoChan(rec.BlobPath, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cleanupTimeout())
		defer cancel()
		data, err := p.blobs.Get(ctx, rec.BlobPath)
		if err != nil {
			return nil, err
		}
		if ttl, ok := cache.TTLFor(rec.ExpiresAt, p.now()); ok {
			if err := p.cache.Set(ctx, rec.Shortlink, data, ttl); err != nil {
				metrics.CacheErrors.Inc()
				util.Warn().Err(err).Str("shortlink", rec.Shortlink).Msg("cache populate failed")
			}
		}
		return data, nil
	})
	select {
	case <-ctx.Done():
		return nil, blobErr(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, blobErr(res.Err)
		}
		content := append([]byte(nil), res.Val.([]byte)...)
		return &domain.Paste{Shortlink: rec.Shortlink, Content: content, ExpiresAt: rec.ExpiresAt}, nil
	}
}

// burn fetches the content and then removes the paste from every tier,
// metadata first. Cleanup errors are logged and never returned.
func (p *Paste) burn(ctx context.Context, rec *domain.Record) (*domain.Paste, error) {
	content, err := p.blobs.Get(ctx, rec.BlobPath)
	if err != nil {
		return nil, blobErr(err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cleanupTimeout())
	defer cancel()
	p.unpublish(ctx, rec, "burn")
	return &domain.Paste{Shortlink: rec.Shortlink, Content: content, ExpiresAt: rec.ExpiresAt, Burned: true}, nil
}

// unpublish deletes rec from metadata, cache and blob store in that order.
// It reports whether this call removed the metadata row.
func (p *Paste) unpublish(ctx context.Context, rec *domain.Record, reason string) bool {
	deleted, err := p.meta.Delete(ctx, rec.Shortlink)
	if err != nil {
		metrics.CleanupFailures.WithLabelValues("metadata").Inc()
		util.Error().Err(err).Str("shortlink", rec.Shortlink).Str("reason", reason).Msg("metadata delete failed")
	} else if deleted {
		util.Info().Str("shortlink", rec.Shortlink).Str("reason", reason).Msg("paste unpublished")
		if reason == "burn" {
			metrics.PasteBurned.Inc()
		}
	}
	if err := p.cache.Delete(ctx, rec.Shortlink); err != nil {
		metrics.CleanupFailures.WithLabelValues("cache").Inc()
		util.Warn().Err(err).Str("shortlink", rec.Shortlink).Str("reason", reason).Msg("cache delete failed")
	}
	if err := p.blobs.Delete(ctx, rec.BlobPath); err != nil {
		metrics.CleanupFailures.WithLabelValues("blob").Inc()
		util.Warn().Err(err).Str("blob", rec.BlobPath).Str("reason", reason).Msg("blob delete failed")
	}
	return deleted
}

func (p *Paste) cleanupTimeout() time.Duration {
	if p.cfg.ContextTimeout > 0 {
		return p.cfg.ContextTimeout
	}
	return defaultCleanupTimeout
}

// backendErr leaves classified errors alone and marks the rest as backend
// failures.
func backendErr(err error, msg string) error {
	if domain.Known(err) {
		return err
	}
	return domain.Unavailable(err, msg)
}

// A blob missing under a live record means a concurrent burn or reap got
// there first.
func blobErr(err error) error {
	if errors.Is(err, blob.ErrBlobNotFound) {
		return domain.ErrPasteNotFound
	}
	return backendErr(err, "blob get")
}

func readOutcome(out *domain.Paste, err error) string {
	switch {
	case err == nil && out.Burned:
		return "burned"
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrPasteNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrPasteExpired):
		return "expired"
	case errors.Is(err, domain.ErrPasswordRequired):
		return "password_required"
	case errors.Is(err, domain.ErrWrongPassword):
		return "wrong_password"
	case errors.Is(err, domain.ErrBackendUnavailable):
		return "unavailable"
	}
	return "error"
}
