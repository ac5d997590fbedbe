package svc

import (
	"context"
	"time"

	"snipbin/metrics"
	"snipbin/svc/util"

	"github.com/pkg/errors"
)

const (
	defaultReapBatch = 500
	maxReapPasses    = 20
)

// StartReaper removes expired pastes from every tier on a fixed interval.
func (p *Paste) StartReaper(ctx context.Context, interval time.Duration, batch int) error {
	if interval <= 0 {
		return errors.New("reaper interval must be positive")
	}
	if !p.reaping.CompareAndSwap(false, true) {
		return errors.New("reaper already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.mu.Lock()
	p.stopReap = cancel
	p.reapDone = done
	p.mu.Unlock()
	go p.runReaper(ctx, interval, batch, done)
	return nil
}

// StopReaper cancels the reaper and waits for the current pass to end.
func (p *Paste) StopReaper() {
	p.mu.Lock()
	cancel, done := p.stopReap, p.reapDone
	p.stopReap, p.reapDone = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Paste) runReaper(ctx context.Context, interval time.Duration, batch int, done chan struct{}) {
	defer close(done)
	defer p.reaping.Store(false)
	reqID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, reqID)
	log := util.Component("reaper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info().
		Str("request_id", reqID).
		Dur("interval", interval).
		Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("request_id", reqID).
				Msg("reaper shutting down")
			return
		case <-ticker.C:
			n, err := p.Reap(ctx, batch)
			if err != nil && ctx.Err() == nil {
				log.Error().
					Err(err).
					Str("request_id", reqID).
					Msg("reap failed")
			} else if n > 0 {
				log.Info().
					Int("reaped", n).
					Str("request_id", reqID).
					Msg("reap completed")
			}
		}
	}
}

// Reap deletes pastes whose expiry has passed and returns how many
// metadata rows it removed.
func (p *Paste) Reap(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = defaultReapBatch
	}
	metrics.ReapCycles.Inc()
	total := 0
	for pass := 0; pass < maxReapPasses; pass++ {
		recs, err := p.meta.ListExpired(ctx, p.now().UTC(), batch)
		if err != nil {
			return total, errors.Wrap(err, "list expired")
		}
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			if p.unpublish(ctx, rec, "expired") {
				metrics.Reaped.Inc()
				total++
			}
		}
		if len(recs) < batch {
			break
		}
	}
	return total, nil
}
