package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldown        = 30 * time.Second
)

// breaker opens after maxFailures consecutive backend errors and lets one
// probe through once cooldown has passed.
type breaker struct {
	failures int32
	state    int32
	openedAt int64
	now      func() time.Time
}

func (b *breaker) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

func (b *breaker) check() error {
	switch atomic.LoadInt32(&b.state) {
	case circuitOpen:
		opened := atomic.LoadInt64(&b.openedAt)
		if b.clock().UnixNano()-opened >= int64(cooldown) &&
			atomic.CompareAndSwapInt32(&b.state, circuitOpen, circuitHalfOpen) {
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

// record feeds the outcome of one call. Misses and caller cancellations do
// not count against the backend.
func (b *breaker) record(err error) {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		atomic.StoreInt32(&b.failures, 0)
		atomic.StoreInt32(&b.state, circuitClosed)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if atomic.LoadInt32(&b.state) == circuitHalfOpen {
		b.trip()
		return
	}
	if atomic.AddInt32(&b.failures, 1) >= maxFailures &&
		atomic.CompareAndSwapInt32(&b.state, circuitClosed, circuitOpen) {
		atomic.StoreInt64(&b.openedAt, b.clock().UnixNano())
	}
}

func (b *breaker) trip() {
	atomic.StoreInt32(&b.state, circuitOpen)
	atomic.StoreInt64(&b.openedAt, b.clock().UnixNano())
	atomic.StoreInt32(&b.failures, 0)
}
