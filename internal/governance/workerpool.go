package governance

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrSaturated is returned when no worker slot frees up within the queue timeout.
var ErrSaturated = errors.New("worker pool saturated")

// WorkerPool bounds the number of pipeline runs in flight. Callers wait up to
// the queue timeout for a slot before being rejected.
type WorkerPool struct {
	sem          *semaphore.Weighted
	size         int64
	queueTimeout time.Duration
	inFlight     atomic.Int64
	rejected     atomic.Int64
}

// NewWorkerPool creates a pool with size slots. A zero queueTimeout rejects
// immediately when the pool is full.
func NewWorkerPool(size int, queueTimeout time.Duration) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:          semaphore.NewWeighted(int64(size)),
		size:         int64(size),
		queueTimeout: queueTimeout,
	}
}

// Acquire reserves a slot. The returned release func must be called exactly once.
func (p *WorkerPool) Acquire(ctx context.Context) (func(), error) {
	if !p.sem.TryAcquire(1) {
		if p.queueTimeout <= 0 {
			p.rejected.Add(1)
			return nil, ErrSaturated
		}
		waitCtx, cancel := context.WithTimeout(ctx, p.queueTimeout)
		err := p.sem.Acquire(waitCtx, 1)
		cancel()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			p.rejected.Add(1)
			return nil, ErrSaturated
		}
	}

	p.inFlight.Add(1)
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			p.inFlight.Add(-1)
			p.sem.Release(1)
		}
	}, nil
}

// Size returns the number of slots.
func (p *WorkerPool) Size() int {
	return int(p.size)
}

// InFlight returns the number of slots currently held.
func (p *WorkerPool) InFlight() int {
	return int(p.inFlight.Load())
}

// Rejected returns the number of acquisitions refused since start.
func (p *WorkerPool) Rejected() int64 {
	return p.rejected.Load()
}
