package pool

import (
	"context"
	"sync/atomic"

	"github.com/veighnsche/inferd/pkg/types"
)

// Lease is a single-use borrow of one worker, obtainable only through
// Acquire. It guarantees the worker is handed back exactly once, whatever
// the exit path.
type Lease struct {
	w        *Worker
	p        *Pool
	gen      uint64
	released atomic.Bool
}

// WorkerID identifies the borrowed worker.
func (l *Lease) WorkerID() string { return l.w.ID }

// Query runs one exchange on the leased worker. Calling Query on a released
// lease fails fast without touching any worker.
func (l *Lease) Query(ctx context.Context, req types.QueryRequest) (types.QueryResult, error) {
	if l.released.Load() {
		return types.QueryResult{}, ErrLeaseReleased
	}
	return l.w.Query(ctx, req)
}

// Release returns the worker to the pool. The first call does the
// hand-back; every later call is a deterministic no-op.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.p.release(l.w, l.gen)
}
