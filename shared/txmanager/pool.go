package txmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/metrics"
)

// Pool bounds the number of concurrently open transactions. It sits in
// front of database/sql's own pool so a saturated service fails fast with
// ErrPoolExhausted instead of queueing without limit.
type Pool struct {
	slots   chan struct{}
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewPool creates a pool with size slots. Acquire waits at most timeout.
func NewPool(size int, timeout time.Duration, m *metrics.Metrics) *Pool {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if size < 1 {
		size = 1
	}
	return &Pool{
		slots:   make(chan struct{}, size),
		timeout: timeout,
		metrics: m,
	}
}

// Acquire takes a slot. The returned release func must be called exactly
// once; it is safe to defer immediately.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		p.metrics.PoolAcquired(time.Since(start))
		var released bool
		return func() {
			if released {
				return
			}
			released = true
			<-p.slots
		}, nil
	case <-timer.C:
		p.metrics.PoolExhausted()
		return nil, fmt.Errorf("%w: no slot within %s", apperrors.ErrPoolExhausted, p.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InUse returns the number of held slots.
func (p *Pool) InUse() int { return len(p.slots) }

// Size returns the capacity of the pool.
func (p *Pool) Size() int { return cap(p.slots) }
