package txmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
)

func TestPoolExhaustion(t *testing.T) {
	pool := NewPool(2, 20*time.Millisecond, nil)

	r1, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	r2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pool.InUse())

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrPoolExhausted)

	r1()
	r1()
	assert.Equal(t, 1, pool.InUse(), "double release frees one slot")

	r3, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	r2()
	r3()
	assert.Equal(t, 0, pool.InUse())
}

func TestPoolAcquireHonoursCancellation(t *testing.T) {
	pool := NewPool(1, time.Second, nil)
	release, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(3, time.Second, nil)

	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := pool.Acquire(context.Background())
			if err != nil {
				return
			}
			defer release()
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			current--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, 3)
	assert.Equal(t, 0, pool.InUse())
}
