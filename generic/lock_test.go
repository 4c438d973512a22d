package generic_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/unit-ledger/generic"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	// GIVEN: 50 goroutines incrementing a plain int under one key
	// THEN: No update is lost

	km := generic.NewKeyedMutex()
	ctx := context.Background()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(ctx, generic.UnitLockKey("u1"))
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	km := generic.NewKeyedMutex()
	ctx := context.Background()

	unlock1, err := km.Lock(ctx, generic.UnitLockKey("u1"))
	require.NoError(t, err)
	defer unlock1()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlock2, err := km.Lock(ctx2, generic.UnitLockKey("u2"))
	require.NoError(t, err)
	unlock2()
}

func TestKeyedMutex_TimesOut(t *testing.T) {
	km := generic.NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "k")
	assert.ErrorIs(t, err, generic.ErrLockNotAcquired)
	assert.True(t, generic.IsRetryable(err))

	unlock()
	unlock() // idempotent

	unlock, err = km.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
}
