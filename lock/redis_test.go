package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/lock"
)

func newLocker(t *testing.T) (*lock.RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.NewRedisLocker(client, time.Minute), mr
}

func TestRedisLocker_ExcludesSecondHolder(t *testing.T) {
	// GIVEN: u1 is locked
	// WHEN: A second caller tries with a short deadline
	// THEN: It times out with ErrLockNotAcquired; after release it succeeds

	l, mr := newLocker(t)
	key := generic.UnitLockKey("u1")

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, mr.Exists(key))

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, key)
	assert.ErrorIs(t, err, generic.ErrLockNotAcquired)
	assert.True(t, generic.IsRetryable(err))

	unlock()
	assert.False(t, mr.Exists(key))

	unlock2, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	unlock2()
}

func TestRedisLocker_ReleaseKeepsForeignToken(t *testing.T) {
	// GIVEN: Our lock expired and someone else took the key
	// WHEN: We release
	// THEN: Their lock survives

	l, mr := newLocker(t)
	key := generic.UnitLockKey("u1")

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	require.NoError(t, mr.Set(key, "someone-else"))

	unlock()
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLocker_Serializes(t *testing.T) {
	l, _ := newLocker(t)
	key := generic.UnitLockKey("u1")
	var inside, done atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			unlock, err := l.Lock(ctx, key)
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			assert.Equal(t, int32(1), inside.Add(1))
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			done.Add(1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), done.Load())
}
