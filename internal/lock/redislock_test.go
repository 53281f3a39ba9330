package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pay/internal/lock"
)

func TestWithLockSerialisesHolders(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var (
		mu       sync.Mutex
		active   int
		overlaps int
		runs     int
	)
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(ctx, "order-sync:ORD-1-1700000000", time.Second, func(context.Context) error {
				mu.Lock()
				active++
				if active > 1 {
					overlaps++
				}
				mu.Unlock()
				time.Sleep(15 * time.Millisecond)
				mu.Lock()
				active--
				runs++
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 3, runs)
	require.Zero(t, overlaps)
	require.False(t, mr.Exists("lock:order-sync:ORD-1-1700000000"))
}

func TestTryWithLockDoesNotWait(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := lock.Locker{R: client, Prefix: "tokopay"}
	ctx := context.Background()

	err := locker.TryWithLock(ctx, "sweep", time.Minute, func(ctx context.Context) error {
		require.True(t, mr.Exists("tokopay:lock:sweep"))
		inner := locker.TryWithLock(ctx, "sweep", time.Minute, func(context.Context) error {
			t.Fatal("nested holder must not run")
			return nil
		})
		require.ErrorIs(t, inner, lock.ErrNotAcquired)
		return nil
	})
	require.NoError(t, err)
	require.False(t, mr.Exists("tokopay:lock:sweep"))
}
