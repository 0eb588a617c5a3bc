package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	return NewLocker(client, 10*time.Second, time.Millisecond, zerolog.Nop()), s
}

func TestLocker_AcquireAndRelease(t *testing.T) {
	l, s := newTestLocker(t)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "escrow:1")
	require.NoError(t, err)
	assert.True(t, s.Exists("lock:escrow:1"))

	unlock()
	assert.False(t, s.Exists("lock:escrow:1"))
}

func TestLocker_BlocksUntilReleased(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "account:a")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		second, err := l.Lock(ctx, "account:a")
		if assert.NoError(t, err) {
			close(acquired)
			second()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	case <-time.After(30 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second holder never acquired the lock")
	}
}

func TestLocker_ContextDeadline(t *testing.T) {
	l, _ := newTestLocker(t)
	unlock, err := l.Lock(context.Background(), "escrow:1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "escrow:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocker_UnlockLeavesForeignLease(t *testing.T) {
	l, s := newTestLocker(t)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "escrow:1")
	require.NoError(t, err)

	// Our lease expired and another process took the key.
	require.NoError(t, s.Set("lock:escrow:1", "someone-else"))
	unlock()

	got, err := s.Get("lock:escrow:1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestLocker_MutualExclusion(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		inside int32
		broken int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "escrow:hot")
			if !assert.NoError(t, err) {
				return
			}
			if atomic.AddInt32(&inside, 1) > 1 {
				atomic.StoreInt32(&broken, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Zero(t, atomic.LoadInt32(&broken))
}
