package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryUserLocker(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryUserLocker()

	release, ok, err := l.TryAcquireUserLock(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)

	locked, _ := l.IsLocked(ctx, 7)
	assert.True(t, locked)
	other, _ := l.IsLocked(ctx, 8)
	assert.False(t, other, "locks are per user")

	_, ok, err = l.TryAcquireUserLock(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok, "a held lock is never handed out twice")

	release()
	release()
	locked, _ = l.IsLocked(ctx, 7)
	assert.False(t, locked)

	release2, ok, err := l.TryAcquireUserLock(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	// A stale release must not free a lock taken after it
	release()
	locked, _ = l.IsLocked(ctx, 7)
	assert.True(t, locked)
	release2()
}

func TestMemoryUserLocker_SingleWinnerUnderContention(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryUserLocker()

	var winners int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok, _ := l.TryAcquireUserLock(ctx, 1); ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}
