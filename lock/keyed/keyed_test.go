package keyed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockSerialisesSameKey(t *testing.T) {
	l := New()
	ctx := context.Background()

	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "vm")
			if err != nil {
				t.Error(err)
				return
			}
			n := inside.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, peak.Load())
	require.Zero(t, l.Len())
}

func TestTryLock(t *testing.T) {
	l := New()

	unlock, ok := l.TryLock("a")
	require.True(t, ok)

	_, ok = l.TryLock("a")
	require.False(t, ok)

	other, ok := l.TryLock("b")
	require.True(t, ok)
	other()

	unlock()
	again, ok := l.TryLock("a")
	require.True(t, ok)
	again()
	require.Zero(t, l.Len())
}

func TestLockHonoursContext(t *testing.T) {
	l := New()
	unlock, ok := l.TryLock("a")
	require.True(t, ok)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Lock(ctx, "a")
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, 1, l.Len())
}
