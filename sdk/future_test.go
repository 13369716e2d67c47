package sdk

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := newFuture[int]()
	require.True(t, f.resolve(1, nil))
	require.False(t, f.resolve(2, errors.New("late")))

	v, err := f.wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)

	// Every waiter sees the same result.
	v, err = f.wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestFutureWatchdogFires(t *testing.T) {
	f := newFuture[int]()
	f.watch(10*time.Millisecond, func() {
		f.resolve(0, &TimeoutError{Op: "test", After: 10 * time.Millisecond})
	})

	_, err := f.wait(context.Background())
	require.True(t, IsTimeout(err))
}

func TestFutureCancelBeatsTimeout(t *testing.T) {
	var fired atomic.Bool
	f := newFuture[int]()
	f.watch(20*time.Millisecond, func() { fired.Store(true) })

	require.True(t, f.cancel())
	_, err := f.wait(context.Background())
	require.ErrorIs(t, err, ErrCancelled)

	time.Sleep(50 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestFutureWaitHonoursContext(t *testing.T) {
	f := newFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFutureCancelDuringTimeoutCallback(t *testing.T) {
	f := newFuture[int]()
	entered := make(chan struct{})
	release := make(chan struct{})
	timedOut := make(chan bool, 1)
	f.watch(time.Millisecond, func() {
		close(entered)
		<-release
		timedOut <- f.resolve(0, &TimeoutError{Op: "test", After: time.Millisecond})
	})

	<-entered
	require.True(t, f.cancel())
	close(release)
	require.False(t, <-timedOut)

	_, err := f.wait(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
}

func TestFutureCancelRacesTimeout(t *testing.T) {
	for i := 0; i < 200; i++ {
		f := newFuture[int]()
		var timeoutWon atomic.Bool
		f.watch(time.Microsecond, func() {
			if f.resolve(0, &TimeoutError{Op: "test", After: time.Microsecond}) {
				timeoutWon.Store(true)
			}
		})

		cancelled := f.cancel()
		_, err := f.wait(context.Background())
		if cancelled {
			require.ErrorIs(t, err, ErrCancelled)
			time.Sleep(time.Millisecond)
			require.False(t, timeoutWon.Load())
		} else {
			require.True(t, IsTimeout(err))
		}
	}
}

func TestFutureRewatchDisarmsOldTimer(t *testing.T) {
	var first atomic.Bool
	f := newFuture[int]()
	f.watch(5*time.Millisecond, func() { first.Store(true) })
	f.watch(time.Hour, func() {})

	time.Sleep(30 * time.Millisecond)
	require.False(t, first.Load())
	require.True(t, f.cancel())
}
