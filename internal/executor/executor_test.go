package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/backendpool/pkg/faults"
)

func TestSubmitReturnsCallError(t *testing.T) {
	e := New(0)
	defer e.Close(time.Second)

	want := errors.New("boom")
	err := e.Submit(context.Background(), time.Second, func() error { return want })
	assert.ErrorIs(t, err, want)

	require.NoError(t, e.Submit(context.Background(), 0, func() error { return nil }))
	assert.Nil(t, e.Taint(), "ordinary errors must not taint")
}

func TestCallsAreSerialized(t *testing.T) {
	e := New(64)
	defer e.Close(time.Second)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Submit(context.Background(), 0, func() error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, uint64(32), e.Stats().Completed)
}

// A slow call times out and the next call fails fast without waiting.
func TestTimeoutTaintsExecutor(t *testing.T) {
	e := New(0)
	defer e.Close(2 * time.Second)

	release := make(chan struct{})
	start := time.Now()
	err := e.Submit(context.Background(), 100*time.Millisecond, func() error {
		<-release
		return nil
	})
	require.ErrorIs(t, err, faults.ErrCallTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	start = time.Now()
	ran := false
	err = e.Submit(context.Background(), time.Second, func() error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, faults.ErrSessionInvalidState)
	assert.ErrorIs(t, err, faults.ErrCallTimeout, "the original fault is kept as the cause")
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, ran)

	// The stalled call is still running, so recovery is refused.
	require.ErrorIs(t, e.Recover(), faults.ErrSessionInvalidState)
	assert.NotNil(t, e.Taint())

	close(release)
	require.Eventually(t, func() bool { return e.Recover() == nil }, time.Second, 10*time.Millisecond)
	assert.Nil(t, e.Taint())
	require.NoError(t, e.Submit(context.Background(), time.Second, func() error { return nil }))
	assert.Equal(t, uint64(1), e.Stats().TimedOut)
}

func TestContextCancellationTaints(t *testing.T) {
	e := New(0)
	defer e.Close(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := e.Submit(ctx, 0, func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	require.ErrorIs(t, err, faults.ErrCallTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, e.Stats().Tainted)
}

func TestPanicBecomesCallFailure(t *testing.T) {
	e := New(0)
	defer e.Close(time.Second)

	err := e.Submit(context.Background(), time.Second, func() error { panic("native crash") })
	require.ErrorIs(t, err, faults.ErrBackendCallFailure)
	require.NoError(t, e.Submit(context.Background(), time.Second, func() error { return nil }))
}

func TestClose(t *testing.T) {
	e := New(0)
	require.NoError(t, e.Close(time.Second))
	require.NoError(t, e.Close(time.Second), "Close is idempotent")

	err := e.Submit(context.Background(), time.Second, func() error { return nil })
	assert.ErrorIs(t, err, faults.ErrSessionInvalidState)
	assert.ErrorIs(t, e.Recover(), faults.ErrSessionInvalidState)
}

func TestCloseReportsHungCall(t *testing.T) {
	e := New(0)
	release := make(chan struct{})
	defer close(release)

	_ = e.Submit(context.Background(), 10*time.Millisecond, func() error {
		<-release
		return nil
	})
	assert.Error(t, e.Close(50*time.Millisecond))
}
