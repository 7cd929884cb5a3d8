package micdma

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestWaitQueue_Notify(t *testing.T) {
	var q waitQueue
	var ready atomic.Bool
	go func() {
		time.Sleep(10 * time.Millisecond)
		ready.Store(true)
		q.notify()
	}()
	err := q.wait(context.Background(), 5*time.Second, 0, true, ready.Load)
	assert.NoError(t, err)
}

func TestWaitQueue_Timeout(t *testing.T) {
	var q waitQueue
	start := time.Now()
	err := q.wait(context.Background(), 20*time.Millisecond, 0, true, func() bool { return false })
	assert.Equal(t, errWaitTimeout, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitQueue_PollWithoutNotify(t *testing.T) {
	var q waitQueue
	var checks atomic.Int32
	err := q.wait(context.Background(), 5*time.Second, time.Millisecond, true, func() bool {
		return checks.Add(1) > 3
	})
	assert.NoError(t, err)
}

func TestWaitQueue_Interrupted(t *testing.T) {
	var q waitQueue
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.wait(ctx, 5*time.Second, 0, true, func() bool { return false })
	assert.True(t, errors.Is(err, ErrInterrupted))

	// not interruptible: the cancelled context is ignored until the timeout
	err = q.wait(ctx, 10*time.Millisecond, 0, false, func() bool { return false })
	assert.Equal(t, errWaitTimeout, err)
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), ErrInterrupted)
}
