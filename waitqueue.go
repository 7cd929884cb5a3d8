package micdma

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// errWaitTimeout is returned by waitQueue.wait when the condition did not become true in time. Callers turn it
// into the error their operation reports.
var errWaitTimeout = errors.New("wait timed out")

// waitQueue lets goroutines sleep until another goroutine changed the state they wait on.
//
// Waiters take the notification channel before checking their condition, so a notify between the check and
// the sleep is not lost.
type waitQueue struct {
	mu sync.Mutex
	ch chan struct{}
}

func (q *waitQueue) listen() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil {
		q.ch = make(chan struct{})
	}
	return q.ch
}

// notify wakes every current waiter.
func (q *waitQueue) notify() {
	q.mu.Lock()
	if q.ch != nil {
		close(q.ch)
		q.ch = nil
	}
	q.mu.Unlock()
}

// wait blocks until cond returns true or timeout elapses. cond is also rechecked every poll interval when
// poll is positive. Cancelling ctx ends the wait with ErrInterrupted only if interruptible is set.
func (q *waitQueue) wait(ctx context.Context, timeout, poll time.Duration, interruptible bool, cond func() bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var tick <-chan time.Time
	if poll > 0 {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		tick = ticker.C
	}
	var done <-chan struct{}
	if interruptible {
		done = ctx.Done()
	}

	for {
		wake := q.listen()
		if cond() {
			return nil
		}
		select {
		case <-wake:
		case <-tick:
		case <-timer.C:
			if cond() {
				return nil
			}
			return errWaitTimeout
		case <-done:
			return errors.Wrap(ErrInterrupted, ctx.Err().Error())
		}
	}
}

// sleepCtx sleeps for d. It returns ErrInterrupted early when ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ErrInterrupted, ctx.Err().Error())
	}
}
