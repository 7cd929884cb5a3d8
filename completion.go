package micdma

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DerLukas15/micdma/ringmem"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// IRQFunc is code that runs on the interrupt path. It must not block, sleep or call back into the channel
// that invoked it. Callbacks running longer than the configured budget are logged and counted.
type IRQFunc func(cookie uint64)

// Completion is the callback of an interrupt driven submission.
type Completion struct {
	Func   IRQFunc
	Cookie uint64
}

// intrRing is the interrupt completion ring with one callback per slot.
type intrRing struct {
	mu      sync.Mutex // serializes the interrupt handler and teardown
	ring    *RingBuffer
	cbs     []atomic.Pointer[Completion]
	oldTail int
}

func (r *intrRing) reset(ring *RingBuffer) {
	r.ring = ring
	r.cbs = make([]atomic.Pointer[Completion], ring.Size())
	r.oldTail = 0
}

// PollCompletion reports whether the submission behind a poll cookie has completed.
func (c *Channel) PollCompletion(cookie int) (bool, error) {
	if c.poll == nil {
		return false, errors.Wrapf(ErrNoDevice, "poll completion channel %d", c.num)
	}
	if cookie < 0 || cookie >= c.poll.Size() {
		return false, errors.Wrapf(ErrInvalid, "poll cookie %d", cookie)
	}
	c.poll.Refresh()
	return c.poll.IsProcessed(cookie), nil
}

// HandleInterrupt runs the callbacks of every interrupt slot the hardware completed since the last call,
// frees those slots and wakes waiters. Redundant calls are harmless: every callback runs at most once.
func (c *Channel) HandleInterrupt() {
	c.intr.mu.Lock()
	if c.intr.ring == nil {
		c.intr.mu.Unlock()
		return
	}
	if c.statusWB != nil {
		if wb := c.loadStatusWriteback(); wb&statusWritebackErrorBit != 0 {
			c.m.hwErrors.Inc(1)
			c.log.WithField("dstatwb", wb).Error("DMA hardware error")
		}
	}

	r := c.intr.ring
	size := r.Size()
	newTail := r.ReadTail()
	oldTail := c.intr.oldTail
	i := 0
	for ; i < size && oldTail != newTail; i++ {
		if cb := c.intr.cbs[oldTail].Swap(nil); cb != nil {
			c.runCallback(cb)
		}
		oldTail = incrIndex(oldTail, size)
	}
	c.intr.oldTail = newTail
	r.ReleaseThrough(newTail)
	c.intr.mu.Unlock()

	c.intrWQ.notify()
	if i == size && oldTail != newTail {
		c.m.integrity.Inc(1)
		c.log.WithFields(logrus.Fields{"old_tail": oldTail, "new_tail": newTail}).
			Error("interrupt ring walk did not reach the new tail")
	}
}

func (c *Channel) runCallback(cb *Completion) {
	c.m.callbacks.Inc(1)
	if cb.Func == nil {
		return
	}
	start := time.Now()
	cb.Func(cb.Cookie)
	took := time.Since(start)
	c.m.callbackTime.Update(took)
	if took > c.s.callbackBudget {
		c.m.slowCallbacks.Inc(1)
		c.rlog.Warnf("interrupt callback took %s, budget is %s", took, c.s.callbackBudget)
	}
}

func (c *Channel) loadStatusWriteback() uint32 {
	return ringmem.Load32(c.statusWB, 0)
}

// serviceInterrupts runs the interrupt handler from a waiter when the device does not deliver interrupts.
func (c *Channel) serviceInterrupts() {
	if c.dc.pollInterrupts {
		c.HandleInterrupt()
	}
}

// intrPoll is the recheck interval of interrupt ring waits.
func (c *Channel) intrPoll() time.Duration {
	if c.dc.pollInterrupts {
		return c.s.pollInterval
	}
	return 0
}

// waitIntrSlot waits for a free interrupt slot and returns it without taking it.
func (c *Channel) waitIntrSlot(ctx context.Context, atomicMode bool) (int, error) {
	r := c.intr.ring
	idx := r.Peek()
	if idx >= 0 || atomicMode {
		if idx < 0 {
			c.serviceInterrupts()
			if idx = r.Peek(); idx < 0 {
				return -1, ErrNoSpace
			}
		}
		return idx, nil
	}
	err := c.intrWQ.wait(ctx, c.s.timeout, c.intrPoll(), true, func() bool {
		c.serviceInterrupts()
		idx = r.Peek()
		return idx >= 0
	})
	if err == errWaitTimeout {
		c.m.timeouts.Inc(1)
		c.rlog.Errorf("no interrupt slot after %s", c.s.timeout)
		return -1, errWaitTimeout
	}
	return idx, err
}

// Mark returns the current DMA mark: the interrupt slot the next mark will take.
func (c *Channel) Mark() int {
	if c.intr.ring == nil {
		return -1
	}
	return c.intr.ring.Head()
}

// IsCurrentMark reports whether mark is the current DMA mark.
func (c *Channel) IsCurrentMark(mark int) bool {
	return c.Mark() == mark
}

// IsMarkProcessed reports whether everything submitted before mark has completed and the interrupt for it
// was handled.
func (c *Channel) IsMarkProcessed(mark int) bool {
	if c.intr.ring == nil {
		return false
	}
	return c.intr.ring.IsProcessed(mark)
}

// WaitMark blocks until mark is processed.
//
// Each wait lasts the configured timeout. When it expires the hardware tail is compared with the one seen at
// the previous expiry: as long as it moves the wait is retried, up to the fence retry limit. A tail that did
// not move means the channel is hung and ErrHung is returned. The first expiry always retries.
// With interruptible set, cancelling ctx ends the wait with ErrInterrupted.
func (c *Channel) WaitMark(ctx context.Context, mark int, interruptible bool) error {
	if c.intr.ring == nil {
		return errors.Wrapf(ErrNoDevice, "wait mark channel %d", c.num)
	}
	var prevTail uint32
	count := 0
	for {
		err := c.intrWQ.wait(ctx, c.s.timeout, c.intrPoll(), interruptible, func() bool {
			c.serviceInterrupts()
			return c.IsMarkProcessed(mark)
		})
		if err == nil {
			return nil
		}
		if err != errWaitTimeout {
			return errors.Wrapf(err, "wait mark %d channel %d", mark, c.num)
		}
		newTail := c.dev.ReadTail(c.hwNum)
		if count <= c.s.fenceRetries && (count == 0 || newTail != prevTail) {
			prevTail = newTail
			count++
			logOutput(c.log, "fence wait still ongoing")
			continue
		}
		c.m.hangs.Inc(1)
		c.rlog.Errorf("mark %d not processed, hardware tail stuck at %d", mark, newTail)
		return errors.Wrapf(ErrHung, "wait mark %d channel %d", mark, c.num)
	}
}
