package micdma

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/retry.v1"
)

// waitError turns a wait result into the error of op. Timeouts become timeoutErr.
func (c *Channel) waitError(err, timeoutErr error, op string) error {
	if err == errWaitTimeout {
		return errors.Wrapf(timeoutErr, "%s channel %d", op, c.num)
	}
	return errors.Wrapf(err, "%s channel %d", op, c.num)
}

// waitSpace waits until n descriptors fit at head. Atomic callers fail right away.
func (c *Channel) waitSpace(ctx context.Context, head, n uint32, timeout time.Duration, atomicMode bool) error {
	strategy := retry.Regular{Total: timeout, Delay: c.s.pollInterval}
	for a := retry.Start(strategy, nil); a.Next(); {
		if !c.live.Load() {
			return errors.Wrapf(ErrNoDevice, "channel %d closed", c.num)
		}
		if c.descRing.AvailableSpace(head, n) >= n {
			return nil
		}
		if atomicMode {
			return ErrNoSpace
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(ErrInterrupted, err.Error())
		}
	}
	if c.descRing.AvailableSpace(head, n) >= n {
		return nil
	}
	c.m.timeouts.Inc(1)
	c.rlog.Errorf("no descriptor ring space for %d descriptors after %s", n, timeout)
	return errWaitTimeout
}

// Submit queues a copy of length bytes from src to dst, both bus addresses, and returns the poll cookie when
// FlagPoll is set, 0 otherwise.
/*
The copy is split into memcopy descriptors of at most the configured max transfer size. Completion tracking
follows the data descriptors:

FlagPoll takes a polling ring slot. Use PollCompletion or WaitPoll with the returned cookie.

FlagIntr takes an interrupt ring slot for cb, waiting for one if the ring is full. cb.Func runs on the
interrupt path once the copy completed.

FlagAtomic never waits. A full ring fails with ErrNoSpace.

Nothing is handed to the hardware unless the whole submission fits, the hardware head is written once at the
end. A zero length submission only queues the status descriptors and works as a fence.
The caller must hold the channel.
*/
func (c *Channel) Submit(ctx context.Context, flags Flags, src, dst, length uint64, cb *Completion) (int, error) {
	if flags&FlagIntr != 0 && cb == nil {
		return -1, errors.Wrapf(ErrInvalid, "submit channel %d: interrupt completion without callback", c.num)
	}
	c.rings.RLock()
	defer c.rings.RUnlock()
	if err := c.verifyNextWrite(); err != nil {
		return -1, errors.Wrap(err, "submit")
	}
	atomicMode := flags&FlagAtomic != 0
	q := c.dc.quirks
	size := c.descRing.Size()

	intrIdx, pollIdx := -1, -1
	var statusDescs uint32
	if flags&FlagIntr != 0 {
		idx, err := c.waitIntrSlot(ctx, atomicMode)
		if err != nil {
			return -1, c.waitError(err, ErrNoSpace, "submit")
		}
		intrIdx = idx
		statusDescs += q.statusDescriptors()
	}
	if flags&FlagPoll != 0 {
		if pollIdx = c.poll.Peek(); pollIdx < 0 {
			return -1, errors.Wrapf(ErrNoSpace, "submit channel %d: polling ring full", c.num)
		}
		statusDescs++
	}

	// descriptors are written from idx on. nextWrite only moves once everything fit.
	idx := c.nextWrite.Load()
	var descs int64
	maxXfer := uint64(c.s.maxTransferSize)
	for remaining := length; remaining > 0; {
		chunk := remaining
		if chunk > maxXfer {
			chunk = maxXfer
		}
		if err := c.waitSpace(ctx, idx, 1, c.s.transferTimeout(chunk), atomicMode); err != nil {
			return -1, c.waitError(err, ErrNoSpace, "submit")
		}
		c.descRing.ProgramMemcopy(idx, src, dst, chunk)
		idx = incrDescIndex(idx, size)
		descs++
		src += chunk
		dst += chunk
		remaining -= chunk
	}

	if statusDescs > 0 {
		if err := c.waitSpace(ctx, idx, statusDescs, c.s.timeout, atomicMode); err != nil {
			return -1, c.waitError(err, ErrNoSpace, "submit")
		}
	}
	if pollIdx >= 0 {
		c.poll.Advance()
		c.descRing.ProgramStatus(idx, uint64(pollIdx), c.poll.TailPhys(), false)
		idx = incrDescIndex(idx, size)
		descs++
	}
	if intrIdx >= 0 {
		stored := *cb
		c.intr.cbs[intrIdx].Store(&stored)
		idx, descs = c.commitIntrSlot(idx, intrIdx, descs)
	}

	c.nextWrite.Store(idx)
	c.dev.WriteHead(c.hwNum, idx)

	c.m.submits.Inc(1)
	c.m.bytes.Inc(int64(length))
	c.m.descriptors.Inc(descs)
	if pollIdx >= 0 {
		return pollIdx, nil
	}
	return 0, nil
}

// commitIntrSlot takes the peeked interrupt slot and programs its status descriptors at idx
func (c *Channel) commitIntrSlot(idx uint32, slot int, descs int64) (uint32, int64) {
	size := c.descRing.Size()
	tailPhys := c.intr.ring.TailPhys()
	c.intr.ring.Advance()
	if c.dc.quirks.DuplicateStatus {
		c.descRing.ProgramStatus(idx, uint64(slot), tailPhys, false)
		idx = incrDescIndex(idx, size)
		descs++
	}
	c.descRing.ProgramStatus(idx, uint64(slot), tailPhys, true)
	return incrDescIndex(idx, size), descs + 1
}

// StatusUpdate queues a write of value to the bus address phys. The write happens after every descriptor
// queued before it on this channel. The caller must hold the channel.
func (c *Channel) StatusUpdate(ctx context.Context, phys, value uint64) error {
	c.rings.RLock()
	defer c.rings.RUnlock()
	if err := c.verifyNextWrite(); err != nil {
		return errors.Wrap(err, "status update")
	}
	idx := c.nextWrite.Load()
	if err := c.waitSpace(ctx, idx, 1, c.s.timeout, false); err != nil {
		return c.waitError(err, ErrBusy, "status update")
	}
	c.descRing.ProgramStatus(idx, value, phys, false)
	idx = incrDescIndex(idx, c.descRing.Size())
	c.nextWrite.Store(idx)
	c.dev.WriteHead(c.hwNum, idx)
	c.m.descriptors.Inc(1)
	return nil
}

// PlaceMark queues an interrupting status descriptor without callback and returns it as a mark. Once the mark
// is processed everything queued before it has completed. The caller must hold the channel.
func (c *Channel) PlaceMark(ctx context.Context) (int, error) {
	c.rings.RLock()
	defer c.rings.RUnlock()
	if err := c.verifyNextWrite(); err != nil {
		return -1, errors.Wrap(err, "place mark")
	}
	slot, err := c.waitIntrSlot(ctx, false)
	if err != nil {
		return -1, c.waitError(err, ErrBusy, "place mark")
	}
	idx := c.nextWrite.Load()
	n := c.dc.quirks.statusDescriptors()
	if err := c.waitSpace(ctx, idx, n, c.s.timeout, false); err != nil {
		return -1, c.waitError(err, ErrBusy, "place mark")
	}
	c.intr.cbs[slot].Store(nil)
	idx, descs := c.commitIntrSlot(idx, slot, 0)
	c.nextWrite.Store(idx)
	c.dev.WriteHead(c.hwNum, idx)
	c.m.marks.Inc(1)
	c.m.descriptors.Inc(descs)
	return slot, nil
}

// WaitPoll blocks until the submission behind cookie completed, retrying like WaitMark while the hardware
// makes progress.
func (c *Channel) WaitPoll(ctx context.Context, cookie int) error {
	var prevTail uint32
	count := 0
	deadline := time.Now().Add(c.s.timeout)
	for {
		done, err := c.PollCompletion(cookie)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			newTail := c.dev.ReadTail(c.hwNum)
			if count > c.s.fenceRetries || (count > 0 && newTail == prevTail) {
				c.m.hangs.Inc(1)
				c.rlog.Errorf("poll cookie %d not completed, hardware tail stuck at %d", cookie, newTail)
				return errors.Wrapf(ErrHung, "wait poll %d channel %d", cookie, c.num)
			}
			prevTail = newTail
			count++
			deadline = time.Now().Add(c.s.timeout)
			logOutput(c.log, "polling DMA still ongoing")
		}
		if err := sleepCtx(ctx, c.s.pollInterval); err != nil {
			return errors.Wrapf(err, "wait poll %d channel %d", cookie, c.num)
		}
	}
}

// DrainPoll waits until everything queued on the channel so far has completed, using a polling fence.
// The channel is requested for the fence only and must not be held by the caller.
func (c *Channel) DrainPoll(ctx context.Context) error {
	err := c.drain(ctx, func() error {
		cookie, err := c.Submit(ctx, FlagPoll, 0, 0, 0, nil)
		c.Free()
		if err != nil {
			return err
		}
		return c.WaitPoll(ctx, cookie)
	})
	return errors.Wrap(err, "drain poll")
}

// DrainIntr is DrainPoll with a mark as fence.
func (c *Channel) DrainIntr(ctx context.Context) error {
	err := c.drain(ctx, func() error {
		mark, err := c.PlaceMark(ctx)
		c.Free()
		if err != nil {
			return err
		}
		return c.WaitMark(ctx, mark, false)
	})
	return errors.Wrap(err, "drain intr")
}

// drain requests the channel and runs fence, which frees it again
func (c *Channel) drain(ctx context.Context, fence func() error) error {
	if !c.live.Load() {
		return errors.Wrapf(ErrNoDevice, "channel %d", c.num)
	}
	err := c.Request(ctx)
	if err == nil {
		err = fence()
	}
	if err != nil {
		c.log.WithError(err).Error("drain failed")
	}
	return err
}
