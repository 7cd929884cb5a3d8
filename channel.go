package micdma

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/DerLukas15/micdma/ringmem"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Channel is one hardware DMA channel of a Context.
//
// A channel is AVAILABLE or INUSE. Only the goroutine that moved it to INUSE, through Context.ReserveChannel,
// Context.AllocateChannel or Request, may submit work on it. Completion state can be queried by anyone.
type Channel struct {
	num   int // index in the context, also the interrupt bit
	hwNum int // number the device returned from RequestChannel
	owner Owner
	state atomic.Int32

	dc  *Context
	dev Device
	s   *settings

	// live is set while the rings below exist. Submitters hold rings for reading, destroy holds it exclusively.
	live      atomic.Bool
	rings     sync.RWMutex
	descRing  *DescRing
	nextWrite atomic.Uint32 // next descriptor ring index, written by the INUSE holder
	poll      *RingBuffer
	intr      intrRing
	statusWB  ringmem.Mem // status write-back word, KNC B0 and later

	// saved over a low power transition
	savedRingPhys uint64
	savedWBPhys   uint64

	accessWQ waitQueue // channel became AVAILABLE
	intrWQ   waitQueue // interrupt ring moved

	log  *logrus.Entry
	rlog *rateLimitedLogger
	m    *channelMetrics
}

func newChannel(dc *Context, num, hwNum int, owner Owner) *Channel {
	c := &Channel{
		num:   num,
		hwNum: hwNum,
		owner: owner,
		dc:    dc,
		dev:   dc.dev,
		s:     &dc.s,
		m:     newChannelMetrics(dc.s.registry, dc.deviceNum, num),
	}
	c.log = dc.log.WithFields(logrus.Fields{"chan": num, "owner": owner.String()})
	c.rlog = newRateLimitedLogger(c.log, logRateInterval)
	// channels start reserved, setup makes owned ones available
	c.state.Store(chanInUse)
	return c
}

// setup allocates the rings of a channel owned by this side and programs the hardware.
func (c *Channel) setup() error {
	q := c.dc.quirks
	s := c.s
	readTail := func() uint32 { return c.dev.ReadCompletionCount(c.hwNum) & HWCompletionCountMask }
	if q.ConservativeSpaceCheck {
		readTail = func() uint32 { return c.dev.ReadTail(c.hwNum) }
	}
	var err error
	c.descRing, err = newDescRing(s.allocator, s.descRingSize, readTail)
	if err != nil {
		return errors.Wrapf(err, "channel %d setup", c.num)
	}
	if q.ReserveHeadMinusOne {
		c.statusWB, err = s.allocator.Alloc(8)
		if err != nil {
			c.destroy()
			return errors.Wrapf(err, "channel %d status write-back", c.num)
		}
	}
	if err := c.program(c.descRing.Phys()); err != nil {
		c.destroy()
		return err
	}

	c.poll, err = NewRingBuffer(s.allocator, s.pollRingSize, q.ringReserve(), true)
	if err != nil {
		c.destroy()
		return errors.Wrapf(err, "channel %d polling ring", c.num)
	}
	ring, err := NewRingBuffer(s.allocator, s.intrRingSize, q.ringReserve(), false)
	if err != nil {
		c.destroy()
		return errors.Wrapf(err, "channel %d interrupt ring", c.num)
	}
	c.intr.reset(ring)

	c.live.Store(true)
	c.state.Store(chanAvailable)
	logOutput(c.log, "channel set up "+q.String())
	return nil
}

// program points the hardware at the descriptor ring and picks the write index up at the hardware head.
func (c *Channel) program(ringPhys uint64) error {
	c.dev.UnmaskInterrupt(c.hwNum)
	if c.statusWB != nil {
		c.dev.SetStatusWriteback(c.hwNum, c.statusWB.PhysAddr())
	}
	if err := c.dev.SetDescRing(c.hwNum, ringPhys, c.descRing.Size()); err != nil {
		return errors.Wrapf(err, "channel %d set descriptor ring", c.num)
	}
	head := c.dev.ReadHead(c.hwNum) % c.descRing.Size()
	c.nextWrite.Store(head)
	c.descRing.resetTail(head)
	c.dev.UnmaskInterrupt(c.hwNum)
	return nil
}

// destroy frees the rings. The interrupt handler is locked out first.
func (c *Channel) destroy() {
	c.live.Store(false)
	c.rings.Lock()
	defer c.rings.Unlock()
	c.intr.mu.Lock()
	defer c.intr.mu.Unlock()
	if c.intr.ring != nil {
		c.intr.ring.Close()
		c.intr.ring = nil
		c.intr.cbs = nil
	}
	if c.poll != nil {
		c.poll.Close()
		c.poll = nil
	}
	if c.descRing != nil {
		c.descRing.close()
		c.descRing = nil
	}
	if c.statusWB != nil {
		c.statusWB.Close()
		c.statusWB = nil
	}
}

// Number is the channel number within its context.
func (c *Channel) Number() int { return c.num }

func (c *Channel) Owner() Owner { return c.owner }

// InUse reports whether the channel is currently held.
func (c *Channel) InUse() bool { return c.state.Load() == chanInUse }

// Initialized reports whether this side drives the channel.
func (c *Channel) Initialized() bool { return c.live.Load() }

// DescRing returns the descriptor ring, nil for channels of the other side.
func (c *Channel) DescRing() *DescRing { return c.descRing }

// NextWriteIndex is the descriptor ring index the next submission starts at.
func (c *Channel) NextWriteIndex() uint32 { return c.nextWrite.Load() }

// PollRing and IntrRing expose the completion rings for diagnostics.
func (c *Channel) PollRing() *RingBuffer { return c.poll }

func (c *Channel) IntrRing() *RingBuffer { return c.intr.ring }

// tryAcquire moves the channel from AVAILABLE to INUSE.
func (c *Channel) tryAcquire() bool {
	return c.state.CompareAndSwap(chanAvailable, chanInUse)
}

// Request blocks until the channel could be moved to INUSE. It fails with ErrBusy after the configured timeout
// and with ErrInterrupted when ctx is done first. Channels of the other side fail with ErrNotOwned right away.
func (c *Channel) Request(ctx context.Context) error {
	if c.owner != c.s.side {
		return errors.Wrapf(ErrNotOwned, "request channel %d", c.num)
	}
	err := c.accessWQ.wait(ctx, c.s.timeout, 0, true, c.tryAcquire)
	if err == errWaitTimeout {
		c.m.timeouts.Inc(1)
		c.rlog.Errorf("request timed out after %s", c.s.timeout)
		return errors.Wrapf(ErrBusy, "request channel %d", c.num)
	}
	return errors.Wrapf(err, "request channel %d", c.num)
}

// Free returns the channel. Freeing a channel that is not in use is a programming error and panics.
func (c *Channel) Free() {
	if !c.state.CompareAndSwap(chanInUse, chanAvailable) {
		panic(errors.Errorf("micdma: free of channel %d which is not in use", c.num))
	}
	c.accessWQ.notify()
}

// verifyNextWrite checks the channel can take descriptors. Callers hold rings for reading.
func (c *Channel) verifyNextWrite() error {
	if c.descRing == nil || !c.live.Load() {
		return errors.Wrapf(ErrNoDevice, "channel %d", c.num)
	}
	if idx := c.nextWrite.Load(); idx >= c.descRing.Size() {
		c.m.integrity.Inc(1)
		c.log.WithField("next_write_index", idx).Error("next write index out of bounds")
		return errors.Wrapf(ErrNoDevice, "channel %d next write index %d", c.num, idx)
	}
	return nil
}
