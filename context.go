package micdma

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Context is the DMA state of one device: its channels and the allocation cursor. Contexts are shared
// between everyone who opened the device through a Manager.
type Context struct {
	deviceNum int
	dev       Device
	s         settings
	quirks    Quirks
	channels  [MaxChannels]*Channel

	// lastAllocated is the round robin cursor of AllocateChannel
	lastAllocated atomic.Int32
	// pollInterrupts is set when the device does not deliver interrupts. Waiters run the handler themselves.
	pollInterrupts bool

	log *logrus.Entry
}

// newContext initializes dev and its channels. Channels of the configured side get rings and become available.
func newContext(deviceNum int, dev Device, s settings) (*Context, error) {
	dc := &Context{
		deviceNum: deviceNum,
		dev:       dev,
		s:         s,
		log:       s.logger.WithField("device", deviceNum),
	}
	if err := dev.Init(); err != nil {
		return nil, errors.Wrapf(err, "device %d init", deviceNum)
	}
	dc.quirks = QuirksFor(dev.Family(), dev.Stepping())
	dc.lastAllocated.Store(-1)

	for i := range dc.channels {
		owner := OwnerHost
		if i > LastHostChannel {
			owner = OwnerCard
		}
		hw, err := dev.RequestChannel(owner)
		if err != nil {
			dc.teardown(false)
			return nil, errors.Wrapf(err, "device %d request channel %d", deviceNum, i)
		}
		ch := newChannel(dc, i, hw, owner)
		dc.channels[i] = ch
		if owner != s.side {
			continue
		}
		if err := ch.setup(); err != nil {
			dc.teardown(false)
			return nil, errors.Wrapf(err, "device %d", deviceNum)
		}
	}

	if src, ok := dev.(InterruptSource); ok {
		src.SetInterruptHandler(dc.HostInterrupt)
	} else {
		dc.pollInterrupts = true
	}
	dc.log.WithFields(logrus.Fields{
		"side":            s.side.String(),
		"quirks":          dc.quirks.String(),
		"poll_interrupts": dc.pollInterrupts,
	}).Info("DMA context initialized")
	return dc, nil
}

// teardown drains and frees every channel and uninitializes the device. Drain failures are logged only.
func (dc *Context) teardown(drain bool) {
	ctx := context.Background()
	for _, ch := range dc.channels {
		if ch == nil || !ch.live.Load() {
			continue
		}
		if drain {
			if err := ch.DrainIntr(ctx); err != nil {
				dc.log.WithError(err).WithField("chan", ch.num).Error("drain at close failed")
			}
			// keep the channel away from other users. A holder that never frees it is only locked out of the
			// rings by destroy.
			if err := ch.Request(ctx); err != nil {
				dc.log.WithError(err).WithField("chan", ch.num).Error("request at close failed")
			}
		}
	}
	if src, ok := dc.dev.(InterruptSource); ok {
		src.SetInterruptHandler(nil)
	}
	for _, ch := range dc.channels {
		if ch != nil {
			ch.live.Store(false)
		}
	}
	// the engines stop before their rings are freed
	if err := dc.dev.Uninit(); err != nil {
		dc.log.WithError(err).Error("device uninit failed")
	}
	for _, ch := range dc.channels {
		if ch == nil {
			continue
		}
		ch.destroy()
		dc.dev.FreeChannel(ch.hwNum)
	}
	if drain && dc.s.fenceDelay > 0 {
		// let waiters that still reference the channels time out
		time.Sleep(dc.s.fenceDelay)
	}
	dc.log.Info("DMA context closed")
}

// DeviceNum is the device number the context was opened for.
func (dc *Context) DeviceNum() int { return dc.deviceNum }

func (dc *Context) Quirks() Quirks { return dc.quirks }

// Channels returns all channels, including those of the other side.
func (dc *Context) Channels() []*Channel {
	return dc.channels[:]
}

// Metrics is the registry the channel counters live in.
func (dc *Context) Metrics() metrics.Registry { return dc.s.registry }

// ReserveChannel takes channel num if it is available. It does not wait.
func (dc *Context) ReserveChannel(num int) (*Channel, error) {
	if num < 0 || num >= MaxChannels {
		return nil, errors.Wrapf(ErrWrongChannel, "reserve channel %d", num)
	}
	ch := dc.channels[num]
	if ch.owner != dc.s.side {
		return nil, errors.Wrapf(ErrNotOwned, "reserve channel %d", num)
	}
	if !ch.tryAcquire() {
		return nil, errors.Wrapf(ErrBusy, "reserve channel %d", num)
	}
	return ch, nil
}

// AllocateChannel takes the first available channel, starting after the one allocated last.
func (dc *Context) AllocateChannel() (*Channel, error) {
	j := int(dc.lastAllocated.Load()) + 1
	for i := 0; i < MaxChannels; i, j = i+1, j+1 {
		ch := dc.channels[j%MaxChannels]
		if ch.tryAcquire() {
			dc.lastAllocated.Store(int32(j % MaxChannels))
			return ch, nil
		}
	}
	return nil, errors.Wrap(ErrBusy, "allocate channel")
}

// DrainGlobal drains every channel of this side through the interrupt path and stops at the first failure.
func (dc *Context) DrainGlobal(ctx context.Context) error {
	err := errors.Wrap(ErrInvalid, "drain global: no initialized channel")
	for _, ch := range dc.channels {
		if !ch.live.Load() {
			continue
		}
		if err = ch.DrainIntr(ctx); err != nil {
			return errors.Wrap(err, "drain global")
		}
	}
	return err
}

// HostInterrupt is the interrupt entry point. sicr0 is the interrupt cause register, bits 8 to 15 flag the
// channels with pending completions.
func (dc *Context) HostInterrupt(sicr0 uint32) {
	pending := sboxSicr0DMA(sicr0)
	for _, ch := range dc.channels {
		if ch == nil || pending&(1<<uint(ch.hwNum)) == 0 || !ch.live.Load() {
			continue
		}
		ch.m.interrupts.Inc(1)
		// ack
		dc.dev.MaskInterrupt(ch.hwNum)
		dc.dev.UnmaskInterrupt(ch.hwNum)
		ch.HandleInterrupt()
	}
}

// PrepareLowPower records the descriptor ring and status write-back addresses the device uses and resets the
// write indexes, the rings do not survive the power transition. Channels must be drained first.
func (dc *Context) PrepareLowPower() {
	for _, ch := range dc.channels {
		if !ch.live.Load() {
			continue
		}
		ch.savedRingPhys = dc.dev.DescRingPhys(ch.hwNum)
		ch.savedWBPhys = dc.dev.StatusWritebackPhys(ch.hwNum)
		ch.nextWrite.Store(0)
	}
	logOutput(dc.log, "prepared for low power")
}

// ResumeLowPower programs the saved descriptor rings into the device again.
func (dc *Context) ResumeLowPower() error {
	for _, ch := range dc.channels {
		if !ch.live.Load() {
			continue
		}
		phys := ch.savedRingPhys
		if phys == 0 {
			phys = ch.descRing.Phys()
		}
		if ch.statusWB != nil && ch.savedWBPhys != 0 && ch.savedWBPhys != ch.statusWB.PhysAddr() {
			ch.log.WithField("saved", ch.savedWBPhys).Warn("status write-back moved over low power")
		}
		if err := ch.program(phys); err != nil {
			return errors.Wrapf(err, "resume device %d", dc.deviceNum)
		}
	}
	logOutput(dc.log, "resumed from low power")
	return nil
}
