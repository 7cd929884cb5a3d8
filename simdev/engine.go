package simdev

import (
	"time"

	"github.com/DerLukas15/micdma"
	"github.com/DerLukas15/micdma/ringmem"
	"github.com/sirupsen/logrus"
)

// sicr0 interrupt bit of channel ch
func sicr0Bit(ch int) uint32 { return 1 << (8 + uint(ch)) }

// engine executes descriptors of c until the device is uninitialized.
func (d *Device) engine(c *channel) error {
	for {
		select {
		case <-d.t.Dying():
			return nil
		case <-c.kick:
		}
		d.deliver(c)
		for d.step(c) {
			if delay := time.Duration(c.delay.Load()); delay > 0 {
				select {
				case <-d.t.Dying():
					return nil
				case <-time.After(delay):
				}
			}
		}
	}
}

// step executes the descriptor at the tail. It returns false when there is nothing to do.
func (d *Device) step(c *channel) bool {
	n := c.numDesc.Load()
	if n == 0 || c.stalled.Load() {
		return false
	}
	tail := c.tail.Load()
	if tail == c.head.Load()%n {
		return false
	}
	b, err := d.heap.Resolve(c.ringPhys.Load()+uint64(tail)*micdma.DescriptorSize, micdma.DescriptorSize)
	if err != nil {
		d.fail(c, err)
		return false
	}
	desc := micdma.Descriptor{QW0: ringmem.LoadSlice64(b[0:8]), QW1: ringmem.LoadSlice64(b[8:16])}
	intr := d.execute(c, desc)

	c.tail.Store((tail + 1) % n)
	c.executed.Add(1)
	d.writeback(c)
	if intr {
		c.pending.Store(true)
		d.deliver(c)
	}
	return true
}

// execute runs one descriptor and reports whether it raises an interrupt.
func (d *Device) execute(c *channel, desc micdma.Descriptor) bool {
	switch desc.Type() {
	case micdma.DescMemcopy:
		n := int(desc.Len())
		if n == 0 {
			return false
		}
		src, err := d.heap.Resolve(desc.Src(), n)
		if err != nil {
			d.fail(c, err)
			return false
		}
		dst, err := d.heap.Resolve(desc.Dst(), n)
		if err != nil {
			d.fail(c, err)
			return false
		}
		copy(dst, src)
	case micdma.DescStatus:
		dst, err := d.heap.Resolve(desc.Dst(), 8)
		if err != nil {
			d.fail(c, err)
			return false
		}
		ringmem.StoreSlice64(dst, desc.Data())
		return desc.Interrupt()
	case micdma.DescGeneral:
		dst, err := d.heap.Resolve(desc.Dst(), 4)
		if err != nil {
			d.fail(c, err)
			return false
		}
		ringmem.StoreSlice32(dst, uint32(desc.Data()))
	case micdma.DescNop:
	default:
		d.log.WithFields(logrus.Fields{"chan": c.num, "desc": desc.String()}).Warn("unsupported descriptor skipped")
	}
	return false
}

// deliver raises a pending interrupt unless it is masked or no handler is installed.
func (d *Device) deliver(c *channel) {
	if c.masked.Load() || !c.pending.Load() {
		return
	}
	h := d.handler.Load()
	if h == nil {
		return
	}
	c.pending.Store(false)
	(*h)(sicr0Bit(c.num))
}

// writeback stores the completion count and the error bit into the status write-back word.
func (d *Device) writeback(c *channel) {
	phys := c.wbPhys.Load()
	if phys == 0 {
		return
	}
	b, err := d.heap.Resolve(phys, 4)
	if err != nil {
		return
	}
	v := c.tail.Load() & micdma.HWCompletionCountMask
	if c.errBits.Load() != 0 {
		v |= 1 << 31
	}
	ringmem.StoreSlice32(b, v)
}

func (d *Device) fail(c *channel, err error) {
	c.setErr(ErrBitDescriptor)
	d.log.WithField("chan", c.num).WithError(err).Error("descriptor failed")
}

func (c *channel) setErr(bit uint32) {
	for {
		old := c.errBits.Load()
		if c.errBits.CompareAndSwap(old, old|bit) {
			return
		}
	}
}
