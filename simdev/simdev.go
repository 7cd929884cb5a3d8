// Package simdev is a software DMA engine that implements micdma.Device on ringmem.Heap memory.
//
// Every channel runs an engine goroutine that executes the descriptors between its tail and head, writes
// status descriptors with atomic stores and raises interrupts through the handler installed with
// SetInterruptHandler. Tests use Stall, SetDelay and InjectError to play slow or broken hardware.
package simdev

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/DerLukas15/micdma"
	"github.com/DerLukas15/micdma/ringmem"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"
)

// Errors
var (
	ErrNotInitialized = errors.New("device not initialized")
	ErrNoChannel      = errors.New("no free channel for owner")
	ErrBadRing        = errors.New("descriptor ring not reachable")
)

// Channel error bits reported in DCHERR
const (
	ErrBitDescriptor uint32 = 1 << 0 // descriptor address not reachable
	ErrBitInjected   uint32 = 1 << 1 // set by InjectError

	dcarEnabled uint32 = 1 << 0
)

type channel struct {
	num     int
	owner   micdma.Owner
	claimed atomic.Bool

	ringPhys atomic.Uint64
	numDesc  atomic.Uint32
	head     atomic.Uint32
	tail     atomic.Uint32
	wbPhys   atomic.Uint64

	masked  atomic.Bool
	pending atomic.Bool
	stalled atomic.Bool
	delay   atomic.Int64
	errBits atomic.Uint32

	executed atomic.Uint64
	kick     chan struct{}
}

// Device emulates the DMA engine of one coprocessor.
type Device struct {
	heap     *ringmem.Heap
	family   micdma.Family
	stepping micdma.Stepping
	log      *logrus.Entry

	mu       sync.Mutex // guards t and initialized
	t        *tomb.Tomb
	initDone bool

	channels [micdma.MaxChannels]*channel
	handler  atomic.Pointer[func(uint32)]
}

// New returns a device executing descriptors on memory of heap.
func New(heap *ringmem.Heap, family micdma.Family, stepping micdma.Stepping) *Device {
	d := &Device{
		heap:     heap,
		family:   family,
		stepping: stepping,
		log:      logrus.WithField("simdev", family),
	}
	for i := range d.channels {
		owner := micdma.OwnerHost
		if i > micdma.LastHostChannel {
			owner = micdma.OwnerCard
		}
		d.channels[i] = &channel{num: i, owner: owner, kick: make(chan struct{}, 1)}
	}
	return d
}

// Init starts one engine per channel.
func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initDone {
		return nil
	}
	d.t = &tomb.Tomb{}
	for _, c := range d.channels {
		c := c
		c.head.Store(0)
		c.tail.Store(0)
		c.errBits.Store(0)
		d.t.Go(func() error { return d.engine(c) })
	}
	d.initDone = true
	return nil
}

// Uninit stops the engines. Outstanding descriptors are dropped.
func (d *Device) Uninit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initDone {
		return nil
	}
	d.t.Kill(nil)
	err := d.t.Wait()
	d.initDone = false
	for _, c := range d.channels {
		c.claimed.Store(false)
		c.ringPhys.Store(0)
		c.numDesc.Store(0)
		c.wbPhys.Store(0)
	}
	return err
}

// Initialized reports whether the engines run.
func (d *Device) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initDone
}

func (d *Device) Family() micdma.Family     { return d.family }
func (d *Device) Stepping() micdma.Stepping { return d.stepping }

// headMinusOne is the KNC B0 behaviour of reporting an empty ring as tail == head-1.
func (d *Device) headMinusOne() bool {
	return d.family == micdma.FamilyKNC && d.stepping >= micdma.SteppingB0
}

// RequestChannel claims the lowest free channel of owner.
func (d *Device) RequestChannel(owner micdma.Owner) (int, error) {
	for _, c := range d.channels {
		if c.owner == owner && c.claimed.CompareAndSwap(false, true) {
			return c.num, nil
		}
	}
	return -1, errors.Wrapf(ErrNoChannel, "owner %s", owner)
}

func (d *Device) FreeChannel(ch int) {
	d.channels[ch].claimed.Store(false)
}

// SetDescRing points channel ch at numDesc descriptors at phys and resets head and tail.
func (d *Device) SetDescRing(ch int, phys uint64, numDesc uint32) error {
	if numDesc == 0 {
		return errors.Wrap(ErrBadRing, "empty ring")
	}
	if _, err := d.heap.Resolve(phys, int(numDesc)*micdma.DescriptorSize); err != nil {
		return errors.Wrap(ErrBadRing, err.Error())
	}
	c := d.channels[ch]
	c.numDesc.Store(0)
	c.head.Store(0)
	c.tail.Store(0)
	c.ringPhys.Store(phys)
	c.numDesc.Store(numDesc)
	return nil
}

func (d *Device) DescRingPhys(ch int) uint64 { return d.channels[ch].ringPhys.Load() }

func (d *Device) SetStatusWriteback(ch int, phys uint64) { d.channels[ch].wbPhys.Store(phys) }

func (d *Device) StatusWritebackPhys(ch int) uint64 { return d.channels[ch].wbPhys.Load() }

func (d *Device) ReadHead(ch int) uint32 { return d.channels[ch].head.Load() }

// ReadTail returns the tail pointer register.
func (d *Device) ReadTail(ch int) uint32 {
	c := d.channels[ch]
	tail := c.tail.Load()
	if d.headMinusOne() {
		if n := c.numDesc.Load(); n > 0 {
			return (tail + n - 1) % n
		}
	}
	return tail
}

// ReadCompletionCount returns the completion count field of DSTAT: the index of the next descriptor to run.
func (d *Device) ReadCompletionCount(ch int) uint32 {
	return d.channels[ch].tail.Load() & micdma.HWCompletionCountMask
}

// WriteHead hands the descriptors up to head to the engine.
func (d *Device) WriteHead(ch int, head uint32) {
	c := d.channels[ch]
	c.head.Store(head)
	c.wake()
}

func (d *Device) MaskInterrupt(ch int) { d.channels[ch].masked.Store(true) }

// UnmaskInterrupt lets interrupts of ch through again. One that came in while masked is delivered by the engine.
func (d *Device) UnmaskInterrupt(ch int) {
	c := d.channels[ch]
	c.masked.Store(false)
	if c.pending.Load() {
		c.wake()
	}
}

// ReadRegister returns the emulated content of a channel register.
func (d *Device) ReadRegister(ch int, reg micdma.Register) uint32 {
	c := d.channels[ch]
	switch reg {
	case micdma.RegDCAR:
		if c.numDesc.Load() > 0 {
			return dcarEnabled
		}
		return 0
	case micdma.RegDHPR:
		return c.head.Load()
	case micdma.RegDTPR:
		return d.ReadTail(ch)
	case micdma.RegDRARHi:
		return uint32(c.ringPhys.Load() >> 32)
	case micdma.RegDRARLo:
		return uint32(c.ringPhys.Load())
	case micdma.RegDSTAT:
		return d.ReadCompletionCount(ch)
	case micdma.RegDSTATWBLo:
		return uint32(c.wbPhys.Load())
	case micdma.RegDSTATWBHi:
		return uint32(c.wbPhys.Load() >> 32)
	case micdma.RegDCHERR:
		return c.errBits.Load()
	}
	return 0
}

// SetInterruptHandler installs the handler interrupts are delivered to. nil disables delivery.
func (d *Device) SetInterruptHandler(h func(sicr0 uint32)) {
	if h == nil {
		d.handler.Store(nil)
		return
	}
	d.handler.Store(&h)
}

// Stall stops channel ch after the descriptor it is executing.
func (d *Device) Stall(ch int) { d.channels[ch].stalled.Store(true) }

// Unstall lets a stalled channel continue.
func (d *Device) Unstall(ch int) {
	c := d.channels[ch]
	c.stalled.Store(false)
	c.wake()
}

// SetDelay makes channel ch spend delay on every descriptor.
func (d *Device) SetDelay(ch int, delay time.Duration) {
	d.channels[ch].delay.Store(int64(delay))
}

// InjectError flags a channel error. It shows in DCHERR and in the error bit of the status write-back.
func (d *Device) InjectError(ch int) {
	c := d.channels[ch]
	c.setErr(ErrBitInjected)
	d.writeback(c)
}

// Executed returns the number of descriptors channel ch completed.
func (d *Device) Executed(ch int) uint64 { return d.channels[ch].executed.Load() }

func (c *channel) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}
