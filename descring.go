package micdma

import (
	"github.com/DerLukas15/micdma/ringmem"
	"github.com/pkg/errors"
)

// DescRing is the descriptor ring of one channel, kept in memory the DMA engine reads from.
//
// Only the holder of the channel writes descriptors. The ring does not track its own write index, the
// channel does.
type DescRing struct {
	mem  ringmem.Mem
	size uint32

	// cachedTail is the last hardware tail seen by AvailableSpace
	cachedTail uint32
	// readTail fetches the hardware tail. Which register it reads depends on the quirks.
	readTail func() uint32
}

func newDescRing(alloc ringmem.Allocator, size uint32, readTail func() uint32) (*DescRing, error) {
	if size < 2 || size > MaxDescPerRing {
		return nil, errors.Wrapf(ErrInvalid, "descriptor ring size %d", size)
	}
	mem, err := alloc.Alloc(int(size) * DescriptorSize)
	if err != nil {
		return nil, errors.Wrap(err, "descriptor ring")
	}
	return &DescRing{mem: mem, size: size, readTail: readTail}, nil
}

func (d *DescRing) close() error {
	if d.mem == nil {
		return nil
	}
	err := d.mem.Close()
	d.mem = nil
	return err
}

// Size is the number of descriptors in the ring.
func (d *DescRing) Size() uint32 { return d.size }

// Phys is the bus address of the first descriptor.
func (d *DescRing) Phys() uint64 { return d.mem.PhysAddr() }

func (d *DescRing) put(idx uint32, desc Descriptor) {
	if idx >= d.size {
		panic(errors.Errorf("micdma: descriptor index %d out of ring of %d", idx, d.size))
	}
	off := int(idx) * DescriptorSize
	ringmem.Store64(d.mem, off, desc.QW0)
	// the type lives in qw1, store it last
	ringmem.Store64(d.mem, off+8, desc.QW1)
}

// Descriptor returns the descriptor at idx.
func (d *DescRing) Descriptor(idx uint32) Descriptor {
	off := int(idx%d.size) * DescriptorSize
	return Descriptor{
		QW0: ringmem.Load64(d.mem, off),
		QW1: ringmem.Load64(d.mem, off+8),
	}
}

// ProgramMemcopy writes a MEMCOPY descriptor. The caller has checked for space.
func (d *DescRing) ProgramMemcopy(idx uint32, src, dst, length uint64) {
	d.put(idx, memcopyDescriptor(src, dst, length))
}

// ProgramStatus writes a STATUS descriptor that stores value at dstPhys.
func (d *DescRing) ProgramStatus(idx uint32, value, dstPhys uint64, intr bool) {
	d.put(idx, statusDescriptor(value, dstPhys, intr))
}

// ProgramGeneral writes a GENERAL descriptor that stores a 32 bit value at dstPhys.
func (d *DescRing) ProgramGeneral(idx uint32, value uint32, dstPhys uint64) {
	d.put(idx, generalDescriptor(value, dstPhys))
}

func (d *DescRing) ProgramNop(idx uint32) {
	d.put(idx, nopDescriptor())
}

// AvailableSpace returns how many descriptors can be written starting at head, or 0 when fewer than
// required are free. The hardware tail is only read when the cached one shows too little space.
func (d *DescRing) AvailableSpace(head, required uint32) uint32 {
	tail := d.cachedTail
	for retries := 0; ; {
		var count uint32
		switch {
		case head > tail:
			count = tail + (d.size - head)
		case tail > head:
			count = tail - head
		default:
			return d.size - 1
		}
		if count > required {
			return count - 1
		}
		tail = d.readTail() % d.size
		d.cachedTail = tail
		retries++
		if retries == MaxPollTailReadRetries {
			return 0
		}
	}
}

// resetTail sets the cached tail after the hardware ring was (re)programmed.
func (d *DescRing) resetTail(tail uint32) {
	d.cachedTail = tail % d.size
}

// incrDescIndex advances a descriptor ring index by one
func incrDescIndex(idx, size uint32) uint32 {
	return (idx + 1) % size
}
