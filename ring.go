package micdma

import (
	"fmt"
	"sync/atomic"

	"github.com/DerLukas15/micdma/ringmem"
	"github.com/pkg/errors"
)

// RingBuffer is a fixed size circular index allocator used for completion rings.
//
// Slots in [tail, head) are outstanding. The hardware reports completion by writing the index of the last
// completed slot into the tail word, a DMA visible 8 byte location.
type RingBuffer struct {
	head    atomic.Int32
	tail    atomic.Int32
	size    int
	reserve int
	// refresh re-reads the tail word before reporting the ring as full
	refresh bool
	tailMem ringmem.Mem
}

// NewRingBuffer allocates the tail word from alloc. reserve slots are never handed out; it is 1 for a plain ring.
func NewRingBuffer(alloc ringmem.Allocator, size, reserve int, refresh bool) (*RingBuffer, error) {
	if reserve < 1 || size <= reserve {
		return nil, errors.Wrapf(ErrInvalid, "ring size %d reserve %d", size, reserve)
	}
	m, err := alloc.Alloc(8)
	if err != nil {
		return nil, errors.Wrap(err, "ring tail word")
	}
	r := &RingBuffer{size: size, reserve: reserve, refresh: refresh, tailMem: m}
	r.WriteTail(-1)
	return r, nil
}

// Close frees the tail word.
func (r *RingBuffer) Close() error {
	if r.tailMem == nil {
		return nil
	}
	err := r.tailMem.Close()
	r.tailMem = nil
	return err
}

func (r *RingBuffer) Size() int { return r.size }
func (r *RingBuffer) Head() int { return int(r.head.Load()) }
func (r *RingBuffer) Tail() int { return int(r.tail.Load()) }

// TailPhys is the bus address status descriptors write completions to.
func (r *RingBuffer) TailPhys() uint64 { return r.tailMem.PhysAddr() }

// TailWord returns the raw content of the tail word.
func (r *RingBuffer) TailWord() int64 { return int64(ringmem.Load64(r.tailMem, 0)) }

// ReadTail returns the tail implied by the tail word: one past the last completed slot.
func (r *RingBuffer) ReadTail() int {
	return int(((r.TailWord()+1)%int64(r.size) + int64(r.size)) % int64(r.size))
}

// WriteTail stores value into the tail word, as the hardware would on completion.
func (r *RingBuffer) WriteTail(value int64) {
	ringmem.Store64(r.tailMem, 0, uint64(value))
}

// Refresh moves the tail to what the tail word reports.
func (r *RingBuffer) Refresh() {
	r.tail.Store(int32(r.ReadTail()))
}

// ReleaseThrough frees every slot up to newTail.
func (r *RingBuffer) ReleaseThrough(newTail int) {
	if newTail < 0 || newTail >= r.size {
		panic(fmt.Sprintf("micdma: ring tail %d out of range [0,%d)", newTail, r.size))
	}
	r.tail.Store(int32(newTail))
}

// Outstanding returns the number of slots in [tail, head).
func (r *RingBuffer) Outstanding() int {
	return (r.Head() - r.Tail() + r.size) % r.size
}

// free returns the number of slots that may still be handed out
func (r *RingBuffer) free() int {
	head, tail := r.Head(), r.Tail()
	count := r.size
	if head > tail {
		count = tail + r.size - head
	} else if tail > head {
		count = tail - head
	}
	return count - r.reserve
}

// Peek returns the next free slot without taking it, or -1 when the ring is full.
func (r *RingBuffer) Peek() int {
	for retries := 0; ; retries++ {
		if r.free() > 0 {
			return r.Head()
		}
		if !r.refresh || retries == MaxPollTailReadRetries {
			return -1
		}
		r.Refresh()
	}
}

// Advance takes the slot returned by Peek.
func (r *RingBuffer) Advance() {
	r.head.Store(int32((r.Head() + 1) % r.size))
}

// Allocate takes the next free slot, or returns -1 when the ring is full.
func (r *RingBuffer) Allocate() int {
	idx := r.Peek()
	if idx >= 0 {
		r.Advance()
	}
	return idx
}

// IsProcessed reports whether index lies outside the outstanding region.
func (r *RingBuffer) IsProcessed(index int) bool {
	head, tail := r.Head(), r.Tail()
	if head < tail {
		return index >= head && index < tail
	}
	return index >= head || index < tail
}

// incrIndex advances a ring index by one.
func incrIndex(idx, size int) int {
	return (idx + 1) % size
}
