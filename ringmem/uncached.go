package ringmem

import (
	"sync"
	"unsafe"

	"github.com/DerLukas15/rpihardware"
	"github.com/DerLukas15/rpimemmap"
	"github.com/pkg/errors"
)

// Uncached allocates uncached, bus addressable memory from the firmware. It is the allocator for real
// hardware: descriptors and tail words written through it are seen by the DMA engine without cache flushes.
type Uncached struct {
	once  sync.Once
	hw    *rpihardware.Hardware
	hwErr error
}

type uncachedMem struct {
	mem  rpimemmap.MemMap
	size int
}

func (m *uncachedMem) Buf() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(rpimemmap.Reg32(m.mem, 0))), m.size)
}

func (m *uncachedMem) PhysAddr() uint64 { return uint64(m.mem.BusAddr()) }

func (m *uncachedMem) String() string { return m.mem.String() }

func (m *uncachedMem) Close() error {
	if err := m.mem.Unmap(); err != nil {
		return errors.Wrap(err, "uncached close")
	}
	return nil
}

// Alloc maps size bytes of uncached memory. The size is rounded up to the page size by the firmware.
func (u *Uncached) Alloc(size int) (Mem, error) {
	if size <= 0 {
		return nil, errors.Wrap(ErrZeroSize, "uncached alloc")
	}
	u.once.Do(func() {
		u.hw, u.hwErr = rpihardware.Check()
	})
	if u.hwErr != nil {
		return nil, errors.Wrap(u.hwErr, "uncached alloc")
	}
	mem := rpimemmap.NewUncached(uint32(size))
	allocationFlags := rpimemmap.UncachedMemFlagDirect
	if u.hw.RPiType == rpihardware.RPiType1 {
		allocationFlags = 0xc
	}
	if err := mem.Map(0, "", allocationFlags); err != nil {
		return nil, errors.Wrap(err, "uncached alloc")
	}
	return &uncachedMem{mem: mem, size: size}, nil
}
