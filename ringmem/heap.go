package ringmem

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// heapBase is the first bus address handed out by a Heap. Zero stays unmapped so a zero address is never valid.
const heapBase uint64 = 0x10000000

// Heap allocates anonymous mappings and gives them synthetic, non overlapping bus addresses.
// A software device resolves those addresses back to memory with Resolve.
type Heap struct {
	// Lock pins allocations with mlock. Failures to pin are returned from Alloc.
	Lock bool

	mu      sync.RWMutex
	next    uint64
	regions []*heapMem // sorted by phys
}

// NewHeap returns an empty Heap.
func NewHeap() *Heap {
	return &Heap{next: heapBase}
}

type heapMem struct {
	h    *Heap
	buf  []byte
	phys uint64
	size int // requested size, len(buf) is page rounded
}

func (m *heapMem) Buf() []byte      { return m.buf[:m.size] }
func (m *heapMem) PhysAddr() uint64 { return m.phys }
func (m *heapMem) String() string {
	return fmt.Sprintf("heap phys 0x%x size 0x%x", m.phys, m.size)
}

// Close unmaps the region. The bus address range is not reused.
func (m *heapMem) Close() error {
	h := m.h
	h.mu.Lock()
	i := h.find(m.phys)
	if i < 0 || h.regions[i] != m {
		h.mu.Unlock()
		return errors.Wrap(ErrAlreadyFreed, "heap close")
	}
	h.regions = append(h.regions[:i], h.regions[i+1:]...)
	h.mu.Unlock()
	if err := unix.Munmap(m.buf); err != nil {
		return errors.Wrap(err, "heap close")
	}
	return nil
}

// Alloc maps size bytes of zeroed memory.
func (h *Heap) Alloc(size int) (Mem, error) {
	if size <= 0 {
		return nil, errors.Wrap(ErrZeroSize, "heap alloc")
	}
	page := os.Getpagesize()
	mapped := (size + page - 1) &^ (page - 1)
	buf, err := unix.Mmap(-1, 0, mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "heap alloc")
	}
	if h.Lock {
		if err := unix.Mlock(buf); err != nil {
			unix.Munmap(buf)
			return nil, errors.Wrap(err, "heap alloc mlock")
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.next == 0 {
		h.next = heapBase
	}
	m := &heapMem{h: h, buf: buf, phys: h.next, size: size}
	// leave a guard page between regions
	h.next += uint64(mapped + page)
	h.regions = append(h.regions, m)
	return m, nil
}

// Resolve returns the n bytes at bus address phys. The range must lie inside one region.
func (h *Heap) Resolve(phys uint64, n int) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	i := h.find(phys)
	if i < 0 {
		return nil, errors.Wrapf(ErrNotMapped, "resolve 0x%x", phys)
	}
	m := h.regions[i]
	off := phys - m.phys
	if n < 0 || off+uint64(n) > uint64(m.size) {
		return nil, errors.Wrapf(ErrOutOfRange, "resolve 0x%x+0x%x", phys, n)
	}
	return m.buf[off : off+uint64(n)], nil
}

// Regions returns the number of live allocations.
func (h *Heap) Regions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.regions)
}

// find returns the index of the region containing phys or -1
func (h *Heap) find(phys uint64) int {
	i := sort.Search(len(h.regions), func(i int) bool {
		return h.regions[i].phys > phys
	}) - 1
	if i < 0 {
		return -1
	}
	if phys >= h.regions[i].phys+uint64(h.regions[i].size) {
		return -1
	}
	return i
}
