// Package ringmem provides memory the DMA hardware can reach: descriptor rings and completion tail words.
package ringmem

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"unsafe"
)

// Errors
var (
	ErrNotMapped    = errors.New("address not mapped")
	ErrUnaligned    = errors.New("offset not 8 byte aligned")
	ErrOutOfRange   = errors.New("access outside of the region")
	ErrZeroSize     = errors.New("allocation size must be positive")
	ErrAlreadyFreed = errors.New("region already freed")
	ErrUnknownKind  = errors.New("unknown allocator kind")
)

// Mem is a region of memory usable by the DMA engine.
//
// Close must be called once the hardware no longer references the region.
type Mem interface {
	io.Closer
	Buf() []byte
	// PhysAddr is the address the device uses to reach Buf()[0].
	PhysAddr() uint64
}

// Allocator hands out Mem regions.
type Allocator interface {
	Alloc(size int) (Mem, error)
}

// Allocator kinds accepted by ForKind
const (
	KindHeap     = "heap"
	KindUncached = "uncached"
)

// ForKind returns a fresh allocator of the named kind. The empty kind is a heap.
func ForKind(kind string) (Allocator, error) {
	switch strings.ToLower(kind) {
	case "", KindHeap:
		return NewHeap(), nil
	case KindUncached:
		return &Uncached{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// Load64 atomically reads the 8 byte word at off.
func Load64(m Mem, off int) uint64 {
	return atomic.LoadUint64(word(m.Buf(), off))
}

// Store64 atomically writes the 8 byte word at off.
func Store64(m Mem, off int, v uint64) {
	atomic.StoreUint64(word(m.Buf(), off), v)
}

// Load32 atomically reads the 4 byte word at off.
func Load32(m Mem, off int) uint32 {
	return atomic.LoadUint32(word32(m.Buf(), off))
}

// Store32 atomically writes the 4 byte word at off.
func Store32(m Mem, off int, v uint32) {
	atomic.StoreUint32(word32(m.Buf(), off), v)
}

// LoadSlice64 and StoreSlice64 are the raw byte slice variants used by the device side, which resolves
// bus addresses to slices.
func LoadSlice64(b []byte) uint64 { return atomic.LoadUint64(word(b, 0)) }

func StoreSlice64(b []byte, v uint64) { atomic.StoreUint64(word(b, 0), v) }

func StoreSlice32(b []byte, v uint32) { atomic.StoreUint32(word32(b, 0), v) }

func word(b []byte, off int) *uint64 {
	if off%8 != 0 {
		panic(ErrUnaligned)
	}
	if off < 0 || off+8 > len(b) {
		panic(ErrOutOfRange)
	}
	p := unsafe.Pointer(&b[off])
	if uintptr(p)%8 != 0 {
		panic(ErrUnaligned)
	}
	return (*uint64)(p)
}

func word32(b []byte, off int) *uint32 {
	if off%4 != 0 {
		panic(ErrUnaligned)
	}
	if off < 0 || off+4 > len(b) {
		panic(ErrOutOfRange)
	}
	p := unsafe.Pointer(&b[off])
	if uintptr(p)%4 != 0 {
		panic(ErrUnaligned)
	}
	return (*uint32)(p)
}
