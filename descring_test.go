package micdma

import (
	"testing"

	"github.com/DerLukas15/micdma/ringmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTail struct {
	value uint32
	reads int
}

func (f *fakeTail) read() uint32 {
	f.reads++
	return f.value
}

func newTestDescRing(t *testing.T, size uint32, tail *fakeTail) *DescRing {
	d, err := newDescRing(ringmem.NewHeap(), size, tail.read)
	require.NoError(t, err)
	t.Cleanup(func() { d.close() })
	return d
}

func TestDescRing_New(t *testing.T) {
	d := newTestDescRing(t, 8, &fakeTail{})
	assert.Equal(t, uint32(8), d.Size())
	assert.NotZero(t, d.Phys())

	_, err := newDescRing(ringmem.NewHeap(), 1, nil)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = newDescRing(ringmem.NewHeap(), MaxDescPerRing+1, nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDescRing_AvailableSpaceEmpty(t *testing.T) {
	tail := &fakeTail{}
	d := newTestDescRing(t, 8, tail)
	assert.Equal(t, uint32(7), d.AvailableSpace(0, 3))
	assert.Zero(t, tail.reads)
}

func TestDescRing_AvailableSpaceCachedTail(t *testing.T) {
	tail := &fakeTail{}
	d := newTestDescRing(t, 8, tail)
	// head 5, tail 0: slots 5,6,7 free, one of them is never used
	assert.Equal(t, uint32(2), d.AvailableSpace(5, 1))
	assert.Zero(t, tail.reads)
}

func TestDescRing_AvailableSpaceRefreshesTail(t *testing.T) {
	tail := &fakeTail{value: 3}
	d := newTestDescRing(t, 8, tail)
	assert.Equal(t, uint32(3), d.AvailableSpace(7, 1))
	assert.Equal(t, 1, tail.reads)

	// the refreshed tail is cached
	assert.Equal(t, uint32(1), d.AvailableSpace(1, 1))
	assert.Equal(t, 1, tail.reads)
}

func TestDescRing_AvailableSpaceGivesUp(t *testing.T) {
	tail := &fakeTail{value: 0}
	d := newTestDescRing(t, 8, tail)
	assert.Zero(t, d.AvailableSpace(7, 1))
	assert.Equal(t, MaxPollTailReadRetries, tail.reads)
}

func TestDescRing_AvailableSpaceTailAhead(t *testing.T) {
	tail := &fakeTail{value: 6}
	d := newTestDescRing(t, 8, tail)
	d.resetTail(6)
	assert.Equal(t, uint32(3), d.AvailableSpace(2, 2))
	assert.Zero(t, d.AvailableSpace(5, 1))
}

func TestDescRing_Program(t *testing.T) {
	d := newTestDescRing(t, 8, &fakeTail{})

	d.ProgramMemcopy(0, 0x1000, 0x2000, 512*1024)
	d.ProgramStatus(1, 42, 0x3000, true)
	d.ProgramGeneral(2, 0xdeadbeef, 0x4000)
	d.ProgramNop(3)

	m := d.Descriptor(0)
	assert.Equal(t, DescMemcopy, m.Type())
	assert.Equal(t, uint64(0x1000), m.Src())
	assert.Equal(t, uint64(0x2000), m.Dst())
	assert.Equal(t, uint64(512*1024), m.Len())

	s := d.Descriptor(1)
	assert.Equal(t, DescStatus, s.Type())
	assert.Equal(t, uint64(42), s.Data())
	assert.Equal(t, uint64(0x3000), s.Dst())
	assert.True(t, s.Interrupt())

	g := d.Descriptor(2)
	assert.Equal(t, DescGeneral, g.Type())
	assert.Equal(t, uint64(0xdeadbeef), g.Data())
	assert.False(t, g.Interrupt())

	assert.Equal(t, DescNop, d.Descriptor(3).Type())
	// index wraps
	assert.Equal(t, m, d.Descriptor(8))

	assert.Panics(t, func() { d.ProgramNop(8) })
}

func TestDescriptor_String(t *testing.T) {
	assert.Equal(t, "{Type: MEMCOPY, SAP: 0x10, DAP: 0x20, length: 0x40}", memcopyDescriptor(0x10, 0x20, 0x40).String())
	assert.Equal(t, "{Type: STATUS, data: 0x1, DAP: 0x30, intr: false}", statusDescriptor(1, 0x30, false).String())
	assert.Equal(t, "{Type: GENERAL, DAP: 0x30, dword: 0x7}", generalDescriptor(7, 0x30).String())
	assert.Equal(t, "KEY", DescKey.String())
	assert.Equal(t, "UNKNOWN(9)", DescType(9).String())
}

func TestDescriptor_AddressMasked(t *testing.T) {
	d := statusDescriptor(0, 1<<45|0x80, false)
	assert.Equal(t, uint64(0x80), d.Dst())
	assert.Equal(t, DescStatus, d.Type())
}

func TestIncrDescIndex(t *testing.T) {
	assert.Equal(t, uint32(1), incrDescIndex(0, 8))
	assert.Equal(t, uint32(0), incrDescIndex(7, 8))
}
