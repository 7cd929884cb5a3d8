package micdma

import "fmt"

// DescType is the format tag of a descriptor.
type DescType uint8

// Valid DescTypes, in hardware encoding
const (
	DescNop DescType = iota
	DescMemcopy
	DescStatus
	DescGeneral
	DescKeyNonceCnt
	DescKey
)

func (t DescType) String() string {
	switch t {
	case DescNop:
		return "NOP"
	case DescMemcopy:
		return "MEMCOPY"
	case DescStatus:
		return "STATUS"
	case DescGeneral:
		return "GENERAL"
	case DescKeyNonceCnt:
		return "KEYNONCECNT"
	case DescKey:
		return "KEY"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

const (
	// DescriptorSize is the size of one ring entry in bytes
	DescriptorSize = 16

	descAddrMask   uint64 = (1 << 40) - 1
	descLengthMask uint64 = (1 << 24) - 1 // memcopy length in bytes, qw0 bits 40..63
	descIntrBit    uint64 = 1 << 59       // qw1
	descTypeShift         = 60            // qw1
)

// helper functions for descriptor fields
var (
	descValueType   = func(t DescType) uint64 { return uint64(t&0xf) << descTypeShift }
	descValueAddr   = func(addr uint64) uint64 { return addr & descAddrMask }
	descValueLength = func(n uint64) uint64 { return (n & descLengthMask) << 40 }
)

// Descriptor is one hardware ring entry, two little endian qwords.
type Descriptor struct {
	QW0 uint64
	QW1 uint64
}

func memcopyDescriptor(src, dst uint64, length uint64) Descriptor {
	return Descriptor{
		QW0: descValueAddr(src) | descValueLength(length),
		QW1: descValueAddr(dst) | descValueType(DescMemcopy),
	}
}

func statusDescriptor(data, dst uint64, intr bool) Descriptor {
	d := Descriptor{
		QW0: data,
		QW1: descValueAddr(dst) | descValueType(DescStatus),
	}
	if intr {
		d.QW1 |= descIntrBit
	}
	return d
}

func generalDescriptor(data uint32, dst uint64) Descriptor {
	return Descriptor{
		QW0: uint64(data),
		QW1: descValueAddr(dst) | descValueType(DescGeneral),
	}
}

func nopDescriptor() Descriptor {
	return Descriptor{QW1: descValueType(DescNop)}
}

func (d Descriptor) Type() DescType { return DescType(d.QW1 >> descTypeShift) }

// Src is the source address of a memcopy.
func (d Descriptor) Src() uint64 { return d.QW0 & descAddrMask }

// Dst is the destination address of a memcopy, status or general descriptor.
func (d Descriptor) Dst() uint64 { return d.QW1 & descAddrMask }

// Len is the byte count of a memcopy.
func (d Descriptor) Len() uint64 { return (d.QW0 >> 40) & descLengthMask }

// Data is the value a status descriptor writes. General descriptors write the low 32 bits.
func (d Descriptor) Data() uint64 { return d.QW0 }

// Interrupt reports whether a status descriptor raises an interrupt.
func (d Descriptor) Interrupt() bool { return d.QW1&descIntrBit != 0 }

func (d Descriptor) String() string {
	switch d.Type() {
	case DescNop:
		return fmt.Sprintf("{Type: NOP, %#x %#x}", d.QW0, d.QW1)
	case DescMemcopy:
		return fmt.Sprintf("{Type: MEMCOPY, SAP: %#x, DAP: %#x, length: %#x}", d.Src(), d.Dst(), d.Len())
	case DescStatus:
		return fmt.Sprintf("{Type: STATUS, data: %#x, DAP: %#x, intr: %t}", d.Data(), d.Dst(), d.Interrupt())
	case DescGeneral:
		return fmt.Sprintf("{Type: GENERAL, DAP: %#x, dword: %#x}", d.Dst(), uint32(d.Data()))
	}
	return fmt.Sprintf("{Type: %s, %#x %#x}", d.Type(), d.QW0, d.QW1)
}
