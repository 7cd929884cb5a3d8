// Package micdma drives the DMA channels shared between a host and a Xeon Phi (MIC) coprocessor card.
/*
A Context owns the fixed set of hardware DMA channels of one device. Channels are reserved or allocated,
transfers are submitted as descriptors into the channel's descriptor ring and completion is observed either by
polling a completion ring or through callbacks run from the interrupt path.

The register level of the hardware is not part of this package. It is reached through the Device interface.
*/
package micdma

import (
	"errors"
)

// Errors
var (
	ErrNoSpace        = errors.New("no free completion slot or descriptor ring space")
	ErrBusy           = errors.New("dma channel busy")
	ErrHung           = hungError{}
	ErrNoDevice       = errors.New("dma channel not initialized")
	ErrInvalid        = errors.New("invalid argument")
	ErrInterrupted    = errors.New("wait interrupted")
	ErrConfigOpen     = errors.New("config already used by an open device")
	ErrWrongChannel   = errors.New("wrong channel number")
	ErrWrongDevice    = errors.New("wrong device number")
	ErrNotOwned       = errors.New("channel is owned by the other side")
	ErrTransferTooBig = errors.New("max transfer size out of range")
)

// hungError is returned when hardware made no forward progress. It also matches ErrBusy.
type hungError struct{}

func (hungError) Error() string { return "dma channel made no progress, device looks hung" }

func (hungError) Is(target error) bool { return target == ErrBusy }

// Flags select how a submission is tracked.
type Flags uint8

// Valid Flags
const (
	// FlagPoll programs a status descriptor into the polling ring. Submit returns the poll cookie.
	FlagPoll Flags = 1 << iota
	// FlagIntr programs an interrupting status descriptor into the interrupt ring. Requires a Completion.
	FlagIntr
	// FlagAtomic never waits: slot and space shortages fail with ErrNoSpace right away.
	FlagAtomic
)

// Owner is the side of the PCIe link a channel belongs to.
type Owner uint8

// Valid Owners. The zero Owner is invalid.
const (
	OwnerCard Owner = iota + 1
	OwnerHost
)

func (o Owner) String() string {
	switch o {
	case OwnerCard:
		return "card"
	case OwnerHost:
		return "host"
	}
	return "unknown"
}

const (
	MaxChannels     = 8 // Hardware channels per device
	LastHostChannel = 3 // Channels 0..LastHostChannel are host owned, the rest card owned

	CacheLineBytes = 64

	// Descriptor ring size of the hardware
	MaxDescPerRing = (128 * 1024) - CacheLineBytes
	// Largest single memcopy descriptor the card side programs
	CardMaxTransferSize = (1024 * 1024) - CacheLineBytes
	// The host limits itself to 512K per descriptor
	HostMaxTransferSize = 512 * 1024

	// Interrupt ring slots, sized after one page of callback pointers
	NumCompletionBufs = ((4096 / 8) - 10) * 10

	// Polling ring tail refreshes before a full ring is reported
	MaxPollTailReadRetries = 20

	// Completion count bits of the channel status register
	HWCompletionCountMask uint32 = 0x1ffff
	// Error bit of the status write-back word
	statusWritebackErrorBit uint32 = 1 << 31
)

// channel states. Kept at the hardware library values.
const (
	chanAvailable int32 = 2
	chanInUse     int32 = 3
)

// sboxSicr0DMA extracts the per channel interrupt bits of the host interrupt cause register
var sboxSicr0DMA = func(val uint32) uint32 { return (val >> 8) & 0xff }
