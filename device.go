package micdma

// Family is the coprocessor hardware family.
type Family uint8

// Valid Families
const (
	FamilyUnknown Family = iota
	FamilyKNF
	FamilyKNC
)

func (f Family) String() string {
	switch f {
	case FamilyKNF:
		return "KNF"
	case FamilyKNC:
		return "KNC"
	}
	return "unknown"
}

// Stepping is the silicon revision within a family.
type Stepping uint8

// Valid Steppings. Ordered, later steppings compare greater.
const (
	SteppingA0 Stepping = iota
	SteppingA1
	SteppingB0
	SteppingB1
	SteppingC0
)

var steppingNames = [...]string{"A0", "A1", "B0", "B1", "C0"}

func (s Stepping) String() string {
	if int(s) < len(steppingNames) {
		return steppingNames[s]
	}
	return "unknown"
}

// Register names a per channel register for diagnostics.
type Register uint8

// Valid Registers
const (
	RegDCAR Register = iota
	RegDHPR
	RegDTPR
	RegDAUXHi
	RegDAUXLo
	RegDRARHi
	RegDRARLo
	RegDITR
	RegDSTAT
	RegDSTATWBLo
	RegDSTATWBHi
	RegDCHERR
	RegDCHERRMSK
	numRegisters
)

var registerNames = [numRegisters]string{
	"DCAR", "DHPR", "DTPR", "DAUX_HI", "DAUX_LO", "DRAR_HI", "DRAR_LO", "DITR", "DSTAT",
	"DSTATWB_LO", "DSTATWB_HI", "DCHERR", "DCHERRMSK",
}

func (r Register) String() string {
	if r < numRegisters {
		return registerNames[r]
	}
	return "UNKNOWN"
}

// Device is the register level hardware abstraction of one coprocessor's DMA engine.
//
// Channel numbers are hardware channel numbers as returned by RequestChannel.
type Device interface {
	Init() error
	Uninit() error

	Family() Family
	Stepping() Stepping

	// RequestChannel claims a free hardware channel for owner and returns its number.
	RequestChannel(owner Owner) (int, error)
	FreeChannel(ch int)

	// SetDescRing disables the channel, programs ring base and size and enables it again.
	SetDescRing(ch int, phys uint64, numDesc uint32) error
	DescRingPhys(ch int) uint64
	// SetStatusWriteback points the status write-back of the channel at a 4 byte word.
	SetStatusWriteback(ch int, phys uint64)
	StatusWritebackPhys(ch int) uint64

	ReadHead(ch int) uint32
	ReadTail(ch int) uint32
	// ReadCompletionCount returns the completed descriptor index from the channel status register.
	ReadCompletionCount(ch int) uint32
	WriteHead(ch int, head uint32)

	MaskInterrupt(ch int)
	UnmaskInterrupt(ch int)

	ReadRegister(ch int, reg Register) uint32
}

// InterruptSource is implemented by devices that deliver interrupts in software. The handler receives the
// host interrupt cause register value, see Context.HostInterrupt.
type InterruptSource interface {
	SetInterruptHandler(func(sicr0 uint32))
}
