package micdma

import "fmt"

// Quirks collects the behaviour that differs between hardware families and steppings.
// It is selected once per device when its Context is built.
type Quirks struct {
	// DuplicateStatus programs a non interrupting status descriptor in front of every interrupting one.
	DuplicateStatus bool
	// ReserveHeadMinusOne keeps a second slot free in completion rings because the hardware reports an
	// empty ring as tail == head-1. It also enables the status write-back word.
	ReserveHeadMinusOne bool
	// ConservativeSpaceCheck refreshes descriptor ring space from the tail pointer register instead of the
	// completion count of the status register.
	ConservativeSpaceCheck bool
}

// QuirksFor returns the quirks of a family and stepping.
func QuirksFor(f Family, s Stepping) Quirks {
	var q Quirks
	if f != FamilyKNC {
		q.ConservativeSpaceCheck = true
		return q
	}
	q.DuplicateStatus = true
	if s < SteppingB0 {
		q.ConservativeSpaceCheck = true
	} else {
		q.ReserveHeadMinusOne = true
	}
	return q
}

// statusDescriptors is the number of descriptors an interrupting status update takes.
func (q Quirks) statusDescriptors() uint32 {
	if q.DuplicateStatus {
		return 2
	}
	return 1
}

// ringReserve is the number of completion ring slots that are never handed out.
func (q Quirks) ringReserve() int {
	if q.ReserveHeadMinusOne {
		return 2
	}
	return 1
}

func (q Quirks) String() string {
	return fmt.Sprintf("duplicate_status=%t reserve_head_minus_one=%t conservative_space=%t",
		q.DuplicateStatus, q.ReserveHeadMinusOne, q.ConservativeSpaceCheck)
}
