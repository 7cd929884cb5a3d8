package micdma

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// dumpRegisters are the per channel registers Dump prints, in order
var dumpRegisters = []Register{
	RegDCAR, RegDTPR, RegDHPR, RegDRARHi, RegDRARLo,
	RegDSTATWBLo, RegDSTATWBHi, RegDCHERR, RegDCHERRMSK, RegDSTAT,
}

// Dump writes the completion rings, write indexes, channel registers and the outstanding descriptors of
// every channel driven by this side.
func (dc *Context) Dump(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)

	fmt.Fprintln(tw, "Intr rings")
	fmt.Fprintln(tw, "Chan\tHead\tTail\tSize\tTail loc\tActual tail\tIn use\t")
	for _, ch := range dc.live() {
		r := ch.intr.ring
		fmt.Fprintf(tw, "%#x\t%#x\t%#x\t%#x\t%#x\t%#x\t%t\t\n",
			ch.num, r.Head(), r.Tail(), r.Size(), r.TailPhys(), r.TailWord(), ch.InUse())
	}
	fmt.Fprintln(tw, "Poll rings")
	fmt.Fprintln(tw, "Chan\tHead\tTail\tSize\tTail loc\tActual tail\t")
	for _, ch := range dc.live() {
		r := ch.poll
		fmt.Fprintf(tw, "%#x\t%#x\t%#x\t%#x\t%#x\t%#x\t\n",
			ch.num, r.Head(), r.Tail(), r.Size(), r.TailPhys(), r.TailWord())
	}
	fmt.Fprintln(tw, "Next_Write_Index")
	fmt.Fprintln(tw, "Chan\tNext_Write_Index\t")
	for _, ch := range dc.channels {
		fmt.Fprintf(tw, "%#x\t%#x\t\n", ch.num, ch.nextWrite.Load())
	}

	fmt.Fprintln(tw, "DMA Channel Registers")
	fmt.Fprint(tw, "Channel\t")
	for _, reg := range dumpRegisters {
		fmt.Fprintf(tw, "%s\t", reg)
	}
	fmt.Fprintln(tw)
	for _, ch := range dc.live() {
		fmt.Fprintf(tw, "%d\t", ch.num)
		for _, reg := range dumpRegisters {
			fmt.Fprintf(tw, "%#x\t", dc.dev.ReadRegister(ch.hwNum, reg))
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w, "\nDMA Channel Descriptor Rings")
	for _, ch := range dc.live() {
		size := ch.descRing.Size()
		tail := dc.dev.ReadTail(ch.hwNum)
		if dc.quirks.ReserveHeadMinusOne {
			// empty is tail == head-1
			tail = (tail + 1) % size
		}
		pending := (dc.dev.ReadHead(ch.hwNum) + size - tail) % size
		fmt.Fprintf(w, "Channel %d: [", ch.num)
		for j := uint32(0); j < pending; j++ {
			fmt.Fprintf(w, " %s", ch.descRing.Descriptor(tail+j))
		}
		fmt.Fprintln(w, " ]")
	}
	return nil
}

// live returns the channels driven by this side
func (dc *Context) live() []*Channel {
	var out []*Channel
	for _, ch := range dc.channels {
		if ch.live.Load() {
			out = append(out, ch)
		}
	}
	return out
}
