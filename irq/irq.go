// Package irq implements exception and interrupt demultiplexing (§4.6):
// decoding a processor's highest-priority pending interrupt into (ISR kind,
// channel) via the per-processor vectors in sched.Scheduler, dispatching to
// the matching handler, and the boot-time/run-time external-IRQ routing
// that binds a (ISR kind, channel) pair to a dynamically allocated writable
// mailbox. Mirrors giet_kernel/irq_handler.c.
package irq

import (
	"fmt"

	"tsarkern/kerrors"
	"tsarkern/mapping"
	"tsarkern/sched"
)

// SrcKind is the three interrupt source families an XCU multiplexes.
type SrcKind int

const (
	HWI SrcKind = iota
	WTI
	PTI
)

func (k SrcKind) String() string {
	switch k {
	case HWI:
		return "HWI"
	case WTI:
		return "WTI"
	case PTI:
		return "PTI"
	default:
		return "?"
	}
}

// packEntry/unpackEntry match the vector entry layout named in §3: ISR kind
// in the low 16 bits, channel index in the high 16 bits.
func packEntry(kind mapping.ISRKind, channel uint32) uint32 {
	return uint32(kind) | channel<<16
}

func unpackEntry(entry uint32) (mapping.ISRKind, uint32) {
	return mapping.ISRKind(entry & 0xFFFF), entry >> 16
}

// XCU abstracts the per-cluster interrupt concentrator a real platform
// wires to hardware registers: which source is highest priority right now,
// the physical address of one of its WTI mailboxes, and timer IRQ
// acknowledgement. Kept as an interface (like vtop.MMU) because this code
// never runs against real MMIO in this repository.
type XCU interface {
	// HighestPriority returns the pending source with the smallest ICU
	// output index for the given cluster/processor output line, or
	// ok=false if nothing is pending.
	HighestPriority(clusterXY uint32, icuOutIndex uint32) (id uint32, kind SrcKind, ok bool)
	WTIAddress(clusterXY uint32, wtiID uint32) uint64
	AckTimer(clusterXY uint32, irqID uint32)
}

// IOPIC abstracts the I/O interrupt concentrator that routes an external
// device IRQ line to a specific WTI mailbox address (§4.6 "IOPIC").
type IOPIC interface {
	Route(irqID uint32, mailboxAddr uint64, clusterXY uint32)
	Mask(irqID uint32, masked bool)
}

// Handler processes one demultiplexed interrupt.
type Handler func(kind SrcKind, id uint32, channel uint32)

// Table is one processor's closed dispatch table, indexed by
// mapping.ISRKind. A nil entry for a kind the mapping never uses is never
// called because ExtIRQIndex only contains kinds actually present in the
// loaded image's IRQ table.
type Table struct {
	handlers [int(mapping.IsrHBA) + 1]Handler
}

// Register installs the handler for kind. It panics on an invalid kind
// (the closed set from mapping.ISRKind), since a bad registration is a
// wiring bug caught at boot, not a runtime condition.
func (t *Table) Register(kind mapping.ISRKind, h Handler) {
	if !kind.Valid() {
		panic(fmt.Sprintf("irq: invalid ISR kind %d", kind))
	}
	t.handlers[kind] = h
}

func (t *Table) lookup(kind mapping.ISRKind) Handler {
	if int(kind) >= len(t.handlers) {
		return nil
	}
	return t.handlers[kind]
}

// Demux implements giet_kernel/irq_handler.c's _irq_demux: find the
// highest-priority pending source on this processor's output line, decode
// its (ISR kind, channel) from the matching vector, and invoke the
// registered handler. If nothing is pending, the default handler runs (if
// registered); an unregistered kind is also reported to the default
// handler so a missing wiring is visible rather than silently dropped.
func Demux(s *sched.Scheduler, xcu XCU, clusterXY uint32, icuOutIndex uint32, table *Table) {
	id, kind, ok := xcu.HighestPriority(clusterXY, icuOutIndex)
	if !ok {
		if h := table.lookup(mapping.IsrDefault); h != nil {
			h(HWI, 0, 0)
		}
		return
	}

	var entry uint32
	switch kind {
	case HWI:
		entry = s.HWI[id]
	case WTI:
		entry = s.WTI[id]
	case PTI:
		entry = s.PTI[id]
	}

	isrKind, channel := unpackEntry(entry)
	h := table.lookup(isrKind)
	if h == nil {
		h = table.lookup(mapping.IsrDefault)
	}
	if h != nil {
		h(kind, id, channel)
	}
}

// TickHandler builds the ISR for mapping.IsrTick: acknowledge the timer and
// unconditionally switch (§4.6 "Tick ISR"). doSwitch is supplied by the
// caller because the actual register save/restore across the switch is
// platform assembly, not something this package can express.
func TickHandler(s *sched.Scheduler, xcu XCU, clusterXY uint32, doSwitch func()) Handler {
	return func(kind SrcKind, id uint32, channel uint32) {
		if kind != PTI {
			return
		}
		xcu.AckTimer(clusterXY, id)
		s.TickSwitch()
		doSwitch()
	}
}

// MailboxData is the WTI mailbox payload word (Open Question decision #1,
// DESIGN.md): zero means "ordinary completion wakeup", non-zero means
// "force a switch regardless of which thread is current".
type MailboxData uint32

// WakeupHandler builds the ISR for mapping.IsrWakeup: read the mailbox
// value, and switch if the currently running thread is the idle one or the
// value forces it (§4.6 "Wakeup ISR").
func WakeupHandler(s *sched.Scheduler, readMailbox func(id uint32) MailboxData, doSwitch func()) Handler {
	return func(kind SrcKind, id uint32, channel uint32) {
		if kind != WTI {
			return
		}
		value := readMailbox(id)
		if s.Current() == s.IdleIndex() || value != 0 {
			s.TickSwitch()
			doSwitch()
		}
	}
}

// ExtIRQIndex is the boot-time IOPIC source table keyed by (ISR kind,
// channel), mirroring _ext_irq_index. BuildExtIRQIndex scans the mapping's
// IRQ table for the PIC peripheral's declared sources (§4.6 "External-
// interrupt routing... At boot the kernel reads the IOPIC source table").
type ExtIRQIndex map[extKey]uint32

type extKey struct {
	kind    mapping.ISRKind
	channel uint32
}

// BuildExtIRQIndex finds the PIC peripheral in the io cluster and indexes
// its declared IRQ sources by (kind, channel), rejecting anything that
// isn't a HWI source or falls outside the closed ISR-kind set, mirroring
// _ext_irq_init's validation.
func BuildExtIRQIndex(img *mapping.Image) (ExtIRQIndex, error) {
	ioClusterID := -1
	for i, c := range img.Clusters {
		if c.X == img.XIO && c.Y == img.YIO {
			ioClusterID = i
			break
		}
	}
	if ioClusterID < 0 {
		return nil, fmt.Errorf("irq: no cluster at io coordinates (%d,%d): %w", img.XIO, img.YIO, kerrors.ENXIO)
	}
	cluster := img.Clusters[ioClusterID]

	picID := -1
	for p := cluster.PeriphOffset; p < cluster.PeriphOffset+cluster.PeriphCount; p++ {
		if img.Periphs[p].Type == mapping.PeriphPIC {
			picID = int(p)
			break
		}
	}
	if picID < 0 {
		return nil, fmt.Errorf("irq: no PIC peripheral in io cluster: %w", kerrors.ENXIO)
	}
	pic := img.Periphs[picID]

	idx := make(ExtIRQIndex, pic.IrqCount)
	for i := pic.IrqOffset; i < pic.IrqOffset+pic.IrqCount; i++ {
		q := img.IRQs[i]
		if q.SrcType != mapping.SrcHWI || q.SrcID > 31 || !q.IsrKind.Valid() {
			return nil, fmt.Errorf("irq: bad PIC irq entry srctype=%d srcid=%d isr=%d: %w",
				q.SrcType, q.SrcID, q.IsrKind, kerrors.EINVAL)
		}
		idx[extKey{q.IsrKind, q.Channel}] = q.SrcID
	}
	return idx, nil
}
