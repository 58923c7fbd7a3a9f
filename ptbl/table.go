// Package ptbl builds the two-level page tables described in §3/§4.3: one
// table per (address space, cluster), a 2048-entry level-1 table indexed by
// the top 11 bits of a VPN, and 512-entry level-2 tables indexed by the
// next 9 bits.
package ptbl

import "tsarkern/mapping"

const (
	L1Entries = 2048
	L2Entries = 512
)

// Flag bits shared by level-1 big-page entries and level-2 entries.
type Flags uint32

const (
	FlagV Flags = 1 << iota // valid
	FlagT                   // this L1 entry points to a level-2 table
	FlagC                   // cacheable
	FlagX                   // executable
	FlagW                   // writable
	FlagU                   // user-accessible
	FlagG                   // global (not replicated per-ASID)
	FlagL                   // hardware-accessed bit, pre-set to disable updates
	FlagR                   // hardware-referenced bit, pre-set
	FlagD                   // hardware-dirty bit, pre-set
)

// alwaysSet are the hardware-update-disabling bits every valid entry
// carries, per §3: "the kernel pre-sets [L/R/D] to 1 to disable hardware
// updates."
const alwaysSet = FlagL | FlagR | FlagD

func modeFlags(m mapping.Mode) Flags {
	var f Flags
	if m&mapping.ModeC != 0 {
		f |= FlagC
	}
	if m&mapping.ModeX != 0 {
		f |= FlagX
	}
	if m&mapping.ModeW != 0 {
		f |= FlagW
	}
	if m&mapping.ModeU != 0 {
		f |= FlagU
	}
	return f
}

// modeMask is the subset of Flags that must agree between two vsegs sharing
// a big page (§3 invariant, §8 property 2).
const modeMask = FlagC | FlagX | FlagW | FlagU

// L1Entry is one 32-bit level-1 slot: either invalid, a big-page mapping
// (flags + top 19 bits of a PPN), or a pointer to a level-2 table (flags +
// top 28 bits of the L2 table's own PPN).
type L1Entry uint32

func (e L1Entry) Valid() bool    { return Flags(e)&FlagV != 0 }
func (e L1Entry) PointsL2() bool { return Flags(e)&FlagT != 0 }
func (e L1Entry) Flags() Flags   { return Flags(e) & 0x3ff }

// BigPPN returns the top 19 bits of the big page's PPN (the PPN shifted
// right by 9), as stored in a big-page L1 entry. The low 9 bits of the PPN
// are zero by alignment, so only the top 19 bits are stored.
func (e L1Entry) BigPPN() uint32 { return uint32(e) >> 13 }

// L2PPN returns the PPN of the level-2 table a "points-to-L2" entry refers
// to.
func (e L1Entry) L2PPN() uint32 { return uint32(e) >> 4 }

func newBigEntry(ppn uint32, mode mapping.Mode) L1Entry {
	f := FlagV | alwaysSet | modeFlags(mode)
	return L1Entry(uint32(f) | (ppn << 13))
}

func newL2PointerEntry(l2ppn uint32) L1Entry {
	f := FlagV | FlagT
	return L1Entry(uint32(f) | (l2ppn << 4))
}

// L2Entry is one 64-bit level-2 slot, modelled as two 32-bit words (a flags
// word and a PPN word) per §3.
type L2Entry struct {
	Flags Flags
	PPN   uint32
}

func (e L2Entry) Valid() bool { return e.Flags&FlagV != 0 }

func newSmallEntry(ppn uint32, mode mapping.Mode) L2Entry {
	return L2Entry{Flags: FlagV | alwaysSet | modeFlags(mode), PPN: ppn}
}

// L2Table is a level-2 sub-table, one per big page carved for small-page
// mappings.
type L2Table struct {
	Entries [L2Entries]L2Entry
}

// Table is one page table: a cluster's view of one address space.
type Table struct {
	L1  [L1Entries]L1Entry
	l2s map[uint32]*L2Table // keyed by L1 index
}

// NewTable allocates a zeroed page table. The zero value of every L1Entry
// is invalid (FlagV unset), matching hardware reset state.
func NewTable() *Table {
	return &Table{l2s: make(map[uint32]*L2Table)}
}

// L2 returns the level-2 sub-table installed at L1 index idx, or nil if
// idx does not currently point to one.
func (t *Table) L2(idx int) *L2Table {
	if !t.L1[idx].PointsL2() {
		return nil
	}
	return t.l2s[uint32(idx)]
}
