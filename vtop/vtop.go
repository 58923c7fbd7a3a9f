// Package vtop implements the software page-table walker used by drivers
// that need a bus-addressable physical address for a virtual buffer (§4.4).
// It mirrors the original's _v2p_translate: disable the data TLB, read the
// level-1 entry, and either decode a big-page mapping directly or descend
// into the level-2 table — all with the DTLB held off and interrupts
// disabled, restored on every exit path including a translation fault.
package vtop

import (
	"fmt"

	"tsarkern/isa"
	"tsarkern/kerrors"
	"tsarkern/ptbl"
)

// MMU abstracts the two register operations the translator needs around
// its physical reads: turning the data TLB off (returning the prior mode
// so it can be restored exactly) and turning it back on.
type MMU interface {
	DisableDTLB() (prior uint32)
	RestoreDTLB(prior uint32)
}

// guard disables the DTLB on construction and restores it exactly once,
// whether release is reached via the normal path or a defer unwinding from
// a fault — the scoped-guard pattern called for in Design Notes ("MMU
// tricks for the translator").
type guard struct {
	mmu   MMU
	prior uint32
	done  bool
}

func enterGuard(mmu MMU) *guard {
	return &guard{mmu: mmu, prior: mmu.DisableDTLB()}
}

func (g *guard) release() {
	if g.done {
		return
	}
	g.done = true
	g.mmu.RestoreDTLB(g.prior)
}

// Translate walks table t for vaddr and returns the physical address and
// the flags of the mapping that covers it. Interrupts must already be
// disabled on the calling processor by the caller (the walker only owns
// the DTLB, per §4.4); a fault — an invalid level-1 or level-2 entry — is a
// fatal kernel error per §7, since no recovery is defined for a software
// walk over a table the builder is supposed to have fully populated.
func Translate(t *ptbl.Table, mmu MMU, vaddr uint64) (paddr uint64, flags ptbl.Flags, err error) {
	vpn := uint32(vaddr >> isa.SmallPageShift)
	offset := vaddr & uint64(isa.SmallPageSize-1)
	l1idx, l2idx := ptbl.VPNIndices(vpn)

	g := enterGuard(mmu)
	defer g.release()

	e1 := t.L1[l1idx]
	if !e1.Valid() {
		return 0, 0, fmt.Errorf("vtop: vaddr %#x: pte1 unmapped at l1[%d]: %w", vaddr, l1idx, kerrors.EFAULT)
	}

	if !e1.PointsL2() {
		bigOffset := (uint64(l2idx) << isa.SmallPageShift) | offset
		paddr = (uint64(e1.BigPPN()) << isa.BigPageShift) | bigOffset
		return paddr, e1.Flags(), nil
	}

	l2t := t.L2(l1idx)
	if l2t == nil {
		return 0, 0, fmt.Errorf("vtop: vaddr %#x: l1[%d] points to a missing level-2 table: %w", vaddr, l1idx, kerrors.EFAULT)
	}
	e2 := l2t.Entries[l2idx]
	if !e2.Valid() {
		return 0, 0, fmt.Errorf("vtop: vaddr %#x: pte2 unmapped at l2[%d][%d]: %w", vaddr, l1idx, l2idx, kerrors.EFAULT)
	}

	paddr = (uint64(e2.PPN) << isa.SmallPageShift) | offset
	return paddr, e2.Flags, nil
}

// IdentityPaddr is the trivial translation for an identity-mapped vseg
// (§8 round-trip property): translate(vaddr_in_identity_vseg) = vaddr cast
// to paddr.
func IdentityPaddr(vaddr uint64) uint64 { return vaddr }
