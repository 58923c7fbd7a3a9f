// Package pma implements the per-cluster physical memory allocator described
// in §4.2: a bump allocator over big pages (2 MiB), with a secondary bump
// allocator that carves small pages (4 KiB) out of one big page at a time.
// There is no free path: the mapping is static and pages are never released
// once handed out.
package pma

import (
	"sync"

	"tsarkern/isa"
	"tsarkern/kerrors"
	"tsarkern/util"
)

// Allocator is the per-cluster physical memory allocator. One instance
// exists per cluster that owns a RAM pseg; it is seeded from that pseg's
// base and length at boot.
type Allocator struct {
	sync.Mutex

	x, y uint

	nxtBPPI uint32 // next free big-page index
	maxBPPI uint32 // first big-page index beyond this cluster's RAM

	sppBPPI uint32 // big page currently being carved into small pages
	nxtSPPI uint32 // next free small-page index within sppBPPI
	maxSPPI uint32 // 0 until a big page has been reserved for small pages
}

// Init seeds the allocator for cluster (x,y) with a RAM pseg spanning
// [base, base+size). base and size must be 2 MiB aligned; Init returns
// EALIGN otherwise (the mapping loader does not check pseg alignment).
//
// Cluster (0,0) reserves its first big page: the boot image itself is
// loaded there, and the allocator must never hand it back out.
func Init(x, y uint, base, size uint64) (*Allocator, error) {
	if !util.Aligned(base, uint64(isa.BigPageSize)) || !util.Aligned(size, uint64(isa.BigPageSize)) {
		return nil, kerrors.EALIGN
	}

	a := &Allocator{
		x:       x,
		y:       y,
		nxtBPPI: uint32(base >> isa.BigPageShift),
		maxBPPI: uint32((base + size) >> isa.BigPageShift),
	}
	if x == 0 && y == 0 {
		a.nxtBPPI++
	}
	return a, nil
}

// packPPN assembles a PPN from the cluster coordinates and the big/small
// page indices, per §3: x:4 | y:4 | BPPI:11 | SPPI:9.
func packPPN(x, y uint, bppi, sppi uint32) uint32 {
	return uint32(x)<<24 | uint32(y)<<20 | (bppi << 9) | sppi
}

// AllocBig allocates n contiguous big pages and returns the PPN of the
// first one. It fails with ENOMEM once the cluster's RAM is exhausted.
func (a *Allocator) AllocBig(n uint32) (uint32, error) {
	a.Lock()
	defer a.Unlock()

	bppi := a.nxtBPPI
	if bppi+n > a.maxBPPI {
		return 0, kerrors.ENOMEM
	}
	a.nxtBPPI = bppi + n
	return packPPN(a.x, a.y, bppi, 0), nil
}

// AllocSmall allocates n contiguous small pages and returns the PPN of the
// first one. When the big page currently being carved runs out of room, a
// fresh big page is pulled from the big-page allocator automatically: a
// small-page run never spans two big pages.
func (a *Allocator) AllocSmall(n uint32) (uint32, error) {
	a.Lock()
	defer a.Unlock()

	if n > uint32(isa.SmallPerBig) {
		return 0, kerrors.ENOMEM
	}
	if a.nxtSPPI+n > a.maxSPPI {
		if a.nxtBPPI+1 > a.maxBPPI {
			return 0, kerrors.ENOMEM
		}
		a.sppBPPI = a.nxtBPPI
		a.nxtBPPI++
		a.nxtSPPI = 0
		a.maxSPPI = uint32(isa.SmallPerBig)
	}

	sppi := a.nxtSPPI
	a.nxtSPPI += n
	return packPPN(a.x, a.y, a.sppBPPI, sppi), nil
}

// Stats reports the allocator's current bump-pointer state, for the
// diagnostics surface in §4.11.
type Stats struct {
	X, Y             uint
	NextBPPI, MaxBPPI uint32
	NextSPPI, MaxSPPI uint32
}

// Snapshot returns a copy of the allocator's current state.
func (a *Allocator) Snapshot() Stats {
	a.Lock()
	defer a.Unlock()
	return Stats{
		X: a.x, Y: a.y,
		NextBPPI: a.nxtBPPI, MaxBPPI: a.maxBPPI,
		NextSPPI: a.nxtSPPI, MaxSPPI: a.maxSPPI,
	}
}
