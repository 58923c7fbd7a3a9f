package ptbl

import (
	"fmt"
	"sync"

	"tsarkern/isa"
	"tsarkern/kerrors"
	"tsarkern/ksync"
	"tsarkern/mapping"
)

type tableKey struct {
	vs mapping.VspaceID
	c  mapping.ClusterID
}

// Builder owns every (vspace, cluster) page table and the per-table locks
// that guard level-2 allocation, per §4.3: "A level-1 entry may be touched
// concurrently by different home processors... the builder takes a
// per-(vspace, cluster) lock around level-2 allocation and entry writes."
//
// mu guards only the lazy creation of tables/locks entries below — boot
// phase 2 fans out one goroutine per home cluster over a single shared
// Builder (boot.Sequencer.phase2), and a non-local/global vseg's targets()
// can make a cluster-c1 goroutine create a table for a different cluster
// c2, so two home goroutines can race to insert into these maps at once.
// The per-table SpinLock returned alongside does not cover this: it
// protects entry writes after a table exists, not the map insertion
// itself.
type Builder struct {
	mu     sync.Mutex
	tables map[tableKey]*Table
	locks  map[tableKey]*ksync.SpinLock
}

// NewBuilder creates an empty builder. Tables are created lazily as vsegs
// are installed into them.
func NewBuilder() *Builder {
	return &Builder{
		tables: make(map[tableKey]*Table),
		locks:  make(map[tableKey]*ksync.SpinLock),
	}
}

func (b *Builder) tableFor(vs mapping.VspaceID, c mapping.ClusterID) (*Table, *ksync.SpinLock) {
	k := tableKey{vs, c}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tables[k]
	if !ok {
		t = NewTable()
		b.tables[k] = t
		b.locks[k] = &ksync.SpinLock{}
	}
	return t, b.locks[k]
}

// Table returns the page table for (vspace, cluster), creating an empty one
// if nothing has been installed into it yet — every cluster gets a table
// during boot (§4.11) whether or not any vseg happens to land in it.
func (b *Builder) Table(vs mapping.VspaceID, c mapping.ClusterID) *Table {
	t, _ := b.tableFor(vs, c)
	return t
}

// VPNIndices splits a virtual page number into its level-1 and level-2
// indices, per §3: top 11 bits select the L1 slot, the next 9 bits select
// the L2 slot.
func VPNIndices(vpn uint32) (l1, l2 int) {
	l1 = int(vpn >> 9)
	l2 = int(vpn & 0x1ff)
	return
}

// MapBig installs (or verifies) a big-page mapping at virtual page vpn in
// table (vs, c). ppn is the big page's PPN shifted right by 9 (its top 19
// bits), the value L1Entry.BigPPN returns. If the slot is already mapped, the existing mode must
// match mode exactly — two vsegs sharing a big page must agree on C/X/W/U
// (§3 invariant, §8 property 2) — otherwise EEXIST is returned naming the
// conflict.
func (b *Builder) MapBig(vs mapping.VspaceID, c mapping.ClusterID, vpn uint32, ppn uint32, mode mapping.Mode) error {
	l1idx, _ := VPNIndices(vpn)
	t, lock := b.tableFor(vs, c)

	lock.Lock()
	defer lock.Unlock()

	existing := t.L1[l1idx]
	if existing.Valid() {
		if existing.PointsL2() {
			return fmt.Errorf("ptbl: vpn %#x already maps a level-2 table: %w", vpn, kerrors.EEXIST)
		}
		if existing.Flags()&modeMask != modeFlags(mode) {
			return fmt.Errorf("ptbl: vpn %#x mode conflict: %w", vpn, kerrors.EEXIST)
		}
		if existing.BigPPN() != ppn {
			return fmt.Errorf("ptbl: vpn %#x already maps a different big page: %w", vpn, kerrors.EEXIST)
		}
		return nil // identical reuse, §4.3 step 2
	}
	t.L1[l1idx] = newBigEntry(ppn, mode)
	return nil
}

// EnsureL2 installs a level-2 sub-table at l1idx backed by physical page
// l2ppn if none exists yet, matching §4.3's "allocate big pages (never
// share), carve into sub-tables, one per vspace, each aligned to 8 KiB."
// A caller that already knows l2ppn for this slot from a prior vseg's
// installation may pass it again; EnsureL2 is idempotent in that case.
func (b *Builder) EnsureL2(vs mapping.VspaceID, c mapping.ClusterID, l1idx int, l2ppn uint32) (*L2Table, error) {
	t, lock := b.tableFor(vs, c)

	lock.Lock()
	defer lock.Unlock()

	existing := t.L1[l1idx]
	if existing.Valid() {
		if !existing.PointsL2() {
			return nil, fmt.Errorf("ptbl: l1[%d] already a big-page mapping: %w", l1idx, kerrors.EEXIST)
		}
		if existing.L2PPN() != l2ppn {
			return nil, fmt.Errorf("ptbl: l1[%d] already backed by a different l2 table: %w", l1idx, kerrors.EEXIST)
		}
		return t.l2s[uint32(l1idx)], nil
	}
	t.L1[l1idx] = newL2PointerEntry(l2ppn)
	l2t := &L2Table{}
	t.l2s[uint32(l1idx)] = l2t
	return l2t, nil
}

// MapSmall installs (or verifies) a small-page mapping at vpn, allocating
// the level-2 sub-table backing it if this is the first small page mapped
// in that big page.
func (b *Builder) MapSmall(vs mapping.VspaceID, c mapping.ClusterID, vpn uint32, ppn uint32, l2ppn uint32, mode mapping.Mode) error {
	l1idx, l2idx := VPNIndices(vpn)

	l2t, err := b.EnsureL2(vs, c, l1idx, l2ppn)
	if err != nil {
		return err
	}

	_, lock := b.tableFor(vs, c)
	lock.Lock()
	defer lock.Unlock()

	existing := l2t.Entries[l2idx]
	if existing.Valid() {
		if existing.Flags&modeMask != modeFlags(mode) {
			return fmt.Errorf("ptbl: vpn %#x mode conflict: %w", vpn, kerrors.EEXIST)
		}
		if existing.PPN != ppn {
			return fmt.Errorf("ptbl: vpn %#x already maps a different small page: %w", vpn, kerrors.EEXIST)
		}
		return nil
	}
	l2t.Entries[l2idx] = newSmallEntry(ppn, mode)
	return nil
}

// VBaseToVPN converts a byte virtual address to a small-page VPN.
func VBaseToVPN(vaddr uint64) uint32 {
	return uint32(vaddr >> isa.SmallPageShift)
}
