package irq

import (
	"fmt"
	"sync"

	"tsarkern/kerrors"
	"tsarkern/mapping"
)

// pool is one of the three per-processor WTI mailbox allocators (§4.6:
// "pattern: three pools of per-processor mailboxes to support concurrent
// outstanding I/Os from the same processor"), mirroring
// _wti_alloc_one/_two/_ter.
type pool struct {
	mu   sync.Mutex
	used map[uint32]bool // local processor index -> in use
	base uint32          // wtiID = base + p
}

func newPool(base uint32) *pool {
	return &pool{used: make(map[uint32]bool), base: base}
}

func (p *pool) tryAlloc(procLocal uint32) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used[procLocal] {
		return 0, false
	}
	p.used[procLocal] = true
	return p.base + procLocal, true
}

func (p *pool) release(procLocal uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, procLocal)
}

// MailboxAllocator allocates one of three writable-interrupt mailboxes to
// the calling processor (§4.6). It does not block: when all three are in
// use, Alloc reports failure. nbProcsMax is
// the platform's per-cluster processor-slot count used to stride the three
// pools' wtiID ranges, mirroring NB_PROCS_MAX.
type MailboxAllocator struct {
	pools      [3]*pool
	nbProcsMax uint32
}

// NewMailboxAllocator builds the three pools, with wtiID ranges
// [nbProcsMax, 2*nbProcsMax), [2*nbProcsMax, 3*nbProcsMax),
// [3*nbProcsMax, 4*nbProcsMax) exactly as _ext_irq_alloc computes them.
func NewMailboxAllocator(nbProcsMax uint32) *MailboxAllocator {
	return &MailboxAllocator{
		pools: [3]*pool{
			newPool(nbProcsMax),
			newPool(2 * nbProcsMax),
			newPool(3 * nbProcsMax),
		},
		nbProcsMax: nbProcsMax,
	}
}

// Alloc returns the first free mailbox across the three pools for procLocal
// (a processor's local index within its cluster). ok is false only if all
// three pools already hold a mailbox for this processor, meaning three
// blocking I/Os are already outstanding from it.
func (a *MailboxAllocator) Alloc(procLocal uint32) (wtiID uint32, ok bool) {
	for _, p := range a.pools {
		if id, got := p.tryAlloc(procLocal); got {
			return id, true
		}
	}
	return 0, false
}

// Release frees the mailbox identified by wtiID for procLocal, the inverse
// of Alloc. Releasing an id this allocator never handed out is a no-op:
// the caller is expected to release exactly what it allocated (linear
// ownership, Design Notes "Interrupt routing binding").
func (a *MailboxAllocator) Release(procLocal uint32, wtiID uint32) {
	for i, p := range a.pools {
		if wtiID == p.base+procLocal {
			a.pools[i].release(procLocal)
			return
		}
	}
}

// Binding is the (ISR kind, channel) -> mailbox association recorded in a
// processor's writable-interrupt vector while an I/O is outstanding.
type Binding struct {
	WtiID   uint32
	IrqID   uint32
	Kind    mapping.ISRKind
	Channel uint32
}

// Router implements the run-time external-IRQ routing half of §4.6: a
// thread's blocking I/O call allocates a mailbox, programs the IOPIC to
// deliver the source there, and records the binding in the processor's WTI
// vector; on completion and release the mapping is undone.
type Router struct {
	Index ExtIRQIndex
	Mbox  *MailboxAllocator
	Pic   IOPIC
	Xcu   XCU
}

// Bind performs the allocate/program/record sequence of _ext_irq_alloc. It
// is linear-ownership: only the caller that receives a Binding from Bind
// may later pass it to Unbind.
func (r *Router) Bind(kind mapping.ISRKind, channel uint32, procLocal uint32, clusterXY uint32, wtiVector *[32]uint32) (Binding, error) {
	irqID, ok := r.Index[extKey{kind, channel}]
	if !ok {
		return Binding{}, fmt.Errorf("irq: no IOPIC source for isr=%d channel=%d: %w", kind, channel, kerrors.ENXIO)
	}
	wtiID, ok := r.Mbox.Alloc(procLocal)
	if !ok {
		return Binding{}, fmt.Errorf("irq: all three mailbox pools exhausted for proc %d: %w", procLocal, kerrors.EBUSY)
	}

	addr := r.Xcu.WTIAddress(clusterXY, wtiID)
	r.Pic.Route(irqID, addr, clusterXY)
	wtiVector[wtiID] = packEntry(kind, channel)

	return Binding{WtiID: wtiID, IrqID: irqID, Kind: kind, Channel: channel}, nil
}

// Unbind masks the IOPIC entry and releases the mailbox, the inverse of
// Bind, mirroring _ext_irq_release.
func (r *Router) Unbind(b Binding, procLocal uint32, wtiVector *[32]uint32) {
	r.Pic.Mask(b.IrqID, true)
	r.Mbox.Release(procLocal, b.WtiID)
	wtiVector[b.WtiID] = 0
}
