package ksync

import "sync"

// SimpleBarrier is a single-counter barrier with a generation tag, used
// between the boot phases of §4.3 and §4.11: all participants call Wait and
// none proceeds until every participant has arrived. The same barrier is
// reused for successive rendezvous; each completed round advances the
// generation.
type SimpleBarrier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	n        int
	arrived  int
	gen      int
}

// NewSimpleBarrier creates a barrier for n participants.
func NewSimpleBarrier(n int) *SimpleBarrier {
	b := &SimpleBarrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until all n participants have called Wait for the current
// generation, then releases them all together.
func (b *SimpleBarrier) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()

	gen := b.gen
	b.arrived++
	if b.arrived == b.n {
		b.arrived = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}

// HierBarrier is a barrier whose leaves are per-cluster counters feeding a
// root counter, used for the all-processor synchronisation at the end of
// boot (§4.11): a cluster's processors first fill their local leaf counter,
// and only once every processor of every cluster has arrived does anyone
// proceed.
type HierBarrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	leafN   []int
	leafCnt []int
	rootN   int
	rootCnt int
	gen     int
}

// NewHierBarrier builds a barrier for clusterSizes (processor count per
// cluster, in mesh order).
func NewHierBarrier(clusterSizes []int) *HierBarrier {
	h := &HierBarrier{
		leafN:   append([]int(nil), clusterSizes...),
		leafCnt: make([]int, len(clusterSizes)),
		rootN:   len(clusterSizes),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Wait blocks the caller, a processor of cluster clusterIdx, until every
// processor in every cluster has reached the barrier.
func (h *HierBarrier) Wait(clusterIdx int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	gen := h.gen
	h.leafCnt[clusterIdx]++
	if h.leafCnt[clusterIdx] == h.leafN[clusterIdx] {
		h.leafCnt[clusterIdx] = 0
		h.rootCnt++
		if h.rootCnt == h.rootN {
			h.rootCnt = 0
			h.gen++
			h.cond.Broadcast()
			return
		}
	}
	for gen == h.gen {
		h.cond.Wait()
	}
}
