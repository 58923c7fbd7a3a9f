package ptbl

import (
	"fmt"

	"tsarkern/isa"
	"tsarkern/kerrors"
	"tsarkern/mapping"
	"tsarkern/pma"
)

// Resolver turns a vseg's declared pseg + mode into a concrete physical
// base, per §4.3 step 2: identity-mapped vsegs map PPN=VPN, peripheral
// psegs map PPN=pseg.base>>12, and RAM psegs draw from that cluster's
// physical allocator (big pages for a page-table-area or big vseg, small
// pages otherwise).
type Resolver struct {
	allocs map[mapping.ClusterID]*pma.Allocator
}

// NewResolver wraps the per-cluster allocators built during phase 2 of
// boot (§4.11).
func NewResolver(allocs map[mapping.ClusterID]*pma.Allocator) *Resolver {
	return &Resolver{allocs: allocs}
}

// Resolve computes the physical base PPN for v, whose pseg is pseg and
// whose owning cluster is clusterID (the pseg's own cluster — a vseg is
// always backed by a pseg in the cluster the vseg installation targets).
func (r *Resolver) Resolve(v mapping.Vseg, pseg mapping.Pseg, clusterID mapping.ClusterID) (ppn uint32, err error) {
	switch {
	case v.Ident:
		return uint32(v.VBase >> isa.SmallPageShift), nil
	case pseg.Type == mapping.PsegPERI:
		return uint32(pseg.Base >> isa.SmallPageShift), nil
	case v.Big || v.Type == mapping.VsegPtab:
		a, ok := r.allocs[clusterID]
		if !ok {
			return 0, fmt.Errorf("ptbl: no allocator for cluster %d: %w", clusterID, kerrors.ENOMEM)
		}
		n := uint32((v.Length + uint64(isa.BigPageSize) - 1) / uint64(isa.BigPageSize))
		return a.AllocBig(n)
	default:
		a, ok := r.allocs[clusterID]
		if !ok {
			return 0, fmt.Errorf("ptbl: no allocator for cluster %d: %w", clusterID, kerrors.ENOMEM)
		}
		n := uint32((v.Length + uint64(isa.SmallPageSize) - 1) / uint64(isa.SmallPageSize))
		return a.AllocSmall(n)
	}
}

// targets lists the (vspace, cluster) pairs a vseg must be installed into,
// per §4.3's four locality combinations.
func targets(img *mapping.Image, declaringVspace mapping.VspaceID, declaringCluster mapping.ClusterID, v mapping.Vseg) []tableKey {
	clusters := []mapping.ClusterID{declaringCluster}
	if !v.Local {
		clusters = clusters[:0]
		for i, c := range img.Clusters {
			if c.ProcCount > 0 {
				clusters = append(clusters, mapping.ClusterID(i))
			}
		}
	}

	vspaces := []mapping.VspaceID{declaringVspace}
	if v.Global {
		vspaces = vspaces[:0]
		for i := range img.Vspaces {
			vspaces = append(vspaces, mapping.VspaceID(i))
		}
	}

	out := make([]tableKey, 0, len(clusters)*len(vspaces))
	for _, c := range clusters {
		for _, vs := range vspaces {
			out = append(out, tableKey{vs: vs, c: c})
		}
	}
	return out
}

// Install maps vseg v (declared in declaringVspace, whose pseg lives in
// declaringCluster) into every (vspace, cluster) pair its locality flags
// require, per §4.3. l2ppnFor supplies the backing physical page for a
// small page's level-2 sub-table the first time one is needed for a given
// (vspace, cluster, big page) triple — callers thread this through the
// page-table-area allocation described in §4.3 step 2.
func Install(b *Builder, img *mapping.Image, declaringVspace mapping.VspaceID, declaringCluster mapping.ClusterID, v mapping.Vseg, resolver *Resolver, l2ppnFor func(vs mapping.VspaceID, c mapping.ClusterID, bigPageVPN uint32) (uint32, error)) error {
	pseg := img.Psegs[v.PsegID]

	ppn, err := resolver.Resolve(v, pseg, declaringCluster)
	if err != nil {
		return err
	}

	firstVPN := uint32(v.VBase >> isa.SmallPageShift)
	pages := uint32((v.Length + uint64(isa.SmallPageSize) - 1) / uint64(isa.SmallPageSize))
	if v.Big {
		pages = uint32((v.Length + uint64(isa.BigPageSize) - 1) / uint64(isa.BigPageSize))
	}

	for _, k := range targets(img, declaringVspace, declaringCluster, v) {
		for i := uint32(0); i < pages; i++ {
			if v.Big {
				vpn := firstVPN + i*uint32(isa.SmallPerBig)
				bigPPN := ppn >> (isa.BigPageShift - isa.SmallPageShift)
				if err := b.MapBig(k.vs, k.c, vpn, bigPPN+i, v.Mode); err != nil {
					return fmt.Errorf("ptbl: installing vseg %q: %w", v.Name, err)
				}
				continue
			}
			vpn := firstVPN + i
			l1idx, _ := VPNIndices(vpn)
			bigVPN := uint32(l1idx) << 9
			l2ppn, err := l2ppnFor(k.vs, k.c, bigVPN)
			if err != nil {
				return fmt.Errorf("ptbl: installing vseg %q: allocating level-2 table: %w", v.Name, err)
			}
			if err := b.MapSmall(k.vs, k.c, vpn, ppn+i, l2ppn, v.Mode); err != nil {
				return fmt.Errorf("ptbl: installing vseg %q: %w", v.Name, err)
			}
		}
	}
	return nil
}
