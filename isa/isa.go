// Package isa holds the platform constants that are compiled into the
// kernel rather than loaded from the mapping image: bit widths for the
// coordinate system, page geometry, peripheral addressing conventions, and
// the processor cause-register encoding. These mirror a target's
// hard_config.h: they are part of the platform, not of any one mapping.
package isa

// Coordinate bit widths for the cluster mesh. The mapping loader validates
// that a loaded image's header declares the same X/Y widths (§4.1); the
// per-processor local index width is fixed by the platform, as it is never
// carried in the mapping header.
const (
	XWidth uint = 4 // matches the 4-bit x field of a PPN
	YWidth uint = 4 // matches the 4-bit y field of a PPN
	PWidth uint = 2 // up to 4 processors per cluster
)

// Page geometry, §3.
const (
	SmallPageShift uint = 12       // 4 KiB
	SmallPageSize  int  = 1 << SmallPageShift
	BigPageShift   uint = 21       // 2 MiB
	BigPageSize    int  = 1 << BigPageShift
	SmallPerBig    uint = 1 << (BigPageShift - SmallPageShift) // 512
)

// GPID is a packed (x,y,p) global processor identifier.
type GPID uint32

// PackGPID packs cluster coordinates and a local processor index into a
// single identifier using the platform's fixed bit widths.
func PackGPID(x, y, p uint) GPID {
	return GPID((x << (YWidth + PWidth)) | (y << PWidth) | p)
}

// Unpack splits a GPID back into its cluster coordinates and local index.
func (g GPID) Unpack() (x, y, p uint) {
	v := uint(g)
	p = v & ((1 << PWidth) - 1)
	y = (v >> PWidth) & ((1 << YWidth) - 1)
	x = v >> (YWidth + PWidth)
	return
}

// UnpackPPN splits a 28-bit physical page number into its cluster
// coordinates and big/small page indices, per §3: x:4 | y:4 | BPPI:11 |
// SPPI:9. It is the inverse of the packing pma.Allocator performs when
// handing out a PPN.
func UnpackPPN(ppn uint32) (x, y uint, bppi, sppi uint32) {
	x = uint(ppn>>24) & 0xF
	y = uint(ppn>>20) & 0xF
	bppi = (ppn >> 9) & 0x7FF
	sppi = ppn & 0x1FF
	return
}

// RetryBudget bounds a polling loop per §7/§8: transient "busy" status is
// retried this many times before being reported as a timeout.
const RetryBudget = 1 << 20

// EretStub and KernelSR are the platform's fixed entry/exit constants for a
// freshly exec'd thread context (§4.5): the return address a context
// transitions through to eret into user mode, and the status-register value
// the kernel enters with. Both are build-time platform constants exactly
// like the register bases above, never derived from the mapping image.
const (
	EretStub uintptr = 0xFFFF000000001000
	KernelSR uintptr = 0x1
)

// PeripheralAddr computes the MMIO address of a register in a per-cluster
// replicated peripheral, per §6: base + cluster_xy*stride + register<<2.
func PeripheralAddr(base uintptr, stride uintptr, clusterXY uint, register uint) uintptr {
	return base + stride*uintptr(clusterXY) + uintptr(register)<<2
}
