// Package mapping reads the binary hardware+software description (§6) into
// a fixed in-memory arena and exposes typed, read-only accessors over it.
// The image is read-only after boot and owned by the kernel text segment;
// every accessor here returns a borrowed slice, never a copy, and cross
// references between tables are typed index newtypes rather than pointers
// (see Design Notes: "static cyclic graphs").
package mapping

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"tsarkern/isa"
	"tsarkern/kerrors"
)

// ClusterID, PsegID, ... are arena indices, validated in range at load time.
type (
	ClusterID int
	PsegID    int
	VspaceID  int
	VsegID    int
	TaskID    int
	ProcID    int
	IrqID     int
	PeriphID  int
)

// Cluster names a mesh coordinate and the table ranges that belong to it.
type Cluster struct {
	X, Y                       uint32
	PsegOffset, PsegCount      uint32
	ProcOffset, ProcCount      uint32
	PeriphOffset, PeriphCount  uint32
}

// Pseg is a named physical segment inside one cluster.
type Pseg struct {
	Name      string
	Type      PsegType
	Base      uint64
	Length    uint64
	ClusterID ClusterID
}

// Vspace is an address space: a set of private vsegs and threads.
type Vspace struct {
	Name                   string
	VsegOffset, VsegCount  uint32
	TaskOffset, TaskCount  uint32
	StartVsegID            VsegID
	Active                 bool
}

// Vseg is a named virtual segment.
//
// Local and Global are independent axes (§4.3): Local says whether the
// vseg is mapped only in its declaring cluster's tables or in the tables of
// every cluster with processors (the same physical pages in each, resolved
// once); Global says whether the declaration itself belongs to one
// vspace or is instantiated in every vspace.
type Vseg struct {
	Name    string
	VBase   uint64
	Length  uint64
	Mode    Mode
	Type    VsegType
	PsegID  PsegID
	Ident   bool
	Local   bool
	Global  bool
	Big     bool
	BinPath string
}

// Task describes one statically-placed thread.
type Task struct {
	Name        string
	Trdid       uint32
	ClusterID   ClusterID
	ProcLocID   uint32
	StackVsegID VsegID
	HeapVsegID  VsegID // -1 (NoVseg) when absent
	StartID     uint32
}

// NoVseg marks an absent optional vseg reference (e.g. Task.HeapVsegID).
const NoVseg VsegID = -1

// Proc names one processor's local index within its cluster.
type Proc struct {
	Index uint32
}

// IRQ binds one interrupt source to an ISR kind and channel.
type IRQ struct {
	SrcType SrcType
	SrcID   uint32
	IsrKind ISRKind
	Channel uint32
}

// Periph describes one memory-mapped peripheral.
type Periph struct {
	Type                   PeriphType
	Subtype                uint32
	PsegID                 PsegID
	ChannelCount           uint32
	Args                   [4]uint32
	IrqOffset, IrqCount    uint32
}

// Image is the fully decoded, read-only mapping arena.
type Image struct {
	Name       string
	XSize      uint32
	YSize      uint32
	XIO, YIO   uint32
	IRQPerProc uint32
	UseRamDisk bool

	Clusters []Cluster
	Psegs    []Pseg
	Vspaces  []Vspace
	Vsegs    []Vseg
	Tasks    []Task
	Procs    []Proc
	IRQs     []IRQ
	Periphs  []Periph
}

// Load parses a mapping image. It fails fatally (returns a FatalKernel-class
// error) if the signature mismatches or the declared mesh dimensions don't
// match the compiled hardware constants — no partial, recoverable load is
// offered, matching §7: boot-time mapping failures are always fatal.
func Load(r io.Reader) (*Image, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return LoadBytes(buf)
}

// LoadBytes is Load over an in-memory image, used by tests and by the boot
// sequencer when the mapping was already staged into RAM.
func LoadBytes(buf []byte) (*Image, error) {
	rd := bytes.NewReader(buf)

	var hdr rawHeader
	if err := binary.Read(rd, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("mapping: truncated header: %w", err)
	}
	if hdr.Signature != Magic {
		return nil, fmt.Errorf("mapping: bad signature %#x: %w", hdr.Signature, kerrors.EINVAL)
	}
	if hdr.XWidth != uint32(isa.XWidth) || hdr.YWidth != uint32(isa.YWidth) {
		return nil, fmt.Errorf("mapping: mesh width x=%d y=%d does not match compiled constants x=%d y=%d: %w",
			hdr.XWidth, hdr.YWidth, isa.XWidth, isa.YWidth, kerrors.EINVAL)
	}
	if hdr.XSize > (1<<isa.XWidth) || hdr.YSize > (1<<isa.YWidth) {
		return nil, fmt.Errorf("mapping: mesh size %dx%d exceeds compiled bit widths: %w",
			hdr.XSize, hdr.YSize, kerrors.EINVAL)
	}

	img := &Image{
		Name:       cstr(hdr.Name[:]),
		XSize:      hdr.XSize,
		YSize:      hdr.YSize,
		XIO:        hdr.XIO,
		YIO:        hdr.YIO,
		IRQPerProc: hdr.IRQPerProc,
		UseRamDisk: hdr.UseRamDisk != 0,
	}

	readAt := func(off uint32, n uint32, elemSize int, decode func([]byte)) error {
		start := int(off)
		for i := uint32(0); i < n; i++ {
			end := start + elemSize
			if end > len(buf) {
				return fmt.Errorf("mapping: table element out of bounds: %w", kerrors.EINVAL)
			}
			decode(buf[start:end])
			start = end
		}
		return nil
	}

	img.Clusters = make([]Cluster, 0, hdr.ClusterCount)
	if err := readAt(hdr.ClusterOff, hdr.ClusterCount, binRawSize(rawCluster{}), func(b []byte) {
		var c rawCluster
		binary.Read(bytes.NewReader(b), binary.LittleEndian, &c)
		img.Clusters = append(img.Clusters, Cluster{
			X: c.X, Y: c.Y,
			PsegOffset: c.PsegOffset, PsegCount: c.PsegCount,
			ProcOffset: c.ProcOffset, ProcCount: c.ProcCount,
			PeriphOffset: c.PeriphOffset, PeriphCount: c.PeriphCount,
		})
	}); err != nil {
		return nil, err
	}

	img.Psegs = make([]Pseg, 0, hdr.PsegCount)
	if err := readAt(hdr.PsegOff, hdr.PsegCount, binRawSize(rawPseg{}), func(b []byte) {
		var p rawPseg
		binary.Read(bytes.NewReader(b), binary.LittleEndian, &p)
		img.Psegs = append(img.Psegs, Pseg{
			Name: cstr(p.Name[:]), Type: p.Type, Base: p.Base, Length: p.Length,
			ClusterID: ClusterID(p.ClusterID),
		})
	}); err != nil {
		return nil, err
	}

	img.Vspaces = make([]Vspace, 0, hdr.VspaceCount)
	if err := readAt(hdr.VspaceOff, hdr.VspaceCount, binRawSize(rawVspace{}), func(b []byte) {
		var v rawVspace
		binary.Read(bytes.NewReader(b), binary.LittleEndian, &v)
		img.Vspaces = append(img.Vspaces, Vspace{
			Name: cstr(v.Name[:]), VsegOffset: v.VsegOffset, VsegCount: v.VsegCount,
			TaskOffset: v.TaskOffset, TaskCount: v.TaskCount,
			StartVsegID: VsegID(v.StartVsegID), Active: v.Active != 0,
		})
	}); err != nil {
		return nil, err
	}

	img.Vsegs = make([]Vseg, 0, hdr.VsegCount)
	if err := readAt(hdr.VsegOff, hdr.VsegCount, binRawSize(rawVseg{}), func(b []byte) {
		var v rawVseg
		binary.Read(bytes.NewReader(b), binary.LittleEndian, &v)
		img.Vsegs = append(img.Vsegs, Vseg{
			Name: cstr(v.Name[:]), VBase: v.VBase, Length: v.Length, Mode: v.Mode,
			Type: v.Type, PsegID: PsegID(v.PsegID), Ident: v.Ident != 0,
			Local: v.Local != 0, Global: v.Global != 0, Big: v.Big != 0,
			BinPath: cstr(v.BinPath[:]),
		})
	}); err != nil {
		return nil, err
	}

	img.Tasks = make([]Task, 0, hdr.TaskCount)
	if err := readAt(hdr.TaskOff, hdr.TaskCount, binRawSize(rawTask{}), func(b []byte) {
		var t rawTask
		binary.Read(bytes.NewReader(b), binary.LittleEndian, &t)
		heap := VsegID(t.HeapVsegID)
		if t.HeapVsegID < 0 {
			heap = NoVseg
		}
		img.Tasks = append(img.Tasks, Task{
			Name: cstr(t.Name[:]), Trdid: t.Trdid, ClusterID: ClusterID(t.ClusterID),
			ProcLocID: t.ProcLocID, StackVsegID: VsegID(t.StackVsegID),
			HeapVsegID: heap, StartID: t.StartID,
		})
	}); err != nil {
		return nil, err
	}

	img.Procs = make([]Proc, 0, hdr.ProcCount)
	if err := readAt(hdr.ProcOff, hdr.ProcCount, binRawSize(rawProc{}), func(b []byte) {
		var p rawProc
		binary.Read(bytes.NewReader(b), binary.LittleEndian, &p)
		img.Procs = append(img.Procs, Proc{Index: p.Index})
	}); err != nil {
		return nil, err
	}

	img.IRQs = make([]IRQ, 0, hdr.IrqCount)
	if err := readAt(hdr.IrqOff, hdr.IrqCount, binRawSize(rawIRQ{}), func(b []byte) {
		var q rawIRQ
		binary.Read(bytes.NewReader(b), binary.LittleEndian, &q)
		img.IRQs = append(img.IRQs, IRQ{SrcType: q.SrcType, SrcID: q.SrcID, IsrKind: q.IsrKind, Channel: q.Channel})
	}); err != nil {
		return nil, err
	}

	img.Periphs = make([]Periph, 0, hdr.PeriphCount)
	if err := readAt(hdr.PeriphOff, hdr.PeriphCount, binRawSize(rawPeriph{}), func(b []byte) {
		var p rawPeriph
		binary.Read(bytes.NewReader(b), binary.LittleEndian, &p)
		img.Periphs = append(img.Periphs, Periph{
			Type: p.Type, Subtype: p.Subtype, PsegID: PsegID(p.PsegID),
			ChannelCount: p.ChannelCount, Args: [4]uint32{p.Arg0, p.Arg1, p.Arg2, p.Arg3},
			IrqOffset: p.IrqOffset, IrqCount: p.IrqCount,
		})
	}); err != nil {
		return nil, err
	}

	if err := img.validateIndices(); err != nil {
		return nil, err
	}
	return img, nil
}

func binRawSize(v any) int {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, v)
	return buf.Len()
}

// validateIndices checks that every cross-reference between tables is in
// range, per Design Notes: "validation that indices are in range is part
// of the loader."
func (img *Image) validateIndices() error {
	for i, p := range img.Psegs {
		if int(p.ClusterID) >= len(img.Clusters) {
			return fmt.Errorf("mapping: pseg[%d] refers to out-of-range cluster %d: %w", i, p.ClusterID, kerrors.EINVAL)
		}
	}
	for i, v := range img.Vsegs {
		if int(v.PsegID) >= len(img.Psegs) {
			return fmt.Errorf("mapping: vseg[%d] refers to out-of-range pseg %d: %w", i, v.PsegID, kerrors.EINVAL)
		}
	}
	for i, vs := range img.Vspaces {
		if int(vs.StartVsegID) >= len(img.Vsegs) {
			return fmt.Errorf("mapping: vspace[%d] refers to out-of-range start vseg %d: %w", i, vs.StartVsegID, kerrors.EINVAL)
		}
	}
	for i, t := range img.Tasks {
		if int(t.ClusterID) >= len(img.Clusters) {
			return fmt.Errorf("mapping: task[%d] refers to out-of-range cluster %d: %w", i, t.ClusterID, kerrors.EINVAL)
		}
		if int(t.StackVsegID) >= len(img.Vsegs) {
			return fmt.Errorf("mapping: task[%d] refers to out-of-range stack vseg %d: %w", i, t.StackVsegID, kerrors.EINVAL)
		}
	}
	for i, p := range img.Periphs {
		if int(p.PsegID) >= len(img.Psegs) {
			return fmt.Errorf("mapping: periph[%d] refers to out-of-range pseg %d: %w", i, p.PsegID, kerrors.EINVAL)
		}
	}
	return nil
}

// PsegsOf returns the borrowed slice of psegs belonging to cluster c.
func (img *Image) PsegsOf(c ClusterID) []Pseg {
	cl := img.Clusters[c]
	return img.Psegs[cl.PsegOffset : cl.PsegOffset+cl.PsegCount]
}

// ProcsOf returns the borrowed slice of processors belonging to cluster c.
func (img *Image) ProcsOf(c ClusterID) []Proc {
	cl := img.Clusters[c]
	return img.Procs[cl.ProcOffset : cl.ProcOffset+cl.ProcCount]
}

// PeriphsOf returns the borrowed slice of peripherals belonging to cluster c.
func (img *Image) PeriphsOf(c ClusterID) []Periph {
	cl := img.Clusters[c]
	return img.Periphs[cl.PeriphOffset : cl.PeriphOffset+cl.PeriphCount]
}

// VsegsOf returns the borrowed slice of vsegs private to a vspace.
func (img *Image) VsegsOf(vs VspaceID) []Vseg {
	v := img.Vspaces[vs]
	return img.Vsegs[v.VsegOffset : v.VsegOffset+v.VsegCount]
}

// TasksOf returns the borrowed slice of tasks belonging to a vspace.
func (img *Image) TasksOf(vs VspaceID) []Task {
	v := img.Vspaces[vs]
	return img.Tasks[v.TaskOffset : v.TaskOffset+v.TaskCount]
}

// IRQsOf returns the borrowed slice of IRQ bindings for a peripheral.
func (img *Image) IRQsOf(p PeriphID) []IRQ {
	periph := img.Periphs[p]
	return img.IRQs[periph.IrqOffset : periph.IrqOffset+periph.IrqCount]
}

// ClustersWithProcessors reports how many clusters have at least one
// processor, i.e. how many home clusters boot runs (§4.1, §4.11).
func (img *Image) ClustersWithProcessors() int {
	n := 0
	for _, c := range img.Clusters {
		if c.ProcCount > 0 {
			n++
		}
	}
	return n
}

// ClusterIndex returns the linear cluster index for coordinates (x,y).
func (img *Image) ClusterIndex(x, y uint32) ClusterID {
	return ClusterID(x*img.YSize + y)
}
