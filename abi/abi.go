// Package abi implements the system-call dispatch table of §6: a fixed,
// closed set of call numbers, each bound to a four-word-in/one-word-out
// handler. Unknown numbers return an error rather than panicking, since a
// user-mode trap with a bad call number must never crash the kernel.
package abi

import (
	"fmt"

	"tsarkern/isa"
	"tsarkern/kerrors"
	"tsarkern/mapping"
)

// Num is a syscall number, one of the closed set named in §6.
type Num int

const (
	ProcCoords       Num = 0
	ProcTime         Num = 1
	TTYWrite         Num = 2
	TTYRead          Num = 3
	TTYAlloc         Num = 4
	TasksStatus      Num = 5
	HeapInfo         Num = 7
	LocalTaskID      Num = 8
	GlobalTaskID     Num = 9
	FbfCmaAlloc      Num = 10
	FbfCmaInitBuf    Num = 11
	FbfCmaStart      Num = 12
	FbfCmaDisplay    Num = 13
	FbfCmaStop       Num = 14
	TaskExit         Num = 15
	ProcsNumber      Num = 16
	ThreadID         Num = 19
	TimAlloc         Num = 20
	TimStart         Num = 21
	TimStop          Num = 22
	KillApplication  Num = 23
	ExecApplication  Num = 24
	ContextSwitch    Num = 25
	VsegGetVBase     Num = 26
	VsegGetLength    Num = 27
	XYFromPtr        Num = 28
	FileOpen         Num = 32
	FileRead         Num = 33
	FileWrite        Num = 34
	FileLseek        Num = 35
	FileInfo         Num = 36
	FileClose        Num = 37
	FileRemove       Num = 38
	FileRename       Num = 39
	FileMkdir        Num = 40
	FileOpendir      Num = 41
	FileClosedir     Num = 42
	FileReaddir      Num = 43
	NicAlloc         Num = 48
	NicStart         Num = 49
	NicMove          Num = 50
	NicStop          Num = 51
	NicStats         Num = 52
	NicClear         Num = 53
	CoprocCompleted  Num = 59
	CoprocAlloc      Num = 60
	CoprocChannelInit Num = 61
	CoprocRun        Num = 62
	CoprocRelease    Num = 63

	// maxNum is one past the highest valid syscall number; the dispatch
	// table is sized to it.
	maxNum = 64
)

// valid is the closed set of syscall numbers §6 actually assigns; every
// other index in [0, maxNum) is a gap and dispatches to ENXIO exactly
// like a number above maxNum.
var valid = map[Num]string{
	ProcCoords: "proc-coords", ProcTime: "proc-time", TTYWrite: "tty-write",
	TTYRead: "tty-read", TTYAlloc: "tty-alloc", TasksStatus: "tasks-status",
	HeapInfo: "heap-info", LocalTaskID: "local-task-id", GlobalTaskID: "global-task-id",
	FbfCmaAlloc: "fbf-cma-alloc", FbfCmaInitBuf: "fbf-cma-init-buf",
	FbfCmaStart: "fbf-cma-start", FbfCmaDisplay: "fbf-cma-display", FbfCmaStop: "fbf-cma-stop",
	TaskExit: "task-exit", ProcsNumber: "procs-number", ThreadID: "thread-id",
	TimAlloc: "tim-alloc", TimStart: "tim-start", TimStop: "tim-stop",
	KillApplication: "kill-application", ExecApplication: "exec-application",
	ContextSwitch: "context-switch", VsegGetVBase: "vseg-get-vbase",
	VsegGetLength: "vseg-get-length", XYFromPtr: "xy-from-ptr",
	FileOpen: "file-open", FileRead: "file-read", FileWrite: "file-write",
	FileLseek: "file-lseek", FileInfo: "file-info", FileClose: "file-close",
	FileRemove: "file-remove", FileRename: "file-rename", FileMkdir: "file-mkdir",
	FileOpendir: "file-opendir", FileClosedir: "file-closedir", FileReaddir: "file-readdir",
	NicAlloc: "nic-alloc", NicStart: "nic-start", NicMove: "nic-move",
	NicStop: "nic-stop", NicStats: "nic-stats", NicClear: "nic-clear",
	CoprocCompleted: "coproc-completed", CoprocAlloc: "coproc-alloc",
	CoprocChannelInit: "coproc-channel-init", CoprocRun: "coproc-run",
	CoprocRelease: "coproc-release",
}

// Name reports the syscall's name, or "" if num is not in the closed set.
func (n Num) Name() string { return valid[n] }

// Handler is one syscall's implementation: four machine-word arguments in,
// one machine word out, or an error.
type Handler func(a0, a1, a2, a3 uint64) (uint64, error)

// Table is the fixed dispatch table (§6: "Fixed dispatch table, indexed by
// call number").
type Table struct {
	handlers [maxNum]Handler
}

// Register installs h for num. It panics if num is outside the closed set
// named in §6 — a handler registered against an unassigned number is a
// wiring bug caught at boot.
func (t *Table) Register(num Num, h Handler) {
	if _, ok := valid[num]; !ok {
		panic(fmt.Sprintf("abi: %d is not an assigned syscall number", num))
	}
	t.handlers[num] = h
}

// Dispatch runs the handler bound to num, or returns ENXIO if num is
// unassigned or was never registered (§6: "Unknown numbers return an
// error").
func (t *Table) Dispatch(num Num, a0, a1, a2, a3 uint64) (uint64, error) {
	if num < 0 || int(num) >= maxNum || t.handlers[num] == nil {
		return 0, fmt.Errorf("abi: unknown syscall number %d: %w", num, kerrors.ENXIO)
	}
	return t.handlers[num](a0, a1, a2, a3)
}

// RegisterIntrospection wires the three thin introspection syscalls (§6:
// xy-from-ptr, vseg-get-vbase, vseg-get-length) directly over the mapping
// image already held by package mapping, since they need nothing beyond
// the vseg table a running thread's vspace already exposes plus a way to
// resolve a virtual address to its backing physical page number.
func RegisterIntrospection(t *Table, img *mapping.Image, vspaceOf func(threadGlobalID uint64) mapping.VspaceID, translate func(vaddr uint64) (ppn uint32, err error)) {
	t.Register(XYFromPtr, func(a0, _, _, _ uint64) (uint64, error) {
		ppn, err := translate(a0)
		if err != nil {
			return 0, err
		}
		x, y, _, _ := isa.UnpackPPN(ppn)
		return uint64(x)<<32 | uint64(y), nil
	})

	findVseg := func(vs mapping.VspaceID, vaddr uint64) (*mapping.Vseg, error) {
		space := img.Vspaces[vs]
		for i := space.VsegOffset; i < space.VsegOffset+space.VsegCount; i++ {
			v := &img.Vsegs[i]
			if vaddr >= v.VBase && vaddr < v.VBase+v.Length {
				return v, nil
			}
		}
		return nil, fmt.Errorf("abi: no vseg covers %#x: %w", vaddr, kerrors.EFAULT)
	}

	t.Register(VsegGetVBase, func(a0, _, _, _ uint64) (uint64, error) {
		v, err := findVseg(vspaceOf(a0), a0)
		if err != nil {
			return 0, err
		}
		return v.VBase, nil
	})
	t.Register(VsegGetLength, func(a0, _, _, _ uint64) (uint64, error) {
		v, err := findVseg(vspaceOf(a0), a0)
		if err != nil {
			return 0, err
		}
		return v.Length, nil
	})
}
