package isa

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// DisasmAt decodes the instruction at the faulting address for a crash
// dump. code is a window of bytes read through the direct physical mapping
// starting at the fault EPC; mode is 32 or 64 depending on the target ABI.
// It never fails hard: an undecodable instruction yields a placeholder
// string so the fatal-thread report (§7) is never blocked on a disassembly
// error.
func DisasmAt(code []uint8, mode int) string {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return "<undecodable>"
	}
	return x86asm.GNUSyntax(inst, 0, nil)
}

// DisasmLine formats a one-line crash-dump entry combining the EPC and the
// decoded mnemonic, for use by kerrors.ReportFatalThread
// callers that have access to the faulting cluster's direct-mapped view.
func DisasmLine(epc uintptr, code []uint8, mode int) string {
	return fmt.Sprintf("%#x: %s", epc, DisasmAt(code, mode))
}
