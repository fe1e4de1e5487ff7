package binfile

import (
	"debug/elf"
	"fmt"
)

var machineNames = map[elf.Machine]string{
	elf.EM_386:     "x86",
	elf.EM_X86_64:  "x86-64",
	elf.EM_ARM:     "ARM",
	elf.EM_AARCH64: "AArch64",
	elf.EM_RISCV:   "RISC-V",
	elf.EM_MIPS:    "MIPS",
	elf.EM_XTENSA:  "Xtensa",
}

// MachineName returns a short human readable description of m.
func MachineName(m elf.Machine) string {
	if name, ok := machineNames[m]; ok {
		return name
	}
	return fmt.Sprintf("unknown (%d)", uint16(m))
}

// Machine returns the description of the target architecture.
func (f *File) Machine() string {
	return MachineName(f.hdr.Machine)
}

// Supported reports whether the target architecture is one the analyzer
// knows about. Binaries for other machines are still analyzed, symbol
// conventions (mapping symbols, thumb bits) may be misinterpreted.
func (f *File) Supported() bool {
	_, ok := machineNames[f.hdr.Machine]
	return ok
}

// ThumbBit reports whether function symbol values carry the ARM thumb
// interworking bit, which must be cleared to obtain the address.
func (f *File) ThumbBit() bool {
	return f.hdr.Machine == elf.EM_ARM
}
