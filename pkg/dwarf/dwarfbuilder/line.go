package dwarfbuilder

import (
	"bytes"
	"encoding/binary"

	"github.com/membrowse/membrowse-action/pkg/dwarf/leb128"
)

const (
	lineBase   = -5
	lineRange  = 14
	opcodeBase = 13
)

var stdOpLengths = []byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1}

// LineProgram builds a .debug_line unit. Rows must be added in address
// order inside each sequence.
type LineProgram struct {
	order   binary.ByteOrder
	ptrSize int
	version uint16

	dirs  []string
	files []lineFile

	prog    bytes.Buffer
	addr    uint64
	line    int
	file    uint64
	started bool
}

type lineFile struct {
	name string
	dir  uint64
}

// NewLineProgram returns an empty line program of the given version (4 or
// 5). compDir becomes directory 0.
func NewLineProgram(order binary.ByteOrder, ptrSize int, version uint16, compDir string) *LineProgram {
	if version != 5 {
		version = 4
	}
	lp := &LineProgram{order: order, ptrSize: ptrSize, version: version}
	lp.dirs = append(lp.dirs, compDir)
	lp.reset()
	return lp
}

func (lp *LineProgram) reset() {
	lp.addr = 0
	lp.line = 1
	lp.file = 1
	lp.started = false
}

// AddDir adds an include directory and returns its index.
func (lp *LineProgram) AddDir(dir string) uint64 {
	lp.dirs = append(lp.dirs, dir)
	return uint64(len(lp.dirs) - 1)
}

// AddFile adds a file to the file name table and returns the index used to
// refer to it from DW_AT_decl_file and DW_LNS_set_file.
func (lp *LineProgram) AddFile(name string, dir uint64) uint64 {
	lp.files = append(lp.files, lineFile{name: name, dir: dir})
	if lp.version >= 5 {
		return uint64(len(lp.files) - 1)
	}
	return uint64(len(lp.files))
}

// Row appends a row to the matrix for file:line at addr.
func (lp *LineProgram) Row(addr uint64, file uint64, line int) {
	if !lp.started || addr < lp.addr {
		lp.setAddress(addr)
	}
	if file != lp.file {
		lp.prog.WriteByte(0x04) // DW_LNS_set_file
		leb128.EncodeUnsigned(&lp.prog, file)
		lp.file = file
	}

	addrDelta := addr - lp.addr
	lineDelta := line - lp.line
	if lineDelta >= lineBase && lineDelta < lineBase+lineRange {
		op := uint64(lineDelta-lineBase) + lineRange*addrDelta + opcodeBase
		if op <= 255 {
			lp.prog.WriteByte(byte(op))
			lp.addr, lp.line = addr, line
			return
		}
	}
	if addrDelta != 0 {
		lp.prog.WriteByte(0x02) // DW_LNS_advance_pc
		leb128.EncodeUnsigned(&lp.prog, addrDelta)
	}
	if lineDelta != 0 {
		lp.prog.WriteByte(0x03) // DW_LNS_advance_line
		leb128.EncodeSigned(&lp.prog, int64(lineDelta))
	}
	lp.prog.WriteByte(0x01) // DW_LNS_copy
	lp.addr, lp.line = addr, line
}

// EndSequence terminates the current sequence at addr, which is the first
// address past its last instruction.
func (lp *LineProgram) EndSequence(addr uint64) {
	if addr > lp.addr {
		lp.prog.WriteByte(0x02)
		leb128.EncodeUnsigned(&lp.prog, addr-lp.addr)
	}
	lp.prog.Write([]byte{0, 1, 0x01}) // DW_LNE_end_sequence
	lp.reset()
}

func (lp *LineProgram) setAddress(addr uint64) {
	lp.prog.WriteByte(0)
	leb128.EncodeUnsigned(&lp.prog, uint64(1+lp.ptrSize))
	lp.prog.WriteByte(0x02) // DW_LNE_set_address
	b := &Builder{order: lp.order, ptrSize: lp.ptrSize}
	b.writeAddr(&lp.prog, addr)
	lp.addr = addr
	lp.started = true
}

// Encode returns the complete line number program unit.
func (lp *LineProgram) Encode() []byte {
	var hdr bytes.Buffer
	lb := int8(lineBase)
	hdr.WriteByte(1) // minimum_instruction_length
	hdr.WriteByte(1) // maximum_operations_per_instruction
	hdr.WriteByte(1) // default_is_stmt
	hdr.WriteByte(byte(lb))
	hdr.WriteByte(lineRange)
	hdr.WriteByte(opcodeBase)
	hdr.Write(stdOpLengths)

	if lp.version >= 5 {
		hdr.WriteByte(1)                 // directory_entry_format_count
		leb128.EncodeUnsigned(&hdr, 0x1) // DW_LNCT_path
		leb128.EncodeUnsigned(&hdr, uint64(DW_FORM_string))
		leb128.EncodeUnsigned(&hdr, uint64(len(lp.dirs)))
		for _, d := range lp.dirs {
			hdr.WriteString(d)
			hdr.WriteByte(0)
		}
		hdr.WriteByte(2) // file_name_entry_format_count
		leb128.EncodeUnsigned(&hdr, 0x1)
		leb128.EncodeUnsigned(&hdr, uint64(DW_FORM_string))
		leb128.EncodeUnsigned(&hdr, 0x2) // DW_LNCT_directory_index
		leb128.EncodeUnsigned(&hdr, uint64(DW_FORM_udata))
		leb128.EncodeUnsigned(&hdr, uint64(len(lp.files)))
		for _, f := range lp.files {
			hdr.WriteString(f.name)
			hdr.WriteByte(0)
			leb128.EncodeUnsigned(&hdr, f.dir)
		}
	} else {
		for _, d := range lp.dirs[1:] {
			hdr.WriteString(d)
			hdr.WriteByte(0)
		}
		hdr.WriteByte(0)
		for _, f := range lp.files {
			hdr.WriteString(f.name)
			hdr.WriteByte(0)
			leb128.EncodeUnsigned(&hdr, f.dir)
			leb128.EncodeUnsigned(&hdr, 0) // mtime
			leb128.EncodeUnsigned(&hdr, 0) // length
		}
		hdr.WriteByte(0)
	}

	var unit bytes.Buffer
	binary.Write(&unit, lp.order, lp.version)
	if lp.version >= 5 {
		unit.WriteByte(byte(lp.ptrSize))
		unit.WriteByte(0) // segment_selector_size
	}
	binary.Write(&unit, lp.order, uint32(hdr.Len()))
	unit.Write(hdr.Bytes())
	unit.Write(lp.prog.Bytes())

	var out bytes.Buffer
	binary.Write(&out, lp.order, uint32(unit.Len()))
	out.Write(unit.Bytes())
	return out.Bytes()
}
