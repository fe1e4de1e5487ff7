// Package dwarfbuilder provides a way to build DWARF sections with
// arbitrary contents.
package dwarfbuilder

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"fmt"
)

// Builder dwarf builder
type Builder struct {
	order   binary.ByteOrder
	ptrSize int
	version uint16

	info     bytes.Buffer
	line     bytes.Buffer
	str      bytes.Buffer
	abbrevs  []tagDescr
	tagStack []*tagState

	unitStart int
	inUnit    bool
}

// Sections holds the encoded DWARF sections, named after the ELF section
// they belong to without the .debug_ prefix.
type Sections struct {
	Abbrev []byte
	Info   []byte
	Line   []byte
	Str    []byte
}

// New creates a new DWARF builder producing debug info of the given
// version (4 or 5) for a target with the given byte order and address size.
func New(order binary.ByteOrder, ptrSize int, version uint16) *Builder {
	if version != 5 {
		version = 4
	}
	return &Builder{order: order, ptrSize: ptrSize, version: version}
}

// CompileUnit starts a new compile unit, its DIE is left open so that
// children can be added. Close it with EndCompileUnit.
func (b *Builder) CompileUnit(name, compDir string, lang Language, stmtList SecOffset) dwarf.Offset {
	if b.inUnit {
		panic("CompileUnit inside an open compile unit")
	}
	b.inUnit = true
	b.unitStart = b.info.Len()

	b.info.Write([]byte{0, 0, 0, 0}) // length
	b.write(b.version)
	if b.version >= 5 {
		b.info.WriteByte(0x01) // DW_UT_compile
		b.info.WriteByte(byte(b.ptrSize))
		b.write(uint32(0)) // debug_abbrev_offset
	} else {
		b.write(uint32(0)) // debug_abbrev_offset
		b.info.WriteByte(byte(b.ptrSize))
	}

	off := b.TagOpen(dwarf.TagCompileUnit, name)
	if compDir != "" {
		b.Attr(dwarf.AttrCompDir, compDir)
	}
	b.Attr(dwarf.AttrLanguage, uint16(lang))
	b.Attr(dwarf.AttrStmtList, stmtList)
	return off
}

// EndCompileUnit closes the compile unit DIE and patches the unit length.
func (b *Builder) EndCompileUnit() {
	b.TagClose()
	if len(b.tagStack) > 0 {
		panic(fmt.Sprintf("unbalanced TagOpen/TagClose %d", len(b.tagStack)))
	}
	info := b.info.Bytes()
	b.order.PutUint32(info[b.unitStart:], uint32(len(info)-b.unitStart-4))
	b.inUnit = false
}

// AddLineProgram appends an encoded line program to .debug_line and
// returns its offset, the value of DW_AT_stmt_list for its compile unit.
func (b *Builder) AddLineProgram(lp *LineProgram) SecOffset {
	off := SecOffset(b.line.Len())
	b.line.Write(lp.Encode())
	return off
}

// Build returns all the dwarf sections.
func (b *Builder) Build() (Sections, error) {
	if b.inUnit || len(b.tagStack) > 0 {
		return Sections{}, fmt.Errorf("unbalanced TagOpen/TagClose %d", len(b.tagStack))
	}
	return Sections{
		Abbrev: b.makeAbbrevTable(),
		Info:   b.info.Bytes(),
		Line:   b.line.Bytes(),
		Str:    b.str.Bytes(),
	}, nil
}

func (b *Builder) write(v interface{}) {
	binary.Write(&b.info, b.order, v)
}
