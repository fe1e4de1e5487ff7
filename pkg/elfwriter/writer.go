// elfwriter is a package to write ELF files.
// It produces relocatable objects and executables with section headers,
// program headers and symbol tables, in either class and byte order. It
// is used to synthesize test binaries, nothing is validated: callers can
// build deliberately inconsistent files.
package elfwriter

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
)

// Section is a section to be written. Data is ignored for SHT_NOBITS
// sections, whose size is Size.
type Section struct {
	Name    string
	Type    elf.SectionType
	Flags   elf.SectionFlag
	Addr    uint64
	Data    []byte
	Size    uint64
	Link    uint32
	Info    uint32
	Align   uint64
	Entsize uint64

	index uint32
	off   uint64
}

// Index returns the section header index assigned to s.
func (s *Section) Index() uint32 { return s.index }

// Symbol is an entry of a symbol table. Section is the header index of the
// owning section or one of the special indexes (SHN_UNDEF, SHN_ABS,
// SHN_COMMON).
type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
	Other   uint8
	Section uint32
}

// File describes the ELF file to write.
type File struct {
	Class   elf.Class
	Data    elf.Data
	Type    elf.Type
	Machine elf.Machine
	Entry   uint64
	Flags   uint32
	Progs   []elf.ProgHeader

	// ExtendedNumbering stores the section count and the section name
	// table index in section 0, as done for files with more than
	// SHN_LORESERVE sections.
	ExtendedNumbering bool

	sections []*Section
}

// New returns an empty file with the given class and byte order.
func New(class elf.Class, data elf.Data, typ elf.Type, machine elf.Machine) *File {
	return &File{Class: class, Data: data, Type: typ, Machine: machine}
}

// AddSection appends s to the section header table and returns its index.
// Index 0 is the null section.
func (f *File) AddSection(s *Section) uint32 {
	s.index = uint32(len(f.sections) + 1)
	f.sections = append(f.sections, s)
	return s.index
}

// Sections returns the sections added so far, without the null section
// and the section name table.
func (f *File) Sections() []*Section {
	return f.sections
}

func (f *File) order() binary.ByteOrder {
	if f.Data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (f *File) is64() bool { return f.Class == elf.ELFCLASS64 }

// SymtabOptions controls how AddSymbolTable lays out the table.
type SymtabOptions struct {
	// Dynamic writes SHT_DYNSYM/.dynsym/.dynstr instead of
	// SHT_SYMTAB/.symtab/.strtab.
	Dynamic bool
	// Shndx moves every section index to a SHT_SYMTAB_SHNDX section,
	// the entries themselves contain SHN_XINDEX.
	Shndx bool
}

// AddSymbolTable adds a symbol table, its string table and optionally its
// extended section index table. The null symbol is prepended, syms must
// list local symbols first. It returns the symbol table section.
func (f *File) AddSymbolTable(syms []Symbol, opts SymtabOptions) *Section {
	order := f.order()
	var (
		strtab bytes.Buffer
		tab    bytes.Buffer
		shndx  bytes.Buffer
	)
	strtab.WriteByte(0)

	all := append([]Symbol{{}}, syms...)
	firstGlobal := uint32(len(all))
	for i, sym := range all {
		name := uint32(0)
		if sym.Name != "" {
			name = uint32(strtab.Len())
			strtab.WriteString(sym.Name)
			strtab.WriteByte(0)
		}
		if i > 0 && sym.Bind != elf.STB_LOCAL && uint32(i) < firstGlobal {
			firstGlobal = uint32(i)
		}
		secidx := uint16(sym.Section)
		if opts.Shndx {
			binary.Write(&shndx, order, sym.Section)
			if i > 0 {
				secidx = uint16(elf.SHN_XINDEX)
			}
		}
		info := elf.ST_INFO(sym.Bind, sym.Type)
		if f.is64() {
			binary.Write(&tab, order, elf.Sym64{Name: name, Info: info, Other: sym.Other, Shndx: secidx, Value: sym.Value, Size: sym.Size})
		} else {
			binary.Write(&tab, order, elf.Sym32{Name: name, Value: uint32(sym.Value), Size: uint32(sym.Size), Info: info, Other: sym.Other, Shndx: secidx})
		}
	}

	symName, strName, typ := ".symtab", ".strtab", elf.SHT_SYMTAB
	if opts.Dynamic {
		symName, strName, typ = ".dynsym", ".dynstr", elf.SHT_DYNSYM
	}
	strsec := &Section{Name: strName, Type: elf.SHT_STRTAB, Data: strtab.Bytes(), Align: 1}
	f.AddSection(strsec)

	entsize, align := uint64(elf.Sym32Size), uint64(4)
	if f.is64() {
		entsize, align = uint64(elf.Sym64Size), 8
	}
	symsec := &Section{Name: symName, Type: typ, Data: tab.Bytes(), Link: strsec.index, Info: firstGlobal, Align: align, Entsize: entsize}
	f.AddSection(symsec)

	if opts.Shndx {
		f.AddSection(&Section{Name: ".symtab_shndx", Type: elf.SHT_SYMTAB_SHNDX, Data: shndx.Bytes(), Link: symsec.index, Align: 4, Entsize: 4})
	}
	return symsec
}

// Bytes returns the encoded file.
func (f *File) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes the encoded file to w. Section contents are laid out in
// order after the program headers, the section name table and the
// section header table come last.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	if f.Class != elf.ELFCLASS32 && f.Class != elf.ELFCLASS64 {
		return 0, errors.New("elfwriter: unsupported class")
	}

	ehsize, phentsize, shentsize := uint64(52), uint64(32), uint64(40)
	if f.is64() {
		ehsize, phentsize, shentsize = 64, 56, 64
	}

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	names := make([]uint32, len(f.sections))
	for i, s := range f.sections {
		names[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(s.Name)
		shstrtab.WriteByte(0)
	}
	shstrName := uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)
	shstr := &Section{Name: ".shstrtab", Type: elf.SHT_STRTAB, Data: shstrtab.Bytes(), Align: 1, index: uint32(len(f.sections) + 1)}

	all := append(append([]*Section{}, f.sections...), shstr)
	names = append(names, shstrName)

	wr := &writer{order: f.order(), is64: f.is64()}

	phoff := uint64(0)
	off := ehsize
	if len(f.Progs) > 0 {
		phoff = off
		off += phentsize * uint64(len(f.Progs))
	}
	for _, s := range all {
		if s.Type == elf.SHT_NOBITS {
			s.off = off
			continue
		}
		off = alignUp(off, s.Align)
		s.off = off
		off += uint64(len(s.Data))
	}
	shoff := alignUp(off, 8)
	shnum := uint64(len(all) + 1)

	// ELF header
	wr.bytes([]byte{0x7f, 'E', 'L', 'F', byte(f.Class), byte(f.Data), byte(elf.EV_CURRENT), 0, 0, 0, 0, 0, 0, 0, 0, 0})
	wr.u16(uint16(f.Type))
	wr.u16(uint16(f.Machine))
	wr.u32(uint32(elf.EV_CURRENT))
	wr.addr(f.Entry)
	wr.addr(phoff)
	wr.addr(shoff)
	wr.u32(f.Flags)
	wr.u16(uint16(ehsize))
	wr.u16(uint16(phentsize))
	wr.u16(uint16(len(f.Progs)))
	wr.u16(uint16(shentsize))
	if f.ExtendedNumbering {
		wr.u16(0)
		wr.u16(uint16(elf.SHN_XINDEX))
	} else {
		wr.u16(uint16(shnum))
		wr.u16(uint16(shstr.index))
	}

	for _, p := range f.Progs {
		wr.u32(uint32(p.Type))
		if f.is64() {
			wr.u32(uint32(p.Flags))
		}
		wr.addr(p.Off)
		wr.addr(p.Vaddr)
		wr.addr(p.Paddr)
		wr.addr(p.Filesz)
		wr.addr(p.Memsz)
		if !f.is64() {
			wr.u32(uint32(p.Flags))
		}
		wr.addr(p.Align)
	}

	for _, s := range all {
		if s.Type == elf.SHT_NOBITS {
			continue
		}
		wr.pad(s.off)
		wr.bytes(s.Data)
	}
	wr.pad(shoff)

	// null section, carries the real counts with extended numbering
	if f.ExtendedNumbering {
		wr.section(0, elf.SHT_NULL, 0, 0, 0, shnum, shstr.index, 0, 0, 0)
	} else {
		wr.section(0, elf.SHT_NULL, 0, 0, 0, 0, 0, 0, 0, 0)
	}
	for i, s := range all {
		size := uint64(len(s.Data))
		if s.Type == elf.SHT_NOBITS {
			size = s.Size
		}
		wr.section(names[i], s.Type, s.Flags, s.Addr, s.off, size, s.Link, s.Info, s.Align, s.Entsize)
	}

	if wr.err != nil {
		return 0, wr.err
	}
	n, err := w.Write(wr.buf.Bytes())
	return int64(n), err
}

func alignUp(off, align uint64) uint64 {
	if align <= 1 {
		return off
	}
	return (off + align - 1) &^ (align - 1)
}

type writer struct {
	buf   bytes.Buffer
	order binary.ByteOrder
	is64  bool
	err   error
}

func (w *writer) bytes(b []byte) {
	w.buf.Write(b)
}

func (w *writer) pad(off uint64) {
	if uint64(w.buf.Len()) > off {
		if w.err == nil {
			w.err = errors.New("elfwriter: internal error, layout overlap")
		}
		return
	}
	w.buf.Write(make([]byte, off-uint64(w.buf.Len())))
}

func (w *writer) u16(n uint16) {
	binary.Write(&w.buf, w.order, n)
}

func (w *writer) u32(n uint32) {
	binary.Write(&w.buf, w.order, n)
}

func (w *writer) u64(n uint64) {
	binary.Write(&w.buf, w.order, n)
}

// addr writes an address or offset sized for the file class.
func (w *writer) addr(n uint64) {
	if w.is64 {
		w.u64(n)
	} else {
		w.u32(uint32(n))
	}
}

func (w *writer) section(name uint32, typ elf.SectionType, flags elf.SectionFlag, addr, off, size uint64, link, info uint32, align, entsize uint64) {
	w.u32(name)
	w.u32(uint32(typ))
	w.addr(uint64(flags))
	w.addr(addr)
	w.addr(off)
	w.addr(size)
	w.u32(link)
	w.u32(info)
	w.addr(align)
	w.addr(entsize)
}
