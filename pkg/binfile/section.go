package binfile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/membrowse/membrowse-action/pkg/dwarf/util"
	"github.com/membrowse/membrowse-action/pkg/logflags"
)

// SectionKind tells whether a section occupies bytes in the file.
type SectionKind uint8

const (
	// KindOther is any section that is neither program data nor
	// uninitialized data: symbol tables, notes, relocations, debug info.
	KindOther SectionKind = iota
	// KindProgBits is a section whose contents are stored in the file.
	KindProgBits
	// KindNoBits is an uninitialized section occupying no file space.
	KindNoBits
)

func (k SectionKind) String() string {
	switch k {
	case KindProgBits:
		return "progbits"
	case KindNoBits:
		return "nobits"
	default:
		return "other"
	}
}

// Section is an entry of the section header table.
type Section struct {
	Index     int
	Name      string
	Kind      SectionKind
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Size      uint64
	Offset    uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// Writable reports whether the section is writable at run time.
func (s *Section) Writable() bool { return s.Flags&elf.SHF_WRITE != 0 }

// Executable reports whether the section contains instructions.
func (s *Section) Executable() bool { return s.Flags&elf.SHF_EXECINSTR != 0 }

// Allocated reports whether the section occupies memory at run time.
func (s *Section) Allocated() bool { return s.Flags&elf.SHF_ALLOC != 0 }

// End returns the first address past the section.
func (s *Section) End() uint64 { return s.Addr + s.Size }

func sectionKind(typ elf.SectionType) SectionKind {
	switch typ {
	case elf.SHT_NOBITS:
		return KindNoBits
	case elf.SHT_PROGBITS, elf.SHT_INIT_ARRAY, elf.SHT_FINI_ARRAY, elf.SHT_PREINIT_ARRAY:
		return KindProgBits
	}
	return KindOther
}

// sectionHeader decodes the i-th entry of the section header table. The
// returned section has no name yet, the raw sh_name offset is returned
// separately.
func (f *File) sectionHeader(i int) (Section, uint32, error) {
	h := &f.hdr
	entsize := f.sizes().shdr
	off := h.Shoff + uint64(i)*uint64(entsize)
	if err := f.tableBounds("section header", off, 1, entsize); err != nil {
		return Section{}, 0, err
	}
	rd := bytes.NewReader(f.data[off : off+uint64(entsize)])

	s := Section{Index: i}
	var name uint32
	if h.Class == elf.ELFCLASS64 {
		var sh elf.Section64
		if err := binary.Read(rd, f.order, &sh); err != nil {
			return Section{}, 0, errors.Wrapf(ErrTruncatedHeader, "section header %d: %v", i, err)
		}
		name = sh.Name
		s.Type, s.Flags = elf.SectionType(sh.Type), elf.SectionFlag(sh.Flags)
		s.Addr, s.Offset, s.Size = sh.Addr, sh.Off, sh.Size
		s.Link, s.Info, s.Addralign, s.Entsize = sh.Link, sh.Info, sh.Addralign, sh.Entsize
	} else {
		var sh elf.Section32
		if err := binary.Read(rd, f.order, &sh); err != nil {
			return Section{}, 0, errors.Wrapf(ErrTruncatedHeader, "section header %d: %v", i, err)
		}
		name = sh.Name
		s.Type, s.Flags = elf.SectionType(sh.Type), elf.SectionFlag(sh.Flags)
		s.Addr, s.Offset, s.Size = uint64(sh.Addr), uint64(sh.Off), uint64(sh.Size)
		s.Link, s.Info, s.Addralign, s.Entsize = sh.Link, sh.Info, uint64(sh.Addralign), uint64(sh.Entsize)
	}
	s.Kind = sectionKind(s.Type)
	return s, name, nil
}

func (f *File) parseSections() error {
	h := &f.hdr
	if h.Shnum == 0 {
		return nil
	}
	if err := f.tableBounds("section header", h.Shoff, h.Shnum, f.sizes().shdr); err != nil {
		return err
	}

	log := logflags.LoaderLogger()
	f.sections = make([]Section, h.Shnum)
	names := make([]uint32, h.Shnum)
	for i := range f.sections {
		s, name, err := f.sectionHeader(i)
		if err != nil {
			return err
		}
		f.sections[i], names[i] = s, name
	}

	if h.Shstrndx == int(elf.SHN_UNDEF) {
		return nil
	}
	strtab, err := f.sectionBytes(&f.sections[h.Shstrndx])
	if err != nil {
		// Sections without names are still usable.
		log.Warnf("section name table unreadable: %v", err)
		return nil
	}
	for i := range f.sections {
		name, ok := util.StringAt(strtab, uint64(names[i]))
		if !ok {
			log.Debugf("section %d: name offset %#x outside of name table", i, names[i])
			continue
		}
		f.sections[i].Name = name
	}
	return nil
}

// Sections returns the section table, in file order. Entry 0 is the null
// section. The returned slice must not be modified.
func (f *File) Sections() []Section { return f.sections }

// Section returns the section at index i, or nil.
func (f *File) Section(i int) *Section {
	if i < 0 || i >= len(f.sections) {
		return nil
	}
	return &f.sections[i]
}

// SectionByName returns the first section called name, or nil.
func (f *File) SectionByName(name string) *Section {
	for i := range f.sections {
		if f.sections[i].Name == name {
			return &f.sections[i]
		}
	}
	return nil
}

// SectionsByType returns every section of type typ.
func (f *File) SectionsByType(typ elf.SectionType) []*Section {
	var r []*Section
	for i := range f.sections {
		if f.sections[i].Type == typ {
			r = append(r, &f.sections[i])
		}
	}
	return r
}

// SectionData returns the file contents of s. NOBITS sections have no
// contents and return a nil slice. The returned slice aliases the file
// and must not be modified.
func (f *File) SectionData(s *Section) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil section")
	}
	return f.sectionBytes(s)
}

func (f *File) sectionBytes(s *Section) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS || s.Type == elf.SHT_NULL {
		return nil, nil
	}
	end := s.Offset + s.Size
	if end < s.Offset || end > uint64(len(f.data)) {
		return nil, errors.Wrapf(ErrMalformedBinary, "section %d (%s) [%#x, %#x) exceeds file size %#x", s.Index, s.Name, s.Offset, end, len(f.data))
	}
	return f.data[s.Offset:end:end], nil
}
