// Package symtab decodes the ELF symbol table of a binfile.File into raw
// symbol records.
package symtab

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"

	"github.com/membrowse/membrowse-action/pkg/binfile"
	"github.com/membrowse/membrowse-action/pkg/dwarf/util"
	"github.com/membrowse/membrowse-action/pkg/logflags"
)

var (
	// ErrTruncatedSymbolTable is returned when the symbol table, its
	// string table or its extended index table lies outside of the file.
	ErrTruncatedSymbolTable = errors.New("truncated symbol table")
	// ErrNoSymbols is returned, together with an empty table, when the
	// binary has neither .symtab nor .dynsym.
	ErrNoSymbols = errors.New("no symbol table")
)

// Section index sentinels.
const (
	Undefined = uint32(elf.SHN_UNDEF)
	Absolute  = uint32(elf.SHN_ABS)
	Common    = uint32(elf.SHN_COMMON)
)

// Binding is the linkage visibility of a symbol.
type Binding uint8

const (
	Local Binding = iota
	Global
	Weak
)

func (b Binding) String() string {
	switch b {
	case Global:
		return "global"
	case Weak:
		return "weak"
	default:
		return "local"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (b Binding) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

// Kind is the type of a symbol.
type Kind uint8

const (
	NoType Kind = iota
	Object
	Func
	SectionSym
	File
	CommonSym
	TLS
)

var kindNames = [...]string{
	NoType:     "notype",
	Object:     "object",
	Func:       "func",
	SectionSym: "section",
	File:       "file",
	CommonSym:  "common",
	TLS:        "tls",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// RawSymbol is one decoded entry of the symbol table.
type RawSymbol struct {
	// Index is the position of the entry in its table.
	Index      int
	Name       string
	Value      uint64
	Size       uint64
	Binding    Binding
	Kind       Kind
	Visibility elf.SymVis
	// Section is the index of the owning section, or one of Undefined,
	// Absolute and Common.
	Section uint32
	// File is the name of the closest preceding STT_FILE entry, for local
	// symbols only.
	File string
}

// Defined reports whether the symbol refers to a section of the file.
func (s *RawSymbol) Defined() bool {
	return s.Section != Undefined && s.Section < uint32(elf.SHN_LORESERVE)
}

// Table is the decoded symbol table.
type Table struct {
	// Dynamic is true when the symbols come from .dynsym because the
	// binary has no .symtab.
	Dynamic bool
	// Symbols are ordered by table index.
	Symbols []RawSymbol
	// Skipped counts entries dropped by the skip policy.
	Skipped int
}

// Options controls the skip policy.
type Options struct {
	// IgnorePrefixes drops every symbol whose name starts with one of
	// the prefixes.
	IgnorePrefixes []string
}

// Extract decodes the symbol table of f. It uses .symtab when present and
// falls back to .dynsym. A binary without symbols returns an empty table
// and ErrNoSymbols, which callers may treat as a warning.
func Extract(f *binfile.File, opts Options) (*Table, error) {
	log := logflags.SymtabLogger()

	sec, dynamic := pick(f)
	if sec == nil {
		return &Table{}, ErrNoSymbols
	}

	entsize := uint64(elf.Sym32Size)
	if f.PtrSize() == 8 {
		entsize = elf.Sym64Size
	}
	if sec.Entsize != 0 && sec.Entsize != entsize {
		return nil, errors.Wrapf(ErrTruncatedSymbolTable, "%s: entry size %d, expected %d", sec.Name, sec.Entsize, entsize)
	}
	data, err := f.SectionData(sec)
	if err != nil {
		return nil, errors.Wrapf(ErrTruncatedSymbolTable, "%s: %v", sec.Name, err)
	}
	count := sec.Size / entsize

	strsec := f.Section(int(sec.Link))
	if strsec == nil {
		return nil, errors.Wrapf(ErrTruncatedSymbolTable, "%s: string table index %d out of range", sec.Name, sec.Link)
	}
	strtab, err := f.SectionData(strsec)
	if err != nil {
		return nil, errors.Wrapf(ErrTruncatedSymbolTable, "%s: %v", strsec.Name, err)
	}

	shndx, err := extendedIndexes(f, sec, count)
	if err != nil {
		return nil, err
	}

	t := &Table{Dynamic: dynamic, Symbols: make([]RawSymbol, 0, count)}
	var (
		rd   = bytes.NewReader(data)
		file string
	)
	for i := uint64(0); i < count; i++ {
		sym, nameOff, err := decode(rd, f.ByteOrder(), f.PtrSize() == 8)
		if err != nil {
			return nil, errors.Wrapf(ErrTruncatedSymbolTable, "%s entry %d: %v", sec.Name, i, err)
		}
		if i == 0 {
			continue
		}
		sym.Index = int(i)
		if sym.Section == uint32(elf.SHN_XINDEX) {
			if shndx == nil {
				log.Warnf("%s entry %d uses SHN_XINDEX without a SHT_SYMTAB_SHNDX section", sec.Name, i)
				sym.Section = Undefined
			} else {
				sym.Section = shndx[i]
			}
		}
		var ok bool
		if sym.Name, ok = util.StringAt(strtab, uint64(nameOff)); !ok {
			log.Debugf("%s entry %d: name offset %#x outside of %s", sec.Name, i, nameOff, strsec.Name)
		}

		if sym.Kind == File {
			file = sym.Name
			t.Skipped++
			continue
		}
		if skip(&sym, opts) {
			t.Skipped++
			continue
		}
		if sym.Binding == Local {
			sym.File = file
		}
		t.Symbols = append(t.Symbols, sym)
	}
	log.Debugf("%s: %d symbols, %d skipped", sec.Name, len(t.Symbols), t.Skipped)
	return t, nil
}

func pick(f *binfile.File) (*binfile.Section, bool) {
	if secs := f.SectionsByType(elf.SHT_SYMTAB); len(secs) > 0 {
		return secs[0], false
	}
	if secs := f.SectionsByType(elf.SHT_DYNSYM); len(secs) > 0 {
		return secs[0], true
	}
	return nil, false
}

// extendedIndexes returns the SHT_SYMTAB_SHNDX entries associated with
// sec, or nil if there are none.
func extendedIndexes(f *binfile.File, sec *binfile.Section, count uint64) ([]uint32, error) {
	for _, s := range f.SectionsByType(elf.SHT_SYMTAB_SHNDX) {
		if int(s.Link) != sec.Index {
			continue
		}
		data, err := f.SectionData(s)
		if err != nil {
			return nil, errors.Wrapf(ErrTruncatedSymbolTable, "%s: %v", s.Name, err)
		}
		if uint64(len(data)) < count*4 {
			return nil, errors.Wrapf(ErrTruncatedSymbolTable, "%s: %d entries for %d symbols", s.Name, len(data)/4, count)
		}
		r := make([]uint32, count)
		for i := range r {
			r[i] = f.ByteOrder().Uint32(data[i*4:])
		}
		return r, nil
	}
	return nil, nil
}

func decode(rd *bytes.Reader, order binary.ByteOrder, is64 bool) (RawSymbol, uint32, error) {
	var (
		sym   RawSymbol
		name  uint32
		info  byte
		other byte
		shndx uint16
	)
	if is64 {
		var s elf.Sym64
		if err := binary.Read(rd, order, &s); err != nil {
			return sym, 0, err
		}
		name, info, other, shndx = s.Name, s.Info, s.Other, s.Shndx
		sym.Value, sym.Size = s.Value, s.Size
	} else {
		var s elf.Sym32
		if err := binary.Read(rd, order, &s); err != nil {
			return sym, 0, err
		}
		name, info, other, shndx = s.Name, s.Info, s.Other, s.Shndx
		sym.Value, sym.Size = uint64(s.Value), uint64(s.Size)
	}
	sym.Binding = binding(elf.ST_BIND(info))
	sym.Kind = kind(elf.ST_TYPE(info))
	sym.Visibility = elf.ST_VISIBILITY(other)
	sym.Section = uint32(shndx)
	if sym.Section == Common {
		sym.Kind = CommonSym
	}
	return sym, name, nil
}

// GNU extensions sharing the OS-specific slot.
const (
	stbGNUUnique = elf.STB_LOOS
	sttGNUIFunc  = elf.STT_LOOS
)

func binding(b elf.SymBind) Binding {
	switch b {
	case elf.STB_GLOBAL, stbGNUUnique:
		return Global
	case elf.STB_WEAK:
		return Weak
	}
	return Local
}

func kind(t elf.SymType) Kind {
	switch t {
	case elf.STT_OBJECT:
		return Object
	case elf.STT_FUNC, sttGNUIFunc:
		return Func
	case elf.STT_SECTION:
		return SectionSym
	case elf.STT_FILE:
		return File
	case elf.STT_COMMON:
		return CommonSym
	case elf.STT_TLS:
		return TLS
	}
	return NoType
}

func skip(sym *RawSymbol, opts Options) bool {
	if sym.Name == "" {
		return sym.Kind != SectionSym
	}
	if IsMappingSymbol(sym.Name) {
		return true
	}
	for _, p := range opts.IgnorePrefixes {
		if p != "" && strings.HasPrefix(sym.Name, p) {
			return true
		}
	}
	return false
}

// IsMappingSymbol reports whether name is an ARM or AArch64 mapping
// symbol ($a, $d, $t, $x, optionally followed by a dot and a suffix).
func IsMappingSymbol(name string) bool {
	if len(name) < 2 || name[0] != '$' {
		return false
	}
	switch name[1] {
	case 'a', 'd', 't', 'x':
	default:
		return false
	}
	return len(name) == 2 || name[2] == '.'
}
