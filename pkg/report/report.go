// Package report defines the memory report document and the reduction
// that produces it from per-worker partial results.
package report

import (
	"debug/elf"
	"fmt"

	"github.com/membrowse/membrowse-action/pkg/classify"
	"github.com/membrowse/membrowse-action/pkg/correlate"
	"github.com/membrowse/membrowse-action/pkg/demangle"
	"github.com/membrowse/membrowse-action/pkg/symtab"
)

// Report is the result of analyzing one binary. It is plain data: every
// slice is sorted so that identical inputs produce identical documents.
type Report struct {
	Binary    Binary       `json:"binary" yaml:"binary"`
	Sections  []Section    `json:"sections" yaml:"sections"`
	Totals    []ClassTotal `json:"totals" yaml:"totals"`
	Symbols   []Symbol     `json:"symbols" yaml:"symbols"`
	Largest   []Ranked     `json:"largest" yaml:"largest"`
	Anomalies []Anomaly    `json:"anomalies" yaml:"anomalies"`
	// Regions is the utilization of the configured memory regions.
	Regions []Region `json:"regions,omitempty" yaml:"regions,omitempty"`
	// Warnings are problems found in optional data, such as debug
	// information, that did not prevent the analysis.
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Binary describes the analyzed file.
type Binary struct {
	Path        string `json:"path" yaml:"path"`
	Class       string `json:"class" yaml:"class"`
	Endianness  string `json:"endianness" yaml:"endianness"`
	Machine     string `json:"machine" yaml:"machine"`
	Type        string `json:"type" yaml:"type"`
	Entry       uint64 `json:"entry" yaml:"entry"`
	Size        int    `json:"size" yaml:"size"`
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
	// SymbolTable is the name of the table symbols were read from, empty
	// for binaries without symbols.
	SymbolTable string `json:"symbol_table,omitempty" yaml:"symbol_table,omitempty"`
	DebugInfo   bool   `json:"debug_info" yaml:"debug_info"`
}

// Section is an entry of the section table.
type Section struct {
	Index   int                  `json:"index" yaml:"index"`
	Name    string               `json:"name" yaml:"name"`
	Class   classify.MemoryClass `json:"class" yaml:"class"`
	Address uint64               `json:"address" yaml:"address"`
	Size    uint64               `json:"size" yaml:"size"`
	Offset  uint64               `json:"offset" yaml:"offset"`
	// Flags uses the readelf letters: W (write), A (alloc), X (execute).
	Flags       string `json:"flags" yaml:"flags"`
	Symbols     int    `json:"symbols" yaml:"symbols"`
	SymbolBytes uint64 `json:"symbol_bytes" yaml:"symbol_bytes"`
}

// ClassTotal aggregates one memory class. Bytes is the size of the
// allocated sections of the class, SymbolBytes the size of the symbols
// they contain.
type ClassTotal struct {
	Class       classify.MemoryClass `json:"class" yaml:"class"`
	Bytes       uint64               `json:"bytes" yaml:"bytes"`
	Symbols     int                  `json:"symbols" yaml:"symbols"`
	SymbolBytes uint64               `json:"symbol_bytes" yaml:"symbol_bytes"`
}

// Symbol is a classified, demangled and correlated symbol.
type Symbol struct {
	// Index is the position of the symbol in its symbol table.
	Index     int                  `json:"index" yaml:"index"`
	Name      string               `json:"name" yaml:"name"`
	Demangled demangle.Signature   `json:"demangled" yaml:"demangled"`
	Value     uint64               `json:"value" yaml:"value"`
	Size      uint64               `json:"size" yaml:"size"`
	Binding   symtab.Binding       `json:"binding" yaml:"binding"`
	Kind      symtab.Kind          `json:"kind" yaml:"kind"`
	Class     classify.MemoryClass `json:"class" yaml:"class"`
	// SectionIndex is the raw section index, Section its name (empty for
	// undefined and absolute symbols).
	SectionIndex uint32               `json:"section_index" yaml:"section_index"`
	Section      string               `json:"section,omitempty" yaml:"section,omitempty"`
	Locations    []correlate.Location `json:"locations,omitempty" yaml:"locations,omitempty"`
	// DefinitionUnits lists the compile units defining the symbol when
	// there is more than one.
	DefinitionUnits []string `json:"definition_units,omitempty" yaml:"definition_units,omitempty"`
}

// MultipleDefinitions reports whether the symbol is defined in more than
// one translation unit.
func (s *Symbol) MultipleDefinitions() bool { return len(s.DefinitionUnits) > 1 }

// Ranked is an entry of the list of largest symbols.
type Ranked struct {
	Name    string               `json:"name" yaml:"name"`
	Display string               `json:"display" yaml:"display"`
	Size    uint64               `json:"size" yaml:"size"`
	Class   classify.MemoryClass `json:"class" yaml:"class"`
	Section string               `json:"section,omitempty" yaml:"section,omitempty"`
}

// Region is the utilization of a memory region.
type Region struct {
	Name        string   `json:"name" yaml:"name"`
	Origin      uint64   `json:"origin" yaml:"origin"`
	Length      uint64   `json:"length" yaml:"length"`
	Attributes  string   `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Used        uint64   `json:"used" yaml:"used"`
	Free        uint64   `json:"free" yaml:"free"`
	Utilization float64  `json:"utilization" yaml:"utilization"`
	Sections    []string `json:"sections,omitempty" yaml:"sections,omitempty"`
}

// Severity of an anomaly.
type Severity uint8

const (
	Info Severity = iota
	Warning
)

func (s Severity) String() string {
	if s == Warning {
		return "warning"
	}
	return "info"
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// AnomalyKind identifies a recoverable problem found in the binary.
type AnomalyKind uint8

const (
	SymbolOutOfSectionBounds AnomalyKind = iota
	SectionOvercommitted
	MultipleDefinitions
	UnparsableMangledName
	UnsupportedMachine
	NoSymbolTable
)

var anomalyNames = [...]string{
	SymbolOutOfSectionBounds: "symbol-out-of-section-bounds",
	SectionOvercommitted:     "section-overcommitted",
	MultipleDefinitions:      "multiple-definitions",
	UnparsableMangledName:    "unparsable-mangled-name",
	UnsupportedMachine:       "unsupported-machine",
	NoSymbolTable:            "no-symbol-table",
}

func (k AnomalyKind) String() string {
	if int(k) < len(anomalyNames) {
		return anomalyNames[k]
	}
	return fmt.Sprintf("AnomalyKind(%d)", uint8(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k AnomalyKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Anomaly is a recoverable problem attached to a symbol, a section or the
// whole binary.
type Anomaly struct {
	Kind     AnomalyKind `json:"kind" yaml:"kind"`
	Severity Severity    `json:"severity" yaml:"severity"`
	Symbol   string      `json:"symbol,omitempty" yaml:"symbol,omitempty"`
	Section  string      `json:"section,omitempty" yaml:"section,omitempty"`
	Message  string      `json:"message" yaml:"message"`
}

// ConvertBinary returns the report metadata of an ELF file header.
func ConvertBinary(path string, class elf.Class, data elf.Data, typ elf.Type, machine string, entry uint64, size int, fingerprint uint64) Binary {
	b := Binary{
		Path:        path,
		Machine:     machine,
		Entry:       entry,
		Size:        size,
		Fingerprint: fmt.Sprintf("%016x", fingerprint),
	}
	switch class {
	case elf.ELFCLASS32:
		b.Class = "ELF32"
	case elf.ELFCLASS64:
		b.Class = "ELF64"
	default:
		b.Class = class.String()
	}
	switch data {
	case elf.ELFDATA2LSB:
		b.Endianness = "little"
	case elf.ELFDATA2MSB:
		b.Endianness = "big"
	default:
		b.Endianness = data.String()
	}
	switch typ {
	case elf.ET_REL:
		b.Type = "relocatable"
	case elf.ET_EXEC:
		b.Type = "executable"
	case elf.ET_DYN:
		b.Type = "shared"
	case elf.ET_CORE:
		b.Type = "core"
	default:
		b.Type = typ.String()
	}
	return b
}

func sectionFlags(f elf.SectionFlag) string {
	var s []byte
	if f&elf.SHF_WRITE != 0 {
		s = append(s, 'W')
	}
	if f&elf.SHF_ALLOC != 0 {
		s = append(s, 'A')
	}
	if f&elf.SHF_EXECINSTR != 0 {
		s = append(s, 'X')
	}
	if f&elf.SHF_TLS != 0 {
		s = append(s, 'T')
	}
	return string(s)
}
