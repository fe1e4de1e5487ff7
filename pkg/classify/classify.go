// Package classify assigns memory classes to sections and symbols from
// section types and flags. Section names are never consulted, so custom
// and renamed sections classify like the standard ones.
package classify

import (
	"fmt"

	"github.com/membrowse/membrowse-action/pkg/binfile"
	"github.com/membrowse/membrowse-action/pkg/symtab"
)

// MemoryClass is the kind of memory a section occupies at run time.
type MemoryClass uint8

const (
	Other MemoryClass = iota
	Text
	Data
	Bss
	Rodata
)

// Classes lists every memory class in report order.
var Classes = []MemoryClass{Text, Rodata, Data, Bss, Other}

var classNames = [...]string{
	Other:  "other",
	Text:   "text",
	Data:   "data",
	Bss:    "bss",
	Rodata: "rodata",
}

func (c MemoryClass) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("MemoryClass(%d)", uint8(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c MemoryClass) MarshalText() ([]byte, error) {
	if int(c) >= len(classNames) {
		return nil, fmt.Errorf("invalid memory class %d", uint8(c))
	}
	return []byte(classNames[c]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *MemoryClass) UnmarshalText(b []byte) error {
	mc, err := Parse(string(b))
	if err != nil {
		return err
	}
	*c = mc
	return nil
}

// Parse returns the memory class called name.
func Parse(name string) (MemoryClass, error) {
	for i, n := range classNames {
		if n == name {
			return MemoryClass(i), nil
		}
	}
	return Other, fmt.Errorf("unknown memory class %q", name)
}

// Section returns the memory class of s. The checks are ordered:
// executable sections are text even when writable, and writable sections
// are bss or data depending on whether they occupy file space.
func Section(s *binfile.Section) MemoryClass {
	switch {
	case s.Executable():
		return Text
	case s.Writable() && s.Kind == binfile.KindNoBits:
		return Bss
	case s.Writable():
		return Data
	case s.Allocated() && !s.Writable():
		return Rodata
	}
	return Other
}

// Symbol returns the memory class of sym, looked up through its owning
// section. Common symbols are bss since the linker places them there,
// other symbols without a section are Other.
func Symbol(sym *symtab.RawSymbol, sections []binfile.Section) MemoryClass {
	if sym.Section == symtab.Common || sym.Kind == symtab.CommonSym {
		return Bss
	}
	if !sym.Defined() || int(sym.Section) >= len(sections) {
		return Other
	}
	return Section(&sections[sym.Section])
}
