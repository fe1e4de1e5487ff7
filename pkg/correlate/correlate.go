// Package correlate maps symbols to the source locations that declare and
// define them, using DWARF debug information when it is present and the
// symbol table file hints otherwise.
package correlate

import (
	"path"
	"sort"
	"strconv"

	"github.com/membrowse/membrowse-action/pkg/binfile"
	"github.com/membrowse/membrowse-action/pkg/config"
	"github.com/membrowse/membrowse-action/pkg/dwarf/line"
	"github.com/membrowse/membrowse-action/pkg/symtab"
)

// Role tells declarations and definitions apart.
type Role uint8

const (
	Declaration Role = iota
	Definition
)

func (r Role) String() string {
	if r == Definition {
		return "definition"
	}
	return "declaration"
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Provenance is the kind of data a location was derived from.
type Provenance uint8

const (
	DebugInfo Provenance = iota
	LineTable
	FileSymbol
)

func (p Provenance) String() string {
	switch p {
	case LineTable:
		return "line-table"
	case FileSymbol:
		return "file-symbol"
	}
	return "debug-info"
}

// MarshalText implements encoding.TextMarshaler.
func (p Provenance) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Location is a source position. Line is 0 when only the file is known.
type Location struct {
	File   string     `json:"file" yaml:"file"`
	Line   int        `json:"line" yaml:"line"`
	Role   Role       `json:"role" yaml:"role"`
	Source Provenance `json:"source" yaml:"source"`
}

func (l Location) String() string {
	if l.Line == 0 {
		return l.File
	}
	return l.File + ":" + strconv.Itoa(l.Line)
}

// Result is the outcome of correlating one symbol.
type Result struct {
	// Locations holds at most one Definition, first, followed by the
	// declarations ordered by file and line.
	Locations []Location
	// DefinitionUnits lists the compile units defining the symbol when
	// there is more than one.
	DefinitionUnits []string
}

// Definition returns the definition location, if any.
func (r *Result) Definition() (Location, bool) {
	if len(r.Locations) > 0 && r.Locations[0].Role == Definition {
		return r.Locations[0], true
	}
	return Location{}, false
}

// MultipleDefinitions reports whether the symbol is defined in more than
// one compile unit.
func (r *Result) MultipleDefinitions() bool { return len(r.DefinitionUnits) > 1 }

// Options configures an Index.
type Options struct {
	// SubstitutePath is applied to every path emitted.
	SubstitutePath config.SubstitutePathRules
}

// fact is what a DWARF entry says about a name.
type fact struct {
	unit     *unit
	file     string
	line     int
	addr     uint64
	hasAddr  bool
	external bool
	role     Role
}

type unit struct {
	name    string
	compDir string
	lines   *line.DebugLineInfo
}

// Index holds the source facts of a binary. It is read-only once built and
// safe for concurrent use.
type Index struct {
	facts map[string][]fact
	// byAddr holds the definitions with a static address, for names
	// the debug info does not record, such as C++ statics without a
	// linkage name.
	byAddr map[uint64][]fact
	lines  *line.Table
	units  int
	thumb  bool
	rel    bool
	subst  config.SubstitutePathRules
}

// Units returns the number of compile units found in the debug info.
func (x *Index) Units() int { return x.units }

// HasDebugInfo reports whether the index was built from DWARF data.
func (x *Index) HasDebugInfo() bool { return x.units > 0 || x.lines.Len() > 0 }

// Correlate returns the locations of sym. Facts are looked up by symbol
// name, then by address: DWARF entries first, then the line table for
// functions, then the STT_FILE hint of local symbols.
func (x *Index) Correlate(sym *symtab.RawSymbol) Result {
	var r Result
	if x == nil || sym == nil {
		return r
	}
	addr := sym.Value
	if x.thumb && sym.Kind == symtab.Func {
		addr &^= 1
	}

	facts := x.facts[sym.Name]
	if len(facts) == 0 {
		facts = x.addrFacts(sym, addr)
	}
	if sym.Binding == symtab.Local {
		facts = x.localFacts(facts, sym, addr)
	}

	var (
		def   *fact
		decls []Location
		units = map[string]bool{}
	)
	for i := range facts {
		f := &facts[i]
		if f.role == Declaration {
			decls = append(decls, Location{File: x.path(f.file), Line: f.line, Role: Declaration, Source: DebugInfo})
			continue
		}
		if x.discarded(f, addr) {
			continue
		}
		units[f.unit.name] = true
		if def == nil || (f.hasAddr && f.addr == addr && !(def.hasAddr && def.addr == addr)) {
			def = f
		}
	}

	var defLoc *Location
	switch {
	case def != nil:
		defLoc = &Location{File: x.path(def.file), Line: def.line, Role: Definition, Source: DebugInfo}
		if defLoc.File == "" {
			defLoc.File = x.path(def.unit.name)
		}
	case sym.Kind == symtab.Func:
		if file, ln, ok := x.lines.PCToLine(addr); ok {
			defLoc = &Location{File: x.path(file), Line: ln, Role: Definition, Source: LineTable}
		}
	}
	if defLoc == nil && sym.File != "" {
		defLoc = &Location{File: x.path(sym.File), Role: Definition, Source: FileSymbol}
	}

	if defLoc != nil {
		r.Locations = append(r.Locations, *defLoc)
	}
	r.Locations = append(r.Locations, dedupDecls(decls, defLoc)...)

	if len(units) > 1 {
		for u := range units {
			r.DefinitionUnits = append(r.DefinitionUnits, x.path(u))
		}
		sort.Strings(r.DefinitionUnits)
	}
	return r
}

// addrFacts returns the definitions placed at the address of sym. Section
// relative addresses of relocatable files are ambiguous and never match.
func (x *Index) addrFacts(sym *symtab.RawSymbol, addr uint64) []fact {
	if x.rel || !sym.Defined() || sym.Size == 0 || addr == 0 {
		return nil
	}
	if sym.Kind != symtab.Func && sym.Kind != symtab.Object {
		return nil
	}
	return x.byAddr[addr]
}

// localFacts narrows the facts of a local symbol to its own compile unit:
// several units may define unrelated statics with the same name.
func (x *Index) localFacts(facts []fact, sym *symtab.RawSymbol, addr uint64) []fact {
	if len(facts) == 0 {
		return nil
	}
	var unit *unit
	for i := range facts {
		if facts[i].role == Definition && facts[i].hasAddr && facts[i].addr == addr && !x.rel {
			unit = facts[i].unit
			break
		}
	}
	if unit == nil && sym.File != "" {
		for i := range facts {
			if sameFile(facts[i].unit.name, sym.File) {
				unit = facts[i].unit
				break
			}
		}
	}
	if unit == nil {
		// without an address or a file hint pick the first unit
		// defining a non-external entity with that name
		for i := range facts {
			if !facts[i].external {
				unit = facts[i].unit
				break
			}
		}
	}
	if unit == nil {
		return nil
	}
	var r []fact
	for _, f := range facts {
		if f.unit == unit {
			r = append(r, f)
		}
	}
	return r
}

func sameFile(unitName, hint string) bool {
	return unitName == hint || path.Base(unitName) == path.Base(hint)
}

// discarded reports whether f describes a copy of a function or variable
// that the linker dropped, such as a duplicate COMDAT instance. Their
// addresses are set to a tombstone value.
func (x *Index) discarded(f *fact, addr uint64) bool {
	if !f.hasAddr {
		return false
	}
	switch f.addr {
	case ^uint64(0), ^uint64(0) - 1, 0xffffffff, 0xfffffffe:
		return true
	case 0:
		return !x.rel && addr != 0
	}
	return false
}

func (x *Index) path(p string) string {
	if p == "" {
		return ""
	}
	return x.subst.Substitute(p)
}

func dedupDecls(decls []Location, def *Location) []Location {
	sort.SliceStable(decls, func(i, j int) bool {
		if decls[i].File != decls[j].File {
			return decls[i].File < decls[j].File
		}
		return decls[i].Line < decls[j].Line
	})
	var r []Location
	for i, d := range decls {
		if d.File == "" {
			continue
		}
		if i > 0 && d.File == decls[i-1].File && d.Line == decls[i-1].Line {
			continue
		}
		if def != nil && d.File == def.File && d.Line == def.Line {
			continue
		}
		r = append(r, d)
	}
	return r
}

// NewIndex reads the debug information of f. A binary without debug
// information yields an index that only knows about file hints. Problems
// found while decoding individual compile units are returned as a
// *multierror.Error; the index is usable even then.
func NewIndex(f *binfile.File, opts Options) (*Index, error) {
	x := &Index{
		facts:  map[string][]fact{},
		byAddr: map[uint64][]fact{},
		thumb:  f.ThumbBit(),
		rel:    f.Relocatable(),
		subst:  opts.SubstitutePath,
	}
	b := &builder{f: f, x: x}
	b.build()
	return x, b.errs.ErrorOrNil()
}
