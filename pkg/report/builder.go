package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/membrowse/membrowse-action/pkg/binfile"
	"github.com/membrowse/membrowse-action/pkg/classify"
	"github.com/membrowse/membrowse-action/pkg/config"
	"github.com/membrowse/membrowse-action/pkg/logflags"
	"github.com/membrowse/membrowse-action/pkg/symtab"
)

const numClasses = int(classify.Rodata) + 1

type classCount struct {
	symbols int
	bytes   uint64
}

// Partial collects the symbols processed by one worker. A Partial is not
// safe for concurrent use, each worker owns its own.
type Partial struct {
	symbols []Symbol
	totals  [numClasses]classCount
}

// Add appends sym to the partial result.
func (p *Partial) Add(sym Symbol) {
	p.symbols = append(p.symbols, sym)
	if int(sym.Class) < numClasses {
		c := &p.totals[sym.Class]
		c.symbols++
		c.bytes += sym.Size
	}
}

// Len returns the number of symbols added.
func (p *Partial) Len() int { return len(p.symbols) }

// Layout describes the sections symbols are checked against.
type Layout struct {
	Sections []binfile.Section
	// Relocatable is set for object files, whose symbol values are
	// offsets inside their section.
	Relocatable bool
	// ThumbBit is set when function symbol values carry the ARM thumb bit.
	ThumbBit bool
}

// Builder reduces partial results into a Report. Merge may be called in
// any order, the resulting document does not depend on it.
type Builder struct {
	bin       Binary
	layout    Layout
	regions   []config.MemoryRegion
	symbols   []Symbol
	totals    [numClasses]classCount
	anomalies []Anomaly
	warnings  []string
}

// NewBuilder returns a builder for the binary described by bin.
func NewBuilder(bin Binary) *Builder {
	return &Builder{bin: bin}
}

// AddSections sets the section table of the binary.
func (b *Builder) AddSections(l Layout) {
	b.layout = l
}

// SetRegions sets the memory regions whose utilization is reported.
func (b *Builder) SetRegions(regions []config.MemoryRegion) {
	b.regions = regions
}

// AddAnomaly records an anomaly that concerns the whole binary.
func (b *Builder) AddAnomaly(a Anomaly) {
	b.anomalies = append(b.anomalies, a)
}

// AddWarning records a problem found while reading optional data.
func (b *Builder) AddWarning(msg string) {
	b.warnings = append(b.warnings, msg)
}

// Merge adds the symbols of p.
func (b *Builder) Merge(p *Partial) {
	b.symbols = append(b.symbols, p.symbols...)
	for i := range p.totals {
		b.totals[i].symbols += p.totals[i].symbols
		b.totals[i].bytes += p.totals[i].bytes
	}
}

// Finish runs the checks spanning several symbols and returns the report.
// topN is the length of the list of largest symbols.
func (b *Builder) Finish(topN int) *Report {
	log := logflags.ReportLogger()
	r := &Report{
		Binary:   b.bin,
		Warnings: b.warnings,
	}

	secs := b.layout.Sections
	var classBytes [numClasses]uint64
	for i := range secs {
		s := &secs[i]
		if i == 0 && s.Type == 0 {
			continue
		}
		class := classify.Section(s)
		r.Sections = append(r.Sections, Section{
			Index:   s.Index,
			Name:    s.Name,
			Class:   class,
			Address: s.Addr,
			Size:    s.Size,
			Offset:  s.Offset,
			Flags:   sectionFlags(s.Flags),
		})
		if s.Allocated() {
			classBytes[class] += s.Size
		}
	}
	bySection := map[int]*Section{}
	for i := range r.Sections {
		bySection[r.Sections[i].Index] = &r.Sections[i]
	}

	sort.Slice(b.symbols, func(i, j int) bool { return symbolLess(&b.symbols[i], &b.symbols[j]) })
	r.Symbols = b.symbols

	anomalies := b.anomalies
	extents := map[uint32]map[[2]uint64]bool{}
	for i := range r.Symbols {
		sym := &r.Symbols[i]
		if sym.Demangled.Unparsed {
			anomalies = append(anomalies, Anomaly{
				Kind:     UnparsableMangledName,
				Severity: Info,
				Symbol:   sym.Name,
				Message:  "name could not be demangled",
			})
		}
		if sym.MultipleDefinitions() {
			sev := Warning
			if sym.Binding == symtab.Weak {
				sev = Info
			}
			anomalies = append(anomalies, Anomaly{
				Kind:     MultipleDefinitions,
				Severity: sev,
				Symbol:   sym.Name,
				Message:  "defined in " + strings.Join(sym.DefinitionUnits, ", "),
			})
		}

		sec, ok := bySection[int(sym.SectionIndex)]
		if !ok || !b.checked(sym) {
			continue
		}
		sec.Symbols++
		sec.SymbolBytes += sym.Size
		if a, bad := b.bounds(sym, &secs[sym.SectionIndex]); bad {
			anomalies = append(anomalies, a)
		}
		if sym.Size > 0 {
			if extents[sym.SectionIndex] == nil {
				extents[sym.SectionIndex] = map[[2]uint64]bool{}
			}
			extents[sym.SectionIndex][[2]uint64{b.addr(sym), sym.Size}] = true
		}
	}

	for idx, ext := range extents {
		var total uint64
		for e := range ext {
			total += e[1]
		}
		s := &secs[idx]
		if s.Kind != binfile.KindOther && total > s.Size {
			anomalies = append(anomalies, Anomaly{
				Kind:     SectionOvercommitted,
				Severity: Warning,
				Section:  s.Name,
				Message:  fmt.Sprintf("symbols occupy %s, section size is %s", humanize.IBytes(total), humanize.IBytes(s.Size)),
			})
		}
	}

	sort.SliceStable(anomalies, func(i, j int) bool {
		a, c := &anomalies[i], &anomalies[j]
		if a.Kind != c.Kind {
			return a.Kind < c.Kind
		}
		if a.Symbol != c.Symbol {
			return a.Symbol < c.Symbol
		}
		if a.Section != c.Section {
			return a.Section < c.Section
		}
		return a.Message < c.Message
	})
	r.Anomalies = anomalies

	for _, c := range classify.Classes {
		r.Totals = append(r.Totals, ClassTotal{
			Class:       c,
			Bytes:       classBytes[c],
			Symbols:     b.totals[c].symbols,
			SymbolBytes: b.totals[c].bytes,
		})
	}

	r.Largest = largest(r.Symbols, topN)
	r.Regions = regionUsage(b.regions, secs)

	log.Debugf("%d sections, %d symbols, %d anomalies", len(r.Sections), len(r.Symbols), len(r.Anomalies))
	return r
}

// checked reports whether sym is subject to the section bounds checks.
// Zero sized untyped symbols are linker markers such as __bss_start,
// which may sit in the alignment gap before the section they name.
func (b *Builder) checked(sym *Symbol) bool {
	switch sym.Kind {
	case symtab.SectionSym, symtab.TLS:
		return false
	case symtab.NoType:
		if sym.Size == 0 {
			return false
		}
	}
	return sym.SectionIndex != symtab.Undefined && sym.SectionIndex < uint32(len(b.layout.Sections))
}

// addr returns the address of sym inside its section's address space.
func (b *Builder) addr(sym *Symbol) uint64 {
	v := sym.Value
	if b.layout.ThumbBit && sym.Kind == symtab.Func {
		v &^= 1
	}
	return v
}

func (b *Builder) bounds(sym *Symbol, s *binfile.Section) (Anomaly, bool) {
	start := b.addr(sym)
	lo, hi := s.Addr, s.End()
	if b.layout.Relocatable {
		lo, hi = 0, s.Size
	}
	if start >= lo && start <= hi && sym.Size <= hi-start {
		return Anomaly{}, false
	}
	return Anomaly{
		Kind:     SymbolOutOfSectionBounds,
		Severity: Warning,
		Symbol:   sym.Name,
		Section:  s.Name,
		Message:  fmt.Sprintf("[%#x, %#x) is outside of [%#x, %#x)", start, start+sym.Size, lo, hi),
	}, true
}

func symbolLess(a, b *Symbol) bool {
	if a.SectionIndex != b.SectionIndex {
		return a.SectionIndex < b.SectionIndex
	}
	if a.Value != b.Value {
		return a.Value < b.Value
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Index < b.Index
}

func largest(symbols []Symbol, n int) []Ranked {
	if n <= 0 {
		return nil
	}
	idx := make([]int, 0, len(symbols))
	for i := range symbols {
		if symbols[i].Size > 0 && symbols[i].SectionIndex != symtab.Undefined {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(i, j int) bool {
		a, b := &symbols[idx[i]], &symbols[idx[j]]
		if a.Size != b.Size {
			return a.Size > b.Size
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Index < b.Index
	})
	if len(idx) > n {
		idx = idx[:n]
	}
	r := make([]Ranked, 0, len(idx))
	for _, i := range idx {
		s := &symbols[i]
		r = append(r, Ranked{Name: s.Name, Display: s.Demangled.Display, Size: s.Size, Class: s.Class, Section: s.Section})
	}
	return r
}
