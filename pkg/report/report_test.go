package report

import (
	"debug/elf"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/membrowse/membrowse-action/pkg/binfile"
	"github.com/membrowse/membrowse-action/pkg/classify"
	"github.com/membrowse/membrowse-action/pkg/config"
	"github.com/membrowse/membrowse-action/pkg/demangle"
	"github.com/membrowse/membrowse-action/pkg/symtab"
)

func testSections() []binfile.Section {
	return []binfile.Section{
		{Index: 0},
		{Index: 1, Name: ".text", Kind: binfile.KindProgBits, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0x08000000, Size: 0x100},
		{Index: 2, Name: ".rodata", Kind: binfile.KindProgBits, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Addr: 0x08000100, Size: 0x40},
		{Index: 3, Name: ".data", Kind: binfile.KindProgBits, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: 0x20000000, Size: 0x10},
		{Index: 4, Name: ".bss", Kind: binfile.KindNoBits, Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: 0x20000010, Size: 0x20},
		{Index: 5, Name: ".comment", Kind: binfile.KindProgBits, Type: elf.SHT_PROGBITS, Size: 0x30},
	}
}

func sym(index int, name string, value, size uint64, kind symtab.Kind, section uint32, class classify.MemoryClass) Symbol {
	sections := testSections()
	s := Symbol{
		Index:        index,
		Name:         name,
		Demangled:    demangle.Demangle(name),
		Value:        value,
		Size:         size,
		Binding:      symtab.Global,
		Kind:         kind,
		Class:        class,
		SectionIndex: section,
	}
	if int(section) < len(sections) {
		s.Section = sections[section].Name
	}
	return s
}

func testSymbols() []Symbol {
	return []Symbol{
		sym(1, "main", 0x08000001, 0x20, symtab.Func, 1, classify.Text),
		sym(2, "_ZN8Hardware4UART4initEv", 0x08000021, 0x40, symtab.Func, 1, classify.Text),
		sym(3, "lookup", 0x08000100, 0x40, symtab.Object, 2, classify.Rodata),
		sym(4, "counter", 0x20000000, 4, symtab.Object, 3, classify.Data),
		sym(5, "buffer", 0x20000010, 0x20, symtab.Object, 4, classify.Bss),
		sym(6, "buffer_alias", 0x20000010, 0x20, symtab.Object, 4, classify.Bss),
		sym(7, "memcpy", 0, 0, symtab.Func, symtab.Undefined, classify.Other),
		sym(8, "_ZN3Foo", 0x08000061, 0x10, symtab.Func, 1, classify.Text),
	}
}

func build(t *testing.T, symbols []Symbol, workers int) *Report {
	t.Helper()
	b := NewBuilder(Binary{Path: "firmware.elf"})
	b.AddSections(Layout{Sections: testSections(), ThumbBit: true})
	parts := make([]*Partial, workers)
	for i := range parts {
		parts[i] = &Partial{}
	}
	for i, s := range symbols {
		parts[i%workers].Add(s)
	}
	// merge in reverse to show the order does not matter
	for i := len(parts) - 1; i >= 0; i-- {
		b.Merge(parts[i])
	}
	return b.Finish(3)
}

func TestClassTotalsMatchAllocatedSections(t *testing.T) {
	r := build(t, testSymbols(), 3)

	var sum, alloc uint64
	for _, c := range r.Totals {
		sum += c.Bytes
	}
	for _, s := range testSections() {
		if s.Allocated() {
			alloc += s.Size
		}
	}
	require.Equal(t, alloc, sum)

	totals := map[classify.MemoryClass]ClassTotal{}
	for _, c := range r.Totals {
		totals[c.Class] = c
	}
	require.Equal(t, ClassTotal{Class: classify.Text, Bytes: 0x100, Symbols: 3, SymbolBytes: 0x70}, totals[classify.Text])
	require.Equal(t, ClassTotal{Class: classify.Bss, Bytes: 0x20, Symbols: 2, SymbolBytes: 0x40}, totals[classify.Bss])
	require.Equal(t, uint64(0), totals[classify.Other].Bytes)
	require.Len(t, r.Totals, len(classify.Classes))
}

func TestSectionTable(t *testing.T) {
	r := build(t, testSymbols(), 1)
	require.Len(t, r.Sections, 5)
	require.Equal(t, ".text", r.Sections[0].Name)
	require.Equal(t, "AX", r.Sections[0].Flags)
	require.Equal(t, 3, r.Sections[0].Symbols)
	require.Equal(t, classify.Bss, r.Sections[3].Class)
	require.Equal(t, "WA", r.Sections[3].Flags)
	require.Equal(t, classify.Other, r.Sections[4].Class)
}

func TestOutOfBounds(t *testing.T) {
	symbols := append(testSymbols(),
		sym(9, "overflow", 0x080000f8, 0x10, symtab.Object, 1, classify.Text),
		sym(10, "__bss_start", 0x2000000c, 0, symtab.NoType, 4, classify.Bss),
		sym(11, "stray", 0x2000000c, 4, symtab.NoType, 4, classify.Bss),
	)
	r := build(t, symbols, 2)

	var found []Anomaly
	for _, a := range r.Anomalies {
		if a.Kind == SymbolOutOfSectionBounds {
			found = append(found, a)
		}
	}
	require.Len(t, found, 2)
	require.Equal(t, "overflow", found[0].Symbol)
	require.Equal(t, ".text", found[0].Section)
	require.Equal(t, Warning, found[0].Severity)
	require.Equal(t, "stray", found[1].Symbol)
}

func TestOutOfBoundsRelocatable(t *testing.T) {
	b := NewBuilder(Binary{})
	secs := testSections()
	for i := range secs {
		secs[i].Addr = 0
	}
	b.AddSections(Layout{Sections: secs, Relocatable: true})
	p := &Partial{}
	p.Add(sym(1, "ok", 0xf0, 0x10, symtab.Object, 1, classify.Text))
	p.Add(sym(2, "bad", 0xf8, 0x10, symtab.Object, 1, classify.Text))
	b.Merge(p)
	r := b.Finish(0)
	require.Len(t, r.Anomalies, 1)
	require.Equal(t, "bad", r.Anomalies[0].Symbol)
	require.Nil(t, r.Largest)
}

func TestOvercommitted(t *testing.T) {
	symbols := append(testSymbols(), sym(9, "other", 0x20000010, 0x10, symtab.Object, 4, classify.Bss))
	r := build(t, symbols, 2)
	var over []Anomaly
	for _, a := range r.Anomalies {
		if a.Kind == SectionOvercommitted {
			over = append(over, a)
		}
	}
	require.Len(t, over, 1)
	require.Equal(t, ".bss", over[0].Section)

	// aliases alone do not overcommit
	r = build(t, testSymbols(), 2)
	for _, a := range r.Anomalies {
		require.NotEqual(t, SectionOvercommitted, a.Kind)
	}
}

func TestSymbolAnomalies(t *testing.T) {
	symbols := testSymbols()
	symbols[3].DefinitionUnits = []string{"a.c", "b.c"}
	weak := sym(9, "handler", 0x08000081, 2, symtab.Func, 1, classify.Text)
	weak.Binding = symtab.Weak
	weak.DefinitionUnits = []string{"a.c", "startup.c"}
	symbols = append(symbols, weak)

	r := build(t, symbols, 4)
	var kinds []AnomalyKind
	for _, a := range r.Anomalies {
		kinds = append(kinds, a.Kind)
		switch a.Symbol {
		case "counter":
			require.Equal(t, Warning, a.Severity)
			require.Equal(t, "defined in a.c, b.c", a.Message)
		case "handler":
			require.Equal(t, Info, a.Severity)
		}
	}
	require.Equal(t, []AnomalyKind{MultipleDefinitions, MultipleDefinitions, UnparsableMangledName}, kinds)
}

func TestLargest(t *testing.T) {
	r := build(t, testSymbols(), 2)
	require.Len(t, r.Largest, 3)
	require.Equal(t, "Hardware::UART::init()", r.Largest[0].Display)
	require.Equal(t, "lookup", r.Largest[1].Name)
	require.Equal(t, "buffer", r.Largest[2].Name)
}

func TestDeterministic(t *testing.T) {
	a, err := json.Marshal(build(t, testSymbols(), 1))
	require.NoError(t, err)
	for workers := 2; workers <= 5; workers++ {
		b, err := json.Marshal(build(t, testSymbols(), workers))
		require.NoError(t, err)
		require.Equal(t, string(a), string(b))
	}
}

func TestRegions(t *testing.T) {
	b := NewBuilder(Binary{})
	b.AddSections(Layout{Sections: testSections()})
	b.SetRegions([]config.MemoryRegion{
		{Name: "RAM", Origin: 0x20000000, Length: 0x100, Attributes: "xrw"},
		{Name: "FLASH", Origin: 0x08000000, Length: 0x1000, Attributes: "rx"},
	})
	r := b.Finish(0)
	require.Len(t, r.Regions, 2)

	flash, ram := r.Regions[0], r.Regions[1]
	require.Equal(t, "FLASH", flash.Name)
	require.Equal(t, uint64(0x140), flash.Used)
	require.Equal(t, uint64(0x1000-0x140), flash.Free)
	require.Equal(t, []string{".text", ".rodata"}, flash.Sections)
	require.Equal(t, uint64(0x30), ram.Used)
	require.InDelta(t, 18.75, ram.Utilization, 0.001)
}

func TestRegionsByClass(t *testing.T) {
	secs := testSections()
	for i := range secs {
		secs[i].Addr = 0
	}
	regions := regionUsage([]config.MemoryRegion{
		{Name: "SRAM1", Origin: 0x20000000, Length: 0x100},
		{Name: "CODE", Origin: 0x0, Length: 0x1000},
	}, secs)
	require.Equal(t, "CODE", regions[0].Name)
	require.Equal(t, []string{".text", ".rodata"}, regions[0].Sections)
	require.Equal(t, []string{".data", ".bss"}, regions[1].Sections)
}

func TestConvertBinary(t *testing.T) {
	b := ConvertBinary("fw.elf", elf.ELFCLASS32, elf.ELFDATA2LSB, elf.ET_EXEC, "ARM", 0x08000101, 1024, 0xabc)
	require.Equal(t, Binary{
		Path:        "fw.elf",
		Class:       "ELF32",
		Endianness:  "little",
		Machine:     "ARM",
		Type:        "executable",
		Entry:       0x08000101,
		Size:        1024,
		Fingerprint: "0000000000000abc",
	}, b)
}

func TestTextForms(t *testing.T) {
	out, err := json.Marshal(Anomaly{Kind: NoSymbolTable, Severity: Warning, Message: "m"})
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"no-symbol-table","severity":"warning","message":"m"}`, string(out))
}
