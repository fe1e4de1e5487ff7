package analyzer_test

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/membrowse/membrowse-action/pkg/analyzer"
	"github.com/membrowse/membrowse-action/pkg/binfile"
	"github.com/membrowse/membrowse-action/pkg/classify"
	"github.com/membrowse/membrowse-action/pkg/config"
	"github.com/membrowse/membrowse-action/pkg/correlate"
	"github.com/membrowse/membrowse-action/pkg/dwarf/dwarfbuilder"
	"github.com/membrowse/membrowse-action/pkg/elfwriter"
	"github.com/membrowse/membrowse-action/pkg/report"
)

// firmware returns an ARM executable with a C++ function, two variables
// and debug information for main and counter.
func firmware(t *testing.T, withSymbols, withDebug bool, machine elf.Machine) []byte {
	t.Helper()
	w := elfwriter.New(elf.ELFCLASS32, elf.ELFDATA2LSB, elf.ET_EXEC, machine)
	w.Entry = 0x8001
	text := w.AddSection(&elfwriter.Section{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0x8000, Data: make([]byte, 0x200), Align: 4})
	rodata := w.AddSection(&elfwriter.Section{Name: ".rodata", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Addr: 0x8200, Data: make([]byte, 0x40), Align: 4})
	bss := w.AddSection(&elfwriter.Section{Name: ".bss", Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: 0x20000000, Size: 0x100, Align: 4})

	if withDebug {
		b := dwarfbuilder.New(binary.LittleEndian, 4, 4)
		lp := dwarfbuilder.NewLineProgram(binary.LittleEndian, 4, 4, "/src")
		mainc := lp.AddFile("main.c", 0)
		lp.Row(0x8000, mainc, 3)
		lp.EndSequence(0x8020)
		b.CompileUnit("main.c", "/src", dwarfbuilder.DW_LANG_C99, b.AddLineProgram(lp))
		intType := b.AddBaseType("int", dwarfbuilder.DW_ATE_signed, 4)
		b.AddGlobal(dwarfbuilder.Variable{Name: "counter", Type: intType, Decl: dwarfbuilder.Decl{File: mainc, Line: 2}, External: true, Addr: 0x20000000})
		b.AddFunction(dwarfbuilder.Function{Name: "main", Decl: dwarfbuilder.Decl{File: mainc, Line: 3}, External: true, Lowpc: 0x8000, Highpc: 0x8020})
		b.TagClose()
		b.EndCompileUnit()
		secs, err := b.Build()
		require.NoError(t, err)
		w.AddSection(&elfwriter.Section{Name: ".debug_abbrev", Type: elf.SHT_PROGBITS, Data: secs.Abbrev, Align: 1})
		w.AddSection(&elfwriter.Section{Name: ".debug_info", Type: elf.SHT_PROGBITS, Data: secs.Info, Align: 1})
		w.AddSection(&elfwriter.Section{Name: ".debug_line", Type: elf.SHT_PROGBITS, Data: secs.Line, Align: 1})
	}

	if withSymbols {
		w.AddSymbolTable([]elfwriter.Symbol{
			{Name: "main.c", Bind: elf.STB_LOCAL, Type: elf.STT_FILE, Section: uint32(elf.SHN_ABS)},
			{Name: "$t", Bind: elf.STB_LOCAL, Type: elf.STT_NOTYPE, Value: 0x8000, Section: text},
			{Name: "ticks", Bind: elf.STB_LOCAL, Type: elf.STT_OBJECT, Value: 0x20000004, Size: 4, Section: bss},
			{Name: "main", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Value: 0x8001, Size: 0x20, Section: text},
			{Name: "_ZN8Hardware4UART4initEv", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Value: 0x8041, Size: 0x40, Section: text},
			{Name: "_ZN8Hardware5tableE", Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT, Value: 0x8200, Size: 0x40, Section: rodata},
			{Name: "counter", Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT, Value: 0x20000000, Size: 4, Section: bss},
			{Name: "memcpy", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC},
		}, elfwriter.SymtabOptions{})
	}

	buf, err := w.Bytes()
	require.NoError(t, err)
	return buf
}

func writeTemp(t *testing.T, buf []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "firmware.elf")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func symbol(t *testing.T, r *report.Report, name string) report.Symbol {
	t.Helper()
	for _, s := range r.Symbols {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("symbol %q not found", name)
	return report.Symbol{}
}

func TestAnalyze(t *testing.T) {
	path := writeTemp(t, firmware(t, true, true, elf.EM_ARM))
	r, err := analyzer.Analyze(context.Background(), path, analyzer.Options{Workers: 2, TopSymbols: 2})
	require.NoError(t, err)

	require.Equal(t, path, r.Binary.Path)
	require.Equal(t, "ELF32", r.Binary.Class)
	require.Equal(t, "ARM", r.Binary.Machine)
	require.Equal(t, "executable", r.Binary.Type)
	require.Equal(t, uint64(0x8001), r.Binary.Entry)
	require.Equal(t, ".symtab", r.Binary.SymbolTable)
	require.True(t, r.Binary.DebugInfo)
	require.Len(t, r.Binary.Fingerprint, 16)
	require.Empty(t, r.Anomalies)
	require.Empty(t, r.Warnings)

	// mapping symbols are not reported
	for _, s := range r.Symbols {
		require.NotEqual(t, "$t", s.Name)
	}

	main := symbol(t, r, "main")
	require.Equal(t, classify.Text, main.Class)
	require.Equal(t, ".text", main.Section)
	require.Equal(t, []correlate.Location{{File: "/src/main.c", Line: 3, Role: correlate.Definition, Source: correlate.DebugInfo}}, main.Locations)

	counter := symbol(t, r, "counter")
	require.Equal(t, classify.Bss, counter.Class)
	require.Equal(t, "/src/main.c:2", counter.Locations[0].String())

	uart := symbol(t, r, "_ZN8Hardware4UART4initEv")
	require.Equal(t, "Hardware::UART::init()", uart.Demangled.Display)
	require.True(t, uart.Demangled.IsFunction)
	require.Empty(t, uart.Locations)

	table := symbol(t, r, "_ZN8Hardware5tableE")
	require.Equal(t, classify.Rodata, table.Class)
	require.Equal(t, "Hardware::table", table.Demangled.Display)

	memcpy := symbol(t, r, "memcpy")
	require.Equal(t, classify.Other, memcpy.Class)
	require.Empty(t, memcpy.Section)

	require.Len(t, r.Largest, 2)
	require.Equal(t, "_ZN8Hardware4UART4initEv", r.Largest[0].Name)
	require.Equal(t, "_ZN8Hardware5tableE", r.Largest[1].Name)

	totals := map[classify.MemoryClass]report.ClassTotal{}
	for _, c := range r.Totals {
		totals[c.Class] = c
	}
	require.Equal(t, uint64(0x200), totals[classify.Text].Bytes)
	require.Equal(t, uint64(0x40), totals[classify.Rodata].Bytes)
	require.Equal(t, uint64(0x100), totals[classify.Bss].Bytes)
	require.Equal(t, 2, totals[classify.Bss].Symbols)
}

func TestAnalyzeDeterministic(t *testing.T) {
	f, err := binfile.NewFile(firmware(t, true, true, elf.EM_ARM))
	require.NoError(t, err)

	var first []byte
	for workers := 1; workers <= 8; workers++ {
		r, err := analyzer.AnalyzeFile(context.Background(), f, analyzer.Options{Workers: workers, TopSymbols: 5})
		require.NoError(t, err)
		out, err := json.Marshal(r)
		require.NoError(t, err)
		if first == nil {
			first = out
			continue
		}
		require.Equal(t, string(first), string(out), "workers=%d", workers)
	}
}

func TestAnalyzeNoSymbols(t *testing.T) {
	f, err := binfile.NewFile(firmware(t, false, false, elf.EM_ARM))
	require.NoError(t, err)
	r, err := analyzer.AnalyzeFile(context.Background(), f, analyzer.Options{})
	require.NoError(t, err)

	require.Empty(t, r.Symbols)
	require.Empty(t, r.Binary.SymbolTable)
	require.False(t, r.Binary.DebugInfo)
	require.Len(t, r.Anomalies, 1)
	require.Equal(t, report.NoSymbolTable, r.Anomalies[0].Kind)
	// sections are reported anyway
	require.Len(t, r.Sections, 4)
}

func TestAnalyzeUnsupportedMachine(t *testing.T) {
	f, err := binfile.NewFile(firmware(t, true, false, elf.EM_SPARC))
	require.NoError(t, err)
	r, err := analyzer.AnalyzeFile(context.Background(), f, analyzer.Options{})
	require.NoError(t, err)

	require.NotEmpty(t, r.Symbols)
	var kinds []report.AnomalyKind
	for _, a := range r.Anomalies {
		kinds = append(kinds, a.Kind)
	}
	require.Contains(t, kinds, report.UnsupportedMachine)
}

func TestAnalyzeRegions(t *testing.T) {
	f, err := binfile.NewFile(firmware(t, true, false, elf.EM_ARM))
	require.NoError(t, err)
	opts := analyzer.OptionsFromConfig(&config.Config{
		MemoryRegions: []config.MemoryRegion{
			{Name: "FLASH", Origin: 0x8000, Length: 0x1000, Attributes: "rx"},
			{Name: "RAM", Origin: 0x20000000, Length: 0x400, Attributes: "rwx"},
		},
	})
	require.Equal(t, config.DefaultTopSymbols, opts.TopSymbols)

	r, err := analyzer.AnalyzeFile(context.Background(), f, opts)
	require.NoError(t, err)
	require.Len(t, r.Regions, 2)
	require.Equal(t, uint64(0x240), r.Regions[0].Used)
	require.Equal(t, []string{".text", ".rodata"}, r.Regions[0].Sections)
	require.Equal(t, uint64(0x100), r.Regions[1].Used)
	require.InDelta(t, 25.0, r.Regions[1].Utilization, 0.001)
}

func TestAnalyzeMalformed(t *testing.T) {
	buf := firmware(t, true, false, elf.EM_ARM)

	_, err := analyzer.Analyze(context.Background(), writeTemp(t, buf[:30]), analyzer.Options{})
	require.Error(t, err)

	_, err = analyzer.Analyze(context.Background(), filepath.Join(t.TempDir(), "missing.elf"), analyzer.Options{})
	require.Error(t, err)
}

func TestAnalyzeCancelled(t *testing.T) {
	f, err := binfile.NewFile(firmware(t, true, true, elf.EM_ARM))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = analyzer.AnalyzeFile(ctx, f, analyzer.Options{})
	require.ErrorIs(t, err, context.Canceled)
}
