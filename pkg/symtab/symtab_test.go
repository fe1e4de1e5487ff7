package symtab_test

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/membrowse/membrowse-action/pkg/binfile"
	"github.com/membrowse/membrowse-action/pkg/elfwriter"
	"github.com/membrowse/membrowse-action/pkg/symtab"
)

type fixture struct {
	w    *elfwriter.File
	text uint32
	data uint32
	bss  uint32
}

func newFixture(class elf.Class) *fixture {
	w := elfwriter.New(class, elf.ELFDATA2LSB, elf.ET_EXEC, elf.EM_ARM)
	fx := &fixture{w: w}
	fx.text = w.AddSection(&elfwriter.Section{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0x8000, Data: make([]byte, 64)})
	fx.data = w.AddSection(&elfwriter.Section{Name: ".data", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: 0x20000000, Data: make([]byte, 16)})
	fx.bss = w.AddSection(&elfwriter.Section{Name: ".bss", Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: 0x20000010, Size: 32})
	return fx
}

func (fx *fixture) symbols() []elfwriter.Symbol {
	return []elfwriter.Symbol{
		{Name: "main.c", Bind: elf.STB_LOCAL, Type: elf.STT_FILE, Section: uint32(elf.SHN_ABS)},
		{Bind: elf.STB_LOCAL, Type: elf.STT_SECTION, Section: fx.text},
		{Name: "$t", Bind: elf.STB_LOCAL, Type: elf.STT_NOTYPE, Section: fx.text, Value: 0x8000},
		{Name: "$d.1", Bind: elf.STB_LOCAL, Type: elf.STT_NOTYPE, Section: fx.text, Value: 0x8030},
		{Name: "counter", Bind: elf.STB_LOCAL, Type: elf.STT_OBJECT, Section: fx.bss, Value: 0x20000010, Size: 4},
		{Bind: elf.STB_LOCAL, Type: elf.STT_NOTYPE, Section: fx.text},
		{Name: "uart.c", Bind: elf.STB_LOCAL, Type: elf.STT_FILE, Section: uint32(elf.SHN_ABS)},
		{Name: "_ZL8rx_count", Bind: elf.STB_LOCAL, Type: elf.STT_OBJECT, Section: fx.bss, Value: 0x20000014, Size: 4},
		{Name: "main", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Section: fx.text, Value: 0x8001, Size: 32},
		{Name: "table", Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT, Section: fx.data, Value: 0x20000000, Size: 16},
		{Name: "handler", Bind: elf.STB_WEAK, Type: elf.STT_FUNC, Section: fx.text, Value: 0x8021, Size: 2, Other: byte(elf.STV_HIDDEN)},
		{Name: "memcpy", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC},
		{Name: "__bss_start__", Bind: elf.STB_GLOBAL, Type: elf.STT_NOTYPE, Section: fx.bss, Value: 0x20000010},
	}
}

func (fx *fixture) load(t *testing.T) *binfile.File {
	t.Helper()
	buf, err := fx.w.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	f, err := binfile.NewFile(buf)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestExtract(t *testing.T) {
	for _, class := range []elf.Class{elf.ELFCLASS32, elf.ELFCLASS64} {
		t.Run(class.String(), func(t *testing.T) {
			fx := newFixture(class)
			fx.w.AddSymbolTable(fx.symbols(), elfwriter.SymtabOptions{})
			tab, err := symtab.Extract(fx.load(t), symtab.Options{IgnorePrefixes: []string{"__bss"}})
			if err != nil {
				t.Fatal(err)
			}
			if tab.Dynamic {
				t.Error("table reported as dynamic")
			}

			want := []symtab.RawSymbol{
				{Index: 2, Kind: symtab.SectionSym, Section: fx.text, File: "main.c"},
				{Index: 5, Name: "counter", Kind: symtab.Object, Section: fx.bss, Value: 0x20000010, Size: 4, File: "main.c"},
				{Index: 8, Name: "_ZL8rx_count", Kind: symtab.Object, Section: fx.bss, Value: 0x20000014, Size: 4, File: "uart.c"},
				{Index: 9, Name: "main", Binding: symtab.Global, Kind: symtab.Func, Section: fx.text, Value: 0x8001, Size: 32},
				{Index: 10, Name: "table", Binding: symtab.Global, Kind: symtab.Object, Section: fx.data, Value: 0x20000000, Size: 16},
				{Index: 11, Name: "handler", Binding: symtab.Weak, Kind: symtab.Func, Section: fx.text, Value: 0x8021, Size: 2, Visibility: elf.STV_HIDDEN},
				{Index: 12, Name: "memcpy", Binding: symtab.Global, Kind: symtab.Func, Section: symtab.Undefined},
			}
			if len(tab.Symbols) != len(want) {
				for _, s := range tab.Symbols {
					t.Logf("%#v", s)
				}
				t.Fatalf("got %d symbols, want %d", len(tab.Symbols), len(want))
			}
			for i := range want {
				if tab.Symbols[i] != want[i] {
					t.Errorf("symbol %d:\ngot  %#v\nwant %#v", i, tab.Symbols[i], want[i])
				}
			}
			// two files, two mapping symbols, one unnamed, one ignored
			if tab.Skipped != 6 {
				t.Errorf("Skipped = %d", tab.Skipped)
			}
			if tab.Symbols[6].Defined() || !tab.Symbols[3].Defined() {
				t.Error("Defined() mismatch")
			}
		})
	}
}

func TestExtractDynamicFallback(t *testing.T) {
	fx := newFixture(elf.ELFCLASS64)
	fx.w.AddSymbolTable([]elfwriter.Symbol{
		{Name: "exported", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Section: fx.text, Value: 0x8000, Size: 8},
	}, elfwriter.SymtabOptions{Dynamic: true})
	tab, err := symtab.Extract(fx.load(t), symtab.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !tab.Dynamic || len(tab.Symbols) != 1 || tab.Symbols[0].Name != "exported" {
		t.Fatalf("unexpected table %#v", tab)
	}
}

func TestExtractGNUExtensions(t *testing.T) {
	fx := newFixture(elf.ELFCLASS64)
	fx.w.AddSymbolTable([]elfwriter.Symbol{
		{Name: "_ZZN4pool3getEvE5slots", Bind: elf.STB_LOOS, Type: elf.STT_OBJECT, Section: fx.bss, Value: 0x20000010, Size: 8},
		{Name: "memset", Bind: elf.STB_GLOBAL, Type: elf.STT_LOOS, Section: fx.text, Value: 0x8010, Size: 4},
	}, elfwriter.SymtabOptions{})
	tab, err := symtab.Extract(fx.load(t), symtab.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tab.Symbols) != 2 {
		t.Fatalf("got %d symbols", len(tab.Symbols))
	}
	if s := tab.Symbols[0]; s.Binding != symtab.Global || s.Kind != symtab.Object {
		t.Errorf("unique symbol: %#v", s)
	}
	if s := tab.Symbols[1]; s.Binding != symtab.Global || s.Kind != symtab.Func {
		t.Errorf("ifunc symbol: %#v", s)
	}
}

func TestExtractNoSymbols(t *testing.T) {
	tab, err := symtab.Extract(newFixture(elf.ELFCLASS32).load(t), symtab.Options{})
	if !errors.Is(err, symtab.ErrNoSymbols) {
		t.Fatalf("got %v", err)
	}
	if tab == nil || len(tab.Symbols) != 0 {
		t.Fatalf("expected an empty table, got %#v", tab)
	}
}

func TestExtractExtendedIndexes(t *testing.T) {
	fx := newFixture(elf.ELFCLASS32)
	fx.w.AddSymbolTable(fx.symbols(), elfwriter.SymtabOptions{Shndx: true})
	tab, err := symtab.Extract(fx.load(t), symtab.Options{})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range tab.Symbols {
		switch s.Name {
		case "counter":
			if s.Section != fx.bss {
				t.Errorf("counter in section %d", s.Section)
			}
		case "table":
			if s.Section != fx.data {
				t.Errorf("table in section %d", s.Section)
			}
		}
	}
}

func TestExtractTruncated(t *testing.T) {
	fx := newFixture(elf.ELFCLASS64)
	sym := fx.w.AddSymbolTable(fx.symbols(), elfwriter.SymtabOptions{})
	buf, err := fx.w.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	// Grow sh_size of the symbol table past the end of the file.
	shoff := binary.LittleEndian.Uint64(buf[40:])
	hdr := shoff + uint64(sym.Index())*64
	binary.LittleEndian.PutUint64(buf[hdr+32:], uint64(len(buf)))

	f, err := binfile.NewFile(buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := symtab.Extract(f, symtab.Options{}); !errors.Is(err, symtab.ErrTruncatedSymbolTable) {
		t.Fatalf("got %v", err)
	}
}

func TestExtractBadEntsize(t *testing.T) {
	fx := newFixture(elf.ELFCLASS32)
	sym := fx.w.AddSymbolTable(fx.symbols(), elfwriter.SymtabOptions{})
	sym.Entsize = 12
	if _, err := symtab.Extract(fx.load(t), symtab.Options{}); !errors.Is(err, symtab.ErrTruncatedSymbolTable) {
		t.Fatalf("got %v", err)
	}
}

func TestIsMappingSymbol(t *testing.T) {
	for name, want := range map[string]bool{
		"$a": true, "$d": true, "$t": true, "$x": true,
		"$d.realdata": true, "$x.12": true,
		"$b": false, "$": false, "$data": false, "a$": false, "": false,
	} {
		if got := symtab.IsMappingSymbol(name); got != want {
			t.Errorf("IsMappingSymbol(%q) = %v", name, got)
		}
	}
}
