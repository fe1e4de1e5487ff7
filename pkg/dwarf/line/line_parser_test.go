package line

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/membrowse/membrowse-action/pkg/dwarf/dwarfbuilder"
)

func buildProgram(order binary.ByteOrder, ptrSize int, version uint16) []byte {
	lp := dwarfbuilder.NewLineProgram(order, ptrSize, version, "/work")
	inc := lp.AddDir("/work/include")
	mainc := lp.AddFile("main.c", 0)
	uart := lp.AddFile("uart.h", inc)
	lp.Row(0x1000, mainc, 10)
	lp.Row(0x1004, mainc, 11)
	lp.Row(0x1010, uart, 5)
	lp.EndSequence(0x1020)
	lp.Row(0x2000, mainc, 300)
	lp.EndSequence(0x2008)
	return lp.Encode()
}

func TestParseVersion4(t *testing.T) {
	data := buildProgram(binary.LittleEndian, 8, 4)
	dbl, err := Parse("/work", data, 0, Options{PtrSize: 8, Logf: t.Logf})
	if err != nil {
		t.Fatal(err)
	}
	if dbl.Prologue.Version != 4 || dbl.Prologue.OpcodeBase != 13 || dbl.Prologue.LineRange != 14 || dbl.Prologue.LineBase != -5 {
		t.Fatalf("wrong prologue %#v", dbl.Prologue)
	}
	if len(dbl.IncludeDirs) != 2 || dbl.IncludeDirs[0] != "/work" || dbl.IncludeDirs[1] != "/work/include" {
		t.Fatalf("wrong include dirs %#v", dbl.IncludeDirs)
	}
	if len(dbl.FileNames) != 2 {
		t.Fatalf("wrong number of files %d", len(dbl.FileNames))
	}
	if f, ok := dbl.File(1); !ok || f != "/work/main.c" {
		t.Errorf("File(1) = %q %v", f, ok)
	}
	if f, ok := dbl.File(2); !ok || f != "/work/include/uart.h" {
		t.Errorf("File(2) = %q %v", f, ok)
	}
	if _, ok := dbl.File(0); ok {
		t.Errorf("file index 0 is not valid before DWARF 5")
	}
	if dbl.Lookup["/work/main.c"] == nil {
		t.Errorf("lookup table not populated")
	}
}

func TestParseVersion5(t *testing.T) {
	data := buildProgram(binary.LittleEndian, 4, 5)
	dbl, err := Parse("ignored", data, 0, Options{Logf: t.Logf})
	if err != nil {
		t.Fatal(err)
	}
	if dbl.ptrSize != 4 {
		t.Errorf("address size from the header not used: %d", dbl.ptrSize)
	}
	if dbl.FileIndexBase() != 0 {
		t.Errorf("wrong file index base %d", dbl.FileIndexBase())
	}
	if f, ok := dbl.File(0); !ok || f != "/work/main.c" {
		t.Errorf("File(0) = %q %v", f, ok)
	}
	if f, ok := dbl.File(1); !ok || f != "/work/include/uart.h" {
		t.Errorf("File(1) = %q %v", f, ok)
	}
}

func TestParseAll(t *testing.T) {
	a := buildProgram(binary.LittleEndian, 8, 4)
	b := buildProgram(binary.LittleEndian, 8, 5)
	lines, err := ParseAll(append(append([]byte{}, a...), b...), Options{PtrSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 units, got %d", len(lines))
	}
	if lines[1].Offset != uint64(len(a)) {
		t.Errorf("second unit at %#x, expected %#x", lines[1].Offset, len(a))
	}
	if lines[0].Prologue.Version != 4 || lines[1].Prologue.Version != 5 {
		t.Errorf("wrong versions %d %d", lines[0].Prologue.Version, lines[1].Prologue.Version)
	}
}

func TestParseMalformed(t *testing.T) {
	data := buildProgram(binary.LittleEndian, 8, 4)

	if _, err := Parse("", data[:len(data)-3], 0, Options{}); err == nil {
		t.Errorf("truncated unit accepted")
	}
	if _, err := Parse("", data, uint64(len(data)), Options{}); err == nil {
		t.Errorf("offset past the end accepted")
	}

	bad := append([]byte{}, data...)
	binary.LittleEndian.PutUint16(bad[4:], 9)
	if _, err := Parse("", bad, 0, Options{}); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}

	lines, err := ParseAll(append(append([]byte{}, data...), 0x10, 0, 0), Options{})
	if err == nil {
		t.Errorf("trailing garbage accepted")
	}
	if len(lines) != 1 {
		t.Errorf("units before the malformed one must be returned, got %d", len(lines))
	}
}
