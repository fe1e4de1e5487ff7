package line

import (
	"encoding/binary"
	"testing"
)

func TestRows(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		for _, ptrSize := range []int{4, 8} {
			data := buildProgram(order, ptrSize, 4)
			dbl, err := Parse("/work", data, 0, Options{Order: order, PtrSize: ptrSize})
			if err != nil {
				t.Fatal(err)
			}
			rows, err := dbl.Rows()
			if err != nil {
				t.Fatal(err)
			}
			want := []Row{
				{Address: 0x1000, File: "/work/main.c", Line: 10, IsStmt: true},
				{Address: 0x1004, File: "/work/main.c", Line: 11, IsStmt: true},
				{Address: 0x1010, File: "/work/include/uart.h", Line: 5, IsStmt: true},
				{Address: 0x1020, File: "/work/include/uart.h", Line: 5, IsStmt: true, EndSequence: true},
				{Address: 0x2000, File: "/work/main.c", Line: 300, IsStmt: true},
				{Address: 0x2008, File: "/work/main.c", Line: 300, IsStmt: true, EndSequence: true},
			}
			if len(rows) != len(want) {
				t.Fatalf("%v/%d: got %d rows, want %d: %#v", order, ptrSize, len(rows), len(want), rows)
			}
			for i := range want {
				if rows[i] != want[i] {
					t.Errorf("%v/%d: row %d: got %#v want %#v", order, ptrSize, i, rows[i], want[i])
				}
			}
		}
	}
}

func TestTablePCToLine(t *testing.T) {
	dbl, err := Parse("/work", buildProgram(binary.LittleEndian, 8, 4), 0, Options{PtrSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	tbl, errs := NewTable(DebugLines{dbl})
	if len(errs) != 0 {
		t.Fatal(errs)
	}
	if tbl.Len() != 4 {
		t.Errorf("expected 4 ranges, got %d", tbl.Len())
	}
	tests := []struct {
		pc   uint64
		file string
		line int
		ok   bool
	}{
		{0x0fff, "", 0, false},
		{0x1000, "/work/main.c", 10, true},
		{0x1003, "/work/main.c", 10, true},
		{0x1004, "/work/main.c", 11, true},
		{0x101f, "/work/include/uart.h", 5, true},
		{0x1020, "", 0, false},
		{0x2007, "/work/main.c", 300, true},
		{0x2008, "", 0, false},
	}
	for _, tt := range tests {
		file, line, ok := tbl.PCToLine(tt.pc)
		if file != tt.file || line != tt.line || ok != tt.ok {
			t.Errorf("PCToLine(%#x) = %s:%d %v, want %s:%d %v", tt.pc, file, line, ok, tt.file, tt.line, tt.ok)
		}
	}

	var nilTable *Table
	if _, _, ok := nilTable.PCToLine(0x1000); ok {
		t.Errorf("nil table resolved an address")
	}
}
