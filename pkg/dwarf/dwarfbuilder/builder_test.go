package dwarfbuilder

import (
	"debug/dwarf"
	"encoding/binary"
	"testing"
)

func TestBuildReadableByDebugDwarf(t *testing.T) {
	for _, version := range []uint16{4, 5} {
		b := New(binary.LittleEndian, 4, version)
		lp := NewLineProgram(binary.LittleEndian, 4, version, "/src")
		mainc := lp.AddFile("main.c", 0)
		lp.Row(0x100, mainc, 3)
		lp.EndSequence(0x110)

		b.CompileUnit("main.c", "/src", DW_LANG_C99, b.AddLineProgram(lp))
		intType := b.AddBaseType("int", DW_ATE_signed, 4)
		b.AddGlobal(Variable{Name: "counter", Type: intType, Decl: Decl{File: mainc, Line: 2}, External: true, Addr: 0x2000})
		b.AddFunction(Function{Name: "main", Decl: Decl{File: mainc, Line: 3}, External: true, Lowpc: 0x100, Highpc: 0x110})
		b.TagClose()
		b.EndCompileUnit()

		secs, err := b.Build()
		if err != nil {
			t.Fatal(err)
		}
		d, err := dwarf.New(secs.Abbrev, nil, nil, secs.Info, secs.Line, nil, nil, secs.Str)
		if err != nil {
			t.Fatalf("version %d: %v", version, err)
		}

		rdr := d.Reader()
		names := map[string]*dwarf.Entry{}
		for {
			e, err := rdr.Next()
			if err != nil {
				t.Fatalf("version %d: %v", version, err)
			}
			if e == nil {
				break
			}
			if n, ok := e.Val(dwarf.AttrName).(string); ok {
				names[n] = e
			}
		}
		cu := names["main.c"]
		if cu == nil || cu.Tag != dwarf.TagCompileUnit || cu.Val(dwarf.AttrCompDir) != "/src" {
			t.Fatalf("version %d: compile unit not found: %#v", version, cu)
		}
		v := names["counter"]
		if v == nil || v.Tag != dwarf.TagVariable {
			t.Fatalf("version %d: variable not found", version)
		}
		if line, _ := v.Val(dwarf.AttrDeclLine).(int64); line != 2 {
			t.Errorf("version %d: wrong decl line %v", version, v.Val(dwarf.AttrDeclLine))
		}
		loc, _ := v.Val(dwarf.AttrLocation).([]byte)
		if len(loc) != 5 || loc[0] != byte(DW_OP_addr) || binary.LittleEndian.Uint32(loc[1:]) != 0x2000 {
			t.Errorf("version %d: wrong location %x", version, loc)
		}
		fn := names["main"]
		if fn == nil || fn.Tag != dwarf.TagSubprogram {
			t.Fatalf("version %d: function not found", version)
		}
		if low, _ := fn.Val(dwarf.AttrLowpc).(uint64); low != 0x100 {
			t.Errorf("version %d: wrong low_pc %v", version, fn.Val(dwarf.AttrLowpc))
		}
	}
}

func TestSpecificationAndLinkageName(t *testing.T) {
	b := New(binary.LittleEndian, 8, 4)
	b.CompileUnit("uart.cpp", "/src", DW_LANG_C_plus_plus, 0)
	b.AddNamespace("Hardware")
	b.AddClassType("UART", 8, Decl{File: 2, Line: 10})
	decl := b.AddFunction(Function{Name: "init", LinkageName: "_ZN8Hardware4UART4initEv", Decl: Decl{File: 2, Line: 12}, External: true, Declaration: true})
	b.TagClose()
	b.TagClose()
	b.TagClose()
	b.AddFunction(Function{Specification: decl, Decl: Decl{File: 1, Line: 40}, Lowpc: 0x400, Highpc: 0x420})
	b.TagClose()
	b.EndCompileUnit()
	secs, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	d, err := dwarf.New(secs.Abbrev, nil, nil, secs.Info, nil, nil, nil, secs.Str)
	if err != nil {
		t.Fatal(err)
	}
	rdr := d.Reader()
	var found bool
	for {
		e, err := rdr.Next()
		if err != nil {
			t.Fatal(err)
		}
		if e == nil {
			break
		}
		if e.Tag != dwarf.TagSubprogram {
			continue
		}
		if spec, ok := e.Val(dwarf.AttrSpecification).(dwarf.Offset); ok {
			found = true
			if spec != decl {
				t.Errorf("wrong specification %#x, want %#x", spec, decl)
			}
			continue
		}
		if ln := e.Val(dwarf.AttrLinkageName); ln != "_ZN8Hardware4UART4initEv" {
			t.Errorf("wrong linkage name %v", ln)
		}
		if decl, _ := e.Val(dwarf.AttrDeclaration).(bool); !decl {
			t.Errorf("declaration flag missing")
		}
	}
	if !found {
		t.Fatal("definition with DW_AT_specification not found")
	}
}
