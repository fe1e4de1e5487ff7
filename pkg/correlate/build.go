package correlate

import (
	"debug/dwarf"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/membrowse/membrowse-action/pkg/binfile"
	"github.com/membrowse/membrowse-action/pkg/dwarf/line"
	"github.com/membrowse/membrowse-action/pkg/dwarf/op"
	"github.com/membrowse/membrowse-action/pkg/logflags"
)

// DW_AT_MIPS_linkage_name, emitted by older GCC releases in place of
// DW_AT_linkage_name.
const attrMIPSLinkageName dwarf.Attr = 0x2007

// maxRefDepth bounds DW_AT_specification and DW_AT_abstract_origin chains.
const maxRefDepth = 8

// entry is a subprogram or variable DIE as read from .debug_info, before
// references to other DIEs are resolved.
type entry struct {
	off         dwarf.Offset
	unit        *unit
	name        string
	linkage     string
	file        string
	line        int
	addr        uint64
	hasAddr     bool
	external    bool
	declaration bool
	abstract    bool
	spec        dwarf.Offset
	origin      dwarf.Offset
	// scoped is set for entries found inside a function or a class.
	scoped bool
}

type builder struct {
	f    *binfile.File
	x    *Index
	errs *multierror.Error
	log  logflags.Logger

	d        *dwarf.Data
	lineData []byte
	lineStr  []byte
	addrData []byte

	programs line.DebugLines
	entries  []*entry
	byOff    map[dwarf.Offset]*entry
}

func (b *builder) warn(err error) {
	b.log.Warnf("%v", err)
	b.errs = multierror.Append(b.errs, err)
}

func (b *builder) build() {
	b.log = logflags.CorrelateLogger().WithField("binary", b.f.Path)
	b.byOff = map[dwarf.Offset]*entry{}

	if err := b.load(); err != nil {
		b.warn(err)
	}
	if b.d != nil {
		b.walk()
		b.resolve()
	} else if len(b.lineData) > 0 {
		// line tables without .debug_info, as left by some strip modes
		lines, err := line.ParseAll(b.lineData, b.lineOptions())
		if err != nil {
			b.warn(errors.Wrap(err, "parsing .debug_line"))
		}
		b.programs = lines
	}

	tab, errs := line.NewTable(b.programs)
	for _, err := range errs {
		b.warn(errors.Wrap(err, "executing line program"))
	}
	b.x.lines = tab
	b.log.Debugf("%d compile units, %d names, %d line ranges", b.x.units, len(b.x.facts), tab.Len())
}

func (b *builder) lineOptions() line.Options {
	return line.Options{
		DebugLineStr: b.lineStr,
		Order:        b.f.ByteOrder(),
		PtrSize:      b.f.PtrSize(),
		Logf:         b.log.Debugf,
	}
}

// load reads the debug sections and opens them with debug/dwarf.
func (b *builder) load() error {
	read := func(name string) []byte {
		data, err := debugSection(b.f, name)
		if err != nil {
			b.warn(errors.Wrapf(err, "reading .debug_%s", name))
			return nil
		}
		return data
	}

	info := read("info")
	b.lineData = read("line")
	b.lineStr = read("line_str")
	if len(info) == 0 {
		return nil
	}
	abbrev := read("abbrev")
	str := read("str")
	ranges := read("ranges")
	b.addrData = read("addr")

	d, err := dwarf.New(abbrev, nil, nil, info, b.lineData, nil, ranges, str)
	if err != nil {
		return errors.Wrap(err, "opening debug info")
	}
	for _, name := range []string{"addr", "line_str", "str_offsets", "rnglists"} {
		var data []byte
		switch name {
		case "addr":
			data = b.addrData
		case "line_str":
			data = b.lineStr
		default:
			data = read(name)
		}
		if len(data) == 0 {
			continue
		}
		if err := d.AddSection(".debug_"+name, data); err != nil {
			b.warn(errors.Wrapf(err, "adding .debug_%s", name))
		}
	}
	b.d = d
	return nil
}

// walk visits every DIE and records compile units, functions and
// variables. Children of types other than namespaces and classes are
// skipped, except for the static variables of functions.
func (b *builder) walk() {
	type scope struct {
		tag    dwarf.Tag
		scoped bool
	}
	var (
		rdr   = b.d.Reader()
		stack []scope
		cu    *unit
		base  int64
	)
	for {
		e, err := rdr.Next()
		if err != nil {
			b.warn(errors.Wrap(err, "reading debug info"))
			return
		}
		if e == nil {
			return
		}
		if e.Tag == 0 {
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		scoped := false
		if len(stack) > 0 {
			scoped = stack[len(stack)-1].scoped
		}
		descend := false

		switch e.Tag {
		case dwarf.TagCompileUnit, dwarf.TagPartialUnit:
			stack = stack[:0]
			cu, base = b.unit(e)
			descend = true
		case dwarf.TagTypeUnit, dwarf.TagSkeletonUnit:
			rdr.SkipChildren()
			continue
		case dwarf.TagNamespace:
			descend = true
		case dwarf.TagClassType, dwarf.TagStructType, dwarf.TagUnionType:
			descend = true
			scoped = true
		case dwarf.TagLexDwarfBlock:
			descend = scoped
		case dwarf.TagSubprogram:
			if cu != nil {
				b.record(e, cu, scoped, base)
			}
			descend = true
			scoped = true
		case dwarf.TagVariable, dwarf.TagMember:
			if cu != nil {
				b.record(e, cu, scoped, base)
			}
		}

		if !e.Children {
			continue
		}
		if !descend {
			rdr.SkipChildren()
			continue
		}
		stack = append(stack, scope{tag: e.Tag, scoped: scoped})
	}
}

// unit reads a compile unit DIE and its line program.
func (b *builder) unit(e *dwarf.Entry) (*unit, int64) {
	u := &unit{}
	u.name, _ = e.Val(dwarf.AttrName).(string)
	u.compDir, _ = e.Val(dwarf.AttrCompDir).(string)
	addrBase, _ := e.Val(dwarf.AttrAddrBase).(int64)
	b.x.units++

	if stmt, ok := e.Val(dwarf.AttrStmtList).(int64); ok && len(b.lineData) > 0 {
		lines, err := line.Parse(u.compDir, b.lineData, uint64(stmt), b.lineOptions())
		if err != nil {
			b.warn(errors.Wrapf(err, "compile unit %s", u.name))
		} else {
			u.lines = lines
			b.programs = append(b.programs, lines)
		}
	}
	return u, addrBase
}

// record collects the attributes of a function or variable DIE.
func (b *builder) record(e *dwarf.Entry, cu *unit, scoped bool, addrBase int64) {
	ent := &entry{off: e.Offset, unit: cu, scoped: scoped}
	ent.name, _ = e.Val(dwarf.AttrName).(string)
	ent.linkage, _ = e.Val(dwarf.AttrLinkageName).(string)
	if ent.linkage == "" {
		ent.linkage, _ = e.Val(attrMIPSLinkageName).(string)
	}
	if idx, ok := e.Val(dwarf.AttrDeclFile).(int64); ok && idx >= 0 {
		ent.file, _ = cu.lines.File(uint64(idx))
	}
	if ln, ok := e.Val(dwarf.AttrDeclLine).(int64); ok {
		ent.line = int(ln)
	}
	ent.external, _ = e.Val(dwarf.AttrExternal).(bool)
	ent.declaration, _ = e.Val(dwarf.AttrDeclaration).(bool)
	ent.abstract = e.Val(dwarf.AttrInline) != nil
	ent.spec, _ = e.Val(dwarf.AttrSpecification).(dwarf.Offset)
	ent.origin, _ = e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)

	switch e.Tag {
	case dwarf.TagSubprogram:
		if lowpc, ok := e.Val(dwarf.AttrLowpc).(uint64); ok {
			ent.addr, ent.hasAddr = lowpc, true
		} else if e.Val(dwarf.AttrRanges) != nil {
			rngs, err := b.d.Ranges(e)
			if err != nil {
				b.warn(errors.Wrapf(err, "ranges of %s", ent.name))
			} else if len(rngs) > 0 {
				ent.addr, ent.hasAddr = rngs[0][0], true
				for _, r := range rngs[1:] {
					if r[0] < ent.addr {
						ent.addr = r[0]
					}
				}
			}
		}
		if ent.hasAddr && b.x.thumb {
			ent.addr &^= 1
		}
	case dwarf.TagVariable, dwarf.TagMember:
		if loc, ok := e.Val(dwarf.AttrLocation).([]byte); ok {
			ent.addr, ent.hasAddr = b.location(loc, addrBase)
		}
	}

	b.entries = append(b.entries, ent)
	b.byOff[ent.off] = ent
}

// location evaluates a variable location, only addresses fixed at link
// time are of interest.
func (b *builder) location(expr []byte, addrBase int64) (uint64, bool) {
	ptrSize := b.f.PtrSize()
	loc, err := op.ExecuteStackProgram(expr, op.Options{
		PtrSize: ptrSize,
		Order:   b.f.ByteOrder(),
		DebugAddr: func(idx uint64) (uint64, bool) {
			off := uint64(addrBase) + idx*uint64(ptrSize)
			if addrBase < 0 || off+uint64(ptrSize) > uint64(len(b.addrData)) {
				return 0, false
			}
			if ptrSize == 4 {
				return uint64(b.f.ByteOrder().Uint32(b.addrData[off:])), true
			}
			return b.f.ByteOrder().Uint64(b.addrData[off:]), true
		},
	})
	if err != nil {
		if !errors.Is(err, op.ErrNotStatic) {
			b.log.Debugf("location %x: %v", expr, err)
		}
		return 0, false
	}
	if loc.Value {
		return 0, false
	}
	return loc.Addr, true
}

// inherited returns the entry e refers to through DW_AT_specification or
// DW_AT_abstract_origin.
func (b *builder) inherited(e *entry) *entry {
	if e.spec != 0 {
		return b.byOff[e.spec]
	}
	if e.origin != 0 {
		return b.byOff[e.origin]
	}
	return nil
}

// resolve fills in the attributes entries inherit from the DIEs they refer
// to and turns every entry into facts.
func (b *builder) resolve() {
	for _, e := range b.entries {
		name, linkage, external := e.name, e.linkage, e.external
		file, ln := e.file, e.line
		for ref, i := b.inherited(e), 0; ref != nil && i < maxRefDepth; ref, i = b.inherited(ref), i+1 {
			if name == "" {
				name = ref.name
			}
			if linkage == "" {
				linkage = ref.linkage
			}
			if file == "" {
				file, ln = ref.file, ref.line
			}
			external = external || ref.external
		}
		key := linkage
		if key == "" {
			key = name
		}
		if key == "" {
			continue
		}

		f := fact{unit: e.unit, file: file, line: ln, addr: e.addr, hasAddr: e.hasAddr, external: external}
		switch {
		case e.declaration:
			// member declarations without a linkage name are only
			// reachable through the definitions referring to them
			if e.scoped && e.linkage == "" {
				continue
			}
			f.role = Declaration
		case e.hasAddr:
			f.role = Definition
		case !external && !e.scoped && !e.abstract && e.origin == 0:
			// static definition whose storage was optimized out
			f.role = Definition
		default:
			continue
		}
		b.x.facts[key] = append(b.x.facts[key], f)
		if f.role == Definition && f.hasAddr && f.addr != 0 {
			b.x.byAddr[f.addr] = append(b.x.byAddr[f.addr], f)
		}

		if f.role == Definition && e.spec != 0 {
			if decl := b.byOff[e.spec]; decl != nil && decl.file != "" {
				b.x.facts[key] = append(b.x.facts[key], fact{unit: decl.unit, file: decl.file, line: decl.line, external: external, role: Declaration})
			}
		}
	}
}
