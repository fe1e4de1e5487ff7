package dwarfbuilder

import (
	"bytes"
	"debug/dwarf"

	"github.com/membrowse/membrowse-action/pkg/dwarf/leb128"
)

// Form represents a DWARF form kind (see Figure 20, page 160 and following,
// DWARF v4)
type Form uint16

const (
	DW_FORM_addr         Form = 0x01 // address
	DW_FORM_data2        Form = 0x05 // constant
	DW_FORM_data4        Form = 0x06 // constant
	DW_FORM_data8        Form = 0x07 // constant
	DW_FORM_string       Form = 0x08 // string
	DW_FORM_data1        Form = 0x0b // constant
	DW_FORM_flag         Form = 0x0c // flag
	DW_FORM_strp         Form = 0x0e // string
	DW_FORM_udata        Form = 0x0f // constant
	DW_FORM_ref_addr     Form = 0x10 // reference
	DW_FORM_sec_offset   Form = 0x17 // lineptr, loclistptr, macptr, rangelistptr
	DW_FORM_exprloc      Form = 0x18 // exprloc
	DW_FORM_flag_present Form = 0x19 // flag
)

// Encoding represents a DWARF base type encoding (see section 7.8, page 168
// and following, DWARF v4).
type Encoding uint16

const (
	DW_ATE_boolean       Encoding = 0x02
	DW_ATE_float         Encoding = 0x04
	DW_ATE_signed        Encoding = 0x05
	DW_ATE_signed_char   Encoding = 0x06
	DW_ATE_unsigned      Encoding = 0x07
	DW_ATE_unsigned_char Encoding = 0x08
)

// Language is a DW_AT_language code.
type Language uint16

const (
	DW_LANG_C89            Language = 0x0001
	DW_LANG_C              Language = 0x0002
	DW_LANG_C_plus_plus    Language = 0x0004
	DW_LANG_C99            Language = 0x000c
	DW_LANG_C11            Language = 0x001d
	DW_LANG_C_plus_plus_11 Language = 0x001a
	DW_LANG_C_plus_plus_14 Language = 0x0021
)

// Address represents a machine address.
type Address uint64

// SecOffset is an offset into another debug section, encoded with
// DW_FORM_sec_offset.
type SecOffset uint32

// StrOffset is a string stored in .debug_str and referenced with
// DW_FORM_strp.
type StrOffset string

type tagDescr struct {
	tag dwarf.Tag

	attr     []dwarf.Attr
	form     []Form
	children bool
}

type tagState struct {
	off dwarf.Offset
	tagDescr
}

// TagOpen starts a new DIE, call TagClose after adding all attributes and
// children elements. The name attribute is omitted when name is empty.
func (b *Builder) TagOpen(tag dwarf.Tag, name string) dwarf.Offset {
	if len(b.tagStack) > 0 {
		b.tagStack[len(b.tagStack)-1].children = true
	}
	ts := &tagState{off: dwarf.Offset(b.info.Len())}
	ts.tag = tag
	b.info.WriteByte(0)
	b.tagStack = append(b.tagStack, ts)
	if name != "" {
		b.Attr(dwarf.AttrName, name)
	}

	return ts.off
}

// SetHasChildren sets the current DIE as having children (even if none are added).
func (b *Builder) SetHasChildren() {
	if len(b.tagStack) <= 0 {
		panic("NoChildren with no open tags")
	}
	b.tagStack[len(b.tagStack)-1].children = true
}

// TagClose closes the current DIE.
func (b *Builder) TagClose() {
	if len(b.tagStack) <= 0 {
		panic("TagClose with no open tags")
	}
	tag := b.tagStack[len(b.tagStack)-1]
	abbrev := b.abbrevFor(tag.tagDescr)
	b.info.Bytes()[tag.off] = abbrev
	if tag.children {
		b.info.WriteByte(0)
	}
	b.tagStack = b.tagStack[:len(b.tagStack)-1]
}

// Attr adds an attribute to the current DIE.
func (b *Builder) Attr(attr dwarf.Attr, val interface{}) {
	if len(b.tagStack) <= 0 {
		panic("Attr with no open tags")
	}
	tag := b.tagStack[len(b.tagStack)-1]
	if tag.children {
		panic("Can't add attributes after adding children")
	}

	tag.attr = append(tag.attr, attr)

	switch x := val.(type) {
	case string:
		tag.form = append(tag.form, DW_FORM_string)
		b.info.Write([]byte(x))
		b.info.WriteByte(0)
	case StrOffset:
		tag.form = append(tag.form, DW_FORM_strp)
		b.write(uint32(b.str.Len()))
		b.str.WriteString(string(x))
		b.str.WriteByte(0)
	case bool:
		if x {
			tag.form = append(tag.form, DW_FORM_flag_present)
		} else {
			tag.form = append(tag.form, DW_FORM_flag)
			b.info.WriteByte(0)
		}
	case uint8:
		tag.form = append(tag.form, DW_FORM_data1)
		b.info.WriteByte(x)
	case uint16:
		tag.form = append(tag.form, DW_FORM_data2)
		b.write(x)
	case uint32:
		tag.form = append(tag.form, DW_FORM_data4)
		b.write(x)
	case uint64:
		tag.form = append(tag.form, DW_FORM_udata)
		leb128.EncodeUnsigned(&b.info, x)
	case Address:
		tag.form = append(tag.form, DW_FORM_addr)
		b.writeAddr(&b.info, uint64(x))
	case SecOffset:
		tag.form = append(tag.form, DW_FORM_sec_offset)
		b.write(uint32(x))
	case dwarf.Offset:
		tag.form = append(tag.form, DW_FORM_ref_addr)
		b.write(uint32(x))
	case []byte:
		tag.form = append(tag.form, DW_FORM_exprloc)
		leb128.EncodeUnsigned(&b.info, uint64(len(x)))
		b.info.Write(x)
	default:
		panic("unknown value type")
	}
}

func sameTagDescr(a, b tagDescr) bool {
	if a.tag != b.tag {
		return false
	}
	if len(a.attr) != len(b.attr) {
		return false
	}
	if a.children != b.children {
		return false
	}
	for i := range a.attr {
		if a.attr[i] != b.attr[i] {
			return false
		}
		if a.form[i] != b.form[i] {
			return false
		}
	}
	return true
}

// abbrevFor returns an abbrev for the given entry description. If no abbrev
// for tag already exist a new one is created.
func (b *Builder) abbrevFor(tag tagDescr) byte {
	for abbrev, descr := range b.abbrevs {
		if sameTagDescr(descr, tag) {
			return byte(abbrev + 1)
		}
	}

	b.abbrevs = append(b.abbrevs, tag)
	if len(b.abbrevs) > 0x7f {
		panic("too many abbreviations")
	}
	return byte(len(b.abbrevs))
}

func (b *Builder) makeAbbrevTable() []byte {
	var abbrev bytes.Buffer

	for i := range b.abbrevs {
		leb128.EncodeUnsigned(&abbrev, uint64(i+1))
		leb128.EncodeUnsigned(&abbrev, uint64(b.abbrevs[i].tag))
		if b.abbrevs[i].children {
			abbrev.WriteByte(0x01)
		} else {
			abbrev.WriteByte(0x00)
		}
		for j := range b.abbrevs[i].attr {
			leb128.EncodeUnsigned(&abbrev, uint64(b.abbrevs[i].attr[j]))
			leb128.EncodeUnsigned(&abbrev, uint64(b.abbrevs[i].form[j]))
		}
		leb128.EncodeUnsigned(&abbrev, 0)
		leb128.EncodeUnsigned(&abbrev, 0)
	}
	abbrev.WriteByte(0)

	return abbrev.Bytes()
}

// Decl is the source position of a declaration: DW_AT_decl_file, an index
// into the line program file table, and DW_AT_decl_line.
type Decl struct {
	File uint64
	Line uint32
}

func (b *Builder) decl(d Decl) {
	if d.File != 0 || (b.version >= 5 && d.Line != 0) {
		b.Attr(dwarf.AttrDeclFile, uint8(d.File))
	}
	if d.Line != 0 {
		b.Attr(dwarf.AttrDeclLine, d.Line)
	}
}

// Function describes a DW_TAG_subprogram.
type Function struct {
	Name        string
	LinkageName string
	Decl        Decl
	External    bool
	// Declaration marks a DIE that only declares the function, such as a
	// member function inside its class.
	Declaration bool
	// Specification refers to the declaration DIE of a definition made
	// outside of its class or namespace.
	Specification dwarf.Offset
	Lowpc, Highpc uint64
}

// AddFunction adds a subprogram DIE to debug_info, it must be closed with
// TagClose after adding parameters and local variables.
func (b *Builder) AddFunction(fn Function) dwarf.Offset {
	r := b.TagOpen(dwarf.TagSubprogram, fn.Name)
	if fn.Specification != 0 {
		b.Attr(dwarf.AttrSpecification, fn.Specification)
	}
	if fn.LinkageName != "" {
		b.Attr(dwarf.AttrLinkageName, StrOffset(fn.LinkageName))
	}
	b.decl(fn.Decl)
	if fn.External {
		b.Attr(dwarf.AttrExternal, true)
	}
	if fn.Declaration {
		b.Attr(dwarf.AttrDeclaration, true)
	}
	if fn.Highpc > fn.Lowpc {
		b.Attr(dwarf.AttrLowpc, Address(fn.Lowpc))
		b.Attr(dwarf.AttrHighpc, uint64(fn.Highpc-fn.Lowpc))
	}
	return r
}

// AddSubprogram adds a subprogram definition to debug_info, must call
// TagClose after adding all local variables and parameters.
// Will write an abbrev corresponding to a DW_TAG_subprogram, followed by a
// DW_AT_lowpc and a DW_AT_highpc.
func (b *Builder) AddSubprogram(fnname string, lowpc, highpc uint64) dwarf.Offset {
	return b.AddFunction(Function{Name: fnname, External: true, Lowpc: lowpc, Highpc: highpc})
}

// Variable describes a DW_TAG_variable with static storage.
type Variable struct {
	Name          string
	LinkageName   string
	Type          dwarf.Offset
	Decl          Decl
	External      bool
	Declaration   bool
	Specification dwarf.Offset
	// Addr is the address of the variable, encoded as a DW_OP_addr
	// location. Zero means no location.
	Addr uint64
}

// AddGlobal adds a variable DIE to debug_info and closes it.
func (b *Builder) AddGlobal(v Variable) dwarf.Offset {
	r := b.TagOpen(dwarf.TagVariable, v.Name)
	if v.Specification != 0 {
		b.Attr(dwarf.AttrSpecification, v.Specification)
	}
	if v.LinkageName != "" {
		b.Attr(dwarf.AttrLinkageName, StrOffset(v.LinkageName))
	}
	if v.Type != 0 {
		b.Attr(dwarf.AttrType, v.Type)
	}
	b.decl(v.Decl)
	if v.External {
		b.Attr(dwarf.AttrExternal, true)
	}
	if v.Declaration {
		b.Attr(dwarf.AttrDeclaration, true)
	}
	if v.Addr != 0 {
		b.Attr(dwarf.AttrLocation, b.LocationBlock(DW_OP_addr, Address(v.Addr)))
	}
	b.TagClose()
	return r
}

// AddVariable adds a new variable entry to debug_info.
// Will write a DW_TAG_variable, followed by a DW_AT_type and a
// DW_AT_location.
func (b *Builder) AddVariable(varname string, typ dwarf.Offset, loc []byte) dwarf.Offset {
	r := b.TagOpen(dwarf.TagVariable, varname)
	b.Attr(dwarf.AttrType, typ)
	b.Attr(dwarf.AttrLocation, loc)
	b.TagClose()
	return r
}

// AddBaseType adds a new base type entry to debug_info.
// Will write a DW_TAG_base_type, followed by a DW_AT_encoding and a
// DW_AT_byte_size.
func (b *Builder) AddBaseType(typename string, encoding Encoding, byteSz uint16) dwarf.Offset {
	r := b.TagOpen(dwarf.TagBaseType, typename)
	b.Attr(dwarf.AttrEncoding, uint8(encoding))
	b.Attr(dwarf.AttrByteSize, byteSz)
	b.TagClose()
	return r
}

// AddNamespace opens a DW_TAG_namespace, call TagClose after adding its
// members.
func (b *Builder) AddNamespace(name string) dwarf.Offset {
	r := b.TagOpen(dwarf.TagNamespace, name)
	b.SetHasChildren()
	return r
}

// AddClassType opens a DW_TAG_class_type, call TagClose to finish adding
// members.
func (b *Builder) AddClassType(typename string, byteSz uint16, decl Decl) dwarf.Offset {
	r := b.TagOpen(dwarf.TagClassType, typename)
	b.Attr(dwarf.AttrByteSize, byteSz)
	b.decl(decl)
	return r
}
