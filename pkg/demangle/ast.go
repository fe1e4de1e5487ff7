package demangle

import (
	"strconv"
	"strings"
)

// Node is a node of the demangled AST. The set of implementations is
// closed: every node type is defined in this package.
type Node interface {
	// String returns the demangled text of the node.
	String() string

	printLeft(p *printer)
	printRight(p *printer)
}

// Name is an identifier: a source name, a builtin type or any other
// fixed text.
type Name struct {
	Name string
}

// Qualified is Scope::Name.
type Qualified struct {
	Scope Node
	Name  Node
	// Local is set for entities declared inside a function body, Scope is
	// then the function encoding.
	Local bool
}

// Template is a template instantiation.
type Template struct {
	Name Node
	Args []Node
}

// Operator is an operator function name, such as operator+.
type Operator struct {
	Op   string
	Args int
}

// Conversion is a conversion operator name.
type Conversion struct {
	To Node
}

// LiteralOperator is a user defined literal operator, operator"" _x.
type LiteralOperator struct {
	Name Node
}

// Constructor is a constructor name. Name is the class name.
type Constructor struct {
	Name Node
	// Base is the base class for inheriting constructors.
	Base Node
}

// Destructor is a destructor name. Name is the class name.
type Destructor struct {
	Name Node
}

// ABITag is a name with an ABI tag, name[abi:tag].
type ABITag struct {
	Name Node
	Tag  string
}

// Unnamed is an unnamed type or a closure type.
type Unnamed struct {
	// Params is non-nil for lambdas.
	Params []Node
	Lambda bool
	Index  int
}

// StdName is one of the standard abbreviations, Sa, Sb, Ss, Si, So or Sd.
type StdName struct {
	Simple  string
	Full    string
	Last    string
	Verbose bool
}

// Builtin is a builtin type.
type Builtin struct {
	Name string
}

// VendorQualifier is a type qualified by a vendor extension, U<name>.
type VendorQualifier struct {
	Base      Node
	Qualifier string
}

// Qualifiers is a cv-qualified type.
type Qualifiers struct {
	Base     Node
	Const    bool
	Volatile bool
	Restrict bool
}

// Pointer is a pointer type.
type Pointer struct {
	Base Node
}

// Reference is an lvalue or rvalue reference type.
type Reference struct {
	Base   Node
	Rvalue bool
}

// ComplexType is a C99 _Complex or _Imaginary type.
type ComplexType struct {
	Base      Node
	Imaginary bool
}

// FunctionType is a function type, as found in pointers to functions.
type FunctionType struct {
	Return   Node
	Params   []Node
	Const    bool
	Volatile bool
	RefQual  string
	Noexcept bool
}

// Function is a function encoding: a name followed by its signature.
type Function struct {
	Name     Node
	Return   Node
	Params   []Node
	Const    bool
	Volatile bool
	RefQual  string
}

// ArrayType is an array type, Dim is empty for arrays of unknown bound.
type ArrayType struct {
	Dim  string
	Elem Node
}

// PtrToMember is a pointer to member type.
type PtrToMember struct {
	Class  Node
	Member Node
}

// TemplateParam is a reference to a template parameter. Arg is the
// argument the reference resolves to.
type TemplateParam struct {
	Index int
	Arg   Node
}

// FunctionParam is a reference to a function parameter in an expression.
type FunctionParam struct {
	Index int
}

// ArgPack is a template argument pack.
type ArgPack struct {
	Args []Node
}

// PackExpansion is a pack expansion, T...
type PackExpansion struct {
	Base Node
}

// Literal is a non-type template argument.
type Literal struct {
	Type  Node
	Value string
}

// Decltype is decltype(expr).
type Decltype struct {
	Expr Node
}

// Unary is a unary operator applied to an operand in an expression.
type Unary struct {
	Op      string
	Operand Node
}

// Binary is a binary operator expression.
type Binary struct {
	Op          string
	Left, Right Node
}

// Cast is a cast expression.
type Cast struct {
	To   Node
	Expr Node
}

// SizeofType is sizeof or alignof of a type.
type SizeofType struct {
	Op   string
	Type Node
}

// Special is a special name: virtual tables, typeinfo, guard variables,
// thunks and so on.
type Special struct {
	Kind   SpecialKind
	Prefix string
	Target Node
}

// CtorVtable is a construction vtable.
type CtorVtable struct {
	Complete Node
	Base     Node
}

// Clone is an encoding followed by vendor clone suffixes.
type Clone struct {
	Base     Node
	Suffixes []string
}

// maxOutput bounds the demangled text. Substitutions may refer to
// arbitrarily large subtrees, the demangled form of a short input can be
// exponentially long.
const maxOutput = 1 << 16

const maxPrintDepth = 512

type printer struct {
	buf   strings.Builder
	depth int
	err   bool
}

func (p *printer) str(s string) {
	if p.err {
		return
	}
	if p.buf.Len()+len(s) > maxOutput {
		p.err = true
		return
	}
	p.buf.WriteString(s)
}

func (p *printer) last() byte {
	s := p.buf.String()
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

func (p *printer) enter() bool {
	p.depth++
	if p.depth > maxPrintDepth {
		p.err = true
	}
	return !p.err
}

func (p *printer) leave() { p.depth-- }

func (p *printer) print(n Node) {
	if n == nil {
		return
	}
	if !p.enter() {
		p.leave()
		return
	}
	n.printLeft(p)
	n.printRight(p)
	p.leave()
}

func (p *printer) left(n Node) {
	if n == nil {
		return
	}
	if !p.enter() {
		p.leave()
		return
	}
	n.printLeft(p)
	p.leave()
}

func (p *printer) right(n Node) {
	if n == nil {
		return
	}
	if !p.enter() {
		p.leave()
		return
	}
	n.printRight(p)
	p.leave()
}

func (p *printer) list(nodes []Node) {
	first := true
	for _, n := range nodes {
		mark := p.buf.Len()
		if !first {
			p.str(", ")
		}
		sep := p.buf.Len()
		p.print(n)
		if p.buf.Len() == sep && !p.err {
			// empty pack expansion, drop the separator
			s := p.buf.String()[:mark]
			p.buf.Reset()
			p.buf.WriteString(s)
			continue
		}
		first = false
	}
}

func toString(n Node) (string, bool) {
	var p printer
	p.print(n)
	return p.buf.String(), !p.err
}

func nodeString(n Node) string {
	s, _ := toString(n)
	return s
}

func (n *Name) String() string             { return nodeString(n) }
func (n *Name) printLeft(p *printer)       { p.str(n.Name) }
func (n *Name) printRight(p *printer)      {}
func (n *Qualified) String() string        { return nodeString(n) }
func (n *Qualified) printRight(p *printer) {}

func (n *Qualified) printLeft(p *printer) {
	p.print(n.Scope)
	p.str("::")
	p.print(n.Name)
}

func (n *Template) String() string        { return nodeString(n) }
func (n *Template) printRight(p *printer) {}

func (n *Template) printLeft(p *printer) {
	p.print(n.Name)
	printTemplateArgs(p, n.Args)
}

func printTemplateArgs(p *printer, args []Node) {
	p.str("<")
	p.list(args)
	if p.last() == '>' {
		p.str(" ")
	}
	p.str(">")
}

func (n *Operator) String() string        { return nodeString(n) }
func (n *Operator) printRight(p *printer) {}

func (n *Operator) printLeft(p *printer) {
	p.str("operator")
	if c := n.Op[0]; c >= 'a' && c <= 'z' {
		p.str(" ")
	}
	p.str(n.Op)
}

func (n *Conversion) String() string        { return nodeString(n) }
func (n *Conversion) printRight(p *printer) {}

func (n *Conversion) printLeft(p *printer) {
	p.str("operator ")
	p.print(n.To)
}

func (n *LiteralOperator) String() string        { return nodeString(n) }
func (n *LiteralOperator) printRight(p *printer) {}

func (n *LiteralOperator) printLeft(p *printer) {
	p.str("operator\"\" ")
	p.print(n.Name)
}

func (n *Constructor) String() string        { return nodeString(n) }
func (n *Constructor) printRight(p *printer) {}
func (n *Constructor) printLeft(p *printer)  { p.print(n.Name) }

func (n *Destructor) String() string        { return nodeString(n) }
func (n *Destructor) printRight(p *printer) {}

func (n *Destructor) printLeft(p *printer) {
	p.str("~")
	p.print(n.Name)
}

func (n *ABITag) String() string        { return nodeString(n) }
func (n *ABITag) printRight(p *printer) {}

func (n *ABITag) printLeft(p *printer) {
	p.print(n.Name)
	p.str("[abi:")
	p.str(n.Tag)
	p.str("]")
}

func (n *Unnamed) String() string        { return nodeString(n) }
func (n *Unnamed) printRight(p *printer) {}

func (n *Unnamed) printLeft(p *printer) {
	if !n.Lambda {
		p.str("{unnamed type#" + strconv.Itoa(n.Index) + "}")
		return
	}
	p.str("{lambda(")
	p.list(n.Params)
	p.str(")#" + strconv.Itoa(n.Index) + "}")
}

func (n *StdName) String() string        { return nodeString(n) }
func (n *StdName) printRight(p *printer) {}

func (n *StdName) printLeft(p *printer) {
	if n.Verbose {
		p.str(n.Full)
	} else {
		p.str(n.Simple)
	}
}

func (n *Builtin) String() string        { return nodeString(n) }
func (n *Builtin) printLeft(p *printer)  { p.str(n.Name) }
func (n *Builtin) printRight(p *printer) {}

func (n *VendorQualifier) String() string { return nodeString(n) }

func (n *VendorQualifier) printLeft(p *printer) {
	p.left(n.Base)
	p.str(" " + n.Qualifier)
}

func (n *VendorQualifier) printRight(p *printer) { p.right(n.Base) }

func (n *Qualifiers) String() string { return nodeString(n) }

func (n *Qualifiers) printLeft(p *printer) {
	p.left(n.Base)
	if isFunction(n.Base) {
		return
	}
	n.quals(p)
}

func (n *Qualifiers) quals(p *printer) {
	if n.Const {
		p.str(" const")
	}
	if n.Volatile {
		p.str(" volatile")
	}
	if n.Restrict {
		p.str(" restrict")
	}
}

func (n *Qualifiers) printRight(p *printer) {
	p.right(n.Base)
	if isFunction(n.Base) {
		n.quals(p)
	}
}

// unwrap follows template parameters to the argument they stand for.
func unwrap(n Node) Node {
	for i := 0; i < maxPrintDepth; i++ {
		tp, ok := n.(*TemplateParam)
		if !ok || tp.Arg == nil {
			return n
		}
		n = tp.Arg
	}
	return n
}

func isFunction(n Node) bool {
	switch n := unwrap(n).(type) {
	case *FunctionType:
		return true
	case *Qualifiers:
		return isFunction(n.Base)
	}
	return false
}

func isArray(n Node) bool {
	switch n := unwrap(n).(type) {
	case *ArrayType:
		return true
	case *Qualifiers:
		return isArray(n.Base)
	}
	return false
}

// declarator prints the part of a pointer-like declarator that precedes
// the name: the pointee, and an opening parenthesis for pointers to
// functions and arrays.
func declarator(p *printer, base Node, op string) {
	p.left(base)
	switch {
	case isArray(base):
		p.str(" (")
	case isFunction(base):
		p.str("(")
	}
	p.str(op)
}

func declaratorEnd(p *printer, base Node) {
	if isArray(base) || isFunction(base) {
		p.str(")")
	}
	p.right(base)
}

func (n *Pointer) String() string          { return nodeString(n) }
func (n *Pointer) printLeft(p *printer)    { declarator(p, n.Base, "*") }
func (n *Pointer) printRight(p *printer)   { declaratorEnd(p, n.Base) }
func (n *Reference) String() string        { return nodeString(n) }
func (n *Reference) printRight(p *printer) { declaratorEnd(p, n.Base) }

func (n *Reference) printLeft(p *printer) {
	if n.Rvalue {
		declarator(p, n.Base, "&&")
	} else {
		declarator(p, n.Base, "&")
	}
}

func (n *ComplexType) String() string { return nodeString(n) }

func (n *ComplexType) printLeft(p *printer) {
	p.print(n.Base)
	if n.Imaginary {
		p.str(" _Imaginary")
	} else {
		p.str(" _Complex")
	}
}

func (n *ComplexType) printRight(p *printer) {}

func (n *FunctionType) String() string { return nodeString(n) }

func (n *FunctionType) printLeft(p *printer) {
	p.left(n.Return)
	p.str(" ")
}

func (n *FunctionType) printRight(p *printer) {
	p.str("(")
	p.list(n.Params)
	p.str(")")
	p.right(n.Return)
	if n.Const {
		p.str(" const")
	}
	if n.Volatile {
		p.str(" volatile")
	}
	if n.RefQual != "" {
		p.str(" " + n.RefQual)
	}
	if n.Noexcept {
		p.str(" noexcept")
	}
}

func (n *Function) String() string { return nodeString(n) }

func (n *Function) printLeft(p *printer) {
	if n.Return != nil {
		p.left(n.Return)
		if !hasRight(n.Return) {
			p.str(" ")
		}
	}
	p.print(n.Name)
}

// hasRight reports whether the declarator of n continues after the name,
// as for functions returning pointers to functions.
func hasRight(n Node) bool {
	switch n := unwrap(n).(type) {
	case *Pointer:
		return isFunction(n.Base) || isArray(n.Base) || hasRight(n.Base)
	case *Reference:
		return isFunction(n.Base) || isArray(n.Base) || hasRight(n.Base)
	case *Qualifiers:
		return hasRight(n.Base)
	}
	return false
}

func (n *Function) printRight(p *printer) {
	p.str("(")
	p.list(n.Params)
	p.str(")")
	if n.Return != nil {
		p.right(n.Return)
	}
	if n.Const {
		p.str(" const")
	}
	if n.Volatile {
		p.str(" volatile")
	}
	if n.RefQual != "" {
		p.str(" " + n.RefQual)
	}
}

func (n *ArrayType) String() string       { return nodeString(n) }
func (n *ArrayType) printLeft(p *printer) { p.left(n.Elem) }

func (n *ArrayType) printRight(p *printer) {
	if p.last() != ']' {
		p.str(" ")
	}
	p.str("[" + n.Dim + "]")
	p.right(n.Elem)
}

func (n *PtrToMember) String() string { return nodeString(n) }

func (n *PtrToMember) printLeft(p *printer) {
	p.left(n.Member)
	switch {
	case isFunction(n.Member):
		p.str("(")
	case p.last() != '(':
		p.str(" ")
	}
	p.print(n.Class)
	p.str("::*")
}

func (n *PtrToMember) printRight(p *printer) {
	if isFunction(n.Member) {
		p.str(")")
	}
	p.right(n.Member)
}

func (n *TemplateParam) String() string { return nodeString(n) }

func (n *TemplateParam) printLeft(p *printer) {
	if n.Arg == nil {
		p.str("T" + strconv.Itoa(n.Index))
		return
	}
	p.left(n.Arg)
}

func (n *TemplateParam) printRight(p *printer) { p.right(n.Arg) }

func (n *FunctionParam) String() string        { return nodeString(n) }
func (n *FunctionParam) printRight(p *printer) {}

func (n *FunctionParam) printLeft(p *printer) {
	p.str("{parm#" + strconv.Itoa(n.Index+1) + "}")
}

func (n *ArgPack) String() string        { return nodeString(n) }
func (n *ArgPack) printLeft(p *printer)  { p.list(n.Args) }
func (n *ArgPack) printRight(p *printer) {}

func (n *PackExpansion) String() string        { return nodeString(n) }
func (n *PackExpansion) printRight(p *printer) {}

func (n *PackExpansion) printLeft(p *printer) {
	// A resolved pack expands to its elements.
	if pack, ok := unwrap(n.Base).(*ArgPack); ok {
		p.list(pack.Args)
		return
	}
	if pack := findPack(n.Base); pack != nil {
		for i, arg := range pack.Args {
			if i > 0 {
				p.str(", ")
			}
			p.print(substPack(n.Base, arg))
		}
		return
	}
	p.print(n.Base)
	p.str("...")
}

// findPack returns the first argument pack referenced by the pattern n.
func findPack(n Node) *ArgPack {
	switch n := n.(type) {
	case *TemplateParam:
		if pack, ok := n.Arg.(*ArgPack); ok {
			return pack
		}
	case *Qualifiers:
		return findPack(n.Base)
	case *Pointer:
		return findPack(n.Base)
	case *Reference:
		return findPack(n.Base)
	}
	return nil
}

// substPack returns a copy of the pattern n with pack references replaced
// by arg.
func substPack(n Node, arg Node) Node {
	switch n := n.(type) {
	case *TemplateParam:
		if _, ok := n.Arg.(*ArgPack); ok {
			return arg
		}
	case *Qualifiers:
		c := *n
		c.Base = substPack(n.Base, arg)
		return &c
	case *Pointer:
		return &Pointer{Base: substPack(n.Base, arg)}
	case *Reference:
		return &Reference{Base: substPack(n.Base, arg), Rvalue: n.Rvalue}
	}
	return n
}

func (n *Literal) String() string        { return nodeString(n) }
func (n *Literal) printRight(p *printer) {}

func (n *Literal) printLeft(p *printer) {
	if b, ok := n.Type.(*Builtin); ok {
		v := n.Value
		switch b.Name {
		case "int":
			p.str(v)
			return
		case "unsigned int":
			p.str(v + "u")
			return
		case "long":
			p.str(v + "l")
			return
		case "unsigned long":
			p.str(v + "ul")
			return
		case "long long":
			p.str(v + "ll")
			return
		case "unsigned long long":
			p.str(v + "ull")
			return
		case "bool":
			switch v {
			case "0":
				p.str("false")
				return
			case "1":
				p.str("true")
				return
			}
		case "decltype(nullptr)":
			if v == "" || v == "0" {
				p.str("nullptr")
				return
			}
		}
	}
	p.str("(")
	p.print(n.Type)
	p.str(")")
	p.str(n.Value)
}

func (n *Decltype) String() string        { return nodeString(n) }
func (n *Decltype) printRight(p *printer) {}

func (n *Decltype) printLeft(p *printer) {
	p.str("decltype (")
	p.print(n.Expr)
	p.str(")")
}

func (n *Unary) String() string        { return nodeString(n) }
func (n *Unary) printRight(p *printer) {}

func (n *Unary) printLeft(p *printer) {
	p.str(n.Op)
	p.str("(")
	p.print(n.Operand)
	p.str(")")
}

func (n *Binary) String() string        { return nodeString(n) }
func (n *Binary) printRight(p *printer) {}

func (n *Binary) printLeft(p *printer) {
	gt := n.Op == ">"
	if gt {
		p.str("(")
	}
	p.str("(")
	p.print(n.Left)
	p.str(")")
	p.str(n.Op)
	p.str("(")
	p.print(n.Right)
	p.str(")")
	if gt {
		p.str(")")
	}
}

func (n *Cast) String() string        { return nodeString(n) }
func (n *Cast) printRight(p *printer) {}

func (n *Cast) printLeft(p *printer) {
	p.str("(")
	p.print(n.To)
	p.str(")(")
	p.print(n.Expr)
	p.str(")")
}

func (n *SizeofType) String() string        { return nodeString(n) }
func (n *SizeofType) printRight(p *printer) {}

func (n *SizeofType) printLeft(p *printer) {
	p.str(n.Op + " (")
	p.print(n.Type)
	p.str(")")
}

func (n *Special) String() string        { return nodeString(n) }
func (n *Special) printRight(p *printer) {}

func (n *Special) printLeft(p *printer) {
	p.str(n.Prefix)
	p.print(n.Target)
}

func (n *CtorVtable) String() string        { return nodeString(n) }
func (n *CtorVtable) printRight(p *printer) {}

func (n *CtorVtable) printLeft(p *printer) {
	p.str("construction vtable for ")
	p.print(n.Base)
	p.str("-in-")
	p.print(n.Complete)
}

func (n *Clone) String() string        { return nodeString(n) }
func (n *Clone) printRight(p *printer) {}

func (n *Clone) printLeft(p *printer) {
	p.print(n.Base)
	for _, s := range n.Suffixes {
		p.str(" [clone " + s + "]")
	}
}
