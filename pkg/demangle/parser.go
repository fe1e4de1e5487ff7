package demangle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// maxDepth bounds the recursion of the parser.
const maxDepth = 256

type quals struct {
	Const, Volatile, Restrict bool
	ref                       string
}

// parser is a cursor over a mangled name. Errors are sticky: once err is
// set every production returns nil and the cursor stops moving.
type parser struct {
	in  string
	pos int
	err error

	// subs is the substitution table. It is append-only, S_ is subs[0].
	subs []Node
	// templateArgs are the arguments T_ references resolve against.
	templateArgs []Node
	// pending are template parameter references seen before the argument
	// list they refer to.
	pending []*TemplateParam

	// quals are the qualifiers of the last nested name parsed.
	quals quals

	depth     int
	typeDepth int
	encDepth  int
	static    bool
}

func newParser(in string) *parser {
	return &parser{in: in}
}

func (p *parser) fail(format string, args ...interface{}) {
	if p.err != nil {
		return
	}
	p.err = errors.Wrapf(ErrUnparsable, "%s at offset %d", fmt.Sprintf(format, args...), p.pos)
	p.pos = len(p.in)
}

func (p *parser) enter() bool {
	p.depth++
	if p.depth > maxDepth {
		p.fail("recursion limit exceeded")
	}
	return p.err == nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) done() bool { return p.pos >= len(p.in) }

func (p *parser) peek() byte { return p.peekAt(0) }

func (p *parser) peekAt(i int) byte {
	if p.pos+i >= len(p.in) {
		return 0
	}
	return p.in[p.pos+i]
}

func (p *parser) hasPrefix(s string) bool { return strings.HasPrefix(p.in[p.pos:], s) }

func (p *parser) expect(c byte) {
	if p.err != nil {
		return
	}
	if p.peek() != c {
		if p.done() {
			p.fail("unexpected end of input, expected %q", c)
		} else {
			p.fail("expected %q, found %q", c, p.peek())
		}
		return
	}
	p.pos++
}

func (p *parser) addSubst(n Node) {
	if n != nil && p.err == nil {
		p.subs = append(p.subs, n)
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isLower(c byte) bool { return c >= 'a' && c <= 'z' }
func isUpper(c byte) bool { return c >= 'A' && c <= 'Z' }

// mangledName parses a complete mangled name, the leading _Z included.
func (p *parser) mangledName() Node {
	if !p.hasPrefix("_Z") {
		p.fail("missing _Z prefix")
		return nil
	}
	p.pos += 2
	n := p.encoding()
	if p.err != nil {
		return nil
	}
	if p.peek() == '.' {
		if suffixes := p.cloneSuffixes(); len(suffixes) > 0 {
			n = &Clone{Base: n, Suffixes: suffixes}
		}
	}
	if !p.done() {
		p.fail("trailing characters %q", p.in[p.pos:])
		return nil
	}
	for _, tp := range p.pending {
		if tp.Arg == nil {
			p.fail("template parameter T%d_ does not refer to an argument", tp.Index)
			return nil
		}
	}
	return n
}

func (p *parser) cloneSuffixes() []string {
	var r []string
	for p.peek() == '.' {
		c := p.peekAt(1)
		if !isLower(c) && !isDigit(c) && c != '_' {
			break
		}
		start := p.pos
		p.pos += 2
		for isLower(p.peek()) || p.peek() == '_' {
			p.pos++
		}
		for p.peek() == '.' && isDigit(p.peekAt(1)) {
			p.pos += 2
			for isDigit(p.peek()) {
				p.pos++
			}
		}
		r = append(r, p.in[start:p.pos])
	}
	return r
}

// encoding parses <encoding>: a function name and signature, a data
// name or a special name.
func (p *parser) encoding() Node {
	if !p.enter() {
		return nil
	}
	defer p.leave()
	p.encDepth++
	defer func() { p.encDepth-- }()

	if c := p.peek(); c == 'T' || (c == 'G' && strings.IndexByte("VRTA", p.peekAt(1)) >= 0) {
		return p.specialName()
	}

	start := len(p.pending)
	name := p.name()
	q := p.quals
	p.quals = quals{}
	if p.err != nil {
		return nil
	}
	if args := templateArgsOf(name); args != nil {
		p.templateArgs = args
		p.resolvePending(start)
	}
	if p.done() || p.peek() == 'E' || p.peek() == '.' {
		return name
	}

	fn := &Function{Name: name, Const: q.Const, Volatile: q.Volatile, RefQual: q.ref}
	if hasReturnType(name) {
		fn.Return = p.type_()
	}
	fn.Params = p.bareFunctionType()
	p.resolvePending(start)
	if p.err != nil {
		return nil
	}
	return fn
}

func (p *parser) resolvePending(start int) {
	if start > len(p.pending) {
		return
	}
	for _, tp := range p.pending[start:] {
		if tp.Arg == nil && tp.Index < len(p.templateArgs) {
			tp.Arg = p.templateArgs[tp.Index]
		}
	}
}

// templateArgsOf returns the template arguments of the innermost entity
// named by n, nil if it is not a template.
func templateArgsOf(n Node) []Node {
	switch n := n.(type) {
	case *Template:
		return n.Args
	case *Qualified:
		if n.Local {
			return templateArgsOf(n.Name)
		}
	case *ABITag:
		return templateArgsOf(n.Name)
	}
	return nil
}

// hasReturnType reports whether the signature of the function named n
// starts with its return type: template functions other than
// constructors, destructors and conversion operators.
func hasReturnType(n Node) bool {
	switch n := n.(type) {
	case *Template:
		return !isCtorDtorConversion(n.Name)
	case *Qualified:
		if n.Local {
			return hasReturnType(n.Name)
		}
	case *ABITag:
		return hasReturnType(n.Name)
	}
	return false
}

func isCtorDtorConversion(n Node) bool {
	switch n := n.(type) {
	case *Qualified:
		return isCtorDtorConversion(n.Name)
	case *ABITag:
		return isCtorDtorConversion(n.Name)
	case *Constructor, *Destructor, *Conversion:
		return true
	}
	return false
}

func (p *parser) bareFunctionType() []Node {
	var params []Node
	for p.err == nil && !p.done() && p.peek() != 'E' && p.peek() != '.' {
		params = append(params, p.type_())
	}
	if p.err != nil {
		return nil
	}
	if len(params) == 0 {
		p.fail("missing function parameters")
		return nil
	}
	if len(params) == 1 {
		if b, ok := params[0].(*Builtin); ok && b.Name == "void" {
			return nil
		}
	}
	return params
}

// name parses <name>.
func (p *parser) name() Node {
	if !p.enter() {
		return nil
	}
	defer p.leave()

	switch p.peek() {
	case 'N':
		return p.nestedName()
	case 'Z':
		return p.localName()
	case 'S':
		var n Node
		if p.peekAt(1) == 't' {
			p.pos += 2
			uq := p.unqualifiedName(nil)
			if p.err != nil {
				return nil
			}
			n = &Qualified{Scope: &Name{Name: "std"}, Name: uq}
			if p.peek() != 'I' {
				return n
			}
			p.addSubst(n)
		} else {
			n = p.substitution()
			if p.peek() != 'I' {
				p.fail("substitution used as a name")
				return nil
			}
		}
		return &Template{Name: n, Args: p.templateArgList()}
	}

	n := p.unqualifiedName(nil)
	if p.err != nil {
		return nil
	}
	if p.peek() == 'I' {
		p.addSubst(n)
		return &Template{Name: n, Args: p.templateArgList()}
	}
	return n
}

func (p *parser) nestedName() Node {
	p.expect('N')
	var q quals
	if p.peek() == 'r' {
		q.Restrict = true
		p.pos++
	}
	if p.peek() == 'V' {
		q.Volatile = true
		p.pos++
	}
	if p.peek() == 'K' {
		q.Const = true
		p.pos++
	}
	switch p.peek() {
	case 'R':
		q.ref = "&"
		p.pos++
	case 'O':
		q.ref = "&&"
		p.pos++
	}

	var prefix Node
	for p.err == nil {
		c := p.peek()
		if c == 'E' {
			p.pos++
			break
		}
		var comp Node
		switch {
		case c == 0:
			p.fail("unterminated nested name")
			return nil
		case c == 'S' && p.peekAt(1) == 't':
			if prefix != nil {
				p.fail("std:: inside a nested name")
				return nil
			}
			p.pos += 2
			prefix = &Name{Name: "std"}
			continue
		case c == 'S':
			if prefix != nil {
				p.fail("substitution inside a nested name")
				return nil
			}
			prefix = p.substitution()
			// standard abbreviations scoping a name print in full
			if sn, ok := prefix.(*StdName); ok {
				verbose := *sn
				verbose.Verbose = true
				prefix = &verbose
			}
			continue
		case c == 'T':
			if prefix != nil {
				p.fail("template parameter inside a nested name")
				return nil
			}
			comp = p.templateParam()
		case c == 'I':
			if prefix == nil {
				p.fail("template arguments without a template")
				return nil
			}
			comp = &Template{Name: prefix, Args: p.templateArgList()}
		case c == 'D' && (p.peekAt(1) == 't' || p.peekAt(1) == 'T'):
			if prefix != nil {
				p.fail("decltype inside a nested name")
				return nil
			}
			comp = p.decltype()
		case c == 'M':
			// closure data member prefix
			p.pos++
			continue
		default:
			uq := p.unqualifiedName(prefix)
			if prefix == nil {
				comp = uq
			} else {
				comp = &Qualified{Scope: prefix, Name: uq}
			}
		}
		if p.err != nil {
			return nil
		}
		prefix = comp
		if p.peek() != 'E' {
			p.addSubst(prefix)
		}
	}
	if p.err != nil {
		return nil
	}
	if prefix == nil {
		p.fail("empty nested name")
		return nil
	}
	p.quals = q
	return prefix
}

func (p *parser) localName() Node {
	p.expect('Z')
	enc := p.encoding()
	p.expect('E')
	if p.err != nil {
		return nil
	}
	switch p.peek() {
	case 's':
		p.pos++
		p.discriminator()
		return &Qualified{Scope: enc, Name: &Name{Name: "string literal"}, Local: true}
	case 'd':
		// default argument scope, d [<number>] _
		p.pos++
		if p.peek() != '_' {
			p.number()
		}
		p.expect('_')
	}
	ent := p.name()
	p.discriminator()
	if p.err != nil {
		return nil
	}
	return &Qualified{Scope: enc, Name: ent, Local: true}
}

func (p *parser) discriminator() {
	if p.peek() != '_' {
		return
	}
	p.pos++
	if isDigit(p.peek()) {
		p.pos++
		return
	}
	p.expect('_')
	p.number()
	p.expect('_')
}

// unqualifiedName parses <unqualified-name>. scope is the enclosing
// prefix, constructors and destructors take their name from it.
func (p *parser) unqualifiedName(scope Node) Node {
	if !p.enter() {
		return nil
	}
	defer p.leave()

	var n Node
	c := p.peek()
	switch {
	case c == 'L':
		p.pos++
		if p.typeDepth == 0 && p.encDepth == 1 {
			p.static = true
		}
		n = p.sourceName()
		p.discriminator()
	case isDigit(c):
		n = p.sourceName()
	case c == 'C' || (c == 'D' && strings.IndexByte("01245", p.peekAt(1)) >= 0):
		n = p.ctorDtorName(scope)
	case c == 'U':
		n = p.unnamedTypeName()
	case c == 'D' && p.peekAt(1) == 'C':
		p.pos += 2
		var names []string
		for p.err == nil && p.peek() != 'E' {
			names = append(names, p.identifier())
		}
		p.expect('E')
		n = &Name{Name: "[" + strings.Join(names, ", ") + "]"}
	case isLower(c):
		n = p.operatorName()
	default:
		if p.done() {
			p.fail("unexpected end of input")
		} else {
			p.fail("unexpected %q in name", c)
		}
		return nil
	}
	for p.err == nil && p.peek() == 'B' {
		p.pos++
		n = &ABITag{Name: n, Tag: p.identifier()}
	}
	if p.err != nil {
		return nil
	}
	return n
}

// number parses [n] <decimal>.
func (p *parser) number() int {
	neg := false
	if p.peek() == 'n' {
		neg = true
		p.pos++
	}
	start := p.pos
	for isDigit(p.peek()) {
		p.pos++
	}
	if start == p.pos {
		p.fail("expected a number")
		return 0
	}
	v, err := strconv.Atoi(p.in[start:p.pos])
	if err != nil {
		p.fail("number out of range")
		return 0
	}
	if neg {
		v = -v
	}
	return v
}

// identifier parses <source-name> and returns the raw identifier.
func (p *parser) identifier() string {
	if !isDigit(p.peek()) {
		p.fail("expected a source name")
		return ""
	}
	n := p.number()
	if p.err != nil {
		return ""
	}
	if n <= 0 || n > len(p.in)-p.pos {
		p.fail("source name length %d out of range", n)
		return ""
	}
	id := p.in[p.pos : p.pos+n]
	p.pos += n
	return id
}

func (p *parser) sourceName() Node {
	id := p.identifier()
	if p.err != nil {
		return nil
	}
	if isAnonymousNamespace(id) {
		id = "(anonymous namespace)"
	}
	return &Name{Name: id}
}

func isAnonymousNamespace(id string) bool {
	const prefix = "_GLOBAL_"
	if !strings.HasPrefix(id, prefix) || len(id) < len(prefix)+2 {
		return false
	}
	c := id[len(prefix)]
	return (c == '.' || c == '_' || c == '$') && id[len(prefix)+1] == 'N'
}

func (p *parser) ctorDtorName(scope Node) Node {
	last := lastName(scope)
	if last == nil {
		p.fail("constructor or destructor outside of a class")
		return nil
	}
	if p.peek() == 'C' {
		p.pos++
		inheriting := false
		if p.peek() == 'I' {
			inheriting = true
			p.pos++
		}
		if c := p.peek(); c < '1' || c > '5' {
			p.fail("bad constructor kind %q", c)
			return nil
		}
		p.pos++
		ctor := &Constructor{Name: last}
		if inheriting {
			ctor.Base = p.type_()
		}
		return ctor
	}
	p.pos += 2 // D<digit>
	return &Destructor{Name: last}
}

// lastName returns the unqualified name at the end of a prefix, without
// template arguments.
func lastName(n Node) Node {
	switch n := n.(type) {
	case *Qualified:
		return lastName(n.Name)
	case *Template:
		return lastName(n.Name)
	case *ABITag:
		return lastName(n.Name)
	case *StdName:
		return &Name{Name: n.Last}
	case *Name, *Unnamed, *TemplateParam, *Decltype:
		return n
	}
	return nil
}

func (p *parser) unnamedTypeName() Node {
	p.expect('U')
	switch p.peek() {
	case 't':
		p.pos++
		idx := 1
		if p.peek() != '_' {
			idx = p.number() + 2
		}
		p.expect('_')
		return &Unnamed{Index: idx}
	case 'l':
		p.pos++
		p.typeDepth++
		var params []Node
		for p.err == nil && p.peek() != 'E' {
			params = append(params, p.type_())
		}
		p.typeDepth--
		p.expect('E')
		if len(params) == 1 {
			if b, ok := params[0].(*Builtin); ok && b.Name == "void" {
				params = nil
			}
		}
		idx := 1
		if p.peek() != '_' {
			idx = p.number() + 2
		}
		p.expect('_')
		if p.err != nil {
			return nil
		}
		n := &Unnamed{Lambda: true, Params: params, Index: idx}
		if n.Params == nil {
			n.Params = []Node{}
		}
		return n
	}
	p.fail("unknown unnamed type %q", p.peek())
	return nil
}

func (p *parser) operatorName() Node {
	if len(p.in)-p.pos < 2 {
		p.fail("truncated operator name")
		return nil
	}
	code := p.in[p.pos : p.pos+2]
	switch {
	case code == "cv":
		p.pos += 2
		p.typeDepth++
		to := p.type_()
		p.typeDepth--
		if p.err != nil {
			return nil
		}
		return &Conversion{To: to}
	case code == "li":
		p.pos += 2
		return &LiteralOperator{Name: p.sourceName()}
	case code[0] == 'v' && isDigit(code[1]):
		p.pos += 2
		id := p.identifier()
		if p.err != nil {
			return nil
		}
		return &Operator{Op: id, Args: int(code[1] - '0')}
	}
	op, ok := operators[code]
	if !ok {
		p.fail("unknown operator %q", code)
		return nil
	}
	p.pos += 2
	return &Operator{Op: strings.TrimSpace(op.name), Args: op.args}
}

// substitution parses S_, S<seq-id>_ and the standard abbreviations,
// except St.
func (p *parser) substitution() Node {
	p.expect('S')
	if p.err != nil {
		return nil
	}
	c := p.peek()
	if sn, ok := stdNames[c]; ok {
		p.pos++
		n := sn
		return &n
	}
	idx := 0
	if c != '_' {
		v := 0
		start := p.pos
		for isDigit(p.peek()) || isUpper(p.peek()) {
			d := p.peek()
			if isDigit(d) {
				v = v*36 + int(d-'0')
			} else {
				v = v*36 + int(d-'A') + 10
			}
			if v > len(p.in) {
				p.fail("substitution index out of range")
				return nil
			}
			p.pos++
		}
		if p.pos == start {
			p.fail("bad substitution %q", c)
			return nil
		}
		idx = v + 1
	}
	p.expect('_')
	if p.err != nil {
		return nil
	}
	if idx >= len(p.subs) {
		p.fail("substitution S%d_ out of range (%d candidates)", idx, len(p.subs))
		return nil
	}
	return p.subs[idx]
}

func (p *parser) templateParam() Node {
	p.expect('T')
	idx := 0
	if p.peek() != '_' {
		idx = p.number() + 1
		if idx <= 0 && p.err == nil {
			p.fail("negative template parameter index")
		}
	}
	p.expect('_')
	if p.err != nil {
		return nil
	}
	tp := &TemplateParam{Index: idx}
	if idx < len(p.templateArgs) {
		tp.Arg = p.templateArgs[idx]
	} else {
		p.pending = append(p.pending, tp)
	}
	return tp
}

func (p *parser) templateArgList() []Node {
	p.expect('I')
	p.typeDepth++
	defer func() { p.typeDepth-- }()
	args := []Node{}
	for p.err == nil && p.peek() != 'E' {
		if p.done() {
			p.fail("unterminated template argument list")
			return nil
		}
		args = append(args, p.templateArg())
	}
	p.expect('E')
	if p.err != nil {
		return nil
	}
	return args
}

func (p *parser) templateArg() Node {
	if !p.enter() {
		return nil
	}
	defer p.leave()

	switch p.peek() {
	case 'L':
		return p.exprPrimary()
	case 'X':
		p.pos++
		e := p.expression()
		p.expect('E')
		return e
	case 'J':
		p.pos++
		pack := &ArgPack{Args: []Node{}}
		for p.err == nil && p.peek() != 'E' {
			if p.done() {
				p.fail("unterminated argument pack")
				return nil
			}
			pack.Args = append(pack.Args, p.templateArg())
		}
		p.expect('E')
		return pack
	}
	return p.type_()
}

// exprPrimary parses L <type> <value> E and L <mangled-name> E.
func (p *parser) exprPrimary() Node {
	p.expect('L')
	if p.err != nil {
		return nil
	}
	if p.hasPrefix("_Z") {
		p.pos += 2
		saved := p.templateArgs
		enc := p.encoding()
		p.templateArgs = saved
		p.expect('E')
		return enc
	}
	t := p.type_()
	if p.err != nil {
		return nil
	}
	var v strings.Builder
	if p.peek() == 'n' {
		v.WriteByte('-')
		p.pos++
	}
	for !p.done() && p.peek() != 'E' {
		v.WriteByte(p.peek())
		p.pos++
	}
	p.expect('E')
	if p.err != nil {
		return nil
	}
	return &Literal{Type: t, Value: v.String()}
}

func (p *parser) expression() Node {
	if !p.enter() {
		return nil
	}
	defer p.leave()

	switch c := p.peek(); {
	case c == 'L':
		return p.exprPrimary()
	case c == 'T':
		return p.templateParam()
	case p.hasPrefix("fp"):
		p.pos += 2
		for strings.IndexByte("rVK", p.peek()) >= 0 && p.peek() != 0 {
			p.pos++
		}
		idx := 0
		if p.peek() != '_' {
			idx = p.number() + 1
		}
		p.expect('_')
		return &FunctionParam{Index: idx}
	case p.hasPrefix("sr"):
		p.pos += 2
		scope := p.type_()
		n := p.unqualifiedName(nil)
		if p.peek() == 'I' {
			n = &Template{Name: n, Args: p.templateArgList()}
		}
		if p.err != nil {
			return nil
		}
		return &Qualified{Scope: scope, Name: n}
	case p.hasPrefix("st"), p.hasPrefix("at"):
		op := "sizeof"
		if c == 'a' {
			op = "alignof"
		}
		p.pos += 2
		return &SizeofType{Op: op, Type: p.type_()}
	case p.hasPrefix("cv"):
		p.pos += 2
		to := p.type_()
		if p.peek() == '_' {
			p.fail("conversion with an expression list")
			return nil
		}
		return &Cast{To: to, Expr: p.expression()}
	case isDigit(c):
		n := p.sourceName()
		if p.peek() == 'I' {
			n = &Template{Name: n, Args: p.templateArgList()}
		}
		return n
	}

	if len(p.in)-p.pos < 2 {
		p.fail("truncated expression")
		return nil
	}
	code := p.in[p.pos : p.pos+2]
	op, ok := operators[code]
	if !ok {
		p.fail("unknown expression %q", code)
		return nil
	}
	p.pos += 2
	switch op.args {
	case 1:
		return &Unary{Op: op.name, Operand: p.expression()}
	case 2:
		l := p.expression()
		r := p.expression()
		return &Binary{Op: op.name, Left: l, Right: r}
	}
	p.fail("unsupported expression %q", code)
	return nil
}

func (p *parser) decltype() Node {
	p.pos += 2 // Dt or DT
	e := p.expression()
	p.expect('E')
	if p.err != nil {
		return nil
	}
	return &Decltype{Expr: e}
}

// type_ parses <type>. Every type that is not a builtin or a
// substitution is appended to the substitution table.
func (p *parser) type_() Node {
	if !p.enter() {
		return nil
	}
	defer p.leave()
	p.typeDepth++
	defer func() { p.typeDepth-- }()

	c := p.peek()
	if name, ok := builtinTypes[c]; ok {
		p.pos++
		return &Builtin{Name: name}
	}

	var t Node
	switch c {
	case 'u':
		p.pos++
		t = &Builtin{Name: p.identifier()}
	case 'r', 'V', 'K':
		q := &Qualifiers{}
		for more := true; more; {
			switch p.peek() {
			case 'r':
				q.Restrict = true
			case 'V':
				q.Volatile = true
			case 'K':
				q.Const = true
			default:
				more = false
				continue
			}
			p.pos++
		}
		if p.peek() == 'F' {
			// qualifiers of member function types, the unqualified
			// function type is not a candidate
			q.Base = p.functionType()
		} else {
			q.Base = p.type_()
		}
		t = q
	case 'U':
		p.pos++
		qual := p.identifier()
		if p.peek() == 'I' {
			args := &Template{Name: &Name{Name: qual}, Args: p.templateArgList()}
			qual = args.String()
		}
		t = &VendorQualifier{Base: p.type_(), Qualifier: qual}
	case 'P':
		p.pos++
		t = &Pointer{Base: p.type_()}
	case 'R':
		p.pos++
		t = &Reference{Base: p.type_()}
	case 'O':
		p.pos++
		t = &Reference{Base: p.type_(), Rvalue: true}
	case 'C':
		p.pos++
		t = &ComplexType{Base: p.type_()}
	case 'G':
		p.pos++
		t = &ComplexType{Base: p.type_(), Imaginary: true}
	case 'F':
		t = p.functionType()
	case 'A':
		t = p.arrayType()
	case 'M':
		p.pos++
		class := p.type_()
		member := p.type_()
		t = &PtrToMember{Class: class, Member: member}
	case 'T':
		if k := p.peekAt(1); k == 's' || k == 'u' || k == 'e' {
			// elaborated type specifier
			p.pos += 2
			t = p.name()
			break
		}
		t = p.templateParam()
		if p.peek() == 'I' {
			p.addSubst(t)
			t = &Template{Name: t, Args: p.templateArgList()}
		}
	case 'S':
		if p.peekAt(1) == 't' {
			t = p.name()
			break
		}
		s := p.substitution()
		if p.peek() != 'I' {
			return s
		}
		t = &Template{Name: s, Args: p.templateArgList()}
	case 'D':
		d := p.peekAt(1)
		if name, ok := dBuiltinTypes[d]; ok {
			p.pos += 2
			return &Builtin{Name: name}
		}
		switch d {
		case 'F':
			p.pos += 2
			bits := p.number()
			suffix := ""
			if p.peek() == 'x' {
				suffix = "x"
				p.pos++
			}
			p.expect('_')
			return &Builtin{Name: "_Float" + strconv.Itoa(bits) + suffix}
		case 'p':
			p.pos += 2
			t = &PackExpansion{Base: p.type_()}
		case 't', 'T':
			t = p.decltype()
		case 'o', 'O', 'w', 'x':
			noexcept := p.exceptionSpec()
			ft, ok := p.functionType().(*FunctionType)
			if ok {
				ft.Noexcept = noexcept
				t = ft
			}
		default:
			p.fail("unsupported type D%c", d)
			return nil
		}
	case 'N', 'Z':
		t = p.name()
	default:
		if isDigit(c) {
			t = p.name()
			break
		}
		if p.done() {
			p.fail("unexpected end of input, expected a type")
		} else {
			p.fail("unexpected %q, expected a type", c)
		}
		return nil
	}
	if p.err != nil {
		return nil
	}
	p.addSubst(t)
	return t
}

// exceptionSpec skips the exception specification in front of a function
// type and reports whether it is noexcept.
func (p *parser) exceptionSpec() bool {
	noexcept := false
	for p.err == nil && p.peek() == 'D' {
		switch p.peekAt(1) {
		case 'o':
			p.pos += 2
			noexcept = true
		case 'O':
			p.pos += 2
			p.expression()
			p.expect('E')
			noexcept = true
		case 'w':
			p.pos += 2
			for p.err == nil && p.peek() != 'E' {
				p.type_()
			}
			p.expect('E')
		case 'x':
			p.pos += 2
		default:
			return noexcept
		}
	}
	return noexcept
}

func (p *parser) functionType() Node {
	p.expect('F')
	if p.peek() == 'Y' {
		p.pos++
	}
	ft := &FunctionType{Return: p.type_()}
	for p.err == nil {
		c := p.peek()
		if c == 'E' {
			break
		}
		if (c == 'R' || c == 'O') && p.peekAt(1) == 'E' {
			ft.RefQual = "&"
			if c == 'O' {
				ft.RefQual = "&&"
			}
			p.pos++
			break
		}
		if p.done() {
			p.fail("unterminated function type")
			return nil
		}
		ft.Params = append(ft.Params, p.type_())
	}
	p.expect('E')
	if p.err != nil {
		return nil
	}
	if len(ft.Params) == 1 {
		if b, ok := ft.Params[0].(*Builtin); ok && b.Name == "void" {
			ft.Params = nil
		}
	}
	return ft
}

func (p *parser) arrayType() Node {
	p.expect('A')
	var dim string
	switch c := p.peek(); {
	case isDigit(c):
		start := p.pos
		for isDigit(p.peek()) {
			p.pos++
		}
		dim = p.in[start:p.pos]
	case c == '_':
	default:
		e := p.expression()
		if p.err != nil {
			return nil
		}
		dim = e.String()
	}
	p.expect('_')
	elem := p.type_()
	if p.err != nil {
		return nil
	}
	return &ArrayType{Dim: dim, Elem: elem}
}

// specialName parses the T and G special names.
func (p *parser) specialName() Node {
	if len(p.in)-p.pos < 2 {
		p.fail("truncated special name")
		return nil
	}
	code := p.in[p.pos : p.pos+2]
	p.pos += 2

	special := func(kind SpecialKind, prefix string, target Node) Node {
		if p.err != nil {
			return nil
		}
		return &Special{Kind: kind, Prefix: prefix, Target: target}
	}
	nested := func() Node {
		saved := p.templateArgs
		enc := p.encoding()
		p.templateArgs = saved
		return enc
	}

	switch code {
	case "TV":
		return special(VTable, "vtable for ", p.type_())
	case "TT":
		return special(VTT, "VTT for ", p.type_())
	case "TI":
		return special(TypeInfo, "typeinfo for ", p.type_())
	case "TS":
		return special(TypeInfoName, "typeinfo name for ", p.type_())
	case "Th":
		p.pos--
		p.callOffset('h')
		return special(NonVirtualThunk, "non-virtual thunk to ", nested())
	case "Tv":
		p.pos--
		p.callOffset('v')
		return special(VirtualThunk, "virtual thunk to ", nested())
	case "Tc":
		p.callOffset(0)
		p.callOffset(0)
		return special(CovariantThunk, "covariant return thunk to ", nested())
	case "TH":
		return special(TLSInit, "TLS init function for ", p.name())
	case "TW":
		return special(TLSWrapper, "TLS wrapper function for ", p.name())
	case "TC":
		complete := p.type_()
		p.number()
		p.expect('_')
		base := p.type_()
		if p.err != nil {
			return nil
		}
		return &CtorVtable{Complete: complete, Base: base}
	case "GV":
		return special(GuardVariable, "guard variable for ", p.name())
	case "GR":
		n := p.name()
		idx := 0
		if p.peek() != '_' {
			v := 0
			for isDigit(p.peek()) || isUpper(p.peek()) {
				d := p.peek()
				if isDigit(d) {
					v = v*36 + int(d-'0')
				} else {
					v = v*36 + int(d-'A') + 10
				}
				p.pos++
			}
			idx = v + 1
		}
		p.expect('_')
		return special(ReferenceTemporary, "reference temporary #"+strconv.Itoa(idx)+" for ", n)
	case "GT":
		switch p.peek() {
		case 't':
			p.pos++
			return special(TransactionClone, "transaction clone for ", nested())
		case 'n':
			p.pos++
			return special(TransactionClone, "non-transaction clone for ", nested())
		}
	case "GA":
		return special(NotSpecial, "hidden alias for ", nested())
	}
	p.pos -= 2
	p.fail("unknown special name %q", code)
	return nil
}

// callOffset parses h <number> _ or v <number> _ <number> _. kind
// restricts the accepted form, 0 accepts both.
func (p *parser) callOffset(kind byte) {
	c := p.peek()
	if kind != 0 && c != kind {
		p.fail("expected call offset %q", kind)
		return
	}
	switch c {
	case 'h':
		p.pos++
		p.number()
		p.expect('_')
	case 'v':
		p.pos++
		p.number()
		p.expect('_')
		p.number()
		p.expect('_')
	default:
		p.fail("bad call offset %q", c)
	}
}
