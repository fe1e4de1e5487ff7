package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// LinkerScript is the text of a GNU ld linker script.
type LinkerScript struct {
	Name   string
	Source string
}

// LoadLinkerScripts reads the linker scripts at paths and returns the
// memory regions declared by their MEMORY commands, see
// ParseLinkerScripts.
func LoadLinkerScripts(paths []string, defines map[string]uint64) ([]MemoryRegion, error) {
	scripts := make([]LinkerScript, 0, len(paths))
	for _, path := range paths {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "could not read linker script")
		}
		scripts = append(scripts, LinkerScript{Name: path, Source: string(buf)})
	}
	return ParseLinkerScripts(scripts, defines)
}

// ParseLinkerScripts evaluates the MEMORY commands of scripts, in order.
//
// ORIGIN and LENGTH are expressions over numbers with K, M or G
// multipliers, C operators, the functions ORIGIN, LENGTH, DEFINED,
// ABSOLUTE, ALIGN, MIN and MAX, and symbols assigned outside of any
// command block in one of the scripts. Lines starting with # are skipped
// so that scripts written for the C preprocessor can be read as they are,
// with defines giving the values of the macros they use. A define takes
// precedence over an assignment in the scripts.
//
// A region declared twice keeps its first position and its last value.
func ParseLinkerScripts(scripts []LinkerScript, defines map[string]uint64) ([]MemoryRegion, error) {
	ls := &ldState{defines: defines, symbols: map[string]*ldSymbol{}, index: map[string]int{}}
	toks := make([][]ldToken, len(scripts))
	for i, s := range scripts {
		var err error
		toks[i], err = lexLinkerScript(s.Source)
		if err != nil {
			return nil, errors.WithMessage(err, s.Name)
		}
		ls.collectAssignments(s.Name, toks[i])
	}

	found := false
	for i, s := range scripts {
		ok, err := ls.memory(toks[i])
		if err != nil {
			return nil, errors.WithMessage(err, s.Name)
		}
		found = found || ok
	}
	if !found {
		return nil, errors.New("no MEMORY command in linker scripts")
	}
	return ls.regions, nil
}

// ParseDefine parses a linker script symbol definition of the form
// NAME=VALUE, VALUE is read by ParseSize.
func ParseDefine(in string) (string, uint64, error) {
	i := strings.IndexByte(in, '=')
	if i < 0 || strings.TrimSpace(in[:i]) == "" {
		return "", 0, errors.Errorf("malformed definition %q: expected NAME=VALUE", in)
	}
	name := strings.TrimSpace(in[:i])
	v, err := ParseSize(strings.TrimSpace(in[i+1:]))
	if err != nil {
		return "", 0, errors.Wrapf(err, "definition of %s", name)
	}
	return name, v, nil
}

type ldTokenKind uint8

const (
	ldEOF ldTokenKind = iota
	ldIdent
	ldNumber
	ldString
	ldPunct
)

type ldToken struct {
	kind ldTokenKind
	text string
	line int
}

func (t ldToken) is(punct string) bool { return t.kind == ldPunct && t.text == punct }

var ldOperators = []string{"<<=", ">>=", "<<", ">>", "==", "!=", "<=", ">=", "&&", "||", "+=", "-=", "*=", "/=", "&=", "|="}

func isLdIdentStart(c byte) bool {
	return c == '_' || c == '.' || c == '$' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}

func isLdIdentChar(c byte) bool { return isLdIdentStart(c) || '0' <= c && c <= '9' }

func lexLinkerScript(src string) ([]ldToken, error) {
	var toks []ldToken
	line, lineStart := 1, true
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '\n':
			line++
			lineStart = true
			i++
			continue
		case c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v':
			i++
			continue
		case c == '#' && lineStart:
			for i < len(src) && src[i] != '\n' {
				i++
			}
			continue
		case strings.HasPrefix(src[i:], "/*"):
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, errors.Errorf("line %d: unterminated comment", line)
			}
			line += strings.Count(src[i:i+2+end], "\n")
			i += end + 4
			continue
		case strings.HasPrefix(src[i:], "//"):
			for i < len(src) && src[i] != '\n' {
				i++
			}
			continue
		}

		lineStart = false
		start := i
		switch {
		case c == '"':
			end := strings.IndexAny(src[i+1:], "\"\n")
			if end < 0 || src[i+1+end] != '"' {
				return nil, errors.Errorf("line %d: unterminated string", line)
			}
			toks = append(toks, ldToken{ldString, src[i+1 : i+1+end], line})
			i += end + 2
		case '0' <= c && c <= '9':
			for i < len(src) && isLdIdentChar(src[i]) {
				i++
			}
			toks = append(toks, ldToken{ldNumber, src[start:i], line})
		case isLdIdentStart(c):
			for i < len(src) && isLdIdentChar(src[i]) {
				i++
			}
			toks = append(toks, ldToken{ldIdent, src[start:i], line})
		default:
			op := src[i : i+1]
			for _, o := range ldOperators {
				if strings.HasPrefix(src[i:], o) {
					op = o
					break
				}
			}
			i += len(op)
			toks = append(toks, ldToken{ldPunct, op, line})
		}
	}
	return append(toks, ldToken{kind: ldEOF, line: line}), nil
}

type ldSymbol struct {
	script    string
	expr      []ldToken
	provide   bool
	resolving bool
	resolved  bool
	value     uint64
	// prev is the assignment this one replaced. It gives the value of
	// the symbol inside its own expression.
	prev *ldSymbol
}

type ldState struct {
	defines map[string]uint64
	symbols map[string]*ldSymbol
	regions []MemoryRegion
	index   map[string]int
}

// collectAssignments records "sym = expr;" and "PROVIDE(sym = expr);"
// statements found outside of command blocks. Assignments inside SECTIONS
// depend on the location counter and are not evaluated.
func (ls *ldState) collectAssignments(script string, toks []ldToken) {
	depth := 0
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.is("{"):
			depth++
		case t.is("}"):
			if depth > 0 {
				depth--
			}
		case depth > 0 || t.kind != ldIdent:
		case toks[i+1].is("="):
			end := ldStatementEnd(toks, i+2, ";")
			ls.assign(script, t, toks[i+2:end], false)
			i = end - 1
		case (t.text == "PROVIDE" || t.text == "PROVIDE_HIDDEN") && toks[i+1].is("(") && toks[i+2].kind == ldIdent && toks[i+3].is("="):
			end := ldStatementEnd(toks, i+4, ")")
			ls.assign(script, toks[i+2], toks[i+4:end], true)
			i = end - 1
		}
	}
}

// ldStatementEnd returns the index of the first term token outside of
// parentheses, or of the brace or end of script that cuts the statement
// short.
func ldStatementEnd(toks []ldToken, from int, term string) int {
	depth := 0
	for i := from; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.kind == ldEOF, t.is("{"), t.is("}"):
			return i
		case depth == 0 && t.is(term):
			return i
		case t.is("("):
			depth++
		case t.is(")"):
			depth--
		}
	}
	return len(toks) - 1
}

func (ls *ldState) assign(script string, name ldToken, expr []ldToken, provide bool) {
	if prev, ok := ls.symbols[name.text]; ok && provide && !prev.provide {
		return
	}
	e := make([]ldToken, len(expr), len(expr)+1)
	copy(e, expr)
	e = append(e, ldToken{kind: ldEOF, line: name.line})
	ls.symbols[name.text] = &ldSymbol{script: script, expr: e, provide: provide, prev: ls.symbols[name.text]}
}

// lookup returns the assignment of name visible from the expression being
// evaluated: an assignment under evaluation only sees the ones before it.
func (ls *ldState) lookup(name string) (sym *ldSymbol, self bool) {
	sym = ls.symbols[name]
	for sym != nil && sym.resolving {
		sym, self = sym.prev, true
	}
	return sym, self
}

func (ls *ldState) defined(name string) bool {
	if _, ok := ls.defines[name]; ok {
		return true
	}
	sym, _ := ls.lookup(name)
	return sym != nil
}

func (ls *ldState) symbol(t ldToken) (uint64, error) {
	if v, ok := ls.defines[t.text]; ok {
		return v, nil
	}
	sym, self := ls.lookup(t.text)
	switch {
	case sym == nil && self:
		return 0, errors.Errorf("line %d: symbol %s depends on itself", t.line, t.text)
	case sym == nil:
		return 0, errors.Errorf("line %d: undefined symbol %s", t.line, t.text)
	case sym.resolved:
		return sym.value, nil
	}
	sym.resolving = true
	defer func() { sym.resolving = false }()

	p := &ldParser{ls: ls, toks: sym.expr}
	v, err := p.expr(true)
	if err == nil {
		if t := p.next(); t.kind != ldEOF {
			err = p.unexpected(t, ";")
		}
	}
	if err != nil {
		return 0, errors.WithMessagef(err, "%s: symbol %s", sym.script, t.text)
	}
	sym.value, sym.resolved = v, true
	return v, nil
}

func (ls *ldState) declare(r MemoryRegion) {
	if i, ok := ls.index[r.Name]; ok {
		ls.regions[i] = r
		return
	}
	ls.index[r.Name] = len(ls.regions)
	ls.regions = append(ls.regions, r)
}

// memory declares the regions of the MEMORY commands in toks and reports
// whether there was one.
func (ls *ldState) memory(toks []ldToken) (bool, error) {
	found := false
	depth := 0
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.is("{"):
			depth++
		case t.is("}"):
			if depth > 0 {
				depth--
			}
		case depth == 0 && t.kind == ldIdent && t.text == "MEMORY" && toks[i+1].is("{"):
			p := &ldParser{ls: ls, toks: toks, pos: i + 2}
			if err := p.memoryBlock(); err != nil {
				return found, err
			}
			found = true
			i = p.pos - 1
		}
	}
	return found, nil
}

type ldParser struct {
	ls   *ldState
	toks []ldToken
	pos  int
}

func (p *ldParser) peek() ldToken { return p.toks[p.pos] }

func (p *ldParser) next() ldToken {
	t := p.toks[p.pos]
	if t.kind != ldEOF {
		p.pos++
	}
	return t
}

func (p *ldParser) expect(punct string) error {
	if t := p.next(); !t.is(punct) {
		return p.unexpected(t, punct)
	}
	return nil
}

func (p *ldParser) unexpected(t ldToken, want string) error {
	if t.kind == ldEOF {
		return errors.Errorf("line %d: unexpected end of script, expected %s", t.line, want)
	}
	return errors.Errorf("line %d: unexpected %q, expected %s", t.line, t.text, want)
}

// memoryBlock parses region declarations up to the closing brace:
//
//	NAME [(ATTRIBUTES)] : ORIGIN = expr, LENGTH = expr
func (p *ldParser) memoryBlock() error {
	for {
		t := p.next()
		switch {
		case t.is("}"):
			return nil
		case t.kind != ldIdent:
			return p.unexpected(t, "memory region")
		}

		r := MemoryRegion{Name: t.text}
		if p.peek().is("(") {
			p.next()
			var attrs strings.Builder
			for !p.peek().is(")") {
				a := p.next()
				if a.kind == ldEOF || a.is("}") || a.is(":") {
					return p.unexpected(a, ")")
				}
				attrs.WriteString(a.text)
			}
			p.next()
			r.Attributes = attrs.String()
		}
		if err := p.expect(":"); err != nil {
			return err
		}
		var err error
		if r.Origin, err = p.memoryAttr(t, "ORIGIN", "org", "o"); err != nil {
			return err
		}
		if err := p.expect(","); err != nil {
			return err
		}
		if r.Length, err = p.memoryAttr(t, "LENGTH", "len", "l"); err != nil {
			return err
		}
		if p.peek().is(",") {
			p.next()
		}
		if r.Origin+r.Length < r.Origin {
			return errors.Errorf("line %d: region %s wraps around the address space", t.line, r.Name)
		}
		p.ls.declare(r)
	}
}

func (p *ldParser) memoryAttr(region ldToken, keywords ...string) (uint64, error) {
	t := p.next()
	ok := false
	for _, kw := range keywords {
		ok = ok || t.kind == ldIdent && strings.EqualFold(t.text, kw)
	}
	if !ok {
		return 0, p.unexpected(t, keywords[0])
	}
	if err := p.expect("="); err != nil {
		return 0, err
	}
	v, err := p.expr(true)
	return v, errors.WithMessagef(err, "region %s", region.text)
}

var ldPrecedence = map[string]int{
	"||": 1,
	"&&": 2,
	"|":  3,
	"&":  4,
	"==": 5, "!=": 5,
	"<": 6, ">": 6, "<=": 6, ">=": 6,
	"<<": 7, ">>": 7,
	"+": 8, "-": 8,
	"*": 9, "/": 9, "%": 9,
}

// expr parses a conditional expression. With eval unset the expression is
// only parsed, the branch of a conditional that is not taken may use
// undefined symbols.
func (p *ldParser) expr(eval bool) (uint64, error) {
	cond, err := p.binary(1, eval)
	if err != nil || !p.peek().is("?") {
		return cond, err
	}
	p.next()
	a, err := p.expr(eval && cond != 0)
	if err != nil {
		return 0, err
	}
	if err := p.expect(":"); err != nil {
		return 0, err
	}
	b, err := p.expr(eval && cond == 0)
	if err != nil {
		return 0, err
	}
	if cond != 0 {
		return a, nil
	}
	return b, nil
}

func (p *ldParser) binary(minPrec int, eval bool) (uint64, error) {
	lhs, err := p.unary(eval)
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		prec, ok := ldPrecedence[op.text]
		if op.kind != ldPunct || !ok || prec < minPrec {
			return lhs, nil
		}
		p.next()
		rhsEval := eval
		switch op.text {
		case "&&":
			rhsEval = eval && lhs != 0
		case "||":
			rhsEval = eval && lhs == 0
		}
		rhs, err := p.binary(prec+1, rhsEval)
		if err != nil {
			return 0, err
		}
		if !eval {
			continue
		}
		if lhs, err = ldApply(op, lhs, rhs); err != nil {
			return 0, err
		}
	}
}

func ldApply(op ldToken, a, b uint64) (uint64, error) {
	switch op.text {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/", "%":
		if b == 0 {
			return 0, errors.Errorf("line %d: division by zero", op.line)
		}
		if op.text == "/" {
			return a / b, nil
		}
		return a % b, nil
	case "<<":
		return a << b, nil
	case ">>":
		return a >> b, nil
	case "&":
		return a & b, nil
	case "|":
		return a | b, nil
	case "&&":
		return ldBool(a != 0 && b != 0), nil
	case "||":
		return ldBool(a != 0 || b != 0), nil
	case "==":
		return ldBool(a == b), nil
	case "!=":
		return ldBool(a != b), nil
	case "<":
		return ldBool(a < b), nil
	case ">":
		return ldBool(a > b), nil
	case "<=":
		return ldBool(a <= b), nil
	}
	return ldBool(a >= b), nil
}

func ldBool(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (p *ldParser) unary(eval bool) (uint64, error) {
	t := p.peek()
	if !(t.is("-") || t.is("+") || t.is("~") || t.is("!")) {
		return p.primary(eval)
	}
	p.next()
	v, err := p.unary(eval)
	if err != nil {
		return 0, err
	}
	switch t.text {
	case "-":
		return -v, nil
	case "~":
		return ^v, nil
	case "!":
		return ldBool(v == 0), nil
	}
	return v, nil
}

func (p *ldParser) primary(eval bool) (uint64, error) {
	t := p.next()
	switch {
	case t.kind == ldNumber:
		v, err := ParseSize(t.text)
		if err != nil {
			return 0, errors.Errorf("line %d: %v", t.line, err)
		}
		return v, nil
	case t.is("("):
		v, err := p.expr(eval)
		if err != nil {
			return 0, err
		}
		return v, p.expect(")")
	case t.kind == ldIdent && p.peek().is("("):
		return p.call(t, eval)
	case t.kind == ldIdent:
		if !eval {
			return 0, nil
		}
		return p.ls.symbol(t)
	}
	return 0, p.unexpected(t, "expression")
}

func (p *ldParser) call(fn ldToken, eval bool) (uint64, error) {
	p.next()
	switch fn.text {
	case "ORIGIN", "LENGTH", "DEFINED":
		arg := p.next()
		if arg.kind != ldIdent {
			return 0, p.unexpected(arg, "name")
		}
		if err := p.expect(")"); err != nil {
			return 0, err
		}
		if !eval {
			return 0, nil
		}
		if fn.text == "DEFINED" {
			return ldBool(p.ls.defined(arg.text)), nil
		}
		i, ok := p.ls.index[arg.text]
		if !ok {
			return 0, errors.Errorf("line %d: %s of undeclared memory region %s", fn.line, fn.text, arg.text)
		}
		if fn.text == "ORIGIN" {
			return p.ls.regions[i].Origin, nil
		}
		return p.ls.regions[i].Length, nil
	case "ABSOLUTE", "ALIGN", "MIN", "MAX":
	default:
		return 0, errors.Errorf("line %d: unsupported function %s", fn.line, fn.text)
	}

	var args []uint64
	for {
		v, err := p.expr(eval)
		if err != nil {
			return 0, err
		}
		args = append(args, v)
		if !p.peek().is(",") {
			break
		}
		p.next()
	}
	if err := p.expect(")"); err != nil {
		return 0, err
	}
	want := 2
	if fn.text == "ABSOLUTE" {
		want = 1
	}
	if len(args) != want {
		return 0, errors.Errorf("line %d: %s takes %d arguments", fn.line, fn.text, want)
	}

	switch fn.text {
	case "ABSOLUTE":
		return args[0], nil
	case "ALIGN":
		if args[1] == 0 {
			return args[0], nil
		}
		return (args[0] + args[1] - 1) / args[1] * args[1], nil
	case "MIN":
		if args[1] < args[0] {
			return args[1], nil
		}
		return args[0], nil
	}
	if args[1] > args[0] {
		return args[1], nil
	}
	return args[0], nil
}
