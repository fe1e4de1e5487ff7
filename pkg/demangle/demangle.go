// Package demangle decodes C++ symbol names mangled according to the
// Itanium C++ ABI into structured signatures and c++filt style text.
package demangle

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/membrowse/membrowse-action/pkg/logflags"
)

var (
	// ErrNotMangled is returned by Parse for names without the _Z prefix.
	ErrNotMangled = errors.New("not a mangled name")
	// ErrUnparsable is returned by Parse when the name does not follow the
	// mangling grammar.
	ErrUnparsable = errors.New("unparsable mangled name")
)

// SpecialMember tells constructors and destructors apart from other
// entities.
type SpecialMember uint8

const (
	PlainMember SpecialMember = iota
	ConstructorMember
	DestructorMember
)

func (m SpecialMember) String() string {
	switch m {
	case ConstructorMember:
		return "constructor"
	case DestructorMember:
		return "destructor"
	}
	return ""
}

// MarshalText implements encoding.TextMarshaler.
func (m SpecialMember) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// ArgKind is the kind of a template argument.
type ArgKind uint8

const (
	TypeArg ArgKind = iota
	LiteralArg
)

func (k ArgKind) String() string {
	if k == LiteralArg {
		return "literal"
	}
	return "type"
}

// MarshalText implements encoding.TextMarshaler.
func (k ArgKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// TemplateArg is a template argument of the demangled entity.
type TemplateArg struct {
	Kind ArgKind `json:"kind" yaml:"kind"`
	Text string  `json:"text" yaml:"text"`
}

// Signature is the structured form of a demangled name.
type Signature struct {
	// Raw is the name as found in the symbol table.
	Raw string `json:"-" yaml:"-"`
	// Mangled is false for names that do not start with _Z.
	Mangled bool `json:"mangled" yaml:"mangled"`
	// Unparsed is set when Raw looked mangled but could not be decoded,
	// Display is then Raw.
	Unparsed bool `json:"unparsed,omitempty" yaml:"unparsed,omitempty"`

	// Scope is the namespace and class path, outermost first.
	Scope        []string      `json:"scope,omitempty" yaml:"scope,omitempty"`
	BaseName     string        `json:"base_name" yaml:"base_name"`
	TemplateArgs []TemplateArg `json:"template_args,omitempty" yaml:"template_args,omitempty"`
	// IsFunction is set for function encodings, Params is then the
	// parameter list (empty for f(void)).
	IsFunction   bool          `json:"is_function,omitempty" yaml:"is_function,omitempty"`
	Params       []string      `json:"params,omitempty" yaml:"params,omitempty"`
	ReturnType   string        `json:"return_type,omitempty" yaml:"return_type,omitempty"`
	Const        bool          `json:"const,omitempty" yaml:"const,omitempty"`
	Volatile     bool          `json:"volatile,omitempty" yaml:"volatile,omitempty"`
	RefQualifier string        `json:"ref_qualifier,omitempty" yaml:"ref_qualifier,omitempty"`
	Static       bool          `json:"static,omitempty" yaml:"static,omitempty"`
	Member       SpecialMember `json:"member,omitempty" yaml:"member,omitempty"`
	Special      SpecialKind   `json:"special,omitempty" yaml:"special,omitempty"`
	Clones       []string      `json:"clones,omitempty" yaml:"clones,omitempty"`

	Display string `json:"display" yaml:"display"`
}

// QualifiedName returns the scope and base name joined with "::",
// without template arguments of the entity itself or its signature.
func (s *Signature) QualifiedName() string {
	if len(s.Scope) == 0 {
		return s.BaseName
	}
	return strings.Join(s.Scope, "::") + "::" + s.BaseName
}

// IsMangled reports whether name carries the Itanium mangling prefix.
func IsMangled(name string) bool {
	return strings.HasPrefix(name, "_Z")
}

// Parse decodes name into its AST.
func Parse(name string) (Node, error) {
	n, _, _, err := parse(name)
	return n, err
}

func parse(name string) (Node, *parser, string, error) {
	if !IsMangled(name) {
		return nil, nil, "", errors.Wrapf(ErrNotMangled, "%q", name)
	}
	p := newParser(name)
	n := p.mangledName()
	if p.err != nil {
		return nil, p, "", p.err
	}
	text, ok := toString(n)
	if !ok {
		return nil, p, "", errors.Wrap(ErrUnparsable, "demangled name too long")
	}
	return n, p, text, nil
}

// Demangle decodes name. It never fails: names that are not mangled and
// names that cannot be decoded are returned as is, see Signature.Mangled
// and Signature.Unparsed.
func Demangle(name string) Signature {
	if !IsMangled(name) {
		return Signature{Raw: name, BaseName: name, Display: name}
	}
	n, p, text, err := parse(name)
	if err != nil {
		logflags.DemangleLogger().Debugf("%s: %v", name, err)
		return Signature{Raw: name, Mangled: true, Unparsed: true, BaseName: name, Display: name}
	}
	sig := signatureOf(n)
	sig.Raw = name
	sig.Mangled = true
	sig.Static = p.static
	sig.Display = text
	return sig
}

func signatureOf(n Node) Signature {
	var sig Signature
	if c, ok := n.(*Clone); ok {
		sig.Clones = c.Suffixes
		n = c.Base
	}
	switch sp := n.(type) {
	case *Special:
		sig.Special = sp.Kind
		n = sp.Target
	case *CtorVtable:
		sig.Special = ConstructionVTable
		n = sp.Complete
	}

	name := n
	if fn, ok := n.(*Function); ok {
		sig.IsFunction = true
		name = fn.Name
		sig.Params = make([]string, 0, len(fn.Params))
		for _, param := range fn.Params {
			sig.Params = append(sig.Params, expandedStrings(param)...)
		}
		if fn.Return != nil {
			sig.ReturnType = fn.Return.String()
		}
		sig.Const, sig.Volatile, sig.RefQualifier = fn.Const, fn.Volatile, fn.RefQual
	}

	scope, base, args := split(name)
	sig.Scope = scope
	for _, arg := range args {
		sig.TemplateArgs = append(sig.TemplateArgs, templateArgs(arg)...)
	}
	switch stripTags(base).(type) {
	case *Constructor:
		sig.Member = ConstructorMember
	case *Destructor:
		sig.Member = DestructorMember
	}
	if base != nil {
		sig.BaseName = base.String()
	}
	return sig
}

func stripTags(n Node) Node {
	for {
		t, ok := n.(*ABITag)
		if !ok {
			return n
		}
		n = t.Name
	}
}

// split separates a name into its scope components, its unqualified base
// name and the template arguments applied to the whole name.
func split(n Node) (scope []string, base Node, args []Node) {
	switch n := n.(type) {
	case *Template:
		scope, base, _ = split(n.Name)
		return scope, base, n.Args
	case *Qualified:
		return components(n.Scope), n.Name, nil
	case *StdName:
		c := components(n)
		return c[:len(c)-1], &Name{Name: c[len(c)-1]}, nil
	}
	return nil, n, nil
}

func components(n Node) []string {
	switch n := n.(type) {
	case *Qualified:
		return append(components(n.Scope), components(n.Name)...)
	case *Template:
		c := components(n.Name)
		var p printer
		printTemplateArgs(&p, n.Args)
		c[len(c)-1] += p.buf.String()
		return c
	case *StdName:
		text := n.Simple
		if n.Verbose {
			text = n.Full
		}
		return []string{"std", strings.TrimPrefix(text, "std::")}
	case nil:
		return nil
	}
	return []string{n.String()}
}

// expandedStrings returns the text of a parameter, one entry per element
// for expanded packs.
func expandedStrings(n Node) []string {
	if pe, ok := n.(*PackExpansion); ok {
		if pack, ok := unwrap(pe.Base).(*ArgPack); ok {
			r := make([]string, 0, len(pack.Args))
			for _, a := range pack.Args {
				r = append(r, a.String())
			}
			return r
		}
	}
	return []string{n.String()}
}

func templateArgs(n Node) []TemplateArg {
	switch n := unwrap(n).(type) {
	case *ArgPack:
		var r []TemplateArg
		for _, a := range n.Args {
			r = append(r, templateArgs(a)...)
		}
		return r
	case *Literal, *Binary, *Unary, *Cast, *SizeofType, *FunctionParam, *Function:
		return []TemplateArg{{Kind: LiteralArg, Text: n.String()}}
	default:
		return []TemplateArg{{Kind: TypeArg, Text: n.String()}}
	}
}
