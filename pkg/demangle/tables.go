package demangle

// builtinTypes maps single letter builtin type codes to their names.
var builtinTypes = map[byte]string{
	'v': "void",
	'w': "wchar_t",
	'b': "bool",
	'c': "char",
	'a': "signed char",
	'h': "unsigned char",
	's': "short",
	't': "unsigned short",
	'i': "int",
	'j': "unsigned int",
	'l': "long",
	'm': "unsigned long",
	'x': "long long",
	'y': "unsigned long long",
	'n': "__int128",
	'o': "unsigned __int128",
	'f': "float",
	'd': "double",
	'e': "long double",
	'g': "__float128",
	'z': "...",
}

// dBuiltinTypes are the D<letter> builtin types.
var dBuiltinTypes = map[byte]string{
	'd': "decimal64",
	'e': "decimal128",
	'f': "decimal32",
	'h': "half",
	'i': "char32_t",
	's': "char16_t",
	'u': "char8_t",
	'a': "auto",
	'c': "decltype(auto)",
	'n': "decltype(nullptr)",
}

type operatorInfo struct {
	name string
	args int
}

// operators maps the two letter operator codes to their spelling and
// arity. Codes not present here (cv, li, v<digit>) are handled by the
// parser.
var operators = map[string]operatorInfo{
	"nw": {"new", 3},
	"na": {"new[]", 3},
	"dl": {"delete", 1},
	"da": {"delete[]", 1},
	"ps": {"+", 1},
	"ng": {"-", 1},
	"ad": {"&", 1},
	"de": {"*", 1},
	"co": {"~", 1},
	"pl": {"+", 2},
	"mi": {"-", 2},
	"ml": {"*", 2},
	"dv": {"/", 2},
	"rm": {"%", 2},
	"an": {"&", 2},
	"or": {"|", 2},
	"eo": {"^", 2},
	"aS": {"=", 2},
	"pL": {"+=", 2},
	"mI": {"-=", 2},
	"mL": {"*=", 2},
	"dV": {"/=", 2},
	"rM": {"%=", 2},
	"aN": {"&=", 2},
	"oR": {"|=", 2},
	"eO": {"^=", 2},
	"ls": {"<<", 2},
	"rs": {">>", 2},
	"lS": {"<<=", 2},
	"rS": {">>=", 2},
	"eq": {"==", 2},
	"ne": {"!=", 2},
	"lt": {"<", 2},
	"gt": {">", 2},
	"le": {"<=", 2},
	"ge": {">=", 2},
	"ss": {"<=>", 2},
	"nt": {"!", 1},
	"aa": {"&&", 2},
	"oo": {"||", 2},
	"pp": {"++", 1},
	"mm": {"--", 1},
	"cm": {",", 2},
	"pm": {"->*", 2},
	"pt": {"->", 2},
	"cl": {"()", 2},
	"ix": {"[]", 2},
	"qu": {"?", 3},
	"st": {"sizeof ", 1},
	"sz": {"sizeof ", 1},
	"at": {"alignof ", 1},
	"az": {"alignof ", 1},
	"aw": {"co_await", 1},
}

// stdNames are the standard substitutions other than St.
var stdNames = map[byte]StdName{
	'a': {Simple: "std::allocator", Full: "std::allocator", Last: "allocator"},
	'b': {Simple: "std::basic_string", Full: "std::basic_string", Last: "basic_string"},
	's': {
		Simple: "std::string",
		Full:   "std::basic_string<char, std::char_traits<char>, std::allocator<char> >",
		Last:   "basic_string",
	},
	'i': {
		Simple: "std::istream",
		Full:   "std::basic_istream<char, std::char_traits<char> >",
		Last:   "basic_istream",
	},
	'o': {
		Simple: "std::ostream",
		Full:   "std::basic_ostream<char, std::char_traits<char> >",
		Last:   "basic_ostream",
	},
	'd': {
		Simple: "std::iostream",
		Full:   "std::basic_iostream<char, std::char_traits<char> >",
		Last:   "basic_iostream",
	},
}

// SpecialKind identifies special names: entities generated by the
// compiler rather than declared in the source.
type SpecialKind uint8

const (
	NotSpecial SpecialKind = iota
	VTable
	VTT
	TypeInfo
	TypeInfoName
	NonVirtualThunk
	VirtualThunk
	CovariantThunk
	GuardVariable
	ReferenceTemporary
	TLSInit
	TLSWrapper
	TransactionClone
	ConstructionVTable
)

var specialKindNames = [...]string{
	NotSpecial:         "",
	VTable:             "vtable",
	VTT:                "vtt",
	TypeInfo:           "typeinfo",
	TypeInfoName:       "typeinfo-name",
	NonVirtualThunk:    "non-virtual-thunk",
	VirtualThunk:       "virtual-thunk",
	CovariantThunk:     "covariant-thunk",
	GuardVariable:      "guard-variable",
	ReferenceTemporary: "reference-temporary",
	TLSInit:            "tls-init",
	TLSWrapper:         "tls-wrapper",
	TransactionClone:   "transaction-clone",
	ConstructionVTable: "construction-vtable",
}

func (k SpecialKind) String() string {
	if int(k) < len(specialKindNames) {
		return specialKindNames[k]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k SpecialKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }
