package demangle

import (
	"errors"
	"strings"
	"sync"
	"testing"

	ild "github.com/ianlancetaylor/demangle"
)

var displayTests = []struct {
	in, out string
}{
	{"_ZN8Hardware11Peripherals4UART4initEv", "Hardware::Peripherals::UART::init()"},
	{"_ZN8Hardware11Peripherals4UART8transmitEPKcj", "Hardware::Peripherals::UART::transmit(char const*, unsigned int)"},
	{"_ZN4Math8multiplyIiEET_S1_S1_", "int Math::multiply<int>(int, int)"},
	{"_ZN8Hardware11Peripherals6BufferIhLj256EE5writeEjh", "Hardware::Peripherals::Buffer<unsigned char, 256u>::write(unsigned int, unsigned char)"},
	{"_ZL14global_counter", "global_counter"},
	{"_ZN4Math3addEii", "Math::add(int, int)"},
	{"_ZN4Math3addEff", "Math::add(float, float)"},
	{"_Z3maxIiET_S0_S0_", "int max<int>(int, int)"},
	{"_ZN6SensorC2Ev", "Sensor::Sensor()"},
	{"_ZN6SensorD1Ev", "Sensor::~Sensor()"},
	{"_ZNK6Sensor4readEv", "Sensor::read() const"},
	{"_ZTV6Sensor", "vtable for Sensor"},
	{"_ZTI6Sensor", "typeinfo for Sensor"},
	{"_ZTS6Sensor", "typeinfo name for Sensor"},
	{"_ZGVZ4mainE1x", "guard variable for main::x"},
	{"_ZZ4mainE1x", "main::x"},
	{"_ZN12_GLOBAL__N_16helperEv", "(anonymous namespace)::helper()"},
	{"_Z1fPFviE", "f(void (*)(int))"},
	{"_Z1fRA3_i", "f(int (&) [3])"},
	{"_ZN1AplERKS_", "A::operator+(A const&)"},
	{"_Z5printIJidEEvDpT_", "void print<int, double>(int, double)"},
	{"_Z1fM1AFviE", "f(void (A::*)(int))"},
	{"_Z1fM1AKFvvE", "f(void (A::*)() const)"},
	{"_ZN9__gnu_cxx13new_allocatorIcE8allocateEmPKv", "__gnu_cxx::new_allocator<char>::allocate(unsigned long, void const*)"},
	{"_ZplRK7ComplexS1_", "operator+(Complex const&, Complex const&)"},
	{"_ZN3FooC1ERKS_", "Foo::Foo(Foo const&)"},
	{"_ZThn8_N1B1fEv", "non-virtual thunk to B::f()"},
	{"_Z1fILb1EEvv", "void f<true>()"},
	{"_Z1fILin5EEvv", "void f<-5>()"},
	{"_Z1fIcLc65EEvv", "void f<char, (char)65>()"},
	{"_ZN1A1fB5cxx11Ev", "A::f[abi:cxx11]()"},
	{"_ZNSt6vectorIiSaIiEE9push_backERKi", "std::vector<int, std::allocator<int> >::push_back(int const&)"},
	{"_ZNKSt6vectorIiSaIiEE4sizeEv", "std::vector<int, std::allocator<int> >::size() const"},
	{"_ZSt4cout", "std::cout"},
	{"_Z1fPKPKc", "f(char const* const*)"},
	{"_ZN1AcviEv", "A::operator int()"},
	{"_ZdlPv", "operator delete(void*)"},
	{"_Znwm", "operator new(unsigned long)"},
	{"_ZNSt3mapIiSt6vectorIiSaIiEESt4lessIiESaISt4pairIKiS2_EEEixERS6_", "std::map<int, std::vector<int, std::allocator<int> >, std::less<int>, std::allocator<std::pair<int const, std::vector<int, std::allocator<int> > > > >::operator[](int const&)"},
}

// Outputs that differ from other demanglers in minor ways, checked
// against c++filt only.
var extraDisplayTests = []struct {
	in, out string
}{
	{"_Z1fIiEvT_.constprop.0", "void f<int>(int) [clone .constprop.0]"},
	{"_Z4initv.part.0.isra.0", "init() [clone .part.0] [clone .isra.0]"},
	{"_ZNSsC1Ev", "std::basic_string<char, std::char_traits<char>, std::allocator<char> >::basic_string()"},
	{"_ZNSs2atEm", "std::basic_string<char, std::char_traits<char>, std::allocator<char> >::at(unsigned long)"},
	{"_ZNSolsEi", "std::basic_ostream<char, std::char_traits<char> >::operator<<(int)"},
	{"_ZTv0_n24_N1V1fEv", "virtual thunk to V::f()"},
	{"_ZThn16_N6Sensor4readEv", "non-virtual thunk to Sensor::read()"},
	{"_ZZ4mainENKUlvE_clEv", "main::{lambda()#1}::operator()() const"},
	{"_ZGVZN4Math3getEvE5cache", "guard variable for Math::get()::cache"},
	{"_ZGR1x_", "reference temporary #0 for x"},
	{"_ZTW5state", "TLS wrapper function for state"},
}

func TestDemangleDisplay(t *testing.T) {
	for _, tc := range append(displayTests, extraDisplayTests...) {
		sig := Demangle(tc.in)
		if sig.Unparsed {
			t.Errorf("%s: not parsed", tc.in)
			if _, err := Parse(tc.in); err != nil {
				t.Logf("\t%v", err)
			}
			continue
		}
		if !sig.Mangled {
			t.Errorf("%s: not reported as mangled", tc.in)
		}
		if sig.Display != tc.out {
			t.Errorf("%s:\n\tgot  %q\n\twant %q", tc.in, sig.Display, tc.out)
		}
	}
}

func TestDemangleMatchesReference(t *testing.T) {
	for _, tc := range displayTests {
		want, err := ild.ToString(tc.in)
		if err != nil {
			t.Fatalf("reference demangler rejected %s: %v", tc.in, err)
		}
		if got := Demangle(tc.in).Display; got != want {
			t.Errorf("%s:\n\tgot       %q\n\treference %q", tc.in, got, want)
		}
	}
}

func TestSignatureFields(t *testing.T) {
	sig := Demangle("_ZN8Hardware11Peripherals6BufferIhLj256EE5writeEjh")
	if got := strings.Join(sig.Scope, "|"); got != "Hardware|Peripherals|Buffer<unsigned char, 256u>" {
		t.Errorf("scope %q", got)
	}
	if sig.BaseName != "write" || !sig.IsFunction {
		t.Errorf("base name %q function %v", sig.BaseName, sig.IsFunction)
	}
	if got := strings.Join(sig.Params, "|"); got != "unsigned int|unsigned char" {
		t.Errorf("params %q", got)
	}
	if sig.ReturnType != "" || len(sig.TemplateArgs) != 0 {
		t.Errorf("unexpected return type %q or template args %v", sig.ReturnType, sig.TemplateArgs)
	}

	sig = Demangle("_ZN4Math8multiplyIiEET_S1_S1_")
	if sig.QualifiedName() != "Math::multiply" {
		t.Errorf("qualified name %q", sig.QualifiedName())
	}
	if sig.ReturnType != "int" {
		t.Errorf("return type %q", sig.ReturnType)
	}
	if len(sig.TemplateArgs) != 1 || sig.TemplateArgs[0] != (TemplateArg{Kind: TypeArg, Text: "int"}) {
		t.Errorf("template args %v", sig.TemplateArgs)
	}

	sig = Demangle("_Z1fIcLc65EEvv")
	want := []TemplateArg{{TypeArg, "char"}, {LiteralArg, "(char)65"}}
	if len(sig.TemplateArgs) != len(want) {
		t.Fatalf("template args %v", sig.TemplateArgs)
	}
	for i := range want {
		if sig.TemplateArgs[i] != want[i] {
			t.Errorf("template arg %d: %v, want %v", i, sig.TemplateArgs[i], want[i])
		}
	}
	if !sig.IsFunction || len(sig.Params) != 0 {
		t.Errorf("f(void) params %v", sig.Params)
	}

	sig = Demangle("_ZL14global_counter")
	if !sig.Static || sig.IsFunction || sig.BaseName != "global_counter" {
		t.Errorf("static data: %+v", sig)
	}
	if Demangle("_ZN4Math3addEii").Static {
		t.Errorf("external function reported static")
	}

	sig = Demangle("_ZNK6Sensor4readEv")
	if !sig.Const || sig.Volatile || sig.RefQualifier != "" {
		t.Errorf("qualifiers %+v", sig)
	}
	if Demangle("_ZNR6Sensor4takeEv").RefQualifier != "&" || Demangle("_ZNO6Sensor4takeEv").RefQualifier != "&&" {
		t.Errorf("ref qualifiers not reported")
	}

	if m := Demangle("_ZN6SensorC2Ev").Member; m != ConstructorMember {
		t.Errorf("constructor reported as %v", m)
	}
	if m := Demangle("_ZN6SensorD1Ev").Member; m != DestructorMember {
		t.Errorf("destructor reported as %v", m)
	}

	sig = Demangle("_ZTV6Sensor")
	if sig.Special != VTable || sig.BaseName != "Sensor" {
		t.Errorf("vtable %+v", sig)
	}
	if k := Demangle("_ZGVZ4mainE1x").Special; k != GuardVariable {
		t.Errorf("guard variable reported as %v", k)
	}

	sig = Demangle("_Z4initv.part.0.isra.0")
	if strings.Join(sig.Clones, "|") != ".part.0|.isra.0" || sig.BaseName != "init" {
		t.Errorf("clones %+v", sig)
	}

	sig = Demangle("_ZSt4cout")
	if strings.Join(sig.Scope, "|") != "std" || sig.BaseName != "cout" {
		t.Errorf("std name %+v", sig)
	}
}

func TestOverloadsAreDistinct(t *testing.T) {
	a := Demangle("_ZN4Math3addEii")
	b := Demangle("_ZN4Math3addEff")
	if a.Display == b.Display {
		t.Errorf("overloads share display %q", a.Display)
	}
	if a.QualifiedName() != b.QualifiedName() {
		t.Errorf("overloads have different qualified names %q %q", a.QualifiedName(), b.QualifiedName())
	}
}

func TestNotMangled(t *testing.T) {
	for _, name := range []string{"main", "uart_init", "__bss_start", "", "Z3foo", "_start"} {
		sig := Demangle(name)
		if sig.Mangled || sig.Unparsed || sig.Display != name || sig.BaseName != name {
			t.Errorf("%q: %+v", name, sig)
		}
		if _, err := Parse(name); !errors.Is(err, ErrNotMangled) {
			t.Errorf("%q: Parse error %v", name, err)
		}
	}
}

func TestUnparsable(t *testing.T) {
	for _, name := range []string{
		"_Z",
		"_ZQQ",
		"_ZN",
		"_ZN8Hardware11Peri",
		"_ZN4Math8multiplyIiEET_S1_S",
		"_ZN4Math8multiplyIiEET_S1_S1",
		"_Z1fS_",        // no substitution candidates
		"_Z1fT_",        // no template arguments
		"_Z1fv_junk",    // trailing input
		"_Z1fIiEvT0_",   // template parameter out of range
		"_ZN3FooC1ES5_", // substitution out of range
		"_Z1f" + strings.Repeat("P", 5000) + "i",
	} {
		sig := Demangle(name)
		if !sig.Mangled || !sig.Unparsed || sig.Display != name {
			t.Errorf("%q: %+v", name, sig)
		}
		if _, err := Parse(name); !errors.Is(err, ErrUnparsable) {
			t.Errorf("%q: Parse error %v", name, err)
		}
	}
}

func TestTruncatedNeverPanics(t *testing.T) {
	for _, tc := range append(displayTests, extraDisplayTests...) {
		for i := range tc.in {
			sig := Demangle(tc.in[:i])
			if sig.Unparsed && sig.Display != tc.in[:i] {
				t.Errorf("%q: unparsed name displayed as %q", tc.in[:i], sig.Display)
			}
		}
	}
}

func TestParse(t *testing.T) {
	n, err := Parse("_ZN4Math8multiplyIiEET_S1_S1_")
	if err != nil {
		t.Fatal(err)
	}
	fn, ok := n.(*Function)
	if !ok {
		t.Fatalf("got %T, want *Function", n)
	}
	tmpl, ok := fn.Name.(*Template)
	if !ok {
		t.Fatalf("name is %T, want *Template", fn.Name)
	}
	if len(tmpl.Args) != 1 || tmpl.Args[0].String() != "int" {
		t.Errorf("template args %v", tmpl.Args)
	}
	for _, param := range fn.Params {
		tp, ok := param.(*TemplateParam)
		if !ok || tp.Index != 0 || tp.Arg == nil {
			t.Errorf("param %#v is not a resolved T_", param)
		}
	}
}

func TestDemanglerCache(t *testing.T) {
	d := NewDemangler(16)
	names := make([]string, 0, len(displayTests))
	for _, tc := range displayTests {
		names = append(names, tc.in)
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan string, workers*len(names))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, name := range names {
				if got := d.Demangle(name).Display; got != displayTests[i].out {
					errs <- name + ": " + got
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}

	hits, misses := d.Stats()
	if hits+misses != uint64(workers*len(names)) {
		t.Errorf("hits %d + misses %d != %d lookups", hits, misses, workers*len(names))
	}
	if misses < uint64(len(names)) {
		t.Errorf("%d misses for %d distinct names", misses, len(names))
	}

	// unmangled names bypass the cache
	d.Demangle("main")
	if h, m := d.Stats(); h != hits || m != misses {
		t.Errorf("unmangled name went through the cache")
	}

	if got := NewDemangler(0).Demangle("_ZN4Math3addEii").Display; got != "Math::add(int, int)" {
		t.Errorf("uncached demangler: %q", got)
	}
}
