package symindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/membrowse/membrowse-action/pkg/demangle"
	"github.com/membrowse/membrowse-action/pkg/report"
)

func symbols(names ...string) []report.Symbol {
	out := make([]report.Symbol, len(names))
	for i, n := range names {
		out[i] = report.Symbol{Index: i + 1, Name: n, Demangled: demangle.Demangle(n)}
	}
	return out
}

func names(syms []report.Symbol) []string {
	var out []string
	for _, s := range syms {
		out = append(out, s.Name)
	}
	return out
}

func TestWithPrefix(t *testing.T) {
	x := New(symbols(
		"_ZN8Hardware4UART4initEv",
		"_ZN8Hardware4UART5writeEPKcj",
		"_ZN8Hardware3SPI4initEv",
		"main",
		"uart_rx_buffer",
	))

	require.Equal(t, []string{"_ZN8Hardware4UART4initEv", "_ZN8Hardware4UART5writeEPKcj"}, names(x.WithPrefix("Hardware::UART::")))
	require.Equal(t, []string{"_ZN8Hardware4UART4initEv", "_ZN8Hardware4UART5writeEPKcj", "_ZN8Hardware3SPI4initEv"}, names(x.WithPrefix("Hardware")))
	// raw names are indexed too
	require.Equal(t, []string{"_ZN8Hardware3SPI4initEv"}, names(x.WithPrefix("_ZN8Hardware3")))
	require.Nil(t, x.WithPrefix("Software"))
	require.Len(t, x.WithPrefix(""), 5)
}

func TestLookup(t *testing.T) {
	x := New(symbols("_ZN3foo3barEv", "_ZN3foo3barEi", "bar"))
	require.Equal(t, []string{"_ZN3foo3barEv", "_ZN3foo3barEi"}, names(x.Lookup("foo::bar")))
	require.Equal(t, []string{"bar"}, names(x.Lookup("bar")))
	require.Empty(t, x.Lookup("foo"))
	require.Equal(t, 4, x.Len())
}

func TestFuzzy(t *testing.T) {
	x := New(symbols("uart_init", "spi_init", "main"))
	require.Equal(t, []string{"uart_init", "spi_init"}, names(x.Fuzzy("init")))
	require.Equal(t, []string{"uart_init"}, names(x.Fuzzy("urtnt")))
}

func TestComplete(t *testing.T) {
	x := New(symbols("uart_write", "uart_init", "spi_init"))
	require.Equal(t, []string{"uart_init", "uart_write"}, x.Complete("uart_"))
	require.Nil(t, x.Complete("x"))
}
