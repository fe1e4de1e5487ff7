package config

import (
	"testing"
)

func TestSplitQuotedFields(t *testing.T) {
	in := `field'A' 'fieldB' fie'l\'d'C fieldD 'another field' fieldE`
	tgt := []string{"fieldA", "fieldB", "fiel'dC", "fieldD", "another field", "fieldE"}
	out := SplitQuotedFields(in, '\'')

	if len(tgt) != len(out) {
		t.Fatalf("expected %#v, got %#v (len mismatch)", tgt, out)
	}

	for i := range tgt {
		if tgt[i] != out[i] {
			t.Fatalf(" expected %#v, got %#v (mismatch at %d)", tgt, out, i)
		}
	}
}

func TestSplitDoubleQuotedFields(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected []string
	}{
		{
			name:     "region with quoted name",
			in:       `"CCM RAM" 0x10000000 64K rw`,
			expected: []string{"CCM RAM", "0x10000000", "64K", "rw"},
		},
		{
			name:     "escaped quote",
			in:       `field"A" "field\"B"`,
			expected: []string{"fieldA", "field\"B"},
		},
		{
			name:     "with empty string in the end",
			in:       `field"A" "" `,
			expected: []string{"fieldA", ""},
		},
		{
			name:     "with empty string at the beginning",
			in:       ` "" field"A"`,
			expected: []string{"", "fieldA"},
		},
		{
			name:     "lots of spaces",
			in:       `    field"A"   `,
			expected: []string{"fieldA"},
		},
		{
			name:     "only empty string",
			in:       ` "" "" "" """" "" `,
			expected: []string{"", "", "", "", ""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := SplitQuotedFields(tt.in, '"')
			if len(tt.expected) != len(out) {
				t.Fatalf("expected %#v, got %#v (len mismatch)", tt.expected, out)
			}
			for i := range tt.expected {
				if tt.expected[i] != out[i] {
					t.Fatalf(" expected %#v, got %#v (mismatch at %d)", tt.expected, out, i)
				}
			}
		})
	}
}

func TestParseRegion(t *testing.T) {
	tests := []struct {
		in      string
		want    MemoryRegion
		wantErr bool
	}{
		{in: "FLASH 0x08000000 512K rx", want: MemoryRegion{Name: "FLASH", Origin: 0x08000000, Length: 512 * 1024, Attributes: "rx"}},
		{in: "RAM 0x20000000 0x20000", want: MemoryRegion{Name: "RAM", Origin: 0x20000000, Length: 0x20000}},
		{in: `"EXT RAM" 0x60000000 1M rwx`, want: MemoryRegion{Name: "EXT RAM", Origin: 0x60000000, Length: 1 << 20, Attributes: "rwx"}},
		{in: "RAM 0x20000000", wantErr: true},
		{in: "RAM zz 16K", wantErr: true},
		{in: "RAM 0 16K rw extra", wantErr: true},
		{in: "RAM 0xffffffffffffffff 16", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseRegion(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error, got %#v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q: got %#v want %#v", tt.in, got, tt.want)
		}
	}
}
