package config

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// SplitQuotedFields is like strings.Fields but keeps spaces inside areas
// surrounded by the specified quote character.
// Inside a quoted area a backslash escapes the next character, so a
// single quote inside single quotes is written as \'.
func SplitQuotedFields(in string, quote rune) []string {
	var (
		fields  = []string{}
		cur     strings.Builder
		inField bool
		quoted  bool
		escaped bool
	)

	for _, ch := range in {
		switch {
		case escaped:
			cur.WriteRune(ch)
			escaped = false
		case quoted && ch == '\\':
			escaped = true
		case ch == quote:
			quoted = !quoted
			inField = true
		case quoted:
			cur.WriteRune(ch)
		case unicode.IsSpace(ch):
			if inField {
				fields = append(fields, cur.String())
				cur.Reset()
				inField = false
			}
		default:
			cur.WriteRune(ch)
			inField = true
		}
	}

	if inField {
		fields = append(fields, cur.String())
	}
	return fields
}

// ParseRegion parses a memory region description of the form
//
//	NAME ORIGIN LENGTH [ATTRIBUTES]
//
// where ORIGIN and LENGTH are decimal, 0x hexadecimal or 0 octal numbers,
// optionally followed by a K or M multiplier as in linker scripts.
// Fields may be quoted with double quotes.
func ParseRegion(in string) (MemoryRegion, error) {
	fields := SplitQuotedFields(in, '"')
	if len(fields) < 3 || len(fields) > 4 {
		return MemoryRegion{}, errors.Errorf("malformed memory region %q: expected NAME ORIGIN LENGTH [ATTRIBUTES]", in)
	}
	if fields[0] == "" {
		return MemoryRegion{}, errors.Errorf("malformed memory region %q: empty name", in)
	}
	origin, err := ParseSize(fields[1])
	if err != nil {
		return MemoryRegion{}, errors.Wrapf(err, "region %s origin", fields[0])
	}
	length, err := ParseSize(fields[2])
	if err != nil {
		return MemoryRegion{}, errors.Wrapf(err, "region %s length", fields[0])
	}
	if origin+length < origin {
		return MemoryRegion{}, errors.Errorf("region %s wraps around the address space", fields[0])
	}
	r := MemoryRegion{Name: fields[0], Origin: origin, Length: length}
	if len(fields) == 4 {
		r.Attributes = fields[3]
	}
	return r, nil
}

// ParseSize parses a linker script style number: 4096, 0x1000, 4K, 1M, 1G.
func ParseSize(s string) (uint64, error) {
	mul := uint64(1)
	switch {
	case strings.HasSuffix(s, "K") || strings.HasSuffix(s, "k"):
		mul = 1024
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M") || strings.HasSuffix(s, "m"):
		mul = 1024 * 1024
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "G") || strings.HasSuffix(s, "g"):
		mul = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Errorf("invalid size %q", s)
	}
	if n != 0 && n*mul/mul != n {
		return 0, errors.Errorf("size %q overflows", s)
	}
	return n * mul, nil
}
