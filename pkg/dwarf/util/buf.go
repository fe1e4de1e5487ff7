// Copyright 2009 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Buffered reading and decoding of DWARF data streams.

package util

import (
	"encoding/binary"
	"fmt"

	"github.com/membrowse/membrowse-action/pkg/dwarf/leb128"
)

// Buf is a cursor over a DWARF data stream. Decoding errors are sticky:
// after the first one every read returns a zero value and Err reports
// the failure, so callers check Err once at the end of a record.
type Buf struct {
	Order binary.ByteOrder
	name  string
	off   uint64
	data  []byte
	Err   error
}

// MakeBuf returns a Buf reading data, off is the offset of data[0] inside
// the section called name and is only used to report errors.
func MakeBuf(name string, order binary.ByteOrder, off uint64, data []byte) Buf {
	if order == nil {
		order = binary.LittleEndian
	}
	return Buf{Order: order, name: name, off: off, data: data}
}

// Len returns the number of unread bytes.
func (b *Buf) Len() int { return len(b.data) }

// Off returns the section offset of the next unread byte.
func (b *Buf) Off() uint64 { return b.off }

// Bytes returns the unread portion of the buffer without consuming it.
func (b *Buf) Bytes() []byte { return b.data }

// Slice consumes the next n bytes and returns a Buf reading them.
func (b *Buf) Slice(n uint64) Buf {
	nb := *b
	nb.data = b.Next(n)
	return nb
}

// Next consumes n bytes.
func (b *Buf) Next(n uint64) []byte {
	if uint64(len(b.data)) < n {
		b.error("underflow")
		return nil
	}
	data := b.data[:n]
	b.data = b.data[n:]
	b.off += n
	return data
}

func (b *Buf) Uint8() uint8 {
	d := b.Next(1)
	if d == nil {
		return 0
	}
	return d[0]
}

func (b *Buf) Uint16() uint16 {
	d := b.Next(2)
	if d == nil {
		return 0
	}
	return b.Order.Uint16(d)
}

func (b *Buf) Uint32() uint32 {
	d := b.Next(4)
	if d == nil {
		return 0
	}
	return b.Order.Uint32(d)
}

func (b *Buf) Uint64() uint64 {
	d := b.Next(8)
	if d == nil {
		return 0
	}
	return b.Order.Uint64(d)
}

// Uint24 reads the 3 byte integers used by DW_FORM_strx3 and DW_FORM_addrx3.
func (b *Buf) Uint24() uint64 {
	d := b.Next(3)
	if d == nil {
		return 0
	}
	if b.Order == binary.BigEndian {
		return uint64(d[0])<<16 | uint64(d[1])<<8 | uint64(d[2])
	}
	return uint64(d[2])<<16 | uint64(d[1])<<8 | uint64(d[0])
}

// Addr reads a target address of size bytes.
func (b *Buf) Addr(size int) uint64 {
	switch size {
	case 1:
		return uint64(b.Uint8())
	case 2:
		return uint64(b.Uint16())
	case 4:
		return uint64(b.Uint32())
	case 8:
		return b.Uint64()
	}
	b.error(fmt.Sprintf("unsupported address size %d", size))
	return 0
}

// UnitLength reads an initial length field, dwarf64 is true if the unit
// uses the 64-bit DWARF format.
func (b *Buf) UnitLength() (length uint64, dwarf64 bool) {
	length = uint64(b.Uint32())
	if length == 0xffffffff {
		return b.Uint64(), true
	}
	if length >= 0xfffffff0 {
		b.error("reserved unit length")
		return 0, false
	}
	return length, false
}

// Offset reads a section offset, 8 bytes in the 64-bit DWARF format.
func (b *Buf) Offset(dwarf64 bool) uint64 {
	if dwarf64 {
		return b.Uint64()
	}
	return uint64(b.Uint32())
}

// Uint reads an unsigned LEB128 number.
func (b *Buf) Uint() uint64 {
	x, n, err := leb128.DecodeUnsigned(b.data)
	if err != nil {
		b.error(err.Error())
		return 0
	}
	b.Next(uint64(n))
	return x
}

// Int reads a signed LEB128 number.
func (b *Buf) Int() int64 {
	x, n, err := leb128.DecodeSigned(b.data)
	if err != nil {
		b.error(err.Error())
		return 0
	}
	b.Next(uint64(n))
	return x
}

// CString returns the NUL-terminated (C-like) string at the start of the buffer.
// The terminal NUL is discarded.
func (b *Buf) CString() string {
	for i := 0; i < len(b.data); i++ {
		if b.data[i] == 0 {
			s := string(b.data[0:i])
			b.Next(uint64(i + 1))
			return s
		}
	}
	b.error("unterminated string")
	return ""
}

func (b *Buf) error(s string) {
	if b.Err == nil {
		b.data = nil
		b.Err = fmt.Errorf("decoding dwarf section %s at offset %#x: %s", b.name, b.off, s)
	}
}

// StringAt returns the NUL-terminated string starting at off in a string
// section such as .debug_str or .debug_line_str.
func StringAt(section []byte, off uint64) (string, bool) {
	if off >= uint64(len(section)) {
		return "", false
	}
	for i := off; i < uint64(len(section)); i++ {
		if section[i] == 0 {
			return string(section[off:i]), true
		}
	}
	return "", false
}
