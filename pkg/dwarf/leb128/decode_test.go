package leb128

import (
	"bytes"
	"testing"
)

func TestDecodeUnsigned(t *testing.T) {
	n, c, err := DecodeUnsigned([]byte{0xE5, 0x8E, 0x26, 0xff})
	if err != nil {
		t.Fatal(err)
	}
	if n != 624485 {
		t.Fatal("Number was not decoded properly, got: ", n, c)
	}
	if c != 3 {
		t.Fatal("Count not returned correctly")
	}
}

func TestDecodeSigned(t *testing.T) {
	n, c, err := DecodeSigned([]byte{0x9b, 0xf1, 0x59})
	if err != nil {
		t.Fatal(err)
	}
	if n != -624485 {
		t.Fatal("Number was not decoded properly, got: ", n, c)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, _, err := DecodeUnsigned([]byte{0x80, 0x80}); err != ErrTruncated {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
	if _, _, err := DecodeSigned(nil); err != ErrTruncated {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
	long := bytes.Repeat([]byte{0xff}, 11)
	long = append(long, 0x01)
	if _, _, err := DecodeUnsigned(long); err != ErrOverflow {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestEncodeUnsigned(t *testing.T) {
	tc := []uint64{0x00, 0x7f, 0x80, 0x8f, 0xffff, 0xfffffff7, ^uint64(0)}
	for i := range tc {
		var buf bytes.Buffer
		EncodeUnsigned(&buf, tc[i])
		enc := append([]byte{}, buf.Bytes()...)
		buf.Write([]byte{0x1, 0x2, 0x3})
		out, c, err := DecodeUnsigned(buf.Bytes())
		if err != nil {
			t.Errorf("input %x: %v", tc[i], err)
			continue
		}
		if c != len(enc) {
			t.Errorf("input %x: wrong length %d, encoded %x", tc[i], c, enc)
		}
		if out != tc[i] {
			t.Errorf("input %x: decoded %x", tc[i], out)
		}
	}
}

func TestEncodeSigned(t *testing.T) {
	tc := []int64{2, -2, 127, -127, 128, -128, 129, -129}
	for i := range tc {
		var buf bytes.Buffer
		EncodeSigned(&buf, tc[i])
		enc := append([]byte{}, buf.Bytes()...)
		buf.Write([]byte{0x1, 0x2, 0x3})
		out, c, err := DecodeSigned(buf.Bytes())
		if err != nil {
			t.Errorf("input %x: %v", tc[i], err)
			continue
		}
		if c != len(enc) {
			t.Errorf("input %x: wrong length %d, encoded %x", tc[i], c, enc)
		}
		if out != tc[i] {
			t.Errorf("input %x: decoded %x", tc[i], out)
		}
	}
}
