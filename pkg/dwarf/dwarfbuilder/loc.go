package dwarfbuilder

import (
	"bytes"

	"github.com/membrowse/membrowse-action/pkg/dwarf/leb128"
)

// Opcode is a DWARF expression operation.
type Opcode byte

const (
	DW_OP_addr        Opcode = 0x03
	DW_OP_const4u     Opcode = 0x0c
	DW_OP_consts      Opcode = 0x11
	DW_OP_plus_uconst Opcode = 0x23
	DW_OP_fbreg       Opcode = 0x91
)

// LocationBlock returns a DWARF expression corresponding to the list of
// arguments. Address arguments are encoded with the target address size.
func (b *Builder) LocationBlock(args ...interface{}) []byte {
	var buf bytes.Buffer
	for _, arg := range args {
		switch x := arg.(type) {
		case Opcode:
			buf.WriteByte(byte(x))
		case Address:
			b.writeAddr(&buf, uint64(x))
		case int:
			leb128.EncodeSigned(&buf, int64(x))
		case uint:
			leb128.EncodeUnsigned(&buf, uint64(x))
		default:
			panic("unsupported value type")
		}
	}
	return buf.Bytes()
}

func (b *Builder) writeAddr(buf *bytes.Buffer, addr uint64) {
	switch b.ptrSize {
	case 4:
		var d [4]byte
		b.order.PutUint32(d[:], uint32(addr))
		buf.Write(d[:])
	default:
		var d [8]byte
		b.order.PutUint64(d[:], addr)
		buf.Write(d[:])
	}
}
