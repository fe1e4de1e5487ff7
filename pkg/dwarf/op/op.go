// Package op evaluates DWARF location expressions that do not depend on
// the state of a running program: the locations of global and static
// variables.
package op

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/membrowse/membrowse-action/pkg/dwarf/util"
)

// ErrNotStatic is returned for expressions that read registers, memory or
// the call frame, which only have a value in a running program.
var ErrNotStatic = errors.New("location depends on run time state")

// Piece is a piece of a composite location.
type Piece struct {
	Size int
	Addr uint64
}

// Location is the result of a location expression.
type Location struct {
	Addr uint64
	// TLS is set when Addr is an offset inside the thread local storage
	// block of the module.
	TLS bool
	// Value is set when the expression computes the value of the
	// variable rather than its address.
	Value  bool
	Pieces []Piece
}

// Options describes the target of the expression.
type Options struct {
	PtrSize int
	Order   binary.ByteOrder
	// DebugAddr resolves the operand of DW_OP_addrx, nil when
	// .debug_addr is not available.
	DebugAddr func(idx uint64) (uint64, bool)
}

type stackfn func(Opcode, *context) error

type context struct {
	buf    util.Buf
	stack  []uint64
	pieces []Piece
	loc    Location
	Options
}

var oplut map[Opcode]stackfn

func init() {
	oplut = map[Opcode]stackfn{
		DW_OP_addr:                 addr,
		DW_OP_addrx:                addrx,
		DW_OP_GNU_addr_index:       addrx,
		DW_OP_constx:               addrx,
		DW_OP_GNU_const_index:      addrx,
		DW_OP_const1u:              constant,
		DW_OP_const1s:              constant,
		DW_OP_const2u:              constant,
		DW_OP_const2s:              constant,
		DW_OP_const4u:              constant,
		DW_OP_const4s:              constant,
		DW_OP_const8u:              constant,
		DW_OP_const8s:              constant,
		DW_OP_constu:               constant,
		DW_OP_consts:               constant,
		DW_OP_dup:                  dup,
		DW_OP_drop:                 drop,
		DW_OP_plus:                 plus,
		DW_OP_minus:                minus,
		DW_OP_plus_uconst:          plusuconsts,
		DW_OP_piece:                piece,
		DW_OP_stack_value:          stackvalue,
		DW_OP_form_tls_address:     tlsaddress,
		DW_OP_GNU_push_tls_address: tlsaddress,
	}
	for op := DW_OP_lit0; op <= DW_OP_lit31; op++ {
		oplut[op] = literal
	}
}

// ExecuteStackProgram executes a DWARF location expression with no access
// to registers or memory.
func ExecuteStackProgram(instructions []byte, opts Options) (Location, error) {
	if opts.PtrSize == 0 {
		opts.PtrSize = 8
	}
	ctxt := &context{
		buf:     util.MakeBuf("location expression", opts.Order, 0, instructions),
		stack:   make([]uint64, 0, 3),
		Options: opts,
	}

	for ctxt.buf.Len() > 0 {
		opcode := Opcode(ctxt.buf.Uint8())
		fn, ok := oplut[opcode]
		if !ok {
			if isDynamic(opcode) {
				return Location{}, fmt.Errorf("%v: %w", opcode, ErrNotStatic)
			}
			return Location{}, fmt.Errorf("invalid instruction %v", opcode)
		}
		if err := fn(opcode, ctxt); err != nil {
			return Location{}, err
		}
		if ctxt.buf.Err != nil {
			return Location{}, ctxt.buf.Err
		}
	}

	if ctxt.pieces != nil {
		ctxt.loc.Pieces = ctxt.pieces
		ctxt.loc.Addr = ctxt.pieces[0].Addr
		return ctxt.loc, nil
	}
	if len(ctxt.stack) == 0 {
		return Location{}, errors.New("empty OP stack")
	}
	ctxt.loc.Addr = ctxt.stack[len(ctxt.stack)-1]
	return ctxt.loc, nil
}

func isDynamic(op Opcode) bool {
	switch {
	case op >= DW_OP_reg0 && op <= DW_OP_breg31:
		return true
	case op == DW_OP_regx, op == DW_OP_bregx, op == DW_OP_fbreg, op == DW_OP_deref, op == DW_OP_call_frame_cfa:
		return true
	}
	return false
}

func (ctxt *context) pop() (uint64, error) {
	if len(ctxt.stack) == 0 {
		return 0, errors.New("empty OP stack")
	}
	v := ctxt.stack[len(ctxt.stack)-1]
	ctxt.stack = ctxt.stack[:len(ctxt.stack)-1]
	return v, nil
}

func addr(opcode Opcode, ctxt *context) error {
	ctxt.stack = append(ctxt.stack, ctxt.buf.Addr(ctxt.PtrSize))
	return nil
}

func addrx(opcode Opcode, ctxt *context) error {
	idx := ctxt.buf.Uint()
	if ctxt.DebugAddr == nil {
		return fmt.Errorf("%v without .debug_addr", opcode)
	}
	a, ok := ctxt.DebugAddr(idx)
	if !ok {
		return fmt.Errorf("%v: index %d out of range", opcode, idx)
	}
	ctxt.stack = append(ctxt.stack, a)
	return nil
}

func constant(opcode Opcode, ctxt *context) error {
	var v uint64
	b := &ctxt.buf
	switch opcode {
	case DW_OP_const1u:
		v = uint64(b.Uint8())
	case DW_OP_const1s:
		v = uint64(int64(int8(b.Uint8())))
	case DW_OP_const2u:
		v = uint64(b.Uint16())
	case DW_OP_const2s:
		v = uint64(int64(int16(b.Uint16())))
	case DW_OP_const4u:
		v = uint64(b.Uint32())
	case DW_OP_const4s:
		v = uint64(int64(int32(b.Uint32())))
	case DW_OP_const8u, DW_OP_const8s:
		v = b.Uint64()
	case DW_OP_constu:
		v = b.Uint()
	case DW_OP_consts:
		v = uint64(b.Int())
	}
	ctxt.stack = append(ctxt.stack, v)
	return nil
}

func literal(opcode Opcode, ctxt *context) error {
	ctxt.stack = append(ctxt.stack, uint64(opcode-DW_OP_lit0))
	return nil
}

func dup(opcode Opcode, ctxt *context) error {
	if len(ctxt.stack) == 0 {
		return errors.New("empty OP stack")
	}
	ctxt.stack = append(ctxt.stack, ctxt.stack[len(ctxt.stack)-1])
	return nil
}

func drop(opcode Opcode, ctxt *context) error {
	_, err := ctxt.pop()
	return err
}

func plus(opcode Opcode, ctxt *context) error {
	a, err := ctxt.pop()
	if err != nil {
		return err
	}
	b, err := ctxt.pop()
	if err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, a+b)
	return nil
}

func minus(opcode Opcode, ctxt *context) error {
	a, err := ctxt.pop()
	if err != nil {
		return err
	}
	b, err := ctxt.pop()
	if err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, b-a)
	return nil
}

func plusuconsts(opcode Opcode, ctxt *context) error {
	slen := len(ctxt.stack)
	if slen == 0 {
		return errors.New("empty OP stack")
	}
	ctxt.stack[slen-1] += ctxt.buf.Uint()
	return nil
}

func piece(opcode Opcode, ctxt *context) error {
	sz := ctxt.buf.Uint()
	if len(ctxt.stack) == 0 {
		// optimized out piece
		ctxt.pieces = append(ctxt.pieces, Piece{Size: int(sz)})
		return nil
	}
	addr := ctxt.stack[len(ctxt.stack)-1]
	ctxt.pieces = append(ctxt.pieces, Piece{Size: int(sz), Addr: addr})
	ctxt.stack = ctxt.stack[:0]
	return nil
}

func stackvalue(opcode Opcode, ctxt *context) error {
	ctxt.loc.Value = true
	return nil
}

func tlsaddress(opcode Opcode, ctxt *context) error {
	if len(ctxt.stack) == 0 {
		return errors.New("empty OP stack")
	}
	ctxt.loc.TLS = true
	return nil
}
