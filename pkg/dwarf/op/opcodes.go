package op

import (
	"fmt"
	"strconv"
)

// Opcode represent a DWARF stack program instruction.
type Opcode byte

const (
	DW_OP_addr                 Opcode = 0x03
	DW_OP_deref                Opcode = 0x06
	DW_OP_const1u              Opcode = 0x08
	DW_OP_const1s              Opcode = 0x09
	DW_OP_const2u              Opcode = 0x0a
	DW_OP_const2s              Opcode = 0x0b
	DW_OP_const4u              Opcode = 0x0c
	DW_OP_const4s              Opcode = 0x0d
	DW_OP_const8u              Opcode = 0x0e
	DW_OP_const8s              Opcode = 0x0f
	DW_OP_constu               Opcode = 0x10
	DW_OP_consts               Opcode = 0x11
	DW_OP_dup                  Opcode = 0x12
	DW_OP_drop                 Opcode = 0x13
	DW_OP_minus                Opcode = 0x1c
	DW_OP_plus                 Opcode = 0x22
	DW_OP_plus_uconst          Opcode = 0x23
	DW_OP_lit0                 Opcode = 0x30
	DW_OP_lit31                Opcode = 0x4f
	DW_OP_reg0                 Opcode = 0x50
	DW_OP_reg31                Opcode = 0x6f
	DW_OP_breg0                Opcode = 0x70
	DW_OP_breg31               Opcode = 0x8f
	DW_OP_regx                 Opcode = 0x90
	DW_OP_fbreg                Opcode = 0x91
	DW_OP_bregx                Opcode = 0x92
	DW_OP_piece                Opcode = 0x93
	DW_OP_call_frame_cfa       Opcode = 0x9c
	DW_OP_form_tls_address     Opcode = 0x9b
	DW_OP_stack_value          Opcode = 0x9f
	DW_OP_addrx                Opcode = 0xa1
	DW_OP_constx               Opcode = 0xa2
	DW_OP_GNU_push_tls_address Opcode = 0xe0
	DW_OP_GNU_addr_index       Opcode = 0xfb
	DW_OP_GNU_const_index      Opcode = 0xfc
)

var opcodeName = map[Opcode]string{
	DW_OP_addr:                 "DW_OP_addr",
	DW_OP_deref:                "DW_OP_deref",
	DW_OP_const1u:              "DW_OP_const1u",
	DW_OP_const1s:              "DW_OP_const1s",
	DW_OP_const2u:              "DW_OP_const2u",
	DW_OP_const2s:              "DW_OP_const2s",
	DW_OP_const4u:              "DW_OP_const4u",
	DW_OP_const4s:              "DW_OP_const4s",
	DW_OP_const8u:              "DW_OP_const8u",
	DW_OP_const8s:              "DW_OP_const8s",
	DW_OP_constu:               "DW_OP_constu",
	DW_OP_consts:               "DW_OP_consts",
	DW_OP_dup:                  "DW_OP_dup",
	DW_OP_drop:                 "DW_OP_drop",
	DW_OP_minus:                "DW_OP_minus",
	DW_OP_plus:                 "DW_OP_plus",
	DW_OP_plus_uconst:          "DW_OP_plus_uconst",
	DW_OP_regx:                 "DW_OP_regx",
	DW_OP_fbreg:                "DW_OP_fbreg",
	DW_OP_bregx:                "DW_OP_bregx",
	DW_OP_piece:                "DW_OP_piece",
	DW_OP_call_frame_cfa:       "DW_OP_call_frame_cfa",
	DW_OP_form_tls_address:     "DW_OP_form_tls_address",
	DW_OP_stack_value:          "DW_OP_stack_value",
	DW_OP_addrx:                "DW_OP_addrx",
	DW_OP_constx:               "DW_OP_constx",
	DW_OP_GNU_push_tls_address: "DW_OP_GNU_push_tls_address",
	DW_OP_GNU_addr_index:       "DW_OP_GNU_addr_index",
	DW_OP_GNU_const_index:      "DW_OP_GNU_const_index",
}

func (op Opcode) String() string {
	if name, ok := opcodeName[op]; ok {
		return name
	}
	switch {
	case op >= DW_OP_lit0 && op <= DW_OP_lit31:
		return "DW_OP_lit" + strconv.Itoa(int(op-DW_OP_lit0))
	case op >= DW_OP_reg0 && op <= DW_OP_reg31:
		return "DW_OP_reg" + strconv.Itoa(int(op-DW_OP_reg0))
	case op >= DW_OP_breg0 && op <= DW_OP_breg31:
		return "DW_OP_breg" + strconv.Itoa(int(op-DW_OP_breg0))
	}
	return fmt.Sprintf("DW_OP_%#x", byte(op))
}
