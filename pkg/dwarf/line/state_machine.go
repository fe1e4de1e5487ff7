package line

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/membrowse/membrowse-action/pkg/dwarf/util"
)

// Row is one row of the line number matrix.
type Row struct {
	Address     uint64
	File        string
	Line        int
	Column      uint
	IsStmt      bool
	EndSequence bool
}

type StateMachine struct {
	dbl           *DebugLineInfo
	file          string
	line          int
	address       uint64
	column        uint
	isStmt        bool
	isa           uint64 // instruction set architecture register (DWARFv4)
	basicBlock    bool
	endSeq        bool
	prologueEnd   bool
	epilogueBegin bool
	discriminator uint64
	// valid is true if the current value of the state machine is the address of
	// an instruction (using the terminology used by DWARF spec the current
	// value of the state machine should be appended to the matrix representing
	// the compilation unit)
	valid bool

	buf     util.Buf // remaining instructions
	opcodes []opcodefn

	definedFiles []*FileEntry // files defined with DW_LINE_define_file
}

type opcodefn func(*StateMachine, *util.Buf)

// Standard opcodes
const (
	DW_LNS_copy             = 1
	DW_LNS_advance_pc       = 2
	DW_LNS_advance_line     = 3
	DW_LNS_set_file         = 4
	DW_LNS_set_column       = 5
	DW_LNS_negate_stmt      = 6
	DW_LNS_set_basic_block  = 7
	DW_LNS_const_add_pc     = 8
	DW_LNS_fixed_advance_pc = 9
	DW_LNS_prologue_end     = 10
	DW_LNS_epilogue_begin   = 11
	DW_LNS_set_isa          = 12
)

// Extended opcodes
const (
	DW_LINE_end_sequence      = 1
	DW_LINE_set_address       = 2
	DW_LINE_define_file       = 3
	DW_LINE_set_discriminator = 4
)

var standardopcodes = map[byte]opcodefn{
	DW_LNS_copy:             copyfn,
	DW_LNS_advance_pc:       advancepc,
	DW_LNS_advance_line:     advanceline,
	DW_LNS_set_file:         setfile,
	DW_LNS_set_column:       setcolumn,
	DW_LNS_negate_stmt:      negatestmt,
	DW_LNS_set_basic_block:  setbasicblock,
	DW_LNS_const_add_pc:     constaddpc,
	DW_LNS_fixed_advance_pc: fixedadvancepc,
	DW_LNS_prologue_end:     prologueend,
	DW_LNS_epilogue_begin:   epiloguebegin,
	DW_LNS_set_isa:          setisa,
}

var extendedopcodes = map[byte]opcodefn{
	DW_LINE_end_sequence:      endsequence,
	DW_LINE_set_address:       setaddress,
	DW_LINE_define_file:       definefile,
	DW_LINE_set_discriminator: setdiscriminator,
}

var errNoFiles = errors.New("line program has no file names")

func newStateMachine(dbl *DebugLineInfo) *StateMachine {
	opcodes := make([]opcodefn, len(standardopcodes)+1)
	opcodes[0] = execExtendedOpcode
	for op := range standardopcodes {
		opcodes[op] = standardopcodes[op]
	}
	sm := &StateMachine{
		dbl:     dbl,
		buf:     util.MakeBuf(".debug_line", dbl.order, dbl.Offset, dbl.Instructions),
		opcodes: opcodes,
	}
	sm.reset()
	return sm
}

func (sm *StateMachine) reset() {
	sm.file, _ = sm.dbl.File(1)
	sm.line = 1
	sm.column = 0
	sm.address = 0
	sm.isa = 0
	sm.discriminator = 0
	sm.isStmt = sm.dbl.Prologue.InitialIsStmt == uint8(1)
	sm.basicBlock = false
	sm.prologueEnd = false
	sm.epilogueBegin = false
}

// Rows executes the line number program and returns every row of the
// matrix in program order. Rows decoded before an error are returned
// together with it.
func (lineInfo *DebugLineInfo) Rows() ([]Row, error) {
	if lineInfo == nil || lineInfo.Prologue == nil {
		return nil, nil
	}
	if len(lineInfo.FileNames) == 0 && len(lineInfo.Instructions) > 0 {
		return nil, errNoFiles
	}

	var rows []Row
	sm := newStateMachine(lineInfo)
	for {
		if err := sm.next(); err != nil {
			if err == io.EOF {
				return rows, nil
			}
			return rows, fmt.Errorf("line program at %#x: %v", lineInfo.Offset, err)
		}
		if sm.valid {
			rows = append(rows, Row{
				Address:     sm.address,
				File:        sm.file,
				Line:        sm.line,
				Column:      sm.column,
				IsStmt:      sm.isStmt,
				EndSequence: sm.endSeq,
			})
		}
	}
}

func (sm *StateMachine) next() error {
	if sm.valid {
		// valid is set by either a special opcode or a DW_LNS_copy, in both cases
		// we need to reset basic_block, prologue_end and epilogue_begin
		sm.basicBlock = false
		sm.prologueEnd = false
		sm.epilogueBegin = false
		sm.discriminator = 0
	}
	if sm.endSeq {
		sm.endSeq = false
		sm.reset()
	}
	sm.valid = false
	if sm.buf.Len() == 0 {
		return io.EOF
	}
	b := sm.buf.Uint8()
	if b < sm.dbl.Prologue.OpcodeBase {
		if int(b) < len(sm.opcodes) {
			sm.opcodes[b](sm, &sm.buf)
		} else {
			// unimplemented standard opcode, read the number of arguments specified
			// in the prologue and do nothing with them
			opnum := sm.dbl.Prologue.StdOpLengths[b-1]
			for i := 0; i < int(opnum); i++ {
				sm.buf.Uint()
			}
			sm.dbl.Logf("unknown opcode %d(0x%x), %d arguments, file %s, line %d, address 0x%x", b, b, opnum, sm.file, sm.line, sm.address)
		}
	} else {
		execSpecialOpcode(sm, b)
	}
	return sm.buf.Err
}

func execSpecialOpcode(sm *StateMachine, instr byte) {
	var (
		opcode  = uint8(instr)
		decoded = opcode - sm.dbl.Prologue.OpcodeBase
	)

	sm.line += int(sm.dbl.Prologue.LineBase + int8(decoded%sm.dbl.Prologue.LineRange))
	sm.address += uint64(decoded/sm.dbl.Prologue.LineRange) * uint64(sm.dbl.Prologue.MinInstrLength)
	sm.valid = true
}

func execExtendedOpcode(sm *StateMachine, buf *util.Buf) {
	length := buf.Uint()
	if length == 0 {
		return
	}
	ins := buf.Slice(length)
	b := ins.Uint8()
	if fn, ok := extendedopcodes[b]; ok {
		fn(sm, &ins)
	}
	if ins.Err != nil && buf.Err == nil {
		buf.Err = ins.Err
	}
}

func copyfn(sm *StateMachine, buf *util.Buf) {
	sm.valid = true
}

func advancepc(sm *StateMachine, buf *util.Buf) {
	addr := buf.Uint()
	sm.address += addr * uint64(sm.dbl.Prologue.MinInstrLength)
}

func advanceline(sm *StateMachine, buf *util.Buf) {
	line := buf.Int()
	sm.line += int(line)
}

func setfile(sm *StateMachine, buf *util.Buf) {
	i := buf.Uint()
	if f, ok := sm.dbl.File(i); ok {
		sm.file = f
		return
	}
	j := i - sm.dbl.FileIndexBase() - uint64(len(sm.dbl.FileNames))
	if j < uint64(len(sm.definedFiles)) {
		sm.file = sm.definedFiles[j].Path
	} else {
		sm.file = ""
	}
}

func setcolumn(sm *StateMachine, buf *util.Buf) {
	c := buf.Uint()
	sm.column = uint(c)
}

func negatestmt(sm *StateMachine, buf *util.Buf) {
	sm.isStmt = !sm.isStmt
}

func setbasicblock(sm *StateMachine, buf *util.Buf) {
	sm.basicBlock = true
}

func constaddpc(sm *StateMachine, buf *util.Buf) {
	sm.address += uint64((255-sm.dbl.Prologue.OpcodeBase)/sm.dbl.Prologue.LineRange) * uint64(sm.dbl.Prologue.MinInstrLength)
}

func fixedadvancepc(sm *StateMachine, buf *util.Buf) {
	sm.address += uint64(buf.Uint16())
}

func endsequence(sm *StateMachine, buf *util.Buf) {
	sm.endSeq = true
	sm.valid = true
}

func setaddress(sm *StateMachine, buf *util.Buf) {
	// The operand fills the rest of the instruction, its length is the
	// target address size.
	size := buf.Len()
	if size != 1 && size != 2 && size != 4 && size != 8 {
		size = sm.dbl.ptrSize
	}
	sm.address = buf.Addr(size)
}

func definefile(sm *StateMachine, buf *util.Buf) {
	entry := readFileEntry(sm.dbl, buf, false)
	if entry != nil {
		sm.definedFiles = append(sm.definedFiles, entry)
	}
}

func setdiscriminator(sm *StateMachine, buf *util.Buf) {
	sm.discriminator = buf.Uint()
}

func prologueend(sm *StateMachine, buf *util.Buf) {
	sm.prologueEnd = true
}

func epiloguebegin(sm *StateMachine, buf *util.Buf) {
	sm.epilogueBegin = true
}

func setisa(sm *StateMachine, buf *util.Buf) {
	sm.isa = buf.Uint()
}

// Table maps addresses to source lines across any number of line
// programs. It is immutable once built and safe for concurrent use.
type Table struct {
	ranges []lineRange
}

type lineRange struct {
	lo, hi uint64
	file   string
	line   int
}

// NewTable executes every line program in lines and indexes the resulting
// address ranges. Programs that fail to execute contribute the rows
// decoded before the failure, the errors are returned alongside the table.
func NewTable(lines DebugLines) (*Table, []error) {
	var (
		t    = &Table{}
		errs []error
	)
	for _, dbl := range lines {
		rows, err := dbl.Rows()
		if err != nil {
			errs = append(errs, err)
		}
		for i := 0; i+1 < len(rows); i++ {
			r, next := rows[i], rows[i+1]
			if r.EndSequence || next.Address <= r.Address {
				continue
			}
			t.ranges = append(t.ranges, lineRange{lo: r.Address, hi: next.Address, file: r.File, line: r.Line})
		}
	}
	sort.SliceStable(t.ranges, func(i, j int) bool { return t.ranges[i].lo < t.ranges[j].lo })
	return t, errs
}

// PCToLine returns the file and line of the instruction at pc.
func (t *Table) PCToLine(pc uint64) (string, int, bool) {
	if t == nil {
		return "", 0, false
	}
	i := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].lo > pc })
	// Ranges of discarded sequences may overlap, look back for one that
	// still covers pc.
	for j := i - 1; j >= 0 && j >= i-4; j-- {
		r := t.ranges[j]
		if pc >= r.lo && pc < r.hi {
			return r.file, r.line, true
		}
	}
	return "", 0, false
}

// Len returns the number of address ranges in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.ranges)
}
