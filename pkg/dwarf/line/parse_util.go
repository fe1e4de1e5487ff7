package line

import (
	"errors"

	"github.com/membrowse/membrowse-action/pkg/dwarf/util"
)

const (
	_DW_FORM_block      = 0x09
	_DW_FORM_block1     = 0x0a
	_DW_FORM_block2     = 0x03
	_DW_FORM_block4     = 0x04
	_DW_FORM_data1      = 0x0b
	_DW_FORM_data2      = 0x05
	_DW_FORM_data4      = 0x06
	_DW_FORM_data8      = 0x07
	_DW_FORM_data16     = 0x1e
	_DW_FORM_flag       = 0x0c
	_DW_FORM_line_strp  = 0x1f
	_DW_FORM_sdata      = 0x0d
	_DW_FORM_sec_offset = 0x17
	_DW_FORM_string     = 0x08
	_DW_FORM_strp       = 0x0e
	_DW_FORM_strx       = 0x1a
	_DW_FORM_strx1      = 0x25
	_DW_FORM_strx2      = 0x26
	_DW_FORM_strx3      = 0x27
	_DW_FORM_strx4      = 0x28
	_DW_FORM_udata      = 0x0f
)

const (
	_DW_LNCT_path = 0x1 + iota
	_DW_LNCT_directory_index
	_DW_LNCT_timestamp
	_DW_LNCT_size
	_DW_LNCT_MD5
)

var ErrBufferUnderflow = errors.New("buffer underflow")

var errUnknownForm = errors.New("unknown form in entry format")

// formReader decodes the entries of a DWARF 5 directory or file name
// table following the entry format description that precedes it.
type formReader struct {
	info         *DebugLineInfo
	contentTypes []uint64
	formCodes    []uint64

	contentType uint64
	formCode    uint64

	u64 uint64
	i64 int64
	str string
	err error

	nexti int
}

func readEntryFormat(buf *util.Buf, info *DebugLineInfo) *formReader {
	count := buf.Uint8()
	if buf.Err != nil {
		return nil
	}
	r := &formReader{
		info:         info,
		contentTypes: make([]uint64, count),
		formCodes:    make([]uint64, count),
	}
	for i := range r.contentTypes {
		r.contentTypes[i] = buf.Uint()
		r.formCodes[i] = buf.Uint()
	}
	if buf.Err != nil {
		return nil
	}
	return r
}

func (rdr *formReader) reset() {
	rdr.err = nil
	rdr.nexti = 0
}

func (rdr *formReader) next(buf *util.Buf) bool {
	if rdr.err != nil {
		return false
	}
	if rdr.nexti >= len(rdr.contentTypes) {
		return false
	}

	rdr.contentType = rdr.contentTypes[rdr.nexti]
	rdr.formCode = rdr.formCodes[rdr.nexti]
	rdr.str = ""

	switch rdr.formCode {
	case _DW_FORM_block:
		buf.Next(buf.Uint())
	case _DW_FORM_block1:
		buf.Next(uint64(buf.Uint8()))
	case _DW_FORM_block2:
		buf.Next(uint64(buf.Uint16()))
	case _DW_FORM_block4:
		buf.Next(uint64(buf.Uint32()))
	case _DW_FORM_data16:
		buf.Next(16)

	case _DW_FORM_data1, _DW_FORM_flag, _DW_FORM_strx1:
		rdr.u64 = uint64(buf.Uint8())
	case _DW_FORM_data2, _DW_FORM_strx2:
		rdr.u64 = uint64(buf.Uint16())
	case _DW_FORM_strx3:
		rdr.u64 = buf.Uint24()
	case _DW_FORM_data4, _DW_FORM_strx4:
		rdr.u64 = uint64(buf.Uint32())
	case _DW_FORM_data8:
		rdr.u64 = buf.Uint64()

	case _DW_FORM_line_strp, _DW_FORM_sec_offset, _DW_FORM_strp:
		rdr.u64 = buf.Offset(rdr.info.Prologue.Dwarf64)

	case _DW_FORM_sdata:
		rdr.i64 = buf.Int()
	case _DW_FORM_udata, _DW_FORM_strx:
		rdr.u64 = buf.Uint()

	case _DW_FORM_string:
		rdr.str = buf.CString()

	default:
		// The size of an unknown form can not be determined, the rest of
		// the table is unreadable.
		rdr.info.Logf("unknown form code %#x", rdr.formCode)
		rdr.err = errUnknownForm
		return false
	}

	if buf.Err != nil {
		rdr.err = ErrBufferUnderflow
		return false
	}

	rdr.nexti++
	return true
}

// path returns the string value of a DW_LNCT_path entry.
func (rdr *formReader) path() string {
	switch rdr.formCode {
	case _DW_FORM_string:
		return rdr.str
	case _DW_FORM_line_strp:
		s, ok := util.StringAt(rdr.info.debugLineStr, rdr.u64)
		if !ok {
			rdr.info.Logf("invalid .debug_line_str offset %#x", rdr.u64)
		}
		return s
	default:
		rdr.info.Logf("unsupported string form %#x", rdr.formCode)
		return ""
	}
}
