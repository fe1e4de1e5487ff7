package line

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/membrowse/membrowse-action/pkg/dwarf/util"
)

// DebugLinePrologue prologue of .debug_line data.
type DebugLinePrologue struct {
	UnitLength     uint64
	Dwarf64        bool
	Version        uint16
	AddressSize    uint8
	SegmentSelSize uint8
	Length         uint64
	MinInstrLength uint8
	MaxOpPerInstr  uint8
	InitialIsStmt  uint8
	LineBase       int8
	LineRange      uint8
	OpcodeBase     uint8
	StdOpLengths   []uint8
}

// DebugLineInfo info of .debug_line data.
type DebugLineInfo struct {
	// Offset of the unit inside .debug_line, this is the value of
	// DW_AT_stmt_list for the compile unit that owns it.
	Offset       uint64
	Prologue     *DebugLinePrologue
	IncludeDirs  []string
	FileNames    []*FileEntry
	Instructions []byte
	Lookup       map[string]*FileEntry

	Logf func(string, ...interface{})

	// debugLineStr is the contents of the .debug_line_str section.
	debugLineStr []byte
	order        binary.ByteOrder
	ptrSize      int

	// if normalizeBackslash is true all backslashes (\) will be converted into forward slashes (/)
	normalizeBackslash bool
}

// FileEntry file entry in File Name Table.
type FileEntry struct {
	Path        string
	DirIdx      uint64
	LastModTime uint64
	Length      uint64
}

type DebugLines []*DebugLineInfo

// Options describe how a .debug_line section must be decoded.
type Options struct {
	// DebugLineStr is the contents of .debug_line_str, used by DWARF 5.
	DebugLineStr []byte
	// Order is the byte order of the target, defaults to little endian.
	Order binary.ByteOrder
	// PtrSize is the size of a target address. DWARF 5 units carry their
	// own address size which takes precedence.
	PtrSize int
	// NormalizeBackslash converts Windows path separators.
	NormalizeBackslash bool
	Logf               func(string, ...interface{})
}

// ErrUnsupportedVersion is returned for line programs with a version
// outside 2 through 5.
var ErrUnsupportedVersion = errors.New("unsupported .debug_line version")

// ParseAll parses all debug_line segments found in data. Parsing stops at
// the first malformed unit, the units decoded up to that point are
// returned together with the error.
func ParseAll(data []byte, opts Options) (DebugLines, error) {
	var lines DebugLines

	buf := util.MakeBuf(".debug_line", opts.Order, 0, data)
	for buf.Len() > 0 {
		dbl, err := parseUnit("", &buf, opts)
		if err != nil {
			return lines, err
		}
		lines = append(lines, dbl)
	}

	return lines, nil
}

// Parse parses the debug_line unit starting at off. Compdir is the
// DW_AT_comp_dir attribute of the associated compile unit.
func Parse(compdir string, data []byte, off uint64, opts Options) (*DebugLineInfo, error) {
	if off >= uint64(len(data)) {
		return nil, fmt.Errorf("line program offset %#x outside of .debug_line (%d bytes)", off, len(data))
	}
	buf := util.MakeBuf(".debug_line", opts.Order, off, data[off:])
	return parseUnit(compdir, &buf, opts)
}

func parseUnit(compdir string, buf *util.Buf, opts Options) (*DebugLineInfo, error) {
	dbl := new(DebugLineInfo)
	dbl.Offset = buf.Off()
	dbl.Logf = opts.Logf
	if dbl.Logf == nil {
		dbl.Logf = func(string, ...interface{}) {}
	}
	dbl.order = buf.Order
	dbl.ptrSize = opts.PtrSize
	if dbl.ptrSize == 0 {
		dbl.ptrSize = 8
	}
	dbl.Lookup = make(map[string]*FileEntry)
	dbl.normalizeBackslash = opts.NormalizeBackslash
	dbl.debugLineStr = opts.DebugLineStr

	unitLength, dwarf64 := buf.UnitLength()
	if buf.Err != nil {
		return nil, buf.Err
	}
	unit := buf.Slice(unitLength)
	if buf.Err != nil {
		return nil, buf.Err
	}

	if err := parseDebugLinePrologue(dbl, &unit, unitLength, dwarf64); err != nil {
		return nil, err
	}

	// The program starts right after the header, whatever the tables
	// below actually consumed.
	header := unit.Slice(dbl.Prologue.Length)
	if unit.Err != nil {
		return nil, unit.Err
	}
	dbl.Instructions = unit.Bytes()

	if dbl.Prologue.Version >= 5 {
		if !parseIncludeDirs5(dbl, &header) {
			return nil, dbl.tableError(&header, "directory")
		}
		if !parseFileEntries5(dbl, &header) {
			return nil, dbl.tableError(&header, "file name")
		}
	} else {
		dbl.IncludeDirs = append(dbl.IncludeDirs, compdir)
		if !parseIncludeDirs2(dbl, &header) {
			return nil, dbl.tableError(&header, "directory")
		}
		if !parseFileEntries2(dbl, &header) {
			return nil, dbl.tableError(&header, "file name")
		}
	}

	return dbl, nil
}

func (dbl *DebugLineInfo) tableError(buf *util.Buf, table string) error {
	if buf.Err != nil {
		return fmt.Errorf("line program at %#x: reading %s table: %v", dbl.Offset, table, buf.Err)
	}
	return fmt.Errorf("line program at %#x: malformed %s table", dbl.Offset, table)
}

func parseDebugLinePrologue(dbl *DebugLineInfo, buf *util.Buf, unitLength uint64, dwarf64 bool) error {
	p := new(DebugLinePrologue)
	p.UnitLength = unitLength
	p.Dwarf64 = dwarf64

	p.Version = buf.Uint16()
	if buf.Err == nil && (p.Version < 2 || p.Version > 5) {
		return fmt.Errorf("line program at %#x: %w %d", dbl.Offset, ErrUnsupportedVersion, p.Version)
	}
	if p.Version >= 5 {
		p.AddressSize = buf.Uint8()
		p.SegmentSelSize = buf.Uint8()
		if p.AddressSize != 0 {
			dbl.ptrSize = int(p.AddressSize)
		}
	}

	p.Length = buf.Offset(dwarf64)
	p.MinInstrLength = buf.Uint8()
	if p.Version >= 4 {
		p.MaxOpPerInstr = buf.Uint8()
	} else {
		p.MaxOpPerInstr = 1
	}
	p.InitialIsStmt = buf.Uint8()
	p.LineBase = int8(buf.Uint8())
	p.LineRange = buf.Uint8()
	p.OpcodeBase = buf.Uint8()
	if buf.Err != nil {
		return buf.Err
	}
	if p.LineRange == 0 {
		return fmt.Errorf("line program at %#x: line range is zero", dbl.Offset)
	}
	if p.OpcodeBase == 0 {
		return fmt.Errorf("line program at %#x: opcode base is zero", dbl.Offset)
	}

	dbl.Prologue = p

	// Length is counted from the byte following the header_length field,
	// the standard opcode lengths belong to the header proper.
	consumed := uint64(5)
	if p.Version >= 4 {
		consumed++
	}
	if p.Length < consumed {
		return fmt.Errorf("line program at %#x: header length %d too small", dbl.Offset, p.Length)
	}
	p.Length -= consumed
	if uint64(p.OpcodeBase-1) > p.Length {
		return fmt.Errorf("line program at %#x: header length %d too small", dbl.Offset, p.Length)
	}
	p.StdOpLengths = append([]uint8(nil), buf.Next(uint64(p.OpcodeBase-1))...)
	p.Length -= uint64(p.OpcodeBase - 1)
	return buf.Err
}

// parseIncludeDirs2 parses the directory table for DWARF version 2 through 4.
func parseIncludeDirs2(info *DebugLineInfo, buf *util.Buf) bool {
	for {
		str := buf.CString()
		if buf.Err != nil {
			return false
		}
		if str == "" {
			break
		}

		info.IncludeDirs = append(info.IncludeDirs, info.normalize(str))
	}
	return true
}

// parseIncludeDirs5 parses the directory table for DWARF version 5.
func parseIncludeDirs5(info *DebugLineInfo, buf *util.Buf) bool {
	dirEntryFormReader := readEntryFormat(buf, info)
	if dirEntryFormReader == nil {
		return false
	}
	dirCount := buf.Uint()
	if buf.Err != nil || dirCount > uint64(buf.Len()) {
		return false
	}
	info.IncludeDirs = make([]string, 0, dirCount)
	for i := uint64(0); i < dirCount; i++ {
		dirEntryFormReader.reset()
		dir := ""
		for dirEntryFormReader.next(buf) {
			if dirEntryFormReader.contentType == _DW_LNCT_path {
				dir = dirEntryFormReader.path()
			}
		}
		if dirEntryFormReader.err != nil {
			info.Logf("error reading directory entries table: %v", dirEntryFormReader.err)
			return false
		}
		info.IncludeDirs = append(info.IncludeDirs, info.normalize(dir))
	}
	return true
}

// parseFileEntries2 parses the file table for DWARF 2 through 4
func parseFileEntries2(info *DebugLineInfo, buf *util.Buf) bool {
	for {
		entry := readFileEntry(info, buf, true)
		if entry == nil {
			return false
		}
		if entry.Path == "" {
			break
		}

		info.FileNames = append(info.FileNames, entry)
		info.Lookup[entry.Path] = entry
	}
	return true
}

func readFileEntry(info *DebugLineInfo, buf *util.Buf, exitOnEmptyPath bool) *FileEntry {
	entry := new(FileEntry)

	entry.Path = buf.CString()
	if buf.Err != nil {
		info.Logf("error reading file entry: %v", buf.Err)
		return nil
	}
	if entry.Path == "" && exitOnEmptyPath {
		return entry
	}

	entry.Path = info.normalize(entry.Path)

	entry.DirIdx = buf.Uint()
	entry.LastModTime = buf.Uint()
	entry.Length = buf.Uint()
	if buf.Err != nil {
		info.Logf("error reading file entry: %v", buf.Err)
		return nil
	}
	if !pathIsAbs(entry.Path) {
		if entry.DirIdx < uint64(len(info.IncludeDirs)) {
			entry.Path = path.Join(info.IncludeDirs[entry.DirIdx], entry.Path)
		}
	}

	return entry
}

// parseFileEntries5 parses the file table for DWARF 5
func parseFileEntries5(info *DebugLineInfo, buf *util.Buf) bool {
	fileEntryFormReader := readEntryFormat(buf, info)
	if fileEntryFormReader == nil {
		return false
	}
	fileCount := buf.Uint()
	if buf.Err != nil || fileCount > uint64(buf.Len()) {
		return false
	}
	info.FileNames = make([]*FileEntry, 0, fileCount)
	for i := uint64(0); i < fileCount; i++ {
		var (
			p      string
			diridx = -1

			entry = new(FileEntry)
		)

		fileEntryFormReader.reset()

		for fileEntryFormReader.next(buf) {
			switch fileEntryFormReader.contentType {
			case _DW_LNCT_path:
				p = fileEntryFormReader.path()
			case _DW_LNCT_directory_index:
				diridx = int(fileEntryFormReader.u64)
			case _DW_LNCT_timestamp:
				entry.LastModTime = fileEntryFormReader.u64
			case _DW_LNCT_size:
				entry.Length = fileEntryFormReader.u64
			}
		}
		if fileEntryFormReader.err != nil {
			info.Logf("error reading file entries table: %v", fileEntryFormReader.err)
			return false
		}

		p = info.normalize(p)
		if diridx >= 0 {
			entry.DirIdx = uint64(diridx)
		}
		if !pathIsAbs(p) && diridx >= 0 && diridx < len(info.IncludeDirs) {
			p = path.Join(info.IncludeDirs[diridx], p)
		}
		entry.Path = p
		info.FileNames = append(info.FileNames, entry)
		info.Lookup[entry.Path] = entry
	}
	return true
}

func (info *DebugLineInfo) normalize(p string) string {
	if info.normalizeBackslash {
		return strings.ReplaceAll(p, "\\", "/")
	}
	return p
}

// FileIndexBase returns the index that DW_AT_decl_file and DW_LNS_set_file
// use for the first entry of FileNames: 0 for DWARF 5, 1 before.
func (info *DebugLineInfo) FileIndexBase() uint64 {
	if info.Prologue != nil && info.Prologue.Version >= 5 {
		return 0
	}
	return 1
}

// File returns the path of the file with index idx, as referenced by
// DW_AT_decl_file and DW_LNS_set_file.
func (info *DebugLineInfo) File(idx uint64) (string, bool) {
	if info == nil {
		return "", false
	}
	base := info.FileIndexBase()
	if idx < base || idx-base >= uint64(len(info.FileNames)) {
		return "", false
	}
	return info.FileNames[idx-base].Path, true
}

// pathIsAbs returns true if this is an absolute path.
// We can not use path.IsAbs because it will not recognize windows paths as
// absolute. We also can not use filepath.Abs because we want this
// processing to be independent of the host operating system (we could be
// reading an executable file produced on windows on a unix machine or vice
// versa).
func pathIsAbs(s string) bool {
	if len(s) >= 1 && s[0] == '/' {
		return true
	}
	if len(s) >= 2 && s[1] == ':' && (('a' <= s[0] && s[0] <= 'z') || ('A' <= s[0] && s[0] <= 'Z')) {
		return true
	}
	return false
}
