// Package binfile loads ELF binaries: it validates the file header and
// exposes the section table and program headers over an immutable byte
// buffer.
package binfile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/membrowse/membrowse-action/pkg/logflags"
)

var (
	// ErrMalformedBinary is returned when the magic bytes, the ELF class,
	// the data encoding or the header sizes are inconsistent.
	ErrMalformedBinary = errors.New("malformed binary")
	// ErrTruncatedHeader is returned when the section or program header
	// table extends past the end of the file.
	ErrTruncatedHeader = errors.New("truncated header")
)

// Header is the decoded ELF file header. Shnum and Shstrndx hold the
// values resolved through section 0 when the file uses extended section
// numbering.
type Header struct {
	Class      elf.Class
	Data       elf.Data
	OSABI      elf.OSABI
	ABIVersion uint8
	Type       elf.Type
	Machine    elf.Machine
	Entry      uint64
	Phoff      uint64
	Shoff      uint64
	Flags      uint32
	Ehsize     uint16
	Phentsize  uint16
	Phnum      int
	Shentsize  uint16
	Shnum      int
	Shstrndx   int
}

// Prog is a program header.
type Prog struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// File is a loaded ELF binary. It is immutable and safe for concurrent
// use once returned by Open or NewFile.
type File struct {
	Path string

	data     []byte
	unmap    func() error
	order    binary.ByteOrder
	hdr      Header
	sections []Section
	progs    []Prog
}

// Open maps the file at path into memory and parses it. This is the only
// operation of the package doing I/O, the file descriptor is released
// before Open returns. Call Close to release the mapping.
func Open(path string) (*File, error) {
	log := logflags.LoaderLogger().WithField("binary", path)

	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	fi, err := fh.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size <= 0 || int64(int(size)) != size {
		return nil, errors.Wrapf(ErrMalformedBinary, "%s: bad file size %d", path, size)
	}

	var (
		data  []byte
		unmap func() error
	)
	if mapFile != nil {
		data, err = mapFile(int(fh.Fd()), 0, int(size))
		if err != nil {
			log.Debugf("mmap failed, reading the file instead: %v", err)
			data = nil
		} else {
			mapped := data
			unmap = func() error { return unmapFile(mapped) }
		}
	}
	if data == nil {
		data = make([]byte, size)
		if _, err := io.ReadFull(fh, data); err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
	}

	f, err := NewFile(data)
	if err != nil {
		if unmap != nil {
			unmap()
		}
		return nil, errors.WithMessage(err, path)
	}
	f.Path = path
	f.unmap = unmap
	log.Debugf("loaded %d bytes, %d sections, %d program headers", len(data), len(f.sections), len(f.progs))
	return f, nil
}

// Close releases the memory mapping backing f, if any. Slices returned by
// SectionData must not be used after Close.
func (f *File) Close() error {
	if f.unmap == nil {
		return nil
	}
	err := f.unmap()
	f.unmap = nil
	f.data = nil
	return err
}

// NewFile parses an ELF binary held in memory. data is not copied and must
// not be modified afterwards.
func NewFile(data []byte) (*File, error) {
	f := &File{data: data}
	if err := f.parseHeader(); err != nil {
		return nil, err
	}
	if err := f.parseSections(); err != nil {
		return nil, err
	}
	if err := f.parseProgs(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) parseHeader() error {
	if len(f.data) < elf.EI_NIDENT {
		return errors.Wrapf(ErrMalformedBinary, "file too short (%d bytes)", len(f.data))
	}
	ident := f.data[:elf.EI_NIDENT]
	if !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) {
		return errors.Wrapf(ErrMalformedBinary, "bad magic number %x", ident[:4])
	}

	class := elf.Class(ident[elf.EI_CLASS])
	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		f.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		f.order = binary.BigEndian
	default:
		return errors.Wrapf(ErrMalformedBinary, "unknown data encoding %d", ident[elf.EI_DATA])
	}
	if v := elf.Version(ident[elf.EI_VERSION]); v != elf.EV_CURRENT {
		return errors.Wrapf(ErrMalformedBinary, "unknown ELF version %d", v)
	}

	h := &f.hdr
	h.Class = class
	h.Data = elf.Data(ident[elf.EI_DATA])
	h.OSABI = elf.OSABI(ident[elf.EI_OSABI])
	h.ABIVersion = ident[elf.EI_ABIVERSION]

	var (
		ehsize, phentsize, shentsize uint16
		shnum, phnum                 uint16
		shstrndx                     uint16
	)
	rd := bytes.NewReader(f.data)
	switch class {
	case elf.ELFCLASS32:
		var hdr elf.Header32
		if err := binary.Read(rd, f.order, &hdr); err != nil {
			return errors.Wrapf(ErrMalformedBinary, "reading file header: %v", err)
		}
		h.Type, h.Machine = elf.Type(hdr.Type), elf.Machine(hdr.Machine)
		h.Entry, h.Phoff, h.Shoff, h.Flags = uint64(hdr.Entry), uint64(hdr.Phoff), uint64(hdr.Shoff), hdr.Flags
		ehsize, phentsize, shentsize = hdr.Ehsize, hdr.Phentsize, hdr.Shentsize
		phnum, shnum, shstrndx = hdr.Phnum, hdr.Shnum, hdr.Shstrndx
	case elf.ELFCLASS64:
		var hdr elf.Header64
		if err := binary.Read(rd, f.order, &hdr); err != nil {
			return errors.Wrapf(ErrMalformedBinary, "reading file header: %v", err)
		}
		h.Type, h.Machine = elf.Type(hdr.Type), elf.Machine(hdr.Machine)
		h.Entry, h.Phoff, h.Shoff, h.Flags = hdr.Entry, hdr.Phoff, hdr.Shoff, hdr.Flags
		ehsize, phentsize, shentsize = hdr.Ehsize, hdr.Phentsize, hdr.Shentsize
		phnum, shnum, shstrndx = hdr.Phnum, hdr.Shnum, hdr.Shstrndx
	default:
		return errors.Wrapf(ErrMalformedBinary, "unknown ELF class %d", ident[elf.EI_CLASS])
	}

	want := f.sizes()
	if ehsize != want.ehdr {
		return errors.Wrapf(ErrMalformedBinary, "file header size %d, expected %d for %v", ehsize, want.ehdr, class)
	}
	if (shnum != 0 || h.Shoff != 0) && shentsize != want.shdr {
		return errors.Wrapf(ErrMalformedBinary, "section header size %d, expected %d for %v", shentsize, want.shdr, class)
	}
	if phnum != 0 && phentsize != want.phdr {
		return errors.Wrapf(ErrMalformedBinary, "program header size %d, expected %d for %v", phentsize, want.phdr, class)
	}
	h.Ehsize, h.Phentsize, h.Shentsize = ehsize, phentsize, shentsize
	h.Phnum, h.Shnum, h.Shstrndx = int(phnum), int(shnum), int(shstrndx)

	// Extended numbering: the real values live in section 0.
	if h.Shoff != 0 && (shnum == 0 || shstrndx == uint16(elf.SHN_XINDEX) || phnum == 0xffff) {
		s0, _, err := f.sectionHeader(0)
		if err != nil {
			return err
		}
		if shnum == 0 {
			h.Shnum = int(s0.Size)
			if uint64(h.Shnum) != s0.Size {
				return errors.Wrapf(ErrMalformedBinary, "bad section count %d", s0.Size)
			}
		}
		if shstrndx == uint16(elf.SHN_XINDEX) {
			h.Shstrndx = int(s0.Link)
		}
		if phnum == 0xffff {
			h.Phnum = int(s0.Info)
		}
	}
	if h.Shoff == 0 {
		h.Shnum = 0
	}
	if h.Shnum > 0 && (h.Shstrndx < 0 || h.Shstrndx >= h.Shnum) && h.Shstrndx != int(elf.SHN_UNDEF) {
		return errors.Wrapf(ErrMalformedBinary, "section name table index %d out of range (%d sections)", h.Shstrndx, h.Shnum)
	}
	return nil
}

type headerSizes struct {
	ehdr, phdr, shdr uint16
}

func (f *File) sizes() headerSizes {
	if f.hdr.Class == elf.ELFCLASS64 {
		return headerSizes{ehdr: 64, phdr: 56, shdr: 64}
	}
	return headerSizes{ehdr: 52, phdr: 32, shdr: 40}
}

// tableBounds checks that count entries of size entsize starting at off
// fit inside the file.
func (f *File) tableBounds(what string, off uint64, count int, entsize uint16) error {
	size := uint64(count) * uint64(entsize)
	end := off + size
	if end < off || end > uint64(len(f.data)) {
		return errors.Wrapf(ErrTruncatedHeader, "%s table [%#x, %#x) exceeds file size %#x", what, off, end, len(f.data))
	}
	return nil
}

func (f *File) parseProgs() error {
	h := &f.hdr
	if h.Phnum == 0 {
		return nil
	}
	if err := f.tableBounds("program header", h.Phoff, h.Phnum, h.Phentsize); err != nil {
		return err
	}
	f.progs = make([]Prog, h.Phnum)
	for i := range f.progs {
		off := h.Phoff + uint64(i)*uint64(h.Phentsize)
		rd := bytes.NewReader(f.data[off : off+uint64(h.Phentsize)])
		p := &f.progs[i]
		if h.Class == elf.ELFCLASS64 {
			var ph elf.Prog64
			if err := binary.Read(rd, f.order, &ph); err != nil {
				return errors.Wrapf(ErrTruncatedHeader, "program header %d: %v", i, err)
			}
			*p = Prog{Type: elf.ProgType(ph.Type), Flags: elf.ProgFlag(ph.Flags), Off: ph.Off, Vaddr: ph.Vaddr, Paddr: ph.Paddr, Filesz: ph.Filesz, Memsz: ph.Memsz, Align: ph.Align}
		} else {
			var ph elf.Prog32
			if err := binary.Read(rd, f.order, &ph); err != nil {
				return errors.Wrapf(ErrTruncatedHeader, "program header %d: %v", i, err)
			}
			*p = Prog{Type: elf.ProgType(ph.Type), Flags: elf.ProgFlag(ph.Flags), Off: uint64(ph.Off), Vaddr: uint64(ph.Vaddr), Paddr: uint64(ph.Paddr), Filesz: uint64(ph.Filesz), Memsz: uint64(ph.Memsz), Align: uint64(ph.Align)}
		}
	}
	return nil
}

// Header returns the decoded file header.
func (f *File) Header() Header { return f.hdr }

// ByteOrder returns the byte order of the target.
func (f *File) ByteOrder() binary.ByteOrder { return f.order }

// PtrSize returns the size of a target address in bytes.
func (f *File) PtrSize() int {
	if f.hdr.Class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

// Progs returns the program headers.
func (f *File) Progs() []Prog { return f.progs }

// Size returns the size of the file in bytes.
func (f *File) Size() int { return len(f.data) }

// Fingerprint returns a hash of the file contents, identical inputs have
// identical fingerprints.
func (f *File) Fingerprint() uint64 {
	return xxhash.Sum64(f.data)
}

// Relocatable reports whether f is an object file, whose symbol values
// are offsets inside their section rather than addresses.
func (f *File) Relocatable() bool {
	return f.hdr.Type == elf.ET_REL
}
