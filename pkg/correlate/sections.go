package correlate

import (
	"bytes"
	"compress/zlib"
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/membrowse/membrowse-action/pkg/binfile"
)

// debugSection returns the contents of the .debug_<name> section,
// decompressing it if needed. A missing section returns nil and no error.
// For example debugSection(f, "line") returns the contents of .debug_line,
// or the decompressed contents of .zdebug_line if .debug_line does not
// exist.
func debugSection(f *binfile.File, name string) ([]byte, error) {
	if sec := f.SectionByName(".debug_" + name); sec != nil {
		b, err := f.SectionData(sec)
		if err != nil {
			return nil, err
		}
		if sec.Flags&elf.SHF_COMPRESSED != 0 {
			return decompressSection(f, b)
		}
		return b, nil
	}
	sec := f.SectionByName(".zdebug_" + name)
	if sec == nil {
		return nil, nil
	}
	b, err := f.SectionData(sec)
	if err != nil {
		return nil, err
	}
	return decompressMaybe(b)
}

// decompressSection decodes a SHF_COMPRESSED section: a compression header
// followed by the zlib stream.
func decompressSection(f *binfile.File, b []byte) ([]byte, error) {
	var (
		typ  elf.CompressionType
		size uint64
		hdr  int
	)
	rd := bytes.NewReader(b)
	if f.PtrSize() == 8 {
		var ch elf.Chdr64
		if err := binary.Read(rd, f.ByteOrder(), &ch); err != nil {
			return nil, errors.Wrap(err, "reading compression header")
		}
		typ, size, hdr = elf.CompressionType(ch.Type), ch.Size, binary.Size(ch)
	} else {
		var ch elf.Chdr32
		if err := binary.Read(rd, f.ByteOrder(), &ch); err != nil {
			return nil, errors.Wrap(err, "reading compression header")
		}
		typ, size, hdr = elf.CompressionType(ch.Type), uint64(ch.Size), binary.Size(ch)
	}
	if typ != elf.COMPRESS_ZLIB {
		return nil, errors.Errorf("unsupported compression type %v", typ)
	}
	return inflate(b[hdr:], size)
}

func decompressMaybe(b []byte) ([]byte, error) {
	if len(b) < 12 || string(b[:4]) != "ZLIB" {
		// not compressed
		return b, nil
	}
	return inflate(b[12:], binary.BigEndian.Uint64(b[4:12]))
}

func inflate(b []byte, size uint64) ([]byte, error) {
	// a compressed stream never expands by more than about 1032:1
	if size > uint64(len(b))*1032+1024 {
		return nil, errors.Errorf("implausible decompressed size %d for %d bytes", size, len(b))
	}
	dbuf := make([]byte, size)
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, dbuf); err != nil {
		return nil, err
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return dbuf, nil
}
