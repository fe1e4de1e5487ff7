package binfile

// mapFile maps length bytes of the file fd starting at offset read-only.
// It is nil on platforms without mmap, files are read into memory there.
var mapFile func(fd int, offset int64, length int) ([]byte, error)

var unmapFile = func([]byte) error { return nil }
