// Package extent models contiguous byte ranges on storage media.
//
// An Extent is a Range within a Medium. Media are cheap handles over
// their backing storage (a byte slice, an open file, a block device, a
// generator rule, or nothing at all); extents referencing them can be
// copied freely and appended to burners and planners without touching
// the payload bytes.
package extent

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MapperBlockSize is the standard 512-byte sector, the smallest unit
// the device mapper understands.
const MapperBlockSize = 512

// Range is a contiguous span in a signed 64-bit byte space.
type Range struct {
	Offset int64
	Length int64
}

// Translate shifts the range by the given delta.
func (r Range) Translate(by int64) Range {
	return Range{Offset: r.Offset + by, Length: r.Length}
}

// End returns the first byte position past the range.
func (r Range) End() int64 { return r.Offset + r.Length }

// RoundUp rounds pos up to the next multiple of blkSz.
// blkSz must be a power of two.
func RoundUp(pos, blkSz int64) int64 {
	return (pos + blkSz - 1) &^ (blkSz - 1)
}

// Padding returns the distance from pos to the next blkSz boundary.
func Padding(pos, blkSz int64) int64 {
	return RoundUp(pos, blkSz) - pos
}

// Medium is a storage a Range can point into. Any accessor may return
// its zero value, but not all of them: a medium is backed by memory
// (Data), an open descriptor (Fd), a path, or a block device.
type Medium interface {
	// Data returns the in-memory backing bytes, or nil.
	Data() []byte
	// Path returns the native filesystem path, or "".
	Path() string
	// Fd returns an open file descriptor, or -1.
	Fd() int
	// BlockDevice returns the device number this medium represents or
	// is backed by, or 0.
	BlockDevice() uint64
	// BlockSize returns the block granularity of the medium.
	BlockSize() int64
	// IsDirectDevice reports whether BlockDevice is the medium itself
	// rather than its backing storage.
	IsDirectDevice() bool
	// IsAligned reports whether ranges on this medium are block-bound.
	IsAligned() bool
	// ID identifies the medium among others of similar kind
	// (a device number, an inode number, a pointer-ish cookie).
	ID() uint64
	// WriteRange writes the given range of the medium to fd at its
	// current position.
	WriteRange(fd int, r Range) error
}

// Extent is a Range within a Medium. A nil Medium reads as zeroes.
type Extent struct {
	Range
	Medium Medium
}

// New builds an extent over the given medium.
func New(offset, length int64, m Medium) Extent {
	return Extent{Range: Range{Offset: offset, Length: length}, Medium: m}
}

// Zero returns an extent of the given length backed by nothing.
func Zero(length int64) Extent {
	return Extent{Range: Range{Length: length}}
}

// Bytes returns an extent covering the given in-memory buffer.
func Bytes(data []byte) Extent {
	return New(0, int64(len(data)), &BytesMedium{Buf: data})
}

// Lazy returns an extent whose bytes are produced at write time.
// The render callback runs when the extent is finally burned, so
// fields fixed up after planning (block counts, table locations) are
// observed in their final state.
func Lazy(length int64, render func() []byte) Extent {
	return New(0, length, &LazyMedium{Size: length, Render: render})
}

// BlockSize returns the medium block size, or the mapper sector for
// the zero medium.
func (e Extent) BlockSize() int64 {
	if e.Medium == nil {
		return MapperBlockSize
	}
	return e.Medium.BlockSize()
}

// WriteTo writes the extent payload to fd at its current position.
func (e Extent) WriteTo(fd int) error {
	if e.Medium == nil {
		return skipZero(fd, e.Length)
	}
	return e.Medium.WriteRange(fd, e.Range)
}

// writeRange is the generic medium write path: memory first, then an
// open descriptor, then a path, then sparse zeroes.
func writeRange(m Medium, fd int, r Range) error {
	if data := m.Data(); data != nil {
		return writeAll(fd, data[r.Offset:r.Offset+r.Length])
	}
	if src := m.Fd(); src >= 0 {
		return sendRange(fd, src, r)
	}
	if path := m.Path(); path != "" {
		src, err := unix.Open(path, unix.O_RDONLY, 0)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer unix.Close(src)
		return sendRange(fd, src, r)
	}
	return skipZero(fd, r.Length)
}

// sendRange copies r from src to dst using sendfile, falling back to
// pread/write when the kernel refuses the descriptor pair.
func sendRange(dst, src int, r Range) error {
	off := r.Offset
	left := r.Length
	for left > 0 {
		n, err := unix.Sendfile(dst, src, &off, int(left))
		if err == unix.EINVAL || err == unix.ENOSYS {
			return copyRange(dst, src, Range{Offset: off, Length: left})
		}
		if err != nil {
			return fmt.Errorf("sendfile: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("sendfile: short copy, %d bytes left", left)
		}
		left -= int64(n)
	}
	return nil
}

func copyRange(dst, src int, r Range) error {
	buf := make([]byte, 1<<16)
	off := r.Offset
	left := r.Length
	for left > 0 {
		want := int64(len(buf))
		if want > left {
			want = left
		}
		n, err := unix.Pread(src, buf[:want], off)
		if err != nil {
			return fmt.Errorf("pread: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("pread: unexpected EOF with %d bytes left", left)
		}
		if err := writeAll(dst, buf[:n]); err != nil {
			return err
		}
		off += int64(n)
		left -= int64(n)
	}
	return nil
}

func writeAll(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// skipZero advances fd by length without writing data. Regular files
// are extended sparsely; seekless targets get explicit zero writes.
func skipZero(fd int, length int64) error {
	if length < 0 {
		return fmt.Errorf("negative zero-fill %d", length)
	}
	if length == 0 {
		return nil
	}
	pos, err := unix.Seek(fd, length, unix.SEEK_CUR)
	if err == nil {
		// Seekable: leave a hole and make sure the size catches up.
		if ferr := unix.Ftruncate(fd, pos); ferr == nil || ferr == unix.EINVAL {
			return nil
		}
		return nil
	}
	buf := make([]byte, 1<<16)
	for length > 0 {
		want := int64(len(buf))
		if want > length {
			want = length
		}
		if err := writeAll(fd, buf[:want]); err != nil {
			return err
		}
		length -= want
	}
	return nil
}

// BytesMedium is a medium over an in-memory byte slice.
type BytesMedium struct {
	Buf []byte
}

func (m *BytesMedium) Data() []byte         { return m.Buf }
func (m *BytesMedium) Path() string         { return "" }
func (m *BytesMedium) Fd() int              { return -1 }
func (m *BytesMedium) BlockDevice() uint64  { return 0 }
func (m *BytesMedium) BlockSize() int64     { return 1 }
func (m *BytesMedium) IsDirectDevice() bool { return false }
func (m *BytesMedium) IsAligned() bool      { return false }
func (m *BytesMedium) ID() uint64           { return 0 }

func (m *BytesMedium) WriteRange(fd int, r Range) error { return writeRange(m, fd, r) }

// LazyMedium renders its bytes on demand. Used for headers whose
// fields are fixed up between planning and commit.
type LazyMedium struct {
	Size   int64
	Render func() []byte
}

func (m *LazyMedium) Data() []byte {
	data := m.Render()
	if int64(len(data)) != m.Size {
		panic(fmt.Sprintf("lazy medium rendered %d bytes, declared %d", len(data), m.Size))
	}
	return data
}

func (m *LazyMedium) Path() string         { return "" }
func (m *LazyMedium) Fd() int              { return -1 }
func (m *LazyMedium) BlockDevice() uint64  { return 0 }
func (m *LazyMedium) BlockSize() int64     { return 1 }
func (m *LazyMedium) IsDirectDevice() bool { return false }
func (m *LazyMedium) IsAligned() bool      { return false }
func (m *LazyMedium) ID() uint64           { return 0 }

func (m *LazyMedium) WriteRange(fd int, r Range) error { return writeRange(m, fd, r) }

// FileMedium is a medium over an open regular file.
type FileMedium struct {
	File *os.File
	Stat unix.Stat_t
}

// OpenFileMedium wraps an already-open file, collecting its stats.
func OpenFileMedium(f *os.File) (*FileMedium, error) {
	m := &FileMedium{File: f}
	if err := unix.Fstat(int(f.Fd()), &m.Stat); err != nil {
		return nil, fmt.Errorf("fstat %s: %w", f.Name(), err)
	}
	return m, nil
}

func (m *FileMedium) Data() []byte         { return nil }
func (m *FileMedium) Path() string         { return m.File.Name() }
func (m *FileMedium) Fd() int              { return int(m.File.Fd()) }
func (m *FileMedium) BlockDevice() uint64  { return m.Stat.Dev }
func (m *FileMedium) BlockSize() int64     { return m.Stat.Blksize }
func (m *FileMedium) IsDirectDevice() bool { return false }
func (m *FileMedium) IsAligned() bool      { return false }
func (m *FileMedium) ID() uint64           { return m.Stat.Ino }

func (m *FileMedium) WriteRange(fd int, r Range) error { return writeRange(m, fd, r) }

// DiskMedium is a medium over a block device identified by number.
type DiskMedium struct {
	Device uint64
	BS     int64
}

// NewDiskMedium builds a disk medium, defaulting the block size to the
// mapper sector.
func NewDiskMedium(dev uint64, blkSize int64) *DiskMedium {
	if blkSize == 0 {
		blkSize = MapperBlockSize
	}
	return &DiskMedium{Device: dev, BS: blkSize}
}

func (m *DiskMedium) Data() []byte         { return nil }
func (m *DiskMedium) Path() string         { return "" }
func (m *DiskMedium) Fd() int              { return -1 }
func (m *DiskMedium) BlockDevice() uint64  { return m.Device }
func (m *DiskMedium) BlockSize() int64     { return m.BS }
func (m *DiskMedium) IsDirectDevice() bool { return true }
func (m *DiskMedium) IsAligned() bool      { return true }
func (m *DiskMedium) ID() uint64           { return m.Device }

func (m *DiskMedium) WriteRange(fd int, r Range) error {
	return fmt.Errorf("disk medium %d:%d is mapped, not copied",
		unix.Major(m.Device), unix.Minor(m.Device))
}
