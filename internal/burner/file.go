package burner

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/lightlabsinc/fsview/internal/extent"
	"github.com/lightlabsinc/fsview/internal/platform"
)

// createMode is the permission set of burner-created files.
const createMode = 0640

// File is a burner backed by a regular file. Like a character device,
// it has no block discipline of its own (block size 1).
type File struct {
	f     *os.File
	own   bool
	bs    int64
	rdev  uint64
	isDev bool
}

// NewFile creates (truncates) a file at path and burns into it.
func NewFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, createMode)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return &File{f: f, own: true, bs: 1}, nil
}

// AdoptFile wraps an already-open file without assuming ownership.
func AdoptFile(f *os.File) *File {
	return &File{f: f, bs: 1}
}

// NewMemfd creates a burner over an anonymous memory-resident file
// with a client-chosen block size.
func NewMemfd(name string, blkSz int64) (*File, error) {
	f, err := platform.Memfd(name)
	if err != nil {
		return nil, err
	}
	if blkSz == 0 {
		blkSz = 1
	}
	return &File{f: f, own: true, bs: blkSz}, nil
}

// Close releases the descriptor if owned.
func (b *File) Close() error {
	if b.own && b.f != nil {
		return b.f.Close()
	}
	return nil
}

func (b *File) Valid() bool { return b.f != nil }

func (b *File) Reserve(int64) error { return nil }

func (b *File) Offset() int64 {
	pos, err := unix.Seek(int(b.f.Fd()), 0, unix.SEEK_CUR)
	if err != nil {
		return 0
	}
	return pos
}

func (b *File) Append(x extent.Extent) (int64, error) {
	cur := b.Offset()
	if x.Length == 0 {
		return cur, nil
	}
	if err := x.WriteTo(int(b.f.Fd())); err != nil {
		return cur, err
	}
	return cur, nil
}

func (b *File) Commit() error {
	if err := b.f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", b.f.Name(), err)
	}
	return nil
}

// Medium surface.

func (b *File) Data() []byte         { return nil }
func (b *File) Path() string         { return b.f.Name() }
func (b *File) Fd() int              { return int(b.f.Fd()) }
func (b *File) BlockDevice() uint64  { return b.rdev }
func (b *File) BlockSize() int64     { return b.bs }
func (b *File) IsDirectDevice() bool { return b.isDev }
func (b *File) IsAligned() bool      { return b.bs > 1 }
func (b *File) ID() uint64           { return uint64(b.f.Fd()) }

func (b *File) WriteRange(fd int, r extent.Range) error {
	m, err := extent.OpenFileMedium(b.f)
	if err != nil {
		return err
	}
	return m.WriteRange(fd, r)
}
