package burner

import (
	"github.com/lightlabsinc/fsview/internal/extent"
)

// Vector is a burner backed by an in-memory byte slice, guaranteeing
// contiguity. Small ioctl exchange images and directory clusters are
// assembled on it.
type Vector struct {
	bs  int64
	buf []byte
}

// NewVector creates a vector burner with a client-chosen block size.
func NewVector(blkSz int64) *Vector {
	if blkSz == 0 {
		blkSz = 1
	}
	return &Vector{bs: blkSz}
}

func (v *Vector) Valid() bool { return true }

func (v *Vector) Reserve(size int64) error {
	if int64(cap(v.buf)) < size {
		grown := make([]byte, len(v.buf), size)
		copy(grown, v.buf)
		v.buf = grown
	}
	return nil
}

func (v *Vector) Offset() int64 { return int64(len(v.buf)) }

func (v *Vector) Append(x extent.Extent) (int64, error) {
	cur := v.Offset()
	switch m := x.Medium.(type) {
	case nil:
		v.buf = append(v.buf, make([]byte, x.Length)...)
	case *extent.RuleMedium:
		chunk := make([]byte, x.Length)
		m.ReadRange(chunk, x.Range)
		v.buf = append(v.buf, chunk...)
	default:
		if data := m.Data(); data != nil {
			v.buf = append(v.buf, data[x.Offset:x.Offset+x.Length]...)
		} else {
			v.buf = append(v.buf, make([]byte, x.Length)...)
		}
	}
	return cur, nil
}

func (v *Vector) Commit() error { return nil }

// PutAt patches already-appended bytes in place. Directory entry
// fixups (a parent's location learned after its children are written)
// land through here.
func (v *Vector) PutAt(off int64, data []byte) {
	copy(v.buf[off:], data)
}

// Medium surface.

func (v *Vector) Data() []byte         { return v.buf }
func (v *Vector) Path() string         { return "" }
func (v *Vector) Fd() int              { return -1 }
func (v *Vector) BlockDevice() uint64  { return 0 }
func (v *Vector) BlockSize() int64     { return v.bs }
func (v *Vector) IsDirectDevice() bool { return false }
func (v *Vector) IsAligned() bool      { return false }
func (v *Vector) ID() uint64           { return 0 }

func (v *Vector) WriteRange(fd int, r extent.Range) error {
	return (&extent.BytesMedium{Buf: v.buf}).WriteRange(fd, r)
}
