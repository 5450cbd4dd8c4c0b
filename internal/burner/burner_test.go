package burner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightlabsinc/fsview/internal/extent"
	"github.com/lightlabsinc/fsview/internal/fault"
)

func TestVectorAppend(t *testing.T) {
	vb := NewVector(4)
	at, err := vb.Append(extent.Bytes([]byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, int64(0), at)

	at, err = vb.Append(extent.Zero(2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), at)

	assert.Equal(t, []byte{'a', 'b', 'c', 0, 0}, vb.Data())
}

func TestVectorPutAt(t *testing.T) {
	vb := NewVector(1)
	_, err := vb.Append(extent.Bytes([]byte{1, 2, 3, 4}))
	require.NoError(t, err)
	vb.PutAt(1, []byte{9, 9})
	assert.Equal(t, []byte{1, 9, 9, 4}, vb.Data())
}

func TestPlannerBookkeeping(t *testing.T) {
	vb := NewVector(1)
	p := NewPlanner(vb)

	at, err := p.Append(extent.Bytes([]byte("abcd")))
	require.NoError(t, err)
	assert.Equal(t, int64(0), at)
	assert.Equal(t, int64(4), p.Offset())

	// Nothing reaches the burner before commit.
	assert.Empty(t, vb.Data())

	p.RequestBlockSize(8)
	pad, err := p.AutoPad()
	require.NoError(t, err)
	assert.Equal(t, int64(4), pad)
	assert.Equal(t, int64(8), p.Offset())

	require.NoError(t, p.Commit())
	assert.Equal(t, []byte{'a', 'b', 'c', 'd', 0, 0, 0, 0}, vb.Data())
}

func TestPlannerRejectsNegativeLength(t *testing.T) {
	p := NewPlanner(NewVector(1))
	_, err := p.Append(extent.Extent{Range: extent.Range{Length: -1}})
	require.ErrorIs(t, err, fault.ErrAssertion)
}

func TestPlannerBlockSizeSticky(t *testing.T) {
	p := NewPlanner(NewVector(4))
	assert.Equal(t, int64(4), p.BlockSize())
	p.RequestBlockSize(2)
	assert.Equal(t, int64(4), p.BlockSize())
	p.RequestBlockSize(16)
	assert.Equal(t, int64(16), p.BlockSize())
	p.RequestBlockSize(8)
	assert.Equal(t, int64(16), p.BlockSize())
}

func TestWrapToGo(t *testing.T) {
	vb := NewVector(1)
	p := NewPlanner(vb)
	p.RequestBlockSize(4)

	_, err := p.Append(extent.Bytes([]byte("xy")))
	require.NoError(t, err)
	since, err := p.Append(extent.Bytes([]byte("zw")))
	require.NoError(t, err)
	_, err = p.Append(extent.Bytes([]byte("k")))
	require.NoError(t, err)

	wrapped, err := p.WrapToGo(since)
	require.NoError(t, err)
	assert.Equal(t, int64(2), wrapped.Offset)
	// zw + k padded to the 4-byte block boundary at 8.
	assert.Equal(t, int64(6), wrapped.Length)
	assert.Same(t, vb, wrapped.Medium.(*Vector))
}

func TestCopad(t *testing.T) {
	left := NewPlanner(NewVector(1))
	right := NewPlanner(NewVector(1))
	left.RequestBlockSize(4)
	right.RequestBlockSize(8)
	_, err := left.Append(extent.Zero(3))
	require.NoError(t, err)
	_, err = right.Append(extent.Zero(5))
	require.NoError(t, err)

	common, err := Copad(left, right)
	require.NoError(t, err)
	assert.Equal(t, int64(8), common)
	assert.Equal(t, int64(8), left.Offset())
	assert.Equal(t, int64(8), right.Offset())
}

func TestFileBurner(t *testing.T) {
	dir := t.TempDir()
	fb, err := NewFile(filepath.Join(dir, "image"))
	require.NoError(t, err)
	defer fb.Close()

	p := NewPlanner(fb)
	_, err = p.Append(extent.Bytes([]byte("head")))
	require.NoError(t, err)
	_, err = p.Append(extent.Zero(4))
	require.NoError(t, err)
	_, err = p.Append(extent.Bytes([]byte("tail")))
	require.NoError(t, err)
	require.NoError(t, p.Commit())

	data, err := os.ReadFile(fb.Path())
	require.NoError(t, err)
	assert.Equal(t, []byte("head\x00\x00\x00\x00tail"), data)
}

func TestMemfdBurner(t *testing.T) {
	mb, err := NewMemfd("test", 512)
	require.NoError(t, err)
	defer mb.Close()

	assert.Equal(t, int64(512), mb.BlockSize())
	_, err = mb.Append(extent.Bytes([]byte("mem")))
	require.NoError(t, err)
	require.NoError(t, mb.Commit())
	assert.Equal(t, int64(3), mb.Offset())
}

func TestFileBurnerFromRuleMedium(t *testing.T) {
	dir := t.TempDir()
	fb, err := NewFile(filepath.Join(dir, "rule"))
	require.NoError(t, err)
	defer fb.Close()

	bits := extent.NewBitsRule(4, 12)
	med := extent.NewRuleMedium(bits, 4)
	_, err = fb.Append(extent.New(0, 4, med))
	require.NoError(t, err)

	data, err := os.ReadFile(fb.Path())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xf0, 0, 0}, data)
}

func TestDiskTableImage(t *testing.T) {
	// The ioctl image can be assembled without a control node: header
	// plus specs on a vector planner, the way Disk.Commit builds it.
	vb := NewVector(8)
	p := NewPlanner(vb)
	_, err := p.Append(extent.Bytes(make([]byte, 312)))
	require.NoError(t, err)
	spec := make([]byte, 48)
	_, err = p.Append(extent.Bytes(spec))
	require.NoError(t, err)
	require.NoError(t, p.Commit())
	assert.Equal(t, int64(360), vb.Offset())
}
