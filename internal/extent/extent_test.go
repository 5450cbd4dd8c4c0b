package extent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundUpPadding(t *testing.T) {
	assert.Equal(t, int64(0), RoundUp(0, 512))
	assert.Equal(t, int64(512), RoundUp(1, 512))
	assert.Equal(t, int64(512), RoundUp(512, 512))
	assert.Equal(t, int64(1024), RoundUp(513, 512))

	assert.Equal(t, int64(0), Padding(512, 512))
	assert.Equal(t, int64(511), Padding(1, 512))
}

func TestBytesMediumWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	defer f.Close()

	x := Bytes([]byte("hello world"))
	require.NoError(t, x.WriteTo(int(f.Fd())))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestZeroExtentLeavesHole(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, Zero(4096).WriteTo(int(f.Fd())))
	require.NoError(t, Bytes([]byte("x")).WriteTo(int(f.Fd())))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 4097)
	for i := 0; i < 4096; i++ {
		require.Zero(t, data[i])
	}
	assert.Equal(t, byte('x'), data[4096])
}

func TestFileMediumSendsRange(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, []byte("0123456789"), 0644))
	f, err := os.Open(src)
	require.NoError(t, err)
	defer f.Close()
	m, err := OpenFileMedium(f)
	require.NoError(t, err)

	out, err := os.OpenFile(filepath.Join(dir, "dst"), os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	defer out.Close()

	x := New(2, 5, m)
	require.NoError(t, x.WriteTo(int(out.Fd())))

	data, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Equal(t, "23456", string(data))
}

func TestBitsRuleFill(t *testing.T) {
	// 13 bits: one 0xFF byte, then 0xF8 (5 leading bits), then zeroes.
	bits := NewBitsRule(8, 13)
	buf := make([]byte, 8)
	bits.Fill(buf, 0)
	assert.Equal(t, []byte{0xff, 0xf8, 0, 0, 0, 0, 0, 0}, buf)

	// Offset past the set region stays zero.
	bits.Fill(buf, 8)
	assert.Equal(t, make([]byte, 8), buf)

	// Whole-byte counts have no trailing byte.
	bits = NewBitsRule(8, 16)
	bits.Fill(buf, 0)
	assert.Equal(t, []byte{0xff, 0xff, 0, 0, 0, 0, 0, 0}, buf)
}

func TestBitsRuleByteCount(t *testing.T) {
	bits := NewBitsRule(512, 0)
	bits.ReserveBits(13)
	assert.Equal(t, int64(2), bits.ByteCount())
	bits.ReserveBits(16)
	assert.Equal(t, int64(2), bits.ByteCount())
	bits.ReserveBits(17)
	assert.Equal(t, int64(3), bits.ByteCount())
}

type countRule struct{ chunk int64 }

func (r countRule) ChunkSize() int64 { return r.chunk }

func (r countRule) Fill(chunk []byte, offset int64) {
	for i := range chunk {
		chunk[i] = byte(offset) + byte(i)
	}
}

func TestRuleMediumAmendments(t *testing.T) {
	m := NewRuleMedium(countRule{chunk: 4}, 1)
	m.Amend32(4, 0xdeadbeef)

	buf := make([]byte, 12)
	m.ReadRange(buf, Range{Offset: 0, Length: 12})
	assert.Equal(t, []byte{0, 1, 2, 3}, buf[0:4])
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, buf[4:8])
	assert.Equal(t, []byte{8, 9, 10, 11}, buf[8:12])
}

func TestRuleMediumWriteRange(t *testing.T) {
	dir := t.TempDir()
	f, err := os.OpenFile(filepath.Join(dir, "rule"), os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	defer f.Close()

	m := NewRuleMedium(countRule{chunk: 4}, 1)
	m.Amend(2, []byte{0xaa})
	require.NoError(t, m.WriteRange(int(f.Fd()), Range{Offset: 0, Length: 8}))

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 0xaa, 3, 4, 5, 6, 7}, data)
}
