package devmapper

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{}
	h.Version[0] = VersionMajor
	h.DataSize = 4096
	h.DataStart = HeaderSize
	h.TargetCount = 3
	h.Flags = FlagReadonly
	h.Dev = 0xfd02
	h.SetName("virtualcd")

	buf := h.Marshal()
	require.Len(t, buf, HeaderSize)

	var back Header
	back.unmarshal(buf)
	assert.Equal(t, *h, back)
}

func TestSetNameClearsPrevious(t *testing.T) {
	h := &Header{}
	h.SetName("a-very-long-device-name")
	h.SetName("short")
	assert.Equal(t, byte(0), h.Name[5])
	assert.Equal(t, "short", string(h.Name[:5]))
}

func TestTargetSpecLinear(t *testing.T) {
	spec := TargetSpec{
		SectorStart: 128,
		Length:      2048,
		Type:        "linear",
		Params:      LinearParams(0xfd02, 64),
	}
	buf := spec.Marshal()
	le := binary.LittleEndian
	assert.Equal(t, uint64(128), le.Uint64(buf[0:]))
	assert.Equal(t, uint64(2048), le.Uint64(buf[8:]))
	assert.Zero(t, le.Uint32(buf[16:])) // status
	assert.Equal(t, uint32(len(buf)), le.Uint32(buf[20:]))
	assert.Equal(t, "linear", string(buf[24:30]))
	assert.Zero(t, buf[30])

	// Parameters are null-terminated and 8-byte padded.
	assert.Zero(t, len(buf)%8)
	params := buf[40:]
	assert.Equal(t, "253:2 64", string(params[:8]))
	assert.Zero(t, params[8])
}

func TestTargetSpecZero(t *testing.T) {
	spec := TargetSpec{SectorStart: 0, Length: 16, Type: "zero"}
	buf := spec.Marshal()
	// The empty parameter string still expands to a padded null.
	assert.Equal(t, 48, len(buf))
	assert.Equal(t, "zero", string(buf[24:28]))
	assert.Zero(t, buf[40])
}

func TestParseNameList(t *testing.T) {
	rec := func(dev uint64, name string, next uint32) []byte {
		buf := make([]byte, 12+len(name)+1)
		binary.LittleEndian.PutUint64(buf[0:], dev)
		binary.LittleEndian.PutUint32(buf[8:], next)
		copy(buf[12:], name)
		return buf
	}
	first := rec(0xfd01, "userdata", 24)
	first = append(first, make([]byte, 24-len(first))...)
	second := rec(0xfd02, "virtualcd", 0)

	out := parseNameList(append(first, second...))
	assert.Equal(t, uint64(0xfd01), out["userdata"])
	assert.Equal(t, uint64(0xfd02), out["virtualcd"])
	assert.Len(t, out, 2)
}

func TestParseNameListEmpty(t *testing.T) {
	assert.Empty(t, parseNameList(nil))
}

func TestIoctlEncoding(t *testing.T) {
	// _IOWR(0xfd, 3, 312-byte struct): dir 3, size 312, type 0xfd.
	code := ioctlFor(cmdDevCreate)
	assert.Equal(t, uintptr(3), code>>30)
	assert.Equal(t, uintptr(HeaderSize), (code>>16)&0x3fff)
	assert.Equal(t, uintptr(0xfd), (code>>8)&0xff)
	assert.Equal(t, uintptr(cmdDevCreate), code&0xff)
}
