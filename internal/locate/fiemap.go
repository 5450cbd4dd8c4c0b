package locate

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lightlabsinc/fsview/internal/extent"
)

// FS_IOC_FIEMAP = _IOWR('f', 11, struct fiemap).
const fsIocFiemap = 0xc020660b

const (
	fiemapFlagSync = 0x0001 // FIEMAP_FLAG_SYNC

	fiemapHeadSize   = 32 // sizeof(struct fiemap)
	fiemapExtentSize = 56 // sizeof(struct fiemap_extent)
)

// FiemapQuerier issues the real ioctl. The first call runs with a
// zero extent budget to learn the mapping count; the second fetches
// the list.
type FiemapQuerier struct{}

func (FiemapQuerier) Query(fd int, r extent.Range, sync bool) ([]RawExtent, error) {
	n, err := fiemapCount(fd, r, sync)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return fiemapCall(fd, r, sync, n)
}

// fiemapCount asks for the number of mappings without fetching them.
func fiemapCount(fd int, r extent.Range, sync bool) (uint32, error) {
	buf := fiemapHeader(r, sync, 0)
	if err := fiemapIoctl(fd, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[20:]), nil
}

// fiemapCall fetches up to budget mappings.
func fiemapCall(fd int, r extent.Range, sync bool, budget uint32) ([]RawExtent, error) {
	buf := fiemapHeader(r, sync, budget)
	buf = append(buf, make([]byte, int(budget)*fiemapExtentSize)...)
	if err := fiemapIoctl(fd, buf); err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	mapped := le.Uint32(buf[20:])
	if mapped > budget {
		mapped = budget
	}
	out := make([]RawExtent, 0, mapped)
	for i := uint32(0); i < mapped; i++ {
		rec := buf[fiemapHeadSize+int(i)*fiemapExtentSize:]
		out = append(out, RawExtent{
			Logical:  int64(le.Uint64(rec[0:])),
			Physical: int64(le.Uint64(rec[8:])),
			Length:   int64(le.Uint64(rec[16:])),
			Flags:    le.Uint32(rec[40:]),
		})
	}
	return out, nil
}

func fiemapHeader(r extent.Range, sync bool, count uint32) []byte {
	buf := make([]byte, fiemapHeadSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], uint64(r.Offset))
	le.PutUint64(buf[8:], uint64(r.Length))
	var flags uint32
	if sync {
		flags |= fiemapFlagSync
	}
	le.PutUint32(buf[16:], flags)
	// fm_mapped_extents (20) is output; fm_extent_count at 24.
	le.PutUint32(buf[24:], count)
	return buf
}

func fiemapIoctl(fd int, buf []byte) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		fsIocFiemap, uintptr(unsafe.Pointer(&buf[0]))); errno != 0 {
		return fmt.Errorf("FS_IOC_FIEMAP: %w", errno)
	}
	return nil
}
