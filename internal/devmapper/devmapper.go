// Package devmapper speaks the Linux device-mapper control protocol
// directly over /dev/device-mapper ioctls: device lifecycle
// (create/suspend/resume/remove), table loading, and name queries.
//
// The exchange buffer layout follows include/uapi/linux/dm-ioctl.h: a
// fixed dm_ioctl header optionally followed by packed payload records
// (target specs on load, name list entries on list).
package devmapper

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// NameLen is DM_NAME_LEN, the mapped-device name capacity.
	NameLen = 128
	uuidLen = 129

	VersionMajor = 4

	HeaderSize = 312 // sizeof(struct dm_ioctl)
	specSize   = 40  // sizeof(struct dm_target_spec)

	dmIoctlBase = 0xfd

	cmdVersion     = 0
	cmdRemoveAll   = 1
	cmdListDevices = 2
	cmdDevCreate   = 3
	cmdDevRemove   = 4
	cmdDevSuspend  = 6
	cmdDevStatus   = 7
	cmdTableLoad   = 9
	cmdTableStatus = 12
)

// Header flags, from dm-ioctl.h.
const (
	FlagReadonly   = 1 << 0 // DM_READONLY_FLAG
	FlagSuspend    = 1 << 1 // DM_SUSPEND_FLAG
	FlagBufferFull = 1 << 8 // DM_BUFFER_FULL_FLAG
)

// ioctlFor encodes _IOWR(0xfd, nr, struct dm_ioctl).
func ioctlFor(nr uintptr) uintptr {
	const (
		iocWrite = 1
		iocRead  = 2
	)
	return (iocRead|iocWrite)<<30 | HeaderSize<<16 | dmIoctlBase<<8 | nr
}

// Header mirrors struct dm_ioctl.
type Header struct {
	Version     [3]uint32
	DataSize    uint32
	DataStart   uint32
	TargetCount uint32
	OpenCount   int32
	Flags       uint32
	EventNr     uint32
	_           uint32
	Dev         uint64
	Name        [NameLen]byte
	UUID        [uuidLen]byte
	_           [7]byte
}

func init() {
	if unsafe.Sizeof(Header{}) != HeaderSize {
		panic("dm_ioctl header size drifted")
	}
}

// SetName stores a device name in the header.
func (h *Header) SetName(name string) {
	h.Name = [NameLen]byte{}
	copy(h.Name[:], name)
}

// Marshal renders the header into its wire form.
func (h *Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], h.Version[0])
	le.PutUint32(buf[4:], h.Version[1])
	le.PutUint32(buf[8:], h.Version[2])
	le.PutUint32(buf[12:], h.DataSize)
	le.PutUint32(buf[16:], h.DataStart)
	le.PutUint32(buf[20:], h.TargetCount)
	le.PutUint32(buf[24:], uint32(h.OpenCount))
	le.PutUint32(buf[28:], h.Flags)
	le.PutUint32(buf[32:], h.EventNr)
	le.PutUint64(buf[40:], h.Dev)
	copy(buf[48:48+NameLen], h.Name[:])
	copy(buf[48+NameLen:48+NameLen+uuidLen], h.UUID[:])
	return buf
}

func (h *Header) unmarshal(buf []byte) {
	le := binary.LittleEndian
	h.Version[0] = le.Uint32(buf[0:])
	h.Version[1] = le.Uint32(buf[4:])
	h.Version[2] = le.Uint32(buf[8:])
	h.DataSize = le.Uint32(buf[12:])
	h.DataStart = le.Uint32(buf[16:])
	h.TargetCount = le.Uint32(buf[20:])
	h.OpenCount = int32(le.Uint32(buf[24:]))
	h.Flags = le.Uint32(buf[28:])
	h.EventNr = le.Uint32(buf[32:])
	h.Dev = le.Uint64(buf[40:])
	copy(h.Name[:], buf[48:48+NameLen])
	copy(h.UUID[:], buf[48+NameLen:48+NameLen+uuidLen])
}

// TargetSpec describes one table row: a sector span handled by a
// target type with a parameter string.
type TargetSpec struct {
	SectorStart uint64
	Length      uint64
	Type        string // "linear" or "zero"
	Params      string // "<major>:<minor> <sector>" for linear, "" for zero
}

// LinearParams formats the parameter string of a linear target.
func LinearParams(dev uint64, sectorOffset uint64) string {
	return fmt.Sprintf("%d:%d %d", unix.Major(dev), unix.Minor(dev), sectorOffset)
}

// Marshal renders the spec plus its null-terminated parameter string,
// padded so the next spec starts 8-byte aligned.
func (s *TargetSpec) Marshal() []byte {
	params := append([]byte(s.Params), 0)
	if pad := len(params) % 8; pad != 0 {
		params = append(params, make([]byte, 8-pad)...)
	}
	buf := make([]byte, specSize+len(params))
	le := binary.LittleEndian
	le.PutUint64(buf[0:], s.SectorStart)
	le.PutUint64(buf[8:], s.Length)
	le.PutUint32(buf[20:], uint32(specSize+len(params))) // next
	copy(buf[24:24+15], s.Type)
	copy(buf[specSize:], params)
	return buf
}

// Control is an open device-mapper control node.
type Control struct {
	fd   int
	path string
}

// Open opens the control node, typically /dev/device-mapper.
func Open(path string) (*Control, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Control{fd: fd, path: path}, nil
}

// Close releases the control node.
func (c *Control) Close() error { return unix.Close(c.fd) }

func (c *Control) newHeader(name string) *Header {
	h := &Header{}
	h.Version[0] = VersionMajor
	// minor and patch stay zero: asking for more than the running
	// kernel offers fails the version handshake
	h.SetName(name)
	h.DataStart = 0
	h.DataSize = HeaderSize
	return h
}

func (c *Control) roundTrip(cmd uintptr, buf []byte) (*Header, error) {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd),
		ioctlFor(cmd), uintptr(unsafe.Pointer(&buf[0]))); errno != 0 {
		return nil, errno
	}
	h := &Header{}
	h.unmarshal(buf)
	return h, nil
}

// Create registers a fresh read-only mapped device under name.
func (c *Control) Create(name string) (*Header, error) {
	h := c.newHeader(name)
	h.Flags = FlagReadonly
	out, err := c.roundTrip(cmdDevCreate, h.Marshal())
	if err != nil {
		return nil, fmt.Errorf("DM_DEV_CREATE %s: %w", name, err)
	}
	return out, nil
}

// Remove destroys the named mapping.
func (c *Control) Remove(name string) error {
	h := c.newHeader(name)
	if _, err := c.roundTrip(cmdDevRemove, h.Marshal()); err != nil {
		return fmt.Errorf("DM_DEV_REMOVE %s: %w", name, err)
	}
	return nil
}

// Suspend pauses I/O on the named mapping.
func (c *Control) Suspend(name string) error {
	h := c.newHeader(name)
	h.Flags = FlagSuspend
	if _, err := c.roundTrip(cmdDevSuspend, h.Marshal()); err != nil {
		return fmt.Errorf("DM_DEV_SUSPEND %s: %w", name, err)
	}
	return nil
}

// Resume swaps in the loaded table and unpauses the device, returning
// the populated header (Dev carries the assigned device number).
func (c *Control) Resume(name string) (*Header, error) {
	h := c.newHeader(name)
	h.Flags = 0 // clear suspend: resume
	out, err := c.roundTrip(cmdDevSuspend, h.Marshal())
	if err != nil {
		return nil, fmt.Errorf("DM_DEV_SUSPEND(resume) %s: %w", name, err)
	}
	return out, nil
}

// LoadTable pushes a table image (header + packed specs) built by a
// burner. The image's header fields must already be set.
func (c *Control) LoadTable(image []byte) error {
	if _, err := c.roundTrip(cmdTableLoad, image); err != nil {
		return fmt.Errorf("DM_TABLE_LOAD: %w", err)
	}
	return nil
}

// Status resolves a mapping name to its header (device number,
// open count).
func (c *Control) Status(name string) (*Header, error) {
	h := c.newHeader(name)
	out, err := c.roundTrip(cmdDevStatus, h.Marshal())
	if err != nil {
		return nil, fmt.Errorf("DM_DEV_STATUS %s: %w", name, err)
	}
	return out, nil
}

// ListDevices enumerates all mappings as name → dev_t, growing the
// exchange buffer until the kernel stops flagging it full.
func (c *Control) ListDevices() (map[string]uint64, error) {
	size := HeaderSize + 4096
	for {
		h := c.newHeader("")
		h.DataStart = HeaderSize
		h.DataSize = uint32(size)
		buf := make([]byte, size)
		copy(buf, h.Marshal())
		out, err := c.roundTrip(cmdListDevices, buf)
		if err != nil {
			return nil, fmt.Errorf("DM_LIST_DEVICES: %w", err)
		}
		if out.Flags&FlagBufferFull != 0 {
			size <<= 1
			continue
		}
		return parseNameList(buf[out.DataStart:out.DataSize]), nil
	}
}

// parseNameList walks the packed dm_name_list records:
// u64 dev, u32 next, name...
func parseNameList(data []byte) map[string]uint64 {
	out := map[string]uint64{}
	if len(data) < 12 {
		return out
	}
	le := binary.LittleEndian
	for {
		dev := le.Uint64(data[0:])
		next := le.Uint32(data[8:])
		name := data[12:]
		if end := bytes.IndexByte(name, 0); end >= 0 {
			name = name[:end]
		}
		if len(name) > 0 {
			out[string(name)] = dev
		}
		if next == 0 || int(next) >= len(data) {
			break
		}
		data = data[next:]
		if len(data) < 12 {
			break
		}
	}
	return out
}
