// Package iso9660 writes ISO-9660 (ECMA-119) volumes with the Joliet
// Unicode supplement. File payload is referenced by extent; volume
// descriptors, directories and path tables are generated on the
// temporary medium and wrapped into the output.
package iso9660

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// BlockSize is the minimal (and only supported) CD sector size.
	BlockSize = 2048
	// PathTableCap bounds the path table entry count; parent indices
	// are 16-bit.
	PathTableCap = 1 << 16

	// Volume descriptor types.
	typePrimary    = 1
	typeSupplement = 2
	typeTerminator = 255

	standardID = "CD001"

	descSize = 2048
)

// Directory record file flags.
const (
	flagHidden = 1 << 0
	flagFolder = 1 << 1
	flagTBCont = 1 << 7 // record continues in the next extent
)

func putBoth16(buf []byte, v uint16) {
	binary.LittleEndian.PutUint16(buf[0:], v)
	binary.BigEndian.PutUint16(buf[2:], v)
}

func putBoth32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf[0:], v)
	binary.BigEndian.PutUint32(buf[4:], v)
}

// padText space-pads an A/D-character field.
func padText(buf []byte, s string) {
	n := copy(buf, s)
	for ; n < len(buf); n++ {
		buf[n] = ' '
	}
}

// quarterOff encodes a zone offset in 15-minute units from -48.
func quarterOff(t time.Time) byte {
	_, secs := t.Zone()
	return byte(secs/(15*60)) + 48
}

// decDateTime renders the 17-byte decimal descriptor timestamp.
func decDateTime(buf []byte, t time.Time) {
	stamp := t.Format("20060102150405")
	copy(buf, stamp)
	centis := t.Nanosecond() / 10_000_000
	buf[14] = byte('0' + centis/10)
	buf[15] = byte('0' + centis%10)
	buf[16] = quarterOff(t)
}

// decCleared renders the "no date" descriptor timestamp: all '0'
// digits and a zero offset.
func decCleared(buf []byte) {
	for i := 0; i < 16; i++ {
		buf[i] = '0'
	}
	buf[16] = 0
}

// entryDateTime renders the packed 7-byte directory record timestamp.
func entryDateTime(buf []byte, ts unix.Timespec) {
	t := time.Unix(ts.Sec, ts.Nsec).Local()
	buf[0] = byte(t.Year() - 1900)
	buf[1] = byte(t.Month())
	buf[2] = byte(t.Day())
	buf[3] = byte(t.Hour())
	buf[4] = byte(t.Minute())
	buf[5] = byte(t.Second())
	buf[6] = quarterOff(t)
}

// dirRecord is the unpacked form of one directory record.
type dirRecord struct {
	extentLBA uint32
	length    uint32
	mtime     unix.Timespec
	flags     byte
	name      []byte // encoded identifier (never empty: root/dot use {0})
}

const dirRecordFixed = 33

// size is the record length: fixed part + identifier, even-padded.
func (r *dirRecord) size() int {
	return (dirRecordFixed + len(r.name) + 1) &^ 1
}

func (r *dirRecord) bytes() []byte {
	buf := make([]byte, r.size())
	buf[0] = byte(len(buf))
	putBoth32(buf[2:], r.extentLBA)
	putBoth32(buf[10:], r.length)
	entryDateTime(buf[18:], r.mtime)
	buf[25] = r.flags
	putBoth16(buf[28:], 1) // volume sequence number
	buf[32] = byte(len(r.name))
	copy(buf[33:], r.name)
	return buf
}

// Fixup offsets within a rendered record, for deferred patches.
const (
	recOffExtent = 2
	recOffLength = 10
	recOffDate   = 18
)

// patchBoth32 rewrites a both-endian field inside a rendered record.
func patchBoth32(dst []byte, v uint32) { putBoth32(dst, v) }

// pathTableEntry renders one path table record in the given byte
// order: name length, zero xattr, extent, parent index, identifier,
// even padding.
func pathTableEntry(name []byte, lba uint32, parent uint16, bigEndian bool) []byte {
	buf := make([]byte, (8+len(name)+1)&^1)
	buf[0] = byte(len(name))
	if bigEndian {
		binary.BigEndian.PutUint32(buf[2:], lba)
		binary.BigEndian.PutUint16(buf[6:], parent)
	} else {
		binary.LittleEndian.PutUint32(buf[2:], lba)
		binary.LittleEndian.PutUint16(buf[6:], parent)
	}
	copy(buf[8:], name)
	return buf
}
