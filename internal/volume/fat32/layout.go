// Package fat32 writes FAT32 volumes: BIOS parameter block, FS
// information sector, N copies of a rule-generated file allocation
// table, and directory clusters with 8.3 and long-name entries. File
// payload is referenced by extent; the cluster number of a target
// byte offset o is (o - areaOffset)/clusterSize + 2.
package fat32

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"golang.org/x/sys/unix"
)

const (
	sectorSize = 512

	// EndMark terminates a cluster chain.
	EndMark = 0x0fffffff
	// MediaMark is the FAT[0] hard-disk media entry.
	MediaMark = 0x0ffffff8

	// SeedClusters are the two reserved FAT entries (media marker and
	// end-of-chain prototype); the first usable cluster is 2.
	SeedClusters = 2

	// MinClusters keeps the volume unambiguously FAT32: below 65525
	// clusters a driver is entitled to choose FAT16.
	MinClusters = 65537

	clusterLinkSize = 4

	dirEntrySize = 32
)

// Directory entry attributes.
const (
	AttrReadOnly = 1 << 0
	AttrHidden   = 1 << 1
	AttrSystem   = 1 << 2
	AttrLabel    = 1 << 3
	AttrFolder   = 1 << 4
	AttrArchive  = 1 << 5

	attrLongName = 0x0f
)

// packDate encodes the FAT packed date (year 0 = 1980).
func packDate(t time.Time) uint16 {
	year := t.Year() - 1980
	if year < 0 {
		year = 0
	}
	return uint16(t.Day()) | uint16(t.Month())<<5 | uint16(year)<<9
}

// packTime encodes the FAT packed time (two-second resolution).
func packTime(t time.Time) uint16 {
	return uint16(t.Second()/2) | uint16(t.Minute())<<5 | uint16(t.Hour())<<11
}

func local(ts unix.Timespec) time.Time {
	return time.Unix(ts.Sec, ts.Nsec).Local()
}

// newDirEntry returns a record with space-filled name fields, the
// 8.3 blank state.
func newDirEntry() dirEntry {
	var e dirEntry
	for i := range e.base {
		e.base[i] = ' '
	}
	for i := range e.ext {
		e.ext[i] = ' '
	}
	return e
}

// dirEntry is the unpacked 8.3 directory record.
type dirEntry struct {
	base    [8]byte
	ext     [3]byte
	attrs   byte
	csecs   byte
	ctime   uint16
	cdate   uint16
	adate   uint16
	mtime   uint16
	mdate   uint16
	cluster uint32
	size    uint32
}

func (e *dirEntry) setStartCluster(cluster int64) {
	e.cluster = uint32(cluster) & 0x0fffffff
}

func (e *dirEntry) setCTime(ts unix.Timespec) {
	t := local(ts)
	e.cdate = packDate(t)
	e.ctime = packTime(t)
	centis := int(ts.Nsec / 10_000_000)
	e.csecs = byte(centis + 100*(t.Second()&1))
}

func (e *dirEntry) setMTime(ts unix.Timespec) {
	t := local(ts)
	e.mdate = packDate(t)
	e.mtime = packTime(t)
}

func (e *dirEntry) setATime(ts unix.Timespec) {
	e.adate = packDate(local(ts))
}

// setStat stores the times and the size from the source inode.
func (e *dirEntry) setStat(st *unix.Stat_t) {
	e.setATime(st.Atim)
	e.setMTime(st.Mtim)
	e.setCTime(st.Ctim)
	if e.attrs&AttrFolder == 0 && e.attrs&AttrLabel == 0 {
		e.size = uint32(st.Size)
	}
}

func (e *dirEntry) markDir() {
	e.attrs |= AttrFolder
	e.size = 0
}

// checksum links long-name entries to their short entry: a rotate-
// and-add over the 11 short-name bytes.
func (e *dirEntry) checksum() byte {
	var crc byte
	for _, c := range e.nameBytes() {
		crc = (crc&1)<<7 + crc>>1 + c
	}
	return crc
}

func (e *dirEntry) nameBytes() []byte {
	buf := make([]byte, 11)
	copy(buf[0:8], e.base[:])
	copy(buf[8:11], e.ext[:])
	return buf
}

func (e *dirEntry) bytes() []byte {
	buf := make([]byte, dirEntrySize)
	copy(buf[0:8], e.base[:])
	copy(buf[8:11], e.ext[:])
	buf[11] = e.attrs
	buf[13] = e.csecs
	le := binary.LittleEndian
	le.PutUint16(buf[14:], e.ctime)
	le.PutUint16(buf[16:], e.cdate)
	le.PutUint16(buf[18:], e.adate)
	le.PutUint16(buf[20:], uint16(e.cluster>>16))
	le.PutUint16(buf[22:], e.mtime)
	le.PutUint16(buf[24:], e.mdate)
	le.PutUint16(buf[26:], uint16(e.cluster))
	le.PutUint32(buf[28:], e.size)
	return buf
}

// dirEntryClusterOffsets are the hi/lo start-cluster fields inside a
// rendered entry, for the ".." fixup.
const (
	entOffHiCluster = 20
	entOffLoCluster = 26
)

func patchStartCluster(rec []byte, cluster int64) {
	v := uint32(cluster) & 0x0fffffff
	binary.LittleEndian.PutUint16(rec[entOffHiCluster:], uint16(v>>16))
	binary.LittleEndian.PutUint16(rec[entOffLoCluster:], uint16(v))
}

// lfnSliceChars is the character capacity of one long-name entry.
const lfnSliceChars = 13
const lfnSliceBytes = lfnSliceChars * 2

// scatterUCS2 encodes a long name as UCS-2 LE, terminates it with
// 0x0000 when there is room in the last slice, pads the tail with
// 0xFFFF, and returns the slice count.
func scatterUCS2(name []rune) ([]byte, int) {
	buf := make([]byte, 0, (len(name)+lfnSliceChars)*2)
	for _, wc := range name {
		buf = append(buf, byte(wc), byte(wc>>8))
	}
	if rem := len(buf) % lfnSliceBytes; rem != 0 {
		if rem+2 <= lfnSliceBytes {
			buf = append(buf, 0, 0)
			rem += 2
		}
		for ; rem < lfnSliceBytes; rem++ {
			buf = append(buf, 0xff)
		}
	}
	return buf, len(buf) / lfnSliceBytes
}

// lfnEntry renders one long-name slot: 13 UCS-2 characters scattered
// over three runs, the sequence number (0x40 marks the last logical,
// first physical entry), and the short-name checksum.
func lfnEntry(scattered []byte, seq int, last bool, crc byte) []byte {
	chunk := scattered[(seq-1)*lfnSliceBytes : seq*lfnSliceBytes]
	buf := make([]byte, dirEntrySize)
	seqNo := byte(seq)
	if last {
		seqNo |= 0x40
	}
	buf[0] = seqNo
	copy(buf[1:11], chunk[0:10])
	buf[11] = attrLongName
	buf[13] = crc
	copy(buf[14:26], chunk[10:22])
	copy(buf[28:32], chunk[22:26])
	return buf
}

// bootSector is the mutable BPB state, rendered lazily once the
// reserved area, FAT size and root cluster are final.
type bootSector struct {
	oemName     string
	secPerClust uint8
	reservedScc uint16
	fatCount    uint8
	allScc      uint32
	fatScc      uint32
	rootCluster uint32
	volumeID    uint32
	volName     string
}

func (b *bootSector) blockSize() int64 {
	return sectorSize * int64(b.secPerClust)
}

func (b *bootSector) setBlockSize(blkSz int64) {
	b.secPerClust = uint8(blkSz / sectorSize)
}

func (b *bootSector) render() []byte {
	buf := make([]byte, sectorSize)
	copy(buf[0:3], []byte{0xeb, 0x58, 0x90})
	padded(buf[3:11], b.oemName, "MSDOS5.0")
	le := binary.LittleEndian
	le.PutUint16(buf[11:], sectorSize)
	buf[13] = b.secPerClust
	le.PutUint16(buf[14:], b.reservedScc)
	buf[16] = b.fatCount
	buf[21] = 0xf8 // hard disk media
	le.PutUint32(buf[32:], b.allScc)
	le.PutUint32(buf[36:], b.fatScc)
	le.PutUint32(buf[44:], b.rootCluster)
	le.PutUint16(buf[48:], 1) // FS information sector
	buf[66] = 0x29            // extended boot signature
	le.PutUint32(buf[67:], b.volumeID)
	padded(buf[71:82], b.volName, "NO NAME")
	copy(buf[82:90], "FAT32   ")
	le.PutUint16(buf[510:], 0xaa55)
	return buf
}

func padded(dst []byte, s, fallback string) {
	if s == "" {
		s = fallback
	}
	n := copy(dst, s)
	for ; n < len(dst); n++ {
		dst[n] = ' '
	}
}

// infoSector is the FS information sector state.
type infoSector struct {
	freeClusters uint32
	nextFree     uint32
}

func (s *infoSector) render() []byte {
	buf := make([]byte, sectorSize)
	copy(buf[0:4], "RRaA")
	copy(buf[484:488], "rrAa")
	le := binary.LittleEndian
	le.PutUint32(buf[488:], s.freeClusters)
	le.PutUint32(buf[492:], s.nextFree)
	copy(buf[508:512], []byte{0, 0, 0x55, 0xaa})
	return buf
}

// signatureTail is the trailing signature of the two backup sectors.
func signatureTail() []byte {
	return []byte{0, 0, 0x55, 0xaa}
}

// volumeSerial compacts a label into the 32-bit volume id.
func volumeSerial(label string) uint32 {
	return crc32.ChecksumIEEE([]byte(label))
}
