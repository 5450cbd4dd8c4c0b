// Package hfsplus writes HFS Plus (HFSX, case-sensitive) volumes:
// a master boot record, primary and backup volume headers, a catalog
// B-tree, an extents overflow B-tree, and an allocation bitmap. It
// works standalone or as the hybrid slave of the ISO-9660 writer,
// sharing the file area on the same target.
//
// All multi-byte integers are big-endian.
// Ref: Apple TN1150, "HFS Plus Volume Format".
package hfsplus

import (
	"encoding/binary"
	"unicode/utf16"

	"golang.org/x/sys/unix"
)

// Reserved catalog node IDs.
const (
	idRootParent     = 1
	idRootFolder     = 2
	idFirstUserentry = 16
)

// Catalog record types.
const (
	recFolder       = 0x01
	recFile         = 0x02
	recFolderThread = 0x03
	recFileThread   = 0x04
)

// Catalog record flags.
const (
	flagThreadExists   = 1 << 1
	flagHasFolderCount = 1 << 4
)

// Volume header attribute bits.
const (
	attrVolumeUnmounted = 1 << 8
	attrIDsReused       = 1 << 12
)

const (
	macRoman = 0 // text encoding hint

	volHeaderSize   = 512
	volHeaderOffset = 0x400

	forkDataSize   = 80
	extentSlots    = 8
	bsdInfoSize    = 16
	finderInfoSize = 16
	folderRecSize  = 88
	fileRecSize    = 248
	catalogKeyBase = 6 // keyLength excluded: parentID + nameLen
	extentKeySize  = 12
	extentRecSize  = 64
	dataForkType   = 0
)

// hfsDate converts a timespec to seconds since 1904-01-01 GMT.
func hfsDate(ts unix.Timespec) uint32 {
	return uint32(2082844800 + ts.Sec)
}

// extentDesc is one allocation run in fork data.
type extentDesc struct {
	startBlock uint32
	blockCount uint32
}

// forkData describes a fork's size and initial extents.
type forkData struct {
	logicalSize uint64
	clumpSize   uint32
	totalBlocks uint32
	extents     [extentSlots]extentDesc
}

// setExtent records a single-run fork.
func (f *forkData) setExtent(offset, length, blkSz int64) {
	f.logicalSize = uint64(length)
	f.totalBlocks = uint32((length + blkSz - 1) / blkSz)
	f.clumpSize = uint32(blkSz)
	f.extents[0] = extentDesc{
		startBlock: uint32(offset / blkSz),
		blockCount: f.totalBlocks,
	}
}

// setReserved marks a fork absent (the attributes and startup files).
func (f *forkData) setReserved() { *f = forkData{} }

func (f *forkData) put(buf []byte) {
	be := binary.BigEndian
	be.PutUint64(buf[0:], f.logicalSize)
	be.PutUint32(buf[8:], f.clumpSize)
	be.PutUint32(buf[12:], f.totalBlocks)
	for i, d := range f.extents {
		be.PutUint32(buf[16+8*i:], d.startBlock)
		be.PutUint32(buf[20+8*i:], d.blockCount)
	}
}

// bsdInfo renders the permission block: everyone-readable,
// owner-writable, directories executable.
func bsdInfo(buf []byte, isDir bool) {
	be := binary.BigEndian
	be.PutUint32(buf[0:], 99) // owner: everyone
	be.PutUint32(buf[4:], 99) // group: unknown
	mode := uint16(0444 | 0200)
	if isDir {
		mode |= 0111 | unix.S_IFDIR
	} else {
		mode |= unix.S_IFREG
	}
	be.PutUint16(buf[10:], mode)
	// special (iNodeNum/linkCount/rawDevice) stays zero
}

// catalogTimes is the shared head of folder and file records past the
// type/flags pair.
type catalogTimes struct {
	create, contentMod, attrMod, access, backup uint32
}

func timesFromStat(st *unix.Stat_t) catalogTimes {
	return catalogTimes{
		create:     hfsDate(st.Ctim),
		contentMod: hfsDate(st.Mtim),
		attrMod:    hfsDate(st.Ctim),
		access:     hfsDate(st.Atim),
	}
}

// folderRecord renders an HFSPlusCatalogFolder.
func folderRecord(cnid uint32, valence uint32, subfolders uint32, times catalogTimes) []byte {
	buf := make([]byte, folderRecSize)
	be := binary.BigEndian
	be.PutUint16(buf[0:], recFolder)
	flags := uint16(0)
	if subfolders > 0 {
		flags |= flagHasFolderCount
	}
	be.PutUint16(buf[2:], flags)
	be.PutUint32(buf[4:], valence)
	be.PutUint32(buf[8:], cnid)
	be.PutUint32(buf[12:], times.create)
	be.PutUint32(buf[16:], times.contentMod)
	be.PutUint32(buf[20:], times.attrMod)
	be.PutUint32(buf[24:], times.access)
	be.PutUint32(buf[28:], times.backup)
	bsdInfo(buf[32:48], true)
	// userInfo + finderInfo stay zero
	be.PutUint32(buf[80:], macRoman)
	be.PutUint32(buf[84:], subfolders)
	return buf
}

// fileRecord renders an HFSPlusCatalogFile with its data fork.
func fileRecord(cnid uint32, times catalogTimes, dataFork *forkData) []byte {
	buf := make([]byte, fileRecSize)
	be := binary.BigEndian
	be.PutUint16(buf[0:], recFile)
	be.PutUint16(buf[2:], flagThreadExists)
	be.PutUint32(buf[8:], cnid)
	be.PutUint32(buf[12:], times.create)
	be.PutUint32(buf[16:], times.contentMod)
	be.PutUint32(buf[20:], times.attrMod)
	be.PutUint32(buf[24:], times.access)
	be.PutUint32(buf[28:], times.backup)
	bsdInfo(buf[32:48], false)
	be.PutUint32(buf[80:], macRoman)
	dataFork.put(buf[88 : 88+forkDataSize])
	// resource fork stays zero
	return buf
}

// threadRecord renders a catalog thread: the way back from a CNID to
// its parent and name.
func threadRecord(isDir bool, parent uint32, name []uint16) []byte {
	buf := make([]byte, 10+2*len(name))
	be := binary.BigEndian
	typ := uint16(recFileThread)
	if isDir {
		typ = recFolderThread
	}
	be.PutUint16(buf[0:], typ)
	// reserved at 2
	be.PutUint32(buf[4:], parent)
	putUniStr(buf[8:], name)
	return buf
}

// catalogKey orders the catalog: parent CNID, then the decomposed
// name compared code unit by code unit (binary compare: HFSX is
// case-sensitive).
type catalogKey struct {
	parent uint32
	name   []uint16
}

func (k *catalogKey) less(other *catalogKey) bool {
	if k.parent != other.parent {
		return k.parent < other.parent
	}
	n := len(k.name)
	if len(other.name) < n {
		n = len(other.name)
	}
	for i := 0; i < n; i++ {
		if k.name[i] != other.name[i] {
			return k.name[i] < other.name[i]
		}
	}
	return len(k.name) < len(other.name)
}

// bytes renders the key: keyLength, parentID, counted UCS-2 name.
func (k *catalogKey) bytes() []byte {
	buf := make([]byte, 2+catalogKeyBase+2*len(k.name))
	be := binary.BigEndian
	be.PutUint16(buf[0:], uint16(len(buf)-2))
	be.PutUint32(buf[2:], k.parent)
	putUniStr(buf[6:], k.name)
	return buf
}

func putUniStr(buf []byte, name []uint16) {
	be := binary.BigEndian
	be.PutUint16(buf[0:], uint16(len(name)))
	for i, u := range name {
		be.PutUint16(buf[2+2*i:], u)
	}
}

// uniName converts a decomposed rune name to UTF-16 code units.
func uniName(name []rune) []uint16 {
	return utf16.Encode(name)
}

// extentKey orders the extents overflow tree: file, fork, start block.
type extentKey struct {
	fileID     uint32
	forkType   uint8
	startBlock uint32
}

func (k *extentKey) less(other *extentKey) bool {
	if k.fileID != other.fileID {
		return k.fileID < other.fileID
	}
	if k.forkType != other.forkType {
		return k.forkType < other.forkType
	}
	return k.startBlock < other.startBlock
}

func (k *extentKey) bytes() []byte {
	buf := make([]byte, extentKeySize)
	be := binary.BigEndian
	be.PutUint16(buf[0:], extentKeySize-2)
	buf[2] = k.forkType
	be.PutUint32(buf[4:], k.fileID)
	be.PutUint32(buf[8:], k.startBlock)
	return buf
}

// extentRecordBytes renders an overflow value: eight runs.
func extentRecordBytes(runs *[extentSlots]extentDesc) []byte {
	buf := make([]byte, extentRecSize)
	be := binary.BigEndian
	for i, d := range runs {
		be.PutUint32(buf[8*i:], d.startBlock)
		be.PutUint32(buf[8*i+4:], d.blockCount)
	}
	return buf
}

// volumeHeader is the mutable header state, rendered lazily for both
// the primary copy at 0x400 and the backup at the end of the disk.
type volumeHeader struct {
	createDate  uint32
	modifyDate  uint32
	fileCount   uint32
	folderCount uint32

	blockSize   uint32
	totalBlocks uint32

	nextCatalogID uint32
	writeCount    uint32

	allocationFile forkData
	extentsFile    forkData
	catalogFile    forkData
	attributesFile forkData
	startupFile    forkData
}

func (v *volumeHeader) setBlockSize(blkSz int64) { v.blockSize = uint32(blkSz) }

func (v *volumeHeader) render() []byte {
	buf := make([]byte, volHeaderSize)
	be := binary.BigEndian
	copy(buf[0:2], "HX") // HFSX
	be.PutUint16(buf[2:], 5)
	be.PutUint32(buf[4:], attrVolumeUnmounted|attrIDsReused)
	copy(buf[8:12], "10.0")
	// journalInfoBlock stays zero: no journal
	be.PutUint32(buf[16:], v.createDate)
	be.PutUint32(buf[20:], v.modifyDate)
	// backupDate, checkedDate stay zero
	be.PutUint32(buf[32:], v.fileCount)
	be.PutUint32(buf[36:], v.folderCount)
	be.PutUint32(buf[40:], v.blockSize)
	be.PutUint32(buf[44:], v.totalBlocks)
	// freeBlocks, nextAllocation stay zero
	be.PutUint32(buf[56:], v.blockSize) // resource clump
	be.PutUint32(buf[60:], v.blockSize) // data clump
	be.PutUint32(buf[64:], v.nextCatalogID)
	be.PutUint32(buf[68:], v.writeCount)
	be.PutUint64(buf[72:], 1<<macRoman) // encodings bitmap
	// finderInfo stays zero
	v.allocationFile.put(buf[112:])
	v.extentsFile.put(buf[192:])
	v.catalogFile.put(buf[272:])
	v.attributesFile.put(buf[352:])
	v.startupFile.put(buf[432:])
	return buf
}
