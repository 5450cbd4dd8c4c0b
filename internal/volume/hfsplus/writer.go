package hfsplus

import (
	"encoding/binary"
	"os"
	"sort"

	"github.com/lightlabsinc/fsview/internal/burner"
	"github.com/lightlabsinc/fsview/internal/extent"
	"github.com/lightlabsinc/fsview/internal/fault"
	"github.com/lightlabsinc/fsview/internal/geometry"
	"github.com/lightlabsinc/fsview/internal/naming"
	"github.com/lightlabsinc/fsview/internal/source"
	"github.com/lightlabsinc/fsview/internal/volume"
)

// HP is the HFS Plus (HFSX) volume writer. Standalone it owns the
// whole disk; as a hybrid slave it fills the ISO-9660 reserved system
// area and appends its metadata after the master's.
type HP struct {
	volume.Options

	// JamInodes renumbers source inodes that collide with reserved
	// catalog node IDs above the highest observed inode.
	JamInodes bool

	label string
	vol   volumeHeader
	mbr   mbrState
}

// New builds the writer.
func New() *HP { return &HP{} }

func (hp *HP) Slave() volume.Hybrid { return nil }

// SizeRange allows one or two pages per allocation block (4K or 8K on
// common systems, so whole B-tree nodes fit a block).
func (hp *HP) SizeRange() int64 { return 3 * int64(os.Getpagesize()) }

func (hp *HP) BlockSize() int64 { return int64(hp.vol.blockSize) }

func (hp *HP) SetBlockSize(blkSz int64) { hp.vol.setBlockSize(blkSz) }

func (hp *HP) SetLabels(_, label string) { hp.label = label }

// Plan lays out a standalone volume: headers, payload, metadata.
func (hp *HP) Plan(tree *source.Tree, outP, tmpP *burner.Planner) (*geometry.Colonies, error) {
	if err := hp.planHeaders(outP, tmpP); err != nil {
		return nil, err
	}
	cols, err := tree.WriteFiles(outP, outP.BlockSize())
	if err != nil {
		return nil, err
	}
	if err := hp.MasterComplete(tree, outP, tmpP, cols); err != nil {
		return nil, err
	}
	return cols, nil
}

// BlkSzHint leaves the block choice to the master.
func (hp *HP) BlkSzHint(*source.Tree, extent.Medium, extent.Medium) int64 { return 0 }

// MasterAdjusted re-runs the block size choice for this volume; the
// master's block is not binding (the HFS+ allocation block may be
// larger than the CD sector).
func (hp *HP) MasterAdjusted(tree *source.Tree, out, tmp extent.Medium, _ int64) error {
	_, err := volume.Adjust(hp, tree, out, tmp)
	return err
}

// MasterReserved fills the master's reserved system area with the MBR
// and the primary volume header.
func (hp *HP) MasterReserved(tree *source.Tree, outP, tmpP *burner.Planner, _ int64) error {
	if outP.Offset() != 0 {
		return fault.Violatedf("reserved area does not start the disk: offset %#x", outP.Offset())
	}
	return hp.planHeaders(outP, tmpP)
}

// planHeaders emits the MBR at sector 0 and the volume header at
// 0x400, via the temporary medium.
func (hp *HP) planHeaders(outP, tmpP *burner.Planner) error {
	tmp0 := tmpP.Offset()
	if _, err := tmpP.Append(extent.Lazy(extent.MapperBlockSize, hp.mbr.render)); err != nil {
		return err
	}
	if _, err := tmpP.PadTo(volHeaderOffset); err != nil {
		return err
	}
	if _, err := tmpP.Append(extent.Lazy(volHeaderSize, hp.vol.render)); err != nil {
		return err
	}
	wrapped, err := tmpP.WrapToGo(tmp0)
	if err != nil {
		return err
	}
	if _, err := outP.Append(wrapped); err != nil {
		return err
	}
	_, err = outP.AutoPad()
	return err
}

// MasterComplete builds the catalog and extents trees, the allocation
// bitmap, and the backup volume header at the end of the disk.
func (hp *HP) MasterComplete(tree *source.Tree, outP, tmpP *burner.Planner,
	cols *geometry.Colonies) error {

	blkSz := hp.BlockSize()
	renum := hp.renumber(tree)

	catalog, overflow, err := hp.buildCatalog(tree, cols, renum, blkSz)
	if err != nil {
		return err
	}

	catalogTree := newTreeBuilder()
	catalogTree.header.tuneForCatalog()
	catalogTree.header.clumpSize = uint32(blkSz)
	if err := catalogTree.compact(catalog); err != nil {
		return err
	}
	extentTree := newTreeBuilder()
	extentTree.header.tuneForOverflow()
	extentTree.header.clumpSize = uint32(blkSz)
	if err := extentTree.compact(overflow); err != nil {
		return err
	}

	catRange, err := catalogTree.wrapToGo(outP, tmpP)
	if err != nil {
		return err
	}
	hp.vol.catalogFile.setExtent(catRange.Offset, catRange.Length, blkSz)
	ovfRange, err := extentTree.wrapToGo(outP, tmpP)
	if err != nil {
		return err
	}
	hp.vol.extentsFile.setExtent(ovfRange.Offset, ovfRange.Length, blkSz)

	// The allocation bitmap must cover the blocks it occupies itself:
	// blocks ≈ bytes / (blockSize - 1/8 bit share), plus slack.
	blks := (outP.Offset()<<3)/((blkSz<<3)-1) + 2
	bits := extent.NewBitsRule(1<<16, blks)
	allobits := extent.New(0, extent.RoundUp(bits.ByteCount(), blkSz),
		extent.NewRuleMedium(bits, 1<<16))
	placed, err := tmpP.Append(allobits)
	if err != nil {
		return err
	}
	tmpAlloc, err := tmpP.WrapToGo(placed)
	if err != nil {
		return err
	}
	outPlaced, err := outP.Append(tmpAlloc)
	if err != nil {
		return err
	}
	outAlloc, err := outP.WrapToGo(outPlaced)
	if err != nil {
		return err
	}
	hp.vol.allocationFile.setExtent(outAlloc.Offset, outAlloc.Length, blkSz)
	hp.vol.attributesFile.setReserved()
	hp.vol.startupFile.setReserved()

	// Run-off: settle the total block count, recount the bitmap, and
	// plant the backup header in the last 1K.
	coblock, err := burner.Copad(outP, tmpP)
	if err != nil {
		return err
	}
	curOff := outP.Offset()
	curb := curOff / blkSz
	if curb <= blks {
		pad := coblock / blkSz
		if pad < 1 {
			pad = 1
		}
		blks = curb + pad
	}
	bits.ReserveBits(blks)
	hp.vol.totalBlocks = uint32(blks)

	length := blks * blkSz
	prepend := length - curOff - volHeaderOffset
	if prepend < 0 {
		return fault.Violatedf("volume end %#x precedes planned data %#x", length, curOff)
	}
	curTmp, err := tmpP.Append(extent.Zero(prepend))
	if err != nil {
		return err
	}
	if _, err := tmpP.Append(extent.Lazy(volHeaderSize, hp.vol.render)); err != nil {
		return err
	}
	if _, err := tmpP.Append(extent.Zero(volHeaderOffset - volHeaderSize)); err != nil {
		return err
	}
	tail, err := tmpP.WrapToGo(curTmp)
	if err != nil {
		return err
	}
	if _, err := outP.Append(tail); err != nil {
		return err
	}

	hp.vol.createDate = hfsDate(tree.Root.Stat.Ctim)
	hp.vol.modifyDate = hfsDate(tree.Root.Stat.Mtim)
	hp.vol.writeCount = hp.vol.modifyDate
	hp.vol.fileCount = uint32(len(tree.FileTable))
	hp.vol.folderCount = uint32(len(tree.PathTable) - 1)
	hp.vol.nextCatalogID = renum.nextUnused()

	hp.mbr.partitionType = 0xaf // Apple HFS+
	hp.mbr.sectors = length / extent.MapperBlockSize
	return nil
}

// renumberer keeps outgoing file IDs stable (the host may cache by
// CNID), forcing the synthetic root to the reserved root folder ID
// and lifting reserved-range collisions above the top observed inode.
type renumberer struct {
	rootIno uint64
	jam     bool
	remap   map[uint64]uint32
	top     uint32
}

func (hp *HP) renumber(tree *source.Tree) *renumberer {
	r := &renumberer{
		rootIno: tree.Root.Stat.Ino,
		jam:     hp.JamInodes,
		remap:   map[uint64]uint32{},
	}
	scan := func(e *source.Entry) {
		if ino := uint32(e.Stat.Ino); ino > r.top {
			r.top = ino
		}
	}
	for _, d := range tree.PathTable {
		scan(d)
	}
	for _, f := range tree.FileTable {
		scan(f)
	}
	return r
}

// cnid maps an entry to its catalog node ID.
func (r *renumberer) cnid(e *source.Entry) uint32 {
	if e == nil {
		return idRootParent
	}
	if e.Stat.Ino == r.rootIno && e.IsDir() {
		return idRootFolder
	}
	ino := uint32(e.Stat.Ino)
	if r.jam && ino < idFirstUserentry {
		if mapped, ok := r.remap[e.Stat.Ino]; ok {
			return mapped
		}
		r.top++
		r.remap[e.Stat.Ino] = r.top
		return r.top
	}
	return ino
}

// nextUnused is the first free CNID above everything handed out.
func (r *renumberer) nextUnused() uint32 {
	next := r.top + 1
	if next < idFirstUserentry {
		next = idFirstUserentry
	}
	return next
}

// buildCatalog renders the sorted catalog and overflow pairs.
func (hp *HP) buildCatalog(tree *source.Tree, cols *geometry.Colonies,
	renum *renumberer, blkSz int64) ([]pair, []pair, error) {

	type catEntry struct {
		key   catalogKey
		value []byte
	}
	var entries []catEntry
	overflowMap := map[extentKey]*[extentSlots]extentDesc{}

	decompose := func(e *source.Entry) []uint16 {
		if len(e.Name) == 0 {
			// The root entry renders as the volume label for Finder.
			return uniName([]rune(hp.label))
		}
		return uniName(naming.Decompose(e.Name))
	}

	add := func(e *source.Entry, cnid uint32, value []byte, isDir bool) {
		parent := renum.cnid(e.Parent)
		name := decompose(e)
		entries = append(entries,
			catEntry{key: catalogKey{parent: parent, name: name}, value: value},
			catEntry{key: catalogKey{parent: cnid}, value: threadRecord(isDir, parent, name)},
		)
	}

	// Folders, children before parents so subfolder counts settle.
	subFolders := map[*source.Entry]uint32{}
	for i := len(tree.PathTable) - 1; i >= 0; i-- {
		dir := tree.PathTable[i]
		cnid := renum.cnid(dir)
		times := timesFromStat(&dir.Stat)
		value := folderRecord(cnid, uint32(len(dir.Children)), subFolders[dir], times)
		add(dir, cnid, value, true)
		subFolders[dir.Parent]++
	}

	for _, file := range tree.FileTable {
		cnid := renum.cnid(file)
		fork := forkData{
			logicalSize: uint64(file.Stat.Size),
			clumpSize:   uint32(blkSz),
		}
		slot := 0
		runs := &fork.extents
		var blk int64
		var last *extentDesc
		for _, xt := range tree.Layout[file] {
			if xt.Length == 0 {
				continue
			}
			offset, err := cols.WithinDisk(xt)
			if err != nil {
				return nil, nil, err
			}
			startLba := uint32(offset / blkSz)
			countLba := uint32(extent.RoundUp(xt.Length, blkSz) / blkSz)
			if last != nil && last.startBlock+last.blockCount == startLba {
				last.blockCount += countLba
			} else {
				if slot == extentSlots {
					key := extentKey{fileID: cnid, forkType: dataForkType, startBlock: uint32(blk)}
					spill := &[extentSlots]extentDesc{}
					overflowMap[key] = spill
					runs = spill
					slot = 0
				}
				runs[slot] = extentDesc{startBlock: startLba, blockCount: countLba}
				last = &runs[slot]
				slot++
			}
			blk += int64(countLba)
		}
		fork.totalBlocks = uint32(blk)
		add(file, cnid, fileRecord(cnid, timesFromStat(&file.Stat), &fork), false)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].key.less(&entries[j].key)
	})
	catalog := make([]pair, len(entries))
	for i, e := range entries {
		catalog[i] = pair{key: e.key.bytes(), value: e.value}
	}

	overKeys := make([]extentKey, 0, len(overflowMap))
	for k := range overflowMap {
		overKeys = append(overKeys, k)
	}
	sort.Slice(overKeys, func(i, j int) bool { return overKeys[i].less(&overKeys[j]) })
	overflow := make([]pair, 0, len(overKeys))
	for _, k := range overKeys {
		key := k
		overflow = append(overflow, pair{key: key.bytes(), value: extentRecordBytes(overflowMap[k])})
	}
	return catalog, overflow, nil
}

// mbrState is the master boot record: one partition entry spanning
// the volume. The backup volume header lives at the end of the disk;
// the boot record stays near the start.
type mbrState struct {
	partitionType byte
	sectors       int64
}

func (m *mbrState) render() []byte {
	buf := make([]byte, extent.MapperBlockSize)
	if m.partitionType != 0 {
		entry := buf[446:462]
		entry[0] = 0x80 // bootable
		putCHS(entry[1:4], 0)
		entry[4] = m.partitionType
		putCHS(entry[5:8], m.sectors)
		binary.LittleEndian.PutUint32(entry[8:], 0) // LBA start
		binary.LittleEndian.PutUint32(entry[12:], uint32(m.sectors))
	}
	buf[510] = 0x55
	buf[511] = 0xaa
	return buf
}

// putCHS packs the cylinder/head/sector form of an LBA, clamping at
// the classic 1023/254/63 limit.
func putCHS(buf []byte, lba int64) {
	cyl := lba / 63 / 255
	head := (lba / 63) % 255
	sect := lba%63 + 1
	if cyl > 1023 {
		cyl, head, sect = 1023, 254, 63
	}
	buf[0] = byte(head)
	buf[1] = byte(sect&0x3f) | byte(cyl>>8)<<6
	buf[2] = byte(cyl)
}
