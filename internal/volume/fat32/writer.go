package fat32

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/lightlabsinc/fsview/internal/burner"
	"github.com/lightlabsinc/fsview/internal/extent"
	"github.com/lightlabsinc/fsview/internal/fault"
	"github.com/lightlabsinc/fsview/internal/geometry"
	"github.com/lightlabsinc/fsview/internal/naming"
	"github.com/lightlabsinc/fsview/internal/source"
	"github.com/lightlabsinc/fsview/internal/volume"
)

// VF is the FAT32 volume writer.
type VF struct {
	volume.Options

	boot bootSector
	info infoSector
}

// New builds the writer with two FAT copies, the legacy-safe default.
func New() *VF {
	vf := &VF{}
	vf.boot.fatCount = 2
	vf.info.nextFree = 0
	return vf
}

// SizeRange allows clusters of 1 to 32 sectors (the cautious side of
// the BPB design).
func (vf *VF) SizeRange() int64 { return 63 * extent.MapperBlockSize }

func (vf *VF) BlockSize() int64 { return vf.boot.blockSize() }

func (vf *VF) SetBlockSize(blkSz int64) { vf.boot.setBlockSize(blkSz) }

// FatCount returns the configured FAT copy count.
func (vf *VF) FatCount() int { return int(vf.boot.fatCount) }

// SetFatCount overrides the FAT copy count.
func (vf *VF) SetFatCount(n int) { vf.boot.fatCount = uint8(n) }

func (vf *VF) Slave() volume.Hybrid { return nil }

func (vf *VF) SetLabels(system, label string) {
	vf.boot.oemName = system
	vf.boot.volName = label
	vf.boot.volumeID = volumeSerial(label)
}

// clusterCount estimates the cluster total: file payload, directory
// entries, initial directory clusters, requested free room; floored
// so the volume is unambiguously FAT32.
func (vf *VF) clusterCount(tree *source.Tree) int64 {
	blkSz := vf.BlockSize()
	footprint := tree.TotalLength()
	entries := int64(len(tree.FileTable)) + int64(len(tree.PathTable))*4
	footprint += entries * dirEntrySize
	footprint += blkSz * int64(len(tree.PathTable))
	footprint += extent.RoundUp(vf.ExtraRoom, blkSz)
	footprint = extent.RoundUp(footprint, blkSz)
	count := footprint/blkSz + SeedClusters
	if count < MinClusters {
		count = MinClusters
	}
	return count
}

// planHeaders emits the reserved area: boot sector, FS information
// sector, and two signature-only backup sectors, each padded to the
// cluster. The reserved sector count is what it adds up to.
func (vf *VF) planHeaders(p *burner.Planner) error {
	if _, err := p.Append(extent.Lazy(sectorSize, vf.boot.render)); err != nil {
		return err
	}
	if _, err := p.PadTo(extent.MapperBlockSize); err != nil {
		return err
	}
	if _, err := p.Append(extent.Lazy(sectorSize, vf.info.render)); err != nil {
		return err
	}
	for i := 0; i < 2; i++ {
		if _, err := p.Append(extent.Zero(sectorSize - 4)); err != nil {
			return err
		}
		if _, err := p.Append(extent.Bytes(signatureTail())); err != nil {
			return err
		}
		if _, err := p.PadTo(vf.BlockSize()); err != nil {
			return err
		}
	}
	vf.boot.reservedScc = uint16(p.Offset() / extent.MapperBlockSize)
	return nil
}

// Plan lays out the volume: reserved area, N FAT copies, file
// payload, cluster chains, directories, trailing free space.
func (vf *VF) Plan(tree *source.Tree, outP, tmpP *burner.Planner) (*geometry.Colonies, error) {
	blkSz := vf.BlockSize()
	blkCount := vf.clusterCount(tree)
	// The FAT occupies whole clusters.
	blkCount = extent.RoundUp(blkCount, blkSz/clusterLinkSize)
	fatSize := blkCount * clusterLinkSize
	vf.boot.fatScc = uint32(fatSize / sectorSize)
	vf.boot.allScc = uint32(blkCount * int64(vf.boot.secPerClust))
	vf.info.nextFree = uint32(blkCount - 1)

	fat := newTable(vf.Scratch)
	fat.Reserve(blkCount)
	fat.SeedMarkers()
	if !vf.Scratch {
		if err := fat.SetLast(blkCount - 1); err != nil {
			return nil, err
		}
	}

	if err := vf.planHeaders(tmpP); err != nil {
		return nil, err
	}
	headers, err := tmpP.WrapToGo(0)
	if err != nil {
		return nil, err
	}
	if _, err := outP.Append(headers); err != nil {
		return nil, err
	}

	// The same wrapped table extent maps N times.
	fatAt, err := tmpP.Append(extent.New(0, fatSize, fat.Medium()))
	if err != nil {
		return nil, err
	}
	fatX, err := tmpP.WrapToGo(fatAt)
	if err != nil {
		return nil, err
	}
	for i := 0; i < vf.FatCount(); i++ {
		if _, err := outP.Append(fatX); err != nil {
			return nil, err
		}
	}

	cols, err := tree.WriteFiles(outP, outP.BlockSize())
	if err != nil {
		return nil, err
	}
	// Step two clusters back so target offsets divide straight into
	// cluster numbers (the first usable cluster is 2).
	cols.AreaOffset -= SeedClusters * blkSz

	if err := vf.chainFiles(tree, cols, fat, blkSz); err != nil {
		return nil, err
	}

	innerOff := tmpP.Offset()
	tmpToOut := outP.Offset() - innerOff
	tmpToFat := tmpToOut - cols.AreaOffset
	if err := vf.writeDirectories(tree, cols, fat, tmpP, tmpToFat, blkSz); err != nil {
		return nil, err
	}

	tail, err := tmpP.WrapToGo(innerOff)
	if err != nil {
		return nil, err
	}
	if _, err := outP.Append(tail); err != nil {
		return nil, err
	}
	if _, err := outP.AutoPad(); err != nil {
		return nil, err
	}

	// Claim the remaining space the FAT already accounts for.
	endOffset := outP.Offset() - (cols.AreaOffset + SeedClusters*blkSz)
	maxOffset := blkCount * blkSz
	extra := maxOffset - endOffset
	if extra < 0 {
		return nil, fault.Violatedf("FAT underflow: planned %#x past claimed %#x", endOffset, maxOffset)
	}
	if extra > 0 {
		if _, err := outP.Append(extent.Zero(extra)); err != nil {
			return nil, err
		}
	}

	if vf.Scratch {
		vf.info.nextFree = uint32(endOffset/blkSz + SeedClusters)
		vf.info.freeClusters = uint32(extra / blkSz)
	}
	return cols, nil
}

func firstBlk(offset, blkSz int64) (int64, error) {
	if offset%blkSz != 0 {
		return 0, fault.Violatedf("range starts mid-cluster: %#x %% %#x", offset, blkSz)
	}
	return offset / blkSz, nil
}

func lastBlk(offset, length, blkSz int64) int64 {
	return (offset + length - 1) / blkSz
}

// chainFiles populates the FAT chains. Extent lists are walked in
// reverse so each extent knows its successor's first cluster.
func (vf *VF) chainFiles(tree *source.Tree, cols *geometry.Colonies, fat *table, blkSz int64) error {
	for _, file := range tree.FileTable {
		layout := tree.Layout[file]
		if len(layout) == 0 || file.Stat.Size == 0 {
			// Empty files have no chain; their entries keep cluster 0.
			continue
		}
		curr := layout[len(layout)-1]
		currOff, err := cols.WithinArea(curr)
		if err != nil {
			return err
		}
		first, err := firstBlk(currOff, blkSz)
		if err != nil {
			return err
		}
		last := lastBlk(currOff, curr.Length, blkSz)
		if err := fat.SetLine(first, last); err != nil {
			return err
		}
		if err := fat.SetLast(last); err != nil {
			return err
		}
		currFirst := first
		for i := len(layout) - 2; i >= 0; i-- {
			past := layout[i]
			pastOff, err := cols.WithinArea(past)
			if err != nil {
				return err
			}
			first, err := firstBlk(pastOff, blkSz)
			if err != nil {
				return err
			}
			last := lastBlk(pastOff, past.Length, blkSz)
			if err := fat.SetLine(first, last); err != nil {
				return err
			}
			if err := fat.SetNext(last, currFirst); err != nil {
				return err
			}
			currFirst = first
		}
	}
	return nil
}

// dirFixup patches a ".." start cluster once the parent is placed.
type dirFixup struct {
	vb  *burner.Vector
	off int64
}

// writeDirectories emits directory clusters leaf-first, referencing
// files by their first cluster and linking directory chains in the
// FAT as it goes.
func (vf *VF) writeDirectories(tree *source.Tree, cols *geometry.Colonies, fat *table,
	tmpP *burner.Planner, tmpToFat, blkSz int64) error {

	parents := map[*source.Entry][]dirFixup{}
	dirLayout := map[*source.Entry]extent.Range{}

	for i := len(tree.PathTable) - 1; i >= 0; i-- {
		dir := tree.PathTable[i]
		dirOffset := tmpP.Offset() + tmpToFat
		dirCluster, err := firstBlk(dirOffset, blkSz)
		if err != nil {
			return err
		}
		vb := burner.NewVector(blkSz)

		if dir.Parent != nil {
			dot := newDirEntry()
			dot.base[0] = '.'
			dot.setStartCluster(dirCluster)
			dot.setStat(&dir.Stat)
			dot.markDir()
			if _, err := vb.Append(extent.Bytes(dot.bytes())); err != nil {
				return err
			}

			dotdot := newDirEntry()
			dotdot.base[0], dotdot.base[1] = '.', '.'
			dotdot.setStat(&dir.Parent.Stat)
			dotdot.markDir()
			at, err := vb.Append(extent.Bytes(dotdot.bytes()))
			if err != nil {
				return err
			}
			parents[dir.Parent] = append(parents[dir.Parent], dirFixup{vb: vb, off: at})
		} else {
			label := newDirEntry()
			label.attrs = AttrLabel
			var field [11]byte
			for i := range field {
				field[i] = ' '
			}
			copy(field[:], vf.boot.volName)
			copy(label.base[:], field[0:8])
			copy(label.ext[:], field[8:11])
			label.setMTime(nowTimespec())
			if _, err := vb.Append(extent.Bytes(label.bytes())); err != nil {
				return err
			}
			vf.boot.rootCluster = uint32(dirCluster)
		}

		for _, child := range dir.Children {
			if err := vf.writeChild(tree, cols, child, vb, dirLayout, blkSz); err != nil {
				return err
			}
		}
		// The terminating free entry.
		if _, err := vb.Append(extent.Zero(dirEntrySize)); err != nil {
			return err
		}

		if _, err := burner.PadTo(vb, blkSz); err != nil {
			return err
		}
		if _, err := tmpP.Append(extent.New(0, vb.Offset(), vb)); err != nil {
			return err
		}
		own := extent.Range{Offset: dirOffset, Length: vb.Offset()}
		first, err := firstBlk(own.Offset, blkSz)
		if err != nil {
			return err
		}
		last := lastBlk(own.Offset, own.Length, blkSz)
		if err := fat.SetLine(first, last); err != nil {
			return err
		}
		if err := fat.SetLast(last); err != nil {
			return err
		}
		dirLayout[dir] = own

		for _, fix := range parents[dir] {
			patchStartCluster(fix.vb.Data()[fix.off:], first)
		}
	}
	return nil
}

// writeChild emits one directory entry (plus long-name entries when
// the canonical short form cannot represent the name).
func (vf *VF) writeChild(tree *source.Tree, cols *geometry.Colonies, child *source.Entry,
	vb *burner.Vector, dirLayout map[*source.Entry]extent.Range, blkSz int64) error {

	sub := newDirEntry()
	if child.IsFile() {
		layout := tree.Layout[child]
		if len(layout) > 0 && child.Stat.Size > 0 {
			head, err := cols.WithinArea(layout[0])
			if err != nil {
				return err
			}
			cluster, err := firstBlk(head, blkSz)
			if err != nil {
				return err
			}
			sub.setStartCluster(cluster)
		}
		// Empty files keep starting cluster 0.
	} else {
		own := dirLayout[child]
		cluster, err := firstBlk(own.Offset, blkSz)
		if err != nil {
			return err
		}
		sub.setStartCluster(cluster)
		sub.markDir()
	}
	sub.setStat(&child.Stat)

	name := &naming.UniqName{IsFile: true, Tran: append([]rune{}, child.Name...)}
	naming.FatVol.Translit(name)
	naming.FatVol.MixInVar(name, 0)
	naming.FatVol.Decorate(name)

	if string(name.Conv) == string(child.Name) {
		// The name already is a valid short name.
		sep := name.SepOrEnd(0)
		base := name.Conv[:sep]
		naming.ANSI{}.Fit(sub.base[:], base)
		padField(sub.base[:], len(base))
		padField(sub.ext[:], 0)
		if len(name.Seps) > 0 {
			ext := name.Conv[sep+1:]
			naming.ANSI{}.Fit(sub.ext[:], ext)
			padField(sub.ext[:], len(ext))
		}
		_, err := vb.Append(extent.Bytes(sub.bytes()))
		return err
	}

	// Synthesize an unambiguous bad short name (leading space forces
	// long-name behavior) and emit the long-name chain above it.
	numb := vb.Offset()
	sub.base[0], sub.base[1] = ' ', 0
	for i := 2; i < len(sub.base); i++ {
		sub.base[i] = byte(numb % 23)
		numb /= 7
	}
	scattered, seq := scatterUCS2(child.Name)
	crc := sub.checksum()
	for s := seq; s >= 1; s-- {
		if _, err := vb.Append(extent.Bytes(lfnEntry(scattered, s, s == seq, crc))); err != nil {
			return err
		}
	}
	_, err := vb.Append(extent.Bytes(sub.bytes()))
	return err
}

func padField(dst []byte, used int) {
	if used > len(dst) {
		used = len(dst)
	}
	for i := used; i < len(dst); i++ {
		dst[i] = ' '
	}
}

func nowTimespec() unix.Timespec {
	return unix.NsecToTimespec(time.Now().UnixNano())
}
