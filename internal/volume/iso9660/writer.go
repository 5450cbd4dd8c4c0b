package iso9660

import (
	"sort"

	"github.com/lightlabsinc/fsview/internal/burner"
	"github.com/lightlabsinc/fsview/internal/extent"
	"github.com/lightlabsinc/fsview/internal/geometry"
	"github.com/lightlabsinc/fsview/internal/naming"
	"github.com/lightlabsinc/fsview/internal/source"
	"github.com/lightlabsinc/fsview/internal/volume"
)

// CD is the ISO-9660 (+ Joliet) volume writer. It may carry a hybrid
// slave sharing the file area (an HFS+ co-volume on the same disk).
type CD struct {
	volume.Options

	pri *volDesc
	sec *volDesc

	// vols pairs each descriptor with its naming rule and charset.
	vols []fs

	slave volume.Hybrid

	// Seed feeds the name-variant generator; fixed by default so the
	// same tree produces the same names.
	Seed int64
}

type fs struct {
	desc *volDesc
	rule naming.Rule
	pack naming.Pack
}

// New builds the writer; withUnicode adds the Joliet supplement.
func New(withUnicode bool) *CD {
	cd := &CD{pri: newVolDesc(typePrimary, "", false), Seed: 1}
	cd.vols = []fs{{desc: cd.pri, rule: naming.PriVol, pack: naming.ANSI{}}}
	if withUnicode {
		cd.sec = newVolDesc(typeSupplement, "%/@", true)
		cd.vols = append(cd.vols, fs{desc: cd.sec, rule: naming.SecVol, pack: naming.UCS2BE{}})
	}
	return cd
}

// SetHybrid attaches a slave co-writer.
func (cd *CD) SetHybrid(h volume.Hybrid) { cd.slave = h }

func (cd *CD) Slave() volume.Hybrid { return cd.slave }

func (cd *CD) SizeRange() int64 { return BlockSize }

func (cd *CD) BlockSize() int64 { return BlockSize }

func (cd *CD) SetBlockSize(blkSz int64) {
	// The CD block is the CD block.
	_ = blkSz
}

func (cd *CD) SetLabels(system, label string) {
	for _, vol := range cd.vols {
		vol.desc.systemID = system
		vol.desc.volumeID = label
	}
}

func (cd *CD) setSize(size int64) {
	blocks := uint32(size / BlockSize)
	for _, vol := range cd.vols {
		vol.desc.blocks = blocks
	}
}

// planHeaders emits the descriptor sequence (PVD, SVD when Joliet,
// terminator), each padded to the CD block.
func (cd *CD) planHeaders(p *burner.Planner) (int64, error) {
	cur := p.Offset()
	for _, vol := range cd.vols {
		desc := vol.desc
		if _, err := p.Append(extent.Lazy(descSize, desc.render)); err != nil {
			return 0, err
		}
		if _, err := p.PadTo(BlockSize); err != nil {
			return 0, err
		}
	}
	if _, err := p.Append(extent.Bytes(terminator())); err != nil {
		return 0, err
	}
	if _, err := p.PadTo(BlockSize); err != nil {
		return 0, err
	}
	return cur, nil
}

// Plan lays out the volume: the reserved system area (delegated to
// the slave when attached), descriptors, file payload, then per
// descriptor the directories and path tables.
func (cd *CD) Plan(tree *source.Tree, outP, tmpP *burner.Planner) (*geometry.Colonies, error) {
	if err := volume.PlanReserved(cd.slave, tree, outP, tmpP, 0x8000); err != nil {
		return nil, err
	}

	hdrStart, err := cd.planHeaders(tmpP)
	if err != nil {
		return nil, err
	}
	wrapped, err := tmpP.WrapToGo(hdrStart)
	if err != nil {
		return nil, err
	}
	if _, err := outP.Append(wrapped); err != nil {
		return nil, err
	}
	if _, err := outP.AutoPad(); err != nil {
		return nil, err
	}

	cols, err := tree.WriteFiles(outP, outP.BlockSize())
	if err != nil {
		return nil, err
	}

	innerOff := tmpP.Offset()
	tmpToOut := outP.Offset() - innerOff
	for _, vol := range cd.vols {
		if err := cd.genVolume(vol, tree, cols, tmpP, tmpToOut); err != nil {
			return nil, err
		}
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

	cd.setSize(outP.Offset())
	return cols, nil
}

// folderDef carries what a directory leaves behind for its parent and
// for the path table: its target extent and its canonical name.
type folderDef struct {
	ext     extent.Range
	conv    []rune
	encName []byte
}

// parentFixup patches a ".." record once the parent's own extent is
// known (children are written before their parents).
type parentFixup struct {
	vb  *burner.Vector
	off int64
}

// genVolume writes one descriptor's directory hierarchy and both path
// tables. Directories are walked leaves-first so every child extent
// is known when its record is written.
func (cd *CD) genVolume(vol fs, tree *source.Tree, cols *geometry.Colonies,
	tmpP *burner.Planner, tmpToOut int64) error {

	shuf := naming.NewStdRand(cd.Seed)
	parents := map[*source.Entry][]parentFixup{}
	folders := map[*source.Entry]*folderDef{}
	const blkSz = BlockSize

	for i := len(tree.PathTable) - 1; i >= 0; i-- {
		dir := tree.PathTable[i]
		dirOffset := tmpP.Offset() + tmpToOut
		vb := burner.NewVector(blkSz)

		// The first two records are this folder and its parent.
		dot := dirRecord{
			extentLBA: uint32(dirOffset / blkSz),
			mtime:     dir.Stat.Mtim,
			flags:     flagFolder,
			name:      []byte{0},
		}
		ownOff, err := writeRecord(vb, &dot)
		if err != nil {
			return err
		}

		parent := dir.Parent
		if parent == nil {
			parent = dir
		}
		dot.name = []byte{1}
		parentOff, err := writeRecord(vb, &dot)
		if err != nil {
			return err
		}
		parents[parent] = append(parents[parent], parentFixup{vb: vb, off: parentOff})

		if err := cd.writeChildren(vol, tree, cols, dir, vb, folders, shuf); err != nil {
			return err
		}

		// Seal the directory: round up to the CD block and expose it
		// on the temporary medium.
		if _, err := wrapVector(tmpP, vb, blkSz); err != nil {
			return err
		}
		own := extent.Range{Offset: dirOffset, Length: vb.Offset()}
		patchBoth32(vb.Data()[ownOff+recOffLength:], uint32(own.Length))
		fd := folders[dir]
		if fd == nil {
			fd = &folderDef{}
			folders[dir] = fd
		}
		fd.ext = own

		// Children recorded a ".." placeholder pointing here.
		for _, fix := range parents[dir] {
			rec := fix.vb.Data()[fix.off:]
			patchBoth32(rec[recOffExtent:], uint32(own.Offset/blkSz))
			patchBoth32(rec[recOffLength:], uint32(own.Length))
			entryDateTime(rec[recOffDate:], dir.Stat.Mtim)
		}
	}

	// The root record inside the descriptor mirrors the root folder.
	root := folders[tree.Root]
	vol.desc.root = dirRecord{
		extentLBA: uint32(root.ext.Offset / blkSz),
		length:    uint32(root.ext.Length),
		mtime:     tree.Root.Stat.Mtim,
		flags:     flagFolder,
	}

	return cd.writePathTables(vol, tree, folders, tmpP, tmpToOut)
}

// writeChildren canonicalizes, orders and records the entries of one
// directory.
func (cd *CD) writeChildren(vol fs, tree *source.Tree, cols *geometry.Colonies,
	dir *source.Entry, vb *burner.Vector,
	folders map[*source.Entry]*folderDef, shuf naming.Variant) error {

	pool := naming.NewPool()
	type named struct {
		name naming.Unicomp
		ent  *source.Entry
	}
	entries := make([]named, 0, len(dir.Children))
	for _, child := range dir.Children {
		fit := pool.FitName(child.Name, child.IsFile(), vol.rule, shuf)
		entries = append(entries, named{name: fit, ent: child})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].name.Less(&entries[j].name)
	})

	for _, ne := range entries {
		encName := vol.pack.Bytes(ne.name.Conv)
		child := ne.ent
		if child.IsFile() {
			if err := cd.writeFileRecords(tree, cols, child, encName, vb); err != nil {
				return err
			}
			continue
		}
		fd := folders[child]
		rec := dirRecord{
			extentLBA: uint32(fd.ext.Offset / BlockSize),
			length:    uint32(fd.ext.Length),
			mtime:     child.Stat.Mtim,
			flags:     flagFolder,
			name:      encName,
		}
		if _, err := writeRecord(vb, &rec); err != nil {
			return err
		}
		fd.conv = ne.name.Conv
		fd.encName = encName
	}
	return nil
}

// writeFileRecords emits one record per mapped extent, chaining
// multi-extent files with the continuation flag cleared on the last.
func (cd *CD) writeFileRecords(tree *source.Tree, cols *geometry.Colonies,
	child *source.Entry, encName []byte, vb *burner.Vector) error {

	length := child.Stat.Size
	layout := tree.Layout[child]
	if len(layout) == 0 {
		rec := dirRecord{mtime: child.Stat.Mtim, name: encName}
		_, err := writeRecord(vb, &rec)
		return err
	}
	for _, xt := range layout {
		offset, err := cols.WithinDisk(xt)
		if err != nil {
			return err
		}
		rec := dirRecord{
			extentLBA: uint32(offset / BlockSize),
			mtime:     child.Stat.Mtim,
			name:      encName,
		}
		if length > xt.Length {
			rec.flags |= flagTBCont
			rec.length = uint32(xt.Length)
		} else {
			rec.length = uint32(length)
		}
		if _, err := writeRecord(vb, &rec); err != nil {
			return err
		}
		length -= xt.Length
	}
	return nil
}

// writeRecord appends a directory record to the directory vector,
// starting a fresh logical block when the record would straddle one.
func writeRecord(vb *burner.Vector, rec *dirRecord) (int64, error) {
	pad := extent.Padding(vb.Offset(), BlockSize)
	if pad > 0 && int64(rec.size()) > pad {
		if _, err := vb.Append(extent.Zero(pad)); err != nil {
			return 0, err
		}
	}
	return vb.Append(extent.Bytes(rec.bytes()))
}

// wrapVector pads a finished vector to the block and appends it to
// the planner as a single extent.
func wrapVector(p *burner.Planner, vb *burner.Vector, blkSz int64) (extent.Extent, error) {
	if _, err := burner.PadTo(vb, blkSz); err != nil {
		return extent.Extent{}, err
	}
	x := extent.New(0, vb.Offset(), vb)
	if _, err := p.Append(x); err != nil {
		return extent.Extent{}, err
	}
	return x, nil
}

// writePathTables emits the little- and big-endian path tables: a
// flat list in level order, parent-index references following the
// assignment order within each level.
func (cd *CD) writePathTables(vol fs, tree *source.Tree,
	folders map[*source.Entry]*folderDef, tmpP *burner.Planner, tmpToOut int64) error {

	type item struct {
		parent int
		ent    *source.Entry
	}
	// The root directory is its own parent.
	items := []item{{parent: 1, ent: tree.Root}}
	ptLsb := burner.NewVector(BlockSize)
	ptMsb := burner.NewVector(BlockSize)

	rootDef := folders[tree.Root]
	rootDef.encName = []byte{0}

	for i := 0; i < len(items) && i < PathTableCap-1; i++ {
		it := items[i]
		ownIdx := i + 1
		def := folders[it.ent]
		lba := uint32(def.ext.Offset / BlockSize)
		if _, err := ptLsb.Append(extent.Bytes(pathTableEntry(def.encName, lba, uint16(it.parent), false))); err != nil {
			return err
		}
		if _, err := ptMsb.Append(extent.Bytes(pathTableEntry(def.encName, lba, uint16(it.parent), true))); err != nil {
			return err
		}

		subs := make([]*source.Entry, 0)
		for _, child := range it.ent.Children {
			if child.IsDir() {
				subs = append(subs, child)
			}
		}
		sort.Slice(subs, func(a, b int) bool {
			return lessRunes(folders[subs[a]].conv, folders[subs[b]].conv)
		})
		for _, sub := range subs {
			items = append(items, item{parent: ownIdx, ent: sub})
		}
	}

	vol.desc.pathTblSize = uint32(ptLsb.Offset())
	lsbStart := tmpP.Offset()
	if _, err := wrapVector(tmpP, ptLsb, BlockSize); err != nil {
		return err
	}
	msbStart := tmpP.Offset()
	if _, err := wrapVector(tmpP, ptMsb, BlockSize); err != nil {
		return err
	}
	vol.desc.pathLBAL = uint32((lsbStart + tmpToOut) / BlockSize)
	vol.desc.pathLBAM = uint32((msbStart + tmpToOut) / BlockSize)
	return nil
}

func lessRunes(a, b []rune) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
