package hfsplus

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightlabsinc/fsview/internal/burner"
	"github.com/lightlabsinc/fsview/internal/source"
	"github.com/lightlabsinc/fsview/internal/volume"
	"github.com/lightlabsinc/fsview/internal/volume/iso9660"
)

func buildTree(t *testing.T, seed func(dir string)) *source.Tree {
	t.Helper()
	dir := t.TempDir()
	seed(dir)
	tree := source.NewTree()
	t.Cleanup(tree.Close)
	require.NoError(t, tree.OpenRoot(dir, true))
	return tree
}

func buildImage(t *testing.T, tree *source.Tree, w volume.Writer) *os.File {
	t.Helper()
	out, err := burner.NewFile(filepath.Join(t.TempDir(), "hfs.img"))
	require.NoError(t, err)
	t.Cleanup(func() { out.Close() })
	tmp, err := burner.NewMemfd("hfs-tmp", 1)
	require.NoError(t, err)
	t.Cleanup(func() { tmp.Close() })

	require.NoError(t, volume.Represent(w, tree, out, tmp))

	img, err := os.Open(out.Path())
	require.NoError(t, err)
	t.Cleanup(func() { img.Close() })
	return img
}

func TestVolumeHeader(t *testing.T) {
	tree := buildTree(t, func(dir string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("payload"), 0644))
	})
	hp := New()
	volume.SetTitles(hp, "LIGHT_OS", "MACVOL")
	img := buildImage(t, tree, hp)

	vh := make([]byte, volHeaderSize)
	_, err := img.ReadAt(vh, volHeaderOffset)
	require.NoError(t, err)
	be := binary.BigEndian

	assert.Equal(t, "HX", string(vh[0:2]))
	assert.Equal(t, uint16(5), be.Uint16(vh[2:]))
	blkSz := int64(be.Uint32(vh[40:]))
	assert.NotZero(t, blkSz)
	totalBlocks := int64(be.Uint32(vh[44:]))
	assert.NotZero(t, totalBlocks)
	assert.Equal(t, uint32(1), be.Uint32(vh[32:])) // one file
	assert.Equal(t, uint32(0), be.Uint32(vh[36:])) // no folders beyond root

	// The image covers exactly the declared block count.
	st, err := img.Stat()
	require.NoError(t, err)
	assert.Equal(t, totalBlocks*blkSz, st.Size())

	// The backup header occupies the last 1K's leading sector.
	backup := make([]byte, volHeaderSize)
	_, err = img.ReadAt(backup, st.Size()-volHeaderOffset)
	require.NoError(t, err)
	assert.Equal(t, vh, backup)

	// MBR: signature and an HFS+ partition entry spanning the volume.
	mbr := make([]byte, 512)
	_, err = img.ReadAt(mbr, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x55), mbr[510])
	assert.Equal(t, byte(0xaa), mbr[511])
	assert.Equal(t, byte(0xaf), mbr[450])
	assert.Equal(t, uint32(st.Size()/512), binary.LittleEndian.Uint32(mbr[458:]))
}

func TestCatalogTreeOnDisk(t *testing.T) {
	tree := buildTree(t, func(dir string) {
		for i := 0; i < 5; i++ {
			name := fmt.Sprintf("file%02d.dat", i)
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0644))
		}
	})
	hp := New()
	volume.SetTitles(hp, "LIGHT_OS", "MACVOL")
	img := buildImage(t, tree, hp)

	vh := make([]byte, volHeaderSize)
	_, err := img.ReadAt(vh, volHeaderOffset)
	require.NoError(t, err)
	be := binary.BigEndian
	blkSz := int64(be.Uint32(vh[40:]))

	// Catalog fork: offset 272, first extent at 272+16.
	catStart := int64(be.Uint32(vh[272+16:])) * blkSz
	catBlocks := int64(be.Uint32(vh[272+12:]))
	require.NotZero(t, catStart)
	require.NotZero(t, catBlocks)

	// Header node: kind 1, height 0, three records.
	node := make([]byte, 8<<10)
	_, err = img.ReadAt(node, catStart)
	require.NoError(t, err)
	assert.Equal(t, byte(nodeHeader), node[8])
	assert.Equal(t, uint16(3), be.Uint16(node[10:]))

	// Header record: node size and leaf census.
	hdr := node[nodeDescSize:]
	nodeSize := int(be.Uint16(hdr[18:]))
	assert.Equal(t, 8<<10, nodeSize)
	leafRecords := be.Uint32(hdr[6:])
	// One folder + five files, each with a thread record.
	assert.Equal(t, uint32(12), leafRecords)
	rootNode := be.Uint32(hdr[2:])
	require.NotZero(t, rootNode)

	// The root (leaf) node: records counted, offsets strictly
	// decreasing when the table is read backwards.
	leaf := make([]byte, nodeSize)
	_, err = img.ReadAt(leaf, catStart+int64(rootNode)*int64(nodeSize))
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), leaf[8]) // kind -1: leaf
	numRecords := int(be.Uint16(leaf[10:]))
	assert.Equal(t, 12, numRecords)

	// The offset table read in memory order gives strictly decreasing
	// byte addresses, ending at the descriptor boundary.
	count := numRecords + 1
	prev := uint16(0xffff)
	for j := 0; j < count; j++ {
		off := be.Uint16(leaf[nodeSize-2*count+2*j:])
		assert.Less(t, off, prev)
		prev = off
	}
	assert.Equal(t, uint16(nodeDescSize), prev)
}

func TestCatalogThreadLaw(t *testing.T) {
	tree := buildTree(t, func(dir string) {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "inner"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "inner", "x.txt"), []byte("x"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "тест.txt"), []byte("y"), 0644))
	})
	hp := New()
	hp.SetLabels("LIGHT_OS", "MACVOL")
	hp.SetBlockSize(4096)

	// Build the catalog without burning anything: empty layouts are
	// enough to exercise the record structure.
	for f := range tree.Layout {
		tree.Layout[f] = nil
	}
	renum := hp.renumber(tree)
	catalog, overflow, err := hp.buildCatalog(tree, nil, renum, 4096)
	require.NoError(t, err)
	assert.Empty(t, overflow)

	be := binary.BigEndian
	type keyed struct {
		parent uint32
		name   string
		value  []byte
	}
	var records []keyed
	for _, p := range catalog {
		nameLen := int(be.Uint16(p.key[6:]))
		name := ""
		for i := 0; i < nameLen; i++ {
			name += string(rune(be.Uint16(p.key[8+2*i:])))
		}
		records = append(records, keyed{
			parent: be.Uint32(p.key[2:]),
			name:   name,
			value:  p.value,
		})
	}

	// For every folder/file record at CNID c under (parent, name),
	// a thread record keyed (c, empty) points back at (parent, name).
	threads := map[uint32]keyed{}
	var plain []keyed
	for _, r := range records {
		typ := be.Uint16(r.value[0:])
		switch typ {
		case recFolderThread, recFileThread:
			require.Empty(t, r.name, "thread keys carry the empty name")
			threads[r.parent] = r // keyed by own CNID
		default:
			plain = append(plain, r)
		}
	}
	require.Len(t, plain, 4)   // root, inner, and two files
	require.Len(t, threads, 4) // one thread each

	for _, r := range plain {
		cnid := be.Uint32(r.value[8:])
		thread, ok := threads[cnid]
		require.True(t, ok, "no thread for CNID %d (%q)", cnid, r.name)
		threadParent := be.Uint32(thread.value[4:])
		assert.Equal(t, r.parent, threadParent)
		// The thread's name matches the entry's key name.
		nameLen := int(be.Uint16(thread.value[8:]))
		name := ""
		for i := 0; i < nameLen; i++ {
			name += string(rune(be.Uint16(thread.value[10+2*i:])))
		}
		assert.Equal(t, r.name, name)
	}
}

func TestRootRenumbering(t *testing.T) {
	tree := buildTree(t, func(dir string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("z"), 0644))
	})
	hp := New()
	renum := hp.renumber(tree)

	assert.Equal(t, uint32(idRootParent), renum.cnid(nil))
	assert.Equal(t, uint32(idRootFolder), renum.cnid(tree.Root))
	f := tree.FileTable[0]
	assert.Equal(t, uint32(f.Stat.Ino), renum.cnid(f))
	assert.Greater(t, renum.nextUnused(), renum.cnid(f))
}

func TestTreeBuilderSpill(t *testing.T) {
	// Enough records to spill past one 512-byte... the catalog node is
	// 8K; use many records so multiple leaves and an index level form.
	tb := newTreeBuilder()
	tb.header.tuneForCatalog()
	var pairs []pair
	for i := 0; i < 600; i++ {
		key := catalogKey{parent: uint32(i + 100), name: uniName([]rune(fmt.Sprintf("entry-%04d", i)))}
		pairs = append(pairs, pair{key: key.bytes(), value: folderRecord(uint32(i+100), 0, 0, catalogTimes{})})
	}
	require.NoError(t, tb.compact(pairs))

	assert.Greater(t, tb.header.treeDepth, uint16(1))
	assert.Greater(t, tb.nodeCount(), 3)
	assert.Equal(t, uint32(600), tb.header.leafRecords)
	assert.Equal(t, uint32(tb.nodeCount()), tb.header.totalNodes)

	// Leaf chain: forward links walk the leaves in order.
	first := tb.nodes[tb.header.firstLeafNode]
	assert.Equal(t, int8(nodeLeaf), first.kind)
	last := tb.nodes[tb.header.lastLeafNode]
	assert.Zero(t, last.fLink)

	// Every node renders within capacity.
	for _, node := range tb.nodes {
		buf, err := node.render(int(tb.header.nodeSize))
		require.NoError(t, err)
		require.Len(t, buf, int(tb.header.nodeSize))
	}
}

func TestHybridLayout(t *testing.T) {
	tree := buildTree(t, func(dir string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "both.txt"), []byte("shared payload"), 0644))
	})

	mac := New()
	iso := iso9660.New(true)
	iso.SetHybrid(mac)
	volume.SetTitles(iso, "LIGHT_OS", "HYBRID")
	volume.SetTitles(mac, "LIGHT_OS", "HYBRID")

	img := buildImage(t, tree, iso)

	// The HFS+ boot record heads the disk.
	mbr := make([]byte, 512)
	_, err := img.ReadAt(mbr, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x55), mbr[510])
	assert.Equal(t, byte(0xaf), mbr[450])

	// The HFS+ volume header sits at 0x400.
	vh := make([]byte, 2)
	_, err = img.ReadAt(vh, volHeaderOffset)
	require.NoError(t, err)
	assert.Equal(t, "HX", string(vh))

	// The ISO primary descriptor sits at sector 16.
	pvd := make([]byte, 6)
	_, err = img.ReadAt(pvd, 0x8000)
	require.NoError(t, err)
	assert.Equal(t, byte(1), pvd[0])
	assert.Equal(t, "CD001", string(pvd[1:6]))
}
