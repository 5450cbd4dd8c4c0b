package hfsplus

import (
	"encoding/binary"

	"github.com/lightlabsinc/fsview/internal/burner"
	"github.com/lightlabsinc/fsview/internal/extent"
	"github.com/lightlabsinc/fsview/internal/fault"
)

// B-tree node kinds.
const (
	nodeLeaf   = -1
	nodeIndex  = 0
	nodeHeader = 1
	nodeMap    = 2
)

// B-tree header attributes.
const (
	btBigKeys           = 0x00000002
	btVariableIndexKeys = 0x00000004
)

// Key compare types (HFSX).
const (
	kcUnused        = 0x00
	kcBinaryCompare = 0xBC // case-sensitive
)

const (
	nodeDescSize    = 14
	btHeaderRecSize = 106
	btUserDataSize  = 128
	offsetEntrySize = 2
)

// btHeader is the header record state, rendered once the tree is
// compacted.
type btHeader struct {
	treeDepth     uint16
	rootNode      uint32
	leafRecords   uint32
	firstLeafNode uint32
	lastLeafNode  uint32
	nodeSize      uint16
	maxKeyLength  uint16
	totalNodes    uint32
	clumpSize     uint32
	keyCompare    uint8
	attributes    uint32
}

// tuneForCatalog configures the catalog tree: 8 KiB nodes, binary
// (case-sensitive) comparison, big variable-length keys.
func (h *btHeader) tuneForCatalog() {
	h.keyCompare = kcBinaryCompare
	h.attributes = btBigKeys | btVariableIndexKeys
	h.nodeSize = 8 << 10
	h.maxKeyLength = catalogKeyBase + 255*2
}

// tuneForOverflow configures the extents tree: 4 KiB nodes, fixed
// keys.
func (h *btHeader) tuneForOverflow() {
	h.keyCompare = kcUnused
	h.attributes = btBigKeys
	h.nodeSize = 4 << 10
	h.maxKeyLength = extentKeySize - 2
}

func (h *btHeader) render() []byte {
	buf := make([]byte, btHeaderRecSize)
	be := binary.BigEndian
	be.PutUint16(buf[0:], h.treeDepth)
	be.PutUint32(buf[2:], h.rootNode)
	be.PutUint32(buf[6:], h.leafRecords)
	be.PutUint32(buf[10:], h.firstLeafNode)
	be.PutUint32(buf[14:], h.lastLeafNode)
	be.PutUint16(buf[18:], h.nodeSize)
	be.PutUint16(buf[20:], h.maxKeyLength)
	be.PutUint32(buf[22:], h.totalNodes)
	// freeNodes stays zero: packed tight
	be.PutUint32(buf[32:], h.clumpSize)
	buf[36] = 0 // kHFSBTreeType
	buf[37] = h.keyCompare
	be.PutUint32(buf[38:], h.attributes)
	return buf
}

// nodeRec is one record inside a node: concrete bytes, or a late
// render for the header and map records whose contents settle after
// compaction.
type nodeRec struct {
	data []byte
	late func() []byte
	size int
}

// nodeSpec accumulates one node's records and offset table.
type nodeSpec struct {
	fLink, bLink uint32
	kind         int8
	height       uint8
	numRecords   uint16

	offset  int   // descriptor + record bytes so far
	offsets []int // record offsets in mark order; [0] is the descriptor's
	recs    []nodeRec
}

func newNodeSpec(kind int8, height uint8) *nodeSpec {
	n := &nodeSpec{kind: kind, height: height, offset: nodeDescSize}
	n.offsets = append(n.offsets, nodeDescSize)
	return n
}

func (n *nodeSpec) addRecord(data []byte) {
	n.recs = append(n.recs, nodeRec{data: data, size: len(data)})
	n.offset += len(data)
}

func (n *nodeSpec) addLate(size int, late func() []byte) {
	n.recs = append(n.recs, nodeRec{late: late, size: size})
	n.offset += size
}

// markRecord closes the current record: its end offset goes on the
// offset list (which therefore always holds one more entry than there
// are records — the free space position).
func (n *nodeSpec) markRecord() {
	n.offsets = append(n.offsets, n.offset)
	n.numRecords++
}

func (n *nodeSpec) size() int {
	return n.offset + offsetEntrySize*len(n.offsets)
}

// freeSpace is what remains of capacity; unless gross, one future
// offset entry is budgeted.
func (n *nodeSpec) freeSpace(capacity int, gross bool) int {
	fs := capacity - n.size()
	if !gross {
		fs -= offsetEntrySize
	}
	return fs
}

func (n *nodeSpec) fitsIn(capacity, recordSize int) bool {
	return n.size()+recordSize+offsetEntrySize <= capacity
}

// render packs the node: descriptor, records, zero fill, and the
// reverse offset table at the end.
func (n *nodeSpec) render(capacity int) ([]byte, error) {
	buf := make([]byte, capacity)
	be := binary.BigEndian
	be.PutUint32(buf[0:], n.fLink)
	be.PutUint32(buf[4:], n.bLink)
	buf[8] = byte(n.kind)
	buf[9] = n.height
	be.PutUint16(buf[10:], n.numRecords)

	pos := nodeDescSize
	for _, rec := range n.recs {
		data := rec.data
		if rec.late != nil {
			data = rec.late()
		}
		if len(data) != rec.size {
			return nil, fault.Violatedf("node record rendered %d bytes, accounted %d",
				len(data), rec.size)
		}
		copy(buf[pos:], data)
		pos += len(data)
	}

	// Offsets are written back to front: the last two bytes of the
	// node give record 0, and the first entry of the table points at
	// the free space.
	at := capacity - offsetEntrySize*len(n.offsets)
	if pos > at {
		return nil, fault.Violatedf("node overflow: %d records past offset table at %d", pos, at)
	}
	for i := len(n.offsets) - 1; i >= 0; i-- {
		be.PutUint16(buf[at:], uint16(n.offsets[i]))
		at += offsetEntrySize
	}
	return buf, nil
}

// pair is one B-tree mapping, pre-rendered and pre-sorted.
type pair struct {
	key   []byte
	value []byte
}

// treeBuilder packs pairs bottom-up: leaves node by node, first keys
// promoted into index levels until one root remains, then the header
// node's map record (chained into map nodes when the bitmap spills).
type treeBuilder struct {
	header     btHeader
	headerNode *nodeSpec
	nodes      []*nodeSpec
	mapBits    *extent.BitsRule
}

func newTreeBuilder() *treeBuilder {
	tb := &treeBuilder{mapBits: extent.NewBitsRule(0, 0)}
	tb.headerNode = newNodeSpec(nodeHeader, 0)
	tb.headerNode.addLate(btHeaderRecSize, func() []byte { return tb.header.render() })
	tb.headerNode.markRecord()
	tb.headerNode.addRecord(make([]byte, btUserDataSize))
	tb.headerNode.markRecord()
	tb.nodes = append(tb.nodes, tb.headerNode)
	return tb
}

func (tb *treeBuilder) nodeCount() int { return len(tb.nodes) }

// compactLevel packs one level of mappings, returning the promoted
// (first key → node index) pairs of the next level up.
func (tb *treeBuilder) compactLevel(data []pair, kind int8, height uint8) ([]pair, error) {
	capacity := int(tb.header.nodeSize)
	var promoted []pair
	next := newNodeSpec(kind, height)
	for _, dp := range data {
		recLen := len(dp.key) + len(dp.value)
		if !next.fitsIn(capacity, recLen) {
			pastIndex := tb.nodeCount()
			tb.nodes = append(tb.nodes, next)
			prev := next
			next = newNodeSpec(kind, height)
			prev.fLink = uint32(pastIndex + 1)
			next.bLink = uint32(pastIndex)
		}
		if next.numRecords == 0 {
			promoted = append(promoted, pair{
				key:   dp.key,
				value: be32bytes(uint32(tb.nodeCount())),
			})
		}
		before := next.offset
		next.addRecord(dp.key)
		next.addRecord(dp.value)
		if next.offset != before+recLen {
			return nil, fault.Violatedf("record accounting drifted: %d != %d+%d",
				next.offset, before, recLen)
		}
		next.markRecord()
	}
	tb.nodes = append(tb.nodes, next)
	return promoted, nil
}

func be32bytes(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// compact builds the whole tree from sorted leaf pairs.
func (tb *treeBuilder) compact(data []pair) error {
	if len(data) > 0 {
		height := uint8(1)
		tb.header.firstLeafNode = uint32(tb.nodeCount())
		promoted, err := tb.compactLevel(data, nodeLeaf, height)
		if err != nil {
			return err
		}
		tb.header.lastLeafNode = uint32(tb.nodeCount() - 1)
		tb.header.leafRecords = uint32(len(data))

		for len(promoted) > 1 {
			height++
			promoted, err = tb.compactLevel(promoted, nodeIndex, height)
			if err != nil {
				return err
			}
		}
		tb.header.rootNode = uint32(tb.nodeCount() - 1)
		tb.header.treeDepth = uint16(height)
	}

	// The descriptor, header record, user record and four offsets
	// must occupy exactly 256 bytes before the map record goes in.
	if fs := tb.headerNode.freeSpace(256, false); fs != 0 {
		return fault.Violatedf("corrupt B-tree header record: %d bytes off", fs)
	}

	capacity := int(tb.header.nodeSize)
	mapNode := tb.headerNode
	var done int64
	for {
		tb.mapBits.ReserveBits(int64(tb.nodeCount()))
		mset := mapNode.freeSpace(capacity, false)
		mapNode.addLate(mset, tb.mapRecord(done, mset))
		mapNode.markRecord()
		done += int64(mset)
		if done >= tb.mapBits.ByteCount() {
			break
		}
		backLink := uint32(0)
		if mapNode != tb.headerNode {
			backLink = uint32(tb.nodeCount() - 1)
		}
		mapNode.fLink = uint32(tb.nodeCount())
		next := newNodeSpec(nodeMap, 0)
		next.bLink = backLink
		tb.nodes = append(tb.nodes, next)
		mapNode = next
	}

	tb.header.totalNodes = uint32(tb.nodeCount())
	return nil
}

// mapRecord renders a slice of the node-allocation bitmap lazily;
// the bit count is final only once every map node exists.
func (tb *treeBuilder) mapRecord(done int64, mset int) func() []byte {
	return func() []byte {
		buf := make([]byte, mset)
		tb.mapBits.Fill(buf, done)
		return buf
	}
}

// writeTo renders every node to the planner.
func (tb *treeBuilder) writeTo(p *burner.Planner) (int64, error) {
	cur := p.Offset()
	capacity := int(tb.header.nodeSize)
	for _, node := range tb.nodes {
		buf, err := node.render(capacity)
		if err != nil {
			return 0, err
		}
		if _, err := p.Append(extent.Bytes(buf)); err != nil {
			return 0, err
		}
	}
	return cur, nil
}

// wrapToGo flushes the tree to the temporary planner and re-exposes
// it on the output planner, returning the fork range there.
func (tb *treeBuilder) wrapToGo(outP, tmpP *burner.Planner) (extent.Range, error) {
	start, err := tb.writeTo(tmpP)
	if err != nil {
		return extent.Range{}, err
	}
	tmpX, err := tmpP.WrapToGo(start)
	if err != nil {
		return extent.Range{}, err
	}
	placed, err := outP.Append(tmpX)
	if err != nil {
		return extent.Range{}, err
	}
	outX, err := outP.WrapToGo(placed)
	if err != nil {
		return extent.Range{}, err
	}
	return outX.Range, nil
}
