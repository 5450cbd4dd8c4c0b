package fat32

import (
	"encoding/binary"

	"github.com/klauspost/cpuid/v2"

	"github.com/lightlabsinc/fsview/internal/extent"
	"github.com/lightlabsinc/fsview/internal/fault"
)

const maxChunk = 1 << 18

// wideFill reports whether the unrolled wide fill path is worth it.
// Purely an optimization; the scalar loop is always correct.
var wideFill = cpuid.CPU.Supports(cpuid.SSE2) ||
	cpuid.CPU.Supports(cpuid.ASIMD)

// freeRule generates the default FAT contents: every entry points to
// the next cluster, so a freshly generated table reads back as one
// long free run. In sparse mode (scratch partitions) the default is
// zero (free) and chains are amended in explicitly.
type freeRule struct {
	sparse bool
	total  int64
	chunk  int64
}

func (r *freeRule) ChunkSize() int64 { return r.chunk }

func (r *freeRule) Fill(chunk []byte, offset int64) {
	if r.sparse {
		for i := range chunk {
			chunk[i] = 0
		}
		return
	}
	if wideFill {
		fillUnrolled(chunk, uint32(offset/clusterLinkSize))
		return
	}
	fillScalar(chunk, uint32(offset/clusterLinkSize))
}

func fillScalar(chunk []byte, startVal uint32) {
	for i := 0; i+clusterLinkSize <= len(chunk); i += clusterLinkSize {
		startVal++
		binary.LittleEndian.PutUint32(chunk[i:], startVal)
	}
}

// fillUnrolled writes four lanes per step, the shape the vector units
// retire in one go.
func fillUnrolled(chunk []byte, startVal uint32) {
	le := binary.LittleEndian
	i := 0
	v := startVal
	for ; i+16 <= len(chunk); i += 16 {
		le.PutUint32(chunk[i:], v+1)
		le.PutUint32(chunk[i+4:], v+2)
		le.PutUint32(chunk[i+8:], v+3)
		le.PutUint32(chunk[i+12:], v+4)
		v += 4
	}
	for ; i+clusterLinkSize <= len(chunk); i += clusterLinkSize {
		v++
		le.PutUint32(chunk[i:], v)
	}
}

// table is the FAT itself: a rule medium whose default generator is
// the free run and whose amendments are cross-file links and chain
// terminators.
type table struct {
	med  *extent.RuleMedium
	rule *freeRule
}

func newTable(sparse bool) *table {
	rule := &freeRule{sparse: sparse}
	return &table{
		rule: rule,
		med:  extent.NewRuleMedium(rule, 16),
	}
}

// Reserve sizes the table for the given cluster count.
func (t *table) Reserve(clusters int64) {
	t.rule.total = clusters * clusterLinkSize
	chunk := extent.RoundUp(t.rule.total, 16)
	if chunk > maxChunk {
		chunk = maxChunk
	}
	t.rule.chunk = chunk
}

// Size is the table length in bytes.
func (t *table) Size() int64 { return t.rule.total }

// Medium exposes the table for planning.
func (t *table) Medium() *extent.RuleMedium { return t.med }

// SetLine records a straight chain over [first, last). The default
// generator already yields it on dense tables; sparse tables amend
// each link in. Free space is cheap there, files are scarce.
func (t *table) SetLine(first, last int64) error {
	if !t.rule.sparse {
		t.Shadow(first)
		return nil
	}
	for blk := first; blk < last; blk++ {
		t.med.Amend32(blk*clusterLinkSize, uint32(blk+1))
	}
	return nil
}

// Shadow terminates whatever chain the default run would lead into
// this cluster. First is exclusive.
func (t *table) Shadow(first int64) {
	if first <= SeedClusters {
		return
	}
	off := (first - 1) * clusterLinkSize
	if !t.med.Amended(off) {
		t.med.Amend32(off, EndMark)
	}
}

// SetNext links the last cluster of one extent to the first of the
// next.
func (t *table) SetNext(lastPrev, firstNext int64) error {
	off := lastPrev * clusterLinkSize
	if off >= t.rule.total {
		return fault.Violatedf("FAT amendment %#x outside reserved area %#x", off, t.rule.total)
	}
	t.med.Amend32(off, uint32(firstNext))
	return nil
}

// SetLast terminates a chain. Last is inclusive.
func (t *table) SetLast(last int64) error {
	return t.SetNext(last, EndMark)
}

// SeedMarkers stamps the two reserved entries: the media marker and
// the end-of-chain prototype.
func (t *table) SeedMarkers() {
	t.med.Amend(0, []byte{
		0xf8, 0xff, 0xff, 0x0f,
		0xff, 0xff, 0xff, 0xff,
	})
}
