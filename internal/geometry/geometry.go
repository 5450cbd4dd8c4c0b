// Package geometry keeps per-device charts of the source areas
// occupied by represented files, and plans their placement on the
// target device.
//
// A Territory is an ordered set of half-open ranges over one source
// device; a Geometry holds one territory per device plus a cumulative
// granularity mask; Colonies is the finished source→target offset
// translation produced by the write-out.
package geometry

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/lightlabsinc/fsview/internal/burner"
	"github.com/lightlabsinc/fsview/internal/extent"
	"github.com/lightlabsinc/fsview/internal/fault"
)

// Territory maps extent starts to extent ends over one source device.
// The invariant after merge: end[k] ≤ start[k+1], strictly less when
// optimally merged.
type Territory struct {
	starts []int64
	ends   map[int64]int64
}

// NewTerritory returns an empty chart.
func NewTerritory() *Territory {
	return &Territory{ends: map[int64]int64{}}
}

// Claim registers the half-open range [start, end). A claim at an
// already recorded start extends that range's end; other overlapping
// claims are kept as separate ranges until Merge folds them.
func (t *Territory) Claim(start, end int64) {
	if old, ok := t.ends[start]; ok {
		if end > old {
			t.ends[start] = end
		}
		return
	}
	at := sort.Search(len(t.starts), func(i int) bool { return t.starts[i] >= start })
	t.starts = append(t.starts, 0)
	copy(t.starts[at+1:], t.starts[at:])
	t.starts[at] = start
	t.ends[start] = end
}

// Len is the number of disjoint ranges.
func (t *Territory) Len() int { return len(t.starts) }

// Each visits the ranges in ascending start order.
func (t *Territory) Each(fn func(start, end int64)) {
	for _, s := range t.starts {
		fn(s, t.ends[s])
	}
}

// End returns the recorded end of the range starting at start.
func (t *Territory) End(start int64) (int64, bool) {
	end, ok := t.ends[start]
	return end, ok
}

// FloorStart returns the last range start ≤ offset.
func (t *Territory) FloorStart(offset int64) (int64, bool) {
	at := sort.Search(len(t.starts), func(i int) bool { return t.starts[i] > offset })
	if at == 0 {
		return 0, false
	}
	return t.starts[at-1], true
}

// Merge folds [a,b) and [c,d) into [a,d) whenever c ≤ b+tolerance.
// Merging trades a little dead weight between files for far fewer
// mapping table rows.
func (t *Territory) Merge(tolerance int64) {
	if len(t.starts) == 0 {
		return
	}
	kept := t.starts[:1]
	cur := t.starts[0]
	for _, next := range t.starts[1:] {
		if next <= t.ends[cur]+tolerance {
			if t.ends[next] > t.ends[cur] {
				t.ends[cur] = t.ends[next]
			}
			delete(t.ends, next)
			continue
		}
		kept = append(kept, next)
		cur = next
	}
	t.starts = kept
}

// TotalLength sums the range lengths.
func (t *Territory) TotalLength() int64 {
	var total int64
	t.Each(func(start, end int64) { total += end - start })
	return total
}

// BreakByLanes counts ranges per sub-cluster offset class. Diagnostic:
// it measures how well extents would align under a larger cluster.
func (t *Territory) BreakByLanes(clusterSz int64) map[int64]int {
	dist := map[int64]int{}
	t.Each(func(start, _ int64) {
		dist[start%clusterSz]++
	})
	return dist
}

// Colonies is the arithmetic of extent placement on the target
// device: per source device, a translation from source range starts to
// target offsets, plus the offset of the file area itself.
type Colonies struct {
	AreaOffset int64
	plan       map[uint64]*Territory
}

// WithinDisk translates a source extent offset into its target device
// offset: find the last planned range start at or below the offset,
// the delta against its recorded target base gives the position.
func (c *Colonies) WithinDisk(x extent.Extent) (int64, error) {
	terr, ok := c.plan[x.Medium.ID()]
	if !ok {
		return 0, fault.Violatedf("extent medium %#x never charted", x.Medium.ID())
	}
	start, ok := terr.FloorStart(x.Offset)
	if !ok {
		return 0, fault.Violatedf("extent %#x+%#x below all charted ranges", x.Offset, x.Length)
	}
	base, _ := terr.End(start)
	return x.Offset - start + base, nil
}

// WithinArea translates a source extent offset into its offset within
// the file area of the target device.
func (c *Colonies) WithinArea(x extent.Extent) (int64, error) {
	disk, err := c.WithinDisk(x)
	if err != nil {
		return 0, err
	}
	return disk - c.AreaOffset, nil
}

// lowerBoundMask sets all bits above the lowest set bit.
func lowerBoundMask(mask int64) int64 {
	for shift := uint(0); shift < 6; shift++ {
		mask |= mask << (1 << shift)
	}
	return mask
}

// Geometry registers source extents by device and derives the
// admissible target block sizes.
type Geometry struct {
	// Gap is the merge tolerance; see Optimize.
	Gap int64

	media map[uint64]extent.Medium
	order []uint64
	plan  map[uint64]*Territory
	mask  int64
}

// NewGeometry returns an empty geometry.
func NewGeometry() *Geometry {
	return &Geometry{
		media: map[uint64]extent.Medium{},
		plan:  map[uint64]*Territory{},
	}
}

// Chart registers an extent list, updating the granularity mask with
// every offset and every length but the final extent's (the trailing
// byte count of a file may be unaligned).
func (g *Geometry) Chart(extents []extent.Extent) {
	for i, x := range extents {
		g.ChartOne(x)
		g.mask |= x.Offset
		if i != len(extents)-1 {
			g.mask |= x.Length
		}
	}
}

// ChartOne registers a single extent in its device's territory.
func (g *Geometry) ChartOne(x extent.Extent) {
	id := x.Medium.ID()
	if _, ok := g.media[id]; !ok {
		g.media[id] = x.Medium
		g.order = append(g.order, id)
		g.plan[id] = NewTerritory()
	}
	g.plan[id].Claim(x.Offset, x.End())
}

// Devices returns the number of charted source media.
func (g *Geometry) Devices() int { return len(g.order) }

// Territory exposes the chart of one medium.
func (g *Geometry) Territory(id uint64) *Territory { return g.plan[id] }

// TotalLength is the area occupied by all represented extents.
func (g *Geometry) TotalLength() int64 {
	var total int64
	for _, id := range g.order {
		total += g.plan[id].TotalLength()
	}
	return total
}

// Granularity identifies the largest possible block size: a mask
// with every bit up to the upper bound on the filesystem block set,
// so its highest set bit is that bound.
// Aligned source media with blocks below the mapper sector cannot be
// represented.
func (g *Geometry) Granularity(mapperBlock int64) (int64, error) {
	for _, medium := range g.media {
		if !medium.IsAligned() {
			continue
		}
		if bs := medium.BlockSize(); bs < mapperBlock {
			dev := medium.BlockDevice()
			return 0, fmt.Errorf("device %#x has blocks of %d, below mappable %d",
				dev, bs, mapperBlock)
		}
	}
	return ^(lowerBoundMask(g.mask) << 1), nil
}

// Optimize merges adjacent and near-adjacent extents on aligned
// media, maintaining the configured gap tolerance.
func (g *Geometry) Optimize(targetBlkSz int64) {
	for _, id := range g.order {
		if !g.media[id].IsAligned() {
			continue
		}
		terr := g.plan[id]
		net := terr.TotalLength()
		before := terr.Len()
		terr.Merge(g.Gap)
		gross := terr.TotalLength()
		slog.Debug("merged extents",
			"device", fmt.Sprintf("%#x", id),
			"gap", g.Gap, "block", targetBlkSz,
			"before", before, "after", terr.Len(),
			"net", net, "gross", gross)
	}
}

// Analyze prints the lane-affinity report for aligned media:
// how many extents fall into each sub-cluster offset class under a
// larger cluster size.
func (g *Geometry) Analyze(targetBlkSz int64) {
	for _, id := range g.order {
		medium := g.media[id]
		if !medium.IsAligned() {
			continue
		}
		terr := g.plan[id]
		dist := terr.BreakByLanes(targetBlkSz)
		lanes := make([]int64, 0, len(dist))
		for lane := range dist {
			lanes = append(lanes, lane)
		}
		sort.Slice(lanes, func(i, j int) bool { return lanes[i] < lanes[j] })
		for _, lane := range lanes {
			slog.Info("lane affinity",
				"device", fmt.Sprintf("%#x", id),
				"cluster", targetBlkSz,
				"remainder", lane,
				"extents", dist[lane])
		}
	}
}

// WriteFiles appends one target extent per territory range, in device
// insertion order, padding to blkSz after each, and returns the
// source→target translation. After this call the territory values
// double as target offsets: FloorStart plus delta converts 1:1.
func (g *Geometry) WriteFiles(out burner.Appender, blkSz int64) (*Colonies, error) {
	cols := &Colonies{
		AreaOffset: out.Offset(),
		plan:       map[uint64]*Territory{},
	}
	for _, id := range g.order {
		surface := g.media[id]
		target := NewTerritory()
		cols.plan[id] = target
		var failed error
		g.plan[id].Each(func(start, end int64) {
			if failed != nil {
				return
			}
			placed, err := out.Append(extent.New(start, end-start, surface))
			if err != nil {
				failed = err
				return
			}
			if _, err := burner.PadTo(out, blkSz); err != nil {
				failed = err
				return
			}
			target.Claim(start, placed)
		})
		if failed != nil {
			return nil, failed
		}
	}
	return cols, nil
}
