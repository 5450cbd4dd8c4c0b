package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightlabsinc/fsview/internal/burner"
	"github.com/lightlabsinc/fsview/internal/extent"
)

func TestTerritoryMerge(t *testing.T) {
	terr := NewTerritory()
	terr.Claim(0, 4096)
	terr.Claim(4096, 8192)
	terr.Claim(20000, 24000)

	terr.Merge(0)
	require.Equal(t, 2, terr.Len())
	end, ok := terr.End(0)
	require.True(t, ok)
	assert.Equal(t, int64(8192), end)

	// A large tolerance folds everything.
	terr.Merge(1 << 30)
	require.Equal(t, 1, terr.Len())
	end, _ = terr.End(0)
	assert.Equal(t, int64(24000), end)
}

func TestTerritoryDisjointAfterMerge(t *testing.T) {
	terr := NewTerritory()
	terr.Claim(0, 100)
	terr.Claim(150, 300)
	terr.Claim(1000, 1100)
	gap := int64(60)
	terr.Merge(gap)

	var prevEnd int64 = -1
	terr.Each(func(start, end int64) {
		if prevEnd >= 0 {
			assert.Greater(t, start, prevEnd+gap)
		}
		prevEnd = end
	})
	require.Equal(t, 2, terr.Len())
}

func TestBreakByLanes(t *testing.T) {
	terr := NewTerritory()
	terr.Claim(0, 512)
	terr.Claim(4096, 4608)
	terr.Claim(6144, 6656) // 6144 % 4096 = 2048
	dist := terr.BreakByLanes(4096)
	assert.Equal(t, 2, dist[0])
	assert.Equal(t, 1, dist[2048])
}

func TestGranularity(t *testing.T) {
	g := NewGeometry()
	disk := extent.NewDiskMedium(0x801, 4096)
	g.Chart([]extent.Extent{
		extent.New(0x10000, 0x4000, disk),
		extent.New(0x28000, 0x1234, disk), // final length may be ragged
	})

	mask, err := g.Granularity(extent.MapperBlockSize)
	require.NoError(t, err)
	// The first extent's length, 0x4000, is the coarsest alignment (the
	// ragged final length is ignored); sizes top out there.
	assert.NotZero(t, mask&0x4000)
	assert.Zero(t, mask&0x8000)
	assert.NotZero(t, mask&0x1000)
}

func TestGranularityRejectsTinyDeviceBlocks(t *testing.T) {
	g := NewGeometry()
	disk := &extent.DiskMedium{Device: 0x801, BS: 256}
	g.Chart([]extent.Extent{extent.New(0, 4096, disk)})
	_, err := g.Granularity(extent.MapperBlockSize)
	require.Error(t, err)
}

func TestWriteFilesColonies(t *testing.T) {
	// Two files with back-to-back extents on one device merge into a
	// single target extent, and both translate correctly.
	g := NewGeometry()
	g.Gap = 0
	disk := extent.NewDiskMedium(0x801, 512)
	first := extent.New(0, 4096, disk)
	second := extent.New(4096, 4096, disk)
	g.Chart([]extent.Extent{first})
	g.Chart([]extent.Extent{second})
	g.Optimize(512)

	terr := g.Territory(disk.ID())
	require.Equal(t, 1, terr.Len())

	vb := burner.NewVector(512)
	p := burner.NewPlanner(vb)
	_, err := p.Append(extent.Zero(2048)) // pretend metadata precedes
	require.NoError(t, err)
	cols, err := g.WriteFiles(p, 512)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), cols.AreaOffset)

	at, err := cols.WithinDisk(first)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), at)
	at, err = cols.WithinDisk(second)
	require.NoError(t, err)
	assert.Equal(t, int64(2048+4096), at)

	within, err := cols.WithinArea(second)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), within)
}

func TestWriteFilesPadsBetweenRanges(t *testing.T) {
	g := NewGeometry()
	g.Gap = 0
	disk := extent.NewDiskMedium(0x801, 512)
	a := extent.New(0, 1000, disk)
	b := extent.New(8192, 512, disk)
	g.Chart([]extent.Extent{a})
	g.Chart([]extent.Extent{b})
	g.Optimize(512)

	p := burner.NewPlanner(burner.NewVector(512))
	cols, err := g.WriteFiles(p, 512)
	require.NoError(t, err)

	atB, err := cols.WithinDisk(b)
	require.NoError(t, err)
	// The ragged first range pads to the block before b lands.
	assert.Equal(t, int64(1024), atB)

	total := g.TotalLength()
	assert.Equal(t, int64(1512), total)
}

func TestChartMaskSkipsFinalLength(t *testing.T) {
	g := NewGeometry()
	disk := extent.NewDiskMedium(0x801, 512)
	// A single-extent list: only the offset enters the mask, since a
	// trailing byte count may be unaligned.
	g.Chart([]extent.Extent{extent.New(0x2000, 0x123, disk)})
	mask, err := g.Granularity(extent.MapperBlockSize)
	require.NoError(t, err)
	assert.NotZero(t, mask&0x2000)
}
