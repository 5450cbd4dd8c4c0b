package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashDigits(t *testing.T) {
	first := hashDigits("SERIAL-1234")
	second := hashDigits("SERIAL-1234")
	assert.Equal(t, first, second)
	assert.Len(t, first, 6)
	for _, c := range first {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z'), "digit %q", c)
	}
	assert.NotEqual(t, first, hashDigits("SERIAL-1235"))
}

func TestExcludeFilter(t *testing.T) {
	filter, err := excludeFilter([]string{`\.tmp$`, `^lost\+found$`})
	require.NoError(t, err)
	assert.False(t, filter("scratch.tmp"))
	assert.False(t, filter("lost+found"))
	assert.True(t, filter("keep.txt"))

	_, err = excludeFilter([]string{`(`})
	require.Error(t, err)
}

func TestValidateLanes(t *testing.T) {
	require.NoError(t, validateLanes(1))
	require.NoError(t, validateLanes(4))
	require.Error(t, validateLanes(0))
	require.Error(t, validateLanes(3))
	require.Error(t, validateLanes(-2))
}

func TestMkfsFlagOrdering(t *testing.T) {
	o := &mkfsOpts{labels: map[int]string{}}
	require.NoError(t, fsFlag{o}.Set("fat32"))
	require.NoError(t, labelFlag{o}.Set("CARD"))
	require.NoError(t, fsFlag{o}.Set("cdfs,hfsx"))
	require.NoError(t, labelFlag{o}.Set("DISC"))

	assert.Equal(t, fsFat32|fsCDFS|fsHFSX, o.fsMask)
	assert.Equal(t, "CARD", o.labels[fsFat32])
	assert.Equal(t, "DISC", o.labels[fsHFSX])
}

func TestLabelBeforeMkfsRejected(t *testing.T) {
	o := &mkfsOpts{labels: map[int]string{}}
	require.Error(t, labelFlag{o}.Set("EARLY"))
}

func TestTolerance(t *testing.T) {
	o := &mkfsOpts{gap: -1, target: "virtualcd"}
	assert.Equal(t, int64(gapMapped), o.tolerance())
	o.target = "/tmp/out.img"
	assert.Equal(t, int64(gapFile), o.tolerance())
	o.gap = 0
	assert.Equal(t, int64(0), o.tolerance())
}

func TestBestBlkSize(t *testing.T) {
	assert.Equal(t, int64(1024), bestBlkSize(30<<20))
	assert.Equal(t, int64(2048), bestBlkSize(200<<20))
	assert.Equal(t, int64(4096), bestBlkSize(512<<20))
	assert.Equal(t, int64(8192), bestBlkSize(8<<30))
	assert.Equal(t, int64(16384), bestBlkSize(32<<30))
}
