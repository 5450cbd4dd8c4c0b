package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello world\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.bin"), make([]byte, 4096), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("deep"), 0644))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(dir, "link")))
	return dir
}

func TestOpenRootTraverses(t *testing.T) {
	dir := seedTree(t)
	tree := NewTree()
	defer tree.Close()
	require.NoError(t, tree.OpenRoot(dir, true))

	// Root plus the one subdirectory, in DFS order.
	require.Len(t, tree.PathTable, 2)
	assert.Same(t, tree.Root, tree.PathTable[0])
	assert.Equal(t, "sub", string(tree.PathTable[1].Name))

	// Symlinks never make it in.
	require.Len(t, tree.FileTable, 3)
	names := map[string]bool{}
	for _, f := range tree.FileTable {
		names[string(f.Name)] = true
		assert.True(t, f.IsFile())
		assert.NotNil(t, tree.Layout[f])
	}
	assert.True(t, names["a.txt"])
	assert.True(t, names["b.bin"])
	assert.True(t, names["nested.txt"])
	assert.False(t, names["link"])
}

func TestIdentityLayoutChartsWholeFiles(t *testing.T) {
	dir := seedTree(t)
	tree := NewTree()
	defer tree.Close()
	require.NoError(t, tree.OpenRoot(dir, true))

	for _, f := range tree.FileTable {
		layout := tree.Layout[f]
		require.Len(t, layout, 1)
		assert.Equal(t, int64(0), layout[0].Offset)
		assert.Equal(t, f.Stat.Size, layout[0].Length)
		assert.Equal(t, f.Stat.Ino, layout[0].Medium.ID())
	}
	assert.Equal(t, len(tree.FileTable), tree.Devices())
}

func TestExcludeFilter(t *testing.T) {
	dir := seedTree(t)
	tree := NewTree()
	defer tree.Close()
	tree.AllowName = func(name string) bool { return name != "b.bin" }
	require.NoError(t, tree.OpenRoot(dir, true))

	for _, f := range tree.FileTable {
		assert.NotEqual(t, "b.bin", string(f.Name))
	}
	require.Len(t, tree.FileTable, 2)
}

func TestInsertStat(t *testing.T) {
	dir := seedTree(t)
	extra := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(extra, "outside.txt"), []byte("x"), 0644))

	tree := NewTree()
	defer tree.Close()
	require.NoError(t, tree.OpenRoot(dir, true))
	require.NoError(t, tree.InsertStat(filepath.Join(extra, "outside.txt")))

	found := false
	for _, f := range tree.FileTable {
		if string(f.Name) == "outside.txt" {
			found = true
			assert.Same(t, tree.Root, f.Parent)
		}
	}
	assert.True(t, found)
}

func TestFakeRoot(t *testing.T) {
	tree := NewTree()
	defer tree.Close()
	tree.FakeRoot()
	require.NotNil(t, tree.Root)
	require.Len(t, tree.PathTable, 1)
	assert.True(t, tree.Root.IsDir())
	assert.Empty(t, tree.FileTable)
}

func TestEntryDepth(t *testing.T) {
	dir := seedTree(t)
	tree := NewTree()
	defer tree.Close()
	require.NoError(t, tree.OpenRoot(dir, true))

	assert.Zero(t, tree.Root.Depth())
	sub := tree.PathTable[1]
	assert.Equal(t, 1, sub.Depth())
	for _, child := range sub.Children {
		assert.Equal(t, 2, child.Depth())
	}
}

func TestEagerCloseKeepsPathFallback(t *testing.T) {
	dir := seedTree(t)
	tree := NewTree()
	defer tree.Close()
	tree.EagerClose = true
	require.NoError(t, tree.OpenRoot(dir, true))

	for _, f := range tree.FileTable {
		// The fd reopens on demand.
		fd := f.Fd()
		assert.GreaterOrEqual(t, fd, 0)
	}
}
