package locate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/lightlabsinc/fsview/internal/burner"
	"github.com/lightlabsinc/fsview/internal/extent"
)

// fakeQuerier scripts the kernel's answers: one list for naive
// queries, another once a sync was requested.
type fakeQuerier struct {
	naive  []RawExtent
	synced []RawExtent
	calls  int
	syncs  int
}

func (q *fakeQuerier) Query(_ int, _ extent.Range, sync bool) ([]RawExtent, error) {
	q.calls++
	if sync {
		q.syncs++
		return q.synced, nil
	}
	return q.naive, nil
}

// sourceFile builds a file-backed medium with known content.
func sourceFile(t *testing.T, content string) extent.Extent {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	m, err := extent.OpenFileMedium(f)
	require.NoError(t, err)
	return extent.New(0, int64(len(content)), m)
}

func TestResolvePlain(t *testing.T) {
	q := &fakeQuerier{
		naive: []RawExtent{{Logical: 0, Physical: 0x10000, Length: 4096, Flags: FlagLast}},
	}
	l := New(q)
	src := sourceFile(t, "plain")

	out, err := l.Resolve(src)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(0x10000), out[0].Offset)
	assert.Equal(t, int64(4096), out[0].Length)
	assert.True(t, out[0].Medium.IsDirectDevice())
	assert.Equal(t, 1, q.calls)
}

func TestResolveUnknownRetriesWithSync(t *testing.T) {
	q := &fakeQuerier{
		naive:  []RawExtent{{Physical: 0, Length: 4096, Flags: FlagUnknown}},
		synced: []RawExtent{{Physical: 0x8000, Length: 4096}},
	}
	l := New(q)

	out, err := l.Resolve(sourceFile(t, "delayed"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(0x8000), out[0].Offset)
	assert.Equal(t, 1, q.syncs)
}

func TestResolveUnknownBlanksAfterSync(t *testing.T) {
	raw := []RawExtent{{Physical: 0, Length: 4096, Flags: FlagUnknown}}
	q := &fakeQuerier{naive: raw, synced: raw}
	l := New(q)

	out, err := l.Resolve(sourceFile(t, "stuck"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	// Degraded to zeroes, never stray device contents.
	assert.Nil(t, out[0].Medium)
	assert.Equal(t, int64(4096), out[0].Length)
}

func TestResolveEncodedFostersWithinBudget(t *testing.T) {
	content := "secret but compressed"
	q := &fakeQuerier{
		naive: []RawExtent{{Logical: 0, Physical: 0x9000,
			Length: int64(len(content)), Flags: FlagEncoded}},
	}
	l := New(q)
	scratch, err := burner.NewMemfd("foster", 512)
	require.NoError(t, err)
	defer scratch.Close()
	l.Foster = burner.NewPlanner(scratch)
	l.Budget = 1 << 20

	out, err := l.Resolve(sourceFile(t, content))
	require.NoError(t, err)
	require.Len(t, out, 1)
	// The extent now lives on the scratch, not the source device.
	assert.Same(t, scratch, out[0].Medium)
	assert.Equal(t, int64(0), out[0].Offset)

	// Burning the foster plan materializes the copied bytes.
	require.NoError(t, l.Foster.Commit())
	buf := make([]byte, len(content))
	_, err = unix.Pread(scratch.Fd(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, content, string(buf))
}

func TestResolveEncodedBlanksOverBudget(t *testing.T) {
	q := &fakeQuerier{
		naive: []RawExtent{{Physical: 0x9000, Length: 4096, Flags: FlagNotAligned}},
	}
	l := New(q)
	scratch, err := burner.NewMemfd("foster", 512)
	require.NoError(t, err)
	defer scratch.Close()
	l.Foster = burner.NewPlanner(scratch)
	l.Budget = 1024 // too small for the 4096-byte range

	out, err := l.Resolve(sourceFile(t, "inline"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].Medium)
}

func TestResolveUnwrittenQueuesForSync(t *testing.T) {
	q := &fakeQuerier{
		naive: []RawExtent{{Physical: 0x4000, Length: 4096, Flags: FlagUnwritten}},
	}
	l := New(q)

	out, err := l.Resolve(sourceFile(t, "pending"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(0x4000), out[0].Offset)
	assert.Equal(t, 1, l.Waiting())

	l.DrainWaitlist()
	assert.Zero(t, l.Waiting())
}

func TestSurfaceSubstitution(t *testing.T) {
	l := New(&fakeQuerier{})
	l.Subst[0x801] = 0x803
	m := l.Surface(0x801, 4096)
	assert.Equal(t, uint64(0x803), m.BlockDevice())
	// The registry caches by the found device.
	assert.Same(t, m, l.Surface(0x801, 4096))
}
