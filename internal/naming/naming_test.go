package naming

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fit(t *testing.T, pool *Pool, name string, isFile bool, rule Rule) string {
	t.Helper()
	out := pool.FitName([]rune(name), isFile, rule, NewStdRand(1))
	return out.String()
}

func TestPriVolBasic(t *testing.T) {
	pool := NewPool()
	assert.Equal(t, "HELLO.TXT;1", fit(t, pool, "hello.txt", true, PriVol))
}

func TestPriVolForcesDotOnFiles(t *testing.T) {
	pool := NewPool()
	assert.Equal(t, "README.;1", fit(t, pool, "README", true, PriVol))
}

func TestPriVolFoldersBare(t *testing.T) {
	pool := NewPool()
	assert.Equal(t, "PHOTOS", fit(t, pool, "photos", false, PriVol))
}

func TestDosVolTrimsTo83(t *testing.T) {
	pool := NewPool()
	out := fit(t, pool, "verylongname.jpeg", true, DosVol)
	// Base trimmed to 8; .jpeg exceeds the 3-char extension window,
	// so the dot is not recognized as one and the name has no
	// extension part.
	assert.Equal(t, "VERYLONG.;1", out)
}

func TestFatVolShortName(t *testing.T) {
	pool := NewPool()
	assert.Equal(t, "A.TXT", fit(t, pool, "a.txt", true, FatVol))
	assert.Equal(t, "NOEXT", fit(t, pool, "noext", true, FatVol))
}

func TestUniquenessWithinDirectory(t *testing.T) {
	pool := NewPool()
	first := fit(t, pool, "a?b.txt", true, PriVol)
	second := fit(t, pool, "a_b.txt", true, PriVol)
	assert.Equal(t, "A_B.TXT;1", first)
	assert.NotEqual(t, first, second)

	// Many collisions stay unique.
	seen := map[string]bool{first: true, second: true}
	variants := []string{"a!b.txt", "a%b.txt", "a&b.txt", "a(b.txt", "a)b.txt"}
	for _, name := range variants {
		out := fit(t, pool, name, true, PriVol)
		assert.False(t, seen[out], "duplicate %q", out)
		seen[out] = true
	}
}

func TestSameSourceNameReuses(t *testing.T) {
	pool := NewPool()
	shuf := NewStdRand(7)
	a := pool.FitName([]rune("Café.txt"), true, PriVol, shuf)
	b := pool.FitName([]rune("Café.txt"), true, PriVol, shuf)
	assert.Equal(t, a.String(), b.String())
}

func TestCanonicalizationIdempotent(t *testing.T) {
	// A canonical name canonicalizes to itself. The FAT rule carries
	// no version decoration, so the law holds literally.
	names := []string{"hello.txt", "UPPER.TXT", "with space.doc", "plain", "a.b.c.txt"}
	for _, name := range names {
		once := fit(t, NewPool(), name, true, FatVol)
		twice := fit(t, NewPool(), once, true, FatVol)
		assert.Equal(t, once, twice, "canon not idempotent for %q", name)
	}
}

func TestHierarchyOrdering(t *testing.T) {
	// The documented law: ab.k < abc.0 < abc.01 < abc.1 < abc$ < ac < b
	mk := func(s string, seps ...int) Unicomp {
		return Unicomp{Conv: []rune(s), Seps: seps}
	}
	ordered := []Unicomp{
		mk("ab.k", 2),
		mk("abc.0", 3),
		mk("abc.01", 3),
		mk("abc.1", 3),
		mk("abc$"),
		mk("ac"),
		mk("b"),
	}
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			assert.Negative(t, ordered[i].Cmp(&ordered[j]),
				"%q should sort before %q", ordered[i].String(), ordered[j].String())
			assert.Positive(t, ordered[j].Cmp(&ordered[i]))
		}
		assert.Zero(t, ordered[i].Cmp(&ordered[i]))
	}

	// Shuffled and re-sorted comes back in law order.
	shuffled := []Unicomp{ordered[4], ordered[0], ordered[6], ordered[2], ordered[5], ordered[1], ordered[3]}
	sort.Slice(shuffled, func(i, j int) bool { return shuffled[i].Less(&shuffled[j]) })
	for i := range ordered {
		assert.Equal(t, ordered[i].String(), shuffled[i].String())
	}
}

func TestJolietKeepsUnicode(t *testing.T) {
	pool := NewPool()
	out := pool.FitName([]rune("Привет мир.txt"), true, SecVol, NewStdRand(1))
	assert.Equal(t, "Привет мир.txt;1", out.String())
}

func TestJolietReplacesForbidden(t *testing.T) {
	pool := NewPool()
	out := pool.FitName([]rune("a:b*c.txt"), true, SecVol, NewStdRand(1))
	assert.Equal(t, "a�b�c.txt;1", out.String())
}

func TestDecomposePrecomposed(t *testing.T) {
	// U+00E9 expands to 'e' + U+0301 combining acute.
	out := Decompose([]rune("Café.txt"))
	assert.Equal(t, []rune{'C', 'a', 'f', 'e', 0x301, '.', 't', 'x', 't'}, out)
}

func TestDecomposeHangul(t *testing.T) {
	// U+AC00 decomposes to U+1100 U+1161.
	out := Decompose([]rune{0xAC00})
	assert.Equal(t, []rune{0x1100, 0x1161}, out)
}

func TestDecomposeLeavesASCII(t *testing.T) {
	in := []rune("plain-ascii_1.txt")
	assert.Equal(t, in, Decompose(in))
}

func TestPacks(t *testing.T) {
	assert.Equal(t, []byte{'A', 'B'}, ANSI{}.Bytes([]rune("AB")))
	assert.Equal(t, []byte{0x00, 'A', 0x04, 0x10}, UCS2BE{}.Bytes([]rune{'A', 0x410}))
	assert.Equal(t, []byte{'A', 0x00, 0x10, 0x04}, UCS2LE{}.Bytes([]rune{'A', 0x410}))
}

func TestDiluteASCII(t *testing.T) {
	src := []byte("AB")
	dst := make([]byte, 6)
	DiluteASCII(dst, src, true)
	assert.Equal(t, []byte{0, 'A', 0, 'B', 0, 0}, dst)
}

func TestVariantGenerator(t *testing.T) {
	shuf := NewStdRand(42)
	assert.Zero(t, shuf.Variant(0))
	for attempt := 1; attempt < 8; attempt++ {
		v := shuf.Variant(attempt)
		require.GreaterOrEqual(t, v, attempt)
		require.Less(t, v, attempt+attempt*attempt)
	}
}
