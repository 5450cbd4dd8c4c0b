// Package naming canonicalizes source file names into unique,
// target-compliant names: transliteration into the target character
// set, trimming to the length discipline, numeric variant suffixes on
// collision, and the hierarchy-aware ordering the ISO directory and
// path tables require.
package naming

import (
	"math/rand"
)

// Replacement characters per target charset.
const (
	UnCharUCS2 = '�' // black diamond
	UnCharANSI = '?'
	UnCharCDFS = '_'
	Stop       = '.'
)

// Unicomp is a delimitation-aware name: the converted rune string
// plus the positions of its separators. It implements the
// hierarchy-aware lexicographic comparison
// (ab.k < abc.0 < abc.01 < abc.1 < abc$ < ac < b).
type Unicomp struct {
	Conv []rune
	Seps []int
}

// SepOrEnd returns the position of the i-th separator, or the string
// end when the name has fewer separators.
func (u *Unicomp) SepOrEnd(i int) int {
	if i < len(u.Seps) {
		return u.Seps[i]
	}
	return len(u.Conv)
}

// Cmp orders names segment by segment between separators. A shorter
// segment pads with a minimum sentinel, preserving the level and
// file-extension semantics plain string comparison would violate.
func (u *Unicomp) Cmp(other *Unicomp) int {
	lastL, lastR := 0, 0
	for seg := 0; ; seg++ {
		nextL := u.SepOrEnd(seg)
		nextR := other.SepOrEnd(seg)
		if c := cmpFragment(u.Conv[lastL:nextL], other.Conv[lastR:nextR]); c != 0 {
			return c
		}
		doneL := nextL >= len(u.Conv)
		doneR := nextR >= len(other.Conv)
		switch {
		case doneL && doneR:
			return 0
		case doneL:
			return -1
		case doneR:
			return 1
		}
		lastL, lastR = nextL+1, nextR+1
	}
}

// Less is Cmp < 0.
func (u *Unicomp) Less(other *Unicomp) bool { return u.Cmp(other) < 0 }

// String renders the converted name.
func (u *Unicomp) String() string { return string(u.Conv) }

func cmpFragment(left, right []rune) int {
	n := len(left)
	if len(right) > n {
		n = len(right)
	}
	for i := 0; i < n; i++ {
		l, r := rune(-1), rune(-1) // the minimum sentinel
		if i < len(left) {
			l = left[i]
		}
		if i < len(right) {
			r = right[i]
		}
		if l != r {
			if l < r {
				return -1
			}
			return 1
		}
	}
	return 0
}

// UniqName holds the variations of one file name until they are both
// target-compliant and unique within the directory.
type UniqName struct {
	Unicomp
	Tran    []rune // transliterated
	BaseLen int    // length of the correlated (pre-extension) part
	IsFile  bool
}

// Variant produces numeric suffixes to append at a given retry
// attempt. The randomness spreads collisions apart; the seed travels
// in the generator so output is reproducible.
type Variant interface {
	Variant(attempt int) int
}

// StdRand is the legacy variant source: attempt 0 yields no suffix,
// attempt k yields k plus a random spread below k².
type StdRand struct {
	Rng *rand.Rand
}

// NewStdRand seeds a variant source.
func NewStdRand(seed int64) *StdRand {
	return &StdRand{Rng: rand.New(rand.NewSource(seed))}
}

func (s *StdRand) Variant(attempt int) int {
	if attempt == 0 {
		return 0
	}
	return attempt + s.Rng.Intn(attempt*attempt)
}

// Rule defines a name variation engine. Stateless: it owns no names,
// only the charset and length discipline.
type Rule interface {
	// Translit rewrites the name into the target character set
	// (Ignobel => IGNOBEL) and finds the extension boundary.
	Translit(name *UniqName)
	// MixInVar rebuilds the converted form with a numeric variant,
	// trimming the base to fit (IGNOBEL + 1997 => IGNO1997).
	MixInVar(name *UniqName, variant int)
	// Decorate reinserts the extension and filesystem-required parts
	// such as the ISO version (IGNO1997 => IGNO1997.TXT;1).
	Decorate(name *UniqName)
}

// CDFSRule covers MS-DOS 8.3, ISO-9660 levels and Joliet: a separator
// pair, a length discipline, a per-character transliteration, and
// whether files are forced a dot.
type CDFSRule struct {
	Sep1     rune
	Sep2     rune
	Version  int
	BaseMax  int
	ExtMax   int
	Spay     func(rune) rune
	ForceDot bool
}

// The standard disciplines.
var (
	// DosVol is ISO-9660 level 1 (8.3) with the version suffix.
	DosVol = &CDFSRule{Sep1: '.', Sep2: ';', Version: 1, BaseMax: 8, ExtMax: 3, Spay: EnsureD, ForceDot: true}
	// PriVol is ISO-9660 level 2/3 (24+5 of 30) with the version suffix.
	PriVol = &CDFSRule{Sep1: '.', Sep2: ';', Version: 1, BaseMax: 24, ExtMax: 5, Spay: EnsureD, ForceDot: true}
	// SecVol is Joliet (54+5 of 60), UCS-2 restrictions, no forced dot.
	SecVol = &CDFSRule{Sep1: '.', Sep2: ';', Version: 1, BaseMax: 54, ExtMax: 5, Spay: EnsureD1, ForceDot: false}
	// FatVol is the FAT 8.3 short-name discipline.
	FatVol = &CDFSRule{Sep1: '.', BaseMax: 8, ExtMax: 3, Spay: EnsureD, ForceDot: false}
)

// EnsureD forces an ISO-9660 D-character: A-Z, 0-9, underscore.
func EnsureD(wc rune) rune {
	switch {
	case 'a' <= wc && wc <= 'z':
		return wc - 0x20
	case 'A' <= wc && wc <= 'Z', '0' <= wc && wc <= '9':
		return wc
	default:
		return UnCharCDFS
	}
}

// EnsureD1 forces a Joliet-admissible UCS-2 code point: anything but
// control characters and the reserved punctuation.
func EnsureD1(wc rune) rune {
	if wc < 0x20 || wc == '*' || wc == '/' || wc == '\\' || wc == ':' || wc == ';' || wc == '?' {
		return UnCharUCS2
	}
	return wc
}

func (r *CDFSRule) Translit(name *UniqName) {
	origSz := len(name.Tran)
	dotPos := -1
	if name.IsFile {
		for i := origSz - 1; i >= 0; i-- {
			if name.Tran[i] == Stop {
				dotPos = i
				break
			}
		}
	}
	if dotPos < 0 || dotPos < origSz-r.ExtMax-1 {
		dotPos = origSz
	}
	name.BaseLen = dotPos
	for i, wc := range name.Tran {
		name.Tran[i] = r.Spay(wc)
	}
}

func (r *CDFSRule) MixInVar(name *UniqName, variant int) {
	var digits []rune
	for v := variant; v > 0; v /= 10 {
		digits = append([]rune{rune('0' + v%10)}, digits...)
	}
	basePart := name.BaseLen
	if max := r.BaseMax - len(digits); basePart > max {
		basePart = max
	}
	name.Conv = append([]rune{}, name.Tran[:basePart]...)
	name.Conv = append(name.Conv, digits...)
	name.Seps = nil
}

func (r *CDFSRule) Decorate(name *UniqName) {
	hasExt := len(name.Tran) > name.BaseLen
	addDot := (r.ForceDot && name.IsFile) || hasExt
	if addDot {
		name.Seps = append(name.Seps, len(name.Conv))
		name.Conv = append(name.Conv, r.Sep1)
	}
	if hasExt {
		name.Conv = append(name.Conv, name.Tran[name.BaseLen+1:]...)
	}
	if r.Version != 0 && name.IsFile {
		name.Seps = append(name.Seps, len(name.Conv))
		name.Conv = append(name.Conv, r.Sep2)
		for v := r.Version; v > 0; v /= 10 {
			name.Conv = append(name.Conv, rune('0'+v%10))
		}
	}
}

// Pool canonicalizes the names of a single directory: distinct source
// names map to unique compliant target names; identical source names
// reuse their earlier conversion. Pools do not outlive the directory,
// which keeps the engine deterministic for a given input and seed.
type Pool struct {
	byTran map[string]poolHit
	taken  map[string]bool
}

type poolHit struct {
	orig string
	name Unicomp
}

// NewPool returns an empty per-directory pool.
func NewPool() *Pool {
	return &Pool{byTran: map[string]poolHit{}, taken: map[string]bool{}}
}

// FitName produces a transliterated, trimmed, uniquified and
// delimited target name for one source name.
func (p *Pool) FitName(orig []rune, isFile bool, rule Rule, shuf Variant) Unicomp {
	name := &UniqName{IsFile: isFile, Tran: append([]rune{}, orig...)}
	rule.Translit(name)

	tranKey := string(name.Tran)
	if hit, ok := p.byTran[tranKey]; ok && hit.orig == string(orig) {
		return hit.name
	}

	for attempt := 0; ; attempt++ {
		rule.MixInVar(name, shuf.Variant(attempt))
		rule.Decorate(name)
		decorated := string(name.Conv)
		if !p.taken[decorated] {
			p.taken[decorated] = true
			p.byTran[tranKey] = poolHit{orig: string(orig), name: name.Unicomp}
			return name.Unicomp
		}
	}
}
