package naming

import (
	"golang.org/x/text/unicode/norm"
)

// Decompose canonicalizes a name the way HFS Plus stores it: Central
// European precomposed characters and Korean Hangul syllables are
// expanded to their canonical (Apple NFD) form; everything else is
// left alone. Catalog keys are built from the decomposed form.
func Decompose(name []rune) []rune {
	if !irregular(name) {
		return name
	}
	out := make([]rune, 0, len(name)+4)
	for _, wc := range name {
		if decomposable(wc) {
			out = append(out, []rune(norm.NFD.String(string(wc)))...)
		} else {
			out = append(out, wc)
		}
	}
	return out
}

func irregular(name []rune) bool {
	for _, wc := range name {
		if decomposable(wc) {
			return true
		}
	}
	return false
}

// decomposable bounds the correction to the ranges the volume format
// cares about: Latin/Central European precomposed letters and Hangul
// syllables. ASCII and already-combining marks pass through.
func decomposable(wc rune) bool {
	switch {
	case wc >= 0x00C0 && wc <= 0x02FF: // Latin-1 supplement through spacing modifier letters
		return norm.NFD.String(string(wc)) != string(wc)
	case wc >= 0xAC00 && wc <= 0xD7A3: // Hangul syllables
		return true
	default:
		return false
	}
}
