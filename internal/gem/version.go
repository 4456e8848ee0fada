package gem

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	versionPattern = regexp.MustCompile(`^[0-9]+(\.[0-9a-zA-Z]+)*(-[0-9A-Za-z-]+(\.[0-9A-Za-z-]+)*)?$`)
	segmentPattern = regexp.MustCompile(`[0-9]+|[a-zA-Z]+`)
)

// segment is one numeric or alphabetic run of a version.
//
// Numeric segments keep their digits (leading zeros trimmed) so that
// arbitrarily long numbers compare without overflow.
type segment struct {
	text    string
	numeric bool
}

func (s segment) isZero() bool {
	return s.numeric && s.text == "0"
}

func compareSegments(a, b segment) int {
	switch {
	case a.numeric && b.numeric:
		if len(a.text) != len(b.text) {
			if len(a.text) < len(b.text) {
				return -1
			}
			return 1
		}
		return strings.Compare(a.text, b.text)
	case a.numeric:
		return 1
	case b.numeric:
		return -1
	}
	return strings.Compare(a.text, b.text)
}

var zeroSegment = segment{text: "0", numeric: true}

// Version is a parsed RubyGems version.
type Version struct {
	raw      string
	segments []segment
}

// ParseVersion parses s the way Gem::Version.new does.
//
// Surrounding whitespace is ignored, a blank string is version "0", and
// dashes are rewritten to ".pre." in the canonical form.
func ParseVersion(s string) (Version, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		trimmed = "0"
	}
	if !versionPattern.MatchString(trimmed) {
		return Version{}, errors.Newf("malformed version number string %q", s)
	}

	raw := strings.ReplaceAll(trimmed, "-", ".pre.")
	var segs []segment
	for _, m := range segmentPattern.FindAllString(raw, -1) {
		if m[0] >= '0' && m[0] <= '9' {
			n := strings.TrimLeft(m, "0")
			if n == "" {
				n = "0"
			}
			segs = append(segs, segment{text: n, numeric: true})
			continue
		}
		segs = append(segs, segment{text: m})
	}
	return Version{raw: raw, segments: segs}, nil
}

// MustParseVersion is like ParseVersion but panics on error.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the canonical version string.
func (v Version) String() string {
	return v.raw
}

// Prerelease reports whether v contains a letter.
func (v Version) Prerelease() bool {
	for _, s := range v.segments {
		if !s.numeric {
			return true
		}
	}
	return false
}

// canonical drops trailing zeros from the release part and from the
// prerelease part separately, so "1.0.a.0" and "1.a" compare equal.
func (v Version) canonical() []segment {
	split := len(v.segments)
	for i, s := range v.segments {
		if !s.numeric {
			split = i
			break
		}
	}
	out := trimZeros(v.segments[:split])
	return append(out, trimZeros(v.segments[split:])...)
}

func trimZeros(segs []segment) []segment {
	end := len(segs)
	for end > 0 && segs[end-1].isZero() {
		end--
	}
	out := make([]segment, end)
	copy(out, segs[:end])
	return out
}

// Compare returns -1, 0 or +1 following Gem::Version#<=>.
func (v Version) Compare(o Version) int {
	if v.raw == o.raw {
		return 0
	}
	lhs, rhs := v.canonical(), o.canonical()
	limit := max(len(lhs), len(rhs))
	for i := 0; i < limit; i++ {
		l, r := zeroSegment, zeroSegment
		if i < len(lhs) {
			l = lhs[i]
		}
		if i < len(rhs) {
			r = rhs[i]
		}
		if c := compareSegments(l, r); c != 0 {
			return c
		}
	}
	return 0
}

// Equal reports whether v and o compare equal.
func (v Version) Equal(o Version) bool {
	return v.Compare(o) == 0
}
