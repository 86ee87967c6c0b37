// Package pathbuilder implements the safe concatenation of branch-root and
// logical-path segments into a bounded physical path.
//
// Build is the only mechanism in the core that produces physical paths; all
// I/O consumes its output, so its normalization rules are load-bearing.
package pathbuilder

import (
	"strings"

	"github.com/ulakefs/ulakefs/errs"
)

// MaxLen bounds any path this package will construct, mirroring the
// original implementation's PATHLEN_MAX.
const MaxLen = 4096

// Build concatenates segments, inserting exactly one '/' between adjacent
// segments: it strips trailing slashes off the accumulator down to at most
// one, strips leading slashes off the next segment, and inserts a '/' only
// when neither side already has one. It never introduces "//" and never
// drops a needed separator.
//
// Build fails with PathTooLong if the result plus a terminating NUL would
// exceed MaxLen (so a result of MaxLen bytes or more is refused), and with
// a generic error if called with no non-empty segments.
func Build(segments ...string) (string, error) {
	var b strings.Builder

	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if b.Len() == 0 {
			b.WriteString(seg)
			continue
		}

		acc := b.String()
		accHasSlash := strings.HasSuffix(acc, "/")
		segHasSlash := strings.HasPrefix(seg, "/")

		trimmed := strings.TrimRight(acc, "/")
		if accHasSlash {
			// keep exactly one separator on the accumulator side
			trimmed += "/"
		}

		next := seg
		if accHasSlash {
			next = strings.TrimLeft(seg, "/")
		} else if segHasSlash {
			// accumulator has no trailing slash but seg has a
			// leading one: a single slash is the separator.
			next = "/" + strings.TrimLeft(seg, "/")
		} else {
			trimmed += "/"
		}

		b.Reset()
		b.WriteString(trimmed)
		b.WriteString(next)

		if b.Len()+1 > MaxLen {
			return "", errs.New(errs.PathTooLong, "build_path", b.String(), nil)
		}
	}

	if b.Len() == 0 {
		return "", errs.New(errs.Underlying, "build_path", "", errNoSegments)
	}
	if b.Len()+1 > MaxLen {
		return "", errs.New(errs.PathTooLong, "build_path", b.String(), nil)
	}
	return b.String(), nil
}

var errNoSegments = noSegmentsErr{}

type noSegmentsErr struct{}

func (noSegmentsErr) Error() string { return "build_path: no argument given" }
