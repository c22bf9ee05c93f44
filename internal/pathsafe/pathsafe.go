// Package pathsafe validates absolute paths, escapes reserved segments,
// produces filesystem-safe branch-link names, and compares paths in an
// OS-aware way (backslash/forward-slash collapse, trailing separator
// normalization) as required by spec §3/§4.4.
package pathsafe

import (
	"fmt"
	"path"
	"strings"

	"github.com/ssm/suwayomi-merge/internal/errtag"
)

// reservedSegments are directory-name segments that must never appear
// literally as a path component produced by this daemon.
var reservedSegments = map[string]bool{
	".":  true,
	"..": true,
}

// ValidateAbsolute returns errtag.PathUnsafe if p is not absolute or if
// any of its segments is "..", which could climb out of the root it is
// resolved against. Empty and "." segments are accepted.
func ValidateAbsolute(p string) error {
	if !path.IsAbs(p) {
		return fmt.Errorf("%q is not absolute: %w", p, errtag.PathUnsafe)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("%q contains reserved segment %q: %w", p, seg, errtag.PathUnsafe)
		}
	}
	return nil
}

// EscapeReservedSegment turns an arbitrary title string into a single
// path segment safe to join onto a root: it replaces each path separator
// with an underscore, trims surrounding whitespace, and prefixes an
// underscore to a result that is empty, "." or "..".
func EscapeReservedSegment(title string) string {
	escaped := strings.ReplaceAll(title, "/", "_")
	escaped = strings.TrimSpace(escaped)
	if escaped == "" || escaped == "." || escaped == ".." {
		return "_" + escaped
	}
	return escaped
}

// linkNameReplacer maps characters unsafe in a symlink basename (used for
// comma- and space-free mergerfs branch specs) to an underscore.
var linkNameReplacer = strings.NewReplacer(
	"/", "_",
	":", "_",
	",", "_",
	"=", "_",
	" ", "_",
)

// SafeLinkName returns a filesystem-safe basename for a branch-link
// symlink derived from raw (a volume or source name).
func SafeLinkName(raw string) string {
	name := linkNameReplacer.Replace(raw)
	if name == "" {
		name = "_"
	}
	return name
}

// NormalizeForCompare collapses backslashes to forward slashes and drops
// a trailing separator (except for the root "/"), matching §4.4's path
// comparison rule used by the mount reconciler.
func NormalizeForCompare(p string) string {
	n := strings.ReplaceAll(p, "\\", "/")
	for len(n) > 1 && strings.HasSuffix(n, "/") {
		n = n[:len(n)-1]
	}
	return n
}

// Equal reports whether two paths refer to the same location under the
// OS-aware normalization rule above.
func Equal(a, b string) bool {
	return NormalizeForCompare(a) == NormalizeForCompare(b)
}

// IsUnder reports whether child is equal to or nested under root, after
// normalization.
func IsUnder(root, child string) bool {
	r := NormalizeForCompare(root)
	c := NormalizeForCompare(child)
	if r == c {
		return true
	}
	if r == "/" {
		return strings.HasPrefix(c, "/")
	}
	return strings.HasPrefix(c, r+"/")
}

// Depth returns the number of non-empty path segments, used to order
// unmount actions deepest-first.
func Depth(p string) int {
	n := NormalizeForCompare(p)
	n = strings.Trim(n, "/")
	if n == "" {
		return 0
	}
	return strings.Count(n, "/") + 1
}
