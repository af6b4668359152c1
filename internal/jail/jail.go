// Package jail implements the path virtualization described in spec §4.B:
// confining a client's virtual paths to a per-user subtree of the host
// filesystem.
package jail

import "strings"

// Jail resolves virtual client paths against a fixed host root. The
// zero value is not usable; construct with New.
type Jail struct {
	root string // absolute host path, no trailing slash
}

// New returns a Jail rooted at root. root must not end in "/".
func New(root string) Jail {
	return Jail{root: strings.TrimSuffix(root, "/")}
}

// Root returns the jail's host root directory.
func (j Jail) Root() string {
	return j.root
}

// Normalize collapses "." and ".." segments in a virtual path the way
// spec §4.B/§9 describes: split on "/", drop empty and "." segments,
// pop the stack on ".." (a ".." at the root is simply dropped, it never
// escapes above "/"). The result always starts with "/".
func Normalize(virtualPath string) string {
	segments := strings.Split(virtualPath, "/")
	stack := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			// drop empty segments (repeated "/") and current-dir segments
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, seg)
		}
	}
	if len(stack) == 0 {
		return "/"
	}
	return "/" + strings.Join(stack, "/")
}

// Resolve normalizes virtualPath and returns the corresponding host
// path, rooted at the jail: j.Root() followed directly by the normalized
// path, so "/" resolves to j.Root() + "/". The returned path is always
// j.Root() or a descendant of it — normalization never produces a path that
// escapes above "/" so prepending the jail root can never traverse
// outside it lexically. This does not follow symlinks; see spec §4.B
// and §9 open question 2 for the documented residual risk.
func (j Jail) Resolve(virtualPath string) string {
	return j.root + Normalize(virtualPath)
}
