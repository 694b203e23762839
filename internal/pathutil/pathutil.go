// Package pathutil joins virtual paths to the LOCAL and EXTERNAL roots of a
// mount, filters junk names the overlay should never surface, and guards
// against runaway symlink-loop depth.
package pathutil

import (
	"path"
	"strings"

	"github.com/driftfs/driftfs/pkg/errors"
)

// MaxDepth is the maximum number of path components the overlay will
// resolve before assuming a symlink loop (spec §4.1).
const MaxDepth = 40

// defaultExclusions are junk names no Finder-adjacent overlay should
// surface from either tier.
var defaultExclusions = []string{
	".DS_Store",
	".Spotlight-V100",
	".Trashes",
	".fseventsd",
	".TemporaryItems",
	".FUSE",
}

// ToLocal joins a virtual path onto the LOCAL root.
func ToLocal(localRoot, vp string) string {
	return join(localRoot, vp)
}

// ToExternal joins a virtual path onto the EXTERNAL root.
func ToExternal(externalRoot, vp string) string {
	return join(externalRoot, vp)
}

func join(root, vp string) string {
	root = strings.TrimRight(root, "/")
	vp = strings.TrimPrefix(vp, "/")
	if vp == "" {
		return root
	}
	return root + "/" + vp
}

// Normalize cleans a virtual path: absolute, forward-slash, no "."/"..",
// no trailing slash except root.
func Normalize(vp string) string {
	if vp == "" {
		vp = "/"
	}
	if !strings.HasPrefix(vp, "/") {
		vp = "/" + vp
	}
	cleaned := path.Clean(vp)
	if cleaned == "." {
		cleaned = "/"
	}
	return cleaned
}

// Exists reports whether the path is present on disk (file, dir, or
// anything os.Stat can see, including broken symlinks via Lstat semantics
// left to the caller).
type statFunc func(string) bool

// ActualStater abstracts the two stat probes resolve_actual needs, so
// tests can fake LOCAL/EXTERNAL presence without touching disk.
type ActualStater interface {
	LocalExists(vp string) bool
	ExternalExists(vp string) bool
}

// EvictingSet reports whether a path is mid-demote; resolve_actual must
// skip LOCAL for such a path even if the demote hasn't unlinked it yet.
type EvictingSet interface {
	Contains(vp string) bool
}

// ResolveActual returns the tier that should service a read for vp: it
// returns ("local", localPath) or ("external", externalPath) or ("", "")
// if neither tier has the path. LOCAL is skipped when vp is mid-eviction
// so an evicted file reads through to EXTERNAL without briefly
// reappearing (spec §4.1, §8 invariant "∀ path ∈ evicting: resolve_actual
// does not return its LOCAL path").
func ResolveActual(vp, localRoot, externalRoot string, stat ActualStater, evicting EvictingSet) (tier string, actualPath string) {
	if evicting == nil || !evicting.Contains(vp) {
		if stat.LocalExists(vp) {
			return "local", ToLocal(localRoot, vp)
		}
	}
	if stat.ExternalExists(vp) {
		return "external", ToExternal(externalRoot, vp)
	}
	return "", ""
}

// ShouldExclude reports whether name should never be surfaced by readdir
// or accepted by create/mkdir: the fixed junk-name list, AppleDouble
// sidecar files ("._*"), and any of the caller's extra glob patterns.
func ShouldExclude(name string, extraGlobs []string) bool {
	for _, ex := range defaultExclusions {
		if name == ex {
			return true
		}
	}
	if strings.HasPrefix(name, "._") {
		return true
	}
	for _, pattern := range extraGlobs {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// CheckPathDepth rejects paths with more than MaxDepth components, the
// loop-error signal for resolving a pathologically deep or cyclic tree.
func CheckPathDepth(vp string) error {
	vp = strings.Trim(vp, "/")
	if vp == "" {
		return nil
	}
	depth := strings.Count(vp, "/") + 1
	if depth > MaxDepth {
		return errors.New(errors.KindTooManyLinks, "path exceeds maximum depth").
			WithComponent("pathutil").
			WithOperation("check_path_depth").
			WithPath(vp).
			WithDetail("depth", depth).
			WithDetail("max_depth", MaxDepth)
	}
	return nil
}
