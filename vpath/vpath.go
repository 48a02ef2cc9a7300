// Package vpath implements the workspace-root-relative virtual path type.
// A VirtualPath is a pure value: it never touches the filesystem and every
// method is a total or explicitly failing pure function.
package vpath

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/StrataLabs/strata/models"
)

// VirtualPath is an immutable, normalized, root-relative path. The zero
// value is the workspace root. Two paths are equal iff their normalized
// string forms are equal, regardless of how they were constructed.
type VirtualPath struct {
	// joined is the slash-joined normalized segments, empty at root.
	joined string
}

// Root returns the workspace root path.
func Root() VirtualPath {
	return VirtualPath{}
}

// New constructs a VirtualPath from a string. Leading slashes are stripped
// (virtual paths are always root-relative), `.` segments collapse, `..`
// segments resolve against earlier segments, and resolving above the root
// is an error rather than a silent clamp. Null bytes and invalid UTF-8 are
// rejected.
func New(s string) (VirtualPath, error) {
	if strings.ContainsRune(s, 0) {
		return VirtualPath{}, fmt.Errorf("%w: path contains null byte", models.ErrInvalidInput)
	}
	if !utf8.ValidString(s) {
		return VirtualPath{}, fmt.Errorf("%w: path is not valid UTF-8", models.ErrInvalidInput)
	}

	s = strings.ReplaceAll(s, "\\", "/")
	var segments []string
	for _, seg := range strings.Split(s, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(segments) == 0 {
				return VirtualPath{}, fmt.Errorf("%w: path escapes workspace root: %q", models.ErrInvalidInput, s)
			}
			segments = segments[:len(segments)-1]
		default:
			segments = append(segments, seg)
		}
	}
	return VirtualPath{joined: strings.Join(segments, "/")}, nil
}

// MustNew is New for statically known-good paths; it panics on error.
func MustNew(s string) VirtualPath {
	p, err := New(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p VirtualPath) String() string {
	return p.joined
}

func (p VirtualPath) IsRoot() bool {
	return p.joined == ""
}

// Segments returns a copy of the normalized segment sequence.
func (p VirtualPath) Segments() []string {
	if p.joined == "" {
		return nil
	}
	return strings.Split(p.joined, "/")
}

// Depth is the number of segments; 0 at root.
func (p VirtualPath) Depth() int {
	if p.joined == "" {
		return 0
	}
	return strings.Count(p.joined, "/") + 1
}

// Join appends other to p. The joined part goes through the same
// normalization as New, so "a/b".Join("../c") yields "a/c" and joining
// enough ".." to escape the root fails.
func (p VirtualPath) Join(other string) (VirtualPath, error) {
	if p.joined == "" {
		return New(other)
	}
	return New(p.joined + "/" + other)
}

// Parent returns the containing path. ok is false at the root.
func (p VirtualPath) Parent() (VirtualPath, bool) {
	if p.joined == "" {
		return VirtualPath{}, false
	}
	idx := strings.LastIndexByte(p.joined, '/')
	if idx < 0 {
		return VirtualPath{}, true
	}
	return VirtualPath{joined: p.joined[:idx]}, true
}

// Ancestors returns every proper ancestor from the first segment down to
// the parent, excluding the root. Empty for top-level paths.
func (p VirtualPath) Ancestors() []VirtualPath {
	segs := p.Segments()
	if len(segs) <= 1 {
		return nil
	}
	out := make([]VirtualPath, 0, len(segs)-1)
	for i := 1; i < len(segs); i++ {
		out = append(out, VirtualPath{joined: strings.Join(segs[:i], "/")})
	}
	return out
}

// FileName returns the final segment, empty at root.
func (p VirtualPath) FileName() string {
	if p.joined == "" {
		return ""
	}
	idx := strings.LastIndexByte(p.joined, '/')
	return p.joined[idx+1:]
}

// Extension returns the file extension without the leading dot, or "".
func (p VirtualPath) Extension() string {
	name := p.FileName()
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 {
		return ""
	}
	return name[idx+1:]
}

// IsAncestorOf reports whether p is a proper ancestor of other. The root is
// an ancestor of every non-root path.
func (p VirtualPath) IsAncestorOf(other VirtualPath) bool {
	if p.joined == "" {
		return other.joined != ""
	}
	return strings.HasPrefix(other.joined, p.joined+"/")
}

// ToPhysical joins p under a physical base directory.
func (p VirtualPath) ToPhysical(base string) string {
	if p.joined == "" {
		return filepath.Clean(base)
	}
	return filepath.Join(base, filepath.FromSlash(p.joined))
}

// FromPhysical converts a physical path inside base into a VirtualPath.
// Fails if path is not inside base.
func FromPhysical(base, path string) (VirtualPath, error) {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(path))
	if err != nil {
		return VirtualPath{}, fmt.Errorf("%w: %q is not inside %q", models.ErrInvalidInput, path, base)
	}
	if rel == "." {
		return Root(), nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return VirtualPath{}, fmt.Errorf("%w: %q is not inside %q", models.ErrInvalidInput, path, base)
	}
	return New(filepath.ToSlash(rel))
}
