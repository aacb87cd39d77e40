// Package wbpath implements the gateway's path model.
//
// A Path is an immutable, ordered list of named parts rooted at the provider
// storage root. The trailing slash of the raw path is load-bearing: it tags
// the path as a folder, and the tag is part of the path's identity. Two
// sibling entries with the same name but different tags are distinct.
//
// Parts optionally carry an opaque backend identifier for providers that
// address entities by id rather than by name (Box, Google Drive, OSF storage).
package wbpath

import (
	"fmt"
	gopath "path"
	"strings"

	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
)

// Part is one level of a Path. The zero count is the original name; a
// non-zero count appends the " (n)" conflict suffix used by the copy engine.
type Part struct {
	name  string
	id    string
	count int
}

// NewPart builds a part with an optional backend identifier.
func NewPart(name, id string) Part {
	return Part{name: name, id: id}
}

// Identifier returns the part's backend id, or "" if the provider is
// name-addressed.
func (p Part) Identifier() string { return p.id }

// Ext returns the file extension of the original name, including the dot.
func (p Part) Ext() string { return gopath.Ext(p.name) }

// value renders the effective name. Files get the conflict suffix before the
// extension, folders at the end.
func (p Part) value(folder bool) string {
	if p.count == 0 {
		return p.name
	}
	if folder {
		return fmt.Sprintf("%s (%d)", p.name, p.count)
	}
	ext := gopath.Ext(p.name)
	return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(p.name, ext), p.count, ext)
}

// Path is a validated gateway path. The zero value is not valid; use Parse,
// ParseKind, FromParts or Root.
type Path struct {
	parts  []Part // parts[0] is always the root part with an empty name
	folder bool
}

// Root returns the provider root, optionally tagged with a backend id.
func Root(id string) Path {
	return Path{parts: []Part{{id: id}}, folder: true}
}

// Validate rejects raw paths that are empty, relative, contain empty
// segments, or attempt traversal.
func Validate(raw string) error {
	if raw == "" {
		return wberror.New(wberror.InvalidPath, "must specify path")
	}
	if !strings.HasPrefix(raw, "/") {
		return wberror.New(wberror.InvalidPath, "invalid path %q: must start with /", raw)
	}
	if strings.Contains(raw, "//") {
		return wberror.New(wberror.InvalidPath, "invalid path %q: empty segment", raw)
	}
	for _, seg := range strings.Split(strings.Trim(raw, "/"), "/") {
		if seg == "." || seg == ".." {
			return wberror.New(wberror.InvalidPath, "invalid path %q: traversal not allowed", raw)
		}
	}
	return nil
}

// Parse builds a Path from a raw string, inferring the folder tag from the
// trailing slash. ids, when given, are matched positionally against the parts
// including the root.
func Parse(raw string, ids ...string) (Path, error) {
	if err := Validate(raw); err != nil {
		return Path{}, err
	}

	segments := strings.Split(strings.TrimSuffix(raw, "/"), "/")
	parts := make([]Part, len(segments))
	for i, seg := range segments {
		parts[i] = Part{name: seg}
		if i < len(ids) {
			parts[i].id = ids[i]
		}
	}

	return Path{parts: parts, folder: raw == "/" || strings.HasSuffix(raw, "/")}, nil
}

// ParseKind is Parse with the kind pinned by the caller. A mismatch between
// the trailing slash and the expected kind is an InvalidPath error.
func ParseKind(raw string, folder bool, ids ...string) (Path, error) {
	p, err := Parse(raw, ids...)
	if err != nil {
		return Path{}, err
	}
	if p.folder != folder {
		want, got := "file", "folder"
		if folder {
			want, got = got, want
		}
		return Path{}, wberror.New(wberror.InvalidPath, "invalid path %q: expected a %s, got a %s", raw, want, got)
	}
	return p, nil
}

// FromParts assembles a Path from explicit parts. The root part is prepended
// if absent.
func FromParts(parts []Part, folder bool) Path {
	cloned := make([]Part, 0, len(parts)+1)
	if len(parts) == 0 || parts[0].name != "" {
		cloned = append(cloned, Part{})
	}
	cloned = append(cloned, parts...)
	return Path{parts: cloned, folder: folder}
}

// IsRoot reports whether the path is the provider root.
func (p Path) IsRoot() bool { return len(p.parts) == 1 }

// IsFolder reports whether the path carries the folder tag.
func (p Path) IsFolder() bool { return p.folder }

// IsFile reports whether the path carries the file tag.
func (p Path) IsFile() bool { return !p.folder }

// Kind returns "folder" or "file".
func (p Path) Kind() string {
	if p.folder {
		return "folder"
	}
	return "file"
}

// Name returns the effective name of the last part. The root's name is "".
func (p Path) Name() string {
	return p.parts[len(p.parts)-1].value(p.folder)
}

// Identifier returns the backend id of the last part.
func (p Path) Identifier() string {
	return p.parts[len(p.parts)-1].id
}

// Ext returns the extension of the last part.
func (p Path) Ext() string {
	return p.parts[len(p.parts)-1].Ext()
}

// Parts returns a copy of the path's parts, root included.
func (p Path) Parts() []Part {
	out := make([]Part, len(p.parts))
	copy(out, p.parts)
	return out
}

// String returns the materialized unix-style path. Folders keep their
// trailing slash; the root is "/".
func (p Path) String() string {
	if p.IsRoot() {
		return "/"
	}
	names := make([]string, len(p.parts))
	for i, part := range p.parts {
		folder := p.folder || i < len(p.parts)-1
		names[i] = part.value(folder)
	}
	s := strings.Join(names, "/")
	if p.folder {
		s += "/"
	}
	return s
}

// Interior returns the path relative to the storage root without a leading
// slash. The root itself is the empty string.
func (p Path) Interior() string {
	return strings.TrimPrefix(p.String(), "/")
}

// Child returns a new Path one level below a folder path, preserving all
// ancestor identifiers.
func (p Path) Child(name, id string, folder bool) (Path, error) {
	if !p.folder {
		return Path{}, wberror.New(wberror.InvalidPath, "cannot create child %q of file path %q", name, p)
	}
	parts := make([]Part, len(p.parts), len(p.parts)+1)
	copy(parts, p.parts)
	parts = append(parts, Part{name: name, id: id})
	return Path{parts: parts, folder: folder}, nil
}

// Parent returns the enclosing folder. The root's parent is the root.
func (p Path) Parent() Path {
	if p.IsRoot() {
		return p
	}
	parts := make([]Part, len(p.parts)-1)
	copy(parts, p.parts[:len(p.parts)-1])
	return Path{parts: parts, folder: true}
}

// Rename returns a Path whose last part has the new name but keeps its
// identifier and tag.
func (p Path) Rename(name string) Path {
	parts := make([]Part, len(p.parts))
	copy(parts, p.parts)
	last := &parts[len(parts)-1]
	last.name = name
	last.count = 0
	return Path{parts: parts, folder: p.folder}
}

// IncrementName returns a Path with the conflict counter of the last part
// advanced by one: report.txt, report (1).txt, report (2).txt, ...
func (p Path) IncrementName() Path {
	parts := make([]Part, len(p.parts))
	copy(parts, p.parts)
	parts[len(parts)-1].count++
	return Path{parts: parts, folder: p.folder}
}

// WithIdentifier returns a Path whose last part carries the given backend id.
func (p Path) WithIdentifier(id string) Path {
	parts := make([]Part, len(p.parts))
	copy(parts, p.parts)
	parts[len(parts)-1].id = id
	return Path{parts: parts, folder: p.folder}
}

// Equals compares part sequences by effective name, identifier and tag.
func (p Path) Equals(other Path) bool {
	if p.folder != other.folder || len(p.parts) != len(other.parts) {
		return false
	}
	for i := range p.parts {
		folder := p.folder || i < len(p.parts)-1
		if p.parts[i].value(folder) != other.parts[i].value(folder) ||
			p.parts[i].id != other.parts[i].id {
			return false
		}
	}
	return true
}
