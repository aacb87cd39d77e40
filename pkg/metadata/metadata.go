// Package metadata defines the tagged metadata variants returned by provider
// adapters and their JSON-API serialisation.
//
// There are three variants: File, Folder and Revision. Providers fill the
// mandatory fields and put anything backend-specific into Extra; callers
// never reach into Extra for core behaviour.
package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SizeUnknown marks a file whose byte size the backend does not report.
const SizeUnknown int64 = -1

// Entry is either a File or a Folder.
type Entry interface {
	// Kind returns "file" or "folder".
	Kind() string

	// EntryName returns the display name.
	EntryName() string

	// EntryPath returns the canonical path: leading slash always, trailing
	// slash for folders.
	EntryPath() string

	// ProviderName returns the name of the adapter that produced the entry.
	ProviderName() string

	// Serialized returns the attribute map used by both API shapes.
	Serialized() map[string]any

	// JSONAPI returns the {id, type, attributes, links} resource object.
	JSONAPI(resource, base string) map[string]any
}

// File is the metadata variant for a single file.
type File struct {
	Name         string
	Path         string // canonical path, starts with /
	Materialized string // human-readable path; defaults to Path
	Size         int64  // bytes, or SizeUnknown
	ContentType  string
	Modified     string // ISO-8601, or ""
	Created      string // ISO-8601, or ""
	ETag         string
	Hashes       map[string]string // lowercase algorithm name -> lowercase hex
	Provider     string
	Extra        map[string]any
}

func (f *File) Kind() string         { return "file" }
func (f *File) EntryName() string    { return f.Name }
func (f *File) EntryPath() string    { return f.Path }
func (f *File) ProviderName() string { return f.Provider }

func (f *File) Serialized() map[string]any {
	attrs := map[string]any{
		"kind":         "file",
		"name":         f.Name,
		"path":         f.Path,
		"materialized": f.materialized(),
		"provider":     f.Provider,
		"etag":         deriveETag(f.Provider, f.ETag),
		"contentType":  f.ContentType,
		"modified":     orNil(f.Modified),
		"created":      orNil(f.Created),
		"extra":        extraOrEmpty(f.Extra),
	}
	if f.Size == SizeUnknown {
		attrs["size"] = nil
	} else {
		attrs["size"] = f.Size
	}
	hashes := map[string]any{}
	for algo, digest := range f.Hashes {
		hashes[strings.ToLower(algo)] = strings.ToLower(digest)
	}
	attrs["hashes"] = hashes
	return attrs
}

func (f *File) JSONAPI(resource, base string) map[string]any {
	return jsonAPI(f, resource, base, "files")
}

func (f *File) materialized() string {
	if f.Materialized != "" {
		return f.Materialized
	}
	return f.Path
}

// Folder is the metadata variant for a folder. Children are populated only
// by folder copy/move results; listings fetch children separately.
type Folder struct {
	Name         string
	Path         string // canonical path: leading and trailing slash
	Materialized string
	Provider     string
	ETag         string
	Extra        map[string]any
	Children     []Entry
}

func (f *Folder) Kind() string         { return "folder" }
func (f *Folder) EntryName() string    { return f.Name }
func (f *Folder) EntryPath() string    { return f.Path }
func (f *Folder) ProviderName() string { return f.Provider }

func (f *Folder) Serialized() map[string]any {
	attrs := map[string]any{
		"kind":         "folder",
		"name":         f.Name,
		"path":         f.Path,
		"materialized": f.materialized(),
		"provider":     f.Provider,
		"etag":         deriveETag(f.Provider, f.ETag),
		"extra":        extraOrEmpty(f.Extra),
	}
	if f.Children != nil {
		children := make([]map[string]any, len(f.Children))
		for i, child := range f.Children {
			children[i] = child.Serialized()
		}
		attrs["children"] = children
	}
	return attrs
}

func (f *Folder) JSONAPI(resource, base string) map[string]any {
	return jsonAPI(f, resource, base, "folders")
}

func (f *Folder) materialized() string {
	if f.Materialized != "" {
		return f.Materialized
	}
	return f.Path
}

// Revision is one version of a file, newest first in listings.
type Revision struct {
	Version  string
	Modified string
	Author   string
	Extra    map[string]any
}

func (r *Revision) Serialized() map[string]any {
	return map[string]any{
		"version":           r.Version,
		"versionIdentifier": "version",
		"modified":          orNil(r.Modified),
		"author":            orNil(r.Author),
		"extra":             extraOrEmpty(r.Extra),
	}
}

func (r *Revision) JSONAPI() map[string]any {
	return map[string]any{
		"id":         r.Version,
		"type":       "file_versions",
		"attributes": r.Serialized(),
	}
}

// jsonAPI renders the v1 resource object. The entity URL is the v1 route for
// the entry; folders keep their trailing slash.
func jsonAPI(e Entry, resource, base, typeName string) map[string]any {
	entity := fmt.Sprintf("%s/v1/resources/%s/providers/%s%s",
		strings.TrimRight(base, "/"), resource, e.ProviderName(), e.EntryPath())

	links := map[string]any{
		"self":   entity,
		"move":   entity,
		"upload": entity,
		"delete": entity,
	}
	if e.Kind() == "folder" {
		links["new_folder"] = entity
		links["download"] = nil
	} else {
		links["new_folder"] = nil
		links["download"] = entity
	}

	return map[string]any{
		"id":         e.ProviderName() + e.EntryPath(),
		"type":       typeName,
		"attributes": e.Serialized(),
		"links":      links,
	}
}

// deriveETag hides raw backend etags behind a stable digest.
func deriveETag(provider, etag string) string {
	sum := sha256.Sum256([]byte(provider + "::" + etag))
	return hex.EncodeToString(sum[:])
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func extraOrEmpty(extra map[string]any) map[string]any {
	if extra == nil {
		return map[string]any{}
	}
	return extra
}
