package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/CenterForOpenScience/waterbutler/pkg/metadata"
	"github.com/CenterForOpenScience/waterbutler/pkg/streams"
	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
	"github.com/CenterForOpenScience/waterbutler/pkg/wbpath"
)

// maxConflictAttempts caps the linear " (n)" search so a pathological folder
// cannot spin the engine forever.
const maxConflictAttempts = 1000

// Exists returns the entry's metadata, or nil when the backend reports 404.
func Exists(ctx context.Context, p Provider, path wbpath.Path) (metadata.Entry, error) {
	entry, err := p.Metadata(ctx, path, "")
	if err != nil {
		var werr *wberror.Error
		if errors.As(err, &werr) && werr.Kind == wberror.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

// ResolveNameConflict applies the conflict policy to a candidate destination
// path. It returns the path to write to and whether an existing entity will
// be replaced.
func ResolveNameConflict(ctx context.Context, p Provider, path wbpath.Path, conflict Conflict) (wbpath.Path, bool, error) {
	entry, taken, err := destinationState(ctx, p, path)
	if err != nil {
		return wbpath.Path{}, false, err
	}
	if entry != nil && conflict == ConflictReplace {
		return path, true, nil
	}
	if !taken {
		return path, false, nil
	}
	if conflict != ConflictKeep {
		// An opposite-kind sibling cannot be replaced, so replace falls
		// through to the conflict alongside warn.
		return wbpath.Path{}, false, wberror.New(wberror.NamingConflict,
			"cannot complete action: %s %q already exists", path.Kind(), path.Name()).
			WithData(map[string]any{"name": path.Name(), "path": path.String()})
	}

	// keep: increment until the name is free
	for i := 0; i < maxConflictAttempts; i++ {
		path = path.IncrementName()
		_, taken, err = destinationState(ctx, p, path)
		if err != nil {
			return wbpath.Path{}, false, err
		}
		if !taken {
			return path, false, nil
		}
	}
	return wbpath.Path{}, false, wberror.New(wberror.NamingConflict,
		"gave up resolving a name for %q after %d attempts", path.Name(), maxConflictAttempts)
}

// destinationState reports the same-kind entry at path (nil when absent) and
// whether the name is taken at all. On backends where a file and a folder
// cannot share a name, an entity of the opposite kind also takes the name.
func destinationState(ctx context.Context, p Provider, path wbpath.Path) (metadata.Entry, bool, error) {
	entry, err := Exists(ctx, p, path)
	if err != nil {
		return nil, false, err
	}
	if entry != nil {
		return entry, true, nil
	}
	if p.CanDuplicateNames() {
		return nil, false, nil
	}
	sibling, err := Exists(ctx, p, wbpath.FromParts(path.Parts(), !path.IsFolder()))
	if err != nil {
		return nil, false, err
	}
	return nil, sibling != nil, nil
}

// HandleNaming computes the destination path for a transfer: the destination
// folder plus the (possibly renamed) source leaf, then conflict resolution.
// The source's kind carries over to the destination.
func HandleNaming(ctx context.Context, dest Provider, srcPath, destPath wbpath.Path, rename string, conflict Conflict) (wbpath.Path, bool, error) {
	if srcPath.IsFolder() && destPath.IsFile() {
		return wbpath.Path{}, false, wberror.New(wberror.InvalidArgument,
			"destination must be a folder when the source is a folder")
	}

	if destPath.IsFolder() {
		name := rename
		if name == "" {
			name = srcPath.Name()
		}
		var err error
		destPath, err = dest.RevalidatePath(ctx, destPath, name, srcPath.IsFolder())
		if err != nil {
			return wbpath.Path{}, false, err
		}
	} else if rename != "" {
		destPath = destPath.Rename(rename)
	}

	return ResolveNameConflict(ctx, dest, destPath, conflict)
}

// PathFromMetadata builds the child Path for a listing entry under parent.
func PathFromMetadata(parent wbpath.Path, entry metadata.Entry) (wbpath.Path, error) {
	id := ""
	if f, ok := entry.(*metadata.File); ok {
		if raw, ok := f.Extra["id"].(string); ok {
			id = raw
		}
	}
	return parent.Child(entry.EntryName(), id, entry.Kind() == "folder")
}

// ZipFolder streams a single-pass ZIP archive of the folder at path. Entry
// names are posix paths relative to the folder; downloads are deferred so
// only one backend read is open at a time.
func ZipFolder(ctx context.Context, p Provider, path wbpath.Path) (streams.Stream, error) {
	base := path.String()
	var entries []streams.ZipEntry

	remaining := []wbpath.Path{path}
	for len(remaining) > 0 {
		folder := remaining[0]
		remaining = remaining[1:]

		children, err := p.List(ctx, folder)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			childPath, err := PathFromMetadata(folder, child)
			if err != nil {
				return nil, err
			}
			if childPath.IsFolder() {
				remaining = append(remaining, childPath)
				continue
			}
			entries = append(entries, streams.ZipEntry{
				Name: strings.TrimPrefix(childPath.String(), base),
				Open: deferredDownload(p, childPath),
			})
		}
	}

	return streams.NewZipStream(ctx, entries), nil
}

// deferredDownload scopes the loop variable so each entry opens its own path.
func deferredDownload(p Provider, path wbpath.Path) func(context.Context) (streams.Stream, error) {
	return func(ctx context.Context) (streams.Stream, error) {
		dl, err := p.Download(ctx, DownloadRequest{Path: path, Direct: true})
		if err != nil {
			return nil, err
		}
		if dl.Stream == nil {
			return nil, wberror.New(wberror.ProviderError,
				"provider %q returned no stream for direct download of %q", p.Name(), path)
		}
		return dl.Stream, nil
	}
}
