package provider

import (
	"context"
	"strings"

	"github.com/CenterForOpenScience/waterbutler/pkg/metadata"
	"github.com/CenterForOpenScience/waterbutler/pkg/streams"
	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
	"github.com/CenterForOpenScience/waterbutler/pkg/wbpath"
)

// Transfer names a copy or move between two per-request providers. Source
// and destination may be the same instance, two instances of one backend, or
// entirely different backends.
type Transfer struct {
	Source     Provider
	SourcePath wbpath.Path

	Dest Provider
	// DestPath is the destination folder, or an exact destination path when
	// the caller has already resolved naming.
	DestPath wbpath.Path

	Rename   string
	Conflict Conflict
}

// Result is the outcome of a transfer. Warning is set when a cross-provider
// move copied successfully but could not clean up the source (PartialMove).
type Result struct {
	Metadata metadata.Entry
	Created  bool
	Warning  string
}

// Copy copies a file or folder tree from source to destination.
func Copy(ctx context.Context, t Transfer) (*Result, error) {
	destPath, replaced, err := HandleNaming(ctx, t.Dest, t.SourcePath, t.DestPath, t.Rename, t.Conflict)
	if err != nil {
		return nil, err
	}
	if err := guardRecursion(t, destPath); err != nil {
		return nil, err
	}

	// Copying an entity onto itself within one store would truncate the
	// source before it is read. Answer with the existing metadata instead.
	if sameStore(t.Source, t.Dest) && t.SourcePath.Equals(destPath) {
		entry, err := t.Source.Metadata(ctx, t.SourcePath, "")
		if err != nil {
			return nil, err
		}
		return &Result{Metadata: entry, Created: false}, nil
	}

	if err := clearReplacedFolder(ctx, t.Dest, destPath, replaced); err != nil {
		return nil, err
	}

	if t.Source.CanIntraCopy(t.Dest, t.SourcePath) {
		entry, _, err := t.Source.IntraCopy(ctx, t.Dest, t.SourcePath, destPath)
		if err != nil {
			return nil, err
		}
		return &Result{Metadata: entry, Created: !replaced}, nil
	}

	entry, err := copyResolved(ctx, t.Source, t.SourcePath, t.Dest, destPath)
	if err != nil {
		return nil, err
	}
	return &Result{Metadata: entry, Created: !replaced}, nil
}

// Move moves a file or folder tree from source to destination. The source is
// deleted only after the copied bytes have been verified.
func Move(ctx context.Context, t Transfer) (*Result, error) {
	destPath, replaced, err := HandleNaming(ctx, t.Dest, t.SourcePath, t.DestPath, t.Rename, t.Conflict)
	if err != nil {
		return nil, err
	}
	if err := guardRecursion(t, destPath); err != nil {
		return nil, err
	}

	// Moving an entity onto itself within one store is a no-op, not a
	// destructive copy-then-delete.
	if sameStore(t.Source, t.Dest) && t.SourcePath.Equals(destPath) {
		entry, err := t.Source.Metadata(ctx, t.SourcePath, "")
		if err != nil {
			return nil, err
		}
		return &Result{Metadata: entry, Created: false}, nil
	}

	if err := clearReplacedFolder(ctx, t.Dest, destPath, replaced); err != nil {
		return nil, err
	}

	if t.Source.CanIntraMove(t.Dest, t.SourcePath) {
		entry, _, err := t.Source.IntraMove(ctx, t.Dest, t.SourcePath, destPath)
		if err != nil {
			return nil, err
		}
		return &Result{Metadata: entry, Created: !replaced}, nil
	}

	entry, err := copyResolved(ctx, t.Source, t.SourcePath, t.Dest, destPath)
	if err != nil {
		return nil, err
	}

	result := &Result{Metadata: entry, Created: !replaced}
	if err := t.Source.Delete(ctx, t.SourcePath, false); err != nil {
		// PartialMove: the copy is intact, so surface the metadata and let
		// the caller decide what to do about the stale source.
		result.Warning = "copied to destination but failed to delete source: " + err.Error()
	}
	return result, nil
}

// clearReplacedFolder removes a folder that conflict resolution marked as
// replaced. Both the intra and streaming paths would otherwise merge the
// source tree into the survivor instead of replacing it.
func clearReplacedFolder(ctx context.Context, dest Provider, destPath wbpath.Path, replaced bool) error {
	if !replaced || !destPath.IsFolder() {
		return nil
	}
	if err := dest.Delete(ctx, destPath, false); err != nil && !wberror.Is(err, wberror.NotFound) {
		return err
	}
	return nil
}

// copyResolved transfers an entity whose destination path is already settled
// and, for folders, known to be absent.
func copyResolved(ctx context.Context, src Provider, srcPath wbpath.Path, dest Provider, destPath wbpath.Path) (metadata.Entry, error) {
	if srcPath.IsFolder() {
		return copyFolder(ctx, src, srcPath, dest, destPath)
	}
	return copyFile(ctx, src, srcPath, dest, destPath)
}

// copyFolder recreates the folder at the destination and copies children
// sequentially in the source's natural order. Conflict resolution applied at
// the top only; children land in a folder that is known to be empty.
// Already-copied children are not rolled back on a mid-recursion failure.
func copyFolder(ctx context.Context, src Provider, srcPath wbpath.Path, dest Provider, destPath wbpath.Path) (metadata.Entry, error) {
	folder, err := dest.CreateFolder(ctx, destPath)
	if err != nil {
		return nil, err
	}

	children, err := src.List(ctx, srcPath)
	if err != nil {
		return nil, err
	}

	folder.Children = make([]metadata.Entry, 0, len(children))
	for _, child := range children {
		// Source children come straight from the listing, so build their
		// paths from the entries and keep any backend ids they carry.
		childSrc, err := PathFromMetadata(srcPath, child)
		if err != nil {
			return nil, err
		}
		childDest, err := dest.RevalidatePath(ctx, destPath, child.EntryName(), child.Kind() == "folder")
		if err != nil {
			return nil, err
		}
		copied, err := copyResolved(ctx, src, childSrc, dest, childDest)
		if err != nil {
			return nil, wberror.From(err).WithData(map[string]any{"path": childSrc.String()})
		}
		folder.Children = append(folder.Children, copied)
	}

	return folder, nil
}

// copyFile streams bytes from source to destination with a running SHA-256
// (and MD5, for backends that only report an MD5 etag), then verifies the
// transfer.
func copyFile(ctx context.Context, src Provider, srcPath wbpath.Path, dest Provider, destPath wbpath.Path) (metadata.Entry, error) {
	dl, err := src.Download(ctx, DownloadRequest{Path: srcPath, Direct: true})
	if err != nil {
		return nil, err
	}
	if dl.Stream == nil {
		return nil, wberror.New(wberror.ProviderError,
			"provider %q returned no stream for direct download of %q", src.Name(), srcPath)
	}

	hashed := streams.NewHashStream(dl.Stream, "sha256", "md5")
	uploaded, _, err := dest.Upload(ctx, hashed, destPath, ConflictReplace)
	if err != nil {
		return nil, err
	}

	if err := verifyTransfer(hashed, dl.Stream.Size(), uploaded); err != nil {
		return nil, err
	}
	return uploaded, nil
}

// verifyTransfer compares the on-the-wire digests against the hashes the
// destination reports. Matching algorithms must agree; with no common
// algorithm, size equality is required when both ends know it.
func verifyTransfer(hashed *streams.HashStream, srcSize int64, uploaded *metadata.File) error {
	digests := hashed.Digests()
	compared := false
	for algo, digest := range digests {
		reported, ok := uploaded.Hashes[algo]
		if !ok || reported == "" {
			continue
		}
		compared = true
		if !strings.EqualFold(reported, digest) {
			return wberror.New(wberror.HashMismatch,
				"%s digest mismatch after transfer: sent %s, destination reports %s",
				algo, digest, reported)
		}
	}
	if compared {
		return nil
	}
	if srcSize != streams.SizeUnknown && uploaded.Size != metadata.SizeUnknown && srcSize != uploaded.Size {
		return wberror.New(wberror.UploadIncomplete,
			"destination holds %d bytes, source declared %d", uploaded.Size, srcSize)
	}
	return nil
}

func sameStore(a, b Provider) bool {
	return a.Name() == b.Name() && a.SharesStorageRoot(b)
}

// guardRecursion refuses to copy or move a folder into its own subtree,
// which would otherwise recurse forever on name-addressed backends.
func guardRecursion(t Transfer, destPath wbpath.Path) error {
	if !t.SourcePath.IsFolder() || !sameStore(t.Source, t.Dest) {
		return nil
	}
	if strings.HasPrefix(destPath.String(), t.SourcePath.String()) {
		return wberror.New(wberror.InvalidArgument,
			"cannot copy or move folder %q into itself", t.SourcePath)
	}
	return nil
}
