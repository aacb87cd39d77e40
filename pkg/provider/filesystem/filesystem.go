// Package filesystem implements the provider contract over a local
// directory tree. It is the reference adapter: no signed URLs, no ids, a
// single implicit revision per file.
package filesystem

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/CenterForOpenScience/waterbutler/pkg/metadata"
	"github.com/CenterForOpenScience/waterbutler/pkg/provider"
	"github.com/CenterForOpenScience/waterbutler/pkg/streams"
	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
	"github.com/CenterForOpenScience/waterbutler/pkg/wbpath"
)

// Name is the registry name of this adapter.
const Name = "filesystem"

func init() {
	provider.Register(Name, func(_ context.Context, _, settings map[string]any) (provider.Provider, error) {
		root, _ := settings["folder"].(string)
		return New(root)
	})
}

// Filesystem serves a single root directory from the settings bundle.
type Filesystem struct {
	provider.Base
	root string
}

// New builds an adapter rooted at the given directory, creating it if absent.
func New(root string) (*Filesystem, error) {
	if root == "" {
		return nil, wberror.New(wberror.InvalidArgument, "filesystem: settings are missing the folder")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, wberror.Wrap(wberror.InvalidArgument, err, "filesystem: bad root %q", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, wberror.Wrap(wberror.ServiceUnavailable, err, "filesystem: create root %q", root)
	}
	return &Filesystem{root: abs}, nil
}

func (f *Filesystem) Name() string { return Name }

func (f *Filesystem) abs(path wbpath.Path) string {
	return filepath.Join(f.root, filepath.FromSlash(path.Interior()))
}

func (f *Filesystem) ValidateV1Path(ctx context.Context, raw string) (wbpath.Path, error) {
	path, err := f.ValidatePath(ctx, raw)
	if err != nil {
		return wbpath.Path{}, err
	}
	info, err := os.Stat(f.abs(path))
	if err != nil {
		return wbpath.Path{}, wberror.New(wberror.NotFound, "could not retrieve %s %q", path.Kind(), path)
	}
	if info.IsDir() != path.IsFolder() {
		return wbpath.Path{}, wberror.New(wberror.NotFound, "%q exists but is not a %s", path, path.Kind())
	}
	return path, nil
}

func (f *Filesystem) ValidatePath(_ context.Context, raw string) (wbpath.Path, error) {
	return wbpath.Parse(raw)
}

func (f *Filesystem) RevalidatePath(_ context.Context, base wbpath.Path, name string, folder bool) (wbpath.Path, error) {
	return base.Child(name, "", folder)
}

func (f *Filesystem) Metadata(_ context.Context, path wbpath.Path, _ string) (metadata.Entry, error) {
	info, err := os.Stat(f.abs(path))
	if err != nil {
		return nil, wberror.New(wberror.NotFound, "could not retrieve %s %q", path.Kind(), path)
	}
	if info.IsDir() != path.IsFolder() {
		return nil, wberror.New(wberror.NotFound, "%q exists but is not a %s", path, path.Kind())
	}
	if info.IsDir() {
		return f.folderMetadata(path), nil
	}
	return f.fileMetadata(path, info, true)
}

func (f *Filesystem) List(_ context.Context, path wbpath.Path) ([]metadata.Entry, error) {
	dirEntries, err := os.ReadDir(f.abs(path))
	if err != nil {
		return nil, wberror.New(wberror.NotFound, "could not retrieve folder %q", path)
	}
	out := make([]metadata.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		child, err := path.Child(de.Name(), "", de.IsDir())
		if err != nil {
			return nil, err
		}
		if de.IsDir() {
			out = append(out, f.folderMetadata(child))
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue // raced with a delete
		}
		entry, err := f.fileMetadata(child, info, false)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (f *Filesystem) Download(_ context.Context, req provider.DownloadRequest) (*provider.Download, error) {
	file, err := os.Open(f.abs(req.Path))
	if err != nil {
		return nil, wberror.New(wberror.NotFound, "could not retrieve file %q", req.Path)
	}

	fileStream, err := streams.NewFileStream(file)
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, wberror.Wrap(wberror.Unexpected, err, "stat %q", req.Path)
	}

	var stream streams.Stream = fileStream
	if req.Range != nil && req.Range.Start != nil {
		if _, err := file.Seek(*req.Range.Start, io.SeekStart); err != nil {
			file.Close() //nolint:errcheck
			return nil, wberror.Wrap(wberror.InvalidArgument, err, "seek %q", req.Path)
		}
		length := fileStream.Size() - *req.Range.Start
		if req.Range.End != nil {
			length = *req.Range.End - *req.Range.Start + 1
		}
		stream = streams.NewReader(io.LimitReader(file, length), length)
	}
	return &provider.Download{Stream: stream}, nil
}

func (f *Filesystem) Upload(ctx context.Context, stream streams.Stream, path wbpath.Path, conflict provider.Conflict) (*metadata.File, bool, error) {
	defer stream.Close() //nolint:errcheck

	path, replaced, err := provider.ResolveNameConflict(ctx, f, path, conflict)
	if err != nil {
		return nil, false, err
	}

	target := f.abs(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, false, wberror.Wrap(wberror.Unexpected, err, "create parents of %q", path)
	}

	// Write to a sibling temp file and rename so readers never observe a
	// half-written upload.
	tmp, err := os.CreateTemp(filepath.Dir(target), ".wb-upload-*")
	if err != nil {
		return nil, false, wberror.Wrap(wberror.Unexpected, err, "stage upload for %q", path)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	hashed := streams.NewHashStream(stream, "md5", "sha256")
	written, err := io.Copy(tmp, hashed)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, false, wberror.Wrap(wberror.Unexpected, err, "write %q", path)
	}
	if declared := stream.Size(); declared != streams.SizeUnknown && written != declared {
		return nil, false, wberror.New(wberror.UploadIncomplete,
			"received %d bytes of %d declared for %q", written, declared, path)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return nil, false, wberror.Wrap(wberror.Unexpected, err, "finalize %q", path)
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, false, wberror.Wrap(wberror.Unexpected, err, "stat %q", path)
	}
	entry, err := f.fileMetadata(path, info, false)
	if err != nil {
		return nil, false, err
	}
	file := entry.(*metadata.File)
	file.Hashes = hashed.Digests()
	return file, !replaced, nil
}

func (f *Filesystem) Delete(_ context.Context, path wbpath.Path, confirm bool) error {
	if path.IsRoot() {
		if !confirm {
			return wberror.New(wberror.InvalidArgument,
				"deleting the storage root requires confirm_delete=1")
		}
		// Empty the root but keep the directory itself.
		dirEntries, err := os.ReadDir(f.root)
		if err != nil {
			return wberror.Wrap(wberror.Unexpected, err, "list root")
		}
		for _, de := range dirEntries {
			if err := os.RemoveAll(filepath.Join(f.root, de.Name())); err != nil {
				return wberror.Wrap(wberror.Unexpected, err, "clear root entry %q", de.Name())
			}
		}
		return nil
	}

	target := f.abs(path)
	info, err := os.Stat(target)
	if err != nil {
		return wberror.New(wberror.NotFound, "could not retrieve %s %q", path.Kind(), path)
	}
	if info.IsDir() {
		err = os.RemoveAll(target)
	} else {
		err = os.Remove(target)
	}
	if err != nil {
		return wberror.Wrap(wberror.Unexpected, err, "delete %q", path)
	}
	return nil
}

func (f *Filesystem) CreateFolder(_ context.Context, path wbpath.Path) (*metadata.Folder, error) {
	if !path.IsFolder() {
		return nil, wberror.New(wberror.InvalidArgument, "%q is not a folder path", path)
	}
	target := f.abs(path)
	if _, err := os.Stat(target); err == nil {
		return nil, wberror.New(wberror.NamingConflict, "folder %q already exists", path).
			WithData(map[string]any{"name": path.Name()})
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, wberror.Wrap(wberror.Unexpected, err, "create folder %q", path)
	}
	return f.folderMetadata(path), nil
}

func (f *Filesystem) Revisions(_ context.Context, path wbpath.Path) ([]*metadata.Revision, error) {
	info, err := os.Stat(f.abs(path))
	if err != nil {
		return nil, wberror.New(wberror.NotFound, "could not retrieve file %q", path)
	}
	// The filesystem keeps no history; the current state is the only version.
	return []*metadata.Revision{{
		Version:  "latest",
		Modified: info.ModTime().UTC().Format(time.RFC3339),
	}}, nil
}

func (f *Filesystem) CanIntraCopy(other provider.Provider, _ wbpath.Path) bool {
	_, ok := other.(*Filesystem)
	return ok
}

func (f *Filesystem) CanIntraMove(other provider.Provider, _ wbpath.Path) bool {
	_, ok := other.(*Filesystem)
	return ok
}

func (f *Filesystem) IntraCopy(ctx context.Context, other provider.Provider, src, dst wbpath.Path) (metadata.Entry, bool, error) {
	dest := other.(*Filesystem)
	if err := copyTree(f.abs(src), dest.abs(dst)); err != nil {
		return nil, false, wberror.Wrap(wberror.Unexpected, err, "copy %q to %q", src, dst)
	}
	entry, err := dest.Metadata(ctx, dst, "")
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (f *Filesystem) IntraMove(ctx context.Context, other provider.Provider, src, dst wbpath.Path) (metadata.Entry, bool, error) {
	dest := other.(*Filesystem)
	if err := os.Rename(f.abs(src), dest.abs(dst)); err != nil {
		// Rename fails across devices; fall back to copy and delete.
		entry, created, cerr := f.IntraCopy(ctx, other, src, dst)
		if cerr != nil {
			return nil, false, cerr
		}
		if err := f.Delete(ctx, src, false); err != nil {
			return nil, false, err
		}
		return entry, created, nil
	}
	entry, err := dest.Metadata(ctx, dst, "")
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (f *Filesystem) CanDuplicateNames() bool { return false }

func (f *Filesystem) SharesStorageRoot(other provider.Provider) bool {
	fs, ok := other.(*Filesystem)
	return ok && fs.root == f.root
}

// ── metadata construction ─────────────────────────────────────────────────────

func (f *Filesystem) fileMetadata(path wbpath.Path, info os.FileInfo, withHashes bool) (metadata.Entry, error) {
	contentType := mime.TypeByExtension(path.Ext())
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	file := &metadata.File{
		Name:        path.Name(),
		Path:        path.String(),
		Size:        info.Size(),
		ContentType: contentType,
		Modified:    info.ModTime().UTC().Format(time.RFC3339),
		ETag:        fmt.Sprintf("%d::%d", info.ModTime().UnixNano(), info.Size()),
		Provider:    Name,
	}
	if withHashes {
		hashes, err := f.digest(path)
		if err != nil {
			return nil, err
		}
		file.Hashes = hashes
	}
	return file, nil
}

func (f *Filesystem) folderMetadata(path wbpath.Path) *metadata.Folder {
	return &metadata.Folder{
		Name:     path.Name(),
		Path:     path.String(),
		Provider: Name,
	}
}

func (f *Filesystem) digest(path wbpath.Path) (map[string]string, error) {
	file, err := os.Open(f.abs(path))
	if err != nil {
		return nil, wberror.New(wberror.NotFound, "could not retrieve file %q", path)
	}
	defer file.Close() //nolint:errcheck

	md5Hash, sha256Hash := md5.New(), sha256.New()
	if _, err := io.Copy(io.MultiWriter(md5Hash, sha256Hash), file); err != nil {
		return nil, wberror.Wrap(wberror.Unexpected, err, "digest %q", path)
	}
	return map[string]string{
		"md5":    hex.EncodeToString(md5Hash.Sum(nil)),
		"sha256": hex.EncodeToString(sha256Hash.Sum(nil)),
	}, nil
}

// copyTree duplicates a file or directory tree on the local disk.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	if err := os.MkdirAll(dst, info.Mode()); err != nil {
		return err
	}
	dirEntries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, de := range dirEntries {
		if err := copyTree(filepath.Join(src, de.Name()), filepath.Join(dst, de.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
