package filesystem_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CenterForOpenScience/waterbutler/pkg/metadata"
	"github.com/CenterForOpenScience/waterbutler/pkg/provider"
	"github.com/CenterForOpenScience/waterbutler/pkg/provider/filesystem"
	"github.com/CenterForOpenScience/waterbutler/pkg/streams"
	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
	"github.com/CenterForOpenScience/waterbutler/pkg/wbpath"
)

func newFS(t *testing.T) *filesystem.Filesystem {
	t.Helper()
	fs, err := filesystem.New(t.TempDir())
	require.NoError(t, err)
	return fs
}

func upload(t *testing.T, fs *filesystem.Filesystem, raw, body string, conflict provider.Conflict) (*metadata.File, bool) {
	t.Helper()
	path, err := wbpath.Parse(raw)
	require.NoError(t, err)
	stream := streams.NewReader(strings.NewReader(body), int64(len(body)))
	file, created, err := fs.Upload(context.Background(), stream, path, conflict)
	require.NoError(t, err)
	return file, created
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	fs := newFS(t)
	body := "hello waterbutler"

	file, created := upload(t, fs, "/docs/report.txt", body, provider.ConflictWarn)
	require.True(t, created)
	require.Equal(t, "report.txt", file.Name)
	require.EqualValues(t, len(body), file.Size)

	sum := sha256.Sum256([]byte(body))
	require.Equal(t, hex.EncodeToString(sum[:]), file.Hashes["sha256"])

	path, err := fs.ValidateV1Path(context.Background(), "/docs/report.txt")
	require.NoError(t, err)
	dl, err := fs.Download(context.Background(), provider.DownloadRequest{Path: path})
	require.NoError(t, err)
	got, err := io.ReadAll(dl.Stream)
	require.NoError(t, err)
	require.NoError(t, dl.Stream.Close())
	require.Equal(t, body, string(got))
}

func TestDownloadRange(t *testing.T) {
	fs := newFS(t)
	upload(t, fs, "/data.bin", "0123456789", provider.ConflictWarn)

	path, err := wbpath.Parse("/data.bin")
	require.NoError(t, err)
	start, end := int64(2), int64(5)
	dl, err := fs.Download(context.Background(), provider.DownloadRequest{
		Path:  path,
		Range: &provider.ByteRange{Start: &start, End: &end},
	})
	require.NoError(t, err)
	got, err := io.ReadAll(dl.Stream)
	require.NoError(t, err)
	require.Equal(t, "2345", string(got))
	require.EqualValues(t, 4, dl.Stream.Size())
}

func TestUploadDeclaredSizeMismatch(t *testing.T) {
	fs := newFS(t)
	path, err := wbpath.Parse("/short.bin")
	require.NoError(t, err)

	stream := streams.NewReader(strings.NewReader("abc"), 10)
	_, _, err = fs.Upload(context.Background(), stream, path, provider.ConflictWarn)
	require.True(t, wberror.Is(err, wberror.UploadIncomplete))

	// The partial upload must not be visible.
	_, err = fs.ValidateV1Path(context.Background(), "/short.bin")
	require.True(t, wberror.Is(err, wberror.NotFound))
}

func TestUploadConflictPolicies(t *testing.T) {
	fs := newFS(t)
	upload(t, fs, "/report.txt", "first", provider.ConflictWarn)

	// warn refuses.
	path, err := wbpath.Parse("/report.txt")
	require.NoError(t, err)
	stream := streams.NewReader(strings.NewReader("second"), 6)
	_, _, err = fs.Upload(context.Background(), stream, path, provider.ConflictWarn)
	require.True(t, wberror.Is(err, wberror.NamingConflict))

	// replace overwrites in place.
	file, created := upload(t, fs, "/report.txt", "second", provider.ConflictReplace)
	require.False(t, created)
	require.Equal(t, "report.txt", file.Name)

	// keep renames with the counter before the extension.
	file, created = upload(t, fs, "/report.txt", "third", provider.ConflictKeep)
	require.True(t, created)
	require.Equal(t, "report (1).txt", file.Name)

	file, _ = upload(t, fs, "/report.txt", "fourth", provider.ConflictKeep)
	require.Equal(t, "report (2).txt", file.Name)
}

func TestUploadOntoFolderName(t *testing.T) {
	fs := newFS(t)
	folder, err := wbpath.Parse("/x/")
	require.NoError(t, err)
	_, err = fs.CreateFolder(context.Background(), folder)
	require.NoError(t, err)

	path, err := wbpath.Parse("/x")
	require.NoError(t, err)

	// A file cannot take a folder's name: warn conflicts, and replace
	// conflicts too because it will not evict an entity of the other kind.
	stream := streams.NewReader(strings.NewReader("body"), 4)
	_, _, err = fs.Upload(context.Background(), stream, path, provider.ConflictWarn)
	require.True(t, wberror.Is(err, wberror.NamingConflict))

	stream = streams.NewReader(strings.NewReader("body"), 4)
	_, _, err = fs.Upload(context.Background(), stream, path, provider.ConflictReplace)
	require.True(t, wberror.Is(err, wberror.NamingConflict))

	// keep sidesteps to a free name.
	file, created := upload(t, fs, "/x", "body", provider.ConflictKeep)
	require.True(t, created)
	require.Equal(t, "x (1)", file.Name)
}

func TestValidateV1PathKindMismatch(t *testing.T) {
	fs := newFS(t)
	upload(t, fs, "/thing", "content", provider.ConflictWarn)

	_, err := fs.ValidateV1Path(context.Background(), "/thing")
	require.NoError(t, err)

	// The same entity addressed with a trailing slash does not exist.
	_, err = fs.ValidateV1Path(context.Background(), "/thing/")
	require.True(t, wberror.Is(err, wberror.NotFound))

	_, err = fs.ValidateV1Path(context.Background(), "/missing")
	require.True(t, wberror.Is(err, wberror.NotFound))
}

func TestListFolder(t *testing.T) {
	fs := newFS(t)
	upload(t, fs, "/docs/a.txt", "a", provider.ConflictWarn)
	upload(t, fs, "/docs/b.txt", "bb", provider.ConflictWarn)

	sub, err := wbpath.Parse("/docs/sub/")
	require.NoError(t, err)
	_, err = fs.CreateFolder(context.Background(), sub)
	require.NoError(t, err)

	docs, err := wbpath.Parse("/docs/")
	require.NoError(t, err)
	entries, err := fs.List(context.Background(), docs)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	byName := map[string]metadata.Entry{}
	for _, e := range entries {
		byName[e.EntryName()] = e
	}
	require.Equal(t, "file", byName["a.txt"].Kind())
	require.Equal(t, "folder", byName["sub"].Kind())
	require.Equal(t, "/docs/sub/", byName["sub"].EntryPath())
}

func TestCreateFolderConflict(t *testing.T) {
	fs := newFS(t)
	path, err := wbpath.Parse("/photos/")
	require.NoError(t, err)

	folder, err := fs.CreateFolder(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "photos", folder.Name)

	_, err = fs.CreateFolder(context.Background(), path)
	require.True(t, wberror.Is(err, wberror.NamingConflict))
	require.Equal(t, "photos", wberror.From(err).Data["name"])
}

func TestDeleteRootSemantics(t *testing.T) {
	fs := newFS(t)
	upload(t, fs, "/a.txt", "a", provider.ConflictWarn)

	root := wbpath.Root("")
	err := fs.Delete(context.Background(), root, false)
	require.True(t, wberror.Is(err, wberror.InvalidArgument))

	require.NoError(t, fs.Delete(context.Background(), root, true))

	// The root survives empty.
	entries, err := fs.List(context.Background(), root)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDeleteFileAndFolder(t *testing.T) {
	fs := newFS(t)
	upload(t, fs, "/docs/a.txt", "a", provider.ConflictWarn)

	file, err := wbpath.Parse("/docs/a.txt")
	require.NoError(t, err)
	require.NoError(t, fs.Delete(context.Background(), file, false))
	_, err = fs.ValidateV1Path(context.Background(), "/docs/a.txt")
	require.True(t, wberror.Is(err, wberror.NotFound))

	docs, err := wbpath.Parse("/docs/")
	require.NoError(t, err)
	require.NoError(t, fs.Delete(context.Background(), docs, false))

	err = fs.Delete(context.Background(), docs, false)
	require.True(t, wberror.Is(err, wberror.NotFound))
}

func TestRevisionsSingleLatest(t *testing.T) {
	fs := newFS(t)
	upload(t, fs, "/report.txt", "content", provider.ConflictWarn)

	path, err := wbpath.Parse("/report.txt")
	require.NoError(t, err)
	revs, err := fs.Revisions(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	require.Equal(t, "latest", revs[0].Version)
	require.NotEmpty(t, revs[0].Modified)
}

func TestMetadataComputesHashes(t *testing.T) {
	fs := newFS(t)
	upload(t, fs, "/report.txt", "content", provider.ConflictWarn)

	path, err := wbpath.Parse("/report.txt")
	require.NoError(t, err)
	entry, err := fs.Metadata(context.Background(), path, "")
	require.NoError(t, err)

	file, ok := entry.(*metadata.File)
	require.True(t, ok)
	sum := sha256.Sum256([]byte("content"))
	require.Equal(t, hex.EncodeToString(sum[:]), file.Hashes["sha256"])
	require.NotEmpty(t, file.Hashes["md5"])
}

func TestCapabilities(t *testing.T) {
	a := newFS(t)
	b := newFS(t)

	require.True(t, a.CanIntraCopy(b, wbpath.Path{}))
	require.True(t, a.CanIntraMove(b, wbpath.Path{}))
	require.False(t, a.CanDuplicateNames())
	require.False(t, a.SharesStorageRoot(b))
	require.True(t, a.SharesStorageRoot(a))
}
