package metadata_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CenterForOpenScience/waterbutler/pkg/metadata"
)

func TestFileSerialized(t *testing.T) {
	file := &metadata.File{
		Name:        "report.txt",
		Path:        "/docs/report.txt",
		Size:        42,
		ContentType: "text/plain",
		Modified:    "2026-08-24T10:00:00Z",
		ETag:        "raw-backend-etag",
		Hashes:      map[string]string{"SHA256": "ABCDEF"},
		Provider:    "filesystem",
	}

	attrs := file.Serialized()
	require.Equal(t, "file", attrs["kind"])
	require.EqualValues(t, 42, attrs["size"])
	require.Equal(t, "/docs/report.txt", attrs["materialized"])
	require.Nil(t, attrs["created"])

	// The raw backend etag never leaves the gateway.
	sum := sha256.Sum256([]byte("filesystem::raw-backend-etag"))
	require.Equal(t, hex.EncodeToString(sum[:]), attrs["etag"])

	hashes, ok := attrs["hashes"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "abcdef", hashes["sha256"])
}

func TestFileUnknownSizeSerialisesAsNull(t *testing.T) {
	file := &metadata.File{Name: "blob", Path: "/blob", Size: metadata.SizeUnknown, Provider: "s3"}
	require.Nil(t, file.Serialized()["size"])
}

func TestJSONAPIShape(t *testing.T) {
	file := &metadata.File{Name: "a.txt", Path: "/a.txt", Size: 1, Provider: "filesystem"}
	doc := file.JSONAPI("abc123", "http://localhost:7777/")

	require.Equal(t, "filesystem/a.txt", doc["id"])
	require.Equal(t, "files", doc["type"])

	links, ok := doc["links"].(map[string]any)
	require.True(t, ok)
	entity := "http://localhost:7777/v1/resources/abc123/providers/filesystem/a.txt"
	require.Equal(t, entity, links["self"])
	require.Equal(t, entity, links["download"])
	require.Nil(t, links["new_folder"])
}

func TestFolderJSONAPIShape(t *testing.T) {
	folder := &metadata.Folder{Name: "docs", Path: "/docs/", Provider: "filesystem"}
	doc := folder.JSONAPI("abc123", "http://localhost:7777")

	require.Equal(t, "folders", doc["type"])
	links, ok := doc["links"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "http://localhost:7777/v1/resources/abc123/providers/filesystem/docs/", links["new_folder"])
	require.Nil(t, links["download"])
}

func TestFolderChildrenOnlyWhenSet(t *testing.T) {
	folder := &metadata.Folder{Name: "docs", Path: "/docs/", Provider: "filesystem"}
	_, present := folder.Serialized()["children"]
	require.False(t, present)

	folder.Children = []metadata.Entry{
		&metadata.File{Name: "a.txt", Path: "/docs/a.txt", Size: 1, Provider: "filesystem"},
	}
	children, ok := folder.Serialized()["children"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, children, 1)
	require.Equal(t, "a.txt", children[0]["name"])
}

func TestRevisionJSONAPI(t *testing.T) {
	rev := &metadata.Revision{Version: "3", Modified: "2026-08-24T10:00:00Z"}
	doc := rev.JSONAPI()
	require.Equal(t, "3", doc["id"])
	require.Equal(t, "file_versions", doc["type"])

	attrs, ok := doc["attributes"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "version", attrs["versionIdentifier"])
	require.Nil(t, attrs["author"])
}
