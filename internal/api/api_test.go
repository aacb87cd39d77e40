package api_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/CenterForOpenScience/waterbutler/internal/api"
	"github.com/CenterForOpenScience/waterbutler/pkg/auth"
	"github.com/CenterForOpenScience/waterbutler/pkg/metrics"
	"github.com/CenterForOpenScience/waterbutler/pkg/notify"
	"github.com/CenterForOpenScience/waterbutler/pkg/ratelimit"
	"github.com/CenterForOpenScience/waterbutler/pkg/router"

	_ "github.com/CenterForOpenScience/waterbutler/pkg/provider/filesystem"
)

// stubAuth grants every caller a filesystem bundle rooted at a test dir.
type stubAuth struct {
	folder string
}

func (s *stubAuth) Fetch(_ context.Context, _ auth.Request) (*auth.Bundle, error) {
	return &auth.Bundle{
		Settings: map[string]any{"folder": s.folder},
		Identity: auth.Identity{ID: "tester"},
	}, nil
}

func newServer(t *testing.T) (http.Handler, *notify.MemoryDriver) {
	t.Helper()
	driver := notify.NewMemoryDriver()
	r := router.New()
	h := api.New(
		&stubAuth{folder: t.TempDir()},
		ratelimit.New(nil, 100, time.Hour, false),
		notify.New(driver),
		"http://localhost:7777",
	)
	h.Register(r)
	return r.Handler(), driver
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	return doc
}

func attributes(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	data, ok := decode(t, w)["data"].(map[string]any)
	require.True(t, ok)
	attrs, ok := data["attributes"].(map[string]any)
	require.True(t, ok)
	return attrs
}

const base = "/v1/resources/abc123/providers/filesystem"

func TestStatusEndpoint(t *testing.T) {
	h, _ := newServer(t)
	w := do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "up", decode(t, w)["status"])
}

func TestUploadAndDownload(t *testing.T) {
	h, _ := newServer(t)

	w := do(t, h, http.MethodPut, base+"/?kind=file&name=report.txt", "hello world")
	require.Equal(t, http.StatusCreated, w.Code)
	attrs := attributes(t, w)
	require.Equal(t, "report.txt", attrs["name"])
	require.EqualValues(t, 11, attrs["size"])

	w = do(t, h, http.MethodGet, base+"/report.txt", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "hello world", w.Body.String())
	require.Equal(t, "11", w.Header().Get("Content-Length"))
	require.Contains(t, w.Header().Get("Content-Disposition"), "report.txt")
}

func TestUpdateExistingFile(t *testing.T) {
	h, _ := newServer(t)
	do(t, h, http.MethodPut, base+"/?kind=file&name=report.txt", "first")

	w := do(t, h, http.MethodPut, base+"/report.txt", "second version")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, base+"/report.txt", "")
	require.Equal(t, "second version", w.Body.String())
}

func TestFileMetadataAndRevisions(t *testing.T) {
	h, _ := newServer(t)
	do(t, h, http.MethodPut, base+"/?kind=file&name=report.txt", "content")

	w := do(t, h, http.MethodGet, base+"/report.txt?meta=", "")
	require.Equal(t, http.StatusOK, w.Code)
	attrs := attributes(t, w)
	require.Equal(t, "file", attrs["kind"])
	require.Equal(t, "/report.txt", attrs["path"])

	w = do(t, h, http.MethodGet, base+"/report.txt?revisions=", "")
	require.Equal(t, http.StatusOK, w.Code)
	revs, ok := decode(t, w)["data"].([]any)
	require.True(t, ok)
	require.Len(t, revs, 1)
}

func TestTrailingSlashIdentity(t *testing.T) {
	h, _ := newServer(t)
	do(t, h, http.MethodPut, base+"/?kind=file&name=thing", "content")

	w := do(t, h, http.MethodGet, base+"/thing/", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "NotFound", decode(t, w)["code"])
}

func TestFolderListing(t *testing.T) {
	h, _ := newServer(t)
	do(t, h, http.MethodPut, base+"/?kind=folder&name=docs", "")
	do(t, h, http.MethodPut, base+"/docs/?kind=file&name=a.txt", "a")
	do(t, h, http.MethodPut, base+"/docs/?kind=file&name=b.txt", "b")

	w := do(t, h, http.MethodGet, base+"/docs/", "")
	require.Equal(t, http.StatusOK, w.Code)
	entries, ok := decode(t, w)["data"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 2)
}

func TestCreateFolderConflict(t *testing.T) {
	h, _ := newServer(t)

	w := do(t, h, http.MethodPut, base+"/?kind=folder&name=photos", "")
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "folder", attributes(t, w)["kind"])

	w = do(t, h, http.MethodPut, base+"/?kind=folder&name=photos", "")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "NamingConflict", decode(t, w)["code"])
}

func TestUploadConflictKeep(t *testing.T) {
	h, _ := newServer(t)
	do(t, h, http.MethodPut, base+"/?kind=file&name=report.txt", "first")

	w := do(t, h, http.MethodPut, base+"/?kind=file&name=report.txt", "second")
	require.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodPut, base+"/?kind=file&name=report.txt&conflict=keep", "second")
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "report (1).txt", attributes(t, w)["name"])
}

func TestUploadPrevalidation(t *testing.T) {
	h, _ := newServer(t)

	w := do(t, h, http.MethodPut, base+"/?kind=banana&name=x", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Folder creation refuses a request body.
	w = do(t, h, http.MethodPut, base+"/?kind=folder&name=x", "unwanted")
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	// Uploads need a known length.
	req := httptest.NewRequest(http.MethodPut, base+"/?kind=file&name=x", strings.NewReader("y"))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusLengthRequired, rec.Code)
}

func TestDeleteFile(t *testing.T) {
	h, _ := newServer(t)
	do(t, h, http.MethodPut, base+"/?kind=file&name=report.txt", "content")

	w := do(t, h, http.MethodDelete, base+"/report.txt", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodGet, base+"/report.txt", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteRootNeedsConfirmation(t *testing.T) {
	h, _ := newServer(t)
	do(t, h, http.MethodPut, base+"/?kind=file&name=report.txt", "content")

	w := do(t, h, http.MethodDelete, base+"/", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodDelete, base+"/?confirm_delete=1", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	// The root survives, emptied.
	w = do(t, h, http.MethodGet, base+"/", "")
	require.Equal(t, http.StatusOK, w.Code)
	entries, ok := decode(t, w)["data"].([]any)
	require.True(t, ok)
	require.Empty(t, entries)
}

func TestRename(t *testing.T) {
	h, _ := newServer(t)
	do(t, h, http.MethodPut, base+"/?kind=file&name=old.txt", "content")

	w := do(t, h, http.MethodPost, base+"/old.txt", `{"action":"rename","rename":"new.txt"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "new.txt", attributes(t, w)["name"])

	w = do(t, h, http.MethodGet, base+"/new.txt", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodGet, base+"/old.txt", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestMoveIntoFolder(t *testing.T) {
	h, _ := newServer(t)
	do(t, h, http.MethodPut, base+"/?kind=folder&name=archive", "")
	do(t, h, http.MethodPut, base+"/?kind=file&name=report.txt", "content")

	w := do(t, h, http.MethodPost, base+"/report.txt", `{"action":"move","path":"/archive/"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "/archive/report.txt", attributes(t, w)["path"])

	w = do(t, h, http.MethodGet, base+"/archive/report.txt", "")
	require.Equal(t, "content", w.Body.String())
	w = do(t, h, http.MethodGet, base+"/report.txt", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCopyKeepsSource(t *testing.T) {
	h, _ := newServer(t)
	do(t, h, http.MethodPut, base+"/?kind=folder&name=backup", "")
	do(t, h, http.MethodPut, base+"/?kind=file&name=report.txt", "content")

	w := do(t, h, http.MethodPost, base+"/report.txt", `{"action":"copy","path":"/backup/"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, h, http.MethodGet, base+"/report.txt", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodGet, base+"/backup/report.txt", "")
	require.Equal(t, "content", w.Body.String())
}

func TestMoveRootRefused(t *testing.T) {
	h, _ := newServer(t)
	do(t, h, http.MethodPut, base+"/?kind=folder&name=dest", "")

	w := do(t, h, http.MethodPost, base+"/", `{"action":"move","path":"/dest/"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestActionBodyValidation(t *testing.T) {
	h, _ := newServer(t)
	do(t, h, http.MethodPut, base+"/?kind=file&name=report.txt", "content")

	w := do(t, h, http.MethodPost, base+"/report.txt", `{"action":"frobnicate"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// rename without the new name
	w = do(t, h, http.MethodPost, base+"/report.txt", `{"action":"rename"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// move without a destination
	w = do(t, h, http.MethodPost, base+"/report.txt", `{"action":"move"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, base+"/report.txt", `not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestZipFolderDownload(t *testing.T) {
	h, _ := newServer(t)
	do(t, h, http.MethodPut, base+"/?kind=folder&name=docs", "")
	do(t, h, http.MethodPut, base+"/docs/?kind=file&name=a.txt", "alpha")
	do(t, h, http.MethodPut, base+"/docs/?kind=file&name=b.txt", "beta")

	w := do(t, h, http.MethodGet, base+"/docs/?zip=", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	require.Contains(t, w.Header().Get("Content-Disposition"), "docs.zip")

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	require.Equal(t, "a.txt", zr.File[0].Name)
}

func TestHeadFile(t *testing.T) {
	h, _ := newServer(t)
	do(t, h, http.MethodPut, base+"/?kind=file&name=report.txt", "content")

	w := do(t, h, http.MethodHead, base+"/report.txt", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "7", w.Header().Get("Content-Length"))
	require.NotEmpty(t, w.Header().Get("Etag"))

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(w.Header().Get(api.MetadataHeader)), &doc))
	require.Equal(t, "files", doc["type"])

	w = do(t, h, http.MethodHead, base+"/", "")
	require.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRangeRequests(t *testing.T) {
	h, _ := newServer(t)
	do(t, h, http.MethodPut, base+"/?kind=file&name=data.bin", "0123456789")

	req := httptest.NewRequest(http.MethodGet, base+"/data.bin", nil)
	req.Header.Set("Range", "bytes=2-5")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusPartialContent, w.Code)
	require.Equal(t, "2345", w.Body.String())
	require.Equal(t, "bytes 2-5/10", w.Header().Get("Content-Range"))

	// A start past the entity is not satisfiable.
	req = httptest.NewRequest(http.MethodGet, base+"/data.bin", nil)
	req.Header.Set("Range", "bytes=100-")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	require.Equal(t, "bytes */10", w.Header().Get("Content-Range"))

	// Malformed ranges are ignored and the full entity served.
	req = httptest.NewRequest(http.MethodGet, base+"/data.bin", nil)
	req.Header.Set("Range", "bytes=nonsense")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "0123456789", w.Body.String())
}

func TestUnknownProvider(t *testing.T) {
	h, _ := newServer(t)
	w := do(t, h, http.MethodGet, "/v1/resources/abc123/providers/carrier-pigeon/", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnsupportedMethod(t *testing.T) {
	h, _ := newServer(t)
	w := do(t, h, http.MethodPatch, base+"/report.txt", "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	require.Contains(t, w.Header().Get("Allow"), "GET")
}

func TestMutationsEmitEvents(t *testing.T) {
	h, driver := newServer(t)
	do(t, h, http.MethodPut, base+"/?kind=file&name=report.txt", "content")
	do(t, h, http.MethodDelete, base+"/report.txt", "")

	require.Eventually(t, func() bool {
		return len(driver.Events()) == 2
	}, time.Second, 10*time.Millisecond)

	actions := map[string]bool{}
	for _, ev := range driver.Events() {
		actions[ev.Action] = true
		require.Equal(t, "tester", ev.Actor)
	}
	require.True(t, actions["create"])
	require.True(t, actions["delete"])
}

func TestBackendCallsAreMeasured(t *testing.T) {
	h, _ := newServer(t)

	samples := testutil.CollectAndCount(metrics.ProviderOpDuration)
	w := do(t, h, http.MethodGet, base+"/", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Greater(t, testutil.CollectAndCount(metrics.ProviderOpDuration), samples)

	do(t, h, http.MethodPut, base+"/?kind=file&name=report.txt", "first")
	failures := metrics.ProviderOpErrors.WithLabelValues("filesystem", "upload", "NamingConflict")
	before := testutil.ToFloat64(failures)
	w = do(t, h, http.MethodPut, base+"/?kind=file&name=report.txt&conflict=warn", "second")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, before+1, testutil.ToFloat64(failures))
}
