package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CenterForOpenScience/waterbutler/pkg/auth"
	"github.com/CenterForOpenScience/waterbutler/pkg/metadata"
	"github.com/CenterForOpenScience/waterbutler/pkg/metrics"
	"github.com/CenterForOpenScience/waterbutler/pkg/provider"
	"github.com/CenterForOpenScience/waterbutler/pkg/response"
	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
	"github.com/CenterForOpenScience/waterbutler/pkg/wbpath"
)

// MetadataHeader carries the file's serialized metadata on HEAD responses.
const MetadataHeader = "X-Waterbutler-Metadata"

func (h *Handler) get(w http.ResponseWriter, r *http.Request, resource, providerName, rawPath string) {
	q := r.URL.Query()

	// meta wins over revisions/versions; singular version over revision.
	wantMeta := q.Has("meta")
	wantRevisions := !wantMeta && (q.Has("revisions") || q.Has("versions"))
	version := q.Get("version")
	if version == "" {
		version = q.Get("revision")
	}

	action := auth.ActionMetadata
	if strings.HasSuffix(rawPath, "/") {
		if q.Has("zip") {
			action = auth.ActionDownload
		}
	} else if !wantMeta && !wantRevisions {
		action = auth.ActionDownload
	}

	p, _, err := h.makeProvider(r, resource, providerName, action)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	path, err := p.ValidateV1Path(r.Context(), rawPath)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	switch {
	case path.IsFolder() && q.Has("zip"):
		h.zipFolder(w, r, p, path)
	case path.IsFolder():
		h.listFolder(w, r, resource, p, path)
	case wantRevisions:
		h.revisions(w, r, p, path)
	case wantMeta:
		h.fileMetadata(w, r, resource, p, path, version)
	default:
		h.download(w, r, p, path, version)
	}
}

func (h *Handler) listFolder(w http.ResponseWriter, r *http.Request, resource string, p provider.Provider, path wbpath.Path) {
	start := time.Now()
	entries, err := p.List(r.Context(), path)
	observeOp(p, "list", start, err)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	docs := make([]map[string]any, len(entries))
	for i, entry := range entries {
		docs[i] = entry.JSONAPI(resource, h.domain)
	}
	response.Data(w, http.StatusOK, docs)
}

func (h *Handler) fileMetadata(w http.ResponseWriter, r *http.Request, resource string, p provider.Provider, path wbpath.Path, version string) {
	start := time.Now()
	entry, err := p.Metadata(r.Context(), path, version)
	observeOp(p, "metadata", start, err)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, entry.JSONAPI(resource, h.domain))
}

func (h *Handler) revisions(w http.ResponseWriter, r *http.Request, p provider.Provider, path wbpath.Path) {
	start := time.Now()
	revs, err := p.Revisions(r.Context(), path)
	observeOp(p, "revisions", start, err)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	docs := make([]map[string]any, len(revs))
	for i, rev := range revs {
		docs[i] = rev.JSONAPI()
	}
	response.Data(w, http.StatusOK, docs)
}

func (h *Handler) zipFolder(w http.ResponseWriter, r *http.Request, p provider.Provider, path wbpath.Path) {
	start := time.Now()
	stream, err := provider.ZipFolder(r.Context(), p, path)
	observeOp(p, "zip", start, err)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	defer stream.Close() //nolint:errcheck

	name := path.Name() + ".zip"
	if path.IsRoot() {
		name = p.Name() + "-archive.zip"
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", contentDisposition(name))
	w.WriteHeader(http.StatusOK)

	n, _ := io.Copy(w, stream)
	metrics.TransferBytes.WithLabelValues("download").Add(float64(n))
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request, p provider.Provider, path wbpath.Path, version string) {
	q := r.URL.Query()
	rng := parseRange(r.Header.Get("Range"))

	// A ranged response needs the total length for Content-Range, so the
	// metadata is fetched up front only in that case.
	total := metadata.SizeUnknown
	if rng != nil {
		entry, err := p.Metadata(r.Context(), path, version)
		if err != nil {
			response.Error(w, r, err)
			return
		}
		if file, ok := entry.(*metadata.File); ok {
			total = file.Size
		}
		if total != metadata.SizeUnknown {
			resolved, err := resolveRange(rng, total)
			if err != nil {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
				response.Error(w, r, err)
				return
			}
			rng = resolved
		}
	}

	start := time.Now()
	dl, err := p.Download(r.Context(), provider.DownloadRequest{
		Path:        path,
		Version:     version,
		Range:       rng,
		Direct:      q.Has("direct"),
		DisplayName: q.Get("displayName"),
	})
	observeOp(p, "download", start, err)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if dl.RedirectURL != "" {
		http.Redirect(w, r, dl.RedirectURL, http.StatusFound)
		return
	}
	defer dl.Stream.Close() //nolint:errcheck

	name := q.Get("displayName")
	if name == "" {
		name = path.Name()
	}
	w.Header().Set("Content-Type", contentTypeFor(path))
	w.Header().Set("Content-Disposition", contentDisposition(name))

	status := http.StatusOK
	if rng != nil && total != metadata.SizeUnknown {
		length := *rng.End - *rng.Start + 1
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", *rng.Start, *rng.End, total))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		status = http.StatusPartialContent
	} else if size := dl.Stream.Size(); size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(status)

	n, _ := io.Copy(w, dl.Stream)
	metrics.TransferBytes.WithLabelValues("download").Add(float64(n))
}

func (h *Handler) head(w http.ResponseWriter, r *http.Request, resource, providerName, rawPath string) {
	if strings.HasSuffix(rawPath, "/") {
		response.Error(w, r, wberror.New(wberror.NotImplemented, "HEAD is not supported for folders"))
		return
	}

	p, _, err := h.makeProvider(r, resource, providerName, auth.ActionMetadata)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	path, err := p.ValidateV1Path(r.Context(), rawPath)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	start := time.Now()
	entry, err := p.Metadata(r.Context(), path, r.URL.Query().Get("version"))
	observeOp(p, "metadata", start, err)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	file, ok := entry.(*metadata.File)
	if !ok {
		response.Error(w, r, wberror.New(wberror.NotImplemented, "HEAD is not supported for folders"))
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(path))
	if file.Size != metadata.SizeUnknown {
		w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	}
	if file.Modified != "" {
		if t, err := time.Parse(time.RFC3339, file.Modified); err == nil {
			w.Header().Set("Last-Modified", t.UTC().Format(http.TimeFormat))
		}
	}
	if etag, ok := file.Serialized()["etag"].(string); ok && etag != "" {
		w.Header().Set("Etag", strconv.Quote(etag))
	}
	if doc, err := json.Marshal(file.JSONAPI(resource, h.domain)); err == nil {
		w.Header().Set(MetadataHeader, string(doc))
	}
	w.WriteHeader(http.StatusOK)
}

// parseRange reads a single-range bytes header. Malformed or multi-range
// values are ignored, per RFC 7233, and the full entity is served.
func parseRange(header string) *provider.ByteRange {
	if !strings.HasPrefix(header, "bytes=") {
		return nil
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		return nil
	}
	start, end, ok := strings.Cut(spec, "-")
	if !ok {
		return nil
	}

	rng := &provider.ByteRange{}
	if start != "" {
		v, err := strconv.ParseInt(start, 10, 64)
		if err != nil || v < 0 {
			return nil
		}
		rng.Start = &v
	}
	if end != "" {
		v, err := strconv.ParseInt(end, 10, 64)
		if err != nil || v < 0 {
			return nil
		}
		rng.End = &v
	}
	if rng.Start == nil && rng.End == nil {
		return nil
	}
	if rng.Start != nil && rng.End != nil && *rng.End < *rng.Start {
		return nil
	}
	return rng
}

// resolveRange pins rng against the entity size: suffix ranges become
// explicit offsets and open ends are clamped. A start at or past the end of
// the entity is not satisfiable.
func resolveRange(rng *provider.ByteRange, size int64) (*provider.ByteRange, error) {
	var start, end int64
	switch {
	case rng.Start == nil:
		// suffix range: last *End bytes
		n := *rng.End
		if n > size {
			n = size
		}
		start, end = size-n, size-1
	case rng.End == nil:
		start, end = *rng.Start, size-1
	default:
		start, end = *rng.Start, *rng.End
		if end > size-1 {
			end = size - 1
		}
	}
	if start >= size || start > end {
		return nil, wberror.New(wberror.RangeNotSatisfiable,
			"range %d- is outside the %d byte entity", start, size)
	}
	return &provider.ByteRange{Start: &start, End: &end}, nil
}

func contentTypeFor(path wbpath.Path) string {
	if ct := mime.TypeByExtension(path.Ext()); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// contentDisposition builds an attachment header, RFC 6266 encoded for
// non-ASCII names.
func contentDisposition(name string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": name})
}
