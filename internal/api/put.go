package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/CenterForOpenScience/waterbutler/pkg/auth"
	"github.com/CenterForOpenScience/waterbutler/pkg/metrics"
	"github.com/CenterForOpenScience/waterbutler/pkg/notify"
	"github.com/CenterForOpenScience/waterbutler/pkg/provider"
	"github.com/CenterForOpenScience/waterbutler/pkg/response"
	"github.com/CenterForOpenScience/waterbutler/pkg/streams"
	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
	"github.com/CenterForOpenScience/waterbutler/pkg/wbpath"
)

// put handles uploads and folder creation:
//
//	PUT /folder/?kind=file&name=n    upload a new file into folder
//	PUT /folder/?kind=folder&name=n  create a child folder
//	PUT /file                        update the file in place
func (h *Handler) put(w http.ResponseWriter, r *http.Request, resource, providerName, rawPath string) {
	q := r.URL.Query()

	kind := q.Get("kind")
	if kind == "" {
		kind = "file"
	}
	if kind != "file" && kind != "folder" {
		response.Error(w, r, wberror.New(wberror.InvalidArgument, "kind must be file or folder, not %q", kind))
		return
	}
	if kind == "file" && r.ContentLength < 0 {
		response.Error(w, r, wberror.New(wberror.LengthRequired, "uploads require a Content-Length header"))
		return
	}
	if kind == "folder" && r.ContentLength > 0 {
		response.Error(w, r, wberror.New(wberror.PayloadTooLarge, "folder creation does not accept a request body"))
		return
	}

	p, bundle, err := h.makeProvider(r, resource, providerName, auth.ActionUpload)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	path, err := p.ValidateV1Path(r.Context(), rawPath)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	name := q.Get("name")
	if path.IsFile() {
		if name != "" {
			response.Error(w, r, wberror.New(wberror.InvalidArgument, "name may only be given when the target is a folder"))
			return
		}
		if kind == "folder" {
			response.Error(w, r, wberror.New(wberror.NamingConflict, "cannot create a folder at an existing file path"))
			return
		}
		// Update in place; existence is already proven, so replace.
		h.upload(w, r, resource, p, bundle, path, provider.ConflictReplace, "update")
		return
	}

	if name == "" {
		response.Error(w, r, wberror.New(wberror.InvalidArgument, "name is required when the target is a folder"))
		return
	}
	if strings.ContainsAny(name, "/") {
		response.Error(w, r, wberror.New(wberror.InvalidArgument, "name must not contain slashes"))
		return
	}

	target, err := p.RevalidatePath(r.Context(), path, name, kind == "folder")
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if kind == "folder" {
		start := time.Now()
		folder, err := p.CreateFolder(r.Context(), target)
		observeOp(p, "create_folder", start, err)
		if err != nil {
			response.Error(w, r, err)
			return
		}
		h.emit(notify.Event{
			Action:   "create_folder",
			Resource: resource,
			Provider: p.Name(),
			Path:     folder.Path,
			Name:     folder.Name,
			Kind:     "folder",
			Actor:    bundle.Identity.ID,
		})
		response.Data(w, http.StatusCreated, folder.JSONAPI(resource, h.domain))
		return
	}

	conflict, err := provider.ParseConflict(q.Get("conflict"))
	if err != nil {
		response.Error(w, r, err)
		return
	}
	h.upload(w, r, resource, p, bundle, target, conflict, "create")
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request, resource string, p provider.Provider, bundle *auth.Bundle, target wbpath.Path, conflict provider.Conflict, action string) {
	stream := streams.NewReader(r.Body, r.ContentLength)
	start := time.Now()
	file, created, err := p.Upload(r.Context(), stream, target, conflict)
	observeOp(p, "upload", start, err)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if file.Size > 0 {
		metrics.TransferBytes.WithLabelValues("upload").Add(float64(file.Size))
	}

	if !created {
		action = "update"
	}
	h.emit(notify.Event{
		Action:   action,
		Resource: resource,
		Provider: p.Name(),
		Path:     file.Path,
		Name:     file.Name,
		Kind:     "file",
		Size:     file.Size,
		Actor:    bundle.Identity.ID,
	})

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	response.Data(w, status, file.JSONAPI(resource, h.domain))
}
