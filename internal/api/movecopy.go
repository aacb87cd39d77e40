package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/CenterForOpenScience/waterbutler/pkg/auth"
	"github.com/CenterForOpenScience/waterbutler/pkg/notify"
	"github.com/CenterForOpenScience/waterbutler/pkg/provider"
	"github.com/CenterForOpenScience/waterbutler/pkg/response"
	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
)

// maxActionBody caps the move/copy/rename JSON body. Anything larger is a
// client error, not a transfer.
const maxActionBody = 1 << 20

type actionBody struct {
	Action   string `json:"action" validate:"required,oneof=rename move copy"`
	Rename   string `json:"rename" validate:"required_if=Action rename"`
	Path     string `json:"path"`
	Conflict string `json:"conflict" validate:"omitempty,oneof=warn replace keep"`
	Resource string `json:"resource"`
	Provider string `json:"provider"`
}

var validate = validator.New()

func (h *Handler) moveCopy(w http.ResponseWriter, r *http.Request, resource, providerName, rawPath string) {
	if r.ContentLength < 0 {
		response.Error(w, r, wberror.New(wberror.LengthRequired, "a Content-Length header is required"))
		return
	}
	if r.ContentLength > maxActionBody {
		response.Error(w, r, wberror.New(wberror.PayloadTooLarge, "request body exceeds %d bytes", maxActionBody))
		return
	}

	var body actionBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxActionBody)).Decode(&body); err != nil {
		response.Error(w, r, wberror.Wrap(wberror.InvalidArgument, err, "malformed JSON body"))
		return
	}
	if err := validate.Struct(body); err != nil {
		response.Error(w, r, wberror.Wrap(wberror.InvalidArgument, err, "invalid request body"))
		return
	}
	conflict, err := provider.ParseConflict(body.Conflict)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if body.Action == "rename" {
		h.rename(w, r, resource, providerName, rawPath, body.Rename, conflict)
		return
	}

	if body.Path == "" {
		response.Error(w, r, wberror.New(wberror.InvalidArgument, "path is required for move and copy"))
		return
	}
	if !strings.HasSuffix(body.Path, "/") {
		response.Error(w, r, wberror.New(wberror.InvalidArgument, "destination path must be a folder"))
		return
	}

	destResource := body.Resource
	if destResource == "" {
		destResource = resource
	}
	destProviderName := body.Provider
	if destProviderName == "" {
		destProviderName = providerName
	}
	if !provider.Registered(destProviderName) {
		response.Error(w, r, wberror.New(wberror.NotFound, "no provider named %q", destProviderName))
		return
	}

	src, bundle, err := h.makeProvider(r, resource, providerName, auth.ActionCopyFrom)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	dest, _, err := h.makeProvider(r, destResource, destProviderName, auth.ActionCopyTo)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	srcPath, err := src.ValidateV1Path(r.Context(), rawPath)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if srcPath.IsRoot() {
		response.Error(w, r, wberror.New(wberror.InvalidArgument, "cannot move or copy the root folder"))
		return
	}
	destPath, err := dest.ValidatePath(r.Context(), body.Path)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	transfer := provider.Transfer{
		Source:     src,
		SourcePath: srcPath,
		Dest:       dest,
		DestPath:   destPath,
		Rename:     body.Rename,
		Conflict:   conflict,
	}

	start := time.Now()
	var result *provider.Result
	if body.Action == "move" {
		result, err = provider.Move(r.Context(), transfer)
	} else {
		result, err = provider.Copy(r.Context(), transfer)
	}
	observeOp(dest, body.Action, start, err)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	h.emit(notify.Event{
		Action:   body.Action,
		Resource: destResource,
		Provider: dest.Name(),
		Path:     result.Metadata.EntryPath(),
		Name:     result.Metadata.EntryName(),
		Kind:     result.Metadata.Kind(),
		Actor:    bundle.Identity.ID,
		Source: &notify.Source{
			Resource: resource,
			Provider: src.Name(),
			Path:     srcPath.String(),
		},
	})

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	h.writeResult(w, status, destResource, result)
}

// rename is a move within the entity's own parent folder.
func (h *Handler) rename(w http.ResponseWriter, r *http.Request, resource, providerName, rawPath, newName string, conflict provider.Conflict) {
	if strings.Contains(newName, "/") {
		response.Error(w, r, wberror.New(wberror.InvalidArgument, "rename must not contain slashes"))
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
	if path.IsRoot() {
		response.Error(w, r, wberror.New(wberror.InvalidArgument, "cannot rename the root folder"))
		return
	}

	start := time.Now()
	result, err := provider.Move(r.Context(), provider.Transfer{
		Source:     p,
		SourcePath: path,
		Dest:       p,
		DestPath:   path.Parent(),
		Rename:     newName,
		Conflict:   conflict,
	})
	observeOp(p, "move", start, err)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	h.emit(notify.Event{
		Action:   "move",
		Resource: resource,
		Provider: p.Name(),
		Path:     result.Metadata.EntryPath(),
		Name:     result.Metadata.EntryName(),
		Kind:     result.Metadata.Kind(),
		Actor:    bundle.Identity.ID,
		Source: &notify.Source{
			Resource: resource,
			Provider: p.Name(),
			Path:     path.String(),
		},
	})
	h.writeResult(w, http.StatusOK, resource, result)
}

func (h *Handler) writeResult(w http.ResponseWriter, status int, resource string, result *provider.Result) {
	payload := map[string]any{
		"data": result.Metadata.JSONAPI(resource, h.domain),
	}
	if result.Warning != "" {
		payload["warning"] = result.Warning
	}
	response.JSON(w, status, payload)
}
