package api

import (
	"net/http"
	"time"

	"github.com/CenterForOpenScience/waterbutler/pkg/auth"
	"github.com/CenterForOpenScience/waterbutler/pkg/notify"
	"github.com/CenterForOpenScience/waterbutler/pkg/response"
	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
)

func (h *Handler) delete(w http.ResponseWriter, r *http.Request, resource, providerName, rawPath string) {
	confirm := r.URL.Query().Get("confirm_delete") == "1"

	p, bundle, err := h.makeProvider(r, resource, providerName, auth.ActionDelete)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	path, err := p.ValidateV1Path(r.Context(), rawPath)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if path.IsRoot() && !confirm {
		response.Error(w, r, wberror.New(wberror.InvalidArgument,
			"deleting the root folder requires confirm_delete=1"))
		return
	}

	start := time.Now()
	err = p.Delete(r.Context(), path, confirm)
	observeOp(p, "delete", start, err)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	h.emit(notify.Event{
		Action:   "delete",
		Resource: resource,
		Provider: p.Name(),
		Path:     path.String(),
		Name:     path.Name(),
		Kind:     path.Kind(),
		Actor:    bundle.Identity.ID,
	})
	response.NoContent(w)
}
