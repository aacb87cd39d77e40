// Package api implements the v1 HTTP pipeline: rate limiting, auth,
// provider construction, path validation and per-method dispatch for
// /v1/resources/{resource}/providers/{provider}/{path}.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CenterForOpenScience/waterbutler/pkg/auth"
	"github.com/CenterForOpenScience/waterbutler/pkg/metrics"
	"github.com/CenterForOpenScience/waterbutler/pkg/notify"
	"github.com/CenterForOpenScience/waterbutler/pkg/provider"
	"github.com/CenterForOpenScience/waterbutler/pkg/ratelimit"
	"github.com/CenterForOpenScience/waterbutler/pkg/response"
	"github.com/CenterForOpenScience/waterbutler/pkg/router"
	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
)

// Handler serves the v1 API. One instance is shared across requests; all
// per-request state (providers, credentials, paths) stays on the stack.
type Handler struct {
	auth     auth.Handler
	limiter  *ratelimit.Limiter
	notifier *notify.Notifier
	domain   string
}

// New builds the v1 handler. domain is the external base URL used in links.
func New(authHandler auth.Handler, limiter *ratelimit.Limiter, notifier *notify.Notifier, domain string) *Handler {
	return &Handler{
		auth:     authHandler,
		limiter:  limiter,
		notifier: notifier,
		domain:   domain,
	}
}

// Register mounts the v1 routes.
func (h *Handler) Register(r *router.Router) {
	r.Any("/v1/resources/{resource}/providers/{provider}/*", "v1.provider", h.dispatch)
	r.Get("/status", "status", h.status)
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{"status": "up"})
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key := ratelimit.Classify(r)
	decision, err := h.limiter.Check(ctx, key)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if !decision.Allowed {
		metrics.RateLimitRejections.WithLabelValues(string(key.Class)).Inc()
		ratelimit.Deny(w, decision)
		response.Error(w, r, wberror.New(wberror.RateLimited, "rate limit exceeded"))
		return
	}

	resource := chi.URLParam(r, "resource")
	providerName := chi.URLParam(r, "provider")
	rawPath := "/" + chi.URLParam(r, "*")

	if !provider.Registered(providerName) {
		response.Error(w, r, wberror.New(wberror.NotFound, "no provider named %q", providerName))
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r, resource, providerName, rawPath)
	case http.MethodHead:
		h.head(w, r, resource, providerName, rawPath)
	case http.MethodPut:
		h.put(w, r, resource, providerName, rawPath)
	case http.MethodPost:
		h.moveCopy(w, r, resource, providerName, rawPath)
	case http.MethodDelete:
		h.delete(w, r, resource, providerName, rawPath)
	default:
		w.Header().Set("Allow", "GET, HEAD, PUT, POST, DELETE")
		response.Error(w, r, wberror.New(wberror.NotSupported, "method %s is not supported", r.Method))
	}
}

// makeProvider authorises (resource, provider, action) and builds the
// per-request adapter from the returned bundle.
func (h *Handler) makeProvider(r *http.Request, resource, name string, action auth.Action) (provider.Provider, *auth.Bundle, error) {
	req := auth.FromHTTP(r)
	req.Resource = resource
	req.Provider = name
	req.Action = action

	bundle, err := h.auth.Fetch(r.Context(), req)
	if err != nil {
		return nil, nil, err
	}
	p, err := provider.Make(r.Context(), name, bundle.Credentials, bundle.Settings)
	if err != nil {
		return nil, nil, err
	}
	return p, bundle, nil
}

// observeOp records one backend call on the provider operation metrics.
func observeOp(p provider.Provider, op string, start time.Time, err error) {
	metrics.ObserveProviderOp(p.Name(), op, start)
	if err != nil {
		metrics.ProviderOpErrors.WithLabelValues(p.Name(), op, string(wberror.From(err).Kind)).Inc()
	}
}

// emit fires the post-mutation hook; failures never reach the response.
func (h *Handler) emit(event notify.Event) {
	metrics.EventsPublished.WithLabelValues(event.Action).Inc()
	h.notifier.Emit(event)
}
