// Package auth defines the contract the pipeline uses to turn caller
// credentials into per-provider credential and settings bundles, plus the
// two shipped implementations: a remote auth provider client and a local
// JWT-based handler for development and tests.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Action is the permission category of a request, inferred by the pipeline
// from the HTTP method and parameters.
type Action string

const (
	ActionMetadata Action = "metadata"
	ActionDownload Action = "download"
	ActionUpload   Action = "upload"
	ActionDelete   Action = "delete"
	ActionCopyFrom Action = "copyfrom"
	ActionCopyTo   Action = "copyto"
)

// Request carries everything the auth provider needs to authorise one
// (resource, provider, action) triple. Raw caller tokens are forwarded
// opaquely and never logged.
type Request struct {
	Resource string
	Provider string
	Action   Action

	BearerToken string
	BasicCreds  string // base64 payload of a Basic authorization header
	Cookie      string
	ViewOnly    string
}

// Identity is who the auth provider says the caller is.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Bundle is the per-request output of the auth provider. Credentials live
// for one request and are never persisted by the core.
type Bundle struct {
	Credentials map[string]any
	Settings    map[string]any
	Identity    Identity
}

// Handler is the pluggable auth contract.
type Handler interface {
	// Fetch authorises the request and returns the provider bundles.
	// Invalid tokens are Unauthorized, valid tokens without permission are
	// Forbidden, unknown resources are NotFound.
	Fetch(ctx context.Context, req Request) (*Bundle, error)
}

// FromHTTP extracts the caller credentials from an incoming request. The
// cookie and view_only query parameters are relayed alongside the headers.
func FromHTTP(r *http.Request) Request {
	req := Request{
		ViewOnly: r.URL.Query().Get("view_only"),
	}
	if header := r.Header.Get("Authorization"); header != "" {
		switch {
		case strings.HasPrefix(header, "Bearer "):
			req.BearerToken = strings.TrimPrefix(header, "Bearer ")
		case strings.HasPrefix(header, "Basic "):
			req.BasicCreds = strings.TrimPrefix(header, "Basic ")
		}
	}
	if cookie := r.URL.Query().Get("cookie"); cookie != "" {
		req.Cookie = cookie
	} else if c, err := r.Cookie("osf"); err == nil {
		req.Cookie = c.Value
	}
	return req
}
