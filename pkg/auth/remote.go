package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
)

// RemoteHandler asks an external auth provider for credentials over HTTP.
// The auth provider owns all access decisions; this client only relays the
// caller's tokens and translates the verdict.
type RemoteHandler struct {
	url    string
	client *http.Client
}

// NewRemoteHandler builds a handler for the auth provider at url.
func NewRemoteHandler(url string) *RemoteHandler {
	return &RemoteHandler{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type remoteRequest struct {
	Resource string `json:"nid"`
	Provider string `json:"provider"`
	Action   string `json:"action"`
	Token    string `json:"token,omitempty"`
	Basic    string `json:"basic,omitempty"`
	Cookie   string `json:"cookie,omitempty"`
	ViewOnly string `json:"view_only,omitempty"`
}

type remoteResponse struct {
	Credentials map[string]any `json:"credentials"`
	Settings    map[string]any `json:"settings"`
	Auth        Identity       `json:"auth"`
}

func (h *RemoteHandler) Fetch(ctx context.Context, req Request) (*Bundle, error) {
	payload, err := json.Marshal(remoteRequest{
		Resource: req.Resource,
		Provider: req.Provider,
		Action:   string(req.Action),
		Token:    req.BearerToken,
		Basic:    req.BasicCreds,
		Cookie:   req.Cookie,
		ViewOnly: req.ViewOnly,
	})
	if err != nil {
		return nil, wberror.Wrap(wberror.Unexpected, err, "encode auth request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return nil, wberror.Wrap(wberror.Unexpected, err, "build auth request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, wberror.Wrap(wberror.ServiceUnavailable, err, "auth provider unreachable")
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, wberror.New(wberror.Unauthorized, "auth provider rejected the credentials")
	case http.StatusForbidden:
		return nil, wberror.New(wberror.Forbidden, "not permitted to %s on %s/%s",
			req.Action, req.Resource, req.Provider)
	case http.StatusNotFound, http.StatusGone:
		return nil, wberror.New(wberror.NotFound, "resource %q not found", req.Resource)
	default:
		return nil, wberror.New(wberror.ServiceUnavailable,
			"auth provider returned unexpected status %d", resp.StatusCode)
	}

	var body remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, wberror.Wrap(wberror.ServiceUnavailable, err, "decode auth response")
	}
	return &Bundle{
		Credentials: body.Credentials,
		Settings:    body.Settings,
		Identity:    body.Auth,
	}, nil
}
