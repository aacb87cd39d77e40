package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
)

// ProviderGrant is a statically configured credential/settings pair for one
// provider, handed to any caller the JWT admits.
type ProviderGrant struct {
	Credentials map[string]any
	Settings    map[string]any
}

// SettingsFunc lets a grant derive per-resource settings, e.g. mapping each
// resource onto its own subfolder of a filesystem root.
type SettingsFunc func(resource string, grant ProviderGrant) map[string]any

// JWTHandler authorises callers with locally verified HMAC-signed bearer
// tokens. It exists for development and single-tenant deployments where
// running a separate auth provider is overkill; claims carry the allowed
// resources.
type JWTHandler struct {
	secret   []byte
	grants   map[string]ProviderGrant // provider name -> grant
	settings SettingsFunc
}

type grantClaims struct {
	jwt.RegisteredClaims

	// Resources the token may act on. Empty means all.
	Resources []string `json:"resources,omitempty"`
}

// NewJWTHandler builds a handler verifying tokens with secret. settings may
// be nil, in which case the grant's settings are used as-is.
func NewJWTHandler(secret string, grants map[string]ProviderGrant, settings SettingsFunc) *JWTHandler {
	return &JWTHandler{secret: []byte(secret), grants: grants, settings: settings}
}

func (h *JWTHandler) Fetch(_ context.Context, req Request) (*Bundle, error) {
	if req.BearerToken == "" {
		return nil, wberror.New(wberror.Unauthorized, "a bearer token is required")
	}

	claims := &grantClaims{}
	token, err := jwt.ParseWithClaims(req.BearerToken, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, wberror.New(wberror.Unauthorized, "unexpected signing method %v", t.Header["alg"])
		}
		return h.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, wberror.New(wberror.Unauthorized, "invalid bearer token")
	}

	if len(claims.Resources) > 0 && !contains(claims.Resources, req.Resource) {
		return nil, wberror.New(wberror.Forbidden, "token does not grant access to resource %q", req.Resource)
	}

	grant, ok := h.grants[req.Provider]
	if !ok {
		return nil, wberror.New(wberror.NotFound, "no provider %q mounted", req.Provider)
	}

	settings := grant.Settings
	if h.settings != nil {
		settings = h.settings(req.Resource, grant)
	}
	return &Bundle{
		Credentials: grant.Credentials,
		Settings:    settings,
		Identity:    Identity{ID: claims.Subject, Name: claims.Subject},
	}, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
