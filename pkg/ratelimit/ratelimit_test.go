package ratelimit_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CenterForOpenScience/waterbutler/pkg/ratelimit"
	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
)

func hashed(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func TestClassifyBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/resources/abc/providers/filesystem/", nil)
	r.Header.Set("Authorization", "Bearer secret-token")

	key := ratelimit.Classify(r)
	require.Equal(t, ratelimit.ClassToken, key.Class)
	require.Equal(t, "TOKEN__"+hashed("secret-token"), key.Value)
	require.True(t, key.Limited)
}

func TestClassifyBasicAuth(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.SetBasicAuth("user", "pass")

	key := ratelimit.Classify(r)
	require.Equal(t, ratelimit.ClassBasic, key.Class)
	require.True(t, strings.HasPrefix(key.Value, "BASIC__"))
	require.True(t, key.Limited)
}

func TestClassifyCookieBypasses(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?cookie=session-value", nil)

	key := ratelimit.Classify(r)
	require.Equal(t, ratelimit.ClassCookie, key.Class)
	require.Equal(t, "COOKIE_"+hashed("session-value"), key.Value)
	require.False(t, key.Limited)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "osf", Value: "jar-value"})
	key = ratelimit.Classify(r)
	require.Equal(t, ratelimit.ClassCookie, key.Class)
	require.Equal(t, "COOKIE_"+hashed("jar-value"), key.Value)
}

func TestClassifyTokenOutranksCookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?cookie=session-value", nil)
	r.Header.Set("Authorization", "Bearer secret-token")

	key := ratelimit.Classify(r)
	require.Equal(t, ratelimit.ClassToken, key.Class)
	require.True(t, key.Limited)
}

func TestClassifyAnonymousByIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:54321"

	key := ratelimit.Classify(r)
	require.Equal(t, ratelimit.ClassNone, key.Class)
	require.Equal(t, "NOAUTH_"+hashed("203.0.113.9"), key.Value)
	require.True(t, key.Limited)
}

func TestKeyNeverContainsRawCredential(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer super-secret")

	key := ratelimit.Classify(r)
	require.NotContains(t, key.Value, "super-secret")
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := ratelimit.New(nil, 10, time.Hour, false)
	d, err := l.Check(context.Background(), ratelimit.Key{Class: ratelimit.ClassNone, Value: "NOAUTH_X", Limited: true})
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestEnabledLimiterWithoutStoreIsUnavailable(t *testing.T) {
	l := ratelimit.New(nil, 10, time.Hour, true)
	_, err := l.Check(context.Background(), ratelimit.Key{Class: ratelimit.ClassNone, Value: "NOAUTH_X", Limited: true})
	require.True(t, wberror.Is(err, wberror.ServiceUnavailable))
}

func TestUnlimitedKeySkipsStore(t *testing.T) {
	// A cookie-only request never touches Redis, so a nil client is fine
	// even while the limiter is enabled.
	l := ratelimit.New(nil, 10, time.Hour, true)
	d, err := l.Check(context.Background(), ratelimit.Key{Class: ratelimit.ClassCookie, Value: "COOKIE_X", Limited: false})
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestDenyHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	ratelimit.Deny(w, &ratelimit.Decision{Allowed: false, Limit: 3600, Remaining: 0, RetryAfter: 90 * time.Second})

	require.Equal(t, "90", w.Header().Get("Retry-After"))
	require.Equal(t, "3600", w.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}
