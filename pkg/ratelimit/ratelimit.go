// Package ratelimit throttles requests per classified credential using a
// fixed window counter in Redis.
//
// The limiter is naive on purpose: it checks only that credentials are
// present, not that they are valid. Invalid tokens fail authorisation right
// after anyway. Cookie-authenticated interactive users bypass the limiter,
// but only when the cookie is the sole credential offered: the priority
// order is token > basic > cookie.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
)

// Class is the credential class a request was bucketed into.
type Class string

const (
	ClassToken  Class = "token"
	ClassBasic  Class = "basic"
	ClassCookie Class = "cookie"
	ClassNone   Class = "none"
)

// Key is the derived rate-limit key for one request.
type Key struct {
	Class Class

	// Value is the Redis key: a class prefix plus the hashed credential.
	// Raw credentials are never stored.
	Value string

	// Limited is false for classes that bypass the limiter.
	Limited bool
}

// Classify derives the rate-limit key from a request's credentials.
func Classify(r *http.Request) Key {
	var cookie string
	if c := r.URL.Query().Get("cookie"); c != "" {
		cookie = c
	} else if c, err := r.Cookie("osf"); err == nil {
		cookie = c.Value
	}

	header := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		return Key{ClassToken, "TOKEN__" + obfuscate(strings.TrimPrefix(header, "Bearer ")), true}
	case strings.HasPrefix(header, "Basic "):
		return Key{ClassBasic, "BASIC__" + obfuscate(strings.TrimPrefix(header, "Basic ")), true}
	case cookie != "":
		return Key{ClassCookie, "COOKIE_" + obfuscate(cookie), false}
	}

	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return Key{ClassNone, "NOAUTH_" + obfuscate(ip), true}
}

// obfuscate hashes a credential before it is used as a store key. Storing
// the base64 of basic auth would be reversible; a digest is not.
func obfuscate(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Decision is the limiter's verdict for one request.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // until the window resets; zero when allowed
}

// Limiter is the fixed-window limiter. The zero value (disabled) allows
// everything.
type Limiter struct {
	rdb     *redis.Client
	limit   int
	window  time.Duration
	enabled bool
}

// New builds a limiter over the shared Redis client.
func New(rdb *redis.Client, limit int, window time.Duration, enabled bool) *Limiter {
	return &Limiter{rdb: rdb, limit: limit, window: window, enabled: enabled}
}

// Check atomically counts the request against its window. The first hit on a
// key sets the TTL; a count above the limit is denied until the window ends.
func (l *Limiter) Check(ctx context.Context, key Key) (*Decision, error) {
	if !l.enabled || !key.Limited {
		return &Decision{Allowed: true, Limit: l.limit, Remaining: l.limit}, nil
	}
	if l.rdb == nil {
		return nil, wberror.New(wberror.ServiceUnavailable, "rate limiting is enabled but the store is not configured")
	}

	count, err := l.rdb.Incr(ctx, key.Value).Result()
	if err != nil {
		return nil, wberror.Wrap(wberror.ServiceUnavailable, err, "rate limit INCR %s", key.Value)
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, key.Value, l.window).Err(); err != nil {
			return nil, wberror.Wrap(wberror.ServiceUnavailable, err, "rate limit EXPIRE %s", key.Value)
		}
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	if int(count) > l.limit {
		ttl, err := l.rdb.TTL(ctx, key.Value).Result()
		if err != nil {
			return nil, wberror.Wrap(wberror.ServiceUnavailable, err, "rate limit TTL %s", key.Value)
		}
		if ttl < 0 {
			ttl = l.window
		}
		return &Decision{Allowed: false, Limit: l.limit, Remaining: 0, RetryAfter: ttl}, nil
	}
	return &Decision{Allowed: true, Limit: l.limit, Remaining: remaining}, nil
}

// Deny sets the denial headers on a 429 response. The caller writes the
// status and body afterwards.
func Deny(w http.ResponseWriter, d *Decision) {
	reset := time.Now().Add(d.RetryAfter).Unix()
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(d.RetryAfter.Seconds())))
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset))
}
