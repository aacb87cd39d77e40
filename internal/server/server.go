// Package server boots the gateway: config, redis, auth handler, provider
// registry, middleware chain and the HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	gopath "path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CenterForOpenScience/waterbutler/config"
	"github.com/CenterForOpenScience/waterbutler/internal/api"
	"github.com/CenterForOpenScience/waterbutler/pkg/auth"
	"github.com/CenterForOpenScience/waterbutler/pkg/kv"
	"github.com/CenterForOpenScience/waterbutler/pkg/logger"
	"github.com/CenterForOpenScience/waterbutler/pkg/metrics"
	"github.com/CenterForOpenScience/waterbutler/pkg/middleware"
	"github.com/CenterForOpenScience/waterbutler/pkg/notify"
	"github.com/CenterForOpenScience/waterbutler/pkg/ratelimit"
	"github.com/CenterForOpenScience/waterbutler/pkg/reqid"
	"github.com/CenterForOpenScience/waterbutler/pkg/router"

	// Registered provider adapters.
	_ "github.com/CenterForOpenScience/waterbutler/pkg/provider/filesystem"
	_ "github.com/CenterForOpenScience/waterbutler/pkg/provider/s3"
)

// Start runs the gateway until SIGINT or SIGTERM.
func Start() error {
	if err := config.Load(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis is optional: without it the limiter answers 503 while enabled
	// and redis notifications are downgraded to the memory driver.
	if config.RateLimitEnabled() || config.NotifyDriver() == "redis" {
		if err := kv.Connect(ctx, config.RedisAddr(), config.RedisPassword()); err != nil {
			logger.Error("redis unavailable", "addr", config.RedisAddr(), "error", err)
		} else {
			defer kv.Close() //nolint:errcheck
		}
	}

	limiter := ratelimit.New(kv.Client(), config.RateLimit(), config.RateLimitWindow(), config.RateLimitEnabled())

	var notifier *notify.Notifier
	switch config.NotifyDriver() {
	case "redis":
		if kv.Client() != nil {
			notifier = notify.New(notify.NewRedisDriver(kv.Client()))
		} else {
			notifier = notify.New(notify.NewMemoryDriver())
		}
	case "memory":
		notifier = notify.New(notify.NewMemoryDriver())
	}

	authHandler, err := buildAuthHandler()
	if err != nil {
		return err
	}

	r := router.New()
	r.Use(reqid.Middleware())
	r.Use(middleware.Logger)
	r.Use(middleware.Recovery)
	r.Use(metrics.Middleware(routePattern))
	r.Use(middleware.CORS(middleware.DefaultCORSOptions()))

	api.New(authHandler, limiter, notifier, config.Domain()).Register(r)
	r.Get("/metrics", "metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              ":" + config.AppPort(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("waterbutler listening", "addr", srv.Addr, "env", config.AppEnv())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("waterbutler stopped")
	return nil
}

// routePattern returns the chi route pattern for metric labels.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// buildAuthHandler selects the auth backend from configuration.
func buildAuthHandler() (auth.Handler, error) {
	switch config.AuthHandler() {
	case "remote":
		url := config.AuthURL()
		if url == "" {
			return nil, fmt.Errorf("AUTH_URL is required when AUTH_HANDLER=remote")
		}
		return auth.NewRemoteHandler(url), nil

	case "jwt":
		grants := map[string]auth.ProviderGrant{
			"filesystem": {
				Settings: map[string]any{"folder": config.FSRoot()},
			},
		}
		if config.S3Bucket() != "" {
			grants["s3"] = auth.ProviderGrant{
				Credentials: map[string]any{
					"access_key": config.S3Key(),
					"secret_key": config.S3Secret(),
				},
				Settings: map[string]any{
					"bucket":   config.S3Bucket(),
					"region":   config.S3Region(),
					"endpoint": config.S3Endpoint(),
					"prefix":   config.S3Prefix(),
				},
			}
		}
		return auth.NewJWTHandler(config.JWTSecret(), grants, scopeToResource), nil

	default:
		return nil, fmt.Errorf("unknown AUTH_HANDLER %q", config.AuthHandler())
	}
}

// scopeToResource gives each resource its own subtree of the configured
// storage so resources cannot read each other's files.
func scopeToResource(resource string, grant auth.ProviderGrant) map[string]any {
	out := make(map[string]any, len(grant.Settings))
	for k, v := range grant.Settings {
		out[k] = v
	}
	if folder, ok := out["folder"].(string); ok {
		out["folder"] = filepath.Join(folder, resource)
	}
	if prefix, ok := out["prefix"].(string); ok {
		out["prefix"] = gopath.Join(prefix, resource) + "/"
	}
	return out
}
