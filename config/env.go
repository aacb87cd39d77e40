// Package config loads gateway settings from config/app.json, .env and the
// process environment, in that order of increasing precedence. Every setting
// has a development-friendly default so a bare `waterbutler serve` works.
package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultAppPort         = "7777"
	defaultAppEnv          = "local"
	defaultDomain          = "http://localhost:7777"
	defaultRedisAddr       = "localhost:6379"
	defaultRateLimit       = 3600
	defaultRateLimitWindow = 3600 // seconds
	defaultAuthHandler     = "jwt"
	defaultJWTSecret       = "change-me-in-production"
	defaultFSRoot          = "storage"
)

var (
	loadOnce sync.Once
	loadErr  error

	mu     sync.RWMutex
	values = defaultValues()
)

// Load reads the config sources once. Safe to call from every accessor.
func Load() error {
	loadOnce.Do(func() {
		loadErr = loadFromFiles("config/app.json", ".env")
	})
	return loadErr
}

func defaultValues() map[string]string {
	return map[string]string{
		"APP_PORT":           defaultAppPort,
		"APP_ENV":            defaultAppEnv,
		"DOMAIN":             defaultDomain,
		"REDIS_ADDR":         defaultRedisAddr,
		"REDIS_PASSWORD":     "",
		"RATE_LIMIT_ENABLED": "false",
		"RATE_LIMIT":         strconv.Itoa(defaultRateLimit),
		"RATE_LIMIT_WINDOW":  strconv.Itoa(defaultRateLimitWindow),
		"AUTH_HANDLER":       defaultAuthHandler,
		"AUTH_URL":           "",
		"JWT_SECRET":         defaultJWTSecret,
		"NOTIFY_DRIVER":      "memory",
		"FS_ROOT":            defaultFSRoot,
		"S3_BUCKET":          "",
		"S3_REGION":          "us-east-1",
		"S3_KEY":             "",
		"S3_SECRET":          "",
		"S3_ENDPOINT":        "",
		"S3_PREFIX":          "",
	}
}

// AppPort is the listen port.
func AppPort() string { _ = Load(); return get("APP_PORT", defaultAppPort) }

// AppEnv is "local", "test" or "production".
func AppEnv() string { _ = Load(); return get("APP_ENV", defaultAppEnv) }

// Domain is the external base URL used when building links in responses.
func Domain() string {
	_ = Load()
	return strings.TrimRight(get("DOMAIN", defaultDomain), "/")
}

// ── Redis ────────────────────────────────────────────────────────────────────

func RedisAddr() string     { _ = Load(); return get("REDIS_ADDR", defaultRedisAddr) }
func RedisPassword() string { _ = Load(); return get("REDIS_PASSWORD", "") }

// ── Rate limiting ────────────────────────────────────────────────────────────

// RateLimitEnabled gates the limiter; off by default for development.
func RateLimitEnabled() bool { _ = Load(); return getBool("RATE_LIMIT_ENABLED", false) }

// RateLimit is the allowed requests per window.
func RateLimit() int { _ = Load(); return getInt("RATE_LIMIT", defaultRateLimit) }

// RateLimitWindow is the fixed window length.
func RateLimitWindow() time.Duration {
	_ = Load()
	return time.Duration(getInt("RATE_LIMIT_WINDOW", defaultRateLimitWindow)) * time.Second
}

// ── Auth ─────────────────────────────────────────────────────────────────────

// AuthHandler selects the auth backend: "remote" or "jwt".
func AuthHandler() string { _ = Load(); return strings.ToLower(get("AUTH_HANDLER", defaultAuthHandler)) }

// AuthURL is the remote auth provider endpoint, required for "remote".
func AuthURL() string { _ = Load(); return get("AUTH_URL", "") }

func JWTSecret() string { _ = Load(); return get("JWT_SECRET", defaultJWTSecret) }

// ── Notifications ────────────────────────────────────────────────────────────

// NotifyDriver selects the event backend: "redis", "memory" or "off".
func NotifyDriver() string { _ = Load(); return strings.ToLower(get("NOTIFY_DRIVER", "memory")) }

// ── Providers ────────────────────────────────────────────────────────────────

// FSRoot is the filesystem provider's storage root.
func FSRoot() string { _ = Load(); return get("FS_ROOT", defaultFSRoot) }

func S3Bucket() string   { _ = Load(); return get("S3_BUCKET", "") }
func S3Region() string   { _ = Load(); return get("S3_REGION", "us-east-1") }
func S3Key() string      { _ = Load(); return get("S3_KEY", "") }
func S3Secret() string   { _ = Load(); return get("S3_SECRET", "") }
func S3Endpoint() string { _ = Load(); return get("S3_ENDPOINT", "") }
func S3Prefix() string   { _ = Load(); return get("S3_PREFIX", "") }

func loadFromFiles(configPath, envPath string) error {
	loaded := defaultValues()

	if err := mergeJSONConfig(configPath, loaded); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
	}

	if err := mergeDotEnv(envPath, loaded); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
	}

	// Process environment wins over files.
	for key := range loaded {
		if value, ok := os.LookupEnv(key); ok {
			loaded[key] = strings.TrimSpace(value)
		}
	}

	mu.Lock()
	values = loaded
	mu.Unlock()

	return nil
}

func mergeJSONConfig(path string, out map[string]string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var raw map[string]interface{}
	if err := json.NewDecoder(file).Decode(&raw); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	for key, val := range raw {
		s, ok := val.(string)
		if !ok {
			continue
		}

		k := strings.ToUpper(strings.TrimSpace(key))
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(s)
	}

	return nil
}

func mergeDotEnv(path string, out map[string]string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.IndexByte(line, '=')
		if idx <= 0 {
			continue
		}

		key := strings.ToUpper(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}
		out[key] = value
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	return nil
}

func get(key, fallback string) string {
	mu.RLock()
	defer mu.RUnlock()

	if value := strings.TrimSpace(values[key]); value != "" {
		return value
	}

	return fallback
}

func getBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(get(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(get(key, strconv.Itoa(fallback)))
	if err != nil {
		return fallback
	}
	return v
}

// Get reads any config key by name with an optional fallback.
// Keys from .env and app.json are available after config.Load().
func Get(key, fallback string) string {
	_ = Load()
	return get(key, fallback)
}
