package offlineworker

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/always-cache/offline-worker/cache"
	routerules "github.com/always-cache/offline-worker/pkg/route-rules"
)

// EnvPrefix is the prefix of environment variables read by LoadConfig.
const EnvPrefix = "OFFLINE_WORKER_"

type Config struct {
	// Storage for the named caches.
	Storage cache.Storage `yaml:"-"`
	// Network used by the worker. Requests are proxied to Origin if nil.
	Fetcher Fetcher `yaml:"-"`
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger `yaml:"-"`
	// Tracer provider for fetch and lifecycle spans. The global provider if nil.
	TracerProvider trace.TracerProvider `yaml:"-"`

	// URL of the origin server, e.g. http://localhost:5000.
	Origin string `yaml:"origin"`
	// Hostname to use for HTTP requests and TLS negotiation with the origin.
	OriginHost string `yaml:"originHost"`
	// Origin the worker serves pages for. Cache keys are absolute URLs below it
	// and only requests to it are same-origin.
	Scope string `yaml:"scope"`

	// Cache store names are <CachePrefix>-<CacheVersion>-<purpose>.
	CachePrefix  string `yaml:"cachePrefix"`
	CacheVersion string `yaml:"cacheVersion"`
	// Must-have assets stored at install time.
	PrecacheURLs []string `yaml:"precache"`

	// Requests below this path are API requests (network-first).
	APIPrefix string `yaml:"apiPrefix"`
	// What API requests fall back to when offline: request or root.
	APIFallback routerules.Fallback `yaml:"apiFallback"`
	// Resource kinds served cache-first.
	StaticDestinations []string `yaml:"staticDestinations"`
	// The app shell served when a document is not cached.
	RootURL string `yaml:"rootURL"`
	// Routing rules. Built from the fields above if empty.
	Rules routerules.Rules `yaml:"rules"`
	// Store every response, not only same-origin GET responses.
	CacheAllRequests bool `yaml:"cacheAllRequests"`

	// Background sync tags the worker handles.
	SyncTags []string `yaml:"syncTags"`
	// Defaults for notifications shown on push.
	Notification NotificationOptions `yaml:"notification"`
}

type NotificationOptions struct {
	Title              string `yaml:"title"`
	DefaultBody        string `yaml:"defaultBody"`
	Icon               string `yaml:"icon"`
	Badge              string `yaml:"badge"`
	Vibrate            []int  `yaml:"vibrate"`
	Tag                string `yaml:"tag"`
	RequireInteraction bool   `yaml:"requireInteraction"`
	// Window opened when a notification is clicked.
	ClickURL string `yaml:"clickURL"`
}

// DefaultConfig returns the configuration of the Kassenbon-Analyzer PWA.
func DefaultConfig() Config {
	return Config{
		Origin:       "http://localhost:5000",
		Scope:        "http://localhost:8080",
		CachePrefix:  "kassenbon-analyzer",
		CacheVersion: "v1",
		PrecacheURLs: []string{
			"/",
			"/manifest.json",
			"/static/js/chart.umd.min.js",
			"/static/icon-192.png",
			"/static/icon-512.png",
		},
		APIPrefix:   "/api/",
		APIFallback: routerules.FallbackRequest,
		StaticDestinations: []string{
			routerules.DestinationImage,
			routerules.DestinationScript,
			routerules.DestinationStyle,
		},
		RootURL:  "/",
		SyncTags: []string{"sync-receipts"},
		Notification: NotificationOptions{
			Title:       "Kassenbon-Analyzer",
			DefaultBody: "Neue Nachricht",
			Icon:        "/static/icon-192.png",
			Badge:       "/static/icon-192.png",
			Vibrate:     []int{200, 100, 200},
			Tag:         "kassenbon-notification",
			ClickURL:    "/",
		},
	}
}

// environment overrides, applied on top of the config file
type envOverrides struct {
	Origin             string   `env:"ORIGIN"`
	OriginHost         string   `env:"ORIGIN_HOST"`
	Scope              string   `env:"SCOPE"`
	CachePrefix        string   `env:"CACHE_PREFIX"`
	CacheVersion       string   `env:"CACHE_VERSION"`
	PrecacheURLs       []string `env:"PRECACHE" envSeparator:","`
	APIPrefix          string   `env:"API_PREFIX"`
	APIFallback        string   `env:"API_FALLBACK"`
	StaticDestinations []string `env:"STATIC_DESTINATIONS" envSeparator:","`
	RootURL            string   `env:"ROOT_URL"`
	CacheAllRequests   *bool    `env:"CACHE_ALL_REQUESTS"`
	SyncTags           []string `env:"SYNC_TAGS" envSeparator:","`
}

// LoadConfig returns the default config, overridden by the YAML file
// (if filename is not empty) and then by OFFLINE_WORKER_* environment variables.
func LoadConfig(filename string) (Config, error) {
	config := DefaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	var overrides envOverrides
	if err := env.ParseWithOptions(&overrides, env.Options{Prefix: EnvPrefix}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	overrides.apply(&config)
	return config, config.Validate()
}

func (o envOverrides) apply(c *Config) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&c.Origin, o.Origin)
	setString(&c.OriginHost, o.OriginHost)
	setString(&c.Scope, o.Scope)
	setString(&c.CachePrefix, o.CachePrefix)
	setString(&c.CacheVersion, o.CacheVersion)
	setString(&c.APIPrefix, o.APIPrefix)
	setString(&c.RootURL, o.RootURL)
	if o.APIFallback != "" {
		c.APIFallback = routerules.Fallback(o.APIFallback)
	}
	if o.PrecacheURLs != nil {
		c.PrecacheURLs = o.PrecacheURLs
	}
	if o.StaticDestinations != nil {
		c.StaticDestinations = o.StaticDestinations
	}
	if o.SyncTags != nil {
		c.SyncTags = o.SyncTags
	}
	if o.CacheAllRequests != nil {
		c.CacheAllRequests = *o.CacheAllRequests
	}
}

// Validate checks the settings the worker cannot run without.
func (c Config) Validate() error {
	if c.CachePrefix == "" || c.CacheVersion == "" {
		return errors.New("cache prefix and version are required")
	}
	if strings.HasPrefix(c.CacheVersion, "-") {
		return fmt.Errorf("invalid cache version %q", c.CacheVersion)
	}
	if scope, err := url.Parse(c.Scope); err != nil || !scope.IsAbs() {
		return fmt.Errorf("scope must be an absolute URL: %q", c.Scope)
	}
	if c.Fetcher == nil {
		if origin, err := url.Parse(c.Origin); err != nil || !origin.IsAbs() {
			return fmt.Errorf("origin must be an absolute URL: %q", c.Origin)
		}
	}
	if len(c.Rules) == 0 && c.APIPrefix == "" {
		return errors.New("API prefix is required")
	}
	switch c.APIFallback {
	case routerules.FallbackRequest, routerules.FallbackRoot:
	default:
		return fmt.Errorf("API fallback must be %q or %q, is %q",
			routerules.FallbackRequest, routerules.FallbackRoot, c.APIFallback)
	}
	return c.rules().Validate()
}

func (c Config) rules() routerules.Rules {
	if len(c.Rules) > 0 {
		return c.Rules
	}
	return routerules.Default(c.APIPrefix, c.APIFallback, c.StaticDestinations)
}

// StaticCacheName is the name of the store holding precached assets.
func (c Config) StaticCacheName() string {
	return c.cacheName("static")
}

// RuntimeCacheName is the name of the store filled while handling fetches.
func (c Config) RuntimeCacheName() string {
	return c.cacheName("runtime")
}

func (c Config) cacheName(purpose string) string {
	return fmt.Sprintf("%s-%s-%s", c.CachePrefix, c.CacheVersion, purpose)
}

// isStaleCache reports whether the store name belongs to this worker's
// prefix but not to the current version.
func (c Config) isStaleCache(name string) bool {
	if !strings.HasPrefix(name, c.CachePrefix+"-") {
		return false
	}
	return name != c.StaticCacheName() && name != c.RuntimeCacheName()
}
