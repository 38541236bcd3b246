package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const methodSeparator = ":"

// CacheKeyer derives the request identity used as cache key:
// the request method and the absolute request URL (without fragment).
type CacheKeyer struct {
	// Origin the worker is serving, e.g. http://localhost:8080.
	// Relative request URLs are resolved against it.
	Origin *url.URL
}

func NewCacheKeyer(origin string) (CacheKeyer, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return CacheKeyer{}, err
	}
	if u.Scheme == "" || u.Host == "" {
		return CacheKeyer{}, fmt.Errorf("Origin must be absolute: %s", origin)
	}
	return CacheKeyer{Origin: &url.URL{Scheme: u.Scheme, Host: u.Host}}, nil
}

// URL returns the absolute URL of the request.
// Requests in origin-form (as received by a server) are resolved against the origin.
func (c CacheKeyer) URL(r *http.Request) *url.URL {
	var u *url.URL
	if r.URL.IsAbs() {
		clone := *r.URL
		u = &clone
	} else {
		u = c.Origin.ResolveReference(&url.URL{
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		})
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u
}

// GetKey returns the cache key for a request.
func (c CacheKeyer) GetKey(r *http.Request) string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + methodSeparator + c.URL(r).String()
}

// SameOrigin reports if the request targets the origin of the keyer.
func (c CacheKeyer) SameOrigin(r *http.Request) bool {
	u := c.URL(r)
	return strings.EqualFold(u.Scheme, c.Origin.Scheme) && strings.EqualFold(u.Host, c.Origin.Host)
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method == "" || uri == "" {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	return http.NewRequest(method, uri, nil)
}
