package offlineworker

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	tee "github.com/always-cache/offline-worker/pkg/response-writer-tee"
)

// Fetcher is the network as seen by the worker.
// An error means the request failed without a response (e.g. offline);
// any HTTP response, whatever its status, is a success.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

// ProxyFetcher fetches requests to the scope from the origin server.
// Requests to other hosts are sent to those hosts as is.
type ProxyFetcher struct {
	reverseproxy httputil.ReverseProxy
}

// NewProxyFetcher creates a fetcher for the origin.
// The originHost, if not empty, is used as Host header and for TLS negotiation,
// e.g. when the origin URL is just an IP address.
func NewProxyFetcher(origin *url.URL, originHost string, scope *url.URL) *ProxyFetcher {
	hostHeader := origin.Host
	transport := http.DefaultTransport
	if originHost != "" {
		hostHeader = originHost
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return &ProxyFetcher{
		reverseproxy: httputil.ReverseProxy{
			Director:       createDirector(origin.Scheme, origin.Host, hostHeader, scope.Host),
			Transport:      transport,
			ModifyResponse: bufferBody,
			ErrorHandler:   recordError,
		},
	}
}

func (p *ProxyFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	rw := tee.NewResponseSaver()
	p.reverseproxy.ServeHTTP(rw, r.WithContext(ctx))
	return rw.Response(r)
}

func createDirector(scheme, host, hostHeader, scopeHost string) func(req *http.Request) {
	return func(req *http.Request) {
		if req.URL.Host != "" && !strings.EqualFold(req.URL.Host, scopeHost) {
			// cross-origin, keep the target
			req.Host = ""
			return
		}
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// bufferBody reads the whole response body before the proxy copies it.
// A body cut off by the upstream becomes a fetch error instead of a
// truncated response.
func bufferBody(res *http.Response) error {
	if res.Request != nil && res.Request.Method == http.MethodHead {
		return nil
	}
	b, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return err
	}
	res.Body = io.NopCloser(bytes.NewReader(b))
	res.ContentLength = int64(len(b))
	res.Header.Del("Transfer-Encoding")
	res.Header.Set("Content-Length", strconv.Itoa(len(b)))
	return nil
}

func recordError(w http.ResponseWriter, r *http.Request, err error) {
	if rs, ok := w.(*tee.ResponseSaver); ok {
		rs.Fail(err)
		return
	}
	w.WriteHeader(http.StatusBadGateway)
}
