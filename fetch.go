package offlineworker

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/always-cache/offline-worker/cache"
	serializer "github.com/always-cache/offline-worker/pkg/response-serializer"
	routerules "github.com/always-cache/offline-worker/pkg/route-rules"
	"github.com/always-cache/offline-worker/rfc9211"
)

// Fetch resolves the request according to the first matching rule.
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	res, _, err := w.Respond(ctx, r)
	return res, err
}

// Respond is Fetch, also reporting how the response was obtained.
func (w *Worker) Respond(ctx context.Context, r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	ctx, span := w.tracer.Start(ctx, "fetch", trace.WithAttributes(
		attribute.String("http.request.method", r.Method),
		attribute.String("url.full", w.keyer.URL(r).String()),
	))
	defer span.End()
	res, cs, err := w.respond(ctx, r)
	span.SetAttributes(attribute.String("cache.status", cs.String()))
	endSpan(span, err)
	return res, cs, err
}

func (w *Worker) respond(ctx context.Context, r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	rule := w.rules.Find(r)
	if rule == nil {
		cs := rfc9211.CacheStatus{Detail: "no rule"}
		cs.Forward(rfc9211.FwdReasonBypass)
		res, err := w.network.Fetch(ctx, r)
		if err != nil {
			return nil, cs, &FetchError{URL: r.URL.String(), Err: err}
		}
		cs.FwdStatus = res.StatusCode
		return res, cs, nil
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("cache.rule", rule.Name))
	if rule.Strategy == routerules.CacheFirst {
		return w.cacheFirst(ctx, r)
	}
	return w.networkFirst(ctx, r, rule.Fallback)
}

// networkFirst returns the network response, storing a copy of it.
// If the network fails, the fallback is served from the cache.
func (w *Worker) networkFirst(ctx context.Context, r *http.Request, fallback routerules.Fallback) (*http.Response, rfc9211.CacheStatus, error) {
	cs := rfc9211.CacheStatus{}
	res, err := w.network.Fetch(ctx, r)
	if err == nil {
		cs.Forward(rfc9211.FwdReasonBypass)
		cs.FwdStatus = res.StatusCode
		cs.Stored = w.put(r, res)
		return res, cs, nil
	}

	w.log.Trace().Err(err).Str("url", r.URL.String()).Msg("Network failed, trying cache")
	if cached, ok := w.fallback(ctx, r, fallback); ok {
		cs.Hit()
		cs.Detail = "offline"
		return cached, cs, nil
	}
	cs.Forward(rfc9211.FwdReasonMiss)
	return nil, cs, &FetchError{URL: r.URL.String(), Err: err, Missed: true}
}

type missResult struct {
	bytes  []byte
	status int
	stored bool
}

// cacheFirst returns the cached response if there is one.
// On a miss, the response is fetched and stored before it is returned.
func (w *Worker) cacheFirst(ctx context.Context, r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	cs := rfc9211.CacheStatus{}
	if cached, ok := w.match(r); ok {
		cs.Hit()
		return cached, cs, nil
	}

	cs.Forward(rfc9211.FwdReasonUriMiss)
	if !w.shareable(r) {
		res, err := w.network.Fetch(ctx, r)
		if err != nil {
			return nil, cs, &FetchError{URL: r.URL.String(), Err: err, Missed: true}
		}
		cs.FwdStatus = res.StatusCode
		cs.Stored = w.put(r, res)
		return res, cs, nil
	}

	key := w.keyer.GetKey(r)
	// the shared fetch outlives a caller that goes away
	fetchCtx := context.WithoutCancel(ctx)
	ch := w.misses.DoChan(key, func() (interface{}, error) {
		res, err := w.network.Fetch(fetchCtx, r.WithContext(fetchCtx))
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		b, err := serializer.ResponseToBytes(res)
		if err != nil {
			return nil, err
		}
		return missResult{
			bytes:  b,
			status: res.StatusCode,
			stored: w.storeBytes(r, key, res.StatusCode, b),
		}, nil
	})
	var result singleflight.Result
	select {
	case <-ctx.Done():
		return nil, cs, &FetchError{URL: r.URL.String(), Err: ctx.Err()}
	case result = <-ch:
	}
	if result.Err != nil {
		return nil, cs, &FetchError{URL: r.URL.String(), Err: result.Err, Missed: true}
	}
	miss := result.Val.(missResult)
	cs.FwdStatus = miss.status
	cs.Stored = miss.stored
	res, err := serializer.BytesToResponse(miss.bytes, r)
	if err != nil {
		return nil, cs, &FetchError{URL: r.URL.String(), Err: err}
	}
	return res, cs, nil
}

// shareable reports whether concurrent misses for the request may be
// answered by one network fetch. Only GET requests whose response is
// stored qualify; other methods may carry different bodies.
func (w *Worker) shareable(r *http.Request) bool {
	if r.Method != "" && r.Method != http.MethodGet {
		return false
	}
	return w.storable(r, http.StatusOK)
}

func (w *Worker) fallback(ctx context.Context, r *http.Request, fallback routerules.Fallback) (*http.Response, bool) {
	switch fallback {
	case routerules.FallbackRequest:
		return w.match(r)
	case routerules.FallbackRoot:
		return w.matchRoot(ctx)
	case routerules.FallbackRequestThenRoot:
		if cached, ok := w.match(r); ok {
			return cached, true
		}
		return w.matchRoot(ctx)
	}
	return nil, false
}

// match looks up the request in all caches.
func (w *Worker) match(r *http.Request) (*http.Response, bool) {
	key := w.keyer.GetKey(r)
	entry, ok, err := w.storage.Match(key)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	res, err := serializer.BytesToResponse(entry.Bytes, r)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not create response")
		return nil, false
	}
	return res, true
}

// matchRoot looks up the app shell.
func (w *Worker) matchRoot(ctx context.Context) (*http.Response, bool) {
	req, err := w.newScopeRequest(ctx, w.config.RootURL)
	if err != nil {
		w.log.Error().Err(err).Str("url", w.config.RootURL).Msg("Invalid root URL")
		return nil, false
	}
	return w.match(req)
}

// storable reports whether a response to the request may be stored.
// Unless all requests are cached, only same-origin GET requests are.
// Partial content is never stored, it cannot answer a later request.
func (w *Worker) storable(r *http.Request, status int) bool {
	if status == http.StatusPartialContent {
		return false
	}
	if w.config.CacheAllRequests {
		return true
	}
	return (r.Method == "" || r.Method == http.MethodGet) && w.keyer.SameOrigin(r)
}

// put stores a copy of the response in the runtime cache.
// The response body can still be read afterwards.
func (w *Worker) put(r *http.Request, res *http.Response) bool {
	if !w.storable(r, res.StatusCode) {
		return false
	}
	b, err := serializer.ResponseToBytes(res)
	if err != nil {
		w.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not copy response")
		return false
	}
	return w.storeBytes(r, w.keyer.GetKey(r), res.StatusCode, b)
}

func (w *Worker) storeBytes(r *http.Request, key string, status int, b []byte) bool {
	if !w.storable(r, status) {
		return false
	}
	store, err := w.storage.Open(w.config.RuntimeCacheName())
	if err != nil {
		w.log.Error().Err(err).Msg("Could not open runtime cache")
		return false
	}
	w.log.Trace().Str("key", key).Msg("Writing to cache")
	if err := store.Put(cache.Entry{Key: key, StoredAt: time.Now(), Bytes: b}); err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return false
	}
	return true
}
