package offlineworker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/always-cache/offline-worker/cache"
	cachekey "github.com/always-cache/offline-worker/pkg/cache-key"
	serializer "github.com/always-cache/offline-worker/pkg/response-serializer"
	routerules "github.com/always-cache/offline-worker/pkg/route-rules"
)

const instrumentationName = "github.com/always-cache/offline-worker"

// Worker is the cache policy controller: it installs and prunes the
// versioned caches and resolves intercepted requests from cache or network.
type Worker struct {
	config  Config
	storage cache.Storage
	network Fetcher
	host    Host
	keyer   cachekey.CacheKeyer
	rules   routerules.Rules
	log     zerolog.Logger
	tracer  trace.Tracer
	// collapses concurrent cache-first misses for the same key
	misses singleflight.Group

	syncMutex    sync.RWMutex
	syncHandlers map[string]func(context.Context) error
}

var _ EventHandler = (*Worker)(nil)

// New creates a worker for the given config, hosted by host.
func New(config Config, host Host) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if host == nil {
		return nil, errors.New("host is required")
	}
	keyer, err := cachekey.NewCacheKeyer(config.Scope)
	if err != nil {
		return nil, err
	}

	logger := newLogger(config.Logger).With().
		Str("worker", config.CachePrefix+"-"+config.CacheVersion).
		Logger()

	network := config.Fetcher
	if network == nil {
		origin, err := url.Parse(config.Origin)
		if err != nil {
			return nil, err
		}
		network = NewProxyFetcher(origin, config.OriginHost, keyer.Origin)
	}

	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	w := &Worker{
		config:       config,
		storage:      config.Storage,
		network:      network,
		host:         host,
		keyer:        keyer,
		rules:        config.rules(),
		log:          logger,
		tracer:       tp.Tracer(instrumentationName),
		syncHandlers: make(map[string]func(context.Context) error),
	}
	for _, tag := range config.SyncTags {
		// nothing to synchronize yet, registered tags resolve at once
		w.HandleSync(tag, func(context.Context) error { return nil })
	}
	return w, nil
}

// newLogger returns the given logger, or a console logger if nil.
func newLogger(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return zerolog.New(zerolog.NewConsoleWriter())
	}
	return *l
}

// Version returns the cache version tag of the worker.
func (w *Worker) Version() string {
	return w.config.CacheVersion
}

// Install precaches the configured assets into the static cache.
// The assets are stored only if every one of them was fetched successfully.
func (w *Worker) Install(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "install")
	defer span.End()
	err := w.install(ctx)
	endSpan(span, err)
	return err
}

func (w *Worker) install(ctx context.Context) error {
	w.log.Trace().Msg("Installing worker")
	store, err := w.storage.Open(w.config.StaticCacheName())
	if err != nil {
		return &InstallError{Err: err}
	}
	entries, err := w.fetchAll(ctx, w.config.PrecacheURLs)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := store.Put(entry); err != nil {
			return &InstallError{URL: entry.Key, Err: err}
		}
	}
	w.log.Debug().
		Str("cache", store.Name()).
		Int("assets", len(entries)).
		Msg("Precached app shell")

	w.host.SkipWaiting()
	return nil
}

func (w *Worker) fetchAll(ctx context.Context, urls []string) ([]cache.Entry, error) {
	entries := make([]cache.Entry, len(urls))
	g, ctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			entry, err := w.fetchEntry(ctx, u)
			if err != nil {
				return &InstallError{URL: u, Err: err}
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (w *Worker) fetchEntry(ctx context.Context, rawURL string) (cache.Entry, error) {
	req, err := w.newScopeRequest(ctx, rawURL)
	if err != nil {
		return cache.Entry{}, err
	}
	res, err := w.network.Fetch(ctx, req)
	if err != nil {
		return cache.Entry{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return cache.Entry{}, fmt.Errorf("bad status %d", res.StatusCode)
	}
	b, err := serializer.ResponseToBytes(res)
	if err != nil {
		return cache.Entry{}, err
	}
	w.log.Trace().Str("url", req.URL.String()).Msg("Fetched precache asset")
	return cache.Entry{
		Key:      w.keyer.GetKey(req),
		StoredAt: time.Now(),
		Bytes:    b,
	}, nil
}

// newScopeRequest creates a GET request for a URL relative to the scope.
func (w *Worker) newScopeRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, w.keyer.Origin.ResolveReference(ref).String(), nil)
}

// Activate deletes the caches of previous versions and claims all clients.
func (w *Worker) Activate(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "activate")
	defer span.End()
	err := w.activate(ctx)
	endSpan(span, err)
	return err
}

func (w *Worker) activate(ctx context.Context) error {
	w.log.Trace().Msg("Activating worker")
	names, err := w.storage.Keys()
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if !w.config.isStaleCache(name) {
			continue
		}
		if _, err := w.storage.Delete(name); err != nil {
			return fmt.Errorf("delete cache %s: %w", name, err)
		}
		w.log.Debug().Str("cache", name).Msg("Deleted old cache")
	}
	return w.host.Claim(ctx)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// HandleSync registers the function run for background syncs with the tag.
func (w *Worker) HandleSync(tag string, fn func(context.Context) error) {
	w.syncMutex.Lock()
	defer w.syncMutex.Unlock()
	w.syncHandlers[tag] = fn
}

func (w *Worker) Sync(ctx context.Context, tag string) error {
	w.syncMutex.RLock()
	fn, ok := w.syncHandlers[tag]
	w.syncMutex.RUnlock()
	if !ok {
		w.log.Trace().Str("tag", tag).Msg("Ignoring unknown sync tag")
		return nil
	}
	w.log.Debug().Str("tag", tag).Msg("Background sync")
	return fn(ctx)
}

// Push shows a notification with the message text as body.
func (w *Worker) Push(ctx context.Context, data []byte) error {
	opts := w.config.Notification
	body := string(data)
	if body == "" {
		body = opts.DefaultBody
	}
	w.log.Debug().Int("bytes", len(data)).Msg("Push received")
	return w.host.ShowNotification(ctx, Notification{
		Title:              opts.Title,
		Body:               body,
		Icon:               opts.Icon,
		Badge:              opts.Badge,
		Vibrate:            opts.Vibrate,
		Tag:                opts.Tag,
		RequireInteraction: opts.RequireInteraction,
	})
}

// NotificationClick closes the notification and opens the app.
func (w *Worker) NotificationClick(ctx context.Context, n Notification) error {
	w.log.Debug().Str("tag", n.Tag).Msg("Notification clicked")
	if err := w.host.CloseNotification(ctx, n.Tag); err != nil {
		return err
	}
	return w.host.OpenWindow(ctx, w.config.Notification.ClickURL)
}
