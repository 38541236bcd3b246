package offlineworker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/always-cache/offline-worker/cache"
	"github.com/always-cache/offline-worker/rfc9211"
)

var errNoController = errors.New("no active worker")

// responder is implemented by handlers that report the Cache-Status of a fetch.
type responder interface {
	Respond(ctx context.Context, r *http.Request) (*http.Response, rfc9211.CacheStatus, error)
}

type versioned interface {
	Version() string
}

type RuntimeOptions struct {
	// NewWorker creates the worker to install on registration.
	NewWorker func(Host) (EventHandler, error)
	// Network used while no worker is active.
	Network Fetcher
	// Storage of the named caches, listed by the control API.
	Storage cache.Storage
	Logger  zerolog.Logger
}

// Runtime hosts a worker: it installs and activates it, delivers events to it
// and provides the host services (clients, notifications) it uses.
// It is an http.Handler delivering a fetch event for every request.
type Runtime struct {
	newWorker func(Host) (EventHandler, error)
	network   Fetcher
	storage   cache.Storage
	log       zerolog.Logger

	// serializes registrations
	regMutex sync.Mutex

	mutex       sync.RWMutex
	active      EventHandler
	waiting     EventHandler
	skipWaiting bool
	claimed     bool
	activatedAt time.Time

	notesMutex    sync.Mutex
	notifications []Notification
	windows       []string
}

var _ Host = (*Runtime)(nil)

func NewRuntime(opts RuntimeOptions) *Runtime {
	return &Runtime{
		newWorker: opts.NewWorker,
		network:   opts.Network,
		storage:   opts.Storage,
		log:       opts.Logger,
	}
}

// CreateRuntime sets up a runtime hosting workers created from the config.
// The network is shared by the runtime and its workers.
func CreateRuntime(config Config) (*Runtime, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Storage == nil {
		return nil, errors.New("storage is required")
	}
	logger := newLogger(config.Logger)
	if config.Fetcher == nil {
		origin, err := url.Parse(config.Origin)
		if err != nil {
			return nil, err
		}
		scope, err := url.Parse(config.Scope)
		if err != nil {
			return nil, err
		}
		config.Fetcher = NewProxyFetcher(origin, config.OriginHost, scope)
	}
	logger = logger.With().Str("origin", config.Origin).Logger()
	config.Logger = &logger
	return NewRuntime(RuntimeOptions{
		NewWorker: func(h Host) (EventHandler, error) {
			return New(config, h)
		},
		Network: config.Fetcher,
		Storage: config.Storage,
		Logger:  logger,
	}), nil
}

// Register installs a new worker.
// If the installation fails, the worker is discarded and the error returned.
// The worker is activated right away if it asked to skip waiting or if there
// is no active worker; otherwise it waits for ActivateWaiting.
func (rt *Runtime) Register(ctx context.Context) error {
	rt.regMutex.Lock()
	defer rt.regMutex.Unlock()
	return rt.register(ctx)
}

// ensureController registers a worker if there is no active one,
// i.e. retries a failed installation.
func (rt *Runtime) ensureController(ctx context.Context) EventHandler {
	rt.regMutex.Lock()
	defer rt.regMutex.Unlock()
	if ctrl := rt.Controller(); ctrl != nil {
		return ctrl
	}
	if err := rt.register(ctx); err != nil {
		return nil
	}
	return rt.Controller()
}

func (rt *Runtime) register(ctx context.Context) error {
	w, err := rt.newWorker(rt)
	if err != nil {
		return err
	}
	rt.mutex.Lock()
	rt.skipWaiting = false
	rt.mutex.Unlock()

	rt.log.Info().Msg("Installing worker")
	if err := w.Install(ctx); err != nil {
		rt.log.Error().Err(err).Msg("Installation failed, retrying on next request")
		return err
	}

	rt.mutex.Lock()
	activateNow := rt.skipWaiting || rt.active == nil
	if !activateNow {
		rt.waiting = w
	}
	rt.mutex.Unlock()

	if !activateNow {
		rt.log.Info().Msg("Worker installed, waiting for activation")
		return nil
	}
	rt.activate(ctx, w)
	return nil
}

// ActivateWaiting activates the installed worker waiting for activation.
func (rt *Runtime) ActivateWaiting(ctx context.Context) error {
	rt.regMutex.Lock()
	defer rt.regMutex.Unlock()
	rt.mutex.RLock()
	w := rt.waiting
	rt.mutex.RUnlock()
	if w == nil {
		return errors.New("no waiting worker")
	}
	rt.activate(ctx, w)
	return nil
}

func (rt *Runtime) activate(ctx context.Context, w EventHandler) {
	rt.mutex.Lock()
	rt.active = w
	rt.waiting = nil
	rt.claimed = false
	rt.activatedAt = time.Now()
	rt.mutex.Unlock()

	rt.log.Info().Msg("Activating worker")
	// the worker is active even if it fails to clean up
	if err := w.Activate(ctx); err != nil {
		rt.log.Error().Err(err).Msg("Activation failed")
	}
}

// Controller returns the active worker, or nil.
func (rt *Runtime) Controller() EventHandler {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	return rt.active
}

// Implementation of Host
func (rt *Runtime) SkipWaiting() {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()
	rt.skipWaiting = true
}

// Implementation of Host
func (rt *Runtime) Claim(ctx context.Context) error {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()
	rt.claimed = true
	rt.log.Debug().Msg("Clients claimed")
	return nil
}

// Implementation of Host.
// A notification replaces a shown notification with the same tag.
func (rt *Runtime) ShowNotification(ctx context.Context, n Notification) error {
	if n.Title == "" {
		return errors.New("notification title is required")
	}
	n.ShownAt = time.Now()
	rt.notesMutex.Lock()
	defer rt.notesMutex.Unlock()
	rt.notifications = removeNotification(rt.notifications, n.Tag)
	rt.notifications = append(rt.notifications, n)
	rt.log.Info().Str("title", n.Title).Str("body", n.Body).Str("tag", n.Tag).Msg("Showing notification")
	return nil
}

// Implementation of Host
func (rt *Runtime) CloseNotification(ctx context.Context, tag string) error {
	rt.notesMutex.Lock()
	defer rt.notesMutex.Unlock()
	rt.notifications = removeNotification(rt.notifications, tag)
	return nil
}

func removeNotification(notes []Notification, tag string) []Notification {
	if tag == "" {
		return notes
	}
	kept := notes[:0]
	for _, n := range notes {
		if n.Tag != tag {
			kept = append(kept, n)
		}
	}
	return kept
}

// Implementation of Host
func (rt *Runtime) OpenWindow(ctx context.Context, url string) error {
	rt.notesMutex.Lock()
	defer rt.notesMutex.Unlock()
	rt.windows = append(rt.windows, url)
	rt.log.Info().Str("url", url).Msg("Opening window")
	return nil
}

// Notifications returns the notifications currently shown.
func (rt *Runtime) Notifications() []Notification {
	rt.notesMutex.Lock()
	defer rt.notesMutex.Unlock()
	return append([]Notification{}, rt.notifications...)
}

// Windows returns the URLs of the windows opened by the worker.
func (rt *Runtime) Windows() []string {
	rt.notesMutex.Lock()
	defer rt.notesMutex.Unlock()
	return append([]string{}, rt.windows...)
}

// ServeHTTP implements the http.Handler interface.
// The request is resolved by the active worker. If there is none (the
// installation keeps failing), the request goes to the network directly.
func (rt *Runtime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header)))
	ctrl := rt.Controller()
	if ctrl == nil {
		ctrl = rt.ensureController(r.Context())
	}

	var (
		res *http.Response
		cs  rfc9211.CacheStatus
		err error
	)
	switch h := ctrl.(type) {
	case nil:
		cs.Forward(rfc9211.FwdReasonBypass)
		cs.Detail = errNoController.Error()
		res, err = rt.network.Fetch(r.Context(), r)
	case responder:
		res, cs, err = h.Respond(r.Context(), r)
	default:
		cs.Forward(rfc9211.FwdReasonMiss)
		res, err = h.Fetch(r.Context(), r)
	}

	if err != nil {
		rt.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Request failed")
		w.Header().Set("Cache-Status", cs.String())
		http.Error(w, "Network request failed", http.StatusBadGateway)
		rt.logRequest(r, http.StatusBadGateway, cs)
		return
	}
	rt.sendResponse(w, r, res, cs)
}

func (rt *Runtime) sendResponse(w http.ResponseWriter, r *http.Request, res *http.Response, cs rfc9211.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Set("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	if res.Body != nil {
		bytesWritten, err := io.Copy(w, res.Body)
		if err != nil {
			rt.log.Error().Err(err).Msg("Could not write response body to client")
		}
		rt.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
	}
	rt.logRequest(r, res.StatusCode, cs)
}

func (rt *Runtime) logRequest(r *http.Request, status int, cs rfc9211.CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	rt.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", status).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

// status of the runtime, as reported by the control API
type runtimeStatus struct {
	State       string    `json:"state"`
	Version     string    `json:"version,omitempty"`
	Waiting     bool      `json:"waiting"`
	Claimed     bool      `json:"claimed"`
	ActivatedAt time.Time `json:"activatedAt"`
}

func (rt *Runtime) status() runtimeStatus {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	s := runtimeStatus{
		State:   "none",
		Waiting: rt.waiting != nil,
		Claimed: rt.claimed,
	}
	if rt.active != nil {
		s.State = "activated"
		s.ActivatedAt = rt.activatedAt
		if v, ok := rt.active.(versioned); ok {
			s.Version = v.Version()
		}
	}
	return s
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// headers added by an upstream proxy are not passed on to the client
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
