package offlineworker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-worker/cache"
)

func serve(handler http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, path, body))
	return rec
}

func newTestRuntime(t *testing.T, config Config) *Runtime {
	t.Helper()
	rt, err := CreateRuntime(config)
	if err != nil {
		t.Fatalf("Could not create runtime: %v", err)
	}
	return rt
}

func TestRuntimeServesOfflineFromOrigin(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>shell</html>"))
		case "/api/statistics":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"receipts":3}`))
		default:
			echoHandler(w, r)
		}
	}))
	defer origin.Close()

	config := testConfig()
	config.Origin = origin.URL
	config.Storage = cache.NewMemStorage()
	rt := newTestRuntime(t, config)
	if err := rt.Register(context.Background()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	handler := rt.Handler()

	rec := serve(handler, "GET", "/api/statistics", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != `{"receipts":3}` {
		t.Fatalf("Online response is %d %s", rec.Code, rec.Body.String())
	}
	if cs := rec.Header().Get("Cache-Status"); cs != "Offline-Worker; fwd=bypass; fwd-status=200; stored" {
		t.Fatalf("Cache-Status is %s", cs)
	}

	origin.Close()

	rec = serve(handler, "GET", "/api/statistics", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != `{"receipts":3}` {
		t.Fatalf("Offline response is %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type is %s", ct)
	}
	if cs := rec.Header().Get("Cache-Status"); !strings.Contains(cs, "; hit") {
		t.Fatalf("Cache-Status is %s", cs)
	}

	rec = serve(handler, "GET", "/settings", nil)
	if rec.Body.String() != "<html>shell</html>" {
		t.Fatalf("Document fallback is %s", rec.Body.String())
	}

	rec = serve(handler, "GET", "/api/receipts", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("Uncached API request got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Network request failed") {
		t.Fatalf("Body is %s", rec.Body.String())
	}
}

func TestRuntimeRetriesFailedInstallation(t *testing.T) {
	var manifestOK atomic.Bool
	network := newTestNetwork(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/manifest.json" && !manifestOK.Load() {
			http.Error(w, "oops", http.StatusInternalServerError)
			return
		}
		echoHandler(w, r)
	}))
	config := testConfig()
	config.Fetcher = network
	config.Storage = cache.NewMemStorage()
	rt := newTestRuntime(t, config)

	var installErr *InstallError
	if err := rt.Register(context.Background()); !errors.As(err, &installErr) {
		t.Fatalf("Register error is %v", err)
	}
	if rt.Controller() != nil {
		t.Fatal("Failed worker became controller")
	}

	// still failing, requests go to the network
	rec := serve(rt, "GET", "/api/data", nil)
	if rec.Body.String() != "GET /api/data" {
		t.Fatalf("Body is %s", rec.Body.String())
	}
	if cs := rec.Header().Get("Cache-Status"); !strings.Contains(cs, "fwd=bypass") {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if rt.Controller() != nil {
		t.Fatal("Failed worker became controller")
	}

	manifestOK.Store(true)
	serve(rt, "GET", "/api/data", nil)
	if rt.Controller() == nil {
		t.Fatal("Installation not retried")
	}
	if s := rt.status(); s.State != "activated" || !s.Claimed || s.Version != "v1" {
		t.Fatalf("Status is %+v", s)
	}
}

// stubWorker records the events it receives.
type stubWorker struct {
	name        string
	skipWaiting bool
	host        Host
	installs    atomic.Int32
	activations atomic.Int32
}

func (s *stubWorker) Install(ctx context.Context) error {
	s.installs.Add(1)
	if s.skipWaiting {
		s.host.SkipWaiting()
	}
	return nil
}

func (s *stubWorker) Activate(ctx context.Context) error {
	s.activations.Add(1)
	return s.host.Claim(ctx)
}

func (s *stubWorker) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(s.name)),
	}, nil
}

func (s *stubWorker) Sync(ctx context.Context, tag string) error             { return nil }
func (s *stubWorker) Push(ctx context.Context, data []byte) error            { return nil }
func (s *stubWorker) NotificationClick(context.Context, Notification) error { return nil }

func newStubRuntime(workers ...*stubWorker) *Runtime {
	next := 0
	return NewRuntime(RuntimeOptions{
		NewWorker: func(h Host) (EventHandler, error) {
			w := workers[next]
			next++
			w.host = h
			return w, nil
		},
		Storage: cache.NewMemStorage(),
		Logger:  zerolog.Nop(),
	})
}

func TestRuntimeNewWorkerWaitsForActivation(t *testing.T) {
	first := &stubWorker{name: "first"}
	second := &stubWorker{name: "second"}
	rt := newStubRuntime(first, second)

	if err := rt.Register(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rt.Controller() != first || first.activations.Load() != 1 {
		t.Fatal("First worker not activated")
	}

	if err := rt.Register(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !rt.status().Waiting || second.activations.Load() != 0 {
		t.Fatal("Second worker not waiting")
	}
	if body := serve(rt, "GET", "/", nil).Body.String(); body != "first" {
		t.Fatalf("Request handled by %s", body)
	}

	if err := rt.ActivateWaiting(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rt.Controller() != second || second.activations.Load() != 1 {
		t.Fatal("Second worker not activated")
	}
	if body := serve(rt, "GET", "/", nil).Body.String(); body != "second" {
		t.Fatalf("Request handled by %s", body)
	}
	if err := rt.ActivateWaiting(context.Background()); err == nil {
		t.Fatal("Activated without waiting worker")
	}
}

func TestRuntimeSkipWaitingActivatesAtOnce(t *testing.T) {
	first := &stubWorker{name: "first"}
	second := &stubWorker{name: "second", skipWaiting: true}
	rt := newStubRuntime(first, second)

	rt.Register(context.Background())
	rt.Register(context.Background())

	if rt.Controller() != second || rt.status().Waiting {
		t.Fatal("Second worker did not skip waiting")
	}
	if first.activations.Load() != 1 || second.activations.Load() != 1 {
		t.Fatal("Unexpected activations")
	}
}

func TestRuntimeNotifications(t *testing.T) {
	rt := newStubRuntime()
	ctx := context.Background()

	if err := rt.ShowNotification(ctx, Notification{Body: "no title"}); err == nil {
		t.Fatal("Notification without title shown")
	}
	rt.ShowNotification(ctx, Notification{Title: "A", Body: "1", Tag: "t"})
	rt.ShowNotification(ctx, Notification{Title: "B", Body: "untagged"})
	rt.ShowNotification(ctx, Notification{Title: "A", Body: "2", Tag: "t"})

	notes := rt.Notifications()
	if len(notes) != 2 || notes[0].Body != "untagged" || notes[1].Body != "2" {
		t.Fatalf("Notifications: %+v", notes)
	}
	rt.CloseNotification(ctx, "t")
	if notes := rt.Notifications(); len(notes) != 1 {
		t.Fatalf("Notifications: %+v", notes)
	}
}

func TestControlAPI(t *testing.T) {
	config := testConfig()
	config.Fetcher = newTestNetwork(echoHandler)
	config.Storage = cache.NewMemStorage()
	rt := newTestRuntime(t, config)
	handler := rt.Handler()

	var status runtimeStatus
	rec := serve(handler, "GET", "/_worker/status", nil)
	json.Unmarshal(rec.Body.Bytes(), &status)
	if status.State != "none" {
		t.Fatalf("Status is %+v", status)
	}
	if rec := serve(handler, "POST", "/_worker/push", strings.NewReader("x")); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Push without worker got %d", rec.Code)
	}

	rec = serve(handler, "POST", "/_worker/install", nil)
	json.Unmarshal(rec.Body.Bytes(), &status)
	if rec.Code != http.StatusOK || status.State != "activated" || status.Version != "v1" {
		t.Fatalf("Install got %d %s", rec.Code, rec.Body.String())
	}
	if rec := serve(handler, "POST", "/_worker/activate", nil); rec.Code != http.StatusConflict {
		t.Fatalf("Activate without waiting worker got %d", rec.Code)
	}
	if rec := serve(handler, "POST", "/_worker/sync/sync-receipts", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("Sync got %d", rec.Code)
	}

	serve(handler, "POST", "/_worker/push", strings.NewReader("Kassenbon erkannt"))
	if rec := serve(handler, "POST", "/_worker/push", strings.NewReader("Zwei Kassenbons erkannt")); rec.Code != http.StatusAccepted {
		t.Fatalf("Push got %d", rec.Code)
	}
	var notes []Notification
	rec = serve(handler, "GET", "/_worker/notifications", nil)
	json.Unmarshal(rec.Body.Bytes(), &notes)
	if len(notes) != 1 || notes[0].Body != "Zwei Kassenbons erkannt" || notes[0].Title != "Kassenbon-Analyzer" {
		t.Fatalf("Notifications: %s", rec.Body.String())
	}

	if rec := serve(handler, "POST", "/_worker/notifications/unknown/click", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("Click on unknown notification got %d", rec.Code)
	}
	if rec := serve(handler, "POST", "/_worker/notifications/kassenbon-notification/click", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("Click got %d", rec.Code)
	}
	if len(rt.Notifications()) != 0 {
		t.Fatal("Clicked notification not closed")
	}
	if windows := rt.Windows(); len(windows) != 1 || windows[0] != "/" {
		t.Fatalf("Windows: %v", windows)
	}

	var caches []cacheListing
	rec = serve(handler, "GET", "/_worker/caches", nil)
	json.Unmarshal(rec.Body.Bytes(), &caches)
	if len(caches) != 1 || caches[0].Name != "kassenbon-analyzer-v1-static" || len(caches[0].Keys) != 2 {
		t.Fatalf("Caches: %s", rec.Body.String())
	}

	rec = serve(handler, "GET", "/static/icon-192.png", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "GET /static/icon-192.png" {
		t.Fatalf("Fetch through handler got %d %s", rec.Code, rec.Body.String())
	}
}

func TestGetRequestSourceIp(t *testing.T) {
	for addr, ip := range map[string]string{
		"1.2.3.4:10000": "1.2.3.4",
		"[::1]:10000":   "[::1]",
		"unix-socket":   "unix-socket",
	} {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = addr
		if got := getRequestSourceIp(r); got != ip {
			t.Fatalf("Source IP of %s is %s", addr, got)
		}
	}
}

func TestPushRejectsLargeMessage(t *testing.T) {
	config := testConfig()
	config.Fetcher = newTestNetwork(echoHandler)
	config.Storage = cache.NewMemStorage()
	rt := newTestRuntime(t, config)
	if err := rt.Register(context.Background()); err != nil {
		t.Fatal(err)
	}
	handler := rt.Handler()

	large := strings.Repeat("x", maxPushBytes+1)
	if rec := serve(handler, "POST", "/_worker/push", strings.NewReader(large)); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("Large push got %d", rec.Code)
	}
	if len(rt.Notifications()) != 0 {
		t.Fatal("Notification shown for rejected push")
	}
	full := strings.Repeat("x", maxPushBytes)
	if rec := serve(handler, "POST", "/_worker/push", strings.NewReader(full)); rec.Code != http.StatusAccepted {
		t.Fatalf("Push of maximum size got %d", rec.Code)
	}
	if notes := rt.Notifications(); len(notes) != 1 || len(notes[0].Body) != maxPushBytes {
		t.Fatal("Push of maximum size not shown in full")
	}
}

func TestWriteJSONLogsEncodingErrors(t *testing.T) {
	var logs bytes.Buffer
	rt := NewRuntime(RuntimeOptions{Logger: zerolog.New(&logs)})

	rt.writeJSON(httptest.NewRecorder(), http.StatusOK, make(chan int))
	if !strings.Contains(logs.String(), "Could not write JSON response") {
		t.Fatalf("Logs: %s", logs.String())
	}
}
