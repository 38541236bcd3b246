package offlineworker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ControlPrefix is the path below which the runtime serves its control API.
const ControlPrefix = "/_worker"

// max size of a push message
const maxPushBytes = 4096

// Handler returns the runtime as http.Handler, with the control API mounted
// at ControlPrefix. All other requests are fetch events.
func (rt *Runtime) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Get("/status", rt.handleStatus)
		r.Post("/install", rt.handleInstall)
		r.Post("/activate", rt.handleActivate)
		r.Post("/sync/{tag}", rt.handleSync)
		r.Post("/push", rt.handlePush)
		r.Get("/notifications", rt.handleNotifications)
		r.Post("/notifications/{tag}/click", rt.handleNotificationClick)
		r.Get("/caches", rt.handleCaches)
	})
	r.Handle("/*", rt)
	return r
}

func (rt *Runtime) handleStatus(w http.ResponseWriter, r *http.Request) {
	rt.writeJSON(w, http.StatusOK, rt.status())
}

func (rt *Runtime) handleInstall(w http.ResponseWriter, r *http.Request) {
	if err := rt.Register(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	rt.writeJSON(w, http.StatusOK, rt.status())
}

func (rt *Runtime) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := rt.ActivateWaiting(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	rt.writeJSON(w, http.StatusOK, rt.status())
}

func (rt *Runtime) handleSync(w http.ResponseWriter, r *http.Request) {
	ctrl := rt.Controller()
	if ctrl == nil {
		http.Error(w, errNoController.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := ctrl.Sync(r.Context(), chi.URLParam(r, "tag")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Runtime) handlePush(w http.ResponseWriter, r *http.Request) {
	ctrl := rt.Controller()
	if ctrl == nil {
		http.Error(w, errNoController.Error(), http.StatusServiceUnavailable)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPushBytes))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "push message too large", http.StatusRequestEntityTooLarge)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ctrl.Push(r.Context(), data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (rt *Runtime) handleNotifications(w http.ResponseWriter, r *http.Request) {
	rt.writeJSON(w, http.StatusOK, rt.Notifications())
}

func (rt *Runtime) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	ctrl := rt.Controller()
	if ctrl == nil {
		http.Error(w, errNoController.Error(), http.StatusServiceUnavailable)
		return
	}
	tag := chi.URLParam(r, "tag")
	for _, n := range rt.Notifications() {
		if n.Tag != tag {
			continue
		}
		if err := ctrl.NotificationClick(r.Context(), n); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.NotFound(w, r)
}

type cacheListing struct {
	Name string   `json:"name"`
	Keys []string `json:"keys"`
}

func (rt *Runtime) handleCaches(w http.ResponseWriter, r *http.Request) {
	names, err := rt.storage.Keys()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	listing := make([]cacheListing, 0, len(names))
	for _, name := range names {
		store, err := rt.storage.Open(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		keys, err := store.Keys()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		listing = append(listing, cacheListing{Name: name, Keys: keys})
	}
	rt.writeJSON(w, http.StatusOK, listing)
}

func (rt *Runtime) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rt.log.Error().Err(err).Msg("Could not write JSON response")
	}
}
