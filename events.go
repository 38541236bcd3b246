package offlineworker

import (
	"context"
	"net/http"
	"time"
)

// EventHandler receives the events a host delivers to a worker.
// Every handler returns only after all of its work (network, cache writes)
// is done, so the host knows the event is complete when the call returns.
type EventHandler interface {
	// Install runs once when a new worker is registered.
	// An error aborts the installation.
	Install(ctx context.Context) error
	// Activate runs when the worker becomes the active controller.
	Activate(ctx context.Context) error
	// Fetch resolves a request intercepted by the host.
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
	// Sync handles a background sync with the given tag.
	Sync(ctx context.Context, tag string) error
	// Push handles a push message.
	Push(ctx context.Context, data []byte) error
	// NotificationClick handles a click on a notification shown by the worker.
	NotificationClick(ctx context.Context, n Notification) error
}

// Host is what a worker can ask of the runtime hosting it.
type Host interface {
	// SkipWaiting asks for the worker being installed to be activated
	// right away instead of waiting for the current controller to go.
	SkipWaiting()
	// Claim makes the calling worker the controller of all clients.
	Claim(ctx context.Context) error
	ShowNotification(ctx context.Context, n Notification) error
	CloseNotification(ctx context.Context, tag string) error
	OpenWindow(ctx context.Context, url string) error
}

type Notification struct {
	Title              string    `json:"title"`
	Body               string    `json:"body"`
	Icon               string    `json:"icon,omitempty"`
	Badge              string    `json:"badge,omitempty"`
	Vibrate            []int     `json:"vibrate,omitempty"`
	Tag                string    `json:"tag,omitempty"`
	RequireInteraction bool      `json:"requireInteraction"`
	ShownAt            time.Time `json:"shownAt"`
}
