package offlineworker

import (
	"errors"
	"fmt"
)

// ErrNotCached is wrapped by a FetchError when the network failed and the
// cache had no response to fall back to.
var ErrNotCached = errors.New("no cached response")

// InstallError aborts an installation. The runtime discards the worker
// and retries the installation on the next request.
type InstallError struct {
	URL string
	Err error
}

func (e *InstallError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("install failed: %v", e.Err)
	}
	return fmt.Sprintf("install failed: precache %s: %v", e.URL, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// FetchError is a failed request, as seen by the page.
type FetchError struct {
	URL string
	// Network error that caused the failure.
	Err error
	// The cache was looked up and had no response.
	Missed bool
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Missed {
		return []error{ErrNotCached, e.Err}
	}
	return []error{e.Err}
}
